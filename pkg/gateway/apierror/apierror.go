// Package apierror writes the JSON error envelope used by the HTTP surface.
package apierror

import (
	"encoding/json"
	"net/http"
)

type Type string

const (
	TypeInvalidRequest Type = "invalid_request_error"
	TypePermission     Type = "permission_error"
	TypeNotFound       Type = "not_found_error"
	TypeRateLimit      Type = "rate_limit_error"
	TypeOverloaded     Type = "overloaded_error"
	TypeAPI            Type = "api_error"
)

type Error struct {
	Type      Type   `json:"type"`
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Param     string `json:"param,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return string(e.Type) + ": " + e.Message + " (code: " + e.Code + ")"
	}
	return string(e.Type) + ": " + e.Message
}

type Envelope struct {
	Error *Error `json:"error"`
}

// StatusFor maps an error type to its HTTP status.
func StatusFor(t Type) int {
	switch t {
	case TypeInvalidRequest:
		return http.StatusBadRequest
	case TypePermission:
		return http.StatusForbidden
	case TypeNotFound:
		return http.StatusNotFound
	case TypeRateLimit:
		return http.StatusTooManyRequests
	case TypeOverloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Write sends err with the status its type maps to. requestID fills an empty
// RequestID.
func Write(w http.ResponseWriter, requestID string, err *Error) {
	if err == nil {
		err = &Error{Type: TypeAPI, Message: "internal error"}
	}
	if err.RequestID == "" {
		err.RequestID = requestID
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(StatusFor(err.Type))
	_ = json.NewEncoder(w).Encode(Envelope{Error: err})
}
