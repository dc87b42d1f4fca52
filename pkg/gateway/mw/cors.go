package mw

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/vango-go/vai-voice/pkg/gateway/apierror"
)

const (
	corsAllowedMethods = "GET, OPTIONS"
	corsAllowedHeaders = "Content-Type, X-Request-ID"
	corsExposedHeaders = "X-Request-ID"
)

// OriginAllowed applies the gateway's origin policy. A missing origin is
// allowed. With no list only an origin naming host is allowed; "*" allows any.
func OriginAllowed(origins []string, origin, host string) bool {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return true
	}
	if len(origins) == 0 {
		u, err := url.Parse(origin)
		return err == nil && u.Host != "" && strings.EqualFold(u.Host, host)
	}
	for _, o := range origins {
		if o == "*" || strings.EqualFold(strings.TrimSpace(o), origin) {
			return true
		}
	}
	return false
}

// CORS answers preflights and tags responses for listed origins. With no
// list, cross-origin browser access is off and same-host pages need no
// headers.
func CORS(origins []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		listed := origin != "" && len(origins) > 0 && OriginAllowed(origins, origin, "")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if !listed {
				reqID, _ := RequestIDFrom(r.Context())
				apierror.Write(w, reqID, &apierror.Error{
					Type:    apierror.TypePermission,
					Message: "cors preflight not allowed for this origin",
					Param:   "Origin",
				})
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", corsAllowedMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowedHeaders)
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if listed {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Expose-Headers", corsExposedHeaders)
		}
		next.ServeHTTP(w, r)
	})
}
