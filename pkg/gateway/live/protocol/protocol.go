package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	Ping = "ping"
	Pong = "pong"

	BrainModeDirect    = "direct"
	BrainModeDelegated = "delegated"

	OutcomePass    = "pass"
	OutcomeFail    = "fail"
	OutcomeUnknown = "unknown"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// AWSCredentials are forwarded to the Lambda tool backend. They are never
// logged or echoed back.
type AWSCredentials struct {
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	SessionToken    string `json:"sessionToken,omitempty"`
	Region          string `json:"region,omitempty"`
}

// SessionConfig fields left empty keep their current value. A nil Tools
// leaves the enabled set unchanged; an empty list disables every tool.
type SessionConfig struct {
	BrainMode    string          `json:"brainMode,omitempty"`
	Tools        []string        `json:"tools,omitempty"`
	WorkflowID   string          `json:"workflowId,omitempty"`
	SystemPrompt string          `json:"systemPrompt,omitempty"`
	VoiceID      string          `json:"voiceId,omitempty"`
	UserLocation string          `json:"userLocation,omitempty"`
	UserTimezone string          `json:"userTimezone,omitempty"`
	Credentials  *AWSCredentials `json:"credentials,omitempty"`
}

func (c SessionConfig) RedactedForLog() map[string]any {
	return map[string]any{
		"brain_mode":      c.BrainMode,
		"tools":           c.Tools,
		"workflow_id":     c.WorkflowID,
		"voice_id":        c.VoiceID,
		"has_prompt":      strings.TrimSpace(c.SystemPrompt) != "",
		"has_credentials": c.Credentials != nil,
		"user_timezone":   c.UserTimezone,
	}
}

type ClientSessionConfig struct {
	Type   string        `json:"type"`
	Config SessionConfig `json:"config"`
}

type ClientTextInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ClientAWSConfig struct {
	Type   string         `json:"type"`
	Config AWSCredentials `json:"config"`
}

type ClientFeedback struct {
	Type    string `json:"type"`
	Rating  int    `json:"rating"`
	Comment string `json:"comment,omitempty"`
}

type ClientTestConfig struct {
	Type     string `json:"type"`
	TestName string `json:"testName"`
	Outcome  string `json:"outcome,omitempty"`
}

// ClientPing is the literal "ping" text frame.
type ClientPing struct{}

func DecodeClientMessage(data []byte) (any, error) {
	if strings.TrimSpace(string(data)) == Ping {
		return ClientPing{}, nil
	}
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "sessionConfig":
		var msg ClientSessionConfig
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid sessionConfig", "")
		}
		mode := strings.ToLower(strings.TrimSpace(msg.Config.BrainMode))
		switch mode {
		case "", BrainModeDirect, BrainModeDelegated:
		default:
			return nil, unsupported("unsupported brain mode", "config.brainMode")
		}
		msg.Config.BrainMode = mode
		if msg.Config.Tools != nil {
			tools := make([]string, 0, len(msg.Config.Tools))
			for _, name := range msg.Config.Tools {
				if name = strings.TrimSpace(name); name != "" {
					tools = append(tools, name)
				}
			}
			msg.Config.Tools = tools
		}
		if c := msg.Config.Credentials; c != nil {
			if err := validateCredentials(*c, "config.credentials"); err != nil {
				return nil, err
			}
		}
		return msg, nil
	case "textInput":
		var msg ClientTextInput
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid textInput", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("textInput.text is required", "text")
		}
		return msg, nil
	case "awsConfig":
		var msg ClientAWSConfig
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid awsConfig", "")
		}
		if err := validateCredentials(msg.Config, "config"); err != nil {
			return nil, err
		}
		return msg, nil
	case "session_feedback":
		var msg ClientFeedback
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session_feedback", "")
		}
		if msg.Rating < 0 || msg.Rating > 5 {
			return nil, badRequest("session_feedback.rating must be between 0 and 5", "rating")
		}
		return msg, nil
	case "test_config":
		var msg ClientTestConfig
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid test_config", "")
		}
		msg.TestName = strings.TrimSpace(msg.TestName)
		if msg.TestName == "" {
			return nil, badRequest("test_config.testName is required", "testName")
		}
		msg.Outcome = NormalizeOutcome(msg.Outcome)
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

func validateCredentials(c AWSCredentials, param string) error {
	if strings.TrimSpace(c.AccessKeyID) == "" {
		return badRequest("accessKeyId is required", param+".accessKeyId")
	}
	if strings.TrimSpace(c.SecretAccessKey) == "" {
		return badRequest("secretAccessKey is required", param+".secretAccessKey")
	}
	return nil
}

// NormalizeOutcome maps a test outcome label to pass, fail or unknown.
func NormalizeOutcome(outcome string) string {
	switch strings.ToLower(strings.TrimSpace(outcome)) {
	case OutcomePass, "passed", "success":
		return OutcomePass
	case OutcomeFail, "failed", "failure":
		return OutcomeFail
	default:
		return OutcomeUnknown
	}
}

type ServerTranscript struct {
	Type              string   `json:"type"`
	Role              string   `json:"role"`
	Text              string   `json:"text"`
	IsFinal           bool     `json:"isFinal"`
	IsStreaming       bool     `json:"isStreaming"`
	Stage             string   `json:"stage,omitempty"`
	Sentiment         *float64 `json:"sentiment,omitempty"`
	Dialect           string   `json:"dialect,omitempty"`
	DialectConfidence *float64 `json:"dialectConfidence,omitempty"`
}

type ServerTranscriptCancelled struct {
	Type string `json:"type"`
	Role string `json:"role"`
}

type ServerDebugInfo struct {
	Type string         `json:"type"`
	Kind string         `json:"kind"`
	Data map[string]any `json:"data,omitempty"`
}

type ServerWorkflowStatus struct {
	Type          string          `json:"type"`
	WorkflowID    string          `json:"workflowId,omitempty"`
	WorkflowName  string          `json:"workflowName,omitempty"`
	CurrentStep   string          `json:"currentStep,omitempty"`
	Authenticated bool            `json:"authenticated"`
	Checks        map[string]bool `json:"checks,omitempty"`
}

type ServerInterruption struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

type ServerTokenUsage struct {
	Type         string `json:"type"`
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
	TotalTokens  int    `json:"totalTokens"`
}

type ServerUsage struct {
	Type         string  `json:"type"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	TotalTokens  int     `json:"totalTokens"`
	CostUSD      float64 `json:"costUsd"`
	DurationMS   int64   `json:"durationMs"`
}

type ServerError struct {
	Type      string         `json:"type"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

type ServerWarning struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
