package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeClientMessage_Ping(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(" ping\n"))
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	if _, ok := msg.(ClientPing); !ok {
		t.Fatalf("decoded type = %T, want ClientPing", msg)
	}
}

func TestDecodeClientMessage_SessionConfig(t *testing.T) {
	raw := []byte(`{
		"type":"sessionConfig",
		"config":{
			"brainMode":"Delegated",
			"tools":["get_balance"," ",""],
			"workflowId":"A",
			"systemPrompt":"You are a banking assistant.",
			"voiceId":"Kore",
			"userTimezone":"Europe/London",
			"credentials":{"accessKeyId":"AKIA","secretAccessKey":"s","region":"eu-west-2"}
		}
	}`)

	msg, err := DecodeClientMessage(raw)
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	cfg, ok := msg.(ClientSessionConfig)
	if !ok {
		t.Fatalf("decoded type = %T, want ClientSessionConfig", msg)
	}
	if cfg.Config.BrainMode != BrainModeDelegated {
		t.Fatalf("brainMode=%q", cfg.Config.BrainMode)
	}
	if len(cfg.Config.Tools) != 1 || cfg.Config.Tools[0] != "get_balance" {
		t.Fatalf("tools=%v", cfg.Config.Tools)
	}
	if cfg.Config.Credentials == nil || cfg.Config.Credentials.Region != "eu-west-2" {
		t.Fatalf("credentials=%+v", cfg.Config.Credentials)
	}

	redacted, _ := json.Marshal(cfg.Config.RedactedForLog())
	if strings.Contains(string(redacted), "AKIA") || strings.Contains(string(redacted), "banking") {
		t.Fatalf("redacted config leaks secrets: %s", redacted)
	}
}

func TestDecodeClientMessage_ToolsPresence(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"sessionConfig","config":{"voiceId":"Puck"}}`))
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	if msg.(ClientSessionConfig).Config.Tools != nil {
		t.Fatal("absent tools should decode as nil")
	}

	msg, err = DecodeClientMessage([]byte(`{"type":"sessionConfig","config":{"tools":[]}}`))
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	if tools := msg.(ClientSessionConfig).Config.Tools; tools == nil || len(tools) != 0 {
		t.Fatalf("tools=%#v, want empty non-nil", tools)
	}
}

func TestDecodeClientMessage_Others(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"textInput","text":"what's my balance"}`))
	if err != nil || msg.(ClientTextInput).Text != "what's my balance" {
		t.Fatalf("textInput msg=%#v err=%v", msg, err)
	}

	msg, err = DecodeClientMessage([]byte(`{"type":"awsConfig","config":{"accessKeyId":"a","secretAccessKey":"b"}}`))
	if err != nil || msg.(ClientAWSConfig).Config.AccessKeyID != "a" {
		t.Fatalf("awsConfig msg=%#v err=%v", msg, err)
	}

	msg, err = DecodeClientMessage([]byte(`{"type":"session_feedback","rating":4,"comment":"good"}`))
	if err != nil || msg.(ClientFeedback).Rating != 4 {
		t.Fatalf("feedback msg=%#v err=%v", msg, err)
	}

	msg, err = DecodeClientMessage([]byte(`{"type":"test_config","testName":" balance-check ","outcome":"Passed"}`))
	if err != nil {
		t.Fatalf("test_config err=%v", err)
	}
	tc := msg.(ClientTestConfig)
	if tc.TestName != "balance-check" || tc.Outcome != OutcomePass {
		t.Fatalf("test_config=%+v", tc)
	}
}

func TestDecodeClientMessage_Errors(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		code  string
		param string
	}{
		{name: "not json", raw: `{`, code: "bad_request"},
		{name: "missing type", raw: `{}`, code: "bad_request", param: "type"},
		{name: "unknown type", raw: `{"type":"hello"}`, code: "bad_request", param: "type"},
		{name: "bad brain mode", raw: `{"type":"sessionConfig","config":{"brainMode":"telepathic"}}`, code: "unsupported", param: "config.brainMode"},
		{name: "partial credentials", raw: `{"type":"sessionConfig","config":{"credentials":{"accessKeyId":"a"}}}`, code: "bad_request", param: "config.credentials.secretAccessKey"},
		{name: "empty text", raw: `{"type":"textInput","text":"  "}`, code: "bad_request", param: "text"},
		{name: "aws without key", raw: `{"type":"awsConfig","config":{}}`, code: "bad_request", param: "config.accessKeyId"},
		{name: "rating range", raw: `{"type":"session_feedback","rating":9}`, code: "bad_request", param: "rating"},
		{name: "test name", raw: `{"type":"test_config"}`, code: "bad_request", param: "testName"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeClientMessage([]byte(tt.raw))
			de, ok := err.(*DecodeError)
			if !ok {
				t.Fatalf("err=%T %v, want *DecodeError", err, err)
			}
			if de.Code != tt.code || de.Param != tt.param {
				t.Fatalf("code=%q param=%q, want %q %q", de.Code, de.Param, tt.code, tt.param)
			}
		})
	}
}

func TestNormalizeOutcome(t *testing.T) {
	for in, want := range map[string]string{"pass": OutcomePass, "FAILED": OutcomeFail, "": OutcomeUnknown, "maybe": OutcomeUnknown} {
		if got := NormalizeOutcome(in); got != want {
			t.Fatalf("NormalizeOutcome(%q)=%q, want %q", in, got, want)
		}
	}
}
