package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SessionStarted()
	m.SessionEnded("ok", time.Second)
	m.ToolCall("get_balance", ToolSuccess, time.Millisecond)
	m.GateDecision("flowing")
	m.ModelRestart("workflow")
	m.StaleEvent()
	m.SuppressedTranscript("duplicate")
	m.Tokens(1, 2)
	m.Cost(0.5)
	m.AudioBytes("in", 10)
	m.Error("x")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestCounters(t *testing.T) {
	m := New("test")
	m.SessionStarted()
	m.SessionStarted()
	m.SessionEnded("ok", 2*time.Second)
	m.ToolCall("get_balance", ToolSuccess, 20*time.Millisecond)
	m.ToolCall("get_balance", ToolDuplicate, 0)
	m.ToolCall("get_balance", ToolDuplicate, 0)
	m.Tokens(100, 0)

	body := scrape(t, m)
	for _, want := range []string{
		"test_sessions_active 1",
		`test_sessions_total{status="ok"} 1`,
		`test_tool_calls_total{outcome="duplicate",tool="get_balance"} 2`,
		`test_tool_call_duration_seconds_count{tool="get_balance"} 1`,
		`test_tokens_total{direction="input"} 100`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics body missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(body, `test_tokens_total{direction="output"}`) {
		t.Fatalf("zero output tokens should not create a series")
	}
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New("")
	m.ModelRestart("config")

	body := scrape(t, m)
	if !strings.Contains(body, `vai_voice_model_restarts_total{reason="config"} 1`) {
		t.Fatalf("metrics body missing restart counter:\n%s", body)
	}
}
