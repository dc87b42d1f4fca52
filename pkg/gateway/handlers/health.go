package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/vai-voice/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-voice/pkg/gateway/live/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports 503 while the process drains or when the session
// registry is full.
type ReadyHandler struct {
	Lifecycle   *lifecycle.Lifecycle
	Sessions    *sessions.Tracker
	MaxSessions int
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK       bool     `json:"ok"`
		Draining bool     `json:"draining"`
		Sessions int      `json:"sessions"`
		Issues   []string `json:"issues,omitempty"`
	}

	var issues []string
	draining := h.Lifecycle.IsDraining()
	if draining {
		issues = append(issues, "draining")
	}
	count := h.Sessions.Count()
	if h.MaxSessions > 0 && count >= h.MaxSessions {
		issues = append(issues, "session limit reached")
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{OK: ok, Draining: draining, Sessions: count, Issues: issues})
}
