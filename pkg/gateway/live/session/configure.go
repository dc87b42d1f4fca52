package session

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/vango-go/vai-voice/pkg/core/workflow"
	"github.com/vango-go/vai-voice/pkg/gateway/live/protocol"
)

// configure applies a sessionConfig message. Empty fields keep their value.
// Problems are logged; the session carries on with what it had.
func (s *LiveSession) configure(cfg protocol.SessionConfig) {
	s.logger.Info("session configured", "config", cfg.RedactedForLog())
	changed := false

	if mode := strings.TrimSpace(cfg.BrainMode); mode != "" && mode != s.brainMode {
		s.brainMode = mode
		changed = true
	}
	if cfg.Tools != nil {
		before := s.enabledNames()
		s.setEnabled(cfg.Tools)
		if !slices.Equal(before, s.enabledNames()) {
			changed = true
		}
	}
	if p := strings.TrimSpace(cfg.SystemPrompt); p != "" && p != s.basePrompt {
		s.basePrompt = p
		changed = true
	}
	if v := strings.TrimSpace(cfg.VoiceID); v != "" && v != s.voice {
		s.voice = v
		changed = true
		s.warmFiller()
	}
	if loc := strings.TrimSpace(cfg.UserLocation); loc != "" && loc != s.userLocation {
		s.userLocation = loc
		changed = true
	}
	if tz := strings.TrimSpace(cfg.UserTimezone); tz != "" && tz != s.userTimezone {
		s.userTimezone = tz
		changed = true
	}
	if cfg.Credentials != nil {
		s.setCredentials(*cfg.Credentials)
	}

	if id := strings.TrimSpace(cfg.WorkflowID); id != "" && id != s.wf.id {
		if err := s.startWorkflow(id, "config"); err == nil {
			return
		}
	}
	if changed && s.modelOpen() {
		s.restartModel("config")
	}
}

// instructions is the system prompt for the reasoning model: the base
// prompt, what we know about the caller, and the active workflow.
func (s *LiveSession) instructions() string {
	prompt := s.basePrompt
	var ctx []string
	if s.userLocation != "" {
		ctx = append(ctx, "The user is located in "+s.userLocation+".")
	}
	if s.userTimezone != "" {
		ctx = append(ctx, fmt.Sprintf("The user's timezone is %s; current time is %s.", s.userTimezone, s.localTime()))
	}
	if len(ctx) > 0 {
		prompt = strings.TrimSpace(prompt + "\n\n" + strings.Join(ctx, " "))
	}
	return workflow.ApplyToPrompt(prompt, s.wf.block)
}

func (s *LiveSession) localTime() string {
	now := s.now()
	if loc, err := time.LoadLocation(s.userTimezone); err == nil {
		now = now.In(loc)
	}
	return now.Format("Monday, January 2, 2006 15:04 MST")
}
