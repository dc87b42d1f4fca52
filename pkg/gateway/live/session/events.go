package session

import (
	"errors"

	"github.com/vango-go/vai-voice/pkg/core/realtime"
	"github.com/vango-go/vai-voice/pkg/core/toolcall"
	"github.com/vango-go/vai-voice/pkg/core/transcript"
	"github.com/vango-go/vai-voice/pkg/gateway/archive"
	"github.com/vango-go/vai-voice/pkg/gateway/live/protocol"
)

const streamingSimilarityCutoff = 0.9

// onModelEvent dispatches one event of the current model generation. Audio
// is checked against the drop rule before anything else.
func (s *LiveSession) onModelEvent(ev realtime.Event) {
	if ev.Kind == realtime.EventAudio {
		s.onModelAudio(ev.Audio)
		return
	}
	switch ev.Kind {
	case realtime.EventContentStart:
		if ev.Role == realtime.RoleAssistant {
			s.onAssistantTurnStart()
		}
	case realtime.EventTranscript:
		if ev.Transcript == nil {
			return
		}
		if ev.Role == realtime.RoleUser {
			s.onUserTranscript(*ev.Transcript)
			return
		}
		s.onAssistantTranscript(*ev.Transcript)
	case realtime.EventToolUse:
		if ev.ToolUse != nil {
			s.onStructuredToolUse(*ev.ToolUse)
		}
	case realtime.EventInterruption:
		s.interruptPlayback("barge_in")
	case realtime.EventUsage:
		if ev.Usage != nil {
			s.onUsage(*ev.Usage)
		}
	case realtime.EventMetadata:
		if len(ev.Metrics) > 0 {
			s.sendDebug("metrics", ev.Metrics)
		}
	case realtime.EventContentEnd:
		s.resolveGateAtTurnEnd()
	case realtime.EventTurnEnd:
		s.onTurnEnd()
	}
}

func (s *LiveSession) onAssistantTurnStart() {
	s.turn = turnState{index: s.turn.index + 1}
	s.tools.userTurnOpen = false
	s.gate.begin()
	if s.brainMode == protocol.BrainModeDelegated {
		// Delegated speech is our own text; nothing to intercept.
		s.gate.flush()
	}
}

func (s *LiveSession) onTurnEnd() {
	s.resolveGateAtTurnEnd()
	s.gate.reset()
	if s.brainMode == protocol.BrainModeDelegated {
		s.del.speaking = false
		s.speakNext()
		return
	}
	s.sendUsage()
}

func (s *LiveSession) onUsage(u realtime.Usage) {
	delta := realtime.Usage{
		InputTokens:  u.InputTokens - s.model.lastUsage.InputTokens,
		OutputTokens: u.OutputTokens - s.model.lastUsage.OutputTokens,
	}
	s.model.lastUsage = u
	s.metrics.Tokens(delta.InputTokens, delta.OutputTokens)
	total := s.model.baseUsage.Add(u).Add(s.del.agentUsage)
	_ = s.sendJSON(protocol.ServerTokenUsage{
		Type:         "token_usage",
		InputTokens:  total.InputTokens,
		OutputTokens: total.OutputTokens,
		TotalTokens:  total.TotalTokens,
	})
}

func (s *LiveSession) onUserTranscript(tr realtime.Transcript) {
	if s.brainMode == protocol.BrainModeDelegated {
		return
	}
	text, meta := transcript.StripControlTags(tr.Text)
	if text == "" {
		return
	}
	s.beginUserInput()
	if tr.IsFinal {
		s.record(archive.Entry{Role: archive.RoleUser, Text: text, Final: true, Sentiment: meta.Sentiment, Type: archive.TypeFinal})
	}
	_ = s.sendJSON(transcriptMessage(realtime.RoleUser, text, tr, meta))
}

// onAssistantTranscript runs the reconciler and resolver over the model's
// text. Each event carries the whole turn so far.
func (s *LiveSession) onAssistantTranscript(tr realtime.Transcript) {
	if tr.IsCancelled {
		_ = s.sendJSON(protocol.ServerTranscriptCancelled{Type: "transcriptCancelled", Role: string(realtime.RoleAssistant)})
		return
	}
	text, meta := transcript.StripControlTags(tr.Text)
	if meta.HasStep() {
		s.onStepReported(meta.Step)
	}
	if s.brainMode == protocol.BrainModeDelegated {
		return
	}
	s.turn.text = text
	s.classifyTurn(text)
	if tr.IsFinal {
		s.resolveGateAtTurnEnd()
	}

	if s.gate.state == gateIntercepting {
		s.detectTextToolCall(text, tr.IsFinal)
		s.metrics.SuppressedTranscript("tool_call")
		return
	}

	display := transcript.RemoveInternalDuplication(text)
	if display == "" {
		return
	}
	if !tr.IsFinal {
		if s.gate.state == gateBuffering {
			s.metrics.SuppressedTranscript("gating")
			return
		}
		if s.turn.lastStreamed != "" && transcript.Similarity(display, s.turn.lastStreamed) >= streamingSimilarityCutoff {
			s.metrics.SuppressedTranscript("similar")
			return
		}
		s.turn.lastStreamed = display
		_ = s.sendJSON(transcriptMessage(realtime.RoleAssistant, display, tr, meta))
		return
	}

	fresh := transcript.ExtractNewContent(display, s.finals)
	if fresh == "" {
		// A reply that only repeats earlier finals is a duplicate inside the
		// window and a legitimate re-ask after it.
		fresh = display
	}
	if s.recent.Check(fresh, s.now()) {
		s.metrics.SuppressedTranscript("duplicate")
		s.logger.Debug("suppressed duplicate assistant reply", "turn", s.turn.index)
		return
	}
	s.finals = append(s.finals, display)
	if len(s.finals) > maxFinalHistory {
		s.finals = s.finals[len(s.finals)-maxFinalHistory:]
	}
	s.record(archive.Entry{Role: archive.RoleAssistant, Text: fresh, Final: true, Sentiment: meta.Sentiment, Type: archive.TypeFinal})
	_ = s.sendJSON(transcriptMessage(realtime.RoleAssistant, fresh, tr, meta))
}

// detectTextToolCall recovers a call the model spoke instead of emitting
// one. At most one text call is dispatched per turn.
func (s *LiveSession) detectTextToolCall(text string, final bool) {
	if s.turn.toolDetected {
		return
	}
	m, err := s.detector.Detect(text)
	if err != nil {
		if final && errors.Is(err, toolcall.ErrMalformedPayload) {
			s.logger.Warn("dropping malformed tool payload", "turn", s.turn.index, "error", err)
			s.turn.toolDetected = true
		}
		return
	}
	if !m.Found() {
		return
	}
	if m.Kind == toolcall.SynthesizedBareCall && !final {
		// A streaming name may still grow into a call with arguments.
		return
	}
	s.turn.toolDetected = true
	s.resolve(s.textInvocation(m))
}

func (s *LiveSession) onStructuredToolUse(tu realtime.ToolUse) {
	if s.gate.state == gateBuffering {
		s.interceptTurn("tool_use")
	}
	s.turn.toolDetected = true
	s.resolve(s.structuredInvocation(tu))
}

func transcriptMessage(role realtime.Role, text string, tr realtime.Transcript, meta transcript.Metadata) protocol.ServerTranscript {
	msg := protocol.ServerTranscript{
		Type:        "transcript",
		Role:        string(role),
		Text:        text,
		IsFinal:     tr.IsFinal,
		IsStreaming: tr.IsStreaming,
		Stage:       tr.Stage,
		Sentiment:   meta.Sentiment,
		Dialect:     meta.Dialect,
	}
	if meta.Dialect != "" {
		conf := meta.DialectConfidence
		msg.DialectConfidence = &conf
	}
	return msg
}
