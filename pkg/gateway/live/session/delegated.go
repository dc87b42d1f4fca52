package session

import (
	"context"

	"github.com/vango-go/vai-voice/pkg/core/agent"
	"github.com/vango-go/vai-voice/pkg/core/live"
	"github.com/vango-go/vai-voice/pkg/core/realtime"
	"github.com/vango-go/vai-voice/pkg/core/transcript"
	"github.com/vango-go/vai-voice/pkg/core/voice"
	"github.com/vango-go/vai-voice/pkg/gateway/archive"
	"github.com/vango-go/vai-voice/pkg/gateway/live/protocol"
)

const maxAgentHistory = 40

// delegatedState drives delegated mode: we detect utterances ourselves, an
// agent writes the reply, and the speech model only reads it aloud.
type delegatedState struct {
	acc      *live.Accumulator
	inSpeech bool
	heard    bool
	silence  loopTimer
	// epoch invalidates agent replies that a newer utterance overtook.
	epoch      int64
	history    []agent.Message
	queue      []string
	speaking   bool
	agentUsage realtime.Usage
}

func newDelegatedState(cfg Config) delegatedState {
	return delegatedState{acc: live.NewAccumulator(live.InputFormat, int(cfg.MaxUtteranceDuration.Milliseconds()))}
}

func (d *delegatedState) clearSpeech() {
	d.queue = nil
	d.speaking = false
}

// onDelegatedAudio is a simple energy VAD. The first loud frame of an onset
// barges in on playback; silence after speech arms the end-of-utterance
// timer.
func (s *LiveSession) onDelegatedAudio(frame []byte) {
	d := &s.del
	if live.CalculateRMSEnergy(frame) >= s.cfg.VADRMSThreshold {
		if !d.inSpeech {
			d.inSpeech = true
			d.epoch++
			if d.speaking || len(d.queue) > 0 || s.turn.audible {
				s.interruptPlayback("user_speech")
			}
		}
		d.heard = true
		d.acc.Write(frame)
		d.silence.stop()
		return
	}
	if d.inSpeech {
		d.inSpeech = false
		d.silence.reset(s.cfg.SilenceDuration)
	}
	if d.heard {
		d.acc.Write(frame)
	}
}

// onSilence closes the utterance and sends it for transcription.
func (s *LiveSession) onSilence() {
	d := &s.del
	if d.inSpeech || !d.heard {
		return
	}
	d.heard = false
	pcm := d.acc.Take()
	if len(pcm) == 0 {
		return
	}
	if s.transcriber == nil {
		s.logger.Warn("dropping utterance: no transcriber configured", "bytes", len(pcm))
		return
	}
	epoch := d.epoch
	s.safeGo("transcribe", func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.AgentTimeout)
		defer cancel()
		text, err := s.transcriber.Transcribe(ctx, pcm)
		s.complete(func() { s.onTranscribed(epoch, text, err) })
	})
}

func (s *LiveSession) onTranscribed(epoch int64, text string, err error) {
	if err != nil {
		s.logger.Warn("transcription failed", "error", err)
		s.sendError("transcription_failed", "We could not understand that audio. Please try again.", true, nil)
		return
	}
	if epoch != s.del.epoch {
		s.logger.Debug("transcript overtaken by new speech", "epoch", epoch)
	}
	s.onUtterance(text)
}

// onUtterance starts an agent reply for one user utterance, spoken or typed.
func (s *LiveSession) onUtterance(text string) {
	text, meta := transcript.StripControlTags(text)
	if text == "" {
		return
	}
	s.beginUserInput()
	s.record(archive.Entry{Role: archive.RoleUser, Text: text, Final: true, Sentiment: meta.Sentiment, Type: archive.TypeFinal})
	_ = s.sendJSON(protocol.ServerTranscript{Type: "transcript", Role: string(realtime.RoleUser), Text: text, IsFinal: true})
	s.pushHistory(agent.Message{Role: agent.RoleUser, Text: text})

	if s.agent == nil {
		s.sendError("agent_unavailable", "Delegated mode is not available on this server.", false, nil)
		return
	}
	s.del.epoch++
	epoch := s.del.epoch
	req := agent.Request{
		SystemPrompt: s.instructions(),
		History:      append([]agent.Message(nil), s.del.history...),
		Tools:        s.modelTools(),
		CallTool:     s.agentToolFunc(),
	}
	s.safeGo("agent reply", func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.AgentTimeout)
		defer cancel()
		resp, err := s.agent.Reply(ctx, req)
		s.complete(func() { s.onAgentReply(epoch, resp, err) })
	})
}

// agentToolFunc routes the agent's tool calls through the resolver on the
// loop and waits for the result.
func (s *LiveSession) agentToolFunc() agent.ToolFunc {
	return func(ctx context.Context, name string, args map[string]any) (any, error) {
		results := make(chan ToolResult, 1)
		posted := s.complete(func() {
			inv := s.agentInvocation(name, args)
			inv.deliver = func(r ToolResult) { results <- r }
			s.resolve(inv)
		})
		if !posted {
			return nil, context.Canceled
		}
		select {
		case r := <-results:
			if r.IsError {
				return map[string]any{"error": r.Text}, nil
			}
			if r.Payload != nil {
				return r.Payload, nil
			}
			return r.Text, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *LiveSession) agentInvocation(name string, args map[string]any) invocation {
	m := s.detector.Structured(name, args)
	return invocation{ID: newCallID(), Name: m.Tool, Resolved: m.Resolved, Args: m.Parameters, Turn: s.turn.index, Source: sourceAgent, Kind: m.Kind}
}

func (s *LiveSession) onAgentReply(epoch int64, resp agent.Response, err error) {
	u := realtime.Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens, TotalTokens: resp.Usage.InputTokens + resp.Usage.OutputTokens}
	s.del.agentUsage = s.del.agentUsage.Add(u)
	s.metrics.Tokens(u.InputTokens, u.OutputTokens)
	if epoch != s.del.epoch {
		s.metrics.StaleEvent()
		s.logger.Debug("dropping agent reply overtaken by new input", "epoch", epoch)
		return
	}
	if err != nil {
		s.logger.Error("agent reply failed", "error", err)
		s.sendError("agent_error", "Something went wrong while preparing a reply. Please try again.", true, nil)
		return
	}
	text, meta := transcript.StripControlTags(resp.Text)
	if meta.HasStep() {
		s.onStepReported(meta.Step)
	}
	text = transcript.RemoveInternalDuplication(text)
	if text == "" {
		return
	}
	if s.recent.Check(text, s.now()) {
		s.metrics.SuppressedTranscript("duplicate")
		return
	}
	s.pushHistory(agent.Message{Role: agent.RoleAssistant, Text: text})
	s.record(archive.Entry{Role: archive.RoleAssistant, Text: text, Final: true, Sentiment: meta.Sentiment, Type: archive.TypeFinal, Metadata: map[string]any{"toolCalls": resp.ToolCalls}})
	_ = s.sendJSON(transcriptMessage(realtime.RoleAssistant, text, realtime.Transcript{Text: text, IsFinal: true}, meta))
	s.sendUsage()

	s.del.queue = append(s.del.queue, voice.Segments(text, voice.DefaultMinSegmentRunes)...)
	s.speakNext()
}

// speakNext hands the next queued segment to the speech model. Segments go
// one per model turn; onTurnEnd calls back here.
func (s *LiveSession) speakNext() {
	if s.del.speaking || len(s.del.queue) == 0 {
		return
	}
	seg := s.del.queue[0]
	s.del.queue = s.del.queue[1:]
	s.del.speaking = true
	s.sendModel("speak", func(ctx context.Context, m realtime.Session) error {
		return m.Speak(ctx, seg)
	})
}

func (s *LiveSession) pushHistory(m agent.Message) {
	s.del.history = append(s.del.history, m)
	if len(s.del.history) > maxAgentHistory {
		s.del.history = s.del.history[len(s.del.history)-maxAgentHistory:]
	}
}

