package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/vango-go/vai-voice/pkg/core/realtime"
	"github.com/vango-go/vai-voice/pkg/gateway/live/protocol"
)

const delegatedSpeechPrompt = "You are a text-to-speech voice. Read every message you receive aloud exactly as written, in a warm and natural tone. Do not answer, add, or omit anything."

// modelHandle tracks the live model session. gen increases every time a
// session is started or dropped; events carry the gen of the session that
// produced them and are discarded once it no longer matches.
type modelHandle struct {
	gen       int64
	sess      realtime.Session
	starting  bool
	pending   []modelSend
	baseUsage realtime.Usage
	lastUsage realtime.Usage
}

type modelEnvelope struct {
	gen    int64
	ev     realtime.Event
	closed bool
}

type modelSend struct {
	op string
	fn func(ctx context.Context, m realtime.Session) error
}

func (s *LiveSession) modelOptions() realtime.Options {
	opts := realtime.Options{SessionID: s.sessionID, Voice: s.voice, Language: s.language}
	if s.brainMode == protocol.BrainModeDelegated {
		opts.SystemPrompt = delegatedSpeechPrompt
		return opts
	}
	opts.SystemPrompt = s.instructions()
	opts.Tools = s.modelTools()
	return opts
}

// sendModel runs send against the open model session, or queues it and
// starts one. Sends queued during a start or restart are replayed in order
// once the new session is up.
func (s *LiveSession) sendModel(op string, fn func(ctx context.Context, m realtime.Session) error) {
	send := modelSend{op: op, fn: fn}
	if s.model.sess != nil {
		s.runModelSend(send)
		return
	}
	if len(s.model.pending) >= maxPendingModelSends {
		s.logger.Debug("model send queue full", "op", op)
		return
	}
	s.model.pending = append(s.model.pending, send)
	// A listing in progress starts the model itself once the tools are known.
	if !s.model.starting && !s.catalogLoading {
		s.startModel(nil, "lazy")
	}
}

func (s *LiveSession) runModelSend(send modelSend) {
	sess := s.model.sess
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.WriteTimeout)
	err := send.fn(ctx, sess)
	cancel()
	if err == nil || s.ctx.Err() != nil {
		return
	}
	s.onModelFailure(send.op, err)
}

// startModel opens a new generation. old, when set, is closed first within
// the restart grace period.
func (s *LiveSession) startModel(old realtime.Session, reason string) {
	s.model.gen++
	gen := s.model.gen
	s.model.starting = true
	opts := s.modelOptions()
	logger := s.logger.With("generation", gen)
	logger.Debug("starting model session", "reason", reason, "tools", len(opts.Tools))

	s.safeGo("model start", func() {
		if old != nil {
			s.closeWithGrace(old, logger)
		}
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ModelStartTimeout)
		defer cancel()
		sess, err := s.models.Start(ctx, opts)
		if !s.complete(func() { s.onModelStarted(gen, sess, err) }) && sess != nil {
			_ = sess.Close()
		}
	})
}

func (s *LiveSession) onModelStarted(gen int64, sess realtime.Session, err error) {
	if gen != s.model.gen {
		if sess != nil {
			s.safeGo("close stale model", func() { _ = sess.Close() })
		}
		return
	}
	s.model.starting = false
	if err != nil {
		s.model.pending = nil
		s.logger.Error("model session start failed", "generation", gen, "error", err)
		s.sendError("model_session_error", "The voice model is unavailable right now. Please try again.", true, nil)
		return
	}
	s.model.sess = sess
	s.model.lastUsage = realtime.Usage{}
	s.logger.Info("model session started", "generation", gen, "model_session_id", sess.ID())
	s.safeGo("model events", func() { s.pumpModel(gen, sess) })

	pending := s.model.pending
	s.model.pending = nil
	for _, send := range pending {
		if s.model.sess != sess {
			break
		}
		s.runModelSend(send)
	}
	s.onModelReady(gen)
}

func (s *LiveSession) pumpModel(gen int64, sess realtime.Session) {
	for ev := range sess.Events() {
		select {
		case s.modelCh <- modelEnvelope{gen: gen, ev: ev}:
		case <-s.ctx.Done():
			return
		}
	}
	select {
	case s.modelCh <- modelEnvelope{gen: gen, closed: true}:
	case <-s.ctx.Done():
	}
}

func (s *LiveSession) onModelEnvelope(env modelEnvelope) {
	if env.gen != s.model.gen || s.model.sess == nil {
		if !env.closed {
			s.metrics.StaleEvent()
		}
		return
	}
	if env.closed {
		s.logger.Info("model stream ended", "generation", env.gen)
		s.clearModel()
		return
	}
	if env.ev.Kind == realtime.EventError {
		s.onModelFailure("receive", env.ev.Err)
		return
	}
	s.onModelEvent(env.ev)
}

// onModelFailure keeps the conversation alive: the handle is dropped and the
// next input starts a fresh session.
func (s *LiveSession) onModelFailure(op string, err error) {
	if realtime.IsPrematureClose(err) {
		s.logger.Warn("model stream closed early", "op", op, "generation", s.model.gen, "error", err)
	} else {
		s.logger.Error("model session error", "op", op, "generation", s.model.gen, "error", err)
		s.sendError("model_session_error", "The voice model ran into a problem. Please try again.", true, nil)
	}
	s.clearModel()
}

// detachModel forgets the current session so its remaining events are
// stale, folding its usage into the running total.
func (s *LiveSession) detachModel() realtime.Session {
	old := s.model.sess
	if old != nil {
		s.model.baseUsage = s.model.baseUsage.Add(old.Usage())
	}
	s.model.sess = nil
	s.model.starting = false
	s.model.lastUsage = realtime.Usage{}
	s.model.gen++
	s.gate.reset()
	s.turn.interrupted = false
	s.del.speaking = false
	return old
}

func (s *LiveSession) clearModel() {
	s.model.pending = nil
	if old := s.detachModel(); old != nil {
		s.safeGo("close model", func() { s.closeWithGrace(old, s.logger) })
	}
}

// restartModel applies new instructions. A session that is open or starting
// is replaced; otherwise a fresh one is started.
func (s *LiveSession) restartModel(reason string) {
	s.metrics.ModelRestart(reason)
	s.logger.Info("restarting model session", "reason", reason)
	old := s.detachModel()
	s.startModel(old, reason)
}

func (s *LiveSession) modelOpen() bool {
	return s.model.sess != nil || s.model.starting
}

// closeModel is used on shutdown and waits for the close.
func (s *LiveSession) closeModel() {
	s.model.pending = nil
	if old := s.detachModel(); old != nil {
		s.closeWithGrace(old, s.logger)
	}
}

func (s *LiveSession) closeWithGrace(sess realtime.Session, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		_ = sess.Close()
		close(done)
	}()
	timer := time.NewTimer(s.cfg.RestartGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		logger.Warn("model session did not close within grace period", "model_session_id", sess.ID())
	}
}
