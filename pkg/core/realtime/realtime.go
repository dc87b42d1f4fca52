// Package realtime defines the streaming speech-model session the voice
// gateway drives, and adapts the Gemini Live API to it.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-voice/pkg/core/tools"
)

type EventKind string

const (
	EventContentStart EventKind = "contentStart"
	EventAudio        EventKind = "audio"
	EventTranscript   EventKind = "transcript"
	EventToolUse      EventKind = "toolUse"
	EventInterruption EventKind = "interruption"
	EventUsage        EventKind = "usageEvent"
	EventMetadata     EventKind = "metadata"
	EventContentEnd   EventKind = "contentEnd"
	EventTurnEnd      EventKind = "interactionTurnEnd"
	EventError        EventKind = "error"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Transcript stages.
const (
	StageSpeculative = "speculative"
	StageFinal       = "final"
)

// Event is one item of model output. Only the fields relevant to Kind are
// set.
type Event struct {
	Kind       EventKind
	Role       Role
	Audio      []byte
	Transcript *Transcript
	ToolUse    *ToolUse
	Usage      *Usage
	Metrics    map[string]any
	Err        error
}

// Transcript carries the full text of the current turn so far, not a delta.
type Transcript struct {
	Text        string
	IsFinal     bool
	IsStreaming bool
	IsCancelled bool
	Stage       string
}

type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// Usage is cumulative for a model session.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		TotalTokens:  u.TotalTokens + o.TotalTokens,
	}
}

// Options are applied when a model session starts. Instructions cannot be
// changed on an open session; callers restart it instead.
type Options struct {
	SessionID    string
	SystemPrompt string
	Voice        string
	Language     string
	Tools        []tools.Tool
}

// Factory opens model sessions.
type Factory interface {
	Start(ctx context.Context, opts Options) (Session, error)
}

// Session is one open model stream. Send methods may be called from any
// goroutine. Events is closed once the stream ends, after Close or after an
// EventError.
type Session interface {
	ID() string
	SendText(ctx context.Context, text string) error
	SendAudio(ctx context.Context, pcm []byte) error
	SendToolResult(ctx context.Context, id, name string, payload any, isError bool) error
	// Speak asks the model to read text aloud verbatim.
	Speak(ctx context.Context, text string) error
	Events() <-chan Event
	Usage() Usage
	Close() error
}

var ErrSessionClosed = errors.New("model session closed")

// SessionError is a failure of the underlying model stream.
type SessionError struct {
	Op  string
	Err error
}

func (e *SessionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("model session %s: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsPrematureClose reports whether err means the remote end closed the
// stream while it was still in use.
func IsPrematureClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, ErrSessionClosed) {
		return true
	}
	var ce *websocket.CloseError
	return errors.As(err, &ce)
}
