// Package archive persists finished conversation transcripts.
package archive

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// Entry roles.
const (
	RoleUser           = "user"
	RoleAssistant      = "assistant"
	RoleSystem         = "system"
	RoleToolInvocation = "tool-invocation"
	RoleToolResult     = "tool-result"
)

// Entry types.
const (
	TypeFinal        = "final"
	TypeSpeculative  = "speculative"
	TypeWorkflowStep = "workflow-step"
)

// Entry is one line of the transcript log. Entries are append-only.
type Entry struct {
	Role      string         `json:"role"`
	Text      string         `json:"text"`
	Timestamp time.Time      `json:"timestamp"`
	Final     bool           `json:"isFinal"`
	Sentiment *float64       `json:"sentiment,omitempty"`
	Type      string         `json:"type,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type Usage struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	TotalTokens  int     `json:"totalTokens"`
	CostUSD      float64 `json:"costUsd"`
}

type Feedback struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment,omitempty"`
}

// TestLabel marks a session that was run as a scripted test.
type TestLabel struct {
	Name    string `json:"name"`
	Outcome string `json:"outcome"`
}

// Record is everything written for one finished session.
type Record struct {
	ID               string     `json:"id"`
	SessionID        string     `json:"sessionId"`
	StartedAt        time.Time  `json:"startTime"`
	EndedAt          time.Time  `json:"endTime"`
	BrainMode        string     `json:"brainMode,omitempty"`
	WorkflowID       string     `json:"workflowId,omitempty"`
	Entries          []Entry    `json:"transcript"`
	Usage            Usage      `json:"usage"`
	AverageSentiment *float64   `json:"averageSentiment,omitempty"`
	Feedback         *Feedback  `json:"feedback,omitempty"`
	Test             *TestLabel `json:"test,omitempty"`
}

// NewRecordID returns a sortable unique id for a record.
func NewRecordID() string {
	return ulid.Make().String()
}

// AverageSentiment is the mean of every entry that carries a score, or nil
// when none do.
func AverageSentiment(entries []Entry) *float64 {
	var sum float64
	var n int
	for _, e := range entries {
		if e.Sentiment == nil {
			continue
		}
		sum += *e.Sentiment
		n++
	}
	if n == 0 {
		return nil
	}
	avg := sum / float64(n)
	return &avg
}

// Store writes records. Save must be safe to call from any goroutine.
type Store interface {
	Save(ctx context.Context, rec Record) error
}

// Multi fans a record out to every store and joins their errors.
type Multi []Store

func (m Multi) Save(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Save(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
