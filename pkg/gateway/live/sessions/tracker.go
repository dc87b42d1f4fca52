// Package sessions is the process-wide registry of live voice sessions. A
// session is inserted when its websocket is accepted and removed when it
// closes; shutdown uses the registry to warn, cancel and drain.
package sessions

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrAtCapacity  = errors.New("live session limit reached")
	ErrDuplicateID = errors.New("live session id already registered")
)

type Handle struct {
	RemoteAddr string
	StartedAt  time.Time
	Cancel     func()
	Warn       func(code, message string) error
}

// Info describes one registered session.
type Info struct {
	ID         string
	RemoteAddr string
	StartedAt  time.Time
}

type Tracker struct {
	max int

	mu       sync.Mutex
	sessions map[string]*trackedSession
	wg       sync.WaitGroup
}

type trackedSession struct {
	handle Handle
	once   sync.Once
}

// NewTracker returns a registry admitting at most max sessions; max <= 0
// means no limit.
func NewTracker(max int) *Tracker {
	return &Tracker{max: max, sessions: make(map[string]*trackedSession)}
}

// Register inserts a session. The returned func removes it and is safe to
// call more than once.
func (t *Tracker) Register(sessionID string, h Handle) (unregister func(), err error) {
	if t == nil {
		return func() {}, nil
	}
	if h.StartedAt.IsZero() {
		h.StartedAt = time.Now()
	}
	entry := &trackedSession{handle: h}

	t.mu.Lock()
	if t.sessions == nil {
		t.sessions = make(map[string]*trackedSession)
	}
	if _, exists := t.sessions[sessionID]; exists {
		t.mu.Unlock()
		return nil, ErrDuplicateID
	}
	if t.max > 0 && len(t.sessions) >= t.max {
		t.mu.Unlock()
		return nil, ErrAtCapacity
	}
	t.sessions[sessionID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	return func() { t.unregister(sessionID, entry) }, nil
}

func (t *Tracker) unregister(sessionID string, entry *trackedSession) {
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions[sessionID] == entry {
			delete(t.sessions, sessionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// List returns the registered sessions, oldest first.
func (t *Tracker) List() []Info {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	out := make([]Info, 0, len(t.sessions))
	for id, entry := range t.sessions {
		out = append(out, Info{ID: id, RemoteAddr: entry.handle.RemoteAddr, StartedAt: entry.handle.StartedAt})
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// WarnAll sends a server warning to every session. Delivery is best effort.
func (t *Tracker) WarnAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}
	var warns []func(code, message string) error
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry.handle.Warn != nil {
			warns = append(warns, entry.handle.Warn)
		}
	}
	t.mu.Unlock()

	for _, warn := range warns {
		if warn(code, message) == nil {
			sent++
		}
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}
	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry.handle.Cancel != nil {
			cancels = append(cancels, entry.handle.Cancel)
		}
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session has been removed or ctx ends.
// It reports whether the registry drained.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
