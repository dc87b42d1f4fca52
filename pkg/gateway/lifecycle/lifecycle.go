// Package lifecycle holds process state shared by handlers and the binary.
package lifecycle

import (
	"sync"
	"sync/atomic"
	"time"
)

// Lifecycle tracks whether the process is draining. Readiness reports
// unavailable and new live sessions are refused once draining starts.
type Lifecycle struct {
	draining atomic.Bool
	since    atomic.Int64

	once sync.Once
	ch   chan struct{}
}

func (l *Lifecycle) init() {
	l.once.Do(func() { l.ch = make(chan struct{}) })
}

// BeginDrain marks the process draining. Only the first call has effect.
func (l *Lifecycle) BeginDrain(now time.Time) {
	if l == nil {
		return
	}
	l.init()
	if l.draining.CompareAndSwap(false, true) {
		l.since.Store(now.UnixNano())
		close(l.ch)
	}
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// DrainingSince is zero until BeginDrain.
func (l *Lifecycle) DrainingSince() time.Time {
	if l == nil || !l.draining.Load() {
		return time.Time{}
	}
	return time.Unix(0, l.since.Load())
}

// Draining is closed when draining begins.
func (l *Lifecycle) Draining() <-chan struct{} {
	if l == nil {
		return nil
	}
	l.init()
	return l.ch
}
