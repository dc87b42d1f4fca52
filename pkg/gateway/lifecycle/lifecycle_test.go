package lifecycle

import (
	"testing"
	"time"
)

func TestLifecycle_BeginDrainOnce(t *testing.T) {
	var l Lifecycle
	if l.IsDraining() {
		t.Fatalf("IsDraining()=true before BeginDrain")
	}
	ch := l.Draining()
	select {
	case <-ch:
		t.Fatalf("Draining() closed early")
	default:
	}

	first := time.Unix(100, 0)
	l.BeginDrain(first)
	l.BeginDrain(time.Unix(200, 0))

	if !l.IsDraining() {
		t.Fatalf("IsDraining()=false after BeginDrain")
	}
	if got := l.DrainingSince(); !got.Equal(first) {
		t.Fatalf("DrainingSince()=%v, want %v", got, first)
	}
	select {
	case <-ch:
	default:
		t.Fatalf("Draining() not closed")
	}
}

func TestLifecycle_NilSafe(t *testing.T) {
	var l *Lifecycle
	l.BeginDrain(time.Now())
	if l.IsDraining() || !l.DrainingSince().IsZero() || l.Draining() != nil {
		t.Fatalf("nil lifecycle should report idle")
	}
}
