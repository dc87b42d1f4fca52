package ratelimit

import (
	"testing"
	"time"
)

func TestAcquireSession_EnforcesConcurrency(t *testing.T) {
	l := New(Config{MaxConcurrent: 1})
	now := time.Now()

	first := l.AcquireSession("10.0.0.1", now)
	if !first.Allowed || first.Permit == nil {
		t.Fatalf("first allowed=%v permit=%v", first.Allowed, first.Permit)
	}

	second := l.AcquireSession("10.0.0.1", now)
	if second.Allowed || second.Reason != "concurrency" {
		t.Fatalf("second allowed=%v reason=%q, want concurrency denial", second.Allowed, second.Reason)
	}

	other := l.AcquireSession("10.0.0.2", now)
	if !other.Allowed {
		t.Fatalf("other client should not share the cap")
	}

	first.Permit.Release()
	first.Permit.Release()
	if got := l.Open("10.0.0.1"); got != 0 {
		t.Fatalf("Open=%d after release, want 0", got)
	}
	third := l.AcquireSession("10.0.0.1", now)
	if !third.Allowed {
		t.Fatalf("third should be allowed after release")
	}
}

func TestAcquireSession_TokenBucketRefills(t *testing.T) {
	l := New(Config{RPS: 0.5, Burst: 2})
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 2; i++ {
		d := l.AcquireSession("c", now)
		if !d.Allowed {
			t.Fatalf("attempt %d denied inside burst", i)
		}
		d.Permit.Release()
	}
	denied := l.AcquireSession("c", now)
	if denied.Allowed || denied.Reason != "rate" {
		t.Fatalf("allowed=%v reason=%q, want rate denial", denied.Allowed, denied.Reason)
	}
	if denied.RetryAfter != 2 {
		t.Fatalf("RetryAfter=%d, want 2", denied.RetryAfter)
	}

	if d := l.AcquireSession("c", now.Add(2*time.Second)); !d.Allowed {
		t.Fatalf("bucket should refill after 2s")
	}
}

func TestNilLimiterAllows(t *testing.T) {
	var l *Limiter
	d := l.AcquireSession("c", time.Now())
	if !d.Allowed {
		t.Fatalf("nil limiter should allow")
	}
	d.Permit.Release()
}

func TestClientKey(t *testing.T) {
	tests := map[string]string{
		"192.0.2.1:5555":   "192.0.2.1",
		"[2001:db8::1]:80": "2001:db8::1",
		"unix":             "unix",
		"":                 "anonymous",
	}
	for in, want := range tests {
		if got := ClientKey(in); got != want {
			t.Fatalf("ClientKey(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestConfigEnabled(t *testing.T) {
	if (Config{}).Enabled() {
		t.Fatalf("zero config should be disabled")
	}
	if !(Config{MaxConcurrent: 2}).Enabled() || !(Config{RPS: 1, Burst: 1}).Enabled() {
		t.Fatalf("configured limits should be enabled")
	}
	if (Config{RPS: 1}).Enabled() {
		t.Fatalf("rps without burst should be disabled")
	}
}
