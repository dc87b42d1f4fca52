// Package ratelimit bounds how fast and how many live sessions a single
// client may open. State is in memory and per process.
package ratelimit

import (
	"math"
	"net"
	"strings"
	"sync"
	"time"
)

type Config struct {
	// RPS and Burst shape new session attempts per client. Zero disables.
	RPS   float64
	Burst int

	// MaxConcurrent caps open sessions per client. Zero disables.
	MaxConcurrent int

	MaxEntries int
	EntryTTL   time.Duration
}

// Enabled reports whether any limit is configured.
func (c Config) Enabled() bool {
	return (c.RPS > 0 && c.Burst > 0) || c.MaxConcurrent > 0
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*clientLimiter
}

type clientLimiter struct {
	mu sync.Mutex

	tb   tokenBucket
	open int

	lastSeen time.Time
}

type tokenBucket struct {
	tokens float64
	last   time.Time
	primed bool
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*clientLimiter),
	}
}

// ClientKey reduces a RemoteAddr to its host so every port of one client
// shares a bucket.
func ClientKey(remoteAddr string) string {
	remoteAddr = strings.TrimSpace(remoteAddr)
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	if remoteAddr == "" {
		return "anonymous"
	}
	return remoteAddr
}

type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	// Reason is "rate" or "concurrency" when Allowed is false.
	Reason string
	Permit *Permit
}

// AcquireSession charges one session attempt to client. A nil Limiter allows
// everything.
func (l *Limiter) AcquireSession(client string, now time.Time) Decision {
	if l == nil {
		return Decision{Allowed: true, Permit: &Permit{}}
	}
	if client == "" {
		client = "anonymous"
	}

	cl := l.getOrCreate(client, now)
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.lastSeen = now

	if l.cfg.MaxConcurrent > 0 && cl.open >= l.cfg.MaxConcurrent {
		return Decision{Allowed: false, RetryAfter: 1, Reason: "concurrency"}
	}
	if l.cfg.RPS > 0 && l.cfg.Burst > 0 {
		if ok, retryAfter := cl.allowToken(now, l.cfg.RPS, l.cfg.Burst); !ok {
			return Decision{Allowed: false, RetryAfter: retryAfter, Reason: "rate"}
		}
	}

	cl.open++
	return Decision{
		Allowed: true,
		Permit: &Permit{release: func() {
			cl.mu.Lock()
			cl.open--
			cl.mu.Unlock()
		}},
	}
}

// Open returns the number of sessions client currently holds.
func (l *Limiter) Open(client string) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	cl, ok := l.m[client]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.open
}

func (l *Limiter) getOrCreate(client string, now time.Time) *clientLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cl, ok := l.m[client]; ok {
		return cl
	}
	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
	}
	cl := &clientLimiter{lastSeen: now}
	l.m[client] = cl
	return cl
}

// gcLocked drops idle clients that hold no open sessions.
func (l *Limiter) gcLocked(now time.Time) {
	for k, v := range l.m {
		v.mu.Lock()
		idle := v.open == 0 && now.Sub(v.lastSeen) > l.cfg.EntryTTL
		v.mu.Unlock()
		if idle {
			delete(l.m, k)
		}
	}
}

func (cl *clientLimiter) allowToken(now time.Time, rps float64, burst int) (bool, int) {
	capacity := float64(burst)
	if !cl.tb.primed {
		cl.tb = tokenBucket{tokens: capacity, last: now, primed: true}
	}

	elapsed := now.Sub(cl.tb.last).Seconds()
	if elapsed > 0 {
		cl.tb.tokens = math.Min(capacity, cl.tb.tokens+elapsed*rps)
		cl.tb.last = now
	}

	if cl.tb.tokens >= 1.0 {
		cl.tb.tokens -= 1.0
		return true, 0
	}

	retryAfter := int(math.Ceil((1.0 - cl.tb.tokens) / rps))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}
