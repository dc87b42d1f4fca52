package tools

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// Fingerprint is the cache key for a (tool, arguments) pair. Map keys are
// serialized in sorted order, so argument order does not matter.
func Fingerprint(name string, args map[string]any) string {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		raw = []byte("!" + err.Error())
	}
	h := blake3.New()
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(name))))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(raw)
	return hex.EncodeToString(h.Sum(nil))
}

type cacheEntry struct {
	value any
	at    time.Time
}

// ResultCache holds successful tool results for a freshness window. Entries
// are insert-if-absent: a fresh entry is never overwritten. It is owned by a
// single session loop and is not safe for concurrent use.
type ResultCache struct {
	ttl     time.Duration
	now     func() time.Time
	entries map[string]cacheEntry
}

func NewResultCache(ttl time.Duration, now func() time.Time) *ResultCache {
	if now == nil {
		now = time.Now
	}
	return &ResultCache{ttl: ttl, now: now, entries: map[string]cacheEntry{}}
}

// Get returns a fresh cached value for key.
func (c *ResultCache) Get(key string) (any, bool) {
	if c == nil || c.ttl <= 0 {
		return nil, false
	}
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.at) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

// Put stores value unless a fresh entry already exists.
func (c *ResultCache) Put(key string, value any) {
	if c == nil || c.ttl <= 0 {
		return
	}
	if _, ok := c.Get(key); ok {
		return
	}
	c.entries[key] = cacheEntry{value: value, at: c.now()}
}

// Len is the number of stored entries, fresh or not.
func (c *ResultCache) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}
