package transcript

import (
	"strings"
	"time"
)

const (
	DefaultDuplicateWindow   = 3 * time.Second
	DefaultDuplicateHorizon  = 15 * time.Second
	DefaultMinSubstringRunes = 12
)

// Reply is a finalized assistant reply and when it was seen.
type Reply struct {
	Text string
	At   time.Time
}

// DedupeOptions tunes IsDuplicateFinal. Zero values take the defaults.
type DedupeOptions struct {
	Window            time.Duration
	Horizon           time.Duration
	MinSubstringRunes int
}

func (o DedupeOptions) withDefaults() DedupeOptions {
	if o.Window <= 0 {
		o.Window = DefaultDuplicateWindow
	}
	if o.Horizon <= 0 {
		o.Horizon = DefaultDuplicateHorizon
	}
	if o.Horizon < o.Window {
		o.Horizon = o.Window
	}
	if o.MinSubstringRunes <= 0 {
		o.MinSubstringRunes = DefaultMinSubstringRunes
	}
	return o
}

// IsDuplicateFinal classifies candidate against recent and returns the
// updated rolling list. Entries older than the horizon are pruned; a
// non-duplicate is appended with timestamp now. The input slice is not
// modified.
func IsDuplicateFinal(candidate string, recent []Reply, now time.Time, opts DedupeOptions) (bool, []Reply) {
	opts = opts.withDefaults()

	kept := make([]Reply, 0, len(recent)+1)
	for _, r := range recent {
		if now.Sub(r.At) <= opts.Horizon {
			kept = append(kept, r)
		}
	}

	c := strings.ToLower(normalizeSpace(candidate))
	if c == "" {
		return true, kept
	}

	for _, r := range kept {
		if now.Sub(r.At) > opts.Window {
			continue
		}
		prior := strings.ToLower(normalizeSpace(r.Text))
		switch {
		case prior == c:
			return true, kept
		case len(prior) > len(c) && strings.HasPrefix(prior, c):
			return true, kept
		case len([]rune(c)) > opts.MinSubstringRunes && strings.Contains(prior, c):
			return true, kept
		}
	}
	return false, append(kept, Reply{Text: candidate, At: now})
}

// Recent is a convenience holder around IsDuplicateFinal for callers that
// keep the rolling list on a struct.
type Recent struct {
	Options DedupeOptions
	replies []Reply
}

// Check classifies candidate and records it when it is not a duplicate.
func (r *Recent) Check(candidate string, now time.Time) bool {
	dup, next := IsDuplicateFinal(candidate, r.replies, now, r.Options)
	r.replies = next
	return dup
}

// Len returns the number of replies currently retained.
func (r *Recent) Len() int { return len(r.replies) }
