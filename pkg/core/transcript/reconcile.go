package transcript

import (
	"regexp"
	"strings"
	"unicode"
)

const (
	// MinPrefixRunes is the shortest previous text ExtractNewContent will
	// strip as a prefix.
	MinPrefixRunes = 5
	// minPartialHalfRunes guards the "second half starts with the first"
	// branch of RemoveInternalDuplication.
	minPartialHalfRunes = 8
)

// sentenceEndRe only matches terminal punctuation, so decimals, hosts and
// abbreviations such as "e.g." inside a sentence are not boundaries.
var sentenceEndRe = regexp.MustCompile(`[.!?]+(?:\s+|$)`)

// RemoveInternalDuplication collapses decoding artifacts of the form "X. X."
// and "X X". The result is a fixed point: applying it again changes nothing.
func RemoveInternalDuplication(text string) string {
	out := strings.TrimSpace(text)
	for {
		next := collapseHalves(collapseSentences(out))
		if next == out {
			return out
		}
		out = next
	}
}

func collapseSentences(text string) string {
	sentences := splitSentences(text)
	if len(sentences) < 2 {
		return text
	}
	kept := make([]string, 0, len(sentences))
	prev := ""
	dropped := false
	for _, s := range sentences {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		key := strings.ToLower(normalizeSpace(s))
		if key == prev {
			dropped = true
			continue
		}
		kept = append(kept, s)
		prev = key
	}
	if !dropped {
		return text
	}
	return strings.Join(kept, " ")
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for _, m := range sentenceEndRe.FindAllStringIndex(text, -1) {
		out = append(out, text[start:m[1]])
		start = m[1]
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

func collapseHalves(text string) string {
	runes := []rune(text)
	if len(runes) < 2 {
		return text
	}
	mid := len(runes) / 2
	first := strings.TrimSpace(string(runes[:mid]))
	second := strings.TrimSpace(string(runes[mid:]))
	if first == "" {
		return text
	}
	if first == second {
		return first
	}
	if len([]rune(first)) >= minPartialHalfRunes && strings.HasPrefix(second, first) {
		return first
	}
	return text
}

// ExtractNewContent strips previously finalized texts that are literal
// prefixes of current, most recent first, and returns what remains.
func ExtractNewContent(current string, previous []string) string {
	out := strings.TrimSpace(current)
	for i := len(previous) - 1; i >= 0; i-- {
		p := strings.TrimSpace(previous[i])
		if len([]rune(p)) < MinPrefixRunes {
			continue
		}
		if strings.HasPrefix(out, p) {
			out = strings.TrimSpace(out[len(p):])
		}
	}
	return out
}

// Similarity is the share of tokens longer than two characters that a and b
// have in common, relative to the larger token set. It is meant for
// suppressing near-identical streaming updates, not for finals.
func Similarity(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	larger := len(ta)
	if len(tb) > larger {
		larger = len(tb)
	}
	if larger == 0 {
		if strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b)) {
			return 1
		}
		return 0
	}
	shared := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			shared++
		}
	}
	return float64(shared) / float64(larger)
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len([]rune(f)) > 2 {
			out[f] = struct{}{}
		}
	}
	return out
}
