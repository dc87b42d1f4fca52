// Package voice splits agent replies into the pieces spoken back to the
// caller in delegated mode.
package voice

import (
	"strings"
	"unicode/utf8"
)

// DefaultMinSegmentRunes keeps very short sentences ("Sure.") attached to the
// sentence that follows them.
const DefaultMinSegmentRunes = 24

// Segmenter accumulates text and emits speakable segments: whole sentences,
// merged until they reach a minimum length.
type Segmenter struct {
	minRunes int
	buffer   strings.Builder
	pending  string
}

func NewSegmenter(minRunes int) *Segmenter {
	if minRunes < 0 {
		minRunes = 0
	}
	return &Segmenter{minRunes: minRunes}
}

// Add appends text and returns any segments that are ready to speak.
func (s *Segmenter) Add(text string) []string {
	s.buffer.WriteString(text)
	content := s.buffer.String()

	var out []string
	lastEnd := 0
	for i := 0; i < len(content); i++ {
		if !isSentenceEnd(content, i) {
			continue
		}
		sentence := strings.TrimSpace(content[lastEnd : i+1])
		lastEnd = i + 1
		if sentence == "" {
			continue
		}
		if s.pending != "" {
			sentence = s.pending + " " + sentence
			s.pending = ""
		}
		if utf8.RuneCountInString(sentence) < s.minRunes {
			s.pending = sentence
			continue
		}
		out = append(out, sentence)
	}

	if lastEnd > 0 {
		s.buffer.Reset()
		s.buffer.WriteString(content[lastEnd:])
	}
	return out
}

// Flush returns whatever is left, including a short held-back sentence.
func (s *Segmenter) Flush() string {
	rest := strings.TrimSpace(s.buffer.String())
	s.buffer.Reset()
	if s.pending != "" {
		rest = strings.TrimSpace(s.pending + " " + rest)
		s.pending = ""
	}
	return rest
}

// Segments splits a complete reply.
func Segments(text string, minRunes int) []string {
	s := NewSegmenter(minRunes)
	out := s.Add(text)
	if rest := s.Flush(); rest != "" {
		out = append(out, rest)
	}
	return out
}

// isSentenceEnd reports whether position i closes a sentence.
func isSentenceEnd(s string, i int) bool {
	c := s[i]
	if c != '.' && c != '!' && c != '?' {
		return false
	}
	if c == '.' && isAbbreviation(s, i) {
		return false
	}
	// "5.42" and "e.g" are not boundaries; the end of input is.
	if i+1 < len(s) && s[i+1] != ' ' && s[i+1] != '\n' && s[i+1] != '\r' && s[i+1] != '\t' {
		return false
	}
	return true
}

var abbreviations = []string{
	"Dr.", "Mr.", "Mrs.", "Ms.", "Jr.", "Sr.",
	"Prof.", "St.", "Inc.", "Ltd.", "Corp.", "Co.",
	"vs.", "etc.", "i.e.", "e.g.", "a.m.", "p.m.",
	"U.S.", "U.K.", "No.", "approx.",
}

func isAbbreviation(s string, i int) bool {
	if i < 1 {
		return false
	}
	start := i
	for start > 0 && s[start-1] != ' ' && s[start-1] != '\n' {
		start--
	}
	word := s[start : i+1]
	for _, abbr := range abbreviations {
		if strings.EqualFold(word, abbr) {
			return true
		}
	}
	// Initials: a lone capital before the period.
	if s[i-1] >= 'A' && s[i-1] <= 'Z' && (i < 2 || s[i-2] == ' ' || s[i-2] == '\n') {
		return true
	}
	return false
}
