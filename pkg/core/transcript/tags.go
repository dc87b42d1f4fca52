// Package transcript turns the model's overlapping transcript revisions into
// stable display text. Everything here is pure: functions operate on text and
// timestamps only.
package transcript

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Metadata is what StripControlTags pulled out of a transcript before it was
// made safe for display.
type Metadata struct {
	Step              string
	Dialect           string
	DialectConfidence float64
	Sentiment         *float64
}

// HasStep reports whether a step marker was present.
func (m Metadata) HasStep() bool { return m.Step != "" }

var (
	stepTagRe        = regexp.MustCompile(`(?i)\[\s*step\s*[:=]\s*([^\]]*?)\s*\]`)
	dialectTagRe     = regexp.MustCompile(`(?i)\[\s*dialect\s*[:=]\s*([a-z]{2,3}(?:[-_][a-z0-9]{2,8})*)(?:\s*[|,]?\s*(?:confidence\s*[:=]\s*)?([0-9]*\.?[0-9]+))?\s*\]`)
	sentimentTagRe   = regexp.MustCompile(`(?i)\[\s*sentiment\s*[:=]\s*(-?[0-9]*\.?[0-9]+)\s*\]`)
	translationTagRe = regexp.MustCompile(`(?i)\[\s*translation\s*[:=][^\]]*\]`)
	systemTagRe      = regexp.MustCompile(`(?i)\[\s*system(?:[\s:_-][^\]]*)?\]`)
	systemBlockRe    = regexp.MustCompile(`(?is)<system>.*?</system>`)

	// Streaming revisions often end halfway through a tag.
	danglingTagRe = regexp.MustCompile(`(?i)\[\s*(?:step|dialect|sentiment|translation|system)[^\]]*$`)
)

// StripControlTags removes internal directive markers from text and returns
// the cleaned text with any metadata the markers carried. When a marker
// appears more than once, the last occurrence wins.
func StripControlTags(text string) (string, Metadata) {
	var meta Metadata
	if text == "" {
		return "", meta
	}

	for _, m := range stepTagRe.FindAllStringSubmatch(text, -1) {
		if step := strings.TrimSpace(m[1]); step != "" {
			meta.Step = step
		}
	}
	for _, m := range dialectTagRe.FindAllStringSubmatch(text, -1) {
		meta.Dialect = m[1]
		meta.DialectConfidence = 0
		if m[2] != "" {
			if v, err := strconv.ParseFloat(m[2], 64); err == nil {
				meta.DialectConfidence = v
			}
		}
	}
	for _, m := range sentimentTagRe.FindAllStringSubmatch(text, -1) {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			score := v
			meta.Sentiment = &score
		}
	}

	out := text
	for _, re := range []*regexp.Regexp{stepTagRe, dialectTagRe, sentimentTagRe, translationTagRe, systemTagRe, systemBlockRe, danglingTagRe} {
		out = re.ReplaceAllString(out, " ")
	}
	return normalizeSpace(out), meta
}

func normalizeSpace(s string) string {
	fields := strings.FieldsFunc(s, unicode.IsSpace)
	if len(fields) == 0 {
		return ""
	}
	out := strings.Join(fields, " ")
	// Tag removal can leave "word ." behind.
	for _, p := range []string{" .", " ,", " !", " ?"} {
		out = strings.ReplaceAll(out, p, p[1:])
	}
	return out
}
