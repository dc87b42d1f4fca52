package toolcall

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	quotedKeyRe     = regexp.MustCompile(`"([^"\n]*)"(\s*):`)
	toolValueRe     = regexp.MustCompile(`("(?:tool|name)"\s*:\s*")([^"]*)(")`)
	spacedUnderRe   = regexp.MustCompile(`(\w)[ \t]*_[ \t]*(\w)`)
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	parametersKeyRe = regexp.MustCompile(`"(?:parameters|arguments)"\s*:\s*`)
	bareNestedKeyRe = regexp.MustCompile(`^"[^"]*"\s*:`)
)

// Repair applies the fix-ups that make the model's near-JSON parseable:
// whitespace inserted inside identifiers is collapsed, trailing commas before
// a closing brace or bracket are removed, and a "parameters" key whose value
// is missing its opening brace gets one (with the matching close appended at
// the end).
func Repair(candidate string) string {
	out := collapseIdentifierSpace(candidate)
	out = trailingCommaRe.ReplaceAllString(out, "$1")
	out = openParametersObject(out)
	return out
}

func collapseIdentifierSpace(s string) string {
	s = spacedUnderRe.ReplaceAllString(s, "${1}_${2}")
	s = quotedKeyRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := quotedKeyRe.FindStringSubmatch(m)
		key := removeSpace(sub[1])
		if !isIdentifier(key) {
			return m
		}
		return `"` + key + `"` + sub[2] + ":"
	})
	return toolValueRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := toolValueRe.FindStringSubmatch(m)
		return sub[1] + removeSpace(sub[2]) + sub[3]
	})
}

func openParametersObject(s string) string {
	loc := parametersKeyRe.FindStringIndex(s)
	if loc == nil {
		return s
	}
	rest := s[loc[1]:]
	if strings.HasPrefix(rest, "{") {
		return s
	}
	if !bareNestedKeyRe.MatchString(rest) {
		return s
	}
	return s[:loc[1]] + "{" + rest + "}"
}

func removeSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-' && r != '.' {
			return false
		}
	}
	return true
}
