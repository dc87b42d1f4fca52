// Package toolcall recognizes tool intent in model output. A structured tool
// use event maps directly; free text that only resembles a call (near-JSON,
// pseudo function syntax, a bare tool name) is parsed by an ordered list of
// matchers.
package toolcall

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// ErrMalformedPayload is returned when text clearly carries a JSON tool call
// that could not be parsed even after Repair.
var ErrMalformedPayload = errors.New("malformed tool payload")

// Kind tags how a Match was produced.
type Kind int

const (
	NoMatch Kind = iota
	StructuredCall
	RepairedJSON
	SynthesizedBareCall
)

func (k Kind) String() string {
	switch k {
	case NoMatch:
		return "no_match"
	case StructuredCall:
		return "structured_call"
	case RepairedJSON:
		return "repaired_json"
	case SynthesizedBareCall:
		return "synthesized_bare_call"
	default:
		return "unknown"
	}
}

// Match is a normalized tool invocation recovered from model output.
type Match struct {
	Kind Kind
	// Tool is the name as the model wrote it.
	Tool string
	// Resolved is the configured tool name Tool normalizes to, or Tool
	// itself when no configured name matches.
	Resolved   string
	Parameters map[string]any
	// Candidate is the JSON text that was parsed, if any.
	Candidate string
	// Repaired reports whether Repair had to change Candidate before it
	// parsed.
	Repaired bool
}

// Found reports whether m describes a tool call.
func (m Match) Found() bool { return m.Kind != NoMatch }

type matcher struct {
	name  string
	match func(d *Detector, text string) (Match, bool, error)
}

var matchers = []matcher{
	{name: "json", match: matchJSON},
	{name: "pseudo_call", match: matchPseudoCall},
	{name: "bare_name", match: matchBareName},
	{name: "named_mention", match: matchNamedMention},
}

var (
	jsonToolKeyRe = regexp.MustCompile(`"\s*(?:name|tool)\s*"\s*:`)
	pseudoCallRe  = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_.\-]*)\s*\(([^()]*)\)`)
	jsonNumberRe  = regexp.MustCompile(`^-?(?:0|[1-9][0-9]*)(?:\.[0-9]+)?(?:[eE][+-]?[0-9]+)?$`)
)

// Detector matches text against a set of configured tool names.
type Detector struct {
	byNorm map[string]string
	names  []string
}

// NewDetector builds a detector for the given tool names.
func NewDetector(toolNames []string) *Detector {
	d := &Detector{byNorm: make(map[string]string, len(toolNames))}
	for _, name := range toolNames {
		name = strings.TrimSpace(name)
		norm := NormalizeName(name)
		if norm == "" {
			continue
		}
		if _, exists := d.byNorm[norm]; exists {
			continue
		}
		d.byNorm[norm] = name
		d.names = append(d.names, name)
	}
	sort.Strings(d.names)
	return d
}

// Names returns the configured tool names in sorted order.
func (d *Detector) Names() []string {
	if d == nil {
		return nil
	}
	return append([]string(nil), d.names...)
}

// Resolve maps a model-written tool name to the configured name it
// normalizes to.
func (d *Detector) Resolve(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if d == nil {
		return name, false
	}
	if canonical, ok := d.byNorm[NormalizeName(name)]; ok {
		return canonical, true
	}
	return name, false
}

// Structured wraps a structured tool use event. input may be a decoded
// object, raw JSON bytes, or a JSON-encoded string.
func (d *Detector) Structured(name string, input any) Match {
	resolved, _ := d.Resolve(name)
	return Match{
		Kind:       StructuredCall,
		Tool:       name,
		Resolved:   resolved,
		Parameters: coerceParameters(input),
	}
}

// Detect runs the text matchers in priority order. A NoMatch result with a
// nil error means the text is ordinary speech. ErrMalformedPayload means the
// text carried a JSON call that could not be recovered; callers looking at a
// still-streaming transcript should treat it as "not yet".
func (d *Detector) Detect(text string) (Match, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Match{}, nil
	}
	for _, m := range matchers {
		got, ok, err := m.match(d, text)
		if err != nil {
			return Match{}, fmt.Errorf("%s matcher: %w", m.name, err)
		}
		if ok {
			return got, nil
		}
	}
	return Match{}, nil
}

// HasSignature reports whether text lexically looks like the start of a tool
// call. It is cheaper and more eager than Detect and is what gates audio.
func (d *Detector) HasSignature(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	if strings.HasPrefix(text, "{") || strings.HasPrefix(text, "```") {
		return true
	}
	if jsonToolKeyRe.MatchString(text) || strings.Contains(text, `"parameters"`) || strings.Contains(text, `"arguments"`) {
		return true
	}
	if d == nil {
		return false
	}
	for _, m := range pseudoCallRe.FindAllStringSubmatch(text, -1) {
		if _, ok := d.byNorm[NormalizeName(m[1])]; ok {
			return true
		}
	}
	if _, ok := d.byNorm[NormalizeName(stripEdgePunct(text))]; ok {
		return true
	}
	_, mentioned := d.mentionedName(text)
	return mentioned
}

// mentionedName finds a configured identifier-style name (one containing
// "_", "-" or ".") written verbatim inside text. Plain words are too
// ambiguous to count.
func (d *Detector) mentionedName(text string) (string, bool) {
	if d == nil {
		return "", false
	}
	for _, name := range d.names {
		if strings.ContainsAny(name, "_-.") && strings.Contains(text, name) {
			return name, true
		}
	}
	return "", false
}

// NormalizeName lower-cases s and removes everything that is not a letter or
// digit, so "get_balance", "Get Balance" and "getBalance" compare equal.
func NormalizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

func matchJSON(d *Detector, text string) (Match, bool, error) {
	if !jsonToolKeyRe.MatchString(text) {
		return Match{}, false, nil
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Match{}, false, ErrMalformedPayload
	}
	candidate := text[start : end+1]

	repaired := false
	obj, err := decodeObject(candidate)
	if err != nil {
		fixed := Repair(candidate)
		obj, err = decodeObject(fixed)
		if err != nil {
			return Match{}, false, ErrMalformedPayload
		}
		candidate = fixed
		repaired = true
	}

	name, _ := firstString(obj, "tool", "name")
	name = strings.TrimSpace(name)
	if name == "" {
		return Match{}, false, ErrMalformedPayload
	}
	var params any
	for _, key := range []string{"parameters", "arguments"} {
		if v, ok := obj[key]; ok {
			params = v
			break
		}
	}
	resolved, _ := d.Resolve(name)
	return Match{
		Kind:       RepairedJSON,
		Tool:       name,
		Resolved:   resolved,
		Parameters: coerceParameters(params),
		Candidate:  candidate,
		Repaired:   repaired,
	}, true, nil
}

func matchPseudoCall(d *Detector, text string) (Match, bool, error) {
	for _, m := range pseudoCallRe.FindAllStringSubmatch(text, -1) {
		name, args := m[1], m[2]
		resolved, known := d.Resolve(name)
		if !known && !strings.Contains(args, "=") {
			continue
		}
		params := parsePseudoArgs(args)
		raw, err := json.Marshal(map[string]any{"tool": name, "parameters": params})
		if err != nil {
			return Match{}, false, err
		}
		return Match{
			Kind:       RepairedJSON,
			Tool:       name,
			Resolved:   resolved,
			Parameters: params,
			Candidate:  string(raw),
			Repaired:   true,
		}, true, nil
	}
	return Match{}, false, nil
}

func matchBareName(d *Detector, text string) (Match, bool, error) {
	if d == nil {
		return Match{}, false, nil
	}
	canonical, ok := d.byNorm[NormalizeName(stripEdgePunct(text))]
	if !ok {
		return Match{}, false, nil
	}
	return Match{
		Kind:       SynthesizedBareCall,
		Tool:       strings.TrimSpace(stripEdgePunct(text)),
		Resolved:   canonical,
		Parameters: map[string]any{},
	}, true, nil
}

// matchNamedMention covers text HasSignature intercepts only because it names
// a tool, as in "get_balance for account 123". The call carries no
// parameters; the backend reports what is missing.
func matchNamedMention(d *Detector, text string) (Match, bool, error) {
	name, ok := d.mentionedName(text)
	if !ok {
		return Match{}, false, nil
	}
	return Match{
		Kind:       SynthesizedBareCall,
		Tool:       name,
		Resolved:   name,
		Parameters: map[string]any{},
	}, true, nil
}

// parsePseudoArgs turns `k="v", k2=v2` into an object. Keys lose surrounding
// whitespace and underscores; unquoted values that are not JSON literals
// become strings. Positional arguments are dropped.
func parsePseudoArgs(args string) map[string]any {
	out := map[string]any{}
	for _, part := range splitArgs(args) {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		key = strings.Trim(removeSpace(key), "_")
		if key == "" {
			continue
		}
		out[key] = pseudoValue(strings.TrimSpace(value))
	}
	return out
}

func pseudoValue(v string) any {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	switch v {
	case "true":
		return true
	case "false":
		return false
	case "null", "None", "nil":
		return nil
	}
	if jsonNumberRe.MatchString(v) {
		return json.Number(v)
	}
	return v
}

// splitArgs splits on commas that are not inside quotes.
func splitArgs(s string) []string {
	var (
		parts []string
		cur   strings.Builder
		quote rune
	)
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			cur.WriteRune(r)
		case r == '"' || r == '\'':
			quote = r
			cur.WriteRune(r)
		case r == ',':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if strings.TrimSpace(cur.String()) != "" {
		parts = append(parts, cur.String())
	}
	return parts
}

func decodeObject(s string) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.New("not an object")
	}
	return obj, nil
}

func coerceParameters(v any) map[string]any {
	switch t := v.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return t
	case json.RawMessage:
		return coerceParameters([]byte(t))
	case []byte:
		if obj, err := decodeObject(string(t)); err == nil {
			return obj
		}
	case string:
		if obj, err := decodeObject(t); err == nil {
			return obj
		}
		if obj, err := decodeObject(Repair(t)); err == nil {
			return obj
		}
	}
	return map[string]any{}
}

func firstString(obj map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok {
			return s, true
		}
	}
	return "", false
}

func stripEdgePunct(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r) && r != '_'
	})
}
