package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vango-go/vai-voice/pkg/core/realtime"
	"github.com/vango-go/vai-voice/pkg/core/toolcall"
	"github.com/vango-go/vai-voice/pkg/core/tools"
	"github.com/vango-go/vai-voice/pkg/gateway/archive"
	"github.com/vango-go/vai-voice/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-voice/pkg/gateway/metrics"
)

const startWorkflowTool = "start_workflow"

var (
	ErrDuplicateInvocation = errors.New("duplicate tool invocation")
	ErrToolDisabled        = errors.New("tool disabled")
)

// Invocation sources.
const (
	sourceStructured = "structured"
	sourceText       = "text"
	sourceAgent      = "agent"
)

var startWorkflowDefinition = tools.Tool{
	Name:        startWorkflowTool,
	Description: "Switch the conversation to another scripted workflow.",
	Schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"workflowId": map[string]any{"type": "string", "description": "Id of the workflow to start."},
		},
		"required": []any{"workflowId"},
	},
}

// invocation is one tool call on its way through the resolver. deliver
// hands the result back to whoever asked: the model session or the agent.
type invocation struct {
	ID       string
	Name     string
	Resolved string
	Args     map[string]any
	Turn     int64
	Source   string
	Kind     toolcall.Kind
	deliver  func(ToolResult)
}

// ToolResult is what goes back to the caller. Err is ErrDuplicateInvocation,
// ErrToolDisabled, or the backend's *tools.ExecutionError; the conversation
// continues in every case.
type ToolResult struct {
	Payload any
	Text    string
	IsError bool
	Cached  bool
	Err     error
}

// toolState holds the dispatch ledgers. processed is keyed by invocation
// id; inflight and ledger by resolved tool name. ledger only records
// successes, so a failed call can be retried at once.
type toolState struct {
	processed    map[string]struct{}
	inflight     map[string]struct{}
	ledger       map[string]time.Time
	cache        *tools.ResultCache
	debounce     time.Duration
	ttl          time.Duration
	now          func() time.Time
	userTurnOpen bool
}

func newToolState(cfg Config, now func() time.Time) toolState {
	return toolState{
		processed: make(map[string]struct{}),
		inflight:  make(map[string]struct{}),
		ledger:    make(map[string]time.Time),
		cache:     tools.NewResultCache(cfg.ToolCacheTTL, now),
		debounce:  cfg.ToolDebounce,
		ttl:       cfg.ToolCacheTTL,
		now:       now,
	}
}

func (t *toolState) resetLedger() {
	t.ledger = make(map[string]time.Time)
}

// duplicate reports why inv must not run, if it must not.
func (t *toolState) duplicate(inv invocation) (string, bool) {
	if _, seen := t.processed[inv.ID]; seen {
		return "invocation_id", true
	}
	if _, running := t.inflight[inv.Resolved]; running {
		return "in_flight", true
	}
	if at, ok := t.ledger[inv.Resolved]; ok && t.now().Sub(at) < t.debounce {
		return "debounce", true
	}
	return "", false
}

func (t *toolState) begin(inv invocation) {
	t.processed[inv.ID] = struct{}{}
	t.inflight[inv.Resolved] = struct{}{}
}

// settle ends an invocation started with begin.
func (t *toolState) settle(inv invocation, ok bool) {
	delete(t.inflight, inv.Resolved)
	if ok {
		t.ledger[inv.Resolved] = t.now()
	}
}

func duplicateText(tool, reason string) string {
	if reason == "in_flight" {
		return fmt.Sprintf("[SYSTEM] %s is already running for this request and its result will be provided. Do not call it again; wait for the result.", tool)
	}
	return fmt.Sprintf("[SYSTEM] %s was already called for this request and its result has been provided. Do not call it again; continue the conversation.", tool)
}

func newCallID() string {
	return "call_" + ulid.Make().String()
}

func (s *LiveSession) structuredInvocation(tu realtime.ToolUse) invocation {
	m := s.detector.Structured(tu.Name, tu.Input)
	id := strings.TrimSpace(tu.ID)
	if id == "" {
		id = newCallID()
	}
	inv := invocation{ID: id, Name: m.Tool, Resolved: m.Resolved, Args: m.Parameters, Turn: s.turn.index, Source: sourceStructured, Kind: m.Kind}
	gen := s.model.gen
	inv.deliver = func(r ToolResult) {
		if gen != s.model.gen {
			s.metrics.StaleEvent()
			s.logger.Debug("dropping tool result for replaced model session", "tool", inv.Resolved, "invocation_id", id)
			return
		}
		payload := r.Payload
		if payload == nil {
			payload = r.Text
		}
		s.sendModel("send_tool_result", func(ctx context.Context, m realtime.Session) error {
			return m.SendToolResult(ctx, id, inv.Resolved, payload, r.IsError)
		})
	}
	return inv
}

// textInvocation wraps a call recovered from transcript text. The model never
// issued a call id for it, so the result goes back as a system message.
func (s *LiveSession) textInvocation(m toolcall.Match) invocation {
	inv := invocation{ID: newCallID(), Name: m.Tool, Resolved: m.Resolved, Args: m.Parameters, Turn: s.turn.index, Source: sourceText, Kind: m.Kind}
	gen := s.model.gen
	inv.deliver = func(r ToolResult) {
		if gen != s.model.gen {
			s.metrics.StaleEvent()
			return
		}
		text := r.Text
		if !r.IsError && r.Err == nil {
			text = fmt.Sprintf("[SYSTEM] Result of %s: %s\nUse this to answer the user.", inv.Resolved, r.Text)
		}
		s.sendModel("send_text", func(ctx context.Context, m realtime.Session) error {
			return m.SendText(ctx, text)
		})
	}
	return inv
}

// resolve runs the dispatch policy for one invocation on the loop. Backend
// calls run on their own goroutine and come back through complete.
func (s *LiveSession) resolve(inv invocation) {
	if inv.Args == nil {
		inv.Args = map[string]any{}
	}
	logger := s.logger.With("tool", inv.Resolved, "invocation_id", inv.ID, "source", inv.Source)

	if reason, dup := s.tools.duplicate(inv); dup {
		logger.Info("skipping duplicate tool invocation", "reason", reason)
		s.metrics.ToolCall(inv.Resolved, metrics.ToolDuplicate, 0)
		s.sendDebug("tool_duplicate", map[string]any{"tool": inv.Resolved, "id": inv.ID, "reason": reason})
		inv.deliver(ToolResult{
			Text: duplicateText(inv.Resolved, reason),
			Err:  ErrDuplicateInvocation,
		})
		return
	}
	s.tools.begin(inv)

	if !s.toolEnabled(inv.Resolved) {
		logger.Info("tool disabled for session")
		s.metrics.ToolCall(inv.Resolved, metrics.ToolDisabled, 0)
		s.sendDebug("tool_disabled", map[string]any{"tool": inv.Resolved, "id": inv.ID})
		s.tools.settle(inv, false)
		inv.deliver(ToolResult{
			Text:    fmt.Sprintf("[SYSTEM] The %s tool is not available in this conversation. Apologize to the user that you cannot do this right now and do not try to call it again.", inv.Resolved),
			IsError: true,
			Err:     ErrToolDisabled,
		})
		return
	}

	s.record(archive.Entry{
		Role:     archive.RoleToolInvocation,
		Text:     inv.Resolved,
		Final:    true,
		Metadata: map[string]any{"id": inv.ID, "arguments": inv.Args, "source": inv.Source, "requested": inv.Name},
	})

	if inv.Resolved == startWorkflowTool {
		s.sendToolUseDebug(inv, false)
		s.tools.settle(inv, true)
		s.onStartWorkflowTool(inv)
		return
	}

	key := tools.Fingerprint(inv.Resolved, inv.Args)
	if cached, ok := s.tools.cache.Get(key); ok {
		logger.Debug("tool result served from cache")
		s.metrics.ToolCall(inv.Resolved, metrics.ToolCached, 0)
		s.sendToolUseDebug(inv, true)
		s.finishInvocation(inv, cached, true)
		return
	}

	s.sendToolUseDebug(inv, false)
	s.playFiller()

	backend := s.backend
	if backend == nil {
		s.onToolResult(inv, key, nil, &tools.ExecutionError{Tool: inv.Resolved, Err: errors.New("no tool backend is configured")}, 0)
		return
	}
	args := inv.Args
	s.safeGo("tool "+inv.Resolved, func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ToolTimeout)
		defer cancel()
		start := time.Now()
		out, err := backend.CallTool(ctx, inv.Resolved, args)
		elapsed := time.Since(start)
		s.complete(func() { s.onToolResult(inv, key, out, err, elapsed) })
	})
}

func (s *LiveSession) onToolResult(inv invocation, key string, out any, err error, elapsed time.Duration) {
	if err != nil {
		s.tools.settle(inv, false)
		s.metrics.ToolCall(inv.Resolved, metrics.ToolError, elapsed)
		s.logger.Warn("tool call failed", "tool", inv.Resolved, "invocation_id", inv.ID, "duration_ms", elapsed.Milliseconds(), "error", err)
		var ee *tools.ExecutionError
		if !errors.As(err, &ee) {
			err = &tools.ExecutionError{Tool: inv.Resolved, Err: err}
		}
		text := executionErrorText(inv.Resolved, err)
		s.record(archive.Entry{Role: archive.RoleToolResult, Text: text, Final: true, Metadata: map[string]any{"id": inv.ID, "error": true}})
		inv.deliver(ToolResult{Text: text, IsError: true, Err: err})
		return
	}
	s.metrics.ToolCall(inv.Resolved, metrics.ToolSuccess, elapsed)
	s.logger.Info("tool call completed", "tool", inv.Resolved, "invocation_id", inv.ID, "duration_ms", elapsed.Milliseconds())
	s.tools.cache.Put(key, out)
	if s.isIdentityTool(inv.Resolved) {
		s.onIdentityResult(inv.Resolved, out)
	}
	s.finishInvocation(inv, out, false)
}

func (s *LiveSession) finishInvocation(inv invocation, out any, cached bool) {
	s.tools.settle(inv, true)
	text := tools.ResultText(out)
	s.record(archive.Entry{Role: archive.RoleToolResult, Text: text, Final: true, Metadata: map[string]any{"id": inv.ID, "cached": cached}})
	inv.deliver(ToolResult{Payload: out, Text: text, Cached: cached})
}

// executionErrorText phrases a backend failure as an instruction, so the
// model can explain it without the user seeing the raw error.
func executionErrorText(tool string, err error) string {
	reason := "it returned an error"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		reason = "it timed out"
	case errors.Is(err, tools.ErrInvalidArguments):
		reason = "the details provided were not valid"
	case errors.Is(err, tools.ErrUnknownTool):
		reason = "it is not available"
	}
	return fmt.Sprintf("[SYSTEM] The %s tool could not be completed because %s. Tell the user briefly that you could not do this right now and offer to try again or help another way.", tool, reason)
}

func (s *LiveSession) sendToolUseDebug(inv invocation, cached bool) {
	s.sendDebug("tool_use", map[string]any{
		"tool":      inv.Resolved,
		"requested": inv.Name,
		"id":        inv.ID,
		"source":    inv.Source,
		"kind":      inv.Kind.String(),
		"arguments": inv.Args,
		"cached":    cached,
	})
}

func (s *LiveSession) toolEnabled(name string) bool {
	if name == startWorkflowTool {
		return s.workflows != nil
	}
	if s.enabled != nil {
		return s.enabled[name]
	}
	for _, t := range s.catalog {
		if t.Name == name {
			return true
		}
	}
	return false
}

func (s *LiveSession) setEnabled(names []string) {
	s.enabled = make(map[string]bool, len(names))
	for _, name := range names {
		canonical, _ := s.detector.Resolve(name)
		s.enabled[canonical] = true
	}
}

func (s *LiveSession) enabledNames() []string {
	var out []string
	for _, t := range s.catalog {
		if s.toolEnabled(t.Name) {
			out = append(out, t.Name)
		}
	}
	sort.Strings(out)
	return out
}

// modelTools are the declarations given to the model: the enabled catalog
// plus the workflow switch.
func (s *LiveSession) modelTools() []tools.Tool {
	var out []tools.Tool
	for _, t := range s.catalog {
		if s.toolEnabled(t.Name) {
			out = append(out, t)
		}
	}
	if s.workflows != nil {
		out = append(out, startWorkflowDefinition)
	}
	return out
}

// loadCatalog lists the backend's tools off the loop. The listing is applied
// by applyCatalog unless a newer one was requested meanwhile.
func (s *LiveSession) loadCatalog() {
	s.catalogGen++
	gen := s.catalogGen
	backend := s.backend
	if backend == nil {
		s.catalogLoading = false
		s.applyCatalog(nil)
		return
	}
	s.catalogLoading = true
	s.safeGo("list tools", func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ToolTimeout)
		list, err := backend.ListTools(ctx)
		cancel()
		s.complete(func() {
			if gen != s.catalogGen {
				return
			}
			s.catalogLoading = false
			if err != nil {
				s.logger.Warn("listing tools failed", "error", err)
				list = nil
			}
			s.applyCatalog(list)
		})
	})
}

// applyCatalog installs list, rebuilds the detector and brings the model in
// line: an open session with different tools restarts, and sends that were
// waiting on the listing start one.
func (s *LiveSession) applyCatalog(list []tools.Tool) {
	before := strings.Join(s.enabledNames(), ",")
	s.catalog = list
	names := make([]string, 0, len(s.catalog)+1)
	for _, t := range s.catalog {
		names = append(names, t.Name)
	}
	if s.workflows != nil {
		names = append(names, startWorkflowTool)
	}
	s.detector = toolcall.NewDetector(names)
	if s.enabled != nil {
		prev := make([]string, 0, len(s.enabled))
		for name := range s.enabled {
			prev = append(prev, name)
		}
		s.setEnabled(prev)
	}

	switch {
	case s.model.sess != nil && before != strings.Join(s.enabledNames(), ","):
		s.restartModel("tools")
	case s.model.sess == nil && !s.model.starting && len(s.model.pending) > 0:
		s.startModel(nil, "lazy")
	}
}

// setCredentials builds a backend from client-supplied credentials off the
// loop. Failures are logged and the previous backend stays.
func (s *LiveSession) setCredentials(c protocol.AWSCredentials) {
	factory := s.toolFactory
	if factory == nil {
		s.logger.Warn("ignoring credentials: no tool backend factory configured")
		return
	}
	creds := &tools.Credentials{
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		SessionToken:    c.SessionToken,
		Region:          c.Region,
	}
	s.safeGo("tool credentials", func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ToolTimeout)
		backend, err := factory(ctx, creds)
		cancel()
		s.complete(func() { s.onCredentialBackend(c.Region, backend, err) })
	})
}

func (s *LiveSession) onCredentialBackend(region string, backend tools.Backend, err error) {
	if err != nil {
		s.logger.Warn("building tool backend from credentials failed", "error", err)
		return
	}
	s.backend = backend
	s.tools.cache = tools.NewResultCache(s.tools.ttl, s.tools.now)
	s.logger.Info("tool backend credentials updated", "region", region)
	s.loadCatalog()
}

func (s *LiveSession) isIdentityTool(name string) bool {
	for _, t := range s.cfg.IdentityTools {
		if strings.EqualFold(strings.TrimSpace(t), name) {
			return true
		}
	}
	return false
}

func (s *LiveSession) onIdentityResult(name string, out any) {
	ok := identityVerified(out)
	if s.wf.checks == nil {
		s.wf.checks = make(map[string]bool)
	}
	s.wf.checks[name] = ok
	if ok {
		s.wf.authenticated = true
	}
	s.logger.Info("identity check completed", "tool", name, "verified", ok)
	s.sendWorkflowStatus()
}

// identityVerified reads the outcome of an identity tool. A result that does
// not say otherwise counts as verified, since failures arrive as errors.
func identityVerified(out any) bool {
	var m map[string]any
	switch v := out.(type) {
	case map[string]any:
		m = v
	case string:
		_ = json.Unmarshal([]byte(v), &m)
	case []byte:
		_ = json.Unmarshal(v, &m)
	}
	if m == nil {
		return true
	}
	for _, k := range []string{"verified", "authenticated", "success"} {
		if b, ok := m[k].(bool); ok {
			return b
		}
	}
	if status, ok := m["status"].(string); ok {
		status = strings.ToLower(strings.TrimSpace(status))
		return status == "success" || status == "verified" || status == "ok"
	}
	return true
}

// playFiller covers tool latency with a short acknowledgment when the turn
// has not said anything yet.
func (s *LiveSession) playFiller() {
	if s.fillers == nil || s.turn.audible || s.turn.interrupted {
		return
	}
	clip, ok := s.fillers.Get(s.voice)
	if !ok {
		s.warmFiller()
		return
	}
	s.sendAssistantAudio(clip)
}

func (s *LiveSession) warmFiller() {
	if s.fillers == nil {
		return
	}
	voice := s.voice
	s.safeGo("filler warm", func() {
		ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		defer cancel()
		if _, err := s.fillers.Warm(ctx, voice); err != nil {
			s.logger.Debug("filler synthesis failed", "voice", voice, "error", err)
		}
	})
}

func argString(args map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := args[k].(string); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}
