package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-voice/pkg/core/agent"
	"github.com/vango-go/vai-voice/pkg/core/realtime"
	"github.com/vango-go/vai-voice/pkg/core/tools"
	"github.com/vango-go/vai-voice/pkg/core/voice/tts"
	"github.com/vango-go/vai-voice/pkg/core/workflow"
	"github.com/vango-go/vai-voice/pkg/gateway/archive"
)

type toolResultCall struct {
	id      string
	name    string
	payload any
	isError bool
}

type fakeModel struct {
	id   string
	opts realtime.Options

	mu      sync.Mutex
	events  chan realtime.Event
	closed  bool
	texts   []string
	audio   int
	spoken  []string
	results []toolResultCall
	usage   realtime.Usage
}

func newFakeModel(id string, opts realtime.Options) *fakeModel {
	return &fakeModel{id: id, opts: opts, events: make(chan realtime.Event, 256)}
}

func (m *fakeModel) ID() string { return m.id }

func (m *fakeModel) SendText(_ context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, text)
	return nil
}

func (m *fakeModel) SendAudio(_ context.Context, pcm []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audio += len(pcm)
	return nil
}

func (m *fakeModel) SendToolResult(_ context.Context, id, name string, payload any, isError bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, toolResultCall{id: id, name: name, payload: payload, isError: isError})
	return nil
}

func (m *fakeModel) Speak(_ context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spoken = append(m.spoken, text)
	return nil
}

func (m *fakeModel) Events() <-chan realtime.Event { return m.events }

func (m *fakeModel) Usage() realtime.Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}

func (m *fakeModel) setUsage(u realtime.Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = u
}

func (m *fakeModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.events)
	}
	return nil
}

func (m *fakeModel) emit(ev realtime.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.events <- ev
}

func (m *fakeModel) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *fakeModel) sentTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...)
}

func (m *fakeModel) spokenTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.spoken...)
}

func (m *fakeModel) toolResults() []toolResultCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]toolResultCall(nil), m.results...)
}

type fakeFactory struct {
	mu     sync.Mutex
	models []*fakeModel
	err    error
}

func (f *fakeFactory) Start(_ context.Context, opts realtime.Options) (realtime.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	m := newFakeModel("model_"+string(rune('a'+len(f.models))), opts)
	f.models = append(f.models, m)
	return m, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.models)
}

func (f *fakeFactory) get(i int) *fakeModel {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.models) {
		return nil
	}
	return f.models[i]
}

func (f *fakeFactory) latest() *fakeModel {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.models) == 0 {
		return nil
	}
	return f.models[len(f.models)-1]
}

func (f *fakeFactory) closeAll() {
	f.mu.Lock()
	models := append([]*fakeModel(nil), f.models...)
	f.mu.Unlock()
	for _, m := range models {
		_ = m.Close()
	}
}

type fakeBackend struct {
	mu      sync.Mutex
	list    []tools.Tool
	results map[string]any
	errs    map[string]error
	calls   map[string]int
}

func newFakeBackend(names ...string) *fakeBackend {
	b := &fakeBackend{results: map[string]any{}, errs: map[string]error{}, calls: map[string]int{}}
	for _, n := range names {
		b.list = append(b.list, tools.Tool{Name: n, Description: n})
	}
	return b
}

func (b *fakeBackend) CallTool(_ context.Context, name string, _ map[string]any) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[name]++
	if err := b.errs[name]; err != nil {
		return nil, err
	}
	if out, ok := b.results[name]; ok {
		return out, nil
	}
	return map[string]any{"ok": true}, nil
}

func (b *fakeBackend) ListTools(context.Context) ([]tools.Tool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]tools.Tool(nil), b.list...), nil
}

func (b *fakeBackend) count(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[name]
}

type fakeArchive struct {
	mu    sync.Mutex
	saved []archive.Record
}

func (a *fakeArchive) Save(_ context.Context, rec archive.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved = append(a.saved, rec)
	return nil
}

func (a *fakeArchive) records() []archive.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]archive.Record(nil), a.saved...)
}

type fakeWorkflows map[string]*workflow.Definition

func (f fakeWorkflows) Load(_ context.Context, id string) (*workflow.Definition, error) {
	if def, ok := f[id]; ok {
		return def, nil
	}
	return nil, workflow.ErrNotFound
}

func twoStepWorkflow(id string) *workflow.Definition {
	return &workflow.Definition{
		ID:   id,
		Name: "Workflow " + id,
		Nodes: []workflow.Step{
			{ID: id + "_start", Label: "Greet", Type: workflow.StepStart},
			{ID: id + "_end", Label: "Goodbye", Type: workflow.StepEnd},
		},
		Edges: []workflow.Transition{{From: id + "_start", To: id + "_end"}},
	}
}

type fakeSynth struct {
	mu    sync.Mutex
	audio []byte
	calls int
}

func (f *fakeSynth) Synthesize(context.Context, string, tts.SynthesizeOptions) (*tts.Synthesis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &tts.Synthesis{Audio: append([]byte(nil), f.audio...), SampleRate: 24000}, nil
}

func (f *fakeSynth) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f fakeTranscriber) Transcribe(context.Context, []byte) (string, error) {
	return f.text, f.err
}

type fakeAgent struct {
	mu    sync.Mutex
	reqs  []agent.Request
	reply func(ctx context.Context, req agent.Request) (agent.Response, error)
}

func (a *fakeAgent) Reply(ctx context.Context, req agent.Request) (agent.Response, error) {
	a.mu.Lock()
	a.reqs = append(a.reqs, req)
	reply := a.reply
	a.mu.Unlock()
	return reply(ctx, req)
}

func (a *fakeAgent) requests() []agent.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]agent.Request(nil), a.reqs...)
}

type inboundMessage struct {
	messageType int
	data        []byte
}

// fakeConn feeds scripted client frames to a session and records what it
// writes back.
type fakeConn struct {
	fakeWSWriter
	in        chan inboundMessage
	done      chan struct{}
	closeOnce sync.Once
	inOnce    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan inboundMessage, 64), done: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m, ok := <-c.in:
		if !ok {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		return m.messageType, m.data, nil
	case <-c.done:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) SetReadLimit(int64)                {}
func (c *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) sendText(s string) {
	c.in <- inboundMessage{messageType: websocket.TextMessage, data: []byte(s)}
}

func (c *fakeConn) hangUp() {
	c.inOnce.Do(func() { close(c.in) })
}

// messages decodes every JSON text frame written so far.
func (c *fakeConn) messages() []map[string]any {
	var out []map[string]any
	for _, w := range c.snapshot() {
		if w.messageType != websocket.TextMessage {
			continue
		}
		var m map[string]any
		if json.Unmarshal([]byte(w.data), &m) == nil {
			out = append(out, m)
		}
	}
	return out
}

type testEnv struct {
	models  *fakeFactory
	backend *fakeBackend
	archive *fakeArchive
}

// newTestSession builds a session that tests drive directly from the test
// goroutine, standing in for Run's loop.
func newTestSession(t *testing.T, deps Dependencies) (*LiveSession, *testEnv) {
	t.Helper()
	env := &testEnv{models: &fakeFactory{}}
	if f, ok := deps.Models.(*fakeFactory); ok {
		env.models = f
	}
	deps.Models = env.models
	if b, ok := deps.Tools.(*fakeBackend); ok {
		env.backend = b
	}
	if a, ok := deps.Archive.(*fakeArchive); ok {
		env.archive = a
	}
	if deps.Conn == nil {
		deps.Conn = newFakeConn()
	}
	if deps.SessionID == "" {
		deps.SessionID = "sess_test"
	}
	deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		s.cancel()
		env.models.closeAll()
		s.wg.Wait()
	})
	return s, env
}

// loadCatalog lists the session's tools and waits for the listing to land.
func loadCatalog(t *testing.T, s *LiveSession) {
	t.Helper()
	s.loadCatalog()
	pumpUntil(t, s, func() bool { return !s.catalogLoading })
}

// pumpUntil runs loop work (completions and model events) until cond holds.
func pumpUntil(t *testing.T, s *LiveSession, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case fn := <-s.completions:
			fn()
		case env := <-s.modelCh:
			s.onModelEnvelope(env)
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatalf("condition not met before deadline")
		}
	}
}

// waitFor polls cond for tests that run the real loop.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type drained struct {
	priority []map[string]any
	normal   []map[string]any
	audio    [][]byte
}

// drain empties the outbound queues of a session whose writer is not
// running.
func drain(s *LiveSession) drained {
	var d drained
	decode := func(f outboundFrame) map[string]any {
		var m map[string]any
		_ = json.Unmarshal(f.text, &m)
		return m
	}
	for {
		select {
		case f := <-s.outboundPriority:
			if len(f.text) > 0 {
				d.priority = append(d.priority, decode(f))
			}
			continue
		default:
		}
		select {
		case f := <-s.outboundNormal:
			if len(f.binary) > 0 {
				d.audio = append(d.audio, f.binary)
			} else if len(f.text) > 0 {
				d.normal = append(d.normal, decode(f))
			}
			continue
		default:
		}
		return d
	}
}

func ofType(msgs []map[string]any, typ string) []map[string]any {
	var out []map[string]any
	for _, m := range msgs {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func debugOfKind(msgs []map[string]any, kind string) []map[string]any {
	var out []map[string]any
	for _, m := range ofType(msgs, "debugInfo") {
		if m["kind"] == kind {
			out = append(out, m)
		}
	}
	return out
}

func containsAny(list []string, sub string) bool {
	for _, s := range list {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func pcmFrame(sample int16, samples int) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		out[2*i] = byte(uint16(sample))
		out[2*i+1] = byte(uint16(sample) >> 8)
	}
	return out
}
