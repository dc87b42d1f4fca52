// Package session runs one live voice conversation: it relays client audio
// and text to a streaming speech model, gates the model's audio until a turn
// is known to be speech, resolves tool calls, and steers workflows.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-voice/pkg/core/agent"
	"github.com/vango-go/vai-voice/pkg/core/live"
	"github.com/vango-go/vai-voice/pkg/core/realtime"
	"github.com/vango-go/vai-voice/pkg/core/toolcall"
	"github.com/vango-go/vai-voice/pkg/core/tools"
	"github.com/vango-go/vai-voice/pkg/core/transcript"
	"github.com/vango-go/vai-voice/pkg/core/voice/stt"
	"github.com/vango-go/vai-voice/pkg/core/workflow"
	"github.com/vango-go/vai-voice/pkg/gateway/archive"
	"github.com/vango-go/vai-voice/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-voice/pkg/gateway/metrics"
)

const (
	outboundPriorityQueueSize = 8
	maxPendingModelSends      = 256
	maxFinalHistory           = 32
	rateLimitWarnInterval     = time.Second
)

var errBackpressure = errors.New("live outbound backpressure")

type Config struct {
	DefaultSystemPrompt string
	DefaultVoice        string
	DefaultLanguage     string
	// DefaultTools is the enabled set before the client configures one. Nil
	// enables every tool the backend lists.
	DefaultTools  []string
	IdentityTools []string

	GateSignatureMinChars  int
	GateFlowThresholdChars int

	VADRMSThreshold      float64
	SilenceDuration      time.Duration
	MaxUtteranceDuration time.Duration

	DuplicateWindow  time.Duration
	DuplicateHorizon time.Duration

	ToolTimeout  time.Duration
	ToolCacheTTL time.Duration
	ToolDebounce time.Duration

	ModelStartTimeout time.Duration
	RestartGrace      time.Duration
	NudgeDelay        time.Duration
	AgentTimeout      time.Duration
	ArchiveTimeout    time.Duration

	MaxAudioFrameBytes         int
	MaxJSONMessageBytes        int64
	LiveMaxAudioFPS            int
	LiveMaxAudioBytesPerSecond int64
	LiveInboundBurstSeconds    int

	PingInterval      time.Duration
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	OutboundQueueSize int

	PriceInputPerMTok  float64
	PriceOutputPerMTok float64
}

// wsConn is the part of *websocket.Conn a session uses.
type wsConn interface {
	wsWriter
	ReadMessage() (messageType int, p []byte, err error)
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

type Dependencies struct {
	Conn   wsConn
	Logger *slog.Logger
	Models realtime.Factory
	// Tools may be nil, in which case every tool call fails softly.
	Tools tools.Backend
	// ToolFactory rebuilds the backend when the client sends credentials.
	ToolFactory tools.Factory
	Workflows   workflow.Store
	Transcriber stt.Transcriber
	Agent       agent.Agent
	Fillers     *FillerCache
	Archive     archive.Store
	Metrics     *metrics.Metrics
	SessionID   string
	RequestID   string
	Config      Config
	Now         func() time.Time
}

// LiveSession owns one client connection. Everything below the channels is
// touched only by the goroutine running Run.
type LiveSession struct {
	conn        wsConn
	logger      *slog.Logger
	models      realtime.Factory
	toolFactory tools.Factory
	workflows   workflow.Store
	transcriber stt.Transcriber
	agent       agent.Agent
	fillers     *FillerCache
	archive     archive.Store
	metrics     *metrics.Metrics
	sessionID   string
	requestID   string
	cfg         Config
	now         func() time.Time
	startTime   time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame
	completions      chan func()
	modelCh          chan modelEnvelope

	// canceledThrough is the highest assistant turn whose queued audio the
	// writer must drop.
	canceledThrough atomic.Int64
	finishOnce      sync.Once

	brainMode    string
	basePrompt   string
	voice        string
	language     string
	userLocation string
	userTimezone string

	backend  tools.Backend
	catalog  []tools.Tool
	detector *toolcall.Detector
	enabled  map[string]bool
	tools    toolState

	// catalogGen orders tool listings; only the newest one is applied.
	catalogGen     int64
	catalogLoading bool

	model    modelHandle
	gate     audioGate
	turn     turnState
	wf       workflowState
	del      delegatedState
	limiter  *inboundAudioLimiter
	recent   transcript.Recent
	finals   []string
	entries  []archive.Entry
	feedback *archive.Feedback
	test     *archive.TestLabel
}

// turnState is reset at every assistant contentStart.
type turnState struct {
	index        int64
	interrupted  bool
	audible      bool
	text         string
	lastStreamed string
	toolDetected bool
}

func New(deps Dependencies) (*LiveSession, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Models == nil {
		return nil, fmt.Errorf("model factory is required")
	}
	if strings.TrimSpace(deps.SessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg := withDefaults(deps.Config)

	ctx, cancel := context.WithCancel(context.Background())
	s := &LiveSession{
		conn:             deps.Conn,
		logger:           deps.Logger.With("session_id", deps.SessionID),
		models:           deps.Models,
		toolFactory:      deps.ToolFactory,
		workflows:        deps.Workflows,
		transcriber:      deps.Transcriber,
		agent:            deps.Agent,
		fillers:          deps.Fillers,
		archive:          deps.Archive,
		metrics:          deps.Metrics,
		sessionID:        deps.SessionID,
		requestID:        deps.RequestID,
		cfg:              cfg,
		now:              deps.Now,
		startTime:        deps.Now(),
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, max(1, min(cfg.OutboundQueueSize, outboundPriorityQueueSize))),
		outboundNormal:   make(chan outboundFrame, cfg.OutboundQueueSize),
		completions:      make(chan func(), 16),
		modelCh:          make(chan modelEnvelope, 64),
		brainMode:        protocol.BrainModeDirect,
		basePrompt:       cfg.DefaultSystemPrompt,
		voice:            cfg.DefaultVoice,
		language:         cfg.DefaultLanguage,
		backend:          deps.Tools,
		detector:         toolcall.NewDetector(nil),
		tools:            newToolState(cfg, deps.Now),
		recent: transcript.Recent{Options: transcript.DedupeOptions{
			Window:  cfg.DuplicateWindow,
			Horizon: cfg.DuplicateHorizon,
		}},
		limiter: newInboundAudioLimiter(deps.Now, cfg.LiveMaxAudioFPS, cfg.LiveMaxAudioBytesPerSecond, cfg.LiveInboundBurstSeconds),
		del:     newDelegatedState(cfg),
	}
	if cfg.DefaultTools != nil {
		s.enabled = make(map[string]bool, len(cfg.DefaultTools))
		for _, name := range cfg.DefaultTools {
			s.enabled[name] = true
		}
	}
	return s, nil
}

func withDefaults(cfg Config) Config {
	if cfg.DefaultVoice == "" {
		cfg.DefaultVoice = realtime.DefaultVoice
	}
	if cfg.GateSignatureMinChars <= 0 {
		cfg.GateSignatureMinChars = 5
	}
	if cfg.GateFlowThresholdChars <= 0 {
		cfg.GateFlowThresholdChars = 20
	}
	if cfg.VADRMSThreshold <= 0 {
		cfg.VADRMSThreshold = 0.02
	}
	if cfg.SilenceDuration <= 0 {
		cfg.SilenceDuration = 1500 * time.Millisecond
	}
	if cfg.MaxUtteranceDuration <= 0 {
		cfg.MaxUtteranceDuration = 30 * time.Second
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 15 * time.Second
	}
	if cfg.ToolDebounce <= 0 {
		cfg.ToolDebounce = 10 * time.Second
	}
	if cfg.ModelStartTimeout <= 0 {
		cfg.ModelStartTimeout = 15 * time.Second
	}
	if cfg.RestartGrace <= 0 {
		cfg.RestartGrace = 2 * time.Second
	}
	if cfg.NudgeDelay < 0 {
		cfg.NudgeDelay = 0
	}
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = 30 * time.Second
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = 5 * time.Second
	}
	if cfg.MaxAudioFrameBytes <= 0 {
		cfg.MaxAudioFrameBytes = 64 * 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 256
	}
	return cfg
}

// Run serves the connection until the client leaves, the writer fails, or
// Stop is called. The transcript is persisted before Run returns.
func (s *LiveSession) Run() error {
	if s.cfg.MaxJSONMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxJSONMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}
	s.metrics.SessionStarted()
	s.logger.Info("live session started", "request_id", s.requestID)

	readCh := make(chan inboundFrame, 64)
	writerErrCh := make(chan error, 1)
	go s.readLoop(readCh)
	go func() {
		w := outboundWriter{
			ws:         s.conn,
			ctx:        s.ctx,
			cfg:        s.cfg,
			priority:   s.outboundPriority,
			normal:     s.outboundNormal,
			isCanceled: func(turn int64) bool { return turn <= s.canceledThrough.Load() },
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	status := "ok"
	defer func() {
		s.finish(status)
		s.cancel()
		wait := min(100*time.Millisecond, s.cfg.WriteTimeout)
		timer := time.NewTimer(wait)
		select {
		case <-writerErrCh:
		case <-timer.C:
		}
		timer.Stop()
		s.wg.Wait()
	}()

	s.loadCatalog()

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case err := <-writerErrCh:
			if err != nil {
				status = "write_error"
				s.logger.Warn("live session writer stopped", "error", err)
			}
			return err
		case in, ok := <-readCh:
			if !ok {
				return nil
			}
			if in.err != nil {
				if websocket.IsCloseError(in.err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					return nil
				}
				status = "read_error"
				s.logger.Debug("live session read ended", "error", in.err)
				return nil
			}
			s.handleInbound(in)
		case env := <-s.modelCh:
			s.onModelEnvelope(env)
		case fn := <-s.completions:
			fn()
		case <-s.del.silence.C():
			s.del.silence.fired()
			s.onSilence()
		}
	}
}

// Stop ends the session. It is safe to call more than once and from any
// goroutine; persistence happens once, as Run returns.
func (s *LiveSession) Stop() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

// SendWarning queues a server_warning for the client. It may be called from
// any goroutine.
func (s *LiveSession) SendWarning(code, message string) error {
	if s == nil {
		return nil
	}
	return s.sendJSONPriority(protocol.ServerWarning{Type: "server_warning", Code: code, Message: message})
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

func (s *LiveSession) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *LiveSession) handleInbound(in inboundFrame) {
	if in.messageType == websocket.BinaryMessage {
		s.onAudioFrame(in.data)
		return
	}
	msg, err := protocol.DecodeClientMessage(in.data)
	if err != nil {
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			s.sendError(de.Code, de.Message, false, map[string]any{"param": de.Param})
			return
		}
		s.sendError("bad_request", "invalid message", false, nil)
		return
	}
	switch m := msg.(type) {
	case protocol.ClientPing:
		_ = s.enqueuePriority(outboundFrame{text: []byte(protocol.Pong)})
	case protocol.ClientSessionConfig:
		s.configure(m.Config)
	case protocol.ClientTextInput:
		s.submitText(m.Text)
	case protocol.ClientAWSConfig:
		s.setCredentials(m.Config)
	case protocol.ClientFeedback:
		s.feedback = &archive.Feedback{Rating: m.Rating, Comment: strings.TrimSpace(m.Comment)}
	case protocol.ClientTestConfig:
		s.test = &archive.TestLabel{Name: m.TestName, Outcome: m.Outcome}
		s.logger.Info("session flagged as test", "test_name", m.TestName, "outcome", m.Outcome)
	}
}

// submitText forwards a typed user utterance.
func (s *LiveSession) submitText(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if s.brainMode == protocol.BrainModeDelegated {
		s.onUtterance(text)
		return
	}
	s.beginUserInput()
	s.record(archive.Entry{Role: archive.RoleUser, Text: text, Final: true, Type: archive.TypeFinal})
	_ = s.sendJSON(protocol.ServerTranscript{Type: "transcript", Role: string(realtime.RoleUser), Text: text, IsFinal: true})
	s.sendModel("send_text", func(ctx context.Context, m realtime.Session) error {
		return m.SendText(ctx, text)
	})
}

func (s *LiveSession) onAudioFrame(frame []byte) {
	if err := live.ValidateFrame(frame, s.cfg.MaxAudioFrameBytes); err != nil {
		if s.limiter == nil || s.limiter.ShouldWarn(rateLimitWarnInterval) {
			_ = s.sendJSON(protocol.ServerWarning{Type: "warning", Code: "invalid_audio_frame", Message: err.Error()})
		}
		return
	}
	if !s.limiter.Allow(len(frame)) {
		if s.limiter.ShouldWarn(rateLimitWarnInterval) {
			s.sendError("rate_limited", "audio is arriving faster than real time; frames were dropped", true, nil)
		}
		return
	}
	s.metrics.AudioBytes("in", len(frame))
	if s.brainMode == protocol.BrainModeDelegated {
		s.onDelegatedAudio(frame)
		return
	}
	buf := append([]byte(nil), frame...)
	s.sendModel("send_audio", func(ctx context.Context, m realtime.Session) error {
		return m.SendAudio(ctx, buf)
	})
}

// beginUserInput opens a new user turn for tool debouncing. It is called for
// every user utterance; the ledger is cleared only once per user turn.
func (s *LiveSession) beginUserInput() {
	if s.tools.userTurnOpen {
		return
	}
	s.tools.userTurnOpen = true
	s.tools.resetLedger()
}

func (s *LiveSession) record(e archive.Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	s.entries = append(s.entries, e)
}

func (s *LiveSession) totalUsage() realtime.Usage {
	u := s.model.baseUsage
	if s.model.sess != nil {
		u = u.Add(s.model.sess.Usage())
	}
	return u.Add(s.del.agentUsage)
}

func (s *LiveSession) costUSD(u realtime.Usage) float64 {
	return float64(u.InputTokens)/1e6*s.cfg.PriceInputPerMTok + float64(u.OutputTokens)/1e6*s.cfg.PriceOutputPerMTok
}

func (s *LiveSession) sendUsage() {
	u := s.totalUsage()
	_ = s.sendJSON(protocol.ServerUsage{
		Type:         "usage",
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.TotalTokens,
		CostUSD:      s.costUSD(u),
		DurationMS:   s.now().Sub(s.startTime).Milliseconds(),
	})
}

// finish closes the model session and persists the transcript. It runs once,
// on the loop goroutine, as Run returns.
func (s *LiveSession) finish(status string) {
	s.finishOnce.Do(func() {
		s.del.silence.stop()
		usage := s.totalUsage()
		if s.model.sess != nil {
			_ = s.sendJSONPriority(protocol.ServerUsage{
				Type:         "usage",
				InputTokens:  usage.InputTokens,
				OutputTokens: usage.OutputTokens,
				TotalTokens:  usage.TotalTokens,
				CostUSD:      s.costUSD(usage),
				DurationMS:   s.now().Sub(s.startTime).Milliseconds(),
			})
		}
		s.closeModel()
		end := s.now()
		cost := s.costUSD(usage)
		s.metrics.Cost(cost)
		s.metrics.SessionEnded(status, end.Sub(s.startTime))
		s.logger.Info("live session ended", "status", status, "duration_ms", end.Sub(s.startTime).Milliseconds(), "entries", len(s.entries))

		if len(s.entries) == 0 || s.archive == nil {
			return
		}
		rec := archive.Record{
			ID:         archive.NewRecordID(),
			SessionID:  s.sessionID,
			StartedAt:  s.startTime,
			EndedAt:    end,
			BrainMode:  s.brainMode,
			WorkflowID: s.wf.id,
			Entries:    s.entries,
			Usage: archive.Usage{
				InputTokens:  usage.InputTokens,
				OutputTokens: usage.OutputTokens,
				TotalTokens:  usage.TotalTokens,
				CostUSD:      cost,
			},
			AverageSentiment: archive.AverageSentiment(s.entries),
			Feedback:         s.feedback,
			Test:             s.test,
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ArchiveTimeout)
		defer cancel()
		if err := s.archive.Save(ctx, rec); err != nil {
			s.logger.Error("persist transcript failed", "error", err)
		}
	})
}

// safeGo runs fn on its own goroutine. A panic is logged, never fatal.
func (s *LiveSession) safeGo(task string, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("session task panicked", "task", task, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}

// complete hands fn to the loop. It reports false once the session is
// gone, in which case fn never runs.
func (s *LiveSession) complete(fn func()) bool {
	select {
	case s.completions <- fn:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// after runs fn on the loop once d has elapsed.
func (s *LiveSession) after(d time.Duration, fn func()) {
	time.AfterFunc(d, func() { s.complete(fn) })
}

func (s *LiveSession) sendAssistantAudio(frame []byte) {
	if len(frame) == 0 {
		return
	}
	s.turn.audible = true
	s.metrics.AudioBytes("out", len(frame))
	if err := s.enqueueNormal(outboundFrame{audioTurn: s.turn.index, binary: frame}); err != nil {
		s.logger.Warn("dropping assistant audio", "error", err)
	}
}

// interruptPlayback tells the client to stop playing the current turn and
// drops its audio that is still queued.
func (s *LiveSession) interruptPlayback(reason string) {
	s.turn.interrupted = true
	s.gate.reset()
	s.canceledThrough.Store(s.turn.index)
	s.del.clearSpeech()
	_ = s.sendJSONPriority(protocol.ServerInterruption{Type: "interruption", Reason: reason})
}

func (s *LiveSession) sendError(code, message string, retryable bool, details map[string]any) {
	s.metrics.Error(code)
	_ = s.sendJSON(protocol.ServerError{Type: "error", Code: code, Message: message, Retryable: retryable, Details: details})
}

func (s *LiveSession) sendDebug(kind string, data map[string]any) {
	_ = s.sendJSON(protocol.ServerDebugInfo{Type: "debugInfo", Kind: kind, Data: data})
}

func (s *LiveSession) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueueNormal(outboundFrame{text: payload})
}

func (s *LiveSession) sendJSONPriority(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueuePriority(outboundFrame{text: payload})
}

func (s *LiveSession) enqueueNormal(frame outboundFrame) error {
	if frame.audioTurn > 0 && frame.audioTurn <= s.canceledThrough.Load() {
		return nil
	}
	select {
	case s.outboundNormal <- frame:
		return nil
	default:
		return errBackpressure
	}
}

// enqueuePriority evicts older priority frames rather than block.
func (s *LiveSession) enqueuePriority(frame outboundFrame) error {
	for i := 0; i < 4; i++ {
		select {
		case s.outboundPriority <- frame:
			return nil
		default:
		}
		select {
		case <-s.outboundPriority:
		default:
		}
	}
	select {
	case s.outboundPriority <- frame:
		return nil
	default:
		return errBackpressure
	}
}

// loopTimer is a re-armable timer whose channel is nil while disarmed, so it
// can sit in the Run select unconditionally.
type loopTimer struct {
	t      *time.Timer
	active bool
}

func (lt *loopTimer) C() <-chan time.Time {
	if lt == nil || !lt.active {
		return nil
	}
	return lt.t.C
}

func (lt *loopTimer) reset(d time.Duration) {
	if lt.t == nil {
		lt.t = time.NewTimer(d)
		lt.active = true
		return
	}
	lt.stop()
	lt.t.Reset(d)
	lt.active = true
}

func (lt *loopTimer) stop() {
	if lt.t == nil {
		return
	}
	if !lt.t.Stop() {
		select {
		case <-lt.t.C:
		default:
		}
	}
	lt.active = false
}

func (lt *loopTimer) fired() { lt.active = false }
