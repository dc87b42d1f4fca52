package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/vango-go/vai-voice/pkg/core/live"
	"github.com/vango-go/vai-voice/pkg/core/tools"
)

const (
	DefaultLiveModel = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultVoice     = "Puck"

	speakDirective = "[SYSTEM] Read the following reply aloud exactly as written. Do not add, remove or answer anything:\n"
)

// liveConn is the subset of *genai.Session the adapter uses.
type liveConn interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	SendToolResponse(input genai.LiveToolResponseInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type connectFunc func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveConn, error)

type GeminiConfig struct {
	APIKey      string
	Model       string
	EventBuffer int
	Logger      *slog.Logger
}

// GeminiFactory opens Gemini Live sessions.
type GeminiFactory struct {
	connect     connectFunc
	model       string
	eventBuffer int
	logger      *slog.Logger
}

func NewGeminiFactory(ctx context.Context, cfg GeminiConfig) (*GeminiFactory, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	connect := func(ctx context.Context, model string, lc *genai.LiveConnectConfig) (liveConn, error) {
		return client.Live.Connect(ctx, model, lc)
	}
	return newGeminiFactory(connect, cfg), nil
}

func newGeminiFactory(connect connectFunc, cfg GeminiConfig) *GeminiFactory {
	if cfg.Model == "" {
		cfg.Model = DefaultLiveModel
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &GeminiFactory{connect: connect, model: cfg.Model, eventBuffer: cfg.EventBuffer, logger: cfg.Logger}
}

func (f *GeminiFactory) Start(ctx context.Context, opts Options) (Session, error) {
	conn, err := f.connect(ctx, f.model, connectConfig(opts))
	if err != nil {
		return nil, &SessionError{Op: "connect", Err: err}
	}
	s := &geminiSession{
		id:     opts.SessionID,
		conn:   conn,
		events: make(chan Event, f.eventBuffer),
		done:   make(chan struct{}),
		logger: f.logger.With("session_id", opts.SessionID, "model", f.model),
	}
	go s.receiveLoop()
	return s, nil
}

func connectConfig(opts Options) *genai.LiveConnectConfig {
	voice := strings.TrimSpace(opts.Voice)
	if voice == "" {
		voice = DefaultVoice
	}
	cfg := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
			LanguageCode: opts.Language,
		},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if prompt := strings.TrimSpace(opts.SystemPrompt); prompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(prompt, genai.RoleUser)
	}
	if decls := functionDeclarations(opts.Tools); len(decls) > 0 {
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg
}

func functionDeclarations(list []tools.Tool) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(list))
	for _, t := range list {
		if t.Name == "" {
			continue
		}
		schema := any(t.Schema)
		if len(t.Schema) == 0 {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, &genai.FunctionDeclaration{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJsonSchema: schema,
		})
	}
	return out
}

type geminiSession struct {
	id     string
	conn   liveConn
	events chan Event
	logger *slog.Logger

	sendMu    sync.Mutex
	usageMu   sync.Mutex
	usage     Usage
	closeOnce sync.Once
	done      chan struct{}
}

func (s *geminiSession) ID() string { return s.id }

func (s *geminiSession) Events() <-chan Event { return s.events }

func (s *geminiSession) Usage() Usage {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	return s.usage
}

func (s *geminiSession) SendText(ctx context.Context, text string) error {
	return s.send(ctx, "send_text", func() error {
		return s.conn.SendRealtimeInput(genai.LiveRealtimeInput{Text: text})
	})
}

func (s *geminiSession) SendAudio(ctx context.Context, pcm []byte) error {
	return s.send(ctx, "send_audio", func() error {
		return s.conn.SendRealtimeInput(genai.LiveRealtimeInput{
			Audio: &genai.Blob{Data: pcm, MIMEType: live.InputFormat.MIMEType()},
		})
	})
}

func (s *geminiSession) SendToolResult(ctx context.Context, id, name string, payload any, isError bool) error {
	key := "output"
	if isError {
		key = "error"
	}
	return s.send(ctx, "send_tool_result", func() error {
		return s.conn.SendToolResponse(genai.LiveToolResponseInput{
			FunctionResponses: []*genai.FunctionResponse{{
				ID:       id,
				Name:     name,
				Response: map[string]any{key: payload},
			}},
		})
	})
}

func (s *geminiSession) Speak(ctx context.Context, text string) error {
	return s.SendText(ctx, speakDirective+text)
}

func (s *geminiSession) send(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return &SessionError{Op: op, Err: ErrSessionClosed}
	default:
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := fn(); err != nil {
		return &SessionError{Op: op, Err: err}
	}
	return nil
}

func (s *geminiSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *geminiSession) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *geminiSession) receiveLoop() {
	defer close(s.events)
	var tr translator
	for {
		msg, err := s.conn.Receive()
		if err != nil {
			if s.closed() {
				return
			}
			s.logger.Warn("model stream ended", "error", err, "premature", IsPrematureClose(err))
			s.emit(Event{Kind: EventError, Err: &SessionError{Op: "receive", Err: err}})
			return
		}
		for _, ev := range tr.translate(msg) {
			if ev.Kind == EventUsage && ev.Usage != nil {
				s.usageMu.Lock()
				s.usage = *ev.Usage
				s.usageMu.Unlock()
			}
			if !s.emit(ev) {
				return
			}
		}
	}
}

func (s *geminiSession) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}
