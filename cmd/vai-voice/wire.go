package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/vango-go/vai-voice/pkg/core/agent"
	"github.com/vango-go/vai-voice/pkg/core/live"
	"github.com/vango-go/vai-voice/pkg/core/realtime"
	"github.com/vango-go/vai-voice/pkg/core/tools"
	"github.com/vango-go/vai-voice/pkg/core/voice/stt"
	"github.com/vango-go/vai-voice/pkg/core/voice/tts"
	"github.com/vango-go/vai-voice/pkg/core/workflow"
	"github.com/vango-go/vai-voice/pkg/gateway/archive"
	"github.com/vango-go/vai-voice/pkg/gateway/config"
	"github.com/vango-go/vai-voice/pkg/gateway/live/session"
	"github.com/vango-go/vai-voice/pkg/gateway/metrics"
)

// services is everything a server needs that outlives single sessions.
type services struct {
	Session session.Dependencies
	Metrics *metrics.Metrics
	closers []func()
}

func (r *services) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func buildServices(ctx context.Context, cfg config.Config, logger *slog.Logger) (*services, error) {
	rt := &services{Metrics: metrics.New("vai_voice")}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	models, err := realtime.NewGeminiFactory(ctx, realtime.GeminiConfig{
		APIKey: cfg.GeminiAPIKey,
		Model:  cfg.LiveModel,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("model factory: %w", err)
	}
	rt.Session.Models = models

	reasoner, err := agent.NewGemini(ctx, agent.GeminiConfig{
		APIKey: cfg.GeminiAPIKey,
		Model:  cfg.AgentModel,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}
	rt.Session.Agent = reasoner

	backend, factory, err := buildTools(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("tools: %w", err)
	}
	rt.Session.Tools = backend
	rt.Session.ToolFactory = factory

	if store, err := workflow.NewFileStore(cfg.WorkflowDir); err != nil {
		logger.Warn("workflows disabled", "dir", cfg.WorkflowDir, "error", err)
	} else {
		rt.Session.Workflows = store
	}

	if cfg.CartesiaAPIKey != "" {
		client := &http.Client{Timeout: 30 * time.Second}
		transcriber, err := stt.NewCartesia(stt.CartesiaOptions{APIKey: cfg.CartesiaAPIKey, HTTPClient: client})
		if err != nil {
			return nil, fmt.Errorf("transcriber: %w", err)
		}
		rt.Session.Transcriber = transcriber
		synth, err := tts.NewCartesia(tts.CartesiaOptions{
			APIKey:     cfg.CartesiaAPIKey,
			HTTPClient: client,
			Voices:     cfg.CartesiaVoices,
			SampleRate: live.OutputFormat.SampleRate,
		})
		if err != nil {
			return nil, fmt.Errorf("filler synthesis: %w", err)
		}
		rt.Session.Fillers = session.NewFillerCache(synth, "")
	} else {
		logger.Info("cartesia key not set; delegated mode and filler audio are unavailable")
	}

	store, err := buildArchive(ctx, cfg, rt)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	rt.Session.Archive = store
	rt.Session.Metrics = rt.Metrics

	ok = true
	return rt, nil
}

func buildArchive(ctx context.Context, cfg config.Config, rt *services) (archive.Store, error) {
	files, err := archive.NewFileStore(cfg.TranscriptDir)
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return files, nil
	}
	if err := archive.Migrate(ctx, cfg.DatabaseURL); err != nil {
		return nil, err
	}
	pg, err := archive.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, pg.Close)
	return archive.Multi{files, pg}, nil
}

// buildTools returns the process-default backend and, where the backend
// accepts caller credentials, a factory for per-session backends.
func buildTools(ctx context.Context, cfg config.Config, logger *slog.Logger) (tools.Backend, tools.Factory, error) {
	switch cfg.ToolBackend {
	case config.ToolBackendLambda:
		list, err := lambdaTools(cfg)
		if err != nil {
			return nil, nil, err
		}
		factory := func(ctx context.Context, creds *tools.Credentials) (tools.Backend, error) {
			b, err := tools.NewLambdaBackend(ctx, tools.LambdaConfig{Region: cfg.AWSRegion, Tools: list, Credentials: creds})
			if err != nil {
				return nil, err
			}
			return tools.WithValidation(ctx, b)
		}
		backend, err := factory(ctx, nil)
		if err != nil {
			return nil, nil, err
		}
		return backend, factory, nil
	case config.ToolBackendHTTP:
		b, err := tools.NewHTTPBackend(cfg.ToolHTTPURL, &http.Client{Timeout: cfg.ToolTimeout})
		if err != nil {
			return nil, nil, err
		}
		validated, err := tools.WithValidation(ctx, b)
		if err != nil {
			logger.Warn("tool schemas unavailable; calling without validation", "url", cfg.ToolHTTPURL, "error", err)
			return b, nil, nil
		}
		return validated, nil, nil
	default:
		registry := tools.NewBuiltinRegistry(time.Now)
		validated, err := tools.WithValidation(ctx, registry)
		if err != nil {
			return nil, nil, err
		}
		return validated, nil, nil
	}
}

// lambdaTools merges the manifest with VAI_VOICE_TOOL_LAMBDA_FUNCTIONS; the
// env mapping wins for tools named in both.
func lambdaTools(cfg config.Config) ([]tools.Tool, error) {
	var list []tools.Tool
	if cfg.ToolManifest != "" {
		m, err := tools.LoadManifest(cfg.ToolManifest)
		if err != nil {
			return nil, err
		}
		list = m
	}
	index := make(map[string]int, len(list))
	for i, t := range list {
		index[t.Name] = i
	}
	names := make([]string, 0, len(cfg.LambdaFunctions))
	for name := range cfg.LambdaFunctions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fn := cfg.LambdaFunctions[name]
		if i, ok := index[name]; ok {
			list[i].Function = fn
			continue
		}
		list = append(list, tools.Tool{Name: name, Function: fn})
	}
	if len(list) == 0 {
		return nil, errors.New("no lambda tools configured")
	}
	for _, t := range list {
		if strings.TrimSpace(t.Name) == "" {
			return nil, errors.New("lambda tool with empty name")
		}
	}
	return list, nil
}
