package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"github.com/vango-go/vai-voice/pkg/gateway/config"
	gatewayserver "github.com/vango-go/vai-voice/pkg/gateway/server"
)

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runServe(ctx context.Context, v *viper.Viper, stderr io.Writer, deps mainDeps) error {
	if deps.loadConfig == nil || deps.buildServices == nil {
		return errors.New("missing startup dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig(v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg, stderr)
	slog.SetDefault(logger)

	svc, err := deps.buildServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	gw := gatewayserver.New(gatewayserver.Dependencies{
		Config:  cfg,
		Logger:  logger,
		Metrics: svc.Metrics,
		Session: svc.Session,
	})
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting vai-voice", "addr", cfg.Addr, "tool_backend", cfg.ToolBackend, "live_model", cfg.LiveModel)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("context canceled; draining")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	drain(gw, cfg.ShutdownGrace, logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("vai-voice stopped")
	return nil
}

// drain refuses new sessions, warns live ones, and cancels whatever is
// still running after grace.
func drain(gw *gatewayserver.Server, grace time.Duration, logger *slog.Logger) {
	gw.Lifecycle().BeginDrain(time.Now())
	tracker := gw.Sessions()
	warned := tracker.WarnAll("draining", "server is shutting down; please reconnect")
	logger.Info("draining live sessions", "sessions", tracker.Count(), "warned", warned)

	waitCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if !tracker.Wait(waitCtx) {
		n := tracker.CancelAll()
		logger.Warn("drain grace elapsed; canceled live sessions", "canceled", n)
		// Give canceled sessions a moment to persist transcripts.
		finalCtx, finalCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer finalCancel()
		tracker.Wait(finalCtx)
	}
}
