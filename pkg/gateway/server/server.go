// Package server assembles the HTTP surface: health, readiness, metrics,
// the live websocket endpoint and an optional static web client.
package server

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/vango-go/vai-voice/pkg/gateway/config"
	"github.com/vango-go/vai-voice/pkg/gateway/handlers"
	"github.com/vango-go/vai-voice/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-voice/pkg/gateway/live/session"
	"github.com/vango-go/vai-voice/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-voice/pkg/gateway/metrics"
	"github.com/vango-go/vai-voice/pkg/gateway/mw"
	"github.com/vango-go/vai-voice/pkg/gateway/ratelimit"
)

type Dependencies struct {
	Config    config.Config
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker
	// Limiter defaults to one built from Config when limits are set.
	Limiter *ratelimit.Limiter
	// Session is the per-connection template handed to the live handler.
	// Its Config is always derived from Config.
	Session session.Dependencies
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	deps   Dependencies
}

func New(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Lifecycle == nil {
		deps.Lifecycle = &lifecycle.Lifecycle{}
	}
	if deps.Sessions == nil {
		deps.Sessions = sessions.NewTracker(deps.Config.MaxSessions)
	}
	if deps.Limiter == nil && deps.Config.RateLimit().Enabled() {
		deps.Limiter = ratelimit.New(deps.Config.RateLimit())
	}
	deps.Session.Config = deps.Config.SessionConfig()
	s := &Server{
		cfg:    deps.Config,
		logger: deps.Logger,
		mux:    http.NewServeMux(),
		deps:   deps,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Lifecycle:   s.deps.Lifecycle,
		Sessions:    s.deps.Sessions,
		MaxSessions: s.cfg.MaxSessions,
	})
	if s.deps.Metrics != nil {
		s.mux.Handle("/metrics", s.deps.Metrics.Handler())
	}
	s.mux.Handle("/v1/live", handlers.LiveHandler{
		Session:        s.deps.Session,
		AllowedOrigins: s.cfg.WSAllowedOrigins,
		Logger:         s.logger,
		Lifecycle:      s.deps.Lifecycle,
		Sessions:       s.deps.Sessions,
		Limiter:        s.deps.Limiter,
		Metrics:        s.deps.Metrics,
	})

	var root http.Handler = handlers.NotFoundHandler{}
	if dir := s.cfg.StaticDir; dir != "" {
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			root = http.FileServer(http.Dir(dir))
		} else {
			s.logger.Warn("static dir unavailable; serving 404 at /", "dir", dir)
		}
	}
	s.mux.Handle("/", root)
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg.WSAllowedOrigins, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Sessions exposes the registry so the binary can drain it.
func (s *Server) Sessions() *sessions.Tracker { return s.deps.Sessions }

func (s *Server) Lifecycle() *lifecycle.Lifecycle { return s.deps.Lifecycle }
