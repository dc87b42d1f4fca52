package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/vango-go/vai-voice/pkg/gateway/apierror"
	"github.com/vango-go/vai-voice/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-voice/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-voice/pkg/gateway/live/session"
	"github.com/vango-go/vai-voice/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-voice/pkg/gateway/metrics"
	"github.com/vango-go/vai-voice/pkg/gateway/mw"
	"github.com/vango-go/vai-voice/pkg/gateway/ratelimit"
)

// LiveHandler upgrades /v1/live to a websocket and runs one session on it.
type LiveHandler struct {
	// Session carries the collaborators shared by every session. Conn,
	// SessionID, RequestID and Logger are filled per connection.
	Session        session.Dependencies
	AllowedOrigins []string
	Logger         *slog.Logger
	Lifecycle      *lifecycle.Lifecycle
	Sessions       *sessions.Tracker
	// Limiter is optional.
	Limiter *ratelimit.Limiter
	Metrics *metrics.Metrics
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		apierror.Write(w, reqID, &apierror.Error{Type: apierror.TypeInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"})
		return
	}
	if h.Lifecycle.IsDraining() {
		apierror.Write(w, reqID, &apierror.Error{Type: apierror.TypeOverloaded, Message: "server is draining", Code: "draining"})
		return
	}
	if !h.originAllowed(r) {
		apierror.Write(w, reqID, &apierror.Error{Type: apierror.TypePermission, Message: "origin is not allowed", Param: "Origin"})
		return
	}

	decision := h.Limiter.AcquireSession(ratelimit.ClientKey(r.RemoteAddr), time.Now())
	if !decision.Allowed {
		h.Metrics.Error("rate_limited")
		w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter))
		apierror.Write(w, reqID, &apierror.Error{
			Type:    apierror.TypeRateLimit,
			Message: "too many live sessions from this client",
			Code:    "rate_limited_" + decision.Reason,
		})
		return
	}
	defer decision.Permit.Release()

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sessionID := "sess_" + strings.ToLower(ulid.Make().String())
	logger = logger.With("session_id", sessionID)

	upgrader := websocket.Upgrader{
		// originAllowed already ran.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	deps := h.Session
	deps.Conn = conn
	deps.SessionID = sessionID
	deps.RequestID = reqID
	deps.Logger = logger
	if deps.Metrics == nil {
		deps.Metrics = h.Metrics
	}
	s, err := session.New(deps)
	if err != nil {
		logger.Error("live session init failed", "error", err)
		h.rejectWS(conn, "internal", "failed to initialize live session")
		return
	}

	unregister, err := h.Sessions.Register(sessionID, sessions.Handle{
		RemoteAddr: r.RemoteAddr,
		StartedAt:  time.Now(),
		Cancel:     s.Stop,
		Warn:       s.SendWarning,
	})
	if err != nil {
		code := "internal"
		if errors.Is(err, sessions.ErrAtCapacity) {
			code = "at_capacity"
		}
		h.Metrics.Error(code)
		logger.Warn("live session refused", "error", err)
		s.Stop()
		h.rejectWS(conn, code, "live session limit reached")
		return
	}
	defer unregister()

	if err := s.Run(); err != nil {
		logger.Warn("live session ended with error", "request_id", reqID, "error", err)
	}
}

func (h LiveHandler) originAllowed(r *http.Request) bool {
	return mw.OriginAllowed(h.AllowedOrigins, r.Header.Get("Origin"), r.Host)
}

func (h LiveHandler) rejectWS(conn *websocket.Conn, code, message string) {
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteJSON(protocol.ServerError{Type: "error", Code: code, Message: message})
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, code))
}
