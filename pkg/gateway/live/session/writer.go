package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// outboundFrame is one websocket message. audioTurn is set on assistant
// audio so frames queued before an interruption can still be dropped.
type outboundFrame struct {
	audioTurn int64
	text      []byte
	binary    []byte
}

// outboundWriter is the only goroutine that writes to the client socket.
// Priority frames (interruptions, errors, pong) always go before queued
// normal frames.
type outboundWriter struct {
	ws         wsWriter
	ctx        context.Context
	cfg        Config
	priority   <-chan outboundFrame
	normal     <-chan outboundFrame
	isCanceled func(turn int64) bool
}

func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}
	pingInterval := w.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := w.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	ctxDone := (<-chan struct{})(nil)
	if w.ctx != nil {
		ctxDone = w.ctx.Done()
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctxDone:
			w.flushPriorityOnShutdown(writeTimeout)
			_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
			_ = w.ws.Close()
			return nil
		default:
		}

		drained, err := w.drainPriority(writeTimeout)
		if err != nil {
			return err
		}
		if drained {
			continue
		}
		if w.priority == nil && w.normal == nil {
			return nil
		}

		select {
		case <-ctxDone:
		case <-pingTicker.C:
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout)); err != nil {
				return err
			}
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		case frame, ok := <-w.normal:
			if !ok {
				w.normal = nil
				continue
			}
			// A priority frame queued while we waited still goes first.
			if _, err := w.drainPriority(writeTimeout); err != nil {
				return err
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		}
	}
}

// drainPriority writes every priority frame that is ready without blocking.
func (w *outboundWriter) drainPriority(writeTimeout time.Duration) (bool, error) {
	wrote := false
	for w.priority != nil {
		select {
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				return wrote, nil
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return wrote, err
			}
			wrote = true
		default:
			return wrote, nil
		}
	}
	return wrote, nil
}

func (w *outboundWriter) flushPriorityOnShutdown(writeTimeout time.Duration) {
	if w.priority == nil {
		return
	}
	flushTimeout := 100 * time.Millisecond
	if writeTimeout < flushTimeout {
		flushTimeout = writeTimeout
	}
	deadline := time.Now().Add(flushTimeout)
	for i := 0; i < 8 && time.Now().Before(deadline); i++ {
		select {
		case frame, ok := <-w.priority:
			if !ok {
				return
			}
			_ = w.writeFrame(frame, writeTimeout)
		default:
			return
		}
	}
}

func (w *outboundWriter) writeFrame(frame outboundFrame, writeTimeout time.Duration) error {
	if frame.audioTurn > 0 && w.isCanceled != nil && w.isCanceled(frame.audioTurn) {
		return nil
	}
	messageType, payload := websocket.TextMessage, frame.text
	if len(frame.binary) > 0 {
		messageType, payload = websocket.BinaryMessage, frame.binary
	}
	if len(payload) == 0 {
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(messageType, payload)
}
