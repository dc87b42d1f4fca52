package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordedWrite struct {
	messageType int
	data        string
}

type fakeWSWriter struct {
	mu     sync.Mutex
	writes []recordedWrite
}

func (f *fakeWSWriter) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWSWriter) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, recordedWrite{messageType: messageType, data: string(data)})
	return nil
}

func (f *fakeWSWriter) WriteControl(messageType int, data []byte, deadline time.Time) error {
	_ = deadline
	return f.WriteMessage(messageType, data)
}

func (f *fakeWSWriter) Close() error { return nil }

func (f *fakeWSWriter) snapshot() []recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedWrite, len(f.writes))
	copy(out, f.writes)
	return out
}

func runWriter(t *testing.T, ctx context.Context, priority, normal []outboundFrame, isCanceled func(int64) bool) []recordedWrite {
	t.Helper()
	pch := make(chan outboundFrame, len(priority)+1)
	nch := make(chan outboundFrame, len(normal)+1)
	for _, f := range priority {
		pch <- f
	}
	for _, f := range normal {
		nch <- f
	}
	close(pch)
	close(nch)

	ws := &fakeWSWriter{}
	w := outboundWriter{
		ws:         ws,
		ctx:        ctx,
		cfg:        Config{PingInterval: time.Hour, WriteTimeout: time.Second},
		priority:   pch,
		normal:     nch,
		isCanceled: isCanceled,
	}
	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	return ws.snapshot()
}

func TestOutboundWriter_PriorityBeatsNormal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writes := runWriter(t, ctx,
		[]outboundFrame{{text: []byte(`{"type":"interruption","reason":"barge_in"}`)}},
		[]outboundFrame{{audioTurn: 1, binary: []byte{0x01, 0x02}}},
		nil,
	)
	if len(writes) != 2 {
		t.Fatalf("expected 2 writes, got %d: %+v", len(writes), writes)
	}
	if !strings.Contains(writes[0].data, `"type":"interruption"`) {
		t.Fatalf("first write was not interruption: %q", writes[0].data)
	}
	if writes[1].messageType != websocket.BinaryMessage {
		t.Fatalf("second write type=%d, want BinaryMessage", writes[1].messageType)
	}
}

func TestOutboundWriter_CanceledAssistantAudioDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writes := runWriter(t, ctx, nil,
		[]outboundFrame{
			{audioTurn: 1, binary: []byte{0x01, 0x02}},
			{audioTurn: 1, binary: []byte{0x03, 0x04}},
			{audioTurn: 2, binary: []byte{0x05, 0x06}},
		},
		func(turn int64) bool { return turn <= 1 },
	)
	if len(writes) != 1 {
		t.Fatalf("expected only turn 2 audio, got %d: %+v", len(writes), writes)
	}
	if writes[0].data != string([]byte{0x05, 0x06}) {
		t.Fatalf("wrong frame written: %v", []byte(writes[0].data))
	}
}

func TestOutboundWriter_NonAudioUnaffectedByCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writes := runWriter(t, ctx, nil,
		[]outboundFrame{
			{text: []byte(`{"type":"warning","code":"x","message":"y"}`)},
			{text: []byte(`{"type":"transcript","role":"assistant","text":"hello"}`)},
		},
		func(int64) bool { return true },
	)
	if len(writes) != 2 {
		t.Fatalf("expected 2 writes, got %d: %+v", len(writes), writes)
	}
	for _, w := range writes {
		if w.messageType != websocket.TextMessage {
			t.Fatalf("write type=%d, want TextMessage", w.messageType)
		}
	}
}

func TestOutboundWriter_EmptyFrameSkipped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writes := runWriter(t, ctx, nil, []outboundFrame{{}, {text: []byte(`{"type":"usage"}`)}}, nil)
	if len(writes) != 1 {
		t.Fatalf("expected 1 write, got %d: %+v", len(writes), writes)
	}
}

func TestOutboundWriter_FlushesPriorityOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	writes := runWriter(t, ctx,
		[]outboundFrame{{text: []byte(`{"type":"usage","inputTokens":3}`)}},
		nil, nil,
	)
	if len(writes) == 0 || !strings.Contains(writes[0].data, `"type":"usage"`) {
		t.Fatalf("expected usage to flush on shutdown, writes=%+v", writes)
	}
	last := writes[len(writes)-1]
	if last.messageType != websocket.CloseMessage {
		t.Fatalf("last write type=%d, want CloseMessage", last.messageType)
	}
}
