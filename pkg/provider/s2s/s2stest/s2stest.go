// Package s2stest provides helpers for testing S2S backends: a fake
// WebSocket server built on httptest and a [Recorder] that captures session
// handler invocations.
package s2stest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxrelay/pkg/provider/s2s"
)

// Timeout bounds every wait in this package.
const Timeout = 3 * time.Second

// ── fake server ───────────────────────────────────────────────────────────────

// URL converts an httptest server HTTP URL to a WebSocket URL.
func URL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// StartServer launches a test WebSocket server. The handler receives the
// accepted connection; the connection is closed normally when the handler
// returns. The server is closed when the test finishes.
func StartServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// ReadJSON reads one WebSocket text frame and decodes it into v.
func ReadJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("ReadJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("ReadJSON unmarshal: %v", err)
	}
}

// WriteJSON marshals v and sends it as a text frame.
func WriteJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("WriteJSON: %v (may be expected on close)", err)
	}
}

// WaitClosed blocks until the client closes the connection or the timeout
// elapses.
func WaitClosed(conn *websocket.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()
	<-conn.CloseRead(ctx).Done()
}

// ── handler recorder ──────────────────────────────────────────────────────────

// Recorder captures [s2s.Handlers] invocations.
type Recorder struct {
	mu     sync.Mutex
	events []string

	opened   chan struct{}
	closed   chan struct{}
	messages chan s2s.Inbound
	errs     chan error

	openOnce  sync.Once
	closeOnce sync.Once
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		opened:   make(chan struct{}),
		closed:   make(chan struct{}),
		messages: make(chan s2s.Inbound, 256),
		errs:     make(chan error, 8),
	}
}

// Handlers returns handlers that record into r.
func (r *Recorder) Handlers() s2s.Handlers {
	return s2s.Handlers{
		OnOpen: func() {
			r.record("open")
			r.openOnce.Do(func() { close(r.opened) })
		},
		OnMessage: func(m s2s.Inbound) {
			r.record("message:" + s2s.Kind(m))
			r.messages <- m
		},
		OnError: func(err error) {
			r.record("error")
			r.errs <- err
		},
		OnClose: func() {
			r.record("close")
			r.closeOnce.Do(func() { close(r.closed) })
		},
	}
}

func (r *Recorder) record(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns the recorded handler names in call order, e.g.
// ["open", "message:audio", "close"].
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many times the named event was recorded.
func (r *Recorder) Count(name string) int {
	n := 0
	for _, ev := range r.Events() {
		if ev == name {
			n++
		}
	}
	return n
}

// WaitOpen fails the test if OnOpen is not called in time.
func (r *Recorder) WaitOpen(t *testing.T) {
	t.Helper()
	select {
	case <-r.opened:
	case <-time.After(Timeout):
		t.Fatalf("timed out waiting for OnOpen; events: %v", r.Events())
	}
}

// WaitClose fails the test if OnClose is not called in time.
func (r *Recorder) WaitClose(t *testing.T) {
	t.Helper()
	select {
	case <-r.closed:
	case <-time.After(Timeout):
		t.Fatalf("timed out waiting for OnClose; events: %v", r.Events())
	}
}

// NextMessage returns the next inbound message.
func (r *Recorder) NextMessage(t *testing.T) s2s.Inbound {
	t.Helper()
	select {
	case m := <-r.messages:
		return m
	case <-time.After(Timeout):
		t.Fatalf("timed out waiting for OnMessage; events: %v", r.Events())
		return nil
	}
}

// WaitError returns the error passed to OnError.
func (r *Recorder) WaitError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errs:
		return err
	case <-time.After(Timeout):
		t.Fatalf("timed out waiting for OnError; events: %v", r.Events())
		return nil
	}
}
