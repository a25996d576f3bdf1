// Package wsclient implements the session mechanics shared by every
// WebSocket-based S2S backend: background dialling, an ordered bounded send
// queue drained by a single writer, a receive loop, keepalive pings, graceful
// close with a flush deadline and strictly sequential handler dispatch.
//
// A backend only supplies a [Protocol] describing its endpoint, handshake and
// JSON framing.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/MrWong99/voxrelay/pkg/provider/s2s"
)

const (
	defaultDialTimeout       = 10 * time.Second
	defaultKeepaliveInterval = 20 * time.Second
	keepaliveTimeout         = 5 * time.Second
	closeHandshakeTimeout    = 5 * time.Second
	eventBuffer              = 256
)

// Event is the decoded meaning of one inbound frame.
type Event struct {
	// Ready reports that the server acknowledged the handshake. The session
	// becomes open on the first Ready event.
	Ready bool

	// Messages are the relay-level messages carried by the frame, in order.
	Messages []s2s.Inbound

	// Err is a fatal error reported by the server. The session fails.
	Err error
}

// Protocol describes one backend's wire format.
type Protocol interface {
	// Name is the backend name used in errors and logs.
	Name() string

	// Endpoint returns the URL to dial and any extra request headers.
	Endpoint(cfg s2s.Config) (url string, header http.Header, err error)

	// Handshake returns the messages written right after the connection is
	// established, in order. Each value is JSON-encoded.
	Handshake(cfg s2s.Config) []any

	// ReadyOnConnect reports whether the session is open as soon as the
	// handshake is written, without waiting for a Ready event.
	ReadyOnConnect() bool

	// EncodeMedia wraps one outbound chunk in the backend's envelope.
	EncodeMedia(chunk s2s.MediaChunk) any

	// Decode parses one inbound frame. A decode error drops the frame; it
	// does not fail the session.
	Decode(data []byte) (Event, error)
}

// Option configures a [Session].
type Option func(*Session)

// WithLogger overrides the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithHTTPClient sets the HTTP client used for the WebSocket upgrade.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) { s.httpClient = c }
}

// WithDialTimeout bounds connection establishment. Default: 10s.
func WithDialTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.dialTimeout = d
		}
	}
}

// WithKeepalive sets the ping interval. Zero or negative disables pings.
// Default: 20s.
func WithKeepalive(d time.Duration) Option {
	return func(s *Session) { s.keepalive = d }
}

type sessionState int

const (
	stateConnecting sessionState = iota
	stateOpen
	stateClosing
	stateFailed
	stateClosed
)

type eventKind int

const (
	evOpen eventKind = iota
	evMessage
	evError
	evClose
)

type event struct {
	kind eventKind
	msg  s2s.Inbound
	err  error
}

// Session is a [s2s.SessionHandle] over a WebSocket connection.
type Session struct {
	proto Protocol
	cfg   s2s.Config
	h     s2s.Handlers
	log   *slog.Logger

	httpClient  *http.Client
	dialTimeout time.Duration
	keepalive   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	sendq    chan []byte
	events   chan event
	closeReq chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup

	mu         sync.Mutex
	state      sessionState
	forceClose *time.Timer

	dropLog rate.Sometimes
}

var _ s2s.SessionHandle = (*Session)(nil)

// Open starts a session in the background and returns its handle. ctx
// provides values (e.g. trace context) for the session; its cancellation
// aborts only the connection attempt.
func Open(ctx context.Context, proto Protocol, cfg s2s.Config, h s2s.Handlers, opts ...Option) (*Session, error) {
	if proto == nil {
		return nil, errors.New("wsclient: nil protocol")
	}
	cfg = cfg.WithDefaults()
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		proto:       proto,
		cfg:         cfg,
		h:           h,
		log:         slog.Default(),
		dialTimeout: defaultDialTimeout,
		keepalive:   defaultKeepaliveInterval,
		ctx:         sctx,
		cancel:      cancel,
		sendq:       make(chan []byte, cfg.QueueSize),
		events:      make(chan event, eventBuffer),
		closeReq:    make(chan struct{}),
		done:        make(chan struct{}),
		dropLog:     rate.Sometimes{Interval: 5 * time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("provider", proto.Name())

	go s.dispatch()
	go s.run(ctx)
	return s, nil
}

// Done is closed after OnClose has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// ── SessionHandle ─────────────────────────────────────────────────────────────

// Send implements [s2s.SessionHandle].
func (s *Session) Send(chunk s2s.MediaChunk) error {
	data, err := json.Marshal(s.proto.EncodeMedia(chunk))
	if err != nil {
		return fmt.Errorf("wsclient: %s: marshal media: %w", s.proto.Name(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateConnecting:
		return s2s.ErrNotOpen
	case stateOpen:
	default:
		return s2s.ErrSessionClosed
	}
	select {
	case s.sendq <- data:
		return nil
	default:
		s.dropLog.Do(func() {
			s.log.Warn("wsclient: send queue full, dropping frames", "capacity", cap(s.sendq))
		})
		return s2s.ErrQueueFull
	}
}

// Close implements [s2s.SessionHandle].
func (s *Session) Close() error {
	s.mu.Lock()
	prev := s.state
	switch prev {
	case stateConnecting, stateOpen:
		s.state = stateClosing
	default:
		s.mu.Unlock()
		return nil
	}
	// A writer stuck on a stalled network would never observe closeReq.
	s.forceClose = time.AfterFunc(s.cfg.CloseTimeout+closeHandshakeTimeout, s.cancel)
	s.mu.Unlock()

	close(s.closeReq)
	if prev == stateConnecting {
		// Nothing to flush; abort the dial.
		s.cancel()
	}
	return nil
}

// ── lifecycle ─────────────────────────────────────────────────────────────────

func (s *Session) run(parent context.Context) {
	defer s.finish()

	conn, err := s.dial(parent)
	if err != nil {
		if !s.isClosing() {
			s.fail(s.connErr("", err))
		}
		return
	}
	defer conn.CloseNow()

	for _, m := range s.proto.Handshake(s.cfg) {
		data, err := json.Marshal(m)
		if err != nil {
			s.fail(s.connErr("", fmt.Errorf("marshal handshake: %w", err)))
			return
		}
		if err := conn.Write(s.ctx, websocket.MessageText, data); err != nil {
			if !s.isClosing() {
				s.fail(s.connErr("", fmt.Errorf("write handshake: %w", err)))
			}
			return
		}
	}
	if s.proto.ReadyOnConnect() {
		s.markOpen()
	}

	readerDone := make(chan struct{})
	s.wg.Add(1)
	go s.readLoop(conn, readerDone)
	if s.keepalive > 0 {
		s.wg.Add(1)
		go s.keepaliveLoop(conn)
	}

	s.writeLoop(conn, readerDone)
}

func (s *Session) dial(parent context.Context) (*websocket.Conn, error) {
	url, header, err := s.proto.Endpoint(s.cfg)
	if err != nil {
		return nil, err
	}

	// The caller's ctx may abort the dial; the session ctx aborts it on Close.
	dctx, cancel := context.WithTimeout(s.ctx, s.dialTimeout)
	defer cancel()
	stop := context.AfterFunc(parent, cancel)
	defer stop()

	conn, _, err := websocket.Dial(dctx, url, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: s.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	// Agent audio frames can be large.
	conn.SetReadLimit(16 << 20)
	return conn, nil
}

// writeLoop is the only writer on conn after the handshake.
func (s *Session) writeLoop(conn *websocket.Conn, readerDone <-chan struct{}) {
	for {
		select {
		case data := <-s.sendq:
			if err := conn.Write(s.ctx, websocket.MessageText, data); err != nil {
				if !s.isClosing() {
					s.fail(s.connErr("", fmt.Errorf("write: %w", err)))
				}
				return
			}
		case <-s.closeReq:
			s.flush(conn)
			if err := conn.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
				s.log.Debug("wsclient: close handshake", "err", err)
			}
			return
		case <-readerDone:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// flush writes whatever is still queued, giving up after the close timeout.
func (s *Session) flush(conn *websocket.Conn) {
	fctx, cancel := context.WithTimeout(s.ctx, s.cfg.CloseTimeout)
	defer cancel()
	for {
		select {
		case data := <-s.sendq:
			if err := conn.Write(fctx, websocket.MessageText, data); err != nil {
				s.log.Debug("wsclient: flush aborted", "err", err, "pending", len(s.sendq))
				return
			}
		default:
			return
		}
	}
}

func (s *Session) readLoop(conn *websocket.Conn, readerDone chan<- struct{}) {
	defer s.wg.Done()
	defer close(readerDone)

	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || s.isClosing() {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				s.log.Info("wsclient: connection closed by server")
				s.markClosed()
			default:
				s.fail(s.connErr(closeCode(err), err))
			}
			return
		}

		ev, err := s.proto.Decode(data)
		if err != nil {
			s.log.Debug("wsclient: skipping malformed frame", "err", err, "bytes", len(data))
			continue
		}
		if ev.Err != nil {
			s.fail(s.connErr("", ev.Err))
			return
		}
		if ev.Ready || len(ev.Messages) > 0 {
			s.markOpen()
		}
		for _, m := range ev.Messages {
			s.emit(event{kind: evMessage, msg: m})
		}
	}
}

// keepaliveLoop sends WebSocket pings to keep idle connections alive.
func (s *Session) keepaliveLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			if err := conn.Ping(pingCtx); err != nil && s.ctx.Err() == nil {
				s.log.Debug("wsclient: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

// finish tears down goroutines and emits OnClose last.
func (s *Session) finish() {
	s.cancel()
	s.wg.Wait()
	s.mu.Lock()
	s.state = stateClosed
	if s.forceClose != nil {
		s.forceClose.Stop()
	}
	s.mu.Unlock()
	s.emit(event{kind: evClose})
}

// dispatch runs every handler sequentially, in event order.
func (s *Session) dispatch() {
	defer close(s.done)
	var opened, errored bool
	for ev := range s.events {
		switch ev.kind {
		case evOpen:
			if opened || errored {
				continue
			}
			opened = true
			if s.h.OnOpen != nil {
				s.h.OnOpen()
			}
		case evMessage:
			if !opened || errored {
				continue
			}
			if s.h.OnMessage != nil {
				s.h.OnMessage(ev.msg)
			}
		case evError:
			if errored {
				continue
			}
			errored = true
			if s.h.OnError != nil {
				s.h.OnError(ev.err)
			}
		case evClose:
			if s.h.OnClose != nil {
				s.h.OnClose()
			}
			return
		}
	}
}

func (s *Session) emit(ev event) {
	s.events <- ev
}

// ── state helpers ─────────────────────────────────────────────────────────────

func (s *Session) markOpen() {
	s.mu.Lock()
	if s.state != stateConnecting {
		s.mu.Unlock()
		return
	}
	s.state = stateOpen
	s.mu.Unlock()
	s.log.Debug("wsclient: session open")
	s.emit(event{kind: evOpen})
}

func (s *Session) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateConnecting || s.state == stateOpen {
		s.state = stateClosed
	}
}

// fail records err as fatal. Errors during a requested close are expected
// and not reported.
func (s *Session) fail(err error) {
	s.mu.Lock()
	switch s.state {
	case stateConnecting, stateOpen:
		s.state = stateFailed
	default:
		s.mu.Unlock()
		s.log.Debug("wsclient: error after close", "err", err)
		return
	}
	s.mu.Unlock()

	s.log.Warn("wsclient: session failed", "err", err)
	s.emit(event{kind: evError, err: err})
	s.cancel()
}

func (s *Session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateClosing
}

func (s *Session) connErr(code string, err error) error {
	return &s2s.ConnectionError{Provider: s.proto.Name(), Code: code, Err: err}
}

func closeCode(err error) string {
	if st := websocket.CloseStatus(err); st != -1 {
		return strconv.Itoa(int(st))
	}
	return ""
}
