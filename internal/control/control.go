// Package control exposes the relay's start/stop/turn operations and its
// status over HTTP, so a host UI can drive a session without linking the
// relay in-process.
//
// Routes registered by [Server.Register]:
//
//	GET  /v1/session         current status
//	POST /v1/session/start   start a session
//	POST /v1/session/stop    stop the current session
//	POST /v1/session/turn    begin a new transcript turn
//	GET  /v1/session/events  WebSocket stream of status updates
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/voxrelay/internal/relay"
	"github.com/MrWong99/voxrelay/pkg/audio"
)

// Relay is the subset of [relay.Relay] the control server drives.
type Relay interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() relay.Status
	AdvanceTurn() int
	OnStatus(fn func(relay.Status)) (cancel func())
}

var _ Relay = (*relay.Relay)(nil)

// writeTimeout bounds a single status push on the events stream.
const writeTimeout = 5 * time.Second

// Server serves the control API.
type Server struct {
	relay   Relay
	log     *slog.Logger
	origins []string
}

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithOriginPatterns allows cross-origin WebSocket clients whose Origin host
// matches one of patterns (see [websocket.AcceptOptions]).
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) {
		s.origins = append(s.origins, patterns...)
	}
}

// New creates a control server for r.
func New(r Relay, opts ...Option) *Server {
	s := &Server{relay: r, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the control routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/session", s.handleStatus)
	mux.HandleFunc("POST /v1/session/start", s.handleStart)
	mux.HandleFunc("POST /v1/session/stop", s.handleStop)
	mux.HandleFunc("POST /v1/session/turn", s.handleTurn)
	mux.HandleFunc("GET /v1/session/events", s.handleEvents)
}

// errorResponse is returned alongside a non-2xx status code.
type errorResponse struct {
	Error  string       `json:"error"`
	Status relay.Status `json:"status"`
}

// turnResponse is the JSON body returned from the turn endpoint.
type turnResponse struct {
	TurnID int `json:"turn_id"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.relay.Status())
}

// handleStart handles POST /v1/session/start. Starting an already running
// session is not an error; the current status is returned.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.relay.Start(r.Context()); err != nil {
		s.log.Warn("control: start failed", "err", err)
		writeJSON(w, startErrorCode(err), errorResponse{Error: err.Error(), Status: s.relay.Status()})
		return
	}
	writeJSON(w, http.StatusOK, s.relay.Status())
}

func startErrorCode(err error) int {
	switch {
	case errors.Is(err, relay.ErrClosed):
		return http.StatusGone
	case errors.Is(err, audio.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// handleStop handles POST /v1/session/stop. The relay is always idle
// afterwards; an error only means the agent did not confirm the close in time.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.relay.Stop(r.Context()); err != nil {
		s.log.Warn("control: stop interrupted", "err", err)
		writeJSON(w, http.StatusGatewayTimeout, errorResponse{Error: err.Error(), Status: s.relay.Status()})
		return
	}
	writeJSON(w, http.StatusOK, s.relay.Status())
}

func (s *Server) handleTurn(w http.ResponseWriter, _ *http.Request) {
	id := s.relay.AdvanceTurn()
	if id == 0 {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "no active session", Status: s.relay.Status()})
		return
	}
	writeJSON(w, http.StatusOK, turnResponse{TurnID: id})
}

// handleEvents upgrades to a WebSocket and pushes the status once on connect
// and again after every change. Updates are coalesced: a slow client only
// ever sees the latest status.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.log.Debug("control: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// The client never sends; CloseRead cancels ctx once it goes away.
	ctx := conn.CloseRead(r.Context())

	updates := make(chan relay.Status, 1)
	cancel := s.relay.OnStatus(func(st relay.Status) {
		select {
		case <-updates:
		default:
		}
		select {
		case updates <- st:
		default:
		}
	})
	defer cancel()

	st := s.relay.Status()
	for {
		wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
		err := wsjson.Write(wctx, conn, st)
		wcancel()
		if err != nil {
			if ctx.Err() == nil {
				s.log.Debug("control: events write failed", "err", err)
			}
			return
		}
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "")
			return
		case st = <-updates:
		}
	}
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
