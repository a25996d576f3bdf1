// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Open calls and obtain controllable sessions. Use
// Session to inspect what was sent and to fire the lifecycle handlers the
// relay registered, exactly as a real backend would.
//
// Example:
//
//	p := &mock.Provider{}
//	handle, _ := p.Open(ctx, cfg, handlers)
//	sess := p.LastSession()
//	sess.FireOpen()
//	sess.FireMessage(s2s.TurnComplete{})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/provider/s2s"
)

// OpenCall records a single invocation of Provider.Open.
type OpenCall struct {
	// Ctx is the context passed to Open.
	Ctx context.Context
	// Cfg is the Config passed to Open.
	Cfg s2s.Config
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Default: "mock".
	ProviderName string

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// AutoOpen fires OnOpen asynchronously right after Open returns.
	AutoOpen bool

	// AutoClose makes Session.Close fire OnClose asynchronously, like a real
	// backend finishing its close handshake.
	AutoClose bool

	// OpenCalls records every call to Open in order.
	OpenCalls []OpenCall

	// Sessions holds every session returned by Open, in order.
	Sessions []*Session
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Name returns ProviderName or "mock".
func (p *Provider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Open records the call and returns a new Session bound to h.
func (p *Provider) Open(ctx context.Context, cfg s2s.Config, h s2s.Handlers) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.OpenCalls = append(p.OpenCalls, OpenCall{Ctx: ctx, Cfg: cfg})
	if p.OpenErr != nil {
		err := p.OpenErr
		p.mu.Unlock()
		return nil, err
	}
	sess := &Session{h: h, AutoClose: p.AutoClose}
	p.Sessions = append(p.Sessions, sess)
	autoOpen := p.AutoOpen
	p.mu.Unlock()

	if autoOpen {
		go sess.FireOpen()
	}
	return sess, nil
}

// LastSession returns the most recently opened session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Sessions) == 0 {
		return nil
	}
	return p.Sessions[len(p.Sessions)-1]
}

// OpenCallCount returns the number of Open calls. Thread-safe.
func (p *Provider) OpenCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.OpenCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls = nil
	p.Sessions = nil
}

// Session is a mock implementation of s2s.SessionHandle.
//
// Send follows the real contract: [s2s.ErrNotOpen] until FireOpen,
// [s2s.ErrSessionClosed] after Close, FireError or FireClose.
type Session struct {
	// Handlers are serialised so fired events never overlap.
	fire sync.Mutex
	h    s2s.Handlers

	mu     sync.Mutex
	open   bool
	closed bool
	ended  bool

	// AutoClose makes Close fire OnClose asynchronously.
	AutoClose bool

	// SendErr, if non-nil, is returned by every Send call after it is recorded.
	SendErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// Sent records every chunk accepted by Send in order.
	Sent []s2s.MediaChunk

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)

// Send records chunk when the session is open.
func (s *Session) Send(chunk s2s.MediaChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return s2s.ErrSessionClosed
	case !s.open:
		return s2s.ErrNotOpen
	}
	s.Sent = append(s.Sent, chunk)
	return s.SendErr
}

// Close records the call. With AutoClose, OnClose fires in the background.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	first := !s.closed
	s.closed = true
	auto := s.AutoClose
	err := s.CloseErr
	s.mu.Unlock()

	if first && auto {
		go s.FireClose()
	}
	return err
}

// FireOpen marks the session open and calls OnOpen once.
func (s *Session) FireOpen() {
	s.mu.Lock()
	if s.open || s.closed {
		s.mu.Unlock()
		return
	}
	s.open = true
	s.mu.Unlock()

	s.fire.Lock()
	defer s.fire.Unlock()
	if s.h.OnOpen != nil {
		s.h.OnOpen()
	}
}

// FireMessage delivers m through OnMessage.
func (s *Session) FireMessage(m s2s.Inbound) {
	s.fire.Lock()
	defer s.fire.Unlock()
	if s.h.OnMessage != nil {
		s.h.OnMessage(m)
	}
}

// FireError fails the session and calls OnError.
func (s *Session) FireError(err error) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.fire.Lock()
	defer s.fire.Unlock()
	if s.h.OnError != nil {
		s.h.OnError(err)
	}
}

// FireClose ends the session and calls OnClose exactly once.
func (s *Session) FireClose() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.ended = true
	s.mu.Unlock()

	s.fire.Lock()
	defer s.fire.Unlock()
	if s.h.OnClose != nil {
		s.h.OnClose()
	}
}

// SentCount returns the number of accepted chunks. Thread-safe.
func (s *Session) SentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Sent)
}

// SentChunks returns a copy of the accepted chunks. Thread-safe.
func (s *Session) SentChunks() []s2s.MediaChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]s2s.MediaChunk, len(s.Sent))
	copy(out, s.Sent)
	return out
}

// Closed reports whether Close was called. Thread-safe.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount > 0
}
