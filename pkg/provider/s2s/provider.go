// Package s2s defines the transport contract between the voice relay and a
// real-time Speech-to-Speech (S2S) agent.
//
// An S2S agent accepts a continuous stream of microphone audio and replies
// with synthesised audio, transcript fragments and turn signals over a single
// long-lived, bidirectional session. Concrete backends live in sub-packages
// (gemini, openai, relayws); the relay only ever sees [Provider] and
// [SessionHandle].
//
// Sessions are event-driven: [Provider.Open] returns immediately and the
// connection is established in the background. Progress is reported through
// [Handlers], which every implementation invokes sequentially from a single
// goroutine, in the order events occur.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotOpen is returned by [SessionHandle.Send] before OnOpen has fired.
	// The frame is discarded; callers are expected to drop it quietly.
	ErrNotOpen = errors.New("s2s: session not open yet")

	// ErrSessionClosed is returned by [SessionHandle.Send] after Close was
	// called or after the session failed.
	ErrSessionClosed = errors.New("s2s: session closed")

	// ErrQueueFull is returned by [SessionHandle.Send] when the outbound
	// queue is saturated. The frame is discarded.
	ErrQueueFull = errors.New("s2s: send queue full")
)

// ConnectionError reports a failure to establish or maintain the session.
// It is delivered through [Handlers.OnError].
type ConnectionError struct {
	// Provider is the backend name, e.g. "gemini-live".
	Provider string

	// Code is the backend's error code or close status, when known.
	Code string

	Err error
}

// Error implements error.
func (e *ConnectionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("s2s: %s: connection error (%s): %v", e.Provider, e.Code, e.Err)
	}
	return fmt.Sprintf("s2s: %s: connection error: %v", e.Provider, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ConnectionError) Unwrap() error { return e.Err }

// Config is the per-session configuration sent to the agent.
type Config struct {
	// Model selects the backend model. Empty uses the provider default.
	Model string

	// Voice selects a prebuilt output voice. Empty uses the provider default.
	Voice string

	// Instructions is the system prompt for the agent.
	Instructions string

	// InputSampleRate is the rate of outbound microphone audio. Default: 16000.
	InputSampleRate int

	// OutputSampleRate is the expected rate of inbound agent audio.
	// Default: 24000.
	OutputSampleRate int

	// QueueSize bounds the number of outbound frames buffered while the
	// network is slow. Default: 256.
	QueueSize int

	// CloseTimeout bounds how long Close waits for queued frames to flush.
	// Default: 2s.
	CloseTimeout time.Duration
}

// Defaults applied by [Config.WithDefaults].
const (
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultQueueSize        = 256
	DefaultCloseTimeout     = 2 * time.Second
)

// WithDefaults returns a copy of c with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.InputSampleRate <= 0 {
		c.InputSampleRate = DefaultInputSampleRate
	}
	if c.OutputSampleRate <= 0 {
		c.OutputSampleRate = DefaultOutputSampleRate
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	return c
}

// Handlers are the session lifecycle callbacks.
//
// Guarantees, for every session returned by [Provider.Open]:
//   - OnOpen fires at most once, and only before any OnMessage.
//   - OnError fires at most once; the session is unusable afterwards.
//   - OnClose fires exactly once, last, after Close or after OnError.
//   - All callbacks run sequentially on one goroutine.
//
// Callbacks must not block for long and must not call Close synchronously
// and then wait for OnClose (it cannot run until the callback returns).
// Nil callbacks are ignored.
type Handlers struct {
	OnOpen    func()
	OnMessage func(Inbound)
	OnError   func(error)
	OnClose   func()
}

// SessionHandle is an open (or opening) agent session.
type SessionHandle interface {
	// Send enqueues one outbound media chunk without waiting for the network.
	// Chunks are transmitted in call order. Send returns [ErrNotOpen] before
	// OnOpen, [ErrSessionClosed] after Close or failure and [ErrQueueFull]
	// when the outbound queue is saturated.
	Send(chunk MediaChunk) error

	// Close starts a graceful shutdown: queued chunks are flushed (bounded
	// by the configured close timeout) and the connection is closed. OnClose
	// fires once shutdown completes. Close is idempotent and does not block
	// on the network.
	Close() error
}

// Provider opens agent sessions.
type Provider interface {
	// Name returns the registry name of the backend.
	Name() string

	// Open starts establishing a session and returns its handle immediately.
	// Connection failures are reported through h.OnError followed by
	// h.OnClose. A non-nil error is returned only for invalid arguments; in
	// that case no handler is ever called.
	Open(ctx context.Context, cfg Config, h Handlers) (SessionHandle, error)
}
