package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/provider/s2s"
)

// errClosedBeforeOpen marks a session the server ended before it was usable.
var errClosedBeforeOpen = errors.New("session closed before open")

// ErrAllFailed is reported when no backend could be connected, either
// because each one failed or because its breaker is open.
var ErrAllFailed = errors.New("all agent backends failed")

// FallbackConfig configures the circuit breaker created for each backend of
// an [S2SFallback]. The breaker name is set to the backend name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// S2SFallback implements [s2s.Provider] with automatic failover across multiple
// agent backends. Each backend has its own circuit breaker.
//
// Because sessions connect in the background, failover covers the whole
// connection phase: if a session reports OnError (or ends) before OnOpen, the
// failure is recorded on that backend's breaker and the next healthy backend
// is opened with the same handlers. The caller only ever sees one session.
// Once a session is open, later failures are passed through unchanged.
//
// Backends must all be added before the first Open.
type S2SFallback struct {
	cfg      FallbackConfig
	backends []backend
	log      *slog.Logger
}

type backend struct {
	name     string
	provider s2s.Provider
	breaker  *CircuitBreaker
}

// Compile-time interface assertion.
var _ s2s.Provider = (*S2SFallback)(nil)

// S2SFallbackOption configures an [S2SFallback].
type S2SFallbackOption func(*S2SFallback)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) S2SFallbackOption {
	return func(f *S2SFallback) {
		if l != nil {
			f.log = l
		}
	}
}

// NewS2SFallback creates an [S2SFallback] with primary as the preferred backend.
func NewS2SFallback(primary s2s.Provider, cfg FallbackConfig, opts ...S2SFallbackOption) *S2SFallback {
	f := &S2SFallback{cfg: cfg, log: slog.Default()}
	for _, o := range opts {
		o(f)
	}
	f.AddFallback(primary)
	return f
}

// AddFallback appends a backend. Backends are tried in the order they were
// added, after the primary.
func (f *S2SFallback) AddFallback(p s2s.Provider) {
	cbCfg := f.cfg.CircuitBreaker
	cbCfg.Name = p.Name()
	if cbCfg.Logger == nil {
		cbCfg.Logger = f.log
	}
	f.backends = append(f.backends, backend{
		name:     p.Name(),
		provider: p,
		breaker:  NewCircuitBreaker(cbCfg),
	})
}

// Name returns the backend names in failover order, e.g.
// "failover(gemini-live,relay-ws)".
func (f *S2SFallback) Name() string {
	return "failover(" + strings.Join(f.Names(), ",") + ")"
}

// Names returns the backend names in failover order.
func (f *S2SFallback) Names() []string {
	names := make([]string, len(f.backends))
	for i, b := range f.backends {
		names[i] = b.name
	}
	return names
}

// Breaker exposes the circuit breaker of the named backend, or nil.
func (f *S2SFallback) Breaker(name string) *CircuitBreaker {
	for _, b := range f.backends {
		if b.name == name {
			return b.breaker
		}
	}
	return nil
}

// Open implements s2s.Provider. It returns an error wrapping [ErrAllFailed]
// only if no backend accepted the Open call synchronously; in that case no
// handler is called.
func (f *S2SFallback) Open(ctx context.Context, cfg s2s.Config, h s2s.Handlers) (s2s.SessionHandle, error) {
	fs := &failoverSession{f: f, ctx: ctx, cfg: cfg, h: h}
	if err := fs.tryFrom(0); err != nil {
		return nil, err
	}
	return fs, nil
}

// failoverSession forwards to the currently attempted backend session. gen
// identifies the attempt; callbacks from retired attempts are ignored.
type failoverSession struct {
	f   *S2SFallback
	ctx context.Context
	cfg s2s.Config
	h   s2s.Handlers

	mu     sync.Mutex
	gen    uint64
	idx    int
	done   func(error)
	cur    s2s.SessionHandle
	opened bool
	closed bool
	ended  bool
}

var _ s2s.SessionHandle = (*failoverSession)(nil)

// tryFrom opens the first allowed backend at index i or later.
func (fs *failoverSession) tryFrom(i int) error {
	var lastErr error
	for ; i < len(fs.f.backends); i++ {
		e := fs.f.backends[i]
		done, err := e.breaker.Allow()
		if err != nil {
			fs.f.log.Debug("s2s failover: skipping provider (circuit open)", "provider", e.name)
			lastErr = err
			continue
		}

		fs.mu.Lock()
		fs.gen++
		gen := fs.gen
		fs.idx = i
		fs.done = done
		fs.mu.Unlock()

		sess, err := e.provider.Open(fs.ctx, fs.cfg, fs.handlers(gen))
		if err != nil {
			done(err)
			fs.f.log.Warn("s2s failover: open failed, trying next", "provider", e.name, "err", err)
			lastErr = err
			continue
		}

		fs.mu.Lock()
		current := fs.gen == gen
		if current {
			fs.cur = sess
		}
		closed := fs.closed
		fs.mu.Unlock()
		if current && closed {
			_ = sess.Close()
		}
		return nil
	}
	return fmt.Errorf("resilience: s2s: %w: %v", ErrAllFailed, lastErr)
}

func (fs *failoverSession) handlers(gen uint64) s2s.Handlers {
	return s2s.Handlers{
		OnOpen: func() {
			fs.mu.Lock()
			if fs.gen != gen {
				fs.mu.Unlock()
				return
			}
			fs.opened = true
			done := fs.done
			fs.mu.Unlock()
			done(nil)
			if fs.h.OnOpen != nil {
				fs.h.OnOpen()
			}
		},
		OnMessage: func(m s2s.Inbound) {
			if fs.current(gen) && fs.h.OnMessage != nil {
				fs.h.OnMessage(m)
			}
		},
		OnError: func(err error) {
			if fs.attemptFailed(gen, err) {
				return
			}
			if fs.current(gen) && fs.h.OnError != nil {
				fs.h.OnError(err)
			}
		},
		OnClose: func() {
			if fs.attemptFailed(gen, errClosedBeforeOpen) {
				return
			}
			if !fs.current(gen) {
				return
			}
			fs.mu.Lock()
			done := fs.done
			fs.mu.Unlock()
			// Closed on request before the backend answered.
			done(context.Canceled)
			if fs.h.OnClose != nil {
				fs.h.OnClose()
			}
		},
	}
}

func (fs *failoverSession) current(gen uint64) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.gen == gen
}

// attemptFailed handles an attempt that ended before OnOpen. It reports
// whether the event was absorbed by failover.
func (fs *failoverSession) attemptFailed(gen uint64, err error) bool {
	fs.mu.Lock()
	if fs.gen != gen || fs.opened || fs.closed {
		fs.mu.Unlock()
		return false
	}
	done, idx := fs.done, fs.idx
	// Retire the failed attempt so its remaining callbacks are ignored.
	fs.gen++
	fs.cur = nil
	fs.mu.Unlock()

	done(err)
	name := fs.f.backends[idx].name
	fs.f.log.Warn("s2s failover: session failed before open, trying next", "provider", name, "err", err)

	if ferr := fs.tryFrom(idx + 1); ferr != nil {
		fs.mu.Lock()
		fs.ended = true
		fs.mu.Unlock()
		fs.f.log.Error("s2s failover: no provider left", "last_provider", name, "err", err)
		if fs.h.OnError != nil {
			fs.h.OnError(fmt.Errorf("resilience: s2s: %w: %s: %w", ErrAllFailed, name, err))
		}
		if fs.h.OnClose != nil {
			fs.h.OnClose()
		}
	}
	return true
}

// Send implements s2s.SessionHandle.
func (fs *failoverSession) Send(chunk s2s.MediaChunk) error {
	fs.mu.Lock()
	cur, ended := fs.cur, fs.ended || fs.closed
	fs.mu.Unlock()
	switch {
	case ended:
		return s2s.ErrSessionClosed
	case cur == nil:
		return s2s.ErrNotOpen
	}
	return cur.Send(chunk)
}

// Close implements s2s.SessionHandle.
func (fs *failoverSession) Close() error {
	fs.mu.Lock()
	if fs.closed {
		fs.mu.Unlock()
		return nil
	}
	fs.closed = true
	cur := fs.cur
	fs.mu.Unlock()
	if cur == nil {
		return nil
	}
	return cur.Close()
}
