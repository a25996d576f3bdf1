// Package resilience keeps sessions connectable when an agent backend
// misbehaves.
//
// Every backend gets a [CircuitBreaker]: after MaxFailures consecutive
// sessions that failed to connect, the backend is skipped for ResetTimeout,
// then HalfOpenMax probe sessions decide whether it is healthy again.
// [S2SFallback] chains several backends behind one [s2s.Provider] and fails
// over during the connection phase of a session.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Allow] while the backend is
// being skipped.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the mode of a [CircuitBreaker].
type State int

const (
	// StateClosed lets every session through.
	StateClosed State = iota

	// StateOpen rejects sessions until the reset timeout has elapsed.
	StateOpen

	// StateHalfOpen admits a limited number of probe sessions.
	StateHalfOpen
)

// String returns the state name used in logs and metric labels.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Defaults for [CircuitBreakerConfig].
const (
	DefaultMaxFailures  = 3
	DefaultResetTimeout = 30 * time.Second
	DefaultHalfOpenMax  = 1
)

// CircuitBreakerConfig configures a [CircuitBreaker]. Zero fields take the
// Default* values.
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs, usually the backend name.
	Name string

	// MaxFailures is the number of consecutive failed sessions that open the
	// breaker.
	MaxFailures int

	// ResetTimeout is how long an open breaker rejects sessions.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probe sessions needed to close
	// the breaker again. It also caps the probes in flight.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition without any
	// breaker lock held.
	OnStateChange func(name string, from, to State)

	// Logger receives transition logs. Default: slog.Default().
	Logger *slog.Logger
}

// CircuitBreaker tracks the health of one agent backend.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	log *slog.Logger
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int // probe sessions admitted in the current half-open phase
	probesOK int
}

// NewCircuitBreaker creates a closed [CircuitBreaker].
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = DefaultHalfOpenMax
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &CircuitBreaker{
		cfg: cfg,
		log: log.With("breaker", cfg.Name),
		now: time.Now,
	}
}

// Name returns the configured name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Allow admits one session attempt. The returned done function must be
// called with the outcome of the attempt once it is known, which for a
// session is when it opened or failed to; extra calls are ignored.
//
// An outcome wrapping [context.Canceled] means the caller gave up. It counts
// neither as success nor as failure and frees the probe slot.
func (cb *CircuitBreaker) Allow() (done func(error), err error) {
	cb.mu.Lock()
	var fire func()
	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			cb.mu.Unlock()
			return nil, ErrCircuitOpen
		}
		fire = cb.setStateLocked(StateHalfOpen)
	}
	probe := cb.state == StateHalfOpen
	if probe {
		if cb.probes >= cb.cfg.HalfOpenMax {
			cb.mu.Unlock()
			runHook(fire)
			return nil, ErrCircuitOpen
		}
		cb.probes++
	}
	cb.mu.Unlock()
	runHook(fire)

	var once sync.Once
	return func(err error) {
		once.Do(func() { cb.report(probe, err) })
	}, nil
}

// Execute runs fn as one attempt, reporting its error as the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	done, err := cb.Allow()
	if err != nil {
		return err
	}
	err = fn()
	done(err)
	return err
}

func (cb *CircuitBreaker) report(probe bool, err error) {
	cb.mu.Lock()
	var fire func()
	switch {
	case probe && cb.state != StateHalfOpen:
		// The half-open phase this probe belonged to is over.
	case errors.Is(err, context.Canceled):
		if probe {
			cb.probes--
		}
	case err != nil:
		fire = cb.failureLocked(probe)
	case probe:
		cb.probesOK++
		if cb.probesOK >= cb.cfg.HalfOpenMax {
			fire = cb.setStateLocked(StateClosed)
		}
	default:
		cb.failures = 0
	}
	cb.mu.Unlock()
	runHook(fire)
}

func (cb *CircuitBreaker) failureLocked(probe bool) func() {
	if probe {
		cb.log.Warn("resilience: probe session failed, backend stays disabled")
		return cb.setStateLocked(StateOpen)
	}
	cb.failures++
	if cb.failures < cb.cfg.MaxFailures {
		return nil
	}
	cb.log.Warn("resilience: backend disabled",
		"consecutive_failures", cb.failures,
		"retry_after", cb.cfg.ResetTimeout)
	return cb.setStateLocked(StateOpen)
}

// setStateLocked moves to state to and returns the hook to run once cb.mu is
// released. cb.mu must be held.
func (cb *CircuitBreaker) setStateLocked(to State) func() {
	from := cb.state
	cb.state = to
	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateHalfOpen:
		cb.probes, cb.probesOK = 0, 0
		cb.log.Info("resilience: probing backend")
	case StateClosed:
		cb.failures, cb.probes, cb.probesOK = 0, 0, 0
		cb.log.Info("resilience: backend healthy again")
	}
	if cb.cfg.OnStateChange == nil || from == to {
		return nil
	}
	name, hook := cb.cfg.Name, cb.cfg.OnStateChange
	return func() { hook(name, from, to) }
}

func runHook(fn func()) {
	if fn != nil {
		fn()
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// [CircuitBreaker.Allow].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}
