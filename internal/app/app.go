// Package app wires all voxrelay subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates the audio devices, the
// relay and the HTTP control server, Run serves until the context is done,
// and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithDevices,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/control"
	"github.com/MrWong99/voxrelay/internal/health"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/relay"
	"github.com/MrWong99/voxrelay/pkg/provider/s2s"
)

// readHeaderTimeout guards the control server against slow clients.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	provider s2s.Provider
	log      *slog.Logger

	devices        *Devices
	metrics        *observe.Metrics
	metricsHandler http.Handler
	autostart      bool

	relay   *relay.Relay
	handler http.Handler
	server  *http.Server

	// closers are called in order during Shutdown, after the relay closed.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithDevices injects audio devices instead of opening them from config.
func WithDevices(d Devices) Option {
	return func(a *App) { a.devices = &d }
}

// WithMetrics injects the metric instruments. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithAutostart starts a session as soon as Run begins.
func WithAutostart(on bool) Option {
	return func(a *App) { a.autostart = on }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.log = l
		}
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App around provider. The provider usually comes from
// [BuildProvider].
func New(cfg *config.Config, provider s2s.Provider, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		provider: provider,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Audio devices ─────────────────────────────────────────────────
	if a.devices == nil {
		d, err := OpenDevices(cfg.Audio, a.log)
		if err != nil {
			return nil, fmt.Errorf("app: open devices: %w", err)
		}
		a.devices = &d
	}
	a.closers = append(a.closers, a.devices.closers...)

	// ── 2. Relay ─────────────────────────────────────────────────────────
	a.relay = relay.New(relay.Deps{
		Provider: provider,
		Input:    a.devices.Input,
		Output:   a.devices.Output,
		Config:   RelayConfig(cfg),
		Metrics:  a.metrics,
	}, relay.WithLogger(a.log))

	// ── 3. HTTP surface ──────────────────────────────────────────────────
	mux := http.NewServeMux()
	checkers := []health.Checker{{
		Name:  "relay",
		Check: func(context.Context) error { return a.relay.Ready() },
	}}
	if set, ok := provider.(health.BreakerSet); ok {
		checkers = append(checkers, health.Breakers("agents", set))
	}
	health.New(checkers...).Register(mux)
	control.New(a.relay, control.WithLogger(a.log)).Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	a.handler = observe.Middleware(a.metrics)(mux)
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return a, nil
}

// RelayConfig maps the file configuration onto [relay.Config].
func RelayConfig(cfg *config.Config) relay.Config {
	return relay.Config{
		FrameSize:        cfg.Relay.FrameSize,
		InputSampleRate:  cfg.Relay.InputSampleRate,
		OutputSampleRate: cfg.Relay.OutputSampleRate,
		TranscriptGrace:  cfg.Relay.TranscriptGrace,
		StopTimeout:      cfg.Relay.StopTimeout,
		Session: s2s.Config{
			Voice:        cfg.Agent.Voice,
			Instructions: cfg.Agent.Instructions,
			QueueSize:    cfg.Relay.SendQueue,
			CloseTimeout: cfg.Relay.CloseTimeout,
		},
	}
}

// Relay returns the session relay.
func (a *App) Relay() *relay.Relay { return a.relay }

// Handler returns the HTTP handler serving health, control and metrics.
func (a *App) Handler() http.Handler { return a.handler }

// ApplyConfig applies the live-reloadable part of a config change.
func (a *App) ApplyConfig(d config.ConfigDiff) {
	if d.AgentChanged {
		a.relay.SetAgent(d.NewAgent.Voice, d.NewAgent.Instructions)
		a.log.Info("agent persona updated; applies from the next session",
			"voice", d.NewAgent.Voice)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP control surface and blocks until ctx is cancelled or
// the server fails. With autostart enabled, a session is started once the
// listener is bound.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.server.Addr, err)
	}
	a.log.Info("control server listening", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), readHeaderTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	if a.autostart {
		if err := a.relay.Start(ctx); err != nil {
			a.log.Warn("autostart failed", "err", err)
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the relay and releases the devices. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		if err := a.relay.Stop(ctx); err != nil {
			a.log.Warn("relay stop error", "err", err)
		}
		if err := a.relay.Close(); err != nil {
			a.log.Warn("relay close error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
