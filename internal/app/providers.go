package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/resilience"
	"github.com/MrWong99/voxrelay/pkg/provider/s2s"
	"github.com/MrWong99/voxrelay/pkg/provider/s2s/gemini"
	"github.com/MrWong99/voxrelay/pkg/provider/s2s/openai"
	"github.com/MrWong99/voxrelay/pkg/provider/s2s/relayws"
	"github.com/MrWong99/voxrelay/pkg/provider/s2s/wsclient"
)

// RegisterBuiltinProviders wires the agent backends that ship with voxrelay
// into reg. Each factory receives a config.ProviderEntry and constructs the
// transport from the implementation packages.
//
// Options shared by every backend:
//
//	dial_timeout  duration string, e.g. "10s"
//	keepalive     duration string, e.g. "15s"
func RegisterBuiltinProviders(reg *config.Registry, log *slog.Logger) {
	reg.RegisterS2S(gemini.Name, func(entry config.ProviderEntry) (s2s.Provider, error) {
		wsOpts, err := sessionOptions(entry, log)
		if err != nil {
			return nil, err
		}
		opts := []gemini.Option{gemini.WithSessionOptions(wsOpts...)}
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S(openai.Name, func(entry config.ProviderEntry) (s2s.Provider, error) {
		wsOpts, err := sessionOptions(entry, log)
		if err != nil {
			return nil, err
		}
		opts := []openai.Option{openai.WithSessionOptions(wsOpts...)}
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if m := optString(entry.Options, "transcription_model"); m != "" {
			opts = append(opts, openai.WithTranscriptionModel(m))
		}
		return openai.New(entry.APIKey, opts...), nil
	})

	// relay-ws speaks the plain JSON envelope to a self-hosted relay server.
	// api_key, when set, is sent as a bearer token.
	reg.RegisterS2S(relayws.Name, func(entry config.ProviderEntry) (s2s.Provider, error) {
		if entry.BaseURL == "" {
			return nil, fmt.Errorf("relay-ws: base_url is required")
		}
		wsOpts, err := sessionOptions(entry, log)
		if err != nil {
			return nil, err
		}
		opts := []relayws.Option{relayws.WithSessionOptions(wsOpts...)}
		if entry.APIKey != "" {
			opts = append(opts, relayws.WithToken(entry.APIKey))
		}
		if send, ok := entry.Options["send_config"].(bool); ok {
			opts = append(opts, relayws.WithSendConfig(send))
		}
		return relayws.New(entry.BaseURL, opts...), nil
	})

	for _, name := range reg.Names() {
		log.Debug("registered provider", "kind", "s2s", "name", name)
	}
}

// BuildProvider instantiates every configured backend and wraps them in a
// circuit-breaking failover chain, primary first. Breaker transitions are
// recorded on m; nil selects [observe.DefaultMetrics].
func BuildProvider(cfg *config.Config, reg *config.Registry, m *observe.Metrics, log *slog.Logger) (*resilience.S2SFallback, error) {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	entries := cfg.Providers.All()
	built := make([]s2s.Provider, 0, len(entries))
	for _, e := range entries {
		p, err := reg.CreateS2S(e)
		if err != nil {
			return nil, fmt.Errorf("app: build provider: %w", err)
		}
		log.Info("provider created", "kind", "s2s", "name", e.Name, "model", e.Model)
		built = append(built, p)
	}

	fb := resilience.NewS2SFallback(built[0], resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Resilience.MaxFailures,
			ResetTimeout: cfg.Resilience.ResetTimeout,
			HalfOpenMax:  cfg.Resilience.HalfOpenMax,
			OnStateChange: func(name string, _, to resilience.State) {
				m.RecordBreakerTransition(context.Background(), name, to.String())
			},
		},
	}, resilience.WithLogger(log))
	for _, p := range built[1:] {
		fb.AddFallback(p)
	}
	return fb, nil
}

// sessionOptions maps the shared transport options onto wsclient options.
func sessionOptions(entry config.ProviderEntry, log *slog.Logger) ([]wsclient.Option, error) {
	opts := []wsclient.Option{wsclient.WithLogger(log.With("provider", entry.Name))}
	if d, err := optDuration(entry.Options, "dial_timeout"); err != nil {
		return nil, err
	} else if d > 0 {
		opts = append(opts, wsclient.WithDialTimeout(d))
	}
	if d, err := optDuration(entry.Options, "keepalive"); err != nil {
		return nil, err
	} else if d > 0 {
		opts = append(opts, wsclient.WithKeepalive(d))
	}
	return opts, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optDuration parses a duration option. Absent keys yield 0.
func optDuration(opts map[string]any, key string) (time.Duration, error) {
	v, ok := opts[key]
	if !ok {
		return 0, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("option %s: want a duration string, got %T", key, v)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", key, err)
	}
	return d, nil
}
