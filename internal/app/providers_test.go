package app

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/pkg/provider/s2s"
	"github.com/MrWong99/voxrelay/pkg/provider/s2s/mock"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	RegisterBuiltinProviders(reg, quietLogger())

	want := []string{"gemini-live", "openai-realtime", "relay-ws"}
	got := reg.Names()
	if len(got) != len(want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	entries := []config.ProviderEntry{
		{Name: "gemini-live", APIKey: "k", Model: "m", Options: map[string]any{"keepalive": "15s"}},
		{Name: "openai-realtime", APIKey: "k", Options: map[string]any{"transcription_model": "whisper-1"}},
		{Name: "relay-ws", BaseURL: "ws://127.0.0.1:9/ws", APIKey: "tok", Options: map[string]any{"send_config": false}},
	}
	for _, e := range entries {
		t.Run(e.Name, func(t *testing.T) {
			p, err := reg.CreateS2S(e)
			if err != nil {
				t.Fatalf("CreateS2S: %v", err)
			}
			if p.Name() != e.Name {
				t.Errorf("Name() = %q, want %q", p.Name(), e.Name)
			}
		})
	}
}

func TestRegisterBuiltinProviders_Errors(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	RegisterBuiltinProviders(reg, quietLogger())

	tests := []struct {
		name  string
		entry config.ProviderEntry
	}{
		{"relay-ws without url", config.ProviderEntry{Name: "relay-ws"}},
		{"bad duration", config.ProviderEntry{Name: "gemini-live", Options: map[string]any{"dial_timeout": "soon"}}},
		{"duration not a string", config.ProviderEntry{Name: "openai-realtime", Options: map[string]any{"keepalive": 15}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := reg.CreateS2S(tt.entry); err == nil {
				t.Error("CreateS2S should fail")
			}
		})
	}
}

func TestBuildProvider_Chain(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	for _, name := range []string{"a", "b"} {
		reg.RegisterS2S(name, func(config.ProviderEntry) (s2s.Provider, error) {
			return &mock.Provider{ProviderName: name}, nil
		})
	}
	cfg := &config.Config{Providers: config.ProvidersConfig{
		Primary:   config.ProviderEntry{Name: "a"},
		Fallbacks: []config.ProviderEntry{{Name: "b"}},
	}}
	config.ApplyDefaults(cfg)

	fb, err := BuildProvider(cfg, reg, nil, quietLogger())
	if err != nil {
		t.Fatalf("BuildProvider: %v", err)
	}
	names := fb.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("Names() = %v, want [a b]", names)
	}
	for _, n := range names {
		if fb.Breaker(n) == nil {
			t.Errorf("no breaker for %q", n)
		}
	}
}

func TestBuildProvider_Unregistered(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Providers: config.ProvidersConfig{
		Primary: config.ProviderEntry{Name: "nope"},
	}}
	_, err := BuildProvider(cfg, config.NewRegistry(), nil, quietLogger())
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestOptDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		opts    map[string]any
		want    time.Duration
		wantErr bool
	}{
		{"nil map", nil, 0, false},
		{"absent", map[string]any{"other": "1s"}, 0, false},
		{"valid", map[string]any{"k": "250ms"}, 250 * time.Millisecond, false},
		{"invalid", map[string]any{"k": "later"}, 0, true},
		{"wrong type", map[string]any{"k": true}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := optDuration(tt.opts, "k")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOptString(t *testing.T) {
	t.Parallel()
	if got := optString(nil, "k"); got != "" {
		t.Errorf("nil map = %q", got)
	}
	if got := optString(map[string]any{"k": 3}, "k"); got != "" {
		t.Errorf("non-string = %q", got)
	}
	if got := optString(map[string]any{"k": "v"}, "k"); got != "v" {
		t.Errorf("got %q, want v", got)
	}
}
