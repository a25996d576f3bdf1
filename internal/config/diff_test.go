package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/voxrelay/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":8080", LogLevel: config.LogInfo},
		Agent:  config.AgentConfig{Voice: "Puck", Instructions: "be brief"},
		Providers: config.ProvidersConfig{
			Primary: config.ProviderEntry{
				Name:    "gemini-live",
				Options: map[string]any{"temperature": 0.5},
			},
		},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if !d.Empty() {
		t.Errorf("expected empty diff for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if d.AgentChanged || len(d.RestartRequired) != 0 {
		t.Errorf("only the log level should differ, got %+v", d)
	}
}

func TestDiff_AgentChanged(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.AgentConfig)
	}{
		{"voice", func(a *config.AgentConfig) { a.Voice = "Kore" }},
		{"instructions", func(a *config.AgentConfig) { a.Instructions = "be verbose" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old := baseConfig()
			new := baseConfig()
			tt.mutate(&new.Agent)

			d := config.Diff(old, new)
			if !d.AgentChanged {
				t.Fatal("expected AgentChanged=true")
			}
			if d.NewAgent != new.Agent {
				t.Errorf("NewAgent: got %+v, want %+v", d.NewAgent, new.Agent)
			}
			if len(d.RestartRequired) != 0 {
				t.Errorf("agent changes are live, got RestartRequired=%v", d.RestartRequired)
			}
		})
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	yes := true
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		section string
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":9090" }, "server"},
		{"frame size", func(c *config.Config) { c.Relay.FrameSize = 1024 }, "relay"},
		{"primary model", func(c *config.Config) { c.Providers.Primary.Model = "other" }, "providers"},
		{"provider option", func(c *config.Config) { c.Providers.Primary.Options["temperature"] = 0.9 }, "providers"},
		{"added fallback", func(c *config.Config) {
			c.Providers.Fallbacks = append(c.Providers.Fallbacks, config.ProviderEntry{Name: "openai-realtime"})
		}, "providers"},
		{"breaker", func(c *config.Config) { c.Resilience.MaxFailures = 9 }, "resilience"},
		{"input path", func(c *config.Config) { c.Audio.Input.Path = "-" }, "audio"},
		{"realtime flag", func(c *config.Config) { c.Audio.Input.Realtime = &yes }, "audio"},
		{"service name", func(c *config.Config) { c.Telemetry.ServiceName = "x" }, "telemetry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old := baseConfig()
			new := baseConfig()
			tt.mutate(new)

			d := config.Diff(old, new)
			if !slices.Equal(d.RestartRequired, []string{tt.section}) {
				t.Errorf("RestartRequired: got %v, want [%s]", d.RestartRequired, tt.section)
			}
			if d.LogLevelChanged || d.AgentChanged {
				t.Errorf("live fields should be unchanged, got %+v", d)
			}
		})
	}
}

func TestDiff_NestedOptionsAlwaysFlagged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	old.Providers.Primary.Options["nested"] = map[string]any{"a": 1}
	new := baseConfig()
	new.Providers.Primary.Options["nested"] = map[string]any{"a": 1}

	d := config.Diff(old, new)
	if !slices.Contains(d.RestartRequired, "providers") {
		t.Errorf("nested option values should be reported, got %v", d.RestartRequired)
	}
}

func TestDiff_RealtimePointerEquality(t *testing.T) {
	t.Parallel()
	a, b := false, false
	old := baseConfig()
	old.Audio.Input.Realtime = &a
	new := baseConfig()
	new.Audio.Input.Realtime = &b

	if d := config.Diff(old, new); !d.Empty() {
		t.Errorf("equal realtime values behind different pointers should not differ, got %+v", d)
	}
}
