package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Changes to the agent persona and the log level are applied live; anything
// else is reported in RestartRequired so the caller can log it.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AgentChanged is true if voice or instructions differ. The new persona
	// takes effect from the next session.
	AgentChanged bool
	NewAgent     AgentConfig

	// RestartRequired names the top-level sections that changed but cannot
	// be applied without restarting the process.
	RestartRequired []string
}

// Empty reports whether d carries no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.AgentChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Agent != new.Agent {
		d.AgentChanged = true
		d.NewAgent = new.Agent
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Relay != new.Relay {
		d.RestartRequired = append(d.RestartRequired, "relay")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Resilience != new.Resilience {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}
	if !audioEqual(old.Audio, new.Audio) {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}

func providersEqual(a, b ProvidersConfig) bool {
	return slices.EqualFunc(a.All(), b.All(), func(x, y ProviderEntry) bool {
		if x.Name != y.Name || x.APIKey != y.APIKey || x.BaseURL != y.BaseURL || x.Model != y.Model {
			return false
		}
		if len(x.Options) != len(y.Options) {
			return false
		}
		for k, v := range x.Options {
			w, ok := y.Options[k]
			if !ok || !scalarEqual(v, w) {
				return false
			}
		}
		return true
	})
}

// scalarEqual compares YAML-decoded option values. Nested maps and lists
// compare unequal so that any structural edit is flagged.
func scalarEqual(a, b any) bool {
	switch a.(type) {
	case string, bool, int, int64, float64, nil:
		return a == b
	}
	return false
}

func audioEqual(a, b AudioConfig) bool {
	if a.Output != b.Output {
		return false
	}
	ai, bi := a.Input, b.Input
	if ai.Path != bi.Path || ai.Encoding != bi.Encoding || ai.SampleRate != bi.SampleRate ||
		ai.Channels != bi.Channels || ai.BlockSize != bi.BlockSize {
		return false
	}
	switch {
	case ai.Realtime == nil && bi.Realtime == nil:
		return true
	case ai.Realtime == nil || bi.Realtime == nil:
		return false
	}
	return *ai.Realtime == *bi.Realtime
}
