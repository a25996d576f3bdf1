package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the agent backends shipped with voxrelay.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"gemini-live", "openai-realtime", "relay-ws"}

// Defaults filled in by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultFrameSize        = 4096
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultTranscriptGrace  = 5 * time.Second
	DefaultCloseTimeout     = 2 * time.Second
	DefaultSendQueue        = 256
	DefaultStopTimeout      = 5 * time.Second
	DefaultMaxFailures      = 3
	DefaultResetTimeout     = 30 * time.Second
	DefaultHalfOpenMax      = 1
	DefaultBlockSize        = 1024
	DefaultTick             = 20 * time.Millisecond
	DefaultServiceName      = "voxrelay"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every zero-valued tunable in cfg with its default.
// Explicitly set values are left untouched.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)

	setDefault(&cfg.Relay.FrameSize, DefaultFrameSize)
	setDefault(&cfg.Relay.InputSampleRate, DefaultInputSampleRate)
	setDefault(&cfg.Relay.OutputSampleRate, DefaultOutputSampleRate)
	setDefault(&cfg.Relay.TranscriptGrace, DefaultTranscriptGrace)
	setDefault(&cfg.Relay.CloseTimeout, DefaultCloseTimeout)
	setDefault(&cfg.Relay.SendQueue, DefaultSendQueue)
	setDefault(&cfg.Relay.StopTimeout, DefaultStopTimeout)

	setDefault(&cfg.Resilience.MaxFailures, DefaultMaxFailures)
	setDefault(&cfg.Resilience.ResetTimeout, DefaultResetTimeout)
	setDefault(&cfg.Resilience.HalfOpenMax, DefaultHalfOpenMax)

	setDefault(&cfg.Audio.Input.Encoding, EncodingS16LE)
	setDefault(&cfg.Audio.Input.SampleRate, cfg.Relay.InputSampleRate)
	setDefault(&cfg.Audio.Input.Channels, 1)
	setDefault(&cfg.Audio.Input.BlockSize, DefaultBlockSize)
	setDefault(&cfg.Audio.Output.SampleRate, cfg.Relay.OutputSampleRate)
	setDefault(&cfg.Audio.Output.Tick, DefaultTick)

	setDefault(&cfg.Telemetry.ServiceName, DefaultServiceName)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Relay
	errs = appendNonNegative(errs, "relay.frame_size", cfg.Relay.FrameSize)
	errs = appendNonNegative(errs, "relay.input_sample_rate", cfg.Relay.InputSampleRate)
	errs = appendNonNegative(errs, "relay.output_sample_rate", cfg.Relay.OutputSampleRate)
	errs = appendNonNegative(errs, "relay.send_queue", cfg.Relay.SendQueue)
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"relay.transcript_grace", cfg.Relay.TranscriptGrace},
		{"relay.close_timeout", cfg.Relay.CloseTimeout},
		{"relay.stop_timeout", cfg.Relay.StopTimeout},
		{"resilience.reset_timeout", cfg.Resilience.ResetTimeout},
		{"audio.output.tick", cfg.Audio.Output.Tick},
	} {
		if d.v < 0 {
			errs = append(errs, fmt.Errorf("%s %s must not be negative", d.name, d.v))
		}
	}

	// Providers
	if cfg.Providers.Primary.Name == "" {
		errs = append(errs, errors.New("providers.primary.name is required"))
	}
	seen := make(map[string]string)
	for i, p := range cfg.Providers.All() {
		prefix := "providers.primary"
		if i > 0 {
			prefix = fmt.Sprintf("providers.fallbacks[%d]", i-1)
		}
		if i > 0 && p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if p.Name == "" {
			continue
		}
		if p.Name == "relay-ws" && p.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s.base_url is required for relay-ws", prefix))
		}
		key := p.Name + "|" + p.BaseURL + "|" + p.Model
		if prev, ok := seen[key]; ok {
			slog.Warn("provider listed twice; the duplicate will share its circuit breaker",
				"entry", prefix,
				"duplicate_of", prev,
			)
		}
		seen[key] = prefix
		validateProviderName(p.Name)
	}

	// Resilience
	errs = appendNonNegative(errs, "resilience.max_failures", cfg.Resilience.MaxFailures)
	errs = appendNonNegative(errs, "resilience.half_open_max", cfg.Resilience.HalfOpenMax)

	// Audio
	in := cfg.Audio.Input
	if in.Encoding != "" && !in.Encoding.IsValid() {
		errs = append(errs, fmt.Errorf("audio.input.encoding %q is invalid; valid values: s16le, f32le", in.Encoding))
	}
	errs = appendNonNegative(errs, "audio.input.sample_rate", in.SampleRate)
	errs = appendNonNegative(errs, "audio.input.channels", in.Channels)
	errs = appendNonNegative(errs, "audio.input.block_size", in.BlockSize)
	errs = appendNonNegative(errs, "audio.output.sample_rate", cfg.Audio.Output.SampleRate)
	if in.Path == "" {
		slog.Warn("audio.input.path is empty; sessions will fail with no microphone available")
	}
	if in.Path != "" && in.Path == cfg.Audio.Output.Path {
		errs = append(errs, fmt.Errorf("audio.input.path and audio.output.path are both %q", in.Path))
	}

	return errors.Join(errs...)
}

func appendNonNegative(errs []error, name string, v int) []error {
	if v < 0 {
		return append(errs, fmt.Errorf("%s %d must not be negative", name, v))
	}
	return errs
}

// validateProviderName logs a warning if name is not found in
// [ValidProviderNames].
func validateProviderName(name string) {
	if slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}
