// Package config provides the configuration schema, loader, file watcher and
// provider registry for the voxrelay server.
package config

import "time"

// LogLevel controls log verbosity for the voxrelay server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Encoding names the raw sample layout of an audio stream.
type Encoding string

const (
	EncodingS16LE Encoding = "s16le"
	EncodingF32LE Encoding = "f32le"
)

// IsValid reports whether e is a recognised encoding.
func (e Encoding) IsValid() bool {
	return e == EncodingS16LE || e == EncodingF32LE
}

// Config is the root configuration structure for voxrelay.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Relay      RelayConfig      `yaml:"relay"`
	Agent      AgentConfig      `yaml:"agent"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Audio      AudioConfig      `yaml:"audio"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the control server.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP control API listens on
	// (e.g., ":8080"). Default: ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`
}

// RelayConfig holds the audio geometry and timing of a relay session.
type RelayConfig struct {
	// FrameSize is the number of samples per outbound frame. Default: 4096.
	FrameSize int `yaml:"frame_size"`

	// InputSampleRate is the rate sent to the agent in Hz. Default: 16000.
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputSampleRate is the rate assumed for agent audio in Hz. Default: 24000.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// TranscriptGrace is how long a finished turn's transcript stays visible.
	// Default: 5s.
	TranscriptGrace time.Duration `yaml:"transcript_grace"`

	// CloseTimeout bounds how long the transport flushes pending frames on
	// close. Default: 2s.
	CloseTimeout time.Duration `yaml:"close_timeout"`

	// SendQueue is the number of outbound frames buffered by the transport.
	// Default: 256.
	SendQueue int `yaml:"send_queue"`

	// StopTimeout bounds how long a stop waits for the transport to confirm.
	// Default: 5s.
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// AgentConfig describes the remote agent persona. These fields can be
// changed while the server runs; they apply from the next session.
type AgentConfig struct {
	// Voice is the provider-specific voice name (e.g., "Puck", "alloy").
	Voice string `yaml:"voice"`

	// Instructions is the system prompt sent when a session opens.
	Instructions string `yaml:"instructions"`
}

// ProvidersConfig selects the agent backends. Primary is always tried first;
// Fallbacks are tried in order when the primary fails before a session opens.
type ProvidersConfig struct {
	Primary   ProviderEntry   `yaml:"primary"`
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// All returns the primary followed by the fallbacks.
func (p ProvidersConfig) All() []ProviderEntry {
	return append([]ProviderEntry{p.Primary}, p.Fallbacks...)
}

// ProviderEntry is the configuration block of one agent backend. The Name
// field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g.,
	// "gemini-live", "openai-realtime", "relay-ws").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint. Required for
	// relay-ws.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// ResilienceConfig tunes the per-provider circuit breakers.
type ResilienceConfig struct {
	// MaxFailures before a provider's breaker opens. Default: 3.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long an open breaker waits before probing.
	// Default: 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// HalfOpenMax is the number of probe sessions in half-open. Default: 1.
	HalfOpenMax int `yaml:"half_open_max"`
}

// AudioConfig selects the software audio devices.
type AudioConfig struct {
	Input  AudioInputConfig  `yaml:"input"`
	Output AudioOutputConfig `yaml:"output"`
}

// AudioInputConfig describes the raw microphone stream.
type AudioInputConfig struct {
	// Path is a file or FIFO with raw samples; "-" reads stdin. Empty
	// leaves the relay without a microphone, so every start fails with a
	// device-unavailable error.
	Path string `yaml:"path"`

	// Encoding of the raw samples. Default: s16le.
	Encoding Encoding `yaml:"encoding"`

	// SampleRate of the stream in Hz. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// Channels in the stream. Default: 1.
	Channels int `yaml:"channels"`

	// BlockSize is the number of sample frames per device callback.
	// Default: 1024.
	BlockSize int `yaml:"block_size"`

	// Realtime paces a file source to its sample rate. Default: true for
	// regular files, ignored for stdin.
	Realtime *bool `yaml:"realtime"`
}

// AudioOutputConfig describes the speaker sink.
type AudioOutputConfig struct {
	// Path receives rendered s16le mono audio; "-" writes stdout. Empty
	// discards the audio while still keeping the clock.
	Path string `yaml:"path"`

	// SampleRate of the rendered stream in Hz. Default: 24000.
	SampleRate int `yaml:"sample_rate"`

	// Tick is the render period. Default: 20ms.
	Tick time.Duration `yaml:"tick"`
}

// TelemetryConfig configures OpenTelemetry resources and export.
type TelemetryConfig struct {
	// ServiceName reported in telemetry. Default: "voxrelay".
	ServiceName string `yaml:"service_name"`

	// OTLPEndpoint is the host:port of an OTLP/gRPC collector. When set,
	// spans and metrics are pushed there in addition to /metrics.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// OTLPInsecure disables TLS towards the collector.
	OTLPInsecure bool `yaml:"otlp_insecure"`
}
