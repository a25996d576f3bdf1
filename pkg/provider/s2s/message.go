package s2s

import (
	"strconv"
	"strings"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// Role identifies the speaker of a transcript fragment.
type Role string

const (
	// RoleUser is the human at the microphone.
	RoleUser Role = "user"

	// RoleAgent is the remote voice agent.
	RoleAgent Role = "agent"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAgent
}

// Inbound is one message received from the agent. It is a closed union of
// [AudioChunk], [TranscriptFragment], [TurnComplete] and [Interrupted];
// consumers dispatch with a type switch.
type Inbound interface {
	inbound()
}

// AudioChunk carries a piece of the agent's spoken reply.
type AudioChunk struct {
	// Data is base64-encoded little-endian PCM16 mono.
	Data string

	// SampleRate of the decoded samples in Hz.
	SampleRate int
}

// TranscriptFragment is an incremental piece of transcript text.
type TranscriptFragment struct {
	Role Role
	Text string
}

// TurnComplete signals the end of the agent's turn.
type TurnComplete struct{}

// Interrupted signals that the agent's current turn was cut short,
// typically because the user started speaking.
type Interrupted struct{}

func (AudioChunk) inbound()         {}
func (TranscriptFragment) inbound() {}
func (TurnComplete) inbound()       {}
func (Interrupted) inbound()        {}

// Kind returns a short label for metrics and logs.
func Kind(m Inbound) string {
	switch m.(type) {
	case AudioChunk:
		return "audio"
	case TranscriptFragment:
		return "transcript"
	case TurnComplete:
		return "turn_complete"
	case Interrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// MediaChunk is one outbound frame of microphone audio.
type MediaChunk struct {
	// Data is base64-encoded little-endian PCM16 mono.
	Data string

	// MIMEType describes Data, e.g. "audio/pcm;rate=16000".
	MIMEType string
}

// PCMMIMEType returns the MIME type for raw PCM16 at rate Hz.
func PCMMIMEType(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// ParsePCMRate extracts the rate parameter from a MIME type such as
// "audio/pcm;rate=24000". It returns def when the parameter is missing or
// invalid.
func ParsePCMRate(mimeType string, def int) int {
	for _, param := range strings.Split(mimeType, ";")[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// NewMediaChunk encodes a captured frame for transmission.
func NewMediaChunk(f audio.AudioFrame) MediaChunk {
	return MediaChunk{
		Data:     audio.EncodeFrame(f),
		MIMEType: PCMMIMEType(f.SampleRate),
	}
}
