package s2s_test

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/s2s"
)

func TestKind(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		m    s2s.Inbound
		want string
	}{
		{s2s.AudioChunk{}, "audio"},
		{s2s.TranscriptFragment{}, "transcript"},
		{s2s.TurnComplete{}, "turn_complete"},
		{s2s.Interrupted{}, "interrupted"},
		{nil, "unknown"},
	} {
		if got := s2s.Kind(tc.m); got != tc.want {
			t.Errorf("Kind(%T) = %q, want %q", tc.m, got, tc.want)
		}
	}
}

func TestRole_Valid(t *testing.T) {
	t.Parallel()
	if !s2s.RoleUser.Valid() || !s2s.RoleAgent.Valid() {
		t.Error("known roles reported invalid")
	}
	if s2s.Role("system").Valid() {
		t.Error(`Role("system") reported valid`)
	}
}

func TestParsePCMRate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		mime string
		want int
	}{
		{"audio/pcm;rate=24000", 24000},
		{"audio/pcm; rate=16000", 16000},
		{"audio/pcm;channels=1;RATE=8000", 8000},
		{"audio/pcm", 24000},
		{"audio/pcm;rate=abc", 24000},
		{"audio/pcm;rate=-5", 24000},
		{"", 24000},
	}
	for _, tt := range tests {
		if got := s2s.ParsePCMRate(tt.mime, 24000); got != tt.want {
			t.Errorf("ParsePCMRate(%q) = %d, want %d", tt.mime, got, tt.want)
		}
	}
}

func TestNewMediaChunk(t *testing.T) {
	t.Parallel()
	chunk := s2s.NewMediaChunk(audio.AudioFrame{Samples: []int16{1, -1}, SampleRate: 16000})
	if chunk.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType = %q", chunk.MIMEType)
	}
	if chunk.Data != "AQD//w==" {
		t.Errorf("Data = %q, want little-endian PCM16 in base64", chunk.Data)
	}
	if got := s2s.ParsePCMRate(chunk.MIMEType, 0); got != 16000 {
		t.Errorf("rate round trip = %d", got)
	}
}

func TestConnectionError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  *s2s.ConnectionError
		want string
	}{
		{
			err:  &s2s.ConnectionError{Provider: "relay-ws", Err: io.EOF},
			want: "s2s: relay-ws: connection error: EOF",
		},
		{
			err:  &s2s.ConnectionError{Provider: "gemini-live", Code: "1008", Err: io.EOF},
			want: "s2s: gemini-live: connection error (1008): EOF",
		},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
		var ce *s2s.ConnectionError
		if !errors.As(error(tt.err), &ce) || !errors.Is(tt.err, io.EOF) {
			t.Errorf("%v does not unwrap to its cause", tt.err)
		}
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	got := s2s.Config{Voice: "Puck"}.WithDefaults()
	want := s2s.Config{
		Voice:            "Puck",
		InputSampleRate:  s2s.DefaultInputSampleRate,
		OutputSampleRate: s2s.DefaultOutputSampleRate,
		QueueSize:        s2s.DefaultQueueSize,
		CloseTimeout:     s2s.DefaultCloseTimeout,
	}
	if got != want {
		t.Errorf("WithDefaults() = %+v, want %+v", got, want)
	}

	set := s2s.Config{InputSampleRate: 8000, OutputSampleRate: 16000, QueueSize: 4, CloseTimeout: time.Second}
	if got := set.WithDefaults(); got != set {
		t.Errorf("explicit values overwritten: %+v", got)
	}
}
