package audio_test

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"pgregory.net/rapid"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

func TestFloatToPCM16(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{"zero", 0, 0},
		{"half", 0.5, 16384},
		{"negative half", -0.5, -16384},
		{"truncates toward zero", 0.99999, 32767},
		{"truncates negative toward zero", -1.0 / 65536, 0},
		{"minus one", -1, -32768},
		{"plus one saturates", 1, 32767},
		{"above range saturates", 3.5, 32767},
		{"below range saturates", -7, -32768},
		{"NaN is silence", float32(math.NaN()), 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := audio.FloatToPCM16(tc.in); got != tc.want {
				t.Errorf("FloatToPCM16(%v) = %d, want %d", tc.in, got, tc.want)
			}
		})
	}
}

func TestEncodePCM16_LittleEndian(t *testing.T) {
	t.Parallel()
	got := audio.EncodePCM16([]float32{0.5, -0.5})
	// 16384 = 0x4000, -16384 = 0xC000
	want := []byte{0x00, 0x40, 0x00, 0xC0}
	if !bytes.Equal(got, want) {
		t.Fatalf("EncodePCM16 = %x, want %x", got, want)
	}
}

func TestDecodePCM16_OddLength(t *testing.T) {
	t.Parallel()
	_, err := audio.DecodePCM16([]byte{1, 2, 3})
	if err == nil {
		t.Fatal("expected error for odd byte length")
	}
	if !audio.IsDecodeError(err) {
		t.Errorf("expected DecodeError, got %T", err)
	}
	if !errors.Is(err, audio.ErrOddLength) {
		t.Errorf("expected ErrOddLength in chain, got %v", err)
	}
}

func TestDecodeTransport_Invalid(t *testing.T) {
	t.Parallel()
	_, err := audio.DecodeTransport("!!! not base64 !!!")
	var de *audio.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DecodeError, got %v", err)
	}
	if de.Op != "base64" {
		t.Errorf("Op = %q, want base64", de.Op)
	}
}

func TestDecodeTransportPCM16_OddPayload(t *testing.T) {
	t.Parallel()
	_, err := audio.DecodeTransportPCM16(audio.EncodeTransport([]byte{1, 2, 3}))
	if !audio.IsDecodeError(err) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

func TestEncodeFrame(t *testing.T) {
	t.Parallel()
	f := audio.AudioFrame{Samples: []int16{1, -1}, SampleRate: 16000}
	pcm, err := audio.DecodeTransport(audio.EncodeFrame(f))
	if err != nil {
		t.Fatalf("DecodeTransport: %v", err)
	}
	got, err := audio.PCM16ToSamples(pcm)
	if err != nil {
		t.Fatalf("PCM16ToSamples: %v", err)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != -1 {
		t.Errorf("round trip = %v, want [1 -1]", got)
	}
}

func TestAudioFrame_Duration(t *testing.T) {
	t.Parallel()
	f := audio.AudioFrame{Samples: make([]int16, 4096), SampleRate: 16000}
	if got := f.Duration().Seconds(); got != 0.256 {
		t.Errorf("Duration = %v, want 0.256s", got)
	}
	if (audio.AudioFrame{}).Duration() != 0 {
		t.Error("zero frame should have zero duration")
	}
}

// ─── properties ──────────────────────────────────────────────────────────────

func TestCodecRoundTripError(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 512).Draw(rt, "n")
		in := make([]float32, n)
		for i := range in {
			in[i] = float32(rapid.Float64Range(-1, 1).Draw(rt, "sample"))
		}
		out, err := audio.DecodePCM16(audio.EncodePCM16(in))
		if err != nil {
			rt.Fatalf("DecodePCM16: %v", err)
		}
		if len(out) != len(in) {
			rt.Fatalf("len = %d, want %d", len(out), len(in))
		}
		for i := range in {
			if d := math.Abs(float64(out[i]) - float64(in[i])); d > 1.0/32768 {
				rt.Fatalf("sample %d: |%v - %v| = %v exceeds 1/32768", i, out[i], in[i], d)
			}
		}
	})
}

func TestTransportRoundTripExact(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		b := rapid.SliceOf(rapid.Byte()).Draw(rt, "bytes")
		got, err := audio.DecodeTransport(audio.EncodeTransport(b))
		if err != nil {
			rt.Fatalf("DecodeTransport: %v", err)
		}
		if !bytes.Equal(got, b) {
			rt.Fatalf("round trip = %x, want %x", got, b)
		}
	})
}
