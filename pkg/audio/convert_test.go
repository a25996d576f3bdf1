package audio_test

import (
	"math"
	"testing"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

func approxEqual(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-6
}

func TestDownmix(t *testing.T) {
	t.Parallel()
	// Two stereo frames: L=0.2,R=0.4 and L=-0.2,R=-0.4
	got := audio.Downmix([]float32{0.2, 0.4, -0.2, -0.4}, 2)
	want := []float32{0.3, -0.3}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !approxEqual(got[i], want[i]) {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDownmix_MonoPassthrough(t *testing.T) {
	t.Parallel()
	in := []float32{0.1, 0.2}
	got := audio.Downmix(in, 1)
	if &got[0] != &in[0] {
		t.Error("mono input should be returned unchanged")
	}
}

func TestResampleMono_SameRate(t *testing.T) {
	t.Parallel()
	in := []float32{0.1, 0.2, 0.3}
	got := audio.ResampleMono(in, 16000, 16000)
	if &got[0] != &in[0] {
		t.Error("same rate should return input unchanged")
	}
}

func TestResampleMono_Downsample(t *testing.T) {
	t.Parallel()
	in := make([]float32, 4800) // 100ms at 48kHz
	for i := range in {
		in[i] = 0.25
	}
	got := audio.ResampleMono(in, 48000, 16000)
	if len(got) != 1600 {
		t.Fatalf("len = %d, want 1600", len(got))
	}
	for i, s := range got {
		if !approxEqual(s, 0.25) {
			t.Fatalf("sample %d = %v, want 0.25", i, s)
		}
	}
}

func TestResampleMono_Interpolates(t *testing.T) {
	t.Parallel()
	got := audio.ResampleMono([]float32{0, 1}, 1, 2)
	want := []float32{0, 0.5, 1, 1}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !approxEqual(got[i], want[i]) {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestResampleMono_InvalidRates(t *testing.T) {
	t.Parallel()
	in := []float32{0.5}
	if got := audio.ResampleMono(in, 0, 16000); len(got) != 1 {
		t.Errorf("zero src rate should passthrough, got %v", got)
	}
	if got := audio.ResampleMono([]float32{0.5}, 48000, 16000); got != nil {
		t.Errorf("too short to produce a sample: got %v, want nil", got)
	}
}

func TestFormatConverter(t *testing.T) {
	t.Parallel()

	conv := &audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}

	t.Run("passthrough", func(t *testing.T) {
		in := []float32{0.1, 0.2}
		got := conv.Convert(in, audio.Format{SampleRate: 16000, Channels: 1})
		if len(got) != 2 || &got[0] != &in[0] {
			t.Error("matching format should return the block unchanged")
		}
	})

	t.Run("stereo 48k to mono 16k", func(t *testing.T) {
		in := make([]float32, 960) // 480 stereo frames = 10ms at 48kHz
		got := conv.Convert(in, audio.Format{SampleRate: 48000, Channels: 2})
		if len(got) != 160 {
			t.Errorf("len = %d, want 160", len(got))
		}
	})

	t.Run("ragged block dropped", func(t *testing.T) {
		got := conv.Convert([]float32{0.1, 0.2, 0.3}, audio.Format{SampleRate: 16000, Channels: 2})
		if got != nil {
			t.Errorf("ragged block: got %v, want nil", got)
		}
	})
}

func TestFormatConverter_ContinuousAcrossBlocks(t *testing.T) {
	t.Parallel()
	const (
		blocks    = 10
		blockSize = 1024
		step      = 1e-4
	)
	conv := &audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	src := audio.Format{SampleRate: 44100, Channels: 1}

	// A ramp survives linear interpolation exactly, so every output sample
	// can be checked against its source position.
	var got []float32
	for b := range blocks {
		block := make([]float32, blockSize)
		for i := range block {
			block[i] = float32(b*blockSize+i) * step
		}
		got = append(got, conv.Convert(block, src)...)
	}

	total := blocks * blockSize
	if want := (total-1)*16000/44100 + 1; len(got) != want {
		t.Fatalf("len = %d, want %d", len(got), want)
	}
	for j, s := range got {
		want := float64(j) * 44100 / 16000 * step
		if math.Abs(float64(s)-want) > 1e-4 {
			t.Fatalf("sample %d = %v, want %v", j, s, want)
		}
	}
}

func TestFormat_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		f    audio.Format
		want string
	}{
		{audio.Format{SampleRate: 48000, Channels: 2}, "48000Hz stereo"},
		{audio.Format{SampleRate: 16000, Channels: 1}, "16000Hz mono"},
		{audio.Format{SampleRate: 44100, Channels: 6}, "44100Hz 6ch"},
	}
	for _, tc := range tests {
		if got := tc.f.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}
}
