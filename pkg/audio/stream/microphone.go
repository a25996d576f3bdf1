// Package stream provides software audio devices backed by byte streams.
//
// [Microphone] reads raw interleaved samples from an [io.Reader] (a file, a
// FIFO or stdin fed by an external recorder such as arecord or ffmpeg) and
// delivers them in real time. [Speaker] renders scheduled buffers onto an
// [io.Writer] as PCM16 against a wall-clock driven audio clock.
package stream

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// Encoding names a raw sample layout.
type Encoding string

const (
	// EncodingS16LE is signed 16-bit little-endian PCM.
	EncodingS16LE Encoding = "s16le"

	// EncodingF32LE is 32-bit little-endian IEEE float.
	EncodingF32LE Encoding = "f32le"
)

// BytesPerSample returns the width of one sample, or 0 for an unknown encoding.
func (e Encoding) BytesPerSample() int {
	switch e {
	case EncodingS16LE:
		return 2
	case EncodingF32LE:
		return 4
	default:
		return 0
	}
}

// MicrophoneConfig describes the raw stream a [Microphone] reads.
type MicrophoneConfig struct {
	// Format is the sample rate and channel count of the stream.
	Format audio.Format

	// Encoding of the raw samples. Default: s16le.
	Encoding Encoding

	// BlockSize is the number of sample frames per callback. Default: 1024.
	BlockSize int

	// Realtime paces block delivery to the stream's sample rate. Disable it
	// for sources that already deliver in real time (a live pipe).
	Realtime bool
}

// Microphone is an [audio.InputDevice] that reads from an [io.Reader].
//
// The reader is consumed by one goroutine for the lifetime of the device,
// started on the first Open. Blocks that arrive while no stream is open are
// discarded, like audio from a live microphone nobody is listening to.
type Microphone struct {
	r   io.Reader
	cfg MicrophoneConfig
	log *slog.Logger

	startOnce sync.Once

	mu  sync.Mutex
	fn  audio.BlockFunc
	eof bool
}

var _ audio.InputDevice = (*Microphone)(nil)

// NewMicrophone returns a microphone reading from r. A nil r yields a device
// whose Open always fails with [audio.ErrDeviceUnavailable].
func NewMicrophone(r io.Reader, cfg MicrophoneConfig) *Microphone {
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingS16LE
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = 1024
	}
	if cfg.Format.Channels <= 0 {
		cfg.Format.Channels = 1
	}
	return &Microphone{r: r, cfg: cfg, log: slog.Default()}
}

// OpenFile opens path as a raw sample stream. "-" selects stdin. Permission
// and existence failures map to [audio.ErrPermissionDenied] and
// [audio.ErrDeviceUnavailable].
func OpenFile(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		return f, nil
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("stream: open %s: %w", path, audio.ErrPermissionDenied)
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("stream: open %s: %w", path, audio.ErrDeviceUnavailable)
	default:
		return nil, fmt.Errorf("stream: open %s: %w: %v", path, audio.ErrDeviceUnavailable, err)
	}
}

// Format implements [audio.InputDevice].
func (m *Microphone) Format() audio.Format { return m.cfg.Format }

// Open implements [audio.InputDevice]. Only one stream may be open at a time.
func (m *Microphone) Open(_ context.Context, fn audio.BlockFunc) (audio.InputStream, error) {
	if m.r == nil {
		return nil, fmt.Errorf("stream: no input configured: %w", audio.ErrDeviceUnavailable)
	}
	if m.cfg.Encoding.BytesPerSample() == 0 {
		return nil, fmt.Errorf("stream: unknown encoding %q: %w", m.cfg.Encoding, audio.ErrDeviceUnavailable)
	}
	if m.cfg.Format.SampleRate <= 0 {
		return nil, fmt.Errorf("stream: invalid sample rate %d: %w", m.cfg.Format.SampleRate, audio.ErrDeviceUnavailable)
	}

	m.mu.Lock()
	switch {
	case m.eof:
		m.mu.Unlock()
		return nil, fmt.Errorf("stream: microphone input exhausted: %w", audio.ErrDeviceUnavailable)
	case m.fn != nil:
		m.mu.Unlock()
		return nil, fmt.Errorf("stream: microphone busy: %w", audio.ErrDeviceUnavailable)
	}
	m.fn = fn
	m.mu.Unlock()

	m.startOnce.Do(func() { go m.readLoop() })
	return &micStream{mic: m}, nil
}

// readLoop reads one block at a time and hands it to the current subscriber.
// The callback runs under m.mu so that Close can guarantee no delivery after
// it returns.
func (m *Microphone) readLoop() {
	cfg := m.cfg
	width := cfg.Encoding.BytesPerSample()
	samples := cfg.BlockSize * cfg.Format.Channels
	raw := make([]byte, samples*width)
	block := make([]float32, samples)

	var ticker *time.Ticker
	if cfg.Realtime {
		interval := time.Duration(cfg.BlockSize) * time.Second / time.Duration(cfg.Format.SampleRate)
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}

	for {
		if ticker != nil {
			<-ticker.C
		}
		if _, err := io.ReadFull(m.r, raw); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				m.log.Info("stream: microphone input ended")
			} else {
				m.log.Warn("stream: microphone read failed", "err", err)
			}
			m.mu.Lock()
			m.eof = true
			m.mu.Unlock()
			return
		}
		decodeBlock(raw, block, cfg.Encoding)

		m.mu.Lock()
		if m.fn != nil {
			m.fn(block)
		}
		m.mu.Unlock()
	}
}

func decodeBlock(raw []byte, block []float32, enc Encoding) {
	switch enc {
	case EncodingF32LE:
		for i := range block {
			block[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	default:
		for i := range block {
			block[i] = audio.PCM16ToFloat(int16(binary.LittleEndian.Uint16(raw[i*2:])))
		}
	}
}

type micStream struct {
	mic  *Microphone
	once sync.Once
}

// Close implements [audio.InputStream].
func (s *micStream) Close() error {
	s.once.Do(func() {
		s.mic.mu.Lock()
		s.mic.fn = nil
		s.mic.mu.Unlock()
	})
	return nil
}
