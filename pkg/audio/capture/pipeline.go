// Package capture turns a microphone's float sample blocks into fixed-size
// PCM16 [audio.AudioFrame] values at the relay input rate.
//
// The per-block work is bounded: convert, append to one pending frame and
// hand each completed frame to a [FrameSink]. No I/O happens on the device
// goroutine.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

const (
	// DefaultFrameSize is the number of samples per emitted frame.
	DefaultFrameSize = 4096

	// DefaultSampleRate is the input rate the agent expects.
	DefaultSampleRate = 16000
)

// Config controls frame geometry. Zero fields take their defaults.
type Config struct {
	FrameSize  int
	SampleRate int
}

func (c Config) withDefaults() Config {
	if c.FrameSize <= 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	return c
}

// FrameSink receives completed frames in capture order. It is called on the
// device goroutine and must only enqueue; it must never block or call
// [Pipeline.Stop].
type FrameSink func(audio.AudioFrame)

// Option configures a [Pipeline] during construction.
type Option func(*Pipeline)

// WithLogger overrides the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// Pipeline is a running capture stream.
type Pipeline struct {
	cfg  Config
	src  audio.Format
	conv audio.FormatConverter
	sink FrameSink
	log  *slog.Logger

	mu       sync.Mutex
	pending  []int16
	captured int64 // samples at the target rate since start
	stopped  bool
	stream   audio.InputStream

	frames   atomic.Int64
	stopOnce sync.Once
}

// Start opens dev and begins emitting frames to sink. Device errors such as
// [audio.ErrPermissionDenied] and [audio.ErrDeviceUnavailable] are returned
// wrapped, so callers can test them with errors.Is.
func Start(ctx context.Context, dev audio.InputDevice, sink FrameSink, cfg Config, opts ...Option) (*Pipeline, error) {
	if sink == nil {
		return nil, fmt.Errorf("capture: nil frame sink")
	}
	cfg = cfg.withDefaults()
	p := &Pipeline{
		cfg:     cfg,
		src:     dev.Format(),
		conv:    audio.FormatConverter{Target: audio.Format{SampleRate: cfg.SampleRate, Channels: 1}},
		sink:    sink,
		log:     slog.Default(),
		pending: make([]int16, 0, cfg.FrameSize),
	}
	for _, o := range opts {
		o(p)
	}

	stream, err := dev.Open(ctx, p.onBlock)
	if err != nil {
		return nil, fmt.Errorf("capture: open input device: %w", err)
	}

	p.mu.Lock()
	p.stream = stream
	p.mu.Unlock()

	p.log.Debug("capture: started",
		"source", p.src.String(),
		"frame_size", cfg.FrameSize,
		"sample_rate", cfg.SampleRate,
	)
	return p, nil
}

// onBlock is the device callback.
func (p *Pipeline) onBlock(block []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	// conv carries resampling phase between blocks.
	samples := p.conv.Convert(block, p.src)

	for _, x := range samples {
		p.pending = append(p.pending, audio.FloatToPCM16(x))
		p.captured++
		if len(p.pending) == p.cfg.FrameSize {
			p.emitLocked()
		}
	}
}

// emitLocked hands the pending frame to the sink and starts a new one.
func (p *Pipeline) emitLocked() {
	frame := audio.AudioFrame{
		Samples:    p.pending,
		SampleRate: p.cfg.SampleRate,
		CapturedAt: time.Duration(p.captured) * time.Second / time.Duration(p.cfg.SampleRate),
	}
	p.pending = make([]int16, 0, p.cfg.FrameSize)
	p.frames.Add(1)
	p.sink(frame)
}

// Stop releases the device. A trailing partial frame is discarded. After Stop
// returns the sink is not called again. Stop is idempotent.
func (p *Pipeline) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.pending = nil
		stream := p.stream
		p.mu.Unlock()

		if stream != nil {
			if cerr := stream.Close(); cerr != nil {
				err = fmt.Errorf("capture: close input device: %w", cerr)
			}
		}
		p.log.Debug("capture: stopped", "frames", p.frames.Load())
	})
	return err
}

// Frames returns the number of frames emitted so far.
func (p *Pipeline) Frames() int64 {
	return p.frames.Load()
}
