package stream

import (
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// DefaultTick is the render period of a [Speaker].
const DefaultTick = 20 * time.Millisecond

// SpeakerOption configures a [Speaker] during construction.
type SpeakerOption func(*Speaker)

// WithTick sets the render period.
func WithTick(d time.Duration) SpeakerOption {
	return func(s *Speaker) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithSpeakerLogger overrides the logger. Default: slog.Default().
func WithSpeakerLogger(l *slog.Logger) SpeakerOption {
	return func(s *Speaker) {
		if l != nil {
			s.log = l
		}
	}
}

// Speaker is an [audio.OutputDevice] that mixes scheduled sources and writes
// them to an [io.Writer] as mono PCM16 at a fixed sample rate. Silence is
// written while nothing is playing so that the output stays in step with the
// clock.
//
// All exported methods are safe for concurrent use.
type Speaker struct {
	w    io.Writer
	rate int
	tick time.Duration
	log  *slog.Logger

	origin time.Time

	mu       sync.Mutex
	sources  []*speakerSource
	rendered int64 // samples written since origin
	closed   bool

	warnWrite sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

var _ audio.OutputDevice = (*Speaker)(nil)

// NewSpeaker creates a speaker writing PCM16 at rate Hz to w and starts its
// render goroutine. Call [Speaker.Close] to stop it.
func NewSpeaker(w io.Writer, rate int, opts ...SpeakerOption) *Speaker {
	s := &Speaker{
		w:      w,
		rate:   rate,
		tick:   DefaultTick,
		log:    slog.Default(),
		origin: time.Now(),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.wg.Add(1)
	go s.renderLoop()
	return s
}

// Now implements [audio.Clock]. The clock counts wall time since the speaker
// was created.
func (s *Speaker) Now() float64 {
	return time.Since(s.origin).Seconds()
}

// SampleRate returns the output rate.
func (s *Speaker) SampleRate() int { return s.rate }

type speakerSource struct {
	spk     *Speaker
	samples []float32
	start   int64 // absolute sample index on the output timeline
	onEnded func()
	stopped bool
}

// Stop implements [audio.Source].
func (src *speakerSource) Stop() {
	src.spk.mu.Lock()
	defer src.spk.mu.Unlock()
	src.stopped = true
}

func (src *speakerSource) end() int64 { return src.start + int64(len(src.samples)) }

// Schedule implements [audio.OutputDevice]. Samples at a different rate are
// resampled to the output rate.
func (s *Speaker) Schedule(samples []float32, sampleRate int, at float64, onEnded func()) (audio.Source, error) {
	if sampleRate != s.rate {
		samples = audio.ResampleMono(samples, sampleRate, s.rate)
	}
	src := &speakerSource{
		spk:     s,
		samples: samples,
		start:   int64(math.Round(at * float64(s.rate))),
		onEnded: onEnded,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		// Nothing will ever render it. onEnded must not run synchronously.
		if onEnded != nil {
			go onEnded()
		}
		src.stopped = true
		return src, nil
	}
	s.sources = append(s.sources, src)
	return src, nil
}

func (s *Speaker) renderLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.tick)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			s.render()
		}
	}
}

// render mixes everything due up to the current clock and writes it out.
// onEnded callbacks are fired after the lock is released.
func (s *Speaker) render() {
	target := int64(s.Now() * float64(s.rate))

	s.mu.Lock()
	from := s.rendered
	if target <= from {
		s.mu.Unlock()
		return
	}
	mix := make([]float32, target-from)

	var ended []func()
	live := s.sources[:0]
	for _, src := range s.sources {
		if !src.stopped {
			lo := max(src.start, from)
			hi := min(src.end(), target)
			for i := lo; i < hi; i++ {
				mix[i-from] += src.samples[i-src.start]
			}
		}
		if src.stopped || src.end() <= target {
			if src.onEnded != nil {
				ended = append(ended, src.onEnded)
			}
			continue
		}
		live = append(live, src)
	}
	clear(s.sources[len(live):])
	s.sources = live
	s.rendered = target
	s.mu.Unlock()

	if _, err := s.w.Write(audio.EncodePCM16(mix)); err != nil {
		s.warnWrite.Do(func() {
			s.log.Warn("stream: speaker write failed, discarding output", "err", err)
		})
	}
	for _, fn := range ended {
		fn()
	}
}

// Close stops rendering and reports every pending source as ended. Close is
// idempotent.
func (s *Speaker) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := s.sources
	s.sources = nil
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	for _, src := range pending {
		if src.onEnded != nil {
			src.onEnded()
		}
	}
	return nil
}
