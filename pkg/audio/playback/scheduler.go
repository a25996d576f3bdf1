// Package playback schedules agent audio chunks back-to-back on an
// [audio.OutputDevice] clock.
//
// The [Scheduler] keeps a single cursor, the next start time, and places each
// chunk at max(cursor, now). Chunks that arrive faster than real time
// therefore queue up gaplessly, while a chunk arriving after the device has
// run dry starts immediately. An interruption stops every queued source and
// resets the cursor so that the next chunk plays at once.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// ErrInvalidSampleRate is returned by [Scheduler.Schedule] for a
// non-positive sample rate.
var ErrInvalidSampleRate = errors.New("playback: invalid sample rate")

// InterruptReason identifies why the queue was flushed.
type InterruptReason int

const (
	// AgentInterrupted indicates the agent reported that its current turn
	// was cut short (typically because the user started speaking).
	AgentInterrupted InterruptReason = iota

	// Teardown indicates the session is stopping or failed and all playback
	// must cease.
	Teardown
)

// String returns the human-readable name of the interrupt reason.
func (r InterruptReason) String() string {
	switch r {
	case AgentInterrupted:
		return "AGENT_INTERRUPTED"
	case Teardown:
		return "TEARDOWN"
	default:
		return "UNKNOWN"
	}
}

// Buffer describes one scheduled chunk.
type Buffer struct {
	// ID is unique per scheduler and increases in scheduling order.
	ID uint64

	// Samples is the number of mono samples in the chunk.
	Samples int

	// SampleRate of the chunk in Hz.
	SampleRate int

	// Start is the absolute start time on the output device clock.
	Start float64

	// Duration is Samples / SampleRate in seconds.
	Duration float64
}

// End returns the absolute time at which the chunk finishes.
func (b Buffer) End() float64 { return b.Start + b.Duration }

// Observer receives scheduling events. Implementations must not block and
// must not call back into the [Scheduler].
type Observer interface {
	// Scheduled is called for every accepted chunk. gap is the silence, in
	// seconds, between the previous chunk's end and this chunk's start; it
	// is zero for back-to-back chunks and for the first chunk of a turn.
	Scheduled(b Buffer, gap float64)

	// Dropped is called for a chunk that could not be decoded or scheduled.
	Dropped(err error)

	// Flushed is called after an interruption with the number of buffers
	// that were stopped.
	Flushed(reason InterruptReason, stopped int)
}

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithObserver registers an [Observer] for scheduling events.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		s.obs = o
	}
}

// WithLogger overrides the logger used for debug output. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

type entry struct {
	buf Buffer
	src audio.Source
}

// Scheduler is the playback queue for one output device.
//
// Scheduling and interruption are serialised by a single mutex, so an
// interruption can never interleave with the placement of a chunk.
//
// All exported methods are safe for concurrent use.
type Scheduler struct {
	out audio.OutputDevice
	obs Observer
	log *slog.Logger

	mu        sync.Mutex
	queue     []entry
	nextStart float64 // 0 means unset
	seq       uint64
}

// New creates a [Scheduler] for out.
func New(out audio.OutputDevice, opts ...Option) *Scheduler {
	s := &Scheduler{
		out: out,
		log: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule places mono samples at sampleRate directly after the previously
// scheduled chunk, or at the current device time if playback has run dry.
// An empty chunk is accepted and ignored.
func (s *Scheduler) Schedule(samples []float32, sampleRate int) (Buffer, error) {
	if sampleRate <= 0 {
		err := fmt.Errorf("%w: %d", ErrInvalidSampleRate, sampleRate)
		s.dropped(err)
		return Buffer{}, err
	}
	if len(samples) == 0 {
		return Buffer{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.out.Now()
	start := max(s.nextStart, now)
	var gap float64
	if s.nextStart > 0 {
		gap = start - s.nextStart
	}

	s.seq++
	buf := Buffer{
		ID:         s.seq,
		Samples:    len(samples),
		SampleRate: sampleRate,
		Start:      start,
		Duration:   float64(len(samples)) / float64(sampleRate),
	}

	id := buf.ID
	src, err := s.out.Schedule(samples, sampleRate, start, func() { s.ended(id) })
	if err != nil {
		err = fmt.Errorf("playback: schedule chunk: %w", err)
		if s.obs != nil {
			s.obs.Dropped(err)
		}
		return Buffer{}, err
	}

	s.nextStart = buf.End()
	s.queue = append(s.queue, entry{buf: buf, src: src})
	if s.obs != nil {
		s.obs.Scheduled(buf, gap)
	}
	return buf, nil
}

// SchedulePCM16 decodes a base64 PCM16 chunk and schedules it. A chunk that
// fails to decode is dropped without touching the queue; the returned error
// is an [*audio.DecodeError].
func (s *Scheduler) SchedulePCM16(encoded string, sampleRate int) (Buffer, error) {
	samples, err := audio.DecodeTransportPCM16(encoded)
	if err != nil {
		s.dropped(err)
		return Buffer{}, err
	}
	return s.Schedule(samples, sampleRate)
}

// Interrupt stops every queued buffer, empties the queue and resets the next
// start time so the next chunk plays immediately.
func (s *Scheduler) Interrupt() int {
	return s.flush(AgentInterrupted)
}

// Clear force-stops all playback during session teardown. It has the same
// effect on the queue as [Scheduler.Interrupt].
func (s *Scheduler) Clear() int {
	return s.flush(Teardown)
}

func (s *Scheduler) flush(reason InterruptReason) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.queue)
	for _, e := range s.queue {
		e.src.Stop()
	}
	s.queue = nil
	s.nextStart = 0

	if n > 0 {
		s.log.Debug("playback: flushed queue", "reason", reason, "stopped", n)
	}
	if s.obs != nil {
		s.obs.Flushed(reason, n)
	}
	return n
}

// ended removes a finished buffer from the queue. Buffers already flushed by
// an interruption are no longer present and are ignored.
func (s *Scheduler) ended(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.queue {
		if e.buf.ID == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) dropped(err error) {
	if s.obs != nil {
		s.obs.Dropped(err)
	}
}

// NextStartTime returns the start time the next chunk would get if the
// device clock had not advanced. 0 means unset.
func (s *Scheduler) NextStartTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

// Queue returns a snapshot of the buffers that are scheduled or playing, in
// start order.
func (s *Scheduler) Queue() []Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Buffer, len(s.queue))
	for i, e := range s.queue {
		out[i] = e.buf
	}
	return out
}

// Len returns the number of buffers that are scheduled or playing.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Buffered returns how many seconds of audio remain ahead of the device
// clock.
func (s *Scheduler) Buffered() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextStart == 0 {
		return 0
	}
	return max(s.nextStart-s.out.Now(), 0)
}
