// Package mock provides in-memory mock implementations of the
// [audio.InputDevice] and [audio.OutputDevice] interfaces for use in unit
// tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	in := &mock.InputDevice{Fmt: audio.Format{SampleRate: 16000, Channels: 1}}
//	out := mock.NewOutputDevice(0)
//	// ... start the component under test ...
//	in.Emit(make([]float32, 4096))
//	out.SetNow(1.2)
//	out.EndDue() // fires onEnded for every source that finished by t=1.2
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// ─── InputDevice ─────────────────────────────────────────────────────────────

// InputDevice is a mock implementation of [audio.InputDevice]. Blocks are
// delivered synchronously by [InputDevice.Emit].
type InputDevice struct {
	mu sync.Mutex

	// Fmt is returned by Format. Defaults to 16 kHz mono when zero.
	Fmt audio.Format

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// OpenCalls counts Open invocations.
	OpenCalls int

	// CloseCalls counts Close invocations across all streams.
	CloseCalls int

	fn   audio.BlockFunc
	open bool
}

var _ audio.InputDevice = (*InputDevice)(nil)

// Format implements [audio.InputDevice].
func (d *InputDevice) Format() audio.Format {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Fmt.SampleRate == 0 {
		return audio.Format{SampleRate: 16000, Channels: 1}
	}
	return d.Fmt
}

// Open implements [audio.InputDevice].
func (d *InputDevice) Open(_ context.Context, fn audio.BlockFunc) (audio.InputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls++
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	d.fn = fn
	d.open = true
	return &inputStream{dev: d}, nil
}

// Emit delivers block to the registered callback if the device is open. It
// reports whether the block was delivered.
func (d *InputDevice) Emit(block []float32) bool {
	d.mu.Lock()
	fn, open := d.fn, d.open
	d.mu.Unlock()
	if !open || fn == nil {
		return false
	}
	fn(block)
	return true
}

// IsOpen reports whether a stream is currently open.
func (d *InputDevice) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

type inputStream struct {
	dev  *InputDevice
	once sync.Once
}

func (s *inputStream) Close() error {
	s.once.Do(func() {
		s.dev.mu.Lock()
		s.dev.CloseCalls++
		s.dev.open = false
		s.dev.fn = nil
		s.dev.mu.Unlock()
	})
	return nil
}

// ─── OutputDevice ────────────────────────────────────────────────────────────

// ErrScheduleFailed is a convenience error tests can assign to
// [OutputDevice.ScheduleErr].
var ErrScheduleFailed = errors.New("mock: schedule failed")

// Source records one [OutputDevice.Schedule] invocation.
type Source struct {
	Samples    []float32
	SampleRate int
	At         float64

	dev     *OutputDevice
	onEnded func()
	stopped bool
	ended   bool
}

// Stop implements [audio.Source].
func (s *Source) Stop() {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	s.stopped = true
}

// Stopped reports whether Stop was called.
func (s *Source) Stopped() bool {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	return s.stopped
}

// End returns the absolute end time of the source.
func (s *Source) End() float64 {
	return s.At + float64(len(s.Samples))/float64(s.SampleRate)
}

// OutputDevice is a mock implementation of [audio.OutputDevice] with a
// manually driven clock. onEnded callbacks are only fired by [OutputDevice.EndDue]
// and [OutputDevice.EndAll], never from Schedule or Stop.
type OutputDevice struct {
	mu sync.Mutex

	now float64

	// ScheduleErr is returned by Schedule when non-nil.
	ScheduleErr error

	// Sources records every scheduled source in call order.
	Sources []*Source
}

var _ audio.OutputDevice = (*OutputDevice)(nil)

// NewOutputDevice returns a device whose clock reads now.
func NewOutputDevice(now float64) *OutputDevice {
	return &OutputDevice{now: now}
}

// Now implements [audio.Clock].
func (d *OutputDevice) Now() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

// SetNow moves the clock to t.
func (d *OutputDevice) SetNow(t float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = t
}

// Schedule implements [audio.OutputDevice].
func (d *OutputDevice) Schedule(samples []float32, sampleRate int, at float64, onEnded func()) (audio.Source, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ScheduleErr != nil {
		return nil, d.ScheduleErr
	}
	src := &Source{
		Samples:    samples,
		SampleRate: sampleRate,
		At:         at,
		dev:        d,
		onEnded:    onEnded,
	}
	d.Sources = append(d.Sources, src)
	return src, nil
}

// Scheduled returns a snapshot of the recorded sources.
func (d *OutputDevice) Scheduled() []*Source {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Source, len(d.Sources))
	copy(out, d.Sources)
	return out
}

// EndDue fires onEnded for every source that was stopped or whose end time
// is at or before the current clock. It returns the number of callbacks
// fired.
func (d *OutputDevice) EndDue() int {
	d.mu.Lock()
	var fire []func()
	for _, s := range d.Sources {
		if s.ended {
			continue
		}
		if s.stopped || s.End() <= d.now {
			s.ended = true
			if s.onEnded != nil {
				fire = append(fire, s.onEnded)
			}
		}
	}
	d.mu.Unlock()
	for _, fn := range fire {
		fn()
	}
	return len(fire)
}

// EndAll fires onEnded for every source that has not ended yet.
func (d *OutputDevice) EndAll() int {
	d.mu.Lock()
	var fire []func()
	for _, s := range d.Sources {
		if !s.ended {
			s.ended = true
			if s.onEnded != nil {
				fire = append(fire, s.onEnded)
			}
		}
	}
	d.mu.Unlock()
	for _, fn := range fire {
		fn()
	}
	return len(fire)
}
