// Package audio defines the audio primitives shared by the voxrelay capture
// and playback paths: the [AudioFrame] produced by the microphone pipeline,
// the PCM16 sample codec used on the wire, and the device abstractions the
// relay drives.
//
// The two device abstractions are:
//
//   - [InputDevice]: a microphone that pushes float sample blocks to a
//     callback on its own goroutine.
//   - [OutputDevice]: a speaker with a monotonic audio clock that plays
//     sample buffers at absolute start times on that clock.
//
// Implementations live in adapter packages (e.g. audio/stream). The
// interfaces are intentionally narrow so that the relay never depends on a
// particular audio backend.
package audio

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied is returned by [InputDevice.Open] when the user or
	// operating system refused microphone access.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrDeviceUnavailable is returned by [InputDevice.Open] when no usable
	// capture device exists.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")
)

// BlockFunc receives one block of interleaved float samples in [-1, 1].
//
// The device invokes it on its own goroutine at the device's natural block
// cadence. The block is only valid for the duration of the call; callees
// that keep samples must copy them. Implementations must not block.
type BlockFunc func(block []float32)

// InputDevice is a capture device (microphone).
//
// Implementations must be safe for concurrent use.
type InputDevice interface {
	// Format reports the native sample rate and channel count of the blocks
	// the device delivers.
	Format() Format

	// Open acquires the device and starts delivering blocks to fn. It returns
	// [ErrPermissionDenied] or [ErrDeviceUnavailable] (possibly wrapped) when
	// the device cannot be acquired.
	Open(ctx context.Context, fn BlockFunc) (InputStream, error)
}

// InputStream is an open capture stream.
type InputStream interface {
	// Close releases the device. After Close returns the [BlockFunc] is
	// never called again. Close is idempotent.
	Close() error
}

// Clock is a monotonic audio clock measured in seconds. Its zero point is
// arbitrary.
type Clock interface {
	Now() float64
}

// OutputDevice is a playback device that schedules buffers against its own
// [Clock].
//
// Implementations must be safe for concurrent use.
type OutputDevice interface {
	Clock

	// Schedule queues mono samples at sampleRate to start playing at absolute
	// time at on the device clock. A start time in the past plays
	// immediately.
	//
	// onEnded, when non-nil, is invoked at most once after the source has
	// finished playing or has been stopped. It is always invoked on a device
	// goroutine, never synchronously from Schedule or [Source.Stop].
	Schedule(samples []float32, sampleRate int, at float64, onEnded func()) (Source, error)
}

// Source is a handle to one scheduled buffer.
type Source interface {
	// Stop halts the source immediately whether it is playing or still
	// waiting for its start time. Stop is idempotent.
	Stop()
}
