package audio

import "time"

// AudioFrame is one fixed-size block of captured microphone audio, encoded as
// signed 16-bit mono samples. Frames are produced by the capture pipeline in
// capture order and are never mutated after they are emitted.
type AudioFrame struct {
	// Samples holds the PCM16 mono samples of this frame.
	Samples []int16

	// SampleRate in Hz (16000 for the relay input path).
	SampleRate int

	// CapturedAt marks when the last block contributing to this frame was
	// captured, relative to the start of the capture stream.
	CapturedAt time.Duration
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable description, e.g. "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}
