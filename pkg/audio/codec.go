package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// pcm16Scale is the float-to-integer scale used by the PCM16 codec. Encoding
// multiplies by it and truncates; decoding divides by it.
const pcm16Scale = 32768.0

// ErrOddLength reports a PCM16 payload whose byte length is not a multiple
// of two.
var ErrOddLength = errors.New("odd PCM16 byte length")

// DecodeError reports malformed inbound audio: invalid transport text or a
// PCM16 payload that cannot be split into whole samples. A DecodeError is
// never fatal to a session; the offending chunk is dropped.
type DecodeError struct {
	// Op names the failing stage ("base64" or "pcm16").
	Op string

	// Len is the length of the rejected input.
	Len int

	Err error
}

// Error implements error.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("audio: decode %s (%d bytes): %v", e.Op, e.Len, e.Err)
}

// Unwrap returns the underlying cause.
func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is or wraps a [*DecodeError].
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// FloatToPCM16 converts one float sample to int16 by scaling with 32768 and
// truncating toward zero. Samples outside the representable range saturate
// at -32768 and 32767; NaN encodes as silence.
func FloatToPCM16(x float32) int16 {
	v := float64(x) * pcm16Scale
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// PCM16ToFloat converts one int16 sample back to a float in [-1, 1).
func PCM16ToFloat(s int16) float32 {
	return float32(s) / pcm16Scale
}

// EncodePCM16 encodes float samples as little-endian signed 16-bit PCM.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, x := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(FloatToPCM16(x)))
	}
	return out
}

// DecodePCM16 decodes little-endian signed 16-bit PCM into float samples. An
// odd byte length returns a [*DecodeError].
func DecodePCM16(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, &DecodeError{Op: "pcm16", Len: len(pcm), Err: ErrOddLength}
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = PCM16ToFloat(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out, nil
}

// SamplesToPCM16 serialises int16 samples as little-endian bytes.
func SamplesToPCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// PCM16ToSamples parses little-endian bytes into int16 samples.
func PCM16ToSamples(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, &DecodeError{Op: "pcm16", Len: len(pcm), Err: ErrOddLength}
	}
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out, nil
}

// EncodeTransport wraps binary audio in standard base64 for text transports.
func EncodeTransport(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeTransport reverses [EncodeTransport]. Invalid text returns a
// [*DecodeError].
func DecodeTransport(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &DecodeError{Op: "base64", Len: len(s), Err: err}
	}
	return b, nil
}

// DecodeTransportPCM16 decodes a base64 PCM16 payload straight into float
// samples, as received from the agent.
func DecodeTransportPCM16(s string) ([]float32, error) {
	pcm, err := DecodeTransport(s)
	if err != nil {
		return nil, err
	}
	return DecodePCM16(pcm)
}

// EncodeFrame returns the transport text for a captured frame.
func EncodeFrame(f AudioFrame) string {
	return EncodeTransport(SamplesToPCM16(f.Samples))
}
