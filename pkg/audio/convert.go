package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter converts interleaved float blocks to a mono target rate.
// It logs a warning on the first format mismatch and on the first ragged
// block (length not a multiple of the channel count).
// Create one per stream; not designed for shared use across goroutines.
//
// Resampling is continuous across blocks: the interpolation phase and the
// last source sample carry over, so block boundaries neither drop samples
// nor shift the phase.
type FormatConverter struct {
	// Target is the output format. Only mono targets are supported; the
	// Channels field is ignored.
	Target Format

	// srcRate is the rate pos and last belong to. pos is the next output
	// position relative to the current block start, in units of
	// 1/Target.SampleRate source samples. Negative means between last and
	// the block's first sample.
	srcRate int
	pos     int64
	last    float32

	warnedMismatch sync.Once
	warnedRagged   sync.Once
}

// Convert downmixes and resamples block from src to the target rate. When src
// already matches the target the block is returned unchanged (zero
// allocation). Ragged blocks are dropped and nil is returned.
func (c *FormatConverter) Convert(block []float32, src Format) []float32 {
	channels := max(src.Channels, 1)
	if len(block)%channels != 0 {
		c.warnedRagged.Do(func() {
			slog.Warn("audio format converter: ragged block, dropping",
				"samples", len(block),
				"channels", channels,
			)
		})
		return nil
	}

	if src.SampleRate == c.Target.SampleRate && channels == 1 {
		return block
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(src.SampleRate, channels),
			"to", formatString(c.Target.SampleRate, 1),
		)
	})

	// Downmix first so that only one channel is resampled.
	mono := Downmix(block, channels)
	return c.resample(mono, src.SampleRate)
}

// resample is the streaming form of [ResampleMono].
func (c *FormatConverter) resample(mono []float32, srcRate int) []float32 {
	dstRate := c.Target.SampleRate
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return mono
	}
	if len(mono) == 0 {
		return nil
	}
	if srcRate != c.srcRate {
		c.srcRate, c.pos, c.last = srcRate, 0, 0
	}

	n, src, dst := int64(len(mono)), int64(srcRate), int64(dstRate)
	end := (n - 1) * dst
	out := make([]float32, 0, n*dst/src+1)
	for ; c.pos <= end; c.pos += src {
		if c.pos < 0 {
			frac := float32(c.pos+dst) / float32(dst)
			out = append(out, c.last*(1-frac)+mono[0]*frac)
			continue
		}
		k := c.pos / dst
		frac := float32(c.pos%dst) / float32(dst)
		s0 := mono[k]
		s1 := s0
		if k+1 < n {
			s1 = mono[k+1]
		}
		out = append(out, s0*(1-frac)+s1*frac)
	}
	c.pos -= n * dst
	c.last = mono[n-1]
	return out
}

// Downmix averages interleaved channels into a mono signal. A single-channel
// input is returned unchanged.
func Downmix(block []float32, channels int) []float32 {
	if channels <= 1 {
		return block
	}
	frames := len(block) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += block[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// ResampleMono resamples mono samples from srcRate to dstRate using linear
// interpolation. If srcRate == dstRate, or either rate is not positive, the
// input is returned unchanged.
func ResampleMono(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstSamples := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]float32, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
