package audio

import (
	"log/slog"
	"sync"
)

// Converter turns device PCM into mono PCM at a target rate. It carries any
// trailing partial frame over to the next call, so callers may feed it
// arbitrarily sized buffers straight from a device callback.
//
// A Converter holds per-stream state; create one per stream and do not share
// it across goroutines.
type Converter struct {
	From Format
	To   int // target sample rate, mono

	carry      []byte
	warnFormat sync.Once
}

// Convert appends pcm to any carried bytes, downmixes every whole frame to
// mono and resamples it to the target rate. If the source is already mono at
// the target rate the whole frames are returned without copying.
func (c *Converter) Convert(pcm []byte) []byte {
	frame := c.From.FrameSize()
	if len(c.carry) > 0 {
		pcm = append(c.carry, pcm...)
		c.carry = nil
	}
	whole := len(pcm) - len(pcm)%frame
	if whole < len(pcm) {
		c.carry = append([]byte(nil), pcm[whole:]...)
	}
	pcm = pcm[:whole]
	if len(pcm) == 0 {
		return nil
	}

	if c.From.Channels > 1 || c.From.SampleRate != c.To {
		c.warnFormat.Do(func() {
			slog.Debug("audio: converting device format",
				"from", c.From.String(),
				"to", Format{SampleRate: c.To, Channels: 1}.String(),
			)
		})
	}

	if c.From.Channels > 1 {
		pcm = Downmix(pcm, c.From.Channels)
	}
	return Resample(pcm, c.From.SampleRate, c.To)
}

// Reset discards any carried partial frame.
func (c *Converter) Reset() { c.carry = nil }

// Downmix averages every interleaved frame of the given channel count into a
// single mono sample. Trailing bytes that do not form a whole frame are
// ignored.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frameBytes := channels * BytesPerSample
	frames := len(pcm) / frameBytes
	out := make([]byte, frames*BytesPerSample)
	for i := range frames {
		var sum int32
		base := i * frameBytes
		for ch := range channels {
			sum += int32(sampleAt(pcm, base+ch*BytesPerSample))
		}
		putSample(out, i*BytesPerSample, clamp16(sum/int32(channels)))
	}
	return out
}

// Upmix duplicates each mono sample into the given number of channels.
func Upmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	samples := len(pcm) / BytesPerSample
	out := make([]byte, samples*channels*BytesPerSample)
	for i := range samples {
		lo, hi := pcm[i*2], pcm[i*2+1]
		for ch := range channels {
			j := (i*channels + ch) * BytesPerSample
			out[j], out[j+1] = lo, hi
		}
	}
	return out
}

// Resample converts mono PCM from srcRate to dstRate with linear
// interpolation. The input is returned unchanged when the rates match or
// either rate is not positive.
func Resample(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < BytesPerSample {
		return pcm
	}
	n := len(pcm) / BytesPerSample
	m := int(int64(n) * int64(dstRate) / int64(srcRate))
	if m == 0 {
		return nil
	}

	out := make([]byte, m*BytesPerSample)
	step := float64(srcRate) / float64(dstRate)
	for i := range m {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := sampleAt(pcm, idx*BytesPerSample)
		s1 := s0
		if idx+1 < n {
			s1 = sampleAt(pcm, (idx+1)*BytesPerSample)
		}
		putSample(out, i*BytesPerSample, int16(float64(s0)*(1-frac)+float64(s1)*frac))
	}
	return out
}

// Peak returns the largest absolute sample in pcm normalised to [0, 1].
func Peak(pcm []byte) float64 {
	var peak int32
	for i := 0; i+1 < len(pcm); i += BytesPerSample {
		v := int32(sampleAt(pcm, i))
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	if peak >= 32768 {
		return 1
	}
	return float64(peak) / 32768
}

func sampleAt(pcm []byte, off int) int16 {
	return int16(pcm[off]) | int16(pcm[off+1])<<8
}

func putSample(dst []byte, off int, v int16) {
	dst[off] = byte(v)
	dst[off+1] = byte(v >> 8)
}

func clamp16(v int32) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	}
	return int16(v)
}
