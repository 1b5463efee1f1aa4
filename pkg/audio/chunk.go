// Package audio defines the PCM value types shared by the capture and
// playback pipelines, the format helpers that move audio between device and
// session formats, and the [Framer] that slices a continuous sample stream
// into fixed-size transport chunks.
//
// All PCM in this package is signed 16-bit little-endian, interleaved when
// more than one channel is present.
package audio

import (
	"encoding/base64"
	"fmt"
	"time"
)

// BytesPerSample is the size of one S16LE sample.
const BytesPerSample = 2

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// FrameSize returns the number of bytes occupied by one sample across all
// channels.
func (f Format) FrameSize() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return ch * BytesPerSample
}

// Duration returns how long n bytes of PCM in this format play for.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	frames := n / f.FrameSize()
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// String returns a human-readable description, e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Chunk is one immutable window of captured audio, ready for transmission.
// Producers must not modify Data after handing a Chunk off.
type Chunk struct {
	SampleRate int
	Channels   int
	Data       []byte
}

// Format returns the chunk's stream format.
func (c Chunk) Format() Format {
	return Format{SampleRate: c.SampleRate, Channels: c.Channels}
}

// MIMEType returns the transport MIME type, e.g. "audio/pcm;rate=16000".
func (c Chunk) MIMEType() string {
	return fmt.Sprintf("audio/pcm;rate=%d", c.SampleRate)
}

// Base64 returns the standard base64 encoding of the chunk payload.
func (c Chunk) Base64() string {
	return base64.StdEncoding.EncodeToString(c.Data)
}

// Duration returns the playback length of the chunk.
func (c Chunk) Duration() time.Duration {
	return c.Format().Duration(len(c.Data))
}
