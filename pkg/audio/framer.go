package audio

// DefaultWindow is the default transport window: 100 ms of mono 16 kHz PCM.
const DefaultWindow = 3200

// Framer slices a continuous mono PCM stream into fixed-size [Chunk] values.
// Bytes that do not yet fill a window are held until the next Write.
//
// A Framer is not safe for concurrent use.
type Framer struct {
	rate   int
	window int
	buf    []byte
}

// NewFramer returns a Framer producing chunks of windowBytes bytes at the
// given sample rate. windowBytes is rounded down to a whole sample and
// defaults to [DefaultWindow] when not positive.
func NewFramer(sampleRate, windowBytes int) *Framer {
	if windowBytes <= 0 {
		windowBytes = DefaultWindow
	}
	windowBytes -= windowBytes % BytesPerSample
	if windowBytes == 0 {
		windowBytes = BytesPerSample
	}
	return &Framer{
		rate:   sampleRate,
		window: windowBytes,
		buf:    make([]byte, 0, windowBytes*2),
	}
}

// Window returns the chunk size in bytes.
func (f *Framer) Window() int { return f.window }

// Write appends pcm to the pending buffer and returns every complete window,
// in order. Each returned chunk owns its data.
func (f *Framer) Write(pcm []byte) []Chunk {
	f.buf = append(f.buf, pcm...)
	if len(f.buf) < f.window {
		return nil
	}

	var out []Chunk
	off := 0
	for len(f.buf)-off >= f.window {
		data := make([]byte, f.window)
		copy(data, f.buf[off:off+f.window])
		out = append(out, Chunk{SampleRate: f.rate, Channels: 1, Data: data})
		off += f.window
	}
	rest := copy(f.buf, f.buf[off:])
	f.buf = f.buf[:rest]
	return out
}

// Flush returns the pending partial window, if any, and empties the buffer.
func (f *Framer) Flush() (Chunk, bool) {
	if len(f.buf) == 0 {
		return Chunk{}, false
	}
	data := make([]byte, len(f.buf))
	copy(data, f.buf)
	f.buf = f.buf[:0]
	return Chunk{SampleRate: f.rate, Channels: 1, Data: data}, true
}

// Reset discards the pending partial window.
func (f *Framer) Reset() { f.buf = f.buf[:0] }

// Pending returns the number of buffered bytes not yet emitted.
func (f *Framer) Pending() int { return len(f.buf) }
