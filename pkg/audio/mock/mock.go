// Package mock provides in-memory test doubles for the audio device
// interfaces [capture.Microphone] and [playback.Speaker].
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mic := &mock.Microphone{DeviceFormat: audio.Format{SampleRate: 48000, Channels: 2}}
//	p := capture.New(mic)
//	_ = p.Start(ctx, sink)
//	mic.Emit(pcm) // as if the device delivered pcm
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/audio/capture"
	"github.com/MrWong99/murmur/pkg/audio/playback"
)

var (
	_ capture.Microphone = (*Microphone)(nil)
	_ playback.Speaker   = (*Speaker)(nil)
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [capture.Microphone].
// Set the exported fields before use; inspect the CallCount* fields after.
type Microphone struct {
	mu sync.Mutex

	// DeviceName is returned by Name. Defaults to "mock-mic".
	DeviceName string

	// DeviceFormat is returned by Open. Defaults to the requested format.
	DeviceFormat audio.Format

	// OpenErr is returned by Open.
	OpenErr error

	// StartErr is returned by Start.
	StartErr error

	// CloseErr is returned by Close.
	CloseErr error

	// OpenBlock, when non-nil, makes Open wait until it is closed or ctx ends.
	OpenBlock chan struct{}

	CallCountOpen  int
	CallCountStart int
	CallCountClose int

	onData func([]byte)
}

// Name implements [capture.Microphone].
func (m *Microphone) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeviceName == "" {
		return "mock-mic"
	}
	return m.DeviceName
}

// Open implements [capture.Microphone].
func (m *Microphone) Open(ctx context.Context, want audio.Format) (audio.Format, error) {
	m.mu.Lock()
	m.CallCountOpen++
	block := m.OpenBlock
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return audio.Format{}, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OpenErr != nil {
		return audio.Format{}, m.OpenErr
	}
	if m.DeviceFormat.SampleRate == 0 {
		return want, nil
	}
	return m.DeviceFormat, nil
}

// Start implements [capture.Microphone]. The callback is kept for [Microphone.Emit].
func (m *Microphone) Start(onData func([]byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountStart++
	if m.StartErr != nil {
		return m.StartErr
	}
	m.onData = onData
	return nil
}

// Close implements [capture.Microphone].
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountClose++
	m.onData = nil
	return m.CloseErr
}

// Emit delivers pcm to the registered callback as the device thread would.
// It reports false when the microphone is not started.
func (m *Microphone) Emit(pcm []byte) bool {
	m.mu.Lock()
	cb := m.onData
	m.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(pcm)
	return true
}

// Opens returns CallCountOpen.
func (m *Microphone) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCountOpen
}

// Closes returns CallCountClose.
func (m *Microphone) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCountClose
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker is a mock implementation of [playback.Speaker].
type Speaker struct {
	mu sync.Mutex

	// DeviceName is returned by Name. Defaults to "mock-speaker".
	DeviceName string

	// OpenErr is returned by Open.
	OpenErr error

	// WriteErr is returned by Write.
	WriteErr error

	// Writes holds every buffer written since the last Flush, in order.
	Writes [][]byte

	// Played holds every buffer ever written, in order, across flushes.
	Played [][]byte

	// OpenFormats records the format passed to each Open call.
	OpenFormats []audio.Format

	CallCountFlush int
	CallCountClose int
}

// Name implements [playback.Speaker].
func (s *Speaker) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeviceName == "" {
		return "mock-speaker"
	}
	return s.DeviceName
}

// Open implements [playback.Speaker].
func (s *Speaker) Open(f audio.Format) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenFormats = append(s.OpenFormats, f)
	return s.OpenErr
}

// Write implements [playback.Speaker].
func (s *Speaker) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	buf := slices.Clone(pcm)
	s.Writes = append(s.Writes, buf)
	s.Played = append(s.Played, buf)
	return nil
}

// Flush implements [playback.Speaker]. Buffered writes are discarded.
func (s *Speaker) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountFlush++
	s.Writes = nil
}

// Close implements [playback.Speaker].
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return nil
}

// Snapshot returns copies of Played and the flush count.
func (s *Speaker) Snapshot() (played [][]byte, flushes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.Played), s.CallCountFlush
}

// Opens returns the number of Open calls.
func (s *Speaker) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.OpenFormats)
}
