// Package miniaudio provides the microphone and speaker used by the capture
// and playback pipelines, backed by miniaudio through gen2brain/malgo.
//
// A single [Context] owns the miniaudio backend context; devices created from
// it must be closed before the context.
package miniaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/audio/capture"
	"github.com/MrWong99/murmur/pkg/audio/playback"
)

var (
	_ capture.Microphone = (*Microphone)(nil)
	_ playback.Speaker   = (*Speaker)(nil)
)

var errNotOpen = errors.New("miniaudio: device not open")

// Context wraps an initialised miniaudio context.
type Context struct {
	allocated *malgo.AllocatedContext
}

// NewContext initialises the miniaudio backend. Backend diagnostics are
// forwarded to logger at debug level.
func NewContext(logger *slog.Logger) (*Context, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug("miniaudio", "msg", message)
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w", err)
	}
	return &Context{allocated: ctx}, nil
}

// Close releases the backend context.
func (c *Context) Close() error {
	if c.allocated == nil {
		return nil
	}
	err := c.allocated.Uninit()
	c.allocated.Free()
	c.allocated = nil
	if err != nil {
		return fmt.Errorf("miniaudio: uninit context: %w", err)
	}
	return nil
}

// ── Microphone ────────────────────────────────────────────────────────────────

// Microphone is the default capture device.
type Microphone struct {
	ctx *Context

	mu     sync.Mutex
	device *malgo.Device
	format audio.Format
	onData func([]byte)
}

// NewMicrophone returns a Microphone on the default capture device.
func (c *Context) NewMicrophone() *Microphone {
	return &Microphone{ctx: c}
}

// Name implements [capture.Microphone].
func (m *Microphone) Name() string { return "default-capture" }

// Open implements [capture.Microphone]. miniaudio converts to the requested
// format itself, so the returned format always equals want.
func (m *Microphone) Open(_ context.Context, want audio.Format) (audio.Format, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device != nil {
		return m.format, nil
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.SampleRate = uint32(want.SampleRate)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(want.Channels)
	cfg.Alsa.NoMMap = 1
	cfg.PerformanceProfile = malgo.LowLatency
	cfg.PeriodSizeInMilliseconds = 20

	frameBytes := malgo.SampleSizeInBytes(malgo.FormatS16) * want.Channels
	dev, err := malgo.InitDevice(m.ctx.allocated.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, in []byte, frames uint32) {
			n := int(frames) * frameBytes
			if n == 0 || len(in) < n {
				return
			}
			m.mu.Lock()
			cb := m.onData
			m.mu.Unlock()
			if cb != nil {
				cb(in[:n])
			}
		},
	})
	if err != nil {
		return audio.Format{}, fmt.Errorf("miniaudio: init capture device: %w", err)
	}
	m.device = dev
	m.format = want
	return want, nil
}

// Start implements [capture.Microphone].
func (m *Microphone) Start(onData func([]byte)) error {
	m.mu.Lock()
	dev := m.device
	if dev == nil {
		m.mu.Unlock()
		return errNotOpen
	}
	m.onData = onData
	m.mu.Unlock()

	if dev.IsStarted() {
		return nil
	}
	if err := dev.Start(); err != nil {
		m.mu.Lock()
		m.onData = nil
		m.mu.Unlock()
		return fmt.Errorf("miniaudio: start capture device: %w", err)
	}
	return nil
}

// Close implements [capture.Microphone].
func (m *Microphone) Close() error {
	m.mu.Lock()
	dev := m.device
	m.device = nil
	m.onData = nil
	m.mu.Unlock()

	if dev == nil {
		return nil
	}
	// Stop and Uninit wait for the audio thread, which takes m.mu in the
	// data callback; the lock must not be held here.
	var err error
	if dev.IsStarted() {
		err = dev.Stop()
	}
	dev.Uninit()
	if err != nil {
		return fmt.Errorf("miniaudio: stop capture device: %w", err)
	}
	return nil
}

// ── Speaker ───────────────────────────────────────────────────────────────────

// Speaker is the default playback device. Written PCM is queued in memory and
// pulled by the device callback.
type Speaker struct {
	ctx *Context

	mu     sync.Mutex
	device *malgo.Device

	bufMu sync.Mutex
	buf   []byte
}

// NewSpeaker returns a Speaker on the default playback device.
func (c *Context) NewSpeaker() *Speaker {
	return &Speaker{ctx: c}
}

// Name implements [playback.Speaker].
func (s *Speaker) Name() string { return "default-playback" }

// Open implements [playback.Speaker].
func (s *Speaker) Open(f audio.Format) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		return nil
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(f.Channels)
	cfg.Alsa.NoMMap = 1
	cfg.PeriodSizeInMilliseconds = 20

	frameBytes := malgo.SampleSizeInBytes(malgo.FormatS16) * f.Channels
	dev, err := malgo.InitDevice(s.ctx.allocated.Context, cfg, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, frames uint32) {
			need := min(int(frames)*frameBytes, len(out))
			s.bufMu.Lock()
			n := copy(out[:need], s.buf)
			s.buf = s.buf[n:]
			s.bufMu.Unlock()
			clear(out[n:need])
		},
	})
	if err != nil {
		return fmt.Errorf("miniaudio: init playback device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return fmt.Errorf("miniaudio: start playback device: %w", err)
	}
	s.device = dev
	return nil
}

// Write implements [playback.Speaker].
func (s *Speaker) Write(pcm []byte) error {
	s.mu.Lock()
	open := s.device != nil
	s.mu.Unlock()
	if !open {
		return errNotOpen
	}
	s.bufMu.Lock()
	s.buf = append(s.buf, pcm...)
	s.bufMu.Unlock()
	return nil
}

// Flush implements [playback.Speaker].
func (s *Speaker) Flush() {
	s.bufMu.Lock()
	s.buf = nil
	s.bufMu.Unlock()
}

// Close implements [playback.Speaker].
func (s *Speaker) Close() error {
	s.mu.Lock()
	dev := s.device
	s.device = nil
	s.mu.Unlock()

	s.Flush()
	if dev == nil {
		return nil
	}
	var err error
	if dev.IsStarted() {
		err = dev.Stop()
	}
	dev.Uninit()
	if err != nil {
		return fmt.Errorf("miniaudio: stop playback device: %w", err)
	}
	return nil
}
