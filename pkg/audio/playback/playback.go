// Package playback renders inbound speech PCM through a single output device
// without gaps or overlaps, and supports cutting playback off mid-utterance.
//
// The [Scheduler] keeps a monotonic "next start" cursor. Each enqueued buffer
// is scheduled to begin exactly when the previous one ends, or now if the
// cursor has fallen behind the clock. Buffers are handed to the [Speaker] when
// their start time arrives; an interrupt discards everything not yet started
// and pulls the cursor back to the present.
package playback

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/device"
)

// ErrInactive is returned by [Scheduler.Enqueue] before
// [Scheduler.Initialize] or after [Scheduler.Stop].
var ErrInactive = errors.New("playback: output not initialized")

// Speaker is an audio output device that plays PCM written to it back to back.
type Speaker interface {
	// Name identifies the device for exclusive-ownership tracking.
	Name() string

	// Open acquires the hardware for the given format.
	Open(f audio.Format) error

	// Write appends pcm to the device buffer without blocking on playback.
	Write(pcm []byte) error

	// Flush discards everything written but not yet played.
	Flush()

	// Close releases the hardware.
	Close() error
}

// Interval is the span during which one buffer was scheduled to sound.
type Interval struct {
	Start, End time.Time
}

// Option is a functional option for configuring a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock, typically with a [clock.Mock] in tests.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLookahead hands buffers to the speaker this long before their start
// time so the device never runs dry waiting for a timer. Defaults to 0.
func WithLookahead(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.lookahead = d
		}
	}
}

// WithRegistry sets the device registry. Defaults to [device.Default].
func WithRegistry(r *device.Registry) Option {
	return func(s *Scheduler) { s.registry = r }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithHistory caps how many started intervals [Scheduler.Schedule] keeps.
// Defaults to 256.
func WithHistory(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.historyCap = n
		}
	}
}

type segment struct {
	start time.Time
	dur   time.Duration
	pcm   []byte
	timer *clock.Timer
}

// Scheduler is the gapless playback queue. All methods are safe for
// concurrent use.
type Scheduler struct {
	spk        Speaker
	format     audio.Format
	clock      clock.Clock
	registry   *device.Registry
	lookahead  time.Duration
	historyCap int
	logger     *slog.Logger

	// writeMu serialises speaker writes against Interrupt's flush. Lock
	// order is writeMu before mu.
	writeMu sync.Mutex

	mu       sync.Mutex
	active   bool
	release  func()
	next     time.Time
	carry    []byte
	pending  []*segment
	history  []Interval
	onVolume func(float64)
}

// New creates a Scheduler that plays mono PCM at sampleRate through spk.
func New(spk Speaker, sampleRate int, opts ...Option) *Scheduler {
	s := &Scheduler{
		spk:        spk,
		format:     audio.Format{SampleRate: sampleRate, Channels: 1},
		clock:      clock.New(),
		registry:   device.Default,
		historyCap: 256,
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Format returns the PCM format the scheduler expects.
func (s *Scheduler) Format() audio.Format { return s.format }

// OnVolume registers fn to receive the peak level of each buffer as it
// starts playing. fn runs on a timer goroutine and must not block.
func (s *Scheduler) OnVolume(fn func(float64)) {
	s.mu.Lock()
	s.onVolume = fn
	s.mu.Unlock()
}

// Initialize acquires and opens the output device. It is a no-op when the
// scheduler is already active. A device held by another owner yields a
// [*device.Error] wrapping [device.ErrBusy].
func (s *Scheduler) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return nil
	}

	release, err := s.registry.Acquire(device.KindSpeaker, s.spk.Name())
	if err != nil {
		return &device.Error{Kind: device.KindSpeaker, Name: s.spk.Name(), Err: err}
	}
	if err := s.spk.Open(s.format); err != nil {
		release()
		var de *device.Error
		if errors.As(err, &de) {
			return err
		}
		return &device.Error{Kind: device.KindSpeaker, Name: s.spk.Name(), Err: err}
	}
	s.active = true
	s.release = release
	s.next = time.Time{}
	s.logger.Debug("playback: initialized", "device", s.spk.Name(), "format", s.format.String())
	return nil
}

// Resume makes sure the output device is held, acquiring it if needed.
func (s *Scheduler) Resume() error { return s.Initialize() }

// Active reports whether the scheduler holds the output device.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Enqueue schedules pcm to play right after everything already queued. A
// trailing odd byte is held back and prefixed to the next buffer.
func (s *Scheduler) Enqueue(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return ErrInactive
	}

	if len(s.carry) > 0 {
		pcm = append(s.carry, pcm...)
		s.carry = nil
	}
	frame := s.format.FrameSize()
	if rem := len(pcm) % frame; rem != 0 {
		s.carry = append([]byte(nil), pcm[len(pcm)-rem:]...)
		pcm = pcm[:len(pcm)-rem]
	}
	if len(pcm) == 0 {
		return nil
	}
	data := make([]byte, len(pcm))
	copy(data, pcm)

	now := s.clock.Now()
	start := s.next
	if start.Before(now) {
		start = now
	}
	seg := &segment{start: start, dur: s.format.Duration(len(data)), pcm: data}
	s.next = start.Add(seg.dur)
	s.pending = append(s.pending, seg)

	delay := start.Sub(now) - s.lookahead
	if delay < 0 {
		delay = 0
	}
	seg.timer = s.clock.AfterFunc(delay, func() { s.render(seg) })
	return nil
}

// render writes every pending segment up to and including seg, in order.
// Segments removed by Interrupt or Stop are skipped.
func (s *Scheduler) render(seg *segment) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	idx := -1
	for i, p := range s.pending {
		if p == seg {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	due := s.pending[:idx+1]
	s.pending = append([]*segment(nil), s.pending[idx+1:]...)
	for _, d := range due {
		if d != seg {
			d.timer.Stop()
		}
		s.history = append(s.history, Interval{Start: d.start, End: d.start.Add(d.dur)})
	}
	if over := len(s.history) - s.historyCap; over > 0 {
		s.history = append([]Interval(nil), s.history[over:]...)
	}
	onVolume := s.onVolume
	s.mu.Unlock()

	for _, d := range due {
		if err := s.spk.Write(d.pcm); err != nil {
			s.logger.Warn("playback: speaker write failed", "device", s.spk.Name(), "err", err)
			return
		}
		if onVolume != nil {
			onVolume(audio.Peak(d.pcm))
		}
	}
}

// Interrupt stops output immediately: buffers not yet started are discarded,
// the device buffer is flushed and the cursor is reset to now so the next
// buffer starts without delay. Rendered audio is never replayed.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	discarded := s.clearLocked()
	now := s.clock.Now()
	s.next = now
	for i := range s.history {
		h := &s.history[i]
		if h.End.After(now) {
			h.End = now
			if h.Start.After(now) {
				h.Start = now
			}
		}
	}
	active := s.active
	s.mu.Unlock()

	if !active {
		return
	}
	s.writeMu.Lock()
	s.spk.Flush()
	s.writeMu.Unlock()
	s.logger.Debug("playback: interrupted", "discarded", discarded)
}

// Stop releases the output device and clears the queue. It is safe to call
// in any state and repeated calls are no-ops.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.clearLocked()
	s.next = time.Time{}
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	release := s.release
	s.release = nil
	s.mu.Unlock()

	s.writeMu.Lock()
	s.spk.Flush()
	err := s.spk.Close()
	s.writeMu.Unlock()
	if err != nil {
		s.logger.Warn("playback: closing speaker", "device", s.spk.Name(), "err", err)
	}
	release()
}

// clearLocked cancels all pending timers and drops queued buffers. s.mu must
// be held.
func (s *Scheduler) clearLocked() int {
	n := len(s.pending)
	for _, p := range s.pending {
		p.timer.Stop()
	}
	s.pending = nil
	s.carry = nil
	return n
}

// Pending returns the number of buffers scheduled but not yet started.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Next returns the scheduled start of the next enqueued buffer if the queue
// were not behind the clock.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Schedule returns the intervals of buffers that have started playing, oldest
// first. Intervals cut short by an interrupt end at the interrupt time.
func (s *Scheduler) Schedule() []Interval {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Interval(nil), s.history...)
}
