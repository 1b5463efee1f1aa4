// Package screen implements a [video.Source] that captures a display with
// kbinani/screenshot.
//
// The display is polled at a fixed interval. A capture failure, such as the
// display disappearing or screen-recording permission being revoked, ends
// the source: Done is closed and Err reports the cause.
package screen

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/kbinani/screenshot"

	"github.com/MrWong99/murmur/pkg/video"
)

var _ video.Source = (*Source)(nil)

// ErrNoDisplay is returned by Open when the requested display does not exist.
var ErrNoDisplay = errors.New("screen: display not found")

// CaptureFunc grabs one image of the display with the given index.
type CaptureFunc func(display int) (image.Image, error)

// Option is a functional option for configuring a Source.
type Option func(*Source)

// WithDisplay selects the display index. Defaults to 0 (primary).
func WithDisplay(i int) Option {
	return func(s *Source) { s.display = i }
}

// WithInterval sets the polling interval. Defaults to 1s.
func WithInterval(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithCapture replaces the capture backend. Used in tests.
func WithCapture(fn CaptureFunc, displays func() int) Option {
	return func(s *Source) {
		s.capture = fn
		s.displays = displays
	}
}

// Source polls a display for frames.
type Source struct {
	display  int
	interval time.Duration
	capture  CaptureFunc
	displays func() int

	frames chan image.Image

	mu     sync.Mutex
	done   chan struct{}
	stop   chan struct{}
	err    error
	closed bool
}

// New returns a screen Source.
func New(opts ...Option) *Source {
	s := &Source{
		interval: time.Second,
		capture: func(display int) (image.Image, error) {
			return screenshot.CaptureDisplay(display)
		},
		displays: screenshot.NumActiveDisplays,
		frames:   make(chan image.Image, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Name implements [video.Source].
func (s *Source) Name() string { return fmt.Sprintf("display-%d", s.display) }

// Kind implements [video.Source].
func (s *Source) Kind() video.SourceKind { return video.KindScreen }

// Open implements [video.Source]. It captures one frame synchronously so that
// a missing permission surfaces here rather than after capture started.
func (s *Source) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.display < 0 || s.display >= s.displays() {
		return ErrNoDisplay
	}
	first, err := s.capture(s.display)
	if err != nil {
		return fmt.Errorf("screen: capture display %d: %w", s.display, err)
	}

	s.mu.Lock()
	s.done = make(chan struct{})
	s.stop = make(chan struct{})
	s.err = nil
	s.closed = false
	done, stop := s.done, s.stop
	s.mu.Unlock()

	s.offer(first)
	go s.poll(done, stop)
	return nil
}

func (s *Source) poll(done, stop chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			img, err := s.capture(s.display)
			if err != nil {
				s.mu.Lock()
				if !s.closed {
					s.err = err
					s.closed = true
					close(done)
				}
				s.mu.Unlock()
				return
			}
			s.offer(img)
		}
	}
}

// offer replaces any unconsumed frame with img.
func (s *Source) offer(img image.Image) {
	select {
	case s.frames <- img:
		return
	default:
	}
	select {
	case <-s.frames:
	default:
	}
	select {
	case s.frames <- img:
	default:
	}
}

// Frames implements [video.Source].
func (s *Source) Frames() <-chan image.Image { return s.frames }

// Done implements [video.Source].
func (s *Source) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err implements [video.Source].
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [video.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.closed = true
	return nil
}
