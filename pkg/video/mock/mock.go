// Package mock provides a scripted [video.Source] for tests.
//
// Frames are pushed by the test with [Source.Push]; the source ends on its own
// when the test calls [Source.End], as a camera would when unplugged or a
// screen share when revoked.
package mock

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/MrWong99/murmur/pkg/video"
)

var _ video.Source = (*Source)(nil)

// Source is a mock implementation of [video.Source].
// Set the exported fields before use; inspect the CallCount* fields after.
type Source struct {
	mu sync.Mutex

	// DeviceName is returned by Name. Defaults to "mock-camera".
	DeviceName string

	// SourceKind is returned by Kind. Defaults to [video.KindCamera].
	SourceKind video.SourceKind

	// OpenErr is returned by Open.
	OpenErr error

	// OpenBlock, when non-nil, makes Open wait until it is closed or ctx ends.
	OpenBlock chan struct{}

	// CloseErr is returned by Close.
	CloseErr error

	CallCountOpen  int
	CallCountClose int

	frames chan image.Image
	done   chan struct{}
	closed chan struct{}
	err    error
}

func (s *Source) init() {
	if s.frames == nil {
		s.frames = make(chan image.Image)
	}
}

// Name implements [video.Source].
func (s *Source) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeviceName == "" {
		return "mock-camera"
	}
	return s.DeviceName
}

// Kind implements [video.Source].
func (s *Source) Kind() video.SourceKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SourceKind == "" {
		return video.KindCamera
	}
	return s.SourceKind
}

// Open implements [video.Source].
func (s *Source) Open(ctx context.Context) error {
	s.mu.Lock()
	s.CallCountOpen++
	block := s.OpenBlock
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OpenErr != nil {
		return s.OpenErr
	}
	s.init()
	s.done = make(chan struct{})
	s.closed = make(chan struct{})
	s.err = nil
	return nil
}

// Frames implements [video.Source].
func (s *Source) Frames() <-chan image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	return s.frames
}

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
	s.CallCountClose++
	if s.closed != nil {
		select {
		case <-s.closed:
		default:
			close(s.closed)
		}
	}
	return s.CloseErr
}

// Push hands img to the consumer, blocking until it is received. It reports
// false if the source is closed first or nothing receives within a second.
func (s *Source) Push(img image.Image) bool {
	s.mu.Lock()
	s.init()
	frames, closed := s.frames, s.closed
	s.mu.Unlock()
	if closed == nil {
		return false
	}
	select {
	case frames <- img:
		return true
	case <-closed:
		return false
	case <-time.After(time.Second):
		return false
	}
}

// End terminates the source on its own with err, as if the device went away.
func (s *Source) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return
	}
	select {
	case <-s.done:
	default:
		s.err = err
		close(s.done)
	}
}

// Opens returns CallCountOpen.
func (s *Source) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountOpen
}

// Closes returns CallCountClose.
func (s *Source) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}
