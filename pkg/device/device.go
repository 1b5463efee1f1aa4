// Package device arbitrates exclusive ownership of local media hardware.
//
// Microphones, cameras, screen-share sources and audio output devices are each
// held by exactly one owner at a time. A second acquisition of the same device
// fails fast with [ErrBusy] instead of silently multiplexing the hardware.
//
// Failures while acquiring or operating a device are reported as [*Error]
// values so that callers can distinguish hardware problems from protocol or
// configuration errors with [errors.As].
package device

import (
	"errors"
	"fmt"
	"sync"
)

// ErrBusy is returned by [Registry.Acquire] when the device is already held.
var ErrBusy = errors.New("device: already in use")

// Kind classifies a piece of media hardware.
type Kind string

const (
	KindMicrophone Kind = "microphone"
	KindSpeaker    Kind = "speaker"
	KindCamera     Kind = "camera"
	KindScreen     Kind = "screen"
)

// Error reports a device acquisition or runtime failure.
type Error struct {
	// Kind is the class of device that failed.
	Kind Kind

	// Name identifies the concrete device (e.g. "default", "/dev/video0").
	Name string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("device: %s %q: %v", e.Kind, e.Name, e.Err)
	}
	return fmt.Sprintf("device: %s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Registry tracks which devices are currently held. The zero value is ready
// to use. All methods are safe for concurrent use.
type Registry struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// Default is the process-wide registry used by pipelines that are not given
// one explicitly.
var Default = &Registry{}

// Acquire marks the device identified by kind and name as held and returns a
// release function. The release function is idempotent. If the device is
// already held, Acquire returns [ErrBusy] and a nil release function.
func (r *Registry) Acquire(kind Kind, name string) (release func(), err error) {
	key := string(kind) + "/" + name

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.held == nil {
		r.held = make(map[string]struct{})
	}
	if _, ok := r.held[key]; ok {
		return nil, ErrBusy
	}
	r.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.held, key)
			r.mu.Unlock()
		})
	}, nil
}

// Held reports whether the device identified by kind and name is held.
func (r *Registry) Held(kind Kind, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.held[string(kind)+"/"+name]
	return ok
}
