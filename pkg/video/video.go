// Package video captures camera or screen frames, limits them to a bounded
// rate and encodes each kept frame as a downscaled JPEG.
//
// A [Pipeline] exclusively owns one [Source]. Frames that arrive while the
// rate limiter has no token are dropped rather than queued. Whether capture
// ends through [Pipeline.Stop] or because the source terminated on its own
// (for example the user revoked screen sharing), the same cleanup runs and
// the owner is notified through the callback set with [WithOnEnded].
package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/MrWong99/murmur/pkg/device"
)

// frameBurst is the limiter bucket size. A source that runs at the pipeline
// rate jitters around 1/fps, and a second token keeps an early frame from
// being dropped. The sustained rate stays at fps.
const frameBurst = 2

// ErrAlreadyActive is returned by [Pipeline.Start] while the pipeline is
// starting or running.
var ErrAlreadyActive = errors.New("video: already active")

// ErrStopped is returned by [Pipeline.Start] when [Pipeline.Stop] is called
// before the source finished opening.
var ErrStopped = errors.New("video: stopped during start")

// ErrSourceEnded is passed to the ended callback when the source terminated
// without a call to [Pipeline.Stop].
var ErrSourceEnded = errors.New("video: source ended")

// SourceKind distinguishes camera from screen sources.
type SourceKind string

const (
	KindCamera SourceKind = "camera"
	KindScreen SourceKind = "screen"
)

// Source produces raw frames from a camera or a screen.
type Source interface {
	// Name identifies the device for exclusive-ownership tracking.
	Name() string
	Kind() SourceKind

	// Open acquires the device and starts producing frames.
	Open(ctx context.Context) error

	// Frames delivers captured images. It is never closed.
	Frames() <-chan image.Image

	// Done is closed when the source ends on its own. Err then reports why.
	Done() <-chan struct{}
	Err() error

	// Close stops capture and releases the device.
	Close() error
}

// Frame is one encoded image ready for transmission.
type Frame struct {
	Data     []byte // JPEG
	Width    int
	Height   int
	Captured time.Time
}

// Preview shows frames locally while capture runs.
type Preview interface {
	Show(f Frame)
	Detach()
}

// State is the lifecycle state of a [Pipeline].
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
)

// Option is a functional option for configuring a Pipeline.
type Option func(*Pipeline)

// WithRate sets the maximum frames per second. Defaults to 1.
func WithRate(fps float64) Option {
	return func(p *Pipeline) {
		if fps > 0 {
			p.fps = fps
		}
	}
}

// WithMaxWidth downscales wider frames to this width. Defaults to 640; zero
// or less disables scaling.
func WithMaxWidth(px int) Option {
	return func(p *Pipeline) { p.enc.MaxWidth = px }
}

// WithQuality sets the JPEG quality (1-100). Defaults to 80.
func WithQuality(q int) Option {
	return func(p *Pipeline) {
		if q > 0 && q <= 100 {
			p.enc.Quality = q
		}
	}
}

// WithPreview attaches a local preview surface.
func WithPreview(pv Preview) Option {
	return func(p *Pipeline) { p.preview = pv }
}

// WithOnEnded registers fn to run once after every capture run ends. cause
// is nil after [Pipeline.Stop] and wraps [ErrSourceEnded] otherwise.
func WithOnEnded(fn func(cause error)) Option {
	return func(p *Pipeline) { p.onEnded = fn }
}

// WithRegistry sets the device registry. Defaults to [device.Default].
func WithRegistry(r *device.Registry) Option {
	return func(p *Pipeline) { p.registry = r }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// Pipeline turns a [Source] into a rate-limited stream of JPEG frames.
type Pipeline struct {
	src      Source
	fps      float64
	enc      Encoder
	preview  Preview
	onEnded  func(error)
	registry *device.Registry
	logger   *slog.Logger

	dropped atomic.Uint64
	sent    atomic.Uint64

	mu          sync.Mutex
	state       State
	abort       bool
	cancelStart context.CancelFunc
	startDone   chan struct{}
	stop        chan struct{}
	release     func()
	runDone     chan struct{}
}

// New creates a Pipeline for src.
func New(src Source, opts ...Option) *Pipeline {
	p := &Pipeline{
		src:      src,
		fps:      1,
		enc:      Encoder{MaxWidth: 640, Quality: 80},
		registry: device.Default,
	}
	for _, o := range opts {
		o(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Kind returns the source kind.
func (p *Pipeline) Kind() SourceKind { return p.src.Kind() }

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Dropped returns how many frames the rate limiter discarded.
func (p *Pipeline) Dropped() uint64 { return p.dropped.Load() }

// Sent returns how many frames reached the sink.
func (p *Pipeline) Sent() uint64 { return p.sent.Load() }

// Start opens the source and begins delivering frames to sink. ctx bounds
// opening the source only. A second Start while active returns
// [ErrAlreadyActive]; device failures are returned as [*device.Error].
func (p *Pipeline) Start(ctx context.Context, sink func(Frame)) error {
	p.mu.Lock()
	if p.state != StateStopped {
		p.mu.Unlock()
		return ErrAlreadyActive
	}
	ctx, cancel := context.WithCancel(ctx)
	startDone := make(chan struct{})
	p.state = StateStarting
	p.abort = false
	p.cancelStart, p.startDone = cancel, startDone
	p.mu.Unlock()

	defer func() {
		cancel()
		p.mu.Lock()
		if p.startDone == startDone {
			p.cancelStart, p.startDone = nil, nil
		}
		p.mu.Unlock()
		close(startDone)
	}()

	fail := func(err error) error {
		p.mu.Lock()
		aborted := p.abort
		p.state = StateStopped
		p.mu.Unlock()
		if aborted {
			return ErrStopped
		}
		return err
	}

	kind := p.deviceKind()
	release, err := p.registry.Acquire(kind, p.src.Name())
	if err != nil {
		return fail(&device.Error{Kind: kind, Name: p.src.Name(), Err: err})
	}
	if err := p.src.Open(ctx); err != nil {
		release()
		var de *device.Error
		if !errors.As(err, &de) {
			err = &device.Error{Kind: kind, Name: p.src.Name(), Err: err}
		}
		return fail(err)
	}

	p.mu.Lock()
	if p.abort {
		p.mu.Unlock()
		_ = p.src.Close()
		release()
		return fail(ErrStopped)
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	p.state = StateRunning
	p.stop = stop
	p.release = release
	p.runDone = done
	p.mu.Unlock()

	p.logger.Debug("video: started", "kind", p.src.Kind(), "source", p.src.Name(), "fps", p.fps)
	go p.run(stop, done, sink)
	return nil
}

func (p *Pipeline) run(stop, done chan struct{}, sink func(Frame)) {
	defer close(done)

	limiter := rate.NewLimiter(rate.Limit(p.fps), frameBurst)
	for {
		select {
		case <-stop:
			return
		case <-p.src.Done():
			cause := ErrSourceEnded
			if err := p.src.Err(); err != nil {
				cause = fmt.Errorf("%w: %w", ErrSourceEnded, err)
			}
			p.end(cause)
			return
		case img := <-p.src.Frames():
			if !limiter.Allow() {
				p.dropped.Add(1)
				continue
			}
			frame, err := p.enc.Encode(img)
			if err != nil {
				p.logger.Warn("video: encode frame", "source", p.src.Name(), "err", err)
				continue
			}
			select {
			case <-stop:
				return
			default:
			}
			if p.preview != nil {
				p.preview.Show(frame)
			}
			sink(frame)
			p.sent.Add(1)
		}
	}
}

// Stop releases the source and detaches the preview. It is safe to call in
// any state and repeated calls are no-ops. A Stop during Start cancels the
// open. When Stop returns the source is released and the sink will not be
// called again, so Stop must not be called from the sink.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.state == StateStarting {
		p.abort = true
		cancel, startDone := p.cancelStart, p.startDone
		p.mu.Unlock()
		cancel()
		<-startDone
		return
	}
	p.mu.Unlock()
	if done := p.end(nil); done != nil {
		<-done
	}
}

// Wait blocks until the frame loop of the most recent run has exited.
func (p *Pipeline) Wait() {
	p.mu.Lock()
	done := p.runDone
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

// end is the single cleanup path for both explicit and external termination.
// It returns the frame loop's done channel when this call performed the
// cleanup, nil otherwise.
func (p *Pipeline) end(cause error) chan struct{} {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return nil
	}
	p.state = StateStopped
	stop, release, done := p.stop, p.release, p.runDone
	p.stop, p.release = nil, nil
	p.mu.Unlock()

	close(stop)
	if err := p.src.Close(); err != nil {
		p.logger.Warn("video: closing source", "source", p.src.Name(), "err", err)
	}
	if p.preview != nil {
		p.preview.Detach()
	}
	release()
	p.logger.Debug("video: stopped", "source", p.src.Name(), "sent", p.sent.Load(), "dropped", p.dropped.Load(), "cause", cause)

	if p.onEnded != nil {
		p.onEnded(cause)
	}
	return done
}

func (p *Pipeline) deviceKind() device.Kind {
	if p.src.Kind() == KindScreen {
		return device.KindScreen
	}
	return device.KindCamera
}
