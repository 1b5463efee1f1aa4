// Package capture turns a live microphone into a stream of fixed-size mono
// PCM chunks at the session's capture rate.
//
// A [Pipeline] exclusively owns one [Microphone] while running. The device
// callback only copies bytes into a bounded queue; format conversion, framing
// and the caller's sink all run on a separate pump goroutine so that the
// audio thread is never blocked.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/device"
)

// ErrAlreadyActive is returned by [Pipeline.Start] while the pipeline is
// starting or running.
var ErrAlreadyActive = errors.New("capture: already active")

// ErrStopped is returned by [Pipeline.Start] when [Pipeline.Stop] is called
// before the device finished starting.
var ErrStopped = errors.New("capture: stopped during start")

const (
	defaultTargetRate = 16000
	defaultWindow     = 100 * time.Millisecond
	defaultQueueSize  = 32
)

// Microphone is an audio input device.
type Microphone interface {
	// Name identifies the device for exclusive-ownership tracking.
	Name() string

	// Open acquires the hardware, asking for want. It returns the format the
	// device actually delivers.
	Open(ctx context.Context, want audio.Format) (audio.Format, error)

	// Start begins delivering interleaved S16LE PCM to onData. onData is
	// called on the device's audio thread and must not retain pcm.
	Start(onData func(pcm []byte)) error

	// Close stops delivery and releases the hardware.
	Close() error
}

// Sink receives every completed chunk with its peak volume in [0, 1].
type Sink func(chunk audio.Chunk, volume float64)

// State is the lifecycle state of a [Pipeline].
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Option is a functional option for configuring a Pipeline.
type Option func(*Pipeline)

// WithTargetRate sets the output sample rate. Defaults to 16000.
func WithTargetRate(hz int) Option {
	return func(p *Pipeline) {
		if hz > 0 {
			p.targetRate = hz
		}
	}
}

// WithWindow sets the duration of each emitted chunk. Defaults to 100ms.
func WithWindow(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.window = d
		}
	}
}

// WithRegistry sets the device registry. Defaults to [device.Default].
func WithRegistry(r *device.Registry) Option {
	return func(p *Pipeline) { p.registry = r }
}

// WithQueueSize sets how many device buffers may wait for the pump before
// new ones are dropped. Defaults to 32.
func WithQueueSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// Pipeline captures microphone audio and emits fixed windows to a [Sink].
type Pipeline struct {
	mic        Microphone
	registry   *device.Registry
	targetRate int
	window     time.Duration
	queueSize  int
	logger     *slog.Logger

	dropped atomic.Uint64

	mu          sync.Mutex
	state       State
	abort       bool // Stop called while starting
	cancelStart context.CancelFunc
	startDone   chan struct{}
	release     func()
	stop        chan struct{}
	pumpDone    chan struct{}
}

// New creates a Pipeline for mic.
func New(mic Microphone, opts ...Option) *Pipeline {
	p := &Pipeline{
		mic:        mic,
		registry:   device.Default,
		targetRate: defaultTargetRate,
		window:     defaultWindow,
		queueSize:  defaultQueueSize,
	}
	for _, o := range opts {
		o(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Dropped returns how many device buffers were discarded because the pump
// fell behind.
func (p *Pipeline) Dropped() uint64 { return p.dropped.Load() }

// WindowBytes returns the size of each emitted chunk in bytes.
func (p *Pipeline) WindowBytes() int {
	return audio.Format{SampleRate: p.targetRate, Channels: 1}.FrameSize() *
		int(int64(p.targetRate)*int64(p.window)/int64(time.Second))
}

// Start acquires the microphone and begins emitting chunks to sink. ctx
// bounds device acquisition only; capture runs until [Pipeline.Stop].
//
// A second Start while starting or running returns [ErrAlreadyActive]
// without touching the device. Device failures are returned as
// [*device.Error] before any chunk is emitted. A Stop during acquisition
// cancels it and Start returns [ErrStopped].
func (p *Pipeline) Start(ctx context.Context, sink Sink) error {
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

	release, err := p.registry.Acquire(device.KindMicrophone, p.mic.Name())
	if err != nil {
		return fail(&device.Error{Kind: device.KindMicrophone, Name: p.mic.Name(), Err: err})
	}

	format, err := p.mic.Open(ctx, audio.Format{SampleRate: p.targetRate, Channels: 1})
	if err != nil {
		release()
		return fail(asDeviceError(p.mic.Name(), err))
	}

	data := make(chan []byte, p.queueSize)
	stop := make(chan struct{})
	err = p.mic.Start(func(pcm []byte) {
		buf := make([]byte, len(pcm))
		copy(buf, pcm)
		select {
		case data <- buf:
		case <-stop:
		default:
			p.dropped.Add(1)
		}
	})
	if err != nil {
		_ = p.mic.Close()
		release()
		return fail(asDeviceError(p.mic.Name(), err))
	}

	p.mu.Lock()
	if p.abort {
		p.mu.Unlock()
		close(stop)
		_ = p.mic.Close()
		release()
		return fail(ErrStopped)
	}
	done := make(chan struct{})
	p.state = StateRunning
	p.release = release
	p.stop = stop
	p.pumpDone = done
	p.mu.Unlock()

	p.logger.Debug("capture: started",
		"device", p.mic.Name(),
		"device_format", format.String(),
		"target_rate", p.targetRate,
	)
	go p.pump(format, data, stop, done, sink)
	return nil
}

// pump converts and frames device buffers until stop is closed.
func (p *Pipeline) pump(format audio.Format, data <-chan []byte, stop, done chan struct{}, sink Sink) {
	defer close(done)

	conv := &audio.Converter{From: format, To: p.targetRate}
	framer := audio.NewFramer(p.targetRate, p.WindowBytes())
	for {
		select {
		case <-stop:
			return
		case pcm := <-data:
			for _, chunk := range framer.Write(conv.Convert(pcm)) {
				select {
				case <-stop:
					return
				default:
				}
				sink(chunk, audio.Peak(chunk.Data))
			}
		}
	}
}

// Stop releases the microphone and discards any partial window. It is safe
// to call in any state and repeated calls are no-ops. When Stop returns the
// device is released and the sink will not be called again, so Stop must not
// be called from the sink.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	switch p.state {
	case StateStopped:
		p.mu.Unlock()
		return
	case StateStarting:
		p.abort = true
		cancel, startDone := p.cancelStart, p.startDone
		p.mu.Unlock()
		cancel()
		<-startDone
		return
	}
	p.state = StateStopped
	stop, release, pumpDone := p.stop, p.release, p.pumpDone
	p.stop, p.release = nil, nil
	p.mu.Unlock()

	close(stop)
	if err := p.mic.Close(); err != nil {
		p.logger.Warn("capture: closing microphone", "device", p.mic.Name(), "err", err)
	}
	release()
	<-pumpDone
	p.logger.Debug("capture: stopped", "device", p.mic.Name(), "dropped", p.dropped.Load())
}

// Wait blocks until the pump goroutine of the most recent run has exited.
func (p *Pipeline) Wait() {
	p.mu.Lock()
	done := p.pumpDone
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

func asDeviceError(name string, err error) error {
	var de *device.Error
	if errors.As(err, &de) {
		return err
	}
	return &device.Error{Kind: device.KindMicrophone, Name: name, Err: err}
}
