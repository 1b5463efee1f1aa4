package capture_test

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/audio/capture"
	"github.com/MrWong99/murmur/pkg/audio/mock"
	"github.com/MrWong99/murmur/pkg/device"
)

type emitted struct {
	chunk  audio.Chunk
	volume float64
}

func collect() (capture.Sink, <-chan emitted) {
	ch := make(chan emitted, 64)
	return func(c audio.Chunk, v float64) { ch <- emitted{c, v} }, ch
}

func receive(t *testing.T, ch <-chan emitted) emitted {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for chunk")
		return emitted{}
	}
}

// constantPCM returns n interleaved frames where every sample equals v.
func constantPCM(frames, channels int, v int16) []byte {
	buf := make([]byte, frames*channels*2)
	for i := 0; i < len(buf); i += 2 {
		binary.LittleEndian.PutUint16(buf[i:], uint16(v))
	}
	return buf
}

func newPipeline(mic *mock.Microphone) *capture.Pipeline {
	return capture.New(mic, capture.WithRegistry(&device.Registry{}))
}

func TestStart_EmitsFixedWindowsWithVolume(t *testing.T) {
	t.Parallel()
	mic := &mock.Microphone{}
	p := newPipeline(mic)
	sink, out := collect()

	if err := p.Start(context.Background(), sink); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()
	if got := p.State(); got != capture.StateRunning {
		t.Fatalf("state = %v, want running", got)
	}

	// Two full 100ms windows at 16 kHz plus a partial one.
	mic.Emit(constantPCM(1600*2+50, 1, 16384))

	for i := range 2 {
		e := receive(t, out)
		if len(e.chunk.Data) != 3200 {
			t.Errorf("chunk %d: len = %d, want 3200", i, len(e.chunk.Data))
		}
		if e.chunk.MIMEType() != "audio/pcm;rate=16000" {
			t.Errorf("chunk %d: mime = %q", i, e.chunk.MIMEType())
		}
		if math.Abs(e.volume-0.5) > 1e-9 {
			t.Errorf("chunk %d: volume = %v, want 0.5", i, e.volume)
		}
	}
	select {
	case e := <-out:
		t.Errorf("unexpected partial chunk of %d bytes", len(e.chunk.Data))
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStart_ConvertsDeviceFormat(t *testing.T) {
	t.Parallel()
	mic := &mock.Microphone{DeviceFormat: audio.Format{SampleRate: 48000, Channels: 2}}
	p := newPipeline(mic)
	sink, out := collect()

	if err := p.Start(context.Background(), sink); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	// 100ms of 48 kHz stereo becomes exactly one 100ms mono 16 kHz window.
	mic.Emit(constantPCM(4800, 2, -1000))
	e := receive(t, out)
	if e.chunk.SampleRate != 16000 || e.chunk.Channels != 1 {
		t.Errorf("format = %v", e.chunk.Format())
	}
	if len(e.chunk.Data) != 3200 {
		t.Errorf("len = %d, want 3200", len(e.chunk.Data))
	}
}

func TestStart_SecondStartRejectedWithoutSecondAcquisition(t *testing.T) {
	t.Parallel()
	mic := &mock.Microphone{}
	p := newPipeline(mic)
	sink, _ := collect()

	if err := p.Start(context.Background(), sink); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer p.Stop()
	if err := p.Start(context.Background(), sink); !errors.Is(err, capture.ErrAlreadyActive) {
		t.Fatalf("second Start err = %v, want ErrAlreadyActive", err)
	}
	if n := mic.Opens(); n != 1 {
		t.Errorf("microphone opened %d times, want 1", n)
	}
}

func TestStart_DeviceFailureIsSynchronous(t *testing.T) {
	t.Parallel()
	denied := errors.New("permission denied")
	mic := &mock.Microphone{OpenErr: denied}
	reg := &device.Registry{}
	p := capture.New(mic, capture.WithRegistry(reg))
	sink, out := collect()

	err := p.Start(context.Background(), sink)
	var de *device.Error
	if !errors.As(err, &de) || de.Kind != device.KindMicrophone {
		t.Fatalf("Start err = %v, want *device.Error", err)
	}
	if !errors.Is(err, denied) {
		t.Errorf("Start err does not wrap cause: %v", err)
	}
	if got := p.State(); got != capture.StateStopped {
		t.Errorf("state = %v, want stopped", got)
	}
	if reg.Held(device.KindMicrophone, mic.Name()) {
		t.Error("microphone still held after failed start")
	}
	select {
	case <-out:
		t.Error("chunk emitted after failed start")
	default:
	}

	// Recoverable by calling Start again.
	mic.OpenErr = nil
	if err := p.Start(context.Background(), sink); err != nil {
		t.Fatalf("retry Start: %v", err)
	}
	p.Stop()
}

func TestStart_StartErrorClosesDevice(t *testing.T) {
	t.Parallel()
	mic := &mock.Microphone{StartErr: errors.New("no such device")}
	p := newPipeline(mic)
	sink, _ := collect()

	var de *device.Error
	if err := p.Start(context.Background(), sink); !errors.As(err, &de) {
		t.Fatalf("Start err = %v, want *device.Error", err)
	}
	if n := mic.Closes(); n != 1 {
		t.Errorf("Close calls = %d, want 1", n)
	}
}

func TestStart_BusyDevice(t *testing.T) {
	t.Parallel()
	reg := &device.Registry{}
	mic := &mock.Microphone{}
	first := capture.New(mic, capture.WithRegistry(reg))
	second := capture.New(mic, capture.WithRegistry(reg))
	sink, _ := collect()

	if err := first.Start(context.Background(), sink); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer first.Stop()
	if err := second.Start(context.Background(), sink); !errors.Is(err, device.ErrBusy) {
		t.Fatalf("second pipeline Start err = %v, want ErrBusy", err)
	}
	if n := mic.Opens(); n != 1 {
		t.Errorf("microphone opened %d times, want 1", n)
	}
}

func TestStop_IdempotentAndReleases(t *testing.T) {
	t.Parallel()
	reg := &device.Registry{}
	mic := &mock.Microphone{}
	p := capture.New(mic, capture.WithRegistry(reg))
	sink, _ := collect()

	p.Stop() // before Start
	if err := p.Start(context.Background(), sink); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.Stop()
	p.Stop()
	p.Wait()

	if n := mic.Closes(); n != 1 {
		t.Errorf("Close calls = %d, want 1", n)
	}
	if reg.Held(device.KindMicrophone, mic.Name()) {
		t.Error("microphone still held after Stop")
	}
	if mic.Emit(constantPCM(1600, 1, 1)) {
		t.Error("device still delivering after Stop")
	}
	if got := p.State(); got != capture.StateStopped {
		t.Errorf("state = %v, want stopped", got)
	}
}

func TestStop_DuringStartReleasesBeforeReturning(t *testing.T) {
	t.Parallel()
	reg := &device.Registry{}
	block := make(chan struct{})
	defer close(block)
	mic := &mock.Microphone{OpenBlock: block}
	p := capture.New(mic, capture.WithRegistry(reg))
	sink, _ := collect()

	errCh := make(chan error, 1)
	go func() { errCh <- p.Start(context.Background(), sink) }()

	deadline := time.Now().Add(2 * time.Second)
	for mic.Opens() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Open never called")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The device is still waiting for a grant; Stop must not leave it held.
	p.Stop()
	if got := p.State(); got != capture.StateStopped {
		t.Errorf("state right after Stop = %v, want stopped", got)
	}
	if reg.Held(device.KindMicrophone, mic.Name()) {
		t.Error("microphone still held when Stop returned")
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, capture.ErrStopped) {
			t.Errorf("Start err = %v, want ErrStopped", err)
		}
	default:
		t.Error("Start still running after Stop returned")
	}

	mic.OpenBlock = nil
	if err := p.Start(context.Background(), sink); err != nil {
		t.Fatalf("Start after aborted start: %v", err)
	}
	p.Stop()
}

func TestStop_NoChunkAfterReturn(t *testing.T) {
	t.Parallel()
	mic := &mock.Microphone{}
	p := newPipeline(mic)

	var stopped atomic.Bool
	var late atomic.Int32
	first := make(chan struct{}, 1)
	sink := func(audio.Chunk, float64) {
		time.Sleep(time.Millisecond)
		if stopped.Load() {
			late.Add(1)
		}
		select {
		case first <- struct{}{}:
		default:
		}
	}
	if err := p.Start(context.Background(), sink); err != nil {
		t.Fatalf("Start: %v", err)
	}

	emitting := make(chan struct{})
	go func() {
		defer close(emitting)
		for mic.Emit(constantPCM(1600, 1, 1)) {
			time.Sleep(100 * time.Microsecond)
		}
	}()
	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("no chunk before Stop")
	}

	p.Stop()
	stopped.Store(true)
	<-emitting
	time.Sleep(20 * time.Millisecond)
	if n := late.Load(); n != 0 {
		t.Errorf("%d chunks reached the sink after Stop returned", n)
	}
}

func TestWindowBytes(t *testing.T) {
	t.Parallel()
	p := capture.New(&mock.Microphone{}, capture.WithTargetRate(24000), capture.WithWindow(50*time.Millisecond))
	if got := p.WindowBytes(); got != 2400 {
		t.Errorf("WindowBytes = %d, want 2400", got)
	}
}
