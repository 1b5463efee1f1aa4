package video_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/murmur/pkg/device"
	"github.com/MrWong99/murmur/pkg/video"
	"github.com/MrWong99/murmur/pkg/video/mock"
)

type recordingPreview struct {
	mu       sync.Mutex
	shown    int
	detached int
}

func (r *recordingPreview) Show(video.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shown++
}

func (r *recordingPreview) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detached++
}

func (r *recordingPreview) counts() (shown, detached int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shown, r.detached
}

func frame(w, h int) image.Image {
	return image.NewRGBA(image.Rect(0, 0, w, h))
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func discard(video.Frame) {}

func TestPipeline_RateLimitDropsExcessFrames(t *testing.T) {
	t.Parallel()
	src := &mock.Source{}
	p := video.New(src, video.WithRate(0.1), video.WithRegistry(&device.Registry{}))

	var mu sync.Mutex
	var got []video.Frame
	if err := p.Start(context.Background(), func(f video.Frame) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	for i := range 5 {
		if !src.Push(frame(64, 48)) {
			t.Fatalf("push %d not received", i)
		}
	}
	eventually(t, func() bool { return p.Sent()+p.Dropped() == 5 }, "frames not all accounted for")

	// The bucket holds two tokens; the rest of the burst is dropped.
	if p.Sent() != 2 || p.Dropped() != 3 {
		t.Errorf("sent=%d dropped=%d, want 2 and 3", p.Sent(), p.Dropped())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("sink received %d frames, want 2", len(got))
	}
	if _, err := jpeg.Decode(bytes.NewReader(got[0].Data)); err != nil {
		t.Errorf("frame is not a JPEG: %v", err)
	}
}

func TestPipeline_JitteredSourceAtRateKeepsEveryFrame(t *testing.T) {
	t.Parallel()
	const fps = 10
	src := &mock.Source{}
	p := video.New(src, video.WithRate(fps), video.WithRegistry(&device.Registry{}))
	if err := p.Start(context.Background(), discard); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	// Frames arrive every 1/fps, alternately 20% early and 20% late.
	interval := time.Second / fps
	jitter := interval / 5
	const n = 12
	for i := range n {
		if i > 0 {
			gap := interval + jitter
			if i%2 == 1 {
				gap = interval - jitter
			}
			time.Sleep(gap)
		}
		if !src.Push(frame(64, 48)) {
			t.Fatalf("push %d not received", i)
		}
	}
	eventually(t, func() bool { return p.Sent()+p.Dropped() == n }, "frames not all accounted for")

	if p.Dropped() != 0 || p.Sent() != n {
		t.Errorf("sent=%d dropped=%d, want %d and 0", p.Sent(), p.Dropped(), n)
	}
}

func TestPipeline_SecondStartRejected(t *testing.T) {
	t.Parallel()
	src := &mock.Source{}
	p := video.New(src, video.WithRegistry(&device.Registry{}))

	if err := p.Start(context.Background(), discard); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()
	if err := p.Start(context.Background(), discard); !errors.Is(err, video.ErrAlreadyActive) {
		t.Fatalf("second Start err = %v, want ErrAlreadyActive", err)
	}
	if n := src.Opens(); n != 1 {
		t.Errorf("source opened %d times, want 1", n)
	}
}

func TestPipeline_OpenFailureIsDeviceError(t *testing.T) {
	t.Parallel()
	denied := errors.New("permission denied")
	reg := &device.Registry{}
	src := &mock.Source{OpenErr: denied}
	p := video.New(src, video.WithRegistry(reg))

	err := p.Start(context.Background(), discard)
	var de *device.Error
	if !errors.As(err, &de) || de.Kind != device.KindCamera {
		t.Fatalf("Start err = %v, want camera *device.Error", err)
	}
	if !errors.Is(err, denied) {
		t.Errorf("Start err does not wrap cause: %v", err)
	}
	if p.State() != video.StateStopped {
		t.Errorf("state = %v, want stopped", p.State())
	}
	if reg.Held(device.KindCamera, src.Name()) {
		t.Error("camera still held after failed start")
	}
}

func TestPipeline_ScreenIsExclusive(t *testing.T) {
	t.Parallel()
	reg := &device.Registry{}
	a := video.New(&mock.Source{DeviceName: "display-0", SourceKind: video.KindScreen}, video.WithRegistry(reg))
	b := video.New(&mock.Source{DeviceName: "display-0", SourceKind: video.KindScreen}, video.WithRegistry(reg))

	if err := a.Start(context.Background(), discard); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop()
	err := b.Start(context.Background(), discard)
	var de *device.Error
	if !errors.As(err, &de) || de.Kind != device.KindScreen || !errors.Is(err, device.ErrBusy) {
		t.Fatalf("second screen Start err = %v, want busy screen", err)
	}
}

func TestPipeline_StopRunsCleanupOnce(t *testing.T) {
	t.Parallel()
	reg := &device.Registry{}
	src := &mock.Source{}
	pv := &recordingPreview{}
	ended := make(chan error, 4)
	p := video.New(src,
		video.WithRegistry(reg),
		video.WithPreview(pv),
		video.WithOnEnded(func(cause error) { ended <- cause }),
	)

	p.Stop() // before Start
	if err := p.Start(context.Background(), discard); err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.Push(frame(32, 32))
	eventually(t, func() bool { return p.Sent() == 1 }, "frame never sent")

	p.Stop()
	p.Stop()
	p.Wait()

	if cause := <-ended; cause != nil {
		t.Errorf("onEnded cause = %v, want nil", cause)
	}
	select {
	case c := <-ended:
		t.Errorf("onEnded called twice (second cause %v)", c)
	default:
	}
	if shown, detached := pv.counts(); shown != 1 || detached != 1 {
		t.Errorf("preview shown=%d detached=%d, want 1 and 1", shown, detached)
	}
	if n := src.Closes(); n != 1 {
		t.Errorf("source closed %d times, want 1", n)
	}
	if reg.Held(device.KindCamera, src.Name()) {
		t.Error("camera still held after Stop")
	}
}

func TestPipeline_SourceEndedUsesSameCleanup(t *testing.T) {
	t.Parallel()
	reg := &device.Registry{}
	src := &mock.Source{SourceKind: video.KindScreen, DeviceName: "display-0"}
	pv := &recordingPreview{}
	ended := make(chan error, 4)
	p := video.New(src,
		video.WithRegistry(reg),
		video.WithPreview(pv),
		video.WithOnEnded(func(cause error) { ended <- cause }),
	)
	if err := p.Start(context.Background(), discard); err != nil {
		t.Fatalf("Start: %v", err)
	}

	revoked := errors.New("sharing revoked")
	src.End(revoked)

	var cause error
	select {
	case cause = <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("onEnded not called after source ended")
	}
	if !errors.Is(cause, video.ErrSourceEnded) || !errors.Is(cause, revoked) {
		t.Errorf("cause = %v, want ErrSourceEnded wrapping %v", cause, revoked)
	}
	p.Wait()
	if p.State() != video.StateStopped {
		t.Errorf("state = %v, want stopped", p.State())
	}
	if _, detached := pv.counts(); detached != 1 {
		t.Errorf("preview detached %d times, want 1", detached)
	}
	if reg.Held(device.KindScreen, src.Name()) {
		t.Error("screen still held after source ended")
	}

	// A later Stop is a no-op.
	p.Stop()
	select {
	case c := <-ended:
		t.Errorf("onEnded called again with %v", c)
	default:
	}

	// Capture can be restarted.
	if err := p.Start(context.Background(), discard); err != nil {
		t.Fatalf("restart: %v", err)
	}
	p.Stop()
}

func TestPipeline_StopDuringStartReleasesBeforeReturning(t *testing.T) {
	t.Parallel()
	reg := &device.Registry{}
	block := make(chan struct{})
	defer close(block)
	src := &mock.Source{OpenBlock: block}
	p := video.New(src, video.WithRegistry(reg))

	errCh := make(chan error, 1)
	go func() { errCh <- p.Start(context.Background(), discard) }()
	eventually(t, func() bool { return src.Opens() == 1 }, "Open never called")

	p.Stop()

	// Open is still blocked; Stop cancelled it and waited for Start.
	if s := p.State(); s != video.StateStopped {
		t.Errorf("State after Stop = %v, want StateStopped", s)
	}
	if reg.Held(device.KindCamera, src.Name()) {
		t.Error("camera still held after Stop returned")
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, video.ErrStopped) {
			t.Errorf("Start err = %v, want ErrStopped", err)
		}
	default:
		t.Fatal("Start had not returned when Stop did")
	}

	src.OpenBlock = nil
	if err := p.Start(context.Background(), discard); err != nil {
		t.Fatalf("restart: %v", err)
	}
	p.Stop()
}

func TestPipeline_NoFrameAfterStop(t *testing.T) {
	t.Parallel()
	src := &mock.Source{}
	p := video.New(src, video.WithRate(1000), video.WithRegistry(&device.Registry{}))

	var stopped atomic.Bool
	var late atomic.Int32
	if err := p.Start(context.Background(), func(video.Frame) {
		time.Sleep(time.Millisecond)
		if stopped.Load() {
			late.Add(1)
		}
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	pushing := make(chan struct{})
	go func() {
		defer close(pushing)
		for src.Push(frame(16, 16)) {
		}
	}()
	eventually(t, func() bool { return p.Sent() > 0 }, "no frame reached the sink")

	p.Stop()
	stopped.Store(true)
	<-pushing
	if n := late.Load(); n != 0 {
		t.Errorf("sink called %d times after Stop returned", n)
	}
}

func TestEncoder_Downscales(t *testing.T) {
	t.Parallel()
	enc := video.Encoder{MaxWidth: 320, Quality: 70}

	f, err := enc.Encode(frame(1280, 720))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if f.Width != 320 || f.Height != 180 {
		t.Errorf("size = %dx%d, want 320x180", f.Width, f.Height)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(f.Data))
	if err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}
	if cfg.Width != 320 || cfg.Height != 180 {
		t.Errorf("jpeg size = %dx%d, want 320x180", cfg.Width, cfg.Height)
	}

	small, err := enc.Encode(frame(100, 50))
	if err != nil {
		t.Fatalf("Encode small: %v", err)
	}
	if small.Width != 100 || small.Height != 50 {
		t.Errorf("small frame resized to %dx%d", small.Width, small.Height)
	}

	if _, err := enc.Encode(image.NewRGBA(image.Rectangle{})); err == nil {
		t.Error("empty frame encoded without error")
	}
}

func TestFilePreview_ShowAndDetach(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "preview.jpg")
	fp := &video.FilePreview{Path: path}

	fp.Show(video.Frame{Data: []byte("first")})
	fp.Show(video.Frame{Data: []byte("second")})
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "second" {
		t.Errorf("preview = %q, want latest frame", data)
	}

	fp.Detach()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("preview file still present: %v", err)
	}
	fp.Detach()
}
