// Package camera implements a [video.Source] backed by an ffmpeg subprocess
// that reads the platform camera API and emits an MJPEG stream on stdout.
package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"

	"github.com/MrWong99/murmur/pkg/video"
)

var _ video.Source = (*Source)(nil)

// maxFrameBytes bounds one JPEG frame on the pipe.
const maxFrameBytes = 8 << 20

// Option is a functional option for configuring a Source.
type Option func(*Source)

// WithDevice sets the camera identifier passed to ffmpeg, e.g. "/dev/video0"
// on Linux, "0" on macOS or "Integrated Camera" on Windows.
func WithDevice(name string) Option {
	return func(s *Source) { s.device = name }
}

// WithFFmpeg sets the ffmpeg executable. Defaults to "ffmpeg" on PATH.
func WithFFmpeg(path string) Option {
	return func(s *Source) { s.ffmpeg = path }
}

// WithFramerate sets the capture framerate requested from the camera.
// Defaults to 5.
func WithFramerate(fps int) Option {
	return func(s *Source) {
		if fps > 0 {
			s.fps = fps
		}
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.logger = l }
}

// Source captures frames from a camera through ffmpeg.
type Source struct {
	ffmpeg string
	device string
	fps    int
	goos   string
	logger *slog.Logger

	frames chan image.Image

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{}
	err     error
	closing bool
}

// New returns a camera Source.
func New(opts ...Option) *Source {
	s := &Source{
		ffmpeg: "ffmpeg",
		fps:    5,
		goos:   runtime.GOOS,
		frames: make(chan image.Image, 1),
	}
	for _, o := range opts {
		o(s)
	}
	if s.device == "" {
		s.device = defaultDevice(s.goos)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Name implements [video.Source].
func (s *Source) Name() string { return s.device }

// Kind implements [video.Source].
func (s *Source) Kind() video.SourceKind { return video.KindCamera }

// Args returns the ffmpeg command line for the configured platform.
func (s *Source) Args() []string {
	rate := strconv.Itoa(s.fps)
	var in []string
	switch s.goos {
	case "darwin":
		in = []string{"-f", "avfoundation", "-framerate", rate, "-i", s.device}
	case "windows":
		in = []string{"-f", "dshow", "-framerate", rate, "-i", "video=" + s.device}
	default:
		in = []string{"-f", "v4l2", "-framerate", rate, "-i", s.device}
	}
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, in...)
	return append(args, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-")
}

// Open implements [video.Source]. It starts ffmpeg and waits for the first
// frame, so a missing or busy camera is reported here.
func (s *Source) Open(ctx context.Context) error {
	cmd := exec.Command(s.ffmpeg, s.Args()...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("camera: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("camera: start ffmpeg: %w", err)
	}

	done := make(chan struct{})
	first := make(chan error, 1)
	s.mu.Lock()
	s.cmd = cmd
	s.done = done
	s.err = nil
	s.closing = false
	s.mu.Unlock()

	go s.read(cmd, stdout, &stderr, done, first)

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		_ = s.Close()
		return ctx.Err()
	}
}

// read decodes frames until ffmpeg exits. The first decoded frame, or the
// failure preventing one, is reported on first.
func (s *Source) read(cmd *exec.Cmd, stdout io.Reader, stderr *bytes.Buffer, done chan struct{}, first chan<- error) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 256<<10), maxFrameBytes)
	sc.Split(SplitJPEG)

	reported := false
	for sc.Scan() {
		img, err := jpeg.Decode(bytes.NewReader(sc.Bytes()))
		if err != nil {
			s.logger.Debug("camera: skipping undecodable frame", "err", err)
			continue
		}
		if !reported {
			reported = true
			first <- nil
		}
		select {
		case s.frames <- img:
		default:
			// Replace the stale frame.
			select {
			case <-s.frames:
			default:
			}
			select {
			case s.frames <- img:
			default:
			}
		}
	}

	waitErr := cmd.Wait()
	s.mu.Lock()
	closing := s.closing
	cause := sc.Err()
	if cause == nil {
		cause = waitErr
	}
	if cause == nil {
		cause = io.EOF
	}
	if msg := bytes.TrimSpace(stderr.Bytes()); len(msg) > 0 {
		cause = fmt.Errorf("%w: %s", cause, msg)
	}
	if !closing {
		s.err = cause
	}
	s.mu.Unlock()

	if !reported {
		first <- fmt.Errorf("camera: no frames from %s: %w", s.device, cause)
	}
	close(done)
}

// Frames implements [video.Source].
func (s *Source) Frames() <-chan image.Image { return s.frames }

// Done implements [video.Source]. It is closed when ffmpeg exits for any
// reason other than Close.
func (s *Source) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil
	}
	return s.done
}

// Err implements [video.Source].
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [video.Source]. The ffmpeg process is killed; reaping it
// finishes in the background.
func (s *Source) Close() error {
	s.mu.Lock()
	cmd := s.cmd
	s.cmd = nil
	s.closing = true
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("camera: kill ffmpeg: %w", err)
	}
	return nil
}

func defaultDevice(goos string) string {
	switch goos {
	case "darwin":
		return "0"
	case "windows":
		return "Integrated Camera"
	default:
		return "/dev/video0"
	}
}

// SplitJPEG is a [bufio.SplitFunc] that yields complete JPEG images from an
// MJPEG byte stream by scanning for the SOI and EOI markers. Bytes before the
// first SOI are discarded.
func SplitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	soi := bytes.Index(data, []byte{0xFF, 0xD8})
	if soi < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// Keep a trailing 0xFF that may start the next marker.
		if n := len(data); n > 0 && data[n-1] == 0xFF {
			return n - 1, nil, nil
		}
		return len(data), nil, nil
	}
	eoi := bytes.Index(data[soi+2:], []byte{0xFF, 0xD9})
	if eoi < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return soi, nil, nil
	}
	end := soi + 2 + eoi + 2
	return end, data[soi:end], nil
}
