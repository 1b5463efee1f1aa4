package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/conversation"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/audio/capture"
	"github.com/MrWong99/murmur/pkg/audio/playback"
	"github.com/MrWong99/murmur/pkg/device"
	"github.com/MrWong99/murmur/pkg/live"
	"github.com/MrWong99/murmur/pkg/memory"
	"github.com/MrWong99/murmur/pkg/video"
)

// ErrNoDevice is returned when a media command needs a device that was not
// configured.
var ErrNoDevice = errors.New("app: device not available")

const meterWidth = 20

// SourceFactory builds a video source from the current video settings. It is
// called on every start so that changed settings apply.
type SourceFactory func(config.VideoConfig) video.Source

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config  *config.Config
	Client  *live.Client
	Memory  memory.Store // nil disables memory
	Devices *device.Registry
	Metrics *observe.Metrics
	Logger  *slog.Logger

	Microphone capture.Microphone
	Speaker    playback.Speaker
	Camera     SourceFactory
	Screen     SourceFactory

	// Notify receives user-facing status lines. May be nil.
	Notify func(string)
}

// SessionManager manages the live session and the media attached to it.
// Only one session, one microphone capture and one video capture can be
// active at a time. All exported methods are safe for concurrent use.
type SessionManager struct {
	client  *live.Client
	conv    *conversation.Manager
	devices *device.Registry
	metrics *observe.Metrics
	logger  *slog.Logger
	notify  func(string)

	mic     capture.Microphone
	speaker playback.Speaker
	camera  SourceFactory
	screen  SourceFactory

	// mu serialises lifecycle operations.
	mu       sync.Mutex
	cfg      *config.Config
	capture  *capture.Pipeline
	video    *video.Pipeline
	counted  atomic.Bool
	unsubs   []func()
	closed   bool
	stopOnce sync.Once

	// pmu guards player only. It is never held while calling into the
	// client, so event handlers can always reach the player.
	pmu    sync.Mutex
	player *playback.Scheduler
}

var _ conversation.Player = (*SessionManager)(nil)

// NewSessionManager creates a SessionManager and starts the conversation
// bookkeeping on cfg.Client.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		client:  cfg.Client,
		devices: cfg.Devices,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		notify:  cfg.Notify,
		mic:     cfg.Microphone,
		speaker: cfg.Speaker,
		camera:  cfg.Camera,
		screen:  cfg.Screen,
		cfg:     cfg.Config,
	}
	if sm.devices == nil {
		sm.devices = device.Default
	}
	if sm.metrics == nil {
		sm.metrics = observe.DefaultMetrics()
	}
	if sm.logger == nil {
		sm.logger = slog.Default()
	}
	if sm.notify == nil {
		sm.notify = func(string) {}
	}

	opts := []conversation.Option{
		conversation.WithPlayer(sm),
		conversation.WithUserID(cfg.Config.Memory.UserID),
		conversation.WithSearchTimeout(cfg.Config.Memory.Timeout),
		conversation.WithMetrics(sm.metrics),
		conversation.WithLogger(sm.logger),
		conversation.WithOnTurn(sm.onTurn),
		conversation.WithOnInputLevel(sm.onLevel),
	}
	if cfg.Memory != nil {
		opts = append(opts, conversation.WithMemory(cfg.Memory))
	}
	sm.conv = conversation.New(sm.client, opts...)
	sm.conv.Start()

	sm.unsubs = append(sm.unsubs,
		sm.client.SubscribeAll(func(ev live.Event) {
			sm.metrics.RecordEvent(context.Background(), string(ev.Kind()))
		}),
		live.On(sm.client, func(live.SetupCompleteEvent) {
			sm.notify("session ready")
		}),
		live.On(sm.client, func(e live.ErrorEvent) {
			sm.notify("session error: " + e.Err.Error())
		}),
		live.On(sm.client, func(e live.CloseEvent) {
			if sm.counted.CompareAndSwap(true, false) {
				sm.metrics.ActiveSessions.Add(context.Background(), -1)
			}
			sm.notify(fmt.Sprintf("session closed (code %d)", e.Code))
		}),
	)
	return sm
}

// Conversation returns the turn bookkeeping of the session.
func (sm *SessionManager) Conversation() *conversation.Manager { return sm.conv }

// State returns the live session state.
func (sm *SessionManager) State() live.State { return sm.client.State() }

// Config returns the configuration used for the next connect.
func (sm *SessionManager) Config() *config.Config {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.cfg
}

// ── Session lifecycle ─────────────────────────────────────────────────────────

// Connect opens audio output and the live session with the current
// configuration.
func (sm *SessionManager) Connect(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closed {
		return live.ErrClosed
	}
	return sm.connectLocked(ctx)
}

func (sm *SessionManager) connectLocked(ctx context.Context) error {
	if st := sm.client.State(); st == live.StateConnecting || st == live.StateOpen {
		return live.ErrAlreadyConnected
	}
	cfg := sm.cfg
	ctx, span := observe.StartSpan(ctx, "session.connect", trace.WithAttributes(
		attribute.String("live.model", cfg.Session.Model),
		attribute.String("live.voice", cfg.Session.Voice),
	))
	defer span.End()

	// A session the server closed leaves its output behind; release it
	// before the new one acquires the device.
	sm.swapPlayer(nil)
	if sm.speaker != nil {
		p := playback.New(sm.speaker, cfg.Audio.OutputSampleRate,
			playback.WithRegistry(sm.devices),
			playback.WithLogger(sm.logger),
		)
		if err := p.Initialize(); err != nil {
			span.SetStatus(codes.Error, "audio output")
			return fmt.Errorf("app: audio output: %w", err)
		}
		sm.swapPlayer(p)
	}

	start := time.Now()
	err := sm.client.Connect(ctx, live.Config{
		Model:              cfg.Session.Model,
		ResponseModalities: cfg.Session.ResponseModalities,
		Voice:              cfg.Session.Voice,
		SystemInstruction:  cfg.Session.SystemInstruction,
		CaptureSampleRate:  cfg.Audio.CaptureSampleRate,
		OutputSampleRate:   cfg.Audio.OutputSampleRate,
	})
	sm.metrics.RecordConnect(ctx, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect failed")
		sm.swapPlayer(nil)
		return err
	}
	if sm.counted.CompareAndSwap(false, true) {
		sm.metrics.ActiveSessions.Add(ctx, 1)
	}
	sm.logger.Info("session connected",
		"model", cfg.Session.Model,
		"voice", cfg.Session.Voice,
		"output_rate", cfg.Audio.OutputSampleRate,
		"connect_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Disconnect closes the live session and releases audio output. Media
// capture keeps running; its input is discarded until the next connect.
func (sm *SessionManager) Disconnect() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.disconnectLocked()
}

func (sm *SessionManager) disconnectLocked() error {
	err := sm.client.Disconnect()
	sm.swapPlayer(nil)
	return err
}

// Reconfigure replaces the configuration. If connect-time settings changed
// and a session is active, it is disconnected and connected again so that the
// new voice, sample rate and instruction take effect. reconnected reports whether that happened.
func (sm *SessionManager) Reconfigure(ctx context.Context, cfg *config.Config) (reconnected bool, err error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	d := config.Diff(sm.cfg, cfg)
	sm.cfg = cfg
	if sm.closed || !d.SessionChanged {
		return false, nil
	}
	if st := sm.client.State(); st != live.StateOpen && st != live.StateConnecting {
		return false, nil
	}
	sm.logger.Info("reconnecting with new configuration")
	if err := sm.disconnectLocked(); err != nil {
		return false, err
	}
	if err := sm.connectLocked(ctx); err != nil {
		return false, fmt.Errorf("app: reconnect: %w", err)
	}
	return true, nil
}

// SendText sends a typed message through the conversation manager.
func (sm *SessionManager) SendText(ctx context.Context, text string) error {
	return sm.conv.SendText(ctx, text)
}

// ── conversation.Player ───────────────────────────────────────────────────────

// Enqueue implements [conversation.Player] on the current output.
func (sm *SessionManager) Enqueue(pcm []byte) error {
	sm.pmu.Lock()
	p := sm.player
	sm.pmu.Unlock()
	if p == nil {
		return playback.ErrInactive
	}
	return p.Enqueue(pcm)
}

// Interrupt implements [conversation.Player] on the current output.
func (sm *SessionManager) Interrupt() {
	sm.pmu.Lock()
	p := sm.player
	sm.pmu.Unlock()
	if p != nil {
		p.Interrupt()
	}
}

// swapPlayer installs p and stops the previous output.
func (sm *SessionManager) swapPlayer(p *playback.Scheduler) {
	sm.pmu.Lock()
	old := sm.player
	sm.player = p
	sm.pmu.Unlock()
	if old != nil && old != p {
		old.Stop()
	}
}

// ── Media ─────────────────────────────────────────────────────────────────────

// ToggleMic starts microphone capture, or stops it if it is running. on
// reports the new state.
func (sm *SessionManager) ToggleMic(ctx context.Context) (on bool, err error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.mic == nil {
		return false, fmt.Errorf("%w: microphone", ErrNoDevice)
	}
	if sm.capture != nil {
		sm.stopMicLocked()
		return false, nil
	}

	p := capture.New(sm.mic,
		capture.WithTargetRate(sm.cfg.Audio.CaptureSampleRate),
		capture.WithWindow(sm.cfg.Audio.Window),
		capture.WithRegistry(sm.devices),
		capture.WithLogger(sm.logger),
	)
	if err := p.Start(ctx, sm.conv.SendAudio); err != nil {
		return false, err
	}
	sm.capture = p
	return true, nil
}

func (sm *SessionManager) stopMicLocked() {
	if sm.capture == nil {
		return
	}
	sm.capture.Stop()
	sm.metrics.RecordDropped(context.Background(), "microphone", sm.capture.Dropped())
	sm.capture = nil
}

// ToggleVideo starts capturing from the camera or the screen. If the same
// kind is already running it is stopped instead; a different kind is
// replaced. on reports whether kind is now capturing.
func (sm *SessionManager) ToggleVideo(ctx context.Context, kind video.SourceKind) (on bool, err error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	factory := sm.camera
	if kind == video.KindScreen {
		factory = sm.screen
	}
	if factory == nil {
		return false, fmt.Errorf("%w: %s", ErrNoDevice, kind)
	}

	if sm.video != nil {
		running := sm.video.Kind()
		sm.stopVideoLocked()
		if running == kind {
			return false, nil
		}
	}

	vc := sm.cfg.Video
	opts := []video.Option{
		video.WithRate(vc.FPS),
		video.WithMaxWidth(vc.MaxWidth),
		video.WithQuality(vc.Quality),
		video.WithRegistry(sm.devices),
		video.WithLogger(sm.logger),
	}
	if vc.PreviewPath != "" {
		opts = append(opts, video.WithPreview(&video.FilePreview{Path: vc.PreviewPath, Logger: sm.logger}))
	}
	var p *video.Pipeline
	opts = append(opts, video.WithOnEnded(func(cause error) {
		if cause == nil {
			return
		}
		// The source ended on its own; forget the pipeline so the next
		// toggle starts a fresh one.
		sm.mu.Lock()
		if sm.video == p {
			sm.video = nil
		}
		sm.mu.Unlock()
		sm.metrics.RecordDropped(context.Background(), string(kind), p.Dropped())
		sm.notify(fmt.Sprintf("%s capture ended: %v", kind, cause))
	}))
	p = video.New(factory(vc), opts...)

	if err := p.Start(ctx, sm.conv.SendFrame); err != nil {
		return false, err
	}
	sm.video = p
	return true, nil
}

func (sm *SessionManager) stopVideoLocked() {
	if sm.video == nil {
		return
	}
	p := sm.video
	sm.video = nil
	p.Stop()
	sm.metrics.RecordDropped(context.Background(), string(p.Kind()), p.Dropped())
}

// Media reports which captures are running.
func (sm *SessionManager) Media() (mic bool, videoKind video.SourceKind) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.video != nil {
		videoKind = sm.video.Kind()
	}
	return sm.capture != nil, videoKind
}

// Stop ends all media, closes the session and flushes pending memory saves.
// It is idempotent.
func (sm *SessionManager) Stop() {
	sm.stopOnce.Do(func() {
		sm.mu.Lock()
		sm.closed = true
		sm.stopVideoLocked()
		sm.stopMicLocked()
		_ = sm.disconnectLocked()
		unsubs := sm.unsubs
		sm.unsubs = nil
		sm.mu.Unlock()

		sm.conv.Close()
		for _, u := range unsubs {
			u()
		}
	})
}

// onLevel renders the microphone peak as a debug-level meter.
func (sm *SessionManager) onLevel(level float64) {
	if !sm.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	n := max(0, min(int(level*meterWidth+0.5), meterWidth))
	sm.logger.Debug("input level", "meter", strings.Repeat("#", n)+strings.Repeat(".", meterWidth-n))
}

func (sm *SessionManager) onTurn(t conversation.Turn) {
	if t.AssistantText != "" {
		sm.notify("assistant: " + t.AssistantText)
	}
}
