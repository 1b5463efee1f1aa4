// Package app wires all murmur subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates the live client, the
// memory backends and the session manager, Run executes the console loop and
// the ops HTTP server, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithMicrophone,
// WithMemoryStore, etc.). When an option is not provided, New builds real
// implementations from the config or runs without the device.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/health"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/resilience"
	"github.com/MrWong99/murmur/pkg/audio/capture"
	"github.com/MrWong99/murmur/pkg/audio/playback"
	"github.com/MrWong99/murmur/pkg/device"
	"github.com/MrWong99/murmur/pkg/live"
	"github.com/MrWong99/murmur/pkg/memory"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	level    *slog.LevelVar
	metrics  *observe.Metrics
	provider *observe.Provider
	out      io.Writer
	outMu    sync.Mutex

	mic      capture.Microphone
	speaker  playback.Speaker
	camera   SourceFactory
	screen   SourceFactory
	devices  *device.Registry
	registry *config.Registry
	liveOpts []live.Option

	client   *live.Client
	memory   memory.Store
	fallback *resilience.MemoryFallback
	sessions *SessionManager
	health   *health.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMicrophone sets the audio input used by /mic.
func WithMicrophone(m capture.Microphone) Option {
	return func(a *App) { a.mic = m }
}

// WithSpeaker sets the audio output for model speech.
func WithSpeaker(s playback.Speaker) Option {
	return func(a *App) { a.speaker = s }
}

// WithCamera sets the factory used by /camera.
func WithCamera(f SourceFactory) Option {
	return func(a *App) { a.camera = f }
}

// WithScreen sets the factory used by /screen.
func WithScreen(f SourceFactory) Option {
	return func(a *App) { a.screen = f }
}

// WithMemoryStore injects a memory store instead of building one from the
// configured backends.
func WithMemoryStore(s memory.Store) Option {
	return func(a *App) { a.memory = s }
}

// WithMemoryRegistry sets the registry used to build configured backends.
func WithMemoryRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithLiveOptions appends options for the live client.
func WithLiveOptions(opts ...live.Option) Option {
	return func(a *App) { a.liveOpts = append(a.liveOpts, opts...) }
}

// WithOutput sets where console output is written. Defaults to os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithLevel sets the level variable adjusted by [App.Reload].
func WithLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithProvider sets the telemetry provider. Its metrics are used throughout
// and its handler is served on /metrics.
func WithProvider(p *observe.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithDeviceRegistry replaces the process-wide device registry.
func WithDeviceRegistry(r *device.Registry) Option {
	return func(a *App) { a.devices = r }
}

// New creates the application from cfg. No network connection is opened;
// the session is started with /connect.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
	}
	if a.out == nil {
		a.out = os.Stdout
	}
	if a.registry == nil {
		a.registry = config.NewRegistry()
	}
	if a.devices == nil {
		a.devices = device.Default
	}
	a.metrics = observe.DefaultMetrics()
	if a.provider != nil {
		a.metrics = a.provider.Metrics
	}

	if err := a.initMemory(ctx); err != nil {
		_ = a.closeAll()
		return nil, err
	}

	liveOpts := []live.Option{
		live.WithModel(cfg.Session.Model),
		live.WithHandshakeTimeout(cfg.Session.HandshakeTimeout),
		live.WithLogger(a.logger),
	}
	if cfg.Session.BaseURL != "" {
		liveOpts = append(liveOpts, live.WithBaseURL(cfg.Session.BaseURL))
	}
	a.client = live.New(cfg.Session.APIKey, append(liveOpts, a.liveOpts...)...)

	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:     cfg,
		Client:     a.client,
		Memory:     a.memory,
		Devices:    a.devices,
		Metrics:    a.metrics,
		Logger:     a.logger,
		Microphone: a.mic,
		Speaker:    a.speaker,
		Camera:     a.camera,
		Screen:     a.screen,
		Notify:     a.println,
	})

	checkers := []health.Checker{health.SessionChecker(a.client.State)}
	if a.fallback != nil {
		for _, name := range a.fallback.Backends() {
			checkers = append(checkers, health.BreakerChecker(name, func() bool { return a.fallback.Open(name) }))
		}
	}
	a.health = health.New(checkers...)
	return a, nil
}

// initMemory builds the configured memory backends in fallback order.
func (a *App) initMemory(ctx context.Context) error {
	if a.memory != nil || len(a.cfg.Memory.Backends) == 0 {
		return nil
	}
	fc := resilience.FallbackConfig{
		Breaker: resilience.BreakerConfig{
			MaxFailures:  a.cfg.Memory.Breaker.MaxFailures,
			ResetTimeout: a.cfg.Memory.Breaker.ResetTimeout,
			OnStateChange: func(name string, _, to resilience.State) {
				a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
			},
		},
		Logger: a.logger,
	}
	for _, b := range a.cfg.Memory.Backends {
		if err := ctx.Err(); err != nil {
			return err
		}
		s, err := a.registry.CreateMemory(b)
		if err != nil {
			return fmt.Errorf("app: memory backend %q: %w", b.Name, err)
		}
		if c, ok := s.(interface{ Close() }); ok {
			a.closers = append(a.closers, func() error { c.Close(); return nil })
		}
		if a.fallback == nil {
			a.fallback = resilience.NewMemoryFallback(b.Name, s, fc)
		} else {
			a.fallback.AddFallback(b.Name, s)
		}
	}
	a.memory = a.fallback
	a.logger.Info("memory enabled", "backends", a.fallback.Backends(), "user_id", a.cfg.Memory.UserID)
	return nil
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Health returns the health handler.
func (a *App) Health() *health.Handler { return a.health }

// Run reads commands from in until /quit, EOF or ctx cancellation, while the
// ops server (when configured) serves health and metrics.
func (a *App) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return a.repl(gctx, in)
	})
	if addr := a.cfg.Server.ListenAddr; addr != "" {
		g.Go(func() error { return a.serve(gctx, addr) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handler returns the ops HTTP handler: health probes plus /metrics when a
// provider is set.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	if a.provider != nil {
		mux.Handle("/metrics", a.provider.Handler())
	}
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	a.logger.Info("ops server listening", "addr", addr)

	select {
	case err := <-errc:
		return fmt.Errorf("app: ops server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("ops server shutdown", "err", err)
	}
	return nil
}

// Reload applies a changed configuration. The log level changes at once;
// connect-time settings cause a reconnect when a session is active; video
// settings apply on the next capture start. Startup-only values are logged
// and ignored until restart.
func (a *App) Reload(ctx context.Context, next *config.Config) error {
	prev := a.sessions.Config()
	d := config.Diff(prev, next)
	if d.Empty() {
		return nil
	}
	if d.LogLevelChanged {
		lvl, err := observe.ParseLevel(string(d.NewLogLevel))
		if err == nil {
			a.level.Set(lvl)
			a.logger.Info("log level changed", "level", d.NewLogLevel)
		}
	}
	for _, f := range d.RestartFields {
		a.logger.Warn("config change requires restart", "field", f)
	}

	// Startup-only values keep their running value so a later diff does not
	// report them again as applied.
	merged := *next
	merged.Session.APIKey = prev.Session.APIKey
	merged.Session.BaseURL = prev.Session.BaseURL
	merged.Session.HandshakeTimeout = prev.Session.HandshakeTimeout
	merged.Server.ListenAddr = prev.Server.ListenAddr
	merged.Memory = prev.Memory

	reconnected, err := a.sessions.Reconfigure(ctx, &merged)
	if err != nil {
		return err
	}
	if d.SessionChanged {
		a.logger.Info("session settings changed", "fields", d.SessionFields, "reconnected", reconnected)
	}
	return nil
}

// Shutdown stops media, closes the session, flushes pending memory saves and
// releases backends. It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		done := make(chan error, 1)
		go func() {
			a.sessions.Stop()
			done <- a.closeAll()
		}()
		select {
		case err = <-done:
		case <-ctx.Done():
			err = fmt.Errorf("app: shutdown: %w", ctx.Err())
		}
	})
	return err
}

func (a *App) closeAll() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// println writes a console line. Safe for concurrent use.
func (a *App) println(s string) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintln(a.out, s)
}
