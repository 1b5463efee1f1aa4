// Command murmur is a terminal client for real-time voice and video
// conversations with the Gemini Live API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/murmur/internal/app"
	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/audio/miniaudio"
	"github.com/MrWong99/murmur/pkg/memory"
	"github.com/MrWong99/murmur/pkg/memory/mem0"
	"github.com/MrWong99/murmur/pkg/memory/postgres"
	"github.com/MrWong99/murmur/pkg/video"
	"github.com/MrWong99/murmur/pkg/video/camera"
	"github.com/MrWong99/murmur/pkg/video/screen"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "murmur.yaml", "path to the YAML configuration file")
	noAudio := flag.Bool("no-audio", false, "run without microphone and speaker")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, fromFile, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "murmur: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	if lvl, err := observe.ParseLevel(string(cfg.Server.LogLevel)); err == nil {
		level.Set(lvl)
	}
	logger := observe.NewLogger(os.Stderr, level)
	slog.SetDefault(logger)

	if cfg.Session.APIKey == "" {
		logger.Warn("no api key configured, set " + config.EnvAPIKey + " or session.api_key")
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "murmur",
		ServiceVersion: version,
	})
	if err != nil {
		logger.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Memory backends ───────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinMemory(ctx, reg, logger)

	opts := []app.Option{
		app.WithLogger(logger),
		app.WithLevel(level),
		app.WithProvider(provider),
		app.WithMemoryRegistry(reg),
		app.WithCamera(cameraFactory(logger)),
		app.WithScreen(screenFactory),
	}

	// ── Audio devices ─────────────────────────────────────────────────────────
	if !*noAudio {
		actx, err := miniaudio.NewContext(logger)
		if err != nil {
			logger.Warn("audio unavailable, continuing text-only", "err", err)
		} else {
			defer actx.Close()
			opts = append(opts,
				app.WithMicrophone(actx.NewMicrophone()),
				app.WithSpeaker(actx.NewSpeaker()),
			)
		}
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		logger.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	stopWatching := func() {}
	if fromFile {
		w, err := config.NewWatcher(*configPath, func(ctx context.Context, c config.Change) error {
			return application.Reload(ctx, c.New)
		}, config.WithWatcherLogger(logger))
		if err != nil {
			logger.Warn("config hot reload disabled", "err", err)
		} else {
			watchCtx, stopWatch := context.WithCancel(ctx)
			defer stopWatch()
			go func() { _ = w.Run(watchCtx) }()
			stopWatching = stopWatch
		}
	}

	if err := application.Run(ctx, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("run error", "err", err)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	stopWatching()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
		return 1
	}
	logger.Info("goodbye")
	return 0
}

// loadConfig reads path. A missing file yields the defaults so the client
// runs with nothing but an API key in the environment.
func loadConfig(path string) (cfg *config.Config, fromFile bool, err error) {
	cfg, err = config.Load(path)
	switch {
	case err == nil:
		return cfg, true, nil
	case errors.Is(err, os.ErrNotExist):
		cfg, err = config.LoadFromReader(strings.NewReader(""))
		return cfg, false, err
	default:
		return nil, false, err
	}
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltinMemory wires the memory backends that ship with murmur.
func registerBuiltinMemory(ctx context.Context, reg *config.Registry, logger *slog.Logger) {
	reg.RegisterMemory("mem0", func(b config.MemoryBackend) (memory.Store, error) {
		return mem0.New(b.URL, mem0.WithLogger(logger)), nil
	})
	reg.RegisterMemory("postgres", func(b config.MemoryBackend) (memory.Store, error) {
		s, err := postgres.NewStore(ctx, b.DSN, postgres.WithLimit(b.Limit))
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

func cameraFactory(logger *slog.Logger) app.SourceFactory {
	return func(vc config.VideoConfig) video.Source {
		opts := []camera.Option{
			camera.WithFFmpeg(vc.FFmpeg),
			camera.WithFramerate(int(math.Ceil(max(vc.FPS, 1)))),
			camera.WithLogger(logger),
		}
		if vc.CameraDevice != "" {
			opts = append(opts, camera.WithDevice(vc.CameraDevice))
		}
		return camera.New(opts...)
	}
}

func screenFactory(vc config.VideoConfig) video.Source {
	var opts []screen.Option
	if vc.FPS > 0 {
		opts = append(opts, screen.WithInterval(time.Duration(float64(time.Second)/vc.FPS)))
	}
	return screen.New(opts...)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          murmur: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Model", cfg.Session.Model)
	printRow("Voice", cfg.Session.Voice)
	printRow("Preset", orNone(cfg.Preset))
	printRow("Output rate", fmt.Sprintf("%d Hz", cfg.Audio.OutputSampleRate))
	names := make([]string, len(cfg.Memory.Backends))
	for i, b := range cfg.Memory.Backends {
		names[i] = b.Name
	}
	printRow("Memory", orNone(strings.Join(names, ", ")))
	if cfg.Server.ListenAddr != "" {
		printRow("Ops server", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
