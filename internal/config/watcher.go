package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Change is handed to the apply callback of a [Watcher] when the config file
// holds a new valid configuration that differs from the running one.
type Change struct {
	Old  *Config
	New  *Config
	Diff ConfigDiff
}

// ApplyFunc applies a reloaded configuration. When it returns an error the
// running configuration is kept and the next edit is diffed against it.
type ApplyFunc func(ctx context.Context, c Change) error

// Watcher polls a config file and hands effective changes to an ApplyFunc.
// Edits that only touch comments or formatting produce an empty [Diff] and
// are not reported.
type Watcher struct {
	path     string
	interval time.Duration
	apply    ApplyFunc
	logger   *slog.Logger

	// checkMu serializes Check; mu guards current.
	checkMu sync.Mutex
	mu      sync.Mutex
	current *Config

	seen    [sha256.Size]byte
	invalid [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger. Defaults to [slog.Default].
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// NewWatcher loads path and returns a watcher for it. Polling starts with
// [Watcher.Run].
func NewWatcher(path string, apply ApplyFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		apply:    apply,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current = cfg
	w.seen = sha256.Sum256(data)
	return w, nil
}

// Current returns the configuration most recently accepted.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is cancelled. Failed checks are logged and polling
// continues.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			applied, err := w.Check(ctx)
			if err != nil {
				w.logger.Warn("config reload rejected", "path", w.path, "err", err)
				continue
			}
			if applied {
				w.logger.Info("config reloaded", "path", w.path)
			}
		}
	}
}

// Check reads the file once. It reports whether a change was applied. Content
// that fails validation or is refused by the ApplyFunc is reported once and
// then ignored until the file changes again.
func (w *Watcher) Check(ctx context.Context) (bool, error) {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	data, err := os.ReadFile(w.path)
	if err != nil {
		return false, fmt.Errorf("config: reload %q: %w", w.path, err)
	}
	sum := sha256.Sum256(data)
	if sum == w.seen || sum == w.invalid {
		return false, nil
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		w.invalid = sum
		return false, fmt.Errorf("config: reload %q: %w", w.path, err)
	}

	old := w.Current()
	d := Diff(old, cfg)
	if d.Empty() {
		w.seen = sum
		return false, nil
	}
	if w.apply != nil {
		if err := w.apply(ctx, Change{Old: old, New: cfg, Diff: d}); err != nil {
			w.invalid = sum
			return false, fmt.Errorf("config: apply %q: %w", w.path, err)
		}
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
	w.seen = sum
	return true, nil
}
