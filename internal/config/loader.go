package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidMemoryBackends lists the memory backend names known to the app.
// Used by [Validate] to warn about unrecognised names.
var ValidMemoryBackends = []string{"mem0", "postgres"}

// ValidModalities lists the accepted response modalities.
var ValidModalities = []string{"AUDIO", "TEXT"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies the environment
// override, defaults and the selected preset, and validates the result.
// An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.Getenv)
	ApplyDefaults(cfg)
	if cfg.Preset != "" {
		if _, ok := Presets[cfg.Preset]; ok {
			_ = ApplyPreset(cfg, cfg.Preset)
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. getenv is usually
// [os.Getenv].
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if key := getenv(EnvAPIKey); key != "" {
		cfg.Session.APIKey = key
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Preset != "" {
		if _, ok := Presets[cfg.Preset]; !ok {
			errs = append(errs, fmt.Errorf("preset %q is invalid; valid values: %v", cfg.Preset, PresetNames()))
		}
	}

	// Session
	if cfg.Session.APIKey == "" {
		slog.Warn("session.api_key is empty; set it in the config file or via " + EnvAPIKey)
	}
	for i, m := range cfg.Session.ResponseModalities {
		if !slices.Contains(ValidModalities, m) {
			errs = append(errs, fmt.Errorf("session.response_modalities[%d] %q is invalid; valid values: %v", i, m, ValidModalities))
		}
	}
	if cfg.Session.HandshakeTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.handshake_timeout %s must not be negative", cfg.Session.HandshakeTimeout))
	}

	// Audio
	errs = append(errs, validateSampleRate("audio.capture_sample_rate", cfg.Audio.CaptureSampleRate)...)
	errs = append(errs, validateSampleRate("audio.output_sample_rate", cfg.Audio.OutputSampleRate)...)
	if cfg.Audio.Window < 0 {
		errs = append(errs, fmt.Errorf("audio.window %s must not be negative", cfg.Audio.Window))
	}

	// Video
	if cfg.Video.FPS < 0 || cfg.Video.FPS > 30 {
		errs = append(errs, fmt.Errorf("video.fps %.2f is out of range [0, 30]", cfg.Video.FPS))
	}
	if cfg.Video.Quality < 0 || cfg.Video.Quality > 100 {
		errs = append(errs, fmt.Errorf("video.quality %d is out of range [1, 100]", cfg.Video.Quality))
	}
	if cfg.Video.MaxWidth < 0 {
		errs = append(errs, fmt.Errorf("video.max_width %d must not be negative", cfg.Video.MaxWidth))
	}

	// Memory
	if cfg.Memory.Timeout < 0 {
		errs = append(errs, fmt.Errorf("memory.timeout %s must not be negative", cfg.Memory.Timeout))
	}
	if cfg.Memory.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("memory.breaker.max_failures %d must not be negative", cfg.Memory.Breaker.MaxFailures))
	}
	seen := make(map[string]int, len(cfg.Memory.Backends))
	for i, b := range cfg.Memory.Backends {
		prefix := fmt.Sprintf("memory.backends[%d]", i)
		if b.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[b.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of memory.backends[%d]", prefix, b.Name, prev))
		}
		seen[b.Name] = i
		if !slices.Contains(ValidMemoryBackends, b.Name) {
			slog.Warn("unknown memory backend name; it must be registered before use",
				"name", b.Name,
				"known", ValidMemoryBackends,
			)
		}
		if b.Name == "postgres" && b.DSN == "" {
			errs = append(errs, fmt.Errorf("%s.dsn is required for the postgres backend", prefix))
		}
		if b.Limit < 0 {
			errs = append(errs, fmt.Errorf("%s.limit %d must not be negative", prefix, b.Limit))
		}
	}

	return errors.Join(errs...)
}

// ValidateSampleRate reports whether hz lies within [MinSampleRate, MaxSampleRate].
func ValidateSampleRate(hz int) error {
	if hz < MinSampleRate || hz > MaxSampleRate {
		return fmt.Errorf("sample rate %d is out of range [%d, %d]", hz, MinSampleRate, MaxSampleRate)
	}
	return nil
}

func validateSampleRate(field string, hz int) []error {
	if err := ValidateSampleRate(hz); err != nil {
		return []error{fmt.Errorf("%s: %w", field, err)}
	}
	return nil
}
