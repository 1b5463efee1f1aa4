// Package config provides the configuration schema, loader, presets and
// memory backend registry for murmur.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Sample rate bounds accepted for capture and output audio.
const (
	MinSampleRate = 1000
	MaxSampleRate = 48000
)

// EnvAPIKey overrides [SessionConfig.APIKey] when set.
const EnvAPIKey = "MURMUR_API_KEY"

// Config is the root configuration structure.
type Config struct {
	// Preset names one of [Presets]. When set, it is applied after decoding and
	// replaces the session voice, output sample rate and system instruction.
	Preset string `yaml:"preset"`

	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Audio   AudioConfig   `yaml:"audio"`
	Video   VideoConfig   `yaml:"video"`
	Memory  MemoryConfig  `yaml:"memory"`
}

// ServerConfig holds the ops HTTP server settings.
type ServerConfig struct {
	// ListenAddr serves /healthz, /readyz and /metrics. Empty disables the
	// ops server.
	ListenAddr string   `yaml:"listen_addr"`
	LogLevel   LogLevel `yaml:"log_level"`
}

// SessionConfig describes the live session requested on connect.
type SessionConfig struct {
	APIKey             string        `yaml:"api_key"`
	BaseURL            string        `yaml:"base_url"`
	Model              string        `yaml:"model"`
	Voice              string        `yaml:"voice"`
	SystemInstruction  string        `yaml:"system_instruction"`
	ResponseModalities []string      `yaml:"response_modalities"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
}

// AudioConfig holds microphone and speaker settings.
type AudioConfig struct {
	CaptureSampleRate int `yaml:"capture_sample_rate"`
	OutputSampleRate  int `yaml:"output_sample_rate"`

	// Window is the duration of one outgoing audio chunk.
	Window time.Duration `yaml:"window"`
}

// VideoConfig holds camera and screen-share settings.
type VideoConfig struct {
	FPS          float64 `yaml:"fps"`
	MaxWidth     int     `yaml:"max_width"`
	Quality      int     `yaml:"quality"`
	CameraDevice string  `yaml:"camera_device"`
	FFmpeg       string  `yaml:"ffmpeg"`

	// PreviewPath, when set, receives the most recent frame as a JPEG file.
	PreviewPath string `yaml:"preview_path"`
}

// MemoryConfig configures long-term conversation memory.
type MemoryConfig struct {
	// UserID scopes stored memories. Defaults to "default".
	UserID string `yaml:"user_id"`

	// Timeout bounds each memory lookup before an outgoing message.
	Timeout time.Duration `yaml:"timeout"`

	// Backends are tried in order; the first is the primary. An empty list
	// disables memory.
	Backends []MemoryBackend `yaml:"backends"`

	// Breaker tunes the circuit breaker in front of each backend.
	Breaker BreakerConfig `yaml:"breaker"`
}

// MemoryBackend selects one memory store implementation.
type MemoryBackend struct {
	// Name is the registry key, e.g. "mem0" or "postgres".
	Name string `yaml:"name"`

	// URL is the HTTP base URL for service backends.
	URL string `yaml:"url"`

	// DSN is the connection string for database backends.
	DSN string `yaml:"dsn"`

	// Limit caps the number of entries returned by a search.
	Limit int `yaml:"limit"`
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}
