package config

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// Preset is a named bundle of persona settings.
type Preset struct {
	Voice             string
	OutputSampleRate  int
	SystemInstruction string
}

// Presets lists the built-in personas selectable with [Config.Preset] or the
// /preset command.
var Presets = map[string]Preset{
	"friendly": {
		Voice:             "Aoede",
		OutputSampleRate:  27000,
		SystemInstruction: "You are a friendly and warm AI assistant. Use a casual, approachable tone and be encouraging.",
	},
	"professional": {
		Voice:             "Charon",
		OutputSampleRate:  24000,
		SystemInstruction: "You are a professional AI expert. Maintain a formal tone, be precise and thorough in your explanations. Focus on accuracy and clarity in all interactions.",
	},
	"tired": {
		Voice:             "Aoede",
		OutputSampleRate:  16000,
		SystemInstruction: "You are very tired, exhausted, and grumpy. Respond in a lazy and unenthusiastic tone unless absolutely necessary.",
	},
}

// PresetNames returns the preset names in sorted order.
func PresetNames() []string {
	return slices.Sorted(maps.Keys(Presets))
}

// ApplyPreset overwrites the voice, output sample rate and system instruction
// of cfg with the named preset and records the name in cfg.Preset.
func ApplyPreset(cfg *Config, name string) error {
	p, ok := Presets[name]
	if !ok {
		return fmt.Errorf("config: unknown preset %q; valid values: %v", name, PresetNames())
	}
	cfg.Preset = name
	cfg.Session.Voice = p.Voice
	cfg.Audio.OutputSampleRate = p.OutputSampleRate
	cfg.Session.SystemInstruction = p.SystemInstruction
	return nil
}

// ── Defaults ──────────────────────────────────────────────────────────────────

// Default values filled in by [ApplyDefaults].
const (
	DefaultModel             = "gemini-2.0-flash-exp"
	DefaultVoice             = "Fenrir"
	DefaultCaptureSampleRate = 16000
	DefaultOutputSampleRate  = 24000
	DefaultUserID            = "default"
)

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.LogLevel, LogInfo)

	setDefault(&cfg.Session.Model, DefaultModel)
	setDefault(&cfg.Session.Voice, DefaultVoice)
	setDefault(&cfg.Session.HandshakeTimeout, 10*time.Second)
	if len(cfg.Session.ResponseModalities) == 0 {
		cfg.Session.ResponseModalities = []string{"AUDIO"}
	}

	setDefault(&cfg.Audio.CaptureSampleRate, DefaultCaptureSampleRate)
	setDefault(&cfg.Audio.OutputSampleRate, DefaultOutputSampleRate)
	setDefault(&cfg.Audio.Window, 100*time.Millisecond)

	setDefault(&cfg.Video.FPS, 1)
	setDefault(&cfg.Video.MaxWidth, 640)
	setDefault(&cfg.Video.Quality, 80)
	setDefault(&cfg.Video.FFmpeg, "ffmpeg")

	setDefault(&cfg.Memory.UserID, DefaultUserID)
	setDefault(&cfg.Memory.Timeout, 2*time.Second)
	setDefault(&cfg.Memory.Breaker.MaxFailures, 5)
	setDefault(&cfg.Memory.Breaker.ResetTimeout, 30*time.Second)
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}
