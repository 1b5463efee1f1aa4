package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Fields are grouped by when a change takes effect.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true when a value fixed at connect time changed. The
	// new values take effect on the next connect.
	SessionChanged bool
	SessionFields  []string

	// VideoChanged is true when capture settings changed. They take effect on
	// the next camera or screen start.
	VideoChanged bool

	// RestartFields lists changed values that are only read at startup.
	RestartFields []string
}

// Empty reports whether d records no changes.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && !d.VideoChanged && len(d.RestartFields) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.SessionFields = diffSession(old, new)
	d.SessionChanged = len(d.SessionFields) > 0

	d.VideoChanged = old.Video != new.Video

	if old.Session.APIKey != new.Session.APIKey {
		d.RestartFields = append(d.RestartFields, "session.api_key")
	}
	if old.Session.BaseURL != new.Session.BaseURL {
		d.RestartFields = append(d.RestartFields, "session.base_url")
	}
	if old.Session.HandshakeTimeout != new.Session.HandshakeTimeout {
		d.RestartFields = append(d.RestartFields, "session.handshake_timeout")
	}
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartFields = append(d.RestartFields, "server.listen_addr")
	}
	if !reflect.DeepEqual(old.Memory, new.Memory) {
		d.RestartFields = append(d.RestartFields, "memory")
	}
	return d
}

// diffSession lists the connect-time fields that differ.
func diffSession(old, new *Config) []string {
	var fields []string
	add := func(changed bool, name string) {
		if changed {
			fields = append(fields, name)
		}
	}
	add(old.Session.Model != new.Session.Model, "session.model")
	add(old.Session.Voice != new.Session.Voice, "session.voice")
	add(old.Session.SystemInstruction != new.Session.SystemInstruction, "session.system_instruction")
	add(!slices.Equal(old.Session.ResponseModalities, new.Session.ResponseModalities), "session.response_modalities")
	add(old.Audio.CaptureSampleRate != new.Audio.CaptureSampleRate, "audio.capture_sample_rate")
	add(old.Audio.OutputSampleRate != new.Audio.OutputSampleRate, "audio.output_sample_rate")
	return fields
}
