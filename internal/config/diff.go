package config

import "reflect"

// ConfigDiff describes what changed between two configs. The three
// LogLevel, SystemPrompt and DefaultVoice pairs can be applied without a
// restart; RestartRequired names any other section that changed.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SystemPromptChanged bool
	NewSystemPrompt     string

	DefaultVoiceChanged bool
	NewDefaultVoice     string

	// RestartRequired lists the YAML section names with changes the running
	// process ignores, in declaration order.
	RestartRequired []string
}

// Any reports whether d carries at least one hot-reloadable change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.SystemPromptChanged || d.DefaultVoiceChanged
}

// Diff compares old and new.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Chat.SystemPrompt != new.Chat.SystemPrompt {
		d.SystemPromptChanged = true
		d.NewSystemPrompt = new.Chat.SystemPrompt
	}
	if old.TTS.DefaultVoice != new.TTS.DefaultVoice {
		d.DefaultVoiceChanged = true
		d.NewDefaultVoice = new.TTS.DefaultVoice
	}

	// Compare copies with the live fields blanked out.
	a, b := *old, *new
	a.Server.LogLevel, b.Server.LogLevel = "", ""
	a.Chat.SystemPrompt, b.Chat.SystemPrompt = "", ""
	a.TTS.DefaultVoice, b.TTS.DefaultVoice = "", ""

	sections := []struct {
		name string
		x, y any
	}{
		{"server", a.Server, b.Server},
		{"upstream", a.Upstream, b.Upstream},
		{"asr", a.ASR, b.ASR},
		{"chat", a.Chat, b.Chat},
		{"tts", a.TTS, b.TTS},
		{"storage", a.Storage, b.Storage},
		{"samples", a.Samples, b.Samples},
		{"telemetry", a.Telemetry, b.Telemetry},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.x, s.y) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
