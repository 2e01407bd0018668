package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/nox/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)

	d := config.Diff(cfg, cfg)
	if d.Any() {
		t.Errorf("expected no changes for identical configs, got %+v", d)
	}
}

func TestDiff_HotReloadableFields(t *testing.T) {
	t.Parallel()
	old := &config.Config{}
	config.ApplyDefaults(old)
	new := *old
	new.Server.LogLevel = config.LogDebug
	new.Chat.SystemPrompt = "answer in English"
	new.TTS.DefaultVoice = "Ethan"

	d := config.Diff(old, &new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level: changed=%v new=%q", d.LogLevelChanged, d.NewLogLevel)
	}
	if !d.SystemPromptChanged || d.NewSystemPrompt != "answer in English" {
		t.Errorf("system prompt: changed=%v new=%q", d.SystemPromptChanged, d.NewSystemPrompt)
	}
	if !d.DefaultVoiceChanged || d.NewDefaultVoice != "Ethan" {
		t.Errorf("default voice: changed=%v new=%q", d.DefaultVoiceChanged, d.NewDefaultVoice)
	}
}

func TestDiff_IgnoresRestartOnlyFields(t *testing.T) {
	t.Parallel()
	old := &config.Config{}
	config.ApplyDefaults(old)
	new := *old
	new.Server.ListenAddr = ":9999"
	new.ASR.Model = "paraformer-realtime-8k-v2"

	d := config.Diff(old, &new)
	if d.Any() {
		t.Errorf("restart-only fields should not be reported as live, got %+v", d)
	}
	if want := []string{"server", "asr"}; !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
}

func TestDiff_LiveFieldsNeedNoRestart(t *testing.T) {
	t.Parallel()
	old := &config.Config{}
	config.ApplyDefaults(old)
	new := *old
	new.Server.LogLevel = config.LogWarn
	new.TTS.DefaultVoice = "Serena"

	if d := config.Diff(old, &new); len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_FallbackModelsNeedRestart(t *testing.T) {
	t.Parallel()
	old := &config.Config{}
	config.ApplyDefaults(old)
	new := *old
	new.Chat.FallbackModels = []string{"qwen-turbo"}

	if d := config.Diff(old, &new); !slices.Equal(d.RestartRequired, []string{"chat"}) {
		t.Errorf("RestartRequired = %v, want [chat]", d.RestartRequired)
	}
}
