package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvFiles lists the dotenv files consulted by [Load], highest precedence
// first. Variables already present in the process environment always win.
var EnvFiles = []string{".env.local", ".env"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// Dotenv files next to the working directory are loaded first so that the
// API key fallback can see them.
func Load(path string) (*Config, error) {
	if err := LoadEnvFiles(EnvFiles...); err != nil {
		return nil, err
	}

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

// LoadEnvFiles loads each existing dotenv file into the process environment.
// Missing files are skipped.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("config: load env file %q: %w", filepath.Base(p), err)
		}
		slog.Debug("config: loaded env file", "path", p)
	}
	return nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and the
// environment fallback, and validates the result. An empty document yields
// the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if cfg.Upstream.APIKey == "" {
		cfg.Upstream.APIKey = os.Getenv(APIKeyEnv)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeout},
		{"asr.connect_timeout", cfg.ASR.ConnectTimeout},
		{"asr.task_start_timeout", cfg.ASR.TaskStartTimeout},
		{"asr.stop_grace", cfg.ASR.StopGrace},
		{"chat.timeout", cfg.Chat.Timeout},
		{"tts.timeout", cfg.TTS.Timeout},
		{"tts.retry_delay", cfg.TTS.RetryDelay},
	}
	for _, d := range durations {
		if d.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.name, d.d))
		}
	}

	if r := cfg.ASR.SampleRate; r != 8000 && r != 16000 {
		errs = append(errs, fmt.Errorf("asr.sample_rate %d is invalid; valid values: 8000, 16000", r))
	}
	if cfg.Chat.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("chat.max_tokens must not be negative, got %d", cfg.Chat.MaxTokens))
	}
	if cfg.Chat.Temperature < 0 || cfg.Chat.Temperature > 2 {
		errs = append(errs, fmt.Errorf("chat.temperature %.2f is out of range [0, 2]", cfg.Chat.Temperature))
	}
	if cfg.TTS.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("tts.max_retries must not be negative, got %d", cfg.TTS.MaxRetries))
	}
	if cfg.TTS.MaxTextRunes < 0 {
		errs = append(errs, fmt.Errorf("tts.max_text_runes must not be negative, got %d", cfg.TTS.MaxTextRunes))
	}

	if !cfg.Storage.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("storage.backend %q is invalid; valid values: file, postgres", cfg.Storage.Backend))
	}
	if cfg.Storage.Backend == StoragePostgres && cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required when storage.backend is postgres"))
	}
	if cfg.Storage.MaxTopics < 0 {
		errs = append(errs, fmt.Errorf("storage.max_topics must not be negative, got %d", cfg.Storage.MaxTopics))
	}
	if cfg.Samples.MaxFileSize < 0 {
		errs = append(errs, fmt.Errorf("samples.max_file_size must not be negative, got %d", cfg.Samples.MaxFileSize))
	}

	if cfg.Upstream.APIKey == "" {
		slog.Warn("no upstream API key configured; recognition, chat and speech synthesis will fail until " + APIKeyEnv + " is set")
	}

	return errors.Join(errs...)
}
