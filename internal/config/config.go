// Package config provides the configuration schema and loader for the NOX
// backend.
package config

import "time"

// LogLevel controls log verbosity for the server.
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

// StorageBackend selects where chat history and topics are persisted.
type StorageBackend string

const (
	// StorageFile keeps one JSON document per client under data_dir.
	StorageFile StorageBackend = "file"

	// StoragePostgres keeps history and topics in PostgreSQL.
	StoragePostgres StorageBackend = "postgres"
)

// IsValid reports whether b is a recognised storage backend.
func (b StorageBackend) IsValid() bool {
	return b == StorageFile || b == StoragePostgres
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	ASR       ASRConfig       `yaml:"asr"`
	Chat      ChatConfig      `yaml:"chat"`
	TTS       TTSConfig       `yaml:"tts"`
	Storage   StorageConfig   `yaml:"storage"`
	Samples   SamplesConfig   `yaml:"samples"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":3000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds graceful shutdown of the HTTP server and the
	// live recognition sessions.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// UpstreamConfig points at the hosted model service.
type UpstreamConfig struct {
	// APIKey authenticates every upstream call. When empty the loader falls
	// back to the DASHSCOPE_API_KEY environment variable.
	APIKey string `yaml:"api_key"`

	// BaseURL is the HTTP API root used by chat and speech synthesis.
	BaseURL string `yaml:"base_url"`

	// WSURL is the duplex recognition endpoint.
	WSURL string `yaml:"ws_url"`
}

// ASRConfig configures realtime recognition sessions.
type ASRConfig struct {
	Model            string        `yaml:"model"`
	SampleRate       int           `yaml:"sample_rate"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	TaskStartTimeout time.Duration `yaml:"task_start_timeout"`
	StopGrace        time.Duration `yaml:"stop_grace"`
}

// ChatConfig configures the chat completion proxy.
type ChatConfig struct {
	TextModel    string `yaml:"text_model"`
	VisionModel  string `yaml:"vision_model"`
	SystemPrompt string `yaml:"system_prompt"`

	// FallbackModels are tried in order when the text model keeps failing.
	FallbackModels []string `yaml:"fallback_models"`

	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// TTSConfig configures the speech synthesis proxy.
type TTSConfig struct {
	Model        string        `yaml:"model"`
	DefaultVoice string        `yaml:"default_voice"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	MaxTextRunes int           `yaml:"max_text_runes"`
}

// StorageConfig selects and configures the history backend.
type StorageConfig struct {
	Backend     StorageBackend `yaml:"backend"`
	DataDir     string         `yaml:"data_dir"`
	PostgresDSN string         `yaml:"postgres_dsn"`
	MaxTopics   int            `yaml:"max_topics"`
}

// SamplesConfig configures the voice sample upload endpoint.
type SamplesConfig struct {
	Dir         string `yaml:"dir"`
	MaxFileSize int64  `yaml:"max_file_size"`
}

// TelemetryConfig configures metrics export.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
	MetricsPath string `yaml:"metrics_path"`
}

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":3000"
	DefaultShutdownTimeout  = 15 * time.Second
	DefaultBaseURL          = "https://dashscope.aliyuncs.com"
	DefaultWSURL            = "wss://dashscope.aliyuncs.com/api-ws/v1/inference"
	DefaultASRModel         = "paraformer-realtime-v2"
	DefaultSampleRate       = 16000
	DefaultConnectTimeout   = 10 * time.Second
	DefaultTaskStartTimeout = 5 * time.Second
	DefaultStopGrace        = time.Second
	DefaultTextModel        = "qwen-plus"
	DefaultVisionModel      = "qwen-vl-max"
	DefaultMaxTokens        = 500
	DefaultTemperature      = 0.8
	DefaultChatTimeout      = 8 * time.Second
	DefaultTTSModel         = "qwen-tts"
	DefaultVoice            = "Cherry"
	DefaultTTSTimeout       = 15 * time.Second
	DefaultTTSMaxRetries    = 2
	DefaultTTSRetryDelay    = 2 * time.Second
	DefaultMaxTextRunes     = 300
	DefaultDataDir          = "data"
	DefaultMaxTopics        = 50
	DefaultSamplesDir       = "public/voice-samples"
	DefaultMaxSampleSize    = 10 << 20
	DefaultServiceName      = "nox"
	DefaultMetricsPath      = "/metrics"

	// DefaultSystemPrompt keeps replies short enough to be read aloud.
	DefaultSystemPrompt = "你叫NOX，是生活助手。风格年轻化，共情幽默。回复简洁有趣，每次回复不超过150个字（如果超过150个字，分几次回答），回答中不使用表情和手势。"
)

// APIKeyEnv is the environment variable consulted when upstream.api_key is empty.
const APIKeyEnv = "DASHSCOPE_API_KEY"

// ApplyDefaults fills every zero-valued field of cfg with its default.
func ApplyDefaults(cfg *Config) {
	setString(&cfg.Server.ListenAddr, DefaultListenAddr)
	setString((*string)(&cfg.Server.LogLevel), string(LogInfo))
	setDuration(&cfg.Server.ShutdownTimeout, DefaultShutdownTimeout)

	setString(&cfg.Upstream.BaseURL, DefaultBaseURL)
	setString(&cfg.Upstream.WSURL, DefaultWSURL)

	setString(&cfg.ASR.Model, DefaultASRModel)
	setInt(&cfg.ASR.SampleRate, DefaultSampleRate)
	setDuration(&cfg.ASR.ConnectTimeout, DefaultConnectTimeout)
	setDuration(&cfg.ASR.TaskStartTimeout, DefaultTaskStartTimeout)
	setDuration(&cfg.ASR.StopGrace, DefaultStopGrace)

	setString(&cfg.Chat.TextModel, DefaultTextModel)
	setString(&cfg.Chat.VisionModel, DefaultVisionModel)
	setString(&cfg.Chat.SystemPrompt, DefaultSystemPrompt)
	setInt(&cfg.Chat.MaxTokens, DefaultMaxTokens)
	if cfg.Chat.Temperature == 0 {
		cfg.Chat.Temperature = DefaultTemperature
	}
	setDuration(&cfg.Chat.Timeout, DefaultChatTimeout)

	setString(&cfg.TTS.Model, DefaultTTSModel)
	setString(&cfg.TTS.DefaultVoice, DefaultVoice)
	setDuration(&cfg.TTS.Timeout, DefaultTTSTimeout)
	setInt(&cfg.TTS.MaxRetries, DefaultTTSMaxRetries)
	setDuration(&cfg.TTS.RetryDelay, DefaultTTSRetryDelay)
	setInt(&cfg.TTS.MaxTextRunes, DefaultMaxTextRunes)

	setString((*string)(&cfg.Storage.Backend), string(StorageFile))
	setString(&cfg.Storage.DataDir, DefaultDataDir)
	setInt(&cfg.Storage.MaxTopics, DefaultMaxTopics)

	setString(&cfg.Samples.Dir, DefaultSamplesDir)
	if cfg.Samples.MaxFileSize == 0 {
		cfg.Samples.MaxFileSize = DefaultMaxSampleSize
	}

	setString(&cfg.Telemetry.ServiceName, DefaultServiceName)
	setString(&cfg.Telemetry.MetricsPath, DefaultMetricsPath)
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst == 0 {
		*dst = def
	}
}
