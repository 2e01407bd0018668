// Package tts proxies speech synthesis to the upstream multimodal generation
// API. A synthesis call posts the text, downloads the audio from the URL the
// upstream returns and hands the bytes back; the whole round trip is retried
// a bounded number of times.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/nox/internal/observe"
	"github.com/MrWong99/nox/internal/resilience"
)

// Upstream paths relative to the base URL.
const (
	GenerationPath = "/api/v1/services/aigc/multimodal-generation/generation"
	TasksPath      = "/api/v1/tasks/"
)

const (
	providerName = "dashscope"
	maxAudioSize = 32 << 20
)

// Voices lists the voice presets offered to clients.
var Voices = map[string]string{
	"Cherry":  "温婉女声(中英双语)",
	"Ethan":   "稳重男声(中英双语)",
	"Chelsie": "活力女声(中英双语)",
	"Serena":  "优雅女声(中英双语)",
}

// SupportedFormats are the formats a client may ask for.
var SupportedFormats = []string{"mp3", "wav"}

// ErrNoAudioURL is returned when the generation answer carries no audio URL.
var ErrNoAudioURL = errors.New("tts: response carries no audio url")

// Config configures a [Service].
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	DefaultVoice string
	Timeout      time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
	MaxTextRunes int
}

// Audio is a synthesised clip.
type Audio struct {
	Data        []byte
	ContentType string
}

// Option configures a [Service].
type Option func(*Service)

// WithHTTPClient replaces the HTTP client. Per-request timeouts still apply.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.http = c }
}

// WithMetrics sets the metrics sink. The default is observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithSleep overrides the pause between attempts. Tests only.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(s *Service) { s.sleep = fn }
}

// Service talks to the synthesis API.
type Service struct {
	cfg     Config
	http    *http.Client
	metrics *observe.Metrics
	breaker *resilience.CircuitBreaker
	sleep   func(context.Context, time.Duration) error
	voice   atomic.Pointer[string]
}

// New creates a Service.
func New(cfg Config, opts ...Option) *Service {
	s := &Service{cfg: cfg, http: &http.Client{}}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "tts", MaxFailures: 5})
	s.SetDefaultVoice(cfg.DefaultVoice)
	return s
}

// Configured reports whether an API key is set.
func (s *Service) Configured() bool { return s.cfg.APIKey != "" }

// SetDefaultVoice replaces the voice used when a request names none.
func (s *Service) SetDefaultVoice(v string) { s.voice.Store(&v) }

// DefaultVoice returns the current default voice.
func (s *Service) DefaultVoice() string { return *s.voice.Load() }

// Attempts is the number of synthesis attempts per request.
func (s *Service) Attempts() int { return max(s.cfg.MaxRetries, 1) }

// Truncate cuts text to the configured rune limit, marking the cut with
// "...". A limit <= 0 disables truncation.
func (s *Service) Truncate(text string) string {
	limit := s.cfg.MaxTextRunes
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}

// Synthesize turns text into audio. An empty voice uses the default voice.
func (s *Service) Synthesize(ctx context.Context, text, voice string) (_ *Audio, err error) {
	if voice == "" {
		voice = s.DefaultVoice()
	}
	text = s.Truncate(text)

	ctx, span := observe.StartSpan(ctx, "tts.synthesize")
	defer func() { observe.EndSpan(span, err) }()
	start := time.Now()
	defer func() { s.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds()) }()

	var out *Audio
	err = resilience.Retry(ctx, resilience.RetryConfig{
		Name:     "tts",
		Attempts: s.Attempts(),
		Delay:    s.cfg.RetryDelay,
		Sleep:    s.sleep,
	}, func(ctx context.Context, attempt int) error {
		err := s.breaker.Execute(func() error {
			a, err := s.attempt(ctx, text, voice)
			out = a
			return err
		})
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return resilience.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type generationRequest struct {
	Model string          `json:"model"`
	Input generationInput `json:"input"`
}

type generationInput struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

type generationResponse struct {
	Output struct {
		Audio struct {
			URL string `json:"url"`
		} `json:"audio"`
	} `json:"output"`
	RequestID string `json:"request_id"`
}

func (s *Service) attempt(ctx context.Context, text, voice string) (*Audio, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	payload, err := json.Marshal(generationRequest{
		Model: s.cfg.Model,
		Input: generationInput{Text: text, Voice: voice},
	})
	if err != nil {
		return nil, fmt.Errorf("tts: encode request: %w", err)
	}

	var gen generationResponse
	if err := s.doJSON(ctx, http.MethodPost, s.endpoint(GenerationPath), payload, &gen); err != nil {
		return nil, err
	}
	if gen.Output.Audio.URL == "" {
		return nil, ErrNoAudioURL
	}

	data, err := s.download(ctx, gen.Output.Audio.URL)
	if err != nil {
		return nil, err
	}
	return &Audio{Data: data, ContentType: "audio/wav"}, nil
}

func (s *Service) endpoint(path string) string {
	return strings.TrimRight(s.cfg.BaseURL, "/") + path
}

// StatusError is a non-2xx upstream answer.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tts: upstream %d: %s", e.Status, e.Body)
}

func (s *Service) doJSON(ctx context.Context, method, endpoint string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		return fmt.Errorf("tts: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		s.recordFailure(ctx)
		return fmt.Errorf("tts: %s %s: %w", method, redact(endpoint), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		s.recordFailure(ctx)
		return fmt.Errorf("tts: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.recordFailure(ctx)
		return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	s.metrics.RecordProviderRequest(ctx, providerName, "tts", "ok")
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("tts: decode response: %w", err)
	}
	return nil
}

func (s *Service) recordFailure(ctx context.Context) {
	s.metrics.RecordProviderRequest(ctx, providerName, "tts", "error")
	s.metrics.RecordProviderError(ctx, providerName, "tts")
}

func (s *Service) download(ctx context.Context, audioURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return nil, fmt.Errorf("tts: build download: %w", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts: download %s: %w", redact(audioURL), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tts: audio download failed: %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioSize))
	if err != nil {
		return nil, fmt.Errorf("tts: read audio: %w", err)
	}
	return data, nil
}

// redact drops the query string, which carries signed credentials for
// object storage URLs.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	return u.String()
}

// ── Async tasks ───────────────────────────────────────────────────────────────

// TaskStatus is the state of an asynchronous synthesis task.
type TaskStatus struct {
	ID       string
	Status   string
	Progress float64
	Message  string

	// Audio is set once the task succeeded and its audio was downloaded.
	Audio *Audio
}

type taskResponse struct {
	TaskStatus string  `json:"task_status"`
	Progress   float64 `json:"progress"`
	Output     struct {
		TaskStatus string `json:"task_status"`
		AudioURL   string `json:"audio_url"`
	} `json:"output"`
}

// StatusMessage returns the human-readable label for a task status.
func StatusMessage(status string) string {
	switch status {
	case "PENDING":
		return "任务等待中..."
	case "RUNNING":
		return "正在生成语音..."
	case "SUCCEEDED":
		return "语音生成完成"
	case "FAILED":
		return "语音生成失败"
	default:
		return "未知状态"
	}
}

// Task polls the task with the given id. A succeeded task's audio is
// downloaded; a failed download leaves Audio nil.
func (s *Service) Task(ctx context.Context, id string) (*TaskStatus, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	var tr taskResponse
	if err := s.doJSON(ctx, http.MethodGet, s.endpoint(TasksPath+url.PathEscape(id)), nil, &tr); err != nil {
		return nil, err
	}
	status := tr.TaskStatus
	if status == "" {
		status = tr.Output.TaskStatus
	}
	ts := &TaskStatus{ID: id, Status: status, Progress: tr.Progress, Message: StatusMessage(status)}

	if status == "SUCCEEDED" && tr.Output.AudioURL != "" {
		data, err := s.download(ctx, tr.Output.AudioURL)
		if err != nil {
			observe.Logger(ctx).Warn("tts: task audio download failed", "task_id", id, "err", err)
			return ts, nil
		}
		ts.Audio = &Audio{Data: data, ContentType: "audio/mpeg"}
	}
	return ts, nil
}
