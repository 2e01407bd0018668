// Package chat proxies chat completions to the upstream's OpenAI-compatible
// endpoint. Text requests use the text model (with optional fallback
// models), image requests use the vision model with multi-part content.
package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/nox/internal/observe"
	"github.com/MrWong99/nox/internal/resilience"
)

// CompatiblePath is appended to the upstream base URL.
const CompatiblePath = "/compatible-mode/v1"

// EmptyReply is returned as the response text when the model answers with
// no choices.
const EmptyReply = "抱歉，我没有收到有效的响应。"

const providerName = "dashscope"

// ErrNoCredential is returned when no API key is configured.
var ErrNoCredential = errors.New("chat: DASHSCOPE_API_KEY is not configured")

// Config configures a [Service].
type Config struct {
	APIKey         string
	BaseURL        string
	TextModel      string
	VisionModel    string
	FallbackModels []string
	SystemPrompt   string
	MaxTokens      int
	Temperature    float64
	Timeout        time.Duration
}

// Request is one user turn.
type Request struct {
	Message string `json:"message"`
	Image   string `json:"image,omitempty"`
	Type    string `json:"type,omitempty"`
}

// IsImage reports whether r should go to the vision model.
func (r Request) IsImage() bool {
	return r.Type == "image" && r.Image != ""
}

// Reply is the model's answer.
type Reply struct {
	Text  string
	Model string
}

// Option configures a [Service].
type Option func(*Service)

// WithMetrics sets the metrics sink. The default is observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithHTTPClient replaces the HTTP client used by the SDK.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.httpClient = c }
}

// Service answers chat requests.
type Service struct {
	cfg        Config
	client     oai.Client
	httpClient *http.Client
	metrics    *observe.Metrics
	prompt     atomic.Pointer[string]
	text       *resilience.FallbackGroup[string]
	vision     *resilience.CircuitBreaker
}

// New creates a Service. The SDK's own retries are disabled; failover is
// handled by per-model circuit breakers.
func New(cfg Config, opts ...Option) *Service {
	s := &Service{cfg: cfg}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{}
	}

	s.client = oai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")+CompatiblePath+"/"),
		option.WithHTTPClient(s.httpClient),
		option.WithMaxRetries(0),
	)
	s.SetSystemPrompt(cfg.SystemPrompt)

	fb := resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 3}}
	s.text = resilience.NewFallbackGroup(cfg.TextModel, cfg.TextModel, fb)
	for _, m := range cfg.FallbackModels {
		if m != "" && m != cfg.TextModel {
			s.text.AddFallback(m, m)
		}
	}
	s.vision = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: cfg.VisionModel, MaxFailures: 3})
	return s
}

// Configured reports whether an API key is set.
func (s *Service) Configured() bool { return s.cfg.APIKey != "" }

// SetSystemPrompt replaces the system prompt for subsequent requests.
func (s *Service) SetSystemPrompt(p string) { s.prompt.Store(&p) }

// SystemPrompt returns the current system prompt.
func (s *Service) SystemPrompt() string { return *s.prompt.Load() }

// Reply sends req to the model and returns the answer.
func (s *Service) Reply(ctx context.Context, req Request) (_ Reply, err error) {
	if !s.Configured() {
		return Reply{}, ErrNoCredential
	}
	if strings.TrimSpace(req.Message) == "" {
		return Reply{}, errors.New("chat: message is required")
	}

	ctx, span := observe.StartSpan(ctx, "chat.reply")
	defer func() { observe.EndSpan(span, err) }()

	start := time.Now()
	defer func() {
		s.metrics.ChatDuration.Record(ctx, time.Since(start).Seconds())
	}()

	if req.IsImage() {
		var reply Reply
		err = s.vision.Execute(func() error {
			var callErr error
			reply, callErr = s.complete(ctx, s.cfg.VisionModel, req)
			return callErr
		})
		return reply, err
	}
	return resilience.ExecuteWithResult(s.text, func(model string) (Reply, error) {
		return s.complete(ctx, model, req)
	})
}

func (s *Service) complete(ctx context.Context, model string, req Request) (Reply, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	params := s.buildParams(model, req)
	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		s.metrics.RecordProviderRequest(ctx, providerName, "chat", "error")
		s.metrics.RecordProviderError(ctx, providerName, "chat")
		return Reply{}, classify(fmt.Errorf("chat: %s completion: %w", model, err))
	}
	s.metrics.RecordProviderRequest(ctx, providerName, "chat", "ok")

	text := EmptyReply
	if len(resp.Choices) > 0 && resp.Choices[0].Message.Content != "" {
		text = resp.Choices[0].Message.Content
	}
	return Reply{Text: text, Model: model}, nil
}

func (s *Service) buildParams(model string, req Request) oai.ChatCompletionNewParams {
	var user oai.ChatCompletionMessageParamUnion
	if req.IsImage() {
		user = oai.UserMessage([]oai.ChatCompletionContentPartUnionParam{
			oai.TextContentPart(req.Message),
			oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{URL: req.Image}),
		})
	} else {
		user = oai.UserMessage(req.Message)
	}

	messages := []oai.ChatCompletionMessageParamUnion{}
	if p := s.SystemPrompt(); p != "" {
		messages = append(messages, oai.SystemMessage(p))
	}
	messages = append(messages, user)

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
	if s.cfg.MaxTokens > 0 {
		params.MaxTokens = oai.Int(int64(s.cfg.MaxTokens))
	}
	if s.cfg.Temperature != 0 {
		params.Temperature = oai.Float(s.cfg.Temperature)
	}
	return params
}

// classify marks client errors other than rate limiting as permanent so they
// neither trip a breaker nor fall through to another model.
func classify(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		code := apiErr.StatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return resilience.Permanent(err)
		}
	}
	return err
}
