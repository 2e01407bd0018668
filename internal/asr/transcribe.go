package asr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/nox/internal/observe"
)

// TranscriptionPath is the one-shot recognition endpoint, relative to the
// upstream base URL.
const TranscriptionPath = "/api/v1/services/aigc/asr/transcription"

// DefaultFormat is assumed when a recording carries no recognisable
// extension.
const DefaultFormat = "webm"

// DefaultTranscribeTimeout bounds one transcription round trip.
const DefaultTranscribeTimeout = time.Minute

const providerName = "dashscope"

// ErrNoText is returned when the upstream answered but recognised nothing.
var ErrNoText = errors.New("asr: no text recognised")

// TranscriberConfig configures a [Transcriber].
type TranscriberConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	SampleRate int
	Timeout    time.Duration
}

// UpstreamError is a non-2xx answer from the transcription endpoint.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("asr: transcription returned %d: %s", e.Status, e.Body)
}

// TranscriberOption configures a [Transcriber].
type TranscriberOption func(*Transcriber)

// WithTranscriberHTTPClient replaces the HTTP client.
func WithTranscriberHTTPClient(c *http.Client) TranscriberOption {
	return func(t *Transcriber) { t.http = c }
}

// WithTranscriberMetrics sets the metrics sink.
func WithTranscriberMetrics(m *observe.Metrics) TranscriberOption {
	return func(t *Transcriber) { t.metrics = m }
}

// Transcriber recognises a whole recording in one request.
type Transcriber struct {
	cfg     TranscriberConfig
	http    *http.Client
	metrics *observe.Metrics
}

// NewTranscriber creates a Transcriber. Zero fields take the package
// defaults.
func NewTranscriber(cfg TranscriberConfig, opts ...TranscriberOption) *Transcriber {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTranscribeTimeout
	}
	t := &Transcriber{cfg: cfg}
	for _, o := range opts {
		o(t)
	}
	if t.http == nil {
		t.http = &http.Client{Timeout: cfg.Timeout}
	}
	if t.metrics == nil {
		t.metrics = observe.DefaultMetrics()
	}
	return t
}

// Configured reports whether an API key is set.
func (t *Transcriber) Configured() bool { return t.cfg.APIKey != "" }

type transcriptionRequest struct {
	Model string `json:"model"`
	Input struct {
		Audio string `json:"audio"`
	} `json:"input"`
	Parameters struct {
		Format        string   `json:"format"`
		SampleRate    int      `json:"sample_rate"`
		LanguageHints []string `json:"language_hints"`
	} `json:"parameters"`
}

type transcriptionResponse struct {
	Output *struct {
		Text          string `json:"text"`
		Transcription string `json:"transcription"`
	} `json:"output"`
	Text string `json:"text"`
}

func (r transcriptionResponse) text() string {
	if r.Output != nil {
		if r.Output.Text != "" {
			return r.Output.Text
		}
		if r.Output.Transcription != "" {
			return r.Output.Transcription
		}
	}
	return r.Text
}

// Transcribe sends audio, encoded as format, and returns the recognised
// text. It returns [ErrNoText] when the answer is blank.
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte, format string) (_ string, err error) {
	if !t.Configured() {
		return "", ErrNoCredential
	}
	if len(audio) == 0 {
		return "", ErrEmptyAudio
	}
	if format == "" {
		format = DefaultFormat
	}

	ctx, span := observe.StartSpan(ctx, "asr.transcribe")
	defer func() { observe.EndSpan(span, err) }()

	var body transcriptionRequest
	body.Model = t.cfg.Model
	body.Input.Audio = "data:audio/" + format + ";base64," + base64.StdEncoding.EncodeToString(audio)
	body.Parameters.Format = format
	body.Parameters.SampleRate = t.cfg.SampleRate
	body.Parameters.LanguageHints = []string{"zh", "en"}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("asr: encode transcription request: %w", err)
	}

	endpoint := strings.TrimRight(t.cfg.BaseURL, "/") + TranscriptionPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("asr: build transcription request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		t.fail(ctx)
		return "", fmt.Errorf("asr: transcription request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		t.fail(ctx)
		return "", fmt.Errorf("asr: read transcription response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		t.fail(ctx)
		return "", &UpstreamError{Status: resp.StatusCode, Body: string(raw)}
	}
	t.metrics.RecordProviderRequest(ctx, providerName, "transcription", "ok")

	var out transcriptionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("asr: decode transcription response: %w", err)
	}
	text := strings.TrimSpace(out.text())
	if text == "" {
		return "", ErrNoText
	}
	return text, nil
}

func (t *Transcriber) fail(ctx context.Context) {
	t.metrics.RecordProviderRequest(ctx, providerName, "transcription", "error")
	t.metrics.RecordProviderError(ctx, providerName, "transcription")
}
