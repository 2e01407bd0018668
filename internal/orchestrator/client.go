package orchestrator

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

	"github.com/MrWong99/nox/internal/asr"
)

// DefaultCallTimeout bounds each relay call made by [HTTPClient] and the
// orchestrator.
const DefaultCallTimeout = 10 * time.Second

// ErrSessionNotFound is returned when the relay answers 404 for a session.
var ErrSessionNotFound = errors.New("orchestrator: relay session not found")

// Session identifies a started relay session.
type Session struct {
	ID     string
	TaskID string
}

// Transcript is the relay's view of a session after a feed.
type Transcript struct {
	Partial string
	Final   string
}

// RelayClient is the request/response surface of the session relay.
type RelayClient interface {
	StartSession(ctx context.Context) (Session, error)
	SendAudio(ctx context.Context, sessionID string, pcm []byte) (Transcript, error)
	StopSession(ctx context.Context, sessionID string) (string, error)
}

// APIError is a non-success relay response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay: %d %s", e.Status, e.Message)
}

// Is makes a 404 match [ErrSessionNotFound].
func (e *APIError) Is(target error) bool {
	return target == ErrSessionNotFound && e.Status == http.StatusNotFound
}

// HTTPClient talks to the relay endpoint over HTTP.
type HTTPClient struct {
	endpoint string
	http     *http.Client
}

var _ RelayClient = (*HTTPClient)(nil)

// ClientOption configures an [HTTPClient].
type ClientOption func(*HTTPClient)

// WithHTTPClient replaces the underlying client. Its Timeout is left as is.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(h *HTTPClient) {
		if c != nil {
			h.http = c
		}
	}
}

// NewHTTPClient creates a client for the relay served at baseURL (e.g.
// "http://localhost:3000").
func NewHTTPClient(baseURL string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		endpoint: strings.TrimRight(baseURL, "/") + "/api/realtime-asr",
		http:     &http.Client{Timeout: DefaultCallTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// relayResponse is the union of every relay answer.
type relayResponse struct {
	Success     bool   `json:"success"`
	Error       string `json:"error"`
	Details     string `json:"details"`
	SessionID   string `json:"session_id"`
	TaskID      string `json:"task_id"`
	PartialText string `json:"partial_text"`
	FinalText   string `json:"final_text"`
}

// StartSession implements [RelayClient].
func (c *HTTPClient) StartSession(ctx context.Context) (Session, error) {
	res, err := c.do(ctx, asr.Request{Action: asr.ActionStart})
	if err != nil {
		return Session{}, err
	}
	if res.SessionID == "" {
		return Session{}, errors.New("relay: start response carries no session_id")
	}
	return Session{ID: res.SessionID, TaskID: res.TaskID}, nil
}

// SendAudio implements [RelayClient].
func (c *HTTPClient) SendAudio(ctx context.Context, sessionID string, pcm []byte) (Transcript, error) {
	res, err := c.do(ctx, asr.Request{
		Action:    asr.ActionSendAudio,
		SessionID: sessionID,
		AudioData: base64.StdEncoding.EncodeToString(pcm),
	})
	if err != nil {
		return Transcript{}, err
	}
	return Transcript{Partial: res.PartialText, Final: res.FinalText}, nil
}

// StopSession implements [RelayClient].
func (c *HTTPClient) StopSession(ctx context.Context, sessionID string) (string, error) {
	res, err := c.do(ctx, asr.Request{Action: asr.ActionStop, SessionID: sessionID})
	if err != nil {
		return "", err
	}
	return res.FinalText, nil
}

func (c *HTTPClient) do(ctx context.Context, body asr.Request) (*relayResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("relay: encode %s: %w", body.Action, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("relay: build %s request: %w", body.Action, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay: %s: %w", body.Action, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("relay: read %s response: %w", body.Action, err)
	}
	var res relayResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if resp.StatusCode != http.StatusOK || !res.Success {
		msg := res.Error
		if res.Details != "" {
			msg += ": " + res.Details
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &APIError{Status: resp.StatusCode, Message: msg}
	}
	return &res, nil
}
