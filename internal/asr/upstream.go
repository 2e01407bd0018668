package asr

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// Conn is the duplex connection a session owns. *websocket.Conn satisfies
// it; tests substitute a scripted fake.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens upstream connections.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WebSocketDialer dials with coder/websocket. The zero value uses
// http.DefaultClient.
type WebSocketDialer struct {
	HTTPClient *http.Client
}

var _ Dialer = WebSocketDialer{}

// Dial implements [Dialer]. The handshake completes before Dial returns, so
// ctx bounds the time to an open connection.
func (d WebSocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("asr: dial: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("asr: dial: %w", err)
	}
	// Final sentences with word timings can exceed the 32 KiB default.
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

// authHeader builds the upstream handshake headers.
func authHeader(apiKey string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+apiKey)
	h.Set("X-DashScope-DataInspection", "enable")
	return h
}
