// Package mock provides test doubles for the asr package interfaces.
//
// Use Dialer to hand a scripted Conn to a relay, and Conn to push upstream
// event frames and inspect what the relay wrote.
//
// Example:
//
//	conn := mock.NewConn()
//	conn.OnWrite = mock.AckRunTask(conn)
//	relay := asr.NewRelay(cfg, asr.WithDialer(&mock.Dialer{Conn: conn}))
package mock

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/nox/internal/asr"
)

// DialCall records a single invocation of Dialer.Dial.
type DialCall struct {
	URL    string
	Header http.Header
}

// Dialer is a mock implementation of asr.Dialer.
type Dialer struct {
	mu sync.Mutex

	// Conn is returned by Dial. If nil, Dial returns a fresh NewConn.
	Conn *Conn

	// DialErr, if non-nil, is returned as the error from Dial.
	DialErr error

	// Block makes Dial wait for ctx to expire, emulating a hung handshake.
	Block bool

	// DialCalls records every call to Dial.
	DialCalls []DialCall
}

// Dial records the call and returns Conn, DialErr.
func (d *Dialer) Dial(ctx context.Context, url string, header http.Header) (asr.Conn, error) {
	d.mu.Lock()
	d.DialCalls = append(d.DialCalls, DialCall{URL: url, Header: header.Clone()})
	conn, err, block := d.Conn, d.DialErr, d.Block
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if conn == nil {
		conn = NewConn()
	}
	return conn, nil
}

// Calls returns a copy of the recorded dial calls.
func (d *Dialer) Calls() []DialCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DialCall(nil), d.DialCalls...)
}

var _ asr.Dialer = (*Dialer)(nil)

// Frame is one message written to or read from a Conn.
type Frame struct {
	Type websocket.MessageType
	Data []byte
}

// Conn is a scripted asr.Conn. Frames pushed with Push are returned by Read
// in order; writes are recorded.
type Conn struct {
	mu     sync.Mutex
	writes []Frame
	closed bool

	inbound chan Frame
	done    chan struct{}
	once    sync.Once

	// OnWrite, if set, is called after each successful Write.
	OnWrite func(Frame)

	// WriteErr, if non-nil, is returned by every Write.
	WriteErr error

	// CloseCode and CloseReason hold the arguments of the first Close.
	CloseCode   websocket.StatusCode
	CloseReason string
}

// NewConn returns an open Conn.
func NewConn() *Conn {
	return &Conn{
		inbound: make(chan Frame, 64),
		done:    make(chan struct{}),
	}
}

var errClosed = errors.New("mock: connection closed")

// Read returns the next pushed frame, or an error once the connection is
// closed or ctx ends.
func (c *Conn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case f := <-c.inbound:
		return f.Type, f.Data, nil
	case <-c.done:
		return 0, nil, errClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// Write records the frame.
func (c *Conn) Write(_ context.Context, typ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed
	}
	if c.WriteErr != nil {
		err := c.WriteErr
		c.mu.Unlock()
		return err
	}
	f := Frame{Type: typ, Data: append([]byte(nil), p...)}
	c.writes = append(c.writes, f)
	hook := c.OnWrite
	c.mu.Unlock()

	if hook != nil {
		hook(f)
	}
	return nil
}

// Close marks the connection closed and unblocks Read.
func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.CloseCode = code
		c.CloseReason = reason
	}
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
	return nil
}

// Drop simulates the upstream going away: Read fails from now on.
func (c *Conn) Drop() {
	c.once.Do(func() { close(c.done) })
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Writes returns a copy of all recorded frames.
func (c *Conn) Writes() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.writes...)
}

// Push queues a text frame for Read.
func (c *Conn) Push(data []byte) {
	c.inbound <- Frame{Type: websocket.MessageText, Data: data}
}

// PushEvent queues a JSON-encoded upstream event frame.
func (c *Conn) PushEvent(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		panic("mock: marshal event: " + err.Error())
	}
	c.Push(b)
}

var _ asr.Conn = (*Conn)(nil)

// ---- event builders ----

// TaskStarted builds a task-started event for taskID.
func TaskStarted(taskID string) map[string]any {
	return map[string]any{"header": map[string]any{"event": "task-started", "task_id": taskID}}
}

// Result builds a result-generated event.
func Result(taskID, text string, final bool) map[string]any {
	return map[string]any{
		"header": map[string]any{"event": "result-generated", "task_id": taskID},
		"payload": map[string]any{
			"output": map[string]any{
				"sentence": map[string]any{"text": text, "sentence_end": final},
			},
		},
	}
}

// TaskFinished builds a task-finished event.
func TaskFinished(taskID string) map[string]any {
	return map[string]any{"header": map[string]any{"event": "task-finished", "task_id": taskID}}
}

// TaskFailed builds a task-failed event.
func TaskFailed(taskID, code, message string) map[string]any {
	return map[string]any{"header": map[string]any{
		"event":         "task-failed",
		"task_id":       taskID,
		"error_code":    code,
		"error_message": message,
	}}
}

// AckRunTask returns an OnWrite hook that answers every run-task command
// with task-started for the same task id.
func AckRunTask(c *Conn) func(Frame) {
	return func(f Frame) {
		if f.Type != websocket.MessageText {
			return
		}
		var cmd struct {
			Header struct {
				Action string `json:"action"`
				TaskID string `json:"task_id"`
			} `json:"header"`
		}
		if json.Unmarshal(f.Data, &cmd) == nil && cmd.Header.Action == "run-task" {
			c.PushEvent(TaskStarted(cmd.Header.TaskID))
		}
	}
}
