package asr_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/nox/internal/asr"
)

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startUpstream launches a fake recognition service. The handler receives
// the accepted conn. The server is closed when the test finishes.
func startUpstream(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readCommand reads up to the next text frame, skipping audio, and decodes
// its header.
func readCommand(t *testing.T, conn *websocket.Conn) (action, taskID string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var data []byte
	for {
		typ, msg, err := conn.Read(ctx)
		if err != nil {
			t.Errorf("readCommand: %v", err)
			return "", ""
		}
		if typ == websocket.MessageText {
			data = msg
			break
		}
	}
	var cmd struct {
		Header struct {
			Action string `json:"action"`
			TaskID string `json:"task_id"`
		} `json:"header"`
	}
	if err := json.Unmarshal(data, &cmd); err != nil {
		t.Errorf("readCommand unmarshal: %v", err)
	}
	return cmd.Header.Action, cmd.Header.TaskID
}

// writeEvent sends an upstream event frame.
func writeEvent(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeEvent: %v (may be expected on close)", err)
	}
}

func event(name, taskID string) map[string]any {
	return map[string]any{"header": map[string]any{"event": name, "task_id": taskID}}
}

func TestRelay_EndToEndOverWebSocket(t *testing.T) {
	t.Parallel()

	gotAuth := make(chan string, 1)
	gotAudio := make(chan int, 1)
	finished := make(chan struct{})

	srv := startUpstream(t, func(conn *websocket.Conn, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")

		action, taskID := readCommand(t, conn)
		if action != "run-task" {
			t.Errorf("first command = %q, want run-task", action)
			return
		}
		writeEvent(t, conn, event("task-started", taskID))

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		typ, audio, err := conn.Read(ctx)
		if err != nil || typ != websocket.MessageBinary {
			t.Errorf("audio frame: typ=%v err=%v", typ, err)
			return
		}
		gotAudio <- len(audio)

		writeEvent(t, conn, map[string]any{
			"header": map[string]any{"event": "result-generated", "task_id": taskID},
			"payload": map[string]any{"output": map[string]any{
				"sentence": map[string]any{"text": "hello", "sentence_end": true},
			}},
		})

		if action, _ := readCommand(t, conn); action != "finish-task" {
			t.Errorf("last command = %q, want finish-task", action)
		}
		writeEvent(t, conn, event("task-finished", taskID))
		close(finished)
		<-conn.CloseRead(context.Background()).Done()
	})

	relay := asr.NewRelay(asr.Config{
		APIKey:    "secret",
		URL:       wsURL(srv),
		StopGrace: 10 * time.Millisecond,
	}, asr.WithMetrics(testMetrics(t)))
	t.Cleanup(func() { _ = relay.Close(context.Background()) })

	res, err := relay.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if auth := <-gotAuth; auth != "Bearer secret" {
		t.Errorf("Authorization = %q", auth)
	}

	tone := make([]byte, 3200)
	if _, err := relay.Feed(context.Background(), res.SessionID, tone); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if n := <-gotAudio; n != len(tone) {
		t.Errorf("upstream got %d bytes, want %d", n, len(tone))
	}

	eventually(t, "final result", finalTextOf(t, relay, res.SessionID))
	snap, err := relay.Feed(context.Background(), res.SessionID, tone)
	if err != nil {
		t.Fatalf("second Feed: %v", err)
	}
	if !strings.Contains(snap.FinalText(), "hello") {
		t.Errorf("final = %q, want it to contain hello", snap.FinalText())
	}

	stopSnap, err := relay.Stop(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stopSnap.FinalText() != "hello" {
		t.Errorf("stop final = %q, want hello", stopSnap.FinalText())
	}

	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("upstream never saw finish-task")
	}
	eventually(t, "teardown", func() bool { return relay.Registry().Len() == 0 })
}

func TestRelay_UpstreamRejectsHandshake(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	relay := asr.NewRelay(asr.Config{APIKey: "bad", URL: wsURL(srv)}, asr.WithMetrics(testMetrics(t)))
	_, err := relay.Start(context.Background())
	if err == nil {
		t.Fatal("Start succeeded against rejecting upstream")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("err = %v, want it to mention status 401", err)
	}
}
