package tts_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/nox/internal/observe"
	"github.com/MrWong99/nox/internal/tts"
)

var wavBytes = []byte("RIFF\x24\x00\x00\x00WAVEfmt ")

// upstream fakes the generation, task and object storage endpoints.
type upstream struct {
	t *testing.T

	// failures is the number of generation calls answered with 500 before
	// the first success.
	failures int32
	calls    atomic.Int32

	taskStatus string
	taskCode   int

	mu     sync.Mutex
	bodies []map[string]any
	srv    *httptest.Server
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{t: t, taskStatus: "RUNNING"}
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+tts.GenerationPath, u.generate)
	mux.HandleFunc("GET "+tts.TasksPath+"{id}", u.task)
	mux.HandleFunc("GET /audio/clip.wav", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(wavBytes)
	})
	mux.HandleFunc("GET /audio/clip.mp3", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ID3mp3"))
	})
	u.srv = httptest.NewServer(mux)
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) generate(w http.ResponseWriter, r *http.Request) {
	if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
		u.t.Errorf("Authorization = %q", got)
	}
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)
	u.mu.Lock()
	u.bodies = append(u.bodies, body)
	u.mu.Unlock()

	if n := u.calls.Add(1); n <= u.failures {
		http.Error(w, `{"code":"InternalError"}`, http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"output":     map[string]any{"audio": map[string]any{"url": u.srv.URL + "/audio/clip.wav?sig=secret"}},
		"request_id": "req-1",
	})
}

func (u *upstream) task(w http.ResponseWriter, r *http.Request) {
	if u.taskCode != 0 {
		w.WriteHeader(u.taskCode)
		_, _ = io.WriteString(w, `{"message":"task not found"}`)
		return
	}
	out := map[string]any{"task_status": u.taskStatus}
	if u.taskStatus == "SUCCEEDED" {
		out["audio_url"] = u.srv.URL + "/audio/clip.mp3"
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"task_status": u.taskStatus,
		"progress":    0.5,
		"output":      out,
	})
}

func (u *upstream) lastInput() map[string]any {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.bodies) == 0 {
		return nil
	}
	in, _ := u.bodies[len(u.bodies)-1]["input"].(map[string]any)
	return in
}

func newService(t *testing.T, u *upstream, mutate func(*tts.Config)) *tts.Service {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	cfg := tts.Config{
		APIKey:       "sk-test",
		BaseURL:      u.srv.URL,
		Model:        "qwen-tts",
		DefaultVoice: "Cherry",
		Timeout:      5 * time.Second,
		MaxRetries:   2,
		RetryDelay:   time.Second,
		MaxTextRunes: 300,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	noSleep := func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return tts.New(cfg, tts.WithMetrics(m), tts.WithSleep(noSleep))
}

// ── Service ───────────────────────────────────────────────────────────────────

func TestSynthesize_DownloadsAudio(t *testing.T) {
	t.Parallel()
	u := newUpstream(t)
	svc := newService(t, u, nil)

	a, err := svc.Synthesize(context.Background(), "你好", "")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(a.Data) != string(wavBytes) {
		t.Errorf("data = %q", a.Data)
	}
	if a.ContentType != "audio/wav" {
		t.Errorf("content type = %q", a.ContentType)
	}
	in := u.lastInput()
	if in["text"] != "你好" || in["voice"] != "Cherry" {
		t.Errorf("input = %v", in)
	}
}

func TestSynthesize_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	u := newUpstream(t)
	u.failures = 1
	svc := newService(t, u, nil)

	if _, err := svc.Synthesize(context.Background(), "hi", "Ethan"); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if got := u.calls.Load(); got != 2 {
		t.Errorf("generation calls = %d, want 2", got)
	}
}

func TestSynthesize_ExhaustsAttempts(t *testing.T) {
	t.Parallel()
	u := newUpstream(t)
	u.failures = 10
	svc := newService(t, u, nil)

	if _, err := svc.Synthesize(context.Background(), "hi", ""); err == nil {
		t.Fatal("expected error")
	}
	if got := u.calls.Load(); got != 2 {
		t.Errorf("generation calls = %d, want 2", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	u := newUpstream(t)
	svc := newService(t, u, func(c *tts.Config) { c.MaxTextRunes = 4 })

	tests := []struct {
		in, want string
	}{
		{"abc", "abc"},
		{"abcd", "abcd"},
		{"abcde", "abcd..."},
		{"你好世界再见", "你好世界..."},
	}
	for _, tt := range tests {
		if got := svc.Truncate(tt.in); got != tt.want {
			t.Errorf("Truncate(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSetDefaultVoice(t *testing.T) {
	t.Parallel()
	u := newUpstream(t)
	svc := newService(t, u, nil)

	svc.SetDefaultVoice("Serena")
	if _, err := svc.Synthesize(context.Background(), "hi", ""); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if got := u.lastInput()["voice"]; got != "Serena" {
		t.Errorf("voice = %v, want Serena", got)
	}
}

func TestStatusMessage(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"PENDING":   "任务等待中...",
		"RUNNING":   "正在生成语音...",
		"SUCCEEDED": "语音生成完成",
		"FAILED":    "语音生成失败",
		"CANCELED":  "未知状态",
	}
	for status, want := range tests {
		if got := tts.StatusMessage(status); got != want {
			t.Errorf("StatusMessage(%q) = %q, want %q", status, got, want)
		}
	}
}

// ── Handler ───────────────────────────────────────────────────────────────────

func serve(t *testing.T, svc *tts.Service) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	tts.NewHandler(svc).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func decode(t *testing.T, r io.Reader) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestHandler_Synthesize(t *testing.T) {
	t.Parallel()
	u := newUpstream(t)
	srv := serve(t, newService(t, u, nil))

	resp, err := http.Post(srv.URL+"/api/tts", "application/json", strings.NewReader(`{"text":"你好"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q", cc)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != string(wavBytes) {
		t.Errorf("body = %q", body)
	}
}

func TestHandler_MissingText(t *testing.T) {
	t.Parallel()
	u := newUpstream(t)
	srv := serve(t, newService(t, u, nil))

	resp, err := http.Post(srv.URL+"/api/tts", "application/json", strings.NewReader(`{"voice":"Ethan"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := decode(t, resp.Body)["error"]; got != "缺少text参数" {
		t.Errorf("error = %v", got)
	}
}

func TestHandler_Unavailable(t *testing.T) {
	t.Parallel()
	u := newUpstream(t)
	u.failures = 10
	srv := serve(t, newService(t, u, nil))

	resp, err := http.Post(srv.URL+"/api/tts", "application/json", strings.NewReader(`{"text":"hi"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode(t, resp.Body)
	if body["success"] != false || body["retries"] != float64(2) {
		t.Errorf("body = %v", body)
	}
	if d, _ := body["details"].(string); strings.Contains(d, "secret") {
		t.Errorf("details leak signed url: %q", d)
	}
}

func TestHandler_Info(t *testing.T) {
	t.Parallel()
	u := newUpstream(t)
	srv := serve(t, newService(t, u, nil))

	resp, err := http.Get(srv.URL + "/api/tts")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var info tts.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if len(info.Voices) != 4 || info.DefaultVoice != "Cherry" {
		t.Errorf("info = %+v", info)
	}
	if info.TimeoutMillis != 5000 || info.Retries != 2 || info.Model != "qwen-tts" {
		t.Errorf("info = %+v", info)
	}
}

func TestHandler_Task(t *testing.T) {
	t.Parallel()

	t.Run("missing id", func(t *testing.T) {
		t.Parallel()
		srv := serve(t, newService(t, newUpstream(t), nil))
		resp, err := http.Get(srv.URL + "/api/tts/task")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})

	t.Run("running", func(t *testing.T) {
		t.Parallel()
		srv := serve(t, newService(t, newUpstream(t), nil))
		resp, err := http.Get(srv.URL + "/api/tts/task?task_id=t-1")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var body tts.TaskBody
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		want := tts.TaskBody{TaskID: "t-1", Status: "RUNNING", Progress: 0.5, Message: "正在生成语音..."}
		if body != want {
			t.Errorf("body = %+v, want %+v", body, want)
		}
	})

	t.Run("succeeded streams audio", func(t *testing.T) {
		t.Parallel()
		u := newUpstream(t)
		u.taskStatus = "SUCCEEDED"
		srv := serve(t, newService(t, u, nil))
		resp, err := http.Get(srv.URL + "/api/tts/task?task_id=t-2")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if ct := resp.Header.Get("Content-Type"); ct != "audio/mpeg" {
			t.Errorf("Content-Type = %q", ct)
		}
		data, _ := io.ReadAll(resp.Body)
		if string(data) != "ID3mp3" {
			t.Errorf("body = %q", data)
		}
	})

	t.Run("upstream status passes through", func(t *testing.T) {
		t.Parallel()
		u := newUpstream(t)
		u.taskCode = http.StatusNotFound
		srv := serve(t, newService(t, u, nil))
		resp, err := http.Get(srv.URL + "/api/tts/task?task_id=gone")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if got := decode(t, resp.Body)["error"]; got != "查询任务失败: 404" {
			t.Errorf("error = %v", got)
		}
	})
}
