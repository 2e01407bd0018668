package history_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/nox/internal/history"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	mux := http.NewServeMux()
	history.NewHandler(history.NewFileHistory(dir), history.NewFileTopics(dir)).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string, header map[string]string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s %s: decode: %v", method, url, err)
	}
	return resp.StatusCode, out
}

// ── History routes ────────────────────────────────────────────────────────────

func TestHistoryRoutes(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	fwd := map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}

	code, body := do(t, http.MethodGet, srv.URL+"/api/history", "", fwd)
	if code != http.StatusOK || body["total"] != float64(0) || body["ip"] != "203.0.113.7" {
		t.Fatalf("empty GET = %d %v", code, body)
	}
	if _, ok := body["lastUpdated"]; ok {
		t.Error("lastUpdated present for empty history")
	}

	code, body = do(t, http.MethodPost, srv.URL+"/api/history",
		`{"messages":[{"type":"user","content":"hi"},{"type":"ai","content":"yo"}]}`, fwd)
	if code != http.StatusOK || body["saved"] != float64(2) {
		t.Fatalf("POST = %d %v", code, body)
	}

	code, body = do(t, http.MethodGet, srv.URL+"/api/history?ip=203.0.113.7", "", nil)
	if code != http.StatusOK || body["total"] != float64(2) || body["lastUpdated"] == nil {
		t.Fatalf("GET by ip = %d %v", code, body)
	}

	code, body = do(t, http.MethodGet, srv.URL+"/api/admin/history", "", nil)
	if code != http.StatusOK || body["total"] != float64(1) {
		t.Fatalf("admin = %d %v", code, body)
	}

	code, body = do(t, http.MethodDelete, srv.URL+"/api/history", "", fwd)
	if code != http.StatusOK || body["message"] != "History cleared" {
		t.Fatalf("DELETE = %d %v", code, body)
	}
	_, body = do(t, http.MethodGet, srv.URL+"/api/history", "", fwd)
	if body["total"] != float64(0) {
		t.Errorf("after delete total = %v", body["total"])
	}
}

func TestHistoryRoutes_BodyIPOverridesCaller(t *testing.T) {
	t.Parallel()
	srv := newServer(t)

	_, body := do(t, http.MethodPost, srv.URL+"/api/history", `{"ip":"other","messages":[]}`, nil)
	if body["ip"] != "other" {
		t.Errorf("ip = %v", body["ip"])
	}
}

// ── Topic routes ──────────────────────────────────────────────────────────────

func TestTopicRoutes(t *testing.T) {
	t.Parallel()
	srv := newServer(t)

	code, body := do(t, http.MethodPost, srv.URL+"/api/topics", `{"messages":[]}`, nil)
	if code != http.StatusBadRequest || body["error"] != "No messages to save" {
		t.Fatalf("empty POST = %d %v", code, body)
	}

	code, body = do(t, http.MethodPost, srv.URL+"/api/topics",
		`{"ip":"c1","messages":[{"type":"user","content":"明天会下雨吗"}]}`, nil)
	if code != http.StatusOK || body["title"] != "明天会下雨吗" {
		t.Fatalf("POST = %d %v", code, body)
	}
	id, _ := body["topicId"].(string)
	if id == "" {
		t.Fatal("missing topicId")
	}

	code, body = do(t, http.MethodGet, srv.URL+"/api/topics?ip=c1", "", nil)
	if code != http.StatusOK || body["total"] != float64(1) {
		t.Fatalf("list = %d %v", code, body)
	}

	code, body = do(t, http.MethodGet, srv.URL+"/api/topics/"+id+"?ip=c1", "", nil)
	if code != http.StatusOK || body["topic"] == nil {
		t.Fatalf("get = %d %v", code, body)
	}

	code, body = do(t, http.MethodGet, srv.URL+"/api/topics/"+id, "", nil)
	if code != http.StatusBadRequest || body["error"] != "IP地址是必需的" {
		t.Errorf("get without ip = %d %v", code, body)
	}

	code, body = do(t, http.MethodGet, srv.URL+"/api/topics/missing?ip=c1", "", nil)
	if code != http.StatusNotFound || body["error"] != "话题不存在" {
		t.Errorf("get missing = %d %v", code, body)
	}

	code, body = do(t, http.MethodDelete, srv.URL+"/api/topics?ip=c1&topicId=missing", "", nil)
	if code != http.StatusNotFound || body["error"] != "Topic not found" {
		t.Errorf("delete missing = %d %v", code, body)
	}

	code, body = do(t, http.MethodDelete, srv.URL+"/api/topics?ip=c2&topicId="+id, "", nil)
	if code != http.StatusNotFound || body["error"] != "No topics found" {
		t.Errorf("delete other client = %d %v", code, body)
	}

	code, body = do(t, http.MethodDelete, srv.URL+"/api/topics?ip=c1&topicId="+id, "", nil)
	if code != http.StatusOK || body["message"] != "Topic deleted" {
		t.Errorf("delete = %d %v", code, body)
	}

	code, body = do(t, http.MethodDelete, srv.URL+"/api/topics?ip=c1", "", nil)
	if code != http.StatusOK || body["message"] != "All topics cleared" {
		t.Errorf("clear = %d %v", code, body)
	}
}
