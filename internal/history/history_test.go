package history

import (
	"encoding/json"
	"testing"
)

func msgs(t *testing.T, raw ...string) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, len(raw))
	for i, r := range raw {
		if !json.Valid([]byte(r)) {
			t.Fatalf("invalid fixture %q", r)
		}
		out[i] = json.RawMessage(r)
	}
	return out
}

func TestKey(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"192.168.1.10":     "192.168.1.10",
		"localhost":        "localhost",
		"2001:db8::1":      "2001_db8__1",
		"../../etc/passwd": ".._.._etc_passwd",
		"a b/c":            "a_b_c",
	}
	for in, want := range tests {
		if got := Key(in); got != want {
			t.Errorf("Key(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTitle(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		msgs []string
		want string
	}{
		{"no messages", nil, "空对话"},
		{"no user message", []string{`{"type":"ai","content":"hi"}`}, "空对话"},
		{"short", []string{`{"type":"ai","content":"hey"}`, `{"type":"user","content":"天气怎么样"}`}, "天气怎么样"},
		{"newlines collapse", []string{`{"type":"user","content":"a\n\nb"}`}, "a b"},
		{"truncated", []string{`{"type":"user","content":"一二三四五六七八九十一二三四五六七八九十多"}`}, "一二三四五六七八九十一二三四五六七八九十..."},
		{"exactly twenty", []string{`{"type":"user","content":"12345678901234567890"}`}, "12345678901234567890"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Title(msgs(t, tt.msgs...)); got != tt.want {
				t.Errorf("Title = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()
	if got := Preview(nil); got != "暂无内容" {
		t.Errorf("Preview(nil) = %q", got)
	}
	long := `{"type":"user","content":"abcdefghijklmnopqrstuvwxyzabcdefghijklmnopqrstuvwxyz"}`
	if got := Preview(msgs(t, long)); len([]rune(got)) != 50 {
		t.Errorf("Preview length = %d, want 50", len([]rune(got)))
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()
	h := &History{
		IP:           "10.0.0.1",
		MessageCount: 2,
		Messages: msgs(t,
			`{"type":"user","content":"a","timestamp":"2024-01-01T00:00:00Z"}`,
			`{"type":"ai","content":"b","timestamp":"2024-01-01T00:01:00Z"}`,
		),
	}
	s := summarize(h)
	if !s.HasMessages || s.MessageCount != 2 {
		t.Errorf("summary = %+v", s)
	}
	if string(s.FirstMessage) != `"2024-01-01T00:00:00Z"` || string(s.LastMessage) != `"2024-01-01T00:01:00Z"` {
		t.Errorf("first/last = %s / %s", s.FirstMessage, s.LastMessage)
	}

	empty := summarize(&History{IP: "x"})
	if empty.HasMessages || empty.FirstMessage != nil {
		t.Errorf("empty summary = %+v", empty)
	}
}
