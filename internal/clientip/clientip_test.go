package clientip

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFromRequest(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}, "10.0.0.1:5555", "203.0.113.7"},
		{"forwarded wins over real ip", map[string]string{"X-Forwarded-For": "198.51.100.2", "X-Real-IP": "192.0.2.9"}, "", "198.51.100.2"},
		{"real ip", map[string]string{"X-Real-IP": "192.0.2.9"}, "10.0.0.1:5555", "192.0.2.9"},
		{"cloudflare", map[string]string{"CF-Connecting-IP": "2001:db8::1"}, "10.0.0.1:5555", "2001:db8::1"},
		{"remote addr", nil, "192.0.2.44:41234", "192.0.2.44"},
		{"ipv6 loopback", nil, "[::1]:3000", "localhost"},
		{"ipv4 loopback header", map[string]string{"X-Forwarded-For": "127.0.0.1"}, "", "localhost"},
		{"unknown", map[string]string{"X-Real-IP": "unknown"}, "", "localhost"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest("GET", "/api/get-ip", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := FromRequest(r); got != tt.want {
				t.Errorf("FromRequest() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	Register(mux)

	r := httptest.NewRequest("GET", "/api/get-ip", nil)
	r.Header.Set("X-Real-IP", "192.0.2.9")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, r)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body Response
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success || body.IP != "192.0.2.9" || body.Timestamp.IsZero() {
		t.Errorf("body = %+v", body)
	}
}
