// Package clientip derives the client identifier used to key chat history.
package clientip

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/nox/internal/web"
)

// Localhost is reported for loopback and unidentifiable clients.
const Localhost = "localhost"

// headers are consulted in order before the connection's remote address.
var headers = []string{"X-Forwarded-For", "X-Real-IP", "CF-Connecting-IP"}

// FromRequest returns the first address found in the proxy headers, else the
// remote address host. Loopback addresses map to [Localhost].
func FromRequest(r *http.Request) string {
	ip := ""
	for _, h := range headers {
		if v := r.Header.Get(h); v != "" {
			ip = v
			break
		}
	}
	if ip == "" {
		ip = r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
	}
	if first, _, ok := strings.Cut(ip, ","); ok {
		ip = first
	}
	ip = strings.TrimSpace(ip)

	switch ip {
	case "", "unknown", "127.0.0.1", "::1":
		return Localhost
	}
	return ip
}

// Response is the body of GET /api/get-ip.
type Response struct {
	Success   bool      `json:"success"`
	IP        string    `json:"ip"`
	Timestamp time.Time `json:"timestamp"`
}

// Register adds GET /api/get-ip to mux.
func Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/get-ip", func(w http.ResponseWriter, r *http.Request) {
		web.WriteJSON(w, http.StatusOK, Response{
			Success:   true,
			IP:        FromRequest(r),
			Timestamp: time.Now().UTC(),
		})
	})
}
