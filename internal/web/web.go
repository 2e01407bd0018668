// Package web holds the small JSON helpers shared by the HTTP handlers.
package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// DefaultMaxBody caps request bodies decoded by [DecodeJSON].
const DefaultMaxBody = 8 << 20

// ErrorBody is the failure envelope every NOX endpoint returns.
type ErrorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// WriteJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"success":false}`, http.StatusInternalServerError)
	}
}

// WriteError writes an [ErrorBody] with success=false.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorBody{Error: msg})
}

// WriteErrorDetails writes an [ErrorBody] carrying the underlying cause.
func WriteErrorDetails(w http.ResponseWriter, status int, msg string, cause error) {
	body := ErrorBody{Error: msg}
	if cause != nil {
		body.Details = cause.Error()
	}
	WriteJSON(w, status, body)
}

// DecodeJSON reads a JSON body of at most maxBytes into v. maxBytes <= 0
// uses [DefaultMaxBody]. Unknown fields are allowed.
func DecodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, v any) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBody
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty request body")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}
