package asr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/MrWong99/nox/internal/observe"
	"github.com/MrWong99/nox/internal/web"
)

// maxUpload caps the multipart body of a one-shot transcription.
const maxUpload = 32 << 20

// Responder answers recognised text, typically with a chat completion.
type Responder func(ctx context.Context, text string) (string, error)

// TranscribeResponse is the body of POST /api/asr.
type TranscribeResponse struct {
	Success     bool   `json:"success"`
	Text        string `json:"text"`
	LLMResponse string `json:"llmResponse,omitempty"`
	Message     string `json:"message,omitempty"`
}

// TranscribeHandler serves POST /api/asr: a whole recording is recognised
// and, when a [Responder] is set, answered in the same round trip.
type TranscribeHandler struct {
	t       *Transcriber
	respond Responder
}

// NewTranscribeHandler wraps t. respond may be nil.
func NewTranscribeHandler(t *Transcriber, respond Responder) *TranscribeHandler {
	return &TranscribeHandler{t: t, respond: respond}
}

// Register adds the transcription route to mux.
func (h *TranscribeHandler) Register(mux *http.ServeMux) {
	mux.Handle("POST /api/asr", h)
}

// ServeHTTP implements [http.Handler].
func (h *TranscribeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
	file, header, err := r.FormFile("audio")
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, "未提供音频文件")
		return
	}
	defer file.Close()

	if !h.t.Configured() {
		web.WriteError(w, http.StatusInternalServerError, "DASHSCOPE_API_KEY is not configured")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		web.WriteErrorDetails(w, http.StatusInternalServerError, "ASR处理失败", err)
		return
	}

	text, err := h.t.Transcribe(r.Context(), data, formatOf(header.Filename, header.Header.Get("Content-Type")))
	var upErr *UpstreamError
	switch {
	case errors.As(err, &upErr):
		log.Error("asr: transcription rejected", "status", upErr.Status)
		web.WriteJSON(w, http.StatusInternalServerError, web.ErrorBody{
			Error:   fmt.Sprintf("ASR请求失败: %d", upErr.Status),
			Details: upErr.Body,
		})
		return
	case errors.Is(err, ErrNoText):
		web.WriteJSON(w, http.StatusOK, TranscribeResponse{Message: "未识别出有效文本"})
		return
	case err != nil:
		log.Error("asr: transcription failed", "err", err)
		web.WriteErrorDetails(w, http.StatusInternalServerError, "ASR处理失败", err)
		return
	}

	res := TranscribeResponse{Success: true, Text: text}
	if h.respond != nil {
		answer, err := h.respond(r.Context(), text)
		if err != nil {
			// The recognised text is still worth returning.
			log.Warn("asr: responder failed", "err", err)
		} else {
			res.LLMResponse = answer
		}
	}
	web.WriteJSON(w, http.StatusOK, res)
}

// formatOf derives the upstream format name from the upload's file
// extension, then its content type.
func formatOf(filename, contentType string) string {
	if ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), "."); ext != "" {
		return ext
	}
	if sub, ok := strings.CutPrefix(contentType, "audio/"); ok {
		if i := strings.IndexByte(sub, ';'); i >= 0 {
			sub = sub[:i]
		}
		if sub = strings.TrimSpace(sub); sub != "" {
			return sub
		}
	}
	return DefaultFormat
}
