package tts

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/MrWong99/nox/internal/observe"
	"github.com/MrWong99/nox/internal/web"
)

// Request is the body of POST /api/tts.
type Request struct {
	Text   string `json:"text"`
	Voice  string `json:"voice,omitempty"`
	Format string `json:"format,omitempty"`
}

// Info is the body of GET /api/tts.
type Info struct {
	Voices           map[string]string `json:"voices"`
	DefaultVoice     string            `json:"defaultVoice"`
	SupportedFormats []string          `json:"supportedFormats"`
	Model            string            `json:"model"`
	TimeoutMillis    int64             `json:"timeout"`
	Retries          int               `json:"retries"`
}

// unavailableBody is written once every synthesis attempt failed.
type unavailableBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Retries int    `json:"retries"`
}

// TaskBody is the body of GET /api/tts/task while the task has no audio.
type TaskBody struct {
	TaskID   string  `json:"task_id"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message"`
}

// Handler serves the speech routes.
type Handler struct {
	svc *Service
}

// NewHandler wraps svc.
func NewHandler(svc *Service) *Handler { return &Handler{svc: svc} }

// Register adds the speech routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/tts", h.synthesize)
	mux.HandleFunc("GET /api/tts", h.info)
	mux.HandleFunc("GET /api/tts/task", h.task)
}

func (h *Handler) synthesize(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := web.DecodeJSON(w, r, web.DefaultMaxBody, &req); err != nil {
		web.WriteErrorDetails(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Text == "" {
		web.WriteError(w, http.StatusBadRequest, "缺少text参数")
		return
	}

	audio, err := h.svc.Synthesize(r.Context(), req.Text, req.Voice)
	if err != nil {
		observe.Logger(r.Context()).Error("tts: synthesis failed", "voice", req.Voice, "err", err)
		web.WriteJSON(w, http.StatusServiceUnavailable, unavailableBody{
			Error:   "Qwen-TTS服务暂时不可用，请稍后重试",
			Details: err.Error(),
			Retries: h.svc.Attempts(),
		})
		return
	}

	writeAudio(w, audio)
}

func (h *Handler) info(w http.ResponseWriter, _ *http.Request) {
	web.WriteJSON(w, http.StatusOK, Info{
		Voices:           Voices,
		DefaultVoice:     h.svc.DefaultVoice(),
		SupportedFormats: SupportedFormats,
		Model:            h.svc.cfg.Model,
		TimeoutMillis:    h.svc.cfg.Timeout.Milliseconds(),
		Retries:          h.svc.cfg.MaxRetries,
	})
}

func (h *Handler) task(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("task_id")
	if id == "" {
		web.WriteError(w, http.StatusBadRequest, "缺少任务ID")
		return
	}

	ts, err := h.svc.Task(r.Context(), id)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			web.WriteJSON(w, se.Status, web.ErrorBody{
				Error:   fmt.Sprintf("查询任务失败: %d", se.Status),
				Details: se.Body,
			})
			return
		}
		observe.Logger(r.Context()).Error("tts: task poll failed", "task_id", id, "err", err)
		web.WriteErrorDetails(w, http.StatusInternalServerError, "查询任务状态异常", err)
		return
	}

	if ts.Audio != nil {
		writeAudio(w, ts.Audio)
		return
	}
	web.WriteJSON(w, http.StatusOK, TaskBody{
		TaskID:   ts.ID,
		Status:   ts.Status,
		Progress: ts.Progress,
		Message:  ts.Message,
	})
}

func writeAudio(w http.ResponseWriter, a *Audio) {
	w.Header().Set("Content-Type", a.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(a.Data)))
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(a.Data)
}
