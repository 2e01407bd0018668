package chat

import (
	"errors"
	"net/http"

	"github.com/MrWong99/nox/internal/observe"
	"github.com/MrWong99/nox/internal/resilience"
	"github.com/MrWong99/nox/internal/web"
)

// Response is the success body of POST /api/chat.
type Response struct {
	Success  bool   `json:"success"`
	Response string `json:"response"`
	HasAudio bool   `json:"hasAudio"`
	Model    string `json:"model"`
}

// Handler serves POST /api/chat.
type Handler struct {
	svc *Service
}

// NewHandler wraps svc.
func NewHandler(svc *Service) *Handler { return &Handler{svc: svc} }

// Register adds the chat route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /api/chat", h)
}

// ServeHTTP implements [http.Handler].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := web.DecodeJSON(w, r, web.DefaultMaxBody, &req); err != nil {
		web.WriteErrorDetails(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Message == "" {
		web.WriteError(w, http.StatusBadRequest, "缺少必需的message参数")
		return
	}

	reply, err := h.svc.Reply(r.Context(), req)
	if err != nil {
		observe.Logger(r.Context()).Error("chat: reply failed", "image", req.IsImage(), "err", err)
		msg := "抱歉，我暂时无法回答，请稍后再试。"
		if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrAllFailed) {
			msg = "抱歉，AI服务暂时不可用，请稍后再试"
		}
		web.WriteErrorDetails(w, http.StatusInternalServerError, msg, err)
		return
	}

	web.WriteJSON(w, http.StatusOK, Response{
		Success:  true,
		Response: reply.Text,
		HasAudio: true,
		Model:    reply.Model,
	})
}
