package asr

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"github.com/MrWong99/nox/internal/observe"
	"github.com/MrWong99/nox/internal/web"
)

// Relay API actions.
const (
	ActionStart     = "start"
	ActionSendAudio = "send_audio"
	ActionStop      = "stop"
)

// Request is the JSON body accepted by [Handler].
type Request struct {
	Action    string `json:"action"`
	SessionID string `json:"session_id,omitempty"`
	AudioData string `json:"audio_data,omitempty"`
}

// StartResponse answers a start action.
type StartResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id"`
	Message   string `json:"message,omitempty"`
}

// SendAudioResponse answers a send_audio action.
type SendAudioResponse struct {
	Success     bool   `json:"success"`
	PartialText string `json:"partial_text"`
	FinalText   string `json:"final_text"`
	Message     string `json:"message,omitempty"`
}

// StopResponse answers a stop action.
type StopResponse struct {
	Success   bool   `json:"success"`
	FinalText string `json:"final_text"`
	Message   string `json:"message,omitempty"`
}

// stopFailure answers a stop on a session whose upstream task failed. The
// text recognised before the failure is still returned.
type stopFailure struct {
	web.ErrorBody
	FinalText string `json:"final_text"`
}

// Handler exposes a [Relay] as a single JSON endpoint dispatching on the
// request's action field.
type Handler struct {
	relay *Relay
}

// NewHandler wraps relay.
func NewHandler(relay *Relay) *Handler {
	return &Handler{relay: relay}
}

// Register adds the relay route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /api/realtime-asr", h)
}

// ServeHTTP implements [http.Handler].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := web.DecodeJSON(w, r, web.DefaultMaxBody, &req); err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !h.relay.Configured() {
		web.WriteError(w, http.StatusInternalServerError, "DASHSCOPE_API_KEY is not configured")
		return
	}

	switch req.Action {
	case ActionStart:
		h.start(w, r)
	case ActionSendAudio:
		h.sendAudio(w, r, req)
	case ActionStop:
		h.stop(w, r, req)
	default:
		web.WriteError(w, http.StatusBadRequest, "invalid action")
	}
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	res, err := h.relay.Start(r.Context())
	if err != nil {
		observe.Logger(r.Context()).Error("asr: start session failed", "err", err)
		web.WriteError(w, http.StatusInternalServerError, "start session failed: "+err.Error())
		return
	}
	web.WriteJSON(w, http.StatusOK, StartResponse{
		Success:   true,
		SessionID: res.SessionID,
		TaskID:    res.TaskID,
		Message:   "session started",
	})
}

func (h *Handler) sendAudio(w http.ResponseWriter, r *http.Request, req Request) {
	if req.SessionID == "" || req.AudioData == "" {
		web.WriteError(w, http.StatusBadRequest, "missing session_id or audio_data")
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(req.AudioData)
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, "audio_data is not valid base64")
		return
	}

	ctx := observe.WithSessionID(r.Context(), req.SessionID)
	snap, err := h.relay.Feed(ctx, req.SessionID, pcm)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		web.WriteError(w, http.StatusNotFound, goneMessage("session not found or disconnected", err))
		return
	case errors.Is(err, ErrEmptyAudio):
		web.WriteError(w, http.StatusBadRequest, "audio_data decodes to zero bytes")
		return
	case err != nil:
		observe.Logger(ctx).Warn("asr: send audio failed", "err", err)
		web.WriteError(w, http.StatusInternalServerError, "send audio failed: "+err.Error())
		return
	}
	web.WriteJSON(w, http.StatusOK, SendAudioResponse{
		Success:     true,
		PartialText: snap.PartialText(),
		FinalText:   snap.FinalText(),
		Message:     "audio sent",
	})
}

func (h *Handler) stop(w http.ResponseWriter, r *http.Request, req Request) {
	if req.SessionID == "" {
		web.WriteError(w, http.StatusBadRequest, "missing session_id")
		return
	}
	ctx := observe.WithSessionID(r.Context(), req.SessionID)
	snap, err := h.relay.Stop(ctx, req.SessionID)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		if !errors.Is(err, ErrTaskFailed) {
			web.WriteError(w, http.StatusNotFound, "session not found")
			return
		}
		observe.Logger(ctx).Warn("asr: stopped a failed session", "err", err)
		web.WriteJSON(w, http.StatusNotFound, stopFailure{
			ErrorBody: web.ErrorBody{Error: goneMessage("session failed", err)},
			FinalText: snap.FinalText(),
		})
		return
	case err != nil:
		observe.Logger(ctx).Warn("asr: stop session failed", "err", err)
		web.WriteError(w, http.StatusInternalServerError, "stop session failed: "+err.Error())
		return
	}
	web.WriteJSON(w, http.StatusOK, StopResponse{
		Success:   true,
		FinalText: snap.FinalText(),
		Message:   "session stopped",
	})
}

// goneMessage appends the upstream task failure carried by err, if any, to
// msg.
func goneMessage(msg string, err error) string {
	var terr *TaskError
	if !errors.As(err, &terr) {
		return msg
	}
	if terr.Code == "" {
		return fmt.Sprintf("%s: upstream task failed: %s", msg, terr.Message)
	}
	return fmt.Sprintf("%s: upstream task failed: %s: %s", msg, terr.Code, terr.Message)
}
