package history

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MrWong99/nox/internal/clientip"
	"github.com/MrWong99/nox/internal/observe"
	"github.com/MrWong99/nox/internal/web"
)

// Handler serves the history and topic routes.
type Handler struct {
	history HistoryStore
	topics  TopicStore
	now     func() time.Time
}

// NewHandler serves h and t.
func NewHandler(h HistoryStore, t TopicStore) *Handler {
	return &Handler{history: h, topics: t, now: time.Now}
}

// Register adds the routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/history", h.getHistory)
	mux.HandleFunc("POST /api/history", h.saveHistory)
	mux.HandleFunc("DELETE /api/history", h.clearHistory)
	mux.HandleFunc("GET /api/admin/history", h.overview)

	mux.HandleFunc("GET /api/topics", h.listTopics)
	mux.HandleFunc("POST /api/topics", h.createTopic)
	mux.HandleFunc("DELETE /api/topics", h.deleteTopics)
	mux.HandleFunc("GET /api/topics/{id}", h.getTopic)
}

// saveRequest is the body of both POST routes.
type saveRequest struct {
	Messages []json.RawMessage `json:"messages"`
	IP       string            `json:"ip,omitempty"`
}

// target is the client a request addresses: ?ip= when given, else the
// caller itself.
func target(r *http.Request) string {
	if ip := r.URL.Query().Get("ip"); ip != "" {
		return ip
	}
	return clientip.FromRequest(r)
}

// ── History ───────────────────────────────────────────────────────────────────

type historyResponse struct {
	Success     bool              `json:"success"`
	IP          string            `json:"ip"`
	Messages    []json.RawMessage `json:"messages"`
	Total       int               `json:"total"`
	LastUpdated *time.Time        `json:"lastUpdated,omitempty"`
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	ip := target(r)
	hist, err := h.history.Get(r.Context(), ip)
	if err != nil {
		h.fail(w, r, "Failed to get history", err)
		return
	}
	resp := historyResponse{Success: true, IP: ip, Messages: hist.Messages, Total: len(hist.Messages)}
	if !hist.LastUpdated.IsZero() {
		resp.LastUpdated = &hist.LastUpdated
	}
	web.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) saveHistory(w http.ResponseWriter, r *http.Request) {
	var req saveRequest
	if err := web.DecodeJSON(w, r, web.DefaultMaxBody, &req); err != nil {
		web.WriteErrorDetails(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	ip := req.IP
	if ip == "" {
		ip = clientip.FromRequest(r)
	}
	hist, err := h.history.Save(r.Context(), ip, req.Messages)
	if err != nil {
		h.fail(w, r, "Failed to save history", err)
		return
	}
	observe.Logger(r.Context()).Debug("history: saved", "ip", ip, "messages", hist.MessageCount)
	web.WriteJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"ip":        ip,
		"saved":     hist.MessageCount,
		"timestamp": hist.LastUpdated,
	})
}

func (h *Handler) clearHistory(w http.ResponseWriter, r *http.Request) {
	ip := target(r)
	if err := h.history.Clear(r.Context(), ip); err != nil {
		h.fail(w, r, "Failed to clear history", err)
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"ip":      ip,
		"message": "History cleared",
	})
}

func (h *Handler) overview(w http.ResponseWriter, r *http.Request) {
	data, err := h.history.Overview(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to get history overview", err)
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"data":      data,
		"total":     len(data),
		"timestamp": h.now().UTC(),
	})
}

// ── Topics ────────────────────────────────────────────────────────────────────

func (h *Handler) listTopics(w http.ResponseWriter, r *http.Request) {
	ip := target(r)
	topics, err := h.topics.List(r.Context(), ip)
	if err != nil {
		h.fail(w, r, "Failed to get topics", err)
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"ip":      ip,
		"topics":  topics,
		"total":   len(topics),
	})
}

func (h *Handler) createTopic(w http.ResponseWriter, r *http.Request) {
	var req saveRequest
	if err := web.DecodeJSON(w, r, web.DefaultMaxBody, &req); err != nil {
		web.WriteErrorDetails(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	ip := req.IP
	if ip == "" {
		ip = clientip.FromRequest(r)
	}
	t, err := h.topics.Create(r.Context(), ip, req.Messages)
	if errors.Is(err, ErrNoMessages) {
		web.WriteError(w, http.StatusBadRequest, "No messages to save")
		return
	}
	if err != nil {
		h.fail(w, r, "Failed to save topic", err)
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"ip":      ip,
		"topicId": t.ID,
		"title":   t.Title,
		"saved":   t.MessageCount,
	})
}

func (h *Handler) deleteTopics(w http.ResponseWriter, r *http.Request) {
	ip := target(r)
	id := r.URL.Query().Get("topicId")

	if id == "" {
		if err := h.topics.Clear(r.Context(), ip); err != nil {
			h.fail(w, r, "Failed to delete topic", err)
			return
		}
		web.WriteJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"ip":      ip,
			"message": "All topics cleared",
		})
		return
	}

	switch err := h.topics.Delete(r.Context(), ip, id); {
	case errors.Is(err, ErrNoTopics):
		web.WriteError(w, http.StatusNotFound, "No topics found")
	case errors.Is(err, ErrTopicNotFound):
		web.WriteError(w, http.StatusNotFound, "Topic not found")
	case err != nil:
		h.fail(w, r, "Failed to delete topic", err)
	default:
		web.WriteJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"ip":      ip,
			"topicId": id,
			"message": "Topic deleted",
		})
	}
}

func (h *Handler) getTopic(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("ip")
	if ip == "" {
		web.WriteError(w, http.StatusBadRequest, "IP地址是必需的")
		return
	}
	t, err := h.topics.Get(r.Context(), ip, r.PathValue("id"))
	if errors.Is(err, ErrTopicNotFound) {
		web.WriteError(w, http.StatusNotFound, "话题不存在")
		return
	}
	if err != nil {
		h.fail(w, r, "获取话题失败", err)
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "topic": t})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	observe.Logger(r.Context()).Error("history: "+msg, "err", err)
	web.WriteError(w, http.StatusInternalServerError, msg)
}
