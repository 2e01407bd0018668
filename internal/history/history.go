// Package history persists chat transcripts and saved conversation topics
// per client. Clients are keyed by the identifier from the clientip package.
//
// Two backends implement [HistoryStore] and [TopicStore]: [FileStore] keeps
// one JSON document per client on disk and [PostgresStore] keeps rows in
// PostgreSQL. Messages are opaque JSON objects owned by the front end; only
// their "type", "content" and "timestamp" fields are ever inspected.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultMaxTopics caps the number of saved topics per client.
const DefaultMaxTopics = 50

const (
	titleRunes   = 20
	previewRunes = 50

	emptyTitle   = "空对话"
	emptyPreview = "暂无内容"
)

var (
	// ErrNoMessages is returned when a topic would be created without messages.
	ErrNoMessages = errors.New("history: no messages to save")

	// ErrNoTopics is returned when a client has no saved topics at all.
	ErrNoTopics = errors.New("history: no topics found")

	// ErrTopicNotFound is returned when a topic id is unknown for a client.
	ErrTopicNotFound = errors.New("history: topic not found")
)

// History is the stored transcript of one client.
type History struct {
	IP           string            `json:"ip"`
	Messages     []json.RawMessage `json:"messages"`
	LastUpdated  time.Time         `json:"lastUpdated"`
	MessageCount int               `json:"messageCount"`
}

// Summary describes one client's history for the admin overview.
type Summary struct {
	IP           string          `json:"ip"`
	MessageCount int             `json:"messageCount"`
	LastUpdated  time.Time       `json:"lastUpdated"`
	FirstMessage json.RawMessage `json:"firstMessage,omitempty"`
	LastMessage  json.RawMessage `json:"lastMessage,omitempty"`
	HasMessages  bool            `json:"hasMessages"`
}

// Topic is a saved conversation.
type Topic struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	MessageCount int               `json:"messageCount"`
	Preview      string            `json:"preview"`
	Messages     []json.RawMessage `json:"messages"`
}

// HistoryStore keeps the live transcript of each client.
type HistoryStore interface {
	// Get returns the client's history. A client without history gets an
	// empty History with a zero LastUpdated.
	Get(ctx context.Context, ip string) (*History, error)

	// Save replaces the client's messages.
	Save(ctx context.Context, ip string, messages []json.RawMessage) (*History, error)

	// Clear drops the client's history. Clearing nothing is not an error.
	Clear(ctx context.Context, ip string) error

	// Overview summarises every stored history, most recently updated first.
	Overview(ctx context.Context) ([]Summary, error)
}

// TopicStore keeps saved conversations per client, newest first.
type TopicStore interface {
	List(ctx context.Context, ip string) ([]Topic, error)

	// Get returns [ErrTopicNotFound] for unknown ids.
	Get(ctx context.Context, ip, id string) (*Topic, error)

	// Create saves messages as a new topic at the head of the list and drops
	// the oldest topics beyond the store's cap. Empty messages yield
	// [ErrNoMessages].
	Create(ctx context.Context, ip string, messages []json.RawMessage) (*Topic, error)

	// Delete returns [ErrNoTopics] when the client has none and
	// [ErrTopicNotFound] when the id is unknown.
	Delete(ctx context.Context, ip, id string) error

	Clear(ctx context.Context, ip string) error
}

var unsafeKey = regexp.MustCompile(`[^a-zA-Z0-9.-]`)

// Key turns a client identifier into a file-name-safe key.
func Key(ip string) string {
	return unsafeKey.ReplaceAllString(ip, "_")
}

// probe is the part of a message the stores look at.
type probe struct {
	Type      string          `json:"type"`
	Content   string          `json:"content"`
	Timestamp json.RawMessage `json:"timestamp"`
}

func decodeProbe(raw json.RawMessage) probe {
	var p probe
	_ = json.Unmarshal(raw, &p)
	return p
}

func firstUserContent(messages []json.RawMessage) (string, bool) {
	for _, m := range messages {
		if p := decodeProbe(m); p.Type == "user" {
			return p.Content, true
		}
	}
	return "", false
}

var newlines = regexp.MustCompile(`\n+`)

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// Title derives a topic title from the first user message.
func Title(messages []json.RawMessage) string {
	content, ok := firstUserContent(messages)
	if !ok {
		return emptyTitle
	}
	flat := newlines.ReplaceAllString(content, " ")
	title := truncateRunes(flat, titleRunes)
	if len(title) < len(flat) {
		return title + "..."
	}
	return title
}

// Preview derives the topic preview from the first user message.
func Preview(messages []json.RawMessage) string {
	content, ok := firstUserContent(messages)
	if !ok {
		return emptyPreview
	}
	return truncateRunes(newlines.ReplaceAllString(content, " "), previewRunes)
}

// summarize builds the admin overview entry for h.
func summarize(h *History) Summary {
	s := Summary{
		IP:           h.IP,
		MessageCount: h.MessageCount,
		LastUpdated:  h.LastUpdated,
		HasMessages:  len(h.Messages) > 0,
	}
	if n := len(h.Messages); n > 0 {
		s.FirstMessage = nonNull(decodeProbe(h.Messages[0]).Timestamp)
		s.LastMessage = nonNull(decodeProbe(h.Messages[n-1]).Timestamp)
	}
	return s
}

func nonNull(raw json.RawMessage) json.RawMessage {
	if strings.TrimSpace(string(raw)) == "null" {
		return nil
	}
	return raw
}

func emptyMessages(m []json.RawMessage) []json.RawMessage {
	if m == nil {
		return []json.RawMessage{}
	}
	return m
}

func emptyTopics(t []Topic) []Topic {
	if t == nil {
		return []Topic{}
	}
	return t
}

func newTopic(id string, now time.Time, messages []json.RawMessage) Topic {
	return Topic{
		ID:           id,
		Title:        Title(messages),
		CreatedAt:    now,
		UpdatedAt:    now,
		MessageCount: len(messages),
		Preview:      Preview(messages),
		Messages:     messages,
	}
}
