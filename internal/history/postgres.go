package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the history tables. Execute it via
// [Migrate] or apply it during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS chat_history (
    ip         TEXT PRIMARY KEY,
    messages   JSONB NOT NULL DEFAULT '[]',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS chat_topics (
    id            TEXT PRIMARY KEY,
    ip            TEXT NOT NULL,
    title         TEXT NOT NULL,
    preview       TEXT NOT NULL,
    message_count INTEGER NOT NULL,
    messages      JSONB NOT NULL DEFAULT '[]',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_chat_topics_ip_created ON chat_topics(ip, created_at DESC);
`

// DB is the database interface used by the PostgreSQL stores. Both
// *pgxpool.Pool and *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// Compile-time interface checks.
var (
	_ HistoryStore = (*PostgresHistory)(nil)
	_ TopicStore   = (*PostgresTopics)(nil)
)

// Migrate executes [Schema] against db.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	return nil
}

// PostgresHistory is a [HistoryStore] backed by the chat_history table.
type PostgresHistory struct {
	db DB
}

// NewPostgresHistory wraps db. The caller runs [Migrate] first.
func NewPostgresHistory(db DB) *PostgresHistory {
	return &PostgresHistory{db: db}
}

// Ping checks the connection.
func (s *PostgresHistory) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

// Get implements [HistoryStore].
func (s *PostgresHistory) Get(ctx context.Context, ip string) (*History, error) {
	const query = `SELECT messages, updated_at FROM chat_history WHERE ip = $1`

	var raw []byte
	h := &History{IP: ip}
	err := s.db.QueryRow(ctx, query, ip).Scan(&raw, &h.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		h.Messages = []json.RawMessage{}
		return h, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history: get %q: %w", ip, err)
	}
	if err := json.Unmarshal(raw, &h.Messages); err != nil {
		return nil, fmt.Errorf("history: unmarshal messages: %w", err)
	}
	h.Messages = emptyMessages(h.Messages)
	h.MessageCount = len(h.Messages)
	return h, nil
}

// Save implements [HistoryStore].
func (s *PostgresHistory) Save(ctx context.Context, ip string, messages []json.RawMessage) (*History, error) {
	messages = emptyMessages(messages)
	raw, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("history: marshal messages: %w", err)
	}

	const query = `
		INSERT INTO chat_history (ip, messages, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (ip) DO UPDATE SET
			messages = EXCLUDED.messages,
			updated_at = now()
		RETURNING updated_at`

	h := &History{IP: ip, Messages: messages, MessageCount: len(messages)}
	if err := s.db.QueryRow(ctx, query, ip, raw).Scan(&h.LastUpdated); err != nil {
		return nil, fmt.Errorf("history: save %q: %w", ip, err)
	}
	return h, nil
}

// Clear implements [HistoryStore].
func (s *PostgresHistory) Clear(ctx context.Context, ip string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM chat_history WHERE ip = $1`, ip); err != nil {
		return fmt.Errorf("history: clear %q: %w", ip, err)
	}
	return nil
}

// Overview implements [HistoryStore].
func (s *PostgresHistory) Overview(ctx context.Context) ([]Summary, error) {
	const query = `SELECT ip, messages, updated_at FROM chat_history ORDER BY updated_at DESC`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("history: overview: %w", err)
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var (
			h   History
			raw []byte
		)
		if err := rows.Scan(&h.IP, &raw, &h.LastUpdated); err != nil {
			return nil, fmt.Errorf("history: overview scan: %w", err)
		}
		if err := json.Unmarshal(raw, &h.Messages); err != nil {
			return nil, fmt.Errorf("history: unmarshal messages: %w", err)
		}
		h.MessageCount = len(h.Messages)
		out = append(out, summarize(&h))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: overview: %w", err)
	}
	return out, nil
}

// PostgresTopics is a [TopicStore] backed by the chat_topics table.
type PostgresTopics struct {
	db        DB
	maxTopics int
	newID     func() string
}

// NewPostgresTopics wraps db. maxTopics <= 0 uses [DefaultMaxTopics].
func NewPostgresTopics(db DB, maxTopics int) *PostgresTopics {
	if maxTopics <= 0 {
		maxTopics = DefaultMaxTopics
	}
	return &PostgresTopics{db: db, maxTopics: maxTopics, newID: uuid.NewString}
}

const topicColumns = `id, title, created_at, updated_at, message_count, preview, messages`

func scanTopic(row pgx.Row) (*Topic, error) {
	var (
		t   Topic
		raw []byte
	)
	if err := row.Scan(&t.ID, &t.Title, &t.CreatedAt, &t.UpdatedAt, &t.MessageCount, &t.Preview, &raw); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &t.Messages); err != nil {
		return nil, fmt.Errorf("history: unmarshal topic messages: %w", err)
	}
	t.Messages = emptyMessages(t.Messages)
	return &t, nil
}

// List implements [TopicStore].
func (s *PostgresTopics) List(ctx context.Context, ip string) ([]Topic, error) {
	query := `SELECT ` + topicColumns + ` FROM chat_topics WHERE ip = $1 ORDER BY created_at DESC`

	rows, err := s.db.Query(ctx, query, ip)
	if err != nil {
		return nil, fmt.Errorf("history: list topics: %w", err)
	}
	defer rows.Close()

	out := []Topic{}
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, fmt.Errorf("history: list topics scan: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: list topics: %w", err)
	}
	return out, nil
}

// Get implements [TopicStore].
func (s *PostgresTopics) Get(ctx context.Context, ip, id string) (*Topic, error) {
	query := `SELECT ` + topicColumns + ` FROM chat_topics WHERE ip = $1 AND id = $2`

	t, err := scanTopic(s.db.QueryRow(ctx, query, ip, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTopicNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("history: get topic %q: %w", id, err)
	}
	return t, nil
}

// Create implements [TopicStore].
func (s *PostgresTopics) Create(ctx context.Context, ip string, messages []json.RawMessage) (*Topic, error) {
	if len(messages) == 0 {
		return nil, ErrNoMessages
	}
	raw, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("history: marshal messages: %w", err)
	}

	t := newTopic(s.newID(), time.Time{}, messages)
	const insert = `
		INSERT INTO chat_topics (id, ip, title, preview, message_count, messages)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`
	if err := s.db.QueryRow(ctx, insert, t.ID, ip, t.Title, t.Preview, t.MessageCount, raw).
		Scan(&t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, fmt.Errorf("history: create topic: %w", err)
	}

	const trim = `
		DELETE FROM chat_topics
		WHERE ip = $1 AND id NOT IN (
			SELECT id FROM chat_topics WHERE ip = $1 ORDER BY created_at DESC LIMIT $2
		)`
	if _, err := s.db.Exec(ctx, trim, ip, s.maxTopics); err != nil {
		return nil, fmt.Errorf("history: trim topics: %w", err)
	}
	return &t, nil
}

// Delete implements [TopicStore].
func (s *PostgresTopics) Delete(ctx context.Context, ip, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM chat_topics WHERE ip = $1 AND id = $2`, ip, id)
	if err != nil {
		return fmt.Errorf("history: delete topic %q: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM chat_topics WHERE ip = $1)`, ip).Scan(&exists); err != nil {
		return fmt.Errorf("history: delete topic %q: %w", id, err)
	}
	if !exists {
		return ErrNoTopics
	}
	return ErrTopicNotFound
}

// Clear implements [TopicStore].
func (s *PostgresTopics) Clear(ctx context.Context, ip string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM chat_topics WHERE ip = $1`, ip); err != nil {
		return fmt.Errorf("history: clear topics %q: %w", ip, err)
	}
	return nil
}
