package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time interface checks.
var (
	_ HistoryStore = (*FileHistory)(nil)
	_ TopicStore   = (*FileTopics)(nil)
)

// FileOption configures the file backend.
type FileOption func(*fileBase)

// WithMaxTopics caps the saved topics per client. n <= 0 keeps the default.
func WithMaxTopics(n int) FileOption {
	return func(b *fileBase) {
		if n > 0 {
			b.maxTopics = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) FileOption {
	return func(b *fileBase) { b.now = now }
}

// WithIDGenerator overrides topic id generation.
func WithIDGenerator(gen func() string) FileOption {
	return func(b *fileBase) { b.newID = gen }
}

// fileBase holds what both file stores share: a directory and one mutex per
// document path.
type fileBase struct {
	dir       string
	maxTopics int
	now       func() time.Time
	newID     func() string

	locks sync.Map // path -> *sync.Mutex
}

func newFileBase(dir string, opts []FileOption) *fileBase {
	b := &fileBase{
		dir:       dir,
		maxTopics: DefaultMaxTopics,
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *fileBase) lock(path string) func() {
	v, _ := b.locks.LoadOrStore(path, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Ping reports whether the data directory is usable.
func (b *fileBase) Ping(context.Context) error {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return fmt.Errorf("history: data dir: %w", err)
	}
	return nil
}

// ── History ───────────────────────────────────────────────────────────────────

// FileHistory stores each client's transcript in <dir>/history/<key>.json.
type FileHistory struct {
	*fileBase
}

// NewFileHistory creates a FileHistory rooted at dir. Directories are
// created on first write.
func NewFileHistory(dir string, opts ...FileOption) *FileHistory {
	return &FileHistory{fileBase: newFileBase(dir, opts)}
}

func (s *FileHistory) path(ip string) string {
	return filepath.Join(s.dir, "history", Key(ip)+".json")
}

// Get implements [HistoryStore].
func (s *FileHistory) Get(_ context.Context, ip string) (*History, error) {
	path := s.path(ip)
	defer s.lock(path)()

	var h History
	found, err := readJSON(path, &h)
	if err != nil {
		return nil, fmt.Errorf("history: get %q: %w", ip, err)
	}
	if !found {
		return &History{IP: ip, Messages: []json.RawMessage{}}, nil
	}
	h.IP = ip
	h.Messages = emptyMessages(h.Messages)
	return &h, nil
}

// Save implements [HistoryStore].
func (s *FileHistory) Save(_ context.Context, ip string, messages []json.RawMessage) (*History, error) {
	path := s.path(ip)
	defer s.lock(path)()

	h := &History{
		IP:           ip,
		Messages:     emptyMessages(messages),
		LastUpdated:  s.now().UTC(),
		MessageCount: len(messages),
	}
	if err := writeJSON(path, h); err != nil {
		return nil, fmt.Errorf("history: save %q: %w", ip, err)
	}
	return h, nil
}

// Clear implements [HistoryStore].
func (s *FileHistory) Clear(_ context.Context, ip string) error {
	path := s.path(ip)
	defer s.lock(path)()
	if err := removeIfExists(path); err != nil {
		return fmt.Errorf("history: clear %q: %w", ip, err)
	}
	return nil
}

// Overview implements [HistoryStore]. Unreadable files are logged and
// skipped.
func (s *FileHistory) Overview(context.Context) ([]Summary, error) {
	dir := filepath.Join(s.dir, "history")
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []Summary{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history: overview: %w", err)
	}

	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(dir, name)
		unlock := s.lock(path)
		var h History
		_, err := readJSON(path, &h)
		unlock()
		if err != nil {
			slog.Warn("history: skipping unreadable file", "file", name, "err", err)
			continue
		}
		if h.IP == "" {
			h.IP = strings.ReplaceAll(strings.TrimSuffix(name, ".json"), "_", ".")
		}
		out = append(out, summarize(&h))
	}
	slices.SortStableFunc(out, func(a, b Summary) int {
		return b.LastUpdated.Compare(a.LastUpdated)
	})
	return out, nil
}

// ── Topics ────────────────────────────────────────────────────────────────────

// FileTopics stores each client's topics in <dir>/topics/<key>_topics.json.
type FileTopics struct {
	*fileBase
}

// NewFileTopics creates a FileTopics rooted at dir.
func NewFileTopics(dir string, opts ...FileOption) *FileTopics {
	return &FileTopics{fileBase: newFileBase(dir, opts)}
}

type topicsFile struct {
	Topics []Topic `json:"topics"`
}

func (s *FileTopics) path(ip string) string {
	return filepath.Join(s.dir, "topics", Key(ip)+"_topics.json")
}

func (s *FileTopics) read(path string) ([]Topic, bool, error) {
	var tf topicsFile
	found, err := readJSON(path, &tf)
	if err != nil {
		return nil, false, err
	}
	return tf.Topics, found, nil
}

// List implements [TopicStore].
func (s *FileTopics) List(_ context.Context, ip string) ([]Topic, error) {
	path := s.path(ip)
	defer s.lock(path)()

	topics, _, err := s.read(path)
	if err != nil {
		return nil, fmt.Errorf("history: list topics %q: %w", ip, err)
	}
	if topics == nil {
		topics = []Topic{}
	}
	return topics, nil
}

// Get implements [TopicStore].
func (s *FileTopics) Get(_ context.Context, ip, id string) (*Topic, error) {
	path := s.path(ip)
	defer s.lock(path)()

	topics, _, err := s.read(path)
	if err != nil {
		return nil, fmt.Errorf("history: get topic %q: %w", id, err)
	}
	i := slices.IndexFunc(topics, func(t Topic) bool { return t.ID == id })
	if i < 0 {
		return nil, ErrTopicNotFound
	}
	return &topics[i], nil
}

// Create implements [TopicStore].
func (s *FileTopics) Create(_ context.Context, ip string, messages []json.RawMessage) (*Topic, error) {
	if len(messages) == 0 {
		return nil, ErrNoMessages
	}
	path := s.path(ip)
	defer s.lock(path)()

	topics, _, err := s.read(path)
	if err != nil {
		return nil, fmt.Errorf("history: create topic: %w", err)
	}
	t := newTopic(s.newID(), s.now().UTC(), messages)
	topics = slices.Insert(topics, 0, t)
	if len(topics) > s.maxTopics {
		topics = topics[:s.maxTopics]
	}
	if err := writeJSON(path, topicsFile{Topics: topics}); err != nil {
		return nil, fmt.Errorf("history: create topic: %w", err)
	}
	return &t, nil
}

// Delete implements [TopicStore].
func (s *FileTopics) Delete(_ context.Context, ip, id string) error {
	path := s.path(ip)
	defer s.lock(path)()

	topics, found, err := s.read(path)
	if err != nil {
		return fmt.Errorf("history: delete topic %q: %w", id, err)
	}
	if !found {
		return ErrNoTopics
	}
	before := len(topics)
	topics = slices.DeleteFunc(topics, func(t Topic) bool { return t.ID == id })
	if len(topics) == before {
		return ErrTopicNotFound
	}
	if err := writeJSON(path, topicsFile{Topics: emptyTopics(topics)}); err != nil {
		return fmt.Errorf("history: delete topic %q: %w", id, err)
	}
	return nil
}

// Clear implements [TopicStore].
func (s *FileTopics) Clear(_ context.Context, ip string) error {
	path := s.path(ip)
	defer s.lock(path)()
	if err := removeIfExists(path); err != nil {
		return fmt.Errorf("history: clear topics %q: %w", ip, err)
	}
	return nil
}

// ── File helpers ──────────────────────────────────────────────────────────────

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// writeJSON replaces path through a temp file in the same directory so
// readers never see a partial document.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		return errors.Join(err, tmp.Close(), os.Remove(tmp.Name()))
	}
	if err := tmp.Close(); err != nil {
		return errors.Join(err, os.Remove(tmp.Name()))
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Join(err, os.Remove(tmp.Name()))
	}
	return nil
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
