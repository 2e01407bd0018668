// Package samples stores uploaded voice sample files in a flat directory
// that is also served statically under /voice-samples/.
package samples

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxFileSize caps uploads at 10 MiB.
const DefaultMaxFileSize int64 = 10 << 20

// URLPrefix is where the sample directory is served.
const URLPrefix = "/voice-samples/"

// AllowedFormats are the accepted file extensions.
var AllowedFormats = []string{"mp3", "wav", "flac", "m4a"}

var (
	ErrTooLarge          = errors.New("samples: file too large")
	ErrUnsupportedFormat = errors.New("samples: unsupported format")
	ErrInvalidName       = errors.New("samples: invalid file name")
	ErrNotFound          = errors.New("samples: file not found")
)

// Sample describes one stored file.
type Sample struct {
	Filename   string    `json:"filename"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	Format     string    `json:"format"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Store manages the sample directory.
type Store struct {
	dir     string
	maxSize int64
	now     func() time.Time
}

// NewStore creates a Store over dir. maxSize <= 0 uses [DefaultMaxFileSize].
func NewStore(dir string, maxSize int64) *Store {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	return &Store{dir: dir, maxSize: maxSize, now: time.Now}
}

// Dir returns the sample directory.
func (s *Store) Dir() string { return s.dir }

// MaxSize returns the upload limit in bytes.
func (s *Store) MaxSize() int64 { return s.maxSize }

// Format returns the lower-cased extension of filename when it is allowed.
func Format(filename string) (string, bool) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if ext == "" || !slices.Contains(AllowedFormats, ext) {
		return "", false
	}
	return ext, true
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9.-]`)

// Save writes r as a new sample. original is the uploaded file name and
// decides the format; name, when set, replaces it in the stored name.
func (s *Store) Save(original, name string, size int64, r io.Reader) (*Sample, error) {
	if size > s.maxSize {
		return nil, ErrTooLarge
	}
	ext, ok := Format(original)
	if !ok {
		return nil, ErrUnsupportedFormat
	}
	if name == "" {
		name = original
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("samples: create dir: %w", err)
	}

	now := s.now()
	filename := strconv.FormatInt(now.UnixMilli(), 10) + "_" + unsafeName.ReplaceAllString(name, "_") + "." + ext
	path := filepath.Join(s.dir, filename)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("samples: create %s: %w", filename, err)
	}
	n, err := io.Copy(f, io.LimitReader(r, s.maxSize+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > s.maxSize {
		err = ErrTooLarge
	}
	if err != nil {
		_ = os.Remove(path)
		if errors.Is(err, ErrTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("samples: write %s: %w", filename, err)
	}

	return &Sample{
		Filename:   filename,
		Path:       URLPrefix + filename,
		Size:       n,
		Format:     ext,
		CreatedAt:  now.UTC(),
		ModifiedAt: now.UTC(),
	}, nil
}

// List returns the stored samples, newest first. Files with other
// extensions are ignored.
func (s *Store) List() ([]Sample, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []Sample{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("samples: list: %w", err)
	}

	out := make([]Sample, 0, len(entries))
	for _, e := range entries {
		ext, ok := Format(e.Name())
		if !ok || e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		mod := info.ModTime().UTC()
		out = append(out, Sample{
			Filename:   e.Name(),
			Path:       URLPrefix + e.Name(),
			Size:       info.Size(),
			Format:     ext,
			CreatedAt:  mod,
			ModifiedAt: mod,
		})
	}
	slices.SortStableFunc(out, func(a, b Sample) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), strings.Compare(b.Filename, a.Filename))
	})
	return out, nil
}

// Delete removes filename. Names that could leave the directory are
// rejected with [ErrInvalidName].
func (s *Store) Delete(filename string) error {
	if filename == "" || strings.Contains(filename, "..") || strings.ContainsAny(filename, `/\`) {
		return ErrInvalidName
	}
	err := os.Remove(filepath.Join(s.dir, filename))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("samples: delete %s: %w", filename, err)
	}
	return nil
}
