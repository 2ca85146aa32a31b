// Package uploads keeps operator-uploaded attachments on local disk.
//
// Files are addressed by an opaque id (the stored file name); callers never
// see or pass filesystem paths.
package uploads

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "courier/pkg/logx"
)

var (
	ErrInvalidID       = errors.New("invalid file id")
	ErrNotFound        = errors.New("file not found")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("file too large")
)

const (
	DefaultMaxSize = 50 << 20
	DefaultMaxAge  = 24 * time.Hour
	maxBaseLen     = 50
)

var allowedTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,

	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,

	"text/plain": true,
	"text/csv":   true,

	"application/zip":              true,
	"application/x-rar-compressed": true,

	"audio/mp3":  true,
	"audio/mpeg": true,
	"audio/wav":  true,
	"audio/ogg":  true,
	"video/mp4":  true,
	"video/webm": true,
}

// Allowed reports whether a declared content type may be stored.
// Parameters such as charset are ignored.
func Allowed(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return allowedTypes[strings.ToLower(mt)]
}

type Config struct {
	Dir     string
	MaxSize int64
	MaxAge  time.Duration
}

type File struct {
	ID           string `json:"fileId"`
	OriginalName string `json:"originalName"`
	Size         int64  `json:"size"`
}

type Store struct {
	dir     string
	maxSize int64
	maxAge  time.Duration
	log     logx.Logger
	now     func() time.Time
}

func New(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("uploads dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{dir: cfg.Dir, maxSize: cfg.MaxSize, maxAge: cfg.MaxAge, log: log, now: time.Now}, nil
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) MaxSize() int64 { return s.maxSize }

// Save writes r under a fresh id. The partial file is removed on any error.
func (s *Store) Save(originalName, contentType string, r io.Reader) (File, error) {
	if !Allowed(contentType) {
		return File{}, fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
	}
	id := SafeName(originalName)
	path := filepath.Join(s.dir, id)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return File{}, err
	}
	n, err := io.Copy(f, io.LimitReader(r, s.maxSize+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > s.maxSize {
		err = fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, s.maxSize)
	}
	if err != nil {
		_ = os.Remove(path)
		return File{}, err
	}

	s.log.Info("file uploaded", logx.String("file_id", id), logx.Int64("size", n))
	return File{ID: id, OriginalName: originalName, Size: n}, nil
}

// Resolve maps an id to the stored file's path.
func (s *Store) Resolve(id string) (string, error) {
	if id == "" || strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return "", ErrInvalidID
	}
	path := filepath.Join(s.dir, id)
	st, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if !st.Mode().IsRegular() {
		return "", ErrNotFound
	}
	return path, nil
}

// CleanupOlderThan deletes files last modified more than age ago.
func (s *Store) CleanupOlderThan(age time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-age)
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
				s.log.Warn("remove old upload failed", logx.String("file_id", e.Name()), logx.Err(err))
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		s.log.Info("old uploads removed", logx.Int("count", removed), logx.Duration("older_than", age))
	}
	return removed, nil
}

// Cleanup applies the configured maximum age.
func (s *Store) Cleanup() (int, error) {
	return s.CleanupOlderThan(s.maxAge)
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// SafeName derives a unique on-disk name from an uploaded file name:
// sanitized base (at most 50 chars), "_", the first uuid group, lowercased extension.
func SafeName(original string) string {
	original = filepath.Base(strings.ReplaceAll(original, `\`, "/"))
	ext := strings.ToLower(filepath.Ext(original))
	base := strings.TrimSuffix(original, filepath.Ext(original))
	base = unsafeChars.ReplaceAllString(base, "_")
	if len(base) > maxBaseLen {
		base = base[:maxBaseLen]
	}
	ext = unsafeChars.ReplaceAllString(ext, "_")
	short, _, _ := strings.Cut(uuid.NewString(), "-")
	return base + "_" + short + ext
}
