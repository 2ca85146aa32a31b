package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"courier/internal/clock"
	"courier/internal/transport"
	logx "courier/pkg/logx"
)

const (
	DefaultMaxAttachmentSize int64 = 50 << 20
	DefaultAttachmentTTL           = time.Hour
)

// Source opens an attachment source for reading.
type Source func(path string) (io.ReadCloser, error)

func osSource(path string) (io.ReadCloser, error) { return os.Open(path) }

type AttachmentConfig struct {
	MaxSize int64
	TTL     time.Duration
}

type CacheOption func(*AttachmentCache)

func WithSource(src Source) CacheOption {
	return func(c *AttachmentCache) {
		if src != nil {
			c.source = src
		}
	}
}

func WithClock(clk clock.Clock) CacheOption {
	return func(c *AttachmentCache) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// AttachmentCache reads each source once and hands out the same immutable
// Attachment until the entry's TTL elapses.
type AttachmentCache struct {
	maxSize int64
	ttl     time.Duration
	source  Source
	clock   clock.Clock
	log     logx.Logger

	mu      sync.Mutex
	entries map[string]*cacheEntry

	group singleflight.Group
}

type cacheEntry struct {
	att       *transport.Attachment
	createdAt time.Time
	timer     *time.Timer
}

func NewAttachmentCache(cfg AttachmentConfig, log logx.Logger, opts ...CacheOption) *AttachmentCache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxAttachmentSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultAttachmentTTL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &AttachmentCache{
		maxSize: cfg.MaxSize,
		ttl:     cfg.TTL,
		source:  osSource,
		clock:   clock.Real(),
		log:     log,
		entries: map[string]*cacheEntry{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Resolve returns the cached attachment for sourcePath, reading it on a miss.
// Concurrent misses for the same path share a single read. The content is
// cached per path; the returned value carries filename, defaulting to the
// base of sourcePath.
func (c *AttachmentCache) Resolve(ctx context.Context, sourcePath, filename string) (*transport.Attachment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sourcePath == "" {
		return nil, fmt.Errorf("%w: empty path", ErrSourceUnavailable)
	}
	if filename == "" {
		filename = filepath.Base(sourcePath)
	}
	if att := c.lookup(sourcePath); att != nil {
		return withName(att, filename), nil
	}

	v, err, _ := c.group.Do(sourcePath, func() (any, error) {
		if att := c.lookup(sourcePath); att != nil {
			return att, nil
		}
		att, err := c.load(sourcePath, filename)
		if err != nil {
			return nil, err
		}
		c.store(sourcePath, att)
		return att, nil
	})
	if err != nil {
		return nil, err
	}
	return withName(v.(*transport.Attachment), filename), nil
}

// withName shares att's content under another file name.
func withName(att *transport.Attachment, filename string) *transport.Attachment {
	if att.Filename == filename {
		return att
	}
	cp := *att
	cp.Filename = filename
	return &cp
}

func (c *AttachmentCache) lookup(key string) *transport.Attachment {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	// The timer may not have fired yet; never serve past the TTL.
	if !c.clock.Now().Before(e.createdAt.Add(c.ttl)) {
		c.dropLocked(key, e)
		return nil
	}
	return e.att
}

func (c *AttachmentCache) load(path, filename string) (*transport.Attachment, error) {
	rc, err := c.source(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, c.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	if int64(len(data)) > c.maxSize {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrSizeExceeded, c.maxSize)
	}

	sum := sha256.Sum256(data)
	c.log.Debug("attachment loaded", logx.String("file", filename), logx.Int("bytes", len(data)))
	return &transport.Attachment{
		Filename: filename,
		Content:  data,
		Hash:     hex.EncodeToString(sum[:]),
	}, nil
}

func (c *AttachmentCache) store(key string, att *transport.Attachment) {
	e := &cacheEntry{att: att, createdAt: c.clock.Now()}
	e.timer = time.AfterFunc(c.ttl, func() { c.evict(key, e) })

	c.mu.Lock()
	if old, ok := c.entries[key]; ok {
		c.dropLocked(key, old)
	}
	c.entries[key] = e
	c.mu.Unlock()
}

func (c *AttachmentCache) evict(key string, e *cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[key]; ok && cur == e {
		c.dropLocked(key, e)
	}
}

func (c *AttachmentCache) dropLocked(key string, e *cacheEntry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(c.entries, key)
}

func (c *AttachmentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops every entry and stops pending eviction timers.
func (c *AttachmentCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		c.dropLocked(k, e)
	}
}
