package dispatch

import (
	"errors"
	"time"
)

var (
	ErrSizeExceeded      = errors.New("attachment exceeds size limit")
	ErrSourceUnavailable = errors.New("attachment source unavailable")
)

const (
	DefaultBatchSize    = 5
	DefaultStaggerDelay = 200 * time.Millisecond
	DefaultBatchDelay   = time.Second
	DefaultMaxAttempts  = 3
	DefaultBackoffBase  = time.Second
	DefaultBackoffMax   = 5 * time.Second
)

// Config controls pacing and retry of a dispatch job.
type Config struct {
	BatchSize    int
	StaggerDelay time.Duration
	BatchDelay   time.Duration

	// MaxAttempts counts the initial try.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:    DefaultBatchSize,
		StaggerDelay: DefaultStaggerDelay,
		BatchDelay:   DefaultBatchDelay,
		MaxAttempts:  DefaultMaxAttempts,
		BackoffBase:  DefaultBackoffBase,
		BackoffMax:   DefaultBackoffMax,
	}
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.StaggerDelay < 0 {
		c.StaggerDelay = 0
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	return c
}

// Recipient is immutable for the duration of a job.
type Recipient struct {
	Address string
	Name    string
}

// SendOutcome is the final result of delivering to one recipient.
type SendOutcome struct {
	// Index is the recipient's position in Job.Recipients.
	Index     int
	Recipient Recipient
	Success   bool
	Error     string
	Attempts  int
}

type Failure struct {
	Recipient string `json:"contact"`
	Error     string `json:"error"`
}

// BatchResult aggregates a job. Failures and Outcomes are in completion order.
type BatchResult struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"success"`
	Failed    int           `json:"failed"`
	Failures  []Failure     `json:"errors"`
	Outcomes  []SendOutcome `json:"-"`
	Batches   int           `json:"batches"`
}

type Progress struct {
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Recipient string `json:"contact"`
	Success   bool   `json:"success"`
}

// ProgressFunc is called synchronously once per completed send.
type ProgressFunc func(Progress)

type Job struct {
	Recipients []Recipient
	Text       string
	FilePath   string
	FileName   string
}
