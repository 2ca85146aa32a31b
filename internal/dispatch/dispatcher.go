package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"courier/internal/transport"
	logx "courier/pkg/logx"
)

// Dispatcher runs dispatch jobs. It is safe for concurrent use; concurrent
// jobs share the attachment cache but are otherwise independent.
type Dispatcher struct {
	mu    sync.Mutex
	cfg   Config
	sleep sleepFunc

	cache  *AttachmentCache
	sender *Sender
	log    logx.Logger
}

func New(cfg Config, cache *AttachmentCache, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cache == nil {
		cache = NewAttachmentCache(AttachmentConfig{}, log)
	}
	return &Dispatcher{
		cfg:    cfg.withDefaults(),
		sleep:  sleepCtx,
		cache:  cache,
		sender: NewSender(cfg, log),
		log:    log,
	}
}

// Apply swaps pacing and retry settings; running jobs keep their snapshot.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.mu.Unlock()
	d.sender.Apply(cfg)
}

func (d *Dispatcher) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

func (d *Dispatcher) Cache() *AttachmentCache { return d.cache }

// DispatchBulk delivers job to every recipient and returns the aggregate.
//
// The only error is attachment resolution (or an empty message), and it is
// returned before any send. ctx is checked between batches: recipients of
// batches that never started are reported as failed outcomes.
func (d *Dispatcher) DispatchBulk(ctx context.Context, m transport.Messenger, job Job, onProgress ProgressFunc) (BatchResult, error) {
	d.mu.Lock()
	cfg := d.cfg
	sleep := d.sleep
	d.mu.Unlock()

	n := len(job.Recipients)
	res := BatchResult{Total: n, Failures: []Failure{}}
	if n == 0 {
		return res, nil
	}

	var att *transport.Attachment
	if job.FilePath != "" {
		a, err := d.cache.Resolve(ctx, job.FilePath, job.FileName)
		if err != nil {
			d.log.Warn("dispatch aborted: attachment unavailable", logx.Int("total", n), logx.Err(err))
			return BatchResult{}, fmt.Errorf("prepare attachment: %w", err)
		}
		att = a
	}
	if job.Text == "" && att == nil {
		return BatchResult{}, transport.ErrEmptyMessage
	}

	start := time.Now()
	d.log.Info("dispatch started", logx.Int("total", n), logx.Bool("attachment", att != nil), logx.Int("batch_size", cfg.BatchSize))

	res.Outcomes = make([]SendOutcome, 0, n)
	var mu sync.Mutex
	record := func(o SendOutcome) {
		mu.Lock()
		defer mu.Unlock()
		res.Outcomes = append(res.Outcomes, o)
		if o.Success {
			res.Succeeded++
		} else {
			res.Failed++
			res.Failures = append(res.Failures, Failure{Recipient: o.Recipient.Name, Error: o.Error})
		}
		if onProgress != nil {
			onProgress(Progress{
				Processed: res.Succeeded + res.Failed,
				Total:     res.Total,
				Recipient: o.Recipient.Name,
				Success:   o.Success,
			})
		}
	}

	for lo := 0; lo < n; lo += cfg.BatchSize {
		if lo > 0 {
			_ = sleep(ctx, cfg.BatchDelay)
		}
		if err := ctx.Err(); err != nil {
			d.log.Warn("dispatch cancelled between batches", logx.Int("remaining", n-lo), logx.Err(err))
			for i := lo; i < n; i++ {
				record(SendOutcome{Index: i, Recipient: job.Recipients[i], Error: err.Error()})
			}
			break
		}

		hi := min(lo+cfg.BatchSize, n)
		res.Batches++

		var wg sync.WaitGroup
		for i := lo; i < hi; i++ {
			wg.Add(1)
			go func(idx, pos int) {
				defer wg.Done()
				r := job.Recipients[idx]
				defer func() {
					if p := recover(); p != nil {
						d.log.Error("panic in dispatch send", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
						record(SendOutcome{Index: idx, Recipient: r, Error: fmt.Sprint("internal error: ", p)})
					}
				}()
				if pos > 0 {
					_ = sleep(ctx, time.Duration(pos)*cfg.StaggerDelay)
				}
				o := d.sender.Send(ctx, m, r, job.Text, att)
				o.Index = idx
				record(o)
			}(i, i-lo)
		}
		wg.Wait()
	}

	fields := []logx.Field{
		logx.Int("total", res.Total),
		logx.Int("success", res.Succeeded),
		logx.Int("failed", res.Failed),
		logx.Int("batches", res.Batches),
		logx.Duration("dur", time.Since(start)),
	}
	if res.Failed > 0 {
		d.log.Warn("dispatch finished with failures", fields...)
	} else {
		d.log.Info("dispatch finished", fields...)
	}
	return res, nil
}
