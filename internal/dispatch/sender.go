package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"courier/internal/transport"
	logx "courier/pkg/logx"
)

type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	select {
	case <-ctx.Done():
		if !t.Stop() {
			<-t.C
		}
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Sender delivers one message to one recipient with capped exponential backoff.
//
// Every transport error is retried the same way: an unknown chat burns the
// same attempts as a network hiccup. After a partial delivery the retry
// resumes at the first undelivered part.
type Sender struct {
	mu    sync.Mutex
	cfg   Config
	log   logx.Logger
	sleep sleepFunc
}

func NewSender(cfg Config, log logx.Logger) *Sender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{cfg: cfg.withDefaults(), log: log, sleep: sleepCtx}
}

func (s *Sender) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Send never returns an error: the last transport error ends up in the outcome.
func (s *Sender) Send(ctx context.Context, m transport.Messenger, r Recipient, text string, att *transport.Attachment) SendOutcome {
	s.mu.Lock()
	cfg := s.cfg
	sleep := s.sleep
	s.mu.Unlock()

	out := SendOutcome{Recipient: r}
	msg := transport.Message{Text: text, Attachment: att}

	var last error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		out.Attempts = attempt
		_, err := m.SendMessage(ctx, r.Address, msg)
		if err == nil {
			out.Success = true
			return out
		}
		last = err
		var partial *transport.PartialError
		if errors.As(err, &partial) && partial.Sent > msg.Skip {
			msg.Skip = partial.Sent
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		delay := backoffDelay(cfg, attempt)
		s.log.Debug("send retry scheduled", logx.String("chat_id", r.Address), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		if err := sleep(ctx, delay); err != nil {
			break
		}
	}

	out.Error = last.Error()
	s.log.Warn("send failed", logx.String("chat_id", r.Address), logx.Int("attempts", out.Attempts), logx.Err(last))
	return out
}

// backoffDelay is the wait before retry k (k starts at 1): base*2^(k-1), capped.
func backoffDelay(cfg Config, k int) time.Duration {
	d := cfg.BackoffBase
	for i := 1; i < k; i++ {
		d *= 2
		if d >= cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	if d > cfg.BackoffMax {
		d = cfg.BackoffMax
	}
	return d
}
