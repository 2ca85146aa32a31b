package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"courier/internal/storage"
	"courier/internal/transport"
	logx "courier/pkg/logx"
)

var ErrNoActiveAccount = errors.New("no active account to send verification codes")

type AccountSource interface {
	FirstActiveAccount(ctx context.Context) (storage.Account, error)
}

// BotSender delivers codes through the first active account's bot, using the
// phone number as the chat address.
type BotSender struct {
	accounts AccountSource
	pool     *transport.Pool
	ttl      time.Duration
	log      logx.Logger
}

func NewBotSender(accounts AccountSource, pool *transport.Pool, ttl time.Duration, log logx.Logger) *BotSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	return &BotSender{accounts: accounts, pool: pool, ttl: ttl, log: log}
}

func (b *BotSender) SendCode(ctx context.Context, phone, code string) error {
	acc, err := b.accounts.FirstActiveAccount(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNoActiveAccount
	}
	if err != nil {
		return err
	}
	m, err := b.pool.Get(ctx, acc.BotToken)
	if err != nil {
		return err
	}
	_, err = m.SendMessage(ctx, phone, transport.Message{Text: CodeText(code, b.ttl)})
	return err
}

func CodeText(code string, ttl time.Duration) string {
	return fmt.Sprintf("Your verification code: %s\n\nThe code is valid for %d minutes.\nDo not share this code with anyone.", code, int(ttl/time.Minute))
}
