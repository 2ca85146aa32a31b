// Package telegram implements transport.Messenger on the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"courier/internal/transport"
	logx "courier/pkg/logx"
)

const (
	DefaultTimeout       = 15 * time.Second
	DefaultRatePerSecond = 25
	DefaultBurst         = 5
)

type Config struct {
	// APIURL overrides the Bot API endpoint (tests, local Bot API servers).
	APIURL        string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = DefaultRatePerSecond
	}
	if c.Burst <= 0 {
		c.Burst = DefaultBurst
	}
	return c
}

// Factory opens one Bot per token, validating it with getMe.
type Factory struct {
	cfg Config
	log logx.Logger
}

func NewFactory(cfg Config, log logx.Logger) *Factory {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Factory{cfg: cfg.withDefaults(), log: log}
}

func (f *Factory) Open(ctx context.Context, token string) (transport.Messenger, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", transport.ErrInvalidToken)
	}

	b, err := tele.NewBot(tele.Settings{
		URL:    f.cfg.APIURL,
		Token:  token,
		Client: &http.Client{Timeout: f.cfg.Timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrInvalidToken, err)
	}

	bot := &Bot{
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(f.cfg.RatePerSecond), f.cfg.Burst),
	}
	if b.Me != nil {
		bot.info = transport.BotInfo{ID: b.Me.ID, Username: b.Me.Username, Name: b.Me.FirstName}
	}
	bot.log = f.log.With(logx.String("bot", bot.info.Username))
	bot.log.Debug("bot opened")
	return bot, nil
}

// address is a chat id, @username or phone number passed through verbatim.
type address string

func (a address) Recipient() string { return string(a) }

// Bot is safe for concurrent use. Every API call waits on a shared token
// bucket and is bounded by the client timeout.
type Bot struct {
	bot     *tele.Bot
	limiter *rate.Limiter
	info    transport.BotInfo
	log     logx.Logger
}

func (b *Bot) Info() transport.BotInfo { return b.info }

// SendMessage delivers text and/or an attachment to addr.
//
// Long text is split into several messages. With an attachment, text that
// fits a caption travels as the caption; otherwise text goes first and the
// document follows. A failure after some parts went out is a
// *transport.PartialError; msg.Skip resumes after the delivered parts. The
// returned ref points at the first message sent by this call.
func (b *Bot) SendMessage(ctx context.Context, addr string, msg transport.Message) (transport.MessageRef, error) {
	if msg.Empty() {
		return transport.MessageRef{}, transport.ErrEmptyMessage
	}
	to := address(addr)
	ref := transport.MessageRef{Address: addr}

	parts := messageParts(msg)
	for i := max(msg.Skip, 0); i < len(parts); i++ {
		m, err := b.send(ctx, to, parts[i])
		if err != nil {
			if i > 0 {
				return ref, &transport.PartialError{Sent: i, Err: err}
			}
			return ref, err
		}
		if ref.MessageID == 0 && m != nil {
			ref.MessageID = m.ID
		}
	}
	return ref, nil
}

// messageParts lays msg out as the API calls that deliver it, in order.
func messageParts(msg transport.Message) []any {
	var parts []any
	caption := ""
	if msg.Attachment != nil && msg.Text != "" && runeLen(msg.Text) <= captionLimit {
		caption = msg.Text
	} else if msg.Text != "" {
		for _, chunk := range splitText(msg.Text, textLimit) {
			parts = append(parts, chunk)
		}
	}
	if att := msg.Attachment; att != nil {
		parts = append(parts, &tele.Document{
			File:     tele.FromReader(bytes.NewReader(att.Content)),
			FileName: att.Filename,
			Caption:  caption,
		})
	}
	return parts
}

func (b *Bot) send(ctx context.Context, to tele.Recipient, what any) (*tele.Message, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return b.bot.Send(to, what)
}

