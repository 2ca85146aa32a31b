package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidToken is returned by Factory.Open when the messenger API
	// rejects the bot token or cannot be reached to verify it.
	ErrInvalidToken = errors.New("invalid bot token")
	ErrEmptyMessage = errors.New("message has neither text nor attachment")
)

// Attachment is a file payload shared read-only by every send of a job.
type Attachment struct {
	Filename string
	Content  []byte
	// Hash is the hex sha256 of Content.
	Hash string
}

type Message struct {
	Text       string
	Attachment *Attachment
	// Skip is the number of leading parts already delivered by an earlier
	// attempt. See PartialError.
	Skip int
}

func (m Message) Empty() bool { return m.Text == "" && m.Attachment == nil }

// PartialError is returned when a message that goes out as several parts
// (split text, text then document) stopped after Sent parts were delivered.
// Retrying with Message.Skip = Sent resumes without repeating them.
type PartialError struct {
	Sent int
	Err  error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("delivered %d part(s) before failing: %v", e.Sent, e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

type MessageRef struct {
	Address   string
	MessageID int
}

// BotInfo describes the account behind a token.
type BotInfo struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// Messenger delivers one message to one address.
// Implementations bound every call by their own timeout.
type Messenger interface {
	SendMessage(ctx context.Context, address string, msg Message) (MessageRef, error)
	Info() BotInfo
}

// Factory opens a Messenger for a bot token, validating it against the API.
type Factory interface {
	Open(ctx context.Context, token string) (Messenger, error)
}
