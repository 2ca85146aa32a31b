package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file, ":memory:" for an ephemeral store
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type Account struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	BotToken  string    `json:"bot_token"`
	Active    bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// AccountPatch carries a partial update; nil fields are left unchanged.
type AccountPatch struct {
	Name     *string `json:"name,omitempty"`
	BotToken *string `json:"bot_token,omitempty"`
	Active   *bool   `json:"is_active,omitempty"`
}

func (p AccountPatch) Empty() bool {
	return p.Name == nil && p.BotToken == nil && p.Active == nil
}

type Contact struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	ChatID      string    `json:"chat_id"`
	AccountID   int64     `json:"account_id"`
	AccountName string    `json:"account_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type ContactPatch struct {
	Name      *string `json:"name,omitempty"`
	ChatID    *string `json:"chat_id,omitempty"`
	AccountID *int64  `json:"account_id,omitempty"`
}

func (p ContactPatch) Empty() bool {
	return p.Name == nil && p.ChatID == nil && p.AccountID == nil
}

type MessageStatus string

const (
	StatusPending MessageStatus = "pending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

type Message struct {
	ID          int64         `json:"id"`
	AccountID   int64         `json:"account_id"`
	ContactID   int64         `json:"contact_id"`
	Text        string        `json:"message_text,omitempty"`
	FileID      string        `json:"file_id,omitempty"`
	FileName    string        `json:"file_name,omitempty"`
	Status      MessageStatus `json:"status"`
	Error       string        `json:"error,omitempty"`
	SentAt      *time.Time    `json:"sent_at"`
	CreatedAt   time.Time     `json:"created_at"`
	AccountName string        `json:"account_name,omitempty"`
	ContactName string        `json:"contact_name,omitempty"`
	ChatID      string        `json:"chat_id,omitempty"`
}

// MessageFilter selects history rows. Zero fields do not filter.
type MessageFilter struct {
	AccountID int64
	ContactID int64
	Limit     int
}

const (
	DefaultMessageLimit = 100
	MaxMessageLimit     = 1000
)

type MessageStats struct {
	Total      int64 `json:"total_messages"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
	Pending    int64 `json:"pending"`
}

// VerificationCode is keyed by the phone's hash; raw numbers are not stored.
type VerificationCode struct {
	PhoneKey  string
	Code      string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// AuditEntry records an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At     time.Time
	Actor  string
	Action string
	Target string
	OK     int
	Fail   int
	Error  string
	TookMS int64
}
