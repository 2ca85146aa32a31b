package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "courier/pkg/logx"
)

// Store is the persistence API used by the HTTP layer and services.
type Store interface {
	ListAccounts(ctx context.Context) ([]Account, error)
	GetAccount(ctx context.Context, id int64) (Account, error)
	FirstActiveAccount(ctx context.Context) (Account, error)
	CreateAccount(ctx context.Context, a Account) (Account, error)
	UpdateAccount(ctx context.Context, id int64, p AccountPatch) (Account, error)
	DeleteAccount(ctx context.Context, id int64) error

	ListContacts(ctx context.Context, accountID int64) ([]Contact, error)
	GetContact(ctx context.Context, id int64) (Contact, error)
	ContactsByIDs(ctx context.Context, accountID int64, ids []int64) ([]Contact, error)
	CreateContact(ctx context.Context, c Contact) (Contact, error)
	UpdateContact(ctx context.Context, id int64, p ContactPatch) (Contact, error)
	DeleteContact(ctx context.Context, id int64) error

	RecordMessages(ctx context.Context, msgs []Message) error
	ListMessages(ctx context.Context, f MessageFilter) ([]Message, error)
	DeleteMessage(ctx context.Context, id int64) error
	MessageStats(ctx context.Context, accountID int64) (MessageStats, error)

	PutVerificationCode(ctx context.Context, c VerificationCode) error
	GetVerificationCode(ctx context.Context, phoneKey string) (VerificationCode, error)
	DeleteVerificationCode(ctx context.Context, phoneKey string) error
	PruneVerificationCodes(ctx context.Context, before time.Time) (int64, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		st, err := openSQLite(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
