package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "courier/pkg/logx"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const defaultBusyTimeout = 5 * time.Second

// timeLayout is fixed width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Pragmas and ":memory:" databases are per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	st := &sqliteStore{db: db, log: log, now: time.Now}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutVerificationCode(ctx context.Context, c VerificationCode) error {
	if c.PhoneKey == "" {
		return errors.New("verification code without phone key")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO verification_codes(phone_key, code, expires_at, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(phone_key) DO UPDATE SET code=excluded.code, expires_at=excluded.expires_at, created_at=excluded.created_at`,
		c.PhoneKey, c.Code, c.ExpiresAt.UnixMilli(), formatTime(c.CreatedAt),
	)
	return err
}

func (s *sqliteStore) GetVerificationCode(ctx context.Context, phoneKey string) (VerificationCode, error) {
	var (
		c       VerificationCode
		expires int64
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT phone_key, code, expires_at, created_at FROM verification_codes WHERE phone_key = ?`, phoneKey,
	).Scan(&c.PhoneKey, &c.Code, &expires, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return VerificationCode{}, ErrNotFound
	}
	if err != nil {
		return VerificationCode{}, err
	}
	c.ExpiresAt = time.UnixMilli(expires)
	c.CreatedAt = parseTime(created)
	return c, nil
}

func (s *sqliteStore) DeleteVerificationCode(ctx context.Context, phoneKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM verification_codes WHERE phone_key = ?`, phoneKey)
	return err
}

func (s *sqliteStore) PruneVerificationCodes(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM verification_codes WHERE expires_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, action, target, ok, fail, err, took_ms) VALUES(?,?,?,?,?,?,?,?)`,
		formatTime(e.At), nullStr(e.Actor), e.Action, nullStr(e.Target), e.OK, e.Fail, nullStr(e.Error), e.TookMS,
	)
	return err
}

// classify maps constraint violations onto the package's error kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return fmt.Errorf("%w: %s", ErrConflict, se.Error())
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		return fmt.Errorf("%w: referenced record", ErrNotFound)
	}
	if se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		if strings.Contains(se.Error(), "FOREIGN KEY") {
			return fmt.Errorf("%w: referenced record", ErrNotFound)
		}
		return fmt.Errorf("%w: %s", ErrConflict, se.Error())
	}
	return err
}

func affectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
