package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

const accountColumns = `id, name, bot_token, active, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(r rowScanner) (Account, error) {
	var (
		a       Account
		created string
	)
	if err := r.Scan(&a.ID, &a.Name, &a.BotToken, &a.Active, &created); err != nil {
		return Account{}, err
	}
	a.CreatedAt = parseTime(created)
	return a, nil
}

func (s *sqliteStore) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Account{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetAccount(ctx context.Context, id int64) (Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	return a, err
}

func (s *sqliteStore) FirstActiveAccount(ctx context.Context) (Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE active = 1 ORDER BY id LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	return a, err
}

func (s *sqliteStore) CreateAccount(ctx context.Context, a Account) (Account, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(name, bot_token, active, created_at) VALUES(?,?,?,?)`,
		a.Name, a.BotToken, a.Active, formatTime(a.CreatedAt),
	)
	if err != nil {
		return Account{}, classify(err)
	}
	if a.ID, err = res.LastInsertId(); err != nil {
		return Account{}, err
	}
	return a, nil
}

func (s *sqliteStore) UpdateAccount(ctx context.Context, id int64, p AccountPatch) (Account, error) {
	var (
		sets []string
		args []any
	)
	if p.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *p.Name)
	}
	if p.BotToken != nil {
		sets = append(sets, "bot_token = ?")
		args = append(args, *p.BotToken)
	}
	if p.Active != nil {
		sets = append(sets, "active = ?")
		args = append(args, *p.Active)
	}
	if len(sets) > 0 {
		args = append(args, id)
		res, err := s.db.ExecContext(ctx, `UPDATE accounts SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return Account{}, classify(err)
		}
		if err := affectedOrNotFound(res); err != nil {
			return Account{}, err
		}
	}
	return s.GetAccount(ctx, id)
}

func (s *sqliteStore) DeleteAccount(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

const contactSelect = `SELECT c.id, c.name, c.chat_id, c.account_id, COALESCE(a.name, ''), c.created_at
	FROM contacts c LEFT JOIN accounts a ON a.id = c.account_id`

func scanContact(r rowScanner) (Contact, error) {
	var (
		c       Contact
		created string
	)
	if err := r.Scan(&c.ID, &c.Name, &c.ChatID, &c.AccountID, &c.AccountName, &created); err != nil {
		return Contact{}, err
	}
	c.CreatedAt = parseTime(created)
	return c, nil
}

func (s *sqliteStore) queryContacts(ctx context.Context, q string, args ...any) ([]Contact, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Contact{}
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListContacts lists contacts of one account, or of all accounts when accountID is 0.
func (s *sqliteStore) ListContacts(ctx context.Context, accountID int64) ([]Contact, error) {
	if accountID > 0 {
		return s.queryContacts(ctx, contactSelect+` WHERE c.account_id = ? ORDER BY c.created_at DESC, c.id DESC`, accountID)
	}
	return s.queryContacts(ctx, contactSelect+` ORDER BY c.created_at DESC, c.id DESC`)
}

func (s *sqliteStore) GetContact(ctx context.Context, id int64) (Contact, error) {
	c, err := scanContact(s.db.QueryRowContext(ctx, contactSelect+` WHERE c.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Contact{}, ErrNotFound
	}
	return c, err
}

// ContactsByIDs returns the contacts of accountID among ids, ordered by id.
// Unknown ids and contacts of other accounts are skipped.
func (s *sqliteStore) ContactsByIDs(ctx context.Context, accountID int64, ids []int64) ([]Contact, error) {
	if len(ids) == 0 {
		return []Contact{}, nil
	}
	args := make([]any, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, accountID)
	return s.queryContacts(ctx,
		contactSelect+` WHERE c.id IN (`+placeholders(len(ids))+`) AND c.account_id = ? ORDER BY c.id`,
		args...,
	)
}

func (s *sqliteStore) CreateContact(ctx context.Context, c Contact) (Contact, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts(name, chat_id, account_id, created_at) VALUES(?,?,?,?)`,
		c.Name, c.ChatID, c.AccountID, formatTime(c.CreatedAt),
	)
	if err != nil {
		return Contact{}, classify(err)
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return Contact{}, err
	}
	return c, nil
}

func (s *sqliteStore) UpdateContact(ctx context.Context, id int64, p ContactPatch) (Contact, error) {
	var (
		sets []string
		args []any
	)
	if p.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *p.Name)
	}
	if p.ChatID != nil {
		sets = append(sets, "chat_id = ?")
		args = append(args, *p.ChatID)
	}
	if p.AccountID != nil {
		sets = append(sets, "account_id = ?")
		args = append(args, *p.AccountID)
	}
	if len(sets) > 0 {
		args = append(args, id)
		res, err := s.db.ExecContext(ctx, `UPDATE contacts SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return Contact{}, classify(err)
		}
		if err := affectedOrNotFound(res); err != nil {
			return Contact{}, err
		}
	}
	return s.GetContact(ctx, id)
}

func (s *sqliteStore) DeleteContact(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM contacts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}
