package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// RecordMessages inserts msgs in one transaction.
func (s *sqliteStore) RecordMessages(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages(account_id, contact_id, text, file_id, file_name, status, error, sent_at, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := s.now()
	for i, m := range msgs {
		status := m.Status
		if status == "" {
			status = StatusPending
		}
		created := m.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := stmt.ExecContext(ctx,
			m.AccountID, m.ContactID, nullStr(m.Text), nullStr(m.FileID), nullStr(m.FileName),
			string(status), nullStr(m.Error), nullTime(m.SentAt), formatTime(created),
		); err != nil {
			return fmt.Errorf("message %d: %w", i, classify(err))
		}
	}
	return tx.Commit()
}

// ListMessages returns history newest first.
func (s *sqliteStore) ListMessages(ctx context.Context, f MessageFilter) ([]Message, error) {
	var (
		where []string
		args  []any
	)
	if f.AccountID > 0 {
		where = append(where, "m.account_id = ?")
		args = append(args, f.AccountID)
	}
	if f.ContactID > 0 {
		where = append(where, "m.contact_id = ?")
		args = append(args, f.ContactID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	if limit > MaxMessageLimit {
		limit = MaxMessageLimit
	}

	q := `SELECT m.id, m.account_id, m.contact_id, COALESCE(m.text, ''), COALESCE(m.file_id, ''),
		COALESCE(m.file_name, ''), m.status, COALESCE(m.error, ''), m.sent_at, m.created_at,
		COALESCE(a.name, ''), COALESCE(c.name, ''), COALESCE(c.chat_id, '')
		FROM messages m
		LEFT JOIN accounts a ON a.id = m.account_id
		LEFT JOIN contacts c ON c.id = m.contact_id`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY m.created_at DESC, m.id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		var (
			m       Message
			status  string
			sentAt  sql.NullString
			created string
		)
		if err := rows.Scan(&m.ID, &m.AccountID, &m.ContactID, &m.Text, &m.FileID, &m.FileName,
			&status, &m.Error, &sentAt, &created, &m.AccountName, &m.ContactName, &m.ChatID); err != nil {
			return nil, err
		}
		m.Status = MessageStatus(status)
		m.CreatedAt = parseTime(created)
		if sentAt.Valid {
			t := parseTime(sentAt.String)
			m.SentAt = &t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteMessage(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// MessageStats counts history rows by status, for one account or all when accountID is 0.
func (s *sqliteStore) MessageStats(ctx context.Context, accountID int64) (MessageStats, error) {
	q := `SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0)
		FROM messages`
	var args []any
	if accountID > 0 {
		q += " WHERE account_id = ?"
		args = append(args, accountID)
	}
	var st MessageStats
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&st.Total, &st.Successful, &st.Failed, &st.Pending)
	return st, err
}
