// Package storage persists accounts, contacts, message history,
// verification codes and the operator audit log.
//
// The only backend is SQLite (modernc.org/sqlite, no cgo). The schema is
// embedded and applied idempotently on open.
package storage
