// Package data is the Postgres layer: camera configuration rows read by
// workers at start, and the durable event records the sink inserts. Models
// speak raw SQL over a DBTX so call sites can hand in either *sql.DB or
// *sql.Tx.
package data

import (
	"context"
	"database/sql"
	"errors"
)

var ErrRecordNotFound = errors.New("record not found")

// DBTX is a common interface for *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}
