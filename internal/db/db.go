// Package db is a thin, hand-written repository layer in the shape of the
// sqlc-generated package every query in the teacher repo is written against
// (db.DBTX / db.Queries / db.New). The teacher's own internal/db package is
// generated by sqlc from SQL files and was excluded from the retrieval pack
// (code generation cannot run in this environment), so this package
// hand-writes the same narrow surface directly against pgx — the one place
// in this repo where hand-written SQL stands in for a generated layer,
// not a library choice.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, so Queries can run
// either directly against the pool or inside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries wraps a DBTX with MUTT's hand-written query methods.
type Queries struct {
	db DBTX
}

// New creates a Queries bound to db (a pool, a connection, or a transaction).
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns a new Queries bound to the given transaction, letting a
// caller run several queries atomically with the same method set.
func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

var (
	_ DBTX = (*pgxpool.Pool)(nil)
	_ DBTX = (pgx.Tx)(nil)
)
