package internal

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the engines use. pgxmock satisfies it
// for unit tests.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, batch *pgx.Batch) pgx.BatchResults
	Begin(ctx context.Context) (pgx.Tx, error)
}

// UnitResolver supplies the measurement unit for a form attribute while
// the parallel units tree is assembled. Unit declarations may be literal
// or templated on a sibling field; row holds the values assembled so far
// and parent the enclosing form row, where template keys are looked up.
type UnitResolver interface {
	ResolveUnit(attribute string, row map[string]any, parent map[string]any) any
}
