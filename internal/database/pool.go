package database

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/koustreak/shopdb/internal/errs"
)

// Row is an abstraction over a single database row.
type Row interface {
	Scan(dest ...any) error
}

// Executor runs statements against a pool or inside a transaction.
type Executor interface {
	// Exec executes a statement that returns no rows.
	Exec(ctx context.Context, query string, args ...any) error

	// QueryRow executes a statement that returns at most one row.
	QueryRow(ctx context.Context, query string, args ...any) Row
}

// Tx is a transaction opened from a Pool.
type Tx interface {
	Executor
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Pool is a live connection pool to one shop database.
//
// It is a closed sum type: *EmbeddedPool and *ClientServerPool are the only
// implementations. Use AsEmbedded / AsClientServer to narrow it.
type Pool interface {
	Executor

	// Engine reports which variant this pool is.
	Engine() Engine

	// Begin opens a transaction on one pooled connection.
	Begin(ctx context.Context) (Tx, error)

	// Ping verifies the database is reachable.
	Ping(ctx context.Context) error

	// Close releases every connection. Closing twice is a no-op.
	Close()

	sealed()
}

// AsEmbedded narrows p to the SQLite variant.
func AsEmbedded(p Pool) (*EmbeddedPool, error) {
	if ep, ok := p.(*EmbeddedPool); ok {
		return ep, nil
	}
	return nil, errs.Newf(errs.ErrKindInvalidConfig, "expected sqlite pool but got %s pool", engineOf(p))
}

// AsClientServer narrows p to the PostgreSQL variant.
func AsClientServer(p Pool) (*ClientServerPool, error) {
	if cp, ok := p.(*ClientServerPool); ok {
		return cp, nil
	}
	return nil, errs.Newf(errs.ErrKindInvalidConfig, "expected postgres pool but got %s pool", engineOf(p))
}

func engineOf(p Pool) string {
	if p == nil {
		return "nil"
	}
	return p.Engine().String()
}

// IsNoRows reports whether err is the "no rows" sentinel of either engine.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}
