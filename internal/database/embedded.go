package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/koustreak/shopdb/internal/errs"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// sqlitePragmas are applied to every pooled connection through the DSN.
const sqlitePragmas = "_pragma=foreign_keys(1)" +
	"&_pragma=busy_timeout(5000)" +
	"&_pragma=journal_mode(WAL)" +
	"&_pragma=synchronous(NORMAL)"

// EmbeddedPool is the SQLite variant of Pool, backed by database/sql.
// It is safe for concurrent use by multiple goroutines.
type EmbeddedPool struct {
	db   *sql.DB
	path string
}

// OpenEmbedded opens (creating if missing) the SQLite file at path and
// returns a pool tuned by cfg. It pings before returning and closes the
// pool if the ping fails.
func OpenEmbedded(ctx context.Context, path string, cfg Config) (*EmbeddedPool, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.Wrap(errs.ErrKindIO, fmt.Sprintf("failed to create directory %s", dir), err)
		}
	}

	db, err := sql.Open("sqlite", path+"?"+sqlitePragmas)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindConnection, "invalid sqlite path", err)
	}

	db.SetMaxOpenConns(int(withDefault(cfg.MaxConnections, DefaultMaxConnections)))
	db.SetMaxIdleConns(int(withDefault(cfg.MinConnections, DefaultMinConnections)))
	db.SetConnMaxIdleTime(cfg.IdleTimeout)

	p := &EmbeddedPool{db: db, path: path}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout(cfg))
	defer cancel()

	if err := p.Ping(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return p, nil
}

// Path returns the database file this pool is bound to.
func (p *EmbeddedPool) Path() string { return p.path }

// DB exposes the underlying *sql.DB for repositories built on database/sql.
func (p *EmbeddedPool) DB() *sql.DB { return p.db }

// --- Pool implementation ---

func (p *EmbeddedPool) Engine() Engine { return EngineEmbedded }

func (p *EmbeddedPool) sealed() {}

func (p *EmbeddedPool) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return errs.Wrap(errs.ErrKindConnection, fmt.Sprintf("failed to open %s", p.path), err)
	}
	return nil
}

func (p *EmbeddedPool) Close() {
	_ = p.db.Close()
}

func (p *EmbeddedPool) Exec(ctx context.Context, query string, args ...any) error {
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return mapSQLiteError(err, "exec failed")
	}
	return nil
}

func (p *EmbeddedPool) QueryRow(ctx context.Context, query string, args ...any) Row {
	return p.db.QueryRowContext(ctx, query, args...)
}

func (p *EmbeddedPool) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapSQLiteError(err, "failed to begin transaction")
	}
	return &sqlTx{tx: tx}, nil
}

// sqlTx wraps *sql.Tx to satisfy Tx.
type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Exec(ctx context.Context, query string, args ...any) error {
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return mapSQLiteError(err, "exec failed")
	}
	return nil
}

func (t *sqlTx) QueryRow(ctx context.Context, query string, args ...any) Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

func (t *sqlTx) Commit(_ context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return mapSQLiteError(err, "failed to commit transaction")
	}
	return nil
}

func (t *sqlTx) Rollback(_ context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return mapSQLiteError(err, "failed to roll back transaction")
	}
	return nil
}

// --- helpers ---

// withDefault returns val if non-zero, otherwise returns def
func withDefault(val, def uint32) uint32 {
	if val == 0 {
		return def
	}
	return val
}

func connectTimeout(cfg Config) time.Duration {
	if cfg.ConnectTimeout <= 0 {
		return DefaultConnectTimeout
	}
	return cfg.ConnectTimeout
}
