package database

import (
	"context"
	"errors"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/koustreak/shopdb/internal/errs"
)

// ClientServerPool is the PostgreSQL variant of Pool, backed by pgxpool.
// It is safe for concurrent use by multiple goroutines.
type ClientServerPool struct {
	pool *pgxpool.Pool
}

// OpenClientServer connects to PostgreSQL using cfg.ConnectionString.
// It calls Ping to validate the connection before returning.
func OpenClientServer(ctx context.Context, cfg Config) (*ClientServerPool, error) {
	if cfg.ConnectionString == nil || *cfg.ConnectionString == "" {
		return nil, errs.New(errs.ErrKindInvalidConfig, "postgres requires a connection_string")
	}

	poolCfg, err := pgxpool.ParseConfig(*cfg.ConnectionString)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindConnection, "invalid postgres connection string", err)
	}

	poolCfg.MaxConns = toInt32(withDefault(cfg.MaxConnections, DefaultMaxConnections))
	poolCfg.MinConns = toInt32(cfg.MinConnections)
	poolCfg.MaxConnIdleTime = cfg.IdleTimeout
	poolCfg.ConnConfig.ConnectTimeout = connectTimeout(cfg)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindConnection, "failed to create postgres pool", err)
	}

	p := WrapClientServer(pool)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout(cfg))
	defer cancel()

	if err := p.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}

	return p, nil
}

// WrapClientServer adopts a pgxpool built by the caller without pinging it.
// Closing the returned pool closes pool.
func WrapClientServer(pool *pgxpool.Pool) *ClientServerPool {
	return &ClientServerPool{pool: pool}
}

// Pgx exposes the underlying pgxpool for repositories built on pgx.
func (p *ClientServerPool) Pgx() *pgxpool.Pool { return p.pool }

// --- Pool implementation ---

func (p *ClientServerPool) Engine() Engine { return EngineClientServer }

func (p *ClientServerPool) sealed() {}

// Ping verifies the server is reachable by acquiring and releasing a connection.
func (p *ClientServerPool) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return errs.Wrap(errs.ErrKindConnection, "postgres connection test failed", err)
	}
	return nil
}

// Close drains the pool. pgxpool makes repeated calls a no-op.
func (p *ClientServerPool) Close() {
	p.pool.Close()
}

func (p *ClientServerPool) Exec(ctx context.Context, query string, args ...any) error {
	if _, err := p.pool.Exec(ctx, query, args...); err != nil {
		return mapPostgresError(err, "exec failed")
	}
	return nil
}

func (p *ClientServerPool) QueryRow(ctx context.Context, query string, args ...any) Row {
	return p.pool.QueryRow(ctx, query, args...)
}

func (p *ClientServerPool) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, mapPostgresError(err, "failed to begin transaction")
	}
	return &pgTx{tx: tx}, nil
}

// pgTx wraps pgx.Tx to satisfy Tx.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Exec(ctx context.Context, query string, args ...any) error {
	if _, err := t.tx.Exec(ctx, query, args...); err != nil {
		return mapPostgresError(err, "exec failed")
	}
	return nil
}

func (t *pgTx) QueryRow(ctx context.Context, query string, args ...any) Row {
	return t.tx.QueryRow(ctx, query, args...)
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return mapPostgresError(err, "failed to commit transaction")
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return mapPostgresError(err, "failed to roll back transaction")
	}
	return nil
}

func toInt32(v uint32) int32 {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(v)
}
