// Package migrate brings one database, addressed by an open pool, to the
// version declared by a migration script.
//
// A script is plain SQL. An optional "-- Version: <n>" line declares the
// target version (default 1); statements are separated by ';' outside
// single-quoted strings. Each database tracks its version in a single-row
// _migrations table, so running the same script twice is a no-op.
//
// Usage:
//
//	m := migrate.New(migrate.WithLogger(log))
//	res, err := m.Run(ctx, pool, migrate.RegistrySchema, "registry")
//	if errs.IsMigration(err) {
//	    var stmtErr *migrate.StatementError
//	    errors.As(err, &stmtErr) // index, text and state of the failed statement
//	}
package migrate

import (
	"context"
	"fmt"
	"time"

	"github.com/koustreak/shopdb/internal/database"
	"github.com/koustreak/shopdb/internal/errs"
	"github.com/koustreak/shopdb/internal/keylock"
	"github.com/koustreak/shopdb/internal/logger"
)

const previewRunes = 80

// Result describes one Run.
type Result struct {
	Database    string
	FromVersion int
	ToVersion   int
	Statements  int  // statements executed by this run
	Applied     bool // false when the database was already current
	Duration    time.Duration
}

// Migrator runs migration scripts. Runs against the same database name are
// serialized within the process; different databases migrate concurrently.
type Migrator struct {
	log   *logger.Logger
	locks *keylock.Map
}

// Option configures a Migrator.
type Option func(*Migrator)

// WithLogger sets the logger used for progress and statement logs.
func WithLogger(l *logger.Logger) Option {
	return func(m *Migrator) { m.log = l }
}

// New returns a Migrator.
func New(opts ...Option) *Migrator {
	m := &Migrator{
		log:   logger.Nop(),
		locks: keylock.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run migrates the database behind pool to the version declared by script.
// name identifies the database in logs and errors ("registry", "shop_t1").
//
// By default the statements and the version bump share one transaction, so
// a failure leaves the database untouched. Scripts marked
// "-- Transaction: none" run statement by statement; a failure there reports
// StatePartiallyApplied if earlier statements already ran.
func (m *Migrator) Run(ctx context.Context, pool database.Pool, script, name string) (Result, error) {
	unlock := m.locks.Lock(name)
	defer unlock()

	d, err := dialectFor(pool.Engine())
	if err != nil {
		return Result{}, err
	}

	if err := ensureTrackingTable(ctx, pool, d); err != nil {
		return Result{}, err
	}

	current, err := readVersion(ctx, pool, d.selectVersion)
	if err != nil {
		return Result{}, err
	}

	target := ParseVersion(script)
	res := Result{Database: name, FromVersion: current, ToVersion: current}
	log := m.log.With().Str("database", name).Logger()

	if current >= target {
		log.Debugf("already at version %d (target: %d)", current, target)
		return res, nil
	}

	stmts := SplitStatements(script)
	log.Infof("migrating from version %d to %d (%d statements)", current, target, len(stmts))

	started := time.Now()
	if Transactional(script) {
		err = m.applyInTx(ctx, pool, d, stmts, target, &res, log)
	} else {
		err = m.applyDirect(ctx, pool, d, stmts, target, &res, log)
	}
	res.Duration = time.Since(started)
	if err != nil {
		return res, err
	}

	if res.Applied {
		log.Infof("migrated to version %d in %s", res.ToVersion, res.Duration)
	}
	return res, nil
}

// Version returns the tracked version of the database behind pool, or 0 if
// it has never been migrated.
func (m *Migrator) Version(ctx context.Context, pool database.Pool) (int, error) {
	d, err := dialectFor(pool.Engine())
	if err != nil {
		return 0, err
	}
	if err := ensureTrackingTable(ctx, pool, d); err != nil {
		return 0, err
	}
	return readVersion(ctx, pool, d.selectVersion)
}

func (m *Migrator) applyInTx(
	ctx context.Context,
	pool database.Pool,
	d dialect,
	stmts []string,
	target int,
	res *Result,
	log *logger.Logger,
) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return errs.WithContext(fmt.Sprintf("failed to start migration for '%s'", res.Database), err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Another process may have migrated since the first read.
	current, err := readVersion(ctx, tx, d.lockVersion)
	if err != nil {
		return err
	}
	if current >= target {
		res.FromVersion, res.ToVersion = current, current
		log.Debugf("migrated concurrently to version %d", current)
		return nil
	}

	for i, stmt := range stmts {
		m.logStatement(log, i, stmt)
		if err := tx.Exec(ctx, stmt); err != nil {
			return m.statementFailed(log, res.Database, i, stmt, StatePending, err)
		}
		res.Statements++
	}

	if err := tx.Exec(ctx, d.updateVersion, target); err != nil {
		return errs.WithContext(fmt.Sprintf("failed to record version %d for '%s'", target, res.Database), err)
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.WithContext(fmt.Sprintf("failed to commit migration for '%s'", res.Database), err)
	}

	res.ToVersion = target
	res.Applied = true
	return nil
}

func (m *Migrator) applyDirect(
	ctx context.Context,
	pool database.Pool,
	d dialect,
	stmts []string,
	target int,
	res *Result,
	log *logger.Logger,
) error {
	log.Warn("script opts out of transactions; a failure may leave the database partially migrated")

	for i, stmt := range stmts {
		m.logStatement(log, i, stmt)
		if err := pool.Exec(ctx, stmt); err != nil {
			state := StatePending
			if i > 0 {
				state = StatePartiallyApplied
			}
			return m.statementFailed(log, res.Database, i, stmt, state, err)
		}
		res.Statements++
	}

	if err := pool.Exec(ctx, d.updateVersion, target); err != nil {
		stmtErr := &StatementError{
			Database:  res.Database,
			Index:     len(stmts) + 1,
			Statement: d.updateVersion,
			State:     StatePartiallyApplied,
			Cause:     err,
		}
		return errs.Wrap(errs.ErrKindMigration,
			fmt.Sprintf("failed to record version %d for '%s'", target, res.Database), stmtErr)
	}

	res.ToVersion = target
	res.Applied = true
	return nil
}

func (m *Migrator) logStatement(log *logger.Logger, i int, stmt string) {
	log.With().
		Int("statement", i+1).
		Int("chars", len(stmt)).
		Str("preview", preview(stmt, previewRunes)).
		Logger().
		Debug("executing migration statement")
}

func (m *Migrator) statementFailed(log *logger.Logger, name string, i int, stmt string, state State, cause error) error {
	stmtErr := &StatementError{
		Database:  name,
		Index:     i + 1,
		Statement: stmt,
		State:     state,
		Cause:     cause,
	}
	log.ErrorWith("migration statement failed", cause, map[string]interface{}{
		"statement": i + 1,
		"state":     string(state),
		"sql":       stmt,
	})
	return errs.Wrap(errs.ErrKindMigration, fmt.Sprintf("failed to execute migration for '%s'", name), stmtErr)
}

// --- tracking table ---

func ensureTrackingTable(ctx context.Context, ex database.Executor, d dialect) error {
	if err := ex.Exec(ctx, d.createTable); err != nil {
		return errs.WithContext("failed to create _migrations table", err)
	}
	if err := ex.Exec(ctx, d.seedRow); err != nil {
		return errs.WithContext("failed to seed _migrations row", err)
	}
	return nil
}

func readVersion(ctx context.Context, ex database.Executor, query string) (int, error) {
	var v int
	if err := ex.QueryRow(ctx, query).Scan(&v); err != nil {
		if database.IsNoRows(err) {
			return 0, nil
		}
		return 0, errs.Wrap(errs.ErrKindQuery, "failed to read migration version", err)
	}
	return v, nil
}
