package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/koustreak/shopdb/internal/errs"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// --- error mapping ---

// mapPostgresError translates pgx / pgconn native errors into *errs.Error.
func mapPostgresError(err error, msg string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.ErrKindConnection, msg+": timed out", err)
	}

	// Postgres server-side error (SQLSTATE codes)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		kind := errs.ErrKindQuery
		// Class 08 is connection exceptions, class 28 invalid authorization
		if len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "28") {
			kind = errs.ErrKindConnection
		}
		return errs.Wrap(kind, fmt.Sprintf("%s: %s", msg, pgErr.Message), err)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return errs.Wrap(errs.ErrKindConnection, msg, err)
	}

	return errs.Wrap(errs.ErrKindQuery, msg, err)
}

// mapSQLiteError translates modernc sqlite errors into *errs.Error.
func mapSQLiteError(err error, msg string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.ErrKindConnection, msg+": timed out", err)
	}

	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		// Extended result codes carry the primary code in the low byte.
		switch sqlErr.Code() & 0xff {
		case sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_PERM, sqlite3.SQLITE_AUTH:
			return errs.Wrap(errs.ErrKindConnection, msg, err)
		}
	}

	return errs.Wrap(errs.ErrKindQuery, msg, err)
}
