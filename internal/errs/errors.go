// Package errs provides the unified error type used across shopdb.
//
// Every subsystem (database drivers, pool manager, migrator, provisioning)
// wraps its native errors into *errs.Error before returning them to callers.
// Callers use the Is* predicates to handle errors without importing
// driver-specific packages.
//
// Usage:
//
//	// In a driver, wrap native errors:
//	return errs.Wrap(errs.ErrKindConnection, "failed to open shop database", err)
//
//	// In a handler, check error kind:
//	if errs.IsNotFound(err) {
//	    http.Error(w, "not found", http.StatusNotFound)
//	}
package errs

import (
	"errors"
	"fmt"
)

// ErrKind categorises an error without exposing engine-specific codes.
type ErrKind int

const (
	ErrKindUnknown       ErrKind = iota
	ErrKindConnection            // pool or engine could not be reached or opened
	ErrKindMigration             // a migration statement failed
	ErrKindNotFound              // tenant record missing or soft-deleted
	ErrKindInvalidConfig         // engine/config mismatch or unparsable config
	ErrKindQuery                 // statement failure outside a migration
	ErrKindIO                    // filesystem failure
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindConnection:
		return "connection"
	case ErrKindMigration:
		return "migration"
	case ErrKindNotFound:
		return "not_found"
	case ErrKindInvalidConfig:
		return "invalid_config"
	case ErrKindQuery:
		return "query"
	case ErrKindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by all shopdb subsystems.
type Error struct {
	Kind    ErrKind
	Message string
	Cause   error // original error, preserved for logging
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is / errors.As to traverse the cause chain.
func (e *Error) Unwrap() error {
	return e.Cause
}

// --- Constructors ---

// New creates an *Error with the given kind and message and no cause.
func New(kind ErrKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf is New with a format string.
func Newf(kind ErrKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error with the given kind, message, and an underlying cause.
func Wrap(kind ErrKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// WithContext wraps cause with an extra message while keeping its kind,
// so callers higher up still see e.g. NotFound after the orchestrator adds
// "failed to fetch shop configuration".
func WithContext(msg string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: KindOf(cause), Message: msg, Cause: cause}
}

// --- Predicates ---

// IsConnection reports whether err is a connectivity or open failure.
func IsConnection(err error) bool {
	return KindOf(err) == ErrKindConnection
}

// IsMigration reports whether err is a failed migration statement.
func IsMigration(err error) bool {
	return KindOf(err) == ErrKindMigration
}

// IsNotFound reports whether err represents a missing tenant record.
func IsNotFound(err error) bool {
	return KindOf(err) == ErrKindNotFound
}

// IsInvalidConfig reports whether err was caused by an engine or
// configuration mismatch.
func IsInvalidConfig(err error) bool {
	return KindOf(err) == ErrKindInvalidConfig
}

// IsQuery reports whether err is a statement failure outside a migration.
func IsQuery(err error) bool {
	return KindOf(err) == ErrKindQuery
}

// IsIO reports whether err is a filesystem failure.
func IsIO(err error) bool {
	return KindOf(err) == ErrKindIO
}

// KindOf extracts the ErrKind of the outermost *Error in the chain.
func KindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrKindUnknown
}
