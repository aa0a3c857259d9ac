package migrate

import (
	"fmt"
	"strings"
)

// State is how far a failed or finished migration got.
type State string

const (
	// StatePending: nothing from the script is in the database.
	StatePending State = "pending"

	// StatePartiallyApplied: some statements ran but the version was not
	// bumped. Only reachable for scripts that opt out of the transaction.
	StatePartiallyApplied State = "partially-applied"

	// StateApplied: the database is at the script's version.
	StateApplied State = "applied"
)

// StatementError describes the statement that stopped a migration.
// It is the cause of the errs.ErrKindMigration error returned by Run.
type StatementError struct {
	Database  string
	Index     int // 1-based position in the split script
	Statement string
	State     State
	Cause     error
}

func (e *StatementError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "statement %d on %q failed, database is %s", e.Index, e.Database, e.State)
	if e.State == StatePartiallyApplied {
		b.WriteString(" (statements before it were applied; repair manually before retrying)")
	}
	fmt.Fprintf(&b, ": %v\n%s", e.Cause, e.Statement)
	return b.String()
}

func (e *StatementError) Unwrap() error {
	return e.Cause
}
