package migrate

import (
	"strconv"
	"strings"
)

// DefaultVersion is the target version of a script without a version header.
const DefaultVersion = 1

const (
	versionDirective     = "-- Version:"
	transactionDirective = "-- Transaction:"
	lineComment          = "--"
)

// ParseVersion returns the target version declared by the first
// "-- Version: <n>" line of script, or DefaultVersion when there is none.
// Lines whose value is not a positive integer are not a match.
func ParseVersion(script string) int {
	for _, line := range strings.Split(script, "\n") {
		value, ok := directive(line, versionDirective)
		if !ok {
			continue
		}
		if v, err := strconv.Atoi(value); err == nil && v > 0 {
			return v
		}
	}
	return DefaultVersion
}

// Transactional reports whether script should run inside one transaction.
// A "-- Transaction: none" line opts out, for statements the engine refuses
// to run in a transaction block.
func Transactional(script string) bool {
	for _, line := range strings.Split(script, "\n") {
		if value, ok := directive(line, transactionDirective); ok {
			return !strings.EqualFold(value, "none")
		}
	}
	return true
}

func directive(line, prefix string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, prefix) {
		return "", false
	}
	return strings.TrimSpace(trimmed[len(prefix):]), true
}

// SplitStatements splits script into executable statements.
//
// The scan is byte-wise. A ';' ends a statement only outside single-quoted
// strings; inside a string, '' is an escaped quote and does not close it.
// Line comments outside strings are skipped by the scanner so an apostrophe
// in a comment cannot open a string. Leading blank and comment-only lines
// are stripped from every statement, and fragments that are empty or only
// comments are dropped.
func SplitStatements(script string) []string {
	var (
		stmts    []string
		start    int
		inString bool
	)

	for i := 0; i < len(script); i++ {
		b := script[i]

		switch {
		case inString:
			if b == '\'' {
				if i+1 < len(script) && script[i+1] == '\'' {
					i++ // escaped quote, skip both
				} else {
					inString = false
				}
			}
		case b == '\'':
			inString = true
		case b == '-' && i+1 < len(script) && script[i+1] == '-':
			// Jump to the newline; the loop increment steps past it.
			if nl := strings.IndexByte(script[i:], '\n'); nl >= 0 {
				i += nl
			} else {
				i = len(script)
			}
		case b == ';':
			stmts = appendStatement(stmts, script[start:i])
			start = i + 1
		}
	}

	if start < len(script) {
		stmts = appendStatement(stmts, script[start:])
	}
	return stmts
}

func appendStatement(stmts []string, fragment string) []string {
	if stmt := stripLeadingComments(fragment); stmt != "" {
		stmts = append(stmts, stmt)
	}
	return stmts
}

// stripLeadingComments drops blank and comment-only lines from the head of
// stmt. Offsets are only ever taken at '\n', so a multi-byte character is
// never split.
func stripLeadingComments(stmt string) string {
	rest := stmt
	for rest != "" {
		line, tail, found := strings.Cut(rest, "\n")
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && !strings.HasPrefix(trimmed, lineComment) {
			break
		}
		if !found {
			return ""
		}
		rest = tail
	}
	return strings.TrimSpace(rest)
}

// preview returns at most n runes of stmt, with "..." when truncated.
func preview(stmt string, n int) string {
	count := 0
	for i := range stmt {
		if count == n {
			return stmt[:i] + "..."
		}
		count++
	}
	return stmt
}
