package store

import (
	"database/sql/driver"
	"errors"
	"strings"

	"github.com/lib/pq"
)

// Typed signals callers branch on.
var (
	// ErrNotFound marks a lookup that matched no row. Lookups scoped to a
	// user return it for foreign rows too, so callers cannot probe ids.
	ErrNotFound = errors.New("record not found")

	// ErrInsufficientCredits marks a debit that would take a balance below
	// zero. The balance is left untouched.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrDuplicateEmail marks a registration for an email that already has
	// an account.
	ErrDuplicateEmail = errors.New("email already registered")
)

// isTransient reports whether an error is worth retrying: connection
// drops, serialization failures, deadlocks and SQLite busy states.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		// connection exception, transaction rollback, insufficient
		// resources, operator intervention
		case "08", "40", "53", "57":
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// isUniqueViolation reports whether err is a unique-constraint failure in
// either dialect.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
