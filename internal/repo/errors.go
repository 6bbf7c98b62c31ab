package repo

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL SQLSTATE codes that signal a transaction lost a race and can be
// re-run from scratch.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

// PgErrorCode extracts the SQLSTATE code from a pgx error chain.
func PgErrorCode(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, true
	}
	return "", false
}

// IsRetryable reports whether err came from a concurrent writer and the
// whole transaction may be retried: serialization failures, deadlocks and
// unique violations on PostgreSQL, and busy/locked databases on SQLite.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if code, ok := PgErrorCode(err); ok {
		switch code {
		case pgSerializationFailure, pgDeadlockDetected, pgUniqueViolation:
			return true
		}
		return false
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "database is locked") ||
		strings.Contains(low, "database table is locked") ||
		strings.Contains(low, "sqlite_busy")
}
