package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres error codes surfaced by writes.
const (
	CodeForeignKeyViolation = "23503"
	CodeUniqueViolation     = "23505"
)

// WriteError tags a persistence failure with the table it hit and, when the
// backend reports one, the SQLSTATE class of the failure.
type WriteError struct {
	Code  string
	Table string
	Err   error
}

func (e *WriteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("write %s failed (code %s): %v", e.Table, e.Code, e.Err)
	}
	return fmt.Sprintf("write %s failed: %v", e.Table, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// NewWriteError classifies err against the backends we support.
func NewWriteError(table string, err error) *WriteError {
	return &WriteError{Code: classify(err), Table: table, Err: err}
}

func classify(err error) string {
	if err == nil {
		return ""
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}

	msg := err.Error()

	// SQLite and MySQL report constraint classes in the message only.
	if strings.Contains(msg, "FOREIGN KEY constraint failed") ||
		strings.Contains(msg, "a foreign key constraint fails") ||
		strings.Contains(msg, "violates foreign key constraint") {
		return CodeForeignKeyViolation
	}
	if strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint") ||
		strings.Contains(msg, "Error 1062") {
		return CodeUniqueViolation
	}

	return ""
}

// IsFKViolation reports whether err is a foreign-key violation from any
// supported backend.
func IsFKViolation(err error) bool {
	var writeErr *WriteError
	if errors.As(err, &writeErr) {
		return writeErr.Code == CodeForeignKeyViolation
	}
	return classify(err) == CodeForeignKeyViolation
}
