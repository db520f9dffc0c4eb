// Package errors normalizes Go errors into stable class names for metric tags.
package errors

import (
	"context"
	goerrors "errors"
	"reflect"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// Classify returns a normalized error class suitable for tagging metrics and
// logs. Postgres errors map onto coarse pgerrcode class names; everything else
// falls back to the innermost concrete type name.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case goerrors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case goerrors.Is(err, context.Canceled):
		return "canceled"
	}

	var pgErr *pgconn.PgError
	if goerrors.As(err, &pgErr) {
		return classifyPg(pgErr)
	}

	// Unwrap to the innermost error for better signal.
	for {
		unwrapped := goerrors.Unwrap(err)
		if unwrapped == nil {
			break
		}
		err = unwrapped
	}

	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}

	name := strings.ToLower(strings.ReplaceAll(t.String(), "*", ""))
	name = strings.ReplaceAll(name, ".", "_")
	if name == "" {
		return "unknown"
	}
	return name
}

func classifyPg(pgErr *pgconn.PgError) string {
	switch {
	case pgErr.Code == pgerrcode.UniqueViolation:
		return "pg_unique_violation"
	case pgErr.Code == pgerrcode.ForeignKeyViolation:
		return "pg_foreign_key_violation"
	case pgErr.Code == pgerrcode.SerializationFailure, pgErr.Code == pgerrcode.DeadlockDetected:
		return "pg_serialization_failure"
	case pgerrcode.IsConnectionException(pgErr.Code):
		return "pg_connection"
	case pgerrcode.IsInsufficientResources(pgErr.Code):
		return "pg_insufficient_resources"
	case pgerrcode.IsDataException(pgErr.Code):
		return "pg_data_exception"
	default:
		return "pg_" + strings.ToLower(pgErr.Code)
	}
}
