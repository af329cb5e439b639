package sql

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// errorCoder is an interface for database errors that provide error codes.
// Implemented by: pq.Error, pgx, mysql.MySQLError, modernc.org/sqlite, etc.
type errorCoder interface {
	Code() string
}

// errorNumberer is an interface for database errors that provide numeric
// error codes.
type errorNumberer interface {
	Number() uint16
}

// sqlStateError is an interface for errors that provide SQLSTATE codes.
// Implemented by: pq.Error, pgx, and some MySQL drivers.
type sqlStateError interface {
	SQLState() string
}

// PostgreSQL SQLSTATE codes for constraint violations (Class 23) and
// rollback conditions (Class 40).
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
	pgSerializationFail   = "40001"
	pgDeadlockDetected    = "40P01"
)

// MySQL error numbers for constraint violations and lock conflicts.
const (
	mysqlDuplicateEntry         = 1062
	mysqlForeignKeyParent       = 1451 // Cannot delete or update a parent row
	mysqlForeignKeyChild        = 1452 // Cannot add or update a child row
	mysqlCheckConstraintViolate = 3819
	mysqlLockWaitTimeout        = 1205
	mysqlDeadlockFound          = 1213
)

// IsConstraintError reports if the error resulted from any database
// constraint violation.
func IsConstraintError(err error) bool {
	return IsUniqueConstraintError(err) ||
		IsForeignKeyConstraintError(err) ||
		IsCheckConstraintError(err)
}

// IsUniqueConstraintError reports if the error resulted from a DB uniqueness
// constraint violation. e.g. duplicate value in unique index.
func IsUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if hasSQLState(err, pgUniqueViolation) || hasNumber(err, mysqlDuplicateEntry) {
		return true
	}
	return containsAny(err.Error(),
		"Error 1062",                 // MySQL (string fallback)
		"violates unique constraint", // Postgres (string fallback)
		"UNIQUE constraint failed",   // SQLite
	)
}

// IsForeignKeyConstraintError reports if the error resulted from a database
// foreign-key constraint violation. e.g. parent row does not exist.
func IsForeignKeyConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if hasSQLState(err, pgForeignKeyViolation) ||
		hasNumber(err, mysqlForeignKeyParent) ||
		hasNumber(err, mysqlForeignKeyChild) {
		return true
	}
	return containsAny(err.Error(),
		"Error 1451",                      // MySQL (Cannot delete or update a parent row)
		"Error 1452",                      // MySQL (Cannot add or update a child row)
		"violates foreign key constraint", // Postgres
		"FOREIGN KEY constraint failed",   // SQLite
	)
}

// IsCheckConstraintError reports if the error resulted from a database check
// constraint violation. e.g. a value does not satisfy a check condition.
func IsCheckConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if hasSQLState(err, pgCheckViolation) || hasNumber(err, mysqlCheckConstraintViolate) {
		return true
	}
	return containsAny(err.Error(),
		"Error 3819",                // MySQL
		"violates check constraint", // Postgres
		"CHECK constraint failed",   // SQLite
	)
}

// IsDeadlock reports if the error resulted from a deadlock or a
// serialization conflict the store asks the client to retry. Two concurrent
// transactions locking overlapping row sets in different orders surface here.
func IsDeadlock(err error) bool {
	if err == nil {
		return false
	}
	if hasSQLState(err, pgDeadlockDetected) || hasSQLState(err, pgSerializationFail) ||
		hasNumber(err, mysqlDeadlockFound) || hasNumber(err, mysqlLockWaitTimeout) {
		return true
	}
	return containsAny(err.Error(),
		"Error 1213",                      // MySQL deadlock (string fallback)
		"Error 1205",                      // MySQL lock wait timeout
		"deadlock detected",               // Postgres
		"could not serialize access",      // Postgres serialization failure
		"database is locked",              // SQLite (SQLITE_BUSY)
		"database table is locked",        // SQLite (SQLITE_LOCKED)
	)
}

// hasSQLState reports whether the error chain carries the given SQLSTATE
// code, either via SQLState() (pgx, pq) or Code() (pq.Error, sqlite).
func hasSQLState(err error, state string) bool {
	if e, ok := asError[sqlStateError](err); ok && e.SQLState() == state {
		return true
	}
	if e, ok := asError[errorCoder](err); ok && e.Code() == state {
		return true
	}
	return false
}

// hasNumber reports whether the error chain carries the given MySQL error
// number. mysql.MySQLError exposes the number as a struct field, so it is
// checked concretely alongside the interface probe.
func hasNumber(err error, number uint16) bool {
	if e, ok := asError[errorNumberer](err); ok && e.Number() == number {
		return true
	}
	if e, ok := asError[*mysql.MySQLError](err); ok && e.Number == number {
		return true
	}
	return false
}

// asError attempts to extract an error implementing interface T from the error chain.
func asError[T any](err error) (T, bool) {
	var target T
	for err != nil {
		if e, ok := err.(T); ok {
			return e, true
		}
		err = errors.Unwrap(err)
	}
	return target, false
}

// containsAny returns true if s contains any of the substrings.
func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
