package loam

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for common operations.
var (
	// ErrNotFound is returned when a required entity does not exist.
	ErrNotFound = errors.New("loam: entity not found")

	// ErrNotSingular is returned when a query that expects exactly one result
	// returns multiple results.
	ErrNotSingular = errors.New("loam: entity not singular")

	// ErrTxStarted is returned when attempting to start a new transaction
	// within an existing transaction.
	ErrTxStarted = errors.New("loam: cannot start a transaction within a transaction")

	// ErrTxDone is returned when committing or rolling back a transaction
	// that has already been completed.
	ErrTxDone = errors.New("loam: transaction has already been committed or rolled back")

	// ErrDuplicateSyncKey is returned when the same related key appears more
	// than once in a single Sync call.
	ErrDuplicateSyncKey = errors.New("loam: duplicate related key in sync call")
)

// NotFoundError represents an error when an entity is not found.
type NotFoundError struct {
	label string
	id    any // Optional: the key that was searched for
}

// Error returns the error string.
func (e *NotFoundError) Error() string {
	if e.id != nil {
		return fmt.Sprintf("loam: %s not found (key=%v)", e.label, e.id)
	}
	return fmt.Sprintf("loam: %s not found", e.label)
}

// Is reports whether the target error matches NotFoundError.
// This allows errors.Is(notFoundErr, ErrNotFound) to return true.
func (e *NotFoundError) Is(err error) bool {
	return err == ErrNotFound
}

// Label returns the entity label.
func (e *NotFoundError) Label() string { return e.label }

// Key returns the key that was searched for, if available.
func (e *NotFoundError) Key() any { return e.id }

// NewNotFoundError returns a new NotFoundError for the given entity type.
func NewNotFoundError(label string) *NotFoundError {
	return &NotFoundError{label: label}
}

// NewNotFoundErrorWithKey returns a new NotFoundError with the key that was
// searched for.
func NewNotFoundErrorWithKey(label string, id any) *NotFoundError {
	return &NotFoundError{label: label, id: id}
}

// IsNotFound returns true if the error is a NotFoundError.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var e *NotFoundError
	return errors.As(err, &e) || errors.Is(err, ErrNotFound)
}

// NotSingularError represents an error when a query expects a singular
// result but receives multiple results.
type NotSingularError struct {
	label string
}

// Error returns the error string.
func (e *NotSingularError) Error() string {
	return fmt.Sprintf("loam: %s not singular", e.label)
}

// Is reports whether the target error matches NotSingularError.
func (e *NotSingularError) Is(err error) bool {
	return err == ErrNotSingular
}

// IsNotSingular returns true if the error is a NotSingularError.
func IsNotSingular(err error) bool {
	if err == nil {
		return false
	}
	var e *NotSingularError
	return errors.As(err, &e) || errors.Is(err, ErrNotSingular)
}

// NotLoadedError is returned when accessing a relation that was neither
// eager-loaded nor explicitly loaded. Accessors never perform hidden I/O;
// callers either request the relation in the load plan or call Load.
type NotLoadedError struct {
	relation string
}

// Error returns the error string.
func (e *NotLoadedError) Error() string {
	return fmt.Sprintf("loam: relation %q was not loaded", e.relation)
}

// Relation returns the relation name.
func (e *NotLoadedError) Relation() string { return e.relation }

// IsNotLoaded returns true if the error is a NotLoadedError.
func IsNotLoaded(err error) bool {
	if err == nil {
		return false
	}
	var e *NotLoadedError
	return errors.As(err, &e)
}

// LazyLoadError is returned by on-demand relation loading when the client
// runs in strict mode. It exists to catch accidental N+1 patterns: callers
// are expected to request the relation path eagerly instead.
type LazyLoadError struct {
	Entity   string // entity label
	Relation string // relation that was lazily accessed
}

// Error returns the error string.
func (e *LazyLoadError) Error() string {
	return fmt.Sprintf("loam: lazy load of %s.%s rejected in strict mode", e.Entity, e.Relation)
}

// IsLazyLoad returns true if the error is a LazyLoadError.
func IsLazyLoad(err error) bool {
	if err == nil {
		return false
	}
	var e *LazyLoadError
	return errors.As(err, &e)
}

// RelationPathError is returned when a requested relation path does not
// match any declared relation, or a morph discriminator does not resolve to
// a registered entity.
type RelationPathError struct {
	Entity string // entity label the path was requested on
	Path   string // offending path segment
}

// Error returns the error string.
func (e *RelationPathError) Error() string {
	return fmt.Sprintf("loam: %s has no relation %q", e.Entity, e.Path)
}

// IsRelationPath returns true if the error is a RelationPathError.
func IsRelationPath(err error) bool {
	if err == nil {
		return false
	}
	var e *RelationPathError
	return errors.As(err, &e)
}

// MassAssignmentError is returned by Fill when an attribute is not in the
// definition's allow-list.
type MassAssignmentError struct {
	Entity    string // entity label
	Attribute string // rejected attribute
}

// Error returns the error string.
func (e *MassAssignmentError) Error() string {
	return fmt.Sprintf("loam: mass assignment of %q rejected for %s", e.Attribute, e.Entity)
}

// IsMassAssignment returns true if the error is a MassAssignmentError.
func IsMassAssignment(err error) bool {
	if err == nil {
		return false
	}
	var e *MassAssignmentError
	return errors.As(err, &e)
}

// ConstraintError represents a database constraint violation error.
type ConstraintError struct {
	msg  string
	wrap error
}

// Error returns the error string.
func (e ConstraintError) Error() string {
	return fmt.Sprintf("loam: constraint failed: %s", e.msg)
}

// Unwrap returns the underlying error.
func (e ConstraintError) Unwrap() error { return e.wrap }

// NewConstraintError returns a new ConstraintError with the given message.
func NewConstraintError(msg string, wrap error) error {
	return ConstraintError{msg: msg, wrap: wrap}
}

// IsConstraintError returns true if the error is a ConstraintError.
func IsConstraintError(err error) bool {
	if err == nil {
		return false
	}
	var e ConstraintError
	return errors.As(err, &e)
}

// DeadlockError is surfaced after a transaction exhausted its retry budget
// on deadlock or serialization conflicts. Conflicts with attempts remaining
// are retried internally and never reach the caller.
type DeadlockError struct {
	Attempts int   // attempts performed before giving up
	wrap     error // last conflict reported by the store
}

// Error returns the error string.
func (e *DeadlockError) Error() string {
	return fmt.Sprintf("loam: deadlock after %d attempts: %v", e.Attempts, e.wrap)
}

// Unwrap returns the underlying error.
func (e *DeadlockError) Unwrap() error { return e.wrap }

// IsDeadlock returns true if the error is a DeadlockError.
func IsDeadlock(err error) bool {
	if err == nil {
		return false
	}
	var e *DeadlockError
	return errors.As(err, &e)
}

// RollbackError wraps an error that occurred during a transaction rollback.
type RollbackError struct {
	Err error // original error that triggered rollback
}

// Error returns the error string.
func (e *RollbackError) Error() string {
	return fmt.Sprintf("loam: rollback failed: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *RollbackError) Unwrap() error { return e.Err }
