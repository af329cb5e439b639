package loam

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotFoundError(t *testing.T) {
	err := NewNotFoundError("User")
	assert.EqualError(t, err, "loam: User not found")
	assert.True(t, IsNotFound(err))
	assert.True(t, errors.Is(err, ErrNotFound))

	err = NewNotFoundErrorWithKey("User", int64(7))
	assert.EqualError(t, err, "loam: User not found (key=7)")
	assert.Equal(t, "User", err.Label())
	assert.Equal(t, int64(7), err.Key())

	wrapped := fmt.Errorf("loading profile: %w", err)
	assert.True(t, IsNotFound(wrapped))
	assert.False(t, IsNotFound(errors.New("boom")))
	assert.False(t, IsNotFound(nil))
}

func TestNotSingularError(t *testing.T) {
	err := &NotSingularError{label: "User"}
	assert.EqualError(t, err, "loam: User not singular")
	assert.True(t, IsNotSingular(err))
	assert.True(t, errors.Is(err, ErrNotSingular))
	assert.False(t, IsNotSingular(ErrNotFound))
}

func TestNotLoadedError(t *testing.T) {
	err := &NotLoadedError{relation: "posts"}
	assert.EqualError(t, err, `loam: relation "posts" was not loaded`)
	assert.Equal(t, "posts", err.Relation())
	assert.True(t, IsNotLoaded(err))
	assert.False(t, IsNotLoaded(ErrNotFound))
}

func TestLazyLoadError(t *testing.T) {
	err := &LazyLoadError{Entity: "Post", Relation: "author"}
	assert.EqualError(t, err, "loam: lazy load of Post.author rejected in strict mode")
	assert.True(t, IsLazyLoad(err))
	assert.True(t, IsLazyLoad(fmt.Errorf("wrap: %w", err)))
	assert.False(t, IsLazyLoad(nil))
}

func TestRelationPathError(t *testing.T) {
	err := &RelationPathError{Entity: "Post", Path: "autor"}
	assert.EqualError(t, err, `loam: Post has no relation "autor"`)
	assert.True(t, IsRelationPath(err))
}

func TestMassAssignmentError(t *testing.T) {
	err := &MassAssignmentError{Entity: "User", Attribute: "is_admin"}
	assert.EqualError(t, err, `loam: mass assignment of "is_admin" rejected for User`)
	assert.True(t, IsMassAssignment(err))
}

func TestConstraintError(t *testing.T) {
	cause := errors.New("UNIQUE constraint failed: users.email")
	err := NewConstraintError("users.email", cause)
	assert.EqualError(t, err, "loam: constraint failed: users.email")
	assert.True(t, IsConstraintError(err))
	assert.ErrorIs(t, err, cause)
}

func TestDeadlockError(t *testing.T) {
	cause := errors.New("deadlock detected")
	err := &DeadlockError{Attempts: 3, wrap: cause}
	assert.EqualError(t, err, "loam: deadlock after 3 attempts: deadlock detected")
	assert.True(t, IsDeadlock(err))
	require.ErrorIs(t, err, cause)
}

func TestRollbackError(t *testing.T) {
	cause := errors.New("tx closed")
	err := &RollbackError{Err: cause}
	assert.EqualError(t, err, "loam: rollback failed: tx closed")
	assert.ErrorIs(t, err, cause)
}
