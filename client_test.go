package loam

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loamdb/loam/dialect"
	"github.com/loamdb/loam/dialect/sql"
)

func mockClient(t *testing.T, opts ...Option) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	reg := MustRegistry(
		&Definition{
			Name:     "Author",
			Fillable: []string{"name"},
			Relations: map[string]Relation{
				"posts": HasMany("Post"),
			},
		},
		&Definition{
			Name:       "Post",
			SoftDelete: "deleted_at",
			Fillable:   []string{"title", "author_id"},
			Relations: map[string]Relation{
				"author": BelongsTo("Author"),
			},
		},
	)
	return NewClient(sql.OpenDB(dialect.SQLite, db), reg, opts...), mock
}

func TestTxRetriesDeadlock(t *testing.T) {
	client, mock := mockClient(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE balances SET b = b + 1").
		WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE balances SET b = b + 1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx := context.Background()
	runs := 0
	err := client.Tx(ctx, func(tx *Tx) error {
		runs++
		return tx.Client().Driver().Exec(ctx, "UPDATE balances SET b = b + 1", []any{}, nil)
	})
	require.NoError(t, err)
	// The closure ran twice: one rolled-back attempt, one committed.
	assert.Equal(t, 2, runs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTxRetriesCommitConflict(t *testing.T) {
	client, mock := mockClient(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE balances SET b = b + 1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().
		WillReturnError(&pq.Error{Code: "40P01", Message: "deadlock detected"})
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE balances SET b = b + 1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx := context.Background()
	runs := 0
	err := client.Tx(ctx, func(tx *Tx) error {
		runs++
		return tx.Client().Driver().Exec(ctx, "UPDATE balances SET b = b + 1", []any{}, nil)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, runs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTxExhaustsAttempts(t *testing.T) {
	client, mock := mockClient(t)
	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE balances SET b = b + 1").
			WillReturnError(&pq.Error{Code: "40001"})
		mock.ExpectRollback()
	}

	ctx := context.Background()
	runs := 0
	err := client.Tx(ctx, func(tx *Tx) error {
		runs++
		return tx.Client().Driver().Exec(ctx, "UPDATE balances SET b = b + 1", []any{}, nil)
	}, WithMaxAttempts(2))
	assert.Equal(t, 2, runs)
	require.True(t, IsDeadlock(err))
	var derr *DeadlockError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, 2, derr.Attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTxDoesNotRetryOtherErrors(t *testing.T) {
	client, mock := mockClient(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	runs := 0
	err := client.Tx(context.Background(), func(tx *Tx) error {
		runs++
		return boom
	})
	assert.Equal(t, 1, runs)
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginTxNested(t *testing.T) {
	client, mock := mockClient(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	tx, err := client.BeginTx(context.Background())
	require.NoError(t, err)
	_, err = tx.Client().BeginTx(context.Background())
	require.ErrorIs(t, err, ErrTxStarted)
	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTxDoneExactlyOnce(t *testing.T) {
	client, mock := mockClient(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	tx, err := client.BeginTx(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.ErrorIs(t, tx.Commit(), ErrTxDone)
	require.ErrorIs(t, tx.Rollback(), ErrTxDone)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClientModelUnregistered(t *testing.T) {
	client, _ := mockClient(t)
	q := client.Model("Ghost")
	_, err := q.Get(context.Background())
	assert.ErrorContains(t, err, `unregistered entity "Ghost"`)
	_, err = client.Entity("Ghost")
	assert.Error(t, err)
}
