package loam

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loamdb/loam/dialect"
	"github.com/loamdb/loam/dialect/sql"
)

func pivotClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	reg := MustRegistry(
		&Definition{
			Name: "Post",
			Relations: map[string]Relation{
				"tags":   BelongsToMany("Tag").WithPivotColumns("sort"),
				"labels": MorphToMany("Label", "labelable").WithPivotTimestamps(),
				"author": BelongsTo("Author"),
			},
		},
		&Definition{Name: "Tag"},
		&Definition{Name: "Label"},
		&Definition{Name: "Author"},
	)
	return NewClient(sql.OpenDB(dialect.SQLite, db), reg), mock
}

func pivotOwner(t *testing.T, client *Client, key int64) *Entity {
	t.Helper()
	e, err := client.Entity("Post")
	require.NoError(t, err)
	e.Set("id", key)
	e.exists = true
	e.SyncOriginal()
	return e
}

func TestAttach(t *testing.T) {
	client, mock := pivotClient(t)
	mock.ExpectExec(`INSERT INTO "post_tag" ("post_id", "tag_id", "sort") VALUES (?, ?, ?), (?, ?, ?)`).
		WithArgs(int64(10), int64(1), 5, int64(10), int64(2), 5).
		WillReturnResult(sqlmock.NewResult(0, 2))

	post := pivotOwner(t, client, 10)
	err := post.Attach(context.Background(), "tags", []any{1, 2}, map[string]any{"sort": 5})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAttachMorphPivot(t *testing.T) {
	client, mock := pivotClient(t)
	mock.ExpectExec(`INSERT INTO "labelables" ("labelable_type", "labelable_id", "label_id", "created_at", "updated_at") VALUES (?, ?, ?, ?, ?)`).
		WithArgs("Post", int64(10), int64(3), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	post := pivotOwner(t, client, 10)
	err := post.Attach(context.Background(), "labels", []any{3}, nil)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDetach(t *testing.T) {
	client, mock := pivotClient(t)
	mock.ExpectExec(`DELETE FROM "post_tag" WHERE "post_id" = ? AND "tag_id" IN (?, ?)`).
		WithArgs(int64(10), int64(1), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM "post_tag" WHERE "post_id" = ?`).
		WithArgs(int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	post := pivotOwner(t, client, 10)
	n, err := post.Detach(context.Background(), "tags", 1, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	// No keys detaches everything.
	n, err = post.Detach(context.Background(), "tags")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncConverges(t *testing.T) {
	client, mock := pivotClient(t)
	mock.ExpectQuery(`SELECT "tag_id" FROM "post_tag" WHERE "post_id" = ?`).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"tag_id"}).AddRow(2).AddRow(3))
	mock.ExpectExec(`DELETE FROM "post_tag" WHERE "post_id" = ? AND "tag_id" IN (?)`).
		WithArgs(int64(10), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO "post_tag" ("post_id", "tag_id") VALUES (?, ?)`).
		WithArgs(int64(10), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "post_tag" SET "sort" = ? WHERE "post_id" = ? AND "tag_id" = ?`).
		WithArgs(7, int64(10), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	post := pivotOwner(t, client, 10)
	res, err := post.Sync(context.Background(), "tags", map[any]map[string]any{
		1: nil,
		2: {"sort": 7},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1)}, res.Attached)
	assert.Equal(t, []any{int64(3)}, res.Detached)
	assert.Equal(t, []any{int64(2)}, res.Updated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncIdempotent(t *testing.T) {
	client, mock := pivotClient(t)
	// A converged set reads the current membership and mutates nothing.
	mock.ExpectQuery(`SELECT "tag_id" FROM "post_tag" WHERE "post_id" = ?`).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"tag_id"}).AddRow(1).AddRow(2))

	post := pivotOwner(t, client, 10)
	res, err := post.SyncKeys(context.Background(), "tags", 1, 2)
	require.NoError(t, err)
	assert.Empty(t, res.Attached)
	assert.Empty(t, res.Detached)
	assert.Empty(t, res.Updated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncDuplicateKey(t *testing.T) {
	client, mock := pivotClient(t)
	post := pivotOwner(t, client, 10)

	// Duplicates are rejected before any statement runs; int and int64
	// forms of the same key collide after normalization.
	_, err := post.Sync(context.Background(), "tags", map[any]map[string]any{
		1:        nil,
		int64(1): nil,
	})
	require.ErrorIs(t, err, ErrDuplicateSyncKey)

	_, err = post.SyncKeys(context.Background(), "tags", 1, 1)
	require.ErrorIs(t, err, ErrDuplicateSyncKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestToggle(t *testing.T) {
	client, mock := pivotClient(t)
	mock.ExpectQuery(`SELECT "tag_id" FROM "post_tag" WHERE "post_id" = ?`).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"tag_id"}).AddRow(2))
	mock.ExpectExec(`DELETE FROM "post_tag" WHERE "post_id" = ? AND "tag_id" IN (?)`).
		WithArgs(int64(10), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO "post_tag" ("post_id", "tag_id") VALUES (?, ?)`).
		WithArgs(int64(10), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	post := pivotOwner(t, client, 10)
	res, err := post.Toggle(context.Background(), "tags", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1)}, res.Attached)
	assert.Equal(t, []any{int64(2)}, res.Detached)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdatePivot(t *testing.T) {
	client, mock := pivotClient(t)
	mock.ExpectExec(`UPDATE "post_tag" SET "sort" = ? WHERE "post_id" = ? AND "tag_id" = ?`).
		WithArgs(9, int64(10), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	post := pivotOwner(t, client, 10)
	n, err := post.UpdatePivot(context.Background(), "tags", 2, map[string]any{"sort": 9})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPivotOpsValidation(t *testing.T) {
	client, _ := pivotClient(t)
	post := pivotOwner(t, client, 10)

	// Unknown relation.
	err := post.Attach(context.Background(), "reviewers", []any{1}, nil)
	assert.True(t, IsRelationPath(err))

	// Not a pivot relation.
	err = post.Attach(context.Background(), "author", []any{1}, nil)
	assert.ErrorContains(t, err, "not a pivot relation")

	// Unsaved owner.
	fresh, err := client.Entity("Post")
	require.NoError(t, err)
	err = fresh.Attach(context.Background(), "tags", []any{1}, nil)
	assert.True(t, IsNotFound(err))
}
