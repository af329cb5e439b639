package loam

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loamdb/loam/dialect"
)

func relRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry(
		&Definition{
			Name: "Author",
			Relations: map[string]Relation{
				"posts":   HasMany("Post"),
				"profile": HasOne("Profile"),
			},
		},
		&Definition{
			Name:       "Post",
			SoftDelete: "deleted_at",
			Relations: map[string]Relation{
				"author":   BelongsTo("Author"),
				"tags":     BelongsToMany("Tag").WithPivotColumns("sort"),
				"comments": MorphMany("Comment", "commentable"),
			},
		},
		&Definition{Name: "Profile"},
		&Definition{Name: "Tag"},
		&Definition{
			Name: "Comment",
			Relations: map[string]Relation{
				"commentable": MorphTo("commentable"),
			},
		},
		&Definition{
			Name: "Country",
			Relations: map[string]Relation{
				"posts": HasManyThrough("Post", "User"),
			},
		},
		&Definition{Name: "User"},
	)
	require.NoError(t, err)
	return reg
}

func TestBatchQueryHasMany(t *testing.T) {
	reg := relRegistry(t)
	author, _ := reg.Lookup("Author")
	rel := author.Relations["posts"]
	s, err := rel.batchQuery(reg, author, dialect.SQLite, "Author", []any{int64(1), int64(2)})
	require.NoError(t, err)
	query, args := s.Query()
	assert.Equal(t, `SELECT "posts".* FROM "posts" WHERE "posts"."author_id" IN (?, ?) AND "posts"."deleted_at" IS NULL`, query)
	assert.Equal(t, []any{int64(1), int64(2)}, args)
}

func TestBatchQueryBelongsTo(t *testing.T) {
	reg := relRegistry(t)
	post, _ := reg.Lookup("Post")
	rel := post.Relations["author"]
	s, err := rel.batchQuery(reg, post, dialect.Postgres, "Post", []any{int64(1)})
	require.NoError(t, err)
	query, args := s.Query()
	assert.Equal(t, `SELECT "authors".* FROM "authors" WHERE "authors"."id" IN ($1)`, query)
	assert.Equal(t, []any{int64(1)}, args)
}

func TestBatchQueryMorphMany(t *testing.T) {
	reg := relRegistry(t)
	post, _ := reg.Lookup("Post")
	rel := post.Relations["comments"]
	s, err := rel.batchQuery(reg, post, dialect.SQLite, "Post", []any{int64(10), int64(11)})
	require.NoError(t, err)
	query, args := s.Query()
	assert.Equal(t, `SELECT "comments".* FROM "comments" WHERE "comments"."commentable_type" = ? AND "comments"."commentable_id" IN (?, ?)`, query)
	assert.Equal(t, []any{"Post", int64(10), int64(11)}, args)
}

func TestBatchQueryBelongsToMany(t *testing.T) {
	reg := relRegistry(t)
	post, _ := reg.Lookup("Post")
	rel := post.Relations["tags"]
	s, err := rel.batchQuery(reg, post, dialect.SQLite, "Post", []any{int64(10)})
	require.NoError(t, err)
	query, args := s.Query()
	assert.Equal(t, `SELECT "tags".*, post_tag.post_id AS pivot_post_id, post_tag.sort AS pivot_sort FROM "tags" JOIN "post_tag" ON "tags"."id" = "post_tag"."tag_id" WHERE "post_tag"."post_id" IN (?)`, query)
	assert.Equal(t, []any{int64(10)}, args)
}

func TestBatchQueryThrough(t *testing.T) {
	reg := relRegistry(t)
	country, _ := reg.Lookup("Country")
	rel := country.Relations["posts"]
	s, err := rel.batchQuery(reg, country, dialect.SQLite, "Country", []any{int64(1)})
	require.NoError(t, err)
	query, args := s.Query()
	assert.Equal(t, `SELECT "posts".*, users.country_id AS pivot_through_key FROM "posts" JOIN "users" ON "users"."id" = "posts"."user_id" WHERE "users"."country_id" IN (?) AND "posts"."deleted_at" IS NULL`, query)
	assert.Equal(t, []any{int64(1)}, args)
}

func TestBatchQueryUnknownTarget(t *testing.T) {
	reg := relRegistry(t)
	author, _ := reg.Lookup("Author")
	rel := Relation{Kind: RelHasMany, Entity: "Ghost", ForeignKey: "author_id"}
	_, err := rel.batchQuery(reg, author, dialect.SQLite, "Author", []any{int64(1)})
	assert.True(t, IsRelationPath(err))
}

func TestRelationAssign(t *testing.T) {
	reg := relRegistry(t)
	author, _ := reg.Lookup("Author")
	post, _ := reg.Lookup("Post")
	rel := author.Relations["posts"]

	a1 := newEntity(author, nil)
	a1.Set("id", 1)
	a2 := newEntity(author, nil)
	a2.Set("id", 2)
	p1 := newEntity(post, nil)
	p1.Set("id", 10)
	p1.Set("author_id", 1)
	p2 := newEntity(post, nil)
	p2.Set("id", 11)
	p2.Set("author_id", 1)

	rel.assign("posts", author, []*Entity{a1, a2}, []*Entity{p1, p2})

	got, err := a1.Relations("posts")
	require.NoError(t, err)
	assert.Equal(t, []*Entity{p1, p2}, got)

	// Owners with no related rows are still marked loaded.
	assert.True(t, a2.RelationLoaded("posts"))
	got, err = a2.Relations("posts")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRelationAssignPivot(t *testing.T) {
	reg := relRegistry(t)
	post, _ := reg.Lookup("Post")
	tag, _ := reg.Lookup("Tag")
	rel := post.Relations["tags"]

	p1 := newEntity(post, nil)
	p1.Set("id", 10)
	p2 := newEntity(post, nil)
	p2.Set("id", 11)
	// The same tag row attached to two posts arrives as two hydrated
	// entities, each carrying its own pivot record.
	t1 := newEntity(tag, nil)
	t1.Set("id", 5)
	t1.setPivot("post_id", IntValue(10))
	t1.setPivot("sort", IntValue(1))
	t2 := newEntity(tag, nil)
	t2.Set("id", 5)
	t2.setPivot("post_id", IntValue(11))
	t2.setPivot("sort", IntValue(2))

	rel.assign("tags", post, []*Entity{p1, p2}, []*Entity{t1, t2})

	got, err := p1.Relations("tags")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.EqualValues(t, 1, got[0].Pivot("sort").Int())
	got, err = p2.Relations("tags")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.EqualValues(t, 2, got[0].Pivot("sort").Int())
}

func TestRelationSingle(t *testing.T) {
	assert.True(t, HasOne("X").single())
	assert.True(t, BelongsTo("X").single())
	assert.True(t, MorphTo("x").single())
	assert.False(t, HasMany("X").single())
	assert.False(t, BelongsToMany("X").single())
	assert.True(t, BelongsToMany("X").usesPivot())
	assert.False(t, HasMany("X").usesPivot())
}
