package loam

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamingConventions(t *testing.T) {
	assert.Equal(t, "authors", Tableize("Author"))
	assert.Equal(t, "order_items", Tableize("OrderItem"))
	assert.Equal(t, "people", Tableize("Person"))
	assert.Equal(t, "author_id", ForeignKey("Author"))
	assert.Equal(t, "order_item_id", ForeignKey("OrderItem"))
	// Singular names in alphabetical order, joined by an underscore.
	assert.Equal(t, "author_post", JoinTable("Post", "Author"))
	assert.Equal(t, "author_post", JoinTable("Author", "Post"))
}

func TestRegistryDefaults(t *testing.T) {
	reg, err := NewRegistry(
		&Definition{
			Name: "Author",
			Relations: map[string]Relation{
				"posts": HasMany("Post"),
			},
		},
		&Definition{
			Name: "Post",
			Relations: map[string]Relation{
				"author": BelongsTo("Author"),
				"tags":   BelongsToMany("Tag"),
			},
		},
		&Definition{Name: "Tag"},
	)
	require.NoError(t, err)

	author, ok := reg.Lookup("Author")
	require.True(t, ok)
	assert.Equal(t, "authors", author.Table)
	assert.Equal(t, "id", author.Key)
	posts := author.Relations["posts"]
	assert.Equal(t, RelHasMany, posts.Kind)
	assert.Equal(t, "author_id", posts.ForeignKey)
	assert.Equal(t, "id", posts.LocalKey)

	post, _ := reg.Lookup("Post")
	belongs := post.Relations["author"]
	assert.Equal(t, "author_id", belongs.ForeignKey)
	assert.Equal(t, "id", belongs.OwnerKey)
	tags := post.Relations["tags"]
	assert.Equal(t, "post_tag", tags.Pivot)
	assert.Equal(t, "post_id", tags.PivotFK)
	assert.Equal(t, "tag_id", tags.PivotRK)

	assert.Equal(t, []string{"Author", "Post", "Tag"}, reg.Names())
}

func TestRegistryOverrides(t *testing.T) {
	reg, err := NewRegistry(
		&Definition{Name: "User", Table: "accounts", Key: "uid"},
		&Definition{
			Name: "Post",
			Relations: map[string]Relation{
				"owner": BelongsTo("User").WithForeignKey("owner_id"),
				"likers": BelongsToMany("User").
					WithPivot("likes", "post_id", "user_id").
					WithPivotColumns("reaction").
					WithPivotTimestamps(),
			},
		},
	)
	require.NoError(t, err)
	post, _ := reg.Lookup("Post")
	owner := post.Relations["owner"]
	assert.Equal(t, "owner_id", owner.ForeignKey)
	assert.Equal(t, "uid", owner.OwnerKey)
	likers := post.Relations["likers"]
	assert.Equal(t, "likes", likers.Pivot)
	assert.Equal(t, []string{"reaction"}, likers.PivotColumns)
	assert.True(t, likers.PivotTimestamps)
}

func TestRegistryThroughDefaults(t *testing.T) {
	reg, err := NewRegistry(
		&Definition{
			Name: "Country",
			Relations: map[string]Relation{
				"posts": HasManyThrough("Post", "User"),
			},
		},
		&Definition{Name: "User"},
		&Definition{Name: "Post"},
	)
	require.NoError(t, err)
	country, _ := reg.Lookup("Country")
	rel := country.Relations["posts"]
	assert.Equal(t, "country_id", rel.ThroughFK)
	assert.Equal(t, "user_id", rel.ForeignKey)
	assert.Equal(t, "id", rel.ThroughKey)
}

func TestRegistryMorphDefaults(t *testing.T) {
	reg, err := NewRegistry(
		&Definition{
			Name: "Comment",
			Relations: map[string]Relation{
				"commentable": MorphTo("commentable"),
			},
		},
		&Definition{
			Name: "Post",
			Relations: map[string]Relation{
				"comments": MorphMany("Comment", "commentable"),
				"tags":     MorphToMany("Tag", "taggable"),
			},
		},
		&Definition{Name: "Tag"},
	)
	require.NoError(t, err)
	comment, _ := reg.Lookup("Comment")
	morphTo := comment.Relations["commentable"]
	assert.Equal(t, "commentable_type", morphTo.MorphType)
	assert.Equal(t, "commentable_id", morphTo.MorphID)
	post, _ := reg.Lookup("Post")
	tags := post.Relations["tags"]
	assert.Equal(t, "taggables", tags.Pivot)
	assert.Equal(t, "tag_id", tags.PivotRK)
}

func TestRegistryValidation(t *testing.T) {
	_, err := NewRegistry(&Definition{})
	assert.ErrorContains(t, err, "without a name")

	_, err = NewRegistry(&Definition{Name: "A"}, &Definition{Name: "A"})
	assert.ErrorContains(t, err, "duplicate definition")

	_, err = NewRegistry(&Definition{
		Name:      "Post",
		Relations: map[string]Relation{"author": BelongsTo("Author")},
	})
	assert.ErrorContains(t, err, `targets unregistered entity "Author"`)

	_, err = NewRegistry(
		&Definition{
			Name:      "Country",
			Relations: map[string]Relation{"posts": HasManyThrough("Post", "User")},
		},
		&Definition{Name: "Post"},
	)
	assert.ErrorContains(t, err, `bridges unregistered entity "User"`)
}

func TestRegistryMorphClosedSet(t *testing.T) {
	reg := MustRegistry(&Definition{Name: "Post"})
	d, err := reg.Morph("Post")
	require.NoError(t, err)
	assert.Equal(t, "Post", d.Name)
	_, err = reg.Morph("Video")
	assert.True(t, IsRelationPath(err))
}

func TestDefinitionKeyGeneration(t *testing.T) {
	assert.Nil(t, (&Definition{KeyKind: KeyInt}).genKey())
	uid := (&Definition{KeyKind: KeyUUID}).genKey()
	require.IsType(t, "", uid)
	assert.Len(t, uid, 36)
	ulid := (&Definition{KeyKind: KeyULID}).genKey()
	require.IsType(t, "", ulid)
	assert.Len(t, ulid, 26)
}

func TestDefinitionClone(t *testing.T) {
	d := &Definition{
		Name:     "Post",
		Fillable: []string{"title"},
		Casts:    map[string]Kind{"likes": KindInt},
		Relations: map[string]Relation{
			"tags": BelongsToMany("Tag").WithPivotColumns("sort"),
		},
	}
	c := d.Clone()
	c.Fillable[0] = "body"
	c.Casts["likes"] = KindString
	assert.Equal(t, "title", d.Fillable[0])
	assert.Equal(t, KindInt, d.Casts["likes"])
}
