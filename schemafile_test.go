package loam

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const blogSchema = `
entities:
  - name: Author
    soft_delete: deleted_at
    timestamps: true
    fillable: [name, email]
    relations:
      posts:
        kind: has_many
        entity: Post
  - name: Post
    key_kind: ulid
    casts:
      likes: int
      published: bool
    relations:
      author:
        kind: belongs_to
        entity: Author
      tags:
        kind: belongs_to_many
        entity: Tag
        pivot_columns: [sort]
        pivot_timestamps: true
  - name: Tag
`

func TestParseDefinitions(t *testing.T) {
	defs, err := ParseDefinitions([]byte(blogSchema))
	require.NoError(t, err)
	require.Len(t, defs, 3)

	author := defs[0]
	assert.Equal(t, "Author", author.Name)
	assert.Equal(t, "deleted_at", author.SoftDelete)
	assert.True(t, author.Timestamps)
	assert.Equal(t, []string{"name", "email"}, author.Fillable)
	assert.Equal(t, RelHasMany, author.Relations["posts"].Kind)

	post := defs[1]
	assert.Equal(t, KeyULID, post.KeyKind)
	assert.Equal(t, KindInt, post.Casts["likes"])
	assert.Equal(t, KindBool, post.Casts["published"])
	tags := post.Relations["tags"]
	assert.Equal(t, RelBelongsToMany, tags.Kind)
	assert.Equal(t, []string{"sort"}, tags.PivotColumns)
	assert.True(t, tags.PivotTimestamps)

	// Parsed definitions feed straight into a registry, which fills the
	// convention defaults.
	reg, err := NewRegistry(defs...)
	require.NoError(t, err)
	p, _ := reg.Lookup("Post")
	assert.Equal(t, "posts", p.Table)
	assert.Equal(t, "post_tag", p.Relations["tags"].Pivot)
}

func TestParseDefinitionsErrors(t *testing.T) {
	_, err := ParseDefinitions([]byte("entities: ["))
	assert.ErrorContains(t, err, "parsing schema")

	_, err = ParseDefinitions([]byte("entities: []"))
	assert.ErrorContains(t, err, "no entities")

	_, err = ParseDefinitions([]byte(`
entities:
  - name: A
    key_kind: snowflake
`))
	assert.ErrorContains(t, err, `unknown key kind "snowflake"`)

	_, err = ParseDefinitions([]byte(`
entities:
  - name: A
    casts:
      x: decimal
`))
	assert.ErrorContains(t, err, `unknown value kind "decimal"`)

	_, err = ParseDefinitions([]byte(`
entities:
  - name: A
    relations:
      b:
        kind: has_lots
`))
	assert.ErrorContains(t, err, `unknown relation kind "has_lots"`)
}

func TestReadAndLoadDefinitions(t *testing.T) {
	defs, err := ReadDefinitions(strings.NewReader(blogSchema))
	require.NoError(t, err)
	assert.Len(t, defs, 3)

	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(blogSchema), 0o600))
	defs, err = LoadDefinitions(path)
	require.NoError(t, err)
	assert.Len(t, defs, 3)

	_, err = LoadDefinitions(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
