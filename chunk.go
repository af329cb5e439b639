package loam

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"iter"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/loamdb/loam/dialect/sql"
)

// ErrStopChunking stops a Chunk or ChunkByID iteration early. It signals a
// deliberate stop, not a failure; the iteration returns nil.
var ErrStopChunking = errors.New("loam: stop chunking")

// Chunk fetches the matching rows in offset-paged batches of the given size
// and passes each batch to fn. Rows mutated out of the result set during
// iteration shift later pages; use ChunkByID when the iteration itself
// mutates matching rows.
func (q *Query) Chunk(ctx context.Context, size int, fn func([]*Entity) error) error {
	if q.err != nil {
		return q.err
	}
	if size < 1 {
		return fmt.Errorf("loam: chunk size must be positive, got %d", size)
	}
	for page := 0; ; page++ {
		batch, err := q.Clone().Limit(size).Offset(page * size).Get(ctx)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			if errors.Is(err, ErrStopChunking) {
				return nil
			}
			return err
		}
		if len(batch) < size {
			return nil
		}
	}
}

// ChunkByID fetches the matching rows in keyed batches: each page re-seeds
// from the last seen primary key (`key > last ORDER BY key`). Every row that
// existed at iteration start is yielded exactly once even when already
// yielded rows are deleted concurrently, and deleted rows are never
// re-yielded.
func (q *Query) ChunkByID(ctx context.Context, size int, fn func([]*Entity) error) error {
	if q.err != nil {
		return q.err
	}
	if size < 1 {
		return fmt.Errorf("loam: chunk size must be positive, got %d", size)
	}
	var last any
	for {
		c := q.Clone()
		c.sel.ClearOrder()
		if last != nil {
			c.Where(sql.GT(c.C(c.def.Key), last))
		}
		batch, err := c.OrderBy(c.def.Key).Limit(size).Get(ctx)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		last = batch[len(batch)-1].Key()
		if err := fn(batch); err != nil {
			if errors.Is(err, ErrStopChunking) {
				return nil
			}
			return err
		}
		if len(batch) < size {
			return nil
		}
	}
}

// Lazy returns an iterator streaming the matching rows one at a time,
// fetching keyed pages of the given size on demand. Breaking out of the
// range stops fetching.
func (q *Query) Lazy(ctx context.Context, size int) iter.Seq2[*Entity, error] {
	return func(yield func(*Entity, error) bool) {
		if q.err != nil {
			yield(nil, q.err)
			return
		}
		if size < 1 {
			size = 100
		}
		var last any
		for {
			c := q.Clone()
			c.sel.ClearOrder()
			if last != nil {
				c.Where(sql.GT(c.C(c.def.Key), last))
			}
			batch, err := c.OrderBy(c.def.Key).Limit(size).Get(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, e := range batch {
				if !yield(e, nil) {
					return
				}
			}
			if len(batch) < size {
				return
			}
			last = batch[len(batch)-1].Key()
		}
	}
}

// Cursor is the decoded state of a keyset-pagination token.
type Cursor struct {
	LastKey any `msgpack:"k"`
	PerPage int `msgpack:"n"`
}

// EncodeCursor serializes the cursor into an opaque URL-safe token.
func EncodeCursor(c *Cursor) string {
	raw, err := msgpack.Marshal(c)
	if err != nil {
		// Cursor fields are always encodable; a failure here is a bug.
		panic(fmt.Sprintf("loam: encoding cursor: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a token produced by EncodeCursor. Tampered or
// truncated tokens fail.
func DecodeCursor(token string) (*Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("loam: invalid cursor: %w", err)
	}
	var c Cursor
	if err := msgpack.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("loam: invalid cursor: %w", err)
	}
	c.LastKey = normalizeKey(c.LastKey)
	return &c, nil
}
