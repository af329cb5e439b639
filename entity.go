package loam

import (
	"context"
	"sort"
	"time"
)

// Entity is a typed record bound to one table: a mapping of column name to
// tagged value, a dirty set of attributes changed since load/save, a
// relation cache and an optional soft-delete marker. Entities belong to one
// logical unit of work and are never shared across concurrent callers.
type Entity struct {
	def      *Definition
	client   *Client
	attrs    map[string]Value
	original map[string]Value
	dirty    map[string]struct{}
	exists   bool

	// Relation cache. loaded marks relations that were hydrated (possibly
	// empty), so access can distinguish "no rows" from "not loaded".
	relations map[string][]*Entity
	loaded    map[string]struct{}

	// Pivot record attached when the entity was reached through a
	// many-to-many relation.
	pivot map[string]Value
}

func newEntity(def *Definition, client *Client) *Entity {
	return &Entity{
		def:       def,
		client:    client,
		attrs:     make(map[string]Value),
		original:  make(map[string]Value),
		dirty:     make(map[string]struct{}),
		relations: make(map[string][]*Entity),
		loaded:    make(map[string]struct{}),
	}
}

// Definition returns the entity's definition.
func (e *Entity) Definition() *Definition { return e.def }

// Exists reports whether the entity is backed by a stored row.
func (e *Entity) Exists() bool { return e.exists }

// Key returns the primary-key value in canonical form (int64 or string),
// or nil when the entity has not been persisted.
func (e *Entity) Key() any {
	return normalizeKey(e.attr(e.def.Key).Any())
}

func (e *Entity) attr(column string) Value {
	return e.attrs[column]
}

// Get returns the attribute value for the given column.
func (e *Entity) Get(column string) Value {
	return e.attrs[column]
}

// Set assigns an attribute value and records it in the dirty set when it
// differs from the original.
func (e *Entity) Set(column string, v any) *Entity {
	val := ValueOf(v)
	if k := e.def.cast(column); k != KindNull {
		val = val.Cast(k)
	}
	e.attrs[column] = val
	if orig, ok := e.original[column]; ok && orig.Equal(val) {
		delete(e.dirty, column)
	} else {
		e.dirty[column] = struct{}{}
	}
	return e
}

// Fill mass-assigns the given attributes, honoring the definition's
// allow-list. The first rejected attribute aborts the call with a
// MassAssignmentError, leaving the dirty set untouched.
func (e *Entity) Fill(attrs map[string]any) error {
	for col := range attrs {
		if !e.def.fillable(col) {
			return &MassAssignmentError{Entity: e.def.Name, Attribute: col}
		}
	}
	for _, col := range sortedKeys(attrs) {
		e.Set(col, attrs[col])
	}
	return nil
}

// IsDirty reports whether any attribute (or the given columns, when
// supplied) changed since the entity was loaded or last saved.
func (e *Entity) IsDirty(columns ...string) bool {
	if len(columns) == 0 {
		return len(e.dirty) > 0
	}
	for _, c := range columns {
		if _, ok := e.dirty[c]; ok {
			return true
		}
	}
	return false
}

// Dirty returns the changed attribute names in sorted order.
func (e *Entity) Dirty() []string {
	out := make([]string, 0, len(e.dirty))
	for c := range e.dirty {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// SyncOriginal snapshots the current attributes as the original state and
// clears the dirty set.
func (e *Entity) SyncOriginal() {
	e.original = make(map[string]Value, len(e.attrs))
	for k, v := range e.attrs {
		e.original[k] = v
	}
	e.dirty = make(map[string]struct{})
}

// Trashed reports whether the entity carries a soft-delete marker.
func (e *Entity) Trashed() bool {
	if e.def.SoftDelete == "" {
		return false
	}
	return !e.attrs[e.def.SoftDelete].IsNull()
}

// Columns returns the entity's attribute names in sorted order.
func (e *Entity) Columns() []string {
	out := make([]string, 0, len(e.attrs))
	for c := range e.attrs {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Pivot returns the pivot attribute for the given column. Only meaningful
// on entities reached through a many-to-many relation.
func (e *Entity) Pivot(column string) Value {
	return e.pivot[column]
}

func (e *Entity) pivotValue(column string) Value {
	return e.pivot[column]
}

func (e *Entity) setPivot(column string, v Value) {
	if e.pivot == nil {
		e.pivot = make(map[string]Value)
	}
	e.pivot[column] = v
}

// SetRelation caches the given related entities under the relation name and
// marks it loaded.
func (e *Entity) SetRelation(name string, related ...*Entity) {
	e.relations[name] = related
	e.loaded[name] = struct{}{}
}

// RelationLoaded reports whether the named relation has been hydrated.
func (e *Entity) RelationLoaded(name string) bool {
	_, ok := e.loaded[name]
	return ok
}

// Relation returns the single related entity cached under name, or nil when
// the relation is loaded but empty. Accessors never perform I/O: an
// unloaded relation returns a NotLoadedError.
func (e *Entity) Relation(name string) (*Entity, error) {
	if !e.RelationLoaded(name) {
		return nil, &NotLoadedError{relation: name}
	}
	rs := e.relations[name]
	if len(rs) == 0 {
		return nil, nil
	}
	return rs[0], nil
}

// Relations returns the related entities cached under name. Accessors never
// perform I/O: an unloaded relation returns a NotLoadedError.
func (e *Entity) Relations(name string) ([]*Entity, error) {
	if !e.RelationLoaded(name) {
		return nil, &NotLoadedError{relation: name}
	}
	return e.relations[name], nil
}

// Load performs an on-demand single-owner query for the given relation
// paths. In strict mode the call fails with a LazyLoadError instead; eager
// loading via Query.With is the approved route there.
func (e *Entity) Load(ctx context.Context, paths ...string) error {
	if e.client == nil {
		return &NotLoadedError{relation: firstSegment(paths)}
	}
	if e.client.strict {
		return &LazyLoadError{Entity: e.def.Name, Relation: firstSegment(paths)}
	}
	return e.client.loadPaths(ctx, e.def, []*Entity{e}, paths)
}

// Save persists the entity: an insert when it has no backing row, otherwise
// an update limited to the dirty set. The dirty set is cleared on success.
func (e *Entity) Save(ctx context.Context) error {
	if e.client == nil {
		return ErrNotFound
	}
	q := e.client.Model(e.def.Name)
	if !e.exists {
		return q.insertEntity(ctx, e)
	}
	return q.updateEntity(ctx, e)
}

// Delete removes the entity: a soft delete when the definition declares a
// marker column, a physical delete otherwise.
func (e *Entity) Delete(ctx context.Context) error {
	if e.client == nil || !e.exists {
		return ErrNotFound
	}
	q := e.client.Model(e.def.Name).WhereKey(e.Key())
	if e.def.SoftDelete != "" {
		_, err := q.Delete(ctx)
		if err == nil {
			e.Set(e.def.SoftDelete, time.Now().UTC())
			e.SyncOriginal()
		}
		return err
	}
	_, err := q.ForceDelete(ctx)
	if err == nil {
		e.exists = false
	}
	return err
}

// Restore clears the soft-delete marker so the entity reappears in default
// queries.
func (e *Entity) Restore(ctx context.Context) error {
	if e.client == nil || e.def.SoftDelete == "" {
		return ErrNotFound
	}
	_, err := e.client.Model(e.def.Name).WithTrashed().WhereKey(e.Key()).Restore(ctx)
	if err == nil {
		e.Set(e.def.SoftDelete, nil)
		e.SyncOriginal()
	}
	return err
}

func firstSegment(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	return paths[0]
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
