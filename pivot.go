package loam

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/loamdb/loam/dialect/sql"
)

// SyncResult reports the pivot mutations performed by Sync or Toggle.
// All three sets are empty when the pivot already matched the desired state.
type SyncResult struct {
	Attached []any
	Detached []any
	Updated  []any
}

// pivotRef is a resolved many-to-many relation of one owner; all pivot
// operations go through it.
type pivotRef struct {
	owner *Entity
	rel   Relation
	key   any
}

func (e *Entity) pivotRef(relation string) (*pivotRef, error) {
	rel, ok := e.def.Relations[relation]
	if !ok {
		return nil, &RelationPathError{Entity: e.def.Name, Path: relation}
	}
	if !rel.usesPivot() {
		return nil, fmt.Errorf("loam: %s.%s is not a pivot relation", e.def.Name, relation)
	}
	if e.client == nil || !e.exists {
		return nil, NewNotFoundError(e.def.Name)
	}
	key := normalizeKey(e.attr(rel.ownerColumn(e.def)).Any())
	if key == nil {
		return nil, NewNotFoundError(e.def.Name)
	}
	return &pivotRef{owner: e, rel: rel, key: key}, nil
}

// ownerPredicate restricts a pivot statement to this owner's rows.
func (p *pivotRef) ownerPredicate() *sql.Predicate {
	if p.rel.Kind == RelMorphToMany {
		return sql.And(
			sql.EQ(p.rel.MorphType, p.owner.def.Name),
			sql.EQ(p.rel.MorphID, p.key),
		)
	}
	return sql.EQ(p.rel.PivotFK, p.key)
}

func (p *pivotRef) dialect() *sql.DialectBuilder {
	return sql.Dialect(p.owner.client.Dialect())
}

// currentKeys returns the related keys currently attached to the owner.
func (p *pivotRef) currentKeys(ctx context.Context) ([]any, error) {
	s := p.dialect().Select(p.rel.PivotRK).From(sql.Table(p.rel.Pivot)).
		Where(p.ownerPredicate())
	stmt, args := s.Query()
	rows := &sql.Rows{}
	if err := p.owner.client.drv.Query(ctx, stmt, args, rows); err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []any
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		keys = append(keys, normalizeKey(v))
	}
	return keys, rows.Err()
}

// attach inserts pivot rows for the given related keys, all carrying the
// same extra attributes.
func (p *pivotRef) attach(ctx context.Context, keys []any, attrs map[string]any) error {
	if len(keys) == 0 {
		return nil
	}
	columns := []string{}
	if p.rel.Kind == RelMorphToMany {
		columns = append(columns, p.rel.MorphType, p.rel.MorphID)
	} else {
		columns = append(columns, p.rel.PivotFK)
	}
	columns = append(columns, p.rel.PivotRK)
	extra := sortedKeys(attrs)
	columns = append(columns, extra...)
	var now time.Time
	if p.rel.PivotTimestamps {
		now = time.Now().UTC()
		columns = append(columns, createdAtColumn, updatedAtColumn)
	}
	ins := p.dialect().Insert(p.rel.Pivot).Columns(columns...)
	for _, k := range keys {
		row := []any{}
		if p.rel.Kind == RelMorphToMany {
			row = append(row, p.owner.def.Name, p.key)
		} else {
			row = append(row, p.key)
		}
		row = append(row, k)
		for _, c := range extra {
			row = append(row, ValueOf(attrs[c]).Any())
		}
		if p.rel.PivotTimestamps {
			row = append(row, now, now)
		}
		ins.Values(row...)
	}
	stmt, args := ins.Query()
	return p.owner.client.drv.Exec(ctx, stmt, args, nil)
}

// detach removes the pivot rows for the given related keys; an empty key set
// removes all of the owner's pivot rows.
func (p *pivotRef) detach(ctx context.Context, keys []any) (int64, error) {
	del := p.dialect().Delete(p.rel.Pivot).Where(p.ownerPredicate())
	if len(keys) > 0 {
		del.Where(sql.In(p.rel.PivotRK, keys...))
	}
	stmt, args := del.Query()
	var res sql.Result
	if err := p.owner.client.drv.Exec(ctx, stmt, args, &res); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// updatePivot updates the extra attributes of one pivot row.
func (p *pivotRef) updatePivot(ctx context.Context, key any, attrs map[string]any) (int64, error) {
	upd := p.dialect().Update(p.rel.Pivot)
	for _, c := range sortedKeys(attrs) {
		upd.Set(c, ValueOf(attrs[c]).Any())
	}
	if p.rel.PivotTimestamps {
		upd.Set(updatedAtColumn, time.Now().UTC())
	}
	if upd.Empty() {
		return 0, nil
	}
	upd.Where(p.ownerPredicate()).Where(sql.EQ(p.rel.PivotRK, key))
	stmt, args := upd.Query()
	var res sql.Result
	if err := p.owner.client.drv.Exec(ctx, stmt, args, &res); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Attach inserts pivot rows linking the owner to the given related keys.
// attrs (may be nil) are extra pivot attributes applied to every new row.
func (e *Entity) Attach(ctx context.Context, relation string, keys []any, attrs map[string]any) error {
	p, err := e.pivotRef(relation)
	if err != nil {
		return err
	}
	return p.attach(ctx, normalizeKeys(keys), attrs)
}

// Detach removes the pivot rows linking the owner to the given related keys.
// No keys removes all of them. Returns the number of removed rows.
func (e *Entity) Detach(ctx context.Context, relation string, keys ...any) (int64, error) {
	p, err := e.pivotRef(relation)
	if err != nil {
		return 0, err
	}
	return p.detach(ctx, normalizeKeys(keys))
}

// Sync converges the owner's pivot membership to exactly the desired set:
// missing keys are attached with their attributes, surplus keys detached,
// and present keys with non-empty attributes updated. Syncing an already
// converged set performs zero mutations. A related key appearing more than
// once in desired (after key normalization) is rejected with
// ErrDuplicateSyncKey before any statement runs.
func (e *Entity) Sync(ctx context.Context, relation string, desired map[any]map[string]any) (*SyncResult, error) {
	p, err := e.pivotRef(relation)
	if err != nil {
		return nil, err
	}
	want := make(map[any]map[string]any, len(desired))
	for k, attrs := range desired {
		nk := normalizeKey(k)
		if _, ok := want[nk]; ok {
			return nil, ErrDuplicateSyncKey
		}
		want[nk] = attrs
	}
	current, err := p.currentKeys(ctx)
	if err != nil {
		return nil, err
	}
	have := make(map[any]struct{}, len(current))
	for _, k := range current {
		have[k] = struct{}{}
	}
	res := &SyncResult{}
	var detach []any
	for _, k := range current {
		if _, ok := want[k]; !ok {
			detach = append(detach, k)
		}
	}
	if len(detach) > 0 {
		if _, err := p.detach(ctx, detach); err != nil {
			return nil, err
		}
		res.Detached = detach
	}
	for _, k := range sortedAnyKeys(want) {
		attrs := want[k]
		if _, ok := have[k]; ok {
			if len(attrs) > 0 {
				if _, err := p.updatePivot(ctx, k, attrs); err != nil {
					return nil, err
				}
				res.Updated = append(res.Updated, k)
			}
			continue
		}
		if err := p.attach(ctx, []any{k}, attrs); err != nil {
			return nil, err
		}
		res.Attached = append(res.Attached, k)
	}
	return res, nil
}

// SyncKeys is Sync without extra pivot attributes. Duplicate keys in the
// list are rejected with ErrDuplicateSyncKey.
func (e *Entity) SyncKeys(ctx context.Context, relation string, keys ...any) (*SyncResult, error) {
	desired := make(map[any]map[string]any, len(keys))
	for _, k := range keys {
		nk := normalizeKey(k)
		if _, ok := desired[nk]; ok {
			return nil, ErrDuplicateSyncKey
		}
		desired[nk] = nil
	}
	return e.Sync(ctx, relation, desired)
}

// Toggle flips pivot membership for the given keys: attached keys are
// detached and missing keys attached.
func (e *Entity) Toggle(ctx context.Context, relation string, keys ...any) (*SyncResult, error) {
	p, err := e.pivotRef(relation)
	if err != nil {
		return nil, err
	}
	current, err := p.currentKeys(ctx)
	if err != nil {
		return nil, err
	}
	have := make(map[any]struct{}, len(current))
	for _, k := range current {
		have[k] = struct{}{}
	}
	res := &SyncResult{}
	var attach, detach []any
	seen := make(map[any]struct{}, len(keys))
	for _, k := range normalizeKeys(keys) {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		if _, ok := have[k]; ok {
			detach = append(detach, k)
		} else {
			attach = append(attach, k)
		}
	}
	if len(detach) > 0 {
		if _, err := p.detach(ctx, detach); err != nil {
			return nil, err
		}
		res.Detached = detach
	}
	if len(attach) > 0 {
		if err := p.attach(ctx, attach, nil); err != nil {
			return nil, err
		}
		res.Attached = attach
	}
	return res, nil
}

// UpdatePivot updates the extra pivot attributes of the row linking the
// owner to the given related key.
func (e *Entity) UpdatePivot(ctx context.Context, relation string, key any, attrs map[string]any) (int64, error) {
	p, err := e.pivotRef(relation)
	if err != nil {
		return 0, err
	}
	return p.updatePivot(ctx, normalizeKey(key), attrs)
}

func normalizeKeys(keys []any) []any {
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, normalizeKey(k))
	}
	return out
}

func sortedAnyKeys(m map[any]map[string]any) []any {
	out := make([]any, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	// Deterministic statement order: ints before strings, each sorted.
	sortAnyKeys(out)
	return out
}

func sortAnyKeys(keys []any) {
	sort.Slice(keys, func(i, j int) bool {
		a, ai := keys[i].(int64)
		b, bi := keys[j].(int64)
		switch {
		case ai && bi:
			return a < b
		case ai:
			return true
		case bi:
			return false
		default:
			return fmt.Sprint(keys[i]) < fmt.Sprint(keys[j])
		}
	})
}
