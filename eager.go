package loam

import (
	"context"
	"strings"

	"github.com/loamdb/loam/dialect/sql"
)

// identKey identifies one hydrated entity within a load plan.
type identKey struct {
	name string
	key  any
}

// identityMap keeps one instance per (entity, key) within a single load
// plan, so cyclic relation paths resolve to the same entity instead of
// duplicating it. The map lives for the duration of one plan only.
type identityMap map[identKey]*Entity

func (m identityMap) add(e *Entity) {
	if m == nil {
		return
	}
	if k := e.Key(); k != nil {
		m[identKey{name: e.def.Name, key: k}] = e
	}
}

func (m identityMap) get(def *Definition, key any) (*Entity, bool) {
	if m == nil || key == nil {
		return nil, false
	}
	e, ok := m[identKey{name: def.Name, key: key}]
	return e, ok
}

// hydrate scans all rows into entities of the given definition. Columns
// prefixed pivot_ are routed into the entity's pivot record; everything else
// becomes an attribute, cast per the definition. When an identity map is
// given, rows whose key was already hydrated in this plan resolve to the
// existing instance.
func hydrate(def *Definition, c *Client, rows *sql.Rows, ident identityMap) ([]*Entity, error) {
	defer rows.Close()
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []*Entity
	for rows.Next() {
		dest := make([]any, len(columns))
		for i := range dest {
			dest[i] = new(any)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		e := newEntity(def, c)
		for i, col := range columns {
			v := ValueOf(*dest[i].(*any))
			if name, ok := strings.CutPrefix(col, pivotPrefix); ok {
				e.setPivot(name, v)
				continue
			}
			if k := def.cast(col); k != KindNull {
				v = v.Cast(k)
			}
			e.attrs[col] = v
		}
		if cached, ok := ident.get(def, e.Key()); ok {
			out = append(out, cached)
			continue
		}
		e.exists = true
		e.SyncOriginal()
		ident.add(e)
		out = append(out, e)
	}
	return out, rows.Err()
}

// loadPaths eager-loads the given dot-separated relation paths onto the
// owners. Each path segment costs one batched query (one per distinct target
// type for MorphTo), independent of the number of owners.
func (c *Client) loadPaths(ctx context.Context, def *Definition, owners []*Entity, paths []string) error {
	if len(owners) == 0 || len(paths) == 0 {
		return nil
	}
	ident := make(identityMap, len(owners))
	for _, o := range owners {
		ident.add(o)
	}
	return c.load(ctx, def, owners, groupPaths(paths), ident)
}

// groupPaths splits dot paths by their first segment: {"author.profile",
// "author.posts", "tags"} becomes {author: [profile, posts], tags: []}.
func groupPaths(paths []string) map[string][]string {
	groups := make(map[string][]string, len(paths))
	for _, p := range paths {
		head, rest, found := strings.Cut(p, ".")
		if _, ok := groups[head]; !ok {
			groups[head] = nil
		}
		if found {
			groups[head] = append(groups[head], rest)
		}
	}
	return groups
}

func (c *Client) load(ctx context.Context, def *Definition, owners []*Entity, groups map[string][]string, ident identityMap) error {
	for _, head := range sortedKeys(groups) {
		rel, ok := def.Relations[head]
		if !ok {
			return &RelationPathError{Entity: def.Name, Path: head}
		}
		if rel.Kind == RelMorphTo {
			if err := c.loadMorphTo(ctx, head, rel, def, owners, groups[head], ident); err != nil {
				return err
			}
			continue
		}
		children, target, err := c.loadRelation(ctx, head, rel, def, owners, ident)
		if err != nil {
			return err
		}
		if rest := groups[head]; len(rest) > 0 && len(children) > 0 {
			if err := c.load(ctx, target, children, groupPaths(rest), ident); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadRelation runs the single batched query for one relation segment and
// assigns the hydrated children to their owners.
func (c *Client) loadRelation(ctx context.Context, name string, rel Relation, def *Definition, owners []*Entity, ident identityMap) ([]*Entity, *Definition, error) {
	target, ok := c.registry.Lookup(rel.Entity)
	if !ok {
		return nil, nil, &RelationPathError{Entity: def.Name, Path: rel.Entity}
	}
	keys := ownerKeys(rel, def, owners)
	if len(keys) == 0 {
		for _, o := range owners {
			o.SetRelation(name)
		}
		return nil, target, nil
	}
	sel, err := rel.batchQuery(c.registry, def, c.Dialect(), def.Name, keys)
	if err != nil {
		return nil, nil, err
	}
	stmt, args := sel.Query()
	rows := &sql.Rows{}
	if err := c.drv.Query(ctx, stmt, args, rows); err != nil {
		return nil, nil, err
	}
	// Pivot and through rows correlate per pair, so the identity map would
	// collapse distinct pairs onto one pivot record. Skip it for those kinds.
	rowIdent := ident
	if rel.usesPivot() || rel.Kind == RelHasOneThrough || rel.Kind == RelHasManyThrough {
		rowIdent = nil
	}
	related, err := hydrate(target, c, rows, rowIdent)
	if err != nil {
		return nil, nil, err
	}
	rel.assign(name, def, owners, related)
	return related, target, nil
}

// loadMorphTo resolves an inverse polymorphic relation: owners are grouped
// by their stored discriminator and one batched query runs per distinct
// target type.
func (c *Client) loadMorphTo(ctx context.Context, name string, rel Relation, def *Definition, owners []*Entity, rest []string, ident identityMap) error {
	byType := make(map[string][]*Entity)
	for _, o := range owners {
		t := o.attr(rel.MorphType)
		if t.IsNull() || o.attr(rel.MorphID).IsNull() {
			o.SetRelation(name)
			continue
		}
		byType[t.String()] = append(byType[t.String()], o)
	}
	for _, tname := range sortedKeys(byType) {
		target, err := c.registry.Morph(tname)
		if err != nil {
			return err
		}
		group := byType[tname]
		keys := distinctKeys(group, func(o *Entity) any {
			return normalizeKey(o.attr(rel.MorphID).Any())
		})
		t := sql.Table(target.Table)
		sel := sql.Dialect(c.Dialect()).Select(t.C("*")).From(t).
			Where(sql.In(t.C(target.Key), keys...))
		if target.SoftDelete != "" {
			sel.Where(sql.IsNull(t.C(target.SoftDelete)))
		}
		stmt, args := sel.Query()
		rows := &sql.Rows{}
		if err := c.drv.Query(ctx, stmt, args, rows); err != nil {
			return err
		}
		related, err := hydrate(target, c, rows, ident)
		if err != nil {
			return err
		}
		byKey := make(map[any]*Entity, len(related))
		for _, r := range related {
			byKey[r.Key()] = r
		}
		for _, o := range group {
			if r, ok := byKey[normalizeKey(o.attr(rel.MorphID).Any())]; ok {
				o.SetRelation(name, r)
			} else {
				o.SetRelation(name)
			}
		}
		if len(rest) > 0 && len(related) > 0 {
			if err := c.load(ctx, target, related, groupPaths(rest), ident); err != nil {
				return err
			}
		}
	}
	return nil
}

// ownerKeys collects the distinct non-null correlation keys of the owners
// for the given relation.
func ownerKeys(rel Relation, def *Definition, owners []*Entity) []any {
	col := rel.ownerColumn(def)
	return distinctKeys(owners, func(o *Entity) any {
		return normalizeKey(o.attr(col).Any())
	})
}

func distinctKeys(es []*Entity, keyOf func(*Entity) any) []any {
	seen := make(map[any]struct{}, len(es))
	keys := make([]any, 0, len(es))
	for _, e := range es {
		k := keyOf(e)
		if k == nil {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}
