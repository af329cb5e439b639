package loam

import (
	"github.com/loamdb/loam/dialect/sql"
)

// RelKind enumerates the relation variants.
type RelKind uint8

const (
	RelHasOne RelKind = iota
	RelHasMany
	RelBelongsTo
	RelBelongsToMany
	RelHasOneThrough
	RelHasManyThrough
	RelMorphOne
	RelMorphMany
	RelMorphTo
	RelMorphToMany
)

var relNames = [...]string{
	RelHasOne:         "has_one",
	RelHasMany:        "has_many",
	RelBelongsTo:      "belongs_to",
	RelBelongsToMany:  "belongs_to_many",
	RelHasOneThrough:  "has_one_through",
	RelHasManyThrough: "has_many_through",
	RelMorphOne:       "morph_one",
	RelMorphMany:      "morph_many",
	RelMorphTo:        "morph_to",
	RelMorphToMany:    "morph_to_many",
}

// String returns the relation kind name.
func (k RelKind) String() string {
	if int(k) < len(relNames) {
		return relNames[k]
	}
	return "invalid"
}

// pivotPrefix marks correlation and pivot columns selected alongside the
// related entity's own columns in batched relation queries. The hydrator
// routes them into the entity's pivot record instead of its attributes.
const pivotPrefix = "pivot_"

// throughKey is the pivot-record key carrying the owner correlation value
// of a through-relation row.
const throughKey = "through_key"

// Relation declares how one entity type relates to another. A relation's
// key pair is resolved once at registry construction and is immutable
// afterwards.
type Relation struct {
	Kind   RelKind
	Entity string // target entity label; empty for MorphTo

	// ForeignKey / LocalKey are the single foreign/local key pair of the
	// relation. Which side each column lives on depends on the kind.
	ForeignKey string
	LocalKey   string
	// OwnerKey is the referenced column on the target (BelongsTo and
	// pivot-based kinds). Defaults to the target's primary key.
	OwnerKey string

	// Pivot configuration (BelongsToMany, MorphToMany).
	Pivot           string
	PivotFK         string // owner foreign key column on the pivot
	PivotRK         string // related foreign key column on the pivot
	PivotColumns    []string
	PivotTimestamps bool

	// Through configuration (HasOneThrough, HasManyThrough).
	Through    string // intermediate entity label
	ThroughFK  string // owner foreign key column on the intermediate
	ThroughKey string // intermediate column referenced by the target's ForeignKey

	// Polymorphic configuration. Morph is the base name; the type and id
	// columns derive from it at registration ("taggable" -> taggable_type,
	// taggable_id).
	Morph     string
	MorphType string
	MorphID   string
}

// HasOne declares a one-to-one relation whose foreign key lives on the target.
func HasOne(entity string) Relation {
	return Relation{Kind: RelHasOne, Entity: entity}
}

// HasMany declares a one-to-many relation whose foreign key lives on the target.
func HasMany(entity string) Relation {
	return Relation{Kind: RelHasMany, Entity: entity}
}

// BelongsTo declares the inverse side of HasOne/HasMany; the foreign key
// lives on the owner.
func BelongsTo(entity string) Relation {
	return Relation{Kind: RelBelongsTo, Entity: entity}
}

// BelongsToMany declares a many-to-many relation through a pivot table.
func BelongsToMany(entity string) Relation {
	return Relation{Kind: RelBelongsToMany, Entity: entity}
}

// HasOneThrough declares a one-to-one relation bridged via an intermediate entity.
func HasOneThrough(entity, through string) Relation {
	return Relation{Kind: RelHasOneThrough, Entity: entity, Through: through}
}

// HasManyThrough declares a one-to-many relation bridged via an intermediate entity.
func HasManyThrough(entity, through string) Relation {
	return Relation{Kind: RelHasManyThrough, Entity: entity, Through: through}
}

// MorphOne declares a polymorphic one-to-one relation; the target carries
// the morph type and id columns.
func MorphOne(entity, morph string) Relation {
	return Relation{Kind: RelMorphOne, Entity: entity, Morph: morph}
}

// MorphMany declares a polymorphic one-to-many relation.
func MorphMany(entity, morph string) Relation {
	return Relation{Kind: RelMorphMany, Entity: entity, Morph: morph}
}

// MorphTo declares the inverse polymorphic relation; the owner carries the
// morph type and id columns, and the target type varies per row.
func MorphTo(morph string) Relation {
	return Relation{Kind: RelMorphTo, Morph: morph}
}

// MorphToMany declares a polymorphic many-to-many relation; the pivot
// carries the morph type and id columns for the owner side.
func MorphToMany(entity, morph string) Relation {
	return Relation{Kind: RelMorphToMany, Entity: entity, Morph: morph}
}

// WithForeignKey overrides the conventional foreign-key column.
func (r Relation) WithForeignKey(column string) Relation {
	r.ForeignKey = column
	return r
}

// WithLocalKey overrides the owner key column.
func (r Relation) WithLocalKey(column string) Relation {
	r.LocalKey = column
	return r
}

// WithPivot overrides the conventional pivot table and key columns.
// Empty columns keep their conventional defaults.
func (r Relation) WithPivot(table, ownerFK, relatedFK string) Relation {
	r.Pivot = table
	r.PivotFK = ownerFK
	r.PivotRK = relatedFK
	return r
}

// WithPivotColumns declares extra pivot columns carried with the relation.
func (r Relation) WithPivotColumns(columns ...string) Relation {
	r.PivotColumns = append(r.PivotColumns, columns...)
	return r
}

// WithPivotTimestamps enables created_at/updated_at maintenance on pivot rows.
func (r Relation) WithPivotTimestamps() Relation {
	r.PivotTimestamps = true
	return r
}

// single reports whether the relation resolves to at most one related entity.
func (r Relation) single() bool {
	switch r.Kind {
	case RelHasOne, RelBelongsTo, RelHasOneThrough, RelMorphOne, RelMorphTo:
		return true
	}
	return false
}

// usesPivot reports whether the relation is carried by a pivot table.
func (r Relation) usesPivot() bool {
	return r.Kind == RelBelongsToMany || r.Kind == RelMorphToMany
}

// ownerColumn returns the owner-side column whose values are batched into
// the relation query. MorphTo owners are grouped by discriminator first and
// never reach this path.
func (r Relation) ownerColumn(owner *Definition) string {
	if r.Kind == RelBelongsTo {
		return r.ForeignKey
	}
	if r.LocalKey != "" {
		return r.LocalKey
	}
	return owner.Key
}

// batchQuery builds the single statement fetching all related rows for a
// batch of owner keys. One query serves the whole batch regardless of owner
// count; this is the N+1 countermeasure.
func (r Relation) batchQuery(reg *Registry, owner *Definition, dialectName string, ownerName string, ownerKeys []any) (*sql.Selector, error) {
	target, ok := reg.Lookup(r.Entity)
	if !ok {
		return nil, &RelationPathError{Entity: owner.Name, Path: r.Entity}
	}
	d := sql.Dialect(dialectName)
	t := sql.Table(target.Table)
	s := d.Select(t.C("*")).From(t)
	switch r.Kind {
	case RelHasOne, RelHasMany:
		s.Where(sql.In(t.C(r.ForeignKey), ownerKeys...))
	case RelBelongsTo:
		s.Where(sql.In(t.C(r.OwnerKey), ownerKeys...))
	case RelMorphOne, RelMorphMany:
		s.Where(sql.And(
			sql.EQ(t.C(r.MorphType), ownerName),
			sql.In(t.C(r.MorphID), ownerKeys...),
		))
	case RelBelongsToMany:
		p := sql.Table(r.Pivot)
		s.Join(p).On(sql.ColumnsEQ(t.C(r.OwnerKey), p.C(r.PivotRK))).
			Where(sql.In(p.C(r.PivotFK), ownerKeys...))
		s.AppendSelect(sql.As(p.C(r.PivotFK), pivotPrefix+r.PivotFK))
		for _, c := range r.PivotColumns {
			s.AppendSelect(sql.As(p.C(c), pivotPrefix+c))
		}
	case RelMorphToMany:
		p := sql.Table(r.Pivot)
		s.Join(p).On(sql.ColumnsEQ(t.C(r.OwnerKey), p.C(r.PivotRK))).
			Where(sql.And(
				sql.EQ(p.C(r.MorphType), ownerName),
				sql.In(p.C(r.MorphID), ownerKeys...),
			))
		s.AppendSelect(sql.As(p.C(r.MorphID), pivotPrefix+r.MorphID))
		for _, c := range r.PivotColumns {
			s.AppendSelect(sql.As(p.C(c), pivotPrefix+c))
		}
	case RelHasOneThrough, RelHasManyThrough:
		through, ok := reg.Lookup(r.Through)
		if !ok {
			return nil, &RelationPathError{Entity: owner.Name, Path: r.Through}
		}
		th := sql.Table(through.Table)
		s.Join(th).On(sql.ColumnsEQ(th.C(r.ThroughKey), t.C(r.ForeignKey))).
			Where(sql.In(th.C(r.ThroughFK), ownerKeys...))
		s.AppendSelect(sql.As(th.C(r.ThroughFK), pivotPrefix+throughKey))
	default:
		return nil, &RelationPathError{Entity: owner.Name, Path: r.Kind.String()}
	}
	// Related rows honor the target's soft-delete visibility by default.
	if target.SoftDelete != "" {
		s.Where(sql.IsNull(t.C(target.SoftDelete)))
	}
	return s, nil
}

// correlate returns the owner-key value a hydrated related entity groups
// under during assignment.
func (r Relation) correlate(e *Entity, owner *Definition) any {
	switch r.Kind {
	case RelHasOne, RelHasMany:
		return normalizeKey(e.attr(r.ForeignKey).Any())
	case RelBelongsTo:
		// Grouped by the target key; owners join via their foreign key.
		return normalizeKey(e.attr(r.OwnerKey).Any())
	case RelMorphOne, RelMorphMany:
		return normalizeKey(e.attr(r.MorphID).Any())
	case RelBelongsToMany:
		return normalizeKey(e.pivotValue(r.PivotFK).Any())
	case RelMorphToMany:
		return normalizeKey(e.pivotValue(r.MorphID).Any())
	case RelHasOneThrough, RelHasManyThrough:
		return normalizeKey(e.pivotValue(throughKey).Any())
	}
	return nil
}

// assign groups the related entities by owner key and attaches them to the
// matching owners. Owners with no related rows still get their relation
// marked loaded, so later access distinguishes "empty" from "not loaded".
func (r Relation) assign(name string, owner *Definition, owners, related []*Entity) {
	groups := make(map[any][]*Entity, len(owners))
	for _, e := range related {
		k := r.correlate(e, owner)
		groups[k] = append(groups[k], e)
	}
	for _, o := range owners {
		k := normalizeKey(o.attr(r.ownerColumn(owner)).Any())
		o.SetRelation(name, groups[k]...)
	}
}
