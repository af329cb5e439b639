package loam

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-openapi/inflect"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// KeyKind selects the primary-key strategy of an entity.
type KeyKind uint8

const (
	// KeyInt is a store-assigned integer key (auto-increment / serial).
	KeyInt KeyKind = iota
	// KeyUUID is a client-generated UUID string key.
	KeyUUID
	// KeyULID is a client-generated ULID string key.
	KeyULID
)

// Definition describes one entity type: its table, key, soft-delete marker,
// casts, mass-assignment allow-list and declared relations. Definitions are
// registered once and are immutable afterwards.
type Definition struct {
	// Name is the entity label, e.g. "Post". It doubles as the morph
	// discriminator value stored for polymorphic relations.
	Name string
	// Table is the table name. Defaults to the pluralized snake-case Name.
	Table string
	// Key is the primary-key column. Defaults to "id".
	Key string
	// KeyKind selects the key strategy. Defaults to KeyInt.
	KeyKind KeyKind
	// SoftDelete names the soft-delete marker column (commonly
	// "deleted_at"). Empty disables soft deletion for the entity.
	SoftDelete string
	// Timestamps enables created_at/updated_at maintenance.
	Timestamps bool
	// Fillable is the mass-assignment allow-list. An empty list allows all
	// attributes.
	Fillable []string
	// Casts maps column names to value kinds applied during hydration.
	Casts map[string]Kind
	// Relations declares the entity's relations by name.
	Relations map[string]Relation
}

// Clone returns a deep copy of the definition.
func (d *Definition) Clone() *Definition {
	c := *d
	c.Fillable = append([]string(nil), d.Fillable...)
	c.Casts = make(map[string]Kind, len(d.Casts))
	for k, v := range d.Casts {
		c.Casts[k] = v
	}
	c.Relations = make(map[string]Relation, len(d.Relations))
	for k, v := range d.Relations {
		v.PivotColumns = append([]string(nil), v.PivotColumns...)
		c.Relations[k] = v
	}
	return &c
}

func (d *Definition) fillable(attr string) bool {
	if len(d.Fillable) == 0 {
		return true
	}
	for _, f := range d.Fillable {
		if f == attr {
			return true
		}
	}
	return false
}

func (d *Definition) cast(column string) Kind {
	if k, ok := d.Casts[column]; ok {
		return k
	}
	return KindNull // no cast: keep the scanned kind
}

// genKey generates a new primary-key value for client-assigned key kinds.
// Store-assigned keys return nil.
func (d *Definition) genKey() any {
	switch d.KeyKind {
	case KeyUUID:
		return uuid.NewString()
	case KeyULID:
		return ulid.Make().String()
	default:
		return nil
	}
}

// normalizeKey converts a raw key value into its canonical comparable form:
// int64 for integer values, string otherwise. Both sides of a foreign/local
// key pair share a storage type, so kind-based normalization keeps them
// comparable without consulting a definition.
func normalizeKey(v any) any {
	val := ValueOf(v)
	switch val.Kind() {
	case KindNull:
		return nil
	case KindInt, KindFloat, KindBool:
		return val.Int()
	default:
		return val.String()
	}
}

// Registry holds all entity definitions and resolves morph discriminators.
// It is populated once by NewRegistry and read-only afterwards, safe for
// unsynchronized concurrent reads.
type Registry struct {
	defs map[string]*Definition
}

// NewRegistry builds a registry from the given definitions, applying naming
// conventions to unset fields and validating relation targets.
func NewRegistry(defs ...*Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]*Definition, len(defs))}
	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("loam: definition without a name")
		}
		if _, ok := r.defs[d.Name]; ok {
			return nil, fmt.Errorf("loam: duplicate definition %q", d.Name)
		}
		c := d.Clone()
		if c.Table == "" {
			c.Table = Tableize(c.Name)
		}
		if c.Key == "" {
			c.Key = "id"
		}
		r.defs[c.Name] = c
	}
	for _, d := range r.defs {
		for name, rel := range d.Relations {
			resolved, err := r.resolveRelation(d, name, rel)
			if err != nil {
				return nil, err
			}
			d.Relations[name] = resolved
		}
	}
	return r, nil
}

// MustRegistry is like NewRegistry but panics on error. Intended for
// package-level registration of a static schema.
func MustRegistry(defs ...*Definition) *Registry {
	r, err := NewRegistry(defs...)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the definition registered under the given entity name.
func (r *Registry) Lookup(name string) (*Definition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Names returns the registered entity names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Morph resolves a stored discriminator value to its definition. The set of
// morph targets is closed: unregistered discriminators are an error.
func (r *Registry) Morph(discriminator string) (*Definition, error) {
	d, ok := r.defs[discriminator]
	if !ok {
		return nil, &RelationPathError{Entity: discriminator, Path: discriminator}
	}
	return d, nil
}

// resolveRelation fills convention-based defaults into a declared relation
// and freezes it. Every relation resolves to exactly one foreign/local key
// pair (or type+key pair for polymorphic forms).
func (r *Registry) resolveRelation(owner *Definition, name string, rel Relation) (Relation, error) {
	target, ok := r.defs[rel.Entity]
	if rel.Kind != RelMorphTo && !ok {
		return rel, fmt.Errorf("loam: %s.%s targets unregistered entity %q", owner.Name, name, rel.Entity)
	}
	if rel.LocalKey == "" {
		rel.LocalKey = owner.Key
	}
	switch rel.Kind {
	case RelHasOne, RelHasMany:
		if rel.ForeignKey == "" {
			rel.ForeignKey = ForeignKey(owner.Name)
		}
	case RelBelongsTo:
		if rel.ForeignKey == "" {
			rel.ForeignKey = ForeignKey(rel.Entity)
		}
		if rel.OwnerKey == "" {
			rel.OwnerKey = target.Key
		}
	case RelBelongsToMany:
		if rel.Pivot == "" {
			rel.Pivot = JoinTable(owner.Name, rel.Entity)
		}
		if rel.PivotFK == "" {
			rel.PivotFK = ForeignKey(owner.Name)
		}
		if rel.PivotRK == "" {
			rel.PivotRK = ForeignKey(rel.Entity)
		}
		if rel.OwnerKey == "" {
			rel.OwnerKey = target.Key
		}
	case RelHasOneThrough, RelHasManyThrough:
		through, ok := r.defs[rel.Through]
		if !ok {
			return rel, fmt.Errorf("loam: %s.%s bridges unregistered entity %q", owner.Name, name, rel.Through)
		}
		if rel.ThroughFK == "" {
			rel.ThroughFK = ForeignKey(owner.Name)
		}
		if rel.ForeignKey == "" {
			rel.ForeignKey = ForeignKey(rel.Through)
		}
		if rel.ThroughKey == "" {
			rel.ThroughKey = through.Key
		}
	case RelMorphOne, RelMorphMany:
		if rel.Morph == "" {
			return rel, fmt.Errorf("loam: %s.%s requires a morph name", owner.Name, name)
		}
		rel.MorphType = rel.Morph + "_type"
		rel.MorphID = rel.Morph + "_id"
	case RelMorphTo:
		if rel.Morph == "" {
			return rel, fmt.Errorf("loam: %s.%s requires a morph name", owner.Name, name)
		}
		rel.MorphType = rel.Morph + "_type"
		rel.MorphID = rel.Morph + "_id"
	case RelMorphToMany:
		if rel.Morph == "" {
			return rel, fmt.Errorf("loam: %s.%s requires a morph name", owner.Name, name)
		}
		rel.MorphType = rel.Morph + "_type"
		rel.MorphID = rel.Morph + "_id"
		if rel.Pivot == "" {
			rel.Pivot = inflect.Pluralize(rel.Morph)
		}
		if rel.PivotRK == "" {
			rel.PivotRK = ForeignKey(rel.Entity)
		}
		if rel.OwnerKey == "" {
			rel.OwnerKey = target.Key
		}
	default:
		return rel, fmt.Errorf("loam: %s.%s has unknown relation kind", owner.Name, name)
	}
	return rel, nil
}

// Tableize derives the conventional table name from an entity name:
// "OrderItem" becomes "order_items".
func Tableize(name string) string {
	return inflect.Pluralize(inflect.Underscore(name))
}

// ForeignKey derives the conventional foreign-key column from an entity
// name: "Author" becomes "author_id".
func ForeignKey(name string) string {
	return inflect.Underscore(inflect.Singularize(name)) + "_id"
}

// JoinTable derives the conventional pivot-table name for two entities:
// the singular snake-case names in alphabetical order joined by "_".
func JoinTable(a, b string) string {
	sa := inflect.Underscore(inflect.Singularize(a))
	sb := inflect.Underscore(inflect.Singularize(b))
	if sa > sb {
		sa, sb = sb, sa
	}
	return strings.Join([]string{sa, sb}, "_")
}
