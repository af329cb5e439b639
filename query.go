package loam

import (
	"context"
	"fmt"
	"time"

	"github.com/loamdb/loam/dialect"
	"github.com/loamdb/loam/dialect/sql"
)

// Timestamp columns maintained when Definition.Timestamps is set.
const (
	createdAtColumn = "created_at"
	updatedAtColumn = "updated_at"
)

// Soft-delete visibility modes.
type trashedMode uint8

const (
	trashedExcluded trashedMode = iota
	trashedIncluded
	trashedOnly
)

// Scope is a reusable query refinement applied with Scoped. Scopes compose
// explicitly at call sites; there is no global scope registry.
type Scope func(*Query) *Query

// Query builds and executes statements for one entity type. The zero Query
// is unusable; obtain one from Client.Model. Queries are not safe for
// concurrent use; Clone before sharing a partially-built query.
type Query struct {
	client  *Client
	def     *Definition
	table   *sql.SelectTable
	sel     *sql.Selector
	trashed trashedMode
	paths   []string
	err     error
}

func newQuery(c *Client, def *Definition) *Query {
	t := sql.Table(def.Table)
	return &Query{
		client: c,
		def:    def,
		table:  t,
		sel:    sql.Dialect(c.Dialect()).Select().From(t),
	}
}

// Clone returns a duplicate of the query that can diverge from the original
// without affecting it.
func (q *Query) Clone() *Query {
	c := *q
	c.sel = q.sel.Clone()
	c.paths = append([]string(nil), q.paths...)
	return &c
}

// C returns the given column qualified with the query's table.
func (q *Query) C(column string) string {
	return q.table.C(column)
}

// Select restricts the selected columns. The primary key and the columns
// relation assignment depends on should stay selected when eager loading.
func (q *Query) Select(columns ...string) *Query {
	q.sel.Select(columns...)
	return q
}

// Distinct marks the selection as DISTINCT.
func (q *Query) Distinct() *Query {
	q.sel.Distinct()
	return q
}

// Where conjoins the given predicate with AND.
func (q *Query) Where(p *sql.Predicate) *Query {
	q.sel.Where(p)
	return q
}

// OrWhere groups everything accumulated so far and attaches p with OR, so
// evaluation order matches call order: Where(a).OrWhere(b).Where(c)
// compiles to (a OR b) AND c.
func (q *Query) OrWhere(p *sql.Predicate) *Query {
	q.sel.OrWhere(p)
	return q
}

// WhereKey restricts the query to the row with the given primary key.
func (q *Query) WhereKey(key any) *Query {
	return q.Where(sql.EQ(q.C(q.def.Key), key))
}

// WhereIn restricts the query to rows whose column is in the value set.
func (q *Query) WhereIn(column string, vs ...any) *Query {
	return q.Where(sql.In(q.C(column), vs...))
}

// WhereNull restricts the query to rows whose column is null.
func (q *Query) WhereNull(column string) *Query {
	return q.Where(sql.IsNull(q.C(column)))
}

// WhereNotNull restricts the query to rows whose column is not null.
func (q *Query) WhereNotNull(column string) *Query {
	return q.Where(sql.NotNull(q.C(column)))
}

// WhereBetween restricts the query to rows whose column is between lo and hi.
func (q *Query) WhereBetween(column string, lo, hi any) *Query {
	return q.Where(sql.Between(q.C(column), lo, hi))
}

// WhereRaw conjoins a raw predicate fragment with positional bindings. Each
// `?` in the fragment pairs with exactly one binding.
func (q *Query) WhereRaw(expr string, args ...any) *Query {
	return q.Where(sql.ExprP(expr, args...))
}

// WhereExists conjoins an EXISTS predicate over a subquery on the named
// entity, refined by fn.
func (q *Query) WhereExists(entity string, fn func(*Query)) *Query {
	sub := q.client.Model(entity)
	if sub.err != nil {
		q.fail(sub.err)
		return q
	}
	if fn != nil {
		fn(sub)
	}
	return q.Where(sql.Exists(sub.compile().Select("1")))
}

// WhereHas restricts the query to rows having at least one related row on
// the named relation, optionally refined by fn. Compiles to a correlated
// EXISTS subquery.
func (q *Query) WhereHas(relation string, fn func(*Query)) *Query {
	rel, ok := q.def.Relations[relation]
	if !ok {
		q.fail(&RelationPathError{Entity: q.def.Name, Path: relation})
		return q
	}
	sub, err := q.existsQuery(rel)
	if err != nil {
		q.fail(err)
		return q
	}
	if fn != nil {
		refine := newQuery(q.client, mustLookup(q.client.registry, rel.Entity))
		fn(refine)
		if refine.err != nil {
			q.fail(refine.err)
			return q
		}
		sub.Where(refine.sel.P())
	}
	return q.Where(sql.Exists(sub))
}

// existsQuery builds the correlated subquery for a relation-existence check.
func (q *Query) existsQuery(rel Relation) (*sql.Selector, error) {
	target, ok := q.client.registry.Lookup(rel.Entity)
	if !ok {
		return nil, &RelationPathError{Entity: q.def.Name, Path: rel.Entity}
	}
	d := sql.Dialect(q.client.Dialect())
	t := sql.Table(target.Table)
	s := d.Select("1").From(t)
	switch rel.Kind {
	case RelHasOne, RelHasMany:
		s.Where(sql.ColumnsEQ(t.C(rel.ForeignKey), q.C(rel.LocalKey)))
	case RelBelongsTo:
		s.Where(sql.ColumnsEQ(t.C(rel.OwnerKey), q.C(rel.ForeignKey)))
	case RelMorphOne, RelMorphMany:
		s.Where(sql.And(
			sql.EQ(t.C(rel.MorphType), q.def.Name),
			sql.ColumnsEQ(t.C(rel.MorphID), q.C(rel.LocalKey)),
		))
	case RelBelongsToMany:
		p := sql.Table(rel.Pivot)
		s.Join(p).On(sql.ColumnsEQ(t.C(rel.OwnerKey), p.C(rel.PivotRK))).
			Where(sql.ColumnsEQ(p.C(rel.PivotFK), q.C(rel.LocalKey)))
	case RelMorphToMany:
		p := sql.Table(rel.Pivot)
		s.Join(p).On(sql.ColumnsEQ(t.C(rel.OwnerKey), p.C(rel.PivotRK))).
			Where(sql.And(
				sql.EQ(p.C(rel.MorphType), q.def.Name),
				sql.ColumnsEQ(p.C(rel.MorphID), q.C(rel.LocalKey)),
			))
	case RelHasOneThrough, RelHasManyThrough:
		through, ok := q.client.registry.Lookup(rel.Through)
		if !ok {
			return nil, &RelationPathError{Entity: q.def.Name, Path: rel.Through}
		}
		th := sql.Table(through.Table)
		s.Join(th).On(sql.ColumnsEQ(th.C(rel.ThroughKey), t.C(rel.ForeignKey))).
			Where(sql.ColumnsEQ(th.C(rel.ThroughFK), q.C(rel.LocalKey)))
	default:
		return nil, &RelationPathError{Entity: q.def.Name, Path: rel.Kind.String()}
	}
	if target.SoftDelete != "" {
		s.Where(sql.IsNull(t.C(target.SoftDelete)))
	}
	return s, nil
}

// Join appends an INNER JOIN on the given table with the given condition.
func (q *Query) Join(table string, on *sql.Predicate) *Query {
	q.sel.Join(sql.Table(table)).On(on)
	return q
}

// LeftJoin appends a LEFT JOIN on the given table with the given condition.
func (q *Query) LeftJoin(table string, on *sql.Predicate) *Query {
	q.sel.LeftJoin(sql.Table(table)).On(on)
	return q
}

// CrossJoin appends a CROSS JOIN on the given table.
func (q *Query) CrossJoin(table string) *Query {
	q.sel.CrossJoin(sql.Table(table))
	return q
}

// OrderBy appends ascending order terms.
func (q *Query) OrderBy(columns ...string) *Query {
	for _, c := range columns {
		q.sel.OrderBy(q.C(c))
	}
	return q
}

// OrderByDesc appends a descending order term.
func (q *Query) OrderByDesc(column string) *Query {
	q.sel.OrderByDesc(q.C(column))
	return q
}

// Latest orders by created_at descending (or the given column).
func (q *Query) Latest(column ...string) *Query {
	return q.OrderByDesc(orderColumn(column))
}

// Oldest orders by created_at ascending (or the given column).
func (q *Query) Oldest(column ...string) *Query {
	return q.OrderBy(orderColumn(column))
}

func orderColumn(column []string) string {
	if len(column) > 0 {
		return column[0]
	}
	return createdAtColumn
}

// GroupBy appends grouping terms.
func (q *Query) GroupBy(columns ...string) *Query {
	for _, c := range columns {
		q.sel.GroupBy(q.C(c))
	}
	return q
}

// Having sets the HAVING predicate.
func (q *Query) Having(p *sql.Predicate) *Query {
	q.sel.Having(p)
	return q
}

// Limit sets the LIMIT clause.
func (q *Query) Limit(n int) *Query {
	q.sel.Limit(n)
	return q
}

// Offset sets the OFFSET clause.
func (q *Query) Offset(n int) *Query {
	q.sel.Offset(n)
	return q
}

// LockForUpdate acquires exclusive row locks on the selected rows. Omitted
// on SQLite, which locks at database granularity.
func (q *Query) LockForUpdate() *Query {
	q.sel.For(sql.LockForUpdate)
	return q
}

// LockForShare acquires shared row locks on the selected rows.
func (q *Query) LockForShare() *Query {
	q.sel.For(sql.LockForShare)
	return q
}

// Scoped applies the given scopes in order.
func (q *Query) Scoped(scopes ...Scope) *Query {
	for _, s := range scopes {
		q = s(q)
	}
	return q
}

// WithTrashed includes soft-deleted rows in the result.
func (q *Query) WithTrashed() *Query {
	q.trashed = trashedIncluded
	return q
}

// OnlyTrashed restricts the result to soft-deleted rows.
func (q *Query) OnlyTrashed() *Query {
	q.trashed = trashedOnly
	return q
}

// With requests eager loading of the given dot-separated relation paths.
// Each path segment costs one batched query regardless of row count.
func (q *Query) With(paths ...string) *Query {
	q.paths = append(q.paths, paths...)
	return q
}

func (q *Query) fail(err error) {
	if q.err == nil {
		q.err = err
	}
}

// compile clones the accumulated selector and appends the soft-delete
// visibility scope.
func (q *Query) compile() *sql.Selector {
	s := q.sel.Clone()
	if q.def.SoftDelete != "" {
		switch q.trashed {
		case trashedExcluded:
			s.Where(sql.IsNull(q.C(q.def.SoftDelete)))
		case trashedOnly:
			s.Where(sql.NotNull(q.C(q.def.SoftDelete)))
		}
	}
	return s
}

func (q *Query) queryRows(ctx context.Context, s *sql.Selector) (*sql.Rows, error) {
	stmt, args := s.Query()
	rows := &sql.Rows{}
	if err := q.client.drv.Query(ctx, stmt, args, rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Get executes the query and returns all matching entities, with the
// requested relation paths eager-loaded.
func (q *Query) Get(ctx context.Context) ([]*Entity, error) {
	if q.err != nil {
		return nil, q.err
	}
	rows, err := q.queryRows(ctx, q.compile())
	if err != nil {
		return nil, err
	}
	es, err := hydrate(q.def, q.client, rows, nil)
	if err != nil {
		return nil, err
	}
	if len(q.paths) > 0 {
		if err := q.client.loadPaths(ctx, q.def, es, q.paths); err != nil {
			return nil, err
		}
	}
	return es, nil
}

// First returns the first matching entity, or (nil, nil) when none match.
func (q *Query) First(ctx context.Context) (*Entity, error) {
	es, err := q.Clone().Limit(1).Get(ctx)
	if err != nil || len(es) == 0 {
		return nil, err
	}
	return es[0], nil
}

// FirstOrErr returns the first matching entity, or a NotFoundError when
// none match.
func (q *Query) FirstOrErr(ctx context.Context) (*Entity, error) {
	e, err := q.First(ctx)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, NewNotFoundError(q.def.Name)
	}
	return e, nil
}

// Find returns the entity with the given primary key, or (nil, nil) when it
// does not exist.
func (q *Query) Find(ctx context.Context, key any) (*Entity, error) {
	return q.Clone().WhereKey(key).First(ctx)
}

// FindOrErr returns the entity with the given primary key, or a
// NotFoundError carrying the key when it does not exist.
func (q *Query) FindOrErr(ctx context.Context, key any) (*Entity, error) {
	e, err := q.Find(ctx, key)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, NewNotFoundErrorWithKey(q.def.Name, key)
	}
	return e, nil
}

// Sole returns the single matching entity. No match returns a NotFoundError;
// more than one returns a NotSingularError.
func (q *Query) Sole(ctx context.Context) (*Entity, error) {
	es, err := q.Clone().Limit(2).Get(ctx)
	if err != nil {
		return nil, err
	}
	switch len(es) {
	case 0:
		return nil, NewNotFoundError(q.def.Name)
	case 1:
		return es[0], nil
	default:
		return nil, &NotSingularError{label: q.def.Name}
	}
}

// scalar runs the query with the selection replaced by a single expression
// and returns the value of the first row.
func (q *Query) scalar(ctx context.Context, expr string) (Value, error) {
	if q.err != nil {
		return Null, q.err
	}
	s := q.compile().Select(expr).ClearOrder()
	rows, err := q.queryRows(ctx, s)
	if err != nil {
		return Null, err
	}
	defer rows.Close()
	if !rows.Next() {
		return Null, rows.Err()
	}
	var v any
	if err := rows.Scan(&v); err != nil {
		return Null, err
	}
	return ValueOf(v), rows.Err()
}

// Count returns the number of matching rows.
func (q *Query) Count(ctx context.Context) (int64, error) {
	v, err := q.scalar(ctx, sql.Count("*"))
	return v.Int(), err
}

// Sum returns the sum of the given column over the matching rows.
func (q *Query) Sum(ctx context.Context, column string) (float64, error) {
	v, err := q.scalar(ctx, sql.Sum(q.C(column)))
	return v.Float(), err
}

// Avg returns the average of the given column over the matching rows.
func (q *Query) Avg(ctx context.Context, column string) (float64, error) {
	v, err := q.scalar(ctx, sql.Avg(q.C(column)))
	return v.Float(), err
}

// Min returns the minimum of the given column over the matching rows.
func (q *Query) Min(ctx context.Context, column string) (Value, error) {
	return q.scalar(ctx, sql.Min(q.C(column)))
}

// Max returns the maximum of the given column over the matching rows.
func (q *Query) Max(ctx context.Context, column string) (Value, error) {
	return q.scalar(ctx, sql.Max(q.C(column)))
}

// Exists reports whether any row matches the query.
func (q *Query) Exists(ctx context.Context) (bool, error) {
	if q.err != nil {
		return false, q.err
	}
	s := q.compile().Select("1").ClearOrder().Limit(1)
	rows, err := q.queryRows(ctx, s)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}

// Pluck returns the values of a single column over the matching rows.
func (q *Query) Pluck(ctx context.Context, column string) ([]Value, error) {
	if q.err != nil {
		return nil, q.err
	}
	s := q.compile().Select(q.C(column))
	rows, err := q.queryRows(ctx, s)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Value
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, ValueOf(v).Cast(q.def.cast(column)))
	}
	return out, rows.Err()
}

// Page is one offset-paginated result page.
type Page struct {
	Items       []*Entity
	Total       int64
	PerPage     int
	CurrentPage int
	LastPage    int
}

// Paginate returns the given page of results along with the total count.
// Pages are numbered from 1.
func (q *Query) Paginate(ctx context.Context, page, perPage int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 15
	}
	total, err := q.Clone().Count(ctx)
	if err != nil {
		return nil, err
	}
	items, err := q.Clone().Limit(perPage).Offset((page - 1) * perPage).Get(ctx)
	if err != nil {
		return nil, err
	}
	last := int((total + int64(perPage) - 1) / int64(perPage))
	if last < 1 {
		last = 1
	}
	return &Page{
		Items:       items,
		Total:       total,
		PerPage:     perPage,
		CurrentPage: page,
		LastPage:    last,
	}, nil
}

// CursorPage is one keyset-paginated result page. Next is empty on the last
// page.
type CursorPage struct {
	Items []*Entity
	Next  string
}

// CursorPaginate returns the page following the given cursor token (empty
// for the first page), ordered by primary key. Keyset pagination stays
// stable under concurrent inserts and deletes of already-seen rows.
func (q *Query) CursorPaginate(ctx context.Context, cursor string, perPage int) (*CursorPage, error) {
	if perPage < 1 {
		perPage = 15
	}
	c := q.Clone()
	c.sel.ClearOrder()
	if cursor != "" {
		cur, err := DecodeCursor(cursor)
		if err != nil {
			return nil, err
		}
		c.Where(sql.GT(c.C(c.def.Key), cur.LastKey))
	}
	items, err := c.OrderBy(c.def.Key).Limit(perPage).Get(ctx)
	if err != nil {
		return nil, err
	}
	page := &CursorPage{Items: items}
	if len(items) == perPage {
		page.Next = EncodeCursor(&Cursor{
			LastKey: items[len(items)-1].Key(),
			PerPage: perPage,
		})
	}
	return page, nil
}

// Create builds a new entity from the given attributes (honoring the
// mass-assignment allow-list), generates a client-assigned key when the
// definition calls for one, maintains timestamps and inserts the row. The
// returned entity carries the assigned key.
func (q *Query) Create(ctx context.Context, attrs map[string]any) (*Entity, error) {
	if q.err != nil {
		return nil, q.err
	}
	e := newEntity(q.def, q.client)
	if err := e.Fill(attrs); err != nil {
		return nil, err
	}
	if err := q.insertEntity(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Save persists the given entity: an insert when it has no backing row, an
// update limited to its dirty set otherwise.
func (q *Query) Save(ctx context.Context, e *Entity) error {
	if q.err != nil {
		return q.err
	}
	if !e.exists {
		return q.insertEntity(ctx, e)
	}
	return q.updateEntity(ctx, e)
}

func (q *Query) insertEntity(ctx context.Context, e *Entity) error {
	if e.attr(q.def.Key).IsNull() {
		if key := q.def.genKey(); key != nil {
			e.Set(q.def.Key, key)
		}
	}
	if q.def.Timestamps {
		now := time.Now().UTC()
		e.Set(createdAtColumn, now)
		e.Set(updatedAtColumn, now)
	}
	columns := e.Columns()
	ins := sql.Dialect(q.client.Dialect()).Insert(q.def.Table).Columns(columns...)
	row := make([]any, len(columns))
	for i, c := range columns {
		row[i] = e.attr(c).Any()
	}
	ins.Values(row...)
	// Store-assigned keys come back via RETURNING on postgres and
	// LastInsertId elsewhere.
	storeKey := q.def.KeyKind == KeyInt && e.attr(q.def.Key).IsNull()
	if storeKey && q.client.Dialect() == dialect.Postgres {
		stmt, args := ins.Returning(q.def.Key).Query()
		rows := &sql.Rows{}
		if err := q.client.drv.Query(ctx, stmt, args, rows); err != nil {
			return err
		}
		defer rows.Close()
		if rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			e.Set(q.def.Key, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}
	} else {
		stmt, args := ins.Query()
		var res sql.Result
		if err := q.client.drv.Exec(ctx, stmt, args, &res); err != nil {
			return err
		}
		if storeKey {
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			e.Set(q.def.Key, id)
		}
	}
	e.exists = true
	e.SyncOriginal()
	return nil
}

func (q *Query) updateEntity(ctx context.Context, e *Entity) error {
	if q.def.Timestamps && e.IsDirty() {
		e.Set(updatedAtColumn, time.Now().UTC())
	}
	dirty := e.Dirty()
	if len(dirty) == 0 {
		return nil
	}
	upd := sql.Dialect(q.client.Dialect()).Update(q.def.Table)
	for _, c := range dirty {
		upd.Set(c, e.attr(c).Any())
	}
	upd.Where(sql.EQ(q.def.Key, e.Key()))
	stmt, args := upd.Query()
	if err := q.client.drv.Exec(ctx, stmt, args, nil); err != nil {
		return err
	}
	e.SyncOriginal()
	return nil
}

// Update bulk-updates the matching rows with the given attributes and
// returns the number of affected rows. The mass-assignment allow-list does
// not apply; bulk updates are an explicit low-level operation.
func (q *Query) Update(ctx context.Context, attrs map[string]any) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	upd := sql.Dialect(q.client.Dialect()).Update(q.def.Table)
	for _, c := range sortedKeys(attrs) {
		upd.Set(c, ValueOf(attrs[c]).Any())
	}
	if q.def.Timestamps {
		if _, ok := attrs[updatedAtColumn]; !ok {
			upd.Set(updatedAtColumn, time.Now().UTC())
		}
	}
	if upd.Empty() {
		return 0, nil
	}
	upd.Where(q.compile().P())
	return q.exec(ctx, upd)
}

// Delete removes the matching rows: a soft delete (marker update) when the
// definition declares one, a physical delete otherwise. Returns the number
// of affected rows.
func (q *Query) Delete(ctx context.Context) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	if q.def.SoftDelete == "" {
		return q.ForceDelete(ctx)
	}
	upd := sql.Dialect(q.client.Dialect()).Update(q.def.Table).
		Set(q.def.SoftDelete, time.Now().UTC())
	if q.def.Timestamps {
		upd.Set(updatedAtColumn, time.Now().UTC())
	}
	upd.Where(q.compile().P())
	return q.exec(ctx, upd)
}

// ForceDelete physically removes the matching rows regardless of the
// soft-delete marker.
func (q *Query) ForceDelete(ctx context.Context) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	del := sql.Dialect(q.client.Dialect()).Delete(q.def.Table)
	del.Where(q.Clone().WithTrashed().compile().P())
	return q.exec(ctx, del)
}

// Restore clears the soft-delete marker on the matching rows so they
// reappear in default queries. Combine with OnlyTrashed or WithTrashed to
// reach soft-deleted rows.
func (q *Query) Restore(ctx context.Context) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	if q.def.SoftDelete == "" {
		return 0, fmt.Errorf("loam: %s has no soft-delete column", q.def.Name)
	}
	upd := sql.Dialect(q.client.Dialect()).Update(q.def.Table).
		Set(q.def.SoftDelete, nil)
	if q.def.Timestamps {
		upd.Set(updatedAtColumn, time.Now().UTC())
	}
	upd.Where(q.compile().P())
	return q.exec(ctx, upd)
}

// Touch updates only the updated_at column of the matching rows.
func (q *Query) Touch(ctx context.Context) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	if !q.def.Timestamps {
		return 0, fmt.Errorf("loam: %s does not maintain timestamps", q.def.Name)
	}
	upd := sql.Dialect(q.client.Dialect()).Update(q.def.Table).
		Set(updatedAtColumn, time.Now().UTC())
	upd.Where(q.compile().P())
	return q.exec(ctx, upd)
}

func (q *Query) exec(ctx context.Context, st sql.Querier) (int64, error) {
	stmt, args := st.Query()
	var res sql.Result
	if err := q.client.drv.Exec(ctx, stmt, args, &res); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func mustLookup(r *Registry, name string) *Definition {
	d, ok := r.Lookup(name)
	if !ok {
		panic(fmt.Sprintf("loam: unregistered entity %q", name))
	}
	return d
}
