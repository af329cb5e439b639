// Package sql provides the statement builders and the database/sql-backed
// driver used by the loam engine.
//
// Builders compile deterministically: the same builder state always produces
// the same statement text and the same binding order. Bindings are positional
// only; a compiled statement carries exactly one argument per placeholder.
package sql

import (
	"strconv"
	"strings"

	"github.com/loamdb/loam/dialect"
)

// Querier is the interface implemented by all statement builders.
type Querier interface {
	// Query returns the compiled statement and its bindings.
	Query() (string, []any)
}

// Builder is the base working buffer shared by all statement builders.
// It accumulates statement text, positional bindings and compile errors.
type Builder struct {
	sb      strings.Builder
	dialect string
	args    []any
	errs    []error
}

// Dialect configures the dialect used for identifier quoting and
// placeholder formatting of builders derived from it.
type DialectBuilder struct {
	dialect string
}

// Dialect creates a builder factory for the given dialect name.
func Dialect(name string) *DialectBuilder {
	return &DialectBuilder{dialect: name}
}

// Select returns a Selector for the configured dialect.
func (d *DialectBuilder) Select(columns ...string) *Selector {
	s := Select(columns...)
	s.dialect = d.dialect
	return s
}

// Insert returns an Inserter for the configured dialect.
func (d *DialectBuilder) Insert(table string) *Inserter {
	i := Insert(table)
	i.dialect = d.dialect
	return i
}

// Update returns an Updater for the configured dialect.
func (d *DialectBuilder) Update(table string) *Updater {
	u := Update(table)
	u.dialect = d.dialect
	return u
}

// Delete returns a Deleter for the configured dialect.
func (d *DialectBuilder) Delete(table string) *Deleter {
	del := Delete(table)
	del.dialect = d.dialect
	return del
}

func (b *Builder) clone() Builder {
	return Builder{dialect: b.dialect}
}

func (b *Builder) postgres() bool {
	return b.dialect == dialect.Postgres
}

func (b *Builder) mysql() bool {
	return b.dialect == dialect.MySQL
}

// Quote quotes the given identifier for the configured dialect.
func (b *Builder) Quote(ident string) string {
	quote := `"`
	if b.mysql() {
		quote = "`"
	}
	return quote + ident + quote
}

// Ident writes the given identifier, quoting each dot-separated part.
// Raw expressions (wrapped with Expr) and "*" pass through unquoted.
func (b *Builder) Ident(s string) {
	switch {
	case s == "*" || s == "":
		b.sb.WriteString(s)
	case strings.ContainsAny(s, "()' "):
		// Already an expression (aggregate call, alias, raw).
		b.sb.WriteString(s)
	default:
		parts := strings.Split(s, ".")
		for i, p := range parts {
			if i > 0 {
				b.sb.WriteByte('.')
			}
			if p == "*" {
				b.sb.WriteString(p)
			} else {
				b.sb.WriteString(b.Quote(p))
			}
		}
	}
}

// Arg writes a placeholder for v and records it as a binding. Values wrapped
// with Expr are written verbatim instead.
func (b *Builder) Arg(v any) {
	if r, ok := v.(*raw); ok {
		b.sb.WriteString(r.s)
		return
	}
	b.args = append(b.args, v)
	if b.postgres() {
		b.sb.WriteByte('$')
		b.sb.WriteString(strconv.Itoa(len(b.args)))
	} else {
		b.sb.WriteByte('?')
	}
}

// Args writes a comma-separated list of placeholders for vs.
func (b *Builder) Args(vs ...any) {
	for i, v := range vs {
		if i > 0 {
			b.sb.WriteString(", ")
		}
		b.Arg(v)
	}
}

// WriteString writes s to the statement buffer.
func (b *Builder) WriteString(s string) {
	b.sb.WriteString(s)
}

// Nested writes the output of f wrapped in parentheses.
func (b *Builder) Nested(f func(*Builder)) {
	b.sb.WriteByte('(')
	f(b)
	b.sb.WriteByte(')')
}

// AddError records an error discovered during building. The first recorded
// error is returned by Err.
func (b *Builder) AddError(err error) {
	b.errs = append(b.errs, err)
}

// Err returns the first error recorded during building, if any.
func (b *Builder) Err() error {
	if len(b.errs) > 0 {
		return b.errs[0]
	}
	return nil
}

type raw struct{ s string }

// Expr marks s as a raw expression so Arg writes it verbatim instead of
// binding it. The builder never inspects raw content; injection safety is
// the caller's responsibility.
func Expr(s string) any {
	return &raw{s: s}
}

// pkind tracks how a predicate was composed, so composite children are
// parenthesized when nested under a different boolean connective.
type pkind uint8

const (
	kindLeaf pkind = iota
	kindAnd
	kindOr
)

// Predicate is a node in the predicate tree. Predicates are composed with
// And, Or and Not and compiled by the owning statement builder.
type Predicate struct {
	kind pkind
	fn   func(*Builder)
}

func leaf(fn func(*Builder)) *Predicate {
	return &Predicate{kind: kindLeaf, fn: fn}
}

func (p *Predicate) compile(b *Builder) {
	p.fn(b)
}

// nested compiles p, wrapping composite predicates in parentheses.
func (p *Predicate) nested(b *Builder) {
	if p.kind == kindLeaf {
		p.fn(b)
		return
	}
	b.Nested(p.fn)
}

// And joins the given predicates with AND. Composite operands keep their own
// parentheses, so And(a, Or(b, c)) compiles to `a AND (b OR c)`.
func And(ps ...*Predicate) *Predicate {
	if len(ps) == 1 {
		return ps[0]
	}
	return &Predicate{kind: kindAnd, fn: func(b *Builder) {
		for i, p := range ps {
			if i > 0 {
				b.WriteString(" AND ")
			}
			p.nested(b)
		}
	}}
}

// Or joins the given predicates with OR.
func Or(ps ...*Predicate) *Predicate {
	if len(ps) == 1 {
		return ps[0]
	}
	return &Predicate{kind: kindOr, fn: func(b *Builder) {
		for i, p := range ps {
			if i > 0 {
				b.WriteString(" OR ")
			}
			p.nested(b)
		}
	}}
}

// Not negates the given predicate.
func Not(p *Predicate) *Predicate {
	return leaf(func(b *Builder) {
		b.WriteString("NOT ")
		b.Nested(p.compile)
	})
}

func binary(col, op string, v any) *Predicate {
	return leaf(func(b *Builder) {
		b.Ident(col)
		b.WriteString(" " + op + " ")
		b.Arg(v)
	})
}

// EQ returns a `col = v` predicate.
func EQ(col string, v any) *Predicate { return binary(col, "=", v) }

// NEQ returns a `col <> v` predicate.
func NEQ(col string, v any) *Predicate { return binary(col, "<>", v) }

// GT returns a `col > v` predicate.
func GT(col string, v any) *Predicate { return binary(col, ">", v) }

// GTE returns a `col >= v` predicate.
func GTE(col string, v any) *Predicate { return binary(col, ">=", v) }

// LT returns a `col < v` predicate.
func LT(col string, v any) *Predicate { return binary(col, "<", v) }

// LTE returns a `col <= v` predicate.
func LTE(col string, v any) *Predicate { return binary(col, "<=", v) }

// Like returns a `col LIKE pattern` predicate.
func Like(col, pattern string) *Predicate { return binary(col, "LIKE", pattern) }

// ColumnsEQ returns a `col1 = col2` predicate comparing two identifiers.
// Used mainly for join conditions.
func ColumnsEQ(col1, col2 string) *Predicate {
	return leaf(func(b *Builder) {
		b.Ident(col1)
		b.WriteString(" = ")
		b.Ident(col2)
	})
}

// In returns a `col IN (...)` predicate. An empty value set compiles to
// FALSE so the statement stays valid and matches nothing.
func In(col string, vs ...any) *Predicate {
	return leaf(func(b *Builder) {
		if len(vs) == 0 {
			b.WriteString("FALSE")
			return
		}
		b.Ident(col)
		b.WriteString(" IN (")
		b.Args(vs...)
		b.WriteString(")")
	})
}

// InSelect returns a `col IN (subquery)` predicate.
func InSelect(col string, s *Selector) *Predicate {
	return leaf(func(b *Builder) {
		b.Ident(col)
		b.WriteString(" IN ")
		b.Nested(func(b *Builder) {
			s.compile(b)
		})
	})
}

// NotIn returns a `col NOT IN (...)` predicate. An empty value set compiles
// to TRUE.
func NotIn(col string, vs ...any) *Predicate {
	return leaf(func(b *Builder) {
		if len(vs) == 0 {
			b.WriteString("TRUE")
			return
		}
		b.Ident(col)
		b.WriteString(" NOT IN (")
		b.Args(vs...)
		b.WriteString(")")
	})
}

// IsNull returns a `col IS NULL` predicate.
func IsNull(col string) *Predicate {
	return leaf(func(b *Builder) {
		b.Ident(col)
		b.WriteString(" IS NULL")
	})
}

// NotNull returns a `col IS NOT NULL` predicate.
func NotNull(col string) *Predicate {
	return leaf(func(b *Builder) {
		b.Ident(col)
		b.WriteString(" IS NOT NULL")
	})
}

// Between returns a `col BETWEEN lo AND hi` predicate.
func Between(col string, lo, hi any) *Predicate {
	return leaf(func(b *Builder) {
		b.Ident(col)
		b.WriteString(" BETWEEN ")
		b.Arg(lo)
		b.WriteString(" AND ")
		b.Arg(hi)
	})
}

// Exists returns an `EXISTS (subquery)` predicate.
func Exists(s *Selector) *Predicate {
	return leaf(func(b *Builder) {
		b.WriteString("EXISTS ")
		b.Nested(func(b *Builder) {
			s.compile(b)
		})
	})
}

// NotExists returns a `NOT EXISTS (subquery)` predicate.
func NotExists(s *Selector) *Predicate {
	return leaf(func(b *Builder) {
		b.WriteString("NOT EXISTS ")
		b.Nested(func(b *Builder) {
			s.compile(b)
		})
	})
}

// ExprP returns a predicate holding a raw expression with positional
// bindings. The expression text is written verbatim; each `?` the caller
// put in it must pair with exactly one binding.
func ExprP(expr string, args ...any) *Predicate {
	return leaf(func(b *Builder) {
		if !b.postgres() {
			b.WriteString(expr)
			b.args = append(b.args, args...)
			return
		}
		// Rewrite ? placeholders to $n for postgres.
		var i int
		for _, r := range expr {
			if r == '?' && i < len(args) {
				b.Arg(args[i])
				i++
				continue
			}
			b.sb.WriteRune(r)
		}
	})
}

// Aggregate expression helpers.

// Count returns a `COUNT(ident)` expression.
func Count(ident string) string { return agg("COUNT", ident) }

// Sum returns a `SUM(ident)` expression.
func Sum(ident string) string { return agg("SUM", ident) }

// Avg returns an `AVG(ident)` expression.
func Avg(ident string) string { return agg("AVG", ident) }

// Min returns a `MIN(ident)` expression.
func Min(ident string) string { return agg("MIN", ident) }

// Max returns a `MAX(ident)` expression.
func Max(ident string) string { return agg("MAX", ident) }

func agg(fn, ident string) string {
	return fn + "(" + ident + ")"
}

// As returns the expression aliased with the given name.
func As(expr, alias string) string {
	return expr + " AS " + alias
}

// SelectTable is a table reference inside a Selector.
type SelectTable struct {
	name  string
	alias string
}

// Table returns a new table reference.
func Table(name string) *SelectTable {
	return &SelectTable{name: name}
}

// As sets the table alias.
func (t *SelectTable) As(alias string) *SelectTable {
	t.alias = alias
	return t
}

// C returns the given column qualified with the table name (or alias).
func (t *SelectTable) C(column string) string {
	name := t.name
	if t.alias != "" {
		name = t.alias
	}
	return name + "." + column
}

// Name returns the table name.
func (t *SelectTable) Name() string { return t.name }

func (t *SelectTable) ref(b *Builder) {
	b.Ident(t.name)
	if t.alias != "" {
		b.WriteString(" AS ")
		b.Ident(t.alias)
	}
}

type join struct {
	kind  string // "JOIN", "LEFT JOIN", "CROSS JOIN"
	table *SelectTable
	on    *Predicate
}

// Row-locking modes.
const (
	LockForUpdate = "FOR UPDATE"
	LockForShare  = "FOR SHARE"
)

// Selector builds a SELECT statement.
type Selector struct {
	dialect  string
	columns  []string
	distinct bool
	from     *SelectTable
	joins    []join
	where    *Predicate
	groupBy  []string
	having   *Predicate
	orderBy  []string
	limit    *int
	offset   *int
	lock     string
}

// Select returns a Selector for the given columns. No columns means `*`.
func Select(columns ...string) *Selector {
	return &Selector{columns: columns}
}

// Clone returns a duplicate of the selector that can diverge from the
// original without affecting it.
func (s *Selector) Clone() *Selector {
	if s == nil {
		return nil
	}
	c := *s
	c.columns = append([]string(nil), s.columns...)
	c.joins = append([]join(nil), s.joins...)
	c.groupBy = append([]string(nil), s.groupBy...)
	c.orderBy = append([]string(nil), s.orderBy...)
	if s.limit != nil {
		n := *s.limit
		c.limit = &n
	}
	if s.offset != nil {
		n := *s.offset
		c.offset = &n
	}
	return &c
}

// Dialect returns the selector dialect name.
func (s *Selector) Dialect() string { return s.dialect }

// Select replaces the selected columns.
func (s *Selector) Select(columns ...string) *Selector {
	s.columns = columns
	return s
}

// AppendSelect appends columns to the selection.
func (s *Selector) AppendSelect(columns ...string) *Selector {
	s.columns = append(s.columns, columns...)
	return s
}

// SelectedColumns returns the current column selection.
func (s *Selector) SelectedColumns() []string {
	return append([]string(nil), s.columns...)
}

// Distinct marks the selection as DISTINCT.
func (s *Selector) Distinct() *Selector {
	s.distinct = true
	return s
}

// From sets the table the selector reads from.
func (s *Selector) From(t *SelectTable) *Selector {
	s.from = t
	return s
}

// TableRef returns the table the selector reads from.
func (s *Selector) TableRef() *SelectTable { return s.from }

// Where appends the given predicate with an AND conjunction.
func (s *Selector) Where(p *Predicate) *Selector {
	if p == nil {
		return s
	}
	if s.where == nil {
		s.where = p
	} else {
		s.where = And(s.where, p)
	}
	return s
}

// OrWhere groups the accumulated predicate tree and attaches p with OR,
// so evaluation order always matches call order.
func (s *Selector) OrWhere(p *Predicate) *Selector {
	if p == nil {
		return s
	}
	if s.where == nil {
		s.where = p
	} else {
		s.where = Or(s.where, p)
	}
	return s
}

// P returns the accumulated predicate tree.
func (s *Selector) P() *Predicate { return s.where }

// Join appends an INNER JOIN on the given table.
func (s *Selector) Join(t *SelectTable) *Selector {
	return s.join("JOIN", t)
}

// LeftJoin appends a LEFT JOIN on the given table.
func (s *Selector) LeftJoin(t *SelectTable) *Selector {
	return s.join("LEFT JOIN", t)
}

// CrossJoin appends a CROSS JOIN on the given table.
func (s *Selector) CrossJoin(t *SelectTable) *Selector {
	return s.join("CROSS JOIN", t)
}

func (s *Selector) join(kind string, t *SelectTable) *Selector {
	s.joins = append(s.joins, join{kind: kind, table: t})
	return s
}

// On sets the join condition of the most recent join.
func (s *Selector) On(p *Predicate) *Selector {
	if len(s.joins) > 0 {
		s.joins[len(s.joins)-1].on = p
	}
	return s
}

// OrderBy appends ascending order terms.
func (s *Selector) OrderBy(columns ...string) *Selector {
	s.orderBy = append(s.orderBy, columns...)
	return s
}

// OrderByDesc appends a descending order term.
func (s *Selector) OrderByDesc(column string) *Selector {
	s.orderBy = append(s.orderBy, column+" DESC")
	return s
}

// ClearOrder drops all order terms.
func (s *Selector) ClearOrder() *Selector {
	s.orderBy = nil
	return s
}

// GroupBy appends grouping terms.
func (s *Selector) GroupBy(columns ...string) *Selector {
	s.groupBy = append(s.groupBy, columns...)
	return s
}

// Having sets the HAVING predicate.
func (s *Selector) Having(p *Predicate) *Selector {
	s.having = p
	return s
}

// Limit sets the LIMIT clause.
func (s *Selector) Limit(n int) *Selector {
	s.limit = &n
	return s
}

// Offset sets the OFFSET clause.
func (s *Selector) Offset(n int) *Selector {
	s.offset = &n
	return s
}

// For sets the row-locking clause (LockForUpdate or LockForShare).
// SQLite locks the whole database on write; the clause is omitted there.
func (s *Selector) For(lock string) *Selector {
	s.lock = lock
	return s
}

// C returns the given column qualified with the selector table.
func (s *Selector) C(column string) string {
	if s.from == nil {
		return column
	}
	return s.from.C(column)
}

func (s *Selector) compile(b *Builder) {
	b.WriteString("SELECT ")
	if s.distinct {
		b.WriteString("DISTINCT ")
	}
	if len(s.columns) == 0 {
		b.WriteString("*")
	} else {
		for i, c := range s.columns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.Ident(c)
		}
	}
	if s.from != nil {
		b.WriteString(" FROM ")
		s.from.ref(b)
	}
	for _, j := range s.joins {
		b.WriteString(" " + j.kind + " ")
		j.table.ref(b)
		if j.on != nil {
			b.WriteString(" ON ")
			j.on.compile(b)
		}
	}
	if s.where != nil {
		b.WriteString(" WHERE ")
		s.where.compile(b)
	}
	if len(s.groupBy) > 0 {
		b.WriteString(" GROUP BY ")
		for i, c := range s.groupBy {
			if i > 0 {
				b.WriteString(", ")
			}
			b.Ident(c)
		}
	}
	if s.having != nil {
		b.WriteString(" HAVING ")
		s.having.compile(b)
	}
	if len(s.orderBy) > 0 {
		b.WriteString(" ORDER BY ")
		for i, c := range s.orderBy {
			if i > 0 {
				b.WriteString(", ")
			}
			if col, ok := strings.CutSuffix(c, " DESC"); ok {
				b.Ident(col)
				b.WriteString(" DESC")
			} else {
				b.Ident(c)
			}
		}
	}
	if s.limit != nil {
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.Itoa(*s.limit))
	}
	if s.offset != nil {
		b.WriteString(" OFFSET ")
		b.WriteString(strconv.Itoa(*s.offset))
	}
	if s.lock != "" && s.dialect != dialect.SQLite {
		b.WriteString(" " + s.lock)
	}
}

// Query compiles the selector and returns the statement with its bindings.
func (s *Selector) Query() (string, []any) {
	b := &Builder{dialect: s.dialect}
	s.compile(b)
	return b.sb.String(), b.args
}

// Inserter builds an INSERT statement.
type Inserter struct {
	dialect   string
	table     string
	columns   []string
	values    [][]any
	returning string
	ignore    bool
	defaults  bool
}

// Insert returns an Inserter for the given table.
func Insert(table string) *Inserter {
	return &Inserter{table: table}
}

// Columns sets the insert column list.
func (i *Inserter) Columns(columns ...string) *Inserter {
	i.columns = columns
	return i
}

// Values appends one row of values. Call repeatedly for multi-row inserts.
func (i *Inserter) Values(vs ...any) *Inserter {
	i.values = append(i.values, vs)
	return i
}

// Default marks the statement as inserting default values only.
func (i *Inserter) Default() *Inserter {
	i.defaults = true
	return i
}

// Returning sets a RETURNING clause (postgres only; ignored elsewhere).
func (i *Inserter) Returning(column string) *Inserter {
	i.returning = column
	return i
}

// IgnoreConflicts makes the insert tolerate duplicate-key rows instead of
// failing. Compiles to ON CONFLICT DO NOTHING (postgres/sqlite) or
// INSERT IGNORE (mysql).
func (i *Inserter) IgnoreConflicts() *Inserter {
	i.ignore = true
	return i
}

// Query compiles the inserter and returns the statement with its bindings.
func (i *Inserter) Query() (string, []any) {
	b := &Builder{dialect: i.dialect}
	b.WriteString("INSERT ")
	if i.ignore && b.mysql() {
		b.WriteString("IGNORE ")
	}
	b.WriteString("INTO ")
	b.Ident(i.table)
	if i.defaults {
		b.WriteString(" DEFAULT VALUES")
	} else {
		b.WriteString(" (")
		for n, c := range i.columns {
			if n > 0 {
				b.WriteString(", ")
			}
			b.Ident(c)
		}
		b.WriteString(") VALUES ")
		for n, row := range i.values {
			if n > 0 {
				b.WriteString(", ")
			}
			b.Nested(func(b *Builder) {
				b.Args(row...)
			})
		}
	}
	if i.ignore && !b.mysql() {
		b.WriteString(" ON CONFLICT DO NOTHING")
	}
	if i.returning != "" && b.postgres() {
		b.WriteString(" RETURNING ")
		b.Ident(i.returning)
	}
	return b.sb.String(), b.args
}

// Updater builds an UPDATE statement.
type Updater struct {
	dialect string
	table   string
	columns []string
	values  []any
	where   *Predicate
}

// Update returns an Updater for the given table.
func Update(table string) *Updater {
	return &Updater{table: table}
}

// Set assigns the given value to the column.
func (u *Updater) Set(column string, v any) *Updater {
	u.columns = append(u.columns, column)
	u.values = append(u.values, v)
	return u
}

// Where appends the given predicate with an AND conjunction.
func (u *Updater) Where(p *Predicate) *Updater {
	if p == nil {
		return u
	}
	if u.where == nil {
		u.where = p
	} else {
		u.where = And(u.where, p)
	}
	return u
}

// Empty reports whether the updater has no assignments.
func (u *Updater) Empty() bool { return len(u.columns) == 0 }

// Query compiles the updater and returns the statement with its bindings.
func (u *Updater) Query() (string, []any) {
	b := &Builder{dialect: u.dialect}
	b.WriteString("UPDATE ")
	b.Ident(u.table)
	b.WriteString(" SET ")
	for n, c := range u.columns {
		if n > 0 {
			b.WriteString(", ")
		}
		b.Ident(c)
		b.WriteString(" = ")
		b.Arg(u.values[n])
	}
	if u.where != nil {
		b.WriteString(" WHERE ")
		u.where.compile(b)
	}
	return b.sb.String(), b.args
}

// Deleter builds a DELETE statement.
type Deleter struct {
	dialect string
	table   string
	where   *Predicate
}

// Delete returns a Deleter for the given table.
func Delete(table string) *Deleter {
	return &Deleter{table: table}
}

// Where appends the given predicate with an AND conjunction.
func (d *Deleter) Where(p *Predicate) *Deleter {
	if p == nil {
		return d
	}
	if d.where == nil {
		d.where = p
	} else {
		d.where = And(d.where, p)
	}
	return d
}

// Query compiles the deleter and returns the statement with its bindings.
func (d *Deleter) Query() (string, []any) {
	b := &Builder{dialect: d.dialect}
	b.WriteString("DELETE FROM ")
	b.Ident(d.table)
	if d.where != nil {
		b.WriteString(" WHERE ")
		d.where.compile(b)
	}
	return b.sb.String(), b.args
}

// Queries is a helper for compiling a list of queriers.
type Queries []Querier

// Query concatenates the compiled statements separated by "; " and merges
// the bindings. Useful for logging, not for execution.
func (qs Queries) Query() (string, []any) {
	var (
		parts []string
		args  []any
	)
	for _, q := range qs {
		s, a := q.Query()
		parts = append(parts, s)
		args = append(args, a...)
	}
	return strings.Join(parts, "; "), args
}
