package loam

import (
	"context"
	"fmt"
	"sync"

	"github.com/loamdb/loam/dialect"
	"github.com/loamdb/loam/dialect/sql"
)

// Client is the entry point to the engine: a driver, a registry of entity
// definitions and the options applied to every query it creates. A Client is
// safe for concurrent use; the entities it returns are not.
type Client struct {
	drv      dialect.Driver
	registry *Registry
	strict   bool
}

// Option configures a client.
type Option func(*Client)

// Debug wraps the client's driver so every statement is logged.
func Debug() Option {
	return func(c *Client) {
		c.drv = dialect.Debug(c.drv)
	}
}

// Strict makes on-demand relation loading fail with a LazyLoadError instead
// of issuing hidden queries. Off by default.
func Strict() Option {
	return func(c *Client) {
		c.strict = true
	}
}

// Open opens a connection to the database identified by the dialect name and
// DSN, and returns a client bound to the given registry.
func Open(dialectName, dsn string, reg *Registry, opts ...Option) (*Client, error) {
	drv, err := sql.Open(dialectName, dsn)
	if err != nil {
		return nil, err
	}
	return NewClient(drv, reg, opts...), nil
}

// NewClient returns a client backed by an existing driver.
func NewClient(drv dialect.Driver, reg *Registry, opts ...Option) *Client {
	c := &Client{drv: drv, registry: reg}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the client's entity registry.
func (c *Client) Registry() *Registry { return c.registry }

// Driver returns the client's driver.
func (c *Client) Driver() dialect.Driver { return c.drv }

// Dialect returns the name of the driver's dialect.
func (c *Client) Dialect() string { return c.drv.Dialect() }

// Close closes the underlying connection pool.
func (c *Client) Close() error { return c.drv.Close() }

// Model returns a query for the named entity. Unregistered names yield a
// query that fails on execution.
func (c *Client) Model(name string) *Query {
	def, ok := c.registry.Lookup(name)
	if !ok {
		return &Query{err: fmt.Errorf("loam: unregistered entity %q", name)}
	}
	return newQuery(c, def)
}

// Entity returns a fresh unsaved entity for the named definition.
func (c *Client) Entity(name string) (*Entity, error) {
	def, ok := c.registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("loam: unregistered entity %q", name)
	}
	return newEntity(def, c), nil
}

// defaultTxAttempts is the closure-transaction retry budget applied when no
// WithMaxAttempts option is given.
const defaultTxAttempts = 3

type txOptions struct {
	maxAttempts int
}

// TxOption configures a closure transaction.
type TxOption func(*txOptions)

// WithMaxAttempts sets how many times the transaction closure may run before
// a deadlock or serialization conflict is surfaced to the caller.
func WithMaxAttempts(n int) TxOption {
	return func(o *txOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// Tx runs fn inside a transaction. On a deadlock or serialization conflict
// the transaction is rolled back and fn re-run from scratch while attempts
// remain; fn must therefore be safe to execute more than once. Conflicts
// detected at commit time retry the same way. Any other error rolls back and
// propagates. Exhausting the budget surfaces a DeadlockError wrapping the
// last conflict.
func (c *Client) Tx(ctx context.Context, fn func(*Tx) error, opts ...TxOption) error {
	o := txOptions{maxAttempts: defaultTxAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	var last error
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		tx, err := c.BeginTx(ctx)
		if err != nil {
			return err
		}
		if err = fn(tx); err == nil {
			if err = tx.Commit(); err == nil {
				return nil
			}
		} else {
			err = rollback(tx, err)
		}
		if !sql.IsDeadlock(err) || ctx.Err() != nil {
			return err
		}
		last = err
	}
	return &DeadlockError{Attempts: o.maxAttempts, wrap: last}
}

// BeginTx starts a transaction and returns a handle whose Model queries run
// inside it. Beginning a transaction on a transactional client returns
// ErrTxStarted.
func (c *Client) BeginTx(ctx context.Context) (*Tx, error) {
	if _, ok := c.drv.(*txDriver); ok {
		return nil, ErrTxStarted
	}
	tx, err := c.drv.Tx(ctx)
	if err != nil {
		return nil, fmt.Errorf("loam: starting a transaction: %w", err)
	}
	txc := &Client{
		drv:      &txDriver{tx: tx, drv: c.drv},
		registry: c.registry,
		strict:   c.strict,
	}
	return &Tx{client: txc, tx: tx}, nil
}

// rollback rolls tx back and, when the rollback itself fails, annotates the
// original error with the rollback failure.
func rollback(tx *Tx, err error) error {
	if rerr := tx.Rollback(); rerr != nil && rerr != ErrTxDone {
		err = fmt.Errorf("%w: rolling back transaction: %v", err, rerr)
	}
	return err
}

// Tx is an open transaction. It commits or rolls back exactly once; later
// calls return ErrTxDone.
type Tx struct {
	client *Client
	tx     dialect.Tx

	mu   sync.Mutex
	done bool
}

// Client returns a client that routes statements through the transaction.
func (t *Tx) Client() *Client { return t.client }

// Model returns a query for the named entity running inside the transaction.
func (t *Tx) Model(name string) *Query { return t.client.Model(name) }

// Commit commits the transaction.
func (t *Tx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	t.done = true
	return t.tx.Commit()
}

// Rollback rolls the transaction back.
func (t *Tx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	t.done = true
	return t.tx.Rollback()
}

// txDriver routes driver calls through an open transaction, so engine code
// written against dialect.Driver works unchanged inside one.
type txDriver struct {
	tx  dialect.Tx
	drv dialect.Driver
}

func (t *txDriver) Exec(ctx context.Context, query string, args, v any) error {
	return t.tx.Exec(ctx, query, args, v)
}

func (t *txDriver) Query(ctx context.Context, query string, args, v any) error {
	return t.tx.Query(ctx, query, args, v)
}

func (t *txDriver) Tx(context.Context) (dialect.Tx, error) {
	return nil, ErrTxStarted
}

func (t *txDriver) Close() error { return nil }

func (t *txDriver) Dialect() string { return t.drv.Dialect() }
