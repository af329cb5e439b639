package sql

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loamdb/loam/dialect"
)

// QueryStats holds statement execution counters. The eager-loading guarantees
// of the engine (a fixed number of queries per relation path, independent of
// row count) are observable through these counters.
type QueryStats struct {
	// Queries is the total number of row-returning statements executed.
	Queries atomic.Int64
	// Execs is the total number of non-row statements executed.
	Execs atomic.Int64
	// Errors is the count of failed statements.
	Errors atomic.Int64
	// SlowQueries is the count of statements exceeding the slow threshold.
	SlowQueries atomic.Int64
}

// Reset resets all counters to zero.
func (s *QueryStats) Reset() {
	s.Queries.Store(0)
	s.Execs.Store(0)
	s.Errors.Store(0)
	s.SlowQueries.Store(0)
}

// Total returns the total statement count.
func (s *QueryStats) Total() int64 {
	return s.Queries.Load() + s.Execs.Load()
}

// StatsDriver wraps a dialect.Driver with statement counting and slow-query
// logging through slog.
type StatsDriver struct {
	dialect.Driver
	stats         *QueryStats
	slowThreshold time.Duration
}

// StatsOption configures the StatsDriver.
type StatsOption func(*StatsDriver)

// WithSlowThreshold sets the threshold for slow query detection.
// Statements taking longer are counted and logged. Default is 100ms.
func WithSlowThreshold(d time.Duration) StatsOption {
	return func(s *StatsDriver) {
		s.slowThreshold = d
	}
}

// WithStats wraps drv with statement counting.
func WithStats(drv dialect.Driver, opts ...StatsOption) *StatsDriver {
	s := &StatsDriver{
		Driver:        drv,
		stats:         &QueryStats{},
		slowThreshold: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stats returns the underlying counters.
func (d *StatsDriver) Stats() *QueryStats {
	return d.stats
}

// Query executes a statement that returns rows and records it.
func (d *StatsDriver) Query(ctx context.Context, query string, args, v any) error {
	start := time.Now()
	err := d.Driver.Query(ctx, query, args, v)
	d.stats.Queries.Add(1)
	d.record(ctx, query, start, err)
	return err
}

// Exec executes a statement and records it.
func (d *StatsDriver) Exec(ctx context.Context, query string, args, v any) error {
	start := time.Now()
	err := d.Driver.Exec(ctx, query, args, v)
	d.stats.Execs.Add(1)
	d.record(ctx, query, start, err)
	return err
}

func (d *StatsDriver) record(ctx context.Context, query string, start time.Time, err error) {
	if err != nil {
		d.stats.Errors.Add(1)
	}
	if elapsed := time.Since(start); elapsed > d.slowThreshold {
		d.stats.SlowQueries.Add(1)
		slog.WarnContext(ctx, "slow query", "duration", elapsed, "query", query)
	}
}

// Tx starts a transaction whose statements are also counted.
func (d *StatsDriver) Tx(ctx context.Context) (dialect.Tx, error) {
	tx, err := d.Driver.Tx(ctx)
	if err != nil {
		return nil, err
	}
	return &statsTx{Tx: tx, driver: d}, nil
}

type statsTx struct {
	dialect.Tx
	driver *StatsDriver
}

func (tx *statsTx) Query(ctx context.Context, query string, args, v any) error {
	start := time.Now()
	err := tx.Tx.Query(ctx, query, args, v)
	tx.driver.stats.Queries.Add(1)
	tx.driver.record(ctx, query, start, err)
	return err
}

func (tx *statsTx) Exec(ctx context.Context, query string, args, v any) error {
	start := time.Now()
	err := tx.Tx.Exec(ctx, query, args, v)
	tx.driver.stats.Execs.Add(1)
	tx.driver.record(ctx, query, start, err)
	return err
}

var (
	_ dialect.Driver = (*StatsDriver)(nil)
	_ dialect.Tx     = (*statsTx)(nil)
)
