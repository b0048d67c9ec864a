// Package query caches the result of a fetch and keeps it fresh.
package query

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Fetcher loads the current value.
type Fetcher[T any] func(ctx context.Context) (T, error)

// Options configures a Query.
type Options struct {
	// Interval is the period of Poll. Zero disables polling.
	Interval time.Duration
	Name     string
	Logger   *slog.Logger
}

// Query holds the latest fetched value. Responses are applied in the order
// their fetches were started, so a stale response never overwrites a newer
// value or a local Update.
type Query[T any] struct {
	fetch    Fetcher[T]
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	data     T
	hasData  bool
	err      error
	issued   uint64
	applied  uint64
	onChange []func(T)
}

// New creates a query. Nothing is fetched until Refetch or Poll is called.
func New[T any](fetch Fetcher[T], opts Options) *Query[T] {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Name != "" {
		logger = logger.With("query", opts.Name)
	}
	return &Query[T]{fetch: fetch, interval: opts.Interval, logger: logger}
}

// OnChange registers fn to be called with every new value.
func (q *Query[T]) OnChange(fn func(T)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onChange = append(q.onChange, fn)
}

// Refetch runs the fetcher and returns the value held afterwards. A failed
// fetch keeps the previous value and records the error.
func (q *Query[T]) Refetch(ctx context.Context) (T, error) {
	q.mu.Lock()
	q.issued++
	seq := q.issued
	q.mu.Unlock()

	v, err := q.fetch(ctx)

	q.mu.Lock()
	if seq <= q.applied {
		data, qerr := q.data, q.err
		q.mu.Unlock()
		q.logger.Debug("discarding superseded response", "seq", seq)
		return data, qerr
	}
	q.applied = seq
	if err != nil {
		q.err = err
		data := q.data
		q.mu.Unlock()
		return data, err
	}
	q.data, q.hasData, q.err = v, true, nil
	hooks := append([]func(T){}, q.onChange...)
	q.mu.Unlock()

	for _, fn := range hooks {
		fn(v)
	}
	return v, nil
}

// Data returns the cached value and whether one was ever fetched.
func (q *Query[T]) Data() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.data, q.hasData
}

// Err returns the error of the latest applied fetch.
func (q *Query[T]) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Update edits the cached value in place. Fetches already in flight will not
// overwrite the edit.
func (q *Query[T]) Update(fn func(*T)) {
	q.mu.Lock()
	fn(&q.data)
	q.applied = q.issued
	v := q.data
	hooks := append([]func(T){}, q.onChange...)
	q.mu.Unlock()

	for _, h := range hooks {
		h(v)
	}
}

// Poll refetches every Interval until ctx is done. Errors are logged and
// retried on the next tick.
func (q *Query[T]) Poll(ctx context.Context) {
	if q.interval <= 0 {
		return
	}
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.Refetch(ctx); err != nil {
				q.logger.Warn("periodic refetch failed", "error", err)
			}
		}
	}
}
