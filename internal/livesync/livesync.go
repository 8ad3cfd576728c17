// Package livesync mirrors a filtered, ordered remote table into a local
// in-memory collection: one full fetch on open, then incremental change-feed
// events reconciled by stable row id. Collections are independent per
// consumer and are torn down when the consumer stops observing or when the
// identity epoch ends.
package livesync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/crescendoapp/crescendo/internal/backend"
	"github.com/crescendoapp/crescendo/internal/epoch"
	"github.com/crescendoapp/crescendo/internal/errs"
)

// Config parameterizes a collection over its row type.
type Config[T any] struct {
	Table  string
	Filter backend.Filter
	Order  *backend.Order

	// Key extracts the stable unique id of an item. Uniqueness by key is
	// the one hard invariant of the collection.
	Key func(T) string

	// Merge applies a partial change-feed patch over an existing item.
	Merge func(old T, patch backend.Row) T

	// Decode converts a fetched or feed-delivered row into an item.
	Decode func(backend.Row) (T, error)

	// MaxResubscribes bounds change-feed reconnection attempts before the
	// collection surfaces a terminal error. Default 5.
	MaxResubscribes uint64

	// ResubscribeBase is the base backoff between reconnection attempts,
	// jittered. Default 500ms.
	ResubscribeBase time.Duration
}

func (c Config[T]) withDefaults() Config[T] {
	if c.MaxResubscribes == 0 {
		c.MaxResubscribes = 5
	}
	if c.ResubscribeBase <= 0 {
		c.ResubscribeBase = 500 * time.Millisecond
	}
	return c
}

// Collection is a synced in-memory mirror of one (table, filter) query.
type Collection[T any] struct {
	store  backend.RowStore
	epochs *epoch.Counter
	log    *zap.Logger

	mu      sync.Mutex
	cfg     Config[T]
	items   []T
	loading bool
	err     error
	gen     uint64 // subscription generation; events from older feeds never apply
	feed    backend.Feed
	closed  bool
	stop    chan struct{}
}

// New constructs a collection; Open starts it. epochs may be nil for
// collections not tied to the identity lifecycle.
func New[T any](store backend.RowStore, epochs *epoch.Counter, log *zap.Logger, cfg Config[T]) *Collection[T] {
	return &Collection[T]{
		store:  store,
		epochs: epochs,
		log:    log,
		cfg:    cfg.withDefaults(),
		stop:   make(chan struct{}),
	}
}

// Open performs the initial fetch and starts the change-feed consumer.
func (c *Collection[T]) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errs.ErrClosed
	}
	c.loading = true
	gen := c.gen
	cfg := c.cfg
	c.mu.Unlock()

	if err := c.fetch(ctx, gen, cfg); err != nil {
		c.setErr(gen, err)
		return err
	}
	feed, err := c.store.Subscribe(ctx, cfg.Table, cfg.Filter)
	if err != nil {
		c.setErr(gen, err)
		return err
	}
	c.adoptFeed(gen, feed)

	var watch <-chan struct{}
	if c.epochs != nil {
		watch = c.epochs.Watch(c.epochs.Current())
	}
	go c.run(ctx, gen, feed, watch)
	return nil
}

// SetQuery atomically switches the collection to a new (table, filter)
// tuple: the old feed is closed, items are replaced wholesale by a fresh
// fetch, and a new feed is opened. Events from the superseded feed are never
// applied to the new collection.
func (c *Collection[T]) SetQuery(ctx context.Context, table string, filter backend.Filter) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errs.ErrClosed
	}
	c.gen++
	gen := c.gen
	c.cfg.Table = table
	c.cfg.Filter = filter
	cfg := c.cfg
	old := c.feed
	c.feed = nil
	c.loading = true
	c.items = nil
	c.err = nil
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if err := c.fetch(ctx, gen, cfg); err != nil {
		c.setErr(gen, err)
		return err
	}
	feed, err := c.store.Subscribe(ctx, cfg.Table, cfg.Filter)
	if err != nil {
		c.setErr(gen, err)
		return err
	}
	c.adoptFeed(gen, feed)

	var watch <-chan struct{}
	if c.epochs != nil {
		watch = c.epochs.Watch(c.epochs.Current())
	}
	go c.run(ctx, gen, feed, watch)
	return nil
}

// Refresh re-runs the full fetch for the current query, replacing items.
func (c *Collection[T]) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errs.ErrClosed
	}
	gen := c.gen
	cfg := c.cfg
	c.mu.Unlock()

	if err := c.fetch(ctx, gen, cfg); err != nil {
		c.setErr(gen, err)
		return err
	}
	return nil
}

// Snapshot returns a copy of the current items in order.
func (c *Collection[T]) Snapshot() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}

// Loading reports whether the initial fetch for the current query is pending.
func (c *Collection[T]) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Err returns the surfaced fetch/subscription error, if any. The caller
// renders it and may call Refresh to retry.
func (c *Collection[T]) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tears the subscription down. Idempotent.
func (c *Collection[T]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	feed := c.feed
	c.feed = nil
	close(c.stop)
	c.mu.Unlock()
	if feed != nil {
		feed.Close()
	}
}

// fetch replaces items wholesale from a full ordered select, unless the
// generation has been superseded meanwhile.
func (c *Collection[T]) fetch(ctx context.Context, gen uint64, cfg Config[T]) error {
	rows, err := c.store.Select(ctx, cfg.Table, cfg.Filter, cfg.Order)
	if err != nil {
		return fmt.Errorf("select %s: %w", cfg.Table, err)
	}
	items := make([]T, 0, len(rows))
	for _, r := range rows {
		it, err := cfg.Decode(r)
		if err != nil {
			return fmt.Errorf("decode %s row: %w", cfg.Table, err)
		}
		items = append(items, it)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.closed {
		return nil
	}
	c.items = items
	c.loading = false
	c.err = nil
	return nil
}

func (c *Collection[T]) adoptFeed(gen uint64, feed backend.Feed) {
	c.mu.Lock()
	stale := gen != c.gen || c.closed
	if !stale {
		c.feed = feed
	}
	c.mu.Unlock()
	if stale {
		feed.Close()
	}
}

func (c *Collection[T]) setErr(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.closed {
		return
	}
	c.err = err
	c.loading = false
}

// run consumes feed events until the feed, the collection, or the epoch ends.
// A closed feed channel means transport failure: run refetches and
// resubscribes with bounded jittered backoff before giving up.
func (c *Collection[T]) run(ctx context.Context, gen uint64, feed backend.Feed, epochEnd <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-epochEnd:
			c.Close()
			return
		case ev, ok := <-feed.Events():
			if !ok {
				if c.superseded(gen) {
					return
				}
				if err := feed.Err(); err != nil {
					c.log.Warn("change feed terminated; resubscribing",
						zap.String("table", c.table()), zap.Error(err))
				}
				next, err := c.resubscribe(ctx, gen)
				if err != nil {
					c.setErr(gen, fmt.Errorf("resubscribe %s: %w", c.table(), err))
					return
				}
				if next == nil {
					return // superseded while resubscribing
				}
				feed = next
				continue
			}
			c.apply(gen, ev)
		}
	}
}

// apply reconciles one change event into the collection by stable key.
func (c *Collection[T]) apply(gen uint64, ev backend.ChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.closed {
		return
	}
	switch e := ev.(type) {
	case backend.Insert:
		c.insertLocked(e.Record)
	case backend.Update:
		i := c.indexLocked(e.ID)
		if i < 0 {
			// Out-of-order delivery: the update arrived before its insert.
			patch := backend.Row{"id": e.ID}
			for k, v := range e.Patch {
				patch[k] = v
			}
			c.insertLocked(patch)
			return
		}
		c.items[i] = c.cfg.Merge(c.items[i], e.Patch)
	case backend.Delete:
		i := c.indexLocked(e.ID)
		if i < 0 {
			return
		}
		c.items = append(c.items[:i], c.items[i+1:]...)
	}
}

func (c *Collection[T]) insertLocked(record backend.Row) {
	it, err := c.cfg.Decode(record)
	if err != nil {
		c.log.Warn("dropping undecodable feed record",
			zap.String("table", c.cfg.Table), zap.Error(err))
		return
	}
	key := c.cfg.Key(it)
	if c.indexLocked(key) >= 0 {
		return
	}
	if c.cfg.Order == nil {
		// Newest-first when the caller did not ask for an explicit sort.
		c.items = append([]T{it}, c.items...)
		return
	}
	c.items = append(c.items, it)
}

func (c *Collection[T]) indexLocked(key string) int {
	for i := range c.items {
		if c.cfg.Key(c.items[i]) == key {
			return i
		}
	}
	return -1
}

func (c *Collection[T]) superseded(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen != c.gen || c.closed
}

func (c *Collection[T]) table() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Table
}

// resubscribe reopens the feed with jittered exponential backoff, refetching
// first so events missed during the outage are not lost. Returns (nil, nil)
// when the generation was superseded during the retry loop.
func (c *Collection[T]) resubscribe(ctx context.Context, gen uint64) (backend.Feed, error) {
	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()

	b := retry.NewExponential(cfg.ResubscribeBase)
	b = retry.WithJitter(cfg.ResubscribeBase/2, b)
	b = retry.WithMaxRetries(cfg.MaxResubscribes, b)

	var feed backend.Feed
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if c.superseded(gen) {
			return nil
		}
		f, err := c.store.Subscribe(ctx, cfg.Table, cfg.Filter)
		if err != nil {
			return retry.RetryableError(err)
		}
		if err := c.fetch(ctx, gen, cfg); err != nil {
			f.Close()
			return retry.RetryableError(err)
		}
		feed = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	if feed == nil {
		return nil, nil
	}
	c.adoptFeed(gen, feed)
	return feed, nil
}
