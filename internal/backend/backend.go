// Package backend defines the transport contracts the core depends on:
// a row store with filtered selects and a change feed, and an auth client.
// Concrete implementations live in the postgres and redisfeed subpackages.
package backend

import "context"

// Row is a single stored record as delivered by the row store.
type Row = map[string]any

// Filter is an equality predicate on a single column. A zero Filter
// matches all rows.
type Filter struct {
	Column string
	Value  any
}

// IsZero reports whether the filter matches all rows.
func (f Filter) IsZero() bool { return f.Column == "" }

// Matches reports whether the row satisfies the filter. Values are compared
// by their string form because feed payloads arrive JSON-decoded while
// filters are typically built from typed ids.
func (f Filter) Matches(r Row) bool {
	if f.IsZero() {
		return true
	}
	v, ok := r[f.Column]
	if !ok {
		return false
	}
	return stringify(v) == stringify(f.Value)
}

// Order is an optional sort directive for the initial fetch.
type Order struct {
	Column string
	Desc   bool
}

// Feed delivers change events for a single (table, filter) subscription.
// Events are delivered in feed order; the channel is closed when the feed
// terminates, whether by Close or by transport failure.
type Feed interface {
	// Events returns the event channel. Closed on termination.
	Events() <-chan ChangeEvent
	// Err returns the terminal error, if any, once Events is closed.
	Err() error
	// Close tears the subscription down. Idempotent.
	Close()
}

// RowStore provides filtered/ordered reads, writes, and change subscriptions.
type RowStore interface {
	// Select returns all rows of table matching filter, ordered when order
	// is non-nil.
	Select(ctx context.Context, table string, filter Filter, order *Order) ([]Row, error)

	// Insert stores a new row.
	Insert(ctx context.Context, table string, row Row) error

	// Update applies a partial patch to the row with the given id.
	Update(ctx context.Context, table, id string, patch Row) error

	// Delete removes the row with the given id.
	Delete(ctx context.Context, table, id string) error

	// Subscribe opens a change feed scoped by the same filter semantics
	// as Select.
	Subscribe(ctx context.Context, table string, filter Filter) (Feed, error)
}
