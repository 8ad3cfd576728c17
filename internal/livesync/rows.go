package livesync

import (
	"go.uber.org/zap"

	"github.com/crescendoapp/crescendo/internal/backend"
	"github.com/crescendoapp/crescendo/internal/epoch"
)

// NewRowCollection builds a collection over untyped rows keyed by "id" with
// shallow map merge, the common case for UI lists.
func NewRowCollection(store backend.RowStore, epochs *epoch.Counter, log *zap.Logger, table string, filter backend.Filter, order *backend.Order) *Collection[backend.Row] {
	return New(store, epochs, log, Config[backend.Row]{
		Table:  table,
		Filter: filter,
		Order:  order,
		Key:    backend.RowID,
		Merge: func(old backend.Row, patch backend.Row) backend.Row {
			merged := backend.Row{}
			for k, v := range old {
				merged[k] = v
			}
			for k, v := range patch {
				merged[k] = v
			}
			return merged
		},
		Decode: func(r backend.Row) (backend.Row, error) { return r, nil },
	})
}
