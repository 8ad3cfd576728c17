package postgres

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crescendoapp/crescendo/internal/backend"
)

func newNotifyFeed(table string, filter backend.Filter) *notifyFeed {
	return &notifyFeed{table: table, filter: filter, log: zap.NewNop()}
}

func TestNotifyFeed_Decode_Insert(t *testing.T) {
	t.Parallel()
	f := newNotifyFeed("missions", backend.Filter{Column: "tenant_id", Value: "t1"})

	ev, ok := f.decode(`{"table":"missions","kind":"INSERT","id":"m1","record":{"id":"m1","tenant_id":"t1","title":"scales"}}`)
	require.True(t, ok)
	ins, isInsert := ev.(backend.Insert)
	require.True(t, isInsert)
	require.Equal(t, "m1", backend.RowID(ins.Record))
}

func TestNotifyFeed_Decode_DropsOtherTables(t *testing.T) {
	t.Parallel()
	f := newNotifyFeed("missions", backend.Filter{})

	_, ok := f.decode(`{"table":"profiles","kind":"INSERT","id":"p1","record":{"id":"p1"}}`)
	require.False(t, ok)
}

func TestNotifyFeed_Decode_DropsFilteredRows(t *testing.T) {
	t.Parallel()
	f := newNotifyFeed("missions", backend.Filter{Column: "tenant_id", Value: "t1"})

	_, ok := f.decode(`{"table":"missions","kind":"UPDATE","id":"m1","patch":{"id":"m1","tenant_id":"t2"}}`)
	require.False(t, ok)
}

func TestNotifyFeed_Decode_DeleteBypassesFilter(t *testing.T) {
	t.Parallel()
	f := newNotifyFeed("missions", backend.Filter{Column: "tenant_id", Value: "t1"})

	ev, ok := f.decode(`{"table":"missions","kind":"DELETE","id":"m1"}`)
	require.True(t, ok)
	require.Equal(t, backend.Delete{ID: "m1"}, ev)
}

func TestNotifyFeed_Decode_Malformed(t *testing.T) {
	t.Parallel()
	f := newNotifyFeed("missions", backend.Filter{})

	_, ok := f.decode(`{not json`)
	require.False(t, ok)

	_, ok = f.decode(`{"table":"missions","kind":"TRUNCATE","id":"m1"}`)
	require.False(t, ok)
}
