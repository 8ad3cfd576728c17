package backend

import (
	"testing"

	"github.com/gofrs/uuid/v5"
)

func TestFilter_ZeroMatchesEverything(t *testing.T) {
	t.Parallel()
	var f Filter
	if !f.IsZero() {
		t.Fatalf("zero filter not reported zero")
	}
	if !f.Matches(Row{"anything": 1}) || !f.Matches(Row{}) {
		t.Fatalf("zero filter must match all rows")
	}
}

func TestFilter_Matches(t *testing.T) {
	t.Parallel()
	id := uuid.Must(uuid.NewV4())

	tests := []struct {
		name string
		f    Filter
		row  Row
		want bool
	}{
		{"string equal", Filter{Column: "tenant_id", Value: "t1"}, Row{"tenant_id": "t1"}, true},
		{"string differ", Filter{Column: "tenant_id", Value: "t1"}, Row{"tenant_id": "t2"}, false},
		{"column absent", Filter{Column: "tenant_id", Value: "t1"}, Row{"other": "t1"}, false},
		{"uuid vs decoded string", Filter{Column: "tenant_id", Value: id}, Row{"tenant_id": id.String()}, true},
		{"number vs json float", Filter{Column: "rank", Value: 3}, Row{"rank": float64(3)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.f.Matches(tt.row); got != tt.want {
				t.Fatalf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRowID(t *testing.T) {
	t.Parallel()
	if got := RowID(Row{"id": "m1"}); got != "m1" {
		t.Fatalf("RowID = %q, want m1", got)
	}
	id := uuid.Must(uuid.NewV4())
	if got := RowID(Row{"id": id}); got != id.String() {
		t.Fatalf("RowID = %q, want %q", got, id.String())
	}
	if got := RowID(Row{"name": "no id"}); got != "" {
		t.Fatalf("RowID on id-less row = %q, want empty", got)
	}
}
