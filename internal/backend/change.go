package backend

import "fmt"

// ChangeEvent is one mutation observed on a subscribed table. It is a sealed
// union: exactly Insert, Update, or Delete. Modeling the three kinds as
// distinct types (rather than one struct with optional old/new payloads)
// keeps absent-field handling out of the consumers.
type ChangeEvent interface {
	isChange()
}

// Insert carries the full new record.
type Insert struct {
	Record Row
}

// Update carries the changed columns only. The id identifies the target row.
type Update struct {
	ID    string
	Patch Row
}

// Delete identifies the removed row.
type Delete struct {
	ID string
}

func (Insert) isChange() {}
func (Update) isChange() {}
func (Delete) isChange() {}

// RowID extracts the stable unique key of a row.
func RowID(r Row) string {
	v, ok := r["id"]
	if !ok {
		return ""
	}
	return stringify(v)
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
