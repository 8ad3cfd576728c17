package postgres

import (
	"context"
	"encoding/json"

	"github.com/crescendoapp/crescendo/internal/model"
)

// AuditSink persists audit entries to the append-only audit_log table.
// Entries are never updated or deleted by this client.
type AuditSink struct{ db *DB }

// NewAuditSink constructs the sink.
func NewAuditSink(db *DB) *AuditSink { return &AuditSink{db: db} }

const insertAuditSQL = `INSERT INTO audit_log (actor_id, event_type, table_name, record_id, before, after, bypass, at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

// Write inserts one entry.
func (s *AuditSink) Write(ctx context.Context, e model.AuditEntry) error {
	before, err := json.Marshal(e.Before)
	if err != nil {
		return err
	}
	after, err := json.Marshal(e.After)
	if err != nil {
		return err
	}
	_, err = s.db.Pool.Exec(ctx, insertAuditSQL,
		e.ActorID, e.EventType, e.Table, e.RecordID, before, after, e.Bypass, e.At)
	return err
}
