// Package audit records privileged mutations to an append-only trail.
// Recording is write-only from the core's perspective and must never block
// or fail the action being audited.
package audit

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/crescendoapp/crescendo/internal/model"
)

// Sink persists audit entries. Implementations: backend/postgres.AuditSink.
type Sink interface {
	Write(ctx context.Context, e model.AuditEntry) error
}

// Trail gates and records audit entries. Entries are written only while the
// bypass flag is active or the actor is the root identity; every other call
// is a deliberate no-op, not an error.
type Trail struct {
	sink   Sink
	actor  func() (model.Identity, bool)
	bypass func() bool
	root   string
	log    *zap.Logger
}

// New constructs a Trail. actor reports the current base identity; bypass
// reports the durable bypass flag; rootEmail is the hard-coded root address.
func New(sink Sink, actor func() (model.Identity, bool), bypass func() bool, rootEmail string, log *zap.Logger) *Trail {
	return &Trail{sink: sink, actor: actor, bypass: bypass, root: rootEmail, log: log}
}

// Enabled reports whether a Record call would currently write.
func (t *Trail) Enabled() bool {
	if t.bypass() {
		return true
	}
	id, ok := t.actor()
	return ok && strings.EqualFold(id.Email, t.root)
}

// Record writes one entry when the gate is open. Sink failures are logged
// and swallowed: auditing never fails the audited action.
func (t *Trail) Record(ctx context.Context, eventType, table, key string, before, after map[string]any) {
	if !t.Enabled() {
		return
	}
	id, ok := t.actor()
	if !ok {
		return
	}
	e := model.AuditEntry{
		ActorID:   id.ID,
		EventType: eventType,
		Table:     table,
		RecordID:  key,
		Before:    before,
		After:     after,
		Bypass:    t.bypass(),
		At:        time.Now().UTC(),
	}
	if err := t.sink.Write(ctx, e); err != nil {
		t.log.Warn("audit write failed",
			zap.String("event", eventType),
			zap.String("table", table),
			zap.String("key", key),
			zap.Error(err),
		)
	}
}
