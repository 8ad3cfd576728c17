package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/crescendoapp/crescendo/internal/model"
)

type captureSink struct {
	entries []model.AuditEntry
	err     error
}

func (s *captureSink) Write(_ context.Context, e model.AuditEntry) error {
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, e)
	return nil
}

func fixedActor(email string) func() (model.Identity, bool) {
	id := model.Identity{ID: uuid.Must(uuid.NewV4()), Email: email}
	return func() (model.Identity, bool) { return id, true }
}

func TestRecord_GateClosedWithoutBypassOrRoot(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	tr := New(sink, fixedActor("admin@school.test"), func() bool { return false }, "root@crescendo.app", zap.NewNop())

	tr.Record(context.Background(), "overlay.role_override", "overlay", "k", nil, nil)
	if len(sink.entries) != 0 {
		t.Fatalf("gate closed but entry written")
	}
	if tr.Enabled() {
		t.Fatalf("Enabled must mirror the gate")
	}
}

func TestRecord_BypassOpensGate(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	tr := New(sink, fixedActor("admin@school.test"), func() bool { return true }, "root@crescendo.app", zap.NewNop())

	tr.Record(context.Background(), "overlay.bypass", "overlay", "bypass",
		map[string]any{"active": false}, map[string]any{"active": true})

	if len(sink.entries) != 1 {
		t.Fatalf("want one entry, got %d", len(sink.entries))
	}
	e := sink.entries[0]
	if !e.Bypass || e.EventType != "overlay.bypass" || e.At.IsZero() {
		t.Fatalf("malformed entry: %+v", e)
	}
}

func TestRecord_RootActorOpensGate(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	tr := New(sink, fixedActor("Root@Crescendo.App"), func() bool { return false }, "root@crescendo.app", zap.NewNop())

	tr.Record(context.Background(), "overlay.ghost_start", "overlay", "t", nil, nil)
	if len(sink.entries) != 1 {
		t.Fatalf("root actor must be audited, got %d entries", len(sink.entries))
	}
	if sink.entries[0].Bypass {
		t.Fatalf("bypass flag recorded as active without bypass")
	}
}

func TestRecord_SinkFailureIsSwallowed(t *testing.T) {
	t.Parallel()
	sink := &captureSink{err: errors.New("storage unavailable")}
	tr := New(sink, fixedActor("root@crescendo.app"), func() bool { return false }, "root@crescendo.app", zap.NewNop())

	// Must not panic or propagate: auditing never fails the audited action.
	tr.Record(context.Background(), "overlay.role_override", "overlay", "k", nil, nil)
}

func TestRecord_NoActorNoWrite(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	noActor := func() (model.Identity, bool) { return model.Identity{}, false }
	tr := New(sink, noActor, func() bool { return true }, "root@crescendo.app", zap.NewNop())

	tr.Record(context.Background(), "overlay.role_override", "overlay", "k", nil, nil)
	if len(sink.entries) != 0 {
		t.Fatalf("entry written without an actor")
	}
}
