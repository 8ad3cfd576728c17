package redisfeed

import (
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/crescendoapp/crescendo/internal/backend"
)

func TestDecodeMessage_Insert(t *testing.T) {
	t.Parallel()
	ev, ok := DecodeMessage(
		[]byte(`{"kind":"INSERT","id":"m1","record":{"id":"m1","tenant_id":"t1"}}`),
		backend.Filter{Column: "tenant_id", Value: "t1"})
	if !ok {
		t.Fatalf("matching insert dropped")
	}
	ins, isInsert := ev.(backend.Insert)
	if !isInsert || backend.RowID(ins.Record) != "m1" {
		t.Fatalf("unexpected event %#v", ev)
	}
}

func TestDecodeMessage_FilteredOutKeepsEvent(t *testing.T) {
	t.Parallel()
	ev, ok := DecodeMessage(
		[]byte(`{"kind":"UPDATE","id":"m1","patch":{"id":"m1","tenant_id":"t2"}}`),
		backend.Filter{Column: "tenant_id", Value: "t1"})
	if ok {
		t.Fatalf("row outside filter must not pass")
	}
	if ev == nil {
		t.Fatalf("well-formed payload must still decode")
	}
}

func TestDecodeMessage_DeleteAlwaysPasses(t *testing.T) {
	t.Parallel()
	ev, ok := DecodeMessage(
		[]byte(`{"kind":"DELETE","id":"m1"}`),
		backend.Filter{Column: "tenant_id", Value: "t1"})
	if !ok {
		t.Fatalf("delete dropped")
	}
	if del, isDelete := ev.(backend.Delete); !isDelete || del.ID != "m1" {
		t.Fatalf("unexpected event %#v", ev)
	}
}

func TestDecodeMessage_Malformed(t *testing.T) {
	t.Parallel()
	if ev, ok := DecodeMessage([]byte(`{truncated`), backend.Filter{}); ok || ev != nil {
		t.Fatalf("malformed payload must return (nil, false)")
	}
	if ev, ok := DecodeMessage([]byte(`{"kind":"VACUUM","id":"m1"}`), backend.Filter{}); ok || ev != nil {
		t.Fatalf("unknown kind must return (nil, false)")
	}
}

func newTestFeed(buffer int) *feed {
	return &feed{
		events: make(chan backend.ChangeEvent, buffer),
		done:   make(chan struct{}),
		log:    zap.NewNop(),
	}
}

func insertPayload(id string) string {
	return fmt.Sprintf(`{"kind":"INSERT","id":%q,"record":{"id":%q}}`, id, id)
}

func TestFeed_CloseUnparksPumpBehindFullBuffer(t *testing.T) {
	t.Parallel()
	fd := newTestFeed(1)
	msgs := make(chan *redis.Message, 4)
	finished := make(chan struct{})
	go func() {
		fd.pump(msgs)
		close(finished)
	}()

	// First message fills the buffer; the second parks the pump on the send
	// because nothing is draining events.
	msgs <- &redis.Message{Payload: insertPayload("m1")}
	msgs <- &redis.Message{Payload: insertPayload("m2")}

	fd.Close()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatalf("pump still running after Close with a full event buffer")
	}
	// The event channel must be closed so consumers ranging over it unwind.
	for range fd.Events() {
	}
	if err := fd.Err(); err != nil {
		t.Fatalf("Close is not a transport failure, got %v", err)
	}
}

func TestFeed_SourceCloseSurfacesTerminalError(t *testing.T) {
	t.Parallel()
	fd := newTestFeed(4)
	msgs := make(chan *redis.Message)
	finished := make(chan struct{})
	go func() {
		fd.pump(msgs)
		close(finished)
	}()

	close(msgs)

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatalf("pump still running after source channel closed")
	}
	if fd.Err() == nil {
		t.Fatalf("transport failure must surface a terminal error")
	}
}
