package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/crescendoapp/crescendo/internal/backend"
)

// NotifyChannel is the LISTEN/NOTIFY channel the schema triggers publish to.
const NotifyChannel = "crescendo_changes"

// notifyPayload is the JSON shape emitted by the row_change trigger.
type notifyPayload struct {
	Table  string      `json:"table"`
	Kind   string      `json:"kind"` // INSERT | UPDATE | DELETE
	ID     string      `json:"id"`
	Record backend.Row `json:"record,omitempty"` // full row for INSERT
	Patch  backend.Row `json:"patch,omitempty"`  // full new row for UPDATE
}

// NotifyFeeds opens change feeds over Postgres LISTEN/NOTIFY. Each feed holds
// a dedicated connection; reconnection on failure is the consumer's concern
// (livesync retries with backoff).
type NotifyFeeds struct {
	dsn string
	log *zap.Logger
}

// NewNotifyFeeds constructs the feed opener.
func NewNotifyFeeds(dsn string, log *zap.Logger) *NotifyFeeds {
	return &NotifyFeeds{dsn: dsn, log: log}
}

// Open connects, LISTENs, and starts the notification pump.
func (f *NotifyFeeds) Open(ctx context.Context, table string, filter backend.Filter) (backend.Feed, error) {
	conn, err := pgx.Connect(ctx, f.dsn)
	if err != nil {
		return nil, fmt.Errorf("feed connect: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("listen: %w", err)
	}

	fctx, cancel := context.WithCancel(context.Background())
	nf := &notifyFeed{
		table:  table,
		filter: filter,
		events: make(chan backend.ChangeEvent, 64),
		cancel: cancel,
		log:    f.log,
	}
	go nf.pump(fctx, conn)
	return nf, nil
}

type notifyFeed struct {
	table  string
	filter backend.Filter
	events chan backend.ChangeEvent
	cancel context.CancelFunc
	log    *zap.Logger

	mu  sync.Mutex
	err error
}

// Events returns the event channel. Closed on termination.
func (f *notifyFeed) Events() <-chan backend.ChangeEvent { return f.events }

// Err returns the terminal error once Events is closed.
func (f *notifyFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Close tears the feed down. Idempotent.
func (f *notifyFeed) Close() { f.cancel() }

func (f *notifyFeed) pump(ctx context.Context, conn *pgx.Conn) {
	defer close(f.events)
	defer func() {
		// Detached context: the feed context is already done on teardown.
		_ = conn.Close(context.Background())
	}()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				f.mu.Lock()
				f.err = err
				f.mu.Unlock()
				f.log.Warn("notification wait failed", zap.Error(err))
			}
			return
		}
		ev, ok := f.decode(n.Payload)
		if !ok {
			continue
		}
		select {
		case f.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// decode converts one notification payload into a change event, dropping
// payloads for other tables or rows outside the filter. DELETE payloads
// carry only the id, so they pass the filter unconditionally: removing an
// absent key is a no-op on the consumer side.
func (f *notifyFeed) decode(payload string) (backend.ChangeEvent, bool) {
	var p notifyPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		f.log.Warn("undecodable notification payload", zap.Error(err))
		return nil, false
	}
	if p.Table != f.table {
		return nil, false
	}
	switch p.Kind {
	case "INSERT":
		if !f.filter.Matches(p.Record) {
			return nil, false
		}
		return backend.Insert{Record: p.Record}, true
	case "UPDATE":
		if !f.filter.Matches(p.Patch) {
			return nil, false
		}
		return backend.Update{ID: p.ID, Patch: p.Patch}, true
	case "DELETE":
		return backend.Delete{ID: p.ID}, true
	default:
		f.log.Warn("unknown change kind", zap.String("kind", p.Kind))
		return nil, false
	}
}
