// Package redisfeed implements the change-feed transport over Redis pub/sub,
// for deployments where the backend publishes row changes to channels
// instead of Postgres NOTIFY. One channel per table: "changes:<table>".
package redisfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/crescendoapp/crescendo/internal/backend"
)

// ChannelPrefix namespaces per-table change channels.
const ChannelPrefix = "changes:"

// message is the published JSON shape, mirroring the Postgres trigger payload.
type message struct {
	Kind   string      `json:"kind"` // INSERT | UPDATE | DELETE
	ID     string      `json:"id"`
	Record backend.Row `json:"record,omitempty"`
	Patch  backend.Row `json:"patch,omitempty"`
}

// Feeds opens change feeds over a shared Redis client.
type Feeds struct {
	client *redis.Client
	log    *zap.Logger
}

// New constructs the feed opener.
func New(client *redis.Client, log *zap.Logger) *Feeds {
	return &Feeds{client: client, log: log}
}

// Open subscribes to the table's channel. The initial subscription is
// confirmed synchronously so a broken transport surfaces here rather than as
// a silently empty feed.
func (f *Feeds) Open(ctx context.Context, table string, filter backend.Filter) (backend.Feed, error) {
	ps := f.client.Subscribe(ctx, ChannelPrefix+table)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", table, err)
	}
	fd := &feed{
		filter: filter,
		ps:     ps,
		events: make(chan backend.ChangeEvent, 64),
		done:   make(chan struct{}),
		log:    f.log,
	}
	go fd.pump(ps.Channel())
	return fd, nil
}

type feed struct {
	filter backend.Filter
	ps     *redis.PubSub
	events chan backend.ChangeEvent
	done   chan struct{} // closed by Close; unparks a pump blocked on send
	log    *zap.Logger

	mu     sync.Mutex
	err    error
	closed bool
}

// Events returns the event channel. Closed on termination.
func (f *feed) Events() <-chan backend.ChangeEvent { return f.events }

// Err returns the terminal error once Events is closed.
func (f *feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Close tears the subscription down. Idempotent.
func (f *feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()
	close(f.done)
	if f.ps != nil {
		_ = f.ps.Close()
	}
}

// pump converts pub/sub messages to change events until the subscription
// channel closes (Close or transport failure). The send selects on done so
// a pump parked behind a full buffer still exits on Close.
func (f *feed) pump(msgs <-chan *redis.Message) {
	defer close(f.events)
	for {
		var msg *redis.Message
		var ok bool
		select {
		case <-f.done:
			return
		case msg, ok = <-msgs:
		}
		if !ok {
			f.mu.Lock()
			if !f.closed {
				f.err = fmt.Errorf("pubsub channel closed")
			}
			f.mu.Unlock()
			return
		}
		ev, decoded := DecodeMessage([]byte(msg.Payload), f.filter)
		if !decoded {
			if ev == nil {
				f.log.Warn("dropping undecodable pubsub payload",
					zap.String("channel", msg.Channel))
			}
			continue
		}
		select {
		case f.events <- ev:
		case <-f.done:
			return
		}
	}
}

// DecodeMessage parses one published payload against a filter. It returns
// (nil, false) for malformed payloads and (event, false) for well-formed
// payloads outside the filter. DELETE events carry only an id and always
// pass: removal of an absent key is a no-op downstream.
func DecodeMessage(payload []byte, filter backend.Filter) (backend.ChangeEvent, bool) {
	var m message
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, false
	}
	switch m.Kind {
	case "INSERT":
		ev := backend.Insert{Record: m.Record}
		return ev, filter.Matches(m.Record)
	case "UPDATE":
		ev := backend.Update{ID: m.ID, Patch: m.Patch}
		return ev, filter.Matches(m.Patch)
	case "DELETE":
		return backend.Delete{ID: m.ID}, true
	default:
		return nil, false
	}
}
