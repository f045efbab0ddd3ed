// Package bus publishes droplet lifecycle events over NATS JetStream so
// dashboards and auxiliary consumers can follow provisioning activity
// without polling the API.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Subjects for droplet lifecycle events.
const (
	SubjectDropletCreated  = "dropletd.droplets.created"
	SubjectDropletArchived = "dropletd.droplets.archived"
	SubjectDropletExtended = "dropletd.droplets.extended"
)

// DropletEvent is the payload published on every lifecycle subject.
type DropletEvent struct {
	// EventID uniquely identifies one publication so consumers can dedupe
	// across redeliveries. Assigned by PublishEvent when empty.
	EventID   string    `json:"event_id"`
	DropletID int64     `json:"droplet_id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	Status    string    `json:"status"`
	At        time.Time `json:"at"`
}

// Bus wraps a NATS JetStream connection. A nil *Bus is a valid no-op
// publisher, so callers need no guard when events are disabled.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New creates a Bus connected to the provided NATS endpoint.
func New(url string, opts ...nats.Option) (*Bus, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &Bus{conn: nc, js: js}, nil
}

// Close shuts down the underlying NATS connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// PublishEvent publishes a droplet lifecycle event. On a nil Bus this is a
// no-op: lifecycle events are best-effort, never load-bearing.
func (b *Bus) PublishEvent(ctx context.Context, subj string, evt DropletEvent) error {
	if b == nil {
		return nil
	}

	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	_, err = b.js.Publish(subj, data, nats.Context(ctx), nats.MsgId(evt.EventID))
	return err
}

type subscription struct {
	sub    *nats.Subscription
	mu     sync.Mutex
	closed bool
}

func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sub.Drain()
}

// Subscribe creates a durable consumer on the given subject and invokes fn
// for each decoded event.
func (b *Bus) Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, evt DropletEvent) error) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}

	handler := func(msg *nats.Msg) {
		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		var evt DropletEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			_ = msg.Nak()
			return
		}
		if err := fn(handlerCtx, evt); err != nil {
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}

	sub, err := b.js.Subscribe(subj, handler, nats.Durable(durable), nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return nil, err
	}

	s := &subscription{sub: sub}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	return s, nil
}
