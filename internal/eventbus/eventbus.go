// Package eventbus is the cross-process notification bus: when the
// roomserver (C8) and the sync API (C10) run as separate processes, the
// in-memory caching.SyncWatchers a single process relies on to wake a
// blocked /sync can't see appends happening in a different process.
// This package gives C8 a way to publish "something changed in this
// room" and C10 a way to subscribe and re-wake its own local watchers,
// grounded on the teacher's own syncapi/consumers split between a thin
// NATS transport and a per-topic consumer.
package eventbus

import (
	"fmt"

	"github.com/nats-io/nats.go"
)

// Bus wraps a core NATS connection. JetStream's durable, replayable
// delivery (what the teacher actually uses in syncapi/consumers) is
// overkill for a notification whose only purpose is "wake up and
// re-read storage" — a missed message just means the next /sync poll
// picks up the change instead of the long-poll short-circuiting early,
// so at-most-once core pub/sub is the right tradeoff here.
type Bus struct {
	nc *nats.Conn
}

// Connect dials the given NATS URL (e.g. nats://localhost:4222).
func Connect(url string) (*Bus, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect: %w", err)
	}
	return &Bus{nc: nc}, nil
}

func (b *Bus) Close() {
	b.nc.Close()
}

// Publish sends raw bytes on subject.
func (b *Bus) Publish(subject string, payload []byte) error {
	return b.nc.Publish(subject, payload)
}

// Subscribe registers handler for every message delivered on subject.
func (b *Bus) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	return b.nc.Subscribe(subject, handler)
}
