// Package consumers holds the sync API's cross-process event handlers,
// the receiving side of internal/eventbus, structured the same way the
// teacher's own syncapi/consumers package wraps one NATS subject per
// consumer type.
package consumers

import (
	"context"
	"encoding/json"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/nexuscore/homeserver/internal/caching"
	"github.com/nexuscore/homeserver/internal/eventbus"
)

// LocalDevices resolves a user's currently registered device ids, the
// same narrow shape syncapi/internal.LocalDevices exposes — restated
// here rather than imported so this package doesn't pull in the whole
// sync builder just to wake watchers.
type LocalDevices interface {
	DevicesForUser(ctx context.Context, userID string) ([]string, error)
}

// RoomUpdateConsumer re-wakes this process's local /sync long-polls when
// another process's roomserver reports a room change over the event bus.
type RoomUpdateConsumer struct {
	bus      *eventbus.Bus
	watchers *caching.SyncWatchers
	devices  LocalDevices
	sub      *nats.Subscription
}

// NewRoomUpdateConsumer wires a RoomUpdateConsumer over bus, watchers and
// a device resolver. Call Start to begin consuming.
func NewRoomUpdateConsumer(bus *eventbus.Bus, watchers *caching.SyncWatchers, devices LocalDevices) *RoomUpdateConsumer {
	return &RoomUpdateConsumer{bus: bus, watchers: watchers, devices: devices}
}

// Start subscribes to the room-update subject.
func (c *RoomUpdateConsumer) Start() error {
	sub, err := c.bus.Subscribe(eventbus.RoomUpdateSubject, c.onMessage)
	if err != nil {
		return err
	}
	c.sub = sub
	return nil
}

// Stop unsubscribes.
func (c *RoomUpdateConsumer) Stop() error {
	if c.sub == nil {
		return nil
	}
	return c.sub.Unsubscribe()
}

func (c *RoomUpdateConsumer) onMessage(msg *nats.Msg) {
	var update eventbus.RoomUpdate
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		logrus.WithError(err).Error("syncapi: malformed room update message")
		sentry.CaptureException(err)
		return
	}

	logrus.WithFields(logrus.Fields{
		"room_id": update.RoomID, "sn": update.SN, "users": len(update.UserIDs),
	}).Debug("syncapi: woke local watchers for remote room update")

	for _, userID := range update.UserIDs {
		deviceIDs, err := c.devices.DevicesForUser(context.Background(), userID)
		if err != nil {
			logrus.WithError(err).WithField("user_id", userID).Error("syncapi: resolve devices for room update")
			sentry.CaptureException(err)
			continue
		}
		c.watchers.NotifyUser(userID, deviceIDs)
	}
}
