package eventbus

import (
	"encoding/json"
	"fmt"
)

// RoomUpdateSubject is the single subject C8 publishes room-append
// notifications on; there is one subject rather than one per room since
// NATS subject-level fanout already gives C10 cheap filtering if it ever
// needs it, and a single topic keeps subscription setup to one call.
const RoomUpdateSubject = "homeserver.sync.roomupdate"

// RoomUpdate is the payload published after AppendPDU (§4.8) commits: the
// room that changed and every local user who should have their /sync
// watchers re-woken, mirroring perform.AppendPDU's own in-process
// wakeWatchers fan-out.
type RoomUpdate struct {
	RoomID  string   `json:"room_id"`
	UserIDs []string `json:"user_ids"`
	SN      int64    `json:"sn"`
}

// PublishRoomUpdate marshals and publishes a RoomUpdate.
func (b *Bus) PublishRoomUpdate(u RoomUpdate) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("eventbus: marshal room update: %w", err)
	}
	return b.Publish(RoomUpdateSubject, payload)
}
