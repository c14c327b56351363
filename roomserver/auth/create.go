package auth

import "github.com/nexuscore/homeserver/roomserver/types"

// checkCreate validates a m.room.create event: it must be the first event
// in the room (no prev_events) and must not declare any auth_events of its
// own, per the Matrix server-server spec's rule for m.room.create.
func checkCreate(event *types.HeaderedEvent) error {
	if len(event.PrevEvents()) != 0 {
		return reject("m.room.create must have no prev_events")
	}
	if len(event.AuthEvents()) != 0 {
		return reject("m.room.create must have no auth_events")
	}
	return nil
}
