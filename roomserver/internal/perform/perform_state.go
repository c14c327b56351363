package perform

import (
	"context"
	"fmt"

	"github.com/nexuscore/homeserver/internal/eventcrypto"
	roomauth "github.com/nexuscore/homeserver/roomserver/auth"
	"github.com/nexuscore/homeserver/roomserver/types"
)

// currentState materializes a room's current frame into a StateMap,
// the same shape the auth rules and build_and_append_pdu's auth-event
// selection operate on, by loading every current state event's own
// (type, state_key) off its stored JSON rather than reversing FieldID
// interning, mirroring roomserver/internal/input's materializeAsStateMap.
func (p *Performer) currentState(ctx context.Context, roomNID types.RoomNID, roomVersion eventcrypto.RoomVersion) (roomauth.StateMap, types.StateSnapshotNID, error) {
	info, err := p.DB.SelectRoomInfo(ctx, nil, roomNID)
	if err != nil {
		return nil, 0, fmt.Errorf("perform: select room info: %w", err)
	}

	full, err := p.Compressor.Materialize(ctx, info.StateSnapshotNID)
	if err != nil {
		return nil, 0, fmt.Errorf("perform: materialize current frame: %w", err)
	}

	out := make(roomauth.StateMap, len(full))
	for _, eventSN := range full {
		raw, err := p.DB.SelectEventJSON(ctx, nil, eventSN)
		if err != nil {
			return nil, 0, err
		}
		he := &types.HeaderedEvent{RoomVersion: roomVersion, JSON: raw}
		sk := he.StateKey()
		if sk == nil {
			continue
		}
		out[roomauth.StateKey{EventType: he.Type(), StateKey: *sk}] = he
	}
	return out, info.StateSnapshotNID, nil
}
