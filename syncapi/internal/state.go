package internal

import (
	"context"
	"fmt"

	"github.com/nexuscore/homeserver/internal/eventcrypto"
	"github.com/nexuscore/homeserver/roomserver/state"
	"github.com/nexuscore/homeserver/roomserver/storage"
	"github.com/nexuscore/homeserver/roomserver/types"
)

// stateKey is the (event_type, state_key) pair a materialized state map is
// keyed by, mirroring roomauth.StateMap's shape without pulling in the
// auth package's dependency on authorization rules the sync builder has
// no business evaluating.
type stateKey struct {
	EventType string
	StateKey  string
}

// stateMap is a fully materialized room state: one event per
// (type, state_key) slot.
type stateMap map[stateKey]*types.HeaderedEvent

// materializeStateMap walks frameID's delta chain (via the state
// compressor) and resolves every slot's event_sn back to its stored JSON,
// the same approach roomserver/internal/perform.currentState uses for the
// live frame, generalized here to any frame id so the builder can ask for
// state at an arbitrary historical point.
func materializeStateMap(ctx context.Context, db storage.Database, compressor *state.Compressor, roomVersion eventcrypto.RoomVersion, frameID types.StateSnapshotNID) (stateMap, error) {
	full, err := compressor.Materialize(ctx, frameID)
	if err != nil {
		return nil, fmt.Errorf("syncapi: materialize frame %d: %w", frameID, err)
	}
	out := make(stateMap, len(full))
	for _, eventSN := range full {
		raw, err := db.SelectEventJSON(ctx, nil, eventSN)
		if err != nil {
			return nil, fmt.Errorf("syncapi: select event json for sn %d: %w", eventSN, err)
		}
		he := &types.HeaderedEvent{RoomVersion: roomVersion, JSON: raw}
		sk := he.StateKey()
		if sk == nil {
			continue
		}
		out[stateKey{EventType: he.Type(), StateKey: *sk}] = he
	}
	return out, nil
}

// stateBeforeSlice approximates "state at since_sn" (§4.10 step 2) as the
// state immediately before the earliest event in a non-empty timeline
// slice, read off that event's own prev_events. This mirrors the
// ingestion pipeline's own fast-path assumption (§4.7 step 9: "exactly
// one prev_event and that event's post-state frame is known, inherit")
// rather than reconstructing a true point-in-global-sequence snapshot,
// which would require indexing frames by the global event_sn rather than
// by room-local DAG position. When the earliest event has no resolvable
// prior frame (start of the room, or a gap), ok is false, which the
// caller interprets as "send the whole current state".
func stateBeforeSlice(ctx context.Context, db storage.Database, earliestEventID string) (types.StateSnapshotNID, bool, error) {
	prevIDs, err := db.SelectPrevEventIDs(ctx, nil, earliestEventID)
	if err != nil || len(prevIDs) == 0 {
		return 0, false, err
	}
	for _, prevID := range prevIDs {
		prevNID, ok, err := db.SelectEventNID(ctx, nil, prevID)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			continue
		}
		frameID, ok, err := db.SelectEventFrame(ctx, nil, prevNID)
		if err != nil {
			return 0, false, err
		}
		if ok {
			return frameID, true, nil
		}
	}
	return 0, false, nil
}

// diffStateMaps returns the events present in next but absent, or present
// under a different event_id, in prev — the state delta §4.10 step 2
// sends down /sync. A nil/empty prev means "everything in next is new",
// i.e. a full-state response.
func diffStateMaps(prev, next stateMap) []*types.HeaderedEvent {
	out := make([]*types.HeaderedEvent, 0, len(next))
	for k, ev := range next {
		if old, ok := prev[k]; !ok || old.EventID() != ev.EventID() {
			out = append(out, ev)
		}
	}
	return out
}
