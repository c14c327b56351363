package input

import (
	"context"
	"fmt"

	"github.com/nexuscore/homeserver/internal/eventcrypto"
	roomauth "github.com/nexuscore/homeserver/roomserver/auth"
	"github.com/nexuscore/homeserver/roomserver/types"
)

// stateBeforeEvent computes the resolved room state immediately before ev,
// per §4.6: when every prev_event shares the same state frame this is just
// that frame (the fast path every non-merge event takes); when prev_events
// disagree, each prev_event's own state is materialized into a fork and
// state resolution v2 merges them. The returned *StateSnapshotNID is the
// frame to use as append_to_state's parent on the fast path, or nil when a
// resolution ran (its result has no single existing frame yet).
func (r *Inputer) stateBeforeEvent(ctx context.Context, roomNID types.RoomNID, roomVersion eventcrypto.RoomVersion, ev *types.HeaderedEvent) (roomauth.StateMap, *types.StateSnapshotNID, error) {
	prevIDs := ev.PrevEvents()
	if len(prevIDs) == 0 {
		return roomauth.StateMap{}, nil, nil
	}

	var frames []types.StateSnapshotNID
	seen := map[types.StateSnapshotNID]bool{}
	for _, id := range prevIDs {
		nid, ok, err := r.DB.SelectEventNID(ctx, nil, id)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			continue
		}
		frameID, ok, err := r.DB.SelectEventFrame(ctx, nil, nid)
		if err != nil {
			return nil, nil, err
		}
		if !ok || seen[frameID] {
			continue
		}
		seen[frameID] = true
		frames = append(frames, frameID)
	}

	if len(frames) == 0 {
		return roomauth.StateMap{}, nil, nil
	}
	if len(frames) == 1 {
		sm, err := r.materializeAsStateMap(ctx, frames[0], roomVersion)
		return sm, &frames[0], err
	}

	forks := make([]roomauth.StateMap, len(frames))
	for i, f := range frames {
		sm, err := r.materializeAsStateMap(ctx, f, roomVersion)
		if err != nil {
			return nil, nil, err
		}
		forks[i] = sm
	}

	resolved, err := r.Resolver.Resolve(ctx, forks, r.fetchByID(roomVersion))
	if err != nil {
		return nil, nil, fmt.Errorf("input: resolve state before %s: %w", ev.EventID(), err)
	}
	return resolved, nil, nil
}

// materializeAsStateMap turns a stored frame into the roomauth.StateMap
// shape the auth-rules and state-resolution packages operate on.
func (r *Inputer) materializeAsStateMap(ctx context.Context, frameID types.StateSnapshotNID, roomVersion eventcrypto.RoomVersion) (roomauth.StateMap, error) {
	full, err := r.Compressor.Materialize(ctx, frameID)
	if err != nil {
		return nil, err
	}
	out := make(roomauth.StateMap, len(full))
	for _, eventSN := range full {
		raw, err := r.DB.SelectEventJSON(ctx, nil, eventSN)
		if err != nil {
			return nil, err
		}
		he := &types.HeaderedEvent{RoomVersion: roomVersion, JSON: raw}
		sk := he.StateKey()
		if sk == nil {
			continue
		}
		out[roomauth.StateKey{EventType: he.Type(), StateKey: *sk}] = he
	}
	return out, nil
}

// fetchByID adapts the event store into the EventFetcher shape state
// resolution needs, fixed to a single room version (state resolution never
// crosses room boundaries, so this is safe for the lifetime of one call).
func (r *Inputer) fetchByID(roomVersion eventcrypto.RoomVersion) func(ctx context.Context, eventID string) (*types.HeaderedEvent, error) {
	return func(ctx context.Context, eventID string) (*types.HeaderedEvent, error) {
		nid, ok, err := r.DB.SelectEventNID(ctx, nil, eventID)
		if err != nil || !ok {
			return nil, err
		}
		raw, err := r.DB.SelectEventJSON(ctx, nil, nid)
		if err != nil {
			return nil, err
		}
		return &types.HeaderedEvent{RoomVersion: roomVersion, JSON: raw}, nil
	}
}
