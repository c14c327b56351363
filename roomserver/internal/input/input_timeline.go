package input

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	roomauth "github.com/nexuscore/homeserver/roomserver/auth"
	"github.com/nexuscore/homeserver/roomserver/types"
)

// appendToTimeline runs the state-mutating half of the ingestion pipeline
// under the room's write lock (§5): compute the state immediately before
// ev (fast path or state-res v2), soft-fail ev against that state, store
// its row, compute the state immediately after it (append_to_state), and
// move the room's forward extremities and current frame forward.
func (r *Inputer) appendToTimeline(ctx context.Context, roomNID types.RoomNID, ev *types.HeaderedEvent, logger *logrus.Entry) error {
	roomID := ev.RoomID()
	r.RoomLocks.Lock(roomID)
	defer r.RoomLocks.Unlock(roomID)

	stateBefore, fastPathFrame, err := r.stateBeforeEvent(ctx, roomNID, ev.RoomVersion, ev)
	if err != nil {
		return fmt.Errorf("input: state before %s: %w", ev.EventID(), err)
	}

	softFailed := false
	if len(stateBefore) > 0 {
		if err := roomauth.Allowed(ev, stateBefore); err != nil {
			logger.WithError(err).Info("input: soft-failing event against current room state")
			softFailed = true
		}
	}

	if err := r.storeEventRow(ctx, roomNID, ev, false); err != nil {
		return err
	}
	eventNID, _, err := r.DB.SelectEventNID(ctx, nil, ev.EventID())
	if err != nil {
		return err
	}
	// storeEventRow's INSERT is a no-op on conflict, so an event already
	// known as an outlier (a dependency fetched ahead of the PDU that
	// needed it) needs an explicit promotion once it turns out to belong
	// to the accepted timeline after all.
	if err := r.DB.PromoteOutlierToTimeline(ctx, nil, eventNID); err != nil {
		return err
	}

	baseFrame := fastPathFrame
	if baseFrame == nil {
		// A merge happened: stateBefore came from resolution rather than a
		// single existing frame, so it must be saved as a frame of its own
		// before append_to_state has anything to build on.
		full, err := r.stateMapToCompressed(ctx, stateBefore)
		if err != nil {
			return err
		}
		delta, err := r.Compressor.SaveState(ctx, roomNID, full, nil)
		if err != nil {
			return err
		}
		baseFrame = &delta.FrameID
	}

	newFrame, err := r.Compressor.AppendToState(ctx, roomNID, *baseFrame, ev, eventNID)
	if err != nil {
		return fmt.Errorf("input: append_to_state for %s: %w", ev.EventID(), err)
	}
	if err := r.DB.SetEventFrame(ctx, nil, eventNID, newFrame); err != nil {
		return err
	}

	if softFailed {
		if err := r.DB.MarkSoftFailed(ctx, nil, eventNID); err != nil {
			return err
		}
	} else {
		if err := r.DB.UpdateCurrentFrame(ctx, nil, roomNID, newFrame); err != nil {
			return err
		}
	}

	// Soft-failed events still update extremities so the event isn't
	// re-requested as missing on a later fetch; they just never move the
	// room's current state (handled above).
	prevIDs := ev.PrevEvents()
	if err := r.DB.UpdateForwardExtremities(ctx, nil, roomNID, []string{ev.EventID()}, prevIDs); err != nil {
		return fmt.Errorf("input: update forward extremities for %s: %w", ev.EventID(), err)
	}
	for _, prev := range prevIDs {
		_ = r.DB.DeleteBackwardExtremity(ctx, nil, roomNID, prev)
	}

	return nil
}

// stateMapToCompressed interns every state event's (type, state_key) into
// a FieldID and looks up its event_sn, producing the full compressed-state
// map SaveState expects.
func (r *Inputer) stateMapToCompressed(ctx context.Context, sm roomauth.StateMap) (map[types.FieldID]types.EventNID, error) {
	out := make(map[types.FieldID]types.EventNID, len(sm))
	for key, ev := range sm {
		fieldID, err := r.Compressor.Interner.EnsureFieldID(ctx, key.EventType, key.StateKey)
		if err != nil {
			return nil, err
		}
		nid, ok, err := r.DB.SelectEventNID(ctx, nil, ev.EventID())
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out[fieldID] = nid
	}
	return out, nil
}
