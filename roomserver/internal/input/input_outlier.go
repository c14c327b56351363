package input

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/nexuscore/homeserver/roomserver/types"
)

// roomNIDFor resolves the storage room_nid for an event, creating the room
// row first if this is that room's m.room.create event.
func (r *Inputer) roomNIDFor(ctx context.Context, ev *types.HeaderedEvent) (types.RoomNID, error) {
	roomID := ev.RoomID()
	if nid, ok, err := r.DB.SelectRoomNID(ctx, nil, roomID); err != nil {
		return 0, err
	} else if ok {
		return nid, nil
	}

	sk := ev.StateKey()
	if ev.Type() != "m.room.create" || sk == nil || *sk != "" {
		return 0, fmt.Errorf("input: room %s is unknown and %s is not its create event", roomID, ev.EventID())
	}
	version := gjson.GetBytes(ev.Content(), "room_version").String()
	if version == "" {
		version = "1"
	}
	return r.DB.InsertRoom(ctx, nil, roomID, version)
}

// storeOutlier persists ev as an outlier: known only so that other events'
// auth/prev chains can be walked through it, never a member of any room's
// accepted timeline (§3).
func (r *Inputer) storeOutlier(ctx context.Context, ev *types.HeaderedEvent) error {
	roomNID, err := r.roomNIDFor(ctx, ev)
	if err != nil {
		return err
	}
	return r.storeEventRow(ctx, roomNID, ev, true)
}

// storeEventRow writes the event's row, its JSON body, and its prev/auth
// edges. Shared by the outlier and timeline paths; isOutlier distinguishes
// which bucket the event row lands in.
func (r *Inputer) storeEventRow(ctx context.Context, roomNID types.RoomNID, ev *types.HeaderedEvent, isOutlier bool) error {
	if _, err := r.DB.InsertEvent(ctx, nil, roomNID, ev.EventID(), ev.Type(), ev.StateKey(), ev.Sender(), ev.Depth(), ev.OriginServerTS(), isOutlier); err != nil {
		return fmt.Errorf("input: insert event row: %w", err)
	}
	nid, _, err := r.DB.SelectEventNID(ctx, nil, ev.EventID())
	if err != nil {
		return err
	}
	if err := r.DB.InsertEventJSON(ctx, nil, nid, ev.JSON); err != nil {
		return fmt.Errorf("input: insert event json: %w", err)
	}
	for _, prev := range ev.PrevEvents() {
		if err := r.DB.InsertEventEdge(ctx, nil, roomNID, ev.EventID(), prev, false); err != nil {
			return fmt.Errorf("input: insert prev-event edge: %w", err)
		}
	}
	for _, auth := range ev.AuthEvents() {
		if err := r.DB.InsertEventEdge(ctx, nil, roomNID, ev.EventID(), auth, true); err != nil {
			return fmt.Errorf("input: insert auth-event edge: %w", err)
		}
	}
	return nil
}
