package internal

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nexuscore/homeserver/roomserver/state"
	"github.com/nexuscore/homeserver/roomserver/storage"
	"github.com/nexuscore/homeserver/roomserver/types"
)

// toSyncEvent renders a stored PDU into the client-facing shape /sync
// returns: no room_id (implied by the map key it's nested under), no
// signatures/hashes, origin_server_ts and content only.
func toSyncEvent(he *types.HeaderedEvent) SyncEvent {
	return SyncEvent{
		EventID:        he.EventID(),
		Sender:         he.Sender(),
		Type:           he.Type(),
		StateKey:       he.StateKey(),
		Content:        he.Content(),
		OriginServerTS: he.OriginServerTS(),
	}
}

// buildJoinedRoom implements §4.10 step 2 for one room the user currently
// has "join" membership in. It returns nil, nil, nil when nothing changed
// and since_sn was nonzero, so the caller omits the room from the
// response entirely rather than sending an empty stanza.
func (b *Builder) buildJoinedRoom(ctx context.Context, req Request, roomNID types.RoomNID, currSN, nextBatch types.EventNID) (*JoinedRoom, map[string]bool, error) {
	info, err := b.RoomDB.SelectRoomInfo(ctx, nil, roomNID)
	if err != nil {
		return nil, nil, fmt.Errorf("syncapi: select room info: %w", err)
	}

	limit := req.Filter.Limit
	rows, err := b.RoomDB.SelectTimelineEventsForRoom(ctx, nil, roomNID, req.Since, currSN, limit+1)
	if err != nil {
		return nil, nil, fmt.Errorf("syncapi: select timeline events: %w", err)
	}
	limited := len(rows) > limit
	var prevBatch string
	if limited {
		prevBatch = strconv.FormatInt(int64(rows[0].EventNID), 10)
		rows = rows[1:]
	}

	timelineEvents := make([]SyncEvent, 0, len(rows))
	timelineSenders := map[string]bool{}
	for _, row := range rows {
		if row.StateKey != nil {
			// State events reach the client through the state section.
			continue
		}
		raw, err := b.RoomDB.SelectEventJSON(ctx, nil, row.EventNID)
		if err != nil {
			return nil, nil, fmt.Errorf("syncapi: select event json: %w", err)
		}
		he := &types.HeaderedEvent{RoomVersion: info.RoomVersion, JSON: raw}
		timelineEvents = append(timelineEvents, toSyncEvent(he))
		timelineSenders[row.Sender] = true
	}

	currentState, err := materializeStateMap(ctx, b.RoomDB, b.Compressor, info.RoomVersion, info.StateSnapshotNID)
	if err != nil {
		return nil, nil, err
	}

	var delta []*types.HeaderedEvent
	switch {
	case req.Since == 0 || req.FullState:
		delta = make([]*types.HeaderedEvent, 0, len(currentState))
		for _, ev := range currentState {
			delta = append(delta, ev)
		}
	case len(rows) == 0:
		delta = nil
	default:
		beforeFrame, ok, err := stateBeforeSlice(ctx, b.RoomDB, rows[0].EventID)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			delta = make([]*types.HeaderedEvent, 0, len(currentState))
			for _, ev := range currentState {
				delta = append(delta, ev)
			}
		} else if beforeFrame == info.StateSnapshotNID {
			delta = nil
		} else {
			before, err := materializeStateMap(ctx, b.RoomDB, b.Compressor, info.RoomVersion, beforeFrame)
			if err != nil {
				return nil, nil, err
			}
			delta = diffStateMaps(before, currentState)
		}
	}

	delta, err = b.applyLazyLoad(ctx, req, info.RoomID, delta, timelineSenders, currentState)
	if err != nil {
		return nil, nil, err
	}
	if err := b.markLazyLoadSent(ctx, req, info.RoomID, nextBatch, delta); err != nil {
		return nil, nil, err
	}

	ephemeral, err := b.buildEphemeral(ctx, info.RoomID, req.Since)
	if err != nil {
		return nil, nil, err
	}

	accountData, err := b.SyncDB.SelectRoomAccountDataSince(ctx, nil, req.UserID, info.RoomID, req.Since)
	if err != nil {
		return nil, nil, fmt.Errorf("syncapi: select room account data: %w", err)
	}

	notifCount, highlightCount, err := b.SyncDB.SelectCounts(ctx, nil, info.RoomID, req.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("syncapi: select notification counts: %w", err)
	}

	if req.Since != 0 && len(timelineEvents) == 0 && len(delta) == 0 && len(ephemeral) == 0 && len(accountData) == 0 {
		return nil, nil, nil
	}

	stateEvents := make([]SyncEvent, 0, len(delta))
	for _, ev := range delta {
		stateEvents = append(stateEvents, toSyncEvent(ev))
	}

	jr := &JoinedRoom{
		Timeline:    Timeline{Events: timelineEvents, Limited: limited, PrevBatch: prevBatch},
		State:       EventsResponse{Events: stateEvents},
		Ephemeral:   EventsResponse{Events: ephemeral},
		AccountData: EventsResponse{Events: accountDataToEvents(accountData)},
		UnreadNotifications: UnreadNotifications{
			NotificationCount: notifCount,
			HighlightCount:    highlightCount,
		},
	}
	return jr, timelineSenders, nil
}

func accountDataToEvents(data map[string][]byte) []SyncEvent {
	out := make([]SyncEvent, 0, len(data))
	for t, content := range data {
		out = append(out, SyncEvent{Type: t, Content: content})
	}
	return out
}

// buildEphemeral assembles the room's m.typing and m.receipt EDUs, §4.10
// step 2's "typing set for the room if the last update >= since_sn; read
// receipts changed since since_sn".
func (b *Builder) buildEphemeral(ctx context.Context, roomID string, sinceSN types.EventNID) ([]SyncEvent, error) {
	var out []SyncEvent

	if b.Typing != nil {
		if userIDs, changed := b.Typing.Since(roomID, int64(sinceSN)); changed {
			content, err := typingContent(userIDs)
			if err != nil {
				return nil, err
			}
			out = append(out, SyncEvent{Type: "m.typing", Content: content})
		}
	}

	receipts, err := b.SyncDB.SelectReceiptsSince(ctx, nil, roomID, sinceSN)
	if err != nil {
		return nil, fmt.Errorf("syncapi: select receipts: %w", err)
	}
	if len(receipts) > 0 {
		content, err := receiptsContent(receipts)
		if err != nil {
			return nil, err
		}
		out = append(out, SyncEvent{Type: "m.receipt", Content: content})
	}
	return out, nil
}

// buildInviteRooms implements §4.10 step 4: stripped state for every room
// the user currently holds an "invite" membership in. Per the Matrix spec
// the invite event itself carries the stripped state in
// unsigned.invite_room_state; lacking that side channel here, the current
// room state's well-known public fields stand in for it.
func (b *Builder) buildInviteRooms(ctx context.Context, req Request, resp *Response) error {
	roomNIDs, err := b.RoomDB.SelectMembershipsForUser(ctx, nil, req.UserID, "invite")
	if err != nil {
		return fmt.Errorf("syncapi: select invited rooms: %w", err)
	}
	for _, roomNID := range roomNIDs {
		info, err := b.RoomDB.SelectRoomInfo(ctx, nil, roomNID)
		if err != nil {
			return err
		}
		stateEvents, err := strippedState(ctx, b.RoomDB, b.Compressor, info)
		if err != nil {
			return err
		}
		resp.Rooms.Invite[info.RoomID] = &InvitedRoom{InviteState: EventsResponse{Events: stateEvents}}
	}
	return nil
}

// buildKnockRooms implements §4.10 step 5, the knock-room analogue of
// buildInviteRooms.
func (b *Builder) buildKnockRooms(ctx context.Context, req Request, resp *Response) error {
	roomNIDs, err := b.RoomDB.SelectMembershipsForUser(ctx, nil, req.UserID, "knock")
	if err != nil {
		return fmt.Errorf("syncapi: select knocked rooms: %w", err)
	}
	for _, roomNID := range roomNIDs {
		info, err := b.RoomDB.SelectRoomInfo(ctx, nil, roomNID)
		if err != nil {
			return err
		}
		stateEvents, err := strippedState(ctx, b.RoomDB, b.Compressor, info)
		if err != nil {
			return err
		}
		resp.Rooms.Knock[info.RoomID] = &KnockedRoom{KnockState: EventsResponse{Events: stateEvents}}
	}
	return nil
}

// strippedStateTypes are the event types Matrix clients rely on to render
// an invite/knock preview before joining.
var strippedStateTypes = map[string]bool{
	"m.room.create":          true,
	"m.room.join_rules":      true,
	"m.room.name":            true,
	"m.room.avatar":          true,
	"m.room.canonical_alias": true,
	"m.room.encryption":      true,
	"m.room.member":          true,
}

func strippedState(ctx context.Context, db storage.Database, compressor *state.Compressor, info types.RoomInfo) ([]SyncEvent, error) {
	full, err := materializeStateMap(ctx, db, compressor, info.RoomVersion, info.StateSnapshotNID)
	if err != nil {
		return nil, err
	}
	out := make([]SyncEvent, 0, len(strippedStateTypes))
	for k, ev := range full {
		if !strippedStateTypes[k.EventType] {
			continue
		}
		out = append(out, toSyncEvent(ev))
	}
	return out, nil
}

// buildLeftRooms implements §4.10 step 3: rooms the user has left since
// since_sn, with the state up to the leave event.
func (b *Builder) buildLeftRooms(ctx context.Context, req Request, resp *Response, currSN types.EventNID) error {
	roomNIDs, err := b.RoomDB.SelectMembershipsForUser(ctx, nil, req.UserID, "leave")
	if err != nil {
		return fmt.Errorf("syncapi: select left rooms: %w", err)
	}
	for _, roomNID := range roomNIDs {
		row, ok, err := b.RoomDB.SelectMembership(ctx, nil, roomNID, req.UserID)
		if err != nil {
			return err
		}
		if !ok || row.EventNID <= req.Since {
			continue
		}
		info, err := b.RoomDB.SelectRoomInfo(ctx, nil, roomNID)
		if err != nil {
			return err
		}
		raw, err := b.RoomDB.SelectEventJSON(ctx, nil, row.EventNID)
		if err != nil {
			return err
		}
		leaveEvent := toSyncEvent(&types.HeaderedEvent{RoomVersion: info.RoomVersion, JSON: raw})

		frameID, ok, err := stateBeforeSlice(ctx, b.RoomDB, row.EventID)
		var stateEvents []SyncEvent
		if err == nil && ok {
			beforeLeave, err := materializeStateMap(ctx, b.RoomDB, b.Compressor, info.RoomVersion, frameID)
			if err == nil {
				for _, ev := range beforeLeave {
					stateEvents = append(stateEvents, toSyncEvent(ev))
				}
			}
		}

		resp.Rooms.Leave[info.RoomID] = &LeftRoom{
			Timeline: Timeline{Events: []SyncEvent{leaveEvent}},
			State:    EventsResponse{Events: stateEvents},
		}
	}
	return nil
}
