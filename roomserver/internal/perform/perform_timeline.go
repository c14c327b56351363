package perform

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/nexuscore/homeserver/internal/eventcrypto"
	"github.com/nexuscore/homeserver/internal/logging"
	"github.com/nexuscore/homeserver/roomserver/internal/input"
	roomauth "github.com/nexuscore/homeserver/roomserver/auth"
	"github.com/nexuscore/homeserver/roomserver/types"
)

// maxPrevEvents bounds how many forward extremities a locally built event
// may declare as prev_events, per §4.8's build_and_append_pdu step 1.
const maxPrevEvents = 20

// EventBuilder is the not-yet-built local event description passed to
// BuildAndAppendPDU: the client-supplied (event_type, state_key, sender,
// content) tuple for one room, §4.8's "builder".
type EventBuilder struct {
	RoomID    string
	Sender    string
	EventType string
	StateKey  *string
	Content   []byte
}

// BuildAndAppendPDU implements build_and_append_pdu (§4.8): the local
// client /send construction path. It selects prev_events/auth_events off
// the room's current state, stamps depth and prev_content/prev_sender,
// runs the authorization rules locally before ever touching the
// ingestion pipeline, then signs and hashes the result and appends it
// exactly as a remote PDU would be appended.
func (p *Performer) BuildAndAppendPDU(ctx context.Context, b EventBuilder) (*types.HeaderedEvent, error) {
	roomNID, ok, err := p.DB.SelectRoomNID(ctx, nil, b.RoomID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("perform: room %s does not exist", b.RoomID)
	}
	info, err := p.DB.SelectRoomInfo(ctx, nil, roomNID)
	if err != nil {
		return nil, err
	}

	currentState, _, err := p.currentState(ctx, roomNID, info.RoomVersion)
	if err != nil {
		return nil, err
	}

	prevIDs, err := p.DB.SelectForwardExtremities(ctx, nil, roomNID)
	if err != nil {
		return nil, err
	}
	if len(prevIDs) > maxPrevEvents {
		prevIDs = prevIDs[:maxPrevEvents]
	}

	var depth int64
	for _, id := range prevIDs {
		nid, ok, err := p.DB.SelectEventNID(ctx, nil, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		ei, err := p.DB.SelectEventInfo(ctx, nil, nid)
		if err != nil {
			return nil, err
		}
		if ei.Depth+1 > depth {
			depth = ei.Depth + 1
		}
	}
	if depth == 0 {
		depth = 1
	}

	authIDs := roomauth.SelectAuthEventIDs(roomauth.BuilderInput{
		EventType: b.EventType,
		StateKey:  b.StateKey,
		Sender:    b.Sender,
		Content:   b.Content,
	}, currentState)
	authEvents := stateMapForIDs(currentState, authIDs)

	content := b.Content
	var unsigned []byte
	if b.StateKey != nil {
		if prev := currentState.Get(b.EventType, *b.StateKey); prev != nil {
			unsigned, _ = sjson.SetBytes([]byte("{}"), "prev_content", gjson.ParseBytes(prev.Content()).Value())
			unsigned, _ = sjson.SetBytes(unsigned, "prev_sender", prev.Sender())
		}
	}

	raw, err := marshalBuilderEvent(b, prevIDs, authIDs, depth, content, unsigned)
	if err != nil {
		return nil, err
	}

	tempEvent := &types.HeaderedEvent{RoomVersion: info.RoomVersion, JSON: raw}
	if err := roomauth.Allowed(tempEvent, authEvents); err != nil {
		return nil, fmt.Errorf("perform: local event rejected: %w", err)
	}
	if err := p.checkAdminRoomRules(tempEvent, currentState); err != nil {
		return nil, err
	}

	signed, err := p.signAndHash(raw, info.RoomVersion)
	if err != nil {
		return nil, err
	}
	ev := &types.HeaderedEvent{RoomVersion: info.RoomVersion, JSON: signed}

	logging.Logger(ctx).WithFields(map[string]interface{}{
		"room_id": ev.RoomID(), "event_id": ev.EventID(), "type": ev.Type(),
	}).Info("perform: built local event")

	if err := p.Inputer.ProcessRoomEvent(ctx, &input.InputRoomEvent{Event: ev, Kind: input.KindTimeline}); err != nil {
		return nil, fmt.Errorf("perform: append local event: %w", err)
	}
	if err := p.AppendPDU(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// marshalBuilderEvent produces the unsigned, unhashed JSON form of a
// locally built event, ready for AddContentHash/Sign/EventID.
func marshalBuilderEvent(b EventBuilder, prevEvents, authEvents []string, depth int64, content, unsigned []byte) ([]byte, error) {
	doc := map[string]interface{}{
		"room_id":          b.RoomID,
		"sender":           b.Sender,
		"type":             b.EventType,
		"content":          json.RawMessage(content),
		"prev_events":      prevEvents,
		"auth_events":      authEvents,
		"depth":            depth,
		"origin_server_ts": time.Now().UnixMilli(),
	}
	if b.StateKey != nil {
		doc["state_key"] = *b.StateKey
	}
	if len(unsigned) > 0 {
		doc["unsigned"] = json.RawMessage(unsigned)
	}
	return json.Marshal(doc)
}

// signAndHash adds the content hash, signs the result for this server,
// and assigns event_id per the room version's id-derivation rule.
func (p *Performer) signAndHash(raw []byte, version eventcrypto.RoomVersion) ([]byte, error) {
	hashed, err := eventcrypto.AddContentHash(raw)
	if err != nil {
		return nil, fmt.Errorf("perform: content hash: %w", err)
	}
	signed, err := eventcrypto.Sign(hashed, p.ServerName, p.KeyID, p.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("perform: sign: %w", err)
	}

	idFormat, err := version.EventIDFormat()
	if err != nil {
		return nil, err
	}
	if idFormat == eventcrypto.EventIDFormatOpaque {
		// Room versions 1-2 carry a server-assigned opaque event_id; a
		// local build still needs one before it can be appended.
		ref, err := eventcrypto.ReferenceHash(signed, version)
		if err != nil {
			return nil, err
		}
		return sjson.SetBytes(signed, "event_id", "$"+p.ServerName+"-"+eventcrypto.EventID(ref)[1:])
	}

	ref, err := eventcrypto.ReferenceHash(signed, version)
	if err != nil {
		return nil, fmt.Errorf("perform: reference hash: %w", err)
	}
	return sjson.SetBytes(signed, "event_id", eventcrypto.EventID(ref))
}

// stateMapForIDs narrows a full StateMap down to the entries whose
// event_id appears in ids, the shape Allowed expects for "the state this
// event declares as authorizing it" rather than the room's whole state.
func stateMapForIDs(full roomauth.StateMap, ids []string) roomauth.StateMap {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := make(roomauth.StateMap, len(ids))
	for k, ev := range full {
		if want[ev.EventID()] {
			out[k] = ev
		}
	}
	return out
}

// checkAdminRoomRules enforces §4.8's admin-room special casing: the
// server's own admin user cannot be kicked/banned, the last local admin
// cannot leave/be banned, and encryption cannot be enabled in the admin
// room.
func (p *Performer) checkAdminRoomRules(ev *types.HeaderedEvent, currentState roomauth.StateMap) error {
	if p.AdminRoom == nil || !p.AdminRoom.IsAdminRoom(ev.RoomID()) {
		return nil
	}
	adminUser := p.AdminRoom.AdminUserID()

	if ev.Type() == "m.room.member" && ev.StateKey() != nil && *ev.StateKey() == adminUser {
		// AdminUserID names the server's single admin account, so any ban
		// or leave for it is necessarily the "last local admin" case §4.8
		// singles out.
		membership := gjson.GetBytes(ev.Content(), "membership").String()
		if membership == "ban" || membership == "leave" {
			return fmt.Errorf("perform: the admin user cannot leave or be banned from the admin room")
		}
	}
	if ev.Type() == "m.room.encryption" {
		return fmt.Errorf("perform: encryption cannot be enabled in the admin room")
	}
	return nil
}
