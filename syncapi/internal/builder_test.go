package internal_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexuscore/homeserver/internal/eventcrypto"
	"github.com/nexuscore/homeserver/roomserver/state"
	roomstorage "github.com/nexuscore/homeserver/roomserver/storage"
	"github.com/nexuscore/homeserver/roomserver/types"
	"github.com/nexuscore/homeserver/syncapi/internal"
	syncstorage "github.com/nexuscore/homeserver/syncapi/storage"
)

// fixture wires an in-memory roomserver + syncapi storage pair and gives
// tests a small helper to grow a room one PDU at a time, the same shape
// perform.AppendPDU's own callers build by hand (InsertEvent, assign a
// frame, advance the current frame).
type fixture struct {
	t          *testing.T
	roomDB     roomstorage.Database
	syncDB     syncstorage.Database
	compressor *state.Compressor
	roomNID    types.RoomNID
	roomID     string
	version    eventcrypto.RoomVersion
	frame      types.StateSnapshotNID
	lastEvent  string
}

func newFixture(t *testing.T, roomID string) *fixture {
	t.Helper()
	roomDB, err := roomstorage.Open(":memory:")
	require.NoError(t, err)
	syncDB, err := syncstorage.Open(":memory:")
	require.NoError(t, err)
	compressor := state.NewCompressor(roomDB)

	roomNID, err := roomDB.InsertRoom(context.Background(), nil, roomID, string(eventcrypto.RoomVersionV10))
	require.NoError(t, err)

	// Every room starts from an explicit empty-state base frame, the same
	// way appendToTimeline saves stateBefore as a frame before the
	// genesis event's append_to_state has anything to build on.
	base, err := compressor.SaveState(context.Background(), roomNID, map[types.FieldID]types.EventNID{}, nil)
	require.NoError(t, err)

	return &fixture{
		t: t, roomDB: roomDB, syncDB: syncDB, compressor: compressor,
		roomNID: roomNID, roomID: roomID, version: eventcrypto.RoomVersionV10,
		frame: base.FrameID,
	}
}

// appendState inserts a state event (stateKey != "" is intentional: the
// empty string is itself a valid state_key, e.g. m.room.create) and
// advances the room's current frame to include it, mirroring
// perform_append.go's append_to_state/force_state sequence without the
// rest of the ingestion pipeline's auth/resolution machinery a pure
// builder test has no need for.
func (f *fixture) appendState(eventType, stateKey, sender, content string) (string, types.EventNID) {
	f.t.Helper()
	eventID := fmt.Sprintf("$%s-%d:test", eventType, len(f.lastEvent)+1)
	ctx := context.Background()
	sk := stateKey
	nid, err := f.roomDB.InsertEvent(ctx, nil, f.roomNID, eventID, eventType, &sk, sender, 1, 1000, false)
	require.NoError(f.t, err)

	body := fmt.Sprintf(`{"event_id":%q,"room_id":%q,"sender":%q,"type":%q,"state_key":%q,"content":%s,"origin_server_ts":1000,"depth":1,"prev_events":[],"auth_events":[]}`,
		eventID, f.roomID, sender, eventType, stateKey, content)
	require.NoError(f.t, f.roomDB.InsertEventJSON(ctx, nil, nid, []byte(body)))
	if f.lastEvent != "" {
		require.NoError(f.t, f.roomDB.InsertEventEdge(ctx, nil, f.roomNID, eventID, f.lastEvent, true))
	}

	he := &types.HeaderedEvent{RoomVersion: f.version, JSON: []byte(body)}
	newFrame, err := f.compressor.AppendToState(ctx, f.roomNID, f.frame, he, nid)
	require.NoError(f.t, err)
	require.NoError(f.t, f.roomDB.UpdateCurrentFrame(ctx, nil, f.roomNID, newFrame))
	require.NoError(f.t, f.roomDB.SetEventFrame(ctx, nil, nid, newFrame))

	f.frame = newFrame
	f.lastEvent = eventID
	return eventID, nid
}

// appendMessage inserts a message-like (non-state) event onto the
// timeline without touching the current frame.
func (f *fixture) appendMessage(eventType, sender, content string) (string, types.EventNID) {
	f.t.Helper()
	eventID := fmt.Sprintf("$%s-%d:test", eventType, len(f.lastEvent)+100)
	ctx := context.Background()
	nid, err := f.roomDB.InsertEvent(ctx, nil, f.roomNID, eventID, eventType, nil, sender, 1, 1000, false)
	require.NoError(f.t, err)

	body := fmt.Sprintf(`{"event_id":%q,"room_id":%q,"sender":%q,"type":%q,"content":%s,"origin_server_ts":1000,"depth":1,"prev_events":[],"auth_events":[]}`,
		eventID, f.roomID, sender, eventType, content)
	require.NoError(f.t, f.roomDB.InsertEventJSON(ctx, nil, nid, []byte(body)))
	require.NoError(f.t, f.roomDB.SetEventFrame(ctx, nil, nid, f.frame))
	if f.lastEvent != "" {
		require.NoError(f.t, f.roomDB.InsertEventEdge(ctx, nil, f.roomNID, eventID, f.lastEvent, false))
	}

	f.lastEvent = eventID
	return eventID, nid
}

func TestBuilderInitialSyncReturnsFullStateAndTimeline(t *testing.T) {
	f := newFixture(t, "!room:test")
	f.appendState("m.room.create", "", "@alice:test", `{"creator":"@alice:test"}`)
	memberEventID, memberNID := f.appendState("m.room.member", "@alice:test", "@alice:test", `{"membership":"join"}`)
	require.NoError(t, f.roomDB.UpsertMembership(context.Background(), nil, f.roomNID, "@alice:test", "join", memberEventID, memberNID))
	f.appendMessage("m.room.message", "@alice:test", `{"body":"hello"}`)

	b := internal.NewBuilder(f.roomDB, f.compressor, f.syncDB, nil, nil)
	resp, err := b.Sync(context.Background(), internal.Request{UserID: "@alice:test", DeviceID: "DEV1"})
	require.NoError(t, err)

	room, ok := resp.Rooms.Join[f.roomID]
	require.True(t, ok, "expected joined room %s in response", f.roomID)
	require.Len(t, room.Timeline.Events, 1)
	require.Equal(t, "m.room.message", room.Timeline.Events[0].Type)
	require.False(t, room.Timeline.Limited)

	var sawCreate, sawMember bool
	for _, ev := range room.State.Events {
		switch ev.Type {
		case "m.room.create":
			sawCreate = true
		case "m.room.member":
			sawMember = true
		}
	}
	require.True(t, sawCreate, "expected m.room.create in initial state")
	require.True(t, sawMember, "expected m.room.member in initial state")
}

func TestBuilderIncrementalSyncOmitsUnchangedRoom(t *testing.T) {
	f := newFixture(t, "!room:test")
	f.appendState("m.room.create", "", "@alice:test", `{"creator":"@alice:test"}`)
	memberEventID, memberNID := f.appendState("m.room.member", "@alice:test", "@alice:test", `{"membership":"join"}`)
	require.NoError(t, f.roomDB.UpsertMembership(context.Background(), nil, f.roomNID, "@alice:test", "join", memberEventID, memberNID))

	b := internal.NewBuilder(f.roomDB, f.compressor, f.syncDB, nil, nil)
	ctx := context.Background()

	first, err := b.Sync(ctx, internal.Request{UserID: "@alice:test", DeviceID: "DEV1"})
	require.NoError(t, err)
	since, err := parseNextBatch(first.NextBatch)
	require.NoError(t, err)

	second, err := b.Sync(ctx, internal.Request{UserID: "@alice:test", DeviceID: "DEV1", Since: since})
	require.NoError(t, err)
	_, ok := second.Rooms.Join[f.roomID]
	require.False(t, ok, "unchanged room should be omitted from an incremental sync")
}

func TestBuilderIncrementalSyncReturnsNewMessageOnly(t *testing.T) {
	f := newFixture(t, "!room:test")
	f.appendState("m.room.create", "", "@alice:test", `{"creator":"@alice:test"}`)
	memberEventID, memberNID := f.appendState("m.room.member", "@alice:test", "@alice:test", `{"membership":"join"}`)
	require.NoError(t, f.roomDB.UpsertMembership(context.Background(), nil, f.roomNID, "@alice:test", "join", memberEventID, memberNID))

	b := internal.NewBuilder(f.roomDB, f.compressor, f.syncDB, nil, nil)
	ctx := context.Background()

	first, err := b.Sync(ctx, internal.Request{UserID: "@alice:test", DeviceID: "DEV1"})
	require.NoError(t, err)
	since, err := parseNextBatch(first.NextBatch)
	require.NoError(t, err)

	f.appendMessage("m.room.message", "@alice:test", `{"body":"second"}`)

	second, err := b.Sync(ctx, internal.Request{UserID: "@alice:test", DeviceID: "DEV1", Since: since})
	require.NoError(t, err)
	room, ok := second.Rooms.Join[f.roomID]
	require.True(t, ok)
	require.Len(t, room.Timeline.Events, 1)
	require.Equal(t, "second", decodeBody(t, room.Timeline.Events[0].Content))
	require.Empty(t, room.State.Events, "no state change since last sync should yield an empty delta")
}

func TestBuilderTimelineLimitMarksLimitedAndSetsPrevBatch(t *testing.T) {
	f := newFixture(t, "!room:test")
	f.appendState("m.room.create", "", "@alice:test", `{"creator":"@alice:test"}`)
	memberEventID, memberNID := f.appendState("m.room.member", "@alice:test", "@alice:test", `{"membership":"join"}`)
	require.NoError(t, f.roomDB.UpsertMembership(context.Background(), nil, f.roomNID, "@alice:test", "join", memberEventID, memberNID))
	for i := 0; i < 5; i++ {
		f.appendMessage("m.room.message", "@alice:test", fmt.Sprintf(`{"body":"m%d"}`, i))
	}

	b := internal.NewBuilder(f.roomDB, f.compressor, f.syncDB, nil, nil)
	resp, err := b.Sync(context.Background(), internal.Request{
		UserID: "@alice:test", DeviceID: "DEV1",
		Filter: internal.Filter{Limit: 3},
	})
	require.NoError(t, err)
	room, ok := resp.Rooms.Join[f.roomID]
	require.True(t, ok)
	require.Len(t, room.Timeline.Events, 3)
	require.True(t, room.Timeline.Limited)
	require.NotEmpty(t, room.Timeline.PrevBatch)
}

func TestBuilderNextBatchIsMaxEventNIDPlusOne(t *testing.T) {
	f := newFixture(t, "!room:test")
	f.appendState("m.room.create", "", "@alice:test", `{"creator":"@alice:test"}`)

	b := internal.NewBuilder(f.roomDB, f.compressor, f.syncDB, nil, nil)
	resp, err := b.Sync(context.Background(), internal.Request{UserID: "@alice:test", DeviceID: "DEV1"})
	require.NoError(t, err)

	currSN, err := f.roomDB.SelectMaxEventNID(context.Background(), nil)
	require.NoError(t, err)
	since, err := parseNextBatch(resp.NextBatch)
	require.NoError(t, err)
	require.Equal(t, currSN+1, since)
}

func parseNextBatch(s string) (types.EventNID, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return types.EventNID(n), err
}

func decodeBody(t *testing.T, content []byte) string {
	t.Helper()
	var v struct {
		Body string `json:"body"`
	}
	require.NoError(t, json.Unmarshal(content, &v))
	return v.Body
}
