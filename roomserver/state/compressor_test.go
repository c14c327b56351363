package state_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexuscore/homeserver/roomserver/state"
	roomstorage "github.com/nexuscore/homeserver/roomserver/storage"
	"github.com/nexuscore/homeserver/roomserver/types"
)

func newCompressor(t *testing.T) (*state.Compressor, roomstorage.Database, types.RoomNID) {
	t.Helper()
	db, err := roomstorage.Open(":memory:")
	require.NoError(t, err)
	roomNID, err := db.InsertRoom(context.Background(), nil, "!room:test", "10")
	require.NoError(t, err)
	return state.NewCompressor(db), db, roomNID
}

func TestSaveStateThenMaterializeRoundTrips(t *testing.T) {
	c, _, roomNID := newCompressor(t)
	ctx := context.Background()

	full := map[types.FieldID]types.EventNID{1: 100, 2: 200}
	delta, err := c.SaveState(ctx, roomNID, full, nil)
	require.NoError(t, err)
	require.NotZero(t, delta.FrameID)

	got, err := c.Materialize(ctx, delta.FrameID)
	require.NoError(t, err)
	require.Equal(t, full, got)
}

func TestSaveStateReusesFrameWithIdenticalHash(t *testing.T) {
	c, _, roomNID := newCompressor(t)
	ctx := context.Background()

	full := map[types.FieldID]types.EventNID{1: 100}
	first, err := c.SaveState(ctx, roomNID, full, nil)
	require.NoError(t, err)

	second, err := c.SaveState(ctx, roomNID, full, nil)
	require.NoError(t, err)
	require.Equal(t, first.FrameID, second.FrameID, "identical full state should reuse the existing frame")
}

func TestSaveStateWithParentProducesDelta(t *testing.T) {
	c, _, roomNID := newCompressor(t)
	ctx := context.Background()

	base, err := c.SaveState(ctx, roomNID, map[types.FieldID]types.EventNID{1: 100}, nil)
	require.NoError(t, err)

	child, err := c.SaveState(ctx, roomNID, map[types.FieldID]types.EventNID{1: 100, 2: 200}, &base.FrameID)
	require.NoError(t, err)
	require.Len(t, child.Appended, 1)
	require.Equal(t, types.FieldID(2), child.Appended[0].FieldID)
	require.Empty(t, child.Disposed)

	full, err := c.Materialize(ctx, child.FrameID)
	require.NoError(t, err)
	require.Equal(t, map[types.FieldID]types.EventNID{1: 100, 2: 200}, full)
}

func TestSaveStateDisposesRemovedFields(t *testing.T) {
	c, _, roomNID := newCompressor(t)
	ctx := context.Background()

	base, err := c.SaveState(ctx, roomNID, map[types.FieldID]types.EventNID{1: 100, 2: 200}, nil)
	require.NoError(t, err)

	child, err := c.SaveState(ctx, roomNID, map[types.FieldID]types.EventNID{1: 100}, &base.FrameID)
	require.NoError(t, err)
	require.Empty(t, child.Appended)
	require.Len(t, child.Disposed, 1)
	require.Equal(t, types.FieldID(2), child.Disposed[0].FieldID)

	full, err := c.Materialize(ctx, child.FrameID)
	require.NoError(t, err)
	require.Equal(t, map[types.FieldID]types.EventNID{1: 100}, full)
}

func TestAppendToStateNonStateEventReturnsSameFrame(t *testing.T) {
	c, _, roomNID := newCompressor(t)
	ctx := context.Background()

	base, err := c.SaveState(ctx, roomNID, map[types.FieldID]types.EventNID{}, nil)
	require.NoError(t, err)

	ev := &types.HeaderedEvent{RoomVersion: "10", JSON: []byte(`{"type":"m.room.message","content":{"body":"hi"}}`)}
	newFrame, err := c.AppendToState(ctx, roomNID, base.FrameID, ev, 1)
	require.NoError(t, err)
	require.Equal(t, base.FrameID, newFrame, "a non-state event must not create a new frame")
}

func TestAppendToStateOverwritesSameStateKey(t *testing.T) {
	c, db, roomNID := newCompressor(t)
	ctx := context.Background()

	base, err := c.SaveState(ctx, roomNID, map[types.FieldID]types.EventNID{}, nil)
	require.NoError(t, err)

	sk := ""
	nid1, err := db.InsertEvent(ctx, nil, roomNID, "$create:test", "m.room.create", &sk, "@alice:test", 1, 1000, false)
	require.NoError(t, err)
	ev1 := &types.HeaderedEvent{RoomVersion: "10", JSON: []byte(`{"type":"m.room.create","state_key":"","content":{"creator":"@alice:test"}}`)}
	frame1, err := c.AppendToState(ctx, roomNID, base.FrameID, ev1, nid1)
	require.NoError(t, err)

	nid2, err := db.InsertEvent(ctx, nil, roomNID, "$create2:test", "m.room.create", &sk, "@alice:test", 2, 2000, false)
	require.NoError(t, err)
	ev2 := &types.HeaderedEvent{RoomVersion: "10", JSON: []byte(`{"type":"m.room.create","state_key":"","content":{"creator":"@alice:test","extra":true}}`)}
	frame2, err := c.AppendToState(ctx, roomNID, frame1, ev2, nid2)
	require.NoError(t, err)

	full, err := c.Materialize(ctx, frame2)
	require.NoError(t, err)
	require.Len(t, full, 1, "the second m.room.create overwrites the same (type, state_key) slot")

	var sn types.EventNID
	for _, v := range full {
		sn = v
	}
	require.Equal(t, nid2, sn)
}

func TestCompressEventInternsFieldID(t *testing.T) {
	c, _, _ := newCompressor(t)
	ctx := context.Background()

	ce1, err := c.CompressEvent(ctx, "m.room.member", "@alice:test", 10)
	require.NoError(t, err)
	ce2, err := c.CompressEvent(ctx, "m.room.member", "@alice:test", 20)
	require.NoError(t, err)

	require.Equal(t, ce1.FieldID, ce2.FieldID, "the same (type, state_key) pair always interns to the same field id")
	require.NotEqual(t, ce1.EventSN, ce2.EventSN)
}
