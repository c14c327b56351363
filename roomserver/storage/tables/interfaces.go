// Package tables declares the per-table storage interfaces the roomserver
// storage layer implements once per SQL dialect (postgres, sqlite3), the
// same split the rest of this codebase's storage packages use: the
// interface lives here, two small concrete implementations live in
// storage/postgres and storage/sqlite3.
package tables

import (
	"context"
	"database/sql"

	"github.com/nexuscore/homeserver/roomserver/types"
)

// Events is the events(...) table from §4.3: one row per known event,
// whether outlier or timeline, carrying the bookkeeping columns the
// ingestion pipeline and sync builder read hot.
type Events interface {
	// InsertEvent assigns and returns a new EventNID for eventID if one
	// doesn't already exist, or returns the existing one. Matches §4.3's
	// "event_sn is assigned exactly once per event_id; two calls to
	// 'ensure' the same event_id return the same sn."
	InsertEvent(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID, eventType string, stateKey *string, sender string, depth int64, originServerTS int64, isOutlier bool) (types.EventNID, error)
	SelectEventNID(ctx context.Context, txn *sql.Tx, eventID string) (types.EventNID, bool, error)
	SelectEventID(ctx context.Context, txn *sql.Tx, eventNID types.EventNID) (string, error)
	// PromoteOutlierToTimeline flips is_outlier false; the reverse never
	// happens (§4.3).
	PromoteOutlierToTimeline(ctx context.Context, txn *sql.Tx, eventNID types.EventNID) error
	MarkRejected(ctx context.Context, txn *sql.Tx, eventNID types.EventNID, reason string) error
	MarkSoftFailed(ctx context.Context, txn *sql.Tx, eventNID types.EventNID) error
	MarkRedacted(ctx context.Context, txn *sql.Tx, eventNID types.EventNID) error
	SelectEventInfo(ctx context.Context, txn *sql.Tx, eventNID types.EventNID) (EventInfo, error)
	// SelectMaxEventNID returns the highest event_sn assigned so far, the
	// watermark the sync builder (C10) reads as curr_sn to compute
	// next_batch = curr_sn + 1 (§4.10 step 1).
	SelectMaxEventNID(ctx context.Context, txn *sql.Tx) (types.EventNID, error)
	// SelectTimelineEventsForRoom returns up to limit timeline (non-outlier,
	// non-soft-failed, non-rejected) events in roomNID with event_sn in
	// (sinceSN, untilSN]: the newest ones in that range, ordered oldest
	// first — the §4.10 timeline slice. A caller that passes one more than
	// it needs can detect truncation without a second COUNT query.
	SelectTimelineEventsForRoom(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, sinceSN, untilSN types.EventNID, limit int) ([]EventInfo, error)
}

// EventInfo is the subset of an events row callers outside the storage
// package actually need, avoiding a wide *sql.Rows-shaped struct leaking
// everywhere.
type EventInfo struct {
	EventNID        types.EventNID
	RoomNID         types.RoomNID
	EventID         string
	EventType       string
	StateKey        *string
	Sender          string
	Depth           int64
	OriginServerTS  int64
	IsOutlier       bool
	IsRedacted      bool
	SoftFailed      bool
	RejectionReason *string
}

// EventJSON is event_datas(event_id, event_sn) -> json_blob.
type EventJSON interface {
	InsertEventJSON(ctx context.Context, txn *sql.Tx, eventNID types.EventNID, eventJSON []byte) error
	SelectEventJSON(ctx context.Context, txn *sql.Tx, eventNID types.EventNID) ([]byte, error)
	UpdateEventJSON(ctx context.Context, txn *sql.Tx, eventNID types.EventNID, eventJSON []byte) error
}

// EventEdges is event_edges(event_id, prev_event_id, room_id, is_state).
type EventEdges interface {
	InsertEventEdge(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID, prevEventID string, isState bool) error
	SelectPrevEventIDs(ctx context.Context, txn *sql.Tx, eventID string) ([]string, error)
}

// EventPoints is event_points(event_id, event_sn, room_id, frame_id?).
type EventPoints interface {
	SetEventFrame(ctx context.Context, txn *sql.Tx, eventNID types.EventNID, frameID types.StateSnapshotNID) error
	SelectEventFrame(ctx context.Context, txn *sql.Tx, eventNID types.EventNID) (types.StateSnapshotNID, bool, error)
}

// ForwardExtremities is event_forward_extremities(room_id, event_id).
type ForwardExtremities interface {
	SelectForwardExtremities(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) ([]string, error)
	// UpdateForwardExtremities updates the forward-extremity set for a
	// room: remove removed, add added.
	UpdateForwardExtremities(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, added, removed []string) error
}

// BackwardExtremities is event_backward_extremities(room_id, event_id) —
// events referenced as prev_events but not yet resolved (§4.3).
type BackwardExtremities interface {
	InsertBackwardExtremity(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID string) error
	SelectBackwardExtremities(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) ([]string, error)
	DeleteBackwardExtremity(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID string) error
}

// AuthChains is event_auth_chains(cache_key, chain_sns) — C5's memoized
// BFS closures, keyed by the sorted set of seed event_sns.
type AuthChains interface {
	SelectAuthChain(ctx context.Context, txn *sql.Tx, cacheKey string) ([]types.EventNID, bool, error)
	InsertAuthChain(ctx context.Context, txn *sql.Tx, cacheKey string, chain []types.EventNID) error
}

// Rooms is the room-level bookkeeping table: room_nid <-> room_id, room
// version, and the room's current state frame.
type Rooms interface {
	InsertRoom(ctx context.Context, txn *sql.Tx, roomID string, roomVersion string) (types.RoomNID, error)
	SelectRoomNID(ctx context.Context, txn *sql.Tx, roomID string) (types.RoomNID, bool, error)
	SelectRoomInfo(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) (types.RoomInfo, error)
	UpdateCurrentFrame(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, frameID types.StateSnapshotNID) error
	SelectRoomIDs(ctx context.Context, txn *sql.Tx) ([]string, error)
	SetRoomDisabled(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, disabled bool) error
}

// FieldIDs is the persistent backing for ensure_field_id (§4.4): interns
// an (event_type, state_key) pair into a small integer exactly once,
// process-cache misses fall through here.
type FieldIDs interface {
	EnsureFieldID(ctx context.Context, txn *sql.Tx, eventType string, stateKey string) (types.FieldID, error)
	SelectFieldIDsForTuples(ctx context.Context, txn *sql.Tx, pairs [][2]string) (map[[2]string]types.FieldID, error)
}

// Frames is the frame store from §3/§4.4: append-only
// frame_id -> (room_id, parent_frame_id, appended, disposed, hash).
type Frames interface {
	InsertFrame(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, parent *types.StateSnapshotNID, appended, disposed []byte, hash []byte, chainLength int) (types.StateSnapshotNID, error)
	SelectFrame(ctx context.Context, txn *sql.Tx, frameID types.StateSnapshotNID) (FrameRow, bool, error)
	SelectFrameByHash(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, hash []byte) (types.StateSnapshotNID, bool, error)
}

// FrameRow is one materialized frame-store record.
type FrameRow struct {
	FrameID     types.StateSnapshotNID
	RoomNID     types.RoomNID
	ParentFrame *types.StateSnapshotNID
	Appended    []byte
	Disposed    []byte
	Hash        []byte
	ChainLength int
}

// Membership is the per-(room, user) membership record from §3: current
// membership state, the event that set it, the last join event, and
// whether the user has forgotten the room.
type Membership interface {
	UpsertMembership(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, userID, membership, eventID string, eventNID types.EventNID) error
	SelectMembership(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, userID string) (MembershipRow, bool, error)
	SelectRoomMembers(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, membership string) ([]string, error)
	SelectMembershipsForUser(ctx context.Context, txn *sql.Tx, userID string, membership string) ([]types.RoomNID, error)
	SetForgotten(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, userID string, forgotten bool) error
}

// MembershipRow is one membership record.
type MembershipRow struct {
	RoomNID     types.RoomNID
	UserID      string
	Membership  string
	EventID     string
	EventNID    types.EventNID
	LastJoinID  string
	Forgotten   bool
}

// Relations is the event-relations index from §4.8 step 8: reply,
// thread, and annotation bookkeeping, plus the thread-summary fields the
// SPEC_FULL C8 supplement adds (latest event + event count per thread;
// no per-user notification counts are kept).
type Relations interface {
	InsertRelation(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, parentEventID, childEventID, relType, eventType string) error
	SelectRelationsForEvent(ctx context.Context, txn *sql.Tx, parentEventID, relType string) ([]string, error)
	UpdateThreadLatest(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, threadRootID, latestEventID string, count int) error
	SelectThreadSummary(ctx context.Context, txn *sql.Tx, threadRootID string) (ThreadSummaryRow, bool, error)
}

// ThreadSummaryRow is one thread's summary: the latest event in a thread
// and how many events it has. The sync API does not read it.
type ThreadSummaryRow struct {
	ThreadRootID  string
	LatestEventID string
	Count         int
}

// Directory is the C12 room-alias and public-directory table: local
// alias ownership and the public-room-directory visibility bit.
type Directory interface {
	InsertAlias(ctx context.Context, txn *sql.Tx, alias, roomID, creatorUserID string) error
	SelectRoomForAlias(ctx context.Context, txn *sql.Tx, alias string) (string, bool, error)
	SelectAliasesForRoom(ctx context.Context, txn *sql.Tx, roomID string) ([]string, error)
	DeleteAlias(ctx context.Context, txn *sql.Tx, alias string) error
	SetPublished(ctx context.Context, txn *sql.Tx, roomID string, published bool) error
	IsPublished(ctx context.Context, txn *sql.Tx, roomID string) (bool, error)
	SelectPublishedRooms(ctx context.Context, txn *sql.Tx) ([]string, error)
}
