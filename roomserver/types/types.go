// Package types holds the numeric identifiers and small value types the
// roomserver uses internally to keep events, rooms, and state compact
// once they've been accepted past the ingestion pipeline (C7) into
// storage (C3) and the state compressor (C4).
package types

import "github.com/nexuscore/homeserver/internal/eventcrypto"

// EventNID identifies one event row in the event store. Assigned once, on
// first insert, and never reused.
type EventNID int64

// RoomNID identifies one room row. Assigned once per room_id.
type RoomNID int64

// EventTypeNID and EventStateKeyNID are integer IDs for the "type" and
// "state_key" strings of state events. Nothing assigns them; the state
// compressor (C4) interns the whole (type, state_key) pair as a FieldID.
type EventTypeNID int64
type EventStateKeyNID int64

// StateSnapshotNID identifies one materialized room state (a "frame"):
// the set of (type, state_key) -> event_nid pairs that make up the state
// before or after some event.
type StateSnapshotNID int64

// StateBlockNID is an ID type for state blocks. The state compressor does
// not use it: a frame is stored as a delta against a single parent frame.
type StateBlockNID int64

// StateKeyTuple is the (type, state_key) pair used to look up a single
// piece of room state.
type StateKeyTuple struct {
	EventTypeNID     EventTypeNID
	EventStateKeyNID EventStateKeyNID
}

// FieldID is the single interned integer the state compressor (C4) uses
// for a whole (event_type, state_key) string pair, interned directly by
// EnsureFieldID, so a CompressedEvent packs down to two int64s (field_id,
// event_sn) rather than three, matching spec §3/§4.4's "(field_id,
// event_sn) pairs" wording literally.
type FieldID int64

// CompressedEvent is the 16-byte-on-the-wire encoding of one state slot:
// which field (type, state_key) it is, and which event currently holds
// it. A materialized frame is a set of these with exactly one
// CompressedEvent per FieldID (§3 invariant).
type CompressedEvent struct {
	FieldID  FieldID
	EventSN  EventNID
}

// StateEntry is one entry in a materialized room state: which event
// currently holds a given (type, state_key) slot.
type StateEntry struct {
	StateKeyTuple
	EventNID EventNID
}

// RoomInfo is the lightweight, frequently-read room metadata cached
// alongside the full event store: the room's IDs, its room version, its
// current state frame, and the stub and disabled flags.
type RoomInfo struct {
	RoomNID          RoomNID
	RoomID           string
	RoomVersion      eventcrypto.RoomVersion
	StateSnapshotNID StateSnapshotNID
	IsStub           bool // not set by either storage dialect, so always false
	Disabled         bool // true once an administrator has disabled the room via SetRoomDisabled
}

// HeaderedEvent pairs a raw PDU with the room version it was parsed
// under, since interpreting an event's content hash, event ID format and
// auth rules all require knowing which room version is in effect —
// passing the two separately throughout the pipeline invites mismatches.
type HeaderedEvent struct {
	RoomVersion eventcrypto.RoomVersion
	JSON        []byte
}

// EventID extracts "event_id" from the header event's JSON. For room
// versions using EventIDFormatHash this is expected to already have been
// set by the caller (via eventcrypto.EventID) before wrapping; for opaque
// ID versions it is whatever the origin server assigned.
func (h *HeaderedEvent) EventID() string {
	return fieldString(h.JSON, "event_id")
}

// RoomID extracts "room_id" from the event JSON.
func (h *HeaderedEvent) RoomID() string {
	return fieldString(h.JSON, "room_id")
}

// Sender extracts "sender" from the event JSON.
func (h *HeaderedEvent) Sender() string {
	return fieldString(h.JSON, "sender")
}

// Type extracts "type" from the event JSON.
func (h *HeaderedEvent) Type() string {
	return fieldString(h.JSON, "type")
}

// StateKey extracts "state_key" from the event JSON. Returns nil for
// message-like events, which per §3 never carry the field at all.
func (h *HeaderedEvent) StateKey() *string {
	res := gjsonGet(h.JSON, "state_key")
	if !res.Exists() {
		return nil
	}
	s := res.String()
	return &s
}

// PrevEvents extracts the ordered "prev_events" list: this event's
// parents in the room DAG (§3).
func (h *HeaderedEvent) PrevEvents() []string {
	return fieldStringSlice(h.JSON, "prev_events")
}

// AuthEvents extracts the "auth_events" list: the events whose state
// authorizes this one (§3).
func (h *HeaderedEvent) AuthEvents() []string {
	return fieldStringSlice(h.JSON, "auth_events")
}

// Depth extracts "depth", the sort-key-only field from §3.
func (h *HeaderedEvent) Depth() int64 {
	return fieldInt(h.JSON, "depth")
}

// OriginServerTS extracts "origin_server_ts" (ms since epoch).
func (h *HeaderedEvent) OriginServerTS() int64 {
	return fieldInt(h.JSON, "origin_server_ts")
}

// Content returns the raw "content" object, unparsed.
func (h *HeaderedEvent) Content() []byte {
	res := gjsonGet(h.JSON, "content")
	if !res.Exists() {
		return []byte("{}")
	}
	return []byte(res.Raw)
}

// Redacts returns the event_id this PDU redacts, reading "content.redacts"
// when redactsInContent is true (room version 11+) or the top-level
// "redacts" key otherwise (§3).
func (h *HeaderedEvent) Redacts(redactsInContent bool) string {
	if redactsInContent {
		return fieldString(h.JSON, "content.redacts")
	}
	return fieldString(h.JSON, "redacts")
}

// IsState reports whether this event carries a state_key, i.e. is a state
// event rather than a message-like event (§3's "every state event has a
// state_key; every message-like event does not").
func (h *HeaderedEvent) IsState() bool {
	return h.StateKey() != nil
}
