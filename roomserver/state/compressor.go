package state

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/nexuscore/homeserver/roomserver/storage"
	"github.com/nexuscore/homeserver/roomserver/storage/tables"
	"github.com/nexuscore/homeserver/roomserver/types"
)

// maxChainLength bounds how many frames a parent chain may grow to before
// a save_state call collapses it back to a single base frame, per §4.4's
// "chain-length bound". A long chain means materializing the latest frame
// walks progressively more ancestors; collapsing trades a bigger one-off
// write for flat O(1) future reads.
const maxChainLength = 100

// Compressor implements the state compressor (C4): field interning (via
// the embedded FieldInterner), frame save/force/append, and the canonical
// CompressedEvent encoding.
type Compressor struct {
	db       storage.Database
	Interner *FieldInterner
}

// NewCompressor builds a Compressor over db.
func NewCompressor(db storage.Database) *Compressor {
	return &Compressor{db: db, Interner: NewFieldInterner(db)}
}

// DeltaInfo is save_state's return value: the new frame and what changed
// relative to its chosen parent (or, for a collapsed/base frame, relative
// to nothing).
type DeltaInfo struct {
	FrameID  types.StateSnapshotNID
	Appended []types.CompressedEvent
	Disposed []types.CompressedEvent
}

func sortCompressed(list []types.CompressedEvent) {
	sort.Slice(list, func(i, j int) bool { return list[i].FieldID < list[j].FieldID })
}

// encodeCompressed is the 16-bytes-per-entry wire encoding from §4.4: each
// CompressedEvent is 8 bytes of field_id followed by 8 bytes of event_sn,
// sorted by field_id.
func encodeCompressed(list []types.CompressedEvent) []byte {
	sortCompressed(list)
	buf := make([]byte, 16*len(list))
	for i, ce := range list {
		off := i * 16
		binary.BigEndian.PutUint64(buf[off:off+8], uint64(ce.FieldID))
		binary.BigEndian.PutUint64(buf[off+8:off+16], uint64(ce.EventSN))
	}
	return buf
}

func decodeCompressed(b []byte) []types.CompressedEvent {
	n := len(b) / 16
	out := make([]types.CompressedEvent, n)
	for i := 0; i < n; i++ {
		off := i * 16
		out[i] = types.CompressedEvent{
			FieldID: types.FieldID(binary.BigEndian.Uint64(b[off : off+8])),
			EventSN: types.EventNID(binary.BigEndian.Uint64(b[off+8 : off+16])),
		}
	}
	return out
}

// hashFullState hashes a complete materialized state (§4.4: "the hash is
// over the full materialized set to detect identity"), so two frames
// computed by different paths but holding the same state compare equal.
func hashFullState(full map[types.FieldID]types.EventNID) []byte {
	list := make([]types.CompressedEvent, 0, len(full))
	for f, e := range full {
		list = append(list, types.CompressedEvent{FieldID: f, EventSN: e})
	}
	sum := sha256.Sum256(encodeCompressed(list))
	return sum[:]
}

// Materialize walks a frame's parent chain to the root and folds every
// ancestor's appended/disposed delta into a single full state map, the
// inverse of save_state's diffing.
func (c *Compressor) Materialize(ctx context.Context, frameID types.StateSnapshotNID) (map[types.FieldID]types.EventNID, error) {
	var chain []tables.FrameRow
	cur := frameID
	for {
		row, ok, err := c.db.SelectFrame(ctx, nil, cur)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("state: frame %d not found", cur)
		}
		chain = append(chain, row)
		if row.ParentFrame == nil {
			break
		}
		cur = *row.ParentFrame
	}

	full := make(map[types.FieldID]types.EventNID)
	for i := len(chain) - 1; i >= 0; i-- {
		row := chain[i]
		for _, ce := range decodeCompressed(row.Disposed) {
			delete(full, ce.FieldID)
		}
		for _, ce := range decodeCompressed(row.Appended) {
			full[ce.FieldID] = ce.EventSN
		}
	}
	return full, nil
}

// lookupField walks from frameID towards the root looking for the most
// recent entry for fieldID, without materializing the whole state —
// append_to_state only needs the single slot a new state event overwrites.
func (c *Compressor) lookupField(ctx context.Context, frameID types.StateSnapshotNID, fieldID types.FieldID) (types.EventNID, bool, error) {
	cur := frameID
	for {
		row, ok, err := c.db.SelectFrame(ctx, nil, cur)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			return 0, false, nil
		}
		for _, ce := range decodeCompressed(row.Appended) {
			if ce.FieldID == fieldID {
				return ce.EventSN, true, nil
			}
		}
		if row.ParentFrame == nil {
			return 0, false, nil
		}
		cur = *row.ParentFrame
	}
}

// SaveState implements save_state (§4.4): persist fullSet as a new frame,
// choosing parentID (the caller's current frame, if any) as the delta
// parent when it keeps the chain within maxChainLength, collapsing to a
// fresh base frame otherwise. If an existing frame already hashes to the
// same full state, that frame is reused instead of writing a duplicate.
func (c *Compressor) SaveState(ctx context.Context, roomNID types.RoomNID, fullSet map[types.FieldID]types.EventNID, parentID *types.StateSnapshotNID) (DeltaInfo, error) {
	hash := hashFullState(fullSet)
	if existing, ok, err := c.db.SelectFrameByHash(ctx, nil, roomNID, hash); err != nil {
		return DeltaInfo{}, err
	} else if ok {
		return DeltaInfo{FrameID: existing}, nil
	}

	var appended, disposed []types.CompressedEvent
	var effectiveParent *types.StateSnapshotNID
	chainLength := 1

	if parentID != nil {
		parentRow, ok, err := c.db.SelectFrame(ctx, nil, *parentID)
		if err != nil {
			return DeltaInfo{}, err
		}
		if ok && parentRow.ChainLength < maxChainLength {
			parentState, err := c.Materialize(ctx, *parentID)
			if err != nil {
				return DeltaInfo{}, err
			}
			appended, disposed = diffStates(parentState, fullSet)
			effectiveParent = parentID
			chainLength = parentRow.ChainLength + 1
		}
	}

	if effectiveParent == nil {
		// Base frame: either there was no parent candidate, or its chain
		// had grown past the bound and this save collapses it.
		appended = appended[:0]
		disposed = nil
		for f, e := range fullSet {
			appended = append(appended, types.CompressedEvent{FieldID: f, EventSN: e})
		}
		chainLength = 1
	}

	frameID, err := c.db.InsertFrame(ctx, nil, roomNID, effectiveParent, encodeCompressed(appended), encodeCompressed(disposed), hash, chainLength)
	if err != nil {
		return DeltaInfo{}, err
	}
	return DeltaInfo{FrameID: frameID, Appended: appended, Disposed: disposed}, nil
}

func diffStates(parent, full map[types.FieldID]types.EventNID) (appended, disposed []types.CompressedEvent) {
	for f, e := range full {
		if pe, ok := parent[f]; !ok || pe != e {
			appended = append(appended, types.CompressedEvent{FieldID: f, EventSN: e})
		}
	}
	for f, pe := range parent {
		if e, ok := full[f]; !ok || e != pe {
			disposed = append(disposed, types.CompressedEvent{FieldID: f, EventSN: pe})
		}
	}
	return appended, disposed
}

// ForceState implements force_state (§4.4): sets the room's current frame
// outright, used when ingestion has already computed a DeltaInfo via
// SaveState and now commits it as the room's live state.
func (c *Compressor) ForceState(ctx context.Context, roomNID types.RoomNID, frameID types.StateSnapshotNID) error {
	return c.db.UpdateCurrentFrame(ctx, nil, roomNID, frameID)
}

// AppendToState implements append_to_state (§4.4): the state immediately
// after a PDU is either trivially the current frame (message-like events
// carry no state_key) or the current frame with this event's (field_id,
// event_sn) pair overlaid (state events).
func (c *Compressor) AppendToState(ctx context.Context, roomNID types.RoomNID, currentFrameID types.StateSnapshotNID, pdu *types.HeaderedEvent, eventSN types.EventNID) (types.StateSnapshotNID, error) {
	if !pdu.IsState() {
		return currentFrameID, nil
	}

	fieldID, err := c.Interner.EnsureFieldID(ctx, pdu.Type(), *pdu.StateKey())
	if err != nil {
		return 0, err
	}

	appended := []types.CompressedEvent{{FieldID: fieldID, EventSN: eventSN}}
	var disposed []types.CompressedEvent
	if oldSN, ok, err := c.lookupField(ctx, currentFrameID, fieldID); err != nil {
		return 0, err
	} else if ok {
		disposed = []types.CompressedEvent{{FieldID: fieldID, EventSN: oldSN}}
	}

	parentRow, ok, err := c.db.SelectFrame(ctx, nil, currentFrameID)
	if err != nil {
		return 0, err
	}
	chainLength := 1
	var parent *types.StateSnapshotNID
	if ok {
		if parentRow.ChainLength < maxChainLength {
			parent = &currentFrameID
			chainLength = parentRow.ChainLength + 1
		} else {
			// Collapse: materialize the full state and re-save it as a new
			// base frame with this event folded in.
			full, err := c.Materialize(ctx, currentFrameID)
			if err != nil {
				return 0, err
			}
			full[fieldID] = eventSN
			delta, err := c.SaveState(ctx, roomNID, full, nil)
			if err != nil {
				return 0, err
			}
			return delta.FrameID, nil
		}
	}

	full, err := c.Materialize(ctx, currentFrameID)
	if err != nil {
		return 0, err
	}
	hash := hashFullState(mergeOverlay(full, fieldID, eventSN))

	return c.db.InsertFrame(ctx, nil, roomNID, parent, encodeCompressed(appended), encodeCompressed(disposed), hash, chainLength)
}

func mergeOverlay(full map[types.FieldID]types.EventNID, fieldID types.FieldID, eventSN types.EventNID) map[types.FieldID]types.EventNID {
	out := make(map[types.FieldID]types.EventNID, len(full)+1)
	for k, v := range full {
		out[k] = v
	}
	out[fieldID] = eventSN
	return out
}

// CompressEvent implements compress_event (§4.4): the canonical encoding
// of one state slot.
func (c *Compressor) CompressEvent(ctx context.Context, eventType, stateKey string, eventSN types.EventNID) (types.CompressedEvent, error) {
	fieldID, err := c.Interner.EnsureFieldID(ctx, eventType, stateKey)
	if err != nil {
		return types.CompressedEvent{}, err
	}
	return types.CompressedEvent{FieldID: fieldID, EventSN: eventSN}, nil
}
