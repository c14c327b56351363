// Package tables declares the per-table storage interfaces the sync API
// storage layer implements once per SQL dialect, the same postgres/sqlite3
// split used throughout this codebase (roomserver/storage/tables,
// federationapi/storage/tables).
package tables

import (
	"context"
	"database/sql"

	"github.com/nexuscore/homeserver/roomserver/types"
)

// NotificationCounts is the per-(room, user) unread notification and
// highlight counter from §4.8 steps 5-6 / §4.11, read back by the sync
// builder (§4.10 step 2's "emit unread notification counts"). Satisfies
// perform.NotificationCounters.
type NotificationCounts interface {
	ResetCounts(ctx context.Context, txn *sql.Tx, roomID, userID string) error
	IncrementCounts(ctx context.Context, txn *sql.Tx, roomID, userID string, highlight bool) error
	SelectCounts(ctx context.Context, txn *sql.Tx, roomID, userID string) (notifications, highlights int64, err error)
}

// LazyLoad is the lazy-loading ledger from §4.10 step 2: which member
// events for which (user, device, room) have already been sent down
// /sync, so a later response skips resending them to a timeline sender
// unless the filter sets IncludeRedundantMember.
type LazyLoad interface {
	// WasSent reports whether memberUserID's member event has already been
	// delivered to (userID, deviceID) in roomID.
	WasSent(ctx context.Context, txn *sql.Tx, userID, deviceID, roomID, memberUserID string) (bool, error)
	// MarkSent records delivery at next_batch (sentSN) so a later /sync can
	// skip resending unless membership changes again.
	MarkSent(ctx context.Context, txn *sql.Tx, userID, deviceID, roomID, memberUserID string, sentSN types.EventNID) error
	// Forget drops the ledger for a (user, device) pair entirely. The sync
	// builder does not call it, so an initial sync leaves the ledger as is.
	Forget(ctx context.Context, txn *sql.Tx, userID, deviceID string) error
}

// Receipts is the m.receipt EDU store: the latest read receipt per
// (room, user, receipt type), with the event_sn it was read against so
// "changed since since_sn" (§4.10 step 2) is a single comparison.
type Receipts interface {
	UpsertReceipt(ctx context.Context, txn *sql.Tx, roomID, userID, receiptType, eventID string, sn types.EventNID, timestampMS int64) error
	SelectReceiptsSince(ctx context.Context, txn *sql.Tx, roomID string, sinceSN types.EventNID) ([]ReceiptRow, error)
}

// ReceiptRow is one materialized read-receipt record.
type ReceiptRow struct {
	RoomID      string
	UserID      string
	ReceiptType string
	EventID     string
	SN          types.EventNID
	TimestampMS int64
}

// AccountData is the per-user room-scoped and global account data store
// (§4.10 steps 2 and 6).
type AccountData interface {
	UpsertRoomAccountData(ctx context.Context, txn *sql.Tx, userID, roomID, dataType string, content []byte, sn types.EventNID) error
	UpsertGlobalAccountData(ctx context.Context, txn *sql.Tx, userID, dataType string, content []byte, sn types.EventNID) error
	SelectRoomAccountDataSince(ctx context.Context, txn *sql.Tx, userID, roomID string, sinceSN types.EventNID) (map[string][]byte, error)
	SelectGlobalAccountDataSince(ctx context.Context, txn *sql.Tx, userID string, sinceSN types.EventNID) (map[string][]byte, error)
	// SelectMaxAccountDataSN returns the current high-water mark of
	// account-data sns (a write passed sn 0 takes the next one from the
	// dialect's own counter); account data shares the
	// roomserver's global event_sn numbering conceptually but is tracked in
	// its own monotonic sequence here since it isn't itself a PDU.
	SelectMaxAccountDataSN(ctx context.Context, txn *sql.Tx) (types.EventNID, error)
}

// DeviceListChanges records when a user's device list last changed, for
// §4.10 step 8's "changed"/"left" delta computation.
type DeviceListChanges interface {
	RecordChange(ctx context.Context, txn *sql.Tx, userID string, sn types.EventNID) error
	SelectChangedSince(ctx context.Context, txn *sql.Tx, sinceSN types.EventNID) ([]string, error)
}

// ToDevice is the per-(user, device) to-device message queue (§4.10
// step 9).
type ToDevice interface {
	InsertToDeviceMessage(ctx context.Context, txn *sql.Tx, userID, deviceID, sender, eventType string, content []byte, sn types.EventNID) error
	SelectToDeviceMessagesSince(ctx context.Context, txn *sql.Tx, userID, deviceID string, sinceSN, untilSN types.EventNID) ([]ToDeviceRow, error)
	DeleteUpTo(ctx context.Context, txn *sql.Tx, userID, deviceID string, uptoSN types.EventNID) error
}

// ToDeviceRow is one materialized to-device message.
type ToDeviceRow struct {
	SN        types.EventNID
	Sender    string
	EventType string
	Content   []byte
}
