// Package tables declares the per-table storage interfaces the
// federation sender (C9) persists its durable outbound queue against,
// the same interface-here/implementation-per-dialect split
// roomserver/storage/tables uses.
package tables

import (
	"context"
	"database/sql"
	"time"
)

// QueueJSON is the payload_ref side of an outbound queue entry (§3's
// "outbound queue entry"): the raw PDU/EDU/push JSON, stored once and
// referenced by id so a fan-out to many destinations doesn't duplicate
// the bytes.
type QueueJSON interface {
	InsertJSON(ctx context.Context, txn *sql.Tx, json []byte) (int64, error)
	SelectJSON(ctx context.Context, txn *sql.Tx, jsonNID int64) ([]byte, error)
	DeleteJSON(ctx context.Context, txn *sql.Tx, jsonNID int64) error
}

// QueueRow is one outbound queue entry, materialized for a worker to act
// on.
type QueueRow struct {
	ID          int64
	Destination string
	Kind        string // "pdu", "edu.typing", "edu.receipt", "edu.presence", "edu.device_list", "edu.to_device", "edu.signing_key", "push"
	JSONNID     int64
	CoalesceKey string // empty for PDUs and to-device messages; room/room+user/recipient key for coalesced EDUs
	State       string // "pending", "in_flight", "failed_retry"
	CreatedAt   time.Time
}

// Queue is the durable per-destination outbound queue (§3, §4.9). EDU
// rows sharing a non-empty CoalesceKey for the same destination+kind
// collapse to one row on insert, matching §4.9's "typing coalesced per
// room, receipts coalesced per room+user".
type Queue interface {
	// EnqueuePDU appends a PDU entry; PDUs are never coalesced, so ordering
	// within a destination always matches timeline append order (§5).
	EnqueuePDU(ctx context.Context, txn *sql.Tx, destination string, jsonNID int64) error
	// EnqueueEDU appends or replaces (by coalesceKey) an EDU entry.
	EnqueueEDU(ctx context.Context, txn *sql.Tx, destination, kind string, jsonNID int64, coalesceKey string) error
	// SelectPending returns up to limit pending rows for destination in
	// FIFO order, marking none of them in_flight (callers call
	// MarkInFlight themselves once a transaction attempt actually starts).
	SelectPending(ctx context.Context, txn *sql.Tx, destination string, limit int) ([]QueueRow, error)
	MarkInFlight(ctx context.Context, txn *sql.Tx, ids []int64) error
	// DeleteAcknowledged removes rows the destination has confirmed
	// receipt of (a successful /send/{txn_id} response).
	DeleteAcknowledged(ctx context.Context, txn *sql.Tx, ids []int64) error
	// ResetToPending reverts in_flight rows back to pending after a failed
	// delivery attempt, so the next retry picks them back up.
	ResetToPending(ctx context.Context, txn *sql.Tx, ids []int64) error
	SelectDestinationsWithPending(ctx context.Context, txn *sql.Tx) ([]string, error)
	CountPending(ctx context.Context, txn *sql.Tx, destination string) (int, error)
	// DeleteOldestPending drops the oldest pending rows for destination
	// down to keep entries, implementing §4.9's startup burst-drop.
	DeleteOldestPending(ctx context.Context, txn *sql.Tx, destination string, keep int) (dropped int, err error)
}

// Backoff is the per-destination retry state (§4.9, §5): how many
// consecutive failures a destination has accrued and when it may next be
// retried.
type Backoff interface {
	SelectBackoff(ctx context.Context, txn *sql.Tx, destination string) (retryAt time.Time, failures int, ok bool, err error)
	UpsertBackoff(ctx context.Context, txn *sql.Tx, destination string, retryAt time.Time, failures int) error
	ClearBackoff(ctx context.Context, txn *sql.Tx, destination string) error
	SelectBlacklisted(ctx context.Context, txn *sql.Tx) ([]string, error)
	SetBlacklisted(ctx context.Context, txn *sql.Tx, destination string, blacklisted bool) error
}
