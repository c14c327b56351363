package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/nexuscore/homeserver/internal/sqlutil"
	"github.com/nexuscore/homeserver/federationapi/storage/tables"
)

const queueSchema = `
CREATE TABLE IF NOT EXISTS federationsender_queue_pdus (
	id BIGSERIAL PRIMARY KEY,
	destination TEXT NOT NULL,
	kind TEXT NOT NULL,
	json_nid BIGINT NOT NULL,
	coalesce_key TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT 'pending',
	created_at TIMESTAMP NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS federationsender_queue_pdus_dest_idx
	ON federationsender_queue_pdus (destination, state, id);
CREATE UNIQUE INDEX IF NOT EXISTS federationsender_queue_pdus_coalesce_idx
	ON federationsender_queue_pdus (destination, kind, coalesce_key)
	WHERE coalesce_key <> '';
`

const enqueuePDUSQL = "" +
	"INSERT INTO federationsender_queue_pdus (destination, kind, json_nid) VALUES ($1, 'pdu', $2)"

const enqueueEDUUncoalescedSQL = "" +
	"INSERT INTO federationsender_queue_pdus (destination, kind, json_nid) VALUES ($1, $2, $3)"

const enqueueEDUCoalescedSQL = "" +
	"INSERT INTO federationsender_queue_pdus (destination, kind, json_nid, coalesce_key) VALUES ($1, $2, $3, $4)" +
	" ON CONFLICT (destination, kind, coalesce_key) WHERE coalesce_key <> ''" +
	" DO UPDATE SET json_nid = $3, state = 'pending'"

const selectPendingSQL = "" +
	"SELECT id, destination, kind, json_nid, coalesce_key, state, created_at" +
	" FROM federationsender_queue_pdus WHERE destination = $1 AND state = 'pending'" +
	" ORDER BY id ASC LIMIT $2"

const markInFlightSQL = "UPDATE federationsender_queue_pdus SET state = 'in_flight' WHERE id = ANY($1)"
const resetToPendingSQL = "UPDATE federationsender_queue_pdus SET state = 'pending' WHERE id = ANY($1)"
const deleteAcknowledgedSQL = "DELETE FROM federationsender_queue_pdus WHERE id = ANY($1)"
const selectDestinationsWithPendingSQL = "SELECT DISTINCT destination FROM federationsender_queue_pdus WHERE state = 'pending'"
const countPendingSQL = "SELECT COUNT(*) FROM federationsender_queue_pdus WHERE destination = $1 AND state = 'pending'"
const selectOldestPendingIDsSQL = "" +
	"SELECT id FROM federationsender_queue_pdus WHERE destination = $1 AND state = 'pending'" +
	" ORDER BY id DESC OFFSET $2"
const deleteByIDsSQL = "DELETE FROM federationsender_queue_pdus WHERE id = ANY($1)"

type queueStatements struct {
	enqueuePDUStmt                    *sql.Stmt
	enqueueEDUUncoalescedStmt         *sql.Stmt
	enqueueEDUCoalescedStmt           *sql.Stmt
	selectPendingStmt                 *sql.Stmt
	markInFlightStmt                  *sql.Stmt
	resetToPendingStmt                *sql.Stmt
	deleteAcknowledgedStmt            *sql.Stmt
	selectDestinationsWithPendingStmt *sql.Stmt
	countPendingStmt                  *sql.Stmt
	selectOldestPendingIDsStmt        *sql.Stmt
	deleteByIDsStmt                   *sql.Stmt
}

func CreateQueueTable(db *sql.DB) error {
	_, err := db.Exec(queueSchema)
	return err
}

func PrepareQueueTable(db *sql.DB) (tables.Queue, error) {
	s := &queueStatements{}
	return s, sqlutil.StatementList{
		{&s.enqueuePDUStmt, enqueuePDUSQL},
		{&s.enqueueEDUUncoalescedStmt, enqueueEDUUncoalescedSQL},
		{&s.enqueueEDUCoalescedStmt, enqueueEDUCoalescedSQL},
		{&s.selectPendingStmt, selectPendingSQL},
		{&s.markInFlightStmt, markInFlightSQL},
		{&s.resetToPendingStmt, resetToPendingSQL},
		{&s.deleteAcknowledgedStmt, deleteAcknowledgedSQL},
		{&s.selectDestinationsWithPendingStmt, selectDestinationsWithPendingSQL},
		{&s.countPendingStmt, countPendingSQL},
		{&s.selectOldestPendingIDsStmt, selectOldestPendingIDsSQL},
		{&s.deleteByIDsStmt, deleteByIDsSQL},
	}.Prepare(db)
}

func (s *queueStatements) EnqueuePDU(ctx context.Context, txn *sql.Tx, destination string, jsonNID int64) error {
	stmt := sqlutil.TxStmt(txn, s.enqueuePDUStmt)
	_, err := stmt.ExecContext(ctx, destination, jsonNID)
	return err
}

func (s *queueStatements) EnqueueEDU(ctx context.Context, txn *sql.Tx, destination, kind string, jsonNID int64, coalesceKey string) error {
	if coalesceKey == "" {
		stmt := sqlutil.TxStmt(txn, s.enqueueEDUUncoalescedStmt)
		_, err := stmt.ExecContext(ctx, destination, kind, jsonNID)
		return err
	}
	stmt := sqlutil.TxStmt(txn, s.enqueueEDUCoalescedStmt)
	_, err := stmt.ExecContext(ctx, destination, kind, jsonNID, coalesceKey)
	return err
}

func (s *queueStatements) SelectPending(ctx context.Context, txn *sql.Tx, destination string, limit int) ([]tables.QueueRow, error) {
	stmt := sqlutil.TxStmt(txn, s.selectPendingStmt)
	rows, err := stmt.QueryContext(ctx, destination, limit)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(ctx, rows, "SelectPending: rows.close() failed")
	var out []tables.QueueRow
	for rows.Next() {
		var r tables.QueueRow
		if err := rows.Scan(&r.ID, &r.Destination, &r.Kind, &r.JSONNID, &r.CoalesceKey, &r.State, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *queueStatements) MarkInFlight(ctx context.Context, txn *sql.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	stmt := sqlutil.TxStmt(txn, s.markInFlightStmt)
	_, err := stmt.ExecContext(ctx, int64Array(ids))
	return err
}

func (s *queueStatements) ResetToPending(ctx context.Context, txn *sql.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	stmt := sqlutil.TxStmt(txn, s.resetToPendingStmt)
	_, err := stmt.ExecContext(ctx, int64Array(ids))
	return err
}

func (s *queueStatements) DeleteAcknowledged(ctx context.Context, txn *sql.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	stmt := sqlutil.TxStmt(txn, s.deleteAcknowledgedStmt)
	_, err := stmt.ExecContext(ctx, int64Array(ids))
	return err
}

func (s *queueStatements) SelectDestinationsWithPending(ctx context.Context, txn *sql.Tx) ([]string, error) {
	stmt := sqlutil.TxStmt(txn, s.selectDestinationsWithPendingStmt)
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(ctx, rows, "SelectDestinationsWithPending: rows.close() failed")
	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *queueStatements) CountPending(ctx context.Context, txn *sql.Tx, destination string) (int, error) {
	var n int
	stmt := sqlutil.TxStmt(txn, s.countPendingStmt)
	err := stmt.QueryRowContext(ctx, destination).Scan(&n)
	return n, err
}

func (s *queueStatements) DeleteOldestPending(ctx context.Context, txn *sql.Tx, destination string, keep int) (int, error) {
	stmt := sqlutil.TxStmt(txn, s.selectOldestPendingIDsStmt)
	rows, err := stmt.QueryContext(ctx, destination, keep)
	if err != nil {
		return 0, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			sqlutil.CloseAndLogIfError(ctx, rows, "DeleteOldestPending: rows.close() failed")
			return 0, err
		}
		ids = append(ids, id)
	}
	sqlutil.CloseAndLogIfError(ctx, rows, "DeleteOldestPending: rows.close() failed")
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	del := sqlutil.TxStmt(txn, s.deleteByIDsStmt)
	if _, err := del.ExecContext(ctx, int64Array(ids)); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// int64Array renders a Go []int64 as a Postgres array literal for use
// with = ANY($1), avoiding a dependency on lib/pq's pq.Array wrapper type
// at every call site.
func int64Array(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return "{" + strings.Join(parts, ",") + "}"
}
