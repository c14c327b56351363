package sqlite3

import (
	"context"
	"database/sql"

	"github.com/nexuscore/homeserver/internal/sqlutil"
	"github.com/nexuscore/homeserver/federationapi/storage/tables"
)

const queueSchema = `
CREATE TABLE IF NOT EXISTS federationsender_queue_pdus (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	destination TEXT NOT NULL,
	kind TEXT NOT NULL,
	json_nid INTEGER NOT NULL,
	coalesce_key TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT 'pending',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS federationsender_queue_pdus_dest_idx
	ON federationsender_queue_pdus (destination, state, id);
CREATE UNIQUE INDEX IF NOT EXISTS federationsender_queue_pdus_coalesce_idx
	ON federationsender_queue_pdus (destination, kind, coalesce_key)
	WHERE coalesce_key <> '';
`

const enqueuePDUSQL = "INSERT INTO federationsender_queue_pdus (destination, kind, json_nid) VALUES ($1, 'pdu', $2)"
const enqueueEDUUncoalescedSQL = "INSERT INTO federationsender_queue_pdus (destination, kind, json_nid) VALUES ($1, $2, $3)"
const enqueueEDUCoalescedSQL = "" +
	"INSERT INTO federationsender_queue_pdus (destination, kind, json_nid, coalesce_key) VALUES ($1, $2, $3, $4)" +
	" ON CONFLICT (destination, kind, coalesce_key) WHERE coalesce_key <> ''" +
	" DO UPDATE SET json_nid = $3, state = 'pending'"

const selectPendingSQL = "" +
	"SELECT id, destination, kind, json_nid, coalesce_key, state, created_at" +
	" FROM federationsender_queue_pdus WHERE destination = $1 AND state = 'pending'" +
	" ORDER BY id ASC LIMIT $2"

const markInFlightSQL = "UPDATE federationsender_queue_pdus SET state = 'in_flight' WHERE id = $1"
const resetToPendingSQL = "UPDATE federationsender_queue_pdus SET state = 'pending' WHERE id = $1"
const deleteByIDSQL = "DELETE FROM federationsender_queue_pdus WHERE id = $1"
const selectDestinationsWithPendingSQL = "SELECT DISTINCT destination FROM federationsender_queue_pdus WHERE state = 'pending'"
const countPendingSQL = "SELECT COUNT(*) FROM federationsender_queue_pdus WHERE destination = $1 AND state = 'pending'"
const selectOldestPendingIDsSQL = "" +
	"SELECT id FROM federationsender_queue_pdus WHERE destination = $1 AND state = 'pending'" +
	" ORDER BY id DESC LIMIT -1 OFFSET $2"

type queueStatements struct {
	selectPendingStmt                 *sql.Stmt
	markInFlightStmt                  *sql.Stmt
	resetToPendingStmt                *sql.Stmt
	deleteByIDStmt                    *sql.Stmt
	selectDestinationsWithPendingStmt *sql.Stmt
	countPendingStmt                  *sql.Stmt
	selectOldestPendingIDsStmt        *sql.Stmt
	db                                *sql.DB
}

func CreateQueueTable(db *sql.DB) error {
	_, err := db.Exec(queueSchema)
	return err
}

func PrepareQueueTable(db *sql.DB) (tables.Queue, error) {
	s := &queueStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.selectPendingStmt, selectPendingSQL},
		{&s.markInFlightStmt, markInFlightSQL},
		{&s.resetToPendingStmt, resetToPendingSQL},
		{&s.deleteByIDStmt, deleteByIDSQL},
		{&s.selectDestinationsWithPendingStmt, selectDestinationsWithPendingSQL},
		{&s.countPendingStmt, countPendingSQL},
		{&s.selectOldestPendingIDsStmt, selectOldestPendingIDsSQL},
	}.Prepare(db)
}

func (s *queueStatements) EnqueuePDU(ctx context.Context, txn *sql.Tx, destination string, jsonNID int64) error {
	if txn != nil {
		_, err := txn.ExecContext(ctx, enqueuePDUSQL, destination, jsonNID)
		return err
	}
	_, err := s.db.ExecContext(ctx, enqueuePDUSQL, destination, jsonNID)
	return err
}

func (s *queueStatements) EnqueueEDU(ctx context.Context, txn *sql.Tx, destination, kind string, jsonNID int64, coalesceKey string) error {
	exec := s.db.ExecContext
	if txn != nil {
		exec = txn.ExecContext
	}
	if coalesceKey == "" {
		_, err := exec(ctx, enqueueEDUUncoalescedSQL, destination, kind, jsonNID)
		return err
	}
	_, err := exec(ctx, enqueueEDUCoalescedSQL, destination, kind, jsonNID, coalesceKey)
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

// sqlite3's go driver has no native array binding, so the ids-in-bulk
// operations loop one statement execution per id rather than using a
// single ANY($1)-style query as the postgres implementation does.

func (s *queueStatements) MarkInFlight(ctx context.Context, txn *sql.Tx, ids []int64) error {
	stmt := sqlutil.TxStmt(txn, s.markInFlightStmt)
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *queueStatements) ResetToPending(ctx context.Context, txn *sql.Tx, ids []int64) error {
	stmt := sqlutil.TxStmt(txn, s.resetToPendingStmt)
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *queueStatements) DeleteAcknowledged(ctx context.Context, txn *sql.Tx, ids []int64) error {
	stmt := sqlutil.TxStmt(txn, s.deleteByIDStmt)
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return err
		}
	}
	return nil
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
	del := sqlutil.TxStmt(txn, s.deleteByIDStmt)
	for _, id := range ids {
		if _, err := del.ExecContext(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}
