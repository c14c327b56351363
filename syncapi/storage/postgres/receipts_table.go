package postgres

import (
	"context"
	"database/sql"

	"github.com/nexuscore/homeserver/internal/sqlutil"
	"github.com/nexuscore/homeserver/roomserver/types"
	"github.com/nexuscore/homeserver/syncapi/storage/tables"
)

const receiptsSchema = `
CREATE TABLE IF NOT EXISTS syncapi_receipts (
	room_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	receipt_type TEXT NOT NULL,
	event_id TEXT NOT NULL,
	event_sn BIGINT NOT NULL,
	timestamp_ms BIGINT NOT NULL,
	PRIMARY KEY (room_id, user_id, receipt_type)
);

CREATE INDEX IF NOT EXISTS idx_syncapi_receipts_room_sn ON syncapi_receipts(room_id, event_sn);
`

const upsertReceiptSQL = "" +
	"INSERT INTO syncapi_receipts (room_id, user_id, receipt_type, event_id, event_sn, timestamp_ms) VALUES ($1, $2, $3, $4, $5, $6)" +
	" ON CONFLICT (room_id, user_id, receipt_type) DO UPDATE SET event_id = $4, event_sn = $5, timestamp_ms = $6" +
	" WHERE syncapi_receipts.event_sn < $5"

const selectReceiptsSinceSQL = "" +
	"SELECT room_id, user_id, receipt_type, event_id, event_sn, timestamp_ms FROM syncapi_receipts" +
	" WHERE room_id = $1 AND event_sn > $2"

type receiptsStatements struct {
	upsertReceiptStmt     *sql.Stmt
	selectReceiptsSinceStmt *sql.Stmt
}

func CreateReceiptsTable(db *sql.DB) error {
	_, err := db.Exec(receiptsSchema)
	return err
}

func PrepareReceiptsTable(db *sql.DB) (tables.Receipts, error) {
	s := &receiptsStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertReceiptStmt, upsertReceiptSQL},
		{&s.selectReceiptsSinceStmt, selectReceiptsSinceSQL},
	}.Prepare(db)
}

func (s *receiptsStatements) UpsertReceipt(ctx context.Context, txn *sql.Tx, roomID, userID, receiptType, eventID string, sn types.EventNID, timestampMS int64) error {
	stmt := sqlutil.TxStmt(txn, s.upsertReceiptStmt)
	_, err := stmt.ExecContext(ctx, roomID, userID, receiptType, eventID, sn, timestampMS)
	return err
}

func (s *receiptsStatements) SelectReceiptsSince(ctx context.Context, txn *sql.Tx, roomID string, sinceSN types.EventNID) ([]tables.ReceiptRow, error) {
	stmt := sqlutil.TxStmt(txn, s.selectReceiptsSinceStmt)
	rows, err := stmt.QueryContext(ctx, roomID, sinceSN)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(ctx, rows, "SelectReceiptsSince: rows.close() failed")
	var out []tables.ReceiptRow
	for rows.Next() {
		var r tables.ReceiptRow
		if err := rows.Scan(&r.RoomID, &r.UserID, &r.ReceiptType, &r.EventID, &r.SN, &r.TimestampMS); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
