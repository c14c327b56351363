package postgres

import (
	"context"
	"database/sql"

	"github.com/nexuscore/homeserver/internal/sqlutil"
	"github.com/nexuscore/homeserver/federationapi/storage/tables"
)

const queueJSONSchema = `
CREATE TABLE IF NOT EXISTS federationsender_queue_json (
	json_nid BIGSERIAL PRIMARY KEY,
	json_body TEXT NOT NULL
);
`

const insertQueueJSONSQL = "INSERT INTO federationsender_queue_json (json_body) VALUES ($1) RETURNING json_nid"
const selectQueueJSONSQL = "SELECT json_body FROM federationsender_queue_json WHERE json_nid = $1"
const deleteQueueJSONSQL = "DELETE FROM federationsender_queue_json WHERE json_nid = $1"

type queueJSONStatements struct {
	insertStmt *sql.Stmt
	selectStmt *sql.Stmt
	deleteStmt *sql.Stmt
}

func CreateQueueJSONTable(db *sql.DB) error {
	_, err := db.Exec(queueJSONSchema)
	return err
}

func PrepareQueueJSONTable(db *sql.DB) (tables.QueueJSON, error) {
	s := &queueJSONStatements{}
	return s, sqlutil.StatementList{
		{&s.insertStmt, insertQueueJSONSQL},
		{&s.selectStmt, selectQueueJSONSQL},
		{&s.deleteStmt, deleteQueueJSONSQL},
	}.Prepare(db)
}

func (s *queueJSONStatements) InsertJSON(ctx context.Context, txn *sql.Tx, json []byte) (int64, error) {
	var nid int64
	stmt := sqlutil.TxStmt(txn, s.insertStmt)
	err := stmt.QueryRowContext(ctx, string(json)).Scan(&nid)
	return nid, err
}

func (s *queueJSONStatements) SelectJSON(ctx context.Context, txn *sql.Tx, jsonNID int64) ([]byte, error) {
	var body string
	stmt := sqlutil.TxStmt(txn, s.selectStmt)
	if err := stmt.QueryRowContext(ctx, jsonNID).Scan(&body); err != nil {
		return nil, err
	}
	return []byte(body), nil
}

func (s *queueJSONStatements) DeleteJSON(ctx context.Context, txn *sql.Tx, jsonNID int64) error {
	stmt := sqlutil.TxStmt(txn, s.deleteStmt)
	_, err := stmt.ExecContext(ctx, jsonNID)
	return err
}
