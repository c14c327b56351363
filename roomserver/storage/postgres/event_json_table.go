package postgres

import (
	"context"
	"database/sql"

	"github.com/nexuscore/homeserver/internal/sqlutil"
	"github.com/nexuscore/homeserver/roomserver/storage/tables"
	"github.com/nexuscore/homeserver/roomserver/types"
)

const eventJSONSchema = `
CREATE TABLE IF NOT EXISTS roomserver_event_json (
	event_nid BIGINT PRIMARY KEY,
	event_json BYTEA NOT NULL
);
`

const insertEventJSONSQL = "" +
	"INSERT INTO roomserver_event_json (event_nid, event_json) VALUES ($1, $2)" +
	" ON CONFLICT (event_nid) DO UPDATE SET event_json = $2"
const selectEventJSONSQL = "SELECT event_json FROM roomserver_event_json WHERE event_nid = $1"

type eventJSONStatements struct {
	insertEventJSONStmt *sql.Stmt
	selectEventJSONStmt *sql.Stmt
}

func CreateEventJSONTable(db *sql.DB) error {
	_, err := db.Exec(eventJSONSchema)
	return err
}

func PrepareEventJSONTable(db *sql.DB) (tables.EventJSON, error) {
	s := &eventJSONStatements{}
	return s, sqlutil.StatementList{
		{&s.insertEventJSONStmt, insertEventJSONSQL},
		{&s.selectEventJSONStmt, selectEventJSONSQL},
	}.Prepare(db)
}

func (s *eventJSONStatements) InsertEventJSON(ctx context.Context, txn *sql.Tx, eventNID types.EventNID, eventJSON []byte) error {
	stmt := sqlutil.TxStmt(txn, s.insertEventJSONStmt)
	_, err := stmt.ExecContext(ctx, eventNID, eventJSON)
	return err
}

func (s *eventJSONStatements) UpdateEventJSON(ctx context.Context, txn *sql.Tx, eventNID types.EventNID, eventJSON []byte) error {
	return s.InsertEventJSON(ctx, txn, eventNID, eventJSON)
}

func (s *eventJSONStatements) SelectEventJSON(ctx context.Context, txn *sql.Tx, eventNID types.EventNID) ([]byte, error) {
	var blob []byte
	stmt := sqlutil.TxStmt(txn, s.selectEventJSONStmt)
	err := stmt.QueryRowContext(ctx, eventNID).Scan(&blob)
	return blob, err
}
