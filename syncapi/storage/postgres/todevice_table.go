package postgres

import (
	"context"
	"database/sql"

	"github.com/nexuscore/homeserver/internal/sqlutil"
	"github.com/nexuscore/homeserver/roomserver/types"
	"github.com/nexuscore/homeserver/syncapi/storage/tables"
)

const toDeviceSchema = `
CREATE TABLE IF NOT EXISTS syncapi_to_device_messages (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	event_type TEXT NOT NULL,
	content BYTEA NOT NULL,
	event_sn BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_syncapi_to_device_user_device_sn ON syncapi_to_device_messages(user_id, device_id, event_sn);
`

const insertToDeviceMessageSQL = "" +
	"INSERT INTO syncapi_to_device_messages (user_id, device_id, sender, event_type, content, event_sn) VALUES ($1, $2, $3, $4, $5, $6)"

const selectToDeviceMessagesSinceSQL = "" +
	"SELECT event_sn, sender, event_type, content FROM syncapi_to_device_messages" +
	" WHERE user_id = $1 AND device_id = $2 AND event_sn > $3 AND event_sn <= $4 ORDER BY event_sn ASC"

const deleteToDeviceUpToSQL = "" +
	"DELETE FROM syncapi_to_device_messages WHERE user_id = $1 AND device_id = $2 AND event_sn <= $3"

type toDeviceStatements struct {
	insertToDeviceMessageStmt      *sql.Stmt
	selectToDeviceMessagesSinceStmt *sql.Stmt
	deleteToDeviceUpToStmt         *sql.Stmt
}

func CreateToDeviceTable(db *sql.DB) error {
	_, err := db.Exec(toDeviceSchema)
	return err
}

func PrepareToDeviceTable(db *sql.DB) (tables.ToDevice, error) {
	s := &toDeviceStatements{}
	return s, sqlutil.StatementList{
		{&s.insertToDeviceMessageStmt, insertToDeviceMessageSQL},
		{&s.selectToDeviceMessagesSinceStmt, selectToDeviceMessagesSinceSQL},
		{&s.deleteToDeviceUpToStmt, deleteToDeviceUpToSQL},
	}.Prepare(db)
}

func (s *toDeviceStatements) InsertToDeviceMessage(ctx context.Context, txn *sql.Tx, userID, deviceID, sender, eventType string, content []byte, sn types.EventNID) error {
	stmt := sqlutil.TxStmt(txn, s.insertToDeviceMessageStmt)
	_, err := stmt.ExecContext(ctx, userID, deviceID, sender, eventType, content, sn)
	return err
}

func (s *toDeviceStatements) SelectToDeviceMessagesSince(ctx context.Context, txn *sql.Tx, userID, deviceID string, sinceSN, untilSN types.EventNID) ([]tables.ToDeviceRow, error) {
	stmt := sqlutil.TxStmt(txn, s.selectToDeviceMessagesSinceStmt)
	rows, err := stmt.QueryContext(ctx, userID, deviceID, sinceSN, untilSN)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(ctx, rows, "SelectToDeviceMessagesSince: rows.close() failed")
	var out []tables.ToDeviceRow
	for rows.Next() {
		var r tables.ToDeviceRow
		if err := rows.Scan(&r.SN, &r.Sender, &r.EventType, &r.Content); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *toDeviceStatements) DeleteUpTo(ctx context.Context, txn *sql.Tx, userID, deviceID string, uptoSN types.EventNID) error {
	stmt := sqlutil.TxStmt(txn, s.deleteToDeviceUpToStmt)
	_, err := stmt.ExecContext(ctx, userID, deviceID, uptoSN)
	return err
}
