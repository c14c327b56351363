package postgres

import (
	"context"
	"database/sql"

	"github.com/nexuscore/homeserver/internal/sqlutil"
	"github.com/nexuscore/homeserver/roomserver/types"
	"github.com/nexuscore/homeserver/syncapi/storage/tables"
)

const deviceListChangesSchema = `
CREATE TABLE IF NOT EXISTS syncapi_device_list_changes (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	changed_sn BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_syncapi_device_list_changes_sn ON syncapi_device_list_changes(changed_sn);
`

const recordDeviceListChangeSQL = "INSERT INTO syncapi_device_list_changes (user_id, changed_sn) VALUES ($1, $2)"

const selectDeviceListChangedSinceSQL = "" +
	"SELECT DISTINCT user_id FROM syncapi_device_list_changes WHERE changed_sn > $1"

type deviceListChangesStatements struct {
	recordChangeStmt      *sql.Stmt
	selectChangedSinceStmt *sql.Stmt
}

func CreateDeviceListChangesTable(db *sql.DB) error {
	_, err := db.Exec(deviceListChangesSchema)
	return err
}

func PrepareDeviceListChangesTable(db *sql.DB) (tables.DeviceListChanges, error) {
	s := &deviceListChangesStatements{}
	return s, sqlutil.StatementList{
		{&s.recordChangeStmt, recordDeviceListChangeSQL},
		{&s.selectChangedSinceStmt, selectDeviceListChangedSinceSQL},
	}.Prepare(db)
}

func (s *deviceListChangesStatements) RecordChange(ctx context.Context, txn *sql.Tx, userID string, sn types.EventNID) error {
	stmt := sqlutil.TxStmt(txn, s.recordChangeStmt)
	_, err := stmt.ExecContext(ctx, userID, sn)
	return err
}

func (s *deviceListChangesStatements) SelectChangedSince(ctx context.Context, txn *sql.Tx, sinceSN types.EventNID) ([]string, error) {
	stmt := sqlutil.TxStmt(txn, s.selectChangedSinceStmt)
	rows, err := stmt.QueryContext(ctx, sinceSN)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(ctx, rows, "SelectChangedSince: rows.close() failed")
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
