package sqlite3

import (
	"context"
	"database/sql"

	"github.com/nexuscore/homeserver/internal/sqlutil"
	"github.com/nexuscore/homeserver/roomserver/types"
	"github.com/nexuscore/homeserver/syncapi/storage/tables"
)

const lazyLoadSchema = `
CREATE TABLE IF NOT EXISTS syncapi_lazy_load_members (
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	room_id TEXT NOT NULL,
	member_user_id TEXT NOT NULL,
	sent_sn INTEGER NOT NULL,
	PRIMARY KEY (user_id, device_id, room_id, member_user_id)
);
`

const lazyLoadWasSentSQL = "" +
	"SELECT 1 FROM syncapi_lazy_load_members WHERE user_id = $1 AND device_id = $2 AND room_id = $3 AND member_user_id = $4"

const lazyLoadMarkSentSQL = "" +
	"INSERT INTO syncapi_lazy_load_members (user_id, device_id, room_id, member_user_id, sent_sn) VALUES ($1, $2, $3, $4, $5)" +
	" ON CONFLICT (user_id, device_id, room_id, member_user_id) DO UPDATE SET sent_sn = $5"

const lazyLoadForgetSQL = "DELETE FROM syncapi_lazy_load_members WHERE user_id = $1 AND device_id = $2"

type lazyLoadStatements struct {
	wasSentStmt  *sql.Stmt
	markSentStmt *sql.Stmt
	forgetStmt   *sql.Stmt
}

func CreateLazyLoadTable(db *sql.DB) error {
	_, err := db.Exec(lazyLoadSchema)
	return err
}

func PrepareLazyLoadTable(db *sql.DB) (tables.LazyLoad, error) {
	s := &lazyLoadStatements{}
	return s, sqlutil.StatementList{
		{&s.wasSentStmt, lazyLoadWasSentSQL},
		{&s.markSentStmt, lazyLoadMarkSentSQL},
		{&s.forgetStmt, lazyLoadForgetSQL},
	}.Prepare(db)
}

func (s *lazyLoadStatements) WasSent(ctx context.Context, txn *sql.Tx, userID, deviceID, roomID, memberUserID string) (bool, error) {
	var one int
	stmt := sqlutil.TxStmt(txn, s.wasSentStmt)
	err := stmt.QueryRowContext(ctx, userID, deviceID, roomID, memberUserID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s *lazyLoadStatements) MarkSent(ctx context.Context, txn *sql.Tx, userID, deviceID, roomID, memberUserID string, sentSN types.EventNID) error {
	stmt := sqlutil.TxStmt(txn, s.markSentStmt)
	_, err := stmt.ExecContext(ctx, userID, deviceID, roomID, memberUserID, sentSN)
	return err
}

func (s *lazyLoadStatements) Forget(ctx context.Context, txn *sql.Tx, userID, deviceID string) error {
	stmt := sqlutil.TxStmt(txn, s.forgetStmt)
	_, err := stmt.ExecContext(ctx, userID, deviceID)
	return err
}
