package sqlite3

import (
	"context"
	"database/sql"

	"github.com/nexuscore/homeserver/internal/sqlutil"
	"github.com/nexuscore/homeserver/syncapi/storage/tables"
)

const notificationCountsSchema = `
CREATE TABLE IF NOT EXISTS syncapi_notification_counts (
	room_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	notification_count INTEGER NOT NULL DEFAULT 0,
	highlight_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (room_id, user_id)
);
`

const resetCountsSQL = "" +
	"INSERT INTO syncapi_notification_counts (room_id, user_id, notification_count, highlight_count) VALUES ($1, $2, 0, 0)" +
	" ON CONFLICT (room_id, user_id) DO UPDATE SET notification_count = 0, highlight_count = 0"

const incrementCountsSQL = "" +
	"INSERT INTO syncapi_notification_counts (room_id, user_id, notification_count, highlight_count) VALUES ($1, $2, 1, $3)" +
	" ON CONFLICT (room_id, user_id) DO UPDATE SET" +
	" notification_count = notification_count + 1," +
	" highlight_count = highlight_count + $3"

const selectCountsSQL = "" +
	"SELECT notification_count, highlight_count FROM syncapi_notification_counts WHERE room_id = $1 AND user_id = $2"

type notificationCountsStatements struct {
	resetCountsStmt     *sql.Stmt
	incrementCountsStmt *sql.Stmt
	selectCountsStmt    *sql.Stmt
}

func CreateNotificationCountsTable(db *sql.DB) error {
	_, err := db.Exec(notificationCountsSchema)
	return err
}

func PrepareNotificationCountsTable(db *sql.DB) (tables.NotificationCounts, error) {
	s := &notificationCountsStatements{}
	return s, sqlutil.StatementList{
		{&s.resetCountsStmt, resetCountsSQL},
		{&s.incrementCountsStmt, incrementCountsSQL},
		{&s.selectCountsStmt, selectCountsSQL},
	}.Prepare(db)
}

func (s *notificationCountsStatements) ResetCounts(ctx context.Context, txn *sql.Tx, roomID, userID string) error {
	stmt := sqlutil.TxStmt(txn, s.resetCountsStmt)
	_, err := stmt.ExecContext(ctx, roomID, userID)
	return err
}

func (s *notificationCountsStatements) IncrementCounts(ctx context.Context, txn *sql.Tx, roomID, userID string, highlight bool) error {
	highlightDelta := 0
	if highlight {
		highlightDelta = 1
	}
	stmt := sqlutil.TxStmt(txn, s.incrementCountsStmt)
	_, err := stmt.ExecContext(ctx, roomID, userID, highlightDelta)
	return err
}

func (s *notificationCountsStatements) SelectCounts(ctx context.Context, txn *sql.Tx, roomID, userID string) (int64, int64, error) {
	var notifications, highlights int64
	stmt := sqlutil.TxStmt(txn, s.selectCountsStmt)
	err := stmt.QueryRowContext(ctx, roomID, userID).Scan(&notifications, &highlights)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	return notifications, highlights, err
}
