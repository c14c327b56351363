package sqlite3

import (
	"context"
	"database/sql"

	"github.com/nexuscore/homeserver/internal/sqlutil"
	"github.com/nexuscore/homeserver/roomserver/storage/tables"
	"github.com/nexuscore/homeserver/roomserver/types"
)

const eventsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_events (
	event_nid INTEGER PRIMARY KEY AUTOINCREMENT,
	room_nid INTEGER NOT NULL,
	event_id TEXT NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	state_key TEXT,
	sender TEXT NOT NULL,
	depth INTEGER NOT NULL,
	origin_server_ts INTEGER NOT NULL,
	is_outlier BOOLEAN NOT NULL DEFAULT 1,
	is_redacted BOOLEAN NOT NULL DEFAULT 0,
	soft_failed BOOLEAN NOT NULL DEFAULT 0,
	rejection_reason TEXT
);

CREATE INDEX IF NOT EXISTS idx_roomserver_events_room_nid ON roomserver_events(room_nid);
`

const insertEventSQL = "" +
	"INSERT INTO roomserver_events (room_nid, event_id, event_type, state_key, sender, depth, origin_server_ts, is_outlier)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8)" +
	" ON CONFLICT (event_id) DO NOTHING"

const selectEventNIDSQL = "SELECT event_nid FROM roomserver_events WHERE event_id = $1"
const selectEventIDSQL = "SELECT event_id FROM roomserver_events WHERE event_nid = $1"
const promoteOutlierSQL = "UPDATE roomserver_events SET is_outlier = 0 WHERE event_nid = $1"
const markRejectedSQL = "UPDATE roomserver_events SET rejection_reason = $2 WHERE event_nid = $1"
const markSoftFailedSQL = "UPDATE roomserver_events SET soft_failed = 1 WHERE event_nid = $1"
const markRedactedSQL = "UPDATE roomserver_events SET is_redacted = 1 WHERE event_nid = $1"
const selectEventInfoSQL = "" +
	"SELECT event_nid, room_nid, event_id, event_type, state_key, sender, depth, origin_server_ts, is_outlier, is_redacted, soft_failed, rejection_reason" +
	" FROM roomserver_events WHERE event_nid = $1"
const selectMaxEventNIDSQL = "SELECT COALESCE(MAX(event_nid), 0) FROM roomserver_events"
// selectTimelineEventsForRoomSQL returns the newest `limit` rows in
// (sinceSN, untilSN] — the events closest to "now" — but re-sorts them
// ascending before returning, so a sync response's timeline always reads
// oldest-to-newest regardless of how many events were dropped off the
// front by the LIMIT.
const selectTimelineEventsForRoomSQL = "" +
	"SELECT * FROM (" +
	"SELECT event_nid, room_nid, event_id, event_type, state_key, sender, depth, origin_server_ts, is_outlier, is_redacted, soft_failed, rejection_reason" +
	" FROM roomserver_events" +
	" WHERE room_nid = $1 AND event_nid > $2 AND event_nid <= $3" +
	" AND is_outlier = 0 AND soft_failed = 0 AND rejection_reason IS NULL" +
	" ORDER BY event_nid DESC LIMIT $4" +
	") ORDER BY event_nid ASC"

type eventStatements struct {
	db                              *sql.DB
	insertEventStmt                 *sql.Stmt
	selectEventNIDStmt              *sql.Stmt
	selectEventIDStmt               *sql.Stmt
	promoteOutlierStmt              *sql.Stmt
	markRejectedStmt                *sql.Stmt
	markSoftFailedStmt              *sql.Stmt
	markRedactedStmt                *sql.Stmt
	selectEventInfoStmt             *sql.Stmt
	selectMaxEventNIDStmt           *sql.Stmt
	selectTimelineEventsForRoomStmt *sql.Stmt
}

func CreateEventsTable(db *sql.DB) error {
	_, err := db.Exec(eventsSchema)
	return err
}

func PrepareEventsTable(db *sql.DB) (tables.Events, error) {
	s := &eventStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.selectEventNIDStmt, selectEventNIDSQL},
		{&s.selectEventIDStmt, selectEventIDSQL},
		{&s.promoteOutlierStmt, promoteOutlierSQL},
		{&s.markRejectedStmt, markRejectedSQL},
		{&s.markSoftFailedStmt, markSoftFailedSQL},
		{&s.markRedactedStmt, markRedactedSQL},
		{&s.selectEventInfoStmt, selectEventInfoSQL},
		{&s.selectMaxEventNIDStmt, selectMaxEventNIDSQL},
		{&s.selectTimelineEventsForRoomStmt, selectTimelineEventsForRoomSQL},
	}.Prepare(db)
}

// InsertEvent is hand-rolled outside the prepared-statement batch above
// because SQLite has no RETURNING-on-conflict equivalent usable through
// database/sql here: on the happy path we use LastInsertId, and on a
// conflict (the event already exists) we fall back to SelectEventNID,
// matching the "two calls to ensure the same event_id return the same
// sn" requirement from §4.3 either way.
func (s *eventStatements) InsertEvent(
	ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID, eventType string,
	stateKey *string, sender string, depth, originServerTS int64, isOutlier bool,
) (types.EventNID, error) {
	var res sql.Result
	var err error
	if txn != nil {
		res, err = txn.ExecContext(ctx, insertEventSQL, roomNID, eventID, eventType, stateKey, sender, depth, originServerTS, isOutlier)
	} else {
		res, err = s.db.ExecContext(ctx, insertEventSQL, roomNID, eventID, eventType, stateKey, sender, depth, originServerTS, isOutlier)
	}
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.SelectEventNIDMust(ctx, txn, eventID)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return s.SelectEventNIDMust(ctx, txn, eventID)
	}
	return types.EventNID(id), nil
}

// SelectEventNIDMust is SelectEventNID with the not-found case treated as
// an error, used internally right after an insert we expect to have just
// happened (by us or a concurrent writer racing on the same event_id).
func (s *eventStatements) SelectEventNIDMust(ctx context.Context, txn *sql.Tx, eventID string) (types.EventNID, error) {
	nid, ok, err := s.SelectEventNID(ctx, txn, eventID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, sql.ErrNoRows
	}
	return nid, nil
}

func (s *eventStatements) SelectEventNID(ctx context.Context, txn *sql.Tx, eventID string) (types.EventNID, bool, error) {
	var nid types.EventNID
	stmt := sqlutil.TxStmt(txn, s.selectEventNIDStmt)
	err := stmt.QueryRowContext(ctx, eventID).Scan(&nid)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	return nid, err == nil, err
}

func (s *eventStatements) SelectEventID(ctx context.Context, txn *sql.Tx, eventNID types.EventNID) (string, error) {
	var id string
	stmt := sqlutil.TxStmt(txn, s.selectEventIDStmt)
	err := stmt.QueryRowContext(ctx, eventNID).Scan(&id)
	return id, err
}

func (s *eventStatements) PromoteOutlierToTimeline(ctx context.Context, txn *sql.Tx, eventNID types.EventNID) error {
	stmt := sqlutil.TxStmt(txn, s.promoteOutlierStmt)
	_, err := stmt.ExecContext(ctx, eventNID)
	return err
}

func (s *eventStatements) MarkRejected(ctx context.Context, txn *sql.Tx, eventNID types.EventNID, reason string) error {
	stmt := sqlutil.TxStmt(txn, s.markRejectedStmt)
	_, err := stmt.ExecContext(ctx, eventNID, reason)
	return err
}

func (s *eventStatements) MarkSoftFailed(ctx context.Context, txn *sql.Tx, eventNID types.EventNID) error {
	stmt := sqlutil.TxStmt(txn, s.markSoftFailedStmt)
	_, err := stmt.ExecContext(ctx, eventNID)
	return err
}

func (s *eventStatements) MarkRedacted(ctx context.Context, txn *sql.Tx, eventNID types.EventNID) error {
	stmt := sqlutil.TxStmt(txn, s.markRedactedStmt)
	_, err := stmt.ExecContext(ctx, eventNID)
	return err
}

func (s *eventStatements) SelectEventInfo(ctx context.Context, txn *sql.Tx, eventNID types.EventNID) (tables.EventInfo, error) {
	var info tables.EventInfo
	stmt := sqlutil.TxStmt(txn, s.selectEventInfoStmt)
	err := stmt.QueryRowContext(ctx, eventNID).Scan(
		&info.EventNID, &info.RoomNID, &info.EventID, &info.EventType, &info.StateKey,
		&info.Sender, &info.Depth, &info.OriginServerTS, &info.IsOutlier, &info.IsRedacted,
		&info.SoftFailed, &info.RejectionReason,
	)
	return info, err
}

func (s *eventStatements) SelectMaxEventNID(ctx context.Context, txn *sql.Tx) (types.EventNID, error) {
	var nid types.EventNID
	stmt := sqlutil.TxStmt(txn, s.selectMaxEventNIDStmt)
	err := stmt.QueryRowContext(ctx).Scan(&nid)
	return nid, err
}

func (s *eventStatements) SelectTimelineEventsForRoom(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, sinceSN, untilSN types.EventNID, limit int) ([]tables.EventInfo, error) {
	stmt := sqlutil.TxStmt(txn, s.selectTimelineEventsForRoomStmt)
	rows, err := stmt.QueryContext(ctx, roomNID, sinceSN, untilSN, limit)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(ctx, rows, "SelectTimelineEventsForRoom: rows.close() failed")
	var out []tables.EventInfo
	for rows.Next() {
		var info tables.EventInfo
		if err := rows.Scan(
			&info.EventNID, &info.RoomNID, &info.EventID, &info.EventType, &info.StateKey,
			&info.Sender, &info.Depth, &info.OriginServerTS, &info.IsOutlier, &info.IsRedacted,
			&info.SoftFailed, &info.RejectionReason,
		); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}
