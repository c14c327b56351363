package sqlite3

import (
	"context"
	"database/sql"

	"github.com/nexuscore/homeserver/internal/sqlutil"
	"github.com/nexuscore/homeserver/roomserver/storage/tables"
	"github.com/nexuscore/homeserver/roomserver/types"
)

const eventRelationsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_event_relations (
	room_nid INTEGER NOT NULL,
	parent_event_id TEXT NOT NULL,
	child_event_id TEXT NOT NULL,
	rel_type TEXT NOT NULL,
	child_event_type TEXT NOT NULL,
	PRIMARY KEY (parent_event_id, child_event_id, rel_type)
);

CREATE TABLE IF NOT EXISTS roomserver_thread_summaries (
	thread_root_id TEXT PRIMARY KEY,
	room_nid INTEGER NOT NULL,
	latest_event_id TEXT NOT NULL,
	count INTEGER NOT NULL
);
`

const insertRelationSQL = "" +
	"INSERT OR IGNORE INTO roomserver_event_relations (room_nid, parent_event_id, child_event_id, rel_type, child_event_type)" +
	" VALUES ($1, $2, $3, $4, $5)"
const selectRelationsForEventSQL = "" +
	"SELECT child_event_id FROM roomserver_event_relations WHERE parent_event_id = $1 AND rel_type = $2"
const upsertThreadLatestSQL = "" +
	"INSERT INTO roomserver_thread_summaries (thread_root_id, room_nid, latest_event_id, count)" +
	" VALUES ($1, $2, $3, $4)" +
	" ON CONFLICT (thread_root_id) DO UPDATE SET latest_event_id = $3, count = $4"
const selectThreadSummarySQL = "" +
	"SELECT thread_root_id, latest_event_id, count FROM roomserver_thread_summaries WHERE thread_root_id = $1"

type relationStatements struct {
	insertRelationStmt      *sql.Stmt
	selectRelationsStmt     *sql.Stmt
	upsertThreadLatestStmt  *sql.Stmt
	selectThreadSummaryStmt *sql.Stmt
}

func CreateEventRelationsTables(db *sql.DB) error {
	_, err := db.Exec(eventRelationsSchema)
	return err
}

func PrepareRelationsTable(db *sql.DB) (tables.Relations, error) {
	s := &relationStatements{}
	return s, sqlutil.StatementList{
		{&s.insertRelationStmt, insertRelationSQL},
		{&s.selectRelationsStmt, selectRelationsForEventSQL},
		{&s.upsertThreadLatestStmt, upsertThreadLatestSQL},
		{&s.selectThreadSummaryStmt, selectThreadSummarySQL},
	}.Prepare(db)
}

func (s *relationStatements) InsertRelation(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, parentEventID, childEventID, relType, eventType string) error {
	stmt := sqlutil.TxStmt(txn, s.insertRelationStmt)
	_, err := stmt.ExecContext(ctx, roomNID, parentEventID, childEventID, relType, eventType)
	return err
}

func (s *relationStatements) SelectRelationsForEvent(ctx context.Context, txn *sql.Tx, parentEventID, relType string) ([]string, error) {
	stmt := sqlutil.TxStmt(txn, s.selectRelationsStmt)
	rows, err := stmt.QueryContext(ctx, parentEventID, relType)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(ctx, rows, "SelectRelationsForEvent: rows.close() failed")
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *relationStatements) UpdateThreadLatest(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, threadRootID, latestEventID string, count int) error {
	stmt := sqlutil.TxStmt(txn, s.upsertThreadLatestStmt)
	_, err := stmt.ExecContext(ctx, threadRootID, roomNID, latestEventID, count)
	return err
}

func (s *relationStatements) SelectThreadSummary(ctx context.Context, txn *sql.Tx, threadRootID string) (tables.ThreadSummaryRow, bool, error) {
	var row tables.ThreadSummaryRow
	stmt := sqlutil.TxStmt(txn, s.selectThreadSummaryStmt)
	err := stmt.QueryRowContext(ctx, threadRootID).Scan(&row.ThreadRootID, &row.LatestEventID, &row.Count)
	if err == sql.ErrNoRows {
		return tables.ThreadSummaryRow{}, false, nil
	}
	return row, err == nil, err
}
