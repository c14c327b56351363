package sqlite3

import (
	"context"
	"database/sql"

	"github.com/nexuscore/homeserver/internal/sqlutil"
	"github.com/nexuscore/homeserver/roomserver/storage/tables"
	"github.com/nexuscore/homeserver/roomserver/types"
)

const fieldIDsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_field_ids (
	field_id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	state_key TEXT NOT NULL,
	UNIQUE (event_type, state_key)
);
`

const framesSchema = `
CREATE TABLE IF NOT EXISTS roomserver_frames (
	frame_id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_nid INTEGER NOT NULL,
	parent_frame_id INTEGER,
	appended BLOB NOT NULL,
	disposed BLOB NOT NULL,
	hash BLOB NOT NULL,
	chain_length INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_roomserver_frames_room_hash ON roomserver_frames(room_nid, hash);
`

const selectFieldIDSQL = "SELECT field_id FROM roomserver_field_ids WHERE event_type = $1 AND state_key = $2"
const insertFieldIDSQL = "INSERT INTO roomserver_field_ids (event_type, state_key) VALUES ($1, $2)"

const insertFrameSQL = "" +
	"INSERT INTO roomserver_frames (room_nid, parent_frame_id, appended, disposed, hash, chain_length)" +
	" VALUES ($1, $2, $3, $4, $5, $6)"
const selectFrameSQL = "" +
	"SELECT frame_id, room_nid, parent_frame_id, appended, disposed, hash, chain_length" +
	" FROM roomserver_frames WHERE frame_id = $1"
const selectFrameByHashSQL = "SELECT frame_id FROM roomserver_frames WHERE room_nid = $1 AND hash = $2"

type fieldIDStatements struct {
	db                 *sql.DB
	selectFieldIDStmt  *sql.Stmt
}

type frameStatements struct {
	db                    *sql.DB
	insertFrameStmt       *sql.Stmt
	selectFrameStmt       *sql.Stmt
	selectFrameByHashStmt *sql.Stmt
}

func CreateFieldIDsTable(db *sql.DB) error {
	_, err := db.Exec(fieldIDsSchema)
	return err
}

func CreateFramesTable(db *sql.DB) error {
	_, err := db.Exec(framesSchema)
	return err
}

func PrepareFieldIDsTable(db *sql.DB) (tables.FieldIDs, error) {
	s := &fieldIDStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.selectFieldIDStmt, selectFieldIDSQL},
	}.Prepare(db)
}

func PrepareFramesTable(db *sql.DB) (tables.Frames, error) {
	s := &frameStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.selectFrameStmt, selectFrameSQL},
		{&s.selectFrameByHashStmt, selectFrameByHashSQL},
	}.Prepare(db)
}

func (s *fieldIDStatements) EnsureFieldID(ctx context.Context, txn *sql.Tx, eventType string, stateKey string) (types.FieldID, error) {
	stmt := sqlutil.TxStmt(txn, s.selectFieldIDStmt)
	var id types.FieldID
	err := stmt.QueryRowContext(ctx, eventType, stateKey).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	var res sql.Result
	if txn != nil {
		res, err = txn.ExecContext(ctx, insertFieldIDSQL, eventType, stateKey)
	} else {
		res, err = s.db.ExecContext(ctx, insertFieldIDSQL, eventType, stateKey)
	}
	if err != nil {
		// Lost a race with a concurrent insert; the row now exists.
		if err2 := stmt.QueryRowContext(ctx, eventType, stateKey).Scan(&id); err2 == nil {
			return id, nil
		}
		return 0, err
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return types.FieldID(newID), nil
}

func (s *fieldIDStatements) SelectFieldIDsForTuples(ctx context.Context, txn *sql.Tx, pairs [][2]string) (map[[2]string]types.FieldID, error) {
	out := make(map[[2]string]types.FieldID, len(pairs))
	for _, p := range pairs {
		id, err := s.EnsureFieldID(ctx, txn, p[0], p[1])
		if err != nil {
			return nil, err
		}
		out[p] = id
	}
	return out, nil
}

func (s *frameStatements) InsertFrame(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, parent *types.StateSnapshotNID, appended, disposed, hash []byte, chainLength int) (types.StateSnapshotNID, error) {
	var parentArg any
	if parent != nil {
		parentArg = *parent
	}
	var res sql.Result
	var err error
	if txn != nil {
		res, err = txn.ExecContext(ctx, insertFrameSQL, roomNID, parentArg, appended, disposed, hash, chainLength)
	} else {
		res, err = s.db.ExecContext(ctx, insertFrameSQL, roomNID, parentArg, appended, disposed, hash, chainLength)
	}
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return types.StateSnapshotNID(id), nil
}

func (s *frameStatements) SelectFrame(ctx context.Context, txn *sql.Tx, frameID types.StateSnapshotNID) (tables.FrameRow, bool, error) {
	var row tables.FrameRow
	var parent sql.NullInt64
	stmt := sqlutil.TxStmt(txn, s.selectFrameStmt)
	err := stmt.QueryRowContext(ctx, frameID).Scan(
		&row.FrameID, &row.RoomNID, &parent, &row.Appended, &row.Disposed, &row.Hash, &row.ChainLength,
	)
	if err == sql.ErrNoRows {
		return tables.FrameRow{}, false, nil
	}
	if err != nil {
		return tables.FrameRow{}, false, err
	}
	if parent.Valid {
		p := types.StateSnapshotNID(parent.Int64)
		row.ParentFrame = &p
	}
	return row, true, nil
}

func (s *frameStatements) SelectFrameByHash(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, hash []byte) (types.StateSnapshotNID, bool, error) {
	var id types.StateSnapshotNID
	stmt := sqlutil.TxStmt(txn, s.selectFrameByHashStmt)
	err := stmt.QueryRowContext(ctx, roomNID, hash).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	return id, err == nil, err
}
