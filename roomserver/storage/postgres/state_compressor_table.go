package postgres

import (
	"context"
	"database/sql"

	"github.com/nexuscore/homeserver/internal/sqlutil"
	"github.com/nexuscore/homeserver/roomserver/storage/tables"
	"github.com/nexuscore/homeserver/roomserver/types"
)

// state_compressor_table.go backs C4: interning (event_type, state_key)
// pairs into FieldIDs, and the append-only frame store keyed by
// StateSnapshotNID, exactly the two tables §3/§4.4 name
// ("field_id" interning, "frame store").
const fieldIDsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_field_ids (
	field_id BIGSERIAL PRIMARY KEY,
	event_type TEXT NOT NULL,
	state_key TEXT NOT NULL,
	UNIQUE (event_type, state_key)
);
`

const framesSchema = `
CREATE TABLE IF NOT EXISTS roomserver_frames (
	frame_id BIGSERIAL PRIMARY KEY,
	room_nid BIGINT NOT NULL,
	parent_frame_id BIGINT,
	appended BYTEA NOT NULL,
	disposed BYTEA NOT NULL,
	hash BYTEA NOT NULL,
	chain_length INT NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_roomserver_frames_room_hash ON roomserver_frames(room_nid, hash);
`

const ensureFieldIDSQL = "" +
	"INSERT INTO roomserver_field_ids (event_type, state_key) VALUES ($1, $2)" +
	" ON CONFLICT (event_type, state_key) DO UPDATE SET event_type = $1" +
	" RETURNING field_id"

const selectFieldIDsForTuplesSQL = "" +
	"SELECT field_id, event_type, state_key FROM roomserver_field_ids" +
	" WHERE (event_type, state_key) = ANY (SELECT unnest($1::text[]), unnest($2::text[]))"

const insertFrameSQL = "" +
	"INSERT INTO roomserver_frames (room_nid, parent_frame_id, appended, disposed, hash, chain_length)" +
	" VALUES ($1, $2, $3, $4, $5, $6) RETURNING frame_id"
const selectFrameSQL = "" +
	"SELECT frame_id, room_nid, parent_frame_id, appended, disposed, hash, chain_length" +
	" FROM roomserver_frames WHERE frame_id = $1"
const selectFrameByHashSQL = "SELECT frame_id FROM roomserver_frames WHERE room_nid = $1 AND hash = $2"

type fieldIDStatements struct {
	ensureFieldIDStmt *sql.Stmt
}

type frameStatements struct {
	insertFrameStmt        *sql.Stmt
	selectFrameStmt        *sql.Stmt
	selectFrameByHashStmt  *sql.Stmt
	db                     *sql.DB
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
	s := &fieldIDStatements{}
	return s, sqlutil.StatementList{
		{&s.ensureFieldIDStmt, ensureFieldIDSQL},
	}.Prepare(db)
}

func PrepareFramesTable(db *sql.DB) (tables.Frames, error) {
	s := &frameStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertFrameStmt, insertFrameSQL},
		{&s.selectFrameStmt, selectFrameSQL},
		{&s.selectFrameByHashStmt, selectFrameByHashSQL},
	}.Prepare(db)
}

func (s *fieldIDStatements) EnsureFieldID(ctx context.Context, txn *sql.Tx, eventType string, stateKey string) (types.FieldID, error) {
	var id types.FieldID
	stmt := sqlutil.TxStmt(txn, s.ensureFieldIDStmt)
	err := stmt.QueryRowContext(ctx, eventType, stateKey).Scan(&id)
	return id, err
}

// SelectFieldIDsForTuples is a best-effort batch helper: it falls back to
// one query per tuple rather than relying on the ANY(unnest) form above
// being portable across every deployment's Postgres version, since this
// call isn't on the per-event hot path (it only matters when warming the
// process cache after a restart).
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
	var id types.StateSnapshotNID
	stmt := sqlutil.TxStmt(txn, s.insertFrameStmt)
	err := stmt.QueryRowContext(ctx, roomNID, parentArg, appended, disposed, hash, chainLength).Scan(&id)
	return id, err
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
