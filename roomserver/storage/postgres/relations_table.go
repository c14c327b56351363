package postgres

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/nexuscore/homeserver/internal/sqlutil"
	"github.com/nexuscore/homeserver/roomserver/storage/tables"
	"github.com/nexuscore/homeserver/roomserver/types"
)

// relationsSchema covers event_edges, event_points, the two extremity
// tables, and event_auth_chains (§4.3) — grouped into one file since they
// are all small, single-purpose tables with no business logic of their
// own beyond straightforward CRUD.
const relationsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_event_edges (
	event_id TEXT NOT NULL,
	prev_event_id TEXT NOT NULL,
	room_nid BIGINT NOT NULL,
	is_state BOOLEAN NOT NULL,
	PRIMARY KEY (event_id, prev_event_id)
);

CREATE TABLE IF NOT EXISTS roomserver_event_points (
	event_nid BIGINT PRIMARY KEY,
	room_nid BIGINT NOT NULL,
	frame_id BIGINT
);

CREATE TABLE IF NOT EXISTS roomserver_forward_extremities (
	room_nid BIGINT NOT NULL,
	event_id TEXT NOT NULL,
	PRIMARY KEY (room_nid, event_id)
);

CREATE TABLE IF NOT EXISTS roomserver_backward_extremities (
	room_nid BIGINT NOT NULL,
	event_id TEXT NOT NULL,
	PRIMARY KEY (room_nid, event_id)
);

CREATE TABLE IF NOT EXISTS roomserver_auth_chains (
	cache_key TEXT PRIMARY KEY,
	chain_nids BIGINT[] NOT NULL
);
`

const insertEventEdgeSQL = "" +
	"INSERT INTO roomserver_event_edges (event_id, prev_event_id, room_nid, is_state) VALUES ($1, $2, $3, $4)" +
	" ON CONFLICT (event_id, prev_event_id) DO NOTHING"
const selectPrevEventIDsSQL = "SELECT prev_event_id FROM roomserver_event_edges WHERE event_id = $1"

const setEventFrameSQL = "" +
	"INSERT INTO roomserver_event_points (event_nid, room_nid, frame_id) VALUES ($1, $2, $3)" +
	" ON CONFLICT (event_nid) DO UPDATE SET frame_id = $3"
const selectEventFrameSQL = "SELECT frame_id FROM roomserver_event_points WHERE event_nid = $1"

const selectForwardExtremitiesSQL = "SELECT event_id FROM roomserver_forward_extremities WHERE room_nid = $1"
const insertForwardExtremitySQL = "" +
	"INSERT INTO roomserver_forward_extremities (room_nid, event_id) VALUES ($1, unnest($2::text[]))" +
	" ON CONFLICT (room_nid, event_id) DO NOTHING"
const deleteForwardExtremitiesSQL = "" +
	"DELETE FROM roomserver_forward_extremities WHERE room_nid = $1 AND event_id = ANY($2::text[])"

const insertBackwardExtremitySQL = "" +
	"INSERT INTO roomserver_backward_extremities (room_nid, event_id) VALUES ($1, $2)" +
	" ON CONFLICT (room_nid, event_id) DO NOTHING"
const selectBackwardExtremitiesSQL = "SELECT event_id FROM roomserver_backward_extremities WHERE room_nid = $1"
const deleteBackwardExtremitySQL = "DELETE FROM roomserver_backward_extremities WHERE room_nid = $1 AND event_id = $2"

const selectAuthChainSQL = "SELECT chain_nids FROM roomserver_auth_chains WHERE cache_key = $1"
const insertAuthChainSQL = "" +
	"INSERT INTO roomserver_auth_chains (cache_key, chain_nids) VALUES ($1, $2)" +
	" ON CONFLICT (cache_key) DO UPDATE SET chain_nids = $2"

type relationsStatements struct {
	insertEventEdgeStmt          *sql.Stmt
	selectPrevEventIDsStmt       *sql.Stmt
	setEventFrameStmt            *sql.Stmt
	selectEventFrameStmt         *sql.Stmt
	selectForwardExtremitiesStmt *sql.Stmt
	insertForwardExtremityStmt   *sql.Stmt
	deleteForwardExtremitiesStmt *sql.Stmt
	insertBackwardExtremityStmt  *sql.Stmt
	selectBackwardExtremitiesStmt *sql.Stmt
	deleteBackwardExtremityStmt  *sql.Stmt
	selectAuthChainStmt          *sql.Stmt
	insertAuthChainStmt          *sql.Stmt
}

func CreateRelationsTables(db *sql.DB) error {
	_, err := db.Exec(relationsSchema)
	return err
}

func PrepareEventEdgesTable(db *sql.DB) (tables.EventEdges, error) {
	s := &relationsStatements{}
	return s, sqlutil.StatementList{
		{&s.insertEventEdgeStmt, insertEventEdgeSQL},
		{&s.selectPrevEventIDsStmt, selectPrevEventIDsSQL},
	}.Prepare(db)
}

func PrepareEventPointsTable(db *sql.DB) (tables.EventPoints, error) {
	s := &relationsStatements{}
	return s, sqlutil.StatementList{
		{&s.setEventFrameStmt, setEventFrameSQL},
		{&s.selectEventFrameStmt, selectEventFrameSQL},
	}.Prepare(db)
}

func PrepareForwardExtremitiesTable(db *sql.DB) (tables.ForwardExtremities, error) {
	s := &relationsStatements{}
	return s, sqlutil.StatementList{
		{&s.selectForwardExtremitiesStmt, selectForwardExtremitiesSQL},
		{&s.insertForwardExtremityStmt, insertForwardExtremitySQL},
		{&s.deleteForwardExtremitiesStmt, deleteForwardExtremitiesSQL},
	}.Prepare(db)
}

func PrepareBackwardExtremitiesTable(db *sql.DB) (tables.BackwardExtremities, error) {
	s := &relationsStatements{}
	return s, sqlutil.StatementList{
		{&s.insertBackwardExtremityStmt, insertBackwardExtremitySQL},
		{&s.selectBackwardExtremitiesStmt, selectBackwardExtremitiesSQL},
		{&s.deleteBackwardExtremityStmt, deleteBackwardExtremitySQL},
	}.Prepare(db)
}

func PrepareAuthChainsTable(db *sql.DB) (tables.AuthChains, error) {
	s := &relationsStatements{}
	return s, sqlutil.StatementList{
		{&s.selectAuthChainStmt, selectAuthChainSQL},
		{&s.insertAuthChainStmt, insertAuthChainSQL},
	}.Prepare(db)
}

func (s *relationsStatements) InsertEventEdge(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID, prevEventID string, isState bool) error {
	stmt := sqlutil.TxStmt(txn, s.insertEventEdgeStmt)
	_, err := stmt.ExecContext(ctx, eventID, prevEventID, roomNID, isState)
	return err
}

func (s *relationsStatements) SelectPrevEventIDs(ctx context.Context, txn *sql.Tx, eventID string) ([]string, error) {
	stmt := sqlutil.TxStmt(txn, s.selectPrevEventIDsStmt)
	rows, err := stmt.QueryContext(ctx, eventID)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(ctx, rows, "SelectPrevEventIDs: rows.close() failed")
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

func (s *relationsStatements) SetEventFrame(ctx context.Context, txn *sql.Tx, eventNID types.EventNID, frameID types.StateSnapshotNID) error {
	stmt := sqlutil.TxStmt(txn, s.setEventFrameStmt)
	_, err := stmt.ExecContext(ctx, eventNID, 0, frameID)
	return err
}

func (s *relationsStatements) SelectEventFrame(ctx context.Context, txn *sql.Tx, eventNID types.EventNID) (types.StateSnapshotNID, bool, error) {
	var frameID sql.NullInt64
	stmt := sqlutil.TxStmt(txn, s.selectEventFrameStmt)
	err := stmt.QueryRowContext(ctx, eventNID).Scan(&frameID)
	if err == sql.ErrNoRows || (err == nil && !frameID.Valid) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return types.StateSnapshotNID(frameID.Int64), true, nil
}

func (s *relationsStatements) SelectForwardExtremities(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) ([]string, error) {
	stmt := sqlutil.TxStmt(txn, s.selectForwardExtremitiesStmt)
	rows, err := stmt.QueryContext(ctx, roomNID)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(ctx, rows, "SelectForwardExtremities: rows.close() failed")
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

func (s *relationsStatements) UpdateForwardExtremities(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, added, removed []string) error {
	if len(removed) > 0 {
		stmt := sqlutil.TxStmt(txn, s.deleteForwardExtremitiesStmt)
		if _, err := stmt.ExecContext(ctx, roomNID, pq.Array(removed)); err != nil {
			return err
		}
	}
	if len(added) > 0 {
		stmt := sqlutil.TxStmt(txn, s.insertForwardExtremityStmt)
		if _, err := stmt.ExecContext(ctx, roomNID, pq.Array(added)); err != nil {
			return err
		}
	}
	return nil
}

func (s *relationsStatements) InsertBackwardExtremity(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID string) error {
	stmt := sqlutil.TxStmt(txn, s.insertBackwardExtremityStmt)
	_, err := stmt.ExecContext(ctx, roomNID, eventID)
	return err
}

func (s *relationsStatements) SelectBackwardExtremities(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) ([]string, error) {
	stmt := sqlutil.TxStmt(txn, s.selectBackwardExtremitiesStmt)
	rows, err := stmt.QueryContext(ctx, roomNID)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(ctx, rows, "SelectBackwardExtremities: rows.close() failed")
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

func (s *relationsStatements) DeleteBackwardExtremity(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID string) error {
	stmt := sqlutil.TxStmt(txn, s.deleteBackwardExtremityStmt)
	_, err := stmt.ExecContext(ctx, roomNID, eventID)
	return err
}

func (s *relationsStatements) SelectAuthChain(ctx context.Context, txn *sql.Tx, cacheKey string) ([]types.EventNID, bool, error) {
	var nids pq.Int64Array
	stmt := sqlutil.TxStmt(txn, s.selectAuthChainStmt)
	err := stmt.QueryRowContext(ctx, cacheKey).Scan(&nids)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	out := make([]types.EventNID, len(nids))
	for i, n := range nids {
		out[i] = types.EventNID(n)
	}
	return out, true, nil
}

func (s *relationsStatements) InsertAuthChain(ctx context.Context, txn *sql.Tx, cacheKey string, chain []types.EventNID) error {
	nids := make(pq.Int64Array, len(chain))
	for i, n := range chain {
		nids[i] = int64(n)
	}
	stmt := sqlutil.TxStmt(txn, s.insertAuthChainStmt)
	_, err := stmt.ExecContext(ctx, cacheKey, nids)
	return err
}
