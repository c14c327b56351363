package postgres

import (
	"context"
	"database/sql"

	"github.com/nexuscore/homeserver/internal/sqlutil"
	"github.com/nexuscore/homeserver/roomserver/storage/tables"
	"github.com/nexuscore/homeserver/roomserver/types"
)

const roomsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_rooms (
	room_nid BIGSERIAL PRIMARY KEY,
	room_id TEXT NOT NULL UNIQUE,
	room_version TEXT NOT NULL,
	current_frame_id BIGINT,
	disabled BOOLEAN NOT NULL DEFAULT FALSE
);
`

const insertRoomSQL = "" +
	"INSERT INTO roomserver_rooms (room_id, room_version) VALUES ($1, $2)" +
	" ON CONFLICT (room_id) DO UPDATE SET room_id = $1" +
	" RETURNING room_nid"
const selectRoomNIDSQL = "SELECT room_nid FROM roomserver_rooms WHERE room_id = $1"
const selectRoomInfoSQL = "" +
	"SELECT room_nid, room_id, room_version, current_frame_id, disabled" +
	" FROM roomserver_rooms WHERE room_nid = $1"
const updateCurrentFrameSQL = "UPDATE roomserver_rooms SET current_frame_id = $2 WHERE room_nid = $1"
const selectRoomIDsSQL = "SELECT room_id FROM roomserver_rooms"
const setRoomDisabledSQL = "UPDATE roomserver_rooms SET disabled = $2 WHERE room_nid = $1"

type roomStatements struct {
	insertRoomStmt         *sql.Stmt
	selectRoomNIDStmt      *sql.Stmt
	selectRoomInfoStmt     *sql.Stmt
	updateCurrentFrameStmt *sql.Stmt
	selectRoomIDsStmt      *sql.Stmt
	setRoomDisabledStmt    *sql.Stmt
}

func CreateRoomsTable(db *sql.DB) error {
	_, err := db.Exec(roomsSchema)
	return err
}

func PrepareRoomsTable(db *sql.DB) (tables.Rooms, error) {
	s := &roomStatements{}
	return s, sqlutil.StatementList{
		{&s.insertRoomStmt, insertRoomSQL},
		{&s.selectRoomNIDStmt, selectRoomNIDSQL},
		{&s.selectRoomInfoStmt, selectRoomInfoSQL},
		{&s.updateCurrentFrameStmt, updateCurrentFrameSQL},
		{&s.selectRoomIDsStmt, selectRoomIDsSQL},
		{&s.setRoomDisabledStmt, setRoomDisabledSQL},
	}.Prepare(db)
}

func (s *roomStatements) InsertRoom(ctx context.Context, txn *sql.Tx, roomID string, roomVersion string) (types.RoomNID, error) {
	var nid types.RoomNID
	stmt := sqlutil.TxStmt(txn, s.insertRoomStmt)
	err := stmt.QueryRowContext(ctx, roomID, roomVersion).Scan(&nid)
	return nid, err
}

func (s *roomStatements) SelectRoomNID(ctx context.Context, txn *sql.Tx, roomID string) (types.RoomNID, bool, error) {
	var nid types.RoomNID
	stmt := sqlutil.TxStmt(txn, s.selectRoomNIDStmt)
	err := stmt.QueryRowContext(ctx, roomID).Scan(&nid)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	return nid, err == nil, err
}

func (s *roomStatements) SelectRoomInfo(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) (types.RoomInfo, error) {
	var info types.RoomInfo
	var version string
	var currentFrame sql.NullInt64
	stmt := sqlutil.TxStmt(txn, s.selectRoomInfoStmt)
	err := stmt.QueryRowContext(ctx, roomNID).Scan(&info.RoomNID, &info.RoomID, &version, &currentFrame, &info.Disabled)
	if err != nil {
		return types.RoomInfo{}, err
	}
	info.RoomVersion = stringToRoomVersion(version)
	if currentFrame.Valid {
		info.StateSnapshotNID = types.StateSnapshotNID(currentFrame.Int64)
	}
	return info, nil
}

func (s *roomStatements) UpdateCurrentFrame(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, frameID types.StateSnapshotNID) error {
	stmt := sqlutil.TxStmt(txn, s.updateCurrentFrameStmt)
	_, err := stmt.ExecContext(ctx, roomNID, frameID)
	return err
}

func (s *roomStatements) SelectRoomIDs(ctx context.Context, txn *sql.Tx) ([]string, error) {
	stmt := sqlutil.TxStmt(txn, s.selectRoomIDsStmt)
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(ctx, rows, "SelectRoomIDs: rows.close() failed")
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

func (s *roomStatements) SetRoomDisabled(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, disabled bool) error {
	stmt := sqlutil.TxStmt(txn, s.setRoomDisabledStmt)
	_, err := stmt.ExecContext(ctx, roomNID, disabled)
	return err
}
