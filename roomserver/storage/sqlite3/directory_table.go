package sqlite3

import (
	"context"
	"database/sql"

	"github.com/nexuscore/homeserver/internal/sqlutil"
	"github.com/nexuscore/homeserver/roomserver/storage/tables"
)

const directorySchema = `
CREATE TABLE IF NOT EXISTS roomserver_aliases (
	alias TEXT PRIMARY KEY,
	room_id TEXT NOT NULL,
	creator_user_id TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_roomserver_aliases_room_id ON roomserver_aliases(room_id);

CREATE TABLE IF NOT EXISTS roomserver_published (
	room_id TEXT PRIMARY KEY,
	published BOOLEAN NOT NULL DEFAULT 0
);
`

const insertAliasSQL = "INSERT INTO roomserver_aliases (alias, room_id, creator_user_id) VALUES ($1, $2, $3)"
const selectRoomForAliasSQL = "SELECT room_id FROM roomserver_aliases WHERE alias = $1"
const selectAliasesForRoomSQL = "SELECT alias FROM roomserver_aliases WHERE room_id = $1"
const deleteAliasSQL = "DELETE FROM roomserver_aliases WHERE alias = $1"
const setPublishedSQL = "" +
	"INSERT INTO roomserver_published (room_id, published) VALUES ($1, $2)" +
	" ON CONFLICT (room_id) DO UPDATE SET published = $2"
const isPublishedSQL = "SELECT published FROM roomserver_published WHERE room_id = $1"
const selectPublishedRoomsSQL = "SELECT room_id FROM roomserver_published WHERE published = 1"

type directoryStatements struct {
	insertAliasStmt          *sql.Stmt
	selectRoomForAliasStmt   *sql.Stmt
	selectAliasesForRoomStmt *sql.Stmt
	deleteAliasStmt          *sql.Stmt
	setPublishedStmt         *sql.Stmt
	isPublishedStmt          *sql.Stmt
	selectPublishedRoomsStmt *sql.Stmt
}

func CreateDirectoryTable(db *sql.DB) error {
	_, err := db.Exec(directorySchema)
	return err
}

func PrepareDirectoryTable(db *sql.DB) (tables.Directory, error) {
	s := &directoryStatements{}
	return s, sqlutil.StatementList{
		{&s.insertAliasStmt, insertAliasSQL},
		{&s.selectRoomForAliasStmt, selectRoomForAliasSQL},
		{&s.selectAliasesForRoomStmt, selectAliasesForRoomSQL},
		{&s.deleteAliasStmt, deleteAliasSQL},
		{&s.setPublishedStmt, setPublishedSQL},
		{&s.isPublishedStmt, isPublishedSQL},
		{&s.selectPublishedRoomsStmt, selectPublishedRoomsSQL},
	}.Prepare(db)
}

func (s *directoryStatements) InsertAlias(ctx context.Context, txn *sql.Tx, alias, roomID, creatorUserID string) error {
	stmt := sqlutil.TxStmt(txn, s.insertAliasStmt)
	_, err := stmt.ExecContext(ctx, alias, roomID, creatorUserID)
	return err
}

func (s *directoryStatements) SelectRoomForAlias(ctx context.Context, txn *sql.Tx, alias string) (string, bool, error) {
	var roomID string
	stmt := sqlutil.TxStmt(txn, s.selectRoomForAliasStmt)
	err := stmt.QueryRowContext(ctx, alias).Scan(&roomID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	return roomID, err == nil, err
}

func (s *directoryStatements) SelectAliasesForRoom(ctx context.Context, txn *sql.Tx, roomID string) ([]string, error) {
	stmt := sqlutil.TxStmt(txn, s.selectAliasesForRoomStmt)
	rows, err := stmt.QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(ctx, rows, "SelectAliasesForRoom: rows.close() failed")
	var out []string
	for rows.Next() {
		var alias string
		if err := rows.Scan(&alias); err != nil {
			return nil, err
		}
		out = append(out, alias)
	}
	return out, rows.Err()
}

func (s *directoryStatements) DeleteAlias(ctx context.Context, txn *sql.Tx, alias string) error {
	stmt := sqlutil.TxStmt(txn, s.deleteAliasStmt)
	_, err := stmt.ExecContext(ctx, alias)
	return err
}

func (s *directoryStatements) SetPublished(ctx context.Context, txn *sql.Tx, roomID string, published bool) error {
	stmt := sqlutil.TxStmt(txn, s.setPublishedStmt)
	_, err := stmt.ExecContext(ctx, roomID, published)
	return err
}

func (s *directoryStatements) IsPublished(ctx context.Context, txn *sql.Tx, roomID string) (bool, error) {
	var published bool
	stmt := sqlutil.TxStmt(txn, s.isPublishedStmt)
	err := stmt.QueryRowContext(ctx, roomID).Scan(&published)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return published, err
}

func (s *directoryStatements) SelectPublishedRooms(ctx context.Context, txn *sql.Tx) ([]string, error) {
	stmt := sqlutil.TxStmt(txn, s.selectPublishedRoomsStmt)
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(ctx, rows, "SelectPublishedRooms: rows.close() failed")
	var out []string
	for rows.Next() {
		var roomID string
		if err := rows.Scan(&roomID); err != nil {
			return nil, err
		}
		out = append(out, roomID)
	}
	return out, rows.Err()
}
