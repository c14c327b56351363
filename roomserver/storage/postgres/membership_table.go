package postgres

import (
	"context"
	"database/sql"

	"github.com/nexuscore/homeserver/internal/sqlutil"
	"github.com/nexuscore/homeserver/roomserver/storage/tables"
	"github.com/nexuscore/homeserver/roomserver/types"
)

// membershipSchema is the per-(room,user) membership record from §3: it
// is updated, never append-only, since only the current membership
// matters for auth and sync — history lives in the event store itself.
const membershipSchema = `
CREATE TABLE IF NOT EXISTS roomserver_membership (
	room_nid BIGINT NOT NULL,
	user_id TEXT NOT NULL,
	membership TEXT NOT NULL,
	event_id TEXT NOT NULL,
	event_nid BIGINT NOT NULL,
	last_join_event_id TEXT NOT NULL DEFAULT '',
	forgotten BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (room_nid, user_id)
);

CREATE INDEX IF NOT EXISTS idx_roomserver_membership_room_state ON roomserver_membership(room_nid, membership);
`

const upsertMembershipSQL = "" +
	"INSERT INTO roomserver_membership (room_nid, user_id, membership, event_id, event_nid, last_join_event_id)" +
	" VALUES ($1, $2, $3, $4, $5, CASE WHEN $3 = 'join' THEN $4 ELSE '' END)" +
	" ON CONFLICT (room_nid, user_id) DO UPDATE SET" +
	" membership = $3, event_id = $4, event_nid = $5, forgotten = FALSE," +
	" last_join_event_id = CASE WHEN $3 = 'join' THEN $4 ELSE roomserver_membership.last_join_event_id END"

const selectMembershipSQL = "" +
	"SELECT room_nid, user_id, membership, event_id, event_nid, last_join_event_id, forgotten" +
	" FROM roomserver_membership WHERE room_nid = $1 AND user_id = $2"

const selectRoomMembersSQL = "SELECT user_id FROM roomserver_membership WHERE room_nid = $1 AND membership = $2"

const selectMembershipsForUserSQL = "SELECT room_nid FROM roomserver_membership WHERE user_id = $1 AND membership = $2"

const setForgottenSQL = "UPDATE roomserver_membership SET forgotten = $3 WHERE room_nid = $1 AND user_id = $2"

type membershipStatements struct {
	upsertMembershipStmt         *sql.Stmt
	selectMembershipStmt         *sql.Stmt
	selectRoomMembersStmt        *sql.Stmt
	selectMembershipsForUserStmt *sql.Stmt
	setForgottenStmt             *sql.Stmt
}

func CreateMembershipTable(db *sql.DB) error {
	_, err := db.Exec(membershipSchema)
	return err
}

func PrepareMembershipTable(db *sql.DB) (tables.Membership, error) {
	s := &membershipStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertMembershipStmt, upsertMembershipSQL},
		{&s.selectMembershipStmt, selectMembershipSQL},
		{&s.selectRoomMembersStmt, selectRoomMembersSQL},
		{&s.selectMembershipsForUserStmt, selectMembershipsForUserSQL},
		{&s.setForgottenStmt, setForgottenSQL},
	}.Prepare(db)
}

func (s *membershipStatements) UpsertMembership(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, userID, membership, eventID string, eventNID types.EventNID) error {
	stmt := sqlutil.TxStmt(txn, s.upsertMembershipStmt)
	_, err := stmt.ExecContext(ctx, roomNID, userID, membership, eventID, eventNID)
	return err
}

func (s *membershipStatements) SelectMembership(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, userID string) (tables.MembershipRow, bool, error) {
	var row tables.MembershipRow
	stmt := sqlutil.TxStmt(txn, s.selectMembershipStmt)
	err := stmt.QueryRowContext(ctx, roomNID, userID).Scan(
		&row.RoomNID, &row.UserID, &row.Membership, &row.EventID, &row.EventNID, &row.LastJoinID, &row.Forgotten,
	)
	if err == sql.ErrNoRows {
		return tables.MembershipRow{}, false, nil
	}
	return row, err == nil, err
}

func (s *membershipStatements) SelectRoomMembers(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, membership string) ([]string, error) {
	stmt := sqlutil.TxStmt(txn, s.selectRoomMembersStmt)
	rows, err := stmt.QueryContext(ctx, roomNID, membership)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(ctx, rows, "SelectRoomMembers: rows.close() failed")
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

func (s *membershipStatements) SelectMembershipsForUser(ctx context.Context, txn *sql.Tx, userID string, membership string) ([]types.RoomNID, error) {
	stmt := sqlutil.TxStmt(txn, s.selectMembershipsForUserStmt)
	rows, err := stmt.QueryContext(ctx, userID, membership)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(ctx, rows, "SelectMembershipsForUser: rows.close() failed")
	var out []types.RoomNID
	for rows.Next() {
		var nid types.RoomNID
		if err := rows.Scan(&nid); err != nil {
			return nil, err
		}
		out = append(out, nid)
	}
	return out, rows.Err()
}

func (s *membershipStatements) SetForgotten(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, userID string, forgotten bool) error {
	stmt := sqlutil.TxStmt(txn, s.setForgottenStmt)
	_, err := stmt.ExecContext(ctx, roomNID, userID, forgotten)
	return err
}
