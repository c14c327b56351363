package postgres

import (
	"context"
	"database/sql"

	"github.com/nexuscore/homeserver/internal/sqlutil"
	"github.com/nexuscore/homeserver/roomserver/types"
	"github.com/nexuscore/homeserver/syncapi/storage/tables"
)

const accountDataSchema = `
CREATE TABLE IF NOT EXISTS syncapi_room_account_data (
	user_id TEXT NOT NULL,
	room_id TEXT NOT NULL,
	type TEXT NOT NULL,
	content BYTEA NOT NULL,
	event_sn BIGINT NOT NULL,
	PRIMARY KEY (user_id, room_id, type)
);

CREATE TABLE IF NOT EXISTS syncapi_global_account_data (
	user_id TEXT NOT NULL,
	type TEXT NOT NULL,
	content BYTEA NOT NULL,
	event_sn BIGINT NOT NULL,
	PRIMARY KEY (user_id, type)
);

CREATE SEQUENCE IF NOT EXISTS syncapi_account_data_sn_seq;
`

const upsertRoomAccountDataSQL = "" +
	"INSERT INTO syncapi_room_account_data (user_id, room_id, type, content, event_sn) VALUES ($1, $2, $3, $4, $5)" +
	" ON CONFLICT (user_id, room_id, type) DO UPDATE SET content = $4, event_sn = $5"

const upsertGlobalAccountDataSQL = "" +
	"INSERT INTO syncapi_global_account_data (user_id, type, content, event_sn) VALUES ($1, $2, $3, $4)" +
	" ON CONFLICT (user_id, type) DO UPDATE SET content = $3, event_sn = $4"

const selectRoomAccountDataSinceSQL = "" +
	"SELECT type, content FROM syncapi_room_account_data WHERE user_id = $1 AND room_id = $2 AND event_sn > $3"

const selectGlobalAccountDataSinceSQL = "" +
	"SELECT type, content FROM syncapi_global_account_data WHERE user_id = $1 AND event_sn > $2"

const selectMaxAccountDataSNSQL = "SELECT last_value FROM syncapi_account_data_sn_seq"

const nextAccountDataSNSQL = "SELECT nextval('syncapi_account_data_sn_seq')"

type accountDataStatements struct {
	db                               *sql.DB
	upsertRoomAccountDataStmt        *sql.Stmt
	upsertGlobalAccountDataStmt      *sql.Stmt
	selectRoomAccountDataSinceStmt   *sql.Stmt
	selectGlobalAccountDataSinceStmt *sql.Stmt
	selectMaxAccountDataSNStmt       *sql.Stmt
	nextAccountDataSNStmt            *sql.Stmt
}

func CreateAccountDataTable(db *sql.DB) error {
	_, err := db.Exec(accountDataSchema)
	return err
}

func PrepareAccountDataTable(db *sql.DB) (tables.AccountData, error) {
	s := &accountDataStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.upsertRoomAccountDataStmt, upsertRoomAccountDataSQL},
		{&s.upsertGlobalAccountDataStmt, upsertGlobalAccountDataSQL},
		{&s.selectRoomAccountDataSinceStmt, selectRoomAccountDataSinceSQL},
		{&s.selectGlobalAccountDataSinceStmt, selectGlobalAccountDataSinceSQL},
		{&s.selectMaxAccountDataSNStmt, selectMaxAccountDataSNSQL},
		{&s.nextAccountDataSNStmt, nextAccountDataSNSQL},
	}.Prepare(db)
}

// nextSN mints the next account-data sequence number, called by the
// Upsert methods when their caller passes sn 0; kept as an unexported
// helper here since it is purely a storage detail of how this dialect
// generates its own monotonic counter.
func (s *accountDataStatements) nextSN(ctx context.Context, txn *sql.Tx) (types.EventNID, error) {
	var sn types.EventNID
	stmt := sqlutil.TxStmt(txn, s.nextAccountDataSNStmt)
	err := stmt.QueryRowContext(ctx).Scan(&sn)
	return sn, err
}

func (s *accountDataStatements) UpsertRoomAccountData(ctx context.Context, txn *sql.Tx, userID, roomID, dataType string, content []byte, sn types.EventNID) error {
	if sn == 0 {
		var err error
		sn, err = s.nextSN(ctx, txn)
		if err != nil {
			return err
		}
	}
	stmt := sqlutil.TxStmt(txn, s.upsertRoomAccountDataStmt)
	_, err := stmt.ExecContext(ctx, userID, roomID, dataType, content, sn)
	return err
}

func (s *accountDataStatements) UpsertGlobalAccountData(ctx context.Context, txn *sql.Tx, userID, dataType string, content []byte, sn types.EventNID) error {
	if sn == 0 {
		var err error
		sn, err = s.nextSN(ctx, txn)
		if err != nil {
			return err
		}
	}
	stmt := sqlutil.TxStmt(txn, s.upsertGlobalAccountDataStmt)
	_, err := stmt.ExecContext(ctx, userID, dataType, content, sn)
	return err
}

func (s *accountDataStatements) SelectRoomAccountDataSince(ctx context.Context, txn *sql.Tx, userID, roomID string, sinceSN types.EventNID) (map[string][]byte, error) {
	stmt := sqlutil.TxStmt(txn, s.selectRoomAccountDataSinceStmt)
	rows, err := stmt.QueryContext(ctx, userID, roomID, sinceSN)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(ctx, rows, "SelectRoomAccountDataSince: rows.close() failed")
	out := make(map[string][]byte)
	for rows.Next() {
		var t string
		var c []byte
		if err := rows.Scan(&t, &c); err != nil {
			return nil, err
		}
		out[t] = c
	}
	return out, rows.Err()
}

func (s *accountDataStatements) SelectGlobalAccountDataSince(ctx context.Context, txn *sql.Tx, userID string, sinceSN types.EventNID) (map[string][]byte, error) {
	stmt := sqlutil.TxStmt(txn, s.selectGlobalAccountDataSinceStmt)
	rows, err := stmt.QueryContext(ctx, userID, sinceSN)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(ctx, rows, "SelectGlobalAccountDataSince: rows.close() failed")
	out := make(map[string][]byte)
	for rows.Next() {
		var t string
		var c []byte
		if err := rows.Scan(&t, &c); err != nil {
			return nil, err
		}
		out[t] = c
	}
	return out, rows.Err()
}

func (s *accountDataStatements) SelectMaxAccountDataSN(ctx context.Context, txn *sql.Tx) (types.EventNID, error) {
	var sn types.EventNID
	stmt := sqlutil.TxStmt(txn, s.selectMaxAccountDataSNStmt)
	err := stmt.QueryRowContext(ctx).Scan(&sn)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return sn, err
}
