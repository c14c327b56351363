package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/nexuscore/homeserver/internal/sqlutil"
	"github.com/nexuscore/homeserver/federationapi/storage/tables"
)

const backoffSchema = `
CREATE TABLE IF NOT EXISTS federationsender_backoff (
	destination TEXT PRIMARY KEY,
	retry_at TIMESTAMP NOT NULL,
	failures INTEGER NOT NULL DEFAULT 0,
	blacklisted BOOLEAN NOT NULL DEFAULT FALSE
);
`

const selectBackoffSQL = "SELECT retry_at, failures FROM federationsender_backoff WHERE destination = $1"
const upsertBackoffSQL = "" +
	"INSERT INTO federationsender_backoff (destination, retry_at, failures) VALUES ($1, $2, $3)" +
	" ON CONFLICT (destination) DO UPDATE SET retry_at = $2, failures = $3"
const clearBackoffSQL = "DELETE FROM federationsender_backoff WHERE destination = $1"
const selectBlacklistedSQL = "SELECT destination FROM federationsender_backoff WHERE blacklisted = TRUE"
const setBlacklistedSQL = "" +
	"INSERT INTO federationsender_backoff (destination, retry_at, failures, blacklisted) VALUES ($1, NOW(), 0, $2)" +
	" ON CONFLICT (destination) DO UPDATE SET blacklisted = $2"

type backoffStatements struct {
	selectBackoffStmt     *sql.Stmt
	upsertBackoffStmt     *sql.Stmt
	clearBackoffStmt      *sql.Stmt
	selectBlacklistedStmt *sql.Stmt
	setBlacklistedStmt    *sql.Stmt
}

func CreateBackoffTable(db *sql.DB) error {
	_, err := db.Exec(backoffSchema)
	return err
}

func PrepareBackoffTable(db *sql.DB) (tables.Backoff, error) {
	s := &backoffStatements{}
	return s, sqlutil.StatementList{
		{&s.selectBackoffStmt, selectBackoffSQL},
		{&s.upsertBackoffStmt, upsertBackoffSQL},
		{&s.clearBackoffStmt, clearBackoffSQL},
		{&s.selectBlacklistedStmt, selectBlacklistedSQL},
		{&s.setBlacklistedStmt, setBlacklistedSQL},
	}.Prepare(db)
}

func (s *backoffStatements) SelectBackoff(ctx context.Context, txn *sql.Tx, destination string) (time.Time, int, bool, error) {
	var retryAt time.Time
	var failures int
	stmt := sqlutil.TxStmt(txn, s.selectBackoffStmt)
	err := stmt.QueryRowContext(ctx, destination).Scan(&retryAt, &failures)
	if err == sql.ErrNoRows {
		return time.Time{}, 0, false, nil
	}
	return retryAt, failures, err == nil, err
}

func (s *backoffStatements) UpsertBackoff(ctx context.Context, txn *sql.Tx, destination string, retryAt time.Time, failures int) error {
	stmt := sqlutil.TxStmt(txn, s.upsertBackoffStmt)
	_, err := stmt.ExecContext(ctx, destination, retryAt, failures)
	return err
}

func (s *backoffStatements) ClearBackoff(ctx context.Context, txn *sql.Tx, destination string) error {
	stmt := sqlutil.TxStmt(txn, s.clearBackoffStmt)
	_, err := stmt.ExecContext(ctx, destination)
	return err
}

func (s *backoffStatements) SelectBlacklisted(ctx context.Context, txn *sql.Tx) ([]string, error) {
	stmt := sqlutil.TxStmt(txn, s.selectBlacklistedStmt)
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(ctx, rows, "SelectBlacklisted: rows.close() failed")
	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *backoffStatements) SetBlacklisted(ctx context.Context, txn *sql.Tx, destination string, blacklisted bool) error {
	stmt := sqlutil.TxStmt(txn, s.setBlacklistedStmt)
	_, err := stmt.ExecContext(ctx, destination, blacklisted)
	return err
}
