// Package sqlutil provides the small amount of database/sql plumbing
// shared by every storage package: preparing a batch of named statements
// in one call, picking a transaction-bound statement when one is active,
// and a minimal schema migrator. No ORM; every table package writes its
// own SQL, the same way the storage layer throughout this codebase does.
package sqlutil

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nexuscore/homeserver/internal/logging"
)

// NamedStatement pairs a **sql.Stmt destination with the SQL that fills
// it, so a table's statement struct can be declared and prepared in one
// place instead of one Prepare call per field.
type NamedStatement struct {
	Dest **sql.Stmt
	SQL  string
}

// StatementList is a batch of NamedStatements, typically built as a
// struct literal immediately before calling Prepare.
type StatementList []NamedStatement

// Prepare prepares every statement in the list against db and returns the
// first error, so callers can write `return s, sqlutil.StatementList{...}.Prepare(db)`.
func (l StatementList) Prepare(db *sql.DB) error {
	for _, s := range l {
		stmt, err := db.Prepare(s.SQL)
		if err != nil {
			return fmt.Errorf("sqlutil: prepare %q: %w", s.SQL, err)
		}
		*s.Dest = stmt
	}
	return nil
}

// TxStmt returns stmt bound to txn if txn is non-nil, or stmt itself
// otherwise, letting every table method accept an optional transaction
// without branching on nil at every call site.
func TxStmt(txn *sql.Tx, stmt *sql.Stmt) *sql.Stmt {
	if txn == nil {
		return stmt
	}
	return txn.Stmt(stmt)
}

// WithTransaction runs fn inside a transaction, committing on success and
// rolling back on failure or panic; an error from the rollback itself is
// discarded.
func WithTransaction(db *sql.DB, fn func(txn *sql.Tx) error) (err error) {
	txn, err := db.Begin()
	if err != nil {
		return fmt.Errorf("sqlutil: begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = txn.Rollback()
			panic(p)
		}
		if err != nil {
			_ = txn.Rollback()
			return
		}
		err = txn.Commit()
	}()
	return fn(txn)
}

// rowCloser is satisfied by *sql.Rows; narrowed to an interface so
// CloseAndLogIfError doesn't need to import the concrete type twice.
type rowCloser interface {
	Close() error
}

// CloseAndLogIfError closes c (typically *sql.Rows from a defer
// immediately after a successful Query call) and logs, rather than
// returns, any error — the row scan loop has already returned its own
// error by the time Close runs, so there is nothing left to propagate it
// to.
func CloseAndLogIfError(ctx context.Context, c rowCloser, message string) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		logging.Logger(ctx).WithError(err).Error(message)
	}
}
