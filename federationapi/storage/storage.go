// Package storage is the federation sender's (C9) durable outbound-queue
// store: the same postgres/sqlite3-dispatching Database facade pattern
// roomserver/storage uses, scaled down to the two tables the sender
// needs (the queue rows themselves, and per-destination backoff state).
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nexuscore/homeserver/federationapi/storage/postgres"
	"github.com/nexuscore/homeserver/federationapi/storage/sqlite3"
	"github.com/nexuscore/homeserver/federationapi/storage/tables"
)

// Database is the full set of table accessors the federation sender
// needs.
type Database interface {
	tables.QueueJSON
	tables.Queue
	tables.Backoff

	DB() *sql.DB
	WithTransaction(ctx context.Context, fn func(txn *sql.Tx) error) error
}

type database struct {
	tables.QueueJSON
	tables.Queue
	tables.Backoff

	db *sql.DB
}

func (d *database) DB() *sql.DB { return d.db }

func (d *database) WithTransaction(ctx context.Context, fn func(txn *sql.Tx) error) error {
	txn, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("federationapi/storage: begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = txn.Rollback()
			panic(p)
		}
	}()
	if err := fn(txn); err != nil {
		_ = txn.Rollback()
		return err
	}
	return txn.Commit()
}

// Open opens a Database for the given connection string, dispatching on
// scheme exactly as roomserver/storage.Open does.
func Open(dataSourceName string) (Database, error) {
	if strings.HasPrefix(dataSourceName, "postgres://") || strings.HasPrefix(dataSourceName, "postgresql://") {
		return openPostgres(dataSourceName)
	}
	return openSQLite(dataSourceName)
}

func openPostgres(dsn string) (Database, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("federationapi/storage: open postgres: %w", err)
	}
	for _, create := range []func(*sql.DB) error{
		postgres.CreateQueueJSONTable,
		postgres.CreateQueueTable,
		postgres.CreateBackoffTable,
	} {
		if err := create(db); err != nil {
			return nil, fmt.Errorf("federationapi/storage: create schema: %w", err)
		}
	}
	d := &database{db: db}
	var err2 error
	if d.QueueJSON, err2 = postgres.PrepareQueueJSONTable(db); err2 != nil {
		return nil, err2
	}
	if d.Queue, err2 = postgres.PrepareQueueTable(db); err2 != nil {
		return nil, err2
	}
	if d.Backoff, err2 = postgres.PrepareBackoffTable(db); err2 != nil {
		return nil, err2
	}
	return d, nil
}

func openSQLite(dsn string) (Database, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("federationapi/storage: open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, create := range []func(*sql.DB) error{
		sqlite3.CreateQueueJSONTable,
		sqlite3.CreateQueueTable,
		sqlite3.CreateBackoffTable,
	} {
		if err := create(db); err != nil {
			return nil, fmt.Errorf("federationapi/storage: create schema: %w", err)
		}
	}
	d := &database{db: db}
	var err2 error
	if d.QueueJSON, err2 = sqlite3.PrepareQueueJSONTable(db); err2 != nil {
		return nil, err2
	}
	if d.Queue, err2 = sqlite3.PrepareQueueTable(db); err2 != nil {
		return nil, err2
	}
	if d.Backoff, err2 = sqlite3.PrepareBackoffTable(db); err2 != nil {
		return nil, err2
	}
	return d, nil
}
