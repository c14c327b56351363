// Package storage is the C3 Event Store facade: it opens a postgres or
// sqlite3 *sql.DB depending on the connection string scheme, prepares
// every table package's statements against it, and exposes the result as
// one Database interface so the ingestion pipeline, timeline, and state
// compressor never need to know which dialect is in play, mirroring the
// teacher's roomserver/storage/storage.go split.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nexuscore/homeserver/roomserver/storage/postgres"
	"github.com/nexuscore/homeserver/roomserver/storage/sqlite3"
	"github.com/nexuscore/homeserver/roomserver/storage/tables"
)

// Database is the full set of table accessors the roomserver needs,
// composed from the per-concern interfaces in the tables package. Callers
// that only need one slice of it (e.g. the state compressor only needs
// Frames, FieldIDs and Rooms) should depend on that narrower interface instead
// where practical; Database exists for wiring at construction time.
type Database interface {
	tables.Events
	tables.EventJSON
	tables.EventEdges
	tables.EventPoints
	tables.ForwardExtremities
	tables.BackwardExtremities
	tables.AuthChains
	tables.Rooms
	tables.FieldIDs
	tables.Frames
	tables.Membership
	tables.Relations
	tables.Directory

	DB() *sql.DB
	WithTransaction(ctx context.Context, fn func(txn *sql.Tx) error) error
}

type database struct {
	tables.Events
	tables.EventJSON
	tables.EventEdges
	tables.EventPoints
	tables.ForwardExtremities
	tables.BackwardExtremities
	tables.AuthChains
	tables.Rooms
	tables.FieldIDs
	tables.Frames
	tables.Membership
	tables.Relations
	tables.Directory

	db *sql.DB
}

func (d *database) DB() *sql.DB { return d.db }

func (d *database) WithTransaction(ctx context.Context, fn func(txn *sql.Tx) error) error {
	txn, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin transaction: %w", err)
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

// Open opens a Database for the given connection string. Postgres DSNs
// start with "postgres://" or "postgresql://"; anything else (typically
// "file:..." or a bare path) is treated as sqlite3, the same dispatch the
// teacher's setup/config connection-string handling performs.
func Open(dataSourceName string) (Database, error) {
	if isPostgres(dataSourceName) {
		return openPostgres(dataSourceName)
	}
	return openSQLite(dataSourceName)
}

func isPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func openPostgres(dsn string) (Database, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open postgres: %w", err)
	}
	for _, create := range []func(*sql.DB) error{
		postgres.CreateEventsTable,
		postgres.CreateEventJSONTable,
		postgres.CreateRelationsTables,
		postgres.CreateRoomsTable,
		postgres.CreateFieldIDsTable,
		postgres.CreateFramesTable,
		postgres.CreateMembershipTable,
		postgres.CreateEventRelationsTables,
		postgres.CreateDirectoryTable,
	} {
		if err := create(db); err != nil {
			return nil, fmt.Errorf("storage: create schema: %w", err)
		}
	}

	d := &database{db: db}
	var err2 error
	if d.Events, err2 = postgres.PrepareEventsTable(db); err2 != nil {
		return nil, err2
	}
	if d.EventJSON, err2 = postgres.PrepareEventJSONTable(db); err2 != nil {
		return nil, err2
	}
	if d.EventEdges, err2 = postgres.PrepareEventEdgesTable(db); err2 != nil {
		return nil, err2
	}
	if d.EventPoints, err2 = postgres.PrepareEventPointsTable(db); err2 != nil {
		return nil, err2
	}
	if d.ForwardExtremities, err2 = postgres.PrepareForwardExtremitiesTable(db); err2 != nil {
		return nil, err2
	}
	if d.BackwardExtremities, err2 = postgres.PrepareBackwardExtremitiesTable(db); err2 != nil {
		return nil, err2
	}
	if d.AuthChains, err2 = postgres.PrepareAuthChainsTable(db); err2 != nil {
		return nil, err2
	}
	if d.Rooms, err2 = postgres.PrepareRoomsTable(db); err2 != nil {
		return nil, err2
	}
	if d.FieldIDs, err2 = postgres.PrepareFieldIDsTable(db); err2 != nil {
		return nil, err2
	}
	if d.Frames, err2 = postgres.PrepareFramesTable(db); err2 != nil {
		return nil, err2
	}
	if d.Membership, err2 = postgres.PrepareMembershipTable(db); err2 != nil {
		return nil, err2
	}
	if d.Relations, err2 = postgres.PrepareRelationsTable(db); err2 != nil {
		return nil, err2
	}
	if d.Directory, err2 = postgres.PrepareDirectoryTable(db); err2 != nil {
		return nil, err2
	}
	return d, nil
}

func openSQLite(dsn string) (Database, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite3: %w", err)
	}
	// The roomserver serializes writes per room already (§5's per-room
	// write lock); capping the pool avoids SQLITE_BUSY from overlapping
	// writers racing on the single on-disk file.
	db.SetMaxOpenConns(1)

	for _, create := range []func(*sql.DB) error{
		sqlite3.CreateEventsTable,
		sqlite3.CreateEventJSONTable,
		sqlite3.CreateRelationsTables,
		sqlite3.CreateRoomsTable,
		sqlite3.CreateFieldIDsTable,
		sqlite3.CreateFramesTable,
		sqlite3.CreateMembershipTable,
		sqlite3.CreateEventRelationsTables,
		sqlite3.CreateDirectoryTable,
	} {
		if err := create(db); err != nil {
			return nil, fmt.Errorf("storage: create schema: %w", err)
		}
	}

	d := &database{db: db}
	var err2 error
	if d.Events, err2 = sqlite3.PrepareEventsTable(db); err2 != nil {
		return nil, err2
	}
	if d.EventJSON, err2 = sqlite3.PrepareEventJSONTable(db); err2 != nil {
		return nil, err2
	}
	if d.EventEdges, err2 = sqlite3.PrepareEventEdgesTable(db); err2 != nil {
		return nil, err2
	}
	if d.EventPoints, err2 = sqlite3.PrepareEventPointsTable(db); err2 != nil {
		return nil, err2
	}
	if d.ForwardExtremities, err2 = sqlite3.PrepareForwardExtremitiesTable(db); err2 != nil {
		return nil, err2
	}
	if d.BackwardExtremities, err2 = sqlite3.PrepareBackwardExtremitiesTable(db); err2 != nil {
		return nil, err2
	}
	if d.AuthChains, err2 = sqlite3.PrepareAuthChainsTable(db); err2 != nil {
		return nil, err2
	}
	if d.Rooms, err2 = sqlite3.PrepareRoomsTable(db); err2 != nil {
		return nil, err2
	}
	if d.FieldIDs, err2 = sqlite3.PrepareFieldIDsTable(db); err2 != nil {
		return nil, err2
	}
	if d.Frames, err2 = sqlite3.PrepareFramesTable(db); err2 != nil {
		return nil, err2
	}
	if d.Membership, err2 = sqlite3.PrepareMembershipTable(db); err2 != nil {
		return nil, err2
	}
	if d.Relations, err2 = sqlite3.PrepareRelationsTable(db); err2 != nil {
		return nil, err2
	}
	if d.Directory, err2 = sqlite3.PrepareDirectoryTable(db); err2 != nil {
		return nil, err2
	}
	return d, nil
}
