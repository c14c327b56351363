// Package storage is the sync API's own storage facade (the ephemeral
// and lazy-load bookkeeping C10 needs beyond what the roomserver's event
// store already tracks): the same postgres/sqlite3-dispatching Database
// pattern roomserver/storage and federationapi/storage use.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nexuscore/homeserver/syncapi/storage/postgres"
	"github.com/nexuscore/homeserver/syncapi/storage/sqlite3"
	"github.com/nexuscore/homeserver/syncapi/storage/tables"
)

// Database is the full set of table accessors the sync builder needs.
type Database interface {
	tables.NotificationCounts
	tables.LazyLoad
	tables.Receipts
	tables.AccountData
	tables.DeviceListChanges
	tables.ToDevice

	DB() *sql.DB
	WithTransaction(ctx context.Context, fn func(txn *sql.Tx) error) error
}

type database struct {
	tables.NotificationCounts
	tables.LazyLoad
	tables.Receipts
	tables.AccountData
	tables.DeviceListChanges
	tables.ToDevice

	db *sql.DB
}

func (d *database) DB() *sql.DB { return d.db }

func (d *database) WithTransaction(ctx context.Context, fn func(txn *sql.Tx) error) error {
	txn, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("syncapi/storage: begin transaction: %w", err)
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
		return nil, fmt.Errorf("syncapi/storage: open postgres: %w", err)
	}
	for _, create := range []func(*sql.DB) error{
		postgres.CreateNotificationCountsTable,
		postgres.CreateLazyLoadTable,
		postgres.CreateReceiptsTable,
		postgres.CreateAccountDataTable,
		postgres.CreateDeviceListChangesTable,
		postgres.CreateToDeviceTable,
	} {
		if err := create(db); err != nil {
			return nil, fmt.Errorf("syncapi/storage: create schema: %w", err)
		}
	}

	d := &database{db: db}
	var err2 error
	if d.NotificationCounts, err2 = postgres.PrepareNotificationCountsTable(db); err2 != nil {
		return nil, err2
	}
	if d.LazyLoad, err2 = postgres.PrepareLazyLoadTable(db); err2 != nil {
		return nil, err2
	}
	if d.Receipts, err2 = postgres.PrepareReceiptsTable(db); err2 != nil {
		return nil, err2
	}
	if d.AccountData, err2 = postgres.PrepareAccountDataTable(db); err2 != nil {
		return nil, err2
	}
	if d.DeviceListChanges, err2 = postgres.PrepareDeviceListChangesTable(db); err2 != nil {
		return nil, err2
	}
	if d.ToDevice, err2 = postgres.PrepareToDeviceTable(db); err2 != nil {
		return nil, err2
	}
	return d, nil
}

func openSQLite(dsn string) (Database, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("syncapi/storage: open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, create := range []func(*sql.DB) error{
		sqlite3.CreateNotificationCountsTable,
		sqlite3.CreateLazyLoadTable,
		sqlite3.CreateReceiptsTable,
		sqlite3.CreateAccountDataTable,
		sqlite3.CreateDeviceListChangesTable,
		sqlite3.CreateToDeviceTable,
	} {
		if err := create(db); err != nil {
			return nil, fmt.Errorf("syncapi/storage: create schema: %w", err)
		}
	}

	d := &database{db: db}
	var err2 error
	if d.NotificationCounts, err2 = sqlite3.PrepareNotificationCountsTable(db); err2 != nil {
		return nil, err2
	}
	if d.LazyLoad, err2 = sqlite3.PrepareLazyLoadTable(db); err2 != nil {
		return nil, err2
	}
	if d.Receipts, err2 = sqlite3.PrepareReceiptsTable(db); err2 != nil {
		return nil, err2
	}
	if d.AccountData, err2 = sqlite3.PrepareAccountDataTable(db); err2 != nil {
		return nil, err2
	}
	if d.DeviceListChanges, err2 = sqlite3.PrepareDeviceListChangesTable(db); err2 != nil {
		return nil, err2
	}
	if d.ToDevice, err2 = sqlite3.PrepareToDeviceTable(db); err2 != nil {
		return nil, err2
	}
	return d, nil
}
