package sqlite3_test

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/nexuscore/homeserver/federationapi/storage/sqlite3"
)

// expectBackoffTablePrepare sets up the five ExpectPrepare calls
// PrepareBackoffTable issues, in the fixed order sqlutil.StatementList.Prepare
// walks them, so a query-level test can exercise the table's SQL against a
// mocked driver rather than a live database.
func expectBackoffTablePrepare(mock sqlmock.Sqlmock) {
	mock.ExpectPrepare(regexp.QuoteMeta("SELECT retry_at, failures FROM federationsender_backoff WHERE destination = $1"))
	mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO federationsender_backoff (destination, retry_at, failures) VALUES ($1, $2, $3) ON CONFLICT (destination) DO UPDATE SET retry_at = $2, failures = $3"))
	mock.ExpectPrepare(regexp.QuoteMeta("DELETE FROM federationsender_backoff WHERE destination = $1"))
	mock.ExpectPrepare(regexp.QuoteMeta("SELECT destination FROM federationsender_backoff WHERE blacklisted = 1"))
	mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO federationsender_backoff (destination, retry_at, failures, blacklisted) VALUES ($1, CURRENT_TIMESTAMP, 0, $2) ON CONFLICT (destination) DO UPDATE SET blacklisted = $2"))
}

func TestSelectBackoffReturnsNotFoundOnNoRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectBackoffTablePrepare(mock)
	table, err := sqlite3.PrepareBackoffTable(db)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT retry_at, failures FROM federationsender_backoff WHERE destination = $1")).
		WithArgs("dest.test").
		WillReturnError(sql.ErrNoRows)

	_, _, ok, err := table.SelectBackoff(context.Background(), nil, "dest.test")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSelectBackoffReturnsStoredFailureCount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectBackoffTablePrepare(mock)
	table, err := sqlite3.PrepareBackoffTable(db)
	require.NoError(t, err)

	retryAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"retry_at", "failures"}).AddRow(retryAt, 3)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT retry_at, failures FROM federationsender_backoff WHERE destination = $1")).
		WithArgs("dest.test").
		WillReturnRows(rows)

	got, failures, ok, err := table.SelectBackoff(context.Background(), nil, "dest.test")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, failures)
	require.True(t, got.Equal(retryAt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBackoffExecutesWithExpectedArgs(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectBackoffTablePrepare(mock)
	table, err := sqlite3.PrepareBackoffTable(db)
	require.NoError(t, err)

	retryAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO federationsender_backoff (destination, retry_at, failures) VALUES ($1, $2, $3) ON CONFLICT (destination) DO UPDATE SET retry_at = $2, failures = $3")).
		WithArgs("dest.test", retryAt, 2).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, table.UpsertBackoff(context.Background(), nil, "dest.test", retryAt, 2))
	require.NoError(t, mock.ExpectationsWereMet())
}
