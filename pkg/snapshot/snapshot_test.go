package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/types"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewFromDB(db), mock
}

// TestBeginCyclePrimary tests the serializable deferrable watermark read
func TestBeginCyclePrimary(t *testing.T) {
	d, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("SET TRANSACTION ISOLATION LEVEL SERIALIZABLE, READ ONLY, DEFERRABLE").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT txid_snapshot_xmin").
		WillReturnRows(sqlmock.NewRows([]string{"txid_snapshot_xmin"}).AddRow(int64(512)))
	mock.ExpectRollback()

	coord, err := d.BeginCycle(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, int64(512), coord.Xmin())

	coord.Close()
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestBeginCycleRecovery tests the read-committed standby fallback
func TestBeginCycleRecovery(t *testing.T) {
	d, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("SET TRANSACTION ISOLATION LEVEL READ COMMITTED, READ ONLY").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT txid_snapshot_xmin").
		WillReturnRows(sqlmock.NewRows([]string{"txid_snapshot_xmin"}).AddRow(int64(99)))
	mock.ExpectRollback()

	coord, err := d.BeginCycle(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, int64(99), coord.Xmin())

	// Snapshot export is unavailable on a standby
	_, err = coord.ExportSnapshot(context.Background())
	assert.Error(t, err)

	coord.Close()
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestExportSnapshotOnce tests that the token is minted a single time
func TestExportSnapshotOnce(t *testing.T) {
	d, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("SET TRANSACTION ISOLATION LEVEL SERIALIZABLE").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT txid_snapshot_xmin").
		WillReturnRows(sqlmock.NewRows([]string{"txid_snapshot_xmin"}).AddRow(int64(512)))
	mock.ExpectQuery("SELECT pg_export_snapshot").
		WillReturnRows(sqlmock.NewRows([]string{"pg_export_snapshot"}).AddRow("00000003-0000001B-1"))
	mock.ExpectRollback()

	coord, err := d.BeginCycle(context.Background(), false)
	require.NoError(t, err)

	token, err := coord.ExportSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "00000003-0000001B-1", token)

	// Second call returns the cached token without a second query
	again, err := coord.ExportSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, token, again)

	coord.Close()
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestBindWaitsForXmin tests the replica lag wait loop
func TestBindWaitsForXmin(t *testing.T) {
	d, mock := newMockDB(t)

	// First attempt: connection lags behind the requested xmin
	mock.ExpectBegin()
	mock.ExpectExec("SET TRANSACTION ISOLATION LEVEL REPEATABLE READ, READ ONLY").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SET TRANSACTION SNAPSHOT '00000003-0000001B-1'").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT txid_snapshot_xmin").
		WillReturnRows(sqlmock.NewRows([]string{"txid_snapshot_xmin"}).AddRow(int64(500)))
	mock.ExpectRollback()

	// Second attempt: caught up
	mock.ExpectBegin()
	mock.ExpectExec("SET TRANSACTION ISOLATION LEVEL REPEATABLE READ, READ ONLY").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SET TRANSACTION SNAPSHOT '00000003-0000001B-1'").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT txid_snapshot_xmin").
		WillReturnRows(sqlmock.NewRows([]string{"txid_snapshot_xmin"}).AddRow(int64(512)))
	mock.ExpectRollback()

	binding, err := d.Bind(context.Background(), "00000003-0000001B-1", 512, 5*time.Second)
	require.NoError(t, err)

	binding.Release()
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestBindTimeout tests that a permanently lagging replica aborts the bind
func TestBindTimeout(t *testing.T) {
	d, mock := newMockDB(t)
	mock.MatchExpectationsInOrder(false)

	for i := 0; i < 50; i++ {
		mock.ExpectBegin()
		mock.ExpectExec("SET TRANSACTION ISOLATION LEVEL REPEATABLE READ, READ ONLY").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT txid_snapshot_xmin").
			WillReturnRows(sqlmock.NewRows([]string{"txid_snapshot_xmin"}).AddRow(int64(10)))
		mock.ExpectRollback()
	}

	_, err := d.Bind(context.Background(), "", 512, 150*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out waiting for xmin")
}

// TestBindReleaseIdempotent tests double release
func TestBindReleaseIdempotent(t *testing.T) {
	d, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("SET TRANSACTION ISOLATION LEVEL REPEATABLE READ, READ ONLY").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT txid_snapshot_xmin").
		WillReturnRows(sqlmock.NewRows([]string{"txid_snapshot_xmin"}).AddRow(int64(512)))
	mock.ExpectRollback()

	binding, err := d.Bind(context.Background(), "", 512, time.Second)
	require.NoError(t, err)

	binding.Release()
	binding.Release()
}

// TestScanTransactions tests transaction log parsing
func TestScanTransactions(t *testing.T) {
	d, mock := newMockDB(t)

	rows := sqlmock.NewRows([]string{"xid", "timestamp", "data"}).
		AddRow(int64(5), time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
			[]byte(`{"updated": ["uid-a"], "renamed": []}`)).
		AddRow(int64(6), time.Date(2024, 3, 1, 10, 0, 5, 0, time.UTC),
			[]byte(`{"updated": ["uid-b"], "renamed": ["uid-c"]}`))
	mock.ExpectQuery("SELECT xid, \"timestamp\", data FROM transactions WHERE xid >=").
		WithArgs(int64(5)).
		WillReturnRows(rows)

	records, err := d.ScanTransactions(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, int64(5), records[0].XID)
	assert.Equal(t, []types.UID{"uid-a"}, records[0].Updated)
	assert.Empty(t, records[0].Renamed)
	assert.Equal(t, []types.UID{"uid-c"}, records[1].Renamed)
}

// TestAllUIDs tests the identifier scan with and without a types filter
func TestAllUIDs(t *testing.T) {
	t.Run("all types", func(t *testing.T) {
		d, mock := newMockDB(t)
		mock.ExpectQuery("SELECT rid FROM resources ORDER BY rid").
			WillReturnRows(sqlmock.NewRows([]string{"rid"}).AddRow("uid-a").AddRow("uid-b"))

		uids, err := d.AllUIDs(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, []types.UID{"uid-a", "uid-b"}, uids)
	})

	t.Run("filtered", func(t *testing.T) {
		d, mock := newMockDB(t)
		mock.ExpectQuery("SELECT rid FROM resources WHERE item_type IN").
			WithArgs("snowball", "snowflake").
			WillReturnRows(sqlmock.NewRows([]string{"rid"}).AddRow("uid-a"))

		uids, err := d.AllUIDs(context.Background(), []string{"snowball", "snowflake"})
		require.NoError(t, err)
		assert.Equal(t, []types.UID{"uid-a"}, uids)
	})
}
