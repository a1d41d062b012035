package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/chainwatch/pkg/events"
	"github.com/Mindburn-Labs/chainwatch/pkg/store"
	"github.com/Mindburn-Labs/chainwatch/pkg/store/storetest"
)

func TestSQLite(t *testing.T) {
	storetest.Run(t, func(t *testing.T, capacity int) store.Store {
		s, err := OpenSQLite(context.Background(), ":memory:", capacity)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("CHAINWATCH_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CHAINWATCH_TEST_POSTGRES_DSN not set")
	}
	storetest.Run(t, func(t *testing.T, capacity int) store.Store {
		ctx := context.Background()
		s, err := OpenPostgres(ctx, dsn, capacity)
		require.NoError(t, err)
		for _, table := range []string{"unlock_events", "unlock_seen_tx", "anomaly_events"} {
			_, err := s.db.ExecContext(ctx, "TRUNCATE "+table)
			require.NoError(t, err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE x = ? AND y IN (?, ?) LIMIT ?"
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y IN ($2, $3) LIMIT $4", Postgres.rebind(q))
	assert.Equal(t, q, SQLite.rebind(q))
}

func TestConfirmUnlock_DuplicateHashRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := New(db, Postgres, 10)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM unlock_events WHERE id IN \(\$1\) ORDER BY scheduled_at, id LIMIT \$2 FOR UPDATE`).
		WithArgs("e1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "token", "kind", "status", "scheduled_at", "amount", "usd_value", "tx_hash", "confirmed_at", "archived_at"}).
			AddRow("e1", "SEI", "cliff", "PENDING", now.UnixNano(), "100", "50", "", 0, 0))
	mock.ExpectExec("INSERT INTO unlock_seen_tx").
		WithArgs("0xabc", now.UnixNano()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err = s.ConfirmUnlock(context.Background(), "e1", events.DedupRecord{TxHash: "0xabc", SeenAt: now})
	require.ErrorIs(t, err, events.ErrDuplicateConfirmation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmUnlock_Commits(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := New(db, Postgres, 10)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM unlock_events`).
		WithArgs("e1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "token", "kind", "status", "scheduled_at", "amount", "usd_value", "tx_hash", "confirmed_at", "archived_at"}).
			AddRow("e1", "SEI", "cliff", "PENDING", now.UnixNano(), "100", "50", "", 0, 0))
	mock.ExpectExec("INSERT INTO unlock_seen_tx").
		WithArgs("0xabc", now.UnixNano()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE unlock_events SET status").
		WithArgs("CONFIRMED", "0xabc", now.UnixNano(), "e1", "PENDING").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	e, err := s.ConfirmUnlock(context.Background(), "e1", events.DedupRecord{TxHash: "0xabc", SeenAt: now})
	require.NoError(t, err)
	assert.Equal(t, events.StatusConfirmed, e.Status)
	assert.Equal(t, "0xabc", e.TxHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendAnomaly_EvictsInSameTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := New(db, Postgres, 50)
	a := storetest.Anomaly("a1", time.Now(), events.SeverityHigh, events.CategoryFlashLoan)

	mock.ExpectBegin()
	mock.ExpectExec(`LOCK TABLE anomaly_events IN SHARE ROW EXCLUSIVE MODE`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO anomaly_events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`DELETE FROM anomaly_events WHERE seq NOT IN`).
		WithArgs(50).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM anomaly_events WHERE id = \$1`).
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectCommit()

	evicted, err := s.AppendAnomaly(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendAnomaly_StaleEventRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := New(db, Postgres, 50)
	a := storetest.Anomaly("old", time.Now().Add(-time.Hour), events.SeverityLow, events.CategoryWhaleTransfer)

	mock.ExpectBegin()
	mock.ExpectExec(`LOCK TABLE anomaly_events`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO anomaly_events").WillReturnResult(sqlmock.NewResult(51, 1))
	mock.ExpectExec(`DELETE FROM anomaly_events WHERE seq NOT IN`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM anomaly_events WHERE id = \$1`).
		WithArgs("old").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectRollback()

	evicted, err := s.AppendAnomaly(context.Background(), a)
	require.ErrorIs(t, err, events.ErrStaleAnomaly)
	assert.Zero(t, evicted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendAnomaly_SQLiteSkipsTableLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := New(db, SQLite, 50)
	a := storetest.Anomaly("a1", time.Now(), events.SeverityHigh, events.CategoryFlashLoan)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO anomaly_events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`DELETE FROM anomaly_events WHERE seq NOT IN`).
		WithArgs(50).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	evicted, err := s.AppendAnomaly(context.Background(), a)
	require.NoError(t, err)
	assert.Zero(t, evicted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDriverErrorsAreUnavailable(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := New(db, Postgres, 10)
	mock.ExpectQuery("SELECT .* FROM unlock_events").WillReturnError(sql.ErrConnDone)
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	_, err = s.ListUnlocks(context.Background(), store.UnlockQuery{})
	require.ErrorIs(t, err, events.ErrStoreUnavailable)
	require.ErrorIs(t, err, sql.ErrConnDone)

	require.ErrorIs(t, s.Ping(context.Background()), events.ErrStoreUnavailable)
}
