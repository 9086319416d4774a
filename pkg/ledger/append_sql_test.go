package ledger_test

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/originhq/origin/pkg/ledger"
	"github.com/originhq/origin/pkg/store"
)

// The sqlite-backed tests cannot observe the Postgres locking behavior, so
// these pin the exact statement order Append issues against Postgres: the
// sequence row is locked FOR UPDATE before the head hash is read, and the
// sequence advances only after the event row is in.

func mockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func TestAppendLocksSequenceBeforeReadingHead(t *testing.T) {
	db, mock := mockDB(t)
	ls := ledger.New(db, store.DialectPostgres)

	prevHash := strings.Repeat("ab", 32)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT last_sequence FROM tenant_sequences WHERE tenant_id = \$1 FOR UPDATE`).
		WithArgs("ten_a").
		WillReturnRows(sqlmock.NewRows([]string{"last_sequence"}).AddRow(int64(2)))
	mock.ExpectQuery(`SELECT event_hash FROM ledger_events WHERE tenant_id = \$1 AND tenant_sequence = \$2`).
		WithArgs("ten_a", int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"event_hash"}).AddRow(prevHash))
	mock.ExpectExec(`INSERT INTO ledger_events`).
		WithArgs(sqlmock.AnyArg(), "ten_a", int64(3), "ingest.decision", "corr-9",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), prevHash).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE tenant_sequences SET last_sequence = \$1 WHERE tenant_id = \$2`).
		WithArgs(int64(3), "ten_a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	event, err := ls.AppendOne(context.Background(), ledger.AppendRequest{
		TenantID:      "ten_a",
		EventType:     "ingest.decision",
		CorrelationID: "corr-9",
		Payload:       map[string]any{"decision": "ALLOW"},
		Timestamp:     time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), event.TenantSequence)
	require.Equal(t, prevHash, event.PrevHash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendSeedsMissingSequenceRowInsideTheLock(t *testing.T) {
	db, mock := mockDB(t)
	ls := ledger.New(db, store.DialectPostgres)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT last_sequence FROM tenant_sequences WHERE tenant_id = \$1 FOR UPDATE`).
		WithArgs("ten_new").
		WillReturnRows(sqlmock.NewRows([]string{"last_sequence"}))
	mock.ExpectExec(`INSERT INTO tenant_sequences \(tenant_id, last_sequence\) VALUES \(\$1, 0\)`).
		WithArgs("ten_new").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT last_sequence FROM tenant_sequences WHERE tenant_id = \$1 FOR UPDATE`).
		WithArgs("ten_new").
		WillReturnRows(sqlmock.NewRows([]string{"last_sequence"}).AddRow(int64(0)))
	// First event: no head-hash read, prev is the zero sentinel.
	mock.ExpectExec(`INSERT INTO ledger_events`).
		WithArgs(sqlmock.AnyArg(), "ten_new", int64(1), "tenant.created", "corr-0",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), ledger.ZeroHash).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE tenant_sequences SET last_sequence = \$1 WHERE tenant_id = \$2`).
		WithArgs(int64(1), "ten_new").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	event, err := ls.AppendOne(context.Background(), ledger.AppendRequest{
		TenantID:      "ten_new",
		EventType:     "tenant.created",
		CorrelationID: "corr-0",
		Payload:       map[string]any{},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), event.TenantSequence)
	require.Equal(t, ledger.ZeroHash, event.PrevHash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendRollsBackWhenHeadReadFails(t *testing.T) {
	db, mock := mockDB(t)
	ls := ledger.New(db, store.DialectPostgres)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT last_sequence FROM tenant_sequences WHERE tenant_id = \$1 FOR UPDATE`).
		WithArgs("ten_a").
		WillReturnRows(sqlmock.NewRows([]string{"last_sequence"}).AddRow(int64(4)))
	mock.ExpectQuery(`SELECT event_hash FROM ledger_events`).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	_, err := ls.AppendOne(context.Background(), ledger.AppendRequest{
		TenantID:      "ten_a",
		EventType:     "ingest.decision",
		CorrelationID: "corr-1",
		Payload:       map[string]any{},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to load head hash")
	require.NoError(t, mock.ExpectationsWereMet())
}
