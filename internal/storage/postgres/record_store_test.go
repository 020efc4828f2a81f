package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/bjpl/open-learn-co-sub001/internal/collection"
)

func TestSaveBatch_CountsStoredAndDuplicate(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	records := []collection.PersistedRecord{
		{ID: "r1", SourceKey: "el_tiempo", ContentHash: "aaa", CreatedAt: now},
		{ID: "r2", SourceKey: "el_tiempo", ContentHash: "bbb", CreatedAt: now},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO records").
		WithArgs("r1", "el_tiempo", "aaa", "", "", 0.0,
			pgxmock.AnyArg(), 0.0, "", pgxmock.AnyArg(), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	// Second row conflicts on (source_key, content_hash).
	mock.ExpectExec("INSERT INTO records").
		WithArgs("r2", "el_tiempo", "bbb", "", "", 0.0,
			pgxmock.AnyArg(), 0.0, "", pgxmock.AnyArg(), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()
	mock.ExpectRollback()

	stored, duplicate, err := store.SaveBatch(context.Background(), records, nil)
	require.NoError(t, err)
	require.Equal(t, 1, stored)
	require.Equal(t, 1, duplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveBatch_InsertFailureRollsBackWholeBatch(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	records := []collection.PersistedRecord{
		{ID: "r1", SourceKey: "s", ContentHash: "aaa", CreatedAt: now},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO records").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, _, err = store.SaveBatch(context.Background(), records, nil)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveBatch_WritesAlertsInSameTransaction(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	alerts := []collection.Alert{
		{ID: "a1", SourceKey: "dane_ipc", Kind: "inflation", Threshold: 1.0, ObservedValue: 1.5, CreatedAt: now},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO alerts").
		WithArgs("a1", "dane_ipc", "inflation", 1.0, 1.5, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	stored, duplicate, err := store.SaveBatch(context.Background(), nil, alerts)
	require.NoError(t, err)
	require.Zero(t, stored)
	require.Zero(t, duplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExistingHashes_ReturnsOnlyStoredHashes(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStore(mock)
	require.NoError(t, err)

	rows := pgxmock.NewRows([]string{"content_hash"}).AddRow("aaa")
	mock.ExpectQuery("SELECT content_hash FROM records").
		WithArgs("el_tiempo", []string{"aaa", "bbb"}).
		WillReturnRows(rows)

	existing, err := store.ExistingHashes(context.Background(), "el_tiempo", []string{"aaa", "bbb"})
	require.NoError(t, err)
	require.Contains(t, existing, "aaa")
	require.NotContains(t, existing, "bbb")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExistingHashes_SkipsQueryForEmptyInput(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStore(mock)
	require.NoError(t, err)

	existing, err := store.ExistingHashes(context.Background(), "el_tiempo", nil)
	require.NoError(t, err)
	require.Empty(t, existing)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListAlerts_FiltersBySourceAndKind(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows([]string{"id", "source_key", "kind", "threshold", "observed_value", "created_at"}).
		AddRow("a1", "dane_ipc", "inflation", 1.0, 1.5, now)

	mock.ExpectQuery("SELECT (.+) FROM alerts").
		WithArgs("dane_ipc", "inflation").
		WillReturnRows(rows)

	alerts, err := store.ListAlerts(context.Background(), collection.AlertFilter{
		SourceKey: "dane_ipc",
		Kind:      "inflation",
	})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, 1.5, alerts[0].ObservedValue)
	require.NoError(t, mock.ExpectationsWereMet())
}
