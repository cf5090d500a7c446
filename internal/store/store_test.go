package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Options{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "central.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRunsMigrations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"sync_status", "sync_failures", "selected_folder", "legacy_articles",
		"legacy_stock_movements", "legacy_tickets", "legacy_ticket_lines"} {
		n, err := s.CountRows(ctx, table)
		require.NoError(t, err, table)
		assert.Zero(t, n)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "oracle"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestUpsertSyncStatusIncrementsCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.GetSyncStatus(ctx, "/data/Caiss.mdb")
	assert.True(t, errors.Is(err, ErrNotFound))

	first := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	st := SyncStatus{FilePath: "/data/Caiss.mdb", LastModified: 1000, FileSize: 500, FileHash: "h1", FolderName: "PHARMA", LastSync: first}
	require.NoError(t, s.WithTx(ctx, func(tx *sqlx.Tx) error { return UpsertSyncStatus(ctx, tx, st) }))

	got, err := s.GetSyncStatus(ctx, "/data/Caiss.mdb")
	require.NoError(t, err)
	assert.Equal(t, 1, got.SyncCount)
	assert.Equal(t, "h1", got.FileHash)
	assert.True(t, got.LastSync.Equal(first))

	st.FileHash, st.LastModified, st.LastSync = "h2", 1050, first.Add(time.Minute)
	require.NoError(t, s.WithTx(ctx, func(tx *sqlx.Tx) error { return UpsertSyncStatus(ctx, tx, st) }))

	got, err = s.GetSyncStatus(ctx, "/data/Caiss.mdb")
	require.NoError(t, err)
	assert.Equal(t, 2, got.SyncCount)
	assert.Equal(t, "h2", got.FileHash)
	assert.Equal(t, int64(1050), got.LastModified)

	all, err := s.ListSyncStatus(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestWithTxRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		st := SyncStatus{FilePath: "/x.mdb", FileHash: "h", FolderName: "F", LastSync: time.Now()}
		if err := UpsertSyncStatus(ctx, tx, st); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetSyncStatus(ctx, "/x.mdb")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertAndDeleteByHash(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	cols := []string{"code", "libelle", "code_fam", "base_ttc_cents", "payload", "source_file_hash", "source_folder", "sync_date", "quarter", "year"}
	var rows [][]interface{}
	for i := 0; i < 7; i++ {
		hash := "old"
		if i >= 5 {
			hash = "other"
		}
		rows = append(rows, []interface{}{"A", "Lib", "F", 100, "{}", hash, "PHARMA", now, "T1", 2024})
	}

	require.NoError(t, s.WithTx(ctx, func(tx *sqlx.Tx) error {
		return InsertRows(ctx, tx, "legacy_articles", cols, rows, 2)
	}))
	n, err := s.CountByHash(ctx, "legacy_articles", "old")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	var deleted int64
	require.NoError(t, s.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		deleted, err = DeleteBySourceHash(ctx, tx, "legacy_articles", "old", "new")
		return err
	}))
	assert.Equal(t, int64(5), deleted)

	total, err := s.CountRows(ctx, "legacy_articles")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestInsertRowsRejectsShortRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		return InsertRows(ctx, tx, "legacy_tickets", []string{"code", "payload"}, [][]interface{}{{"only-one"}}, 10)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has 1 values")
}

func TestFailures(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordFailure(ctx, "/a.mdb", "PHARMA", errors.New("locked"), at))
	require.NoError(t, s.RecordFailure(ctx, "/a.mdb", "PHARMA", errors.New("still locked"), at.Add(time.Second)))

	failures, err := s.ListFailures(ctx)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, 2, failures[0].FailureCount)
	assert.Equal(t, "still locked", failures[0].LastError)

	require.NoError(t, s.WithTx(ctx, func(tx *sqlx.Tx) error { return ClearFailure(ctx, tx, "/a.mdb") }))
	failures, err = s.ListFailures(ctx)
	require.NoError(t, err)
	assert.Empty(t, failures)
}

func TestSelectionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	type sel struct {
		FolderName string `json:"folder_name"`
		Year       int    `json:"year"`
	}

	var got sel
	assert.ErrorIs(t, s.LoadSelection(ctx, "current", &got), ErrNotFound)

	require.NoError(t, s.SaveSelection(ctx, "current", sel{FolderName: "A", Year: 2023}))
	require.NoError(t, s.SaveSelection(ctx, "current", sel{FolderName: "B", Year: 2024}))
	require.NoError(t, s.LoadSelection(ctx, "current", &got))
	assert.Equal(t, sel{FolderName: "B", Year: 2024}, got)

	require.NoError(t, s.DeleteSelection(ctx, "current"))
	assert.ErrorIs(t, s.LoadSelection(ctx, "current", &got), ErrNotFound)
}
