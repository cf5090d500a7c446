package syncer

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/pdv-sync/internal/folder"
	"github.com/yourusername/pdv-sync/internal/legacy"
	"github.com/yourusername/pdv-sync/internal/legacy/legacytest"
	"github.com/yourusername/pdv-sync/internal/store"
)

type fixture struct {
	folder folder.SelectedFolder
	store  *store.Store
	pool   *legacy.Pool
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, legacytest.Opener())
}

func newFixtureWith(t *testing.T, opener legacy.Opener) *fixture {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "PHARMA 2024 T1")
	f := folder.SelectedFolder{
		FolderName: "PHARMA 2024 T1",
		FolderPath: dir,
		Quarter:    "T1",
		Year:       2024,
	}

	st, err := store.Open(context.Background(), store.Options{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "central.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := legacy.DefaultPoolConfig()
	cfg.RetryAttempts = 1
	pool := legacy.NewPool(opener, cfg)
	t.Cleanup(pool.CloseAll)

	return &fixture{folder: f, store: st, pool: pool, engine: NewEngine(pool, st, Options{BatchSize: 2})}
}

func (fx *fixture) writeCaiss(t *testing.T, mtime time.Time, articles ...[4]interface{}) {
	t.Helper()
	path := fx.folder.CaissPath()
	legacytest.Write(t, path, map[string]legacytest.Table{
		legacy.TableArticle: legacytest.Articles(articles...),
	})
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func fiveArticles() [][4]interface{} {
	return [][4]interface{}{
		{"A1", "Doliprane 1000", "ANTALG", 2.18},
		{"A2", "Aspirine 500", "ANTALG", 3.5},
		{"A3", "Cr\xe8me", "DERMO", 12.5},
		{"A4", "Sirop toux", "ORL", 6},
		{"A5", "Pansements", "", nil},
	}
}

func resultFor(t *testing.T, r *SyncResult, ft folder.FileType) FileResult {
	t.Helper()
	for _, f := range r.Files {
		if f.FileType == ft {
			return f
		}
	}
	t.Fatalf("no result for %s", ft)
	return FileResult{}
}

func TestSyncFolderFirstRun(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	mtime := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	fx.writeCaiss(t, mtime, fiveArticles()...)

	res, err := fx.engine.SyncFolder(ctx, fx.folder)
	require.NoError(t, err)
	require.Len(t, res.Files, 3)
	assert.NotEmpty(t, res.RunID)

	caiss := resultFor(t, res, folder.FileCaiss)
	assert.Equal(t, OutcomeSynced, caiss.Outcome)
	assert.Equal(t, 5, caiss.Records[legacy.TableArticle])
	assert.Equal(t, SourceHash(caiss.Path, mtime.Unix(), fx.folder.FolderName), caiss.Hash)
	assert.Equal(t, OutcomeMissing, resultFor(t, res, folder.FileFacturation).Outcome)
	assert.Equal(t, OutcomeMissing, resultFor(t, res, folder.FileFrontOffice).Outcome)
	assert.Equal(t, 1, res.Synced())
	assert.Equal(t, StateSynced, fx.engine.State(caiss.Path))

	n, err := fx.store.CountByHash(ctx, "legacy_articles", caiss.Hash)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	type mirrored struct {
		Code    string `db:"code"`
		Libelle string `db:"libelle"`
		Cents   *int64 `db:"base_ttc_cents"`
		Quarter string `db:"quarter"`
		Year    int    `db:"year"`
		Folder  string `db:"source_folder"`
		Payload string `db:"payload"`
	}
	var rows []mirrored
	require.NoError(t, fx.store.DB().SelectContext(ctx, &rows,
		"SELECT code, libelle, base_ttc_cents, quarter, year, source_folder, payload FROM legacy_articles ORDER BY code"))
	require.Len(t, rows, 5)
	require.NotNil(t, rows[0].Cents)
	assert.Equal(t, int64(218), *rows[0].Cents)
	assert.Equal(t, "Crème", rows[2].Libelle)
	assert.Nil(t, rows[4].Cents)
	assert.Equal(t, "T1", rows[0].Quarter)
	assert.Equal(t, 2024, rows[0].Year)
	assert.Equal(t, "PHARMA 2024 T1", rows[0].Folder)
	assert.Contains(t, rows[0].Payload, `"Code":"A1"`)

	st, err := fx.store.GetSyncStatus(ctx, caiss.Path)
	require.NoError(t, err)
	assert.Equal(t, 1, st.SyncCount)
	assert.Equal(t, mtime.Unix(), st.LastModified)
}

func TestSyncFolderUnchangedIsNoop(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.writeCaiss(t, time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC), fiveArticles()...)

	_, err := fx.engine.SyncFolder(ctx, fx.folder)
	require.NoError(t, err)

	res, err := fx.engine.SyncFolder(ctx, fx.folder)
	require.NoError(t, err)
	assert.True(t, res.NothingToDo())
	assert.Equal(t, OutcomeSkipped, resultFor(t, res, folder.FileCaiss).Outcome)

	st, err := fx.store.GetSyncStatus(ctx, fx.folder.CaissPath())
	require.NoError(t, err)
	assert.Equal(t, 1, st.SyncCount)

	total, err := fx.store.CountRows(ctx, "legacy_articles")
	require.NoError(t, err)
	assert.Equal(t, 5, total)
}

func TestSyncFolderReplacesStaleRows(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	first := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	fx.writeCaiss(t, first, fiveArticles()...)

	res, err := fx.engine.SyncFolder(ctx, fx.folder)
	require.NoError(t, err)
	oldHash := resultFor(t, res, folder.FileCaiss).Hash

	fx.writeCaiss(t, first.Add(time.Hour), fiveArticles()[:3]...)
	fx.engine.MarkChanged(fx.folder.CaissPath())
	assert.Equal(t, StateNeedsSync, fx.engine.State(fx.folder.CaissPath()))

	res, err = fx.engine.SyncFolder(ctx, fx.folder)
	require.NoError(t, err)
	caiss := resultFor(t, res, folder.FileCaiss)
	require.Equal(t, OutcomeSynced, caiss.Outcome)
	assert.NotEqual(t, oldHash, caiss.Hash)

	total, err := fx.store.CountRows(ctx, "legacy_articles")
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	n, err := fx.store.CountByHash(ctx, "legacy_articles", oldHash)
	require.NoError(t, err)
	assert.Zero(t, n)

	st, err := fx.store.GetSyncStatus(ctx, caiss.Path)
	require.NoError(t, err)
	assert.Equal(t, 2, st.SyncCount)
	assert.Equal(t, caiss.Hash, st.FileHash)
}

func TestSyncFolderAllMirrors(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	mtime := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	fx.writeCaiss(t, mtime, fiveArticles()...)

	fact := fx.folder.PathFor(folder.FileFacturation)
	legacytest.Write(t, fact, map[string]legacytest.Table{
		legacy.TableMouvementstock: legacytest.Movements([2]interface{}{"A1", 10}, [2]interface{}{"A1", -2}, [2]interface{}{"A2", 4}),
	})
	front := fx.folder.PathFor(folder.FileFrontOffice)
	legacytest.Write(t, front, map[string]legacytest.Table{
		legacy.TableTicket: {
			Columns: []string{"Id", "Code", "DateDoc"},
			Rows:    [][]interface{}{{"1", "T0001", "2024-02-28 09:12:00"}},
		},
		legacy.TableTicketLigne: {
			Columns: []string{"CodeDoc", "Designation", "Qte"},
			Numeric: []string{"Qte"},
			Rows:    [][]interface{}{{"T0001", "Doliprane 1000", 2}, {"T0001", "Aspirine 500", 1}},
		},
	})

	res, err := fx.engine.SyncFolder(ctx, fx.folder)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Synced())
	assert.Equal(t, 3, resultFor(t, res, folder.FileFacturation).Records[legacy.TableMouvementstock])
	assert.Equal(t, 1, resultFor(t, res, folder.FileFrontOffice).Records[legacy.TableTicket])
	assert.Equal(t, 2, resultFor(t, res, folder.FileFrontOffice).Records[legacy.TableTicketLigne])

	var qty float64
	require.NoError(t, fx.store.DB().GetContext(ctx, &qty,
		"SELECT SUM(quantite) FROM legacy_stock_movements WHERE code_article = 'A1'"))
	assert.Equal(t, 8.0, qty)

	var ticket string
	require.NoError(t, fx.store.DB().GetContext(ctx, &ticket, "SELECT code FROM legacy_tickets WHERE legacy_id = '1'"))
	assert.Equal(t, "T0001", ticket)
}

type failingStore struct {
	*store.Store
	err error
}

func (s failingStore) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return s.err
	})
}

func TestSyncFolderFailureRollsBack(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	first := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	fx.writeCaiss(t, first, fiveArticles()...)

	_, err := fx.engine.SyncFolder(ctx, fx.folder)
	require.NoError(t, err)
	before, err := fx.store.GetSyncStatus(ctx, fx.folder.CaissPath())
	require.NoError(t, err)

	fx.writeCaiss(t, first.Add(time.Hour), fiveArticles()[:2]...)
	boom := errors.New("disk full")
	engine := NewEngine(fx.pool, failingStore{Store: fx.store, err: boom}, Options{})

	res, err := engine.SyncFolder(ctx, fx.folder)
	require.NoError(t, err)
	caiss := resultFor(t, res, folder.FileCaiss)
	assert.Equal(t, OutcomeFailed, caiss.Outcome)
	assert.True(t, errors.Is(caiss.Err, ErrSyncFailed))
	assert.True(t, errors.Is(caiss.Err, boom))
	assert.Equal(t, "sync of "+caiss.Path+" failed: disk full", caiss.Error)
	assert.Equal(t, StateNeedsSync, engine.State(caiss.Path))

	after, err := fx.store.GetSyncStatus(ctx, caiss.Path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	total, err := fx.store.CountRows(ctx, "legacy_articles")
	require.NoError(t, err)
	assert.Equal(t, 5, total)

	failures, err := fx.store.ListFailures(ctx)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "disk full", failures[0].LastError)

	// A later successful sync clears the failure.
	res, err = fx.engine.SyncFolder(ctx, fx.folder)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, resultFor(t, res, folder.FileCaiss).Outcome)
	failures, err = fx.store.ListFailures(ctx)
	require.NoError(t, err)
	assert.Empty(t, failures)
}

func TestSyncFolderInvalid(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.engine.SyncFolder(context.Background(), folder.SelectedFolder{})
	assert.ErrorIs(t, err, ErrInvalidFolder)
}

func TestStatesCopy(t *testing.T) {
	fx := newFixture(t)
	fx.engine.MarkChanged("/a.mdb")
	states := fx.engine.States()
	states["/a.mdb"] = StateSynced
	assert.Equal(t, StateNeedsSync, fx.engine.State("/a.mdb"))
	assert.Equal(t, StateUnknown, fx.engine.State("/b.mdb"))
}

func TestConvert(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		kind valueKind
		want interface{}
	}{
		{"nil", nil, kindText, nil},
		{"text", "abc", kindText, "abc"},
		{"text from int", int64(7), kindText, "7"},
		{"number float", 2.5, kindNumber, 2.5},
		{"number int", int64(3), kindNumber, 3.0},
		{"number comma string", "1,5", kindNumber, 1.5},
		{"number garbage", "x", kindNumber, nil},
		{"money string", "12,50", kindMoney, int64(1250)},
		{"money garbage", "n/a", kindMoney, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, convert(tt.in, tt.kind))
		})
	}
}

func TestMirrorTables(t *testing.T) {
	assert.Equal(t, []string{"legacy_articles", "legacy_stock_movements", "legacy_tickets", "legacy_ticket_lines"}, MirrorTables())
}

// lockingOpener wraps fixture connections so that queries touching table
// fail while locked is set.
type lockingOpener struct {
	legacy.Opener
	table  string
	locked *atomic.Bool
}

func (o lockingOpener) Open(ctx context.Context, path string) (legacy.Conn, error) {
	c, err := o.Opener.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	return lockingConn{Conn: c, table: o.table, locked: o.locked}, nil
}

type lockingConn struct {
	legacy.Conn
	table  string
	locked *atomic.Bool
}

func (c lockingConn) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if c.locked.Load() && strings.Contains(query, c.table) {
		return nil, errors.New("database table is locked: " + c.table)
	}
	return c.Conn.QueryContext(ctx, query, args...)
}

func TestSyncFolderReadErrorKeepsMirror(t *testing.T) {
	locked := &atomic.Bool{}
	fx := newFixtureWith(t, lockingOpener{Opener: legacytest.Opener(), table: legacy.TableMouvementstock, locked: locked})
	ctx := context.Background()

	first := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	fx.writeCaiss(t, first, fiveArticles()...)
	fact := fx.folder.PathFor(folder.FileFacturation)
	legacytest.Write(t, fact, map[string]legacytest.Table{
		legacy.TableMouvementstock: legacytest.Movements([2]interface{}{"A1", 10}, [2]interface{}{"A2", 4}),
	})
	require.NoError(t, os.Chtimes(fact, first, first))

	res, err := fx.engine.SyncFolder(ctx, fx.folder)
	require.NoError(t, err)
	require.Equal(t, OutcomeSynced, resultFor(t, res, folder.FileFacturation).Outcome)
	movements := func() int {
		n, err := fx.store.CountRows(ctx, "legacy_stock_movements")
		require.NoError(t, err)
		return n
	}
	require.Equal(t, 2, movements())

	second := first.Add(time.Hour)
	require.NoError(t, os.Chtimes(fact, second, second))
	locked.Store(true)

	res, err = fx.engine.SyncFolder(ctx, fx.folder)
	require.NoError(t, err)
	fr := resultFor(t, res, folder.FileFacturation)
	assert.Equal(t, OutcomeFailed, fr.Outcome)
	assert.ErrorIs(t, fr.Err, ErrSyncFailed)
	assert.Equal(t, 2, movements(), "mirror rows survive a failed read")
	st, err := fx.store.GetSyncStatus(ctx, fact)
	require.NoError(t, err)
	assert.Equal(t, first.Unix(), st.LastModified, "status still describes the last good sync")
	assert.Equal(t, StateNeedsSync, fx.engine.State(fact))

	locked.Store(false)
	res, err = fx.engine.SyncFolder(ctx, fx.folder)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, resultFor(t, res, folder.FileFacturation).Outcome)
	assert.Equal(t, 2, movements())
}

func TestSyncFolderAbsentTableIsNotAFailure(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.writeCaiss(t, time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC), fiveArticles()...)

	res, err := fx.engine.SyncFolder(ctx, fx.folder)
	require.NoError(t, err)
	caiss := resultFor(t, res, folder.FileCaiss)
	assert.Equal(t, OutcomeSynced, caiss.Outcome)
	assert.Equal(t, 0, caiss.Records[legacy.TableTicket])
}
