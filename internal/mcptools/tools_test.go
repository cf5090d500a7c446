package mcptools

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/pdv-sync/internal/articles"
	"github.com/yourusername/pdv-sync/internal/config"
	"github.com/yourusername/pdv-sync/internal/folder"
	"github.com/yourusername/pdv-sync/internal/legacy"
	"github.com/yourusername/pdv-sync/internal/scheduler"
	"github.com/yourusername/pdv-sync/internal/store"
	"github.com/yourusername/pdv-sync/internal/syncer"
	"github.com/yourusername/pdv-sync/internal/watcher"
)

type fakeSelections struct {
	f   *folder.SelectedFolder
	err error
}

func (s *fakeSelections) Current(ctx context.Context) (*folder.SelectedFolder, error) {
	if s.err != nil {
		return s.f, s.err
	}
	if s.f == nil {
		return nil, folder.ErrNoSelection
	}
	return s.f, nil
}

type fakeArticles struct {
	last articles.Query
	err  error
}

func (a *fakeArticles) Search(ctx context.Context, f folder.SelectedFolder, q articles.Query) (*articles.Page[articles.ArticleView], error) {
	a.last = q
	if a.err != nil {
		return nil, a.err
	}
	return &articles.Page[articles.ArticleView]{
		Articles:   []articles.ArticleView{{Code: "ASP1", Libelle: "Aspirine", PriceTTC: "3.50", Stock: 4, StockStatus: articles.StockLow}},
		Pagination: articles.Pagination{CurrentPage: 1, TotalPages: 1, TotalItems: 1, ItemsPerPage: 20},
	}, nil
}

type fakeRunner struct {
	result  *syncer.SyncResult
	err     error
	events  []watcher.ChangeEvent
	last    *scheduler.Run
	checked []string
}

func (r *fakeRunner) TriggerNow(ctx context.Context) (*syncer.SyncResult, error) {
	return r.result, r.err
}

func (r *fakeRunner) CheckChanges(ctx context.Context, f folder.SelectedFolder) ([]watcher.ChangeEvent, error) {
	r.checked = append(r.checked, f.FolderName)
	return r.events, nil
}

func (r *fakeRunner) LastRun() *scheduler.Run { return r.last }

type fakeStatus struct {
	rows     []store.SyncStatus
	failures []store.SyncFailure
	err      error
}

func (s *fakeStatus) ListSyncStatus(ctx context.Context) ([]store.SyncStatus, error) {
	return s.rows, s.err
}

func (s *fakeStatus) ListFailures(ctx context.Context) ([]store.SyncFailure, error) {
	return s.failures, s.err
}

type fakePool struct{}

func (fakePool) Stats() legacy.PoolStats { return legacy.PoolStats{Total: 2, MaxConnections: 10} }

func pharma() *folder.SelectedFolder {
	return &folder.SelectedFolder{FolderName: "PHARMA", FolderPath: "/data/PHARMA"}
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Store.Driver = "postgres"
	cfg.Store.DSN = "postgres://user:secret@db/pdv"
	cfg.Legacy.Driver = "mdbtools"
	cfg.Locator.KnownRoots = config.StringList{`D:\Apicommerce\PdV`}
	cfg.Sync.Interval = 10 * time.Second
	return cfg
}

func TestNewServerRegistersTools(t *testing.T) {
	require.NotPanics(t, func() {
		NewServer(Deps{
			Selections: &fakeSelections{},
			Articles:   &fakeArticles{},
			Runner:     &fakeRunner{},
			Status:     &fakeStatus{},
			Pool:       fakePool{},
			Config:     testConfig(),
			Version:    "test",
		})
	})
}

func TestSearchArticles(t *testing.T) {
	ctx := context.Background()

	t.Run("passes arguments through", func(t *testing.T) {
		arts := &fakeArticles{}
		handler := searchArticles(&fakeSelections{f: pharma()}, arts)

		res, out, err := handler(ctx, nil, map[string]interface{}{
			"search": "asp",
			"family": "ANTALG",
			"page":   float64(2),
			"limit":  float64(5),
		})
		require.NoError(t, err)
		assert.Equal(t, articles.Query{Term: "asp", Family: "ANTALG", Page: 2, PageSize: 5}, arts.last)
		page, ok := out.(*articles.Page[articles.ArticleView])
		require.True(t, ok)
		assert.Equal(t, "ASP1", page.Articles[0].Code)
		require.Len(t, res.Content, 1)
	})

	t.Run("no selection", func(t *testing.T) {
		_, _, err := searchArticles(&fakeSelections{}, &fakeArticles{})(ctx, nil, nil)
		assert.ErrorIs(t, err, folder.ErrNoSelection)
	})

	t.Run("invalid query", func(t *testing.T) {
		arts := &fakeArticles{err: &articles.ValidationError{Field: "limit", Reason: "too large"}}
		_, _, err := searchArticles(&fakeSelections{f: pharma()}, arts)(ctx, nil, map[string]interface{}{"limit": float64(500)})
		assert.ErrorIs(t, err, articles.ErrInvalidQuery)
	})
}

func TestGetSyncStatus(t *testing.T) {
	ctx := context.Background()
	st := &fakeStatus{
		rows:     []store.SyncStatus{{FilePath: "/data/PHARMA/Caiss.mdb", SyncCount: 3}},
		failures: []store.SyncFailure{{FilePath: "/data/PHARMA/caiss_facturation.mdb", FailureCount: 1}},
	}
	runner := &fakeRunner{last: &scheduler.Run{Trigger: scheduler.TriggerInterval}}

	_, out, err := getSyncStatus(&fakeSelections{f: pharma()}, st, runner, fakePool{})(ctx, nil, nil)
	require.NoError(t, err)
	status := out.(map[string]interface{})
	assert.Equal(t, st.rows, status["sync_status"])
	assert.Equal(t, st.failures, status["failures"])
	assert.Same(t, runner.last, status["last_run"])
	assert.Equal(t, 2, status["pool"].(legacy.PoolStats).Total)
	assert.Equal(t, pharma(), status["selection"])

	_, out, err = getSyncStatus(&fakeSelections{f: pharma(), err: errors.New("gone")}, st, runner, fakePool{})(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "gone", out.(map[string]interface{})["selection_error"])

	_, _, err = getSyncStatus(&fakeSelections{}, &fakeStatus{err: errors.New("db down")}, runner, fakePool{})(ctx, nil, nil)
	assert.EqualError(t, err, "db down")
}

func TestTriggerSync(t *testing.T) {
	ctx := context.Background()

	res := &syncer.SyncResult{RunID: "run-1", Files: []syncer.FileResult{
		{Outcome: syncer.OutcomeSynced},
		{Outcome: syncer.OutcomeFailed},
	}}
	r, out, err := triggerSync(&fakeRunner{result: res})(ctx, nil, nil)
	require.NoError(t, err)
	assert.Same(t, res, out)
	assert.Equal(t, "Sync run-1: 1 synced, 1 failed", r.Content[0].(*mcp.TextContent).Text)

	_, _, err = triggerSync(&fakeRunner{err: folder.ErrNoSelection})(ctx, nil, nil)
	assert.ErrorIs(t, err, folder.ErrNoSelection)
}

func TestCheckFileChanges(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{events: []watcher.ChangeEvent{
		{FileType: folder.FileFrontOffice, Path: "/data/PHARMA/Caiss_frontoffice.mdb", ChangedFields: []string{watcher.FieldSize}},
	}}

	_, out, err := checkFileChanges(&fakeSelections{f: pharma()}, runner)(ctx, nil, nil)
	require.NoError(t, err)
	result := out.(map[string]interface{})
	assert.Equal(t, true, result["has_changes"])
	assert.Equal(t, []string{"sales", "tickets"}, result["affected_areas"])
	assert.Equal(t, []string{"PHARMA"}, runner.checked)

	_, _, err = checkFileChanges(&fakeSelections{}, runner)(ctx, nil, nil)
	assert.ErrorIs(t, err, folder.ErrNoSelection)
}

func TestGetConfiguration(t *testing.T) {
	_, out, err := getConfiguration(testConfig(), "1.2.3")(context.Background(), nil, nil)
	require.NoError(t, err)
	settings := out.(map[string]interface{})
	assert.Equal(t, "1.2.3", settings["version"])
	assert.Equal(t, "mdbtools", settings["legacy_driver"])
	assert.Equal(t, "10s", settings["sync_interval"])
	assert.Equal(t, []string{`D:\Apicommerce\PdV`}, settings["known_roots"])
	assert.NotContains(t, fmt.Sprint(settings), "secret")
}

func TestIntArg(t *testing.T) {
	args := map[string]interface{}{"a": float64(3), "b": "4", "c": 7}
	assert.Equal(t, 3, intArg(args, "a"))
	assert.Equal(t, 0, intArg(args, "b"))
	assert.Equal(t, 7, intArg(args, "c"))
	assert.Equal(t, 0, intArg(args, "missing"))
}

func TestStockReviewPrompt(t *testing.T) {
	res, err := stockReview(context.Background(), &mcp.GetPromptRequest{
		Params: &mcp.GetPromptParams{Name: "stock_review", Arguments: map[string]string{"family": "ANTALG"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Stock review of the ANTALG family", res.Description)
	require.Len(t, res.Messages, 1)
	assert.Contains(t, res.Messages[0].Content.(*mcp.TextContent).Text, `search_articles with family set to "ANTALG"`)

	res, err = stockReview(context.Background(), &mcp.GetPromptRequest{Params: &mcp.GetPromptParams{}})
	require.NoError(t, err)
	assert.Equal(t, "Stock review of every article family", res.Description)
}
