package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/yourusername/pdv-sync/internal/articles"
	"github.com/yourusername/pdv-sync/internal/cache"
	"github.com/yourusername/pdv-sync/internal/config"
	"github.com/yourusername/pdv-sync/internal/folder"
	"github.com/yourusername/pdv-sync/internal/legacy"
	"github.com/yourusername/pdv-sync/internal/locator"
	"github.com/yourusername/pdv-sync/internal/logging"
	"github.com/yourusername/pdv-sync/internal/scheduler"
	"github.com/yourusername/pdv-sync/internal/selection"
	"github.com/yourusername/pdv-sync/internal/store"
	"github.com/yourusername/pdv-sync/internal/syncer"
	"github.com/yourusername/pdv-sync/internal/watcher"
)

// app holds every service of a running process.
type app struct {
	cfg        *config.Config
	store      *store.Store
	pool       *legacy.Pool
	cachePool  *legacy.Pool
	converter  *cache.Converter
	articles   *articles.Service
	locator    *locator.Locator
	watcher    *watcher.Watcher
	engine     *syncer.Engine
	selections *selection.Service
	runner     *scheduler.Runner

	// syncOnSelect starts a sync whenever a folder is selected. Set by
	// long-running commands only.
	syncOnSelect bool

	// ctx is cancelled by close. Background work derives from it.
	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup
}

// loadConfig reads --config and applies the logging section, letting an
// explicit --log-level win.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logging.InitLogging(cfg.Logging.Level, cfg.Logging.Format)
	logging.SetLevelFromCmd(cmd)
	log.Debug().Str("config", configFile).Msg("Configuration loaded")
	return cfg, nil
}

// legacyOpener picks the connection strategy for the legacy files.
func legacyOpener(cfg *config.Config) legacy.Opener {
	switch cfg.Legacy.Driver {
	case "odbc":
		return legacy.SQLOpener{
			Driver:     cfg.Legacy.SQLDriver,
			DSNFormat:  cfg.Legacy.DSNFormat,
			SQLDialect: legacy.DialectAccess,
		}
	case "sqlite":
		return legacy.SQLOpener{
			Driver:     "sqlite",
			DSNFormat:  "file:%s?mode=ro",
			SQLDialect: legacy.DialectSQLite,
		}
	default:
		return legacy.SnapshotOpener{Exporter: exporter(cfg)}
	}
}

func exporter(cfg *config.Config) legacy.MDBTools {
	return legacy.MDBTools{ExportBin: cfg.Legacy.MDBExport, TablesBin: cfg.Legacy.MDBTables}
}

// newApp wires the services. The caller must call close.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	st, err := store.Open(ctx, store.Options{
		Driver: cfg.Store.Driver,
		DSN:    cfg.Store.DSN,
		Path:   cfg.Store.Path,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	a := &app{cfg: cfg, store: st}
	a.ctx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))

	poolCfg := legacy.PoolConfig{
		MaxConnections: cfg.Legacy.MaxConnections,
		IdleTimeout:    cfg.Legacy.IdleTimeout,
		RetryAttempts:  cfg.Legacy.RetryAttempts,
		RetryDelay:     cfg.Legacy.RetryDelay,
		SweepInterval:  cfg.Legacy.SweepInterval,
	}
	a.pool = legacy.NewPool(legacyOpener(cfg), poolCfg)
	a.cachePool = legacy.NewPool(legacy.SQLOpener{
		Driver:     "sqlite",
		DSNFormat:  "file:%s?mode=ro",
		SQLDialect: legacy.DialectSQLite,
	}, poolCfg)

	a.converter = cache.NewConverter(cfg.Cache.Dir, exporter(cfg))
	a.articles = articles.NewService(a.pool, a.cachePool, a.converter, articles.Options{
		Source:          articles.Source(cfg.Query.Source),
		DefaultPageSize: cfg.Query.DefaultPageSize,
	})

	home, err := os.UserHomeDir()
	if err != nil {
		log.Debug().Err(err).Msg("No user profile directory, skipping profile candidates")
	}
	a.locator = locator.New(afero.NewOsFs(), locator.Options{
		KnownRoots:       cfg.Locator.KnownRoots,
		EnvVars:          cfg.Locator.EnvVars,
		DriveRoots:       cfg.Locator.DriveRoots,
		SkipDirs:         cfg.Locator.SkipDirs,
		PrimaryNamespace: cfg.Locator.PrimaryNamespace,
		LegacyFile:       cfg.Locator.LegacyFile,
		MaxDepth:         cfg.Locator.MaxDepth,
		HomeDir:          home,
	})

	a.watcher, err = watcher.New(watcher.Options{
		TTL:       cfg.Watcher.CacheTTL,
		CacheSize: cfg.Watcher.CacheSize,
		Workers:   cfg.Watcher.Workers,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	a.engine = syncer.NewEngine(a.pool, st, syncer.Options{BatchSize: cfg.Sync.BatchSize})

	a.selections = selection.NewService(st, a.locator, a.pool, selection.Options{
		UploadDir:      cfg.Uploads.Dir,
		MaxUploadBytes: cfg.Uploads.MaxBytes,
		OnSelect:       a.onSelect,
	})

	a.runner = scheduler.NewRunner(a.selections, a.engine, a.watcher, a.converter, scheduler.Options{
		Interval:    cfg.Sync.Interval,
		WatchFS:     cfg.Sync.WatchFS,
		Debounce:    cfg.Sync.Debounce,
		BaseContext: a.ctx,
	})
	return a, nil
}

// onSelect syncs a newly selected folder in the background.
func (a *app) onSelect(f folder.SelectedFolder) {
	if !a.syncOnSelect {
		return
	}
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		if _, err := a.runner.RunFolder(a.ctx, f, scheduler.TriggerSelect); err != nil {
			log.Warn().Err(err).Str("folder", f.FolderName).Msg("Initial sync of selected folder failed")
		}
	}()
}

// close cancels background work, waits for it, then releases resources.
func (a *app) close() {
	a.cancel()
	a.bg.Wait()
	if a.runner != nil {
		a.runner.Stop()
	}
	if a.watcher != nil {
		a.watcher.Close()
	}
	if a.pool != nil {
		a.pool.CloseAll()
	}
	if a.cachePool != nil {
		a.cachePool.CloseAll()
	}
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close store")
	}
}
