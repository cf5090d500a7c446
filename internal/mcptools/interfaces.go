package mcptools

import (
	"context"

	"github.com/yourusername/pdv-sync/internal/articles"
	"github.com/yourusername/pdv-sync/internal/folder"
	"github.com/yourusername/pdv-sync/internal/legacy"
	"github.com/yourusername/pdv-sync/internal/scheduler"
	"github.com/yourusername/pdv-sync/internal/store"
	"github.com/yourusername/pdv-sync/internal/syncer"
	"github.com/yourusername/pdv-sync/internal/watcher"
)

// Selections returns the current folder
type Selections interface {
	Current(ctx context.Context) (*folder.SelectedFolder, error)
}

// Articles answers article queries
type Articles interface {
	Search(ctx context.Context, f folder.SelectedFolder, q articles.Query) (*articles.Page[articles.ArticleView], error)
}

// Runner triggers syncs and change checks
type Runner interface {
	TriggerNow(ctx context.Context) (*syncer.SyncResult, error)
	CheckChanges(ctx context.Context, f folder.SelectedFolder) ([]watcher.ChangeEvent, error)
	LastRun() *scheduler.Run
}

// StatusStore lists persisted sync bookkeeping
type StatusStore interface {
	ListSyncStatus(ctx context.Context) ([]store.SyncStatus, error)
	ListFailures(ctx context.Context) ([]store.SyncFailure, error)
}

// PoolStats reports legacy connection pool usage
type PoolStats interface {
	Stats() legacy.PoolStats
}
