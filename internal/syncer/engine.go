// Package syncer pushes legacy point-of-sale records into the central store,
// replacing the rows of a file as a whole whenever the file changes.
package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/yourusername/pdv-sync/internal/folder"
	"github.com/yourusername/pdv-sync/internal/legacy"
	"github.com/yourusername/pdv-sync/internal/store"
)

// ErrSyncFailed marks a per-file sync whose transaction was rolled back.
var ErrSyncFailed = errors.New("sync failed")

// ErrInvalidFolder is returned for a selection without a legacy file.
var ErrInvalidFolder = errors.New("folder has no legacy file")

// FileSyncError wraps the cause of a failed per-file sync.
type FileSyncError struct {
	Path string
	Err  error
}

func (e *FileSyncError) Error() string {
	return fmt.Sprintf("sync of %s failed: %v", e.Path, e.Err)
}

func (e *FileSyncError) Unwrap() error { return e.Err }

func (e *FileSyncError) Is(target error) bool { return target == ErrSyncFailed }

// State is the sync state of one file.
type State string

const (
	StateUnknown   State = "unknown"
	StateNeedsSync State = "needs_sync"
	StateSyncing   State = "syncing"
	StateSynced    State = "synced"
)

// Outcome is what happened to one file during a run.
type Outcome string

const (
	OutcomeSynced  Outcome = "synced"
	OutcomeSkipped Outcome = "skipped"
	OutcomeMissing Outcome = "missing"
	OutcomeFailed  Outcome = "failed"
)

// FileResult is the outcome for one legacy file.
type FileResult struct {
	Path     string          `json:"path"`
	FileType folder.FileType `json:"file_type"`
	Outcome  Outcome         `json:"outcome"`
	Records  map[string]int  `json:"records,omitempty"`
	Hash     string          `json:"hash,omitempty"`
	Error    string          `json:"error,omitempty"`
	Err      error           `json:"-"`
}

// SyncResult represents the result of syncing a folder
type SyncResult struct {
	RunID     string        `json:"run_id"`
	Folder    string        `json:"folder"`
	Files     []FileResult  `json:"files"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
}

func (r *SyncResult) count(o Outcome) int {
	n := 0
	for _, f := range r.Files {
		if f.Outcome == o {
			n++
		}
	}
	return n
}

// Synced returns the number of files written.
func (r *SyncResult) Synced() int { return r.count(OutcomeSynced) }

// Failed returns the number of files whose sync was rolled back.
func (r *SyncResult) Failed() int { return r.count(OutcomeFailed) }

// NothingToDo reports whether no file needed syncing and none failed.
func (r *SyncResult) NothingToDo() bool {
	return r.Synced() == 0 && r.Failed() == 0
}

// Pool is the part of the legacy connection pool the engine needs.
type Pool interface {
	Acquire(ctx context.Context, path string) (*legacy.Handle, error)
	Release(h *legacy.Handle)
}

// Store is the part of the central store the engine needs.
type Store interface {
	GetSyncStatus(ctx context.Context, path string) (*store.SyncStatus, error)
	WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error
	RecordFailure(ctx context.Context, path, folderName string, cause error, at time.Time) error
}

// Options configures an Engine.
type Options struct {
	BatchSize int
	Now       func() time.Time
}

// Engine syncs folders. Callers must not run two syncs of the same file at
// once; the scheduler guarantees this.
type Engine struct {
	pool      Pool
	store     Store
	batchSize int
	now       func() time.Time

	mu     sync.Mutex
	states map[string]State
}

// NewEngine creates an Engine.
func NewEngine(pool Pool, st Store, opts Options) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		pool:      pool,
		store:     st,
		batchSize: opts.BatchSize,
		now:       opts.Now,
		states:    make(map[string]State),
	}
}

// SourceHash tags the rows read from one version of a file.
func SourceHash(path string, modTime int64, folderName string) string {
	sum := sha256.Sum256([]byte(path + "_" + strconv.FormatInt(modTime, 10) + "_" + folderName))
	return hex.EncodeToString(sum[:])
}

func (e *Engine) setState(path string, s State) {
	e.mu.Lock()
	e.states[path] = s
	e.mu.Unlock()
}

// State returns the state of path.
func (e *Engine) State(path string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.states[path]; ok {
		return s
	}
	return StateUnknown
}

// States returns a copy of every known file state.
func (e *Engine) States() map[string]State {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]State, len(e.states))
	for k, v := range e.states {
		out[k] = v
	}
	return out
}

// MarkChanged moves path back to NeedsSync after a watcher event.
func (e *Engine) MarkChanged(path string) {
	e.setState(path, StateNeedsSync)
}

// SyncFolder syncs every legacy file of f. Per-file failures are reported
// in the result; the error is reserved for invalid input.
func (e *Engine) SyncFolder(ctx context.Context, f folder.SelectedFolder) (*SyncResult, error) {
	if f.CaissPath() == "" || f.FolderName == "" {
		return nil, ErrInvalidFolder
	}

	result := &SyncResult{
		RunID:     uuid.NewString(),
		Folder:    f.FolderName,
		StartedAt: e.now(),
	}
	logger := log.With().Str("run_id", result.RunID).Str("folder", f.FolderName).Logger()

	for _, file := range f.Files() {
		fr := e.syncFile(ctx, f, file)
		if fr.Err != nil {
			fr.Error = fr.Err.Error()
			logger.Error().Err(fr.Err).Str("path", fr.Path).Msg("File sync failed")
		}
		result.Files = append(result.Files, fr)
	}
	result.Duration = e.now().Sub(result.StartedAt)

	logger.Info().
		Int("synced", result.Synced()).
		Int("failed", result.Failed()).
		Dur("duration", result.Duration).
		Msg("Folder sync completed")
	return result, nil
}

func (e *Engine) syncFile(ctx context.Context, f folder.SelectedFolder, file folder.WatchedFile) FileResult {
	fr := FileResult{Path: file.Path, FileType: file.FileType}

	info, err := os.Stat(file.Path)
	if err != nil {
		if os.IsNotExist(err) {
			fr.Outcome = OutcomeMissing
			return fr
		}
		return e.fail(ctx, f, fr, err)
	}
	modTime, size := info.ModTime().Unix(), info.Size()

	prev, err := e.store.GetSyncStatus(ctx, file.Path)
	switch {
	case errors.Is(err, store.ErrNotFound):
		prev = nil
	case err != nil:
		return e.fail(ctx, f, fr, err)
	}

	if prev != nil && prev.LastModified == modTime && prev.FileSize == size {
		e.setState(file.Path, StateSynced)
		fr.Outcome = OutcomeSkipped
		fr.Hash = prev.FileHash
		return fr
	}

	e.setState(file.Path, StateNeedsSync)
	e.setState(file.Path, StateSyncing)

	tables, err := e.readTables(ctx, file.Path)
	if err != nil {
		return e.fail(ctx, f, fr, err)
	}

	hash := SourceHash(file.Path, modTime, f.FolderName)
	now := e.now()
	t := newTag(hash, f, now)
	records := make(map[string]int)

	stale := []string{hash}
	if prev != nil && prev.FileHash != hash {
		stale = append(stale, prev.FileHash)
	}

	err = e.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, m := range mirrors {
			rows, ok := tables[m.source]
			if !ok {
				continue
			}
			if _, err := store.DeleteBySourceHash(ctx, tx, m.table, stale...); err != nil {
				return err
			}
			values, err := m.values(rows, t)
			if err != nil {
				return fmt.Errorf("failed to tag %s rows: %w", m.source, err)
			}
			if err := store.InsertRows(ctx, tx, m.table, m.insertColumns(), values, e.batchSize); err != nil {
				return err
			}
			records[m.source] = len(values)
		}

		if err := store.UpsertSyncStatus(ctx, tx, store.SyncStatus{
			FilePath:     file.Path,
			LastModified: modTime,
			FileSize:     size,
			FileHash:     hash,
			FolderName:   f.FolderName,
			LastSync:     now,
		}); err != nil {
			return err
		}
		return store.ClearFailure(ctx, tx, file.Path)
	})
	if err != nil {
		return e.fail(ctx, f, fr, err)
	}

	e.setState(file.Path, StateSynced)
	fr.Outcome = OutcomeSynced
	fr.Records = records
	fr.Hash = hash
	log.Info().
		Str("path", file.Path).
		Str("file_type", string(file.FileType)).
		Interface("records", records).
		Msg("Legacy file synced")
	return fr
}

// readTables reads every known table of the file. A table the file does not
// have maps to no rows; any other read error fails the whole file.
func (e *Engine) readTables(ctx context.Context, path string) (map[string][]legacy.Row, error) {
	h, err := e.pool.Acquire(ctx, path)
	if err != nil {
		return nil, err
	}
	defer e.pool.Release(h)

	tables := make(map[string][]legacy.Row)
	for _, m := range mirrors {
		present, err := legacy.TableExists(ctx, h.Conn(), m.source)
		if err != nil {
			return nil, fmt.Errorf("failed to probe %s: %w", m.source, err)
		}
		if !present {
			log.Debug().Str("path", path).Str("table", m.source).Msg("Table not present, skipping")
			tables[m.source] = nil
			continue
		}
		rows, err := h.QueryContext(ctx, "SELECT * FROM "+h.Dialect().Quote(m.source))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", m.source, err)
		}
		_, records, err := legacy.ScanRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", m.source, err)
		}
		tables[m.source] = records
	}
	return tables, nil
}

func (e *Engine) fail(ctx context.Context, f folder.SelectedFolder, fr FileResult, cause error) FileResult {
	e.setState(fr.Path, StateNeedsSync)
	fr.Outcome = OutcomeFailed
	fr.Err = &FileSyncError{Path: fr.Path, Err: cause}
	if err := e.store.RecordFailure(ctx, fr.Path, f.FolderName, cause, e.now()); err != nil {
		log.Warn().Err(err).Str("path", fr.Path).Msg("Failed to record sync failure")
	}
	return fr
}
