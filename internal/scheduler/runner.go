// Package scheduler drives folder syncs: on an interval, on demand, and
// optionally on filesystem events. At most one run per folder executes at a
// time; concurrent callers share its result.
package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/yourusername/pdv-sync/internal/folder"
	"github.com/yourusername/pdv-sync/internal/syncer"
	"github.com/yourusername/pdv-sync/internal/watcher"
)

// Trigger names what started a run.
type Trigger string

const (
	TriggerInterval Trigger = "interval"
	TriggerManual   Trigger = "manual"
	TriggerFS       Trigger = "fsnotify"
	TriggerSelect   Trigger = "selection"
)

// Selections returns the current folder or folder.ErrNoSelection.
type Selections interface {
	Current(ctx context.Context) (*folder.SelectedFolder, error)
}

// Engine is the sync engine as seen by the runner.
type Engine interface {
	SyncFolder(ctx context.Context, f folder.SelectedFolder) (*syncer.SyncResult, error)
	MarkChanged(path string)
}

// ChangeDetector reports file changes since the last check.
type ChangeDetector interface {
	CheckForChanges(ctx context.Context, files []folder.WatchedFile) ([]watcher.ChangeEvent, error)
}

// Invalidator drops derived caches of a folder.
type Invalidator interface {
	Invalidate(f folder.SelectedFolder) error
}

// Options configures a Runner.
type Options struct {
	Interval time.Duration
	WatchFS  bool
	Debounce time.Duration

	// BaseContext scopes shared runs. A run outlives the caller that
	// started it and ends only when this context is cancelled.
	// Defaults to context.Background.
	BaseContext context.Context
}

// Run is the record of one completed run.
type Run struct {
	Trigger    Trigger               `json:"trigger"`
	Folder     string                `json:"folder"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
	Changes    []watcher.ChangeEvent `json:"changes,omitempty"`
	Result     *syncer.SyncResult    `json:"result,omitempty"`
	Error      string                `json:"error,omitempty"`
}

// Runner schedules sync runs.
type Runner struct {
	selections Selections
	engine     Engine
	changes    ChangeDetector
	cache      Invalidator
	opts       Options

	group singleflight.Group

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	last    *Run

	// active counts RunFolder calls whose result is not delivered yet.
	active int
	idle   *sync.Cond
}

// NewRunner creates a Runner. cache may be nil.
func NewRunner(sel Selections, engine Engine, changes ChangeDetector, cache Invalidator, opts Options) *Runner {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	r := &Runner{
		selections: sel,
		engine:     engine,
		changes:    changes,
		cache:      cache,
		opts:       opts,
	}
	r.idle = sync.NewCond(&r.mu)
	return r
}

// Start launches the interval loop, and the filesystem loop when enabled.
// It returns immediately; Stop or ctx cancellation ends the loops.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.stopCh = make(chan struct{})
	stop := r.stopCh
	r.mu.Unlock()

	if r.opts.WatchFS {
		fw, err := fsnotify.NewWatcher()
		if err != nil {
			log.Warn().Err(err).Msg("Filesystem notifications unavailable, relying on interval")
		} else {
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.watchLoop(ctx, stop, fw)
			}()
		}
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop(ctx, stop)
	}()

	log.Info().
		Dur("interval", r.opts.Interval).
		Bool("watch_fs", r.opts.WatchFS).
		Msg("Sync runner started")
	return nil
}

// Stop ends the loops and waits for in-flight runs to finish, including
// runs started through RunFolder whose callers already gave up.
func (r *Runner) Stop() {
	r.mu.Lock()
	wasRunning := r.running
	if wasRunning {
		r.running = false
		close(r.stopCh)
	}
	r.mu.Unlock()

	if wasRunning {
		r.wg.Wait()
		log.Info().Msg("Sync runner stopped")
	}

	r.mu.Lock()
	for r.active > 0 {
		r.idle.Wait()
	}
	r.mu.Unlock()
}

func (r *Runner) loop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			r.tick(ctx, TriggerInterval)
		}
	}
}

// tick runs a sync of the current selection. Errors are logged only.
func (r *Runner) tick(ctx context.Context, trigger Trigger) {
	f, err := r.selections.Current(ctx)
	if errors.Is(err, folder.ErrNoSelection) {
		log.Trace().Str("trigger", string(trigger)).Msg("No folder selected, skipping sync")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to load current selection")
		return
	}
	if _, err := r.RunFolder(ctx, *f, trigger); err != nil {
		log.Error().Err(err).Str("folder", f.FolderName).Msg("Scheduled sync failed")
	}
}

// TriggerNow syncs the current selection and returns the result.
func (r *Runner) TriggerNow(ctx context.Context) (*syncer.SyncResult, error) {
	f, err := r.selections.Current(ctx)
	if err != nil {
		return nil, err
	}
	return r.RunFolder(ctx, *f, TriggerManual)
}

// RunFolder checks f for changes and syncs it. Calls for the same folder
// while a run is in flight wait for and share that run. Cancelling ctx
// stops the wait, not the run: other waiters still get its result.
func (r *Runner) RunFolder(ctx context.Context, f folder.SelectedFolder, trigger Trigger) (*syncer.SyncResult, error) {
	r.mu.Lock()
	r.active++
	r.mu.Unlock()

	ch := r.group.DoChan(f.CaissPath(), func() (interface{}, error) {
		return r.run(r.opts.BaseContext, f, trigger)
	})
	select {
	case <-ctx.Done():
		go func() {
			<-ch
			r.runDone()
		}()
		return nil, ctx.Err()
	case out := <-ch:
		r.runDone()
		if out.Shared {
			log.Debug().Str("folder", f.FolderName).Str("trigger", string(trigger)).Msg("Joined in-flight sync")
		}
		res, _ := out.Val.(*syncer.SyncResult)
		return res, out.Err
	}
}

// runDone balances the increment in RunFolder once a result is delivered.
func (r *Runner) runDone() {
	r.mu.Lock()
	r.active--
	if r.active == 0 {
		r.idle.Broadcast()
	}
	r.mu.Unlock()
}

func (r *Runner) run(ctx context.Context, f folder.SelectedFolder, trigger Trigger) (*syncer.SyncResult, error) {
	rec := &Run{Trigger: trigger, Folder: f.FolderName, StartedAt: time.Now()}

	events, err := r.CheckChanges(ctx, f)
	if err != nil {
		log.Warn().Err(err).Str("folder", f.FolderName).Msg("Change detection failed")
	}
	rec.Changes = events

	res, err := r.engine.SyncFolder(ctx, f)
	rec.Result = res
	rec.FinishedAt = time.Now()
	if err != nil {
		rec.Error = err.Error()
	}

	r.mu.Lock()
	r.last = rec
	r.mu.Unlock()
	return res, err
}

// CheckChanges compares the files of f with their last observation. Changed
// files are flagged for the next sync and a changed articles database drops
// the article cache.
func (r *Runner) CheckChanges(ctx context.Context, f folder.SelectedFolder) ([]watcher.ChangeEvent, error) {
	events, err := r.changes.CheckForChanges(ctx, f.Files())
	for _, ev := range events {
		r.engine.MarkChanged(ev.Path)
		if ev.FileType == folder.FileCaiss && r.cache != nil {
			if err := r.cache.Invalidate(f); err != nil {
				log.Warn().Err(err).Str("folder", f.FolderName).Msg("Failed to invalidate article cache")
			}
		}
	}
	if len(events) > 0 {
		log.Info().
			Int("changes", len(events)).
			Strs("areas", watcher.AffectedAreas(events)).
			Msg("Legacy files changed")
	}
	return events, err
}

// LastRun returns the most recent completed run, or nil.
func (r *Runner) LastRun() *Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *Runner) watchLoop(ctx context.Context, stop <-chan struct{}, fw *fsnotify.Watcher) {
	defer fw.Close()

	watched := ""
	refresh := func() {
		f, err := r.selections.Current(ctx)
		dir := ""
		if err == nil {
			dir = f.Dir()
		}
		if dir == watched {
			return
		}
		if watched != "" {
			_ = fw.Remove(watched)
		}
		watched = ""
		if dir == "" {
			return
		}
		if err := fw.Add(dir); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("Cannot watch folder")
			return
		}
		watched = dir
		log.Debug().Str("dir", dir).Msg("Watching folder for changes")
	}
	refresh()

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var fire <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			refresh()
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if !relevantEvent(ev) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(r.opts.Debounce)
			} else {
				debounce.Reset(r.opts.Debounce)
			}
			fire = debounce.C
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Filesystem watcher error")
		case <-fire:
			fire = nil
			r.tick(ctx, TriggerFS)
		}
	}
}

// relevantEvent reports whether ev is a write or create of a legacy file.
func relevantEvent(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return false
	}
	ext := strings.ToLower(filepath.Ext(ev.Name))
	return ext == ".mdb" || ext == ".accdb"
}
