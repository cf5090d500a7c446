// Package watcher detects changes to externally modified legacy files by
// comparing fingerprints between observations.
package watcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"

	"github.com/yourusername/pdv-sync/internal/folder"
)

// Changed field names reported in ChangeEvent.ChangedFields.
const (
	FieldModifiedTime = "modified_time"
	FieldSize         = "size"
	FieldContent      = "content"
)

// Fingerprint identifies one observed version of a file.
type Fingerprint struct {
	ModTime     int64  `json:"modified_time"`
	Size        int64  `json:"size"`
	ContentHash string `json:"content_hash"`
}

// ChangeEvent reports that a watched file differs from its last observation.
type ChangeEvent struct {
	FileType      folder.FileType `json:"file_type"`
	Path          string          `json:"path"`
	ChangedFields []string        `json:"changed_fields"`
	Previous      Fingerprint     `json:"previous"`
	Current       Fingerprint     `json:"current"`
	DetectedAt    time.Time       `json:"detected_at"`
}

// Options configures a Watcher.
type Options struct {
	TTL       time.Duration // how long a baseline is remembered
	CacheSize int
	Workers   int
}

// Watcher remembers the last fingerprint of each file for TTL.
type Watcher struct {
	cache *expirable.LRU[string, Fingerprint]
	pool  *ants.Pool
	mu    sync.Mutex
}

// New creates a Watcher. Call Close to release its worker pool.
func New(opts Options) (*Watcher, error) {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 256
	}
	if opts.Workers <= 0 {
		opts.Workers = 3
	}

	pool, err := ants.NewPool(opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create fingerprint pool: %w", err)
	}
	return &Watcher{
		cache: expirable.NewLRU[string, Fingerprint](opts.CacheSize, nil, opts.TTL),
		pool:  pool,
	}, nil
}

// Close releases the worker pool.
func (w *Watcher) Close() {
	w.pool.Release()
}

// FingerprintFile reads path and returns its fingerprint.
func FingerprintFile(path string) (Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return Fingerprint{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Fingerprint{}, err
	}

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return Fingerprint{}, fmt.Errorf("failed to hash %s: %w", path, err)
	}

	return Fingerprint{
		ModTime:     info.ModTime().Unix(),
		Size:        info.Size(),
		ContentHash: strconv.FormatUint(h.Sum64(), 16),
	}, nil
}

type observation struct {
	file folder.WatchedFile
	fp   Fingerprint
	err  error
}

// CheckForChanges fingerprints every file and returns an event for each one
// that differs from its stored baseline. The first observation of a file only
// records the baseline. Missing files are skipped.
func (w *Watcher) CheckForChanges(ctx context.Context, files []folder.WatchedFile) ([]ChangeEvent, error) {
	results := make([]observation, len(files))

	var wg sync.WaitGroup
	for i, file := range files {
		results[i].file = file
		wg.Add(1)
		err := w.pool.Submit(func() {
			defer wg.Done()
			if ctx.Err() != nil {
				results[i].err = ctx.Err()
				return
			}
			results[i].fp, results[i].err = FingerprintFile(file.Path)
		})
		if err != nil {
			wg.Done()
			results[i].err = err
		}
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := time.Now()
	var events []ChangeEvent

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range results {
		if r.err != nil {
			if !os.IsNotExist(r.err) {
				log.Warn().Err(r.err).Str("path", r.file.Path).Msg("Failed to fingerprint file")
			}
			continue
		}

		prev, seen := w.cache.Get(r.file.Path)
		w.cache.Add(r.file.Path, r.fp)
		if !seen {
			log.Debug().Str("path", r.file.Path).Str("file_type", string(r.file.FileType)).Msg("Baseline recorded")
			continue
		}

		changed := diff(prev, r.fp)
		if len(changed) == 0 {
			continue
		}
		events = append(events, ChangeEvent{
			FileType:      r.file.FileType,
			Path:          r.file.Path,
			ChangedFields: changed,
			Previous:      prev,
			Current:       r.fp,
			DetectedAt:    now,
		})
		log.Info().
			Str("path", r.file.Path).
			Strs("changed", changed).
			Msg("Legacy file changed")
	}
	return events, nil
}

func diff(prev, cur Fingerprint) []string {
	var changed []string
	if prev.ModTime != cur.ModTime {
		changed = append(changed, FieldModifiedTime)
	}
	if prev.Size != cur.Size {
		changed = append(changed, FieldSize)
	}
	if prev.ContentHash != cur.ContentHash {
		changed = append(changed, FieldContent)
	}
	return changed
}

// Baseline returns the stored fingerprint for path.
func (w *Watcher) Baseline(path string) (Fingerprint, bool) {
	return w.cache.Peek(path)
}

// Reset forgets the baselines of files so the next check records new ones.
func (w *Watcher) Reset(files []folder.WatchedFile) {
	for _, f := range files {
		w.cache.Remove(f.Path)
	}
	log.Info().Int("files", len(files)).Msg("File watcher reset")
}

// AffectedAreas maps change events to the data they invalidate.
func AffectedAreas(events []ChangeEvent) []string {
	seen := map[string]bool{}
	var areas []string
	add := func(a string) {
		if !seen[a] {
			seen[a] = true
			areas = append(areas, a)
		}
	}
	for _, e := range events {
		switch e.FileType {
		case folder.FileCaiss:
			add("articles")
			add("stock")
		case folder.FileFacturation:
			add("stock")
			add("invoices")
		case folder.FileFrontOffice:
			add("sales")
			add("tickets")
		}
	}
	return areas
}
