// Package locator finds the legacy point-of-sale database of a folder among
// the places it is usually deployed.
package locator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/yourusername/pdv-sync/internal/folder"
)

// ErrNotFound is returned when no candidate holds a readable legacy file.
var ErrNotFound = errors.New("legacy database not found")

// MaxReportedLocations bounds the attempted locations carried by NotFoundError.
const MaxReportedLocations = 10

// NotFoundError lists where the file was looked for.
type NotFoundError struct {
	Folder    string
	Attempted []string
	Total     int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("legacy database not found for folder %q (%d locations tried)", e.Folder, e.Total)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// Options configures a Locator.
type Options struct {
	KnownRoots       []string
	EnvVars          []string
	DriveRoots       []string
	SkipDirs         []string
	PrimaryNamespace string
	LegacyFile       string
	MaxDepth         int

	HomeDir string                  // user profile; empty skips profile candidates
	Getenv  func(key string) string // defaults to os.Getenv
}

// Locator searches candidate directories on a filesystem.
type Locator struct {
	fs   afero.Fs
	opts Options
}

// New creates a Locator over fs.
func New(fs afero.Fs, opts Options) *Locator {
	if opts.LegacyFile == "" {
		opts.LegacyFile = folder.CaissFile
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 4
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	return &Locator{fs: fs, opts: opts}
}

func normalizeSeparators(p string) string {
	p = strings.ReplaceAll(p, `\`, string(filepath.Separator))
	return strings.ReplaceAll(p, "/", string(filepath.Separator))
}

func isRooted(p string) bool {
	if filepath.IsAbs(p) {
		return true
	}
	// Drive-letter paths are rooted even when the host is not Windows.
	return len(p) >= 2 && p[1] == ':'
}

// Candidates returns the deduplicated, ordered directories to probe.
func (l *Locator) Candidates(folderName, hint string) []string {
	folderName = folder.CleanName(folderName)
	var raw []string

	if hint != "" {
		h := normalizeSeparators(folder.CleanName(hint))
		if h != folderName {
			raw = append(raw, h)
			if !isRooted(h) {
				for _, drive := range l.opts.DriveRoots {
					raw = append(raw, filepath.Join(drive, h))
				}
			}
		}
	}

	for _, root := range l.opts.KnownRoots {
		raw = append(raw, filepath.Join(normalizeSeparators(root), folderName))
	}

	for _, key := range l.opts.EnvVars {
		if v := strings.TrimSpace(l.opts.Getenv(key)); v != "" {
			raw = append(raw, filepath.Join(normalizeSeparators(v), folderName))
		}
	}

	if l.opts.HomeDir != "" {
		for _, sub := range []string{"Documents", "Desktop", "Downloads"} {
			raw = append(raw, filepath.Join(l.opts.HomeDir, sub, folderName))
		}
	}

	for _, drive := range l.opts.DriveRoots {
		if ok, _ := afero.DirExists(l.fs, drive); ok {
			raw = append(raw, filepath.Join(drive, folderName))
		}
	}

	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, c := range raw {
		c = filepath.Clean(c)
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}

	ns := strings.ToLower(l.opts.PrimaryNamespace)
	sort.SliceStable(out, func(i, j int) bool {
		pi := ns != "" && strings.Contains(strings.ToLower(out[i]), ns)
		pj := ns != "" && strings.Contains(strings.ToLower(out[j]), ns)
		if pi != pj {
			return pi
		}
		return len(out[i]) > len(out[j])
	})
	return out
}

// Locate returns the path of the legacy file for folderName.
func (l *Locator) Locate(folderName, hint string) (string, error) {
	candidates := l.Candidates(folderName, hint)
	attempted := make([]string, 0, len(candidates))

	for _, dir := range candidates {
		path := filepath.Join(dir, l.opts.LegacyFile)
		attempted = append(attempted, path)
		if l.readable(path) {
			log.Info().Str("folder", folderName).Str("path", path).Msg("Legacy database located")
			return path, nil
		}
	}

	log.Warn().Str("folder", folderName).Int("attempted", len(attempted)).Msg("Legacy database not found")
	reported := attempted
	if len(reported) > MaxReportedLocations {
		reported = reported[:MaxReportedLocations]
	}
	return "", &NotFoundError{Folder: folderName, Attempted: reported, Total: len(attempted)}
}

func (l *Locator) readable(path string) bool {
	info, err := l.fs.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	f, err := l.fs.Open(path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// Match is one file found by GlobalSearch.
type Match struct {
	Path       string    `json:"path"`
	Directory  string    `json:"directory"`
	FolderName string    `json:"folder_name"`
	Size       int64     `json:"size"`
	SizeMB     float64   `json:"size_mb"`
	Modified   time.Time `json:"modified"`
}

// GlobalSearch walks every existing drive root up to MaxDepth levels and
// returns every file whose name matches the legacy file name, ignoring case.
func (l *Locator) GlobalSearch(ctx context.Context) ([]Match, error) {
	skip := make(map[string]bool, len(l.opts.SkipDirs))
	for _, d := range l.opts.SkipDirs {
		skip[strings.ToLower(d)] = true
	}
	target := strings.ToLower(l.opts.LegacyFile)

	var matches []Match
	for _, root := range l.opts.DriveRoots {
		if ok, _ := afero.DirExists(l.fs, root); !ok {
			continue
		}
		err := afero.Walk(l.fs, root, func(path string, info fs.FileInfo, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				if info != nil && info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				return nil
			}
			depth := 0
			if rel != "." {
				depth = strings.Count(rel, string(filepath.Separator)) + 1
			}

			if info.IsDir() {
				if path != root && (skip[strings.ToLower(info.Name())] || depth > l.opts.MaxDepth) {
					return filepath.SkipDir
				}
				return nil
			}
			if depth > l.opts.MaxDepth+1 || strings.ToLower(info.Name()) != target {
				return nil
			}

			dir := filepath.Dir(path)
			matches = append(matches, Match{
				Path:       path,
				Directory:  dir,
				FolderName: filepath.Base(dir),
				Size:       info.Size(),
				SizeMB:     float64(info.Size()*100/(1024*1024)) / 100,
				Modified:   info.ModTime(),
			})
			return nil
		})
		if err != nil {
			return matches, err
		}
	}

	log.Info().Int("matches", len(matches)).Msg("Global search completed")
	return matches, nil
}
