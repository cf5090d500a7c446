// Package selection manages which point-of-sale folder the operator is
// working on, either discovered on disk or uploaded.
package selection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yourusername/pdv-sync/internal/folder"
	"github.com/yourusername/pdv-sync/internal/locator"
	"github.com/yourusername/pdv-sync/internal/store"
)

// Slot is the store key of the current selection.
const Slot = "current"

// Input limits.
const (
	MaxFolderNameLength = 100
	MaxFolderPathLength = 500
	DefaultMaxUpload    = 50 << 20
)

var (
	// ErrInvalidInput is matched by every request validation failure.
	ErrInvalidInput = errors.New("invalid selection input")
	// ErrUploadTooLarge is returned for uploads over the size limit.
	ErrUploadTooLarge = errors.New("upload too large")
	// ErrInvalidUpload is returned when the uploaded file is not a usable
	// legacy database.
	ErrInvalidUpload = errors.New("invalid legacy database upload")
	// ErrSelectionGone is returned when the selected file has disappeared.
	ErrSelectionGone = errors.New("selected file is no longer accessible")
)

// Store persists the selection.
type Store interface {
	SaveSelection(ctx context.Context, slot string, v interface{}) error
	LoadSelection(ctx context.Context, slot string, dest interface{}) error
	DeleteSelection(ctx context.Context, slot string) error
}

// Locator finds legacy files on disk.
type Locator interface {
	Locate(folderName, hint string) (string, error)
	GlobalSearch(ctx context.Context) ([]locator.Match, error)
}

// Tester opens a trial connection and returns the article count.
type Tester interface {
	Test(ctx context.Context, path string) (int, error)
}

// Options configures a Service.
type Options struct {
	UploadDir      string
	MaxUploadBytes int64
	Now            func() time.Time
	// Sniff checks the first bytes of an upload. Defaults to the Jet/ACE
	// signature check.
	Sniff func(r io.Reader) (bool, error)
	// OnSelect is called after a selection is persisted.
	OnSelect func(f folder.SelectedFolder)
}

// Service implements select, upload, current and reset.
type Service struct {
	store   Store
	locator Locator
	tester  Tester
	opts    Options
}

// NewService creates a Service.
func NewService(st Store, loc Locator, tester Tester, opts Options) *Service {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUpload
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sniff == nil {
		opts.Sniff = locator.SniffLegacyDB
	}
	return &Service{store: st, locator: loc, tester: tester, opts: opts}
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Select locates the legacy file of folderName, checks that it opens, and
// makes it the current selection.
func (s *Service) Select(ctx context.Context, folderName, hint string) (*folder.SelectedFolder, error) {
	name := folder.CleanName(folderName)
	switch {
	case name == "":
		return nil, invalid("folder_name is required")
	case len(folderName) > MaxFolderNameLength:
		return nil, invalid("folder_name must be at most %d characters", MaxFolderNameLength)
	case len(hint) > MaxFolderPathLength:
		return nil, invalid("folder_path must be at most %d characters", MaxFolderPathLength)
	}

	log.Info().Str("folder", name).Str("hint", hint).Msg("Selecting folder")
	path, err := s.locator.Locate(name, hint)
	if err != nil {
		return nil, err
	}

	count, err := s.tester.Test(ctx, path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("Legacy connection test failed")
		return nil, err
	}

	var size int64
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}

	f := folder.SelectedFolder{
		FolderName:     name,
		FolderPath:     filepath.Dir(path),
		AccessFilePath: path,
		Method:         folder.MethodDiscovered,
		Quarter:        folder.DetectQuarter(name),
		Year:           folder.DetectYear(name),
		ArticleCount:   count,
		FileSize:       size,
		SelectedAt:     s.opts.Now().UTC(),
	}
	if err := s.persist(ctx, f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Upload stores an uploaded legacy file, validates it, and makes it the
// current selection. The file is removed again when validation fails.
func (s *Service) Upload(ctx context.Context, folderName, originalName string, r io.Reader) (*folder.SelectedFolder, error) {
	name := strings.TrimSpace(folderName)
	if name == "" {
		return nil, invalid("folder_name is required")
	}
	if !strings.EqualFold(filepath.Ext(originalName), ".mdb") {
		return nil, fmt.Errorf("%w: only .mdb files are accepted", ErrInvalidUpload)
	}

	if err := os.MkdirAll(s.opts.UploadDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	now := s.opts.Now()
	dest := filepath.Join(s.opts.UploadDir, folder.SafeName(name)+"_"+now.Format("2006-01-02_15-04-05")+".mdb")

	size, err := s.saveUpload(dest, r)
	if err != nil {
		os.Remove(dest)
		return nil, err
	}

	count, err := s.tester.Test(ctx, dest)
	if err != nil {
		os.Remove(dest)
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpload, err)
	}

	f := folder.SelectedFolder{
		FolderName:       name,
		FolderPath:       filepath.Dir(dest),
		AccessFilePath:   dest,
		Method:           folder.MethodUploaded,
		Quarter:          folder.DetectQuarter(name),
		Year:             folder.DetectYear(name),
		ArticleCount:     count,
		FileSize:         size,
		OriginalFilename: filepath.Base(originalName),
		SelectedAt:       now.UTC(),
	}
	if err := s.persist(ctx, f); err != nil {
		os.Remove(dest)
		return nil, err
	}
	log.Info().
		Str("folder", name).
		Str("path", dest).
		Int64("size", size).
		Int("articles", count).
		Msg("Legacy database uploaded")
	return &f, nil
}

// saveUpload copies r to dest, enforcing the size limit and the file signature.
func (s *Service) saveUpload(dest string, r io.Reader) (int64, error) {
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to store upload: %w", err)
	}
	n, err := io.Copy(out, io.LimitReader(r, s.opts.MaxUploadBytes+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to store upload: %w", err)
	}
	if n > s.opts.MaxUploadBytes {
		return 0, fmt.Errorf("%w: limit is %d bytes", ErrUploadTooLarge, s.opts.MaxUploadBytes)
	}

	in, err := os.Open(dest)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	ok, err := s.opts.Sniff(in)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidUpload, err)
	}
	if !ok {
		return 0, fmt.Errorf("%w: not an Access database", ErrInvalidUpload)
	}
	return n, nil
}

func (s *Service) persist(ctx context.Context, f folder.SelectedFolder) error {
	if err := s.store.SaveSelection(ctx, Slot, f); err != nil {
		return err
	}
	log.Info().
		Str("folder", f.FolderName).
		Str("path", f.CaissPath()).
		Str("quarter", f.Quarter).
		Int("articles", f.ArticleCount).
		Msg("Folder selected")
	if s.opts.OnSelect != nil {
		s.opts.OnSelect(f)
	}
	return nil
}

// Current returns the persisted selection. It fails with
// folder.ErrNoSelection when there is none and ErrSelectionGone when its
// file has disappeared.
func (s *Service) Current(ctx context.Context) (*folder.SelectedFolder, error) {
	var f folder.SelectedFolder
	if err := s.store.LoadSelection(ctx, Slot, &f); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, folder.ErrNoSelection
		}
		return nil, err
	}
	if _, err := os.Stat(f.CaissPath()); err != nil {
		return &f, fmt.Errorf("%w: %s", ErrSelectionGone, f.CaissPath())
	}
	return &f, nil
}

// Reset clears the selection, deleting the stored file of an upload.
func (s *Service) Reset(ctx context.Context) error {
	var f folder.SelectedFolder
	err := s.store.LoadSelection(ctx, Slot, &f)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err == nil && f.Method == folder.MethodUploaded && s.isUpload(f.AccessFilePath) {
		if err := os.Remove(f.AccessFilePath); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", f.AccessFilePath).Msg("Failed to remove uploaded file")
		} else {
			log.Info().Str("path", f.AccessFilePath).Msg("Uploaded file removed")
		}
	}
	return s.store.DeleteSelection(ctx, Slot)
}

// isUpload reports whether path lives in the upload directory.
func (s *Service) isUpload(path string) bool {
	if s.opts.UploadDir == "" || path == "" {
		return false
	}
	dir, err := filepath.Abs(s.opts.UploadDir)
	if err != nil {
		return false
	}
	p, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	return filepath.Dir(p) == dir
}

// GlobalSearch lists legacy files found anywhere on the drive roots.
func (s *Service) GlobalSearch(ctx context.Context) ([]locator.Match, error) {
	return s.locator.GlobalSearch(ctx)
}
