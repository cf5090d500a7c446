// Package cache materializes the legacy article table into a per-folder
// SQLite file used for fast searches.
package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite"

	"github.com/yourusername/pdv-sync/internal/folder"
	"github.com/yourusername/pdv-sync/internal/legacy"
)

// ErrConversionFailed is returned when a cache could not be built.
var ErrConversionFailed = errors.New("cache conversion failed")

// ConversionError records which step of the conversion failed.
type ConversionError struct {
	Folder string
	Step   string
	Err    error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("cache conversion for %q failed at %s: %v", e.Folder, e.Step, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

func (e *ConversionError) Is(target error) bool { return target == ErrConversionFailed }

// Handle points at a ready cache file.
type Handle struct {
	Path    string    `json:"path"`
	Rows    int       `json:"rows"`
	Reused  bool      `json:"reused"`
	BuiltAt time.Time `json:"built_at"`
}

const schema = `
DROP TABLE IF EXISTS Article;
CREATE TABLE Article (
    Code TEXT,
    Libelle TEXT,
    CodeFam TEXT,
    BaseTTC INTEGER
);
`

const indexes = `
CREATE INDEX IF NOT EXISTS idx_libelle ON Article(Libelle);
CREATE INDEX IF NOT EXISTS idx_codefam ON Article(CodeFam);
CREATE INDEX IF NOT EXISTS idx_code ON Article(Code);
`

// Converter builds cache files in Dir from an Exporter.
type Converter struct {
	dir      string
	exporter legacy.Exporter
	group    singleflight.Group
}

// NewConverter creates a converter writing into dir.
func NewConverter(dir string, exporter legacy.Exporter) *Converter {
	return &Converter{dir: dir, exporter: exporter}
}

// Path returns the cache file of f.
func (c *Converter) Path(f folder.SelectedFolder) string {
	return filepath.Join(c.dir, folder.SafeName(f.FolderName)+"_articles.sqlite")
}

// EnsureCache returns the cache of f, building it when it does not exist.
func (c *Converter) EnsureCache(ctx context.Context, f folder.SelectedFolder) (*Handle, error) {
	path := c.Path(f)
	v, err, _ := c.group.Do(path, func() (interface{}, error) {
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() && info.Size() > 0 {
			rows, err := countArticles(ctx, path)
			if err == nil {
				log.Debug().Str("path", path).Int("rows", rows).Msg("Reusing article cache")
				return &Handle{Path: path, Rows: rows, Reused: true, BuiltAt: info.ModTime()}, nil
			}
			log.Warn().Err(err).Str("path", path).Msg("Existing article cache unreadable, rebuilding")
		}
		return c.build(ctx, f, path)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

func (c *Converter) build(ctx context.Context, f folder.SelectedFolder, path string) (*Handle, error) {
	fail := func(step string, err error) (*Handle, error) {
		log.Error().Err(err).Str("folder", f.FolderName).Str("step", step).Msg("Article cache conversion failed")
		return nil, &ConversionError{Folder: f.FolderName, Step: step, Err: err}
	}

	src := f.CaissPath()
	if _, err := os.Stat(src); err != nil {
		return fail("source", err)
	}

	start := time.Now()
	table, err := c.exporter.Export(ctx, src, legacy.TableArticle)
	if err != nil {
		return fail("export", err)
	}

	rows, err := articleRows(table)
	if err != nil {
		return fail("parse", err)
	}

	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fail("mkdir", err)
	}
	tmp := filepath.Join(c.dir, "."+filepath.Base(path)+"."+uuid.NewString()+".tmp")
	if err := writeCache(ctx, tmp, rows); err != nil {
		os.Remove(tmp)
		return fail("write", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fail("rename", err)
	}

	log.Info().
		Str("folder", f.FolderName).
		Str("path", path).
		Int("rows", len(rows)).
		Dur("took", time.Since(start)).
		Msg("Article cache built")
	return &Handle{Path: path, Rows: len(rows), BuiltAt: time.Now()}, nil
}

type article struct {
	Code    string
	Libelle string
	CodeFam string
	BaseTTC int64
}

func articleRows(t *legacy.Table) ([]article, error) {
	idx := map[string]int{}
	for i, c := range t.Columns {
		idx[strings.ToLower(c)] = i
	}
	for _, required := range []string{"code", "libelle"} {
		if _, ok := idx[required]; !ok {
			return nil, fmt.Errorf("column %s missing from %s export", required, t.Name)
		}
	}
	get := func(row []string, col string) string {
		if i, ok := idx[col]; ok && i < len(row) {
			return legacy.FixEncoding(strings.TrimSpace(row[i]))
		}
		return ""
	}

	out := make([]article, 0, len(t.Rows))
	invalid := 0
	for _, row := range t.Rows {
		a := article{
			Code:    get(row, "code"),
			Libelle: get(row, "libelle"),
			CodeFam: get(row, "codefam"),
		}
		cents, err := legacy.ParseMinorUnits(get(row, "basettc"))
		if err != nil {
			invalid++
		}
		a.BaseTTC = cents
		out = append(out, a)
	}
	if invalid > 0 {
		log.Warn().Int("rows", invalid).Msg("Unparseable BaseTTC values stored as 0")
	}
	return out, nil
}

func writeCache(ctx context.Context, path string, rows []article) error {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return err
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PreparexContext(ctx, "INSERT INTO Article (Code, Libelle, CodeFam, BaseTTC) VALUES (?, ?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return err
	}
	for _, a := range rows {
		if _, err := stmt.ExecContext(ctx, a.Code, a.Libelle, a.CodeFam, a.BaseTTC); err != nil {
			stmt.Close()
			tx.Rollback()
			return err
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, indexes)
	return err
}

func countArticles(ctx context.Context, path string) (int, error) {
	db, err := sqlx.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var n int
	err = db.GetContext(ctx, &n, "SELECT COUNT(*) FROM Article")
	return n, err
}

// Invalidate removes the cache of f so the next EnsureCache rebuilds it.
func (c *Converter) Invalidate(f folder.SelectedFolder) error {
	path := c.Path(f)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	log.Info().Str("folder", f.FolderName).Msg("Article cache invalidated")
	return nil
}

// Families returns up to 100 distinct non-empty families, sorted.
func (c *Converter) Families(ctx context.Context, f folder.SelectedFolder) ([]string, error) {
	h, err := c.EnsureCache(ctx, f)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open("sqlite", "file:"+h.Path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var out []string
	err = db.SelectContext(ctx, &out,
		"SELECT DISTINCT CodeFam FROM Article WHERE CodeFam IS NOT NULL AND CodeFam <> '' ORDER BY CodeFam LIMIT 100")
	return out, err
}
