// Package legacytest builds legacy database fixtures for tests. Fixtures are
// SQLite files laid out like the point-of-sale tables and are opened with
// the SQLite dialect.
package legacytest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/yourusername/pdv-sync/internal/legacy"
)

// Table is a fixture table. Every column is created as TEXT unless listed in
// Numeric.
type Table struct {
	Columns []string
	Numeric []string
	Rows    [][]interface{}
}

// Opener opens fixtures read-only through modernc sqlite.
func Opener() legacy.SQLOpener {
	return legacy.SQLOpener{
		Driver:     "sqlite",
		DSNFormat:  "file:%s?mode=ro",
		SQLDialect: legacy.DialectSQLite,
	}
}

// Write creates (or replaces) a fixture database at path.
func Write(t testing.TB, path string, tables map[string]Table) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	_ = os.Remove(path)

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	for name, tbl := range tables {
		numeric := map[string]bool{}
		for _, c := range tbl.Numeric {
			numeric[c] = true
		}
		defs := make([]string, len(tbl.Columns))
		marks := make([]string, len(tbl.Columns))
		for i, c := range tbl.Columns {
			typ := "TEXT"
			if numeric[c] {
				typ = "NUMERIC"
			}
			defs[i] = fmt.Sprintf("%q %s", c, typ)
			marks[i] = "?"
		}
		_, err := db.Exec(fmt.Sprintf("CREATE TABLE %q (%s)", name, strings.Join(defs, ", ")))
		require.NoError(t, err)
		for _, row := range tbl.Rows {
			_, err := db.Exec(fmt.Sprintf("INSERT INTO %q VALUES (%s)", name, strings.Join(marks, ", ")), row...)
			require.NoError(t, err)
		}
	}
}

// Articles builds an Article table from code/label/family/price tuples.
func Articles(rows ...[4]interface{}) Table {
	tbl := Table{Columns: []string{"Code", "Libelle", "CodeFam", "BaseTTC"}, Numeric: []string{"BaseTTC"}}
	for _, r := range rows {
		tbl.Rows = append(tbl.Rows, []interface{}{r[0], r[1], r[2], r[3]})
	}
	return tbl
}

// Movements builds a Mouvementstock table from code/quantity pairs.
func Movements(rows ...[2]interface{}) Table {
	tbl := Table{Columns: []string{"CodeArticle", "Quantite"}, Numeric: []string{"Quantite"}}
	for _, r := range rows {
		tbl.Rows = append(tbl.Rows, []interface{}{r[0], r[1]})
	}
	return tbl
}

// Exporter serves fixed tables per file path.
type Exporter struct {
	Files map[string]map[string]*legacy.Table
	Err   error
	Calls int
}

func (e *Exporter) Tables(ctx context.Context, path string) ([]string, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	var names []string
	for name := range e.Files[path] {
		names = append(names, name)
	}
	return names, nil
}

func (e *Exporter) Export(ctx context.Context, path, table string) (*legacy.Table, error) {
	e.Calls++
	if e.Err != nil {
		return nil, e.Err
	}
	t, ok := e.Files[path][table]
	if !ok {
		return nil, fmt.Errorf("table %s not found in %s", table, path)
	}
	return t, nil
}
