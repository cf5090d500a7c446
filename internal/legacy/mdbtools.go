package legacy

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Table is an exported legacy table held in memory.
type Table struct {
	Name    string
	Columns []string
	Rows    [][]string
}

// Exporter extracts tables from a legacy file without a database driver.
type Exporter interface {
	Tables(ctx context.Context, path string) ([]string, error)
	Export(ctx context.Context, path, table string) (*Table, error)
}

// MDBTools shells out to the mdbtools utilities.
type MDBTools struct {
	ExportBin string // default "mdb-export"
	TablesBin string // default "mdb-tables"
}

func (m MDBTools) bin(name, def string) (string, error) {
	if name == "" {
		name = def
	}
	p, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrToolUnavailable, name, err)
	}
	return p, nil
}

// Available reports whether both tools are on PATH.
func (m MDBTools) Available() bool {
	if _, err := m.bin(m.ExportBin, "mdb-export"); err != nil {
		return false
	}
	_, err := m.bin(m.TablesBin, "mdb-tables")
	return err == nil
}

func (m MDBTools) Tables(ctx context.Context, path string) ([]string, error) {
	bin, err := m.bin(m.TablesBin, "mdb-tables")
	if err != nil {
		return nil, err
	}
	out, err := runTool(ctx, bin, "-1", path)
	if err != nil {
		return nil, err
	}

	var tables []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if name := strings.TrimSpace(sc.Text()); name != "" {
			tables = append(tables, name)
		}
	}
	return tables, sc.Err()
}

func (m MDBTools) Export(ctx context.Context, path, table string) (*Table, error) {
	bin, err := m.bin(m.ExportBin, "mdb-export")
	if err != nil {
		return nil, err
	}
	out, err := runTool(ctx, bin, "-D", "%Y-%m-%d %H:%M:%S", path, table)
	if err != nil {
		return nil, err
	}
	return ParseCSV(table, bytes.NewReader(out))
}

func runTool(ctx context.Context, bin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", bin, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// ParseCSV reads an export with a header line.
func ParseCSV(name string, r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return &Table{Name: name}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s header: %w", name, err)
	}

	t := &Table{Name: name, Columns: make([]string, len(header))}
	for i, h := range header {
		t.Columns[i] = FixEncoding(strings.TrimSpace(h))
	}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s row %d: %w", name, len(t.Rows)+1, err)
		}
		row := make([]string, len(t.Columns))
		for i := range row {
			if i < len(rec) {
				row[i] = FixEncoding(rec[i])
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// SnapshotOpener loads the given tables of a legacy file into an in-memory
// SQLite database through an Exporter. A snapshot reports ErrStale from
// PingContext once the file's mtime or size moves, so the pool rebuilds it.
type SnapshotOpener struct {
	Exporter Exporter
	Tables   []string
}

func (o SnapshotOpener) Open(ctx context.Context, path string) (Conn, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	available, err := o.Exporter.Tables(ctx, path)
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(available))
	for _, t := range available {
		present[strings.ToLower(t)] = true
	}

	db, err := sql.Open("sqlite", "file::memory:")
	if err != nil {
		return nil, err
	}
	// A single connection keeps the in-memory database alive and shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	wanted := o.Tables
	if len(wanted) == 0 {
		wanted = KnownTables
	}
	start := time.Now()
	for _, name := range wanted {
		if !present[strings.ToLower(name)] {
			continue
		}
		t, err := o.Exporter.Export(ctx, path, name)
		if err != nil {
			db.Close()
			return nil, err
		}
		if err := loadTable(ctx, db, t); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to load %s snapshot: %w", name, err)
		}
	}
	log.Debug().Str("path", path).Dur("took", time.Since(start)).Msg("Legacy snapshot loaded")

	return &sqlConn{db: db, dialect: DialectSQLite, path: path, source: info}, nil
}

func loadTable(ctx context.Context, db *sql.DB, t *Table) error {
	if len(t.Columns) == 0 {
		return nil
	}
	d := DialectSQLite
	cols := make([]string, len(t.Columns))
	marks := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = d.Quote(c) + " TEXT"
		marks[i] = "?"
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", d.Quote(t.Name), strings.Join(cols, ", "))); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", d.Quote(t.Name), strings.Join(marks, ", ")))
	if err != nil {
		return err
	}
	defer stmt.Close()

	args := make([]interface{}, len(t.Columns))
	for _, row := range t.Rows {
		for i, v := range row {
			args[i] = v
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return err
		}
	}
	return tx.Commit()
}
