// Package legacy provides access to the point-of-sale desktop database files:
// connection opening, pooling, table export and value repair.
package legacy

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
)

// Known legacy tables.
const (
	TableArticle        = "Article"
	TableMouvementstock = "Mouvementstock"
	TableTicket         = "Ticket"
	TableTicketLigne    = "TicketLigne"
)

// KnownTables is the fixed set read by the sync engine.
var KnownTables = []string{TableArticle, TableMouvementstock, TableTicket, TableTicketLigne}

// Dialect captures the SQL differences between the Access driver and SQLite.
type Dialect int

const (
	DialectAccess Dialect = iota
	DialectSQLite
)

func (d Dialect) String() string {
	if d == DialectAccess {
		return "access"
	}
	return "sqlite"
}

// Lower wraps expr in the dialect's lower-case function.
func (d Dialect) Lower(expr string) string {
	if d == DialectAccess {
		return "LCASE(" + expr + ")"
	}
	return "LOWER(" + expr + ")"
}

// SelectTop builds "SELECT <cols> <rest>" limited to n rows.
func (d Dialect) SelectTop(n int, cols, rest string) string {
	if d == DialectAccess {
		return fmt.Sprintf("SELECT TOP %d %s %s", n, cols, rest)
	}
	return fmt.Sprintf("SELECT %s %s LIMIT %d", cols, rest, n)
}

// Quote quotes an identifier.
func (d Dialect) Quote(ident string) string {
	if d == DialectAccess {
		return "[" + ident + "]"
	}
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// Conn is an open handle on one legacy database file.
type Conn interface {
	PingContext(ctx context.Context) error
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	Dialect() Dialect
	Close() error
}

// Opener creates connections. Implementations must not create the file.
type Opener interface {
	Open(ctx context.Context, path string) (Conn, error)
}

// SQLOpener opens connections through a database/sql driver. The DSN is
// DSNFormat with the file path substituted.
type SQLOpener struct {
	Driver       string
	DSNFormat    string
	SQLDialect   Dialect
	MaxOpenConns int
}

func (o SQLOpener) Open(ctx context.Context, path string) (Conn, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	dsn := path
	if o.DSNFormat != "" {
		dsn = fmt.Sprintf(o.DSNFormat, path)
	}
	db, err := sql.Open(o.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", o.Driver, err)
	}
	if o.MaxOpenConns > 0 {
		db.SetMaxOpenConns(o.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &sqlConn{db: db, dialect: o.SQLDialect, path: path, source: info}, nil
}

// sqlConn reports ErrStale from PingContext once the file it was opened on
// has been modified or replaced.
type sqlConn struct {
	db      *sql.DB
	dialect Dialect
	path    string
	source  os.FileInfo
}

func (c *sqlConn) PingContext(ctx context.Context) error {
	if c.source != nil {
		info, err := os.Stat(c.path)
		if err != nil {
			return err
		}
		if !os.SameFile(info, c.source) || !info.ModTime().Equal(c.source.ModTime()) || info.Size() != c.source.Size() {
			return ErrStale
		}
	}
	var one int
	return c.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

func (c *sqlConn) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...)
}

func (c *sqlConn) Dialect() Dialect { return c.dialect }

func (c *sqlConn) Close() error { return c.db.Close() }

// Row is one legacy record keyed by column name.
type Row map[string]interface{}

// String returns the column as text, or "" when absent or NULL.
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

// ScanRows reads every row into memory and closes rows. Byte slices are
// converted to strings.
func ScanRows(rows *sql.Rows) ([]string, []Row, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var out []Row
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	return cols, out, rows.Err()
}

// CountRows runs SELECT COUNT(*) on table.
func CountRows(ctx context.Context, c Conn, table string) (int, error) {
	rows, err := c.QueryContext(ctx, "SELECT COUNT(*) FROM "+c.Dialect().Quote(table))
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var n int
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, err
		}
	}
	return n, rows.Err()
}

// Driver messages for a table that does not exist. The second covers both
// the Jet and ACE engines behind ODBC.
var missingTableMessages = []string{
	"no such table",
	"cannot find the input table",
}

// IsMissingTable reports whether err says the queried table does not exist.
func IsMissingTable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range missingTableMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// TableExists probes table with a count. Only a missing-table error means
// false; any other error is returned.
func TableExists(ctx context.Context, c Conn, table string) (bool, error) {
	if _, err := CountRows(ctx, c, table); err != nil {
		if IsMissingTable(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
