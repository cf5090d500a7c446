// Package store is the central relational store: sync bookkeeping, the
// current folder selection and the mirrored legacy records.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // postgres driver
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations
var migrationsFS embed.FS

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Options selects the backend.
type Options struct {
	Driver string // "sqlite" or "postgres"
	DSN    string // postgres connection string
	Path   string // sqlite file
}

// Store wraps the central database.
type Store struct {
	db      *sqlx.DB
	driver  string
	writeMu sync.Mutex
}

// Open connects to the central store and applies pending migrations.
func Open(ctx context.Context, opts Options) (*Store, error) {
	var (
		db      *sqlx.DB
		err     error
		dialect goose.Dialect
		dir     string
	)

	switch opts.Driver {
	case "", "sqlite":
		opts.Driver = "sqlite"
		if opts.Path == "" {
			return nil, fmt.Errorf("store path is required for sqlite")
		}
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)", opts.Path)
		db, err = sqlx.Open("sqlite", dsn)
		dialect, dir = goose.DialectSQLite3, "migrations/sqlite"
	case "postgres":
		db, err = sqlx.Open("pgx", opts.DSN)
		dialect, dir = goose.DialectPostgres, "migrations/postgres"
	default:
		return nil, fmt.Errorf("unsupported store driver %q", opts.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to store: %w", err)
	}

	s := &Store{db: db, driver: opts.Driver}
	if err := s.migrate(ctx, dialect, dir); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info().Str("driver", opts.Driver).Msg("Central store ready")
	return s, nil
}

func (s *Store) migrate(ctx context.Context, dialect goose.Dialect, dir string) error {
	fsys, err := fs.Sub(migrationsFS, dir)
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(dialect, s.db.DB, fsys)
	if err != nil {
		return err
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return err
	}
	for _, r := range results {
		log.Debug().Int64("version", r.Source.Version).Dur("took", r.Duration).Msg("Migration applied")
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Driver returns the backend name.
func (s *Store) Driver() string { return s.driver }

// DB exposes the underlying handle.
func (s *Store) DB() *sqlx.DB { return s.db }

// WithTx runs fn in a transaction, committing when it returns nil. Writes
// are serialized so SQLite never sees two writers.
func (s *Store) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// SyncStatus is the last successful sync of one legacy file.
type SyncStatus struct {
	FilePath     string    `db:"file_path" json:"file_path"`
	LastModified int64     `db:"last_modified" json:"last_modified"`
	FileSize     int64     `db:"file_size" json:"file_size"`
	FileHash     string    `db:"file_hash" json:"file_hash"`
	FolderName   string    `db:"folder_name" json:"folder_name"`
	LastSync     time.Time `db:"last_sync" json:"last_sync"`
	SyncCount    int       `db:"sync_count" json:"sync_count"`
}

// SyncFailure counts consecutive failed syncs of one legacy file.
type SyncFailure struct {
	FilePath     string    `db:"file_path" json:"file_path"`
	FolderName   string    `db:"folder_name" json:"folder_name"`
	FailureCount int       `db:"failure_count" json:"failure_count"`
	LastError    string    `db:"last_error" json:"last_error"`
	LastAttempt  time.Time `db:"last_attempt" json:"last_attempt"`
}

const syncStatusColumns = "file_path, last_modified, file_size, file_hash, folder_name, last_sync, sync_count"

// GetSyncStatus returns the status row for path or ErrNotFound.
func (s *Store) GetSyncStatus(ctx context.Context, path string) (*SyncStatus, error) {
	var st SyncStatus
	err := s.db.GetContext(ctx, &st, s.db.Rebind("SELECT "+syncStatusColumns+" FROM sync_status WHERE file_path = ?"), path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sync status: %w", err)
	}
	return &st, nil
}

// ListSyncStatus returns every status row ordered by path.
func (s *Store) ListSyncStatus(ctx context.Context) ([]SyncStatus, error) {
	var out []SyncStatus
	if err := s.db.SelectContext(ctx, &out, "SELECT "+syncStatusColumns+" FROM sync_status ORDER BY file_path"); err != nil {
		return nil, fmt.Errorf("failed to list sync status: %w", err)
	}
	return out, nil
}

// UpsertSyncStatus overwrites the row for st.FilePath and increments its
// sync count. It runs inside the caller's transaction.
func UpsertSyncStatus(ctx context.Context, tx *sqlx.Tx, st SyncStatus) error {
	query := tx.Rebind(`
		INSERT INTO sync_status (file_path, last_modified, file_size, file_hash, folder_name, last_sync, sync_count)
		VALUES (?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(file_path) DO UPDATE SET
			last_modified = excluded.last_modified,
			file_size = excluded.file_size,
			file_hash = excluded.file_hash,
			folder_name = excluded.folder_name,
			last_sync = excluded.last_sync,
			sync_count = sync_status.sync_count + 1`)
	_, err := tx.ExecContext(ctx, query, st.FilePath, st.LastModified, st.FileSize, st.FileHash, st.FolderName, st.LastSync.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert sync status: %w", err)
	}
	return nil
}

// RecordFailure remembers a failed sync for operators.
func (s *Store) RecordFailure(ctx context.Context, path, folderName string, cause error, at time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := s.db.Rebind(`
		INSERT INTO sync_failures (file_path, folder_name, failure_count, last_error, last_attempt)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(file_path) DO UPDATE SET
			folder_name = excluded.folder_name,
			failure_count = sync_failures.failure_count + 1,
			last_error = excluded.last_error,
			last_attempt = excluded.last_attempt`)
	if _, err := s.db.ExecContext(ctx, query, path, folderName, cause.Error(), at.UTC()); err != nil {
		return fmt.Errorf("failed to record sync failure: %w", err)
	}
	return nil
}

// ClearFailure removes the failure row of path inside tx.
func ClearFailure(ctx context.Context, tx *sqlx.Tx, path string) error {
	_, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM sync_failures WHERE file_path = ?"), path)
	return err
}

// ListFailures returns every recorded failure, most recent first.
func (s *Store) ListFailures(ctx context.Context) ([]SyncFailure, error) {
	var out []SyncFailure
	err := s.db.SelectContext(ctx, &out,
		"SELECT file_path, folder_name, failure_count, last_error, last_attempt FROM sync_failures ORDER BY last_attempt DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list sync failures: %w", err)
	}
	return out, nil
}

// SaveSelection stores v as JSON under slot.
func (s *Store) SaveSelection(ctx context.Context, slot string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	query := s.db.Rebind(`
		INSERT INTO selected_folder (slot, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, query, slot, string(payload), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save selection: %w", err)
	}
	return nil
}

// LoadSelection decodes the JSON stored under slot into dest.
func (s *Store) LoadSelection(ctx context.Context, slot string, dest interface{}) error {
	var payload string
	err := s.db.GetContext(ctx, &payload, s.db.Rebind("SELECT payload FROM selected_folder WHERE slot = ?"), slot)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load selection: %w", err)
	}
	return json.Unmarshal([]byte(payload), dest)
}

// DeleteSelection removes slot.
func (s *Store) DeleteSelection(ctx context.Context, slot string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM selected_folder WHERE slot = ?"), slot)
	return err
}

// DeleteBySourceHash removes the rows of table tagged with any of hashes.
func DeleteBySourceHash(ctx context.Context, tx *sqlx.Tx, table string, hashes ...string) (int64, error) {
	if len(hashes) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In("DELETE FROM "+table+" WHERE source_file_hash IN (?)", hashes)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	return res.RowsAffected()
}

// InsertRows bulk-inserts rows into table using multi-row statements of at
// most batchSize rows.
func InsertRows(ctx context.Context, tx *sqlx.Tx, table string, columns []string, rows [][]interface{}, batchSize int) error {
	if len(rows) == 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = 1000
	}

	rowMarks := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	prefix := "INSERT INTO " + table + " (" + strings.Join(columns, ", ") + ") VALUES "

	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]

		marks := make([]string, len(batch))
		args := make([]interface{}, 0, len(batch)*len(columns))
		for i, row := range batch {
			if len(row) != len(columns) {
				return fmt.Errorf("row %d of %s has %d values, want %d", start+i, table, len(row), len(columns))
			}
			marks[i] = rowMarks
			args = append(args, row...)
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(prefix+strings.Join(marks, ", ")), args...); err != nil {
			return fmt.Errorf("failed to insert batch %d-%d into %s: %w", start, end, table, err)
		}
	}
	return nil
}

// CountByHash counts the rows of table tagged with hash.
func (s *Store) CountByHash(ctx context.Context, table, hash string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind("SELECT COUNT(*) FROM "+table+" WHERE source_file_hash = ?"), hash)
	return n, err
}

// CountRows counts every row of table.
func (s *Store) CountRows(ctx context.Context, table string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM "+table)
	return n, err
}
