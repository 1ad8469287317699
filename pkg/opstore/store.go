// Package opstore persists queued write operations, abandoned operations and
// offline read-cache entries in an embedded SQLite database.
package opstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	// EnvDBPath overrides the default database location.
	EnvDBPath = "EDGESYNC_DB_PATH"

	defaultDBDirName  = ".edgesync"
	defaultDBFileName = "queue.sqlite"

	operationsTable = "queued_operations"
	abandonedTable  = "abandoned_operations"
	cacheTable      = "cache_entries"
	leaseTable      = "leases"
)

// Store is the SQLite-backed operation queue store. It is safe for concurrent
// use; writes are serialized by a single connection.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, pkgerrors.New("opstore: database path is empty")
	}
	if path != ":memory:" {
		if err := ensureDirExists(filepath.Dir(path)); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "opstore: open sqlite database failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug().Str("db_path", path).Msg("opstore: database ready")
	return &Store{db: db, path: path}, nil
}

// OpenDefault opens the database at EDGESYNC_DB_PATH or ~/.edgesync/queue.sqlite.
func OpenDefault() (*Store, error) {
	path, err := ResolveDatabasePath()
	if err != nil {
		return nil, err
	}
	return Open(path)
}

// ResolveDatabasePath returns the database path, creating the parent
// directory if necessary.
func ResolveDatabasePath() (string, error) {
	if custom := strings.TrimSpace(os.Getenv(EnvDBPath)); custom != "" {
		if err := ensureDirExists(filepath.Dir(custom)); err != nil {
			return "", err
		}
		return custom, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", pkgerrors.Wrap(err, "opstore: locate user home failed")
	}
	dir := filepath.Join(home, defaultDBDirName)
	if err := ensureDirExists(dir); err != nil {
		return "", err
	}
	return filepath.Join(dir, defaultDBFileName), nil
}

// Path returns the database location.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the storage medium is usable.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return pkgerrors.New("opstore: store is nil")
	}
	return pkgerrors.Wrap(s.db.PingContext(ctx), "opstore: ping failed")
}

func ensureDirExists(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return pkgerrors.Wrapf(err, "opstore: create dir %s failed", path)
	}
	return nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		// FULL so an acknowledged enqueue survives power loss, not just a crash.
		"PRAGMA synchronous=FULL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=30000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return pkgerrors.Wrapf(err, "opstore: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	operationColumns := `
			id TEXT PRIMARY KEY,
			target_url TEXT NOT NULL,
			method TEXT NOT NULL,
			body BLOB,
			headers TEXT NOT NULL DEFAULT '{}',
			enqueued_at INTEGER NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			module TEXT NOT NULL DEFAULT '',
			cache_key TEXT NOT NULL DEFAULT '',
			cache_ttl_ms INTEGER NOT NULL DEFAULT 0`
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,%s
		);`, operationsTable, strings.Replace(operationColumns, "id TEXT PRIMARY KEY", "id TEXT NOT NULL UNIQUE", 1)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s,
			abandoned_at INTEGER NOT NULL,
			last_error TEXT
		);`, abandonedTable, operationColumns),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			data BLOB,
			cached_at INTEGER NOT NULL,
			ttl_ms INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);`, cacheTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			name TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		);`, leaseTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_order ON %s(priority, enqueued_at, seq);`, operationsTable, operationsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_module ON %s(module);`, operationsTable, operationsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_abandoned_at ON %s(abandoned_at);`, abandonedTable, abandonedTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_expires ON %s(expires_at);`, cacheTable, cacheTable),
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return pkgerrors.Wrap(err, "opstore: init sqlite schema failed")
		}
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (s *Store) exec(ctx context.Context, stmt string, args ...any) error {
	if s == nil || s.db == nil {
		return pkgerrors.New("opstore: store is nil")
	}
	log.Trace().Str("sql", FormatSQLForLog(stmt, args...)).Msg("opstore: exec")
	_, err := execWithRetry(ctx, s.db, stmt, args...)
	return err
}

func execWithRetry(ctx context.Context, db *sql.DB, stmt string, args ...any) (sql.Result, error) {
	const maxAttempts = 3
	for attempt := 0; ; attempt++ {
		res, err := db.ExecContext(ctx, stmt, args...)
		if err == nil {
			return res, nil
		}
		if !isSQLiteBusy(err) || attempt == maxAttempts-1 {
			return nil, err
		}
		backoff := time.Duration(attempt+1) * 200 * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
