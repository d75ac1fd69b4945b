package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions is used when creating the database directory.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a single-file store. Writes are serialized through one connection.
type SQLiteStore struct {
	sqlCore
}

var _ Backend = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database file named by the
// DSN, which may be a bare path or a "file:" URI with query parameters.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	dsn, err := configuredDSN("SQLiteStore", opts)
	if err != nil {
		return nil, err
	}
	if err := ensureSQLiteDir(dsn); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: directory not writable", "error", err)
		return nil, err
	}
	core, err := openMigrated("SQLiteStore", "sqlite3", dsn, sqliteMigrations, func(c *sqlCore) {
		c.db.SetMaxOpenConns(1)
	})
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{core}, nil
}

// sqliteDir returns the directory holding the database file of dsn.
func sqliteDir(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return filepath.Dir(path)
}

func ensureSQLiteDir(dsn string) error {
	dir := sqliteDir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}
	return nil
}
