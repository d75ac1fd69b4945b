package store

import (
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// Pool limits for the shared PostgreSQL backend.
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 25
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore backs deployments running more than one replica.
type PostgresStore struct {
	sqlCore
}

var _ Backend = (*PostgresStore)(nil)

// NewPostgresStore connects with the configured DSN and applies the schema.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	dsn, err := configuredDSN("PostgresStore", opts)
	if err != nil {
		return nil, err
	}
	core, err := openMigrated("PostgresStore", "postgres", dsn, postgresMigrations, func(c *sqlCore) {
		c.dollar = true
		c.db.SetMaxOpenConns(DefaultMaxOpenConns)
		c.db.SetMaxIdleConns(DefaultMaxIdleConns)
		c.db.SetConnMaxLifetime(DefaultConnMaxLifetime)
	})
	if err != nil {
		return nil, err
	}
	return &PostgresStore{core}, nil
}
