// Package store provides storage backends for PaceMate.
//
// Three backends implement Store: an in-memory store for tests and ephemeral
// runs, SQLite for single-node deployments and PostgreSQL for shared state.
// All backends also implement the durable JobRepo, OutboxRepo and DedupRepo.
package store

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/PaceMate/internal/models"
	"github.com/BTreeMap/PaceMate/internal/util"
)

// Store is the persistence boundary for per-user state.
type Store interface {
	// AppendTurn adds one turn to the user's conversation log.
	AppendTurn(turn models.Turn) error
	// GetTurns returns at most limit of the user's most recent turns, oldest first.
	GetTurns(userID string, limit int) ([]models.Turn, error)
	// DeleteSession removes every turn of the user.
	DeleteSession(userID string) error
	// ListSessions summarizes all stored conversations, most recent first.
	ListSessions() ([]models.SessionSummary, error)

	// GetEntitlement returns nil, nil when the user has no record.
	GetEntitlement(userID string) (*models.Entitlement, error)
	SaveEntitlement(e models.Entitlement) error
	DeleteEntitlement(userID string) error
	ListEntitlements() ([]models.Entitlement, error)

	// GetCredential returns nil, nil when the user never connected.
	GetCredential(userID string) (*models.OAuthCredential, error)
	SaveCredential(c models.OAuthCredential) error
	DeleteCredential(userID string) error

	// GetInterest returns nil, nil when no record exists for (user, topic).
	GetInterest(userID, topic string) (*models.Interest, error)
	SaveInterest(i models.Interest) error
	ListInterests(includeResolved bool) ([]models.Interest, error)

	// GetSetting returns "" when the key is unset.
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error

	// GetDocument returns nil, nil when the document does not exist.
	GetDocument(name string) (*models.Document, error)
	PutDocument(d models.Document) error
	DeleteDocument(name string) error
	ListDocuments() ([]models.Document, error)

	Close() error
}

// Backend is a Store that also carries the durable infrastructure repositories.
type Backend interface {
	Store
	JobRepo
	OutboxRepo
	DedupRepo
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL URLs or key=value DSNs, else "sqlite3".
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") {
		return "postgres"
	}
	for _, key := range []string{"host=", "user=", "dbname=", "sslmode="} {
		if strings.Contains(d, key) {
			return "postgres"
		}
	}
	return "sqlite3"
}

// New opens the backend matching the configured DSN. Without a DSN the
// in-memory store is returned.
func New(opts ...Option) (Backend, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return NewInMemoryStore(), nil
	}
	switch DetectDSNType(cfg.DSN) {
	case "postgres":
		s, err := NewPostgresStore(opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite3":
		s, err := NewSQLiteStore(opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported DSN")
	}
}

// capDocument truncates document content to the storage limit.
func capDocument(content string) string {
	return util.TruncateRunes(content, models.MaxDocumentChars)
}
