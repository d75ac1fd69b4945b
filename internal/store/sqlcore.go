package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/PaceMate/internal/models"
)

// configuredDSN applies opts and requires a DSN.
func configuredDSN(name string, opts []Option) (string, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug(name+": opening", "DSN_set", cfg.DSN != "")
	if cfg.DSN == "" {
		return "", fmt.Errorf("%s: database DSN not set", name)
	}
	return cfg.DSN, nil
}

// openMigrated opens the database, lets configure tune the pool, verifies the
// connection and applies the embedded schema. The schema is idempotent.
func openMigrated(name, driver, dsn, migrations string, configure func(*sqlCore)) (sqlCore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		slog.Error(name+": open failed", "error", err)
		return sqlCore{}, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	core := sqlCore{db: db, name: name}
	configure(&core)

	if err := db.Ping(); err != nil {
		slog.Error(name+": ping failed", "error", err)
		db.Close()
		return sqlCore{}, fmt.Errorf("failed to reach %s database: %w", driver, err)
	}
	if _, err := db.Exec(migrations); err != nil {
		slog.Error(name+": migrations failed", "error", err)
		db.Close()
		return sqlCore{}, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug(name + ": schema ready")
	return core, nil
}

// sqlCore implements the domain tables once for both SQL backends. Queries are
// written with '?' placeholders and rebound to '$n' for PostgreSQL.
type sqlCore struct {
	db     *sql.DB
	name   string
	dollar bool
}

// bind rewrites '?' placeholders for the active dialect.
func (c *sqlCore) bind(query string) string {
	if !c.dollar {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (c *sqlCore) exec(query string, args ...any) (sql.Result, error) {
	return c.db.Exec(c.bind(query), args...)
}

func (c *sqlCore) query(query string, args ...any) (*sql.Rows, error) {
	return c.db.Query(c.bind(query), args...)
}

func (c *sqlCore) queryRow(query string, args ...any) *sql.Row {
	return c.db.QueryRow(c.bind(query), args...)
}

func (c *sqlCore) AppendTurn(turn models.Turn) error {
	if err := turn.Validate(); err != nil {
		return err
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	_, err := c.exec(
		`INSERT INTO session_turns (user_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		turn.UserID, string(turn.Role), turn.Content, turn.CreatedAt.UTC(),
	)
	if err != nil {
		slog.Error(c.name+".AppendTurn failed", "error", err, "userID", turn.UserID)
		return fmt.Errorf("failed to append turn for %s: %w", turn.UserID, err)
	}
	return nil
}

func (c *sqlCore) GetTurns(userID string, limit int) ([]models.Turn, error) {
	if limit <= 0 {
		return c.scanTurns(c.query(
			`SELECT id, user_id, role, content, created_at FROM session_turns WHERE user_id = ? ORDER BY id ASC`,
			userID,
		))
	}
	return c.scanTurns(c.query(
		`SELECT id, user_id, role, content, created_at FROM (
		   SELECT id, user_id, role, content, created_at FROM session_turns
		   WHERE user_id = ? ORDER BY id DESC LIMIT ?
		 ) AS recent ORDER BY id ASC`,
		userID, limit,
	))
}

func (c *sqlCore) scanTurns(rows *sql.Rows, err error) ([]models.Turn, error) {
	if err != nil {
		slog.Error(c.name+".GetTurns query failed", "error", err)
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()
	var turns []models.Turn
	for rows.Next() {
		var t models.Turn
		var role string
		if err := rows.Scan(&t.ID, &t.UserID, &role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn row: %w", err)
		}
		t.Role = models.Role(role)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate turn rows: %w", err)
	}
	return turns, nil
}

func (c *sqlCore) DeleteSession(userID string) error {
	if _, err := c.exec(`DELETE FROM session_turns WHERE user_id = ?`, userID); err != nil {
		slog.Error(c.name+".DeleteSession failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to delete session for %s: %w", userID, err)
	}
	slog.Debug(c.name+".DeleteSession succeeded", "userID", userID)
	return nil
}

func (c *sqlCore) ListSessions() ([]models.SessionSummary, error) {
	rows, err := c.query(
		`SELECT t.user_id, g.cnt, t.content, t.created_at
		 FROM session_turns t
		 JOIN (SELECT user_id, COUNT(*) AS cnt, MAX(id) AS last_id FROM session_turns GROUP BY user_id) g
		   ON t.id = g.last_id
		 ORDER BY t.created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()
	var out []models.SessionSummary
	for rows.Next() {
		var s models.SessionSummary
		if err := rows.Scan(&s.UserID, &s.TurnCount, &s.LastMessage, &s.LastAt); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const entitlementColumns = `user_id, status, plan, origin, started_at, expires_at, last_payment_at, provider_status, external_ids, updated_at`

func scanEntitlement(sc rowScanner) (models.Entitlement, error) {
	var e models.Entitlement
	var status string
	var expiresAt, lastPaymentAt sql.NullTime
	var providerStatus, externalIDs sql.NullString
	err := sc.Scan(&e.UserID, &status, &e.Plan, &e.Origin, &e.StartedAt, &expiresAt, &lastPaymentAt,
		&providerStatus, &externalIDs, &e.UpdatedAt)
	if err != nil {
		return e, err
	}
	e.Status = models.EntitlementStatus(status)
	e.ExpiresAt = timePtr(expiresAt)
	e.LastPaymentAt = timePtr(lastPaymentAt)
	e.ProviderStatus = providerStatus.String
	if externalIDs.String != "" {
		if err := json.Unmarshal([]byte(externalIDs.String), &e.ExternalIDs); err != nil {
			slog.Warn("Store.scanEntitlement: invalid external ids, ignoring", "userID", e.UserID, "error", err)
			e.ExternalIDs = nil
		}
	}
	return e, nil
}

func (c *sqlCore) GetEntitlement(userID string) (*models.Entitlement, error) {
	e, err := scanEntitlement(c.queryRow(`SELECT `+entitlementColumns+` FROM entitlements WHERE user_id = ?`, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error(c.name+".GetEntitlement failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get entitlement for %s: %w", userID, err)
	}
	return &e, nil
}

func (c *sqlCore) SaveEntitlement(e models.Entitlement) error {
	var externalIDs interface{}
	if len(e.ExternalIDs) > 0 {
		b, err := json.Marshal(e.ExternalIDs)
		if err != nil {
			return fmt.Errorf("failed to marshal external ids: %w", err)
		}
		externalIDs = string(b)
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	_, err := c.exec(
		`INSERT INTO entitlements (`+entitlementColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
		   status = excluded.status, plan = excluded.plan, origin = excluded.origin,
		   started_at = excluded.started_at, expires_at = excluded.expires_at,
		   last_payment_at = excluded.last_payment_at, provider_status = excluded.provider_status,
		   external_ids = excluded.external_ids, updated_at = excluded.updated_at`,
		e.UserID, string(e.Status), e.Plan, e.Origin, e.StartedAt.UTC(), nullableTime(e.ExpiresAt),
		nullableTime(e.LastPaymentAt), nilIfEmpty(e.ProviderStatus), externalIDs, e.UpdatedAt.UTC(),
	)
	if err != nil {
		slog.Error(c.name+".SaveEntitlement failed", "error", err, "userID", e.UserID)
		return fmt.Errorf("failed to save entitlement for %s: %w", e.UserID, err)
	}
	slog.Debug(c.name+".SaveEntitlement succeeded", "userID", e.UserID, "status", e.Status)
	return nil
}

func (c *sqlCore) DeleteEntitlement(userID string) error {
	if _, err := c.exec(`DELETE FROM entitlements WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to delete entitlement for %s: %w", userID, err)
	}
	return nil
}

func (c *sqlCore) ListEntitlements() ([]models.Entitlement, error) {
	rows, err := c.query(`SELECT ` + entitlementColumns + ` FROM entitlements ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list entitlements: %w", err)
	}
	defer rows.Close()
	var out []models.Entitlement
	for rows.Next() {
		e, err := scanEntitlement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entitlement row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (c *sqlCore) GetCredential(userID string) (*models.OAuthCredential, error) {
	var cred models.OAuthCredential
	var athleteName, scope sql.NullString
	err := c.queryRow(
		`SELECT user_id, access_token, refresh_token, expires_at, athlete_id, athlete_name, scope, updated_at
		 FROM oauth_credentials WHERE user_id = ?`, userID,
	).Scan(&cred.UserID, &cred.AccessToken, &cred.RefreshToken, &cred.ExpiresAt, &cred.AthleteID,
		&athleteName, &scope, &cred.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error(c.name+".GetCredential failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get credential for %s: %w", userID, err)
	}
	cred.AthleteName = athleteName.String
	cred.Scope = scope.String
	return &cred, nil
}

func (c *sqlCore) SaveCredential(cred models.OAuthCredential) error {
	if cred.UpdatedAt.IsZero() {
		cred.UpdatedAt = time.Now()
	}
	_, err := c.exec(
		`INSERT INTO oauth_credentials (user_id, access_token, refresh_token, expires_at, athlete_id, athlete_name, scope, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
		   access_token = excluded.access_token, refresh_token = excluded.refresh_token,
		   expires_at = excluded.expires_at, athlete_id = excluded.athlete_id,
		   athlete_name = excluded.athlete_name, scope = excluded.scope, updated_at = excluded.updated_at`,
		cred.UserID, cred.AccessToken, cred.RefreshToken, cred.ExpiresAt.UTC(), cred.AthleteID,
		nilIfEmpty(cred.AthleteName), nilIfEmpty(cred.Scope), cred.UpdatedAt.UTC(),
	)
	if err != nil {
		slog.Error(c.name+".SaveCredential failed", "error", err, "userID", cred.UserID)
		return fmt.Errorf("failed to save credential for %s: %w", cred.UserID, err)
	}
	return nil
}

func (c *sqlCore) DeleteCredential(userID string) error {
	if _, err := c.exec(`DELETE FROM oauth_credentials WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to delete credential for %s: %w", userID, err)
	}
	return nil
}

const interestColumns = `user_id, topic, note, created_at, resolved, resolved_at`

func scanInterest(sc rowScanner) (models.Interest, error) {
	var i models.Interest
	var resolvedAt sql.NullTime
	err := sc.Scan(&i.UserID, &i.Topic, &i.Note, &i.CreatedAt, &i.Resolved, &resolvedAt)
	i.ResolvedAt = timePtr(resolvedAt)
	return i, err
}

func (c *sqlCore) GetInterest(userID, topic string) (*models.Interest, error) {
	i, err := scanInterest(c.queryRow(`SELECT `+interestColumns+` FROM interests WHERE user_id = ? AND topic = ?`, userID, topic))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get interest for %s: %w", userID, err)
	}
	return &i, nil
}

func (c *sqlCore) SaveInterest(i models.Interest) error {
	_, err := c.exec(
		`INSERT INTO interests (`+interestColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, topic) DO UPDATE SET
		   note = excluded.note, created_at = excluded.created_at,
		   resolved = excluded.resolved, resolved_at = excluded.resolved_at`,
		i.UserID, i.Topic, i.Note, i.CreatedAt.UTC(), i.Resolved, nullableTime(i.ResolvedAt),
	)
	if err != nil {
		slog.Error(c.name+".SaveInterest failed", "error", err, "userID", i.UserID, "topic", i.Topic)
		return fmt.Errorf("failed to save interest for %s: %w", i.UserID, err)
	}
	return nil
}

func (c *sqlCore) ListInterests(includeResolved bool) ([]models.Interest, error) {
	q := `SELECT ` + interestColumns + ` FROM interests`
	if !includeResolved {
		q += ` WHERE resolved = ?`
	}
	q += ` ORDER BY created_at DESC`
	var rows *sql.Rows
	var err error
	if includeResolved {
		rows, err = c.query(q)
	} else {
		rows, err = c.query(q, false)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list interests: %w", err)
	}
	defer rows.Close()
	var out []models.Interest
	for rows.Next() {
		i, err := scanInterest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan interest row: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (c *sqlCore) GetSetting(key string) (string, error) {
	var value string
	err := c.queryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, nil
}

func (c *sqlCore) SetSetting(key, value string) error {
	_, err := c.exec(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

func (c *sqlCore) GetDocument(name string) (*models.Document, error) {
	var d models.Document
	err := c.queryRow(`SELECT name, content, updated_at FROM documents WHERE name = ?`, strings.ToLower(name)).
		Scan(&d.Name, &d.Content, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", name, err)
	}
	return &d, nil
}

func (c *sqlCore) PutDocument(d models.Document) error {
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now()
	}
	_, err := c.exec(
		`INSERT INTO documents (name, content, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		strings.ToLower(d.Name), capDocument(d.Content), d.UpdatedAt.UTC(),
	)
	if err != nil {
		slog.Error(c.name+".PutDocument failed", "error", err, "name", d.Name)
		return fmt.Errorf("failed to put document %s: %w", d.Name, err)
	}
	return nil
}

func (c *sqlCore) DeleteDocument(name string) error {
	if _, err := c.exec(`DELETE FROM documents WHERE name = ?`, strings.ToLower(name)); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", name, err)
	}
	return nil
}

func (c *sqlCore) ListDocuments() ([]models.Document, error) {
	rows, err := c.query(`SELECT name, content, updated_at FROM documents ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()
	var out []models.Document
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(&d.Name, &d.Content, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (c *sqlCore) Close() error {
	slog.Debug(c.name + ".Close: closing database connection")
	err := c.db.Close()
	if err != nil {
		slog.Error(c.name+".Close: failed to close database", "error", err)
	}
	return err
}
