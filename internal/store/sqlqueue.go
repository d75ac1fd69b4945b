package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/BTreeMap/PaceMate/internal/util"
)

// The job queue, the outbox and the dedup table share one implementation for
// both SQL backends. Claims are a single UPDATE ... RETURNING so a row moves to
// its in-flight state atomically; PostgreSQL also skips rows other replicas
// have locked.

const jobColumns = `id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

const outboxColumns = `id, user_id, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

// skipLocked is appended to claim subqueries.
func (c *sqlCore) skipLocked() string {
	if c.dollar {
		return ` FOR UPDATE SKIP LOCKED`
	}
	return ``
}

// existingID returns the id of a live row holding dedupeKey, or "".
func (c *sqlCore) existingID(query, dedupeKey string) (string, error) {
	var id string
	err := c.queryRow(query, dedupeKey).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

func (c *sqlCore) EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		id, err := c.existingID(`SELECT id FROM jobs WHERE dedupe_key = ? AND status NOT IN ('done', 'canceled', 'failed')`, dedupeKey)
		if err != nil {
			return "", fmt.Errorf("job dedupe lookup failed: %w", err)
		}
		if id != "" {
			slog.Debug(c.name+".EnqueueJob: already pending", "kind", kind, "dedupeKey", dedupeKey, "id", id)
			return id, nil
		}
	}

	id := util.GenerateJobID()
	now := time.Now().UTC()
	if _, err := c.exec(
		`INSERT INTO jobs (id, kind, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)`,
		id, kind, runAt.UTC(), payloadJSON, DefaultJobMaxAttempts, nilIfEmpty(dedupeKey), now, now,
	); err != nil {
		slog.Error(c.name+".EnqueueJob failed", "error", err, "kind", kind)
		return "", fmt.Errorf("failed to enqueue %s job: %w", kind, err)
	}
	slog.Debug(c.name+".EnqueueJob", "id", id, "kind", kind, "runAt", runAt)
	return id, nil
}

func (c *sqlCore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	rows, err := c.query(
		`UPDATE jobs SET status = 'running', locked_at = ?, updated_at = ?
		 WHERE id IN (
		   SELECT id FROM jobs WHERE status = 'queued' AND run_at <= ?
		   ORDER BY run_at ASC LIMIT ?`+c.skipLocked()+`
		 )
		 RETURNING `+jobColumns,
		now.UTC(), now.UTC(), now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING order is unspecified.
	slices.SortStableFunc(jobs, func(a, b Job) int { return a.RunAt.Compare(b.RunAt) })
	return jobs, nil
}

func (c *sqlCore) CompleteJob(id string) error {
	return c.setJobStatus(id, JobStatusDone)
}

func (c *sqlCore) CancelJob(id string) error {
	return c.setJobStatus(id, JobStatusCanceled)
}

func (c *sqlCore) setJobStatus(id string, status JobStatus) error {
	if _, err := c.exec(
		`UPDATE jobs SET status = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id,
	); err != nil {
		return fmt.Errorf("failed to mark job %s %s: %w", id, status, err)
	}
	return nil
}

// FailJob counts an attempt and either reschedules the job or parks it as
// failed once max_attempts is reached, in one statement.
func (c *sqlCore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	if _, err := c.exec(
		`UPDATE jobs SET
		   attempt = attempt + 1,
		   status = CASE WHEN attempt + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
		   run_at = CASE WHEN attempt + 1 >= max_attempts THEN run_at ELSE ? END,
		   last_error = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ?`,
		nextRunAt.UTC(), errMsg, time.Now().UTC(), id,
	); err != nil {
		return fmt.Errorf("failed to record job %s failure: %w", id, err)
	}
	return nil
}

func (c *sqlCore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	n, err := c.requeue(`UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'running' AND locked_at < ?`, staleBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale jobs: %w", err)
	}
	if n > 0 {
		slog.Info(c.name+".RequeueStaleRunningJobs", "requeued", n)
	}
	return n, nil
}

func (c *sqlCore) GetJob(id string) (*Job, error) {
	j, err := scanJob(c.queryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return &j, nil
}

func (c *sqlCore) requeue(query string, staleBefore time.Time) (int, error) {
	result, err := c.exec(query, time.Now().UTC(), staleBefore.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (c *sqlCore) EnqueueOutboxMessage(userID, kind, payloadJSON, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		id, err := c.existingID(`SELECT id FROM outbox_messages WHERE dedupe_key = ? AND status != 'canceled'`, dedupeKey)
		if err != nil {
			return "", fmt.Errorf("outbox dedupe lookup failed: %w", err)
		}
		if id != "" {
			slog.Debug(c.name+".EnqueueOutboxMessage: already queued", "userID", userID, "dedupeKey", dedupeKey, "id", id)
			return id, nil
		}
	}

	id := util.GenerateOutboxID()
	now := time.Now().UTC()
	if _, err := c.exec(
		`INSERT INTO outbox_messages (id, user_id, kind, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?)`,
		id, userID, kind, payloadJSON, nilIfEmpty(dedupeKey), now, now,
	); err != nil {
		slog.Error(c.name+".EnqueueOutboxMessage failed", "error", err, "userID", userID, "kind", kind)
		return "", fmt.Errorf("failed to enqueue outbox message for %s: %w", userID, err)
	}
	slog.Debug(c.name+".EnqueueOutboxMessage", "id", id, "userID", userID, "kind", kind)
	return id, nil
}

func (c *sqlCore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	rows, err := c.query(
		`UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ?
		 WHERE id IN (
		   SELECT id FROM outbox_messages
		   WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		   ORDER BY created_at ASC LIMIT ?`+c.skipLocked()+`
		 )
		 RETURNING `+outboxColumns,
		now.UTC(), now.UTC(), now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due outbox messages: %w", err)
	}
	msgs, err := collectOutboxMessages(rows)
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(msgs, func(a, b OutboxMessage) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return msgs, nil
}

func (c *sqlCore) MarkOutboxMessageSent(id string) error {
	if _, err := c.exec(
		`UPDATE outbox_messages SET status = 'sent', locked_at = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	); err != nil {
		return fmt.Errorf("failed to mark outbox message %s sent: %w", id, err)
	}
	return nil
}

func (c *sqlCore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	if _, err := c.exec(
		`UPDATE outbox_messages SET status = 'queued', attempts = attempts + 1, last_error = ?,
		   next_attempt_at = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ?`,
		errMsg, nextAttemptAt.UTC(), time.Now().UTC(), id,
	); err != nil {
		return fmt.Errorf("failed to reschedule outbox message %s: %w", id, err)
	}
	return nil
}

func (c *sqlCore) AbandonOutboxMessage(id string, errMsg string) error {
	if _, err := c.exec(
		`UPDATE outbox_messages SET status = 'failed', attempts = attempts + 1, last_error = ?,
		   locked_at = NULL, updated_at = ?
		 WHERE id = ?`,
		errMsg, time.Now().UTC(), id,
	); err != nil {
		return fmt.Errorf("failed to abandon outbox message %s: %w", id, err)
	}
	return nil
}

func (c *sqlCore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	n, err := c.requeue(`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`, staleBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale outbox messages: %w", err)
	}
	if n > 0 {
		slog.Info(c.name+".RequeueStaleSendingMessages", "requeued", n)
	}
	return n, nil
}

func (c *sqlCore) ListOutboxMessages(userID string) ([]OutboxMessage, error) {
	rows, err := c.query(
		`SELECT `+outboxColumns+` FROM outbox_messages WHERE user_id = ? ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox messages for %s: %w", userID, err)
	}
	return collectOutboxMessages(rows)
}

func (c *sqlCore) IsDuplicate(eventKey string) (bool, error) {
	var n int
	if err := c.queryRow(`SELECT COUNT(*) FROM event_dedup WHERE event_key = ?`, eventKey).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check event %s: %w", eventKey, err)
	}
	return n > 0, nil
}

// RecordEvent reports true only for the first caller with eventKey.
func (c *sqlCore) RecordEvent(eventKey, userID string) (bool, error) {
	result, err := c.exec(
		`INSERT INTO event_dedup (event_key, user_id, received_at) VALUES (?, ?, ?)
		 ON CONFLICT (event_key) DO NOTHING`,
		eventKey, userID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to record event %s: %w", eventKey, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected for event %s: %w", eventKey, err)
	}
	return n > 0, nil
}

func (c *sqlCore) MarkProcessed(eventKey string) error {
	if _, err := c.exec(`UPDATE event_dedup SET processed_at = ? WHERE event_key = ?`, time.Now().UTC(), eventKey); err != nil {
		return fmt.Errorf("failed to mark event %s processed: %w", eventKey, err)
	}
	return nil
}

func (c *sqlCore) PurgeEventsBefore(cutoff time.Time) (int, error) {
	result, err := c.exec(`DELETE FROM event_dedup WHERE received_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge events: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Debug(c.name+".PurgeEventsBefore", "purged", n, "cutoff", cutoff)
	}
	return int(n), nil
}
