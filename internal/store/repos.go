package store

import "time"

// JobStatus is the lifecycle state of a background job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// DefaultJobMaxAttempts bounds retries of a failing job.
const DefaultJobMaxAttempts = 3

// Job is durable background work, for example the analysis of an athlete's
// training history after a Strava connection.
type Job struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	RunAt       time.Time  `json:"run_at"`
	PayloadJSON string     `json:"payload_json"`
	Status      JobStatus  `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error"`
	LockedAt    *time.Time `json:"locked_at"`
	DedupeKey   string     `json:"dedupe_key"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobRepo persists the job queue.
type JobRepo interface {
	// EnqueueJob returns the id of a pending job with the same non-empty
	// dedupeKey instead of inserting a second one.
	EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error)
	// ClaimDueJobs moves up to limit queued jobs with run_at <= now to running.
	ClaimDueJobs(now time.Time, limit int) ([]Job, error)
	CompleteJob(id string) error
	// FailJob reschedules at nextRunAt, or marks the job failed on its last attempt.
	FailJob(id string, errMsg string, nextRunAt time.Time) error
	CancelJob(id string) error
	// RequeueStaleRunningJobs returns jobs left running by a dead process to the queue.
	RequeueStaleRunningJobs(staleBefore time.Time) (int, error)
	// GetJob returns nil, nil when the job does not exist.
	GetJob(id string) (*Job, error)
}

// OutboxStatus is the lifecycle state of an outgoing notification.
type OutboxStatus string

const (
	OutboxStatusQueued   OutboxStatus = "queued"
	OutboxStatusSending  OutboxStatus = "sending"
	OutboxStatusSent     OutboxStatus = "sent"
	OutboxStatusFailed   OutboxStatus = "failed"
	OutboxStatusCanceled OutboxStatus = "canceled"
)

// OutboxMessage is a notification waiting to reach a user's WhatsApp.
type OutboxMessage struct {
	ID            string       `json:"id"`
	UserID        string       `json:"user_id"`
	Kind          string       `json:"kind"`
	PayloadJSON   string       `json:"payload_json"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at"`
	DedupeKey     string       `json:"dedupe_key"`
	LockedAt      *time.Time   `json:"locked_at"`
	LastError     string       `json:"last_error"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OutboxRepo persists outgoing notifications so they survive restarts.
type OutboxRepo interface {
	// EnqueueOutboxMessage returns the existing id when a message that is not
	// canceled already used dedupeKey, so an event notifies at most once.
	EnqueueOutboxMessage(userID, kind, payloadJSON, dedupeKey string) (string, error)
	// ClaimDueOutboxMessages moves up to limit due messages to sending.
	ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error)
	MarkOutboxMessageSent(id string) error
	FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error
	AbandonOutboxMessage(id string, errMsg string) error
	RequeueStaleSendingMessages(staleBefore time.Time) (int, error)
	// ListOutboxMessages returns the user's messages, newest first.
	ListOutboxMessages(userID string) ([]OutboxMessage, error)
}

// DedupRecord marks a transport message or payment event already seen.
type DedupRecord struct {
	EventKey    string     `json:"event_key"`
	UserID      string     `json:"user_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo suppresses webhook replays.
type DedupRepo interface {
	IsDuplicate(eventKey string) (bool, error)
	// RecordEvent returns false when the key was already recorded.
	RecordEvent(eventKey, userID string) (bool, error)
	MarkProcessed(eventKey string) error
	PurgeEventsBefore(cutoff time.Time) (int, error)
}
