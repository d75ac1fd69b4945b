package util

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes of generated record ids.
const (
	OutboxIDPrefix = "outbox_"
	JobIDPrefix    = "job_"
)

// NewID returns prefix followed by a random UUID in 32-char hex form.
func NewID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenerateOutboxID returns a new outbox message id.
func GenerateOutboxID() string {
	return NewID(OutboxIDPrefix)
}

// GenerateJobID returns a new job id.
func GenerateJobID() string {
	return NewID(JobIDPrefix)
}
