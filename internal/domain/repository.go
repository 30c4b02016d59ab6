package domain

import (
	"context"
	"encoding/json"
	"time"
)

// UpdatePatch carries the optional fields of a job update. Nil/empty fields
// leave the stored value untouched.
type UpdatePatch struct {
	Payload      json.RawMessage
	ErrorMessage *string
	RetryCount   *int
}

// JobRepository is the persistence contract for jobs. Updates are
// last-writer-wins at the row level; the engine guarantees a single logical
// writer per active stage, so no optimistic concurrency is required. Every
// update refreshes UpdatedAt. An update against a job already in a terminal
// status returns ErrConflict and leaves the row unchanged.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, id string, status JobStatus, patch UpdatePatch) (*Job, error)
	// Touch refreshes UpdatedAt without changing status, proving liveness to
	// the watchdog while a poller waits on a remote task.
	Touch(ctx context.Context, id string) error
	// Reset is the one sanctioned write against a terminal job: it moves a
	// failed job back to a re-entry status for a user-initiated retry,
	// clearing error state. Resetting a job that is not failed returns
	// ErrConflict; a complete job is never resurrected.
	Reset(ctx context.Context, id string, status JobStatus) (*Job, error)
	// FindStalled returns jobs of the given types whose status is in
	// statuses and whose UpdatedAt is older than olderThan.
	FindStalled(ctx context.Context, types []JobType, statuses []JobStatus, olderThan time.Duration, limit int) ([]*Job, error)
	ListChildren(ctx context.Context, parentID string) ([]*Job, error)
}
