package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"atelier/internal/domain"
	"atelier/internal/infra"
	"atelier/internal/sqlinline"
)

// JobRepositoryPG implements domain.JobRepository on PostgreSQL. Terminal
// gating happens in SQL (status not in complete/failed), so a racing write
// against a finished job simply matches zero rows.
type JobRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewJobRepository creates a job repository backed by PostgreSQL.
func NewJobRepository(sql infra.SQLExecutor) *JobRepositoryPG {
	return &JobRepositoryPG{sql: sql}
}

// Create inserts a new job record.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	row := r.sql.QueryRow(ctx, sqlinline.QInsertJob,
		job.ID,
		job.Type,
		job.Status,
		job.OwnerID,
		job.ParentID,
		job.Payload,
		job.ErrorMessage,
		job.RetryCount,
	)
	if err := row.Scan(&job.CreatedAt, &job.UpdatedAt); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get fetches a job by its identifier.
func (r *JobRepositoryPG) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QSelectJob, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// Update applies a status transition plus patch, refreshing updated_at.
// Returns domain.ErrConflict when the job is already terminal.
func (r *JobRepositoryPG) Update(ctx context.Context, id string, status domain.JobStatus, patch domain.UpdatePatch) (*domain.Job, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QUpdateJob,
		id,
		status,
		nullableBytes(patch.Payload),
		patch.ErrorMessage,
		patch.RetryCount,
	)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	// Zero rows: either the job is gone or it already reached a terminal
	// status and the gate rejected the write.
	existing, getErr := r.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if existing.Status.Terminal() {
		return nil, domain.ErrConflict
	}
	return nil, fmt.Errorf("update job %s: no row matched", id)
}

// Reset moves a failed job back to a re-entry status, clearing error state.
func (r *JobRepositoryPG) Reset(ctx context.Context, id string, status domain.JobStatus) (*domain.Job, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QResetJob, id, status)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if _, getErr := r.Get(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, domain.ErrConflict
}

// Touch refreshes updated_at for a non-terminal job.
func (r *JobRepositoryPG) Touch(ctx context.Context, id string) error {
	_, err := r.sql.Exec(ctx, sqlinline.QTouchJob, id)
	return err
}

// FindStalled returns non-terminal jobs whose updated_at is older than
// olderThan, oldest first.
func (r *JobRepositoryPG) FindStalled(ctx context.Context, types []domain.JobType, statuses []domain.JobStatus, olderThan time.Duration, limit int) ([]*domain.Job, error) {
	typeNames := make([]string, len(types))
	for i, t := range types {
		typeNames[i] = string(t)
	}
	statusNames := make([]string, len(statuses))
	for i, s := range statuses {
		statusNames[i] = string(s)
	}
	cutoff := time.Now().Add(-olderThan)
	rows, err := r.sql.Query(ctx, sqlinline.QFindStalled, typeNames, statusNames, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListChildren returns all children of a fan-out parent in creation order.
func (r *JobRepositoryPG) ListChildren(ctx context.Context, parentID string) ([]*domain.Job, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QSelectChildren, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var job domain.Job
	if err := row.Scan(
		&job.ID,
		&job.Type,
		&job.Status,
		&job.OwnerID,
		&job.ParentID,
		&job.Payload,
		&job.ErrorMessage,
		&job.RetryCount,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]*domain.Job, error) {
	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)
