package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"atelier/internal/domain"
)

// JobRepositoryMem is an in-memory domain.JobRepository for development and
// tests. It enforces the same terminal gate as the PostgreSQL repository.
type JobRepositoryMem struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job

	// now is swappable so tests can age jobs without sleeping.
	now func() time.Time
}

// NewJobRepositoryMem creates an empty in-memory repository.
func NewJobRepositoryMem() *JobRepositoryMem {
	return &JobRepositoryMem{jobs: make(map[string]*domain.Job), now: time.Now}
}

// SetClock overrides the repository clock. Test hook.
func (r *JobRepositoryMem) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *JobRepositoryMem) Create(ctx context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	job.CreatedAt = now
	job.UpdatedAt = now
	r.jobs[job.ID] = cloneJob(job)
	return nil
}

func (r *JobRepositoryMem) Get(ctx context.Context, id string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneJob(job), nil
}

func (r *JobRepositoryMem) Update(ctx context.Context, id string, status domain.JobStatus, patch domain.UpdatePatch) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if job.Status.Terminal() {
		return nil, domain.ErrConflict
	}
	job.Status = status
	if len(patch.Payload) > 0 {
		job.Payload = append([]byte(nil), patch.Payload...)
	}
	if patch.ErrorMessage != nil {
		job.ErrorMessage = *patch.ErrorMessage
	}
	if patch.RetryCount != nil {
		job.RetryCount = *patch.RetryCount
	}
	job.UpdatedAt = r.now()
	return cloneJob(job), nil
}

func (r *JobRepositoryMem) Reset(ctx context.Context, id string, status domain.JobStatus) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if job.Status != domain.StatusFailed {
		return nil, domain.ErrConflict
	}
	job.Status = status
	job.ErrorMessage = ""
	job.RetryCount = 0
	job.UpdatedAt = r.now()
	return cloneJob(job), nil
}

func (r *JobRepositoryMem) Touch(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status.Terminal() {
		return nil
	}
	job.UpdatedAt = r.now()
	return nil
}

func (r *JobRepositoryMem) FindStalled(ctx context.Context, types []domain.JobType, statuses []domain.JobStatus, olderThan time.Duration, limit int) ([]*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-olderThan)
	typeSet := make(map[domain.JobType]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	statusSet := make(map[domain.JobStatus]bool, len(statuses))
	for _, s := range statuses {
		statusSet[s] = true
	}
	var out []*domain.Job
	for _, job := range r.jobs {
		if typeSet[job.Type] && statusSet[job.Status] && job.UpdatedAt.Before(cutoff) {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *JobRepositoryMem) ListChildren(ctx context.Context, parentID string) ([]*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Job
	for _, job := range r.jobs {
		if job.ParentID != nil && *job.ParentID == parentID {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func cloneJob(job *domain.Job) *domain.Job {
	cp := *job
	cp.Payload = append([]byte(nil), job.Payload...)
	if job.ParentID != nil {
		pid := *job.ParentID
		cp.ParentID = &pid
	}
	return &cp
}

var _ domain.JobRepository = (*JobRepositoryMem)(nil)
