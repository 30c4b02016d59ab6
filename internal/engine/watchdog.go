package engine

import (
	"context"
	"errors"
	"time"

	"atelier/internal/dispatch"
	"atelier/internal/domain"
)

// Family groups job types that share a stall threshold and sweep cadence.
// Families partition the job types: no two families sweep the same type, so
// concurrent sweeps never write to each other's jobs.
type Family struct {
	Name string
	// Types this family owns.
	Types []domain.JobType
	// StallAfter is how long a job may sit without an updated_at movement
	// before it counts as stalled.
	StallAfter time.Duration
	// Interval is the sweep cadence, consumed by the scheduler.
	Interval time.Duration
}

// FamilyThresholds carries the configurable knobs for DefaultFamilies.
type FamilyThresholds struct {
	Interactive time.Duration
	Vendor      time.Duration
	Batch       time.Duration
}

// DefaultFamilies partitions the known job types into sweep families.
// Vendor-backed stages tolerate longer silences than local ones because a
// healthy poll cycle already spans tens of seconds.
func DefaultFamilies(t FamilyThresholds) []Family {
	if t.Interactive <= 0 {
		t.Interactive = time.Minute
	}
	if t.Vendor <= 0 {
		t.Vendor = 5 * time.Minute
	}
	if t.Batch <= 0 {
		t.Batch = 2 * time.Minute
	}
	return []Family{
		{
			Name:       "interactive",
			Types:      []domain.JobType{domain.JobTypeEnhancement},
			StallAfter: t.Interactive,
			Interval:   time.Minute,
		},
		{
			Name: "vendor",
			Types: []domain.JobType{
				domain.JobTypeModelGeneration,
				domain.JobTypeVTOPipeline,
				domain.JobTypeUpscaleTile,
				domain.JobTypeInpaintRegion,
			},
			StallAfter: t.Vendor,
			Interval:   time.Minute,
		},
		{
			Name:       "batch",
			Types:      []domain.JobType{domain.JobTypeTiledUpscale, domain.JobTypeBatchInpaint},
			StallAfter: t.Batch,
			Interval:   time.Minute,
		},
	}
}

// Sweep finds the family's stalled jobs and re-invokes the component that
// owns each one's current status. Jobs that exhausted the retry budget are
// failed with a timeout reason instead, breaking infinite recovery loops.
// Returns the number of stalled jobs acted upon.
func (e *Engine) Sweep(ctx context.Context, family Family) (int, error) {
	statuses := map[domain.JobStatus]bool{}
	var statusList []domain.JobStatus
	for _, t := range family.Types {
		for _, s := range domain.NonTerminalStatuses(t) {
			if !statuses[s] {
				statuses[s] = true
				statusList = append(statusList, s)
			}
		}
	}

	stalled, err := e.repo.FindStalled(ctx, family.Types, statusList, family.StallAfter, e.cfg.SweepLimit)
	if err != nil {
		return 0, err
	}

	for _, job := range stalled {
		if job.RetryCount >= e.cfg.MaxRetries {
			te := &domain.TimeoutError{Retries: job.RetryCount}
			e.fail(ctx, job, te.Error())
			continue
		}

		// Bump the retry counter first; this also refreshes updated_at so
		// the job leaves the stalled window before the next sweep.
		retries := job.RetryCount + 1
		if _, err := e.repo.Update(ctx, job.ID, job.Status, domain.UpdatePatch{RetryCount: &retries}); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			e.logger.Error().Err(err).Str("job_id", job.ID).Msg("watchdog: retry bump failed")
			continue
		}

		kind := recoveryKind(job)
		e.logger.Info().
			Str("family", family.Name).
			Str("job_id", job.ID).
			Str("status", string(job.Status)).
			Str("kind", string(kind)).
			Int("retry", retries).
			Msg("watchdog: re-invoking stalled job")
		e.invoke(ctx, kind, job.ID)
	}
	return len(stalled), nil
}

// recoveryKind picks the entry point that owns the job's current status.
func recoveryKind(job *domain.Job) dispatch.Kind {
	if job.Status == domain.StatusPolling {
		return dispatch.KindPoller
	}
	if domain.IsFanOut(job.Type) && job.Status == domain.StatusProcessing {
		return dispatch.KindAggregator
	}
	return dispatch.KindWorker
}
