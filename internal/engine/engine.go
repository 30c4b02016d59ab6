package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"atelier/internal/dispatch"
	"atelier/internal/domain"
	"atelier/internal/providers/imagetool"
	"atelier/internal/providers/render"
	"atelier/internal/storage"
)

// Config tunes the engine's recovery behaviour.
type Config struct {
	// PollInterval is the delay between self-scheduled poller runs.
	PollInterval time.Duration
	// MaxRetries caps watchdog recovery attempts per job before it is
	// failed with a timeout reason.
	MaxRetries int
	// MinChildSuccess is the minimum number of completed children a
	// fan-out parent needs to resolve as complete.
	MinChildSuccess int
	// SweepLimit bounds how many stalled jobs one watchdog sweep touches.
	SweepLimit int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.MinChildSuccess <= 0 {
		c.MinChildSuccess = 1
	}
	if c.SweepLimit <= 0 {
		c.SweepLimit = 100
	}
	return c
}

// Engine owns every job state transition. All coordination between
// invocations goes through the job repository; the engine itself holds no
// per-job state, so any number of instances may run concurrently.
type Engine struct {
	repo    domain.JobRepository
	invoker dispatch.Invoker
	vendor  render.Client
	tool    imagetool.Tool
	store   storage.Store
	logger  zerolog.Logger
	cfg     Config
}

// New wires an Engine.
func New(repo domain.JobRepository, invoker dispatch.Invoker, vendor render.Client, tool imagetool.Tool, store storage.Store, logger zerolog.Logger, cfg Config) *Engine {
	return &Engine{
		repo:    repo,
		invoker: invoker,
		vendor:  vendor,
		tool:    tool,
		store:   store,
		logger:  logger,
		cfg:     cfg.withDefaults(),
	}
}

// Handle routes one dispatched task to its entry point. It is the single
// handler registered with the invoker's consumer.
func (e *Engine) Handle(ctx context.Context, task dispatch.Task) error {
	switch task.Kind {
	case dispatch.KindWorker:
		return e.RunWorker(ctx, task.JobID)
	case dispatch.KindPoller:
		return e.RunPoller(ctx, task.JobID)
	case dispatch.KindAggregator:
		return e.Reconcile(ctx, task.JobID)
	default:
		e.logger.Error().Str("kind", string(task.Kind)).Str("job_id", task.JobID).Msg("engine: unknown task kind dropped")
		return nil
	}
}

// invoke dispatches fire-and-forget. Dispatch failures are logged and
// swallowed: the job row already holds the state, and the watchdog re-invokes
// anything that stalls because a dispatch was lost.
func (e *Engine) invoke(ctx context.Context, kind dispatch.Kind, jobID string) {
	if err := e.invoker.Invoke(ctx, dispatch.Task{Kind: kind, JobID: jobID}); err != nil {
		e.logger.Warn().Err(err).Str("kind", string(kind)).Str("job_id", jobID).Msg("engine: dispatch lost, watchdog will recover")
	}
}

func (e *Engine) invokeAfter(ctx context.Context, kind dispatch.Kind, jobID string, delay time.Duration) {
	if err := e.invoker.InvokeAfter(ctx, dispatch.Task{Kind: kind, JobID: jobID}, delay); err != nil {
		e.logger.Warn().Err(err).Str("kind", string(kind)).Str("job_id", jobID).Msg("engine: delayed dispatch lost, watchdog will recover")
	}
}

// advance applies a graph-checked status transition. A conflict means a
// terminal write (usually a cancellation) won the race; the transition is
// abandoned and nil is returned.
func (e *Engine) advance(ctx context.Context, job *domain.Job, next domain.JobStatus, payload domain.Payload) (*domain.Job, error) {
	if !domain.CanTransition(job.Type, job.Status, next) {
		return nil, fmt.Errorf("illegal transition %s: %s -> %s", job.Type, job.Status, next)
	}
	patch := domain.UpdatePatch{}
	if payload != nil {
		encoded, err := domain.EncodePayload(payload)
		if err != nil {
			return nil, err
		}
		patch.Payload = encoded
	}
	updated, err := e.repo.Update(ctx, job.ID, next, patch)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			e.logger.Debug().Str("job_id", job.ID).Str("next", string(next)).Msg("engine: transition abandoned, job already terminal")
			return nil, nil
		}
		return nil, err
	}
	return updated, nil
}

// fail moves a job to failed with a descriptive message and notifies the
// parent when the job is a fan-out child. Conflicts are logged and discarded.
func (e *Engine) fail(ctx context.Context, job *domain.Job, reason string) {
	msg := reason
	_, err := e.repo.Update(ctx, job.ID, domain.StatusFailed, domain.UpdatePatch{ErrorMessage: &msg})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			e.logger.Debug().Str("job_id", job.ID).Msg("engine: failure write discarded, job already terminal")
			return
		}
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("engine: failed to record job failure")
		return
	}
	e.logger.Info().Str("job_id", job.ID).Str("job_type", string(job.Type)).Str("reason", reason).Msg("engine: job failed")
	e.notifyParent(ctx, job)
}

// notifyParent triggers the aggregator when a fan-out child reaches a
// terminal status.
func (e *Engine) notifyParent(ctx context.Context, job *domain.Job) {
	if job.IsChild() {
		e.invoke(ctx, dispatch.KindAggregator, *job.ParentID)
	}
}
