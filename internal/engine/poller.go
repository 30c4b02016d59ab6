package engine

import (
	"context"
	"errors"
	"fmt"

	"atelier/internal/dispatch"
	"atelier/internal/domain"
	"atelier/internal/providers/render"
)

// RunPoller checks the remote status of a job waiting on an async vendor
// task. Still-in-flight work refreshes updated_at (proving liveness to the
// watchdog) and reschedules its own next run; completion fetches and persists
// the result before the job record that references it; vendor failure is
// terminal. A job no longer in the polling status no-ops.
func (e *Engine) RunPoller(ctx context.Context, jobID string) error {
	job, err := e.repo.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			e.logger.Warn().Str("job_id", jobID).Msg("poller: job not found, dropping invocation")
			return nil
		}
		return err
	}
	if job.Status != domain.StatusPolling {
		return nil
	}

	taskID, err := vendorTaskID(job)
	if err != nil {
		e.fail(ctx, job, err.Error())
		return nil
	}

	st, err := e.vendor.Status(ctx, taskID)
	if err != nil {
		// Transport trouble: reschedule without touching updated_at, so a
		// persistent vendor outage still trips the watchdog's stall clock.
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("poller: status check failed, rescheduling")
		e.invokeAfter(ctx, dispatch.KindPoller, job.ID, e.cfg.PollInterval)
		return nil
	}
	return e.applyRemote(ctx, job, st, true)
}

// HandleVendorCallback applies a vendor-pushed completion. It performs the
// same status-gated idempotent update a poll would, minus the rescheduling.
func (e *Engine) HandleVendorCallback(ctx context.Context, jobID string, st render.TaskStatus) error {
	job, err := e.repo.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != domain.StatusPolling {
		return nil
	}
	return e.applyRemote(ctx, job, st, false)
}

func (e *Engine) applyRemote(ctx context.Context, job *domain.Job, st render.TaskStatus, reschedule bool) error {
	switch st.State {
	case render.StateQueued, render.StateInProgress:
		if err := e.repo.Touch(ctx, job.ID); err != nil {
			e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("poller: liveness touch failed")
		}
		if reschedule {
			e.invokeAfter(ctx, dispatch.KindPoller, job.ID, e.cfg.PollInterval)
		}
		return nil
	case render.StateFailed:
		ve := &domain.VendorError{Vendor: "render", Reason: st.Reason}
		e.fail(ctx, job, ve.Error())
		return nil
	case render.StateCompleted:
		return e.completeRemote(ctx, job, st.ResultURL)
	default:
		ve := &domain.VendorError{Vendor: "render", Reason: fmt.Sprintf("unparseable task state %q", st.State)}
		e.fail(ctx, job, ve.Error())
		return nil
	}
}

// completeRemote fetches the result artifact, persists it, and advances the
// job out of polling according to its type.
func (e *Engine) completeRemote(ctx context.Context, job *domain.Job, resultURL string) error {
	data, err := e.vendor.Fetch(ctx, resultURL)
	if err != nil {
		// The result existed moments ago; fetching is retryable, so leave
		// the job in polling for the next poll or watchdog sweep.
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("poller: result fetch failed, will retry")
		e.invokeAfter(ctx, dispatch.KindPoller, job.ID, e.cfg.PollInterval)
		return nil
	}

	payload, err := domain.DecodePayload(job.Type, job.Payload)
	if err != nil {
		e.fail(ctx, job, fmt.Sprintf("malformed payload: %v", err))
		return nil
	}

	switch p := payload.(type) {
	case *domain.ModelGenerationPayload:
		key, err := e.store.Write(ctx, artifactKey(job.ID, "result.png"), data)
		if err != nil {
			e.fail(ctx, job, fmt.Sprintf("persist result: %v", err))
			return nil
		}
		p.ArtifactKey = key
		if _, err := e.advance(ctx, job, domain.StatusComplete, p); err != nil {
			return err
		}
		e.notifyParent(ctx, job)
	case *domain.VTOPayload:
		key, err := e.store.Write(ctx, artifactKey(job.ID, "render.png"), data)
		if err != nil {
			e.fail(ctx, job, fmt.Sprintf("persist render: %v", err))
			return nil
		}
		p.RenderKey = key
		if _, err := e.advance(ctx, job, domain.StatusCompositing, p); err != nil {
			return err
		}
		e.invoke(ctx, dispatch.KindWorker, job.ID)
	case *domain.UpscaleTilePayload:
		key, err := e.store.Write(ctx, artifactKey(job.ID, "tile.png"), data)
		if err != nil {
			e.fail(ctx, job, fmt.Sprintf("persist tile: %v", err))
			return nil
		}
		p.ArtifactKey = key
		if _, err := e.advance(ctx, job, domain.StatusComplete, p); err != nil {
			return err
		}
		e.notifyParent(ctx, job)
	case *domain.InpaintRegionPayload:
		key, err := e.store.Write(ctx, artifactKey(job.ID, "region.png"), data)
		if err != nil {
			e.fail(ctx, job, fmt.Sprintf("persist region: %v", err))
			return nil
		}
		p.ArtifactKey = key
		if _, err := e.advance(ctx, job, domain.StatusComplete, p); err != nil {
			return err
		}
		e.notifyParent(ctx, job)
	default:
		e.fail(ctx, job, fmt.Sprintf("job type %s does not poll", job.Type))
	}
	return nil
}

func vendorTaskID(job *domain.Job) (string, error) {
	payload, err := domain.DecodePayload(job.Type, job.Payload)
	if err != nil {
		return "", fmt.Errorf("malformed payload: %v", err)
	}
	var taskID string
	switch p := payload.(type) {
	case *domain.ModelGenerationPayload:
		taskID = p.VendorTaskID
	case *domain.VTOPayload:
		taskID = p.VendorTaskID
	case *domain.UpscaleTilePayload:
		taskID = p.VendorTaskID
	case *domain.InpaintRegionPayload:
		taskID = p.VendorTaskID
	default:
		return "", fmt.Errorf("job type %s does not poll", job.Type)
	}
	if taskID == "" {
		return "", errors.New("polling status without a vendor task handle")
	}
	return taskID, nil
}
