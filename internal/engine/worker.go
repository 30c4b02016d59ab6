package engine

import (
	"context"
	"errors"
	"fmt"

	"atelier/internal/dispatch"
	"atelier/internal/domain"
	"atelier/internal/providers/render"
)

// RunWorker performs exactly one stage of processing for one job. Invocation
// is idempotent under duplicate delivery: when the job is missing, terminal,
// or already past the statuses this worker handles, the call no-ops and
// reports success. Workers never retry an external call themselves; retries
// belong to the watchdog.
func (e *Engine) RunWorker(ctx context.Context, jobID string) error {
	job, err := e.repo.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			e.logger.Warn().Str("job_id", jobID).Msg("worker: job not found, dropping invocation")
			return nil
		}
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	payload, err := domain.DecodePayload(job.Type, job.Payload)
	if err != nil {
		// Malformed intermediate state never fixes itself.
		e.fail(ctx, job, fmt.Sprintf("malformed payload: %v", err))
		return nil
	}

	switch job.Type {
	case domain.JobTypeModelGeneration:
		return e.stepModelGeneration(ctx, job, payload.(*domain.ModelGenerationPayload))
	case domain.JobTypeVTOPipeline:
		return e.stepVTO(ctx, job, payload.(*domain.VTOPayload))
	case domain.JobTypeTiledUpscale, domain.JobTypeBatchInpaint:
		return e.stepFanOutParent(ctx, job)
	case domain.JobTypeUpscaleTile:
		return e.stepUpscaleTile(ctx, job, payload.(*domain.UpscaleTilePayload))
	case domain.JobTypeInpaintRegion:
		return e.stepInpaintRegion(ctx, job, payload.(*domain.InpaintRegionPayload))
	case domain.JobTypeEnhancement:
		return e.stepEnhancement(ctx, job, payload.(*domain.EnhancementPayload))
	default:
		e.logger.Error().Str("job_id", job.ID).Str("job_type", string(job.Type)).Msg("worker: no stages registered for type")
		return nil
	}
}

func (e *Engine) stepModelGeneration(ctx context.Context, job *domain.Job, p *domain.ModelGenerationPayload) error {
	switch job.Status {
	case domain.StatusPending:
		if _, err := e.advance(ctx, job, domain.StatusGenerating, nil); err != nil {
			return err
		}
		e.invoke(ctx, dispatch.KindWorker, job.ID)
		return nil
	case domain.StatusGenerating:
		taskID, err := e.vendor.Submit(ctx, render.SubmitRequest{
			Operation:   render.OpGenerate,
			Prompt:      p.Prompt,
			SourceURL:   p.ReferenceURL,
			AspectRatio: p.AspectRatio,
			RequestID:   job.ID,
		})
		if err != nil {
			e.fail(ctx, job, vendorReason("generate", err))
			return nil
		}
		p.VendorTaskID = taskID
		if _, err := e.advance(ctx, job, domain.StatusPolling, p); err != nil {
			return err
		}
		e.invoke(ctx, dispatch.KindPoller, job.ID)
		return nil
	default:
		return nil
	}
}

func (e *Engine) stepVTO(ctx context.Context, job *domain.Job, p *domain.VTOPayload) error {
	switch job.Status {
	case domain.StatusPending:
		if _, err := e.advance(ctx, job, domain.StatusPreparing, nil); err != nil {
			return err
		}
		e.invoke(ctx, dispatch.KindWorker, job.ID)
		return nil
	case domain.StatusPreparing:
		person, err := e.prepareInput(ctx, job.ID, "prepared-person.png", p.PersonURL)
		if err != nil {
			e.fail(ctx, job, fmt.Sprintf("prepare person image: %v", err))
			return nil
		}
		garment, err := e.prepareInput(ctx, job.ID, "prepared-garment.png", p.GarmentURL)
		if err != nil {
			e.fail(ctx, job, fmt.Sprintf("prepare garment image: %v", err))
			return nil
		}
		p.PreparedPersonKey = person
		p.PreparedGarmentKey = garment
		if _, err := e.advance(ctx, job, domain.StatusRendering, p); err != nil {
			return err
		}
		e.invoke(ctx, dispatch.KindWorker, job.ID)
		return nil
	case domain.StatusRendering:
		taskID, err := e.vendor.Submit(ctx, render.SubmitRequest{
			Operation: render.OpTryOn,
			SourceURL: p.PersonURL,
			ExtraURLs: []string{p.GarmentURL},
			RequestID: job.ID,
		})
		if err != nil {
			e.fail(ctx, job, vendorReason("tryon", err))
			return nil
		}
		p.VendorTaskID = taskID
		if _, err := e.advance(ctx, job, domain.StatusPolling, p); err != nil {
			return err
		}
		e.invoke(ctx, dispatch.KindPoller, job.ID)
		return nil
	case domain.StatusCompositing:
		base, err := e.store.Read(ctx, p.PreparedPersonKey)
		if err != nil {
			e.fail(ctx, job, fmt.Sprintf("load prepared person: %v", err))
			return nil
		}
		rendered, err := e.store.Read(ctx, p.RenderKey)
		if err != nil {
			e.fail(ctx, job, fmt.Sprintf("load render: %v", err))
			return nil
		}
		final, err := e.tool.Composite(ctx, base, rendered)
		if err != nil {
			e.fail(ctx, job, fmt.Sprintf("composite: %v", err))
			return nil
		}
		key, err := e.store.Write(ctx, artifactKey(job.ID, "result.png"), final)
		if err != nil {
			e.fail(ctx, job, fmt.Sprintf("persist result: %v", err))
			return nil
		}
		p.ArtifactKey = key
		if _, err := e.advance(ctx, job, domain.StatusComplete, p); err != nil {
			return err
		}
		e.notifyParent(ctx, job)
		return nil
	default:
		return nil
	}
}

// stepFanOutParent only handles the pending re-entry stage; everything else
// about a parent is the aggregator's business.
func (e *Engine) stepFanOutParent(ctx context.Context, job *domain.Job) error {
	if job.Status != domain.StatusPending {
		return nil
	}
	if _, err := e.advance(ctx, job, domain.StatusProcessing, nil); err != nil {
		return err
	}
	e.invoke(ctx, dispatch.KindAggregator, job.ID)
	return nil
}

func (e *Engine) stepUpscaleTile(ctx context.Context, job *domain.Job, p *domain.UpscaleTilePayload) error {
	switch job.Status {
	case domain.StatusPending:
		if _, err := e.advance(ctx, job, domain.StatusUpscaling, nil); err != nil {
			return err
		}
		e.invoke(ctx, dispatch.KindWorker, job.ID)
		return nil
	case domain.StatusUpscaling:
		taskID, err := e.vendor.Submit(ctx, render.SubmitRequest{
			Operation: render.OpUpscale,
			SourceURL: p.SourceURL,
			Scale:     p.Scale,
			Region:    [4]int{p.Tile.X, p.Tile.Y, p.Tile.Width, p.Tile.Height},
			RequestID: job.ID,
		})
		if err != nil {
			e.fail(ctx, job, vendorReason("upscale", err))
			return nil
		}
		p.VendorTaskID = taskID
		if _, err := e.advance(ctx, job, domain.StatusPolling, p); err != nil {
			return err
		}
		e.invoke(ctx, dispatch.KindPoller, job.ID)
		return nil
	default:
		return nil
	}
}

func (e *Engine) stepInpaintRegion(ctx context.Context, job *domain.Job, p *domain.InpaintRegionPayload) error {
	switch job.Status {
	case domain.StatusPending:
		if _, err := e.advance(ctx, job, domain.StatusInpainting, nil); err != nil {
			return err
		}
		e.invoke(ctx, dispatch.KindWorker, job.ID)
		return nil
	case domain.StatusInpainting:
		prompt := p.Region.Prompt
		if prompt == "" {
			prompt = p.Prompt
		}
		taskID, err := e.vendor.Submit(ctx, render.SubmitRequest{
			Operation: render.OpInpaint,
			Prompt:    prompt,
			SourceURL: p.SourceURL,
			Region:    [4]int{p.Region.X, p.Region.Y, p.Region.Width, p.Region.Height},
			RequestID: job.ID,
		})
		if err != nil {
			e.fail(ctx, job, vendorReason("inpaint", err))
			return nil
		}
		p.VendorTaskID = taskID
		if _, err := e.advance(ctx, job, domain.StatusPolling, p); err != nil {
			return err
		}
		e.invoke(ctx, dispatch.KindPoller, job.ID)
		return nil
	default:
		return nil
	}
}

func (e *Engine) stepEnhancement(ctx context.Context, job *domain.Job, p *domain.EnhancementPayload) error {
	switch job.Status {
	case domain.StatusPending:
		if _, err := e.advance(ctx, job, domain.StatusEnhancing, nil); err != nil {
			return err
		}
		e.invoke(ctx, dispatch.KindWorker, job.ID)
		return nil
	case domain.StatusEnhancing:
		src, err := e.vendor.Fetch(ctx, p.SourceURL)
		if err != nil {
			e.fail(ctx, job, fmt.Sprintf("fetch source: %v", err))
			return nil
		}
		out, err := e.tool.Enhance(ctx, src, p.Preset)
		if err != nil {
			e.fail(ctx, job, fmt.Sprintf("enhance: %v", err))
			return nil
		}
		key, err := e.store.Write(ctx, artifactKey(job.ID, "result.png"), out)
		if err != nil {
			e.fail(ctx, job, fmt.Sprintf("persist result: %v", err))
			return nil
		}
		p.ArtifactKey = key
		if _, err := e.advance(ctx, job, domain.StatusComplete, p); err != nil {
			return err
		}
		e.notifyParent(ctx, job)
		return nil
	default:
		return nil
	}
}

// prepareInput downloads a source image, runs local preparation, and persists
// the prepared bytes under the job's artifact path.
func (e *Engine) prepareInput(ctx context.Context, jobID, name, url string) (string, error) {
	src, err := e.vendor.Fetch(ctx, url)
	if err != nil {
		return "", err
	}
	prepared, err := e.tool.Prepare(ctx, src)
	if err != nil {
		return "", err
	}
	return e.store.Write(ctx, artifactKey(jobID, name), prepared)
}

func artifactKey(jobID, name string) string {
	return fmt.Sprintf("jobs/%s/%s", jobID, name)
}

func vendorReason(op string, err error) string {
	ve := &domain.VendorError{Vendor: "render", Reason: fmt.Sprintf("%s submit: %v", op, err)}
	return ve.Error()
}
