package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"atelier/internal/dispatch"
	"atelier/internal/domain"
	"atelier/internal/providers/imagetool"
)

// ModelGenerationRequest creates a model_generation job.
type ModelGenerationRequest struct {
	OwnerID      string `json:"-"`
	Prompt       string `json:"prompt"`
	ReferenceURL string `json:"reference_url,omitempty"`
	AspectRatio  string `json:"aspect_ratio,omitempty"`
}

// VTORequest creates a vto_pipeline job.
type VTORequest struct {
	OwnerID    string `json:"-"`
	PersonURL  string `json:"person_url"`
	GarmentURL string `json:"garment_url"`
}

// TiledUpscaleRequest creates a tiled_upscale parent plus one upscale_tile
// child per tile. The tile list is computed deterministically from the
// source dimensions and tile size.
type TiledUpscaleRequest struct {
	OwnerID   string `json:"-"`
	SourceURL string `json:"source_url"`
	Scale     int    `json:"scale"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	TileSize  int    `json:"tile_size,omitempty"`
}

// BatchInpaintRequest creates a batch_inpaint parent plus one inpaint_region
// child per region.
type BatchInpaintRequest struct {
	OwnerID   string              `json:"-"`
	SourceURL string              `json:"source_url"`
	Prompt    string              `json:"prompt"`
	Regions   []domain.RegionSpec `json:"regions"`
}

// EnhancementRequest creates an enhancement job.
type EnhancementRequest struct {
	OwnerID   string `json:"-"`
	SourceURL string `json:"source_url"`
	Preset    string `json:"preset"`
}

const defaultTileSize = 512

// CreateModelGeneration validates the request, persists the job, and kicks
// off its first stage. As with every Create*, the kick-off dispatch is
// fire-and-forget: the job is accepted once the store write is durable, and
// a lost dispatch is healed by the watchdog.
func (e *Engine) CreateModelGeneration(ctx context.Context, req ModelGenerationRequest) (*domain.Job, error) {
	if req.OwnerID == "" {
		return nil, domain.Invalid("owner_id", "required")
	}
	payload := &domain.ModelGenerationPayload{
		Prompt:       req.Prompt,
		ReferenceURL: req.ReferenceURL,
		AspectRatio:  req.AspectRatio,
	}
	return e.createAndKick(ctx, domain.JobTypeModelGeneration, req.OwnerID, payload)
}

// CreateVTOPipeline validates and starts a virtual try-on pipeline.
func (e *Engine) CreateVTOPipeline(ctx context.Context, req VTORequest) (*domain.Job, error) {
	if req.OwnerID == "" {
		return nil, domain.Invalid("owner_id", "required")
	}
	payload := &domain.VTOPayload{PersonURL: req.PersonURL, GarmentURL: req.GarmentURL}
	return e.createAndKick(ctx, domain.JobTypeVTOPipeline, req.OwnerID, payload)
}

// CreateEnhancement validates and starts a local enhancement job.
func (e *Engine) CreateEnhancement(ctx context.Context, req EnhancementRequest) (*domain.Job, error) {
	if req.OwnerID == "" {
		return nil, domain.Invalid("owner_id", "required")
	}
	if req.Preset != "" && !imagetool.KnownPreset(req.Preset) {
		return nil, domain.Invalid("preset", fmt.Sprintf("unknown preset %q", req.Preset))
	}
	payload := &domain.EnhancementPayload{SourceURL: req.SourceURL, Preset: req.Preset}
	return e.createAndKick(ctx, domain.JobTypeEnhancement, req.OwnerID, payload)
}

// CreateTiledUpscale validates the request and creates the parent plus its
// children: parent first in processing with the rollup recorded, then one
// pending child per tile, then a worker kick for each child. A request that
// yields zero tiles completes immediately.
func (e *Engine) CreateTiledUpscale(ctx context.Context, req TiledUpscaleRequest) (*domain.Job, error) {
	if req.OwnerID == "" {
		return nil, domain.Invalid("owner_id", "required")
	}
	if req.Width <= 0 || req.Height <= 0 {
		return nil, domain.Invalid("dimensions", "width and height must be positive")
	}
	tileSize := req.TileSize
	if tileSize <= 0 {
		tileSize = defaultTileSize
	}
	tiles := computeTiles(req.Width, req.Height, tileSize)
	payload := &domain.TiledUpscalePayload{
		SourceURL: req.SourceURL,
		Scale:     req.Scale,
		Tiles:     tiles,
		Rollup:    domain.ChildRollup{Total: len(tiles), Pending: len(tiles)},
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	childPayloads := make([]domain.Payload, len(tiles))
	for i, tile := range tiles {
		childPayloads[i] = &domain.UpscaleTilePayload{SourceURL: req.SourceURL, Tile: tile, Scale: req.Scale}
	}
	return e.createFanOut(ctx, domain.JobTypeTiledUpscale, req.OwnerID, payload, childPayloads)
}

// CreateBatchInpaint validates the request and creates the parent plus one
// child per region. Zero regions is the documented zero-work fast path.
func (e *Engine) CreateBatchInpaint(ctx context.Context, req BatchInpaintRequest) (*domain.Job, error) {
	if req.OwnerID == "" {
		return nil, domain.Invalid("owner_id", "required")
	}
	for i, region := range req.Regions {
		if region.Width <= 0 || region.Height <= 0 {
			return nil, domain.Invalid("regions", fmt.Sprintf("region %d is empty", i))
		}
	}
	payload := &domain.BatchInpaintPayload{
		SourceURL: req.SourceURL,
		Prompt:    req.Prompt,
		Regions:   req.Regions,
		Rollup:    domain.ChildRollup{Total: len(req.Regions), Pending: len(req.Regions)},
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	childPayloads := make([]domain.Payload, len(req.Regions))
	for i, region := range req.Regions {
		childPayloads[i] = &domain.InpaintRegionPayload{SourceURL: req.SourceURL, Region: region, Prompt: req.Prompt}
	}
	return e.createFanOut(ctx, domain.JobTypeBatchInpaint, req.OwnerID, payload, childPayloads)
}

func (e *Engine) createAndKick(ctx context.Context, jobType domain.JobType, ownerID string, payload domain.Payload) (*domain.Job, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	job := &domain.Job{
		ID:      uuid.NewString(),
		Type:    jobType,
		Status:  domain.StatusPending,
		OwnerID: ownerID,
		Payload: domain.MustEncode(payload),
	}
	if err := e.repo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create %s job: %w", jobType, err)
	}
	e.logger.Info().Str("job_id", job.ID).Str("job_type", string(jobType)).Str("owner_id", ownerID).Msg("orchestrator: job accepted")
	e.invoke(ctx, dispatch.KindWorker, job.ID)
	return job, nil
}

func (e *Engine) createFanOut(ctx context.Context, parentType domain.JobType, ownerID string, parentPayload domain.Payload, childPayloads []domain.Payload) (*domain.Job, error) {
	childType, _ := domain.ChildType(parentType)
	parentStatus := domain.StatusProcessing
	if len(childPayloads) == 0 {
		parentStatus = domain.StatusComplete
	}
	parent := &domain.Job{
		ID:      uuid.NewString(),
		Type:    parentType,
		Status:  parentStatus,
		OwnerID: ownerID,
		Payload: domain.MustEncode(parentPayload),
	}
	if err := e.repo.Create(ctx, parent); err != nil {
		return nil, fmt.Errorf("create %s parent: %w", parentType, err)
	}

	childIDs := make([]string, 0, len(childPayloads))
	for _, cp := range childPayloads {
		parentID := parent.ID
		child := &domain.Job{
			ID:       uuid.NewString(),
			Type:     childType,
			Status:   domain.StatusPending,
			OwnerID:  ownerID,
			ParentID: &parentID,
			Payload:  domain.MustEncode(cp),
		}
		if err := e.repo.Create(ctx, child); err != nil {
			return nil, fmt.Errorf("create %s child: %w", childType, err)
		}
		childIDs = append(childIDs, child.ID)
	}

	e.logger.Info().Str("job_id", parent.ID).Str("job_type", string(parentType)).Int("children", len(childIDs)).Msg("orchestrator: fan-out accepted")
	for _, id := range childIDs {
		e.invoke(ctx, dispatch.KindWorker, id)
	}
	return parent, nil
}

// Cancel writes the job failed with a cancellation reason. Children of a
// fan-out parent are cancelled first so a racing child completion cannot
// resurrect progress; every write is terminal-gated, so a cancellation
// always wins over a late-arriving success and never double-applies.
func (e *Engine) Cancel(ctx context.Context, jobID, ownerID string) error {
	job, err := e.ownedJob(ctx, jobID, ownerID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return domain.ErrConflict
	}
	msg := "cancelled by user"
	if domain.IsFanOut(job.Type) {
		children, err := e.repo.ListChildren(ctx, jobID)
		if err != nil {
			return err
		}
		for _, child := range children {
			if child.Status.Terminal() {
				continue
			}
			if _, err := e.repo.Update(ctx, child.ID, domain.StatusFailed, domain.UpdatePatch{ErrorMessage: &msg}); err != nil && !errors.Is(err, domain.ErrConflict) {
				return err
			}
		}
	}
	if _, err := e.repo.Update(ctx, jobID, domain.StatusFailed, domain.UpdatePatch{ErrorMessage: &msg}); err != nil {
		return err
	}
	e.logger.Info().Str("job_id", jobID).Msg("orchestrator: job cancelled")
	return nil
}

// Retry resets a failed job to its re-entry stage and re-kicks it. Only
// failed jobs are retryable; complete jobs stay read-only. For fan-out
// parents the failed children are reset individually and the parent
// re-enters processing.
func (e *Engine) Retry(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	job, err := e.ownedJob(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.StatusFailed {
		return nil, domain.ErrConflict
	}

	reset, err := e.repo.Reset(ctx, jobID, domain.ReentryStatus(job.Type))
	if err != nil {
		return nil, err
	}
	e.logger.Info().Str("job_id", jobID).Str("status", string(reset.Status)).Msg("orchestrator: job reset for retry")

	if !domain.IsFanOut(job.Type) {
		e.invoke(ctx, dispatch.KindWorker, jobID)
		return reset, nil
	}

	children, err := e.repo.ListChildren(ctx, jobID)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		if child.Status != domain.StatusFailed {
			continue
		}
		if _, err := e.repo.Reset(ctx, child.ID, domain.StatusPending); err != nil {
			return nil, err
		}
		e.invoke(ctx, dispatch.KindWorker, child.ID)
	}
	// Reconcile picks up the case where every child had in fact completed.
	e.invoke(ctx, dispatch.KindAggregator, jobID)
	return reset, nil
}

// GetJob returns a job scoped to its owner.
func (e *Engine) GetJob(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	return e.ownedJob(ctx, jobID, ownerID)
}

// ReadArtifact returns the stored bytes at an artifact key.
func (e *Engine) ReadArtifact(ctx context.Context, key string) ([]byte, error) {
	return e.store.Read(ctx, key)
}

// ListChildren returns a fan-out parent's children scoped to the owner.
func (e *Engine) ListChildren(ctx context.Context, jobID, ownerID string) ([]*domain.Job, error) {
	if _, err := e.ownedJob(ctx, jobID, ownerID); err != nil {
		return nil, err
	}
	return e.repo.ListChildren(ctx, jobID)
}

func (e *Engine) ownedJob(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	job, err := e.repo.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && job.OwnerID != ownerID {
		// Do not leak existence across owners.
		return nil, domain.ErrNotFound
	}
	return job, nil
}

// computeTiles covers a width x height canvas with tileSize squares; edge
// tiles are clipped to the remainder.
func computeTiles(width, height, tileSize int) []domain.TileSpec {
	var tiles []domain.TileSpec
	for y := 0; y < height; y += tileSize {
		for x := 0; x < width; x += tileSize {
			w := tileSize
			if x+w > width {
				w = width - x
			}
			h := tileSize
			if y+h > height {
				h = height - y
			}
			tiles = append(tiles, domain.TileSpec{X: x, Y: y, Width: w, Height: h})
		}
	}
	return tiles
}
