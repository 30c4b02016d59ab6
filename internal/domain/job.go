package domain

import (
	"encoding/json"
	"time"
)

// JobType enumerates the supported pipeline kinds. Each type owns a fixed
// stage graph (see stages.go).
type JobType string

const (
	JobTypeModelGeneration JobType = "model_generation"
	JobTypeVTOPipeline     JobType = "vto_pipeline"
	JobTypeTiledUpscale    JobType = "tiled_upscale"
	JobTypeUpscaleTile     JobType = "upscale_tile"
	JobTypeBatchInpaint    JobType = "batch_inpaint"
	JobTypeInpaintRegion   JobType = "inpaint_region"
	JobTypeEnhancement     JobType = "enhancement"
)

// JobStatus enumerates job lifecycle states across all job types. Which
// statuses are legal for a given type, and in what order, is defined by the
// type's stage graph.
type JobStatus string

const (
	StatusPending     JobStatus = "pending"
	StatusGenerating  JobStatus = "generating"
	StatusPreparing   JobStatus = "preparing"
	StatusRendering   JobStatus = "rendering"
	StatusPolling     JobStatus = "polling"
	StatusCompositing JobStatus = "compositing"
	StatusProcessing  JobStatus = "processing"
	StatusUpscaling   JobStatus = "upscaling"
	StatusInpainting  JobStatus = "inpainting"
	StatusEnhancing   JobStatus = "enhancing"
	StatusComplete    JobStatus = "complete"
	StatusFailed      JobStatus = "failed"
)

// Terminal reports whether s is a final status. Terminal jobs are read-only
// except for an explicit user-initiated retry.
func (s JobStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Job is the unit the engine tracks. One row per job instance; the row is the
// single source of truth for progress. UpdatedAt is the only staleness signal
// the watchdog uses, so every status-changing write must refresh it.
type Job struct {
	ID           string
	Type         JobType
	Status       JobStatus
	OwnerID      string
	ParentID     *string
	Payload      json.RawMessage
	ErrorMessage string
	RetryCount   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsChild reports whether the job belongs to a fan-out parent.
func (j *Job) IsChild() bool {
	return j.ParentID != nil && *j.ParentID != ""
}
