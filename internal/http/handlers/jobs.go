package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"atelier/internal/domain"
	"atelier/internal/engine"
)

type acceptedResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func (a *App) accepted(w http.ResponseWriter, job *domain.Job) {
	a.json(w, http.StatusAccepted, acceptedResponse{JobID: job.ID, Status: string(job.Status)})
}

// CreateModelGeneration handles POST /v1/jobs/model-generation.
func (a *App) CreateModelGeneration(w http.ResponseWriter, r *http.Request) {
	owner := a.currentOwnerID(r)
	if owner == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing owner identity")
		return
	}
	var req engine.ModelGenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	req.OwnerID = owner
	job, err := a.Engine.CreateModelGeneration(r.Context(), req)
	if err != nil {
		a.engineError(w, err)
		return
	}
	a.accepted(w, job)
}

// CreateVTO handles POST /v1/jobs/vto.
func (a *App) CreateVTO(w http.ResponseWriter, r *http.Request) {
	owner := a.currentOwnerID(r)
	if owner == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing owner identity")
		return
	}
	var req engine.VTORequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	req.OwnerID = owner
	job, err := a.Engine.CreateVTOPipeline(r.Context(), req)
	if err != nil {
		a.engineError(w, err)
		return
	}
	a.accepted(w, job)
}

// CreateTiledUpscale handles POST /v1/jobs/tiled-upscale.
func (a *App) CreateTiledUpscale(w http.ResponseWriter, r *http.Request) {
	owner := a.currentOwnerID(r)
	if owner == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing owner identity")
		return
	}
	var req engine.TiledUpscaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	req.OwnerID = owner
	job, err := a.Engine.CreateTiledUpscale(r.Context(), req)
	if err != nil {
		a.engineError(w, err)
		return
	}
	a.accepted(w, job)
}

// CreateBatchInpaint handles POST /v1/jobs/batch-inpaint.
func (a *App) CreateBatchInpaint(w http.ResponseWriter, r *http.Request) {
	owner := a.currentOwnerID(r)
	if owner == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing owner identity")
		return
	}
	var req engine.BatchInpaintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	req.OwnerID = owner
	job, err := a.Engine.CreateBatchInpaint(r.Context(), req)
	if err != nil {
		a.engineError(w, err)
		return
	}
	a.accepted(w, job)
}

// CreateEnhancement handles POST /v1/jobs/enhancement.
func (a *App) CreateEnhancement(w http.ResponseWriter, r *http.Request) {
	owner := a.currentOwnerID(r)
	if owner == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing owner identity")
		return
	}
	var req engine.EnhancementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	req.OwnerID = owner
	job, err := a.Engine.CreateEnhancement(r.Context(), req)
	if err != nil {
		a.engineError(w, err)
		return
	}
	a.accepted(w, job)
}

// CancelJob handles POST /v1/jobs/{job_id}/cancel.
func (a *App) CancelJob(w http.ResponseWriter, r *http.Request) {
	owner := a.currentOwnerID(r)
	if owner == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing owner identity")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if err := a.Engine.Cancel(r.Context(), jobID, owner); err != nil {
		a.engineError(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]string{"job_id": jobID, "status": string(domain.StatusFailed)})
}

// RetryJob handles POST /v1/jobs/{job_id}/retry.
func (a *App) RetryJob(w http.ResponseWriter, r *http.Request) {
	owner := a.currentOwnerID(r)
	if owner == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing owner identity")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	job, err := a.Engine.Retry(r.Context(), jobID, owner)
	if err != nil {
		a.engineError(w, err)
		return
	}
	a.json(w, http.StatusOK, acceptedResponse{JobID: job.ID, Status: string(job.Status)})
}
