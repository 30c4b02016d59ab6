package handlers

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"atelier/internal/domain"
	"atelier/pkg/zip"
)

// GetJob handles GET /v1/jobs/{job_id}.
func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	owner := a.currentOwnerID(r)
	if owner == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing owner identity")
		return
	}
	job, err := a.Engine.GetJob(r.Context(), chi.URLParam(r, "job_id"), owner)
	if err != nil {
		a.engineError(w, err)
		return
	}
	a.json(w, http.StatusOK, viewOf(job))
}

// ListChildren handles GET /v1/jobs/{job_id}/children.
func (a *App) ListChildren(w http.ResponseWriter, r *http.Request) {
	owner := a.currentOwnerID(r)
	if owner == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing owner identity")
		return
	}
	children, err := a.Engine.ListChildren(r.Context(), chi.URLParam(r, "job_id"), owner)
	if err != nil {
		a.engineError(w, err)
		return
	}
	views := make([]jobView, 0, len(children))
	for _, child := range children {
		views = append(views, viewOf(child))
	}
	a.json(w, http.StatusOK, map[string]any{"children": views})
}

type artifactView struct {
	JobID string `json:"job_id"`
	Key   string `json:"storage_key"`
}

// ListArtifacts handles GET /v1/jobs/{job_id}/artifacts. For fan-out parents
// the artifact references live on the children.
func (a *App) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	owner := a.currentOwnerID(r)
	if owner == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing owner identity")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	job, err := a.Engine.GetJob(r.Context(), jobID, owner)
	if err != nil {
		a.engineError(w, err)
		return
	}

	jobs := []*domain.Job{job}
	if domain.IsFanOut(job.Type) {
		children, err := a.Engine.ListChildren(r.Context(), jobID, owner)
		if err != nil {
			a.engineError(w, err)
			return
		}
		jobs = children
	}

	var artifacts []artifactView
	for _, j := range jobs {
		key := artifactKeyOf(j)
		if key != "" {
			artifacts = append(artifacts, artifactView{JobID: j.ID, Key: key})
		}
	}
	a.json(w, http.StatusOK, map[string]any{"artifacts": artifacts})
}

// ArchiveArtifacts handles GET /v1/jobs/{job_id}/artifacts/archive: every
// artifact the job (or its children) produced, bundled as one zip download.
func (a *App) ArchiveArtifacts(w http.ResponseWriter, r *http.Request) {
	owner := a.currentOwnerID(r)
	if owner == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing owner identity")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	job, err := a.Engine.GetJob(r.Context(), jobID, owner)
	if err != nil {
		a.engineError(w, err)
		return
	}

	jobs := []*domain.Job{job}
	if domain.IsFanOut(job.Type) {
		children, err := a.Engine.ListChildren(r.Context(), jobID, owner)
		if err != nil {
			a.engineError(w, err)
			return
		}
		jobs = children
	}

	var entries []zip.Entry
	for _, j := range jobs {
		key := artifactKeyOf(j)
		if key == "" {
			continue
		}
		data, err := a.Engine.ReadArtifact(r.Context(), key)
		if err != nil {
			a.Logger.Warn().Err(err).Str("job_id", j.ID).Str("key", key).Msg("api: artifact unreadable, skipping")
			continue
		}
		entries = append(entries, zip.Entry{Name: key, Data: data})
	}
	if len(entries) == 0 {
		a.error(w, http.StatusNotFound, "not_found", "no artifacts available yet")
		return
	}

	archive, err := zip.Archive(entries)
	if err != nil {
		a.engineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", jobID+".zip"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}

func artifactKeyOf(job *domain.Job) string {
	payload, err := domain.DecodePayload(job.Type, job.Payload)
	if err != nil {
		return ""
	}
	switch p := payload.(type) {
	case *domain.ModelGenerationPayload:
		return p.ArtifactKey
	case *domain.VTOPayload:
		return p.ArtifactKey
	case *domain.UpscaleTilePayload:
		return p.ArtifactKey
	case *domain.InpaintRegionPayload:
		return p.ArtifactKey
	case *domain.EnhancementPayload:
		return p.ArtifactKey
	default:
		return ""
	}
}
