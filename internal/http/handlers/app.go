package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"atelier/internal/domain"
	"atelier/internal/engine"
	"atelier/internal/infra"
)

// App is the handler container: it holds the engine plus everything the
// HTTP surface needs to translate requests into engine calls.
type App struct {
	Engine   *engine.Engine
	Families []engine.Family
	Logger   infra.Logger
}

// NewApp creates the handler container.
func NewApp(eng *engine.Engine, families []engine.Family, logger infra.Logger) *App {
	return &App{Engine: eng, Families: families, Logger: logger}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, reason, message string) {
	a.json(w, code, map[string]string{"error": reason, "message": message})
}

// engineError maps engine/domain errors onto HTTP responses.
func (a *App) engineError(w http.ResponseWriter, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		a.json(w, http.StatusBadRequest, map[string]string{
			"error":   "validation_failed",
			"field":   ve.Field,
			"message": ve.Reason,
		})
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "job not found")
	case errors.Is(err, domain.ErrConflict):
		a.error(w, http.StatusConflict, "conflict", "job is not in a state that allows this action")
	default:
		a.Logger.Error().Err(err).Msg("api: internal error")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

// currentOwnerID extracts the requester identity. Authentication itself is an
// upstream concern; by the time a request reaches this service the gateway
// has resolved the owner and forwards it in a trusted header.
func (a *App) currentOwnerID(r *http.Request) string {
	return r.Header.Get("X-Owner-ID")
}

// jobView is the wire shape for a job.
type jobView struct {
	ID           string          `json:"id"`
	Type         string          `json:"job_type"`
	Status       string          `json:"status"`
	ParentID     *string         `json:"parent_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	RetryCount   int             `json:"retry_count"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
}

func viewOf(job *domain.Job) jobView {
	return jobView{
		ID:           job.ID,
		Type:         string(job.Type),
		Status:       string(job.Status),
		ParentID:     job.ParentID,
		Payload:      job.Payload,
		ErrorMessage: job.ErrorMessage,
		RetryCount:   job.RetryCount,
		CreatedAt:    job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    job.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
