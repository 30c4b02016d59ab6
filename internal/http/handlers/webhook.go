package handlers

import (
	"encoding/json"
	"net/http"

	"atelier/internal/providers/render"
)

type vendorCallback struct {
	Status    string `json:"status"`
	ResultURL string `json:"result_url,omitempty"`
	Error     string `json:"error,omitempty"`
}

// VendorWebhook handles POST /v1/webhooks/vendor?job_id=... for vendors that
// push completion instead of being polled. The update is status-gated and
// idempotent, exactly like a poll: duplicates and late arrivals after
// cancellation are discarded.
func (a *App) VendorWebhook(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id query parameter required")
		return
	}
	var cb vendorCallback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	var st render.TaskStatus
	switch cb.Status {
	case "completed":
		st = render.TaskStatus{State: render.StateCompleted, ResultURL: cb.ResultURL}
	case "failed":
		st = render.TaskStatus{State: render.StateFailed, Reason: cb.Error}
	case "queued", "in_progress":
		st = render.TaskStatus{State: render.TaskState(cb.Status)}
	default:
		a.error(w, http.StatusBadRequest, "bad_request", "unknown status")
		return
	}

	if err := a.Engine.HandleVendorCallback(r.Context(), jobID, st); err != nil {
		a.engineError(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]string{"status": "accepted"})
}
