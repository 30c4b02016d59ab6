package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// SweepFamily handles POST /v1/internal/watchdog/{family}: a manual trigger
// for one family's watchdog sweep, alongside the scheduled ones.
func (a *App) SweepFamily(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "family")
	for _, family := range a.Families {
		if family.Name != name {
			continue
		}
		n, err := a.Engine.Sweep(r.Context(), family)
		if err != nil {
			a.engineError(w, err)
			return
		}
		a.json(w, http.StatusOK, map[string]any{"family": name, "recovered": n})
		return
	}
	a.error(w, http.StatusNotFound, "not_found", "unknown watchdog family")
}
