package httpapi

import (
	stdhttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"atelier/internal/http/handlers"
	"atelier/internal/middleware"
)

// Options tunes router-level middleware.
type Options struct {
	RateLimitPerMin int
	AllowedOrigins  []string
}

// NewRouter wires the public API surface around the handler container.
func NewRouter(app *handlers.App, opts Options) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, chimw.RealIP, chimw.Recoverer)
	r.Use(middleware.Logger(app.Logger))
	if len(opts.AllowedOrigins) > 0 {
		r.Use(middleware.CORS(opts.AllowedOrigins))
	}

	// Health
	r.Get("/v1/healthz", app.Health)

	r.Route("/v1/jobs", func(r chi.Router) {
		create := r
		if opts.RateLimitPerMin > 0 {
			create = r.With(middleware.RateLimit(opts.RateLimitPerMin, time.Minute))
		}
		create.Post("/model-generation", app.CreateModelGeneration)
		create.Post("/vto", app.CreateVTO)
		create.Post("/tiled-upscale", app.CreateTiledUpscale)
		create.Post("/batch-inpaint", app.CreateBatchInpaint)
		create.Post("/enhancement", app.CreateEnhancement)

		r.Get("/{job_id}", app.GetJob)
		r.Get("/{job_id}/children", app.ListChildren)
		r.Get("/{job_id}/artifacts", app.ListArtifacts)
		r.Get("/{job_id}/artifacts/archive", app.ArchiveArtifacts)
		r.Post("/{job_id}/cancel", app.CancelJob)
		r.Post("/{job_id}/retry", app.RetryJob)
	})

	r.Post("/v1/webhooks/vendor", app.VendorWebhook)
	r.Post("/v1/internal/watchdog/{family}", app.SweepFamily)

	return r
}
