package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/bcnelson/addrsync/internal/api/handler"
	"github.com/bcnelson/addrsync/internal/api/middleware"
	"github.com/bcnelson/addrsync/internal/auth"
	"github.com/bcnelson/addrsync/internal/metrics"
	"github.com/bcnelson/addrsync/internal/service"
	"github.com/bcnelson/addrsync/internal/storage"
)

// NewRouter creates a new HTTP router with all routes configured.
// verifier may be nil when OIDC is disabled.
func NewRouter(
	store storage.Storage,
	syncService *service.SyncService,
	bootstrapKey string,
	verifier auth.TokenVerifier,
	logger zerolog.Logger,
) http.Handler {
	metrics.Get()

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logging(logger))

	// Health check (no auth required)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.ContentType)
		r.Use(middleware.Auth(store, bootstrapKey, verifier))

		// API Keys
		keyHandler := handler.NewAPIKeyHandler(store)
		r.Post("/keys", keyHandler.Create)
		r.Get("/keys", keyHandler.List)
		r.Delete("/keys/{id}", keyHandler.Delete)

		// Integration units
		unitHandler := handler.NewUnitHandler(store, syncService)
		r.Post("/units", unitHandler.Create)
		r.Get("/units", unitHandler.List)
		r.Post("/units/import", unitHandler.Import)
		r.Route("/units/{id}", func(r chi.Router) {
			r.Get("/", unitHandler.Get)
			r.Put("/", unitHandler.Update)
			r.Delete("/", unitHandler.Delete)

			r.Get("/desired", unitHandler.Desired)
			r.Get("/plan", unitHandler.Plan)
			r.Post("/sync", unitHandler.Sync)
			r.Get("/runs", unitHandler.Runs)
			r.Get("/runs/latest", unitHandler.LatestRun)
		})

		// Sync runs
		runHandler := handler.NewRunHandler(store, syncService)
		r.Post("/sync", runHandler.SyncAll)
		r.Get("/runs", runHandler.List)
		r.Get("/runs/{id}", runHandler.Get)
	})

	return r
}
