package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fitstream-app/fitstream-backend/api/controllers"
	"github.com/fitstream-app/fitstream-backend/api/middleware"
	"github.com/fitstream-app/fitstream-backend/internal/catalog"
	"github.com/fitstream-app/fitstream-backend/internal/transcode"
	"github.com/fitstream-app/fitstream-backend/internal/upload"
	"github.com/fitstream-app/fitstream-backend/pkg/config"
	"github.com/fitstream-app/fitstream-backend/pkg/logger"
)

// NewRouter assembles the HTTP surface: upload intake, status reads, catalog
// reads, and operator job actions.
func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	readiness map[string]controllers.Pinger,
	uploadService upload.Service,
	catalogService catalog.Service,
	jobsRepo *transcode.Repository,
	metricsHandler http.Handler,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, readiness))
	})

	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/uploads", func(r chi.Router) {
			r.Post("/", controllers.CreateUpload(uploadService, logg))
			r.Put("/{uploadID}/chunks/{index}", controllers.ReceiveChunk(uploadService, logg))
			r.Get("/{uploadID}", controllers.GetUpload(uploadService, jobsRepo, logg))
		})

		r.Route("/assets", func(r chi.Router) {
			r.Get("/", controllers.ListAssets(catalogService, logg))
			r.Get("/{assetID}", controllers.GetAsset(catalogService, jobsRepo, logg))
			r.Get("/{assetID}/play", controllers.PlayAsset(catalogService, logg))
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/{jobID}", controllers.GetJob(jobsRepo, logg))
			r.Post("/{jobID}/cancel", controllers.CancelJob(jobsRepo, logg))
			r.Post("/{jobID}/resubmit", controllers.ResubmitJob(jobsRepo, logg))
		})
	})

	return r
}
