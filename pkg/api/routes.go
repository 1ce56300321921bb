package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	if s.cfg.Metrics && s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Read-only endpoints.
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/inventory", s.handleInventory)
		r.Get("/substances", s.handleSubstances)
		r.Get("/vials/{barcode}", s.handleGetVial)
		r.Get("/racks", s.handleListRacks)
		r.Get("/racks/{id}", s.handleGetRack)
		r.Get("/racks/{id}/putlist.csv", s.handlePutList)
		r.Get("/fifo", s.handleFIFO)
		r.Get("/files", s.handleListFiles)

		// Mutating endpoints.
		r.Group(func(r chi.Router) {
			if s.cfg.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(s.cfg.RateLimit.RequestsPerMinute))
			}

			r.Post("/ingest", s.handleIngestAll)
			r.Post("/ingest/upload", s.handleIngestUpload)
			r.Post("/racks/assign", s.handleAssign)
			r.Post("/racks/import", s.handleImportLayout)
			r.Post("/racks/{id}/export", s.handleExportRack)
			r.Post("/fifo/export", s.handleExportFIFO)
			r.Post("/fifo/complete", s.handleCompleteFIFO)
			r.Post("/vials/complete", s.handleComplete)
			r.Post("/reconcile", s.handleReconcile)
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}

	origins := s.cfg.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowedOrigins = []string{"*"}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
