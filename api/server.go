/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions for the payroll API.

MIDDLEWARE STACK (applied in order):
  1. RequestID - tags each request for log correlation
  2. Logger    - request logging
  3. Recoverer - converts panics into 500 responses
  4. CORS      - permissive policy for browser clients

SEE ALSO:
  - handlers.go: Handler implementations for each route
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter builds the HTTP router with all API routes registered.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/batches", func(r chi.Router) {
			r.Get("/", h.ListBatches)
			r.Post("/", h.CreateBatch)
			r.Post("/bulk-approve", h.BulkApprove)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetBatch)
				r.Delete("/", h.DeleteBatch)
				r.Post("/resume", h.ResumeBatch)
				r.Post("/approve", h.ApproveBatch)
				r.Post("/freeze", h.FreezeBatch)
				r.Post("/complete", h.CompleteBatch)
				r.Post("/validate", h.ValidateBatch)

				r.Get("/records", h.ListRecords)
				r.Get("/records/{employeeID}", h.GetRecord)

				r.Post("/recalc-requests", h.SubmitRecalcRequest)
				r.Get("/recalc-requests/active", h.GetActiveRecalcRequest)
				r.Post("/recalc-requests/grant", h.GrantRecalc)
				r.Post("/recalc-requests/deny", h.DenyRecalc)
				r.Post("/recalculate", h.Recalculate)

				r.Get("/snapshots", h.ListSnapshots)
				r.Post("/rollback", h.Rollback)
			})
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", h.ListJobs)
			r.Get("/{id}", h.GetJob)
			r.Delete("/{id}", h.CancelJob)
		})

		r.Route("/config", func(r chi.Router) {
			r.Get("/columns", h.GetColumns)
			r.Put("/columns", h.SaveColumns)
		})

		r.Post("/admin/migrate-divisions", h.MigrateDivisions)
	})

	return r
}
