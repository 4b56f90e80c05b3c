package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter wires the public, review, and operational route groups. Review
// routes sit behind bearer-token authentication; an empty key disables them
// entirely rather than leaving them open.
func NewRouter(h *Handler, jwtKey []byte, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", h.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/evidence", h.handleIngestEvidence)
		r.Post("/query", h.handleQuery)
		r.Post("/predicates/check", h.handlePredicateCheck)

		r.Get("/releases", h.handleListReleases)
		r.Get("/releases/latest", h.handleLatestRelease)

		r.Group(func(r chi.Router) {
			if len(jwtKey) == 0 {
				r.Use(reviewDisabled(logger))
			} else {
				r.Use(RequireReviewer(jwtKey, logger))
			}
			r.Post("/rules/{id}/approve", h.handleApprove)
			r.Post("/rules/{id}/reject", h.handleReject)
			r.Post("/rules/{id}/override-grace", h.handleOverrideGrace)
			r.Get("/conflicts", h.handleListConflicts)
			r.Get("/dead-letters", h.handleListDeadLetters)
		})
	})

	return r
}

func reviewDisabled(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Warn("review endpoint hit with no JWT key configured", "path", r.URL.Path)
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{
				Error:   "review_disabled",
				Message: "no reviewer signing key configured",
			})
		})
	}
}
