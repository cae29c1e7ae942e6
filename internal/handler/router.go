package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/grantflow-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware портала.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", h.Register)
		r.Post("/user/login", h.Login)
		r.Post("/user/login/token", h.LoginToken)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/user/balance", h.GetBalance)

			r.Route("/proposals", func(r chi.Router) {
				r.Post("/", h.CreateProposal)
				r.Get("/", h.ListProposals)
				r.Get("/{id}", h.GetProposal)
				r.Put("/{id}", h.EditProposal)
				r.Post("/{id}/submit", h.SubmitProposal)
				r.Post("/{id}/review/start", h.StartProposalReview)
				r.Post("/{id}/review", h.ReviewProposal)
				r.Post("/{id}/complete", h.CompleteProposal)
			})

			r.Route("/bounties", func(r chi.Router) {
				r.Post("/{id}/submissions", h.CreateBountySubmission)
				r.Get("/{id}/stats", h.GetBountyStats)
			})

			r.Post("/submissions/{id}/review", h.ReviewBountySubmission)

			r.Route("/milestones", func(r chi.Router) {
				r.Get("/{id}", h.GetMilestone)
				r.Post("/{id}/verification", h.RequestMilestoneVerification)
				r.Post("/{id}/review", h.ReviewMilestone)
			})

			r.Get("/projects", h.ListProjects)
			r.Get("/projects/{id}/progress", h.GetProjectProgress)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
