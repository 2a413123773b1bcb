/**
 * @description
 * HTTP router setup for the billing service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers billing routes.
func NewRouter(h *Handler, jwksURL string, internalKey string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Billing service is healthy"))
	})

	r.Post("/webhooks/processor", h.handleProcessorWebhook)

	r.Route("/internal/billing", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Post("/run", h.handleRunRecurringBilling)
		r.Post("/retries/run", h.handleRunRetries)
	})

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwksURL))
		r.Get("/billing/subscriptions/{id}", h.handleGetSubscription)
		r.Get("/billing/subscriptions/{id}/payments", h.handleListSubscriptionPayments)
	})

	return r
}
