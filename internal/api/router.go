/**
 * @description
 * This file sets up the HTTP router for the pool-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// PoolRoutes creates and returns a new router for the pool service.
func PoolRoutes(h *PoolHandlers, wh *WebhookHandlers, jwksURL string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Gateway callbacks authenticate with a signature, not a member JWT.
	r.Post("/webhooks/payments", wh.GatewayWebhookHandler)

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwksURL))

		r.Post("/pools/{poolID}/contributions", h.SubmitContributionHandler)
		r.Get("/pools/{poolID}/balance", h.PoolBalanceHandler)
		r.Post("/pools/{poolID}/close", h.ClosePoolHandler)

		r.Post("/cards", h.CreateCardHandler)
		r.Put("/cards/{cardID}", h.UpdateCardStatusHandler)
		r.Delete("/cards/{cardID}", h.DeleteCardHandler)
	})

	return r
}
