package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/atelierai/backend/internal/auth"
	"github.com/atelierai/backend/internal/generation"
	"github.com/atelierai/backend/internal/settings"
	"github.com/atelierai/backend/internal/workspace"
)

// newRouter wires the HTTP surface. The video webhook lives outside /api/v1:
// providers call it unauthenticated and it always answers 200.
func newRouter(
	authHandler *auth.Handler,
	authSvc auth.Service,
	genHandler *generation.Handler,
	wsHandler *workspace.Handler,
	settingsHandler *settings.Handler,
	corsOrigins []string,
) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Post("/webhooks/video", genHandler.VideoWebhook)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/register", authHandler.Register)
		r.Post("/auth/login", authHandler.Login)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(authSvc))

			r.Get("/account/me", authHandler.Me)
			r.Get("/models", genHandler.ListModels)
			r.Post("/generate", genHandler.Generate)
			r.Get("/generations", genHandler.ListGenerations)
			r.Get("/generations/{id}", genHandler.GetGeneration)
			r.Get("/credit-ledger", genHandler.CreditLedger)

			r.Route("/workspaces", func(r chi.Router) {
				r.Post("/", wsHandler.Create)
				r.Get("/", wsHandler.List)
				r.Get("/{id}", wsHandler.Get)
				r.Patch("/{id}", wsHandler.SetCreditMode)
				r.Get("/{id}/members", wsHandler.Members)
				r.Post("/{id}/members", wsHandler.AddMember)
				r.Put("/{id}/allocations", wsHandler.SetAllocation)
				r.Get("/{id}/credit-ledger", wsHandler.Ledger)
			})

			r.Get("/admin/pricing", settingsHandler.Get)
			r.Put("/admin/pricing", settingsHandler.Update)
		})
	})

	return cors.New(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(r)
}
