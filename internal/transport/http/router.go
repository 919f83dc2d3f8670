package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/go-chem-api/internal/config"
	"github.com/go-chem-api/internal/domain"
	"github.com/go-chem-api/internal/transport/http/handler"
	appmiddleware "github.com/go-chem-api/internal/transport/http/middleware"
)

// NewRouter builds and returns the application router.
func NewRouter(cfg *config.Config, deps *Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	authMw := appmiddleware.Auth(deps.Tokens)

	// 5 requests/second, burst of 10 on endpoints that send codes or check credentials.
	sensitiveRL := appmiddleware.NewRateLimiter(rate.Limit(5), 10)

	healthH := handler.NewHealthHandler()
	sessionH := handler.NewSessionHandler(deps.Sessions)
	userH := handler.NewUserHandler(deps.Users)
	regH := handler.NewRegistrationHandler(deps.Registrations)
	pwH := handler.NewPasswordRecoveryHandler(deps.Auth)
	phoneH := handler.NewPhoneConfirmHandler(deps.Auth)
	predH := handler.NewPredictionHandler(deps.Predictions)

	r.Route("/v1", func(r chi.Router) {
		// Public routes
		r.Get("/health-check/{action}", healthH.Ping)
		r.Post("/health-check/{action}", healthH.Ping)
		r.Get("/test", healthH.Test)
		r.With(sensitiveRL.Limit).Post("/registrations", regH.Begin)
		r.With(sensitiveRL.Limit).Post("/registrations/verify", regH.Verify)
		r.With(sensitiveRL.Limit).Post("/sessions/login", sessionH.Login)
		r.Post("/sessions/refresh", sessionH.Refresh)
		r.With(sensitiveRL.Limit).Post("/password-recovery/{action}", pwH.Action)

		// Authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(authMw)

			r.Get("/sessions", sessionH.GetCurrent)
			r.Post("/sessions/logout", sessionH.Logout)

			r.Get("/users/{id}", userH.Get)
			r.Put("/users/me", userH.UpdateMe)
			r.Post("/users/me/password", userH.ChangePassword)
			r.With(sensitiveRL.Limit).Post("/confirm-phone/{action}", phoneH.Action)

			r.Post("/predictions", predH.Submit)
			r.Get("/predictions", predH.List)
			r.Get("/predictions/{id}", predH.Get)

			// Admin-only routes
			r.Group(func(r chi.Router) {
				r.Use(appmiddleware.RequireRole(domain.RoleAdmin))

				r.Get("/admin/users/{id}/predictions", predH.ListForUser)
			})
		})
	})

	return r
}
