package http

import (
	"net/http"

	"github.com/geo-sightings/internal/config"
	jwtinfra "github.com/geo-sightings/internal/infrastructure/jwt"
	"github.com/geo-sightings/internal/transport/http/handler"
	appmiddleware "github.com/geo-sightings/internal/transport/http/middleware"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter builds and returns the application router.
func NewRouter(cfg *config.Config, deps *Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(appmiddleware.Instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", appmiddleware.APIKeyHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	apiKeyMw := passThrough
	if cfg.APISecretKey != "" {
		apiKeyMw = appmiddleware.APIKey(cfg.APISecretKey)
	}
	limit := func(class string, l appmiddleware.Limit) func(http.Handler) http.Handler {
		return passThrough
	}
	if deps.RateCounter != nil {
		limit = appmiddleware.NewGate(deps.RateCounter).Limit
	}

	healthH := handler.NewHealthHandler()
	eventH := handler.NewEventHandler(deps.Sightings)
	subH := handler.NewSubscriptionHandler(deps.Subscriptions)
	adminH := handler.NewAdminHandler(deps.Sweeper, deps.Notifier)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		// ── Public routes (no key) ───────────────────────────────────────────
		r.Get("/health-check/{action}", healthH.Ping)
		r.Post("/health-check/{action}", healthH.Ping)

		// ── Client routes (API key) ──────────────────────────────────────────
		r.Group(func(r chi.Router) {
			r.Use(apiKeyMw)

			r.With(limit("send", appmiddleware.LimitSend)).Post("/events", eventH.Create)
			r.With(limit("read", appmiddleware.LimitRead)).Post("/events/nearby", eventH.Nearby)
			r.With(limit("read", appmiddleware.LimitRead)).Get("/events/scan", eventH.Scan)
			r.With(limit("read", appmiddleware.LimitRead)).Get("/events/{id}", eventH.Get)
			r.With(limit("register", appmiddleware.LimitRegister)).Post("/subscriptions", subH.Register)
			r.With(limit("register", appmiddleware.LimitRegister)).Put("/subscriptions/{deviceId}/location", subH.Relocate)
		})

		// ── Operator routes (JWT, operator role) ─────────────────────────────
		if deps.JWTProvider != nil {
			r.Group(func(r chi.Router) {
				r.Use(appmiddleware.Auth(deps.JWTProvider))
				r.Use(appmiddleware.RequireRole(jwtinfra.RoleOperator))

				r.With(limit("cleanup", appmiddleware.LimitCleanup)).Post("/admin/sweep", adminH.Sweep)
				r.With(limit("notify-sweep", appmiddleware.LimitCleanup)).Post("/admin/notify-sweep", adminH.NotifySweep)
			})
		}
	})

	return r
}

func passThrough(next http.Handler) http.Handler { return next }
