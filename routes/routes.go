package routes

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/earlence-security/stateful-auth/app"
	"github.com/earlence-security/stateful-auth/gateway"
	"github.com/earlence-security/stateful-auth/handlers"
	"github.com/earlence-security/stateful-auth/middleware"
	"github.com/earlence-security/stateful-auth/utils"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

const apiTimeout = 60 * time.Second

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()
	logger := deps.Logger

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "https://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", gateway.HeaderHistory},
		ExposedHeaders:   []string{"X-Request-ID", gateway.HeaderSetHistory},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoints
	var db *sql.DB
	if deps.DB != nil {
		db = deps.DB.DB
	}
	health := handlers.NewHealthHandler(db, logger)
	if p, ok := deps.History.(handlers.Pinger); ok {
		health.WithChecker("history_store", p)
	}
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	decisions := handlers.NewDecisionHandler(deps.PolicyService, deps.Counters, logger)
	policies := handlers.NewPolicyHandler(deps.PolicyService, logger)
	capabilities := handlers.NewCapabilityHandler(deps.PolicyService, deps.HistoryService, logger)
	stats := handlers.NewStatsHandler(deps.PolicyService, deps.Audit, deps.Counters)

	r.Route("/v1", func(r chi.Router) {
		r.Use(chimw.Timeout(apiTimeout))

		// Stateless decisions: the caller supplies request and history
		r.Group(func(r chi.Router) {
			r.Use(deps.AuthMiddleware.OptionalCapability)
			r.Post("/decisions", decisions.HandleDecide)
			r.Post("/history/advance", decisions.HandleAdvance)
		})

		// Management (admin token)
		r.Group(func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAdmin)

			r.Route("/policies", func(r chi.Router) {
				r.Get("/", policies.HandleListPolicies)
				r.Post("/", policies.HandleCreatePolicy)
				r.Get("/{name}", policies.HandleGetPolicy)
				r.Put("/{name}", policies.HandleUpdatePolicy)
				r.Delete("/{name}", policies.HandleDeletePolicy)
			})

			r.Route("/capabilities/{capability}", func(r chi.Router) {
				r.Get("/policy", capabilities.HandleGetBinding)
				r.Put("/policy", capabilities.HandleSetBinding)
				r.Delete("/policy", capabilities.HandleRemoveBinding)
				r.Get("/history", capabilities.HandleGetHistory)
			})

			if deps.AuditLogs != nil {
				audits := handlers.NewAuditHandler(deps.AuditLogs, logger)
				r.Get("/audit-logs", audits.HandleListAuditLogs)
				r.Get("/audit-logs/{id}", audits.HandleGetAuditLog)
			}

			r.Get("/stats", stats.HandleStats)
		})
	})

	// Everything else is proxied when the gateway is enabled
	if deps.Gateway != nil {
		r.With(deps.AuthMiddleware.RequireCapability).Handle("/*", deps.Gateway)
	} else {
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			_ = utils.WriteNotFound(w, "endpoint not found")
		})
	}

	return r
}
