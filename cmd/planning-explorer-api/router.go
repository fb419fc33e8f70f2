// Package main provides the API router setup.
package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/planning-explorer/planning-explorer/cmd/planning-explorer-api/handlers"
	"github.com/planning-explorer/planning-explorer/cmd/planning-explorer-api/middleware"
	"github.com/planning-explorer/planning-explorer/internal/ai"
	"github.com/planning-explorer/planning-explorer/internal/enrichment"
	"github.com/planning-explorer/planning-explorer/internal/es"
	"github.com/planning-explorer/planning-explorer/internal/llm"
	"github.com/planning-explorer/planning-explorer/internal/observability"
	"github.com/planning-explorer/planning-explorer/internal/search"
	"github.com/planning-explorer/planning-explorer/internal/tasks"
)

// routerDeps carries the wired services into the router.
type routerDeps struct {
	logger    *observability.Logger
	metrics   *observability.Metrics
	gateway   es.Gateway
	searchSvc *search.Service
	orch      *ai.Orchestrator
	enricher  *enrichment.Service
	processor *tasks.Processor
	usage     *llm.UsageTracker
	timeout   time.Duration
}

// NewRouter creates the main API router with all routes configured.
func NewRouter(deps routerDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))
	if deps.timeout > 0 {
		r.Use(chimiddleware.Timeout(deps.timeout))
	}

	searchHandler := handlers.NewSearchHandler(deps.logger, deps.searchSvc)
	appsHandler := handlers.NewApplicationsHandler(deps.logger, deps.gateway, deps.searchSvc)
	aiHandler := handlers.NewAIHandler(deps.logger, deps.gateway, deps.orch, deps.processor, deps.usage)
	statsHandler := handlers.NewStatsHandler(deps.logger, deps.gateway, deps.searchSvc, deps.orch, deps.enricher, appsHandler)

	r.Route("/search", func(r chi.Router) {
		r.Post("/", searchHandler.Search)
		r.Post("/semantic", searchHandler.Semantic)
		r.Post("/natural-language", searchHandler.NaturalLanguage)
		r.Get("/suggestions", searchHandler.Suggestions)
	})
	r.Get("/aggregations", searchHandler.Aggregations)

	r.Get("/applications", appsHandler.List)
	r.Get("/application", appsHandler.Get)
	r.Route("/applications/{id}", func(r chi.Router) {
		r.Get("/similar", appsHandler.Similar)
		r.Get("/history", appsHandler.History)
		r.Get("/documents", appsHandler.Documents)
		r.Get("/consultations", appsHandler.Consultations)
	})

	r.Route("/ai", func(r chi.Router) {
		r.Post("/opportunity-score", aiHandler.OpportunityScore)
		r.Post("/summarize", aiHandler.Summarize)
		r.Get("/insights", aiHandler.Insights)
		r.Post("/batch-score", aiHandler.BatchScore)
		r.Post("/batch-process", aiHandler.BatchProcess)
		r.Get("/service-status", aiHandler.ServiceStatus)
		r.Route("/tasks/{id}", func(r chi.Router) {
			r.Get("/", aiHandler.GetTask)
			r.Get("/result", aiHandler.GetTaskResult)
			r.Delete("/", aiHandler.CancelTask)
		})
	})

	r.Get("/report/{application_id}", statsHandler.Report)
	r.Route("/stats", func(r chi.Router) {
		r.Get("/locations/{slug}", statsHandler.Locations)
		r.Get("/trends/{type}", statsHandler.Trends)
	})

	r.Route("/monitoring", func(r chi.Router) {
		r.Get("/health", statsHandler.Health)
		r.Handle("/metrics", deps.metrics.Handler())
	})

	return r
}
