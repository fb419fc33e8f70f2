package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/planning-explorer/planning-explorer/internal/ai"
	"github.com/planning-explorer/planning-explorer/internal/domain"
	"github.com/planning-explorer/planning-explorer/internal/enrichment"
	"github.com/planning-explorer/planning-explorer/internal/es"
	"github.com/planning-explorer/planning-explorer/internal/observability"
	"github.com/planning-explorer/planning-explorer/internal/search"
)

// StatsHandler serves trends, location statistics, reports, and health.
type StatsHandler struct {
	logger    *observability.Logger
	gateway   es.Gateway
	service   *search.Service
	orch      *ai.Orchestrator
	enricher  *enrichment.Service
	apps      *ApplicationsHandler
	startedAt time.Time
}

// NewStatsHandler creates a stats handler. enricher may be nil, which omits
// portal enrichment from reports.
func NewStatsHandler(logger *observability.Logger, gateway es.Gateway, service *search.Service, orch *ai.Orchestrator, enricher *enrichment.Service, apps *ApplicationsHandler) *StatsHandler {
	return &StatsHandler{
		logger:    logger,
		gateway:   gateway,
		service:   service,
		orch:      orch,
		enricher:  enricher,
		apps:      apps,
		startedAt: time.Now().UTC(),
	}
}

// Trends handles GET /stats/trends/{type}.
func (h *StatsHandler) Trends(w http.ResponseWriter, r *http.Request) {
	dashboard, err := h.service.TrendsDashboard(r.Context(),
		search.TrendType(chi.URLParam(r, "type")),
		r.URL.Query().Get("period"), nil)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondData(w, http.StatusOK, dashboard, nil)
}

// Locations handles GET /stats/locations/{slug}.
func (h *StatsHandler) Locations(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.LocationStats(r.Context(),
		chi.URLParam(r, "slug"),
		queryFloat(r, "radius_km", 10),
		r.URL.Query().Get("period"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondData(w, http.StatusOK, stats, nil)
}

// report is the composite application report payload.
type report struct {
	Application *domain.PlanningApplication `json:"application"`
	AIInsights  *ai.ProcessingResult        `json:"ai_insights,omitempty"`
	Enrichment  *enrichment.Result          `json:"enrichment,omitempty"`
	Comparables []search.Hit                `json:"comparables,omitempty"`
	GeneratedAt time.Time                   `json:"generated_at"`
}

// Report handles GET /report/{application_id}: application details plus AI
// insights and comparables. Insight or comparable failures degrade the
// report instead of failing it.
func (h *StatsHandler) Report(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "application_id")
	app, err := h.apps.load(r, id)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	rep := report{Application: app, GeneratedAt: time.Now().UTC()}

	if h.enricher != nil && app.DocsURL != "" {
		if enriched, err := h.enricher.Enrich(r.Context(), id, app.DocsURL); err != nil {
			h.logger.Warn().Err(err).Str("application_id", id).Msg("report enrichment unavailable")
		} else {
			rep.Enrichment = enriched
		}
	}

	if insights, err := h.orch.ProcessApplication(r.Context(), app, ai.ModeStandard, nil); err != nil {
		h.logger.Warn().Err(err).Str("application_id", id).Msg("report insights unavailable")
	} else {
		rep.AIInsights = insights
	}

	if similar, err := h.service.Similar(r.Context(), id, 5); err != nil {
		h.logger.Warn().Err(err).Str("application_id", id).Msg("report comparables unavailable")
	} else {
		rep.Comparables = similar.Hits
	}

	respondData(w, http.StatusOK, rep, nil)
}

// Health handles GET /monitoring/health.
func (h *StatsHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	esStatus := "up"
	if _, err := h.gateway.HealthCheck(ctx); err != nil {
		status = "degraded"
		esStatus = "down"
	}

	respondData(w, http.StatusOK, map[string]any{
		"status":         status,
		"elasticsearch":  esStatus,
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	}, nil)
}
