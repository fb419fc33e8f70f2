package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/planning-explorer/planning-explorer/internal/domain"
	"github.com/planning-explorer/planning-explorer/internal/es"
	"github.com/planning-explorer/planning-explorer/internal/observability"
	"github.com/planning-explorer/planning-explorer/internal/search"
)

// ApplicationsHandler serves application detail endpoints.
type ApplicationsHandler struct {
	logger  *observability.Logger
	gateway es.Gateway
	service *search.Service
}

// NewApplicationsHandler creates an applications handler.
func NewApplicationsHandler(logger *observability.Logger, gateway es.Gateway, service *search.Service) *ApplicationsHandler {
	return &ApplicationsHandler{logger: logger, gateway: gateway, service: service}
}

// List handles GET /applications with the search filter vocabulary.
func (h *ApplicationsHandler) List(w http.ResponseWriter, r *http.Request) {
	req := search.Request{
		Filters:         *filtersFromQuery(r),
		SortBy:          r.URL.Query().Get("sort_by"),
		SortOrder:       r.URL.Query().Get("sort_order"),
		Page:            queryInt(r, "page", 1),
		PageSize:        queryInt(r, "page_size", 20),
		IncludeAIFields: queryBool(r, "include_ai_fields", true),
	}

	resp, err := h.service.Search(r.Context(), req)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondData(w, http.StatusOK, resp.Hits, &meta{
		Total:      resp.Total,
		TotalPages: resp.TotalPages,
		Page:       resp.Page,
		PageSize:   resp.PageSize,
		TookMs:     resp.TookMs,
	})
}

// load fetches one application by id, stripping vectors.
func (h *ApplicationsHandler) load(r *http.Request, id string) (*domain.PlanningApplication, error) {
	source, err := h.gateway.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	var app domain.PlanningApplication
	if err := json.Unmarshal(source, &app); err != nil {
		return nil, domain.WrapError(domain.KindInternal, "DECODE_FAILED", "could not decode application", err)
	}
	if app.ApplicationID == "" {
		app.ApplicationID = id
	}
	app.ClearVectors()
	return &app, nil
}

// Get handles GET /application?id=.
func (h *ApplicationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		respondError(w, h.logger, domain.ValidationError("MISSING_ID", "query parameter id is required"))
		return
	}

	app, err := h.load(r, id)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	if !queryBool(r, "include_ai_insights", true) {
		app.ClearAIFields()
	}
	respondData(w, http.StatusOK, app, nil)
}

// Similar handles GET /applications/{id}/similar.
func (h *ApplicationsHandler) Similar(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := queryInt(r, "limit", 10)

	resp, err := h.service.Similar(r.Context(), id, limit)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondData(w, http.StatusOK, resp.Hits, &meta{Total: resp.Total, TookMs: resp.TookMs})
}

// Documents handles GET /applications/{id}/documents.
func (h *ApplicationsHandler) Documents(w http.ResponseWriter, r *http.Request) {
	app, err := h.load(r, chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondData(w, http.StatusOK, app.Documents, nil)
}

// Consultations handles GET /applications/{id}/consultations.
func (h *ApplicationsHandler) Consultations(w http.ResponseWriter, r *http.Request) {
	app, err := h.load(r, chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondData(w, http.StatusOK, map[string]any{
		"consultations":   app.Consultations,
		"public_comments": app.PublicComments,
	}, nil)
}

// historyEvent is one lifecycle milestone of an application.
type historyEvent struct {
	Event string `json:"event"`
	Date  string `json:"date"`
}

// History handles GET /applications/{id}/history, derived from the lifecycle
// dates present on the document.
func (h *ApplicationsHandler) History(w http.ResponseWriter, r *http.Request) {
	app, err := h.load(r, chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	var events []historyEvent
	add := func(name string, t interface{ Format(string) string }, present bool) {
		if present {
			events = append(events, historyEvent{Event: name, Date: t.Format("2006-01-02")})
		}
	}
	add("submitted", app.SubmissionDate, app.SubmissionDate != nil)
	add("validated", app.ValidationDate, app.ValidationDate != nil)
	add("consultation_started", app.ConsultationStartDate, app.ConsultationStartDate != nil)
	add("consultation_ended", app.ConsultationEndDate, app.ConsultationEndDate != nil)
	add("decided", app.DecisionDate, app.DecisionDate != nil)
	add("appealed", app.AppealDate, app.AppealDate != nil)

	respondData(w, http.StatusOK, events, nil)
}
