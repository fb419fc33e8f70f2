package handlers

import (
	"net/http"
	"strings"

	"github.com/planning-explorer/planning-explorer/internal/observability"
	"github.com/planning-explorer/planning-explorer/internal/search"
)

// SearchHandler serves the search endpoints.
type SearchHandler struct {
	logger  *observability.Logger
	service *search.Service
}

// NewSearchHandler creates a search handler.
func NewSearchHandler(logger *observability.Logger, service *search.Service) *SearchHandler {
	return &SearchHandler{logger: logger, service: service}
}

// Search handles POST /search.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req search.Request
	if err := decodeBody(r, &req); err != nil {
		respondError(w, h.logger, err)
		return
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

type vectorSearchRequest struct {
	Query   string          `json:"query"`
	K       int             `json:"k"`
	Filters *search.Filters `json:"filters,omitempty"`
}

// Semantic handles POST /search/semantic.
func (h *SearchHandler) Semantic(w http.ResponseWriter, r *http.Request) {
	var req vectorSearchRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}

	resp, err := h.service.SemanticSearch(r.Context(), req.Query, req.K, req.Filters)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondData(w, http.StatusOK, resp, nil)
}

// NaturalLanguage handles POST /search/natural-language.
func (h *SearchHandler) NaturalLanguage(w http.ResponseWriter, r *http.Request) {
	var req vectorSearchRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}

	resp, err := h.service.NaturalLanguageSearch(r.Context(), req.Query, req.K, req.Filters)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondData(w, http.StatusOK, resp, nil)
}

// Suggestions handles GET /search/suggestions.
func (h *SearchHandler) Suggestions(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("q")
	limit := queryInt(r, "limit", 10)

	suggestions, err := h.service.Suggestions(r.Context(), prefix, limit)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondData(w, http.StatusOK, suggestions, nil)
}

// Aggregations handles GET /aggregations.
func (h *SearchHandler) Aggregations(w http.ResponseWriter, r *http.Request) {
	filters := filtersFromQuery(r)
	aggs, err := h.service.Aggregations(r.Context(), filters)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondData(w, http.StatusOK, aggs, nil)
}

// filtersFromQuery maps the comma-separated query-string vocabulary onto
// search filters.
func filtersFromQuery(r *http.Request) *search.Filters {
	q := r.URL.Query()
	csv := func(name string) []string {
		raw := q.Get(name)
		if raw == "" {
			return nil
		}
		parts := strings.Split(raw, ",")
		values := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				values = append(values, p)
			}
		}
		return values
	}

	filters := &search.Filters{
		Authorities:      csv("authorities"),
		Statuses:         csv("statuses"),
		DevelopmentTypes: csv("development_types"),
		ApplicationTypes: csv("application_types"),
		Decisions:        csv("decisions"),
		Postcode:         q.Get("postcode"),
	}
	return filters
}
