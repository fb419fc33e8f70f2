// Package handlers provides HTTP handlers for the Planning Explorer API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/planning-explorer/planning-explorer/internal/domain"
	"github.com/planning-explorer/planning-explorer/internal/es"
	"github.com/planning-explorer/planning-explorer/internal/observability"
)

// envelope is the uniform response wrapper.
type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
	Meta    *meta      `json:"meta,omitempty"`
}

type errorBody struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

type meta struct {
	Total      int64 `json:"total,omitempty"`
	TotalPages int   `json:"total_pages,omitempty"`
	Page       int   `json:"page,omitempty"`
	PageSize   int   `json:"page_size,omitempty"`
	TookMs     int   `json:"took_ms,omitempty"`
	RetryAfter int   `json:"retry_after_seconds,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// respondData writes a success envelope.
func respondData(w http.ResponseWriter, status int, data any, m *meta) {
	writeJSON(w, status, envelope{Success: true, Data: data, Meta: m})
}

// respondError maps a domain error onto the envelope and status code.
// Gateway sentinels are translated here so every handler shares the same
// status mapping.
func respondError(w http.ResponseWriter, logger *observability.Logger, err error) {
	var derr *domain.Error
	switch {
	case errors.As(err, &derr):
	case errors.Is(err, es.ErrNotFound):
		derr = domain.WrapError(domain.KindNotFound, "NOT_FOUND", "document not found", err)
	case errors.Is(err, es.ErrConnectionUnavailable):
		derr = domain.WrapError(domain.KindDatabaseUnavailable, "DATABASE_UNAVAILABLE",
			"search backend is temporarily unavailable", err)
	default:
		derr = domain.WrapError(domain.KindInternal, "INTERNAL_ERROR", "internal server error", err)
	}

	status := derr.HTTPStatus()
	if status >= 500 {
		logger.Error().Err(err).Str("code", derr.Code).Msg("request failed")
	} else {
		logger.Debug().Err(err).Str("code", derr.Code).Msg("request rejected")
	}

	body := envelope{
		Success: false,
		Error: &errorBody{
			Code:       derr.Code,
			Message:    derr.Message,
			Suggestion: derr.Suggestion,
		},
	}
	if derr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(derr.RetryAfter))
		body.Meta = &meta{RetryAfter: derr.RetryAfter}
	}
	writeJSON(w, status, body)
}

// decodeBody decodes a JSON request body into dest.
func decodeBody(r *http.Request, dest any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		return domain.ValidationError("INVALID_BODY", "request body is not valid JSON: "+err.Error())
	}
	return nil
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func queryFloat(r *http.Request, name string, fallback float64) float64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return f
}

func queryBool(r *http.Request, name string, fallback bool) bool {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return b
}
