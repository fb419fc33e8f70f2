package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planning-explorer/planning-explorer/internal/domain"
	"github.com/planning-explorer/planning-explorer/internal/es"
	"github.com/planning-explorer/planning-explorer/internal/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var body envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestRespondData(t *testing.T) {
	rec := httptest.NewRecorder()
	respondData(rec, 200, map[string]string{"status": "ok"}, &meta{Total: 42, Page: 2})

	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	body := decodeEnvelope(t, rec)
	assert.True(t, body.Success)
	assert.Nil(t, body.Error)
	require.NotNil(t, body.Meta)
	assert.Equal(t, int64(42), body.Meta.Total)
}

func TestRespondError_DomainError(t *testing.T) {
	rec := httptest.NewRecorder()
	err := domain.ValidationError("PAGE_SIZE_TOO_LARGE", "page_size 500 exceeds maximum 100").
		WithSuggestion("request at most 100 results per page")
	respondError(rec, testLogger(), err)

	assert.Equal(t, 422, rec.Code)
	body := decodeEnvelope(t, rec)
	assert.False(t, body.Success)
	require.NotNil(t, body.Error)
	assert.Equal(t, "PAGE_SIZE_TOO_LARGE", body.Error.Code)
	assert.Equal(t, "request at most 100 results per page", body.Error.Suggestion)
}

func TestRespondError_WrappedDomainError(t *testing.T) {
	rec := httptest.NewRecorder()
	inner := domain.NewError(domain.KindAIServiceUnavailable, "SEMANTIC_SEARCH_UNAVAILABLE",
		"semantic search is temporarily unavailable")
	respondError(rec, testLogger(), fmt.Errorf("semantic search: %w", inner))

	assert.Equal(t, 503, rec.Code)
	body := decodeEnvelope(t, rec)
	assert.Equal(t, "SEMANTIC_SEARCH_UNAVAILABLE", body.Error.Code)
}

func TestRespondError_GatewayNotFound(t *testing.T) {
	rec := httptest.NewRecorder()
	respondError(rec, testLogger(), fmt.Errorf("load application: %w", es.ErrNotFound))

	assert.Equal(t, 404, rec.Code)
	body := decodeEnvelope(t, rec)
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
}

func TestRespondError_GatewayUnavailable(t *testing.T) {
	rec := httptest.NewRecorder()
	respondError(rec, testLogger(), fmt.Errorf("load application: %w", es.ErrConnectionUnavailable))

	assert.Equal(t, 503, rec.Code)
	body := decodeEnvelope(t, rec)
	assert.Equal(t, "DATABASE_UNAVAILABLE", body.Error.Code)
}

func TestRespondError_PlainErrorBecomesInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	respondError(rec, testLogger(), fmt.Errorf("connection reset"))

	assert.Equal(t, 500, rec.Code)
	body := decodeEnvelope(t, rec)
	assert.Equal(t, "INTERNAL_ERROR", body.Error.Code)
	// Internal details never leak into the message.
	assert.NotContains(t, body.Error.Message, "connection reset")
}

func TestRespondError_RateLimitSetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	err := domain.NewError(domain.KindRateLimit, "RATE_LIMITED", "too many requests")
	err.RetryAfter = 30
	respondError(rec, testLogger(), err)

	assert.Equal(t, 429, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	body := decodeEnvelope(t, rec)
	require.NotNil(t, body.Meta)
	assert.Equal(t, 30, body.Meta.RetryAfter)
}

func TestDecodeBody(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"query":"housing"}`))
	var dest struct {
		Query string `json:"query"`
	}
	require.NoError(t, decodeBody(req, &dest))
	assert.Equal(t, "housing", dest.Query)

	req = httptest.NewRequest("POST", "/", strings.NewReader("{not json"))
	err := decodeBody(req, &dest)
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "INVALID_BODY", de.Code)
}

func TestQueryHelpers(t *testing.T) {
	req := httptest.NewRequest("GET", "/?k=25&radius=2.5&ai=true&bad=abc", nil)

	assert.Equal(t, 25, queryInt(req, "k", 10))
	assert.Equal(t, 10, queryInt(req, "missing", 10))
	assert.Equal(t, 10, queryInt(req, "bad", 10))

	assert.InDelta(t, 2.5, queryFloat(req, "radius", 1), 0.001)
	assert.InDelta(t, 1.0, queryFloat(req, "missing", 1), 0.001)

	assert.True(t, queryBool(req, "ai", false))
	assert.False(t, queryBool(req, "missing", false))
	assert.False(t, queryBool(req, "bad", false))
}
