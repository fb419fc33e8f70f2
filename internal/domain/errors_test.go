package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_HTTPStatus(t *testing.T) {
	cases := []struct {
		kind ErrorKind
		want int
	}{
		{KindValidation, http.StatusUnprocessableEntity},
		{KindAuthentication, http.StatusUnauthorized},
		{KindAuthorization, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindRateLimit, http.StatusTooManyRequests},
		{KindDatabaseUnavailable, http.StatusServiceUnavailable},
		{KindAIServiceUnavailable, http.StatusServiceUnavailable},
		{KindBudgetExceeded, http.StatusServiceUnavailable},
		{KindExternalService, http.StatusBadGateway},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			err := NewError(tc.kind, "CODE", "message")
			assert.Equal(t, tc.want, err.HTTPStatus())
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapError(KindDatabaseUnavailable, "ES_DOWN", "elasticsearch unreachable", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "ES_DOWN")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestError_WithSuggestion(t *testing.T) {
	err := NewError(KindAIServiceUnavailable, "SEMANTIC_SEARCH_UNAVAILABLE", "no embedder").
		WithSuggestion("retry with a standard keyword search")
	assert.Equal(t, "retry with a standard keyword search", err.Suggestion)
}

func TestAsError_PassesThroughStructuredErrors(t *testing.T) {
	original := ValidationError("BAD_INPUT", "nope")
	wrapped := fmt.Errorf("handler: %w", original)

	got := AsError(wrapped)
	assert.Equal(t, original, got)
}

func TestAsError_WrapsPlainErrors(t *testing.T) {
	got := AsError(errors.New("boom"))
	require.NotNil(t, got)
	assert.Equal(t, KindInternal, got.Kind)
	assert.Equal(t, "INTERNAL_ERROR", got.Code)
}
