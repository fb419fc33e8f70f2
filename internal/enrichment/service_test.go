package enrichment

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planning-explorer/planning-explorer/internal/cache"
	"github.com/planning-explorer/planning-explorer/internal/domain"
	"github.com/planning-explorer/planning-explorer/internal/llm"
	"github.com/planning-explorer/planning-explorer/internal/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}

type stubLLM struct {
	content string
	err     error
	calls   int
}

func (s *stubLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Content: s.content}, nil
}

type stubBrowser struct {
	html string
	err  error
}

func (s *stubBrowser) FetchHTML(ctx context.Context, rawURL string) (string, error) {
	return s.html, s.err
}

func TestEnrich_RequiresPortalURL(t *testing.T) {
	s := NewService(NewIdoxFetcher(nil), nil, nil, nil, ServiceConfig{}, testLogger())

	_, err := s.Enrich(context.Background(), "app-1", "")
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "MISSING_PORTAL_URL", de.Code)
}

func TestEnrich_IdoxPortal(t *testing.T) {
	idox := NewIdoxFetcher(cannedClient(200, idoxDetailsHTML, nil))
	s := NewService(idox, nil, nil, nil, ServiceConfig{}, testLogger())

	result, err := s.Enrich(context.Background(), "app-1",
		"https://publicaccess.dover.gov.uk/online-applications/applicationDetails.do?keyVal=ABC")
	require.NoError(t, err)

	assert.Equal(t, MethodStaticIdox, result.ExtractionMethod)
	assert.Equal(t, "Jane Smith", result.ApplicantName)
	assert.Equal(t, "Acme Planning Ltd", result.AgentName)
	assert.Equal(t, "12 Mar 2024", result.DecidedDate)
	require.NotNil(t, result.NDocuments)
	assert.Equal(t, 14, *result.NDocuments)
	require.NotNil(t, result.NStatutoryDays)
	assert.Equal(t, 21, *result.NStatutoryDays)

	// "Castle Ward" echoes the Ward label and is rejected with a warning.
	assert.Empty(t, result.Ward)
	assert.Contains(t, result.Warnings, "rejected ward value")

	// 0.8 base + 3 populated key fields - 1 warning.
	assert.InDelta(t, 1.0, result.Confidence, 0.001)
}

func TestEnrich_UnknownPortalWithoutBrowserFails(t *testing.T) {
	s := NewService(NewIdoxFetcher(nil), nil, nil, nil, ServiceConfig{}, testLogger())

	_, err := s.Enrich(context.Background(), "app-1", "https://planning.unknowntown.gov.uk/app/1")
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, domain.KindExternalService, de.Kind)
	assert.Equal(t, "ENRICHMENT_FETCH_FAILED", de.Code)
}

func TestEnrich_UnknownPortalViaBrowserAndLLM(t *testing.T) {
	browser := &stubBrowser{html: "<html><body><p>Some rendered page</p></body></html>"}
	extractor := &stubLLM{content: `{"applicant_name":"John Doe","agent_name":null,
"ward":null,"decided_date":null,"n_documents":12,"n_statutory_days":null,"docs_url":null}`}
	s := NewService(NewIdoxFetcher(nil), browser, extractor, nil, ServiceConfig{Model: "gpt-4o-mini"}, testLogger())

	result, err := s.Enrich(context.Background(), "app-1", "https://planning.unknowntown.gov.uk/app/1")
	require.NoError(t, err)

	assert.Equal(t, MethodBrowserLLM, result.ExtractionMethod)
	assert.Equal(t, "John Doe", result.ApplicantName)
	assert.Empty(t, result.AgentName)
	require.NotNil(t, result.NDocuments)
	assert.Equal(t, 12, *result.NDocuments)
	assert.Equal(t, 1, extractor.calls)

	// 0.7 base + 1 populated key field.
	assert.InDelta(t, 0.8, result.Confidence, 0.001)
}

func TestEnrich_BrowserFailureSurfaces(t *testing.T) {
	browser := &stubBrowser{err: assert.AnError}
	s := NewService(NewIdoxFetcher(nil), browser, &stubLLM{}, nil, ServiceConfig{}, testLogger())

	_, err := s.Enrich(context.Background(), "app-1", "https://planning.unknowntown.gov.uk/app/1")
	assert.Error(t, err)
}

func TestBuildResult_RejectedValuesBecomeWarnings(t *testing.T) {
	result := buildResult(map[string]string{
		"applicant_name":   "Jane Smith",
		"agent_name":       "N/A",
		"n_documents":      "no documents recorded",
		"n_statutory_days": "21 days",
	})

	assert.Equal(t, "Jane Smith", result.ApplicantName)
	assert.Empty(t, result.AgentName)
	assert.Nil(t, result.NDocuments)
	require.NotNil(t, result.NStatutoryDays)
	assert.Equal(t, 21, *result.NStatutoryDays)
	assert.Len(t, result.Warnings, 2)
}

func TestConfidence(t *testing.T) {
	empty := &Result{}
	assert.InDelta(t, 0.8, confidence(0.8, empty), 0.001)

	two := &Result{ApplicantName: "a b", AgentName: "c d"}
	assert.InDelta(t, 1.0, confidence(0.8, two), 0.001)

	penalized := &Result{ApplicantName: "a b", Warnings: []string{"w1", "w2"}}
	assert.InDelta(t, 0.6, confidence(0.7, penalized), 0.001)
}

func TestApplyPattern_TrustsOnlyKnownKeys(t *testing.T) {
	page := `<html><body>
<dl>
  <dt>Applicant</dt><dd>Known Field</dd>
  <dt>Ward</dt><dd>Unknown Field</dd>
</dl>
</body></html>`
	pattern := &cache.LearnedPattern{
		Host:      "planning.unknowntown.gov.uk",
		Selectors: map[string]string{"applicant_name": "Previous Value"},
	}

	fields := applyPattern(page, pattern)
	assert.Equal(t, map[string]string{"applicant_name": "Known Field"}, fields)
}

func TestApplyPattern_NoFieldsReturnsNil(t *testing.T) {
	pattern := &cache.LearnedPattern{Selectors: map[string]string{"applicant_name": "x"}}
	assert.Nil(t, applyPattern("<html><body><p>nothing labeled</p></body></html>", pattern))
}
