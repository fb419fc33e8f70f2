package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/planning-explorer/planning-explorer/internal/cache"
	"github.com/planning-explorer/planning-explorer/internal/domain"
	"github.com/planning-explorer/planning-explorer/internal/llm"
	"github.com/planning-explorer/planning-explorer/internal/observability"
)

// Extraction methods reported in result metadata.
const (
	MethodStaticIdox    = "firecrawl_idox"
	MethodStaticCustom  = "firecrawl_custom"
	MethodBrowserLLM    = "browser_llm"
	MethodCachedPattern = "cached_pattern"
)

// Result is the applicant/agent data extracted from a portal page.
type Result struct {
	ApplicantName  string   `json:"applicant_name,omitempty"`
	AgentName      string   `json:"agent_name,omitempty"`
	Ward           string   `json:"ward,omitempty"`
	DecidedDate    string   `json:"decided_date,omitempty"`
	NDocuments     *int     `json:"n_documents,omitempty"`
	NStatutoryDays *int     `json:"n_statutory_days,omitempty"`
	DocsURL        string   `json:"docs_url,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`

	ExtractionMethod string  `json:"extraction_method"`
	ProcessingTimeMs int64   `json:"processing_time_ms"`
	Confidence       float64 `json:"confidence"`
}

// completionClient is the slice of the LLM client the service needs.
type completionClient interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.Response, error)
}

// htmlFetcher renders a page and returns its HTML.
type htmlFetcher interface {
	FetchHTML(ctx context.Context, rawURL string) (string, error)
}

// ServiceConfig tunes the enrichment service.
type ServiceConfig struct {
	Model string
	// ResultTTL caches finished enrichments per application id. Default 24h.
	ResultTTL time.Duration
}

// Service routes a portal URL to the cheapest extraction strategy that works
// for it and validates everything it pulls out.
type Service struct {
	idox     *IdoxFetcher
	browser  htmlFetcher
	llm      completionClient
	patterns *cache.PatternStore
	cfg      ServiceConfig
	logger   *observability.Logger
}

// NewService wires the extraction strategies. browser and llmClient may be
// nil, which disables the unknown-portal path; patterns may be nil, which
// disables pattern learning.
func NewService(idox *IdoxFetcher, browser htmlFetcher, llmClient completionClient, patterns *cache.PatternStore, cfg ServiceConfig, logger *observability.Logger) *Service {
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	return &Service{
		idox:     idox,
		browser:  browser,
		llm:      llmClient,
		patterns: patterns,
		cfg:      cfg,
		logger:   logger.WithComponent("enrichment"),
	}
}

// Enrich extracts applicant/agent data for an application from its portal
// URL. Results are cached by application id.
func (s *Service) Enrich(ctx context.Context, applicationID, portalURL string) (*Result, error) {
	if portalURL == "" {
		return nil, domain.ValidationError("MISSING_PORTAL_URL", "portal url required for enrichment")
	}

	var cached Result
	if err := s.patterns.GetEnrichment(ctx, applicationID, &cached); err == nil {
		return &cached, nil
	}

	started := time.Now()
	portalType := DetectPortalType(portalURL)

	var (
		fields map[string]string
		method string
		base   float64
		err    error
	)
	switch portalType {
	case PortalIdoxPublicAccess:
		fields, err = s.idox.Fetch(ctx, portalURL)
		method, base = MethodStaticIdox, 0.8
	case PortalKnownCustom:
		fields, err = s.fetchCustom(ctx, portalURL)
		method, base = MethodStaticCustom, 0.8
	default:
		fields, method, err = s.fetchUnknown(ctx, portalURL)
		base = 0.7
	}
	if err != nil {
		return nil, domain.WrapError(domain.KindExternalService, "ENRICHMENT_FETCH_FAILED",
			fmt.Sprintf("could not extract from %s portal", portalType), err)
	}

	result := buildResult(fields)
	result.ExtractionMethod = method
	result.ProcessingTimeMs = time.Since(started).Milliseconds()
	result.Confidence = confidence(base, result)

	if err := s.patterns.SaveEnrichment(ctx, applicationID, result, s.cfg.ResultTTL); err != nil {
		s.logger.Debug().Err(err).Str("application_id", applicationID).Msg("enrichment cache write failed")
	}

	s.logger.Info().
		Str("application_id", applicationID).
		Str("portal_type", string(portalType)).
		Str("method", method).
		Float64("confidence", result.Confidence).
		Int64("elapsed_ms", result.ProcessingTimeMs).
		Msg("enrichment complete")
	return result, nil
}

// fetchCustom fetches a known-custom portal page statically and extracts
// labeled fields.
func (s *Service) fetchCustom(ctx context.Context, portalURL string) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, portalURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := s.idox.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch custom portal: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("portal returned HTTP %d", resp.StatusCode)
	}
	return ParseCustomPortal(resp.Body)
}

// fetchUnknown renders the page in a headless browser and extracts fields
// with the LLM, learning the host pattern on success.
func (s *Service) fetchUnknown(ctx context.Context, portalURL string) (map[string]string, string, error) {
	if s.browser == nil || s.llm == nil {
		return nil, "", fmt.Errorf("unknown portal type and no browser/LLM configured")
	}

	host := hostOf(portalURL)
	pageHTML, err := s.browser.FetchHTML(ctx, portalURL)
	if err != nil {
		return nil, "", err
	}

	// A previously learned pattern lets us skip the LLM call.
	if pattern, err := s.patterns.GetPattern(ctx, host); err == nil && pattern != nil {
		if fields := applyPattern(pageHTML, pattern); len(fields) > 0 {
			pattern.SuccessRuns++
			_ = s.patterns.SavePattern(ctx, *pattern)
			return fields, MethodCachedPattern, nil
		}
	}

	fields, err := s.llmExtract(ctx, pageHTML)
	if err != nil {
		return nil, "", err
	}
	if len(fields) > 0 && host != "" {
		_ = s.patterns.SavePattern(ctx, cache.LearnedPattern{
			Host:        host,
			Selectors:   fields,
			LearnedAt:   time.Now().UTC(),
			SuccessRuns: 1,
		})
	}
	return fields, MethodBrowserLLM, nil
}

// applyPattern re-runs a learned label set against a new page using the
// generic "Label: value" extractor.
func applyPattern(pageHTML string, pattern *cache.LearnedPattern) map[string]string {
	fields, err := ParseCustomPortal(strings.NewReader(pageHTML))
	if err != nil || len(fields) == 0 {
		return nil
	}
	// Only trust keys the pattern has seen before on this host.
	trusted := make(map[string]string, len(fields))
	for key, value := range fields {
		if _, known := pattern.Selectors[key]; known {
			trusted[key] = value
		}
	}
	return trusted
}

const extractionSystemPrompt = `You extract planning application metadata from raw portal HTML.
Reply with strict JSON only, using null for absent fields:
{"applicant_name":null,"agent_name":null,"ward":null,"decided_date":null,
"n_documents":null,"n_statutory_days":null,"docs_url":null}`

const maxExtractionHTMLChars = 30000

func (s *Service) llmExtract(ctx context.Context, pageHTML string) (map[string]string, error) {
	trimmed := pageHTML
	if len(trimmed) > maxExtractionHTMLChars {
		trimmed = trimmed[:maxExtractionHTMLChars]
	}

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		Model:        s.cfg.Model,
		SystemPrompt: extractionSystemPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: trimmed}},
		MaxTokens:    400,
		Temperature:  0,
	})
	if err != nil {
		return nil, fmt.Errorf("llm extraction: %w", err)
	}

	start := strings.IndexByte(resp.Content, '{')
	end := strings.LastIndexByte(resp.Content, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON in extraction reply")
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(resp.Content[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("decode extraction reply: %w", err)
	}

	fields := make(map[string]string, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case string:
			fields[key] = v
		case float64:
			fields[key] = fmt.Sprintf("%.0f", v)
		}
	}
	return fields, nil
}

// buildResult validates raw field values and assembles the typed result.
// Rejected values become warnings rather than errors.
func buildResult(fields map[string]string) *Result {
	result := &Result{}
	assign := func(key string, dest *string) {
		raw, ok := fields[key]
		if !ok {
			return
		}
		value, valid := CleanValue(labelFor(key), raw)
		if !valid {
			result.Warnings = append(result.Warnings, fmt.Sprintf("rejected %s value", key))
			return
		}
		*dest = value
	}

	assign("applicant_name", &result.ApplicantName)
	assign("agent_name", &result.AgentName)
	assign("ward", &result.Ward)
	assign("decided_date", &result.DecidedDate)
	assign("docs_url", &result.DocsURL)

	if raw, ok := fields["n_documents"]; ok {
		if n, ok := parseIntField(raw); ok {
			result.NDocuments = &n
		} else {
			result.Warnings = append(result.Warnings, "rejected n_documents value")
		}
	}
	if raw, ok := fields["n_statutory_days"]; ok {
		if n, ok := parseIntField(raw); ok {
			result.NStatutoryDays = &n
		} else {
			result.Warnings = append(result.Warnings, "rejected n_statutory_days value")
		}
	}
	return result
}

// labelFor maps an output key back to the human label so validation can
// reject echoes of the label text.
func labelFor(key string) string {
	switch key {
	case "applicant_name":
		return "Applicant"
	case "agent_name":
		return "Agent"
	case "ward":
		return "Ward"
	case "decided_date":
		return "Decision"
	default:
		return ""
	}
}

// confidence scores the result: method base plus 0.1 per populated key
// field, minus 0.1 per warning, clipped to [0,1].
func confidence(base float64, r *Result) float64 {
	score := base
	for _, populated := range []bool{
		r.ApplicantName != "", r.AgentName != "", r.Ward != "", r.DecidedDate != "",
	} {
		if populated {
			score += 0.1
		}
	}
	score -= 0.1 * float64(len(r.Warnings))
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
