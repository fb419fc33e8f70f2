package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/planning-explorer/planning-explorer/internal/domain"
	"github.com/planning-explorer/planning-explorer/internal/llm"
	"github.com/planning-explorer/planning-explorer/internal/observability"
)

// SummaryType focuses the summary on one aspect of the application.
type SummaryType string

// Summary types.
const (
	SummaryGeneral       SummaryType = "general"
	SummaryRisks         SummaryType = "risks"
	SummaryOpportunities SummaryType = "opportunities"
	SummaryTechnical     SummaryType = "technical"
	SummaryCompliance    SummaryType = "compliance"
)

// SummaryLength selects the target size.
type SummaryLength string

// Summary lengths.
const (
	LengthShort  SummaryLength = "short"  // 1-2 sentences
	LengthMedium SummaryLength = "medium" // one paragraph
	LengthLong   SummaryLength = "long"   // multiple paragraphs
)

// SummaryResult is the summarizer's output.
type SummaryResult struct {
	Summary         string   `json:"summary"`
	KeyPoints       []string `json:"key_points,omitempty"`
	Sentiment       string   `json:"sentiment"`
	ComplexityScore float64  `json:"complexity_score"`
	Recommendations []string `json:"recommendations,omitempty"`
	ConfidenceScore float64  `json:"confidence_score"`
	CostUSD         float64  `json:"cost_usd"`
}

// Summarizer produces focused natural-language summaries of an application.
type Summarizer struct {
	client  completionClient
	model   string
	timeout time.Duration
	logger  *observability.Logger
}

// NewSummarizer creates a summarizer.
func NewSummarizer(client completionClient, model string, timeout time.Duration, logger *observability.Logger) *Summarizer {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &Summarizer{
		client:  client,
		model:   model,
		timeout: timeout,
		logger:  logger.WithComponent("summarizer"),
	}
}

const summarizerSystemPrompt = `You summarize UK planning applications for property professionals.
Reply with strict JSON only:
{"summary":"...","key_points":["..."],"sentiment":"positive|neutral|negative",
"complexity_score":0-1,"recommendations":["..."]}`

var lengthHints = map[SummaryLength]string{
	LengthShort:  "one or two sentences",
	LengthMedium: "a single paragraph",
	LengthLong:   "several paragraphs",
}

var focusHints = map[SummaryType]string{
	SummaryGeneral:       "an overall summary",
	SummaryRisks:         "the planning and delivery risks",
	SummaryOpportunities: "the commercial opportunities",
	SummaryTechnical:     "the technical and design aspects",
	SummaryCompliance:    "policy and regulatory compliance",
}

// Summarize produces a summary of the requested type and length.
func (s *Summarizer) Summarize(ctx context.Context, app *domain.PlanningApplication, summaryType SummaryType, length SummaryLength) (*SummaryResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	focus, ok := focusHints[summaryType]
	if !ok {
		return nil, domain.ValidationError("INVALID_SUMMARY_TYPE",
			fmt.Sprintf("unknown summary type %q", summaryType))
	}
	hint, ok := lengthHints[length]
	if !ok {
		hint = lengthHints[LengthMedium]
	}

	prompt := fmt.Sprintf("Write %s of %s for this application.\n\n%s",
		hint, focus, summarizerUserPrompt(app))

	resp, err := s.client.Complete(ctx, llm.CompletionRequest{
		Model:        s.model,
		SystemPrompt: summarizerSystemPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		MaxTokens:    maxTokensFor(length),
		Temperature:  0.3,
		UseCache:     true,
	})
	if err != nil {
		return nil, domain.WrapError(domain.KindAIServiceUnavailable, "SUMMARIZATION_FAILED",
			"summary generation failed", err)
	}

	result, err := s.parseReply(resp.Content)
	if err != nil {
		// Degrade to the raw model text rather than fail the feature.
		s.logger.Warn().Err(err).Str("application_id", app.ApplicationID).Msg("unstructured summarizer reply")
		return &SummaryResult{
			Summary:         strings.TrimSpace(resp.Content),
			Sentiment:       "neutral",
			ComplexityScore: estimateComplexity(app),
			ConfidenceScore: 0.4,
			CostUSD:         resp.CostUSD,
		}, nil
	}
	result.CostUSD = resp.CostUSD
	return result, nil
}

func summarizerUserPrompt(app *domain.PlanningApplication) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Authority: %s\nStatus: %s\nType: %s / %s\n",
		app.Authority, app.Status, app.DevelopmentType, app.ApplicationType)
	fmt.Fprintf(&b, "Address: %s\n", app.Address)
	fmt.Fprintf(&b, "Description: %s\n", app.Description)
	if app.Proposal != "" {
		fmt.Fprintf(&b, "Proposal: %s\n", app.Proposal)
	}
	if app.PublicComments != nil {
		fmt.Fprintf(&b, "Public comments: %d total, %d objections, %d in support\n",
			app.PublicComments.Total, app.PublicComments.ObjectionCount, app.PublicComments.SupportCount)
	}
	return b.String()
}

func maxTokensFor(length SummaryLength) int {
	switch length {
	case LengthShort:
		return 200
	case LengthLong:
		return 1500
	default:
		return 600
	}
}

func (s *Summarizer) parseReply(content string) (*SummaryResult, error) {
	raw, err := extractJSONObject(content)
	if err != nil {
		return nil, err
	}
	var reply struct {
		Summary         string   `json:"summary"`
		KeyPoints       []string `json:"key_points"`
		Sentiment       string   `json:"sentiment"`
		ComplexityScore float64  `json:"complexity_score"`
		Recommendations []string `json:"recommendations"`
	}
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return nil, fmt.Errorf("decode summarizer reply: %w", err)
	}
	if reply.Summary == "" {
		return nil, fmt.Errorf("summarizer reply missing summary")
	}

	sentiment := strings.ToLower(reply.Sentiment)
	switch sentiment {
	case "positive", "neutral", "negative":
	default:
		sentiment = "neutral"
	}

	return &SummaryResult{
		Summary:         reply.Summary,
		KeyPoints:       reply.KeyPoints,
		Sentiment:       sentiment,
		ComplexityScore: clip01(reply.ComplexityScore),
		Recommendations: reply.Recommendations,
		ConfidenceScore: 0.85,
	}, nil
}

// estimateComplexity scores application complexity from scale signals when
// the model omits it.
func estimateComplexity(app *domain.PlanningApplication) float64 {
	score := 0.2
	if len(app.Description) > 500 {
		score += 0.2
	}
	if app.NumUnits != nil && *app.NumUnits > 10 {
		score += 0.2
	}
	if app.ProjectValue != nil && *app.ProjectValue > 1_000_000 {
		score += 0.2
	}
	if len(app.Consultations) > 5 {
		score += 0.2
	}
	return clip01(score)
}
