package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/planning-explorer/planning-explorer/internal/domain"
	"github.com/planning-explorer/planning-explorer/internal/llm"
	"github.com/planning-explorer/planning-explorer/internal/observability"
)

// ScoreWeights is the weight vector applied to the six breakdown dimensions.
// RiskScore is inverted before weighting: a high risk sub-score lowers the
// overall opportunity.
type ScoreWeights struct {
	ApprovalProbability float64
	MarketPotential     float64
	ProjectViability    float64
	StrategicFit        float64
	TimelineScore       float64
	RiskScore           float64
}

// DefaultScoreWeights returns the documented production weights.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{
		ApprovalProbability: 0.25,
		MarketPotential:     0.20,
		ProjectViability:    0.15,
		StrategicFit:        0.15,
		TimelineScore:       0.15,
		RiskScore:           0.10,
	}
}

// ScoreResult is the opportunity scorer's output.
type ScoreResult struct {
	OpportunityScore    int                         `json:"opportunity_score"`
	ApprovalProbability float64                     `json:"approval_probability"`
	ConfidenceScore     float64                     `json:"confidence_score"`
	Breakdown           domain.OpportunityBreakdown `json:"breakdown"`
	Rationale           string                      `json:"rationale"`
	RiskFactors         []string                    `json:"risk_factors,omitempty"`
	Recommendations     []string                    `json:"recommendations,omitempty"`
	CostUSD             float64                     `json:"cost_usd"`
}

// OpportunityScorer rates the investment opportunity of an application via a
// structured LLM prompt, falling back to a deterministic heuristic when the
// model reply cannot be parsed.
type OpportunityScorer struct {
	client  completionClient
	model   string
	weights ScoreWeights
	timeout time.Duration
	logger  *observability.Logger
}

// NewOpportunityScorer creates a scorer.
func NewOpportunityScorer(client completionClient, model string, timeout time.Duration, logger *observability.Logger) *OpportunityScorer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpportunityScorer{
		client:  client,
		model:   model,
		weights: DefaultScoreWeights(),
		timeout: timeout,
		logger:  logger.WithComponent("opportunity_scorer"),
	}
}

const scorerSystemPrompt = `You are a UK planning and property development analyst.
Rate the development opportunity described by the planning application.
Reply with strict JSON only, no prose, matching this schema:
{"approval_probability":0-1,"market_potential":0-1,"project_viability":0-1,
"strategic_fit":0-1,"timeline_score":0-1,"risk_score":0-1,
"rationale":"...","risk_factors":["..."],"recommendations":["..."]}`

// Score rates one application.
func (s *OpportunityScorer) Score(ctx context.Context, app *domain.PlanningApplication) (*ScoreResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.Complete(ctx, llm.CompletionRequest{
		Model:        s.model,
		SystemPrompt: scorerSystemPrompt,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: scorerUserPrompt(app),
		}},
		MaxTokens:   800,
		Temperature: 0.2,
		UseCache:    true,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("application_id", app.ApplicationID).Msg("LLM scoring failed, using heuristic")
		result := s.heuristicScore(app)
		return result, nil
	}

	result, err := s.parseReply(resp.Content)
	if err != nil {
		s.logger.Warn().Err(err).Str("application_id", app.ApplicationID).Msg("unparseable scorer reply, using heuristic")
		return s.heuristicScore(app), nil
	}
	result.CostUSD = resp.CostUSD
	return result, nil
}

func scorerUserPrompt(app *domain.PlanningApplication) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Application %s (%s)\n", app.ApplicationID, app.Authority)
	fmt.Fprintf(&b, "Status: %s\n", app.Status)
	fmt.Fprintf(&b, "Development type: %s\n", app.DevelopmentType)
	fmt.Fprintf(&b, "Application type: %s\n", app.ApplicationType)
	if app.ProjectValue != nil {
		fmt.Fprintf(&b, "Project value: £%.0f\n", *app.ProjectValue)
	}
	if app.NumUnits != nil {
		fmt.Fprintf(&b, "Units: %d\n", *app.NumUnits)
	}
	fmt.Fprintf(&b, "Address: %s\n", app.Address)
	fmt.Fprintf(&b, "Description: %s\n", app.Description)
	return b.String()
}

type scorerReply struct {
	ApprovalProbability float64  `json:"approval_probability"`
	MarketPotential     float64  `json:"market_potential"`
	ProjectViability    float64  `json:"project_viability"`
	StrategicFit        float64  `json:"strategic_fit"`
	TimelineScore       float64  `json:"timeline_score"`
	RiskScore           float64  `json:"risk_score"`
	Rationale           string   `json:"rationale"`
	RiskFactors         []string `json:"risk_factors"`
	Recommendations     []string `json:"recommendations"`
}

func (s *OpportunityScorer) parseReply(content string) (*ScoreResult, error) {
	raw, err := extractJSONObject(content)
	if err != nil {
		return nil, err
	}
	var reply scorerReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return nil, fmt.Errorf("decode scorer reply: %w", err)
	}

	breakdown := domain.OpportunityBreakdown{
		ApprovalProbability: clip01(reply.ApprovalProbability),
		MarketPotential:     clip01(reply.MarketPotential),
		ProjectViability:    clip01(reply.ProjectViability),
		StrategicFit:        clip01(reply.StrategicFit),
		TimelineScore:       clip01(reply.TimelineScore),
		RiskScore:           clip01(reply.RiskScore),
	}

	return &ScoreResult{
		OpportunityScore:    ComputeOpportunityScore(breakdown, s.weights),
		ApprovalProbability: breakdown.ApprovalProbability,
		ConfidenceScore:     0.85,
		Breakdown:           breakdown,
		Rationale:           reply.Rationale,
		RiskFactors:         reply.RiskFactors,
		Recommendations:     reply.Recommendations,
	}, nil
}

// ComputeOpportunityScore folds the breakdown into the 0-100 integer score.
// The risk dimension is inverted so that higher assessed risk lowers the
// result.
func ComputeOpportunityScore(b domain.OpportunityBreakdown, w ScoreWeights) int {
	weighted := b.ApprovalProbability*w.ApprovalProbability +
		b.MarketPotential*w.MarketPotential +
		b.ProjectViability*w.ProjectViability +
		b.StrategicFit*w.StrategicFit +
		b.TimelineScore*w.TimelineScore +
		(1-b.RiskScore)*w.RiskScore

	totalWeight := w.ApprovalProbability + w.MarketPotential + w.ProjectViability +
		w.StrategicFit + w.TimelineScore + w.RiskScore
	if totalWeight > 0 {
		weighted /= totalWeight
	}

	score := int(math.Round(clip01(weighted) * 100))
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// heuristicApprovalRates captures observed approval tendencies by
// development type; used only when the model path fails.
var heuristicApprovalRates = map[string]float64{
	"householder":   0.85,
	"extension":     0.80,
	"residential":   0.65,
	"commercial":    0.60,
	"industrial":    0.55,
	"mixed_use":     0.55,
	"change_of_use": 0.70,
	"full":          0.62,
	"outline":       0.50,
}

// heuristicScore produces a deterministic fallback score from application
// type and status. Confidence is capped at 0.4 to mark the degraded path.
func (s *OpportunityScorer) heuristicScore(app *domain.PlanningApplication) *ScoreResult {
	approval := 0.55
	key := strings.ToLower(app.DevelopmentType)
	if rate, ok := heuristicApprovalRates[key]; ok {
		approval = rate
	}

	switch app.Status {
	case domain.StatusApproved:
		approval = 0.95
	case domain.StatusRejected, domain.StatusWithdrawn:
		approval = 0.10
	case domain.StatusAppealed:
		approval = 0.35
	}

	breakdown := domain.OpportunityBreakdown{
		ApprovalProbability: approval,
		MarketPotential:     0.5,
		ProjectViability:    0.5,
		StrategicFit:        0.5,
		TimelineScore:       0.5,
		RiskScore:           1 - approval,
	}

	return &ScoreResult{
		OpportunityScore:    ComputeOpportunityScore(breakdown, s.weights),
		ApprovalProbability: approval,
		ConfidenceScore:     0.4,
		Breakdown:           breakdown,
		Rationale:           "Heuristic estimate from development type and status; AI analysis unavailable.",
	}
}
