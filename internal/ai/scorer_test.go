package ai

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planning-explorer/planning-explorer/internal/domain"
	"github.com/planning-explorer/planning-explorer/internal/llm"
	"github.com/planning-explorer/planning-explorer/internal/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}

// stubCompleter returns a fixed reply or error.
type stubCompleter struct {
	content string
	err     error
	calls   int
	lastReq llm.CompletionRequest
}

func (s *stubCompleter) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.Response, error) {
	s.calls++
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Content: s.content, Model: req.Model, CostUSD: 0.001}, nil
}

func TestComputeOpportunityScore_AllOnes(t *testing.T) {
	b := domain.OpportunityBreakdown{
		ApprovalProbability: 1, MarketPotential: 1, ProjectViability: 1,
		StrategicFit: 1, TimelineScore: 1, RiskScore: 0,
	}
	assert.Equal(t, 100, ComputeOpportunityScore(b, DefaultScoreWeights()))
}

func TestComputeOpportunityScore_RiskIsInverted(t *testing.T) {
	low := domain.OpportunityBreakdown{
		ApprovalProbability: 0.5, MarketPotential: 0.5, ProjectViability: 0.5,
		StrategicFit: 0.5, TimelineScore: 0.5, RiskScore: 0.1,
	}
	high := low
	high.RiskScore = 0.9

	assert.Greater(t, ComputeOpportunityScore(low, DefaultScoreWeights()),
		ComputeOpportunityScore(high, DefaultScoreWeights()))
}

func TestComputeOpportunityScore_WeightedMidpoint(t *testing.T) {
	// All dimensions at 0.5 with risk 0.5 averages to exactly 50.
	b := domain.OpportunityBreakdown{
		ApprovalProbability: 0.5, MarketPotential: 0.5, ProjectViability: 0.5,
		StrategicFit: 0.5, TimelineScore: 0.5, RiskScore: 0.5,
	}
	assert.Equal(t, 50, ComputeOpportunityScore(b, DefaultScoreWeights()))
}

func TestScore_ParsesModelReply(t *testing.T) {
	stub := &stubCompleter{content: `Here you go:
{"approval_probability":0.8,"market_potential":0.7,"project_viability":0.6,
"strategic_fit":0.5,"timeline_score":0.4,"risk_score":0.3,
"rationale":"strong residential demand","risk_factors":["flood zone"],
"recommendations":["pre-app advice"]}`}
	scorer := NewOpportunityScorer(stub, "gpt-4o-mini", time.Second, testLogger())

	result, err := scorer.Score(context.Background(), &domain.PlanningApplication{ApplicationID: "app-1"})
	require.NoError(t, err)

	assert.InDelta(t, 0.8, result.ApprovalProbability, 0.001)
	assert.Equal(t, "strong residential demand", result.Rationale)
	assert.Equal(t, []string{"flood zone"}, result.RiskFactors)
	assert.InDelta(t, 0.85, result.ConfidenceScore, 0.001)
	assert.Equal(t, ComputeOpportunityScore(result.Breakdown, DefaultScoreWeights()), result.OpportunityScore)
}

func TestScore_ClipsOutOfRangeSubScores(t *testing.T) {
	stub := &stubCompleter{content: `{"approval_probability":1.7,"market_potential":-0.5,
"project_viability":0.5,"strategic_fit":0.5,"timeline_score":0.5,"risk_score":0.5,
"rationale":"x"}`}
	scorer := NewOpportunityScorer(stub, "gpt-4o-mini", time.Second, testLogger())

	result, err := scorer.Score(context.Background(), &domain.PlanningApplication{})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, result.Breakdown.ApprovalProbability, 0.001)
	assert.Zero(t, result.Breakdown.MarketPotential)
}

func TestScore_FallsBackToHeuristicOnLLMError(t *testing.T) {
	stub := &stubCompleter{err: errors.New("provider down")}
	scorer := NewOpportunityScorer(stub, "gpt-4o-mini", time.Second, testLogger())

	result, err := scorer.Score(context.Background(), &domain.PlanningApplication{
		DevelopmentType: "householder",
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.85, result.ApprovalProbability, 0.001)
	assert.InDelta(t, 0.4, result.ConfidenceScore, 0.001)
	assert.NotEmpty(t, result.Rationale)
}

func TestScore_FallsBackToHeuristicOnGarbageReply(t *testing.T) {
	stub := &stubCompleter{content: "I cannot rate this application."}
	scorer := NewOpportunityScorer(stub, "gpt-4o-mini", time.Second, testLogger())

	result, err := scorer.Score(context.Background(), &domain.PlanningApplication{
		DevelopmentType: "outline",
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.50, result.ApprovalProbability, 0.001)
	assert.InDelta(t, 0.4, result.ConfidenceScore, 0.001)
}

func TestHeuristicScore_StatusOverridesType(t *testing.T) {
	scorer := NewOpportunityScorer(&stubCompleter{err: errors.New("down")}, "m", time.Second, testLogger())

	approved, err := scorer.Score(context.Background(), &domain.PlanningApplication{
		DevelopmentType: "outline",
		Status:          domain.StatusApproved,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.95, approved.ApprovalProbability, 0.001)

	rejected, err := scorer.Score(context.Background(), &domain.PlanningApplication{
		DevelopmentType: "householder",
		Status:          domain.StatusRejected,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.10, rejected.ApprovalProbability, 0.001)
}

func TestExtractJSONObject(t *testing.T) {
	got, err := extractJSONObject("prose before {\"a\":{\"b\":\"}\"}} prose after")
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"b":"}"}}`, got)

	_, err = extractJSONObject("no json here")
	assert.Error(t, err)

	_, err = extractJSONObject(`{"unbalanced": {`)
	assert.Error(t, err)
}
