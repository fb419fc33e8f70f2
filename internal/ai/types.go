// Package ai hosts the per-application AI capabilities (opportunity scoring,
// summarization, query parsing, market intelligence) and the orchestrator
// that fans out to them.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/planning-explorer/planning-explorer/internal/llm"
)

// Feature names one pluggable capability the orchestrator can run.
type Feature string

// Features.
const (
	FeatureOpportunityScoring Feature = "opportunity_scoring"
	FeatureSummarization      Feature = "summarization"
	FeatureEmbeddings         Feature = "embeddings"
	FeatureMarketContext      Feature = "market_context"
)

// ProcessingMode selects the default feature set.
type ProcessingMode string

// Processing modes.
const (
	ModeFast          ProcessingMode = "fast"
	ModeStandard      ProcessingMode = "standard"
	ModeComprehensive ProcessingMode = "comprehensive"
	ModeBatch         ProcessingMode = "batch"
)

// FeaturesForMode resolves the default feature set for a processing mode.
func FeaturesForMode(mode ProcessingMode) []Feature {
	switch mode {
	case ModeFast:
		return []Feature{FeatureOpportunityScoring}
	case ModeComprehensive:
		return []Feature{FeatureOpportunityScoring, FeatureSummarization, FeatureEmbeddings, FeatureMarketContext}
	case ModeBatch:
		return []Feature{FeatureOpportunityScoring, FeatureEmbeddings}
	default: // standard
		return []Feature{FeatureOpportunityScoring, FeatureSummarization, FeatureMarketContext}
	}
}

// ProcessingResult is the per-application output of the orchestrator.
type ProcessingResult struct {
	ApplicationID     string                     `json:"application_id"`
	FeaturesProcessed []Feature                  `json:"features_processed"`
	Results           map[Feature]json.RawMessage `json:"results"`
	ProcessingTimeMs  int64                      `json:"processing_time_ms"`
	Success           bool                       `json:"success"`
	Errors            []string                   `json:"errors,omitempty"`
	Warnings          []string                   `json:"warnings,omitempty"`
	ConfidenceScores  map[Feature]float64        `json:"confidence_scores"`
	ConfidenceScore   float64                    `json:"confidence_score"`
	Cached            bool                       `json:"cached"`
	GeneratedAt       time.Time                  `json:"generated_at"`
}

// completionClient is the slice of the LLM client the capabilities need.
type completionClient interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.Response, error)
}

// extractJSONObject pulls the first balanced {...} block out of a model
// reply. Models occasionally wrap JSON in prose or code fences.
func extractJSONObject(s string) (string, error) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object in reply")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON object in reply")
}

// clip01 clamps v to [0,1].
func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
