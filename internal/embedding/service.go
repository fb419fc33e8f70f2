// Package embedding produces dense vectors for planning-application text
// with batching, deterministic hashing, and cosine ranking helpers.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/planning-explorer/planning-explorer/internal/domain"
	"github.com/planning-explorer/planning-explorer/internal/llm"
	"github.com/planning-explorer/planning-explorer/internal/observability"
)

// SourceType selects which application text is embedded.
type SourceType string

// Embedding source types.
const (
	SourceDescription SourceType = "description"
	SourceCombined    SourceType = "combined"
	SourceSummary     SourceType = "summary"
	SourceLocation    SourceType = "location"
	SourceDocument    SourceType = "document" // alias for combined content
)

const (
	maxDescriptionChars = 8000
	maxCombinedChars    = 8000
	maxSummaryChars     = 500
	maxLocationChars    = 2000
	minInputChars       = 10
	maxBatchTexts       = 2048
)

// Result is the outcome of one embedding generation.
type Result struct {
	Embedding       []float32 `json:"embedding"`
	ModelUsed       string    `json:"model_used"`
	TokenCount      int       `json:"token_count"`
	ConfidenceScore float64   `json:"confidence_score"`
	TextHash        string    `json:"text_hash"`
	CostUSD         float64   `json:"cost_usd"`
}

// Candidate pairs an application id with its stored description vector for
// in-memory semantic ranking.
type Candidate struct {
	ApplicationID string
	Vector        []float32
}

// Match is one semantic search result.
type Match struct {
	ApplicationID string  `json:"application_id"`
	Similarity    float64 `json:"similarity"`
}

// vectorClient is the slice of the LLM client the service needs.
type vectorClient interface {
	Embed(ctx context.Context, texts []string, model string, dimensions int) (*llm.EmbeddingResponse, error)
}

// Service generates embeddings through the LLM client.
type Service struct {
	client     vectorClient
	model      string
	dimensions int
	logger     *observability.Logger
}

// Embedder is the interface exposed to the orchestrator and pipelines.
type Embedder interface {
	GenerateTextEmbedding(ctx context.Context, text string) (*Result, error)
	GenerateApplicationEmbedding(ctx context.Context, app *domain.PlanningApplication, source SourceType) (*Result, error)
	BatchGenerate(ctx context.Context, texts []string) ([]Result, error)
	Model() string
	Dimensions() int
}

var _ Embedder = (*Service)(nil)

// NewService creates an embedding service.
func NewService(client vectorClient, model string, dimensions int, logger *observability.Logger) *Service {
	if model == "" {
		model = "text-embedding-3-small"
	}
	if dimensions <= 0 {
		dimensions = 1536
	}
	return &Service{
		client:     client,
		model:      model,
		dimensions: dimensions,
		logger:     logger.WithComponent("embedding"),
	}
}

// Model returns the model in use.
func (s *Service) Model() string { return s.model }

// Dimensions returns the vector dimension D.
func (s *Service) Dimensions() int { return s.dimensions }

// GenerateTextEmbedding embeds a single text. Empty or too-short input never
// reaches the provider: the result is a zero vector with confidence 0.
func (s *Service) GenerateTextEmbedding(ctx context.Context, text string) (*Result, error) {
	normalized := NormalizeText(text)
	if len(normalized) < minInputChars {
		return &Result{
			Embedding: make([]float32, s.dimensions),
			ModelUsed: s.model,
			TextHash:  TextHash(normalized),
		}, nil
	}

	resp, err := s.client.Embed(ctx, []string{normalized}, s.model, s.dimensions)
	if err != nil {
		return nil, fmt.Errorf("generate embedding: %w", err)
	}
	if len(resp.Embeddings) != 1 {
		return nil, fmt.Errorf("expected 1 embedding, got %d", len(resp.Embeddings))
	}

	return &Result{
		Embedding:       resp.Embeddings[0],
		ModelUsed:       resp.Model,
		TokenCount:      resp.Tokens,
		ConfidenceScore: confidence(normalized, true),
		TextHash:        TextHash(normalized),
		CostUSD:         resp.CostUSD,
	}, nil
}

// GenerateApplicationEmbedding composes the source text for the requested
// type and embeds it.
func (s *Service) GenerateApplicationEmbedding(ctx context.Context, app *domain.PlanningApplication, source SourceType) (*Result, error) {
	return s.GenerateTextEmbedding(ctx, ComposeSourceText(app, source))
}

// BatchGenerate embeds up to 2048 texts in a single provider call,
// preserving input order. Short inputs get zero vectors without being sent.
func (s *Service) BatchGenerate(ctx context.Context, texts []string) ([]Result, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) > maxBatchTexts {
		return nil, fmt.Errorf("batch of %d exceeds provider limit of %d", len(texts), maxBatchTexts)
	}

	results := make([]Result, len(texts))
	sendable := make([]string, 0, len(texts))
	sendIndex := make([]int, 0, len(texts))

	for i, text := range texts {
		normalized := NormalizeText(text)
		results[i] = Result{
			Embedding: make([]float32, s.dimensions),
			ModelUsed: s.model,
			TextHash:  TextHash(normalized),
		}
		if len(normalized) >= minInputChars {
			sendable = append(sendable, normalized)
			sendIndex = append(sendIndex, i)
		}
	}

	if len(sendable) == 0 {
		return results, nil
	}

	resp, err := s.client.Embed(ctx, sendable, s.model, s.dimensions)
	if err != nil {
		return nil, fmt.Errorf("batch generate: %w", err)
	}

	perText := 0
	if len(sendable) > 0 {
		perText = resp.Tokens / len(sendable)
	}
	for j, i := range sendIndex {
		results[i].Embedding = resp.Embeddings[j]
		results[i].TokenCount = perText
		results[i].ConfidenceScore = confidence(sendable[j], true)
		results[i].CostUSD = resp.CostUSD / float64(len(sendable))
	}
	return results, nil
}

// SemanticSearch embeds the query and ranks candidates by cosine similarity
// against their stored description vectors, returning the top k.
func (s *Service) SemanticSearch(ctx context.Context, query string, candidates []Candidate, k int) ([]Match, error) {
	result, err := s.GenerateTextEmbedding(ctx, query)
	if err != nil {
		return nil, err
	}
	if result.ConfidenceScore == 0 {
		return nil, fmt.Errorf("query too short to embed")
	}

	matches := make([]Match, 0, len(candidates))
	for _, c := range candidates {
		if len(c.Vector) == 0 {
			continue
		}
		matches = append(matches, Match{
			ApplicationID: c.ApplicationID,
			Similarity:    CosineSimilarity(result.Embedding, c.Vector),
		})
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// ComposeSourceText builds the text for an embedding source type, applying
// the per-type character caps.
func ComposeSourceText(app *domain.PlanningApplication, source SourceType) string {
	switch source {
	case SourceDescription:
		return truncate(app.Description, maxDescriptionChars)
	case SourceCombined, SourceDocument:
		parts := []string{
			app.Description, app.Proposal, app.AISummary,
			app.Address, app.DevelopmentType, app.UseClass,
		}
		return truncate(joinNonEmpty(parts), maxCombinedChars)
	case SourceSummary:
		if app.AISummary != "" {
			return app.AISummary
		}
		return truncate(app.Description, maxSummaryChars)
	case SourceLocation:
		parts := []string{app.Postcode, app.Ward, app.Authority, app.Address}
		return truncate(joinNonEmpty(parts), maxLocationChars)
	default:
		return truncate(app.Description, maxDescriptionChars)
	}
}

// NormalizeText trims, collapses whitespace, and lowercases, so that hash
// comparisons are stable across cosmetic description edits.
func NormalizeText(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// TextHash returns the hex sha256 of a normalized text. A stored vector is
// valid iff the document's embedding_text_hash equals this value.
func TextHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// CosineSimilarity computes cosine similarity between two vectors. Returns 0
// when either has zero magnitude or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// confidence derives the result confidence from input quality and provider
// success.
func confidence(normalized string, providerOK bool) float64 {
	if !providerOK || normalized == "" {
		return 0
	}
	score := 0.5
	if len(normalized) >= minInputChars {
		score += 0.3
	}
	if len(normalized) >= 100 {
		score += 0.2
	}
	return score
}

// truncate caps s at max bytes, backing off to a rune boundary so a
// multi-byte character is never split.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func joinNonEmpty(parts []string) string {
	kept := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}
