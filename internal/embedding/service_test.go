package embedding

import (
	"context"
	"io"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planning-explorer/planning-explorer/internal/domain"
	"github.com/planning-explorer/planning-explorer/internal/llm"
	"github.com/planning-explorer/planning-explorer/internal/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}

func newTestService(dims int) *Service {
	client := llm.NewClient(llm.ClientConfig{}, testLogger(), nil, llm.NewMockProvider("openai", dims))
	return NewService(client, "text-embedding-3-small", dims, testLogger())
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "demolition of garage", NormalizeText("  Demolition   of\n\tGarage "))
	assert.Equal(t, "", NormalizeText("   \n  "))
}

func TestTextHash_StableAcrossCosmeticEdits(t *testing.T) {
	a := TextHash(NormalizeText("Erection of 12 dwellings"))
	b := TextHash(NormalizeText("  erection  of 12\nDWELLINGS "))
	assert.Equal(t, a, b)

	c := TextHash(NormalizeText("Erection of 13 dwellings"))
	assert.NotEqual(t, a, c)
}

func TestTruncate_NeverSplitsRunes(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "ab", truncate("abcd", 2))

	// "café" is 5 bytes; cutting at 4 would land mid-rune.
	got := truncate("café", 4)
	assert.Equal(t, "caf", got)
	assert.True(t, utf8.ValidString(got))

	got = truncate("ééé", 3)
	assert.Equal(t, "é", got)
	assert.True(t, utf8.ValidString(got))
}

func TestGenerateTextEmbedding_ShortInputGetsZeroVector(t *testing.T) {
	svc := newTestService(16)

	result, err := svc.GenerateTextEmbedding(context.Background(), "hi")
	require.NoError(t, err)
	assert.Len(t, result.Embedding, 16)
	assert.Zero(t, result.ConfidenceScore)
	for _, v := range result.Embedding {
		assert.Zero(t, v)
	}
}

func TestGenerateTextEmbedding_Confidence(t *testing.T) {
	svc := newTestService(16)

	short, err := svc.GenerateTextEmbedding(context.Background(), "a modest extension")
	require.NoError(t, err)
	assert.InDelta(t, 0.8, short.ConfidenceScore, 0.001)

	long, err := svc.GenerateTextEmbedding(context.Background(),
		"demolition of the existing garage and erection of a two storey side extension with associated landscaping and parking provision")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, long.ConfidenceScore, 0.001)
}

func TestBatchGenerate_PreservesOrderAndSkipsShortTexts(t *testing.T) {
	svc := newTestService(16)

	texts := []string{
		"erection of four dwellings with access from the high street",
		"no", // too short, never sent
		"change of use from office to residential apartments",
	}
	results, err := svc.BatchGenerate(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.NotZero(t, results[0].ConfidenceScore)
	assert.Zero(t, results[1].ConfidenceScore)
	assert.NotZero(t, results[2].ConfidenceScore)

	// Each result must carry the hash of its own input.
	assert.Equal(t, TextHash(NormalizeText(texts[0])), results[0].TextHash)
	assert.Equal(t, TextHash(NormalizeText(texts[2])), results[2].TextHash)
	assert.NotEqual(t, results[0].Embedding, results[2].Embedding)
}

func TestBatchGenerate_RejectsOversizedBatch(t *testing.T) {
	svc := newTestService(16)
	texts := make([]string, maxBatchTexts+1)
	_, err := svc.BatchGenerate(context.Background(), texts)
	assert.Error(t, err)
}

func TestComposeSourceText(t *testing.T) {
	app := &domain.PlanningApplication{
		Description:     "Erection of 12 dwellings",
		Proposal:        "Full planning permission",
		Address:         "1 High Street, Manchester",
		Postcode:        "M1 1AA",
		Ward:            "Deansgate",
		Authority:       "Manchester",
		DevelopmentType: "residential",
	}

	assert.Equal(t, "Erection of 12 dwellings", ComposeSourceText(app, SourceDescription))

	combined := ComposeSourceText(app, SourceCombined)
	assert.Contains(t, combined, "Erection of 12 dwellings")
	assert.Contains(t, combined, "Full planning permission")
	assert.Contains(t, combined, "residential")

	location := ComposeSourceText(app, SourceLocation)
	assert.Contains(t, location, "M1 1AA")
	assert.Contains(t, location, "Deansgate")

	// Summary falls back to a truncated description when no AI summary exists.
	assert.Equal(t, "Erection of 12 dwellings", ComposeSourceText(app, SourceSummary))
	app.AISummary = "A 12-home residential scheme."
	assert.Equal(t, "A 12-home residential scheme.", ComposeSourceText(app, SourceSummary))
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, CosineSimilarity([]float32{1, 0}, []float32{1}))
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}

func TestSemanticSearch_RanksByDescriptionSimilarity(t *testing.T) {
	svc := newTestService(16)
	ctx := context.Background()

	query := "residential apartments in the city centre"
	queryResult, err := svc.GenerateTextEmbedding(ctx, query)
	require.NoError(t, err)

	other, err := svc.GenerateTextEmbedding(ctx, "agricultural barn conversion in rural kent")
	require.NoError(t, err)

	// The candidate sharing the query's exact vector must rank first.
	matches, err := svc.SemanticSearch(ctx, query, []Candidate{
		{ApplicationID: "other", Vector: other.Embedding},
		{ApplicationID: "exact", Vector: queryResult.Embedding},
		{ApplicationID: "empty", Vector: nil},
	}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "exact", matches[0].ApplicationID)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-6)
}

func TestSemanticSearch_RejectsShortQuery(t *testing.T) {
	svc := newTestService(16)
	_, err := svc.SemanticSearch(context.Background(), "hi", nil, 5)
	assert.Error(t, err)
}
