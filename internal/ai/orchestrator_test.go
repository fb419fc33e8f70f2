package ai

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planning-explorer/planning-explorer/internal/cache"
	"github.com/planning-explorer/planning-explorer/internal/domain"
	"github.com/planning-explorer/planning-explorer/internal/embedding"
	"github.com/planning-explorer/planning-explorer/internal/es"
	"github.com/planning-explorer/planning-explorer/internal/observability"
)

// fakeGateway records partial updates so tests can inspect what persist
// writes back to the index.
type fakeGateway struct {
	mu        sync.Mutex
	updates   []map[string]any
	updateErr error
}

func (f *fakeGateway) Search(ctx context.Context, req es.SearchRequest) (*es.SearchResponse, error) {
	return &es.SearchResponse{}, nil
}

func (f *fakeGateway) Get(ctx context.Context, id string) (json.RawMessage, error) {
	return nil, nil
}

func (f *fakeGateway) Index(ctx context.Context, id string, doc any, refresh bool) error {
	return nil
}

func (f *fakeGateway) Update(ctx context.Context, id string, partial map[string]any, refresh bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, partial)
	return nil
}

func (f *fakeGateway) BulkUpdate(ctx context.Context, ops []es.BulkOp, chunkSize int) (*es.BulkResult, error) {
	return &es.BulkResult{Success: len(ops)}, nil
}

func (f *fakeGateway) Count(ctx context.Context, query map[string]any) (int64, error) {
	return 0, nil
}

func (f *fakeGateway) SearchAfter(ctx context.Context, req es.SearchRequest, cursor []any) (*es.SearchResponse, error) {
	return &es.SearchResponse{}, nil
}

func (f *fakeGateway) Refresh(ctx context.Context) error { return nil }

func (f *fakeGateway) HealthCheck(ctx context.Context) (*es.Health, error) {
	return &es.Health{ClusterStatus: "green", IndexExists: true}, nil
}

var _ es.Gateway = (*fakeGateway)(nil)

// fakeEmbedder returns a fixed vector for any application.
type fakeEmbedder struct{}

func (f *fakeEmbedder) GenerateTextEmbedding(ctx context.Context, text string) (*embedding.Result, error) {
	return &embedding.Result{Embedding: []float32{0.1, 0.2}, ConfidenceScore: 1, TextHash: "texthash"}, nil
}

func (f *fakeEmbedder) GenerateApplicationEmbedding(ctx context.Context, app *domain.PlanningApplication, source embedding.SourceType) (*embedding.Result, error) {
	return &embedding.Result{
		Embedding:       []float32{0.1, 0.2},
		ConfidenceScore: 1,
		TextHash:        "hash-" + string(source),
		TokenCount:      5,
		CostUSD:         0.0001,
	}, nil
}

func (f *fakeEmbedder) BatchGenerate(ctx context.Context, texts []string) ([]embedding.Result, error) {
	return make([]embedding.Result, len(texts)), nil
}

func (f *fakeEmbedder) Model() string   { return "text-embedding-3-small" }
func (f *fakeEmbedder) Dimensions() int { return 1536 }

var _ embedding.Embedder = (*fakeEmbedder)(nil)

const scoreReply = `{"approval_probability":0.8,"market_potential":0.7,"project_viability":0.6,
"strategic_fit":0.5,"timeline_score":0.4,"risk_score":0.3,"rationale":"solid scheme"}`

const summaryReply = `{"summary":"A compact residential scheme.","key_points":["brownfield"],
"sentiment":"positive","complexity_score":0.4}`

func newTestOrchestrator(t *testing.T, scorerStub, summarizerStub *stubCompleter, gw es.Gateway, cm *cache.Manager, persist bool) *Orchestrator {
	t.Helper()
	var scorer *OpportunityScorer
	if scorerStub != nil {
		scorer = NewOpportunityScorer(scorerStub, "gpt-4o-mini", time.Second, testLogger())
	}
	var summarizer *Summarizer
	if summarizerStub != nil {
		summarizer = NewSummarizer(summarizerStub, "gpt-4o-mini", time.Second, testLogger())
	}
	return NewOrchestrator(scorer, summarizer, nil, nil, cm, gw,
		OrchestratorConfig{PersistResults: persist}, testLogger(), observability.NewMetrics())
}

func TestProcessApplication_RequiresApplicationID(t *testing.T) {
	o := newTestOrchestrator(t, &stubCompleter{content: scoreReply}, nil, nil, nil, false)

	_, err := o.ProcessApplication(context.Background(), nil, ModeStandard, nil)
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "MISSING_APPLICATION", de.Code)

	_, err = o.ProcessApplication(context.Background(), &domain.PlanningApplication{}, ModeStandard, nil)
	assert.Error(t, err)
}

func TestCacheKey_OrderInsensitive(t *testing.T) {
	a := cacheKey("app-1", []Feature{FeatureSummarization, FeatureOpportunityScoring})
	b := cacheKey("app-1", []Feature{FeatureOpportunityScoring, FeatureSummarization})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, cacheKey("app-2", []Feature{FeatureOpportunityScoring, FeatureSummarization}))
}

func TestResolveFeatures_FiltersUnavailable(t *testing.T) {
	o := newTestOrchestrator(t, &stubCompleter{content: scoreReply}, nil, nil, nil, false)

	resolved := o.resolveFeatures(ModeComprehensive, nil)
	assert.Equal(t, []Feature{FeatureOpportunityScoring}, resolved)

	resolved = o.resolveFeatures(ModeStandard, []Feature{FeatureSummarization, FeatureOpportunityScoring})
	assert.Equal(t, []Feature{FeatureOpportunityScoring}, resolved)
}

func TestProcessApplication_RunsFeaturesAndPersists(t *testing.T) {
	gw := &fakeGateway{}
	o := newTestOrchestrator(t, &stubCompleter{content: scoreReply}, &stubCompleter{content: summaryReply}, gw, nil, true)

	result, err := o.ProcessApplication(context.Background(),
		&domain.PlanningApplication{ApplicationID: "app-1", Authority: "Manchester"},
		ModeStandard, nil)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.ElementsMatch(t, []Feature{FeatureOpportunityScoring, FeatureSummarization}, result.FeaturesProcessed)
	assert.Empty(t, result.Errors)
	assert.InDelta(t, (0.85+0.85)/2, result.ConfidenceScore, 0.001)

	require.Len(t, gw.updates, 1)
	partial := gw.updates[0]
	assert.Equal(t, true, partial["ai_processed"])
	assert.Equal(t, "A compact residential scheme.", partial["ai_summary"])
	assert.Contains(t, partial, "opportunity_score")
	assert.Contains(t, partial, "approval_probability")
	assert.Equal(t, processingVersion, partial["ai_processing_version"])
}

func TestProcessApplication_CacheHitSkipsRecompute(t *testing.T) {
	cm := cache.NewManager(cache.ManagerConfig{MaxMemoryBytes: 1 << 20}, testLogger(), nil)
	scorerStub := &stubCompleter{content: scoreReply}
	o := newTestOrchestrator(t, scorerStub, nil, nil, cm, false)

	app := &domain.PlanningApplication{ApplicationID: "app-1"}
	first, err := o.ProcessApplication(context.Background(), app, ModeFast, nil)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := o.ProcessApplication(context.Background(), app, ModeFast, nil)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, scorerStub.calls)
	assert.Equal(t, first.ConfidenceScore, second.ConfidenceScore)
}

func TestProcessApplication_FeatureFailureIsIsolated(t *testing.T) {
	// Summarizer fails hard; the scorer still delivers, but a run with
	// recorded errors is never marked successful.
	o := newTestOrchestrator(t, &stubCompleter{content: scoreReply},
		&stubCompleter{err: assert.AnError}, nil, nil, false)

	result, err := o.ProcessApplication(context.Background(),
		&domain.PlanningApplication{ApplicationID: "app-1"}, ModeStandard, nil)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, []Feature{FeatureOpportunityScoring}, result.FeaturesProcessed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], string(FeatureSummarization))
}

func TestProcessApplication_SuccessMatchesEmptyErrors(t *testing.T) {
	cases := []struct {
		name       string
		summarizer *stubCompleter
	}{
		{"all features succeed", &stubCompleter{content: summaryReply}},
		{"one feature fails", &stubCompleter{err: assert.AnError}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := newTestOrchestrator(t, &stubCompleter{content: scoreReply}, tc.summarizer, nil, nil, false)
			result, err := o.ProcessApplication(context.Background(),
				&domain.PlanningApplication{ApplicationID: "app-1"}, ModeStandard, nil)
			require.NoError(t, err)
			assert.Equal(t, len(result.Errors) == 0, result.Success)
		})
	}
}

func TestProcessApplication_NilMetricsIsSafe(t *testing.T) {
	// Exercises both the run and failure counters without a registry.
	o := NewOrchestrator(
		NewOpportunityScorer(&stubCompleter{content: scoreReply}, "gpt-4o-mini", time.Second, testLogger()),
		NewSummarizer(&stubCompleter{err: assert.AnError}, "gpt-4o-mini", time.Second, testLogger()),
		nil, nil, nil, nil, OrchestratorConfig{}, testLogger(), nil)

	result, err := o.ProcessApplication(context.Background(),
		&domain.PlanningApplication{ApplicationID: "app-1"}, ModeStandard, nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, []Feature{FeatureOpportunityScoring}, result.FeaturesProcessed)
}

func TestProcessApplication_NoCapabilitiesStillSucceeds(t *testing.T) {
	o := NewOrchestrator(nil, nil, nil, nil, nil, nil, OrchestratorConfig{},
		testLogger(), observability.NewMetrics())

	result, err := o.ProcessApplication(context.Background(),
		&domain.PlanningApplication{ApplicationID: "app-1"}, ModeStandard, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.FeaturesProcessed)
	assert.InDelta(t, 0.5, result.ConfidenceScore, 0.001)
}

func TestProcessApplication_EmbeddingsPopulateVectorFields(t *testing.T) {
	gw := &fakeGateway{}
	o := NewOrchestrator(nil, nil, nil, &fakeEmbedder{}, nil, gw,
		OrchestratorConfig{PersistResults: true}, testLogger(), observability.NewMetrics())

	app := &domain.PlanningApplication{ApplicationID: "app-1", Description: "forty dwellings"}
	result, err := o.ProcessApplication(context.Background(), app, ModeStandard,
		[]Feature{FeatureEmbeddings})
	require.NoError(t, err)

	assert.Equal(t, []Feature{FeatureEmbeddings}, result.FeaturesProcessed)
	assert.Equal(t, []float32{0.1, 0.2}, app.DescriptionEmbedding)
	assert.Equal(t, []float32{0.1, 0.2}, app.FullContentEmbedding)
	assert.Equal(t, "text-embedding-3-small", app.EmbeddingModel)
	assert.Equal(t, 1536, app.EmbeddingDimensions)

	var payload embeddingsPayload
	require.NoError(t, json.Unmarshal(result.Results[FeatureEmbeddings], &payload))
	assert.Equal(t, "hash-description", payload.TextHash)
	assert.Equal(t, []string{"description", "combined"}, payload.SourcesStored)

	require.Len(t, gw.updates, 1)
	assert.Contains(t, gw.updates[0], "description_embedding")
	assert.Contains(t, gw.updates[0], "full_content_embedding")
	assert.Contains(t, gw.updates[0], "embedding_text_hash")
}

func TestProcessApplication_PersistFailureBecomesWarning(t *testing.T) {
	gw := &fakeGateway{updateErr: assert.AnError}
	o := newTestOrchestrator(t, &stubCompleter{content: scoreReply}, nil, gw, nil, true)

	result, err := o.ProcessApplication(context.Background(),
		&domain.PlanningApplication{ApplicationID: "app-1"}, ModeFast, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "persist enrichments")
}

func TestCachePolicy(t *testing.T) {
	ttl, level := cachePolicy(ModeStandard, []Feature{FeatureOpportunityScoring})
	assert.Equal(t, 24*time.Hour, ttl)
	assert.Equal(t, cache.LevelNormal, level)

	ttl, level = cachePolicy(ModeComprehensive, []Feature{FeatureOpportunityScoring})
	assert.Equal(t, 48*time.Hour, ttl)
	assert.Equal(t, cache.LevelHigh, level)

	ttl, _ = cachePolicy(ModeStandard, []Feature{FeatureEmbeddings})
	assert.Equal(t, 72*time.Hour, ttl)
}

func TestSummarize_UnavailableWithoutSummarizer(t *testing.T) {
	o := NewOrchestrator(nil, nil, nil, nil, nil, nil, OrchestratorConfig{},
		testLogger(), observability.NewMetrics())

	_, err := o.Summarize(context.Background(), &domain.PlanningApplication{ApplicationID: "a"},
		SummaryGeneral, LengthShort)
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "SUMMARIZER_UNAVAILABLE", de.Code)
}

func TestProcessBatch_CountsPerApplicationOutcomes(t *testing.T) {
	o := newTestOrchestrator(t, &stubCompleter{content: scoreReply}, nil, nil, nil, false)

	apps := []*domain.PlanningApplication{
		{ApplicationID: "app-1"},
		{}, // missing id, fails validation
		{ApplicationID: "app-3"},
	}
	batch, err := o.ProcessBatch(context.Background(), apps, ModeFast, nil, 2)
	require.NoError(t, err)

	assert.Equal(t, 3, batch.Total)
	assert.Equal(t, 2, batch.Succeeded)
	assert.Equal(t, 1, batch.Failed)
	require.Len(t, batch.Results, 3)
	assert.Equal(t, "app-1", batch.Results[0].ApplicationID)
	assert.False(t, batch.Results[1].Success)
	assert.NotEmpty(t, batch.Results[1].Errors)

	assert.InDelta(t, 2.0/3.0, batch.SuccessRate, 0.001)
	assert.Equal(t, map[Feature]int{FeatureOpportunityScoring: 2}, batch.FeatureUsage)
	// Two scored runs at 0.85 each plus the zero-confidence failure.
	assert.InDelta(t, (0.85+0.85)/3, batch.AvgConfidence, 0.001)
	require.Contains(t, batch.TimingPercentiles, "p50")
	require.Contains(t, batch.TimingPercentiles, "p95")
	require.Contains(t, batch.TimingPercentiles, "p99")
	assert.LessOrEqual(t, batch.TimingPercentiles["p50"], batch.TimingPercentiles["p95"])
	assert.LessOrEqual(t, batch.TimingPercentiles["p95"], batch.TimingPercentiles["p99"])
}

func TestTimingPercentile(t *testing.T) {
	sorted := []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, int64(5), timingPercentile(sorted, 50))
	assert.Equal(t, int64(10), timingPercentile(sorted, 95))
	assert.Equal(t, int64(10), timingPercentile(sorted, 99))
	assert.Equal(t, int64(0), timingPercentile(nil, 50))
	assert.Equal(t, int64(7), timingPercentile([]int64{7}, 99))
}

func TestProcessBatch_CancelledContext(t *testing.T) {
	o := newTestOrchestrator(t, &stubCompleter{content: scoreReply}, nil, nil, nil, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.ProcessBatch(ctx, []*domain.PlanningApplication{{ApplicationID: "a"}}, ModeFast, nil, 1)
	assert.Error(t, err)
}
