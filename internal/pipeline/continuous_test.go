package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planning-explorer/planning-explorer/internal/config"
	"github.com/planning-explorer/planning-explorer/internal/domain"
	"github.com/planning-explorer/planning-explorer/internal/embedding"
	"github.com/planning-explorer/planning-explorer/internal/es"
	"github.com/planning-explorer/planning-explorer/internal/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}

// fakeEmbedder vectorizes anything long enough at a fixed cost per text.
type fakeEmbedder struct {
	costPerText float64
	err         error
}

func (f *fakeEmbedder) result(text string) embedding.Result {
	if len(embedding.NormalizeText(text)) < 10 {
		return embedding.Result{}
	}
	return embedding.Result{
		Embedding:       []float32{0.5, 0.5},
		ModelUsed:       "text-embedding-3-small",
		TokenCount:      3,
		ConfidenceScore: 1,
		TextHash:        embedding.TextHash(text),
		CostUSD:         f.costPerText,
	}
}

func (f *fakeEmbedder) GenerateTextEmbedding(ctx context.Context, text string) (*embedding.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	r := f.result(text)
	return &r, nil
}

func (f *fakeEmbedder) GenerateApplicationEmbedding(ctx context.Context, app *domain.PlanningApplication, source embedding.SourceType) (*embedding.Result, error) {
	return f.GenerateTextEmbedding(ctx, app.Description)
}

func (f *fakeEmbedder) BatchGenerate(ctx context.Context, texts []string) ([]embedding.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	results := make([]embedding.Result, len(texts))
	for i, text := range texts {
		results[i] = f.result(text)
	}
	return results, nil
}

func (f *fakeEmbedder) Model() string   { return "text-embedding-3-small" }
func (f *fakeEmbedder) Dimensions() int { return 1536 }

var _ embedding.Embedder = (*fakeEmbedder)(nil)

type recordedUpdate struct {
	id      string
	partial map[string]any
}

// fakeGateway replays canned pages and records writes.
type fakeGateway struct {
	mu          sync.Mutex
	searches    []es.SearchRequest
	searchPages []*es.SearchResponse // one per Search call, empty after exhaustion
	afterPages  []*es.SearchResponse // one per SearchAfter call
	afterCalls  int
	updates     []recordedUpdate
	bulkOps     [][]es.BulkOp
	failedItems []es.BulkItemError
	getSource   json.RawMessage
	getErr      error
}

func hitsFor(docs ...pipelineDoc) *es.SearchResponse {
	hits := make([]es.Hit, len(docs))
	for i, doc := range docs {
		src, _ := json.Marshal(doc)
		hits[i] = es.Hit{ID: doc.ApplicationID, Source: src, Sort: []any{float64(i)}}
	}
	return &es.SearchResponse{Hits: es.Hits{Hits: hits}}
}

func (f *fakeGateway) Search(ctx context.Context, req es.SearchRequest) (*es.SearchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, req)
	if len(f.searchPages) == 0 {
		return &es.SearchResponse{}, nil
	}
	page := f.searchPages[0]
	f.searchPages = f.searchPages[1:]
	return page, nil
}

func (f *fakeGateway) Get(ctx context.Context, id string) (json.RawMessage, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.getSource, nil
}

func (f *fakeGateway) Index(ctx context.Context, id string, doc any, refresh bool) error { return nil }

func (f *fakeGateway) Update(ctx context.Context, id string, partial map[string]any, refresh bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, recordedUpdate{id: id, partial: partial})
	return nil
}

func (f *fakeGateway) BulkUpdate(ctx context.Context, ops []es.BulkOp, chunkSize int) (*es.BulkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulkOps = append(f.bulkOps, ops)
	result := &es.BulkResult{Success: len(ops) - len(f.failedItems), FailedItems: f.failedItems}
	result.Failed = len(f.failedItems)
	return result, nil
}

func (f *fakeGateway) Count(ctx context.Context, query map[string]any) (int64, error) { return 0, nil }

func (f *fakeGateway) SearchAfter(ctx context.Context, req es.SearchRequest, cursor []any) (*es.SearchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, req)
	if f.afterCalls >= len(f.afterPages) {
		return &es.SearchResponse{}, nil
	}
	page := f.afterPages[f.afterCalls]
	f.afterCalls++
	return page, nil
}

func (f *fakeGateway) Refresh(ctx context.Context) error { return nil }

func (f *fakeGateway) HealthCheck(ctx context.Context) (*es.Health, error) {
	return &es.Health{ClusterStatus: "green", IndexExists: true}, nil
}

var _ es.Gateway = (*fakeGateway)(nil)

func pipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		BatchSize:      500,
		RateLimitDelay: time.Millisecond,
		LowPriorityCap: 200,
	}
}

func TestRunCycle_SweepsBucketsInPriorityOrder(t *testing.T) {
	gw := &fakeGateway{searchPages: []*es.SearchResponse{
		hitsFor(
			pipelineDoc{ApplicationID: "crit-1", Description: "a recent residential scheme near the station"},
			pipelineDoc{ApplicationID: "crit-2", Description: "tiny"},
		),
		hitsFor(pipelineDoc{ApplicationID: "high-1", Description: "an older commercial conversion application"}),
	}}
	c := NewContinuous(gw, &fakeEmbedder{costPerText: 0.001}, pipelineConfig(), testLogger(), observability.NewMetrics())

	require.NoError(t, c.RunCycle(context.Background()))

	// All four buckets are queried, low with its capped page size.
	require.Len(t, gw.searches, 4)
	assert.Equal(t, 500, *gw.searches[0].Size)
	assert.Equal(t, 200, *gw.searches[3].Size)
	assert.Equal(t, []string{"application_id", "description"}, gw.searches[0].SourceIncludes)

	// The short description never reaches the embedder.
	require.Len(t, gw.updates, 2)
	assert.Equal(t, "crit-1", gw.updates[0].id)
	assert.Equal(t, "critical", gw.updates[0].partial["embedding_priority"])
	assert.Contains(t, gw.updates[0].partial, "description_embedding")
	assert.Contains(t, gw.updates[0].partial, "embedding_text_hash")
	assert.Equal(t, "high-1", gw.updates[1].id)
	assert.Equal(t, "high", gw.updates[1].partial["embedding_priority"])
}

func TestRunCycle_DailyCostLimitStopsProcessing(t *testing.T) {
	gw := &fakeGateway{searchPages: []*es.SearchResponse{
		hitsFor(
			pipelineDoc{ApplicationID: "d1", Description: "first scheme description over the minimum"},
			pipelineDoc{ApplicationID: "d2", Description: "second scheme description over the minimum"},
			pipelineDoc{ApplicationID: "d3", Description: "third scheme description over the minimum"},
		),
	}}
	cfg := pipelineConfig()
	cfg.DailyCostLimitUSD = 1.0
	c := NewContinuous(gw, &fakeEmbedder{costPerText: 0.6}, cfg, testLogger(), observability.NewMetrics())

	require.NoError(t, c.RunCycle(context.Background()))

	// Two embeddings push the spend past the cap; the third document and the
	// remaining buckets are skipped.
	assert.Len(t, gw.updates, 2)
	assert.Len(t, gw.searches, 1)
}

func TestRunCycle_EmbedderFailureSkipsDocument(t *testing.T) {
	gw := &fakeGateway{searchPages: []*es.SearchResponse{
		hitsFor(pipelineDoc{ApplicationID: "d1", Description: "a perfectly embeddable description"}),
	}}
	c := NewContinuous(gw, &fakeEmbedder{err: fmt.Errorf("quota")}, pipelineConfig(), testLogger(), observability.NewMetrics())

	require.NoError(t, c.RunCycle(context.Background()))
	assert.Empty(t, gw.updates)
}

func TestProcessDocumentEvent(t *testing.T) {
	doc, _ := json.Marshal(pipelineDoc{Description: "an event driven embedding candidate"})
	gw := &fakeGateway{getSource: doc}
	c := NewContinuous(gw, &fakeEmbedder{costPerText: 0.001}, pipelineConfig(), testLogger(), observability.NewMetrics())

	require.NoError(t, c.ProcessDocumentEvent(context.Background(), "evt-1", "created"))
	require.Len(t, gw.updates, 1)
	assert.Equal(t, "evt-1", gw.updates[0].id)
	assert.Equal(t, "high", gw.updates[0].partial["embedding_priority"])
}

func TestProcessDocumentEvent_CostLimit(t *testing.T) {
	cfg := pipelineConfig()
	cfg.DailyCostLimitUSD = 1.0
	c := NewContinuous(&fakeGateway{}, &fakeEmbedder{}, cfg, testLogger(), observability.NewMetrics())
	c.resetDailyCost()
	c.addCost(5)

	err := c.ProcessDocumentEvent(context.Background(), "evt-1", "created")
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "DAILY_COST_LIMIT", de.Code)
	assert.Equal(t, domain.KindBudgetExceeded, de.Kind)
}

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, 30*time.Second, backoffDelay(1))
	assert.Equal(t, 60*time.Second, backoffDelay(2))
	assert.Equal(t, 240*time.Second, backoffDelay(4))
	assert.Equal(t, 300*time.Second, backoffDelay(5))
	assert.Equal(t, 300*time.Second, backoffDelay(10))
}

func TestDailyCostResetsAcrossDays(t *testing.T) {
	c := NewContinuous(&fakeGateway{}, &fakeEmbedder{}, pipelineConfig(), testLogger(), observability.NewMetrics())
	c.resetDailyCost()
	c.addCost(2)
	require.InDelta(t, 2.0, c.dailyCost(), 0.001)

	c.mu.Lock()
	c.costDate = "1999-01-01"
	c.mu.Unlock()
	c.resetDailyCost()
	assert.Zero(t, c.dailyCost())
}
