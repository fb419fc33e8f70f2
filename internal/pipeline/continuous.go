// Package pipeline contains the continuous embedding sweeper and the bulk
// backfill generator that keep application vectors current.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/planning-explorer/planning-explorer/internal/config"
	"github.com/planning-explorer/planning-explorer/internal/domain"
	"github.com/planning-explorer/planning-explorer/internal/embedding"
	"github.com/planning-explorer/planning-explorer/internal/es"
	"github.com/planning-explorer/planning-explorer/internal/observability"
)

// EmbeddingPriority buckets documents by how urgently they need a vector.
type EmbeddingPriority string

// Embedding priorities.
const (
	EmbeddingCritical EmbeddingPriority = "critical"
	EmbeddingHigh     EmbeddingPriority = "high"
	EmbeddingNormal   EmbeddingPriority = "normal"
	EmbeddingLow      EmbeddingPriority = "low"
)

// Continuous runs the scheduled sweep that finds embedding-less documents
// and vectorizes them in priority order under a daily cost cap.
type Continuous struct {
	gateway  es.Gateway
	embedder embedding.Embedder
	cfg      config.PipelineConfig
	logger   *observability.Logger
	metrics  *observability.Metrics

	mu                  sync.Mutex
	dailyCostUSD        float64
	costDate            string // UTC date the counter belongs to
	consecutiveFailures int
}

// NewContinuous creates the pipeline.
func NewContinuous(gateway es.Gateway, embedder embedding.Embedder, cfg config.PipelineConfig, logger *observability.Logger, metrics *observability.Metrics) *Continuous {
	if cfg.ScheduleInterval <= 0 {
		cfg.ScheduleInterval = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.RateLimitDelay <= 0 {
		cfg.RateLimitDelay = 500 * time.Millisecond
	}
	if cfg.CriticalAge <= 0 {
		cfg.CriticalAge = 24 * time.Hour
	}
	if cfg.HighPriorityAge <= 0 {
		cfg.HighPriorityAge = 7 * 24 * time.Hour
	}
	if cfg.LowPriorityCap <= 0 {
		cfg.LowPriorityCap = 200
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	return &Continuous{
		gateway:  gateway,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger.WithComponent("embedding_pipeline"),
		metrics:  metrics,
	}
}

// Run loops cycles on the schedule until ctx is cancelled.
func (c *Continuous) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.ScheduleInterval)
	defer ticker.Stop()

	c.logger.Info().Dur("interval", c.cfg.ScheduleInterval).Msg("embedding pipeline started")
	for {
		if err := c.RunCycle(ctx); err != nil {
			c.mu.Lock()
			c.consecutiveFailures++
			failures := c.consecutiveFailures
			c.mu.Unlock()

			if failures >= c.cfg.FailureThreshold {
				return fmt.Errorf("aborting after %d consecutive failed cycles: %w", failures, err)
			}

			delay := backoffDelay(failures)
			c.logger.Error().Err(err).Int("consecutive_failures", failures).Dur("backoff", delay).Msg("cycle failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		c.mu.Lock()
		c.consecutiveFailures = 0
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// backoffDelay is 30·2^(k-1) seconds capped at 300s.
func backoffDelay(failures int) time.Duration {
	delay := 30 * time.Second
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= 300*time.Second {
			return 300 * time.Second
		}
	}
	return delay
}

// RunCycle performs one sweep across the priority buckets.
func (c *Continuous) RunCycle(ctx context.Context) error {
	c.resetDailyCost()

	processed := 0
	for _, priority := range []EmbeddingPriority{EmbeddingCritical, EmbeddingHigh, EmbeddingNormal, EmbeddingLow} {
		if c.costExceeded() {
			c.logger.Warn().Float64("daily_cost_usd", c.dailyCost()).Msg("daily cost limit reached, stopping cycle")
			break
		}

		docs, err := c.findMissing(ctx, priority)
		if err != nil {
			return fmt.Errorf("query %s bucket: %w", priority, err)
		}
		for _, doc := range docs {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.costExceeded() {
				break
			}
			if err := c.embedDocument(ctx, doc, priority); err != nil {
				c.logger.Warn().Err(err).Str("application_id", doc.ApplicationID).Msg("document embedding failed")
				continue
			}
			processed++

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.RateLimitDelay):
			}
		}
	}

	c.logger.Info().Int("processed", processed).Float64("daily_cost_usd", c.dailyCost()).Msg("cycle complete")
	return nil
}

// ProcessDocumentEvent embeds one document outside the scheduled sweep, for
// event-driven ingestion hooks.
func (c *Continuous) ProcessDocumentEvent(ctx context.Context, docID, eventType string) error {
	c.resetDailyCost()
	if c.costExceeded() {
		return domain.NewError(domain.KindBudgetExceeded, "DAILY_COST_LIMIT",
			"daily embedding cost limit reached")
	}

	source, err := c.gateway.Get(ctx, docID)
	if err != nil {
		return fmt.Errorf("load document %s: %w", docID, err)
	}
	var doc pipelineDoc
	if err := json.Unmarshal(source, &doc); err != nil {
		return fmt.Errorf("decode document %s: %w", docID, err)
	}
	doc.ApplicationID = docID

	c.logger.Debug().Str("application_id", docID).Str("event_type", eventType).Msg("event-driven embedding")
	return c.embedDocument(ctx, doc, EmbeddingHigh)
}

// pipelineDoc is the slim projection the pipeline reads from the index.
type pipelineDoc struct {
	ApplicationID string `json:"application_id"`
	Description   string `json:"description"`
}

// findMissing queries one priority bucket for documents without a
// description vector.
func (c *Continuous) findMissing(ctx context.Context, priority EmbeddingPriority) ([]pipelineDoc, error) {
	now := time.Now().UTC()
	criticalCutoff := now.Add(-c.cfg.CriticalAge).Format(time.RFC3339)
	highCutoff := now.Add(-c.cfg.HighPriorityAge).Format(time.RFC3339)
	normalCutoff := now.AddDate(0, 0, -30).Format(time.RFC3339)

	var bucketClause map[string]any
	size := c.cfg.BatchSize
	switch priority {
	case EmbeddingCritical:
		bucketClause = map[string]any{"range": map[string]any{"start_date": map[string]any{"gte": criticalCutoff}}}
	case EmbeddingHigh:
		bucketClause = map[string]any{"bool": map[string]any{
			"should": []map[string]any{
				{"range": map[string]any{"start_date": map[string]any{"gte": highCutoff, "lt": criticalCutoff}}},
				{"range": map[string]any{"last_changed": map[string]any{"gte": criticalCutoff}}},
			},
			"minimum_should_match": 1,
		}}
	case EmbeddingNormal:
		bucketClause = map[string]any{"range": map[string]any{"start_date": map[string]any{"gte": normalCutoff, "lt": highCutoff}}}
	default:
		bucketClause = map[string]any{"range": map[string]any{"start_date": map[string]any{"lt": normalCutoff}}}
		if size > c.cfg.LowPriorityCap {
			size = c.cfg.LowPriorityCap
		}
	}

	query := map[string]any{
		"bool": map[string]any{
			"filter": []map[string]any{bucketClause},
			"must": []map[string]any{
				{"exists": map[string]any{"field": "description"}},
			},
			"must_not": []map[string]any{
				{"exists": map[string]any{"field": "description_embedding"}},
			},
		},
	}

	resp, err := c.gateway.Search(ctx, es.SearchRequest{
		Query:          query,
		Size:           &size,
		SourceIncludes: []string{"application_id", "description"},
	})
	if err != nil {
		return nil, err
	}

	docs := make([]pipelineDoc, 0, len(resp.Hits.Hits))
	for _, hit := range resp.Hits.Hits {
		var doc pipelineDoc
		if err := json.Unmarshal(hit.Source, &doc); err != nil {
			continue
		}
		if doc.ApplicationID == "" {
			doc.ApplicationID = hit.ID
		}
		if len(embedding.NormalizeText(doc.Description)) >= 10 {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// embedDocument vectorizes one document and writes the embedding fields back.
func (c *Continuous) embedDocument(ctx context.Context, doc pipelineDoc, priority EmbeddingPriority) error {
	result, err := c.embedder.GenerateTextEmbedding(ctx, doc.Description)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if result.ConfidenceScore == 0 {
		return fmt.Errorf("description too short to embed")
	}

	now := time.Now().UTC()
	partial := map[string]any{
		"description_embedding":  result.Embedding,
		"embedding_dimensions":   c.embedder.Dimensions(),
		"embedding_model":        result.ModelUsed,
		"embedding_generated_at": now,
		"embedding_text_hash":    result.TextHash,
		"embedding_confidence":   result.ConfidenceScore,
		"embedding_priority":     string(priority),
	}
	if err := c.gateway.Update(ctx, doc.ApplicationID, partial, false); err != nil {
		return fmt.Errorf("update index: %w", err)
	}

	c.addCost(result.CostUSD)
	if c.metrics != nil {
		c.metrics.EmbeddingsWritten.Inc()
	}
	return nil
}

func (c *Continuous) resetDailyCost() {
	today := time.Now().UTC().Format("2006-01-02")
	c.mu.Lock()
	if c.costDate != today {
		c.costDate = today
		c.dailyCostUSD = 0
	}
	c.mu.Unlock()
}

func (c *Continuous) addCost(usd float64) {
	c.mu.Lock()
	c.dailyCostUSD += usd
	c.mu.Unlock()
}

func (c *Continuous) dailyCost() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dailyCostUSD
}

func (c *Continuous) costExceeded() bool {
	if c.cfg.DailyCostLimitUSD <= 0 {
		return false
	}
	return c.dailyCost() >= c.cfg.DailyCostLimitUSD
}
