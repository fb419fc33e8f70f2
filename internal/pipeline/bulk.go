package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/planning-explorer/planning-explorer/internal/config"
	"github.com/planning-explorer/planning-explorer/internal/embedding"
	"github.com/planning-explorer/planning-explorer/internal/es"
	"github.com/planning-explorer/planning-explorer/internal/observability"
)

// BulkProgress is reported to the caller after every ES batch.
type BulkProgress struct {
	Batch        int
	Processed    int
	Skipped      int
	Failed       int
	TotalCostUSD float64
}

// BulkReport summarizes a completed bulk run.
type BulkReport struct {
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Batches      int       `json:"batches"`
	Processed    int       `json:"processed"`
	Skipped      int       `json:"skipped"`
	Failed       int       `json:"failed"`
	TotalTokens  int       `json:"total_tokens"`
	TotalCostUSD float64   `json:"total_cost_usd"`
	ReportPath   string    `json:"-"`
}

// bulkCheckpoint is the resumable state written to disk periodically.
type bulkCheckpoint struct {
	Timestamp         time.Time `json:"timestamp"`
	Batches           int       `json:"batches"`
	Processed         int       `json:"processed"`
	Skipped           int       `json:"skipped"`
	Failed            int       `json:"failed"`
	TotalTokens       int       `json:"total_tokens"`
	TotalCostUSD      float64   `json:"total_cost_usd"`
	ProcessedIDsCount int       `json:"processed_ids_count"`
	ProcessedIDs      []string  `json:"processed_ids"`
}

// Bulk is the one-shot embedding backfill generator.
type Bulk struct {
	gateway  es.Gateway
	embedder embedding.Embedder
	cfg      config.BulkConfig
	logger   *observability.Logger
	metrics  *observability.Metrics

	// OnProgress, when set, receives a snapshot after every ES batch.
	OnProgress func(BulkProgress)

	mu           sync.Mutex
	processedIDs map[string]bool
	totalTokens  int
	totalCostUSD float64
}

// NewBulk creates a bulk generator.
func NewBulk(gateway es.Gateway, embedder embedding.Embedder, cfg config.BulkConfig, logger *observability.Logger, metrics *observability.Metrics) *Bulk {
	if cfg.ESBatchSize <= 0 {
		cfg.ESBatchSize = 1000
	}
	if cfg.APIBatchSize <= 0 {
		cfg.APIBatchSize = 500
	}
	if cfg.APIBatchSize > 2048 {
		cfg.APIBatchSize = 2048
	}
	if cfg.ConcurrentBatches <= 0 {
		cfg.ConcurrentBatches = 5
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 10
	}
	if cfg.CheckpointDir == "" {
		cfg.CheckpointDir = "."
	}
	return &Bulk{
		gateway:      gateway,
		embedder:     embedder,
		cfg:          cfg,
		logger:       logger.WithComponent("bulk_embeddings"),
		metrics:      metrics,
		processedIDs: make(map[string]bool),
	}
}

// Resume loads a previous checkpoint so the run skips already-processed ids.
func (b *Bulk) Resume(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	var cp bulkCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return fmt.Errorf("decode checkpoint: %w", err)
	}

	b.mu.Lock()
	for _, id := range cp.ProcessedIDs {
		b.processedIDs[id] = true
	}
	b.totalTokens = cp.TotalTokens
	b.totalCostUSD = cp.TotalCostUSD
	b.mu.Unlock()

	b.logger.Info().Int("processed_ids", len(cp.ProcessedIDs)).Str("checkpoint", path).Msg("resuming from checkpoint")
	return nil
}

// Run drives the full backfill: deep pagination, concurrent sub-batch
// embedding, order-preserving bulk updates, checkpoints, and a final report.
func (b *Bulk) Run(ctx context.Context) (*BulkReport, error) {
	report := &BulkReport{StartedAt: time.Now().UTC()}
	var cursor []any
	resumed := len(b.processedIDs) > 0

	for {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if b.cfg.MaxDocuments > 0 && report.Processed >= b.cfg.MaxDocuments {
			break
		}

		docs, next, err := b.nextPage(ctx, cursor, resumed)
		if err != nil {
			return report, fmt.Errorf("batch %d: %w", report.Batches+1, err)
		}
		if len(docs) == 0 {
			break
		}
		cursor = next
		report.Batches++

		processed, skipped, failed, err := b.processBatch(ctx, docs)
		if err != nil {
			return report, fmt.Errorf("batch %d: %w", report.Batches, err)
		}
		report.Processed += processed
		report.Skipped += skipped
		report.Failed += failed

		if b.OnProgress != nil {
			b.OnProgress(BulkProgress{
				Batch:        report.Batches,
				Processed:    report.Processed,
				Skipped:      report.Skipped,
				Failed:       report.Failed,
				TotalCostUSD: b.totalCost(),
			})
		}

		if report.Batches%b.cfg.CheckpointEvery == 0 {
			if err := b.writeCheckpoint(report); err != nil {
				b.logger.Warn().Err(err).Msg("checkpoint write failed")
			}
		}
	}

	if err := b.gateway.Refresh(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("final refresh failed")
	}

	report.FinishedAt = time.Now().UTC()
	b.mu.Lock()
	report.TotalTokens = b.totalTokens
	report.TotalCostUSD = b.totalCostUSD
	b.mu.Unlock()

	if path, err := b.writeReport(report); err != nil {
		b.logger.Warn().Err(err).Msg("report write failed")
	} else {
		report.ReportPath = path
	}

	b.logger.Info().
		Int("batches", report.Batches).
		Int("processed", report.Processed).
		Int("failed", report.Failed).
		Float64("total_cost_usd", report.TotalCostUSD).
		Msg("bulk run complete")
	return report, nil
}

// nextPage fetches the next search_after page of embedding-less documents.
// On resumed runs the processed set is excluded server-side via chunked
// terms clauses.
func (b *Bulk) nextPage(ctx context.Context, cursor []any, resumed bool) ([]pipelineDoc, []any, error) {
	mustNot := []map[string]any{
		{"exists": map[string]any{"field": "description_embedding"}},
	}
	if resumed {
		mustNot = append(mustNot, b.processedIDClauses()...)
	}

	query := map[string]any{
		"bool": map[string]any{
			"must":     []map[string]any{{"exists": map[string]any{"field": "description"}}},
			"must_not": mustNot,
		},
	}
	size := b.cfg.ESBatchSize
	req := es.SearchRequest{
		Query: query,
		Size:  &size,
		Sort: []map[string]any{
			{"start_date": map[string]any{"order": "desc", "missing": "_last"}},
			{"last_changed": map[string]any{"order": "desc", "missing": "_last"}},
			{"application_id": map[string]any{"order": "asc"}},
		},
		SourceIncludes: []string{"application_id", "description"},
	}

	resp, err := b.gateway.SearchAfter(ctx, req, cursor)
	if err != nil {
		return nil, nil, err
	}
	if len(resp.Hits.Hits) == 0 {
		return nil, nil, nil
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
		if b.isProcessed(doc.ApplicationID) {
			continue
		}
		docs = append(docs, doc)
	}
	next := resp.Hits.Hits[len(resp.Hits.Hits)-1].Sort
	return docs, next, nil
}

// processedIDClauses chunks the processed set into terms clauses of at most
// 1024 ids each.
func (b *Bulk) processedIDClauses() []map[string]any {
	b.mu.Lock()
	ids := make([]string, 0, len(b.processedIDs))
	for id := range b.processedIDs {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	const chunk = 1024
	var clauses []map[string]any
	for start := 0; start < len(ids); start += chunk {
		end := start + chunk
		if end > len(ids) {
			end = len(ids)
		}
		clauses = append(clauses, map[string]any{"terms": map[string]any{"application_id": ids[start:end]}})
	}
	return clauses
}

// processBatch splits one ES page into API sub-batches, embeds them
// concurrently, and bulk-writes each sub-batch preserving input order.
func (b *Bulk) processBatch(ctx context.Context, docs []pipelineDoc) (processed, skipped, failed int, err error) {
	type subBatch struct {
		docs []pipelineDoc
	}
	var subBatches []subBatch
	for start := 0; start < len(docs); start += b.cfg.APIBatchSize {
		end := start + b.cfg.APIBatchSize
		if end > len(docs) {
			end = len(docs)
		}
		subBatches = append(subBatches, subBatch{docs: docs[start:end]})
	}

	sem := semaphore.NewWeighted(int64(b.cfg.ConcurrentBatches))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, sb := range subBatches {
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return processed, skipped, failed, err
		}
		wg.Add(1)
		go func() {
			defer sem.Release(1)
			defer wg.Done()
			p, s, f, err := b.processSubBatch(ctx, sb.docs)
			mu.Lock()
			defer mu.Unlock()
			processed += p
			skipped += s
			failed += f
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}()
	}
	wg.Wait()
	return processed, skipped, failed, firstErr
}

// processSubBatch embeds one sub-batch and writes the vectors back. The bulk
// update preserves the input order so vectors cannot drift to the wrong
// document. A document counts as processed only once its update succeeds.
func (b *Bulk) processSubBatch(ctx context.Context, docs []pipelineDoc) (processed, skipped, failed int, err error) {
	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.Description
	}

	results, err := b.embedder.BatchGenerate(ctx, texts)
	if err != nil {
		return 0, 0, len(docs), fmt.Errorf("embed sub-batch: %w", err)
	}

	now := time.Now().UTC()
	ops := make([]es.BulkOp, 0, len(docs))
	opDocIDs := make([]string, 0, len(docs))
	for i, doc := range docs {
		result := results[i]
		if result.ConfidenceScore == 0 {
			skipped++
			continue
		}
		ops = append(ops, es.BulkOp{
			ID: doc.ApplicationID,
			Doc: map[string]any{
				"description_embedding":  result.Embedding,
				"embedding_dimensions":   b.embedder.Dimensions(),
				"embedding_model":        result.ModelUsed,
				"embedding_generated_at": now,
				"embedding_text_hash":    result.TextHash,
				"embedding_confidence":   result.ConfidenceScore,
			},
		})
		opDocIDs = append(opDocIDs, doc.ApplicationID)

		b.mu.Lock()
		b.totalTokens += result.TokenCount
		b.totalCostUSD += result.CostUSD
		b.mu.Unlock()
	}
	if len(ops) == 0 {
		return 0, skipped, 0, nil
	}

	bulkResult, err := b.gateway.BulkUpdate(ctx, ops, len(ops))
	if err != nil {
		return 0, skipped, len(ops), fmt.Errorf("bulk update: %w", err)
	}

	failedIDs := make(map[string]bool, len(bulkResult.FailedItems))
	for _, item := range bulkResult.FailedItems {
		failedIDs[item.ID] = true
	}
	for _, id := range opDocIDs {
		if failedIDs[id] {
			failed++
			continue
		}
		b.markProcessed(id)
		processed++
		if b.metrics != nil {
			b.metrics.EmbeddingsWritten.Inc()
		}
	}
	return processed, skipped, failed, nil
}

func (b *Bulk) isProcessed(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.processedIDs[id]
}

func (b *Bulk) markProcessed(id string) {
	b.mu.Lock()
	b.processedIDs[id] = true
	b.mu.Unlock()
}

func (b *Bulk) totalCost() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalCostUSD
}

func (b *Bulk) writeCheckpoint(report *BulkReport) error {
	b.mu.Lock()
	ids := make([]string, 0, len(b.processedIDs))
	for id := range b.processedIDs {
		ids = append(ids, id)
	}
	cp := bulkCheckpoint{
		Timestamp:         time.Now().UTC(),
		Batches:           report.Batches,
		Processed:         report.Processed,
		Skipped:           report.Skipped,
		Failed:            report.Failed,
		TotalTokens:       b.totalTokens,
		TotalCostUSD:      b.totalCostUSD,
		ProcessedIDsCount: len(ids),
		ProcessedIDs:      ids,
	}
	b.mu.Unlock()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(b.cfg.CheckpointDir, fmt.Sprintf("optimized_checkpoint_%d.json", cp.Timestamp.Unix()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	b.logger.Info().Str("checkpoint", path).Int("processed_ids", cp.ProcessedIDsCount).Msg("checkpoint written")
	return nil
}

func (b *Bulk) writeReport(report *BulkReport) (string, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(b.cfg.CheckpointDir, fmt.Sprintf("weekend_embedding_report_%d.json", report.FinishedAt.Unix()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
