package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/planning-explorer/planning-explorer/internal/cache"
	"github.com/planning-explorer/planning-explorer/internal/domain"
	"github.com/planning-explorer/planning-explorer/internal/embedding"
	"github.com/planning-explorer/planning-explorer/internal/es"
	"github.com/planning-explorer/planning-explorer/internal/observability"
)

const processingVersion = "2.1.0"

// OrchestratorConfig tunes the per-application pipeline.
type OrchestratorConfig struct {
	// MaxConcurrent bounds ProcessBatch fan-out. Default 10.
	MaxConcurrent int
	// PersistResults writes successful enrichments back to the index.
	PersistResults bool
}

// Orchestrator runs the enabled AI capabilities over an application, merges
// their results, and memoizes the outcome.
type Orchestrator struct {
	scorer     *OpportunityScorer
	summarizer *Summarizer
	market     *MarketAnalyzer
	embedder   embedding.Embedder
	cache      *cache.Manager
	gateway    es.Gateway
	cfg        OrchestratorConfig
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// NewOrchestrator wires the capabilities together. Any capability may be nil;
// it is then treated as unavailable and filtered from requested feature sets.
func NewOrchestrator(
	scorer *OpportunityScorer,
	summarizer *Summarizer,
	market *MarketAnalyzer,
	embedder embedding.Embedder,
	cacheManager *cache.Manager,
	gateway es.Gateway,
	cfg OrchestratorConfig,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	return &Orchestrator{
		scorer:     scorer,
		summarizer: summarizer,
		market:     market,
		embedder:   embedder,
		cache:      cacheManager,
		gateway:    gateway,
		cfg:        cfg,
		logger:     logger.WithComponent("ai_orchestrator"),
		metrics:    metrics,
	}
}

// available reports whether the capability backing a feature is wired.
func (o *Orchestrator) available(f Feature) bool {
	switch f {
	case FeatureOpportunityScoring:
		return o.scorer != nil
	case FeatureSummarization:
		return o.summarizer != nil
	case FeatureEmbeddings:
		return o.embedder != nil
	case FeatureMarketContext:
		return o.market != nil
	default:
		return false
	}
}

// resolveFeatures applies the mode defaults and filters by availability,
// preserving the enabled-set insertion order.
func (o *Orchestrator) resolveFeatures(mode ProcessingMode, requested []Feature) []Feature {
	if len(requested) == 0 {
		requested = FeaturesForMode(mode)
	}
	resolved := make([]Feature, 0, len(requested))
	for _, f := range requested {
		if o.available(f) {
			resolved = append(resolved, f)
		}
	}
	return resolved
}

// cacheKey builds the memoization key: application id plus the sorted
// feature set, so equivalent requests share an entry regardless of order.
func cacheKey(applicationID string, features []Feature) string {
	names := make([]string, len(features))
	for i, f := range features {
		names[i] = string(f)
	}
	sort.Strings(names)
	return applicationID + "|" + strings.Join(names, ",")
}

func cachePolicy(mode ProcessingMode, features []Feature) (time.Duration, cache.Level) {
	ttl := 24 * time.Hour
	level := cache.LevelNormal
	if mode == ModeComprehensive {
		ttl = 48 * time.Hour
		level = cache.LevelHigh
	}
	for _, f := range features {
		if f == FeatureEmbeddings {
			ttl = 72 * time.Hour
		}
	}
	return ttl, level
}

// ProcessApplication runs the resolved feature set over one application.
// Individual feature failures are recorded but do not abort the others.
func (o *Orchestrator) ProcessApplication(ctx context.Context, app *domain.PlanningApplication, mode ProcessingMode, features []Feature) (*ProcessingResult, error) {
	if app == nil || app.ApplicationID == "" {
		return nil, domain.ValidationError("MISSING_APPLICATION", "application with application_id required")
	}

	resolved := o.resolveFeatures(mode, features)
	key := cacheKey(app.ApplicationID, resolved)

	if o.cache != nil {
		var cached ProcessingResult
		if o.cache.Get(key, cache.TypeAIProcessing, &cached) {
			cached.Cached = true
			return &cached, nil
		}
	}

	started := time.Now()
	result := &ProcessingResult{
		ApplicationID:    app.ApplicationID,
		Results:          make(map[Feature]json.RawMessage, len(resolved)),
		ConfidenceScores: make(map[Feature]float64, len(resolved)),
		GeneratedAt:      time.Now().UTC(),
	}

	var mu sync.Mutex
	type featureOutcome struct {
		payload    any
		confidence float64
		warnings   []string
	}
	outcomes := make(map[Feature]featureOutcome, len(resolved))

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range resolved {
		g.Go(func() error {
			if o.metrics != nil {
				o.metrics.AIFeatureRuns.WithLabelValues(string(f)).Inc()
			}
			payload, confidence, warnings, err := o.runFeature(gctx, f, app)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if o.metrics != nil {
					o.metrics.AIFeatureFailures.WithLabelValues(string(f)).Inc()
				}
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", f, err))
				return nil
			}
			outcomes[f] = featureOutcome{payload: payload, confidence: confidence, warnings: warnings}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Merge in enabled-set insertion order.
	for _, f := range resolved {
		outcome, ok := outcomes[f]
		if !ok {
			continue
		}
		raw, err := json.Marshal(outcome.payload)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: encode result: %v", f, err))
			continue
		}
		result.FeaturesProcessed = append(result.FeaturesProcessed, f)
		result.Results[f] = raw
		result.ConfidenceScores[f] = outcome.confidence
		result.Warnings = append(result.Warnings, outcome.warnings...)
	}

	result.ProcessingTimeMs = time.Since(started).Milliseconds()
	result.Success = len(result.Errors) == 0
	result.ConfidenceScore = meanConfidence(result.ConfidenceScores)

	if result.Success && o.cfg.PersistResults && o.gateway != nil {
		if err := o.persist(ctx, app, result); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("persist enrichments: %v", err))
		}
	}

	if result.Success && o.cache != nil {
		ttl, level := cachePolicy(mode, resolved)
		o.cache.Set(key, result, cache.TypeAIProcessing, ttl, &level)
	}
	return result, nil
}

func meanConfidence(scores map[Feature]float64) float64 {
	if len(scores) == 0 {
		return 0.5
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

// runFeature dispatches one capability and normalizes its output.
func (o *Orchestrator) runFeature(ctx context.Context, f Feature, app *domain.PlanningApplication) (any, float64, []string, error) {
	switch f {
	case FeatureOpportunityScoring:
		score, err := o.scorer.Score(ctx, app)
		if err != nil {
			return nil, 0, nil, err
		}
		return score, score.ConfidenceScore, nil, nil

	case FeatureSummarization:
		summary, err := o.summarizer.Summarize(ctx, app, SummaryGeneral, LengthMedium)
		if err != nil {
			return nil, 0, nil, err
		}
		return summary, summary.ConfidenceScore, nil, nil

	case FeatureEmbeddings:
		return o.runEmbeddings(ctx, app)

	case FeatureMarketContext:
		report, err := o.market.Analyze(ctx, []*domain.PlanningApplication{app}, PeriodLastYear, app.Authority)
		if err != nil {
			return nil, 0, nil, err
		}
		return report, report.ConfidenceScore, nil, nil

	default:
		return nil, 0, nil, fmt.Errorf("unknown feature %q", f)
	}
}

// embeddingsPayload is the embeddings feature result stored in the
// processing output. Vectors themselves go to the index, not the payload.
type embeddingsPayload struct {
	Model         string   `json:"model"`
	Dimensions    int      `json:"dimensions"`
	TextHash      string   `json:"text_hash"`
	TokenCount    int      `json:"token_count"`
	SourcesStored []string `json:"sources_stored"`
	CostUSD       float64  `json:"cost_usd"`
}

func (o *Orchestrator) runEmbeddings(ctx context.Context, app *domain.PlanningApplication) (any, float64, []string, error) {
	var warnings []string

	descResult, err := o.embedder.GenerateApplicationEmbedding(ctx, app, embedding.SourceDescription)
	if err != nil {
		return nil, 0, nil, err
	}

	payload := embeddingsPayload{
		Model:      o.embedder.Model(),
		Dimensions: o.embedder.Dimensions(),
		TextHash:   descResult.TextHash,
		TokenCount: descResult.TokenCount,
		CostUSD:    descResult.CostUSD,
	}
	if descResult.ConfidenceScore > 0 {
		app.DescriptionEmbedding = descResult.Embedding
		payload.SourcesStored = append(payload.SourcesStored, string(embedding.SourceDescription))
	} else {
		warnings = append(warnings, "description too short to embed")
	}

	combinedResult, err := o.embedder.GenerateApplicationEmbedding(ctx, app, embedding.SourceCombined)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("combined embedding: %v", err))
	} else if combinedResult.ConfidenceScore > 0 {
		app.FullContentEmbedding = combinedResult.Embedding
		payload.SourcesStored = append(payload.SourcesStored, string(embedding.SourceCombined))
		payload.TokenCount += combinedResult.TokenCount
		payload.CostUSD += combinedResult.CostUSD
	}

	now := time.Now().UTC()
	app.EmbeddingModel = payload.Model
	app.EmbeddingDimensions = payload.Dimensions
	app.EmbeddingGeneratedAt = &now
	app.EmbeddingTextHash = payload.TextHash

	return payload, descResult.ConfidenceScore, warnings, nil
}

// persist writes the successful enrichments back to the index as a partial
// update.
func (o *Orchestrator) persist(ctx context.Context, app *domain.PlanningApplication, result *ProcessingResult) error {
	now := time.Now().UTC()
	partial := map[string]any{
		"ai_processed":          true,
		"ai_processed_at":       now,
		"ai_processing_version": processingVersion,
		"confidence_score":      result.ConfidenceScore,
	}

	for _, f := range result.FeaturesProcessed {
		raw := result.Results[f]
		switch f {
		case FeatureOpportunityScoring:
			var score ScoreResult
			if err := json.Unmarshal(raw, &score); err != nil {
				continue
			}
			partial["opportunity_score"] = score.OpportunityScore
			partial["approval_probability"] = score.ApprovalProbability
			partial["opportunity_breakdown"] = score.Breakdown
			partial["opportunity_rationale"] = score.Rationale
			if len(score.RiskFactors) > 0 {
				partial["risk_flags"] = score.RiskFactors
			}

		case FeatureSummarization:
			var summary SummaryResult
			if err := json.Unmarshal(raw, &summary); err != nil {
				continue
			}
			partial["ai_summary"] = summary.Summary
			if len(summary.KeyPoints) > 0 {
				partial["ai_key_points"] = summary.KeyPoints
			}
			partial["ai_sentiment"] = summary.Sentiment
			partial["complexity_score"] = summary.ComplexityScore

		case FeatureEmbeddings:
			if len(app.DescriptionEmbedding) > 0 {
				partial["description_embedding"] = app.DescriptionEmbedding
			}
			if len(app.FullContentEmbedding) > 0 {
				partial["full_content_embedding"] = app.FullContentEmbedding
			}
			partial["embedding_model"] = app.EmbeddingModel
			partial["embedding_dimensions"] = app.EmbeddingDimensions
			partial["embedding_generated_at"] = app.EmbeddingGeneratedAt
			partial["embedding_text_hash"] = app.EmbeddingTextHash

		case FeatureMarketContext:
			var report MarketReport
			if err := json.Unmarshal(raw, &report); err != nil {
				continue
			}
			insights := append([]string{report.MarketOverview}, report.Opportunities...)
			partial["market_insights"] = insights
		}
	}

	return o.gateway.Update(ctx, app.ApplicationID, partial, false)
}

// Summarize exposes the summarizer with explicit type/length control for
// callers that want a single focused summary instead of the full pipeline.
func (o *Orchestrator) Summarize(ctx context.Context, app *domain.PlanningApplication, summaryType SummaryType, length SummaryLength) (*SummaryResult, error) {
	if o.summarizer == nil {
		return nil, domain.NewError(domain.KindAIServiceUnavailable, "SUMMARIZER_UNAVAILABLE",
			"summarization is not configured")
	}
	return o.summarizer.Summarize(ctx, app, summaryType, length)
}

// BatchProcessingResult aggregates a ProcessBatch run.
type BatchProcessingResult struct {
	Total             int                 `json:"total"`
	Succeeded         int                 `json:"succeeded"`
	Failed            int                 `json:"failed"`
	SuccessRate       float64             `json:"success_rate"`
	AvgConfidence     float64             `json:"avg_confidence"`
	FeatureUsage      map[Feature]int     `json:"feature_usage"`
	TimingPercentiles map[string]int64    `json:"timing_percentiles_ms"`
	Results           []*ProcessingResult `json:"results"`
	ProcessingTimeMs  int64               `json:"processing_time_ms"`
}

// ProcessBatch fans ProcessApplication out over the given applications with
// bounded concurrency. Per-application failures become failed results; the
// batch itself only fails on context cancellation.
func (o *Orchestrator) ProcessBatch(ctx context.Context, apps []*domain.PlanningApplication, mode ProcessingMode, features []Feature, maxConcurrent int) (*BatchProcessingResult, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = o.cfg.MaxConcurrent
	}

	started := time.Now()
	sem := semaphore.NewWeighted(int64(maxConcurrent))
	results := make([]*ProcessingResult, len(apps))

	var wg sync.WaitGroup
	for i, app := range apps {
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return nil, err
		}
		wg.Add(1)
		go func() {
			defer sem.Release(1)
			defer wg.Done()
			result, err := o.ProcessApplication(ctx, app, mode, features)
			if err != nil {
				result = &ProcessingResult{
					ApplicationID: app.ApplicationID,
					Success:       false,
					Errors:        []string{err.Error()},
					GeneratedAt:   time.Now().UTC(),
				}
			}
			results[i] = result
		}()
	}
	wg.Wait()

	batch := &BatchProcessingResult{
		Total:            len(apps),
		FeatureUsage:     make(map[Feature]int),
		Results:          results,
		ProcessingTimeMs: time.Since(started).Milliseconds(),
	}
	var (
		confidenceSum float64
		confidenceN   int
		timings       []int64
	)
	for _, r := range results {
		if r == nil {
			batch.Failed++
			continue
		}
		if r.Success {
			batch.Succeeded++
		} else {
			batch.Failed++
		}
		for _, f := range r.FeaturesProcessed {
			batch.FeatureUsage[f]++
		}
		confidenceSum += r.ConfidenceScore
		confidenceN++
		timings = append(timings, r.ProcessingTimeMs)
	}
	if batch.Total > 0 {
		batch.SuccessRate = float64(batch.Succeeded) / float64(batch.Total)
	}
	if confidenceN > 0 {
		batch.AvgConfidence = confidenceSum / float64(confidenceN)
	}
	sort.Slice(timings, func(i, j int) bool { return timings[i] < timings[j] })
	batch.TimingPercentiles = map[string]int64{
		"p50": timingPercentile(timings, 50),
		"p95": timingPercentile(timings, 95),
		"p99": timingPercentile(timings, 99),
	}
	return batch, nil
}

// timingPercentile reads the nearest-rank percentile from an ascending slice.
func timingPercentile(sorted []int64, p int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (p*len(sorted) + 99) / 100
	if idx < 1 {
		idx = 1
	}
	return sorted[idx-1]
}
