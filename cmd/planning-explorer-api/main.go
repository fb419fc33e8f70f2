// Package main provides the Planning Explorer API server entrypoint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/planning-explorer/planning-explorer/internal/ai"
	"github.com/planning-explorer/planning-explorer/internal/cache"
	"github.com/planning-explorer/planning-explorer/internal/config"
	"github.com/planning-explorer/planning-explorer/internal/embedding"
	"github.com/planning-explorer/planning-explorer/internal/enrichment"
	"github.com/planning-explorer/planning-explorer/internal/es"
	"github.com/planning-explorer/planning-explorer/internal/llm"
	"github.com/planning-explorer/planning-explorer/internal/observability"
	"github.com/planning-explorer/planning-explorer/internal/pipeline"
	"github.com/planning-explorer/planning-explorer/internal/search"
	"github.com/planning-explorer/planning-explorer/internal/tasks"
)

func main() {
	// Load configuration
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if len(os.Args) > 2 && os.Args[1] == "--config" {
		cfgPath = os.Args[2]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger and metrics
	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
	})
	metrics := observability.NewMetrics()

	logger.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("elasticsearch", cfg.Elasticsearch.Node).
		Str("index", cfg.Elasticsearch.Index).
		Msg("Starting Planning Explorer API")

	// Root context for background components; cancelled on shutdown.
	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	// Elasticsearch gateway
	esClient, err := es.NewClient(es.Config{
		Node:                 cfg.Elasticsearch.Node,
		Username:             cfg.Elasticsearch.Username,
		Password:             cfg.Elasticsearch.Password,
		Index:                cfg.Elasticsearch.Index,
		RequestTimeout:       cfg.Elasticsearch.RequestTimeout,
		MaxRetries:           cfg.Elasticsearch.MaxRetries,
		MaxReconnectAttempts: cfg.Elasticsearch.MaxReconnectAttempts,
		MaxConnsPerHost:      cfg.Elasticsearch.MaxConnsPerHost,
		HealthInterval:       cfg.Elasticsearch.HealthInterval,
	}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create elasticsearch client")
		os.Exit(1)
	}

	connectCtx, cancelConnect := context.WithTimeout(rootCtx, 30*time.Second)
	if err := esClient.Connect(connectCtx); err != nil {
		// Startup proceeds degraded; the gateway reconnects on demand.
		logger.Warn().Err(err).Msg("Elasticsearch unavailable at startup")
	}
	cancelConnect()

	// In-process cache
	cacheManager := cache.NewManager(cache.ManagerConfig{
		MaxMemoryBytes:       int64(cfg.Cache.MaxMemoryMB) * 1024 * 1024,
		CompressionThreshold: cfg.Cache.CompressionThreshold,
		CleanupInterval:      cfg.Cache.CleanupInterval,
	}, logger, metrics)
	cacheManager.Start(rootCtx)

	// Optional Redis-backed pattern/enrichment store
	var patterns *cache.PatternStore
	if cfg.Redis.Enabled {
		patterns, err = cache.NewPatternStore(cache.PatternStoreConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("Redis unavailable, pattern learning disabled")
			patterns = nil
		}
	}

	// LLM providers
	var providers []llm.Provider
	if cfg.LLM.OpenAIAPIKey != "" {
		providers = append(providers, llm.NewOpenAIProvider(cfg.LLM.OpenAIAPIKey))
	}
	if cfg.LLM.AnthropicAPIKey != "" {
		providers = append(providers, llm.NewAnthropicProvider(cfg.LLM.AnthropicAPIKey))
	}
	if len(providers) == 0 {
		logger.Warn().Msg("No LLM provider configured, AI features disabled")
	}

	llmClient := llm.NewClient(llm.ClientConfig{
		DefaultModel: cfg.LLM.DefaultModel,
		TokenBudget:  cfg.LLM.TokenBudget,
		PromptCache:  cfg.LLM.PromptCache,
	}, logger, metrics, providers...)

	// Embeddings require the OpenAI provider.
	var embedder embedding.Embedder
	if cfg.LLM.OpenAIAPIKey != "" {
		embedder = embedding.NewService(llmClient, cfg.Embedding.Model, cfg.Embedding.Dimensions, logger)
	} else {
		logger.Warn().Msg("No OpenAI key configured, semantic search disabled")
	}

	// AI capabilities
	var (
		scorer     *ai.OpportunityScorer
		summarizer *ai.Summarizer
		market     *ai.MarketAnalyzer
	)
	if len(providers) > 0 {
		scorer = ai.NewOpportunityScorer(llmClient, cfg.LLM.DefaultModel, cfg.AI.OpportunityTimeout, logger)
		summarizer = ai.NewSummarizer(llmClient, cfg.LLM.DefaultModel, cfg.AI.SummarizationTimeout, logger)
		market = ai.NewMarketAnalyzer(llmClient, cfg.LLM.DefaultModel, cfg.AI.SummarizationTimeout, logger)
	}

	orch := ai.NewOrchestrator(scorer, summarizer, market, embedder, cacheManager, esClient, ai.OrchestratorConfig{
		MaxConcurrent:  cfg.AI.MaxConcurrent,
		PersistResults: true,
	}, logger, metrics)

	// Portal enrichment
	enrichCfg := enrichment.ServiceConfig{Model: cfg.LLM.DefaultModel}
	idox := enrichment.NewIdoxFetcher(nil)
	var enricher *enrichment.Service
	if browser, err := enrichment.NewBrowserFetcher(60 * time.Second); err != nil {
		logger.Warn().Err(err).Msg("Headless browser unavailable, unknown-portal enrichment disabled")
		enricher = enrichment.NewService(idox, nil, llmClient, patterns, enrichCfg, logger)
	} else {
		defer browser.Close()
		enricher = enrichment.NewService(idox, browser, llmClient, patterns, enrichCfg, logger)
	}

	// Search service
	searchSvc := search.NewService(esClient, embedder, ai.NewQueryParser(), cacheManager, logger, metrics)

	// Background task processor
	processor := tasks.NewProcessor(orch, esClient, tasks.ProcessorConfig{
		Workers:       cfg.Tasks.MaxWorkers,
		MaxRetries:    cfg.Tasks.MaxRetries,
		MaxTaskAge:    cfg.Tasks.MaxAge,
		SweepInterval: cfg.Tasks.CleanupInterval,
	}, logger, metrics)
	processor.Start(rootCtx)

	// Continuous embedding pipeline
	if embedder != nil {
		continuous := pipeline.NewContinuous(esClient, embedder, cfg.Pipeline, logger, metrics)
		go func() {
			if err := continuous.Run(rootCtx); err != nil && rootCtx.Err() == nil {
				logger.Error().Err(err).Msg("Embedding pipeline stopped")
			}
		}()
	}

	// Initialize router with all handlers
	router := NewRouter(routerDeps{
		logger:    logger,
		metrics:   metrics,
		gateway:   esClient,
		searchSvc: searchSvc,
		orch:      orch,
		enricher:  enricher,
		processor: processor,
		usage:     llmClient.Usage(),
		timeout:   cfg.Server.ReadTimeout,
	})

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("HTTP server listening")
		serverErrors <- srv.ListenAndServe()
	}()

	// Wait for interrupt or error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error().Err(err).Msg("Server error")
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	// Graceful shutdown: stop accepting requests, then stop background work.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
		if err := srv.Close(); err != nil {
			logger.Error().Err(err).Msg("Forced shutdown failed")
		}
	}

	cancelRoot()
	processor.Wait()
	if patterns != nil {
		if err := patterns.Close(); err != nil {
			logger.Error().Err(err).Msg("Pattern store close failed")
		}
	}

	logger.Info().Msg("Server stopped")
}
