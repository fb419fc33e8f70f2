// Package main provides the one-shot bulk embedding backfill CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/planning-explorer/planning-explorer/internal/config"
	"github.com/planning-explorer/planning-explorer/internal/embedding"
	"github.com/planning-explorer/planning-explorer/internal/es"
	"github.com/planning-explorer/planning-explorer/internal/llm"
	"github.com/planning-explorer/planning-explorer/internal/observability"
	"github.com/planning-explorer/planning-explorer/internal/pipeline"
)

var (
	cfgPath       string
	resumePath    string
	maxDocuments  int
	checkpointDir string
)

var rootCmd = &cobra.Command{
	Use:   "bulk-embeddings",
	Short: "Backfill description embeddings for planning applications",
	Long: `Scans the planning applications index for documents without a description
embedding, generates vectors in batches through the embedding API, and writes
them back with bulk updates. Progress is checkpointed so an interrupted run
can resume without re-embedding.`,
	RunE: runBulk,
}

func init() {
	rootCmd.Flags().StringVar(&cfgPath, "config", "", "path to config file (defaults to CONFIG_PATH)")
	rootCmd.Flags().StringVar(&resumePath, "resume", "", "checkpoint file to resume from")
	rootCmd.Flags().IntVar(&maxDocuments, "max-documents", 0, "stop after this many documents (0 = no limit)")
	rootCmd.Flags().StringVar(&checkpointDir, "checkpoint-dir", "", "directory for checkpoint and report files")
}

func runBulk(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	if cfgPath == "" {
		cfgPath = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if maxDocuments > 0 {
		cfg.Bulk.MaxDocuments = maxDocuments
	}
	if checkpointDir != "" {
		cfg.Bulk.CheckpointDir = checkpointDir
	}
	if cfg.LLM.OpenAIAPIKey == "" {
		return fmt.Errorf("openai_api_key is required for embedding generation")
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      "console",
		ServiceName: "bulk-embeddings",
	})
	metrics := observability.NewMetrics()

	gateway, err := es.NewClient(es.Config{
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
		return fmt.Errorf("create elasticsearch client: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	connectCtx, cancelConnect := context.WithTimeout(ctx, 30*time.Second)
	err = gateway.Connect(connectCtx)
	cancelConnect()
	if err != nil {
		return fmt.Errorf("connect to elasticsearch: %w", err)
	}

	llmClient := llm.NewClient(llm.ClientConfig{
		DefaultModel: cfg.LLM.DefaultModel,
		TokenBudget:  cfg.LLM.TokenBudget,
	}, logger, metrics, llm.NewOpenAIProvider(cfg.LLM.OpenAIAPIKey))
	embedder := embedding.NewService(llmClient, cfg.Embedding.Model, cfg.Embedding.Dimensions, logger)

	bulk := pipeline.NewBulk(gateway, embedder, cfg.Bulk, logger, metrics)
	if resumePath != "" {
		if err := bulk.Resume(resumePath); err != nil {
			return fmt.Errorf("resume from checkpoint: %w", err)
		}
		color.Yellow("Resuming from %s", resumePath)
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("Embedding documents"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("docs"),
	)
	var lastProcessed int
	bulk.OnProgress = func(p pipeline.BulkProgress) {
		_ = bar.Add(p.Processed - lastProcessed)
		lastProcessed = p.Processed
		bar.Describe(fmt.Sprintf("Batch %d  failed=%d  cost=$%.2f", p.Batch, p.Failed, p.TotalCostUSD))
	}

	started := time.Now()
	report, err := bulk.Run(ctx)
	_ = bar.Finish()
	fmt.Println()
	if err != nil {
		if ctx.Err() != nil {
			color.Yellow("Interrupted after %s; resume with the latest checkpoint in %s",
				time.Since(started).Round(time.Second), cfg.Bulk.CheckpointDir)
		}
		return err
	}

	color.Green("Bulk embedding run complete in %s", report.FinishedAt.Sub(report.StartedAt).Round(time.Second))
	fmt.Printf("  batches:    %d\n", report.Batches)
	fmt.Printf("  processed:  %d\n", report.Processed)
	fmt.Printf("  skipped:    %d\n", report.Skipped)
	if report.Failed > 0 {
		color.Red("  failed:     %d", report.Failed)
	} else {
		fmt.Printf("  failed:     %d\n", report.Failed)
	}
	fmt.Printf("  tokens:     %d\n", report.TotalTokens)
	fmt.Printf("  cost:       $%.4f\n", report.TotalCostUSD)
	fmt.Printf("  report:     %s\n", report.ReportPath)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
