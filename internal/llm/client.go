// Package llm provides a provider-agnostic completion and embedding client
// covering the OpenAI and Anthropic API families, with prompt caching,
// token/cost accounting, and streaming.
package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/planning-explorer/planning-explorer/internal/domain"
	"github.com/planning-explorer/planning-explorer/internal/observability"
)

// ErrBudgetExceeded indicates the configured token budget has been consumed.
var ErrBudgetExceeded = domain.NewError(domain.KindBudgetExceeded, "TOKEN_BUDGET_EXCEEDED",
	"the configured LLM token budget has been consumed")

// ErrNoProvider indicates no provider is configured for the requested model.
var ErrNoProvider = errors.New("no provider configured for model")

// Role is a chat message role.
type Role string

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest describes one completion call.
type CompletionRequest struct {
	Messages     []Message
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	UseCache     bool
}

// Response is the unified completion reply.
type Response struct {
	Content      string  `json:"content"`
	Model        string  `json:"model"`
	Provider     string  `json:"provider"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TokensUsed   int     `json:"tokens_used"`
	CostUSD      float64 `json:"cost_usd"`
	FinishReason string  `json:"finish_reason"`
}

// StreamChunk is one streamed text fragment. A non-nil Err is always the
// final chunk on the channel.
type StreamChunk struct {
	Text string
	Err  error
}

// EmbeddingResponse carries embedding vectors plus usage accounting.
type EmbeddingResponse struct {
	Embeddings [][]float32
	Model      string
	Tokens     int
	CostUSD    float64
}

// Provider is one LLM API family.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (*Response, error)
	Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error)
	Embed(ctx context.Context, texts []string, model string, dimensions int) (*EmbeddingResponse, error)
}

// ClientConfig holds client-level settings.
type ClientConfig struct {
	DefaultModel string
	TokenBudget  int64 // 0 disables the budget
	PromptCache  bool
}

// Client routes requests to the provider owning the requested model and
// layers prompt caching, budget enforcement, and usage tracking on top.
type Client struct {
	cfg       ClientConfig
	providers []Provider
	usage     *UsageTracker
	logger    *observability.Logger
	metrics   *observability.Metrics

	cacheMu     sync.RWMutex
	promptCache map[string]string // prompt hash -> content
}

// NewClient creates an LLM client over the given providers. The first
// provider claiming a model (by prefix) wins; Anthropic claims models
// beginning with "claude", everything else falls through to OpenAI.
func NewClient(cfg ClientConfig, logger *observability.Logger, metrics *observability.Metrics, providers ...Provider) *Client {
	return &Client{
		cfg:         cfg,
		providers:   providers,
		usage:       NewUsageTracker(),
		logger:      logger.WithComponent("llm"),
		metrics:     metrics,
		promptCache: make(map[string]string),
	}
}

// providerFor picks the provider responsible for a model name.
func (c *Client) providerFor(model string) (Provider, error) {
	wantAnthropic := strings.HasPrefix(model, "claude")
	for _, p := range c.providers {
		if wantAnthropic && p.Name() == "anthropic" {
			return p, nil
		}
		if !wantAnthropic && p.Name() == "openai" {
			return p, nil
		}
	}
	if len(c.providers) > 0 {
		return c.providers[0], nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoProvider, model)
}

// Complete executes a completion, consulting the prompt cache first when the
// request allows it. Cached replies report zero tokens and zero cost with
// finish reason "cached".
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*Response, error) {
	if req.Model == "" {
		req.Model = c.cfg.DefaultModel
	}

	cacheKey := ""
	if req.UseCache && c.cfg.PromptCache {
		cacheKey = promptHash(req)
		c.cacheMu.RLock()
		content, ok := c.promptCache[cacheKey]
		c.cacheMu.RUnlock()
		if ok {
			return &Response{
				Content:      content,
				Model:        req.Model,
				Provider:     "cache",
				FinishReason: "cached",
			}, nil
		}
	}

	if err := c.checkBudget(); err != nil {
		return nil, err
	}

	provider, err := c.providerFor(req.Model)
	if err != nil {
		return nil, err
	}

	resp, err := provider.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s completion: %w", provider.Name(), err)
	}

	resp.CostUSD = CompletionCost(resp.Model, resp.InputTokens, resp.OutputTokens)
	resp.TokensUsed = resp.InputTokens + resp.OutputTokens
	c.record(resp.Model, resp.InputTokens, resp.OutputTokens, resp.CostUSD)

	if cacheKey != "" {
		c.cacheMu.Lock()
		c.promptCache[cacheKey] = resp.Content
		c.cacheMu.Unlock()
	}

	return resp, nil
}

// StreamComplete streams completion chunks. Mid-stream failures arrive as a
// final chunk with Err set; the channel is closed afterwards.
func (c *Client) StreamComplete(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	if req.Model == "" {
		req.Model = c.cfg.DefaultModel
	}
	if err := c.checkBudget(); err != nil {
		return nil, err
	}

	provider, err := c.providerFor(req.Model)
	if err != nil {
		return nil, err
	}
	return provider.Stream(ctx, req)
}

// Embed produces one vector per input text, preserving order.
func (c *Client) Embed(ctx context.Context, texts []string, model string, dimensions int) (*EmbeddingResponse, error) {
	if len(texts) == 0 {
		return &EmbeddingResponse{Model: model}, nil
	}
	if err := c.checkBudget(); err != nil {
		return nil, err
	}

	provider, err := c.providerFor(model)
	if err != nil {
		return nil, err
	}

	resp, err := provider.Embed(ctx, texts, model, dimensions)
	if err != nil {
		return nil, fmt.Errorf("%s embedding: %w", provider.Name(), err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(resp.Embeddings), len(texts))
	}

	resp.CostUSD = EmbeddingCost(model, resp.Tokens)
	c.record(model, resp.Tokens, 0, resp.CostUSD)
	return resp, nil
}

// GetUsageStats returns a snapshot of per-model and total usage.
func (c *Client) GetUsageStats() UsageStats {
	return c.usage.Snapshot()
}

// Usage exposes the tracker so callers can surface usage in status endpoints.
func (c *Client) Usage() *UsageTracker {
	return c.usage
}

func (c *Client) checkBudget() error {
	if c.cfg.TokenBudget <= 0 {
		return nil
	}
	if c.usage.TotalTokens() >= c.cfg.TokenBudget {
		return ErrBudgetExceeded
	}
	return nil
}

func (c *Client) record(model string, inputTokens, outputTokens int, cost float64) {
	c.usage.Record(model, inputTokens, outputTokens, cost)
	if c.metrics != nil {
		c.metrics.LLMTokensUsed.WithLabelValues(model).Add(float64(inputTokens + outputTokens))
		c.metrics.LLMCostUSD.WithLabelValues(model).Add(cost)
	}
}

// promptHash derives the prompt-cache key from content only: system prompt
// plus concatenated messages, scoped by model.
func promptHash(req CompletionRequest) string {
	h := sha256.New()
	h.Write([]byte(req.Model))
	h.Write([]byte{0})
	h.Write([]byte(req.SystemPrompt))
	for _, m := range req.Messages {
		h.Write([]byte{0})
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// UsageTracker accumulates token and cost totals under a lock. Updated on
// every completion and embedding call.
type UsageTracker struct {
	mu       sync.Mutex
	perModel map[string]*ModelUsage
	total    ModelUsage
}

// ModelUsage holds accumulated usage for one model.
type ModelUsage struct {
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// UsageStats is a snapshot of usage across all models.
type UsageStats struct {
	PerModel map[string]ModelUsage `json:"per_model"`
	Total    ModelUsage            `json:"total"`
}

// NewUsageTracker creates an empty tracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{perModel: make(map[string]*ModelUsage)}
}

// Record adds one call's usage.
func (t *UsageTracker) Record(model string, inputTokens, outputTokens int, cost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	mu, ok := t.perModel[model]
	if !ok {
		mu = &ModelUsage{}
		t.perModel[model] = mu
	}
	mu.Requests++
	mu.InputTokens += int64(inputTokens)
	mu.OutputTokens += int64(outputTokens)
	mu.CostUSD += cost

	t.total.Requests++
	t.total.InputTokens += int64(inputTokens)
	t.total.OutputTokens += int64(outputTokens)
	t.total.CostUSD += cost
}

// TotalTokens returns the total tokens consumed so far.
func (t *UsageTracker) TotalTokens() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total.InputTokens + t.total.OutputTokens
}

// Snapshot copies the current usage state.
func (t *UsageTracker) Snapshot() UsageStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := UsageStats{
		PerModel: make(map[string]ModelUsage, len(t.perModel)),
		Total:    t.total,
	}
	for model, mu := range t.perModel {
		stats.PerModel[model] = *mu
	}
	return stats
}
