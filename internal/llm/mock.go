package llm

import (
	"context"
	"crypto/sha256"
	"math"
	"sync/atomic"
)

// MockProvider is a deterministic in-memory provider used in tests and
// offline development. Completions echo CompleteFn if set, otherwise a
// canned reply; embeddings are hash-derived and stable per input text.
type MockProvider struct {
	ProviderName string
	CompleteFn   func(req CompletionRequest) (string, error)
	Dimensions   int
	Calls        atomic.Int64
}

var _ Provider = (*MockProvider)(nil)

// NewMockProvider creates a mock provider posing as the given family.
func NewMockProvider(name string, dimensions int) *MockProvider {
	if dimensions <= 0 {
		dimensions = 1536
	}
	return &MockProvider{ProviderName: name, Dimensions: dimensions}
}

// Name implements Provider.
func (p *MockProvider) Name() string { return p.ProviderName }

// Complete implements Provider.
func (p *MockProvider) Complete(ctx context.Context, req CompletionRequest) (*Response, error) {
	p.Calls.Add(1)

	content := "{}"
	if p.CompleteFn != nil {
		var err error
		content, err = p.CompleteFn(req)
		if err != nil {
			return nil, err
		}
	}

	inputTokens := 0
	for _, m := range req.Messages {
		inputTokens += len(m.Content) / 4
	}
	return &Response{
		Content:      content,
		Model:        req.Model,
		Provider:     p.ProviderName,
		InputTokens:  inputTokens,
		OutputTokens: len(content) / 4,
		FinishReason: "stop",
	}, nil
}

// Stream implements Provider by emitting the whole completion as one chunk.
func (p *MockProvider) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make(chan StreamChunk, 1)
	out <- StreamChunk{Text: resp.Content}
	close(out)
	return out, nil
}

// Embed implements Provider with deterministic hash-derived unit vectors.
func (p *MockProvider) Embed(ctx context.Context, texts []string, model string, dimensions int) (*EmbeddingResponse, error) {
	p.Calls.Add(1)
	if dimensions <= 0 {
		dimensions = p.Dimensions
	}

	embeddings := make([][]float32, len(texts))
	tokens := 0
	for i, text := range texts {
		embeddings[i] = deterministicVector(text, dimensions)
		tokens += len(text) / 4
	}
	return &EmbeddingResponse{Embeddings: embeddings, Model: model, Tokens: tokens}, nil
}

// deterministicVector expands the sha256 of text into a normalized vector.
func deterministicVector(text string, dimensions int) []float32 {
	seed := sha256.Sum256([]byte(text))
	v := make([]float32, dimensions)
	var sumSq float64
	for i := range v {
		b := seed[i%len(seed)]
		v[i] = (float32(b) - 127.5) / 127.5
		sumSq += float64(v[i]) * float64(v[i])
	}
	if sumSq > 0 {
		norm := float32(1.0 / math.Sqrt(sumSq))
		for i := range v {
			v[i] *= norm
		}
	}
	return v
}
