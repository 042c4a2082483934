// Package embedding maps chunk text to fixed-dimension float vectors behind
// an injected provider, with batching and truncation policy.
package embedding

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mohammad-safakhou/paperbase/config"
)

// Error reports a failed embedding call. A single malformed input inside a
// batch fails the whole batch; callers retry at a coarser granularity.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("embedding %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("embedding %s failed", e.Op)
}

func (e *Error) Unwrap() error { return e.Err }

// Result is one embedded input.
type Result struct {
	Vector     []float32
	TokenCount int
	Truncated  bool
}

// Embedder applies the service embedding policy on top of a Provider: blank
// inputs become zero vectors without a model call, long inputs are truncated
// to MaxChars, and batches preserve input order.
type Embedder struct {
	provider   Provider
	model      string
	dimensions int
	maxChars   int
	batchSize  int
}

// NewEmbedder builds an Embedder. The provider is shared and read-only; one
// Embedder serves every concurrent pipeline run.
func NewEmbedder(provider Provider, cfg config.EmbeddingConfig) (*Embedder, error) {
	if provider == nil {
		return nil, fmt.Errorf("embedding provider is required")
	}
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Embedder{
		provider:   provider,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		maxChars:   cfg.MaxChars,
		batchSize:  cfg.BatchSize,
	}, nil
}

// Model returns the embedding model identifier stored with every vector.
func (e *Embedder) Model() string { return e.model }

// Dimensions returns the fixed vector length D.
func (e *Embedder) Dimensions() int { return e.dimensions }

// Embed returns the vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) (Result, error) {
	results, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return Result{}, err
	}
	return results[0], nil
}

// EmbedBatch embeds texts in provider batches of the configured size,
// returning results in input order. Any provider failure fails the whole
// call; no input is silently dropped.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([]Result, error) {
	results := make([]Result, len(texts))

	inputs := make([]string, 0, len(texts))
	positions := make([]int, 0, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			// Zero vector keeps downstream cosine similarity defined (0.0
			// against anything) without invoking the model.
			results[i] = Result{Vector: make([]float32, e.dimensions)}
			continue
		}
		truncated := false
		if len(text) > e.maxChars {
			text = truncateRunes(text, e.maxChars)
			truncated = true
		}
		results[i] = Result{TokenCount: len(strings.Fields(text)), Truncated: truncated}
		inputs = append(inputs, text)
		positions = append(positions, i)
	}
	if len(inputs) == 0 {
		return results, nil
	}

	for start := 0; start < len(inputs); start += e.batchSize {
		end := start + e.batchSize
		if end > len(inputs) {
			end = len(inputs)
		}
		vectors, err := e.provider.Embed(ctx, e.model, inputs[start:end])
		if err != nil {
			return nil, &Error{Op: "batch", Err: err}
		}
		if len(vectors) != end-start {
			return nil, &Error{Op: "batch", Err: fmt.Errorf("provider returned %d vectors for %d inputs", len(vectors), end-start)}
		}
		for i, vec := range vectors {
			if len(vec) != e.dimensions {
				return nil, &Error{Op: "batch", Err: fmt.Errorf("vector length %d, want %d", len(vec), e.dimensions)}
			}
			results[positions[start+i]].Vector = vec
		}
	}
	return results, nil
}

// truncateRunes cuts text to at most limit bytes, backing off to a rune
// boundary so the provider never receives invalid UTF-8.
func truncateRunes(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit]
}
