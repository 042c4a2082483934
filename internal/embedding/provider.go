package embedding

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mohammad-safakhou/paperbase/config"
)

// Provider maps batches of text to fixed-length vectors. Implementations
// must return one vector per input, in input order.
type Provider interface {
	Embed(ctx context.Context, model string, inputs []string) ([][]float32, error)
}

// OpenAIProvider calls an OpenAI-compatible embeddings endpoint. It is safe
// for concurrent use; the underlying client holds no per-request state.
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider builds a provider from embedding config. BaseURL allows
// pointing at self-hosted OpenAI-compatible servers that expose
// sentence-transformer models.
func NewOpenAIProvider(cfg config.EmbeddingConfig) (*OpenAIProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("embedding api_key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(clientCfg)}, nil
}

// Embed requests embeddings for the given inputs.
func (p *OpenAIProvider) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: inputs,
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("embedding response count mismatch: got %d for %d inputs", len(resp.Data), len(inputs))
	}
	out := make([][]float32, len(inputs))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(out) {
			return nil, fmt.Errorf("embedding response index %d out of range", item.Index)
		}
		out[item.Index] = item.Embedding
	}
	return out, nil
}
