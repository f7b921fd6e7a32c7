// Package remote implements the remote-API embeddings provider.
package remote

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/danielsimonjr/ironclaw/internal/workspace/embeddings"
)

// OpenAIConfig configures the remote OpenAI embedding provider.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAI implements embeddings.Provider over the Embeddings API.
type OpenAI struct {
	client *openai.Client
	model  string
}

var _ embeddings.Provider = (*OpenAI)(nil)

// NewOpenAI constructs a remote embedding provider.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("embeddings: openai api key required")
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	occ := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		occ.BaseURL = cfg.BaseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(occ), model: cfg.Model}, nil
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) Dimension() int {
	switch p.model {
	case "text-embedding-3-large":
		return 3072
	default:
		return 1536
	}
}

func (p *OpenAI) MaxBatchSize() int { return 512 }

func (p *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (p *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(p.model),
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings: openai: %w", err)
	}
	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		out[d.Index] = d.Embedding
	}
	return out, nil
}
