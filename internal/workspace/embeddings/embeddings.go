// Package embeddings defines the Provider port and a local,
// dependency-free fallback implementation.
package embeddings

import (
	"context"
	"errors"
)

// Provider produces fixed-dimension embeddings for text.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
	Dimension() int
	MaxBatchSize() int
}

// ErrDimensionMismatch signals a chunk's stored embedding was produced by
// a different provider/model than the one now configured; callers should
// trigger a reindex.
var ErrDimensionMismatch = errors.New("embeddings: dimension mismatch, reindex required")
