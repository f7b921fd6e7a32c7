package embeddings

import "context"

// Stub is a scriptable test provider: it returns the canned vector for a
// text when one is registered and a zero vector otherwise.
type Stub struct {
	Dim     int
	Vectors map[string][]float32
}

// NewStub returns a Stub with the given dimension.
func NewStub(dim int) *Stub {
	if dim <= 0 {
		dim = 8
	}
	return &Stub{Dim: dim, Vectors: make(map[string][]float32)}
}

// Set registers the vector returned for text.
func (s *Stub) Set(text string, vec []float32) { s.Vectors[text] = vec }

func (s *Stub) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := s.Vectors[text]; ok {
		return v, nil
	}
	return make([]float32, s.Dim), nil
}

func (s *Stub) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *Stub) Name() string      { return "stub" }
func (s *Stub) Dimension() int    { return s.Dim }
func (s *Stub) MaxBatchSize() int { return 64 }
