// -----------------------------------------------------------------------
// Embedding Service - dimension normalization over the LLM provider
// -----------------------------------------------------------------------

package embeddings

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/codestory/internal/interfaces"
)

// Service adapts the LLM provider's embeddings to the graph's configured
// dimension: provider output is truncated or zero-padded so every stored
// vector is comparable.
type Service struct {
	llm       interfaces.LLMService
	dimension int
	logger    arbor.ILogger
}

var _ interfaces.EmbeddingService = (*Service)(nil)

// NewService creates the embedding service.
func NewService(llm interfaces.LLMService, dimension int, logger arbor.ILogger) *Service {
	return &Service{llm: llm, dimension: dimension, logger: logger}
}

// GenerateEmbedding embeds text and normalizes the vector length.
func (s *Service) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	vec, err := s.llm.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to generate embedding: %w", err)
	}

	if len(vec) == s.dimension {
		return vec, nil
	}
	s.logger.Debug().
		Int("provider_dim", len(vec)).
		Int("target_dim", s.dimension).
		Msg("Normalizing embedding dimension")

	out := make([]float32, s.dimension)
	copy(out, vec)
	return out, nil
}

// Dimension returns the configured embedding dimension.
func (s *Service) Dimension() int {
	return s.dimension
}
