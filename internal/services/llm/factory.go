// -----------------------------------------------------------------------
// LLM Factory - provider selection by configured mode
// -----------------------------------------------------------------------

package llm

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/codestory/internal/common"
	"github.com/ternarybob/codestory/internal/interfaces"
)

// NewLLMService creates the LLM service for the configured mode. Cloud
// mode pairs Claude for chat with Gemini for embeddings; offline mode is
// fully deterministic and needs no keys.
func NewLLMService(cfg *common.Config, logger arbor.ILogger) (interfaces.LLMService, error) {
	switch cfg.LLM.Mode {
	case "offline":
		logger.Info().Str("mode", "offline").Msg("Initializing LLM service")
		return NewOfflineService(cfg.Graph.EmbeddingDim, logger), nil

	case "cloud":
		logger.Info().
			Str("mode", "cloud").
			Str("chat_model", cfg.LLM.ChatModel).
			Str("embedding_model", cfg.LLM.EmbeddingModel).
			Msg("Initializing LLM service")

		chat, err := newClaudeChat(&cfg.LLM, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create Claude chat client: %w", err)
		}
		embedder, err := newGeminiEmbedder(&cfg.LLM, cfg.Graph.EmbeddingDim, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini embedder: %w", err)
		}
		return &cloudService{chat: chat, embedder: embedder, logger: logger}, nil

	default:
		return nil, fmt.Errorf("invalid LLM mode %q: must be 'offline' or 'cloud'", cfg.LLM.Mode)
	}
}

// cloudService composes the two cloud providers behind the LLMService
// interface.
type cloudService struct {
	chat     *claudeChat
	embedder *geminiEmbedder
	logger   arbor.ILogger
}

var _ interfaces.LLMService = (*cloudService)(nil)

func (s *cloudService) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.embedder.embed(ctx, text)
}

func (s *cloudService) Chat(ctx context.Context, messages []interfaces.Message) (string, error) {
	return s.chat.chat(ctx, messages)
}

// HealthCheck probes both providers.
func (s *cloudService) HealthCheck(ctx context.Context) error {
	if err := s.embedder.healthCheck(ctx); err != nil {
		return fmt.Errorf("embedding model health check failed: %w", err)
	}
	if err := s.chat.healthCheck(ctx); err != nil {
		return fmt.Errorf("chat model health check failed: %w", err)
	}
	return nil
}

func (s *cloudService) GetMode() interfaces.LLMMode {
	return interfaces.LLMModeCloud
}

func (s *cloudService) Close() error {
	s.logger.Debug().Msg("Closing cloud LLM service")
	return nil
}
