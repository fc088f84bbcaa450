// -----------------------------------------------------------------------
// Gemini Embedder - embedding vectors via the Gemini API
// -----------------------------------------------------------------------

package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"google.golang.org/genai"

	"github.com/ternarybob/codestory/internal/common"
	"github.com/ternarybob/codestory/internal/models"
)

const (
	defaultEmbedModel = "gemini-embedding-001"
	embedTimeout      = 30 * time.Second
)

// geminiEmbedder generates embeddings with a configured output dimension.
type geminiEmbedder struct {
	client    *genai.Client
	model     string
	dimension int
	retry     *retryConfig
	logger    arbor.ILogger
}

func newGeminiEmbedder(cfg *common.LLMConfig, dimension int, logger arbor.ILogger) (*geminiEmbedder, error) {
	if cfg.GeminiKey == "" {
		return nil, fmt.Errorf("Gemini API key is required for cloud mode (set GEMINI_API_KEY or llm.gemini_key)")
	}
	model := cfg.EmbeddingModel
	if model == "" {
		model = defaultEmbedModel
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.GeminiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize genai client: %w", err)
	}

	return &geminiEmbedder{
		client:    client,
		model:     model,
		dimension: dimension,
		retry:     newRetryConfig(cfg.MaxRetries),
		logger:    logger,
	}, nil
}

// embed generates one embedding, retrying rate-limit rejections.
func (g *geminiEmbedder) embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, &models.PipelineError{Kind: models.ErrLLM, Message: "text cannot be empty for embedding"}
	}

	outputDim := int32(g.dimension)
	config := &genai.EmbedContentConfig{OutputDimensionality: &outputDim}

	var embedding []float32
	err := g.retry.do(ctx, g.logger, "gemini embed", func() error {
		timeoutCtx, cancel := context.WithTimeout(ctx, embedTimeout)
		defer cancel()

		result, err := g.client.Models.EmbedContent(timeoutCtx, g.model,
			[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}, config)
		if err != nil {
			return err
		}
		if result == nil || len(result.Embeddings) == 0 || len(result.Embeddings[0].Values) == 0 {
			return fmt.Errorf("no embedding returned")
		}
		embedding = result.Embeddings[0].Values
		return nil
	})
	if err != nil {
		return nil, &models.PipelineError{Kind: models.ErrLLM, Message: "embedding generation failed", Cause: err}
	}
	return embedding, nil
}

// healthCheck probes the embedding model.
func (g *geminiEmbedder) healthCheck(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	embedding, err := g.embed(probeCtx, "health check probe")
	if err != nil {
		return fmt.Errorf("embedding probe failed: %w", err)
	}
	if len(embedding) == 0 {
		return fmt.Errorf("embedding probe returned empty vector")
	}
	return nil
}
