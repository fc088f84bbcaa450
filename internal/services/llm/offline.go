// -----------------------------------------------------------------------
// Offline Provider - deterministic local stand-ins for LLM operations
// -----------------------------------------------------------------------

package llm

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/zeebo/blake3"

	"github.com/ternarybob/codestory/internal/interfaces"
)

// OfflineService is a deterministic LLMService: embeddings are derived
// from a content hash and chat responses are templated extracts. The same
// input always yields the same output, which is what pipeline tests and
// keyless environments need.
type OfflineService struct {
	dimension int
	logger    arbor.ILogger
}

var _ interfaces.LLMService = (*OfflineService)(nil)

// NewOfflineService creates the offline provider.
func NewOfflineService(dimension int, logger arbor.ILogger) *OfflineService {
	return &OfflineService{dimension: dimension, logger: logger}
}

// Embed derives a unit-normalized vector from the text's hash. Equal
// texts embed identically; unrelated texts are near-orthogonal.
func (s *OfflineService) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("text cannot be empty for embedding generation")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := blake3.New()
	h.Write([]byte(text))
	seed := h.Sum(nil)

	vec := make([]float32, s.dimension)
	var norm float64
	for i := 0; i < s.dimension; i++ {
		// Stretch the 32-byte digest over the dimension by re-hashing
		// the index with the seed.
		ih := blake3.New()
		ih.Write(seed)
		var idx [8]byte
		binary.LittleEndian.PutUint64(idx[:], uint64(i))
		ih.Write(idx[:])
		sum := ih.Sum(nil)
		v := float64(int64(binary.LittleEndian.Uint64(sum[:8]))) / math.MaxInt64
		vec[i] = float32(v)
		norm += v * v
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

// Chat returns a templated summary built from the final user message:
// the first sentences of the content, clipped. Deterministic by
// construction.
func (s *OfflineService) Chat(ctx context.Context, messages []interfaces.Message) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("messages cannot be empty for chat completion")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var content string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			content = messages[i].Content
			break
		}
	}
	if content == "" {
		return "", fmt.Errorf("at least one message must have role 'user'")
	}

	lines := strings.Split(content, "\n")
	var kept []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Source:") {
			continue
		}
		kept = append(kept, line)
		if len(kept) >= 3 {
			break
		}
	}
	summary := strings.Join(kept, " ")
	if len(summary) > 400 {
		summary = summary[:400]
	}
	return "Offline summary: " + summary, nil
}

// HealthCheck always passes; there is nothing remote to probe.
func (s *OfflineService) HealthCheck(ctx context.Context) error {
	return nil
}

// GetMode reports the offline mode.
func (s *OfflineService) GetMode() interfaces.LLMMode {
	return interfaces.LLMModeOffline
}

// Close releases nothing.
func (s *OfflineService) Close() error {
	return nil
}
