package llm

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/codestory/internal/interfaces"
)

func TestOfflineService_EmbedIsDeterministic(t *testing.T) {
	svc := NewOfflineService(64, arbor.NewLogger())
	ctx := context.Background()

	a, err := svc.Embed(ctx, "func main() {}")
	require.NoError(t, err)
	require.Len(t, a, 64)

	b, err := svc.Embed(ctx, "func main() {}")
	require.NoError(t, err)
	assert.Equal(t, a, b, "equal inputs embed identically")

	c, err := svc.Embed(ctx, "def main(): pass")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestOfflineService_EmbedIsUnitNormalized(t *testing.T) {
	svc := NewOfflineService(128, arbor.NewLogger())

	vec, err := svc.Embed(context.Background(), "some text to embed")
	require.NoError(t, err)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-4)
}

func TestOfflineService_EmbedRejectsEmptyText(t *testing.T) {
	svc := NewOfflineService(8, arbor.NewLogger())
	_, err := svc.Embed(context.Background(), "")
	assert.Error(t, err)
}

func TestOfflineService_ChatIsDeterministic(t *testing.T) {
	svc := NewOfflineService(8, arbor.NewLogger())
	msgs := []interfaces.Message{
		{Role: "system", Content: "You summarize code."},
		{Role: "user", Content: "Summarize the function \"parse\".\n\nSource:\ndef parse(): ...\n\nIt builds a tree.\n"},
	}

	first, err := svc.Chat(context.Background(), msgs)
	require.NoError(t, err)
	second, err := svc.Chat(context.Background(), msgs)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Contains(t, first, "Offline summary:")
	assert.NotContains(t, first, "Source:", "the source marker line is excluded from the reply")
}

func TestOfflineService_ChatRequiresUserMessage(t *testing.T) {
	svc := NewOfflineService(8, arbor.NewLogger())

	_, err := svc.Chat(context.Background(), nil)
	assert.Error(t, err)

	_, err = svc.Chat(context.Background(), []interfaces.Message{{Role: "system", Content: "x"}})
	assert.Error(t, err)
}

func TestOfflineService_ModeAndHealth(t *testing.T) {
	svc := NewOfflineService(8, arbor.NewLogger())
	assert.Equal(t, interfaces.LLMModeOffline, svc.GetMode())
	assert.NoError(t, svc.HealthCheck(context.Background()))
	assert.NoError(t, svc.Close())
}

func TestRetry_ExtractRetryDelay(t *testing.T) {
	assert.Equal(t, 0, int(extractRetryDelay(nil)))
	assert.Equal(t, 0, int(extractRetryDelay(assert.AnError)))

	assert.Equal(t, 7*time.Second, extractRetryDelay(errorString("429: Please retry in 7s")))
	assert.Equal(t, 1500*time.Millisecond, extractRetryDelay(errorString("retryDelay: 1.5s")))
}

func TestRetry_IsRateLimitError(t *testing.T) {
	assert.False(t, isRateLimitError(nil))
	assert.False(t, isRateLimitError(assert.AnError))
	assert.True(t, isRateLimitError(errorString("429 Too Many Requests")))
	assert.True(t, isRateLimitError(errorString("RESOURCE_EXHAUSTED: quota exceeded")))
}

func TestRetry_BackoffUsesProviderDelay(t *testing.T) {
	cfg := newRetryConfig(3)

	base := cfg.calculateBackoff(0, 0)
	assert.Equal(t, cfg.initialBackoff, base)

	withHint := cfg.calculateBackoff(0, 20e9)
	assert.Equal(t, int64(22e9), int64(withHint), "provider hint plus padding")

	capped := cfg.calculateBackoff(10, 0)
	assert.Equal(t, cfg.maxBackoff, capped)
}

type errorString string

func (e errorString) Error() string { return string(e) }
