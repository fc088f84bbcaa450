// -----------------------------------------------------------------------
// Provider retry - rate-limit aware backoff for LLM API calls
// -----------------------------------------------------------------------

package llm

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
)

// retryConfig bounds retries against provider rate limits. Providers
// signal 429 with a suggested delay; that delay wins over the default
// backoff when present.
type retryConfig struct {
	maxRetries        int
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
}

func newRetryConfig(maxRetries int) *retryConfig {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &retryConfig{
		maxRetries:        maxRetries,
		initialBackoff:    10 * time.Second,
		maxBackoff:        90 * time.Second,
		backoffMultiplier: 1.5,
	}
}

// do runs fn, retrying rate-limit rejections up to the bound. Other
// errors return immediately; the caller's policy decides what to do.
func (c *retryConfig) do(ctx context.Context, logger arbor.ILogger, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isRateLimitError(lastErr) || attempt == c.maxRetries {
			return lastErr
		}

		backoff := c.calculateBackoff(attempt, extractRetryDelay(lastErr))
		logger.Warn().
			Str("operation", op).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Err(lastErr).
			Msg("Rate limited, backing off")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// isRateLimitError matches 429 status codes and quota exhaustion.
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "RESOURCE_EXHAUSTED") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "quota")
}

// retryDelayRegex matches "Please retry in Xs" or "retryDelay:Xs" hints.
var retryDelayRegex = regexp.MustCompile(`(?i)(?:Please retry in |retryDelay[:\s]+)(\d+(?:\.\d+)?)\s*s`)

// extractRetryDelay parses a provider-suggested retry delay, or zero.
func extractRetryDelay(err error) time.Duration {
	if err == nil {
		return 0
	}
	matches := retryDelayRegex.FindStringSubmatch(err.Error())
	if len(matches) < 2 {
		return 0
	}
	seconds, parseErr := strconv.ParseFloat(matches[1], 64)
	if parseErr != nil {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// calculateBackoff applies the multiplier over the provider-suggested
// delay when present, the default otherwise, capped at maxBackoff.
func (c *retryConfig) calculateBackoff(attempt int, apiDelay time.Duration) time.Duration {
	base := c.initialBackoff
	if apiDelay > 0 {
		base = apiDelay + 2*time.Second
	}
	multiplier := 1.0
	for i := 0; i < attempt; i++ {
		multiplier *= c.backoffMultiplier
	}
	backoff := time.Duration(float64(base) * multiplier)
	if backoff > c.maxBackoff {
		backoff = c.maxBackoff
	}
	return backoff
}
