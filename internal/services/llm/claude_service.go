// -----------------------------------------------------------------------
// Claude Service - chat completions via the Anthropic API
// -----------------------------------------------------------------------

package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/codestory/internal/common"
	"github.com/ternarybob/codestory/internal/interfaces"
	"github.com/ternarybob/codestory/internal/models"
)

const (
	defaultChatModel = "claude-sonnet-4-5"
	chatTimeout      = 120 * time.Second
	chatMaxTokens    = 2048
)

// claudeChat generates summaries through the Anthropic messages API.
type claudeChat struct {
	client anthropic.Client
	model  string
	retry  *retryConfig
	logger arbor.ILogger
}

func newClaudeChat(cfg *common.LLMConfig, logger arbor.ILogger) (*claudeChat, error) {
	if cfg.AnthropicKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required for cloud mode (set ANTHROPIC_API_KEY or llm.anthropic_key)")
	}
	model := cfg.ChatModel
	if model == "" {
		model = defaultChatModel
	}
	return &claudeChat{
		client: anthropic.NewClient(option.WithAPIKey(cfg.AnthropicKey)),
		model:  model,
		retry:  newRetryConfig(cfg.MaxRetries),
		logger: logger,
	}, nil
}

// chat runs one completion with rate-limit aware retries.
func (c *claudeChat) chat(ctx context.Context, messages []interfaces.Message) (string, error) {
	claudeMessages, systemText, err := convertMessages(messages)
	if err != nil {
		return "", &models.PipelineError{Kind: models.ErrLLM, Message: "invalid chat request", Cause: err}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: chatMaxTokens,
		Messages:  claudeMessages,
	}
	if systemText != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemText}}
	}

	var response string
	err = c.retry.do(ctx, c.logger, "claude chat", func() error {
		timeoutCtx, cancel := context.WithTimeout(ctx, chatTimeout)
		defer cancel()

		resp, err := c.client.Messages.New(timeoutCtx, params)
		if err != nil {
			return err
		}

		var b strings.Builder
		for _, block := range resp.Content {
			if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
				b.WriteString(variant.Text)
			}
		}
		if b.Len() == 0 {
			return fmt.Errorf("no response generated")
		}
		response = b.String()
		return nil
	})
	if err != nil {
		return "", &models.PipelineError{Kind: models.ErrLLM, Message: "chat completion failed", Cause: err}
	}
	return response, nil
}

// healthCheck probes the messages API with a minimal request.
func (c *claudeChat) healthCheck(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	response, err := c.chat(probeCtx, []interfaces.Message{{Role: "user", Content: "ping"}})
	if err != nil {
		return fmt.Errorf("Claude probe failed: %w", err)
	}
	if strings.TrimSpace(response) == "" {
		return fmt.Errorf("Claude probe returned empty response")
	}
	return nil
}

// convertMessages maps the neutral message format to Claude's, extracting
// the first system message for the System parameter.
func convertMessages(messages []interfaces.Message) ([]anthropic.MessageParam, string, error) {
	if len(messages) == 0 {
		return nil, "", fmt.Errorf("messages cannot be empty")
	}

	hasUser := false
	out := make([]anthropic.MessageParam, 0, len(messages))
	var systemText string
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			if systemText == "" {
				systemText = msg.Content
			}
		case "assistant":
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			hasUser = hasUser || msg.Role == "user"
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	if !hasUser {
		return nil, "", fmt.Errorf("at least one message must have role 'user'")
	}
	return out, systemText, nil
}
