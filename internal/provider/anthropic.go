package provider

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/aegisops/aegis/internal/cost"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicClient serves the claude role through the official SDK.
type AnthropicClient struct {
	client  anthropic.Client
	model   string
	timeout time.Duration
	hasKey  bool
	logger  *slog.Logger
}

// NewAnthropicClient builds the claude-role client. An empty API key
// falls back to ANTHROPIC_API_KEY.
func NewAnthropicClient(opts Options, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	key := opts.APIKey
	if key == "" {
		key = os.Getenv("ANTHROPIC_API_KEY")
	}
	return &AnthropicClient{
		client:  anthropic.NewClient(option.WithAPIKey(key)),
		model:   opts.Model,
		timeout: opts.timeoutOr(DefaultTimeout),
		hasKey:  key != "",
		logger:  logger.With("component", "provider.claude"),
	}
}

// Name returns the routing role this client serves.
func (c *AnthropicClient) Name() string {
	return RoleClaude
}

// Generate sends one Messages API call and concatenates the text blocks.
func (c *AnthropicClient) Generate(ctx context.Context, req Request) (Response, error) {
	if !c.hasKey {
		return Response{}, fmt.Errorf("claude: %w: api key missing", ErrNotConfigured)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	start := time.Now()
	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("claude: %w", err)
	}
	latency := time.Since(start).Milliseconds()

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return Response{}, fmt.Errorf("claude: response contained no text blocks")
	}

	in, out := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)
	c.logger.Debug("generation complete", "model", c.model, "tokens", in+out, "latency_ms", latency)
	return Response{
		Content:    sb.String(),
		TokensUsed: in + out,
		CostUSD:    cost.USD(c.model, in, out),
		LatencyMS:  latency,
	}, nil
}
