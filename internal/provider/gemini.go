package provider

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/aegisops/aegis/internal/cost"
)

// GeminiClient serves the gemini role through the Google GenAI SDK.
type GeminiClient struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewGeminiClient builds the gemini-role client. An empty API key falls
// back to GEMINI_API_KEY then GOOGLE_API_KEY. Returns ErrNotConfigured
// when no key can be found.
func NewGeminiClient(ctx context.Context, opts Options, logger *slog.Logger) (*GeminiClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	key := opts.APIKey
	if key == "" {
		key = os.Getenv("GEMINI_API_KEY")
	}
	if key == "" {
		key = os.Getenv("GOOGLE_API_KEY")
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: %w: api key missing", ErrNotConfigured)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: key})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &GeminiClient{
		client:  client,
		model:   opts.Model,
		timeout: opts.timeoutOr(DefaultTimeout),
		logger:  logger.With("component", "provider.gemini"),
	}, nil
}

// Name returns the routing role this client serves.
func (c *GeminiClient) Name() string {
	return RoleGemini
}

// Generate sends one GenerateContent call and concatenates the text parts
// of the first candidate.
func (c *GeminiClient) Generate(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	contents := []*genai.Content{
		genai.NewContentFromText(req.Prompt, genai.RoleUser),
	}

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return Response{}, fmt.Errorf("gemini: %w", err)
	}
	latency := time.Since(start).Milliseconds()

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return Response{}, fmt.Errorf("gemini: empty response")
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	if sb.Len() == 0 {
		return Response{}, fmt.Errorf("gemini: response contained no text parts")
	}

	in, out := 0, 0
	if resp.UsageMetadata != nil {
		in = int(resp.UsageMetadata.PromptTokenCount)
		out = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	c.logger.Debug("generation complete", "model", c.model, "tokens", in+out, "latency_ms", latency)
	return Response{
		Content:    sb.String(),
		TokensUsed: in + out,
		CostUSD:    cost.USD(c.model, in, out),
		LatencyMS:  latency,
	}, nil
}
