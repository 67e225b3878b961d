package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aegisops/aegis/internal/cost"
)

// OpenAIClient speaks the OpenAI-compatible /chat/completions surface.
// It backs both the openai and local roles; anything that exposes the
// same API (vLLM, Ollama, LiteLLM) works as the local role.
type OpenAIClient struct {
	role       string
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// chatRequest is the request body for /chat/completions.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse is the response body from /chat/completions.
type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// NewOpenAIClient builds the openai-role client. An empty API key falls
// back to OPENAI_API_KEY.
func NewOpenAIClient(opts Options, logger *slog.Logger) *OpenAIClient {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openai.com/v1"
	}
	if opts.APIKey == "" {
		opts.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	return newChatClient(RoleOpenAI, opts, opts.timeoutOr(DefaultTimeout), logger)
}

// NewLocalClient builds the local-role client. Local servers commonly run
// keyless, so a missing key is not an error here.
func NewLocalClient(opts Options, logger *slog.Logger) *OpenAIClient {
	if opts.BaseURL == "" {
		opts.BaseURL = "http://localhost:11434/v1"
	}
	if opts.APIKey == "" {
		opts.APIKey = os.Getenv("AEGIS_LOCAL_API_KEY")
	}
	return newChatClient(RoleLocal, opts, opts.timeoutOr(DefaultLocalTimeout), logger)
}

func newChatClient(role string, opts Options, timeout time.Duration, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{
		role:    role,
		baseURL: opts.BaseURL,
		apiKey:  opts.APIKey,
		model:   opts.Model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With("component", "provider."+role),
	}
}

// Name returns the routing role this client serves.
func (c *OpenAIClient) Name() string {
	return c.role
}

// Generate sends one chat completion and returns the assistant text.
func (c *OpenAIClient) Generate(ctx context.Context, req Request) (Response, error) {
	if c.apiKey == "" && c.role != RoleLocal {
		return Response{}, fmt.Errorf("%s: %w: api key missing", c.role, ErrNotConfigured)
	}

	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return Response{}, fmt.Errorf("%s: marshal request: %w", c.role, err)
	}

	url := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("%s: create request: %w", c.role, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("%s: request failed: %w", c.role, err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("%s: read response: %w", c.role, err)
	}
	latency := time.Since(start).Milliseconds()

	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("%s: status %d: %s", c.role, resp.StatusCode, truncateBody(respBytes))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBytes, &chatResp); err != nil {
		return Response{}, fmt.Errorf("%s: unmarshal response: %w", c.role, err)
	}
	if chatResp.Error != nil {
		return Response{}, fmt.Errorf("%s: api error [%s]: %s", c.role, chatResp.Error.Type, chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return Response{}, fmt.Errorf("%s: no choices returned", c.role)
	}

	content := chatResp.Choices[0].Message.Content
	in, out := chatResp.Usage.PromptTokens, chatResp.Usage.CompletionTokens
	if in == 0 && out == 0 {
		// Some local servers omit usage.
		in = cost.EstimateTokens(req.System + req.Prompt)
		out = cost.EstimateTokens(content)
	}

	c.logger.Debug("generation complete",
		"model", c.model,
		"tokens", in+out,
		"latency_ms", latency)
	return Response{
		Content:    content,
		TokensUsed: in + out,
		CostUSD:    cost.USD(c.model, in, out),
		LatencyMS:  latency,
	}, nil
}

func truncateBody(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
