// Package provider wraps the external model endpoints behind one small
// interface. Four roles exist: openai and local speak the OpenAI-compatible
// chat-completions surface over plain HTTP; claude uses the Anthropic SDK;
// gemini uses the Google GenAI SDK. The reasoning orchestrator routes task
// types across roles and never talks to a vendor API directly.
package provider

import (
	"context"
	"errors"
	"time"
)

// Role names used by the reasoning routing table.
const (
	RoleOpenAI = "openai"
	RoleClaude = "claude"
	RoleGemini = "gemini"
	RoleLocal  = "local"
)

// Default call timeouts. Local models run on modest hardware and get the
// longer budget.
const (
	DefaultTimeout      = 120 * time.Second
	DefaultLocalTimeout = 300 * time.Second
)

// ErrNotConfigured marks a provider that is missing its API key or
// endpoint. The orchestrator treats it like any other failure and moves
// on to the fallback role.
var ErrNotConfigured = errors.New("provider not configured")

// Request is one generation call. Prompt text must already be sanitized;
// providers send it as-is.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Response carries the generated content plus accounting for the ledger
// and budget layers. CostUSD is the client's own estimate from its
// configured model's pricing.
type Response struct {
	Content    string  `json:"content"`
	TokensUsed int     `json:"tokens_used"`
	CostUSD    float64 `json:"cost_usd"`
	LatencyMS  int64   `json:"latency_ms"`
}

// Provider is a single model endpoint.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (Response, error)
}

// Options configures one endpoint. Zero values fall back to role
// conventions (env API key, default base URL, default timeout).
type Options struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

func (o Options) timeoutOr(def time.Duration) time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return def
}
