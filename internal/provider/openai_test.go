package provider

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func chatServer(t *testing.T, status int, body string, gotReq *chatRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s, want /chat/completions", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if gotReq != nil {
			if err := json.NewDecoder(r.Body).Decode(gotReq); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
}

func TestOpenAIGenerate(t *testing.T) {
	var got chatRequest
	srv := chatServer(t, http.StatusOK, `{
		"id": "chatcmpl-1",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "restart the pod"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 40, "completion_tokens": 12, "total_tokens": 52}
	}`, &got)
	defer srv.Close()

	c := NewOpenAIClient(Options{BaseURL: srv.URL, APIKey: "k", Model: "gpt-4o"}, nil)
	resp, err := c.Generate(context.Background(), Request{
		System:      "you are an ops agent",
		Prompt:      "pod crashlooping",
		Temperature: 0.2,
		MaxTokens:   256,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "restart the pod" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.TokensUsed != 52 {
		t.Errorf("tokens = %d, want 52", resp.TokensUsed)
	}
	// gpt-4o: $2.50/M in, $10.00/M out.
	wantCost := 40.0/1e6*2.50 + 12.0/1e6*10.00
	if math.Abs(resp.CostUSD-wantCost) > 1e-12 {
		t.Errorf("cost = %g, want %g", resp.CostUSD, wantCost)
	}
	if resp.LatencyMS < 0 {
		t.Errorf("latency = %d", resp.LatencyMS)
	}

	if got.Model != "gpt-4o" || got.Temperature != 0.2 || got.MaxTokens != 256 {
		t.Errorf("request = %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Role != "user" {
		t.Errorf("messages = %+v", got.Messages)
	}
}

func TestOpenAIGenerateNoSystemPrompt(t *testing.T) {
	var got chatRequest
	srv := chatServer(t, http.StatusOK, `{
		"choices": [{"message": {"content": "ok"}}]
	}`, &got)
	defer srv.Close()

	c := NewOpenAIClient(Options{BaseURL: srv.URL, APIKey: "k", Model: "gpt-4o"}, nil)
	if _, err := c.Generate(context.Background(), Request{Prompt: "hi"}); err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != "user" {
		t.Errorf("messages = %+v, want single user message", got.Messages)
	}
}

func TestOpenAIGenerateErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantSub string
	}{
		{"http error", http.StatusBadGateway, "upstream broke", "status 502"},
		{"api error body", http.StatusOK, `{"error": {"message": "rate limited", "type": "rate_limit_error"}}`, "rate limited"},
		{"no choices", http.StatusOK, `{"choices": []}`, "no choices"},
		{"malformed json", http.StatusOK, `{"choices": [`, "unmarshal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := chatServer(t, tt.status, tt.body, nil)
			defer srv.Close()

			c := NewOpenAIClient(Options{BaseURL: srv.URL, APIKey: "k", Model: "m"}, nil)
			_, err := c.Generate(context.Background(), Request{Prompt: "x"})
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("err = %v, want substring %q", err, tt.wantSub)
			}
		})
	}
}

func TestOpenAIRequiresKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	c := NewOpenAIClient(Options{BaseURL: "http://127.0.0.1:0", Model: "m"}, nil)
	_, err := c.Generate(context.Background(), Request{Prompt: "x"})
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

func TestLocalClientRunsKeyless(t *testing.T) {
	t.Setenv("AEGIS_LOCAL_API_KEY", "")
	srv := chatServer(t, http.StatusOK, `{"choices": [{"message": {"content": "local ok"}}]}`, nil)
	defer srv.Close()

	c := NewLocalClient(Options{BaseURL: srv.URL, Model: "llama"}, nil)
	if c.Name() != RoleLocal {
		t.Errorf("name = %q", c.Name())
	}
	resp, err := c.Generate(context.Background(), Request{Prompt: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "local ok" {
		t.Errorf("content = %q", resp.Content)
	}
	// No usage block in the reply: tokens are estimated, never zero.
	if resp.TokensUsed == 0 {
		t.Error("tokens should be estimated when the server reports no usage")
	}
	if resp.CostUSD <= 0 {
		t.Errorf("cost = %g, want > 0", resp.CostUSD)
	}
}

func TestOpenAIContextCancellation(t *testing.T) {
	srv := chatServer(t, http.StatusOK, `{"choices": [{"message": {"content": "x"}}]}`, nil)
	defer srv.Close()

	c := NewOpenAIClient(Options{BaseURL: srv.URL, APIKey: "k", Model: "m"}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Generate(ctx, Request{Prompt: "x"}); err == nil {
		t.Error("expected error from canceled context")
	}
}
