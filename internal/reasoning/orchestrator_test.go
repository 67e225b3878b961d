package reasoning

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aegisops/aegis/internal/killswitch"
	"github.com/aegisops/aegis/internal/provider"
	"github.com/aegisops/aegis/internal/sanitize"
)

type stubProvider struct {
	name    string
	content string
	err     error
	calls   int
	lastReq provider.Request
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Generate(_ context.Context, req provider.Request) (provider.Response, error) {
	s.calls++
	s.lastReq = req
	if s.err != nil {
		return provider.Response{}, s.err
	}
	return provider.Response{Content: s.content, TokensUsed: 10, LatencyMS: 5}, nil
}

func TestRouteTable(t *testing.T) {
	tests := []struct {
		task     TaskType
		primary  string
		fallback string
	}{
		{TaskReasoning, provider.RoleOpenAI, provider.RoleClaude},
		{TaskRootCause, provider.RoleOpenAI, provider.RoleClaude},
		{TaskRiskAssessment, provider.RoleOpenAI, provider.RoleClaude},
		{TaskPrioritization, provider.RoleOpenAI, provider.RoleClaude},
		{TaskExplanation, provider.RoleOpenAI, provider.RoleClaude},
		{TaskCVELookup, provider.RoleGemini, provider.RoleOpenAI},
		{TaskStandardsCheck, provider.RoleGemini, provider.RoleOpenAI},
		{TaskSearch, provider.RoleGemini, provider.RoleOpenAI},
		{TaskCodeGeneration, provider.RoleClaude, provider.RoleOpenAI},
		{TaskCode, provider.RoleClaude, provider.RoleOpenAI},
		{TaskTestGeneration, provider.RoleClaude, provider.RoleOpenAI},
		{TaskConfigGeneration, provider.RoleClaude, provider.RoleOpenAI},
		{TaskGeneral, provider.RoleOpenAI, provider.RoleGemini},
		{TaskChat, provider.RoleOpenAI, provider.RoleLocal},
		{TaskType("imaginary"), provider.RoleOpenAI, provider.RoleGemini},
	}
	for _, tt := range tests {
		t.Run(string(tt.task), func(t *testing.T) {
			p, f := Route(tt.task)
			if p != tt.primary || f != tt.fallback {
				t.Errorf("Route(%s) = (%s, %s), want (%s, %s)", tt.task, p, f, tt.primary, tt.fallback)
			}
		})
	}
}

func TestGeneratePrimary(t *testing.T) {
	o := NewOrchestrator(nil, nil, nil)
	primary := &stubProvider{name: provider.RoleOpenAI, content: "answer"}
	fallback := &stubProvider{name: provider.RoleClaude, content: "never"}
	o.Register(primary)
	o.Register(fallback)

	resp, role, err := o.Generate(context.Background(), TaskReasoning, provider.Request{Prompt: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if role != provider.RoleOpenAI || resp.Content != "answer" {
		t.Errorf("role = %s content = %q", role, resp.Content)
	}
	if fallback.calls != 0 {
		t.Errorf("fallback called %d times on primary success", fallback.calls)
	}
}

func TestGenerateFailover(t *testing.T) {
	o := NewOrchestrator(nil, nil, nil)
	o.Register(&stubProvider{name: provider.RoleOpenAI, err: errors.New("upstream down")})
	o.Register(&stubProvider{name: provider.RoleClaude, content: "rescued"})

	resp, role, err := o.Generate(context.Background(), TaskReasoning, provider.Request{Prompt: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if role != provider.RoleClaude || resp.Content != "rescued" {
		t.Errorf("role = %s content = %q, want claude fallback", role, resp.Content)
	}
}

func TestGenerateBothFail(t *testing.T) {
	o := NewOrchestrator(nil, nil, nil)
	o.Register(&stubProvider{name: provider.RoleOpenAI, err: errors.New("a broke")})
	o.Register(&stubProvider{name: provider.RoleClaude, err: errors.New("b broke")})

	_, _, err := o.Generate(context.Background(), TaskReasoning, provider.Request{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error when both roles fail")
	}
	if !strings.Contains(err.Error(), "a broke") || !strings.Contains(err.Error(), "b broke") {
		t.Errorf("err = %v, want both failures named", err)
	}
}

func TestGenerateUnregisteredRole(t *testing.T) {
	o := NewOrchestrator(nil, nil, nil)
	o.Register(&stubProvider{name: provider.RoleClaude, content: "only fallback"})

	resp, role, err := o.Generate(context.Background(), TaskReasoning, provider.Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("missing primary should fail over, got %v", err)
	}
	if role != provider.RoleClaude || resp.Content != "only fallback" {
		t.Errorf("role = %s content = %q", role, resp.Content)
	}
}

func TestGenerateKillSwitch(t *testing.T) {
	kill := killswitch.New("", nil)
	kill.TriggerGlobal("test", "operator")
	o := NewOrchestrator(nil, kill, nil)
	o.Register(&stubProvider{name: provider.RoleOpenAI, content: "x"})

	if _, _, err := o.Generate(context.Background(), TaskReasoning, provider.Request{Prompt: "hi"}); err == nil {
		t.Error("expected error while kill switch active")
	}
}

func TestGenerateSanitizesPrompt(t *testing.T) {
	s := sanitize.New(sanitize.Config{}, nil)
	o := NewOrchestrator(s, nil, nil)
	p := &stubProvider{name: provider.RoleOpenAI, content: "ok"}
	o.Register(p)
	o.Register(&stubProvider{name: provider.RoleClaude, content: "ok"})

	_, _, err := o.Generate(context.Background(), TaskReasoning, provider.Request{
		System: "api_key=sk_live_abcdef123456 must never leak",
		Prompt: "logs show password=hunter2b failing on 10.0.0.1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(p.lastReq.Prompt, "hunter2b") || strings.Contains(p.lastReq.Prompt, "10.0.0.1") {
		t.Errorf("prompt reached provider unsanitized: %q", p.lastReq.Prompt)
	}
	if strings.Contains(p.lastReq.System, "sk_live_abcdef123456") {
		t.Errorf("system reached provider unsanitized: %q", p.lastReq.System)
	}
}

func TestGenerateBlocksRestrictedPrompt(t *testing.T) {
	s := sanitize.New(sanitize.Config{StrictMode: true}, nil)
	o := NewOrchestrator(s, nil, nil)
	p := &stubProvider{name: provider.RoleOpenAI, content: "ok"}
	o.Register(p)

	_, _, err := o.Generate(context.Background(), TaskReasoning, provider.Request{
		Prompt: "key dump: api_key=sk_live_abcdef123456",
	})
	if err == nil {
		t.Fatal("expected blocked prompt to error")
	}
	if p.calls != 0 {
		t.Errorf("provider called %d times with blocked content", p.calls)
	}
}
