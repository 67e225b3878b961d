package reasoning

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/aegisops/aegis/internal/killswitch"
	"github.com/aegisops/aegis/internal/provider"
	"github.com/aegisops/aegis/internal/sanitize"
)

// Orchestrator routes generation calls to providers by task type with
// single-hop failover. Every prompt passes through the sanitizer before
// leaving the process; the kill switch is checked before each call.
type Orchestrator struct {
	mu        sync.RWMutex
	providers map[string]provider.Provider
	sanitizer *sanitize.Sanitizer
	kill      *killswitch.Switch
	logger    *slog.Logger
}

// NewOrchestrator builds an empty orchestrator; register providers before
// use. A nil sanitizer or kill switch disables that check.
func NewOrchestrator(sanitizer *sanitize.Sanitizer, kill *killswitch.Switch, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		providers: make(map[string]provider.Provider),
		sanitizer: sanitizer,
		kill:      kill,
		logger:    logger.With("component", "reasoning.orchestrator"),
	}
}

// Register adds a provider under its role name, replacing any previous
// provider for that role.
func (o *Orchestrator) Register(p provider.Provider) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.providers[p.Name()] = p
}

// Roles lists the registered provider roles, sorted.
func (o *Orchestrator) Roles() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	roles := make([]string, 0, len(o.providers))
	for r := range o.providers {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}

// Generate sanitizes the request, then calls the task's primary provider,
// falling back once on failure. Returns the response and the role that
// served it.
func (o *Orchestrator) Generate(ctx context.Context, task TaskType, req provider.Request) (provider.Response, string, error) {
	if o.kill != nil && o.kill.IsActive() {
		return provider.Response{}, "", fmt.Errorf("reasoning: kill switch active")
	}

	if o.sanitizer != nil {
		clean, err := o.sanitizeField("prompt", req.Prompt)
		if err != nil {
			return provider.Response{}, "", err
		}
		req.Prompt = clean
		if req.System != "" {
			clean, err := o.sanitizeField("system", req.System)
			if err != nil {
				return provider.Response{}, "", err
			}
			req.System = clean
		}
	}

	primary, fallback := Route(task)
	resp, err := o.call(ctx, primary, req)
	if err == nil {
		return resp, primary, nil
	}
	o.logger.Warn("primary provider failed",
		"task", task, "primary", primary, "fallback", fallback, "error", err)

	if o.kill != nil && o.kill.IsActive() {
		return provider.Response{}, "", fmt.Errorf("reasoning: kill switch active")
	}
	if ctx.Err() != nil {
		return provider.Response{}, "", fmt.Errorf("reasoning: %w", ctx.Err())
	}

	resp, ferr := o.call(ctx, fallback, req)
	if ferr == nil {
		return resp, fallback, nil
	}
	return provider.Response{}, "", fmt.Errorf("reasoning: %s failed (%v); %s failed: %w", primary, err, fallback, ferr)
}

func (o *Orchestrator) call(ctx context.Context, role string, req provider.Request) (provider.Response, error) {
	o.mu.RLock()
	p, ok := o.providers[role]
	o.mu.RUnlock()
	if !ok {
		return provider.Response{}, fmt.Errorf("%s: %w", role, provider.ErrNotConfigured)
	}
	return p.Generate(ctx, req)
}

// sanitizeField redacts one outbound field and refuses blocked content.
func (o *Orchestrator) sanitizeField(field, text string) (string, error) {
	res := o.sanitizer.Sanitize(text)
	if res.Blocked {
		return "", fmt.Errorf("reasoning: %s blocked by sanitizer (hash %s)", field, res.OriginalHash[:12])
	}
	return res.Sanitized, nil
}
