// Package executor runs registered tool functions and guarantees that
// every invocation yields an Outcome: domain failures, unknown tools, and
// panics all come back as failed outcomes, never as Go errors or crashes.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aegisops/aegis/internal/incident"
)

// ExecutionModeKey is the reserved argument key carrying the execution
// mode. Tool functions must honor it; the shadow runner injects ModeShadow.
const ExecutionModeKey = "_execution_mode"

// Execution modes.
const (
	ModeProd   = "prod"
	ModeShadow = "shadow"
)

// Func implements one tool. It reports domain failures through
// Outcome.Error and must leave Success false for them.
type Func func(ctx context.Context, args map[string]any) incident.Outcome

// Executor dispatches tool invocations to registered functions.
type Executor struct {
	mu     sync.RWMutex
	funcs  map[string]Func
	logger *slog.Logger
}

// New builds an empty Executor.
func New(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		funcs:  make(map[string]Func),
		logger: logger.With("component", "executor"),
	}
}

// Register binds a tool id to its implementation. Re-registering an id
// replaces the previous function.
func (e *Executor) Register(toolID string, fn Func) error {
	if toolID == "" {
		return fmt.Errorf("executor: empty tool id")
	}
	if fn == nil {
		return fmt.Errorf("executor: nil func for tool %s", toolID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.funcs[toolID]; exists {
		e.logger.Warn("replacing tool implementation", "tool", toolID)
	}
	e.funcs[toolID] = fn
	return nil
}

// Registered lists the bound tool ids, sorted.
func (e *Executor) Registered() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.funcs))
	for id := range e.funcs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Has reports whether a tool id has an implementation.
func (e *Executor) Has(toolID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.funcs[toolID]
	return ok
}

// Execute runs one tool. It never returns a Go error and never panics:
// unknown tools and panicking implementations yield failed outcomes.
// ExecutionTimeMS is filled with the measured wall time unless the tool
// already set it.
func (e *Executor) Execute(ctx context.Context, toolID string, args map[string]any) (out incident.Outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool panicked", "tool", toolID, "panic", r)
			out = incident.Outcome{
				Success: false,
				Error:   fmt.Sprintf("panic in tool %s: %v", toolID, r),
				// The tool died mid-flight; assume it touched something.
				SideEffects: true,
			}
		}
		if out.ExecutionTimeMS == 0 {
			out.ExecutionTimeMS = time.Since(start).Milliseconds()
		}
	}()

	e.mu.RLock()
	fn, ok := e.funcs[toolID]
	e.mu.RUnlock()
	if !ok {
		return incident.Outcome{
			Success: false,
			Error:   fmt.Sprintf("no executor registered for tool %s", toolID),
		}
	}
	if err := ctx.Err(); err != nil {
		return incident.Outcome{
			Success: false,
			Error:   fmt.Sprintf("execution canceled before start: %v", err),
		}
	}

	mode := ModeProd
	if m, ok := args[ExecutionModeKey].(string); ok && m != "" {
		mode = m
	}
	e.logger.Debug("executing tool", "tool", toolID, "mode", mode)
	return fn(ctx, args)
}
