// Package shadow validates risky actions against a digital twin before
// they touch production. A simulation runs the real tool implementation
// with the execution mode forced to shadow, so side effects land inside
// the twin boundary, and scores the result exactly as a production run
// would be scored.
package shadow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aegisops/aegis/internal/executor"
	"github.com/aegisops/aegis/internal/incident"
	"github.com/aegisops/aegis/internal/outcome"
	"github.com/aegisops/aegis/internal/registry"
)

// Environment is the scoring environment simulations run under.
const Environment = "shadow"

// TwinProvisioner prepares and tears down the digital-twin boundary for
// one simulation. Provisioning failures abort the simulation; Teardown
// always runs, even when the tool panics or fails.
type TwinProvisioner interface {
	Provision(ctx context.Context, toolID string) error
	Teardown(ctx context.Context, toolID string) error
}

// noopProvisioner serves deployments without a real twin: the shadow
// boundary is then only the _execution_mode argument honored by tools.
type noopProvisioner struct{}

func (noopProvisioner) Provision(context.Context, string) error { return nil }
func (noopProvisioner) Teardown(context.Context, string) error  { return nil }

// SimulationResult is the verdict of one shadow run.
type SimulationResult struct {
	Tool        string           `json:"tool"`
	Outcome     incident.Outcome `json:"outcome"`
	Score       outcome.Score    `json:"score"`
	SimulatedAt time.Time        `json:"simulated_at"`
	Passed      bool             `json:"passed"`
}

// Runner executes simulations. It shares the tool executor and scorer
// with the production path so a shadow run exercises the same code the
// real run would.
type Runner struct {
	exec   *executor.Executor
	scorer *outcome.Scorer
	twin   TwinProvisioner
	logger *slog.Logger
}

// NewRunner builds a Runner. twin may be nil, in which case no external
// provisioning happens and tools are trusted to honor the shadow mode
// argument.
func NewRunner(exec *executor.Executor, scorer *outcome.Scorer, twin TwinProvisioner, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if twin == nil {
		twin = noopProvisioner{}
	}
	return &Runner{
		exec:   exec,
		scorer: scorer,
		twin:   twin,
		logger: logger.With("component", "shadow"),
	}
}

// Simulate runs one tool against the twin. The caller's args map is
// never mutated: the shadow mode marker is injected into a copy. The
// returned error covers provisioning only; tool failures come back
// inside the result with Passed false.
func (r *Runner) Simulate(ctx context.Context, tool registry.Tool, args map[string]any) (SimulationResult, error) {
	if err := r.twin.Provision(ctx, tool.ID); err != nil {
		return SimulationResult{}, fmt.Errorf("provision twin for %s: %w", tool.ID, err)
	}
	defer func() {
		if err := r.twin.Teardown(ctx, tool.ID); err != nil {
			r.logger.Warn("twin teardown failed", "tool", tool.ID, "error", err)
		}
	}()

	shadowArgs := make(map[string]any, len(args)+1)
	for k, v := range args {
		shadowArgs[k] = v
	}
	shadowArgs[executor.ExecutionModeKey] = executor.ModeShadow

	out := r.exec.Execute(ctx, tool.ID, shadowArgs)
	score := r.scorer.Score(out, outcome.Context{
		Tool:        tool.ID,
		Risk:        tool.Risk,
		Attempt:     1,
		KnownTool:   true,
		Environment: Environment,
	})

	result := SimulationResult{
		Tool:        tool.ID,
		Outcome:     out,
		Score:       score,
		SimulatedAt: time.Now().UTC(),
		Passed:      out.Success && score.Category == outcome.CategorySuccess,
	}
	r.logger.Info("simulation complete",
		"tool", tool.ID,
		"passed", result.Passed,
		"score", score.Score,
		"category", score.Category)
	return result, nil
}
