package shadow

import (
	"context"
	"errors"
	"testing"

	"github.com/aegisops/aegis/internal/executor"
	"github.com/aegisops/aegis/internal/incident"
	"github.com/aegisops/aegis/internal/outcome"
	"github.com/aegisops/aegis/internal/registry"
)

type fakeTwin struct {
	provisioned  []string
	torndown     []string
	provisionErr error
	teardownErr  error
}

func (f *fakeTwin) Provision(_ context.Context, toolID string) error {
	f.provisioned = append(f.provisioned, toolID)
	return f.provisionErr
}

func (f *fakeTwin) Teardown(_ context.Context, toolID string) error {
	f.torndown = append(f.torndown, toolID)
	return f.teardownErr
}

func testTool() registry.Tool {
	return registry.Tool{ID: "restart_service", Risk: registry.RiskNone, ProdAllowed: true}
}

func TestSimulate_InjectsShadowMode(t *testing.T) {
	exec := executor.New(nil)
	var gotMode any
	exec.Register("restart_service", func(_ context.Context, args map[string]any) incident.Outcome {
		gotMode = args[executor.ExecutionModeKey]
		return incident.Outcome{Success: true, ExecutionTimeMS: 5}
	})
	r := NewRunner(exec, outcome.NewScorer(nil), nil, nil)

	args := map[string]any{"service": "api"}
	res, err := r.Simulate(context.Background(), testTool(), args)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if gotMode != executor.ModeShadow {
		t.Errorf("execution mode = %v, want %q", gotMode, executor.ModeShadow)
	}
	if _, leaked := args[executor.ExecutionModeKey]; leaked {
		t.Error("caller args were mutated")
	}
	if !res.Passed {
		t.Errorf("passed = false, score %v category %s", res.Score.Score, res.Score.Category)
	}
	if res.SimulatedAt.IsZero() {
		t.Error("simulated_at not set")
	}
}

func TestSimulate_PassedRequiresSuccessCategory(t *testing.T) {
	tests := []struct {
		name string
		out  incident.Outcome
		tool registry.Tool
		want bool
	}{
		{
			name: "clean success passes",
			out:  incident.Outcome{Success: true, ExecutionTimeMS: 3},
			tool: testTool(),
			want: true,
		},
		{
			name: "failure never passes",
			out:  incident.Outcome{Success: false, Error: "twin rejected write"},
			tool: testTool(),
			want: false,
		},
		{
			name: "side effects drop below success category",
			out:  incident.Outcome{Success: true, SideEffects: true, ExecutionTimeMS: 3},
			tool: registry.Tool{ID: "restart_service", Risk: registry.RiskHigh},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := executor.New(nil)
			out := tt.out
			exec.Register(tt.tool.ID, func(context.Context, map[string]any) incident.Outcome {
				return out
			})
			r := NewRunner(exec, outcome.NewScorer(nil), nil, nil)

			res, err := r.Simulate(context.Background(), tt.tool, nil)
			if err != nil {
				t.Fatalf("simulate: %v", err)
			}
			if res.Passed != tt.want {
				t.Errorf("passed = %v, want %v (score %v, category %s)",
					res.Passed, tt.want, res.Score.Score, res.Score.Category)
			}
		})
	}
}

func TestSimulate_ProvisionFailureAbortsRun(t *testing.T) {
	exec := executor.New(nil)
	ran := false
	exec.Register("restart_service", func(context.Context, map[string]any) incident.Outcome {
		ran = true
		return incident.Outcome{Success: true}
	})
	twin := &fakeTwin{provisionErr: errors.New("no capacity")}
	r := NewRunner(exec, outcome.NewScorer(nil), twin, nil)

	_, err := r.Simulate(context.Background(), testTool(), nil)
	if err == nil {
		t.Fatal("expected provisioning error")
	}
	if ran {
		t.Error("tool executed despite failed provisioning")
	}
}

func TestSimulate_TeardownAlwaysRuns(t *testing.T) {
	exec := executor.New(nil)
	exec.Register("restart_service", func(context.Context, map[string]any) incident.Outcome {
		panic("twin blew up")
	})
	twin := &fakeTwin{}
	r := NewRunner(exec, outcome.NewScorer(nil), twin, nil)

	res, err := r.Simulate(context.Background(), testTool(), nil)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if res.Passed {
		t.Error("panicking tool must not pass")
	}
	if len(twin.torndown) != 1 || twin.torndown[0] != "restart_service" {
		t.Errorf("teardown calls = %v, want one for restart_service", twin.torndown)
	}
}

func TestSimulate_UnknownToolFails(t *testing.T) {
	r := NewRunner(executor.New(nil), outcome.NewScorer(nil), &fakeTwin{}, nil)

	res, err := r.Simulate(context.Background(), registry.Tool{ID: "ghost", Risk: registry.RiskLow}, nil)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if res.Passed {
		t.Error("unknown tool must not pass")
	}
	if res.Outcome.Success {
		t.Error("unknown tool outcome must be a failure")
	}
}
