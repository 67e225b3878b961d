package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aegisops/aegis/internal/incident"
)

func TestExecuteRunsRegisteredTool(t *testing.T) {
	e := New(nil)
	err := e.Register("read_logs", func(ctx context.Context, args map[string]any) incident.Outcome {
		return incident.Outcome{
			Success: true,
			Data:    map[string]any{"lines": args["lines"]},
		}
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	out := e.Execute(context.Background(), "read_logs", map[string]any{"lines": 50})
	if !out.Success {
		t.Fatalf("Execute failed: %s", out.Error)
	}
	if out.Data["lines"] != 50 {
		t.Errorf("Data = %v", out.Data)
	}
	if out.ExecutionTimeMS < 0 {
		t.Errorf("ExecutionTimeMS = %d", out.ExecutionTimeMS)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	e := New(nil)
	out := e.Execute(context.Background(), "no_such_tool", nil)
	if out.Success {
		t.Fatal("unknown tool must fail")
	}
	if !strings.Contains(out.Error, "no_such_tool") {
		t.Errorf("Error = %q, want tool name", out.Error)
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	e := New(nil)
	if err := e.Register("explode", func(ctx context.Context, args map[string]any) incident.Outcome {
		panic("boom")
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	out := e.Execute(context.Background(), "explode", nil)
	if out.Success {
		t.Fatal("panicking tool must fail")
	}
	if !strings.Contains(out.Error, "panic") || !strings.Contains(out.Error, "boom") {
		t.Errorf("Error = %q", out.Error)
	}
	if !out.SideEffects {
		t.Error("panic outcome should flag side effects")
	}
}

func TestExecuteCanceledContext(t *testing.T) {
	e := New(nil)
	called := false
	if err := e.Register("slow", func(ctx context.Context, args map[string]any) incident.Outcome {
		called = true
		return incident.Outcome{Success: true}
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := e.Execute(ctx, "slow", nil)
	if out.Success {
		t.Fatal("canceled execution must fail")
	}
	if called {
		t.Error("tool ran despite canceled context")
	}
}

func TestExecutePreservesToolTiming(t *testing.T) {
	e := New(nil)
	if err := e.Register("simulated", func(ctx context.Context, args map[string]any) incident.Outcome {
		return incident.Outcome{Success: true, ExecutionTimeMS: 1234}
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	out := e.Execute(context.Background(), "simulated", nil)
	if out.ExecutionTimeMS != 1234 {
		t.Errorf("ExecutionTimeMS = %d, want tool-reported 1234", out.ExecutionTimeMS)
	}
}

func TestExecuteMeasuresElapsed(t *testing.T) {
	e := New(nil)
	if err := e.Register("sleepy", func(ctx context.Context, args map[string]any) incident.Outcome {
		time.Sleep(20 * time.Millisecond)
		return incident.Outcome{Success: true}
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	out := e.Execute(context.Background(), "sleepy", nil)
	if out.ExecutionTimeMS < 15 {
		t.Errorf("ExecutionTimeMS = %d, want >= 15", out.ExecutionTimeMS)
	}
}

func TestRegisterValidation(t *testing.T) {
	e := New(nil)
	if err := e.Register("", func(ctx context.Context, args map[string]any) incident.Outcome {
		return incident.Outcome{}
	}); err == nil {
		t.Error("empty tool id should be rejected")
	}
	if err := e.Register("x", nil); err == nil {
		t.Error("nil func should be rejected")
	}
}

func TestRegisteredSorted(t *testing.T) {
	e := New(nil)
	for _, id := range []string{"zeta", "alpha", "mid"} {
		if err := e.Register(id, func(ctx context.Context, args map[string]any) incident.Outcome {
			return incident.Outcome{Success: true}
		}); err != nil {
			t.Fatalf("Register(%s): %v", id, err)
		}
	}
	got := e.Registered()
	want := []string{"alpha", "mid", "zeta"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Registered() = %v, want %v", got, want)
		}
	}
	if !e.Has("alpha") || e.Has("missing") {
		t.Error("Has misreports registration")
	}
}
