package loop

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/aegisops/aegis/internal/approval"
	"github.com/aegisops/aegis/internal/config"
	"github.com/aegisops/aegis/internal/executor"
	"github.com/aegisops/aegis/internal/incident"
	"github.com/aegisops/aegis/internal/killswitch"
	"github.com/aegisops/aegis/internal/ledger"
	"github.com/aegisops/aegis/internal/memory"
	"github.com/aegisops/aegis/internal/outcome"
	"github.com/aegisops/aegis/internal/policy"
	"github.com/aegisops/aegis/internal/reasoning"
	"github.com/aegisops/aegis/internal/registry"
	"github.com/aegisops/aegis/internal/shadow"
)

// scriptedModel replays queued proposals; the last one repeats forever.
type scriptedModel struct {
	mu    sync.Mutex
	queue []incident.ProposedAction
	err   error
	calls int
}

func (m *scriptedModel) Propose(_ context.Context, pc reasoning.ProposalContext) (incident.ProposedAction, reasoning.Trace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return incident.ProposedAction{}, reasoning.Trace{}, m.err
	}
	if len(m.queue) == 0 {
		return incident.ProposedAction{}, reasoning.Trace{}, errors.New("scripted model: queue empty")
	}
	action := m.queue[0]
	if len(m.queue) > 1 {
		m.queue = m.queue[1:]
	}
	return action, reasoning.Trace{Provider: "scripted", EpisodeID: pc.EpisodeID}, nil
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func testLoopRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]registry.Tool{
		{ID: "restart_service", Risk: registry.RiskLow, ProdAllowed: true, BaselineMS: 100},
		{ID: "test_tool", Risk: registry.RiskLow, ProdAllowed: true},
		{ID: "dangerous", Risk: registry.RiskHigh, ProdAllowed: false},
		{ID: "rotate_keys", Risk: registry.RiskHigh, ProdAllowed: true},
		{ID: "shadow_deploy", Risk: registry.RiskLow, ProdAllowed: true, ShadowBeforeProd: true},
		{ID: "pricey_tool", Risk: registry.RiskLow, ProdAllowed: true, CostUSD: 5},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

type harness struct {
	loop     *Loop
	deps     Deps
	model    *scriptedModel
	gate     *approval.Gate
	kill     *killswitch.Switch
	exec     *executor.Executor
	episodic *memory.EpisodicStore
	economic *memory.EconomicMemory
	replay   *ReplayWriter
	led      *ledger.Ledger
	cfg      *config.Config

	approvalsDir string
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	if mutate != nil {
		mutate(cfg)
	}

	reg := testLoopRegistry(t)
	eng, err := policy.NewEngine(reg, cfg.Policy, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	exec := executor.New(nil)
	scorer := outcome.NewScorer(nil)

	episodic, err := memory.NewEpisodicStore(filepath.Join(dir, "episodes"), 16, nil)
	if err != nil {
		t.Fatalf("episodic: %v", err)
	}
	semantic, err := memory.NewSemanticStore(filepath.Join(dir, "semantic"), nil)
	if err != nil {
		t.Fatalf("semantic: %v", err)
	}
	polmem, err := memory.NewPolicyMemory(filepath.Join(dir, "policymem"), nil)
	if err != nil {
		t.Fatalf("policy memory: %v", err)
	}
	economic, err := memory.NewEconomicMemory(filepath.Join(dir, "economic"), nil)
	if err != nil {
		t.Fatalf("economic: %v", err)
	}

	led, err := ledger.Open(filepath.Join(dir, "ledger.jsonl"), nil)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	t.Cleanup(func() { _ = led.Close() })

	kill := killswitch.New(filepath.Join(dir, "KILL"), slog.Default())
	approvalsDir := filepath.Join(dir, "approvals")
	if err := os.MkdirAll(approvalsDir, 0o755); err != nil {
		t.Fatalf("approvals dir: %v", err)
	}
	gate := approval.NewGate(cfg.Approval, approvalsDir, kill, nil, nil, slog.Default())

	replay, err := NewReplayWriter(filepath.Join(dir, "replay_buffer"), nil)
	if err != nil {
		t.Fatalf("replay writer: %v", err)
	}

	model := &scriptedModel{}
	deps := Deps{
		Registry:  reg,
		Policy:    eng,
		Model:     model,
		Approvals: gate,
		Shadow:    shadow.NewRunner(exec, scorer, nil, nil),
		Executor:  exec,
		Scorer:    scorer,
		Episodic:  episodic,
		Semantic:  semantic,
		PolicyMem: polmem,
		Economic:  economic,
		Ledger:    led,
		Kill:      kill,
		Replay:    replay,
	}
	l, err := New(deps, cfg, nil)
	if err != nil {
		t.Fatalf("loop: %v", err)
	}

	return &harness{
		loop:         l,
		deps:         deps,
		model:        model,
		gate:         gate,
		kill:         kill,
		exec:         exec,
		episodic:     episodic,
		economic:     economic,
		replay:       replay,
		led:          led,
		cfg:          cfg,
		approvalsDir: approvalsDir,
	}
}

func (h *harness) reset(t *testing.T, incidentID string) {
	t.Helper()
	if err := h.loop.Reset(incidentID); err != nil {
		t.Fatalf("reset: %v", err)
	}
}

func registerSuccess(t *testing.T, exec *executor.Executor, toolID string) {
	t.Helper()
	err := exec.Register(toolID, func(context.Context, map[string]any) incident.Outcome {
		return incident.Outcome{Success: true, Data: map[string]any{"status": "ok"}, ExecutionTimeMS: 5}
	})
	if err != nil {
		t.Fatalf("register %s: %v", toolID, err)
	}
}

func registerFailure(t *testing.T, exec *executor.Executor, toolID string) {
	t.Helper()
	err := exec.Register(toolID, func(context.Context, map[string]any) incident.Outcome {
		return incident.Outcome{Success: false, Error: "service did not come back", ExecutionTimeMS: 5}
	})
	if err != nil {
		t.Fatalf("register %s: %v", toolID, err)
	}
}

func obsDiskFull() incident.Observation {
	return incident.Observation{
		Content:   "disk usage at 98% on db-1",
		Source:    "monitor",
		Timestamp: time.Now().UTC(),
	}
}

func TestRunStep_HappyPath(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, nil)
	h.reset(t, "INC-HAPPY")
	registerSuccess(t, h.exec, "restart_service")
	h.model.queue = []incident.ProposedAction{
		{Tool: "restart_service", Args: map[string]any{}, ModelConfidence: 95},
	}

	d, out, err := h.loop.RunStep(context.Background(), obsDiskFull())
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if d.Type != policy.DecisionAllow {
		t.Fatalf("decision = %s, want ALLOW", d.Type)
	}
	if out == nil || !out.Success {
		t.Fatalf("outcome = %+v, want success", out)
	}

	state := h.loop.state
	if state.ActionsTaken != 1 {
		t.Errorf("ActionsTaken = %d, want 1", state.ActionsTaken)
	}
	ts := state.ToolStates["restart_service"]
	if ts == nil {
		t.Fatal("no tool state recorded for restart_service")
	}
	if math.Abs(ts.Confidence-0.525) > 1e-9 {
		t.Errorf("confidence = %v, want 0.525", ts.Confidence)
	}

	mem, err := h.episodic.GetIncident("INC-HAPPY")
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if mem.Summary.Steps != 1 || mem.Summary.Successes != 1 {
		t.Errorf("summary = %+v, want 1 step 1 success", mem.Summary)
	}
	ep := mem.Episodes[0]
	if ep.Outcome == nil || !ep.Outcome.Success {
		t.Error("episode is missing the successful outcome")
	}
	if ep.ActionTaken == nil || ep.ActionTaken.Tool != "restart_service" {
		t.Errorf("episode action = %+v, want restart_service", ep.ActionTaken)
	}

	recs, err := h.replay.ReadIncident("INC-HAPPY")
	if err != nil {
		t.Fatalf("read replay: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("replay records = %d, want 1", len(recs))
	}
	if recs[0].Score == nil || recs[0].Score.Category != outcome.CategorySuccess {
		t.Errorf("replay score = %+v, want success category", recs[0].Score)
	}

	if h.led.Len() != 1 {
		t.Errorf("ledger entries = %d, want 1", h.led.Len())
	}
	if h.loop.Phase() != PhaseIdle {
		t.Errorf("phase = %s, want IDLE", h.loop.Phase())
	}
}

func TestRunStep_LowConfidenceApprovalFileGrant(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, nil)
	h.reset(t, "INC-LOWCONF")
	registerSuccess(t, h.exec, "restart_service")
	h.model.queue = []incident.ProposedAction{
		{Tool: "restart_service", Args: map[string]any{}, ModelConfidence: 50},
	}

	// Operator grant file already present: the hold resolves instantly.
	grant := filepath.Join(h.approvalsDir, "INC-LOWCONF.approve")
	if err := os.WriteFile(grant, []byte("ok"), 0o644); err != nil {
		t.Fatalf("write grant: %v", err)
	}

	d, out, err := h.loop.RunStep(context.Background(), obsDiskFull())
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if d.Type != policy.DecisionAllow {
		t.Fatalf("decision = %s, want ALLOW after grant", d.Type)
	}
	if !strings.Contains(d.Reason, "Low confidence (50") {
		t.Errorf("reason = %q, want the low-confidence hold named", d.Reason)
	}
	if d.Rule != policy.RuleLowModelConfidence {
		t.Errorf("rule = %q, want %q", d.Rule, policy.RuleLowModelConfidence)
	}
	if out == nil || !out.Success {
		t.Fatalf("outcome = %+v, want executed success", out)
	}
}

func TestRunStep_LowConfidenceRejected(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, nil)
	h.reset(t, "INC-REJECT")
	executed := false
	err := h.exec.Register("restart_service", func(context.Context, map[string]any) incident.Outcome {
		executed = true
		return incident.Outcome{Success: true}
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	h.model.queue = []incident.ProposedAction{
		{Tool: "restart_service", Args: map[string]any{}, ModelConfidence: 50},
	}

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if pending := h.gate.Pending(); len(pending) > 0 {
				_ = h.gate.Reject(pending[0].ID, "alice", "not during business hours")
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	d, out, err := h.loop.RunStep(context.Background(), obsDiskFull())
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if d.Type != policy.DecisionBlock {
		t.Fatalf("decision = %s, want BLOCK after rejection", d.Type)
	}
	if !strings.Contains(d.Reason, "rejected by alice") {
		t.Errorf("reason = %q, want rejection attribution", d.Reason)
	}
	if out != nil {
		t.Errorf("outcome = %+v, want nil (no execution)", out)
	}
	if executed {
		t.Error("tool ran despite rejected approval")
	}
	if h.loop.state.ActionsTaken != 0 {
		t.Errorf("ActionsTaken = %d, want 0", h.loop.state.ActionsTaken)
	}
}

func TestRunStep_BlacklistAfterTwoFailures(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, nil)
	h.reset(t, "INC-BLACKLIST")
	registerFailure(t, h.exec, "test_tool")
	h.model.queue = []incident.ProposedAction{
		{Tool: "test_tool", Args: map[string]any{}, ModelConfidence: 95},
	}

	for i := 0; i < 2; i++ {
		d, out, err := h.loop.RunStep(context.Background(), obsDiskFull())
		if err != nil {
			t.Fatalf("RunStep %d: %v", i+1, err)
		}
		if d.Type != policy.DecisionAllow {
			t.Fatalf("step %d decision = %s, want ALLOW", i+1, d.Type)
		}
		if out == nil || out.Success {
			t.Fatalf("step %d outcome = %+v, want failure", i+1, out)
		}
	}

	ts := h.loop.state.ToolStates["test_tool"]
	if ts == nil || !ts.IsBlacklisted {
		t.Fatalf("tool state = %+v, want blacklisted", ts)
	}
	if ts.BlacklistReason != "Too many failures (2)" {
		t.Errorf("blacklist reason = %q, want \"Too many failures (2)\"", ts.BlacklistReason)
	}

	d, out, err := h.loop.RunStep(context.Background(), obsDiskFull())
	if err != nil {
		t.Fatalf("RunStep 3: %v", err)
	}
	if d.Type != policy.DecisionBlock {
		t.Fatalf("decision = %s, want BLOCK for blacklisted tool", d.Type)
	}
	if !strings.Contains(d.Reason, "Too many failures (2)") {
		t.Errorf("reason = %q, want the stored blacklist reason", d.Reason)
	}
	if out != nil {
		t.Errorf("outcome = %+v, want nil", out)
	}
}

func TestRunStep_ProdBlockBeforeHighRiskApproval(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, func(cfg *config.Config) {
		cfg.Policy.Environment = "production"
	})
	h.reset(t, "INC-PROD")
	h.model.queue = []incident.ProposedAction{
		{Tool: "dangerous", Args: map[string]any{}, ModelConfidence: 95},
	}

	d, out, err := h.loop.RunStep(context.Background(), obsDiskFull())
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if d.Type != policy.DecisionBlock {
		t.Fatalf("decision = %s, want BLOCK", d.Type)
	}
	if d.Rule != policy.RuleProdGate {
		t.Errorf("rule = %q, want prod gate before the high-risk rule", d.Rule)
	}
	if out != nil {
		t.Errorf("outcome = %+v, want nil", out)
	}
	if pending := h.gate.Pending(); len(pending) != 0 {
		t.Errorf("pending approvals = %d, want 0 (never reached the gate)", len(pending))
	}
}

func TestRunStep_ShadowGateBlocksFailedSimulation(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, nil)
	h.reset(t, "INC-SHADOW-FAIL")
	var prodRuns int
	err := h.exec.Register("shadow_deploy", func(_ context.Context, args map[string]any) incident.Outcome {
		if args[executor.ExecutionModeKey] == executor.ModeShadow {
			return incident.Outcome{Success: false, Error: "twin rejected the deploy"}
		}
		prodRuns++
		return incident.Outcome{Success: true}
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	h.model.queue = []incident.ProposedAction{
		{Tool: "shadow_deploy", Args: map[string]any{}, ModelConfidence: 95},
	}

	d, out, err := h.loop.RunStep(context.Background(), obsDiskFull())
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if d.Type != policy.DecisionBlock {
		t.Fatalf("decision = %s, want BLOCK", d.Type)
	}
	if !strings.Contains(d.Reason, "Shadow simulation") {
		t.Errorf("reason = %q, want shadow simulation named", d.Reason)
	}
	if out != nil {
		t.Errorf("outcome = %+v, want nil", out)
	}
	if prodRuns != 0 {
		t.Errorf("production runs = %d, want 0", prodRuns)
	}
}

func TestRunStep_ShadowGatePassesThenExecutes(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, nil)
	h.reset(t, "INC-SHADOW-OK")
	var shadowRuns, prodRuns int
	err := h.exec.Register("shadow_deploy", func(_ context.Context, args map[string]any) incident.Outcome {
		if args[executor.ExecutionModeKey] == executor.ModeShadow {
			shadowRuns++
		} else {
			prodRuns++
		}
		return incident.Outcome{Success: true, Data: map[string]any{"ok": true}}
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	h.model.queue = []incident.ProposedAction{
		{Tool: "shadow_deploy", Args: map[string]any{}, ModelConfidence: 95},
	}

	d, out, err := h.loop.RunStep(context.Background(), obsDiskFull())
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if d.Type != policy.DecisionAllow {
		t.Fatalf("decision = %s, want ALLOW", d.Type)
	}
	if out == nil || !out.Success {
		t.Fatalf("outcome = %+v, want success", out)
	}
	if shadowRuns != 1 || prodRuns != 1 {
		t.Errorf("runs = %d shadow / %d prod, want 1/1", shadowRuns, prodRuns)
	}
}

func TestRunStep_ShadowDisabledByConfig(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, func(cfg *config.Config) {
		cfg.Shadow.Enabled = false
	})
	h.reset(t, "INC-SHADOW-OFF")
	var shadowRuns int
	err := h.exec.Register("shadow_deploy", func(_ context.Context, args map[string]any) incident.Outcome {
		if args[executor.ExecutionModeKey] == executor.ModeShadow {
			shadowRuns++
		}
		return incident.Outcome{Success: true}
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	h.model.queue = []incident.ProposedAction{
		{Tool: "shadow_deploy", Args: map[string]any{}, ModelConfidence: 95},
	}

	if _, out, err := h.loop.RunStep(context.Background(), obsDiskFull()); err != nil || out == nil || !out.Success {
		t.Fatalf("RunStep = (%+v, %v), want direct success", out, err)
	}
	if shadowRuns != 0 {
		t.Errorf("shadow runs = %d, want 0 when disabled", shadowRuns)
	}
}

func TestRunStep_ModelErrorEscalates(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, nil)
	h.reset(t, "INC-MODEL-ERR")
	h.model.err = errors.New("provider 503")

	d, out, err := h.loop.RunStep(context.Background(), obsDiskFull())
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if d.Type != policy.DecisionEscalate {
		t.Fatalf("decision = %s, want ESCALATE", d.Type)
	}
	if !strings.Contains(d.Reason, "Model error") {
		t.Errorf("reason = %q, want model error named", d.Reason)
	}
	if out != nil {
		t.Errorf("outcome = %+v, want nil", out)
	}

	mem, err := h.episodic.GetIncident("INC-MODEL-ERR")
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if mem.Summary.Steps != 1 {
		t.Fatalf("steps = %d, want the escalation recorded", mem.Summary.Steps)
	}
	if mem.Episodes[0].ActionTaken != nil {
		t.Error("episode carries an action despite the model failing")
	}
}

func TestRunStep_BudgetExceededEscalates(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, nil)
	h.reset(t, "INC-BUDGET")
	if err := h.economic.SetBudget("default", 1, 0); err != nil {
		t.Fatalf("set budget: %v", err)
	}
	executed := false
	err := h.exec.Register("pricey_tool", func(context.Context, map[string]any) incident.Outcome {
		executed = true
		return incident.Outcome{Success: true}
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	h.model.queue = []incident.ProposedAction{
		{Tool: "pricey_tool", Args: map[string]any{}, ModelConfidence: 95},
	}

	d, out, err := h.loop.RunStep(context.Background(), obsDiskFull())
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if d.Type != policy.DecisionEscalate {
		t.Fatalf("decision = %s, want ESCALATE", d.Type)
	}
	if !strings.Contains(d.Reason, "Budget exceeded") {
		t.Errorf("reason = %q, want budget exhaustion named", d.Reason)
	}
	if out != nil || executed {
		t.Error("tool ran despite an exhausted budget")
	}
}

func TestRunStep_KillSwitchStopsStep(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, nil)
	h.reset(t, "INC-KILL")
	h.kill.TriggerGlobal("runaway agent", "test")

	_, _, err := h.loop.RunStep(context.Background(), obsDiskFull())
	if !errors.Is(err, ErrKilled) {
		t.Fatalf("err = %v, want ErrKilled", err)
	}
	if h.loop.Phase() != PhaseKilled {
		t.Errorf("phase = %s, want KILLED", h.loop.Phase())
	}
	if h.model.callCount() != 0 {
		t.Errorf("model calls = %d, want 0", h.model.callCount())
	}
}

func TestRunStep_KillSwitchDuringApprovalWait(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, nil)
	h.reset(t, "INC-KILL-WAIT")
	registerSuccess(t, h.exec, "rotate_keys")
	h.model.queue = []incident.ProposedAction{
		{Tool: "rotate_keys", Args: map[string]any{}, ModelConfidence: 95},
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		h.kill.TriggerGlobal("operator pulled the plug", "test")
	}()

	_, _, err := h.loop.RunStep(context.Background(), obsDiskFull())
	if !errors.Is(err, ErrKilled) {
		t.Fatalf("err = %v, want ErrKilled", err)
	}
	if h.loop.Phase() != PhaseKilled {
		t.Errorf("phase = %s, want KILLED", h.loop.Phase())
	}
}

func TestRunStep_RequiresReset(t *testing.T) {
	h := newHarness(t, nil)
	if _, _, err := h.loop.RunStep(context.Background(), obsDiskFull()); !errors.Is(err, ErrNoIncident) {
		t.Fatalf("err = %v, want ErrNoIncident", err)
	}
}

func TestRunUntilResolved_HappyPath(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, nil)
	h.reset(t, "INC-RESOLVE")
	registerSuccess(t, h.exec, "restart_service")
	h.model.queue = []incident.ProposedAction{
		{Tool: "restart_service", Args: map[string]any{}, ModelConfidence: 95},
	}

	steps := 0
	observe := func(context.Context) (incident.Observation, bool) {
		steps++
		return obsDiskFull(), true
	}
	resolved := func(context.Context) bool { return steps > 0 }

	final, err := h.loop.RunUntilResolved(context.Background(), observe, resolved)
	if err != nil {
		t.Fatalf("RunUntilResolved: %v", err)
	}
	if final != incident.OutcomeResolved {
		t.Fatalf("final = %s, want resolved", final)
	}

	mem, err := h.episodic.GetIncident("INC-RESOLVE")
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if !mem.Closed() || mem.FinalOutcome != incident.OutcomeResolved {
		t.Errorf("memory = closed %v outcome %s, want closed resolved", mem.Closed(), mem.FinalOutcome)
	}
	// Step entry plus the closing entry.
	if h.led.Len() != 2 {
		t.Errorf("ledger entries = %d, want 2", h.led.Len())
	}
	if got := ExitCode(final, err); got != ExitResolved {
		t.Errorf("exit code = %d, want %d", got, ExitResolved)
	}
}

func TestRunUntilResolved_ExhaustedObservationsEscalate(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, nil)
	h.reset(t, "INC-EXHAUSTED")

	observe := func(context.Context) (incident.Observation, bool) {
		return incident.Observation{}, false
	}
	resolved := func(context.Context) bool { return false }

	final, err := h.loop.RunUntilResolved(context.Background(), observe, resolved)
	if err != nil {
		t.Fatalf("RunUntilResolved: %v", err)
	}
	if final != incident.OutcomeEscalated {
		t.Fatalf("final = %s, want escalated", final)
	}
	if got := ExitCode(final, err); got != ExitEscalated {
		t.Errorf("exit code = %d, want %d", got, ExitEscalated)
	}
}

func TestRunUntilResolved_KillEndsRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, nil)
	h.reset(t, "INC-KILLED-RUN")
	registerSuccess(t, h.exec, "restart_service")
	h.model.queue = []incident.ProposedAction{
		{Tool: "restart_service", Args: map[string]any{}, ModelConfidence: 95},
	}

	steps := 0
	observe := func(context.Context) (incident.Observation, bool) {
		steps++
		if steps > 1 {
			h.kill.TriggerIncident("INC-KILLED-RUN", "wrong direction", "operator")
		}
		return obsDiskFull(), true
	}
	resolved := func(context.Context) bool { return false }

	final, err := h.loop.RunUntilResolved(context.Background(), observe, resolved)
	if err != nil {
		t.Fatalf("RunUntilResolved: %v", err)
	}
	if final != incident.OutcomeKilled {
		t.Fatalf("final = %s, want killed", final)
	}
	if got := ExitCode(final, err); got != ExitKilled {
		t.Errorf("exit code = %d, want %d", got, ExitKilled)
	}
}

func TestRunUntilResolved_RepeatedBlocksEnd(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, func(cfg *config.Config) {
		cfg.Policy.Environment = "production"
	})
	h.reset(t, "INC-BLOCKED-RUN")
	h.model.queue = []incident.ProposedAction{
		{Tool: "dangerous", Args: map[string]any{}, ModelConfidence: 95},
	}

	observe := func(context.Context) (incident.Observation, bool) {
		return obsDiskFull(), true
	}
	resolved := func(context.Context) bool { return false }

	final, err := h.loop.RunUntilResolved(context.Background(), observe, resolved)
	if err != nil {
		t.Fatalf("RunUntilResolved: %v", err)
	}
	if final != incident.OutcomeBlocked {
		t.Fatalf("final = %s, want blocked", final)
	}
	if got := ExitCode(final, err); got != ExitBlocked {
		t.Errorf("exit code = %d, want %d", got, ExitBlocked)
	}
	// BLOCK steps never execute, so the action budget stays untouched.
	if h.loop.state.ActionsTaken != 0 {
		t.Errorf("ActionsTaken = %d, want 0", h.loop.state.ActionsTaken)
	}
}

func TestRunUntilResolved_ActionLimitEscalates(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, nil)
	h.reset(t, "INC-LIMIT")
	registerSuccess(t, h.exec, "restart_service")
	h.model.queue = []incident.ProposedAction{
		{Tool: "restart_service", Args: map[string]any{}, ModelConfidence: 95},
	}

	observe := func(context.Context) (incident.Observation, bool) {
		return obsDiskFull(), true
	}
	resolved := func(context.Context) bool { return false }

	final, err := h.loop.RunUntilResolved(context.Background(), observe, resolved)
	if err != nil {
		t.Fatalf("RunUntilResolved: %v", err)
	}
	if final != incident.OutcomeEscalated {
		t.Fatalf("final = %s, want escalated at the action limit", final)
	}
	if h.loop.state.ActionsTaken != h.cfg.Policy.MaxActions {
		t.Errorf("ActionsTaken = %d, want %d", h.loop.state.ActionsTaken, h.cfg.Policy.MaxActions)
	}
}

func TestLoop_EventsPublished(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, nil)
	sink := &recordingSink{}
	h.loop.deps.Events = sink
	h.reset(t, "INC-EVENTS")
	registerSuccess(t, h.exec, "restart_service")
	h.model.queue = []incident.ProposedAction{
		{Tool: "restart_service", Args: map[string]any{}, ModelConfidence: 95},
	}

	if _, _, err := h.loop.RunStep(context.Background(), obsDiskFull()); err != nil {
		t.Fatalf("RunStep: %v", err)
	}

	events := sink.all()
	for _, want := range []string{"incident_opened", "phase_changed", "step_completed"} {
		found := false
		for _, e := range events {
			if e == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("event %q not published (got %v)", want, events)
		}
	}
}

// recordingSink captures hub events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSink) Publish(event string, _ any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	copy(out, s.events)
	return out
}
