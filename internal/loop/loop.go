// Package loop drives incidents through the autonomy cycle: perceive,
// reason, policy, approval, shadow, execute, score, memorize. One Loop
// owns one incident at a time and runs its steps sequentially; the
// Manager runs many loops concurrently. Every step leaves a full paper
// trail: a replay-buffer file, an episode snapshot, a ledger entry, and
// an event on the hub when one is attached.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/aegisops/aegis/internal/alert"
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
	"github.com/aegisops/aegis/internal/safety"
	"github.com/aegisops/aegis/internal/shadow"
)

// Phase is where a loop currently is in its step. The three terminal
// phases mark steps that did not come back to IDLE.
type Phase string

const (
	PhaseIdle            Phase = "IDLE"
	PhasePerceiving      Phase = "PERCEIVING"
	PhaseReasoning       Phase = "REASONING"
	PhasePolicy          Phase = "POLICY"
	PhaseWaitingApproval Phase = "WAITING_APPROVAL"
	PhaseShadow          Phase = "SHADOW"
	PhaseExecuting       Phase = "EXECUTING"
	PhaseScoring         Phase = "SCORING"
	PhaseMemorizing      Phase = "MEMORIZING"
	PhaseBlocked         Phase = "BLOCKED"
	PhaseEscalated       Phase = "ESCALATED"
	PhaseKilled          Phase = "KILLED"
)

// Rule names for decisions the loop itself makes, alongside the policy
// engine's built-in rules.
const (
	ruleModelError = "model_error"
	ruleShadowGate = "shadow_validation"
	ruleBudget     = "budget"
)

var (
	// ErrKilled reports that the kill switch ended the step or run.
	ErrKilled = errors.New("kill switch active")
	// ErrNoIncident means RunStep was called before Reset.
	ErrNoIncident = errors.New("loop has no active incident")
)

// ModelSink produces the next proposed action. reasoning.Reasoner
// implements it.
type ModelSink interface {
	Propose(ctx context.Context, pc reasoning.ProposalContext) (incident.ProposedAction, reasoning.Trace, error)
}

// ApprovalSink suspends actions pending a human decision. approval.Gate
// implements it.
type ApprovalSink interface {
	CheckApproval(action incident.ProposedAction, risk registry.RiskLevel, cc approval.CheckContext) (bool, string)
	Wait(ctx context.Context, id string) (bool, error)
	Get(id string) (approval.Request, bool)
}

// ShadowSink validates an action against the digital twin.
// shadow.Runner implements it.
type ShadowSink interface {
	Simulate(ctx context.Context, tool registry.Tool, args map[string]any) (shadow.SimulationResult, error)
}

// EventSink receives loop lifecycle events. Implementations must not
// block.
type EventSink interface {
	Publish(event string, payload any)
}

// ObserveFunc feeds the loop its next observation. ok=false means the
// source is exhausted.
type ObserveFunc func(ctx context.Context) (incident.Observation, bool)

// ResolvedFunc reports whether the incident's underlying condition has
// cleared.
type ResolvedFunc func(ctx context.Context) bool

// Deps are the collaborators one loop needs. Registry, Policy, Model,
// Executor, Scorer, Episodic, Kill and Replay are required. Approvals is
// required unless the policy config can never produce WAIT_APPROVAL.
// The rest may be nil and are skipped.
type Deps struct {
	Registry  *registry.Registry
	Policy    *policy.Engine
	Model     ModelSink
	Approvals ApprovalSink
	Shadow    ShadowSink
	Executor  *executor.Executor
	Scorer    *outcome.Scorer
	Episodic  *memory.EpisodicStore
	Semantic  *memory.SemanticStore
	PolicyMem *memory.PolicyMemory
	Economic  *memory.EconomicMemory
	Ledger    *ledger.Ledger
	Audit     *ledger.AuditStore
	Kill      *killswitch.Switch
	Replay    *ReplayWriter
	Alerts    *alert.Manager
	Events    EventSink
}

func (d Deps) validate() error {
	switch {
	case d.Registry == nil:
		return errors.New("loop: nil registry")
	case d.Policy == nil:
		return errors.New("loop: nil policy engine")
	case d.Model == nil:
		return errors.New("loop: nil model sink")
	case d.Executor == nil:
		return errors.New("loop: nil executor")
	case d.Scorer == nil:
		return errors.New("loop: nil scorer")
	case d.Episodic == nil:
		return errors.New("loop: nil episodic store")
	case d.Kill == nil:
		return errors.New("loop: nil kill switch")
	case d.Replay == nil:
		return errors.New("loop: nil replay writer")
	}
	return nil
}

// Snapshot is a read-only view of a loop for the status API.
type Snapshot struct {
	IncidentID   string                `json:"incident_id"`
	Phase        Phase                 `json:"phase"`
	Steps        int                   `json:"steps"`
	Successes    int                   `json:"successes"`
	Failures     int                   `json:"failures"`
	ActionsTaken int                   `json:"actions_taken"`
	MaxActions   int                   `json:"max_actions"`
	StartedAt    time.Time             `json:"started_at"`
	Closed       bool                  `json:"closed"`
	FinalOutcome incident.FinalOutcome `json:"final_outcome,omitempty"`
}

// Loop drives one incident. Not safe for concurrent RunStep calls; the
// manager guarantees one goroutine per loop. Phase and Snapshot reads
// are safe from other goroutines.
type Loop struct {
	deps   Deps
	cfg    *config.Config
	tenant string

	mu         sync.Mutex // guards incidentID, phase, mem, state for readers
	incidentID string
	phase      Phase
	state      *policy.AgentState
	mem        *incident.Memory

	// attempts counts consecutive failed runs per tool, for scoring.
	attempts map[string]int

	logger *slog.Logger
}

// New builds a loop. Reset must be called before the first step.
func New(deps Deps, cfg *config.Config, logger *slog.Logger) (*Loop, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		deps:     deps,
		cfg:      cfg,
		tenant:   "default",
		phase:    PhaseIdle,
		attempts: make(map[string]int),
		logger:   logger.With("component", "loop"),
	}, nil
}

// Reset clears all per-incident state and opens a fresh incident memory
// in the episodic store.
func (l *Loop) Reset(incidentID string) error {
	if incidentID == "" {
		return errors.New("loop: empty incident id")
	}
	mem := incident.NewMemory(incidentID)
	if err := l.deps.Episodic.SaveIncident(mem); err != nil {
		return fmt.Errorf("open incident %s: %w", incidentID, err)
	}

	l.mu.Lock()
	l.incidentID = incidentID
	l.state = policy.NewAgentState(incidentID, l.cfg.Policy.MaxActions, l.cfg.Policy.Environment)
	l.mem = mem
	l.phase = PhaseIdle
	l.attempts = make(map[string]int)
	l.mu.Unlock()

	if l.deps.Audit != nil {
		if err := l.deps.Audit.UpsertIncident(&ledger.IncidentRow{
			ID:        incidentID,
			StartedAt: mem.StartedAt,
		}); err != nil {
			l.logger.Warn("audit incident row not written", "incident_id", incidentID, "error", err)
		}
	}
	l.publish("incident_opened", map[string]any{"incident_id": incidentID})
	l.logger.Info("incident opened",
		"incident_id", incidentID,
		"environment", l.cfg.Policy.Environment,
		"max_actions", l.cfg.Policy.MaxActions)
	return nil
}

// Phase returns the loop's current phase.
func (l *Loop) Phase() Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase
}

// State returns a snapshot for the status API.
func (l *Loop) State() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Snapshot{Phase: l.phase}
	if l.mem != nil {
		s.IncidentID = l.incidentID
		s.Steps = l.mem.Summary.Steps
		s.Successes = l.mem.Summary.Successes
		s.Failures = l.mem.Summary.Failures
		s.StartedAt = l.mem.StartedAt
		s.Closed = l.mem.Closed()
		s.FinalOutcome = l.mem.FinalOutcome
	}
	if l.state != nil {
		s.ActionsTaken = l.state.ActionsTaken
		s.MaxActions = l.state.MaxActions
	}
	return s
}

func (l *Loop) setPhase(p Phase) {
	l.mu.Lock()
	l.phase = p
	incidentID := l.incidentID
	l.mu.Unlock()
	l.publish("phase_changed", map[string]any{"incident_id": incidentID, "phase": string(p)})
}

func (l *Loop) publish(event string, payload any) {
	if l.deps.Events != nil {
		l.deps.Events.Publish(event, payload)
	}
}

// RunStep executes one full tick for an observation. The outcome is nil
// when the step ended before execution (BLOCK, ESCALATE, kill). The
// returned error is nil for all policy outcomes; it is non-nil only for
// kills, context cancellation, and invariant breaches.
func (l *Loop) RunStep(ctx context.Context, obs incident.Observation) (policy.Decision, *incident.Outcome, error) {
	l.mu.Lock()
	if l.mem == nil {
		l.mu.Unlock()
		return policy.Decision{}, nil, ErrNoIncident
	}
	incidentID := l.incidentID
	state := l.state
	l.mu.Unlock()

	if blocked, reason := l.deps.Kill.IsBlocked(incidentID); blocked {
		l.setPhase(PhaseKilled)
		return policy.Decision{}, nil, fmt.Errorf("%w: %s", ErrKilled, reason)
	}

	episodeID := ulid.Make().String()

	// Perceive: pull context from memory before asking the model.
	l.setPhase(PhasePerceiving)
	pc := reasoning.ProposalContext{
		IncidentID:   incidentID,
		EpisodeID:    episodeID,
		Observation:  obs,
		ActionsTaken: state.ActionsTaken,
		MaxActions:   state.MaxActions,
	}
	if similar, err := l.deps.Episodic.FindSimilar(obs.Content, 3); err == nil {
		for _, s := range similar {
			pc.SimilarSummary = append(pc.SimilarSummary,
				fmt.Sprintf("%s: %s after %d steps", s.Memory.IncidentID, s.Memory.FinalOutcome, s.Memory.Summary.Steps))
		}
	}
	if l.deps.Semantic != nil {
		for _, rec := range l.deps.Semantic.RecommendTools(obs.Source) {
			pc.RecommendedTool = append(pc.RecommendedTool, rec.Tool)
		}
	}

	// Reason. Model failures escalate; they never crash the loop.
	l.setPhase(PhaseReasoning)
	action, trace, err := l.deps.Model.Propose(ctx, pc)
	if err != nil {
		if ctx.Err() != nil {
			l.setPhase(PhaseIdle)
			return policy.Decision{}, nil, ctx.Err()
		}
		d := policy.Decision{
			Type:   policy.DecisionEscalate,
			Reason: fmt.Sprintf("Model error: %v", err),
			Rule:   ruleModelError,
		}
		l.setPhase(PhaseEscalated)
		return d, nil, l.finishStep(episodeID, obs, nil, d, nil, nil)
	}

	// Policy. An evaluation error is an invariant breach: abort.
	l.setPhase(PhasePolicy)
	d, err := l.deps.Policy.Evaluate(action, state)
	if err != nil {
		l.ledgerAppend(ledger.EntryBreach, "policy", "evaluate", incidentID, map[string]any{
			"tool":  action.Tool,
			"error": err.Error(),
		})
		return policy.Decision{}, nil, err
	}

	// Low model confidence overrides an ALLOW into a human check.
	minModel := l.cfg.Policy.MediumRiskMinModelConfidence * 100
	if d.Type == policy.DecisionAllow && action.ModelConfidence < minModel {
		d = policy.Decision{
			Type:   policy.DecisionWaitApproval,
			Reason: fmt.Sprintf("Low confidence (%.0f < %.0f)", action.ModelConfidence, minModel),
			Rule:   policy.RuleLowModelConfidence,
		}
	}

	switch d.Type {
	case policy.DecisionBlock:
		l.setPhase(PhaseBlocked)
		return d, nil, l.finishStep(episodeID, obs, &action, d, nil, nil)
	case policy.DecisionEscalate:
		l.alertEscalation(incidentID, action.Tool, d.Reason)
		l.setPhase(PhaseEscalated)
		return d, nil, l.finishStep(episodeID, obs, &action, d, nil, nil)
	case policy.DecisionWaitApproval:
		approved, blockReason, err := l.waitApproval(ctx, action, d, obs.Source)
		if err != nil {
			return policy.Decision{}, nil, err
		}
		if !approved {
			blocked := policy.Decision{Type: policy.DecisionBlock, Reason: blockReason, Rule: d.Rule}
			l.setPhase(PhaseBlocked)
			return blocked, nil, l.finishStep(episodeID, obs, &action, blocked, nil, nil)
		}
		heldBy := d.Rule
		d = policy.Decision{
			Type:   policy.DecisionAllow,
			Reason: fmt.Sprintf("Approved (%s)", d.Reason),
			Rule:   heldBy,
		}
		// A human overrode the hold: the holding rule gets a bypass mark.
		l.recordPolicyApplication(heldBy, memory.PolicyBypassed)
	}

	tool, _ := l.deps.Registry.Get(action.Tool)

	// Shadow-gated tools must pass the twin before production.
	if tool.ShadowBeforeProd && l.cfg.Shadow.Enabled && l.deps.Shadow != nil {
		l.setPhase(PhaseShadow)
		sim, err := l.deps.Shadow.Simulate(ctx, tool, action.Args)
		if err != nil {
			blocked := policy.Decision{
				Type:   policy.DecisionBlock,
				Reason: fmt.Sprintf("Shadow simulation unavailable: %v", err),
				Rule:   ruleShadowGate,
			}
			l.setPhase(PhaseBlocked)
			return blocked, nil, l.finishStep(episodeID, obs, &action, blocked, nil, nil)
		}
		if !sim.Passed {
			blocked := policy.Decision{
				Type:   policy.DecisionBlock,
				Reason: fmt.Sprintf("Shadow simulation %s (score %.0f): not promoting to %s", sim.Score.Category, sim.Score.Score, state.Environment),
				Rule:   ruleShadowGate,
			}
			l.setPhase(PhaseBlocked)
			return blocked, nil, l.finishStep(episodeID, obs, &action, blocked, nil, nil)
		}
	}

	// Kill check before any production side effect.
	if blocked, reason := l.deps.Kill.IsBlocked(incidentID); blocked {
		l.setPhase(PhaseKilled)
		return policy.Decision{}, nil, fmt.Errorf("%w: %s", ErrKilled, reason)
	}

	// Charge the budget atomically before spending it. The reasoning
	// call that produced this action bills as the action's API cost.
	if l.deps.Economic != nil {
		cost := memory.ActionCost{ComputeUSD: tool.CostUSD, APIUSD: trace.CostUSD}
		if err := l.deps.Economic.Charge(l.tenant, tool.ID, incidentID, cost); err != nil {
			if errors.Is(err, memory.ErrBudgetExceeded) {
				escalated := policy.Decision{
					Type:   policy.DecisionEscalate,
					Reason: fmt.Sprintf("Budget exceeded: %v", err),
					Rule:   ruleBudget,
				}
				l.alertBudget(incidentID, tool.ID, err)
				l.setPhase(PhaseEscalated)
				return escalated, nil, l.finishStep(episodeID, obs, &action, escalated, nil, nil)
			}
			return policy.Decision{}, nil, fmt.Errorf("charge budget: %w", err)
		}
	}

	l.setPhase(PhaseExecuting)
	out := l.deps.Executor.Execute(ctx, action.Tool, action.Args)

	l.setPhase(PhaseScoring)
	attempt := l.attempts[action.Tool] + 1
	score := l.deps.Scorer.Score(out, outcome.Context{
		Tool:        action.Tool,
		Risk:        tool.Risk,
		Attempt:     attempt,
		KnownTool:   true,
		Environment: state.Environment,
	})
	if out.Success {
		l.deps.Scorer.RecordBaseline(action.Tool, out.ExecutionTimeMS)
		delete(l.attempts, action.Tool)
	} else {
		l.attempts[action.Tool] = attempt
	}

	l.setPhase(PhaseMemorizing)
	l.deps.Policy.UpdateToolStats(state, action.Tool, out.Success)
	state.ActionsTaken++
	state.LastActionFailed = !out.Success
	if out.Success {
		state.EscalationCount = 0
	} else {
		state.EscalationCount++
	}
	if l.deps.Semantic != nil {
		if err := l.deps.Semantic.RecordToolOutcome(action.Tool, obs.Source, out.Success); err != nil {
			l.logger.Warn("tool outcome not recorded", "tool", action.Tool, "error", err)
		}
	}
	if out.Success {
		l.recordPolicyApplication(d.Rule, memory.PolicyEffective)
	} else {
		l.recordPolicyApplication(d.Rule, memory.PolicyWrong)
	}

	if err := l.finishStep(episodeID, obs, &action, d, &out, &score); err != nil {
		return policy.Decision{}, nil, err
	}

	l.logger.Info("step complete",
		"incident_id", incidentID,
		"episode_id", episodeID,
		"tool", action.Tool,
		"decision", string(d.Type),
		"success", out.Success,
		"score", score.Score,
		"provider", trace.Provider)
	l.setPhase(PhaseIdle)
	return d, &out, nil
}

// waitApproval routes one held action through the gate. It returns
// approved=false with a human-readable reason for denial, expiry, or a
// missing gate; errors are reserved for cancellation and kills.
func (l *Loop) waitApproval(ctx context.Context, action incident.ProposedAction, d policy.Decision, source string) (bool, string, error) {
	if l.deps.Approvals == nil {
		return false, "No approval gate attached: " + d.Reason, nil
	}

	l.mu.Lock()
	incidentID := l.incidentID
	l.mu.Unlock()

	// A policy hold must reach a human: the gate's low/medium auto rules
	// judge by tool risk and would wave a low-risk tool straight through,
	// so the request is raised at high, same as sensitive-path markers.
	tool, _ := l.deps.Registry.Get(action.Tool)
	risk := tool.Risk
	if !risk.AtLeast(registry.RiskHigh) {
		risk = registry.RiskHigh
	}
	granted, reqID := l.deps.Approvals.CheckApproval(action, risk, approval.CheckContext{
		IncidentID:  incidentID,
		Source:      source,
		Environment: l.cfg.Policy.Environment,
	})
	if granted {
		return true, "", nil
	}
	if reqID == "" {
		return false, "Approval required but no request was created: " + d.Reason, nil
	}

	l.setPhase(PhaseWaitingApproval)
	approved, err := l.deps.Approvals.Wait(ctx, reqID)
	if err != nil {
		return false, "", err
	}
	if approved {
		return true, "", nil
	}
	if blocked, reason := l.deps.Kill.IsBlocked(incidentID); blocked {
		l.setPhase(PhaseKilled)
		return false, "", fmt.Errorf("%w: %s", ErrKilled, reason)
	}

	reason := "Approval not granted"
	if req, ok := l.deps.Approvals.Get(reqID); ok {
		switch req.Status {
		case approval.StatusRejected:
			reason = fmt.Sprintf("Approval rejected by %s: %s", req.Approver, req.RejectReason)
		case approval.StatusExpired:
			reason = "Approval request expired"
		}
	}
	return false, reason, nil
}

// finishStep appends the episode, persists the incident, writes the
// replay record, appends the ledger entry, and mirrors the decision into
// the audit store. Episode-order violations surface as breaches.
func (l *Loop) finishStep(episodeID string, obs incident.Observation, action *incident.ProposedAction, d policy.Decision, out *incident.Outcome, score *outcome.Score) error {
	l.mu.Lock()
	incidentID := l.incidentID
	mem := l.mem
	state := l.state
	l.mu.Unlock()

	ep := incident.EpisodeSnapshot{
		EpisodeID:      episodeID,
		IncidentID:     incidentID,
		Timestamp:      time.Now().UTC(),
		Observation:    obs,
		ActionTaken:    action,
		PolicyDecision: string(d.Type),
		PolicyReason:   d.Reason,
		Outcome:        out,
		SystemState: map[string]any{
			"environment":   state.Environment,
			"actions_taken": state.ActionsTaken,
		},
		PriorEpisodeIDs: mem.LastEpisodeIDs(3),
	}
	if action != nil {
		ep.ModelConfidence = action.ModelConfidence
	}

	if err := mem.Append(ep); err != nil {
		return safety.Breach(safety.InvariantEpisodeOrder, incidentID, "%v", err)
	}
	if err := l.deps.Episodic.SaveIncident(mem); err != nil {
		l.logger.Error("incident not persisted", "incident_id", incidentID, "error", err)
	}

	if _, err := l.deps.Replay.WriteStep(ReplayRecord{
		IncidentID: incidentID,
		Step:       mem.Summary.Steps,
		Episode:    ep,
		Decision:   d,
		Score:      score,
	}); err != nil {
		l.logger.Error("replay record not written", "incident_id", incidentID, "error", err)
	}

	entryType := ledger.EntryDecision
	switch {
	case out != nil:
		entryType = ledger.EntryExecution
	case d.Type == policy.DecisionEscalate:
		entryType = ledger.EntryEscalation
	}
	data := map[string]any{
		"episode_id": episodeID,
		"decision":   string(d.Type),
		"rule":       d.Rule,
		"reason":     d.Reason,
	}
	if action != nil {
		data["tool"] = action.Tool
		data["model_confidence"] = action.ModelConfidence
	}
	if out != nil {
		data["success"] = out.Success
		data["execution_time_ms"] = out.ExecutionTimeMS
	}
	if score != nil {
		data["score"] = score.Score
		data["category"] = string(score.Category)
	}
	entry := l.ledgerAppend(entryType, "loop", "step", incidentID, data)

	if l.deps.Audit != nil && action != nil {
		var args json.RawMessage
		if len(action.Args) > 0 {
			args, _ = json.Marshal(action.Args)
		}
		if err := l.deps.Audit.InsertDecision(&ledger.DecisionRow{
			ID:              episodeID,
			IncidentID:      incidentID,
			Timestamp:       ep.Timestamp,
			Tool:            action.Tool,
			Decision:        string(d.Type),
			Rule:            d.Rule,
			Reason:          d.Reason,
			ModelConfidence: action.ModelConfidence,
			Args:            args,
			EntryHash:       entry.Hash,
		}); err != nil {
			l.logger.Warn("audit decision row not written", "incident_id", incidentID, "error", err)
		}
	}

	l.publish("step_completed", ReplayRecord{
		IncidentID: incidentID,
		Step:       mem.Summary.Steps,
		Episode:    ep,
		Decision:   d,
		Score:      score,
	})
	return nil
}

func (l *Loop) ledgerAppend(entryType ledger.EntryType, actor, action, resourceID string, data map[string]any) ledger.Entry {
	if l.deps.Ledger == nil {
		return ledger.Entry{}
	}
	entry, err := l.deps.Ledger.Append(entryType, actor, action, resourceID, data)
	if err != nil {
		l.logger.Error("ledger append failed", "entry_type", string(entryType), "error", err)
	}
	return entry
}

func (l *Loop) recordPolicyApplication(rule string, result memory.ApplicationResult) {
	if l.deps.PolicyMem == nil || rule == "" {
		return
	}
	if err := l.deps.PolicyMem.RecordApplication(rule, "builtin", result); err != nil {
		l.logger.Warn("policy application not recorded", "rule", rule, "error", err)
	}
}

func (l *Loop) alertEscalation(incidentID, tool, reason string) {
	if l.deps.Alerts == nil {
		return
	}
	l.deps.Alerts.Send(alert.Alert{
		Type:       "escalation",
		Severity:   "warning",
		Title:      "Incident escalated to a human",
		Message:    reason,
		IncidentID: incidentID,
		Tool:       tool,
	})
}

func (l *Loop) alertBudget(incidentID, tool string, err error) {
	if l.deps.Alerts == nil {
		return
	}
	l.deps.Alerts.Send(alert.Alert{
		Type:       "budget_exhausted",
		Severity:   "critical",
		Title:      "Action budget exhausted",
		Message:    err.Error(),
		IncidentID: incidentID,
		Tool:       tool,
	})
}

// RunUntilResolved drives steps until the incident resolves, escalates,
// is blocked for good, or is killed. Consecutive BLOCK decisions are
// bounded by the action limit; an exhausted observation source without
// resolution escalates to a human.
func (l *Loop) RunUntilResolved(ctx context.Context, observe ObserveFunc, resolved ResolvedFunc) (incident.FinalOutcome, error) {
	l.mu.Lock()
	if l.mem == nil {
		l.mu.Unlock()
		return incident.OutcomeFailed, ErrNoIncident
	}
	incidentID := l.incidentID
	maxBlocks := l.state.MaxActions
	l.mu.Unlock()

	consecutiveBlocks := 0
	for {
		if ctx.Err() != nil {
			return l.close(incident.OutcomeFailed), ctx.Err()
		}
		if blocked, _ := l.deps.Kill.IsBlocked(incidentID); blocked {
			l.setPhase(PhaseKilled)
			return l.close(incident.OutcomeKilled), nil
		}
		if resolved(ctx) {
			return l.close(incident.OutcomeResolved), nil
		}

		obs, ok := observe(ctx)
		if !ok {
			l.logger.Info("observation source exhausted, escalating", "incident_id", incidentID)
			return l.close(incident.OutcomeEscalated), nil
		}

		d, _, err := l.RunStep(ctx, obs)
		switch {
		case errors.Is(err, ErrKilled):
			return l.close(incident.OutcomeKilled), nil
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return l.close(incident.OutcomeFailed), err
		case err != nil:
			return l.close(incident.OutcomeFailed), err
		}

		switch d.Type {
		case policy.DecisionEscalate:
			return l.close(incident.OutcomeEscalated), nil
		case policy.DecisionBlock:
			consecutiveBlocks++
			if consecutiveBlocks >= maxBlocks {
				return l.close(incident.OutcomeBlocked), nil
			}
		default:
			consecutiveBlocks = 0
		}
	}
}

// close marks the incident finished, persists the final memory, and
// writes the closing ledger entry. Idempotent like Memory.Close.
func (l *Loop) close(final incident.FinalOutcome) incident.FinalOutcome {
	l.mu.Lock()
	mem := l.mem
	incidentID := l.incidentID
	l.mu.Unlock()
	if mem == nil || mem.Closed() {
		return final
	}

	mem.Close(final)
	if err := l.deps.Episodic.SaveIncident(mem); err != nil {
		l.logger.Error("closed incident not persisted", "incident_id", incidentID, "error", err)
	}
	l.ledgerAppend(ledger.EntryIncidentClosed, "loop", "close", incidentID, map[string]any{
		"final_outcome": string(final),
		"steps":         mem.Summary.Steps,
		"successes":     mem.Summary.Successes,
		"failures":      mem.Summary.Failures,
	})
	if l.deps.Audit != nil {
		var spend float64
		if l.deps.Economic != nil {
			spend = l.deps.Economic.IncidentSpend(incidentID)
		}
		if err := l.deps.Audit.UpsertIncident(&ledger.IncidentRow{
			ID:           incidentID,
			StartedAt:    mem.StartedAt,
			ResolvedAt:   mem.ResolvedAt,
			FinalOutcome: string(final),
			Steps:        mem.Summary.Steps,
			Successes:    mem.Summary.Successes,
			Failures:     mem.Summary.Failures,
			TotalCostUSD: spend,
		}); err != nil {
			l.logger.Warn("audit incident row not updated", "incident_id", incidentID, "error", err)
		}
	}
	l.publish("incident_closed", map[string]any{
		"incident_id":   incidentID,
		"final_outcome": string(final),
	})
	l.logger.Info("incident closed",
		"incident_id", incidentID,
		"final_outcome", string(final),
		"steps", mem.Summary.Steps)
	return final
}
