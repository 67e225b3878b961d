// Package policy implements the deterministic decision pipeline that
// gates every proposed action. Rules are evaluated in a strict order
// and the first match wins, so each decision is independently
// auditable. The engine never trusts the model: schema validation runs
// before any rule, and an ALLOW is re-checked against the blacklist and
// production-gate invariants before it is returned.
package policy

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/aegisops/aegis/internal/config"
	"github.com/aegisops/aegis/internal/incident"
	"github.com/aegisops/aegis/internal/registry"
	"github.com/aegisops/aegis/internal/safety"
)

// maxDecisionLog bounds the in-memory decision history served to the API.
const maxDecisionLog = 1000

// Engine evaluates proposed actions against the built-in rule chain
// plus any operator-authored CEL rules. Evaluation is synchronous and
// does no I/O. The engine is safe for concurrent use across incidents;
// per-incident AgentState is only ever touched by its owning loop.
type Engine struct {
	registry *registry.Registry
	cfg      config.PolicyConfig
	custom   []CustomRule
	celEval  *CELEvaluator

	mu  sync.Mutex // protects log
	log []DecisionRecord

	logger *slog.Logger
}

// NewEngine compiles the custom rules and returns an engine. A custom
// rule that fails to compile is skipped with a warning; the built-in
// chain never depends on CEL.
func NewEngine(reg *registry.Registry, cfg config.PolicyConfig, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "policy.Engine")

	celEval, err := NewCELEvaluator(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL evaluator: %w", err)
	}

	e := &Engine{
		registry: reg,
		cfg:      cfg,
		celEval:  celEval,
		logger:   logger,
	}

	for _, rc := range cfg.CustomRules {
		rule, err := celEval.CompileRule(rc)
		if err != nil {
			logger.Warn("skipping custom rule that failed to compile",
				"rule", rc.Name,
				"error", err,
			)
			continue
		}
		e.custom = append(e.custom, rule)
	}
	if len(e.custom) > 0 {
		logger.Info("custom policy rules loaded", "count", len(e.custom))
	}
	return e, nil
}

// Config returns the engine's policy thresholds.
func (e *Engine) Config() config.PolicyConfig {
	return e.cfg
}

// Evaluate runs the proposed action through the rule chain and returns
// the decision. The only error it can return is an invariant breach,
// which is a bug in this engine, never a property of the input:
// validation problems surface as BLOCK decisions.
func (e *Engine) Evaluate(action incident.ProposedAction, state *AgentState) (Decision, error) {
	d := e.decide(action, state)

	// Runtime assertions on ALLOW. Rule 1 and rule 3 should make these
	// unreachable; reaching them means the chain is corrupt.
	if d.Type == DecisionAllow {
		if ts, ok := state.ToolStates[action.Tool]; ok && ts.IsBlacklisted {
			return Decision{}, safety.Breach(safety.InvariantNoBlacklistedAllow, state.IncidentID,
				"tool %q allowed while blacklisted (%s)", action.Tool, ts.BlacklistReason)
		}
		if tool, ok := e.registry.Get(action.Tool); ok {
			if state.Environment == "production" && !tool.ProdAllowed {
				return Decision{}, safety.Breach(safety.InvariantProdGate, state.IncidentID,
					"tool %q allowed in production with prod_allowed=false", action.Tool)
			}
		}
	}

	e.record(state.IncidentID, action, d)
	return d, nil
}

// decide is the ordered rule chain. First match wins.
func (e *Engine) decide(action incident.ProposedAction, state *AgentState) Decision {
	// Schema pre-check.
	tool, ok := e.registry.Get(action.Tool)
	if !ok {
		return Decision{
			Type:   DecisionBlock,
			Reason: fmt.Sprintf("Schema validation failed: unknown tool %q", action.Tool),
			Rule:   RuleSchema,
		}
	}
	for _, key := range tool.RequiredInputKeys {
		if _, present := action.Args[key]; !present {
			return Decision{
				Type:   DecisionBlock,
				Reason: fmt.Sprintf("Schema validation failed: missing required input %q for tool %q", key, action.Tool),
				Rule:   RuleSchema,
			}
		}
	}

	// Rule 1: blacklisted tool.
	if ts, ok := state.ToolStates[action.Tool]; ok && ts.IsBlacklisted {
		return Decision{
			Type:   DecisionBlock,
			Reason: fmt.Sprintf("Tool %q is blacklisted: %s", action.Tool, ts.BlacklistReason),
			Rule:   RuleBlacklist,
		}
	}

	// Rule 2: action budget exhausted.
	if state.ActionsTaken >= state.MaxActions {
		return Decision{
			Type:   DecisionEscalate,
			Reason: fmt.Sprintf("Action limit reached (%d/%d)", state.ActionsTaken, state.MaxActions),
			Rule:   RuleMaxActions,
		}
	}

	// Rule 3: production gate.
	if state.Environment == "production" && !tool.ProdAllowed {
		return Decision{
			Type:   DecisionBlock,
			Reason: fmt.Sprintf("Tool %q is not allowed in production", action.Tool),
			Rule:   RuleProdGate,
		}
	}

	// Rule 4: high and critical risk always go to a human.
	if e.cfg.HighRiskRequiresApproval && tool.Risk.AtLeast(registry.RiskHigh) {
		return Decision{
			Type:   DecisionWaitApproval,
			Reason: fmt.Sprintf("Tool %q is %s risk, requires approval", action.Tool, tool.Risk),
			Rule:   RuleHighRiskApproval,
		}
	}

	// Rule 5: repeated failures escalate to a human.
	if state.LastActionFailed && state.EscalationCount >= 2 {
		return Decision{
			Type:   DecisionEscalate,
			Reason: fmt.Sprintf("Repeated failures (escalation_count=%d)", state.EscalationCount),
			Rule:   RuleRepeatFailure,
		}
	}

	// Rule 6: medium risk demands confidence from both sides.
	if tool.Risk == registry.RiskMedium {
		minModel := e.cfg.MediumRiskMinModelConfidence * 100
		if action.ModelConfidence < minModel {
			return Decision{
				Type:   DecisionEscalate,
				Reason: fmt.Sprintf("Medium-risk tool with low model confidence (%.0f < %.0f)", action.ModelConfidence, minModel),
				Rule:   RuleMediumRiskConf,
			}
		}
		toolConf := state.toolConfidence(action.Tool, e.cfg.InitialConfidence)
		if toolConf < e.cfg.MediumRiskMinToolConfidence {
			return Decision{
				Type:   DecisionEscalate,
				Reason: fmt.Sprintf("Medium-risk tool with low tool confidence (%.2f < %.2f)", toolConf, e.cfg.MediumRiskMinToolConfidence),
				Rule:   RuleMediumRiskConf,
			}
		}
	}

	// Custom rules run after the built-in chain would allow. They can
	// only tighten the decision; eval errors fail closed.
	for _, rule := range e.custom {
		fired, err := e.celEval.EvaluateRule(rule, action, state, tool)
		if err != nil {
			e.logger.Error("custom rule evaluation error, failing closed",
				"rule", rule.Name,
				"error", err,
			)
			return Decision{
				Type:   DecisionBlock,
				Reason: fmt.Sprintf("Policy rule %q evaluation error", rule.Name),
				Rule:   rule.Name,
			}
		}
		if fired {
			return Decision{
				Type:   rule.Effect,
				Reason: rule.Message,
				Rule:   rule.Name,
			}
		}
	}

	return Decision{
		Type:   DecisionAllow,
		Reason: "All policy checks passed",
		Rule:   RuleAllow,
	}
}

// UpdateToolStats applies the confidence and blacklist update after an
// action executed. The used tool is boosted or decayed by result; every
// other registered tool receives idle decay. Confidence is clamped to
// [min, 1.0] on every path.
func (e *Engine) UpdateToolStats(state *AgentState, usedTool string, success bool) {
	now := time.Now().UTC()

	used := state.ensureToolState(usedTool, e.cfg.InitialConfidence)
	used.UsageCount++
	used.LastUsedAt = &now
	if success {
		used.Confidence = math.Min(1.0, used.Confidence*e.cfg.SuccessBoost)
	} else {
		used.Confidence = math.Max(e.cfg.MinConfidence, used.Confidence*e.cfg.DecayFailed)
		used.FailureCount++
	}

	for _, id := range e.registry.IDs() {
		if id == usedTool {
			continue
		}
		ts := state.ensureToolState(id, e.cfg.InitialConfidence)
		ts.Confidence = math.Max(e.cfg.MinConfidence, ts.Confidence*e.cfg.DecayUnused)
	}

	for id, ts := range state.ToolStates {
		e.checkBlacklist(state.IncidentID, id, ts)
	}
}

// checkBlacklist applies the dynamic blacklist rule. The first
// triggering reason is recorded and sticks.
func (e *Engine) checkBlacklist(incidentID, toolID string, ts *ToolState) {
	if ts.IsBlacklisted {
		return
	}
	switch {
	case ts.FailureCount >= e.cfg.BlacklistFailureCount:
		ts.IsBlacklisted = true
		ts.BlacklistReason = fmt.Sprintf("Too many failures (%d)", ts.FailureCount)
	case ts.Confidence <= e.cfg.BlacklistMinConfidence:
		ts.IsBlacklisted = true
		ts.BlacklistReason = fmt.Sprintf("Confidence too low (%.2f)", ts.Confidence)
	default:
		return
	}
	e.logger.Warn("tool blacklisted",
		"incident_id", incidentID,
		"tool", toolID,
		"reason", ts.BlacklistReason,
	)
}

// record appends to the bounded decision log.
func (e *Engine) record(incidentID string, action incident.ProposedAction, d Decision) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.log = append(e.log, DecisionRecord{
		Timestamp:       time.Now().UTC(),
		IncidentID:      incidentID,
		Tool:            action.Tool,
		Decision:        d.Type,
		Reason:          d.Reason,
		Rule:            d.Rule,
		ModelConfidence: action.ModelConfidence,
	})
	if len(e.log) > maxDecisionLog {
		e.log = e.log[len(e.log)-maxDecisionLog:]
	}
}

// Decisions returns a copy of the decision log, newest last.
func (e *Engine) Decisions() []DecisionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]DecisionRecord, len(e.log))
	copy(out, e.log)
	return out
}
