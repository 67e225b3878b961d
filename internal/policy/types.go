package policy

import (
	"time"
)

// DecisionType is the outcome of a policy evaluation. Closed set;
// callers switch exhaustively on it.
type DecisionType string

const (
	DecisionAllow        DecisionType = "ALLOW"
	DecisionBlock        DecisionType = "BLOCK"
	DecisionEscalate     DecisionType = "ESCALATE"
	DecisionWaitApproval DecisionType = "WAIT_APPROVAL"
)

// Decision carries the outcome, a human-readable reason, and the name
// of the rule that produced it (for policy-memory effectiveness
// tracking).
type Decision struct {
	Type   DecisionType `json:"type"`
	Reason string       `json:"reason"`
	Rule   string       `json:"rule,omitempty"`
}

// Built-in rule names, in evaluation order.
const (
	RuleSchema             = "schema_validation"
	RuleBlacklist          = "blacklist"
	RuleMaxActions         = "max_actions"
	RuleProdGate           = "prod_gate"
	RuleHighRiskApproval   = "high_risk_approval"
	RuleRepeatFailure      = "repeat_failure"
	RuleMediumRiskConf     = "medium_risk_confidence"
	RuleAllow              = "allow"
	RuleLowModelConfidence = "low_model_confidence"
)

// ToolState tracks per-incident trust in one tool. Confidence is
// clamped to [min, 1.0] on every update; once blacklisted a tool stays
// blacklisted for the incident's lifetime.
type ToolState struct {
	Confidence      float64    `json:"confidence"`
	FailureCount    int        `json:"failure_count"`
	UsageCount      int        `json:"usage_count"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
	IsBlacklisted   bool       `json:"is_blacklisted"`
	BlacklistReason string     `json:"blacklist_reason,omitempty"`
}

// AgentState is the per-incident mutable state. It is owned by the
// incident's loop: only that loop and the policy engine (called from
// it) touch it, so no lock is needed.
type AgentState struct {
	IncidentID       string                `json:"incident_id"`
	ActionsTaken     int                   `json:"actions_taken"`
	MaxActions       int                   `json:"max_actions"`
	Environment      string                `json:"environment"`
	EscalationCount  int                   `json:"escalation_count"`
	LastActionFailed bool                  `json:"last_action_failed"`
	ToolStates       map[string]*ToolState `json:"tool_states"`
}

// NewAgentState creates the state for a fresh incident.
func NewAgentState(incidentID string, maxActions int, environment string) *AgentState {
	if maxActions <= 0 {
		maxActions = 3
	}
	return &AgentState{
		IncidentID:  incidentID,
		MaxActions:  maxActions,
		Environment: environment,
		ToolStates:  make(map[string]*ToolState),
	}
}

// toolConfidence returns the tool's current confidence without
// materializing state for tools never seen.
func (s *AgentState) toolConfidence(toolID string, initial float64) float64 {
	if ts, ok := s.ToolStates[toolID]; ok {
		return ts.Confidence
	}
	return initial
}

// ensureToolState returns the tool's state, creating it at the initial
// confidence on first sight.
func (s *AgentState) ensureToolState(toolID string, initial float64) *ToolState {
	ts, ok := s.ToolStates[toolID]
	if !ok {
		ts = &ToolState{Confidence: initial}
		s.ToolStates[toolID] = ts
	}
	return ts
}

// DecisionRecord is one entry in the engine's bounded decision log.
type DecisionRecord struct {
	Timestamp       time.Time    `json:"timestamp"`
	IncidentID      string       `json:"incident_id"`
	Tool            string       `json:"tool"`
	Decision        DecisionType `json:"decision"`
	Reason          string       `json:"reason"`
	Rule            string       `json:"rule"`
	ModelConfidence float64      `json:"model_confidence"`
}
