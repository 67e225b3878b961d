// Package incident defines the domain types shared across the autonomy
// loop, policy engine, and memory stores: observations entering the
// system, actions proposed by a model, outcomes of tool executions, and
// the episode records that tie them together per incident.
package incident

import (
	"fmt"
	"time"
)

// FinalOutcome is the terminal state of a closed incident.
type FinalOutcome string

const (
	OutcomeResolved  FinalOutcome = "resolved"
	OutcomeEscalated FinalOutcome = "escalated"
	OutcomeBlocked   FinalOutcome = "blocked"
	OutcomeKilled    FinalOutcome = "killed"
	OutcomeFailed    FinalOutcome = "failed"
)

// Observation is a single input to the loop: a log line, metric burst,
// or alert. Immutable once created.
type Observation struct {
	Content   string         `json:"content"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ProposedAction is a validated model output: which tool to run and how.
// ModelConfidence is on a 0-100 scale as reported by the model.
type ProposedAction struct {
	Tool            string         `json:"tool"`
	Args            map[string]any `json:"args"`
	Reasoning       string         `json:"reasoning,omitempty"`
	ModelConfidence float64        `json:"model_confidence"`
}

// Outcome is the result of one tool execution. Produced exclusively by
// tool executors or the shadow runner; domain failures are carried in
// Error, never as a Go error.
type Outcome struct {
	Success         bool           `json:"success"`
	Error           string         `json:"error,omitempty"`
	SideEffects     bool           `json:"side_effects"`
	Data            map[string]any `json:"data,omitempty"`
	ExecutionTimeMS int64          `json:"execution_time_ms"`
}

// EpisodeSnapshot captures one loop step: what was observed, what was
// decided, and what happened. PriorEpisodeIDs holds ids (never
// references) of up to the three preceding episodes so snapshots stay
// acyclic and trivially serializable.
type EpisodeSnapshot struct {
	EpisodeID       string          `json:"episode_id"`
	IncidentID      string          `json:"incident_id"`
	Timestamp       time.Time       `json:"timestamp"`
	Observation     Observation     `json:"observation"`
	SystemState     map[string]any  `json:"system_state,omitempty"`
	ActionTaken     *ProposedAction `json:"action_taken,omitempty"`
	PolicyDecision  string          `json:"policy_decision"`
	PolicyReason    string          `json:"policy_reason,omitempty"`
	ModelConfidence float64         `json:"model_confidence"`
	Outcome         *Outcome        `json:"outcome,omitempty"`
	PriorEpisodeIDs []string        `json:"prior_episode_ids,omitempty"`
}

// Counters summarizes an incident's episodes.
type Counters struct {
	Steps     int `json:"steps"`
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
	Blocked   int `json:"blocked"`
	Escalated int `json:"escalated"`
}

// Memory is the full history of one incident. Owned exclusively by the
// incident's loop until closed, then transferred to the episodic store.
type Memory struct {
	IncidentID   string            `json:"incident_id"`
	StartedAt    time.Time         `json:"started_at"`
	ResolvedAt   *time.Time        `json:"resolved_at,omitempty"`
	FinalOutcome FinalOutcome      `json:"final_outcome,omitempty"`
	Episodes     []EpisodeSnapshot `json:"episodes"`
	Summary      Counters          `json:"summary"`
}

// NewMemory opens a fresh incident history.
func NewMemory(incidentID string) *Memory {
	return &Memory{
		IncidentID: incidentID,
		StartedAt:  time.Now().UTC(),
	}
}

// Append adds an episode in strict step order. Timestamps must be
// non-decreasing within one incident.
func (m *Memory) Append(ep EpisodeSnapshot) error {
	if ep.IncidentID != m.IncidentID {
		return fmt.Errorf("episode %s belongs to incident %s, not %s", ep.EpisodeID, ep.IncidentID, m.IncidentID)
	}
	if n := len(m.Episodes); n > 0 && ep.Timestamp.Before(m.Episodes[n-1].Timestamp) {
		return fmt.Errorf("episode %s timestamp precedes episode %s", ep.EpisodeID, m.Episodes[n-1].EpisodeID)
	}
	m.Episodes = append(m.Episodes, ep)
	m.Summary.Steps++
	switch {
	case ep.Outcome != nil && ep.Outcome.Success:
		m.Summary.Successes++
	case ep.Outcome != nil:
		m.Summary.Failures++
	}
	switch ep.PolicyDecision {
	case "BLOCK":
		m.Summary.Blocked++
	case "ESCALATE":
		m.Summary.Escalated++
	}
	return nil
}

// Close marks the incident resolved. Idempotent: the first call sets
// the final outcome and resolution time, later calls are no-ops.
func (m *Memory) Close(outcome FinalOutcome) {
	if m.ResolvedAt != nil {
		return
	}
	now := time.Now().UTC()
	m.ResolvedAt = &now
	m.FinalOutcome = outcome
}

// Closed reports whether the incident has been closed.
func (m *Memory) Closed() bool {
	return m.ResolvedAt != nil
}

// LastEpisodeIDs returns the ids of up to the last n episodes, oldest
// first, for use as PriorEpisodeIDs on the next snapshot.
func (m *Memory) LastEpisodeIDs(n int) []string {
	if n <= 0 || len(m.Episodes) == 0 {
		return nil
	}
	start := len(m.Episodes) - n
	if start < 0 {
		start = 0
	}
	ids := make([]string, 0, len(m.Episodes)-start)
	for _, ep := range m.Episodes[start:] {
		ids = append(ids, ep.EpisodeID)
	}
	return ids
}
