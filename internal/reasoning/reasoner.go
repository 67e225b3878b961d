package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aegisops/aegis/internal/incident"
	"github.com/aegisops/aegis/internal/outcome"
	"github.com/aegisops/aegis/internal/provider"
	"github.com/aegisops/aegis/internal/registry"
)

const proposeSystem = `You are the reasoning engine of an autonomous operations agent.
Given an observation about an infrastructure or security incident, pick ONE tool
from the provided registry to make progress. Respond with ONLY a JSON object:
{"tool": "<tool id>", "args": {...}, "reasoning": "<why>", "confidence": <0-100>}.
Use only listed tools and include every required argument.`

// Reasoner turns observations into proposed actions and records a
// cognitive trace per step.
type Reasoner struct {
	orch   *Orchestrator
	reg    *registry.Registry
	traces *TraceWriter
	logger *slog.Logger
}

// NewReasoner wires the reasoner. A nil trace writer disables tracing.
func NewReasoner(orch *Orchestrator, reg *registry.Registry, traces *TraceWriter, logger *slog.Logger) *Reasoner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reasoner{
		orch:   orch,
		reg:    reg,
		traces: traces,
		logger: logger.With("component", "reasoning.reasoner"),
	}
}

// ProposalContext is everything the reasoner shows the model for one step.
type ProposalContext struct {
	IncidentID      string
	EpisodeID       string
	Observation     incident.Observation
	SimilarSummary  []string // one line per similar past incident
	RecommendedTool []string // semantic memory suggestions, best first
	ActionsTaken    int
	MaxActions      int
}

// proposalWire is the JSON shape the model is asked to return.
type proposalWire struct {
	Tool       string         `json:"tool"`
	Args       map[string]any `json:"args"`
	Reasoning  string         `json:"reasoning"`
	Confidence float64        `json:"confidence"`
}

// Propose asks the routing table's reasoning providers for one action.
// The returned trace has already been written when a writer is attached.
func (r *Reasoner) Propose(ctx context.Context, pc ProposalContext) (incident.ProposedAction, Trace, error) {
	resp, role, err := r.orch.Generate(ctx, TaskReasoning, provider.Request{
		System:      proposeSystem,
		Prompt:      r.buildPrompt(pc),
		Temperature: 0.2,
	})
	if err != nil {
		return incident.ProposedAction{}, Trace{}, err
	}

	action, err := ParseProposal(resp.Content)
	if err != nil {
		return incident.ProposedAction{}, Trace{}, fmt.Errorf("reasoning: %w", err)
	}

	tr := Trace{
		ReasoningHash:   Hash(pc.Observation.Content, action.Reasoning, &action),
		IncidentID:      pc.IncidentID,
		EpisodeID:       pc.EpisodeID,
		TaskType:        TaskReasoning,
		Provider:        role,
		Observation:     pc.Observation.Content,
		Reasoning:       action.Reasoning,
		Action:          &action,
		ModelConfidence: action.ModelConfidence,
		TokensUsed:      resp.TokensUsed,
		CostUSD:         resp.CostUSD,
		LatencyMS:       resp.LatencyMS,
	}
	if r.traces != nil {
		if _, werr := r.traces.Write(tr); werr != nil {
			r.logger.Warn("trace write failed", "incident_id", pc.IncidentID, "error", werr)
		}
	}
	return action, tr, nil
}

// ParseProposal decodes a model reply into a ProposedAction. Replies may
// wrap the JSON in prose or fences; confidence on a 0-1 scale is lifted
// to 0-100.
func ParseProposal(content string) (incident.ProposedAction, error) {
	obj, ok := outcome.ExtractJSONObject(content)
	if !ok {
		return incident.ProposedAction{}, fmt.Errorf("parse proposal: no JSON object in reply")
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return incident.ProposedAction{}, fmt.Errorf("parse proposal: %w", err)
	}
	var wire proposalWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return incident.ProposedAction{}, fmt.Errorf("parse proposal: %w", err)
	}
	if wire.Tool == "" {
		return incident.ProposedAction{}, fmt.Errorf("parse proposal: missing tool")
	}
	if wire.Args == nil {
		wire.Args = map[string]any{}
	}
	conf := wire.Confidence
	if conf <= 1.0 {
		conf *= 100
	}
	if conf < 0 {
		conf = 0
	}
	if conf > 100 {
		conf = 100
	}
	return incident.ProposedAction{
		Tool:            wire.Tool,
		Args:            wire.Args,
		Reasoning:       wire.Reasoning,
		ModelConfidence: conf,
	}, nil
}

func (r *Reasoner) buildPrompt(pc ProposalContext) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Incident: %s (step %d of %d)\n", pc.IncidentID, pc.ActionsTaken+1, pc.MaxActions)
	fmt.Fprintf(&sb, "Observation [%s]: %s\n", pc.Observation.Source, pc.Observation.Content)

	sb.WriteString("\nAvailable tools:\n")
	for _, t := range r.reg.All() {
		fmt.Fprintf(&sb, "- %s (risk=%s", t.ID, t.Risk)
		if len(t.RequiredInputKeys) > 0 {
			fmt.Fprintf(&sb, ", required args: %s", strings.Join(t.RequiredInputKeys, ", "))
		}
		sb.WriteString(")")
		if t.Description != "" {
			fmt.Fprintf(&sb, ": %s", t.Description)
		}
		sb.WriteString("\n")
	}

	if len(pc.RecommendedTool) > 0 {
		fmt.Fprintf(&sb, "\nTools that worked in this context before: %s\n",
			strings.Join(pc.RecommendedTool, ", "))
	}
	if len(pc.SimilarSummary) > 0 {
		sb.WriteString("\nSimilar past incidents:\n")
		for _, line := range pc.SimilarSummary {
			fmt.Fprintf(&sb, "- %s\n", line)
		}
	}
	return sb.String()
}
