package policy

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/aegisops/aegis/internal/config"
	"github.com/aegisops/aegis/internal/incident"
	"github.com/aegisops/aegis/internal/registry"
)

// TestAllowSoundnessProperty: for any proposed action and agent state,
// an ALLOW decision implies the tool is not blacklisted and, in
// production, is prod-allowed.
func TestAllowSoundnessProperty(t *testing.T) {
	reg, err := registry.New([]registry.Tool{
		{ID: "t_none", Risk: registry.RiskNone, ProdAllowed: true},
		{ID: "t_low", Risk: registry.RiskLow, ProdAllowed: true},
		{ID: "t_low_noprod", Risk: registry.RiskLow, ProdAllowed: false},
		{ID: "t_medium", Risk: registry.RiskMedium, ProdAllowed: true},
		{ID: "t_high", Risk: registry.RiskHigh, ProdAllowed: false},
		{ID: "t_critical", Risk: registry.RiskCritical, ProdAllowed: true},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	e, err := NewEngine(reg, config.DefaultConfig().Policy, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	tools := []string{"t_none", "t_low", "t_low_noprod", "t_medium", "t_high", "t_critical", "unknown_tool"}
	envs := []string{"dev", "staging", "production"}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("ALLOW implies not blacklisted and prod-gated", prop.ForAll(
		func(toolIdx, envIdx, actionsTaken, escalations int, lastFailed, blacklisted bool, modelConf float64) bool {
			toolID := tools[toolIdx%len(tools)]
			state := NewAgentState("inc-prop", 3, envs[envIdx%len(envs)])
			state.ActionsTaken = actionsTaken
			state.EscalationCount = escalations
			state.LastActionFailed = lastFailed
			if blacklisted {
				state.ToolStates[toolID] = &ToolState{Confidence: 0.5, IsBlacklisted: true, BlacklistReason: "Too many failures (2)"}
			}

			d, err := e.Evaluate(incident.ProposedAction{Tool: toolID, ModelConfidence: modelConf}, state)
			if err != nil {
				return false
			}
			if d.Type != DecisionAllow {
				return true
			}

			if ts, ok := state.ToolStates[toolID]; ok && ts.IsBlacklisted {
				return false
			}
			tool, ok := reg.Get(toolID)
			if !ok {
				return false // unknown tool must never be allowed
			}
			if state.Environment == "production" && !tool.ProdAllowed {
				return false
			}
			return true
		},
		gen.IntRange(0, len(tools)-1),
		gen.IntRange(0, len(envs)-1),
		gen.IntRange(0, 5),
		gen.IntRange(0, 4),
		gen.Bool(),
		gen.Bool(),
		gen.Float64Range(0, 100),
	))

	properties.TestingRun(t)
}

// TestConfidenceClampProperty: any sequence of stat updates keeps every
// tool confidence within [0.10, 1.00].
func TestConfidenceClampProperty(t *testing.T) {
	e := testEngine(t)
	toolIDs := e.registry.IDs()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("confidence stays in [0.10, 1.00]", prop.ForAll(
		func(seed []int) bool {
			state := NewAgentState("inc-prop", 3, "dev")
			for _, v := range seed {
				tool := toolIDs[abs(v)%len(toolIDs)]
				success := v%2 == 0
				e.UpdateToolStats(state, tool, success)
			}
			for _, ts := range state.ToolStates {
				if ts.Confidence < 0.10-1e-12 || ts.Confidence > 1.0+1e-12 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(-50, 50)),
	))

	properties.TestingRun(t)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
