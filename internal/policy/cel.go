package policy

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"

	"github.com/aegisops/aegis/internal/config"
	"github.com/aegisops/aegis/internal/incident"
	"github.com/aegisops/aegis/internal/registry"
)

// CompiledRule wraps a pre-compiled CEL program for fast repeated
// evaluation.
type CompiledRule struct {
	Expression string
	program    cel.Program
}

// CustomRule is an operator-authored guard evaluated after the built-in
// chain would allow. Its effect can only tighten: block, escalate, or
// wait_approval.
type CustomRule struct {
	Name    string
	Effect  DecisionType
	Message string
	rule    CompiledRule
}

// CELEvaluator compiles and evaluates CEL expressions against the
// action, agent state, and tool declaration. Expressions are compiled
// once at load time; evaluation is lock-free and safe for concurrent
// use.
type CELEvaluator struct {
	env    *cel.Env
	logger *slog.Logger
}

// NewCELEvaluator creates an evaluator with the variable declarations
// available in custom rule conditions.
func NewCELEvaluator(logger *slog.Logger) (*CELEvaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		// action.*
		cel.Variable("action.tool", cel.StringType),
		cel.Variable("action.args", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("action.model_confidence", cel.DoubleType),

		// state.*
		cel.Variable("state.environment", cel.StringType),
		cel.Variable("state.actions_taken", cel.IntType),
		cel.Variable("state.escalation_count", cel.IntType),
		cel.Variable("state.last_action_failed", cel.BoolType),

		// tool.*
		cel.Variable("tool.risk", cel.StringType),
		cel.Variable("tool.prod_allowed", cel.BoolType),
		cel.Variable("tool.confidence", cel.DoubleType),
		cel.Variable("tool.failure_count", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &CELEvaluator{
		env:    env,
		logger: logger.With("component", "policy.CELEvaluator"),
	}, nil
}

// CompileExpression parses and type-checks a CEL expression, returning
// a CompiledRule ready for evaluation. Load-time only, not hot path.
func (c *CELEvaluator) CompileExpression(expr string) (CompiledRule, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return CompiledRule{}, fmt.Errorf("CEL compile error in %q: %w", expr, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return CompiledRule{}, fmt.Errorf("CEL expression %q must evaluate to bool, got %s", expr, ast.OutputType())
	}

	prg, err := c.env.Program(ast)
	if err != nil {
		return CompiledRule{}, fmt.Errorf("CEL program creation failed for %q: %w", expr, err)
	}

	return CompiledRule{Expression: expr, program: prg}, nil
}

// CompileRule compiles a config rule and validates its effect. Effects
// that would loosen the built-in chain are rejected.
func (c *CELEvaluator) CompileRule(rc config.CustomRule) (CustomRule, error) {
	if rc.Name == "" {
		return CustomRule{}, fmt.Errorf("custom rule with empty name")
	}

	var effect DecisionType
	switch rc.Effect {
	case "block":
		effect = DecisionBlock
	case "escalate":
		effect = DecisionEscalate
	case "wait_approval":
		effect = DecisionWaitApproval
	default:
		return CustomRule{}, fmt.Errorf("custom rule %q: effect %q must be block, escalate, or wait_approval", rc.Name, rc.Effect)
	}

	compiled, err := c.CompileExpression(rc.Condition)
	if err != nil {
		return CustomRule{}, err
	}

	message := rc.Message
	if message == "" {
		message = fmt.Sprintf("Custom rule %q matched", rc.Name)
	}

	return CustomRule{
		Name:    rc.Name,
		Effect:  effect,
		Message: message,
		rule:    compiled,
	}, nil
}

// EvaluateRule runs a custom rule against one proposed action. Returns
// true when the rule fires.
func (c *CELEvaluator) EvaluateRule(rule CustomRule, action incident.ProposedAction, state *AgentState, tool registry.Tool) (bool, error) {
	args := action.Args
	if args == nil {
		// CEL map access on nil panics.
		args = map[string]any{}
	}

	var toolConf float64
	var toolFailures int
	if ts, ok := state.ToolStates[action.Tool]; ok {
		toolConf = ts.Confidence
		toolFailures = ts.FailureCount
	}

	vars := map[string]any{
		"action.tool":             action.Tool,
		"action.args":             args,
		"action.model_confidence": action.ModelConfidence,

		"state.environment":        state.Environment,
		"state.actions_taken":      int64(state.ActionsTaken),
		"state.escalation_count":   int64(state.EscalationCount),
		"state.last_action_failed": state.LastActionFailed,

		"tool.risk":          string(tool.Risk),
		"tool.prod_allowed":  tool.ProdAllowed,
		"tool.confidence":    toolConf,
		"tool.failure_count": int64(toolFailures),
	}

	out, _, err := rule.rule.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error for %q: %w", rule.rule.Expression, err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression %q returned non-bool: %T", rule.rule.Expression, out.Value())
	}
	return result, nil
}
