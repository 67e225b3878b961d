package outcome

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aegisops/aegis/internal/incident"
)

// RepairFunc asks a model to rewrite broken tool arguments. Implementations
// must route the prompt through the reasoning orchestrator so it is
// sanitized before leaving the process.
type RepairFunc func(ctx context.Context, prompt string) (string, error)

// MutationKind names the strategy a mutation applied.
type MutationKind string

const (
	MutationTimeoutBump    MutationKind = "timeout_bump"
	MutationRetryUnchanged MutationKind = "retry_unchanged"
	MutationArgsRepaired   MutationKind = "args_repaired"
)

// Mutation is a proposed replacement action for a failed one.
type Mutation struct {
	Action incident.ProposedAction `json:"action"`
	Kind   MutationKind            `json:"kind"`
	Delay  time.Duration           `json:"delay"`
}

// Mutator proposes follow-up actions after tool failures.
type Mutator struct {
	classifier *Classifier
	repair     RepairFunc
	logger     *slog.Logger
}

// NewMutator builds a Mutator. repair may be nil; validation failures are
// then not repairable.
func NewMutator(classifier *Classifier, repair RepairFunc, logger *slog.Logger) *Mutator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mutator{
		classifier: classifier,
		repair:     repair,
		logger:     logger.With("component", "mutator"),
	}
}

// Propose returns a mutated action for a failed outcome, or nil when the
// failure does not warrant a retry. attempt counts attempts already made.
func (m *Mutator) Propose(ctx context.Context, action incident.ProposedAction, out incident.Outcome, attempt int) (*Mutation, error) {
	if out.Success {
		return nil, nil
	}
	cls := m.classifier.Classify(out.Error)

	switch cls.Type {
	case FailureTimeout, FailureTransient:
		if !ShouldRetry(cls, attempt) {
			return nil, nil
		}
		next := action
		next.Args = copyArgs(action.Args)
		kind := MutationRetryUnchanged
		if doubled, ok := doubleNumeric(next.Args["timeout"]); ok {
			next.Args["timeout"] = doubled
			kind = MutationTimeoutBump
		}
		return &Mutation{
			Action: next,
			Kind:   kind,
			Delay:  RetryDelay(cls.Type, attempt),
		}, nil

	case FailureDependency:
		if !ShouldRetry(cls, attempt) {
			return nil, nil
		}
		next := action
		next.Args = copyArgs(action.Args)
		return &Mutation{
			Action: next,
			Kind:   MutationRetryUnchanged,
			Delay:  RetryDelay(cls.Type, attempt),
		}, nil

	case FailureValidation:
		if m.repair == nil || attempt >= maxRetryAttempts {
			return nil, nil
		}
		repaired, err := m.repairArgs(ctx, action, out.Error)
		if err != nil {
			m.logger.Warn("argument repair failed", "tool", action.Tool, "error", err)
			return nil, nil
		}
		next := action
		next.Args = repaired
		return &Mutation{Action: next, Kind: MutationArgsRepaired}, nil

	default:
		return nil, nil
	}
}

func (m *Mutator) repairArgs(ctx context.Context, action incident.ProposedAction, errText string) (map[string]any, error) {
	argsJSON, err := json.Marshal(action.Args)
	if err != nil {
		return nil, fmt.Errorf("marshal args: %w", err)
	}
	prompt := fmt.Sprintf(`The tool %q rejected its arguments.

Arguments:
%s

Rejection:
%s

Return ONLY a corrected JSON object with the same keys where possible. No prose.`,
		action.Tool, argsJSON, errText)

	reply, err := m.repair(ctx, prompt)
	if err != nil {
		return nil, err
	}
	repaired, ok := ExtractJSONObject(reply)
	if !ok {
		return nil, fmt.Errorf("model reply is not a JSON object")
	}
	return repaired, nil
}

func copyArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

// doubleNumeric doubles a numeric value of any JSON-typical type.
func doubleNumeric(v any) (any, bool) {
	switch n := v.(type) {
	case float64:
		return n * 2, true
	case float32:
		return n * 2, true
	case int:
		return n * 2, true
	case int64:
		return n * 2, true
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f * 2, true
		}
		return nil, false
	default:
		return nil, false
	}
}

// ExtractJSONObject pulls a JSON object out of a model reply, trying the
// raw text, then a fenced ```json block, then the span from the first `{`
// to the last `}`.
func ExtractJSONObject(reply string) (map[string]any, bool) {
	text := strings.TrimSpace(reply)

	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err == nil {
		return obj, true
	}

	if block := fencedBlock(text); block != "" {
		if err := json.Unmarshal([]byte(block), &obj); err == nil {
			return obj, true
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(text[start:end+1]), &obj); err == nil {
			return obj, true
		}
	}
	return nil, false
}

func fencedBlock(text string) string {
	const fence = "```"
	start := strings.Index(text, fence+"json")
	if start < 0 {
		start = strings.Index(text, fence)
		if start < 0 {
			return ""
		}
		start += len(fence)
	} else {
		start += len(fence) + len("json")
	}
	rest := text[start:]
	end := strings.Index(rest, fence)
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}
