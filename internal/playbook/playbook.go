// Package playbook stores and matches learned fix strategies. A playbook
// binds a finding type plus context constraints to a concrete fix, with a
// confidence score that moves on verified outcomes. High-confidence
// matches bypass the language model entirely; that substitution is the
// system's main cost lever.
package playbook

import (
	"fmt"
	"strings"
	"time"
)

// ApprovalPolicy says who signs off before a playbook's fix is applied.
type ApprovalPolicy string

const (
	ApprovalAutoApply   ApprovalPolicy = "auto_apply"
	ApprovalHumanReview ApprovalPolicy = "human_review"
	ApprovalTeam        ApprovalPolicy = "team_approval"
)

// Source records where a playbook came from.
type Source string

const (
	SourceBuiltin      Source = "builtin"
	SourceManual       Source = "manual"
	SourceLLMConverted Source = "llm_converted"
	SourceLearned      Source = "learned"
)

// Verification outcomes fed back after a fix is applied.
type Verification string

const (
	VerifiedSuccess    Verification = "success"
	VerifiedFailure    Verification = "failure"
	VerifiedRegression Verification = "regression"
)

// Confidence bounds for stored playbooks.
const (
	MinConfidence = 0.10
	MaxConfidence = 0.99

	// LLMConvertedConfidence is the starting confidence of a playbook
	// minted from a verified LLM fix.
	LLMConvertedConfidence = 0.6
)

// ConstraintSet is one named set of required context fields. A set
// matches when every non-empty field equals the observed context value.
type ConstraintSet struct {
	Name      string `yaml:"name" json:"name"`
	Language  string `yaml:"language,omitempty" json:"language,omitempty"`
	Framework string `yaml:"framework,omitempty" json:"framework,omitempty"`
	Component string `yaml:"component,omitempty" json:"component,omitempty"`
	PathGlob  string `yaml:"path_glob,omitempty" json:"path_glob,omitempty"`
}

// FixStrategy is the actual remediation: what to do, the code or config
// template to apply, how to verify it, and how to back it out.
type FixStrategy struct {
	Description string   `yaml:"description" json:"description"`
	Template    string   `yaml:"template" json:"template"`
	Tests       []string `yaml:"tests,omitempty" json:"tests,omitempty"`
	Rollback    string   `yaml:"rollback,omitempty" json:"rollback,omitempty"`
}

// SuccessMetrics counts verified applications of one playbook.
type SuccessMetrics struct {
	Successes   int `yaml:"successes" json:"successes"`
	Failures    int `yaml:"failures" json:"failures"`
	Regressions int `yaml:"regressions" json:"regressions"`
}

// Applications is the total number of verified runs.
func (m SuccessMetrics) Applications() int {
	return m.Successes + m.Failures + m.Regressions
}

// FixPlaybook is one stored fix strategy. Identity is PlaybookID; the
// logical key is (FindingType, Language, Framework).
type FixPlaybook struct {
	PlaybookID         string          `yaml:"playbook_id" json:"playbook_id"`
	FindingType        string          `yaml:"finding_type" json:"finding_type"`
	Language           string          `yaml:"language,omitempty" json:"language,omitempty"`
	Framework          string          `yaml:"framework,omitempty" json:"framework,omitempty"`
	ContextConstraints []ConstraintSet `yaml:"context_constraints,omitempty" json:"context_constraints,omitempty"`
	FixStrategy        FixStrategy     `yaml:"fix_strategy" json:"fix_strategy"`
	Confidence         float64         `yaml:"confidence" json:"confidence"`
	ApprovalPolicy     ApprovalPolicy  `yaml:"approval_policy" json:"approval_policy"`
	AutoApplyThreshold float64         `yaml:"auto_apply_threshold,omitempty" json:"auto_apply_threshold,omitempty"`
	SuccessMetrics     SuccessMetrics  `yaml:"success_metrics" json:"success_metrics"`
	Source             Source          `yaml:"source" json:"source"`
	CreatedAt          time.Time       `yaml:"created_at,omitempty" json:"created_at,omitempty"`
	UpdatedAt          time.Time       `yaml:"updated_at,omitempty" json:"updated_at,omitempty"`
}

// Validate checks the fields a playbook cannot function without.
func (p *FixPlaybook) Validate() error {
	if p.PlaybookID == "" {
		return fmt.Errorf("playbook missing playbook_id")
	}
	if p.FindingType == "" {
		return fmt.Errorf("playbook %s: missing finding_type", p.PlaybookID)
	}
	if strings.TrimSpace(p.FixStrategy.Description) == "" {
		return fmt.Errorf("playbook %s: fix_strategy.description is empty", p.PlaybookID)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("playbook %s: confidence %.2f outside [0,1]", p.PlaybookID, p.Confidence)
	}
	switch p.ApprovalPolicy {
	case ApprovalAutoApply, ApprovalHumanReview, ApprovalTeam:
	case "":
		return fmt.Errorf("playbook %s: missing approval_policy", p.PlaybookID)
	default:
		return fmt.Errorf("playbook %s: unknown approval_policy %q", p.PlaybookID, p.ApprovalPolicy)
	}
	switch p.Source {
	case SourceBuiltin, SourceManual, SourceLLMConverted, SourceLearned:
	case "":
		return fmt.Errorf("playbook %s: missing source", p.PlaybookID)
	default:
		return fmt.Errorf("playbook %s: unknown source %q", p.PlaybookID, p.Source)
	}
	return nil
}

// CanAutoApply reports whether the fix may run without a human in the
// loop: auto_apply policy and confidence at or above the threshold.
func (p *FixPlaybook) CanAutoApply(defaultThreshold float64) bool {
	threshold := p.AutoApplyThreshold
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	return p.ApprovalPolicy == ApprovalAutoApply && p.Confidence >= threshold
}

// Finding is the normalized input to matching: what was found and the
// context it was found in.
type Finding struct {
	FindingID   string            `json:"finding_id"`
	FindingType string            `json:"finding_type"`
	Severity    string            `json:"severity,omitempty"`
	Language    string            `json:"language,omitempty"`
	Framework   string            `json:"framework,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
}

// contextValue looks a constraint field up in the finding, falling back
// to the finding's own language/framework fields.
func (f Finding) contextValue(key string) string {
	if v, ok := f.Context[key]; ok {
		return v
	}
	switch key {
	case "language":
		return f.Language
	case "framework":
		return f.Framework
	}
	return ""
}

// matchesConstraints reports whether all constraint sets accept the
// finding. A set accepts when each of its non-empty fields equals the
// observed context value (case-insensitive).
func (p *FixPlaybook) matchesConstraints(f Finding) bool {
	for _, cs := range p.ContextConstraints {
		if !constraintSetMatches(cs, f) {
			return false
		}
	}
	return true
}

func constraintSetMatches(cs ConstraintSet, f Finding) bool {
	fields := map[string]string{
		"language":  cs.Language,
		"framework": cs.Framework,
		"component": cs.Component,
		"path_glob": cs.PathGlob,
	}
	for key, want := range fields {
		if want == "" {
			continue
		}
		if !strings.EqualFold(f.contextValue(key), want) {
			return false
		}
	}
	return true
}

func clampConfidence(c float64) float64 {
	if c < MinConfidence {
		return MinConfidence
	}
	if c > MaxConfidence {
		return MaxConfidence
	}
	return c
}
