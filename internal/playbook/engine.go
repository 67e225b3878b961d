package playbook

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/aegisops/aegis/internal/config"
)

// DecisionType routes a finding to a fix path.
type DecisionType string

const (
	// UsePlaybook applies the matched fix without model involvement.
	UsePlaybook DecisionType = "USE_PLAYBOOK"
	// UsePlaybookWithReview applies the matched fix behind a human review.
	UsePlaybookWithReview DecisionType = "USE_PLAYBOOK_WITH_REVIEW"
	// UseLLM falls back to the reasoning path.
	UseLLM DecisionType = "USE_LLM"
)

// Match score bonuses for exact language/framework agreement.
const (
	languageBonus  = 0.1
	frameworkBonus = 0.1
)

// Decision is the engine's verdict for one finding.
type Decision struct {
	Type       DecisionType `json:"type"`
	PlaybookID string       `json:"playbook_id,omitempty"`
	MatchScore float64      `json:"match_score,omitempty"`
	Reason     string       `json:"reason"`
}

// Engine matches findings against the store and picks the fix path.
type Engine struct {
	store  *Store
	cfg    config.LearningConfig
	logger *slog.Logger
}

// NewEngine builds an engine over a store.
func NewEngine(store *Store, cfg config.LearningConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "playbook.Engine"),
	}
}

// Match returns the best-scoring playbook for a finding, or false when
// no candidate passes its context constraints. The score is the stored
// confidence plus bonuses for exact language and framework agreement.
func (e *Engine) Match(f Finding) (FixPlaybook, float64, bool) {
	candidates := e.store.ByFindingType(f.FindingType)
	var (
		best      FixPlaybook
		bestScore float64
		found     bool
	)
	for _, p := range candidates {
		if !p.matchesConstraints(f) {
			continue
		}
		score := p.Confidence
		if p.Language != "" && strings.EqualFold(p.Language, f.Language) {
			score += languageBonus
		}
		if p.Framework != "" && strings.EqualFold(p.Framework, f.Framework) {
			score += frameworkBonus
		}
		if !found || score > bestScore {
			best, bestScore, found = p, score, true
		}
	}
	return best, bestScore, found
}

// Decide picks the fix path for a finding. Auto-apply requires the
// playbook's own policy to allow it; a confident match without that
// policy still goes through review.
func (e *Engine) Decide(f Finding) Decision {
	p, score, ok := e.Match(f)
	if !ok {
		return Decision{
			Type:   UseLLM,
			Reason: fmt.Sprintf("no playbook for %s", f.FindingType),
		}
	}

	var d Decision
	switch {
	case p.Confidence >= e.autoThreshold(p) && p.ApprovalPolicy == ApprovalAutoApply:
		d = Decision{
			Type:       UsePlaybook,
			PlaybookID: p.PlaybookID,
			MatchScore: score,
			Reason:     fmt.Sprintf("%s confidence %.2f allows auto-apply", p.PlaybookID, p.Confidence),
		}
	case p.Confidence >= e.cfg.MinConfidenceForSuggestion:
		d = Decision{
			Type:       UsePlaybookWithReview,
			PlaybookID: p.PlaybookID,
			MatchScore: score,
			Reason:     fmt.Sprintf("%s confidence %.2f needs review", p.PlaybookID, p.Confidence),
		}
	default:
		d = Decision{
			Type:       UseLLM,
			PlaybookID: p.PlaybookID,
			MatchScore: score,
			Reason:     fmt.Sprintf("%s confidence %.2f below suggestion threshold", p.PlaybookID, p.Confidence),
		}
	}

	e.logger.Debug("playbook decision",
		"finding_type", f.FindingType,
		"decision", string(d.Type),
		"playbook_id", d.PlaybookID,
		"match_score", d.MatchScore)
	return d
}

func (e *Engine) autoThreshold(p FixPlaybook) float64 {
	if p.AutoApplyThreshold > 0 {
		return p.AutoApplyThreshold
	}
	return e.cfg.MinConfidenceForAuto
}

// CreatePlaybookFromLLMFix mints a playbook from a fix the model
// produced and verification confirmed. It starts at confidence 0.6 with
// source llm_converted, so several more verified successes are needed
// before it can auto-apply.
func (e *Engine) CreatePlaybookFromLLMFix(f Finding, fix FixStrategy) (FixPlaybook, error) {
	if strings.TrimSpace(fix.Description) == "" {
		return FixPlaybook{}, fmt.Errorf("llm fix for %s has no description", f.FindingType)
	}
	p := FixPlaybook{
		PlaybookID:  mintID(f.FindingType),
		FindingType: f.FindingType,
		Language:    f.Language,
		Framework:   f.Framework,
		FixStrategy: fix,
		Confidence:  LLMConvertedConfidence,
		// Converted fixes always go through a human until confidence
		// has been earned the slow way.
		ApprovalPolicy: ApprovalHumanReview,
		Source:         SourceLLMConverted,
	}
	if f.Language != "" || f.Framework != "" {
		p.ContextConstraints = []ConstraintSet{{
			Name:      "origin",
			Language:  f.Language,
			Framework: f.Framework,
		}}
	}
	if err := e.store.Upsert(p); err != nil {
		return FixPlaybook{}, err
	}
	e.logger.Info("playbook minted from llm fix",
		"playbook_id", p.PlaybookID,
		"finding_type", f.FindingType,
		"confidence", p.Confidence)
	return p, nil
}

func mintID(findingType string) string {
	slug := strings.ToUpper(strings.NewReplacer("_", "-", " ", "-").Replace(findingType))
	return fmt.Sprintf("PB-%s-%s", slug, ulid.Make().String())
}
