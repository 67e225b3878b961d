package learning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/aegisops/aegis/internal/config"
	"github.com/aegisops/aegis/internal/playbook"
)

// Path names how a finding was handled.
type Path string

const (
	PathSuppressed     Path = "suppressed"
	PathPlaybook       Path = "playbook"
	PathPlaybookReview Path = "playbook_review"
	PathLLM            Path = "llm"
)

// FixReport is what a fixer hands back after working a finding.
// Dismissed marks the finding a false positive: no fix was applied and
// the verification fields are meaningless.
type FixReport struct {
	Verification playbook.Verification
	Dismissed    bool
	// Fix is the strategy the LLM path produced, used for minting.
	// Playbook paths leave it empty.
	Fix playbook.FixStrategy
}

// Fixer executes fixes. ApplyPlaybook runs a stored strategy, behind a
// human review when review is true; ProposeFix is the LLM fallback.
// Both block until verification is known and must honor ctx.
type Fixer interface {
	ApplyPlaybook(ctx context.Context, f playbook.Finding, p playbook.FixPlaybook, review bool) (FixReport, error)
	ProposeFix(ctx context.Context, f playbook.Finding) (FixReport, error)
}

// Result summarizes one processed finding.
type Result struct {
	Path         Path                  `json:"path"`
	PlaybookID   string                `json:"playbook_id,omitempty"`
	MintedID     string                `json:"minted_id,omitempty"`
	Signal       Signal                `json:"signal"`
	Verification playbook.Verification `json:"verification,omitempty"`
	Dismissed    bool                  `json:"dismissed,omitempty"`
}

// Stats counts what the loop has absorbed so far.
type Stats struct {
	Processed     int     `json:"processed"`
	Suppressed    int     `json:"suppressed"`
	PlaybookHits  int     `json:"playbook_hits"`
	LLMCalls      int     `json:"llm_calls"`
	LLMCallsSaved int     `json:"llm_calls_saved"`
	CostSavedUSD  float64 `json:"cost_saved_usd"`
	Minted        int     `json:"minted"`
}

// Loop is the per-finding orchestrator: suppress noise, prefer stored
// playbooks, fall back to the model, learn from whatever happened.
type Loop struct {
	learner *PolicyLearner
	engine  *playbook.Engine
	store   *playbook.Store
	fixer   Fixer
	cfg     config.LearningConfig

	mu     sync.Mutex
	stats  Stats
	logger *slog.Logger
}

// NewLoop wires the orchestrator.
func NewLoop(learner *PolicyLearner, engine *playbook.Engine, store *playbook.Store, fixer Fixer, cfg config.LearningConfig, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		learner: learner,
		engine:  engine,
		store:   store,
		fixer:   fixer,
		cfg:     cfg,
		logger:  logger.With("component", "learning.Loop"),
	}
}

// ProcessFinding drives one finding end to end. Suppressed findings
// return immediately with PathSuppressed; everything else blocks until
// the fixer reports verification.
func (l *Loop) ProcessFinding(ctx context.Context, f playbook.Finding) (Result, error) {
	pattern := patternKey(f)
	sig := l.learner.Evaluate(pattern)

	if sig.Class == SignalNoise && sig.ValueScore < l.cfg.NoiseValueThreshold {
		l.logger.Info("finding suppressed as noise",
			"finding_id", f.FindingID,
			"pattern", pattern,
			"value_score", sig.ValueScore)
		l.count(func(s *Stats) {
			s.Processed++
			s.Suppressed++
			s.LLMCallsSaved++
			s.CostSavedUSD += l.cfg.LLMCallCostUSD
		})
		return Result{Path: PathSuppressed, Signal: sig}, nil
	}

	decision := l.engine.Decide(f)
	switch decision.Type {
	case playbook.UsePlaybook, playbook.UsePlaybookWithReview:
		return l.runPlaybook(ctx, f, pattern, sig, decision)
	default:
		return l.runLLM(ctx, f, pattern, sig)
	}
}

func (l *Loop) runPlaybook(ctx context.Context, f playbook.Finding, pattern string, sig Signal, decision playbook.Decision) (Result, error) {
	p, ok := l.store.Get(decision.PlaybookID)
	if !ok {
		return Result{}, fmt.Errorf("finding %s: matched playbook %s disappeared", f.FindingID, decision.PlaybookID)
	}
	review := decision.Type == playbook.UsePlaybookWithReview

	report, err := l.fixer.ApplyPlaybook(ctx, f, p, review)
	if err != nil {
		return Result{}, fmt.Errorf("finding %s: apply %s: %w", f.FindingID, p.PlaybookID, err)
	}

	res := Result{
		Path:         PathPlaybook,
		PlaybookID:   p.PlaybookID,
		Signal:       sig,
		Verification: report.Verification,
		Dismissed:    report.Dismissed,
	}
	if review {
		res.Path = PathPlaybookReview
	}

	l.learner.RecordOutcome(pattern, !report.Dismissed)
	if !report.Dismissed {
		if _, err := l.store.RecordVerification(p.PlaybookID, report.Verification); err != nil {
			l.logger.Warn("verification not recorded", "playbook_id", p.PlaybookID, "error", err)
		}
	}

	l.count(func(s *Stats) {
		s.Processed++
		s.PlaybookHits++
		s.LLMCallsSaved++
		s.CostSavedUSD += l.cfg.LLMCallCostUSD
	})
	return res, nil
}

func (l *Loop) runLLM(ctx context.Context, f playbook.Finding, pattern string, sig Signal) (Result, error) {
	report, err := l.fixer.ProposeFix(ctx, f)
	if err != nil {
		return Result{}, fmt.Errorf("finding %s: llm fix: %w", f.FindingID, err)
	}

	res := Result{
		Path:         PathLLM,
		Signal:       sig,
		Verification: report.Verification,
		Dismissed:    report.Dismissed,
	}
	l.learner.RecordOutcome(pattern, !report.Dismissed)

	if !report.Dismissed && report.Verification == playbook.VerifiedSuccess &&
		strings.TrimSpace(report.Fix.Description) != "" {
		minted, err := l.engine.CreatePlaybookFromLLMFix(f, report.Fix)
		if err != nil {
			l.logger.Warn("playbook minting failed", "finding_id", f.FindingID, "error", err)
		} else {
			res.MintedID = minted.PlaybookID
		}
	}

	l.count(func(s *Stats) {
		s.Processed++
		s.LLMCalls++
		if res.MintedID != "" {
			s.Minted++
		}
	})
	return res, nil
}

// Stats returns a copy of the running counters.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

func (l *Loop) count(update func(*Stats)) {
	l.mu.Lock()
	update(&l.stats)
	l.mu.Unlock()
}

// patternKey identifies a signal pattern: the finding type plus the
// stack it appears on.
func patternKey(f playbook.Finding) string {
	parts := []string{f.FindingType}
	if f.Language != "" {
		parts = append(parts, strings.ToLower(f.Language))
	}
	if f.Framework != "" {
		parts = append(parts, strings.ToLower(f.Framework))
	}
	return strings.Join(parts, "|")
}
