package learning

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aegisops/aegis/internal/config"
	"github.com/aegisops/aegis/internal/playbook"
)

type fakeFixer struct {
	applied       []string
	reviewed      []bool
	proposals     int
	applyReport   FixReport
	proposeReport FixReport
	applyErr      error
	proposeErr    error
}

func (f *fakeFixer) ApplyPlaybook(_ context.Context, _ playbook.Finding, p playbook.FixPlaybook, review bool) (FixReport, error) {
	f.applied = append(f.applied, p.PlaybookID)
	f.reviewed = append(f.reviewed, review)
	return f.applyReport, f.applyErr
}

func (f *fakeFixer) ProposeFix(context.Context, playbook.Finding) (FixReport, error) {
	f.proposals++
	return f.proposeReport, f.proposeErr
}

func newTestLoop(t *testing.T, fixer Fixer, books ...playbook.FixPlaybook) (*Loop, *playbook.Store) {
	t.Helper()
	cfg := config.DefaultConfig().Learning
	store := playbook.NewStore(cfg, "", nil)
	for _, p := range books {
		if err := store.Upsert(p); err != nil {
			t.Fatalf("upsert %s: %v", p.PlaybookID, err)
		}
	}
	engine := playbook.NewEngine(store, cfg, nil)
	learner := NewPolicyLearner(0, nil)
	return NewLoop(learner, engine, store, fixer, cfg, nil), store
}

func sqliFinding() playbook.Finding {
	return playbook.Finding{
		FindingID:   "F-6",
		FindingType: "SQL_INJECTION",
		Severity:    "high",
		Language:    "nodejs",
		Framework:   "express",
	}
}

func TestProcessFinding_PlaybookReuseSkipsLLM(t *testing.T) {
	fixer := &fakeFixer{applyReport: FixReport{Verification: playbook.VerifiedSuccess}}
	loop, store := newTestLoop(t, fixer, playbook.Builtins()...)

	res, err := loop.ProcessFinding(context.Background(), sqliFinding())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Path != PathPlaybook {
		t.Errorf("path = %s, want playbook", res.Path)
	}
	if res.PlaybookID != "PB-SQLI-NODE-EXPRESS-001" {
		t.Errorf("playbook_id = %s, want PB-SQLI-NODE-EXPRESS-001", res.PlaybookID)
	}
	if fixer.proposals != 0 {
		t.Errorf("llm proposals = %d, want 0", fixer.proposals)
	}
	if len(fixer.reviewed) != 1 || fixer.reviewed[0] {
		t.Errorf("reviewed = %v, want one unreviewed apply", fixer.reviewed)
	}

	stats := loop.Stats()
	if stats.LLMCallsSaved != 1 {
		t.Errorf("llm_calls_saved = %d, want 1", stats.LLMCallsSaved)
	}
	if stats.CostSavedUSD != loop.cfg.LLMCallCostUSD {
		t.Errorf("cost_saved = %v, want %v", stats.CostSavedUSD, loop.cfg.LLMCallCostUSD)
	}

	// The verified success nudged the playbook's confidence up.
	p, _ := store.Get("PB-SQLI-NODE-EXPRESS-001")
	if p.Confidence <= 0.92 {
		t.Errorf("confidence = %v, want > 0.92", p.Confidence)
	}
	if p.SuccessMetrics.Successes != 1 {
		t.Errorf("successes = %d, want 1", p.SuccessMetrics.Successes)
	}
}

func TestProcessFinding_ReviewTier(t *testing.T) {
	p := playbook.FixPlaybook{
		PlaybookID:     "PB-REVIEW-001",
		FindingType:    "XSS_STORED",
		FixStrategy:    playbook.FixStrategy{Description: "escape at render"},
		Confidence:     0.80,
		ApprovalPolicy: playbook.ApprovalHumanReview,
		Source:         playbook.SourceManual,
	}
	fixer := &fakeFixer{applyReport: FixReport{Verification: playbook.VerifiedSuccess}}
	loop, _ := newTestLoop(t, fixer, p)

	res, err := loop.ProcessFinding(context.Background(), playbook.Finding{FindingID: "F-7", FindingType: "XSS_STORED"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Path != PathPlaybookReview {
		t.Errorf("path = %s, want playbook_review", res.Path)
	}
	if len(fixer.reviewed) != 1 || !fixer.reviewed[0] {
		t.Errorf("reviewed = %v, want one reviewed apply", fixer.reviewed)
	}
}

func TestProcessFinding_SuppressesLearnedNoise(t *testing.T) {
	fixer := &fakeFixer{}
	loop, _ := newTestLoop(t, fixer)

	f := playbook.Finding{FindingID: "F-8", FindingType: "DEBUG_ENDPOINT", Language: "go"}
	for i := 0; i < 5; i++ {
		loop.learner.RecordOutcome(patternKey(f), false)
	}

	res, err := loop.ProcessFinding(context.Background(), f)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Path != PathSuppressed {
		t.Errorf("path = %s, want suppressed", res.Path)
	}
	if fixer.proposals != 0 || len(fixer.applied) != 0 {
		t.Error("suppressed finding must not reach any fixer path")
	}

	stats := loop.Stats()
	if stats.Suppressed != 1 || stats.LLMCallsSaved != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestProcessFinding_NoiseClassAboveThresholdStillRuns(t *testing.T) {
	fixer := &fakeFixer{proposeReport: FixReport{Dismissed: true}}
	loop, _ := newTestLoop(t, fixer)

	// 2 of 12 actionable: value score ~0.17, NOISE class but above the
	// 0.1 suppression threshold.
	f := playbook.Finding{FindingID: "F-9", FindingType: "WEAK_CIPHER"}
	for i := 0; i < 10; i++ {
		loop.learner.RecordOutcome(patternKey(f), false)
	}
	loop.learner.RecordOutcome(patternKey(f), true)
	loop.learner.RecordOutcome(patternKey(f), true)

	res, err := loop.ProcessFinding(context.Background(), f)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Path == PathSuppressed {
		t.Fatal("borderline noise must still be processed")
	}
	if res.Signal.Class != SignalNoise {
		t.Errorf("class = %s, want NOISE", res.Signal.Class)
	}
}

func TestProcessFinding_LLMSuccessMintsPlaybook(t *testing.T) {
	fixer := &fakeFixer{proposeReport: FixReport{
		Verification: playbook.VerifiedSuccess,
		Fix: playbook.FixStrategy{
			Description: "bound the regex input length",
			Template:    "if len(s) > 1024 { reject }",
		},
	}}
	loop, store := newTestLoop(t, fixer)

	f := playbook.Finding{FindingID: "F-10", FindingType: "REDOS", Language: "go"}
	res, err := loop.ProcessFinding(context.Background(), f)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Path != PathLLM {
		t.Errorf("path = %s, want llm", res.Path)
	}
	if res.MintedID == "" {
		t.Fatal("expected a minted playbook id")
	}
	if !strings.HasPrefix(res.MintedID, "PB-REDOS-") {
		t.Errorf("minted id = %s", res.MintedID)
	}

	minted, ok := store.Get(res.MintedID)
	if !ok {
		t.Fatal("minted playbook not in store")
	}
	if minted.Confidence != playbook.LLMConvertedConfidence || minted.Source != playbook.SourceLLMConverted {
		t.Errorf("minted = %+v", minted)
	}

	stats := loop.Stats()
	if stats.LLMCalls != 1 || stats.Minted != 1 || stats.LLMCallsSaved != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestProcessFinding_LLMFailureDoesNotMint(t *testing.T) {
	fixer := &fakeFixer{proposeReport: FixReport{
		Verification: playbook.VerifiedFailure,
		Fix:          playbook.FixStrategy{Description: "did not hold up"},
	}}
	loop, store := newTestLoop(t, fixer)

	res, err := loop.ProcessFinding(context.Background(), playbook.Finding{FindingID: "F-11", FindingType: "SSRF"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.MintedID != "" {
		t.Errorf("minted = %s, want none", res.MintedID)
	}
	if store.Len() != 0 {
		t.Errorf("store len = %d, want 0", store.Len())
	}
}

func TestProcessFinding_DismissalTrainsLearner(t *testing.T) {
	fixer := &fakeFixer{proposeReport: FixReport{Dismissed: true}}
	loop, _ := newTestLoop(t, fixer)

	f := playbook.Finding{FindingID: "F-12", FindingType: "INFO_BANNER"}
	for i := 0; i < 3; i++ {
		if _, err := loop.ProcessFinding(context.Background(), f); err != nil {
			t.Fatalf("process: %v", err)
		}
	}

	// Three dismissals later the pattern is suppressible.
	res, err := loop.ProcessFinding(context.Background(), f)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Path != PathSuppressed {
		t.Errorf("path = %s, want suppressed after repeated dismissals", res.Path)
	}
}

func TestProcessFinding_FixerErrorPropagates(t *testing.T) {
	fixer := &fakeFixer{proposeErr: errors.New("model unreachable")}
	loop, _ := newTestLoop(t, fixer)

	_, err := loop.ProcessFinding(context.Background(), playbook.Finding{FindingID: "F-13", FindingType: "NEW"})
	if err == nil {
		t.Fatal("expected fixer error")
	}
	if !strings.Contains(err.Error(), "F-13") {
		t.Errorf("error %q does not name the finding", err)
	}
}
