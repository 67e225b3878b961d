package playbook

import (
	"math"
	"strings"
	"testing"

	"github.com/aegisops/aegis/internal/config"
)

func testStore(t *testing.T, books ...FixPlaybook) *Store {
	t.Helper()
	s := NewStore(config.DefaultConfig().Learning, "", nil)
	for _, p := range books {
		if err := s.Upsert(p); err != nil {
			t.Fatalf("upsert %s: %v", p.PlaybookID, err)
		}
	}
	return s
}

func testEngine(t *testing.T, books ...FixPlaybook) *Engine {
	t.Helper()
	return NewEngine(testStore(t, books...), config.DefaultConfig().Learning, nil)
}

func sqliFinding() Finding {
	return Finding{
		FindingID:   "F-100",
		FindingType: "SQL_INJECTION",
		Severity:    "high",
		Language:    "nodejs",
		Framework:   "express",
	}
}

func TestDecide_BuiltinSQLInjectionAutoApplies(t *testing.T) {
	e := testEngine(t, Builtins()...)

	d := e.Decide(sqliFinding())
	if d.Type != UsePlaybook {
		t.Fatalf("decision = %s (%s), want USE_PLAYBOOK", d.Type, d.Reason)
	}
	if d.PlaybookID != "PB-SQLI-NODE-EXPRESS-001" {
		t.Errorf("playbook_id = %s, want PB-SQLI-NODE-EXPRESS-001", d.PlaybookID)
	}
	// 0.92 confidence + 0.1 language + 0.1 framework.
	if math.Abs(d.MatchScore-1.12) > 1e-9 {
		t.Errorf("match_score = %v, want 1.12", d.MatchScore)
	}
}

func TestDecide_Tiers(t *testing.T) {
	base := FixPlaybook{
		FindingType:    "OPEN_REDIRECT",
		FixStrategy:    FixStrategy{Description: "validate redirect targets"},
		ApprovalPolicy: ApprovalAutoApply,
		Source:         SourceManual,
	}

	tests := []struct {
		name       string
		confidence float64
		policy     ApprovalPolicy
		want       DecisionType
	}{
		{"auto above threshold", 0.95, ApprovalAutoApply, UsePlaybook},
		{"at threshold", 0.90, ApprovalAutoApply, UsePlaybook},
		{"confident but review policy", 0.95, ApprovalHumanReview, UsePlaybookWithReview},
		{"suggestion band", 0.75, ApprovalAutoApply, UsePlaybookWithReview},
		{"below suggestion", 0.50, ApprovalAutoApply, UseLLM},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			p.PlaybookID = "PB-TEST-001"
			p.Confidence = tt.confidence
			p.ApprovalPolicy = tt.policy
			e := testEngine(t, p)

			d := e.Decide(Finding{FindingType: "OPEN_REDIRECT"})
			if d.Type != tt.want {
				t.Errorf("decision = %s (%s), want %s", d.Type, d.Reason, tt.want)
			}
		})
	}
}

func TestDecide_NoCandidates(t *testing.T) {
	e := testEngine(t, Builtins()...)

	d := e.Decide(Finding{FindingType: "NOVEL_FINDING"})
	if d.Type != UseLLM {
		t.Errorf("decision = %s, want USE_LLM", d.Type)
	}
	if d.PlaybookID != "" {
		t.Errorf("playbook_id = %s, want empty", d.PlaybookID)
	}
}

func TestMatch_ConstraintsMustAllHold(t *testing.T) {
	p := FixPlaybook{
		PlaybookID:  "PB-CONSTRAINED-001",
		FindingType: "SQL_INJECTION",
		Language:    "python",
		Framework:   "django",
		ContextConstraints: []ConstraintSet{
			{Name: "stack", Language: "python", Framework: "django"},
			{Name: "component", Component: "orders-api"},
		},
		FixStrategy:    FixStrategy{Description: "use the ORM, not raw cursors"},
		Confidence:     0.9,
		ApprovalPolicy: ApprovalHumanReview,
		Source:         SourceManual,
	}
	e := testEngine(t, p)

	tests := []struct {
		name    string
		finding Finding
		want    bool
	}{
		{
			"all constraints satisfied",
			Finding{FindingType: "SQL_INJECTION", Language: "python", Framework: "django",
				Context: map[string]string{"component": "orders-api"}},
			true,
		},
		{
			"missing component",
			Finding{FindingType: "SQL_INJECTION", Language: "python", Framework: "django"},
			false,
		},
		{
			"wrong language",
			Finding{FindingType: "SQL_INJECTION", Language: "ruby", Framework: "django",
				Context: map[string]string{"component": "orders-api"}},
			false,
		},
		{
			"case-insensitive match",
			Finding{FindingType: "SQL_INJECTION", Language: "Python", Framework: "Django",
				Context: map[string]string{"component": "Orders-API"}},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, ok := e.Match(tt.finding)
			if ok != tt.want {
				t.Errorf("match = %v, want %v", ok, tt.want)
			}
		})
	}
}

func TestMatch_PrefersExactStack(t *testing.T) {
	generic := FixPlaybook{
		PlaybookID:     "PB-SQLI-GENERIC-001",
		FindingType:    "SQL_INJECTION",
		FixStrategy:    FixStrategy{Description: "parameterize queries"},
		Confidence:     0.95,
		ApprovalPolicy: ApprovalHumanReview,
		Source:         SourceManual,
	}
	e := testEngine(t, append(Builtins(), generic)...)

	p, score, ok := e.Match(sqliFinding())
	if !ok {
		t.Fatal("expected a match")
	}
	// Exact nodejs/express beats the higher-confidence generic:
	// 0.92 + 0.2 bonuses > 0.95.
	if p.PlaybookID != "PB-SQLI-NODE-EXPRESS-001" {
		t.Errorf("matched %s (score %v), want PB-SQLI-NODE-EXPRESS-001", p.PlaybookID, score)
	}
}

func TestCreatePlaybookFromLLMFix(t *testing.T) {
	e := testEngine(t)

	f := Finding{FindingType: "PATH_TRAVERSAL", Language: "go", Framework: "stdlib"}
	p, err := e.CreatePlaybookFromLLMFix(f, FixStrategy{
		Description: "clean the path and verify it stays under the root",
		Template:    "filepath.Clean(...)",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.Confidence != LLMConvertedConfidence {
		t.Errorf("confidence = %v, want %v", p.Confidence, LLMConvertedConfidence)
	}
	if p.Source != SourceLLMConverted {
		t.Errorf("source = %s, want llm_converted", p.Source)
	}
	if p.ApprovalPolicy != ApprovalHumanReview {
		t.Errorf("approval_policy = %s, want human_review", p.ApprovalPolicy)
	}
	if !strings.HasPrefix(p.PlaybookID, "PB-PATH-TRAVERSAL-") {
		t.Errorf("playbook_id = %s, want PB-PATH-TRAVERSAL-<ulid>", p.PlaybookID)
	}

	stored, ok := e.store.Get(p.PlaybookID)
	if !ok {
		t.Fatal("minted playbook not stored")
	}
	if len(stored.ContextConstraints) != 1 || stored.ContextConstraints[0].Language != "go" {
		t.Errorf("constraints = %+v", stored.ContextConstraints)
	}

	// A second identical finding matches the minted playbook but stays
	// on the LLM path until confidence reaches the suggestion threshold.
	d := e.Decide(f)
	if d.Type != UseLLM {
		t.Fatalf("decision = %s, want USE_LLM at confidence 0.6", d.Type)
	}
	if d.PlaybookID != p.PlaybookID {
		t.Errorf("decision playbook = %s, want %s", d.PlaybookID, p.PlaybookID)
	}
}

func TestCreatePlaybookFromLLMFix_RequiresDescription(t *testing.T) {
	e := testEngine(t)
	if _, err := e.CreatePlaybookFromLLMFix(Finding{FindingType: "X"}, FixStrategy{}); err == nil {
		t.Error("expected error for empty fix description")
	}
}
