package memory

import (
	"testing"
	"time"
)

func newPolicyMemory(t *testing.T) *PolicyMemory {
	t.Helper()
	m, err := NewPolicyMemory(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestRecordApplicationDeltas(t *testing.T) {
	tests := []struct {
		name    string
		results []ApplicationResult
		want    float64
	}{
		{"effective from fresh", []ApplicationResult{PolicyEffective}, 0.52},
		{"bypassed from fresh", []ApplicationResult{PolicyBypassed}, 0.45},
		{"wrong from fresh", []ApplicationResult{PolicyWrong}, 0.42},
		{"mixed sequence", []ApplicationResult{PolicyEffective, PolicyEffective, PolicyWrong}, 0.46},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newPolicyMemory(t)
			for _, r := range tt.results {
				if err := m.RecordApplication("P-1", "action_limit", r); err != nil {
					t.Fatal(err)
				}
			}
			rec, ok := m.Get("P-1")
			if !ok {
				t.Fatal("record missing")
			}
			if !almostEqual(rec.Confidence, tt.want) {
				t.Errorf("confidence = %v, want %v", rec.Confidence, tt.want)
			}
			if rec.TimesApplied != len(tt.results) {
				t.Errorf("times applied = %d, want %d", rec.TimesApplied, len(tt.results))
			}
		})
	}
}

func TestPolicyConfidenceBounds(t *testing.T) {
	m := newPolicyMemory(t)
	for i := 0; i < 10; i++ {
		if err := m.RecordApplication("P-low", "x", PolicyWrong); err != nil {
			t.Fatal(err)
		}
	}
	rec, _ := m.Get("P-low")
	if rec.Confidence != 0.1 {
		t.Errorf("confidence = %v, want floor 0.1", rec.Confidence)
	}

	for i := 0; i < 30; i++ {
		if err := m.RecordApplication("P-high", "x", PolicyEffective); err != nil {
			t.Fatal(err)
		}
	}
	rec, _ = m.Get("P-high")
	if rec.Confidence != 0.99 {
		t.Errorf("confidence = %v, want cap 0.99", rec.Confidence)
	}
}

func TestRecordApplicationUnknownResult(t *testing.T) {
	m := newPolicyMemory(t)
	if err := m.RecordApplication("P-1", "x", ApplicationResult("shrug")); err == nil {
		t.Error("expected error for unknown result")
	}
	if err := m.RecordApplication("", "x", PolicyEffective); err == nil {
		t.Error("expected error for empty policy id")
	}
}

func TestBrittlePolicies(t *testing.T) {
	m := newPolicyMemory(t)
	apply := func(id string, results ...ApplicationResult) {
		for _, r := range results {
			if err := m.RecordApplication(id, "x", r); err != nil {
				t.Fatal(err)
			}
		}
	}
	// 2 of 5 wrong: 40% > 30% and enough applications.
	apply("P-brittle", PolicyEffective, PolicyWrong, PolicyEffective, PolicyWrong, PolicyEffective)
	// 2 of 4 wrong but under the application minimum.
	apply("P-young", PolicyWrong, PolicyWrong, PolicyEffective, PolicyEffective)
	// 3 of 10 wrong: exactly 30%, not over the line.
	apply("P-borderline",
		PolicyWrong, PolicyWrong, PolicyWrong,
		PolicyEffective, PolicyEffective, PolicyEffective, PolicyEffective,
		PolicyEffective, PolicyEffective, PolicyEffective)

	brittle := m.BrittlePolicies()
	if len(brittle) != 1 || brittle[0].PolicyID != "P-brittle" {
		t.Fatalf("brittle = %+v, want just P-brittle", brittle)
	}
	// Bypasses count against the policy the same as wrong calls.
	apply("P-bypassed", PolicyBypassed, PolicyBypassed, PolicyEffective, PolicyEffective, PolicyEffective)
	found := false
	for _, r := range m.BrittlePolicies() {
		if r.PolicyID == "P-bypassed" {
			found = true
		}
	}
	if !found {
		t.Error("policy with 40% bypasses should be brittle")
	}
}

func TestDeprecationCandidates(t *testing.T) {
	m := newPolicyMemory(t)
	if err := m.RecordApplication("P-used", "x", PolicyEffective); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	if got := m.DeprecationCandidates(now); len(got) != 0 {
		t.Errorf("fresh policy flagged for deprecation: %+v", got)
	}
	future := now.Add(31 * 24 * time.Hour)
	got := m.DeprecationCandidates(future)
	if len(got) != 1 || got[0].PolicyID != "P-used" {
		t.Errorf("candidates = %+v, want P-used after 31 days idle", got)
	}
}

func TestPolicyMemoryPersistence(t *testing.T) {
	dir := t.TempDir()
	m, err := NewPolicyMemory(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.RecordApplication("P-1", "action_limit", PolicyEffective); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewPolicyMemory(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	rec, ok := reopened.Get("P-1")
	if !ok {
		t.Fatal("record lost across reopen")
	}
	if !almostEqual(rec.Confidence, 0.52) || rec.TimesApplied != 1 {
		t.Errorf("reloaded record = %+v", rec)
	}
}
