package incident

import (
	"testing"
	"time"
)

func TestMemoryAppendOrdering(t *testing.T) {
	m := NewMemory("inc-1")
	base := time.Now().UTC()

	ep1 := EpisodeSnapshot{EpisodeID: "ep-1", IncidentID: "inc-1", Timestamp: base, PolicyDecision: "ALLOW"}
	if err := m.Append(ep1); err != nil {
		t.Fatalf("append ep-1: %v", err)
	}

	ep2 := EpisodeSnapshot{EpisodeID: "ep-2", IncidentID: "inc-1", Timestamp: base.Add(time.Second), PolicyDecision: "ALLOW"}
	if err := m.Append(ep2); err != nil {
		t.Fatalf("append ep-2: %v", err)
	}

	// Out-of-order timestamp must be rejected.
	ep3 := EpisodeSnapshot{EpisodeID: "ep-3", IncidentID: "inc-1", Timestamp: base.Add(-time.Second)}
	if err := m.Append(ep3); err == nil {
		t.Fatal("expected error for out-of-order episode")
	}

	// Wrong incident id must be rejected.
	ep4 := EpisodeSnapshot{EpisodeID: "ep-4", IncidentID: "inc-other", Timestamp: base.Add(2 * time.Second)}
	if err := m.Append(ep4); err == nil {
		t.Fatal("expected error for foreign episode")
	}

	if len(m.Episodes) != 2 {
		t.Errorf("expected 2 episodes, got %d", len(m.Episodes))
	}
	if m.Summary.Steps != 2 {
		t.Errorf("expected 2 steps, got %d", m.Summary.Steps)
	}
}

func TestMemorySummaryCounters(t *testing.T) {
	m := NewMemory("inc-2")
	base := time.Now().UTC()

	episodes := []EpisodeSnapshot{
		{EpisodeID: "a", IncidentID: "inc-2", Timestamp: base, PolicyDecision: "ALLOW", Outcome: &Outcome{Success: true}},
		{EpisodeID: "b", IncidentID: "inc-2", Timestamp: base.Add(time.Second), PolicyDecision: "ALLOW", Outcome: &Outcome{Success: false, Error: "boom"}},
		{EpisodeID: "c", IncidentID: "inc-2", Timestamp: base.Add(2 * time.Second), PolicyDecision: "BLOCK"},
		{EpisodeID: "d", IncidentID: "inc-2", Timestamp: base.Add(3 * time.Second), PolicyDecision: "ESCALATE"},
	}
	for _, ep := range episodes {
		if err := m.Append(ep); err != nil {
			t.Fatalf("append %s: %v", ep.EpisodeID, err)
		}
	}

	if m.Summary.Successes != 1 || m.Summary.Failures != 1 {
		t.Errorf("success/failure counters wrong: %+v", m.Summary)
	}
	if m.Summary.Blocked != 1 || m.Summary.Escalated != 1 {
		t.Errorf("blocked/escalated counters wrong: %+v", m.Summary)
	}
}

func TestMemoryCloseIdempotent(t *testing.T) {
	m := NewMemory("inc-3")

	m.Close(OutcomeResolved)
	if !m.Closed() {
		t.Fatal("expected memory to be closed")
	}
	first := *m.ResolvedAt

	time.Sleep(5 * time.Millisecond)
	m.Close(OutcomeFailed)

	if m.FinalOutcome != OutcomeResolved {
		t.Errorf("second close overwrote outcome: %s", m.FinalOutcome)
	}
	if !m.ResolvedAt.Equal(first) {
		t.Error("second close moved resolved_at")
	}
}

func TestLastEpisodeIDs(t *testing.T) {
	m := NewMemory("inc-4")
	base := time.Now().UTC()
	for i, id := range []string{"e1", "e2", "e3", "e4"} {
		ep := EpisodeSnapshot{EpisodeID: id, IncidentID: "inc-4", Timestamp: base.Add(time.Duration(i) * time.Second)}
		if err := m.Append(ep); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}

	tests := []struct {
		name string
		n    int
		want []string
	}{
		{"last three", 3, []string{"e2", "e3", "e4"}},
		{"more than available", 10, []string{"e1", "e2", "e3", "e4"}},
		{"zero", 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.LastEpisodeIDs(tt.n)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("index %d: got %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}
