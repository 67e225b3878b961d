package memory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ApplicationResult says how a policy application turned out.
type ApplicationResult string

const (
	PolicyEffective ApplicationResult = "effective"
	PolicyBypassed  ApplicationResult = "bypassed"
	PolicyWrong     ApplicationResult = "wrong"
)

// Policy confidence deltas and bounds.
const (
	policyConfidenceFloor = 0.10
	policyConfidenceCap   = 0.99
	effectiveDelta        = 0.02
	bypassedDelta         = -0.05
	wrongDelta            = -0.08

	// brittleMinApplications and brittleRatio define the brittle rule.
	brittleMinApplications = 5
	brittleRatio           = 0.3

	// deprecationAge is how long an unapplied policy stays before it is a
	// deprecation candidate.
	deprecationAge = 30 * 24 * time.Hour
)

// PolicyRecord tracks one policy's track record.
type PolicyRecord struct {
	PolicyID       string    `json:"policy_id"`
	RuleType       string    `json:"rule_type"`
	TimesApplied   int       `json:"times_applied"`
	TimesEffective int       `json:"times_effective"`
	TimesBypassed  int       `json:"times_bypassed"`
	TimesWrong     int       `json:"times_wrong"`
	Confidence     float64   `json:"confidence"`
	CreatedAt      time.Time `json:"created_at"`
	LastAppliedAt  time.Time `json:"last_applied_at"`
}

// Brittle reports whether the record meets the brittle rule: applied at
// least 5 times with over 30% wrong or bypassed.
func (r *PolicyRecord) Brittle() bool {
	if r.TimesApplied < brittleMinApplications {
		return false
	}
	return float64(r.TimesWrong+r.TimesBypassed)/float64(r.TimesApplied) > brittleRatio
}

// PolicyMemory tracks per-policy effectiveness, persisted as one JSON file.
type PolicyMemory struct {
	mu      sync.RWMutex
	dir     string
	records map[string]*PolicyRecord
	logger  *slog.Logger
}

// NewPolicyMemory opens the store, loading persisted records.
func NewPolicyMemory(dir string, logger *slog.Logger) (*PolicyMemory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create policy memory dir: %w", err)
	}
	m := &PolicyMemory{
		dir:     dir,
		records: make(map[string]*PolicyRecord),
		logger:  logger.With("component", "memory.policy"),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordApplication updates a policy's counters and confidence for one
// application. Unknown policies are created at confidence 0.5.
func (m *PolicyMemory) RecordApplication(policyID, ruleType string, result ApplicationResult) error {
	if policyID == "" {
		return fmt.Errorf("policy memory: policy id required")
	}
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[policyID]
	if !ok {
		r = &PolicyRecord{
			PolicyID:   policyID,
			RuleType:   ruleType,
			Confidence: 0.5,
			CreatedAt:  now,
		}
		m.records[policyID] = r
	}

	r.TimesApplied++
	r.LastAppliedAt = now
	switch result {
	case PolicyEffective:
		r.TimesEffective++
		r.Confidence += effectiveDelta
	case PolicyBypassed:
		r.TimesBypassed++
		r.Confidence += bypassedDelta
	case PolicyWrong:
		r.TimesWrong++
		r.Confidence += wrongDelta
	default:
		return fmt.Errorf("policy memory: unknown result %q", result)
	}
	if r.Confidence < policyConfidenceFloor {
		r.Confidence = policyConfidenceFloor
	}
	if r.Confidence > policyConfidenceCap {
		r.Confidence = policyConfidenceCap
	}
	return m.saveLocked()
}

// Get returns a copy of a policy record.
func (m *PolicyMemory) Get(policyID string) (PolicyRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[policyID]
	if !ok {
		return PolicyRecord{}, false
	}
	return *r, true
}

// BrittlePolicies lists records meeting the brittle rule, for review.
func (m *PolicyMemory) BrittlePolicies() []PolicyRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []PolicyRecord
	for _, r := range m.records {
		if r.Brittle() {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PolicyID < out[j].PolicyID })
	return out
}

// DeprecationCandidates lists policies unapplied for over 30 days.
func (m *PolicyMemory) DeprecationCandidates(now time.Time) []PolicyRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []PolicyRecord
	for _, r := range m.records {
		last := r.LastAppliedAt
		if last.IsZero() {
			last = r.CreatedAt
		}
		if now.Sub(last) > deprecationAge {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PolicyID < out[j].PolicyID })
	return out
}

// Records returns copies of all policy records, sorted by id.
func (m *PolicyMemory) Records() []PolicyRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PolicyRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PolicyID < out[j].PolicyID })
	return out
}

func (m *PolicyMemory) path() string {
	return filepath.Join(m.dir, "policies.json")
}

func (m *PolicyMemory) load() error {
	raw, err := os.ReadFile(m.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load policy memory: %w", err)
	}
	var records []*PolicyRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return fmt.Errorf("decode policy memory: %w", err)
	}
	for _, r := range records {
		m.records[r.PolicyID] = r
	}
	return nil
}

func (m *PolicyMemory) saveLocked() error {
	records := make([]*PolicyRecord, 0, len(m.records))
	for _, r := range m.records {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].PolicyID < records[j].PolicyID })
	return writeJSONFile(m.path(), records)
}
