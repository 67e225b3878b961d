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

// Confidence bounds for semantic facts.
const (
	factConfidenceFloor = 0.10
	factConfidenceCap   = 0.99
	reinforceDelta      = 0.10
	decayDelta          = 0.05
)

// Fact is one distilled piece of knowledge.
type Fact struct {
	FactID        string    `json:"fact_id"`
	Category      string    `json:"category"`
	Content       string    `json:"content"`
	Confidence    float64   `json:"confidence"`
	EvidenceCount int       `json:"evidence_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ToolPattern tracks how effective a tool has been in a context.
// Effectiveness is a sample-weighted moving average in [0,1].
type ToolPattern struct {
	Tool          string    `json:"tool"`
	Context       string    `json:"context"`
	Effectiveness float64   `json:"effectiveness"`
	SampleSize    int       `json:"sample_size"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Recommendation ranks a tool for a context.
type Recommendation struct {
	Tool          string  `json:"tool"`
	Effectiveness float64 `json:"effectiveness"`
	SampleSize    int     `json:"sample_size"`
	Weight        float64 `json:"weight"`
}

// SemanticStore holds facts and tool patterns, persisted as two JSON files.
type SemanticStore struct {
	mu       sync.RWMutex
	dir      string
	facts    map[string]*Fact
	patterns map[string]*ToolPattern // key: tool|context
	logger   *slog.Logger
}

// NewSemanticStore opens the store, loading any persisted state.
func NewSemanticStore(dir string, logger *slog.Logger) (*SemanticStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create semantic dir: %w", err)
	}
	s := &SemanticStore{
		dir:      dir,
		facts:    make(map[string]*Fact),
		patterns: make(map[string]*ToolPattern),
		logger:   logger.With("component", "memory.semantic"),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// UpsertFact inserts a fact or, when the id exists, refreshes its content
// and bumps evidence. Confidence takes the higher of stored and incoming.
func (s *SemanticStore) UpsertFact(f Fact) error {
	if f.FactID == "" {
		return fmt.Errorf("semantic: fact id required")
	}
	f.Confidence = clampFactConfidence(f.Confidence)
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.facts[f.FactID]
	if !ok {
		if f.CreatedAt.IsZero() {
			f.CreatedAt = now
		}
		f.UpdatedAt = now
		if f.EvidenceCount == 0 {
			f.EvidenceCount = 1
		}
		s.facts[f.FactID] = &f
		return s.saveFactsLocked()
	}
	existing.Content = f.Content
	existing.Category = f.Category
	if f.Confidence > existing.Confidence {
		existing.Confidence = f.Confidence
	}
	existing.EvidenceCount++
	existing.UpdatedAt = now
	return s.saveFactsLocked()
}

// GetFact returns a copy of the fact with that id.
func (s *SemanticStore) GetFact(factID string) (Fact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.facts[factID]
	if !ok {
		return Fact{}, false
	}
	return *f, true
}

// Facts returns copies of all facts, sorted by id.
func (s *SemanticStore) Facts() []Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Fact, 0, len(s.facts))
	for _, f := range s.facts {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FactID < out[j].FactID })
	return out
}

// Reinforce bumps a fact's confidence by 0.1, capped at 0.99.
func (s *SemanticStore) Reinforce(factID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.facts[factID]
	if !ok {
		return fmt.Errorf("semantic: unknown fact %s", factID)
	}
	f.Confidence = clampFactConfidence(f.Confidence + reinforceDelta)
	f.EvidenceCount++
	f.UpdatedAt = time.Now().UTC()
	return s.saveFactsLocked()
}

// Decay lowers a fact's confidence by 0.05, floored at 0.10.
func (s *SemanticStore) Decay(factID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.facts[factID]
	if !ok {
		return fmt.Errorf("semantic: unknown fact %s", factID)
	}
	f.Confidence = clampFactConfidence(f.Confidence - decayDelta)
	f.UpdatedAt = time.Now().UTC()
	return s.saveFactsLocked()
}

// RecordToolOutcome folds one execution result into the (tool, context)
// pattern: effectiveness moves by the sample-weighted average.
func (s *SemanticStore) RecordToolOutcome(tool, context string, success bool) error {
	if tool == "" {
		return fmt.Errorf("semantic: tool required")
	}
	value := 0.0
	if success {
		value = 1.0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := tool + "|" + context
	p, ok := s.patterns[key]
	if !ok {
		p = &ToolPattern{Tool: tool, Context: context}
		s.patterns[key] = p
	}
	n := float64(p.SampleSize)
	p.Effectiveness = (p.Effectiveness*n + value) / (n + 1)
	p.SampleSize++
	p.UpdatedAt = time.Now().UTC()
	return s.savePatternsLocked()
}

// RecommendTools ranks tools for a context by effectiveness weighted with
// sample maturity: weight = effectiveness × min(1, sample_size/10).
func (s *SemanticStore) RecommendTools(context string) []Recommendation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var recs []Recommendation
	for _, p := range s.patterns {
		if p.Context != context {
			continue
		}
		maturity := float64(p.SampleSize) / 10
		if maturity > 1 {
			maturity = 1
		}
		recs = append(recs, Recommendation{
			Tool:          p.Tool,
			Effectiveness: p.Effectiveness,
			SampleSize:    p.SampleSize,
			Weight:        p.Effectiveness * maturity,
		})
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Weight != recs[j].Weight {
			return recs[i].Weight > recs[j].Weight
		}
		return recs[i].Tool < recs[j].Tool
	})
	return recs
}

// Pattern returns a copy of the stored (tool, context) pattern.
func (s *SemanticStore) Pattern(tool, context string) (ToolPattern, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patterns[tool+"|"+context]
	if !ok {
		return ToolPattern{}, false
	}
	return *p, true
}

func clampFactConfidence(c float64) float64 {
	if c < factConfidenceFloor {
		return factConfidenceFloor
	}
	if c > factConfidenceCap {
		return factConfidenceCap
	}
	return c
}

// --- persistence ---

func (s *SemanticStore) factsPath() string {
	return filepath.Join(s.dir, "facts.json")
}

func (s *SemanticStore) patternsPath() string {
	return filepath.Join(s.dir, "tool_patterns.json")
}

func (s *SemanticStore) load() error {
	if raw, err := os.ReadFile(s.factsPath()); err == nil {
		var facts []*Fact
		if err := json.Unmarshal(raw, &facts); err != nil {
			return fmt.Errorf("decode facts: %w", err)
		}
		for _, f := range facts {
			s.facts[f.FactID] = f
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("load facts: %w", err)
	}

	if raw, err := os.ReadFile(s.patternsPath()); err == nil {
		var patterns []*ToolPattern
		if err := json.Unmarshal(raw, &patterns); err != nil {
			return fmt.Errorf("decode tool patterns: %w", err)
		}
		for _, p := range patterns {
			s.patterns[p.Tool+"|"+p.Context] = p
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("load tool patterns: %w", err)
	}
	return nil
}

func (s *SemanticStore) saveFactsLocked() error {
	facts := make([]*Fact, 0, len(s.facts))
	for _, f := range s.facts {
		facts = append(facts, f)
	}
	sort.Slice(facts, func(i, j int) bool { return facts[i].FactID < facts[j].FactID })
	return writeJSONFile(s.factsPath(), facts)
}

func (s *SemanticStore) savePatternsLocked() error {
	patterns := make([]*ToolPattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		patterns = append(patterns, p)
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Tool != patterns[j].Tool {
			return patterns[i].Tool < patterns[j].Tool
		}
		return patterns[i].Context < patterns[j].Context
	})
	return writeJSONFile(s.patternsPath(), patterns)
}

// writeJSONFile writes via a temp file then renames, so readers never see a
// torn write.
func writeJSONFile(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish %s: %w", filepath.Base(path), err)
	}
	return nil
}
