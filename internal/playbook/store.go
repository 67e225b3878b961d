package playbook

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aegisops/aegis/internal/config"
)

// Store holds playbooks in memory and optionally mirrors non-builtin
// ones to a directory as YAML. The map is guarded by one lock; each
// playbook additionally carries its own lock so confidence updates for
// different playbooks never serialize against each other.
type Store struct {
	mu    sync.RWMutex
	books map[string]*FixPlaybook
	locks map[string]*sync.Mutex

	cfg    config.LearningConfig
	dir    string // empty disables persistence
	logger *slog.Logger
}

// NewStore builds an empty store. dir, when non-empty, receives one
// YAML file per manual/learned/llm_converted playbook.
func NewStore(cfg config.LearningConfig, dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		books:  make(map[string]*FixPlaybook),
		locks:  make(map[string]*sync.Mutex),
		cfg:    cfg,
		dir:    dir,
		logger: logger.With("component", "playbook.Store"),
	}
}

// Upsert validates and stores a playbook, replacing any previous version
// with the same id. Non-builtin playbooks are persisted when the store
// has a directory.
func (s *Store) Upsert(p FixPlaybook) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	s.books[p.PlaybookID] = &p
	if _, ok := s.locks[p.PlaybookID]; !ok {
		s.locks[p.PlaybookID] = &sync.Mutex{}
	}
	s.mu.Unlock()

	return s.persist(&p)
}

// Get returns a copy of the playbook with the given id.
func (s *Store) Get(id string) (FixPlaybook, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.books[id]
	if !ok {
		return FixPlaybook{}, false
	}
	return *p, true
}

// ByFindingType returns copies of all playbooks indexed under a finding
// type, in stable id order.
func (s *Store) ByFindingType(findingType string) []FixPlaybook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []FixPlaybook
	for _, p := range s.books {
		if p.FindingType == findingType {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlaybookID < out[j].PlaybookID })
	return out
}

// All returns copies of every stored playbook, in stable id order.
func (s *Store) All() []FixPlaybook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FixPlaybook, 0, len(s.books))
	for _, p := range s.books {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlaybookID < out[j].PlaybookID })
	return out
}

// Len returns the number of stored playbooks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.books)
}

// RecordVerification applies one verified outcome to a playbook:
// +success_reward on success, −failure_penalty on failure,
// −regression_penalty on regression, clamped to [0.10, 0.99]. Updates
// for one playbook are serialized on its own lock; the map lock is not
// held while persisting.
func (s *Store) RecordVerification(id string, v Verification) (FixPlaybook, error) {
	s.mu.RLock()
	p, ok := s.books[id]
	lock := s.locks[id]
	s.mu.RUnlock()
	if !ok {
		return FixPlaybook{}, fmt.Errorf("playbook %s not found", id)
	}

	lock.Lock()
	switch v {
	case VerifiedSuccess:
		p.Confidence = clampConfidence(p.Confidence + s.cfg.SuccessReward)
		p.SuccessMetrics.Successes++
	case VerifiedFailure:
		p.Confidence = clampConfidence(p.Confidence - s.cfg.FailurePenalty)
		p.SuccessMetrics.Failures++
	case VerifiedRegression:
		p.Confidence = clampConfidence(p.Confidence - s.cfg.RegressionPenalty)
		p.SuccessMetrics.Regressions++
	default:
		lock.Unlock()
		return FixPlaybook{}, fmt.Errorf("playbook %s: unknown verification %q", id, v)
	}
	p.UpdatedAt = time.Now().UTC()
	updated := *p
	lock.Unlock()

	s.logger.Info("playbook verification recorded",
		"playbook_id", id,
		"verification", string(v),
		"confidence", updated.Confidence)
	return updated, s.persist(&updated)
}

// persist mirrors one playbook to the store directory. Builtin seeds
// stay code-defined and are never written out.
func (s *Store) persist(p *FixPlaybook) error {
	if s.dir == "" || p.Source == SourceBuiltin {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create playbooks dir: %w", err)
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal playbook %s: %w", p.PlaybookID, err)
	}
	path := filepath.Join(s.dir, p.PlaybookID+".yaml")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write playbook %s: %w", p.PlaybookID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace playbook %s: %w", p.PlaybookID, err)
	}
	return nil
}
