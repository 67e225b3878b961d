// Package memory holds the four persistence layers behind the loop:
// episodic (what happened), semantic (what was learned), policy (how rules
// performed), and economic (what it cost), plus the batch distiller and the
// threat-DNA exchange built on top of them. Every store is single-writer;
// disk is authoritative and the in-memory side is a bounded cache.
package memory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aegisops/aegis/internal/incident"
)

// DefaultEpisodicCacheSize bounds the in-memory incident cache.
const DefaultEpisodicCacheSize = 128

// EpisodicStore persists closed incidents, one JSON file per incident.
type EpisodicStore struct {
	mu        sync.RWMutex
	dir       string
	cache     map[string]*incident.Memory
	cacheage  []string // insertion order for eviction
	cacheSize int
	logger    *slog.Logger
}

// NewEpisodicStore opens (creating if needed) the store directory.
func NewEpisodicStore(dir string, cacheSize int, logger *slog.Logger) (*EpisodicStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheSize <= 0 {
		cacheSize = DefaultEpisodicCacheSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create episodic dir: %w", err)
	}
	return &EpisodicStore{
		dir:       dir,
		cache:     make(map[string]*incident.Memory),
		cacheSize: cacheSize,
		logger:    logger.With("component", "memory.episodic"),
	}, nil
}

// SaveIncident persists an incident memory. The loop hands ownership over
// when the incident closes; open incidents may be checkpointed too.
func (s *EpisodicStore) SaveIncident(mem *incident.Memory) error {
	if mem == nil || mem.IncidentID == "" {
		return fmt.Errorf("episodic: nil or unidentified incident")
	}
	raw, err := json.MarshalIndent(mem, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal incident %s: %w", mem.IncidentID, err)
	}
	path := s.incidentPath(mem.IncidentID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write incident %s: %w", mem.IncidentID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish incident %s: %w", mem.IncidentID, err)
	}

	s.mu.Lock()
	s.cachePut(mem)
	s.mu.Unlock()
	return nil
}

// GetIncident loads an incident by id, from cache when possible.
func (s *EpisodicStore) GetIncident(incidentID string) (*incident.Memory, error) {
	s.mu.RLock()
	if mem, ok := s.cache[incidentID]; ok {
		s.mu.RUnlock()
		return mem, nil
	}
	s.mu.RUnlock()

	mem, err := s.loadFromDisk(incidentID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cachePut(mem)
	s.mu.Unlock()
	return mem, nil
}

// Similar pairs an incident with its overlap score for FindSimilar.
type Similar struct {
	Memory *incident.Memory
	Score  float64
}

// FindSimilar ranks stored incidents by word-set overlap between the query
// observation and the incidents' observation contents.
func (s *EpisodicStore) FindSimilar(observation string, limit int) ([]Similar, error) {
	if limit <= 0 {
		limit = 5
	}
	queryWords := wordSet(observation)
	if len(queryWords) == 0 {
		return nil, nil
	}

	ids, err := s.ListIncidentIDs()
	if err != nil {
		return nil, err
	}

	var matches []Similar
	for _, id := range ids {
		mem, err := s.GetIncident(id)
		if err != nil {
			s.logger.Warn("skipping unreadable incident", "incident_id", id, "error", err)
			continue
		}
		score := overlapScore(queryWords, incidentWords(mem))
		if score > 0 {
			matches = append(matches, Similar{Memory: mem, Score: score})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Memory.IncidentID < matches[j].Memory.IncidentID
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// ResolvedIncidents returns all incidents closed within the window ending
// now. A zero window means no time filter.
func (s *EpisodicStore) ResolvedIncidents(window time.Duration) ([]*incident.Memory, error) {
	ids, err := s.ListIncidentIDs()
	if err != nil {
		return nil, err
	}
	cutoff := time.Time{}
	if window > 0 {
		cutoff = time.Now().UTC().Add(-window)
	}

	var resolved []*incident.Memory
	for _, id := range ids {
		mem, err := s.GetIncident(id)
		if err != nil {
			s.logger.Warn("skipping unreadable incident", "incident_id", id, "error", err)
			continue
		}
		if !mem.Closed() {
			continue
		}
		if !cutoff.IsZero() && mem.ResolvedAt.Before(cutoff) {
			continue
		}
		resolved = append(resolved, mem)
	}
	return resolved, nil
}

// ListIncidentIDs lists stored incident ids, sorted.
func (s *EpisodicStore) ListIncidentIDs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read episodic dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// CacheLen reports how many incidents are cached, for tests and status.
func (s *EpisodicStore) CacheLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

func (s *EpisodicStore) incidentPath(incidentID string) string {
	return filepath.Join(s.dir, incidentID+".json")
}

func (s *EpisodicStore) loadFromDisk(incidentID string) (*incident.Memory, error) {
	raw, err := os.ReadFile(s.incidentPath(incidentID))
	if err != nil {
		return nil, fmt.Errorf("load incident %s: %w", incidentID, err)
	}
	var mem incident.Memory
	if err := json.Unmarshal(raw, &mem); err != nil {
		return nil, fmt.Errorf("decode incident %s: %w", incidentID, err)
	}
	return &mem, nil
}

// cachePut inserts under s.mu, evicting the oldest entry when full.
func (s *EpisodicStore) cachePut(mem *incident.Memory) {
	if _, exists := s.cache[mem.IncidentID]; exists {
		s.cache[mem.IncidentID] = mem
		return
	}
	for len(s.cache) >= s.cacheSize && len(s.cacheage) > 0 {
		oldest := s.cacheage[0]
		s.cacheage = s.cacheage[1:]
		delete(s.cache, oldest)
	}
	s.cache[mem.IncidentID] = mem
	s.cacheage = append(s.cacheage, mem.IncidentID)
}

func wordSet(text string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?()[]{}\"'")
		if len(w) >= 3 {
			words[w] = true
		}
	}
	return words
}

func incidentWords(mem *incident.Memory) map[string]bool {
	words := make(map[string]bool)
	for _, ep := range mem.Episodes {
		for w := range wordSet(ep.Observation.Content) {
			words[w] = true
		}
	}
	return words
}

// overlapScore is |intersection| / |query| in [0,1].
func overlapScore(query, candidate map[string]bool) float64 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for w := range query {
		if candidate[w] {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}
