// Package outcome turns raw tool results into scores, failure
// classifications, and retry proposals. Scoring is pure; the only state the
// package keeps is the per-tool execution-time baseline.
package outcome

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/aegisops/aegis/internal/incident"
	"github.com/aegisops/aegis/internal/registry"
)

// Category buckets a score for downstream consumers.
type Category string

const (
	CategorySuccess        Category = "success"
	CategoryPartialSuccess Category = "partial_success"
	CategoryFailure        Category = "failure"
	CategoryTimeout        Category = "timeout"
	CategoryBlocked        Category = "blocked"
	CategoryEscalated      Category = "escalated"
)

// Factor names as they appear in Score.Factors.
const (
	FactorSuccess       = "success"
	FactorSpeed         = "speed"
	FactorNoSideEffects = "no_side_effects"
	FactorFirstAttempt  = "first_attempt"
	FactorLowRisk       = "low_risk"
)

// Score is the full evaluation of one outcome. Score equals the sum of
// Factors, clamped to [0,100].
type Score struct {
	Score      float64            `json:"score"`
	Category   Category           `json:"category"`
	Confidence float64            `json:"confidence"`
	Factors    map[string]float64 `json:"factors"`
}

// Context describes the execution being scored.
type Context struct {
	Tool        string
	Risk        registry.RiskLevel
	Attempt     int // 1-based
	KnownTool   bool
	Environment string
}

// baselineWindow is how many recent successful runs feed the rolling mean.
const baselineWindow = 20

type baseline struct {
	samples []int64
}

func (b *baseline) add(ms int64) {
	b.samples = append(b.samples, ms)
	if len(b.samples) > baselineWindow {
		b.samples = b.samples[len(b.samples)-baselineWindow:]
	}
}

func (b *baseline) mean() (int64, bool) {
	if len(b.samples) == 0 {
		return 0, false
	}
	var sum int64
	for _, s := range b.samples {
		sum += s
	}
	return sum / int64(len(b.samples)), true
}

// Scorer evaluates outcomes. Score is pure and idempotent; RecordBaseline
// is the single mutating entry point and is safe for concurrent use.
type Scorer struct {
	mu        sync.RWMutex
	baselines map[string]*baseline
	logger    *slog.Logger
}

// NewScorer builds a Scorer with empty baselines.
func NewScorer(logger *slog.Logger) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{
		baselines: make(map[string]*baseline),
		logger:    logger.With("component", "scorer"),
	}
}

// Score evaluates one outcome against its execution context. Calling it
// twice with the same inputs yields the same Score.
func (s *Scorer) Score(out incident.Outcome, sctx Context) Score {
	factors := make(map[string]float64, 5)

	if out.Success {
		factors[FactorSuccess] = 40
	} else {
		factors[FactorSuccess] = 0
	}

	factors[FactorSpeed] = s.speedFactor(sctx.Tool, out.ExecutionTimeMS)

	if !out.SideEffects {
		factors[FactorNoSideEffects] = 15
	} else {
		factors[FactorNoSideEffects] = 0
	}

	factors[FactorFirstAttempt] = 0
	if out.Success {
		attempt := sctx.Attempt
		if attempt < 1 {
			attempt = 1
		}
		f := 15 - 5*float64(attempt-1)
		if f < 0 {
			f = 0
		}
		factors[FactorFirstAttempt] = f
	}

	factors[FactorLowRisk] = riskFactor(sctx.Risk)

	total := 0.0
	for _, v := range factors {
		total += v
	}
	if total < 0 {
		total = 0
	}
	if total > 100 {
		total = 100
	}

	return Score{
		Score:      total,
		Category:   categorize(total, out),
		Confidence: confidence(out, sctx),
		Factors:    factors,
	}
}

func (s *Scorer) speedFactor(tool string, execMS int64) float64 {
	s.mu.RLock()
	b, ok := s.baselines[tool]
	var mean int64
	if ok {
		mean, ok = b.mean()
	}
	s.mu.RUnlock()
	if !ok {
		return 10
	}
	if execMS < 1 {
		execMS = 1
	}
	f := 20 * float64(mean) / float64(execMS)
	if f > 20 {
		f = 20
	}
	return f
}

func riskFactor(risk registry.RiskLevel) float64 {
	switch risk {
	case registry.RiskNone:
		return 10
	case registry.RiskLow:
		return 8
	case registry.RiskMedium:
		return 5
	case registry.RiskHigh:
		return 2
	default:
		return 0
	}
}

func categorize(score float64, out incident.Outcome) Category {
	switch {
	case score >= 80:
		return CategorySuccess
	case score >= 50:
		return CategoryPartialSuccess
	case strings.Contains(strings.ToLower(out.Error), "timeout"),
		strings.Contains(strings.ToLower(out.Error), "timed out"):
		return CategoryTimeout
	default:
		return CategoryFailure
	}
}

func confidence(out incident.Outcome, sctx Context) float64 {
	c := 0.5
	switch {
	case len(out.Data) >= 3:
		c += 0.15
	case len(out.Data) > 0:
		c += 0.05
	}
	if out.Success || out.Error != "" {
		c += 0.2
	}
	if sctx.KnownTool {
		c += 0.15
	}
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return c
}

// RecordBaseline folds a successful execution time into the tool's rolling
// baseline. Failed runs must not be recorded.
func (s *Scorer) RecordBaseline(tool string, execMS int64) {
	if execMS <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.baselines[tool]
	if !ok {
		b = &baseline{}
		s.baselines[tool] = b
	}
	b.add(execMS)
}

// Baseline returns the current rolling-mean execution time for a tool.
func (s *Scorer) Baseline(tool string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.baselines[tool]
	if !ok {
		return 0, false
	}
	return b.mean()
}
