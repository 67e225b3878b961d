// Package learning closes the loop between findings and playbooks: a
// signal classifier drops patterns that history says are noise, the
// playbook engine handles what it already knows, and verified LLM fixes
// become new playbooks. Every finding resolved without a model call is
// counted and priced.
package learning

import (
	"log/slog"
	"sync"
	"time"
)

// SignalClass labels a finding pattern.
type SignalClass string

const (
	// SignalActionable patterns have historically led to useful fixes.
	SignalActionable SignalClass = "ACTIONABLE"
	// SignalNoise patterns are mostly dismissed when a human looks.
	SignalNoise SignalClass = "NOISE"
)

const (
	// minSamples is how much history a pattern needs before it can be
	// called noise. Unseen patterns are always actionable.
	minSamples = 3

	// noiseClassBelow is the actionable-rate ceiling for the NOISE
	// class. Suppression additionally requires the rate to fall under
	// the configured value threshold, which sits well below this, so
	// borderline patterns are flagged but still processed.
	noiseClassBelow = 0.25

	// defaultWindow bounds how far back pattern history counts.
	defaultWindow = 24 * time.Hour

	// maxSamplesPerPattern caps memory per pattern.
	maxSamplesPerPattern = 200
)

// Signal is the classifier's verdict for one pattern.
type Signal struct {
	Pattern    string      `json:"pattern"`
	Class      SignalClass `json:"class"`
	ValueScore float64     `json:"value_score"`
	Samples    int         `json:"samples"`
}

// sample is one historical observation of a pattern.
type sample struct {
	at         time.Time
	actionable bool
}

// PolicyLearner classifies finding patterns as signal or noise from a
// sliding window of verified outcomes. It fails open: patterns without
// enough history are actionable.
type PolicyLearner struct {
	mu      sync.Mutex
	history map[string][]sample

	window time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewPolicyLearner builds a learner with an empty history. window <= 0
// uses the 24 h default.
func NewPolicyLearner(window time.Duration, logger *slog.Logger) *PolicyLearner {
	if window <= 0 {
		window = defaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyLearner{
		history: make(map[string][]sample),
		window:  window,
		now:     time.Now,
		logger:  logger.With("component", "learning.PolicyLearner"),
	}
}

// RecordOutcome feeds one verified result back: actionable when the
// pattern led to a fix worth applying, false when it was dismissed.
func (l *PolicyLearner) RecordOutcome(pattern string, actionable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	samples := append(l.history[pattern], sample{at: now, actionable: actionable})
	samples = pruneSamples(samples, now.Add(-l.window))
	if len(samples) > maxSamplesPerPattern {
		samples = samples[len(samples)-maxSamplesPerPattern:]
	}
	l.history[pattern] = samples
}

// Evaluate classifies a pattern from its in-window history. The value
// score is the fraction of sightings that proved actionable.
func (l *PolicyLearner) Evaluate(pattern string) Signal {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	samples := pruneSamples(l.history[pattern], now.Add(-l.window))
	if len(samples) == 0 {
		delete(l.history, pattern)
	} else {
		l.history[pattern] = samples
	}

	sig := Signal{Pattern: pattern, Class: SignalActionable, ValueScore: 1.0, Samples: len(samples)}
	if len(samples) < minSamples {
		return sig
	}

	actionable := 0
	for _, s := range samples {
		if s.actionable {
			actionable++
		}
	}
	sig.ValueScore = float64(actionable) / float64(len(samples))
	if sig.ValueScore < noiseClassBelow {
		sig.Class = SignalNoise
	}
	return sig
}

// Forget drops a pattern's history, e.g. after an operator overrules a
// suppression.
func (l *PolicyLearner) Forget(pattern string) {
	l.mu.Lock()
	delete(l.history, pattern)
	l.mu.Unlock()
}

// Patterns returns how many patterns currently carry history.
func (l *PolicyLearner) Patterns() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.history)
}

func pruneSamples(samples []sample, cutoff time.Time) []sample {
	pruned := samples[:0]
	for _, s := range samples {
		if s.at.After(cutoff) {
			pruned = append(pruned, s)
		}
	}
	return pruned
}
