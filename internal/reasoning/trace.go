package reasoning

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aegisops/aegis/internal/incident"
)

// Trace is one cognitive-trace record: what the model was shown, what it
// said, and what action came out, keyed by the reasoning hash.
type Trace struct {
	ReasoningHash   string                   `json:"reasoning_hash"`
	IncidentID      string                   `json:"incident_id"`
	EpisodeID       string                   `json:"episode_id,omitempty"`
	Timestamp       time.Time                `json:"timestamp"`
	TaskType        TaskType                 `json:"task_type"`
	Provider        string                   `json:"provider"`
	Observation     string                   `json:"observation"`
	Reasoning       string                   `json:"reasoning"`
	Action          *incident.ProposedAction `json:"action,omitempty"`
	ModelConfidence float64                  `json:"model_confidence"`
	TokensUsed      int                      `json:"tokens_used"`
	CostUSD         float64                  `json:"cost_usd"`
	LatencyMS       int64                    `json:"latency_ms"`
}

// Hash binds the observation, the model's reasoning, and the canonical
// action JSON into one identity for the step.
func Hash(observation, reasoning string, action *incident.ProposedAction) string {
	h := sha256.New()
	h.Write([]byte(observation))
	h.Write([]byte(reasoning))
	if action != nil {
		raw, _ := json.Marshal(action)
		h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// TraceWriter persists one JSON file per reasoning step under
// data/cognitive_trace/.
type TraceWriter struct {
	dir    string
	logger *slog.Logger
}

// NewTraceWriter opens (creating if needed) the trace directory.
func NewTraceWriter(dir string, logger *slog.Logger) (*TraceWriter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	return &TraceWriter{dir: dir, logger: logger.With("component", "reasoning.trace")}, nil
}

// Write persists the trace and returns the file path. The filename is
// <YYYYMMDD_HHMMSS_ffffff>_<reasoning_hash>.json so traces sort by time
// and remain addressable by hash.
func (w *TraceWriter) Write(tr Trace) (string, error) {
	if tr.Timestamp.IsZero() {
		tr.Timestamp = time.Now().UTC()
	}
	if tr.ReasoningHash == "" {
		tr.ReasoningHash = Hash(tr.Observation, tr.Reasoning, tr.Action)
	}
	name := fmt.Sprintf("%s_%06d_%s.json",
		tr.Timestamp.Format("20060102_150405"),
		tr.Timestamp.Nanosecond()/1000,
		tr.ReasoningHash)
	path := filepath.Join(w.dir, name)

	raw, err := json.MarshalIndent(tr, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal trace: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("write trace: %w", err)
	}
	w.logger.Debug("trace written", "path", name, "incident_id", tr.IncidentID)
	return path, nil
}

// Recent returns up to n trace file paths, newest first.
func (w *TraceWriter) Recent(n int) ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("read trace dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	if n > 0 && len(names) > n {
		names = names[:n]
	}
	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = filepath.Join(w.dir, name)
	}
	return paths, nil
}
