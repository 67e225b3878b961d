package loop

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aegisops/aegis/internal/incident"
	"github.com/aegisops/aegis/internal/outcome"
	"github.com/aegisops/aegis/internal/policy"
)

// ReplayRecord is one step as written to the replay buffer: everything
// needed to re-drive or audit the step offline.
type ReplayRecord struct {
	IncidentID string                   `json:"incident_id"`
	Step       int                      `json:"step"`
	Episode    incident.EpisodeSnapshot `json:"episode"`
	Decision   policy.Decision          `json:"decision"`
	Score      *outcome.Score           `json:"score,omitempty"`
	RecordedAt time.Time                `json:"recorded_at"`
}

// ReplayWriter persists one JSON file per step under the replay buffer
// directory, named <incident>_<ts>_<step>.json. Files for one incident
// sort lexicographically in step order.
type ReplayWriter struct {
	dir    string
	logger *slog.Logger
}

// NewReplayWriter creates the buffer directory if needed.
func NewReplayWriter(dir string, logger *slog.Logger) (*ReplayWriter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create replay buffer dir: %w", err)
	}
	return &ReplayWriter{
		dir:    dir,
		logger: logger.With("component", "loop.ReplayWriter"),
	}, nil
}

// WriteStep persists one record and returns the file path.
func (w *ReplayWriter) WriteStep(rec ReplayRecord) (string, error) {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal replay record: %w", err)
	}

	name := fmt.Sprintf("%s_%s_%04d.json", rec.IncidentID, rec.Episode.Timestamp.UTC().Format("20060102T150405.000000000"), rec.Step)
	path := filepath.Join(w.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write replay record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("replace replay record: %w", err)
	}
	return path, nil
}

// ReadIncident aggregates every record for one incident, in step order.
func (w *ReplayWriter) ReadIncident(incidentID string) ([]ReplayRecord, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("read replay buffer dir: %w", err)
	}

	prefix := incidentID + "_"
	var records []ReplayRecord
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(w.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read replay record %s: %w", name, err)
		}
		var rec ReplayRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			w.logger.Warn("skipping corrupt replay record", "file", name, "error", err)
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Step < records[j].Step })
	return records, nil
}
