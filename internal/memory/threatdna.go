package memory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const (
	dnaVersion = "1"

	// Imported facts arrive with discounted confidence so peer knowledge
	// never outranks locally earned evidence.
	importDiscount = 0.8
	importCap      = 0.6
)

// CleanFunc reports whether text is free of sensitive data. The exchange
// refuses to export any fact whose content fails this check.
type CleanFunc func(text string) bool

// ThreatDNA is the interchange envelope for abstracted semantic facts.
type ThreatDNA struct {
	Version    string    `json:"version"`
	Source     string    `json:"source"`
	ExportedAt time.Time `json:"exported_at"`
	Facts      []Fact    `json:"facts"`
}

// ExchangeReport summarizes one export or import.
type ExchangeReport struct {
	Path     string `json:"path"`
	Total    int    `json:"total"`
	Accepted int    `json:"accepted"`
	Skipped  int    `json:"skipped"`
}

// Exchange moves abstracted facts between agents. Export is gated on the
// sanitizer; import discounts peer confidence on arrival.
type Exchange struct {
	semantic  *SemanticStore
	exportDir string
	importDir string
	source    string
	clean     CleanFunc
	logger    *slog.Logger
}

// NewExchange wires a threat-DNA exchange over the semantic store.
func NewExchange(semantic *SemanticStore, exportDir, importDir, source string, clean CleanFunc, logger *slog.Logger) *Exchange {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exchange{
		semantic:  semantic,
		exportDir: exportDir,
		importDir: importDir,
		source:    source,
		clean:     clean,
		logger:    logger.With("component", "memory.threatdna"),
	}
}

// Export writes every sanitizer-clean fact to a timestamped file under
// the export directory and returns what it wrote.
func (e *Exchange) Export(now time.Time) (ExchangeReport, error) {
	if err := os.MkdirAll(e.exportDir, 0o755); err != nil {
		return ExchangeReport{}, fmt.Errorf("threatdna export: %w", err)
	}
	all := e.semantic.Facts()
	report := ExchangeReport{Total: len(all)}

	clean := make([]Fact, 0, len(all))
	for _, f := range all {
		if e.clean != nil && !e.clean(f.Content) {
			report.Skipped++
			e.logger.Warn("fact withheld from export", "fact_id", f.FactID)
			continue
		}
		clean = append(clean, f)
	}
	sort.Slice(clean, func(i, j int) bool { return clean[i].FactID < clean[j].FactID })
	report.Accepted = len(clean)

	envelope := ThreatDNA{
		Version:    dnaVersion,
		Source:     e.source,
		ExportedAt: now.UTC(),
		Facts:      clean,
	}
	report.Path = filepath.Join(e.exportDir, fmt.Sprintf("%s.json", now.UTC().Format("20060102_150405")))
	if err := writeJSONFile(report.Path, envelope); err != nil {
		return report, fmt.Errorf("threatdna export: %w", err)
	}
	e.logger.Info("threat DNA exported", "path", report.Path, "facts", report.Accepted, "withheld", report.Skipped)
	return report, nil
}

// Import merges one envelope's facts into the semantic store. Each fact
// arrives at confidence ×0.8 capped at 0.6; the store's usual merge rules
// apply from there.
func (e *Exchange) Import(path string) (ExchangeReport, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ExchangeReport{}, fmt.Errorf("threatdna import: %w", err)
	}
	var envelope ThreatDNA
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return ExchangeReport{}, fmt.Errorf("threatdna import %s: %w", path, err)
	}
	if envelope.Version != dnaVersion {
		return ExchangeReport{}, fmt.Errorf("threatdna import %s: unsupported version %q", path, envelope.Version)
	}

	report := ExchangeReport{Path: path, Total: len(envelope.Facts)}
	for _, f := range envelope.Facts {
		if f.FactID == "" || f.Content == "" {
			report.Skipped++
			continue
		}
		f.Confidence = min(importCap, f.Confidence*importDiscount)
		if err := e.semantic.UpsertFact(f); err != nil {
			return report, fmt.Errorf("threatdna import %s: %w", f.FactID, err)
		}
		report.Accepted++
	}
	e.logger.Info("threat DNA imported", "path", path, "source", envelope.Source, "facts", report.Accepted, "skipped", report.Skipped)
	return report, nil
}

// ImportAll imports every *.json envelope in the import directory in
// name order. A missing directory imports nothing.
func (e *Exchange) ImportAll() ([]ExchangeReport, error) {
	paths, err := filepath.Glob(filepath.Join(e.importDir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("threatdna import: %w", err)
	}
	sort.Strings(paths)
	reports := make([]ExchangeReport, 0, len(paths))
	for _, p := range paths {
		r, err := e.Import(p)
		if err != nil {
			return reports, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}
