package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aegisops/aegis/internal/incident"
)

// Fact categories emitted by the distiller.
const (
	CategoryToolEffectiveness = "tool_effectiveness"
	CategoryToolSequence      = "tool_sequence"
)

const (
	effectiveRate   = 0.80
	ineffectiveRate = 0.20
	factConfCeiling = 0.95
)

// DistillerConfig bounds one distillation run.
type DistillerConfig struct {
	WindowDays  int
	MinSupport  int
	Concurrency int
}

func (c DistillerConfig) withDefaults() DistillerConfig {
	if c.WindowDays <= 0 {
		c.WindowDays = 7
	}
	if c.MinSupport <= 0 {
		c.MinSupport = 3
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// DistillReport summarizes one run.
type DistillReport struct {
	IncidentsScanned int           `json:"incidents_scanned"`
	ToolFacts        int           `json:"tool_facts"`
	SequenceFacts    int           `json:"sequence_facts"`
	Elapsed          time.Duration `json:"elapsed"`
}

// Distiller compresses resolved incident episodes into semantic facts:
// per-tool success rates and consecutive-tool bigrams.
type Distiller struct {
	episodic *EpisodicStore
	semantic *SemanticStore
	cfg      DistillerConfig
	logger   *slog.Logger
}

// NewDistiller wires a distiller over the episodic and semantic stores.
func NewDistiller(episodic *EpisodicStore, semantic *SemanticStore, cfg DistillerConfig, logger *slog.Logger) *Distiller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Distiller{
		episodic: episodic,
		semantic: semantic,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "memory.distiller"),
	}
}

type toolTally struct {
	success int
	total   int
}

// Distill aggregates every resolved incident in the window and upserts
// the facts the evidence supports.
func (d *Distiller) Distill(ctx context.Context) (DistillReport, error) {
	start := time.Now()
	window := time.Duration(d.cfg.WindowDays) * 24 * time.Hour
	incidents, err := d.episodic.ResolvedIncidents(window)
	if err != nil {
		return DistillReport{}, fmt.Errorf("distill: %w", err)
	}

	var (
		mu      sync.Mutex
		tools   = make(map[string]*toolTally)
		bigrams = make(map[[2]string]int)
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for _, mem := range incidents {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			t, b := tallyIncident(mem)
			mu.Lock()
			defer mu.Unlock()
			for tool, tl := range t {
				agg, ok := tools[tool]
				if !ok {
					agg = &toolTally{}
					tools[tool] = agg
				}
				agg.success += tl.success
				agg.total += tl.total
			}
			for pair, n := range b {
				bigrams[pair] += n
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return DistillReport{}, fmt.Errorf("distill: %w", err)
	}

	report := DistillReport{IncidentsScanned: len(incidents)}

	for _, tool := range sortedToolKeys(tools) {
		tl := tools[tool]
		if tl.total < d.cfg.MinSupport {
			continue
		}
		rate := float64(tl.success) / float64(tl.total)
		var fact Fact
		switch {
		case rate > effectiveRate:
			fact = Fact{
				FactID:   fmt.Sprintf("fact-tool-%s-effective", tool),
				Category: CategoryToolEffectiveness,
				Content: fmt.Sprintf("Tool %s is highly effective (%.0f%% success over %d uses)",
					tool, rate*100, tl.total),
				Confidence: min(factConfCeiling, rate),
			}
		case rate < ineffectiveRate:
			fact = Fact{
				FactID:   fmt.Sprintf("fact-tool-%s-ineffective", tool),
				Category: CategoryToolEffectiveness,
				Content: fmt.Sprintf("Tool %s rarely works (%.0f%% success over %d uses)",
					tool, rate*100, tl.total),
				Confidence: min(factConfCeiling, 1-rate),
			}
		default:
			continue
		}
		if err := d.semantic.UpsertFact(fact); err != nil {
			return report, fmt.Errorf("distill: upsert %s: %w", fact.FactID, err)
		}
		report.ToolFacts++
	}

	for _, pair := range sortedBigramKeys(bigrams) {
		n := bigrams[pair]
		if n < d.cfg.MinSupport {
			continue
		}
		fact := Fact{
			FactID:   fmt.Sprintf("fact-seq-%s-%s", pair[0], pair[1]),
			Category: CategoryToolSequence,
			Content: fmt.Sprintf("after %s, consider %s (observed %d times)",
				pair[0], pair[1], n),
			Confidence: min(factConfCeiling, float64(n)/float64(n+2)),
		}
		if err := d.semantic.UpsertFact(fact); err != nil {
			return report, fmt.Errorf("distill: upsert %s: %w", fact.FactID, err)
		}
		report.SequenceFacts++
	}

	report.Elapsed = time.Since(start)
	d.logger.Info("distillation complete",
		"incidents", report.IncidentsScanned,
		"tool_facts", report.ToolFacts,
		"sequence_facts", report.SequenceFacts,
		"elapsed", report.Elapsed)
	return report, nil
}

// tallyIncident counts per-tool outcomes and consecutive-tool pairs for
// one incident's action-bearing episodes.
func tallyIncident(mem *incident.Memory) (map[string]toolTally, map[[2]string]int) {
	tools := make(map[string]toolTally)
	bigrams := make(map[[2]string]int)
	prev := ""
	for _, ep := range mem.Episodes {
		if ep.ActionTaken == nil || ep.Outcome == nil {
			continue
		}
		tool := ep.ActionTaken.Tool
		tl := tools[tool]
		tl.total++
		if ep.Outcome.Success {
			tl.success++
		}
		tools[tool] = tl
		if prev != "" && prev != tool {
			bigrams[[2]string{prev, tool}]++
		}
		prev = tool
	}
	return tools, bigrams
}

func sortedToolKeys(m map[string]*toolTally) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedBigramKeys(m map[[2]string]int) [][2]string {
	keys := make([][2]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})
	return keys
}
