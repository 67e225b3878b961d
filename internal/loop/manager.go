package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aegisops/aegis/internal/config"
	"github.com/aegisops/aegis/internal/incident"
)

// Process exit codes for the run command, mapped from FinalOutcome.
const (
	ExitResolved  = 0
	ExitEscalated = 10
	ExitBlocked   = 20
	ExitKilled    = 30
	ExitError     = 40
)

// ExitCode maps a finished run to a process exit code. Kills are an
// outcome, not an error, so ErrKilled does not force ExitError.
func ExitCode(final incident.FinalOutcome, err error) int {
	if err != nil && !errors.Is(err, ErrKilled) {
		return ExitError
	}
	switch final {
	case incident.OutcomeResolved:
		return ExitResolved
	case incident.OutcomeEscalated:
		return ExitEscalated
	case incident.OutcomeBlocked:
		return ExitBlocked
	case incident.OutcomeKilled:
		return ExitKilled
	default:
		return ExitError
	}
}

// sentinelPollEvery is how often the manager checks the kill sentinel
// file while running.
const sentinelPollEvery = 2 * time.Second

// Job is one incident for RunMany.
type Job struct {
	IncidentID string
	Observe    ObserveFunc
	Resolved   ResolvedFunc
}

// Manager owns one loop per open incident, bounded by the configured
// incident limit, and polls the kill sentinel file while any loop runs.
type Manager struct {
	deps Deps
	cfg  *config.Config

	mu    sync.Mutex
	loops map[string]*Loop

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	logger *slog.Logger
}

// NewManager validates the shared dependencies once; loops created
// later inherit them.
func NewManager(deps Deps, cfg *config.Config, logger *slog.Logger) (*Manager, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		deps:   deps,
		cfg:    cfg,
		loops:  make(map[string]*Loop),
		done:   make(chan struct{}),
		logger: logger.With("component", "loop.Manager"),
	}, nil
}

// Start begins sentinel polling. Safe to call once.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(sentinelPollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				m.deps.Kill.CheckSentinel()
			}
		}
	}()
}

// Close stops sentinel polling. Running loops are not interrupted; use
// context cancellation or the kill switch for that.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}

// GetOrCreate returns the loop for an incident, creating one if the
// incident limit allows.
func (m *Manager) GetOrCreate(incidentID string) (*Loop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.loops[incidentID]; ok {
		return l, nil
	}
	if max := m.cfg.Server.MaxIncidents; max > 0 && len(m.loops) >= max {
		return nil, fmt.Errorf("incident limit reached (%d)", max)
	}
	l, err := New(m.deps, m.cfg, m.logger)
	if err != nil {
		return nil, err
	}
	m.loops[incidentID] = l
	return l, nil
}

// Get returns an open incident's loop.
func (m *Manager) Get(incidentID string) (*Loop, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.loops[incidentID]
	return l, ok
}

// Remove drops a finished incident's loop.
func (m *Manager) Remove(incidentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.loops, incidentID)
}

// Len reports how many incidents are open.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.loops)
}

// Snapshots lists open incidents for the status API, ordered by id.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	loops := make([]*Loop, 0, len(m.loops))
	for _, l := range m.loops {
		loops = append(loops, l)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(loops))
	for _, l := range loops {
		out = append(out, l.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IncidentID < out[j].IncidentID })
	return out
}

// Run drives one incident start to finish and releases its loop slot.
func (m *Manager) Run(ctx context.Context, incidentID string, observe ObserveFunc, resolved ResolvedFunc) (incident.FinalOutcome, error) {
	l, err := m.GetOrCreate(incidentID)
	if err != nil {
		return incident.OutcomeFailed, err
	}
	defer m.Remove(incidentID)
	if err := l.Reset(incidentID); err != nil {
		return incident.OutcomeFailed, err
	}
	return l.RunUntilResolved(ctx, observe, resolved)
}

// RunMany drives several incidents concurrently, bounded by the
// incident limit, and reports each final outcome. The first error
// cancels the remaining runs.
func (m *Manager) RunMany(ctx context.Context, jobs []Job) (map[string]incident.FinalOutcome, error) {
	g, ctx := errgroup.WithContext(ctx)
	if max := m.cfg.Server.MaxIncidents; max > 0 {
		g.SetLimit(max)
	}

	var mu sync.Mutex
	outcomes := make(map[string]incident.FinalOutcome, len(jobs))
	for _, job := range jobs {
		g.Go(func() error {
			final, err := m.Run(ctx, job.IncidentID, job.Observe, job.Resolved)
			mu.Lock()
			outcomes[job.IncidentID] = final
			mu.Unlock()
			if err != nil && !errors.Is(err, ErrKilled) {
				return fmt.Errorf("incident %s: %w", job.IncidentID, err)
			}
			return nil
		})
	}
	err := g.Wait()
	return outcomes, err
}
