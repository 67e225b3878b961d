package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ErrBudgetExceeded is returned by Charge when the cost would overrun the
// tenant's daily or monthly budget. Nothing is recorded in that case.
var ErrBudgetExceeded = errors.New("budget exceeded")

// ActionCost itemizes what one action cost.
type ActionCost struct {
	ComputeUSD float64 `json:"compute_usd"`
	APIUSD     float64 `json:"api_usd"`
	HumanUSD   float64 `json:"human_usd"`
}

// Total sums the cost components.
func (c ActionCost) Total() float64 {
	return c.ComputeUSD + c.APIUSD + c.HumanUSD
}

// CostBudget tracks one tenant's spend against limits. Anchors mark the
// period the counters belong to; counters reset when the period changes.
type CostBudget struct {
	Tenant       string  `json:"tenant"`
	DailyLimit   float64 `json:"daily_limit"`
	MonthlyLimit float64 `json:"monthly_limit"`
	DailyUsed    float64 `json:"daily_used"`
	MonthlyUsed  float64 `json:"monthly_used"`
	DayAnchor    string  `json:"day_anchor"`   // YYYY-MM-DD
	MonthAnchor  string  `json:"month_anchor"` // YYYY-MM
}

// ChargeRecord is one line of spend history.
type ChargeRecord struct {
	Timestamp  time.Time  `json:"timestamp"`
	Tenant     string     `json:"tenant"`
	Tool       string     `json:"tool"`
	IncidentID string     `json:"incident_id,omitempty"`
	Cost       ActionCost `json:"cost"`
}

// historyLimit bounds the in-memory charge history.
const historyLimit = 1000

// EconomicMemory enforces budgets and keeps spend history. Charge is the
// single authoritative path: the affordability check and the recording
// happen under one lock, so concurrent charges cannot both pass a check
// that only one of them can afford.
type EconomicMemory struct {
	mu      sync.Mutex
	dir     string
	budgets map[string]*CostBudget
	history []ChargeRecord
	now     func() time.Time
	logger  *slog.Logger
}

// NewEconomicMemory opens the store, loading persisted budgets.
func NewEconomicMemory(dir string, logger *slog.Logger) (*EconomicMemory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create economic dir: %w", err)
	}
	m := &EconomicMemory{
		dir:     dir,
		budgets: make(map[string]*CostBudget),
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With("component", "memory.economic"),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// SetBudget configures a tenant's limits. Zero limits mean unlimited.
func (m *EconomicMemory) SetBudget(tenant string, dailyLimit, monthlyLimit float64) error {
	if tenant == "" {
		return fmt.Errorf("economic: tenant required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.budgetLocked(tenant)
	b.DailyLimit = dailyLimit
	b.MonthlyLimit = monthlyLimit
	return m.saveLocked()
}

// Charge atomically checks affordability and records the cost. On
// ErrBudgetExceeded no counters move and no history is written.
func (m *EconomicMemory) Charge(tenant, tool, incidentID string, cost ActionCost) error {
	if tenant == "" {
		return fmt.Errorf("economic: tenant required")
	}
	total := cost.Total()

	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.budgetLocked(tenant)
	m.rolloverLocked(b)

	if b.DailyLimit > 0 && b.DailyUsed+total > b.DailyLimit {
		return fmt.Errorf("tenant %s daily %.2f+%.2f over %.2f: %w",
			tenant, b.DailyUsed, total, b.DailyLimit, ErrBudgetExceeded)
	}
	if b.MonthlyLimit > 0 && b.MonthlyUsed+total > b.MonthlyLimit {
		return fmt.Errorf("tenant %s monthly %.2f+%.2f over %.2f: %w",
			tenant, b.MonthlyUsed, total, b.MonthlyLimit, ErrBudgetExceeded)
	}

	b.DailyUsed += total
	b.MonthlyUsed += total
	m.history = append(m.history, ChargeRecord{
		Timestamp:  m.now(),
		Tenant:     tenant,
		Tool:       tool,
		IncidentID: incidentID,
		Cost:       cost,
	})
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
	return m.saveLocked()
}

// CanAfford is an advisory pre-check. The answer can go stale immediately;
// Charge remains the authority.
func (m *EconomicMemory) CanAfford(tenant string, cost ActionCost) bool {
	total := cost.Total()
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.budgetLocked(tenant)
	m.rolloverLocked(b)
	if b.DailyLimit > 0 && b.DailyUsed+total > b.DailyLimit {
		return false
	}
	if b.MonthlyLimit > 0 && b.MonthlyUsed+total > b.MonthlyLimit {
		return false
	}
	return true
}

// Budget returns a copy of the tenant's budget after rollover.
func (m *EconomicMemory) Budget(tenant string) CostBudget {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.budgetLocked(tenant)
	m.rolloverLocked(b)
	return *b
}

// History returns a copy of the recent charge records, oldest first.
func (m *EconomicMemory) History(limit int) []ChargeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	out := make([]ChargeRecord, limit)
	copy(out, m.history[len(m.history)-limit:])
	return out
}

// IncidentSpend sums what one incident has cost so far.
func (m *EconomicMemory) IncidentSpend(incidentID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0.0
	for _, r := range m.history {
		if r.IncidentID == incidentID {
			total += r.Cost.Total()
		}
	}
	return total
}

// ROI relates what an incident was worth to what it cost:
// severity_value × resolution_contribution / total_cost.
func ROI(severityValue, resolutionContribution, totalCost float64) float64 {
	if totalCost <= 0 {
		return 0
	}
	return severityValue * resolutionContribution / totalCost
}

// budgetLocked returns or creates the tenant's budget. Callers hold m.mu.
func (m *EconomicMemory) budgetLocked(tenant string) *CostBudget {
	b, ok := m.budgets[tenant]
	if !ok {
		now := m.now()
		b = &CostBudget{
			Tenant:      tenant,
			DayAnchor:   now.Format("2006-01-02"),
			MonthAnchor: now.Format("2006-01"),
		}
		m.budgets[tenant] = b
	}
	return b
}

// rolloverLocked resets period counters when the day or month changed.
func (m *EconomicMemory) rolloverLocked(b *CostBudget) {
	now := m.now()
	if day := now.Format("2006-01-02"); day != b.DayAnchor {
		b.DayAnchor = day
		b.DailyUsed = 0
	}
	if month := now.Format("2006-01"); month != b.MonthAnchor {
		b.MonthAnchor = month
		b.MonthlyUsed = 0
	}
}

func (m *EconomicMemory) path() string {
	return filepath.Join(m.dir, "budgets.json")
}

func (m *EconomicMemory) load() error {
	raw, err := os.ReadFile(m.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load budgets: %w", err)
	}
	var budgets []*CostBudget
	if err := json.Unmarshal(raw, &budgets); err != nil {
		return fmt.Errorf("decode budgets: %w", err)
	}
	for _, b := range budgets {
		m.budgets[b.Tenant] = b
	}
	return nil
}

func (m *EconomicMemory) saveLocked() error {
	budgets := make([]*CostBudget, 0, len(m.budgets))
	for _, b := range m.budgets {
		budgets = append(budgets, b)
	}
	sort.Slice(budgets, func(i, j int) bool { return budgets[i].Tenant < budgets[j].Tenant })
	return writeJSONFile(m.path(), budgets)
}
