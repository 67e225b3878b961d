package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// AuditStore is the SQLite mirror of the ledger: decisions, approvals, and
// incident summaries, queryable by the API and CLI. The JSONL chain stays
// authoritative; rows here are a projection.
type AuditStore struct {
	db *sql.DB
}

// DecisionRow mirrors one policy decision.
type DecisionRow struct {
	ID              string          `json:"id"`
	IncidentID      string          `json:"incident_id"`
	Timestamp       time.Time       `json:"timestamp"`
	Tool            string          `json:"tool"`
	Decision        string          `json:"decision"`
	Rule            string          `json:"rule"`
	Reason          string          `json:"reason"`
	ModelConfidence float64         `json:"model_confidence"`
	Args            json.RawMessage `json:"args,omitempty"`
	EntryHash       string          `json:"entry_hash"`
}

// ApprovalRow mirrors one approval request lifecycle.
type ApprovalRow struct {
	ID         string          `json:"id"`
	IncidentID string          `json:"incident_id"`
	Tool       string          `json:"tool"`
	RiskLevel  string          `json:"risk_level"`
	Reason     string          `json:"reason"`
	Status     string          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy string          `json:"resolved_by,omitempty"`
	ActionData json.RawMessage `json:"action_data,omitempty"`
}

// IncidentRow summarizes one incident.
type IncidentRow struct {
	ID           string     `json:"id"`
	StartedAt    time.Time  `json:"started_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	FinalOutcome string     `json:"final_outcome,omitempty"`
	Steps        int        `json:"steps"`
	Successes    int        `json:"successes"`
	Failures     int        `json:"failures"`
	TotalCostUSD float64    `json:"total_cost_usd"`
}

// SystemStats aggregates counts for the status endpoint.
type SystemStats struct {
	TotalDecisions   int     `json:"total_decisions"`
	TotalIncidents   int     `json:"total_incidents"`
	OpenIncidents    int     `json:"open_incidents"`
	PendingApprovals int     `json:"pending_approvals"`
	TotalBlocked     int     `json:"total_blocked"`
	TotalEscalated   int     `json:"total_escalated"`
	TotalCostUSD     float64 `json:"total_cost_usd"`
}

// DecisionFilter narrows ListDecisions.
type DecisionFilter struct {
	IncidentID string
	Decision   string
	Since      *time.Time
	Limit      int
	Offset     int
}

// NewAuditStore opens the mirror database in WAL mode.
func NewAuditStore(path string) (*AuditStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	return &AuditStore{db: db}, nil
}

// Initialize creates the schema.
func (s *AuditStore) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS decisions (
		id               TEXT PRIMARY KEY,
		incident_id      TEXT NOT NULL,
		timestamp        DATETIME NOT NULL,
		tool             TEXT NOT NULL,
		decision         TEXT NOT NULL,
		rule             TEXT,
		reason           TEXT,
		model_confidence REAL DEFAULT 0,
		args             TEXT,
		entry_hash       TEXT
	);

	CREATE TABLE IF NOT EXISTS approvals (
		id           TEXT PRIMARY KEY,
		incident_id  TEXT NOT NULL,
		tool         TEXT NOT NULL,
		risk_level   TEXT NOT NULL,
		reason       TEXT,
		status       TEXT NOT NULL DEFAULT 'pending',
		created_at   DATETIME NOT NULL,
		expires_at   DATETIME NOT NULL,
		resolved_at  DATETIME,
		resolved_by  TEXT,
		action_data  TEXT
	);

	CREATE TABLE IF NOT EXISTS incidents (
		id             TEXT PRIMARY KEY,
		started_at     DATETIME NOT NULL,
		resolved_at    DATETIME,
		final_outcome  TEXT,
		steps          INTEGER DEFAULT 0,
		successes      INTEGER DEFAULT 0,
		failures       INTEGER DEFAULT 0,
		total_cost_usd REAL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_decisions_incident ON decisions(incident_id);
	CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON decisions(timestamp);
	CREATE INDEX IF NOT EXISTS idx_decisions_decision ON decisions(decision);
	CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);
	CREATE INDEX IF NOT EXISTS idx_approvals_incident ON approvals(incident_id);
	CREATE INDEX IF NOT EXISTS idx_incidents_outcome ON incidents(final_outcome);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the database handle.
func (s *AuditStore) Close() error {
	return s.db.Close()
}

// --- Decisions ---

func (s *AuditStore) InsertDecision(d *DecisionRow) error {
	_, err := s.db.Exec(`INSERT INTO decisions (id, incident_id, timestamp, tool, decision, rule, reason, model_confidence, args, entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.IncidentID, d.Timestamp, d.Tool, d.Decision,
		nullStr(d.Rule), nullStr(d.Reason), d.ModelConfidence,
		nullableJSON(d.Args), nullStr(d.EntryHash),
	)
	return err
}

func (s *AuditStore) ListDecisions(filter DecisionFilter) ([]*DecisionRow, int, error) {
	where, args := buildDecisionWhere(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM decisions"+where, args...).Scan(&count); err != nil {
		return nil, 0, err
	}

	query := "SELECT id, incident_id, timestamp, tool, decision, rule, reason, model_confidence, entry_hash FROM decisions" +
		where + " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var decisions []*DecisionRow
	for rows.Next() {
		d := &DecisionRow{}
		var rule, reason, entryHash sql.NullString
		if err := rows.Scan(&d.ID, &d.IncidentID, &d.Timestamp, &d.Tool, &d.Decision,
			&rule, &reason, &d.ModelConfidence, &entryHash); err != nil {
			return nil, 0, err
		}
		d.Rule = rule.String
		d.Reason = reason.String
		d.EntryHash = entryHash.String
		decisions = append(decisions, d)
	}
	return decisions, count, rows.Err()
}

// --- Approvals ---

func (s *AuditStore) InsertApproval(a *ApprovalRow) error {
	_, err := s.db.Exec(`INSERT INTO approvals (id, incident_id, tool, risk_level, reason, status, created_at, expires_at, action_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.IncidentID, a.Tool, a.RiskLevel, nullStr(a.Reason),
		a.Status, a.CreatedAt, a.ExpiresAt, nullableJSON(a.ActionData),
	)
	return err
}

func (s *AuditStore) ResolveApproval(id, status, resolvedBy string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec("UPDATE approvals SET status = ?, resolved_at = ?, resolved_by = ? WHERE id = ?",
		status, now, resolvedBy, id)
	return err
}

func (s *AuditStore) ListPendingApprovals() ([]*ApprovalRow, error) {
	rows, err := s.db.Query(`SELECT id, incident_id, tool, risk_level, reason, status, created_at, expires_at, action_data
		FROM approvals WHERE status = 'pending' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []*ApprovalRow
	for rows.Next() {
		a := &ApprovalRow{}
		var reason, actionData sql.NullString
		if err := rows.Scan(&a.ID, &a.IncidentID, &a.Tool, &a.RiskLevel, &reason,
			&a.Status, &a.CreatedAt, &a.ExpiresAt, &actionData); err != nil {
			return nil, err
		}
		a.Reason = reason.String
		a.ActionData = jsonOrNil(actionData)
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

// --- Incidents ---

func (s *AuditStore) UpsertIncident(in *IncidentRow) error {
	_, err := s.db.Exec(`INSERT INTO incidents (id, started_at, resolved_at, final_outcome, steps, successes, failures, total_cost_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			resolved_at = excluded.resolved_at,
			final_outcome = excluded.final_outcome,
			steps = excluded.steps,
			successes = excluded.successes,
			failures = excluded.failures,
			total_cost_usd = excluded.total_cost_usd`,
		in.ID, in.StartedAt, in.ResolvedAt, nullStr(in.FinalOutcome),
		in.Steps, in.Successes, in.Failures, in.TotalCostUSD,
	)
	return err
}

func (s *AuditStore) GetIncident(id string) (*IncidentRow, error) {
	in := &IncidentRow{}
	var outcome sql.NullString
	err := s.db.QueryRow(`SELECT id, started_at, resolved_at, final_outcome, steps, successes, failures, total_cost_usd
		FROM incidents WHERE id = ?`, id).Scan(
		&in.ID, &in.StartedAt, &in.ResolvedAt, &outcome,
		&in.Steps, &in.Successes, &in.Failures, &in.TotalCostUSD,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	in.FinalOutcome = outcome.String
	return in, nil
}

func (s *AuditStore) ListIncidents(limit int) ([]*IncidentRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, started_at, resolved_at, final_outcome, steps, successes, failures, total_cost_usd
		FROM incidents ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var incidents []*IncidentRow
	for rows.Next() {
		in := &IncidentRow{}
		var outcome sql.NullString
		if err := rows.Scan(&in.ID, &in.StartedAt, &in.ResolvedAt, &outcome,
			&in.Steps, &in.Successes, &in.Failures, &in.TotalCostUSD); err != nil {
			return nil, err
		}
		in.FinalOutcome = outcome.String
		incidents = append(incidents, in)
	}
	return incidents, rows.Err()
}

// --- System stats ---

func (s *AuditStore) GetSystemStats() (*SystemStats, error) {
	stats := &SystemStats{}
	s.db.QueryRow("SELECT COUNT(*) FROM decisions").Scan(&stats.TotalDecisions)
	s.db.QueryRow("SELECT COUNT(*) FROM incidents").Scan(&stats.TotalIncidents)
	s.db.QueryRow("SELECT COUNT(*) FROM incidents WHERE resolved_at IS NULL").Scan(&stats.OpenIncidents)
	s.db.QueryRow("SELECT COUNT(*) FROM approvals WHERE status = 'pending'").Scan(&stats.PendingApprovals)
	s.db.QueryRow("SELECT COUNT(*) FROM decisions WHERE decision = 'BLOCK'").Scan(&stats.TotalBlocked)
	s.db.QueryRow("SELECT COUNT(*) FROM decisions WHERE decision = 'ESCALATE'").Scan(&stats.TotalEscalated)
	s.db.QueryRow("SELECT COALESCE(SUM(total_cost_usd), 0) FROM incidents").Scan(&stats.TotalCostUSD)
	return stats, nil
}

// --- Helpers ---

func buildDecisionWhere(f DecisionFilter) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if f.IncidentID != "" {
		conditions = append(conditions, "incident_id = ?")
		args = append(args, f.IncidentID)
	}
	if f.Decision != "" {
		conditions = append(conditions, "decision = ?")
		args = append(args, f.Decision)
	}
	if f.Since != nil {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, *f.Since)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableJSON(data json.RawMessage) sql.NullString {
	if data == nil || string(data) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}

func jsonOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
