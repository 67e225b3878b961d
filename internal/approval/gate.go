// Package approval suspends risky actions until a human or a standing
// grant lets them through. Waiters block on a per-request channel that
// closes on the first status transition, so approvals are delivered
// without polling.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/aegisops/aegis/internal/alert"
	"github.com/aegisops/aegis/internal/config"
	"github.com/aegisops/aegis/internal/incident"
	"github.com/aegisops/aegis/internal/killswitch"
	"github.com/aegisops/aegis/internal/registry"
)

// Request statuses.
const (
	StatusPending      = "pending"
	StatusApproved     = "approved"
	StatusRejected     = "rejected"
	StatusExpired      = "expired"
	StatusAutoApproved = "auto_approved"
)

const (
	defaultTimeout = 3600 * time.Second

	// approverFile marks requests granted by a legacy approval file
	// rather than a human calling Approve.
	approverFile = "approval-file"

	// retainResolved bounds how long resolved requests stay listable.
	retainResolved = 24 * time.Hour
)

var (
	ErrNotFound   = errors.New("approval request not found")
	ErrNotPending = errors.New("approval request not pending")
	ErrExpired    = errors.New("approval request expired")
)

// Request is one action waiting for (or resolved by) an approval
// decision.
type Request struct {
	ID           string             `json:"id"`
	IncidentID   string             `json:"incident_id"`
	Tool         string             `json:"tool"`
	ActionData   map[string]any     `json:"action_data,omitempty"`
	Context      map[string]string  `json:"context,omitempty"`
	RiskLevel    registry.RiskLevel `json:"risk_level"`
	Status       string             `json:"status"`
	CreatedAt    time.Time          `json:"created_at"`
	ExpiresAt    time.Time          `json:"expires_at"`
	Approver     string             `json:"approver,omitempty"`
	RejectReason string             `json:"reject_reason,omitempty"`

	// done closes on the first transition out of pending.
	done chan struct{}
}

// CheckContext describes where a proposed action came from.
type CheckContext struct {
	IncidentID  string
	Source      string
	Environment string
}

// EventSink receives gate lifecycle events for live consumers such as
// the approval console. Implementations must not block.
type EventSink interface {
	Publish(event string, payload any)
}

// Gate holds approval requests and decides which actions need one.
type Gate struct {
	mu       sync.Mutex
	requests map[string]*Request

	cfg          config.ApprovalConfig
	approvalsDir string
	kill         *killswitch.Switch
	alerts       *alert.Manager
	events       EventSink

	sweepEvery time.Duration
	now        func() time.Time

	watcher *fileWatcher
	done    chan struct{}
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// NewGate creates a gate. approvalsDir is the directory scanned for
// legacy <incident>.approve grant files; empty disables file grants.
// kill, alerts and events may be nil.
func NewGate(cfg config.ApprovalConfig, approvalsDir string, kill *killswitch.Switch, alerts *alert.Manager, events EventSink, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		requests:     make(map[string]*Request),
		cfg:          cfg,
		approvalsDir: approvalsDir,
		kill:         kill,
		alerts:       alerts,
		events:       events,
		sweepEvery:   5 * time.Second,
		now:          time.Now,
		done:         make(chan struct{}),
		logger:       logger.With("component", "approval"),
	}
}

// Start launches the expiry sweeper and, when an approvals directory is
// configured, the grant-file watcher.
func (g *Gate) Start() error {
	if g.approvalsDir != "" {
		w, err := newFileWatcher(g, g.approvalsDir)
		if err != nil {
			return fmt.Errorf("watch approvals dir: %w", err)
		}
		g.watcher = w
		g.wg.Add(1)
		go g.watcher.run()
	}

	g.wg.Add(1)
	go g.runSweeper()
	return nil
}

// Close stops the sweeper and watcher and waits for them to exit.
func (g *Gate) Close() error {
	close(g.done)
	var err error
	if g.watcher != nil {
		err = g.watcher.close()
	}
	g.wg.Wait()
	return err
}

// CheckApproval applies the gate rules in order and reports whether the
// action may proceed immediately. When it may not, the returned id names
// the pending request the caller should Wait on.
//
// Rule order: sensitive-path markers force a high-risk request; low and
// medium risk may auto-approve per config; trusted sources pass; anything
// else waits.
func (g *Gate) CheckApproval(action incident.ProposedAction, risk registry.RiskLevel, cc CheckContext) (bool, string) {
	if marker := g.sensitiveMarker(action); marker != "" {
		req := g.createRequest(action, registry.RiskHigh, cc, "sensitive path "+marker)
		return req.Status == StatusAutoApproved, req.ID
	}
	if risk == registry.RiskLow && g.cfg.AutoApproveLow {
		return true, ""
	}
	if risk == registry.RiskMedium && g.cfg.AutoApproveMedium {
		return true, ""
	}
	for _, s := range g.cfg.TrustedSources {
		if s == cc.Source {
			return true, ""
		}
	}
	req := g.createRequest(action, risk, cc, "")
	return req.Status == StatusAutoApproved, req.ID
}

// Approve grants a pending request. Touching a request past its expiry
// flips it to expired instead.
func (g *Gate) Approve(id, approver string) error {
	return g.decide(id, StatusApproved, approver, "")
}

// Reject denies a pending request.
func (g *Gate) Reject(id, approver, reason string) error {
	return g.decide(id, StatusRejected, approver, reason)
}

func (g *Gate) decide(id, status, approver, reason string) error {
	g.mu.Lock()
	req, ok := g.requests[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("approval request %s: %w", id, ErrNotFound)
	}
	if req.Status != StatusPending {
		g.mu.Unlock()
		return fmt.Errorf("approval request %s is %s: %w", id, req.Status, ErrNotPending)
	}
	if g.now().After(req.ExpiresAt) {
		g.resolveLocked(req, StatusExpired, "", "")
		cp := *req
		g.mu.Unlock()
		g.notifyResolved(cp)
		return fmt.Errorf("approval request %s: %w", id, ErrExpired)
	}
	g.resolveLocked(req, status, approver, reason)
	cp := *req
	g.mu.Unlock()
	g.notifyResolved(cp)
	return nil
}

// Wait blocks until the request resolves, the context ends, or the kill
// switch fires for the incident or globally. It reports whether the
// action may proceed; expiry and kills count as denial.
func (g *Gate) Wait(ctx context.Context, id string) (bool, error) {
	g.mu.Lock()
	req, ok := g.requests[id]
	if !ok {
		g.mu.Unlock()
		return false, fmt.Errorf("approval request %s: %w", id, ErrNotFound)
	}
	// A grant file that predates the watcher covers this wait.
	if req.Status == StatusPending && g.grantFileExists(req.IncidentID) {
		g.resolveLocked(req, StatusAutoApproved, approverFile, "")
		cp := *req
		g.mu.Unlock()
		g.notifyResolved(cp)
		return true, nil
	}
	done := req.done
	expiresIn := req.ExpiresAt.Sub(g.now())
	incidentID := req.IncidentID
	g.mu.Unlock()

	var killGlobal, killIncident <-chan struct{}
	if g.kill != nil {
		killGlobal = g.kill.Done()
		killIncident = g.kill.IncidentDone(incidentID)
	}
	expiry := time.NewTimer(expiresIn)
	defer expiry.Stop()

	select {
	case <-done:
	case <-ctx.Done():
		return false, ctx.Err()
	case <-killGlobal:
		g.resolve(id, StatusRejected, "kill-switch", "global kill switch active")
	case <-killIncident:
		g.resolve(id, StatusRejected, "kill-switch", "incident kill switch active")
	case <-expiry.C:
		g.resolve(id, StatusExpired, "", "")
	}

	g.mu.Lock()
	status := req.Status
	g.mu.Unlock()
	return status == StatusApproved || status == StatusAutoApproved, nil
}

// Get returns a copy of the request.
func (g *Gate) Get(id string) (Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.requests[id]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

// Pending returns copies of all pending requests, oldest first.
func (g *Gate) Pending() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Request, 0)
	for _, req := range g.requests {
		if req.Status == StatusPending {
			out = append(out, *req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// GrantIncident approves every pending request for the incident, as a
// grant file would.
func (g *Gate) GrantIncident(incidentID string) int {
	var resolved []Request
	g.mu.Lock()
	for _, req := range g.requests {
		if req.IncidentID == incidentID && req.Status == StatusPending {
			g.resolveLocked(req, StatusAutoApproved, approverFile, "")
			resolved = append(resolved, *req)
		}
	}
	g.mu.Unlock()
	for _, cp := range resolved {
		g.notifyResolved(cp)
	}
	if len(resolved) > 0 {
		g.logger.Info("incident granted", "incident_id", incidentID, "requests", len(resolved))
	}
	return len(resolved)
}

func (g *Gate) createRequest(action incident.ProposedAction, risk registry.RiskLevel, cc CheckContext, trigger string) *Request {
	args := make(map[string]any, len(action.Args))
	for k, v := range action.Args {
		args[k] = v
	}
	reqCtx := map[string]string{}
	if cc.Source != "" {
		reqCtx["source"] = cc.Source
	}
	if cc.Environment != "" {
		reqCtx["environment"] = cc.Environment
	}
	if trigger != "" {
		reqCtx["trigger"] = trigger
	}

	timeout := time.Duration(g.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	g.mu.Lock()
	now := g.now()
	req := &Request{
		ID:         ulid.Make().String(),
		IncidentID: cc.IncidentID,
		Tool:       action.Tool,
		ActionData: map[string]any{
			"tool":             action.Tool,
			"args":             args,
			"reasoning":        action.Reasoning,
			"model_confidence": action.ModelConfidence,
		},
		Context:   reqCtx,
		RiskLevel: risk,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
		done:      make(chan struct{}),
	}
	g.requests[req.ID] = req
	granted := false
	if g.grantFileExists(cc.IncidentID) {
		g.resolveLocked(req, StatusAutoApproved, approverFile, "")
		granted = true
	}
	cp := *req
	g.mu.Unlock()

	g.notifyCreated(cp)
	if granted {
		g.notifyResolved(cp)
	}
	return req
}

// resolveLocked performs the single pending→terminal transition. Callers
// hold g.mu. Returns false if the request already left pending.
func (g *Gate) resolveLocked(req *Request, status, approver, reason string) bool {
	if req.Status != StatusPending {
		return false
	}
	req.Status = status
	req.Approver = approver
	req.RejectReason = reason
	close(req.done)
	return true
}

func (g *Gate) resolve(id, status, approver, reason string) {
	g.mu.Lock()
	req, ok := g.requests[id]
	if !ok || !g.resolveLocked(req, status, approver, reason) {
		g.mu.Unlock()
		return
	}
	cp := *req
	g.mu.Unlock()
	g.notifyResolved(cp)
}

// sensitiveMarker returns the first configured marker found in the tool
// name or any argument value.
func (g *Gate) sensitiveMarker(action incident.ProposedAction) string {
	for _, marker := range g.cfg.SensitivePaths {
		if strings.Contains(action.Tool, marker) {
			return marker
		}
		for _, v := range action.Args {
			if strings.Contains(fmt.Sprintf("%v", v), marker) {
				return marker
			}
		}
	}
	return ""
}

func (g *Gate) runSweeper() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.sweep()
		case <-g.done:
			return
		}
	}
}

// sweep expires overdue pending requests and drops resolved ones past
// the retention window.
func (g *Gate) sweep() {
	now := g.now()
	var expired []Request
	g.mu.Lock()
	for id, req := range g.requests {
		switch {
		case req.Status == StatusPending && now.After(req.ExpiresAt):
			g.resolveLocked(req, StatusExpired, "", "")
			expired = append(expired, *req)
		case req.Status != StatusPending && now.Sub(req.CreatedAt) > retainResolved:
			delete(g.requests, id)
		}
	}
	g.mu.Unlock()
	for _, cp := range expired {
		g.notifyResolved(cp)
	}
}

func (g *Gate) notifyCreated(req Request) {
	g.logger.Info("approval requested",
		"request_id", req.ID,
		"incident_id", req.IncidentID,
		"tool", req.Tool,
		"risk", req.RiskLevel,
		"status", req.Status,
	)
	if g.events != nil {
		g.events.Publish("approval_created", req)
	}
	if g.alerts != nil && req.Status == StatusPending &&
		(req.RiskLevel == registry.RiskHigh || req.RiskLevel == registry.RiskCritical) {
		g.alerts.Send(alert.Alert{
			Type:       "approval_required",
			Severity:   "critical",
			Title:      fmt.Sprintf("Approval needed: %s", req.Tool),
			Message:    fmt.Sprintf("%s risk action %q on incident %s awaits approval", req.RiskLevel, req.Tool, req.IncidentID),
			IncidentID: req.IncidentID,
			Tool:       req.Tool,
			Details:    req.ActionData,
		})
	}
}

func (g *Gate) notifyResolved(req Request) {
	g.logger.Info("approval resolved",
		"request_id", req.ID,
		"incident_id", req.IncidentID,
		"status", req.Status,
		"approver", req.Approver,
	)
	if g.events != nil {
		g.events.Publish("approval_resolved", req)
	}
	if g.alerts != nil {
		g.alerts.Send(alert.Alert{
			Type:       "approval_resolved",
			Severity:   "info",
			Title:      fmt.Sprintf("Approval %s: %s", req.Status, req.Tool),
			Message:    fmt.Sprintf("request %s on incident %s is %s", req.ID, req.IncidentID, req.Status),
			IncidentID: req.IncidentID,
			Tool:       req.Tool,
		})
	}
}
