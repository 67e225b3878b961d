// Package killswitch implements the emergency stop for the autonomy
// loop. When triggered, every suspended wait (approval, model call,
// shadow run) unblocks immediately and no further tools execute. The
// switch is monotonic: once triggered it stays triggered until an
// operator explicitly resets it.
package killswitch

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Scope determines what a trigger affects.
type Scope string

const (
	ScopeGlobal   Scope = "global"   // every incident
	ScopeIncident Scope = "incident" // one incident
)

// TriggerRecord logs who triggered the switch and why.
type TriggerRecord struct {
	Scope     Scope     `json:"scope"`
	TargetID  string    `json:"target_id,omitempty"` // incident id for ScopeIncident
	Reason    string    `json:"reason"`
	Source    string    `json:"source"` // api, cli, file
	Timestamp time.Time `json:"timestamp"`
}

// Switch is the process-wide kill switch. It is checked before every
// tool execution and at every suspension point; Done channels let
// waiters select on activation instead of polling.
type Switch struct {
	mu sync.RWMutex

	globalTriggered bool
	globalDone      chan struct{}

	// incidentKills and incidentDone track per-incident kills. Keys are
	// incident ids. A closed done channel means that incident is killed.
	incidentKills map[string]TriggerRecord
	incidentDone  map[string]chan struct{}

	history []TriggerRecord

	// sentinelPath is checked for a KILL file; presence triggers a
	// global kill. Empty disables the file check.
	sentinelPath string

	logger *slog.Logger
}

// New creates a kill switch. sentinelPath may be empty to disable the
// file-based trigger.
func New(sentinelPath string, logger *slog.Logger) *Switch {
	if logger == nil {
		logger = slog.Default()
	}
	return &Switch{
		globalDone:    make(chan struct{}),
		incidentKills: make(map[string]TriggerRecord),
		incidentDone:  make(map[string]chan struct{}),
		sentinelPath:  sentinelPath,
		logger:        logger.With("component", "killswitch"),
	}
}

// IsActive reports whether the global switch is triggered. Hot path,
// called on every loop step.
func (ks *Switch) IsActive() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.globalTriggered
}

// IsBlocked checks whether the given incident may proceed.
func (ks *Switch) IsBlocked(incidentID string) (bool, string) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	if ks.globalTriggered {
		return true, "global kill switch activated"
	}
	if record, ok := ks.incidentKills[incidentID]; ok {
		return true, fmt.Sprintf("incident kill switch activated: %s", record.Reason)
	}
	return false, ""
}

// Done returns a channel closed when the global switch triggers.
// Waiters select on it alongside their own cancellation.
func (ks *Switch) Done() <-chan struct{} {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.globalDone
}

// IncidentDone returns a channel closed when either the global switch
// or the given incident's switch triggers. Safe to call before any
// trigger; an already-killed incident yields a closed channel.
func (ks *Switch) IncidentDone(incidentID string) <-chan struct{} {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	ch, ok := ks.incidentDone[incidentID]
	if !ok {
		ch = make(chan struct{})
		if _, killed := ks.incidentKills[incidentID]; killed {
			close(ch)
		}
		ks.incidentDone[incidentID] = ch
	}
	return ch
}

// TriggerGlobal activates the global switch, unblocking every waiter.
func (ks *Switch) TriggerGlobal(reason, source string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.globalTriggered {
		return
	}
	ks.globalTriggered = true
	close(ks.globalDone)

	record := TriggerRecord{
		Scope:     ScopeGlobal,
		Reason:    reason,
		Source:    source,
		Timestamp: time.Now().UTC(),
	}
	ks.history = append(ks.history, record)

	// Global kill unblocks per-incident waiters too.
	for id, ch := range ks.incidentDone {
		if _, killed := ks.incidentKills[id]; !killed {
			close(ch)
			ks.incidentKills[id] = record
		}
	}

	ks.logger.Error("GLOBAL KILL SWITCH TRIGGERED",
		"reason", reason,
		"source", source,
	)
}

// TriggerIncident kills a single incident.
func (ks *Switch) TriggerIncident(incidentID, reason, source string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if _, killed := ks.incidentKills[incidentID]; killed {
		return
	}
	record := TriggerRecord{
		Scope:     ScopeIncident,
		TargetID:  incidentID,
		Reason:    reason,
		Source:    source,
		Timestamp: time.Now().UTC(),
	}
	ks.incidentKills[incidentID] = record
	ks.history = append(ks.history, record)

	if ch, ok := ks.incidentDone[incidentID]; ok {
		close(ch)
	} else {
		done := make(chan struct{})
		close(done)
		ks.incidentDone[incidentID] = done
	}

	ks.logger.Error("INCIDENT KILL SWITCH TRIGGERED",
		"incident_id", incidentID,
		"reason", reason,
		"source", source,
	)
}

// ResetGlobal disarms the global switch. Operator-only; a fresh Done
// channel is installed so new waits block again.
func (ks *Switch) ResetGlobal() {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if !ks.globalTriggered {
		return
	}
	ks.globalTriggered = false
	ks.globalDone = make(chan struct{})
	ks.logger.Info("global kill switch reset")
}

// ResetIncident disarms one incident's switch.
func (ks *Switch) ResetIncident(incidentID string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	delete(ks.incidentKills, incidentID)
	delete(ks.incidentDone, incidentID)
	ks.logger.Info("incident kill switch reset", "incident_id", incidentID)
}

// Forget drops per-incident state for a closed incident without logging.
func (ks *Switch) Forget(incidentID string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	delete(ks.incidentKills, incidentID)
	delete(ks.incidentDone, incidentID)
}

// Status returns the current state for the API.
func (ks *Switch) Status() map[string]any {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	kills := make(map[string]TriggerRecord, len(ks.incidentKills))
	for k, v := range ks.incidentKills {
		kills[k] = v
	}
	return map[string]any{
		"global_triggered": ks.globalTriggered,
		"incident_kills":   kills,
		"history_count":    len(ks.history),
	}
}

// History returns the full trigger history for audit purposes.
func (ks *Switch) History() []TriggerRecord {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	out := make([]TriggerRecord, len(ks.history))
	copy(out, ks.history)
	return out
}

// CheckSentinel checks for the KILL file and triggers a global kill if
// present. Call periodically between waits.
func (ks *Switch) CheckSentinel() {
	if ks.sentinelPath == "" {
		return
	}
	if _, err := os.Stat(ks.sentinelPath); err == nil {
		if !ks.IsActive() {
			ks.TriggerGlobal("KILL sentinel file detected", "file")
		}
	}
}
