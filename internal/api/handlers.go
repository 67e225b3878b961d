package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/aegisops/aegis/internal/approval"
	"github.com/aegisops/aegis/internal/ledger"
	"github.com/aegisops/aegis/internal/policy"
)

// --- Approvals ---

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	pending := s.gate.Pending()
	writeJSON(w, map[string]any{
		"approvals": pending,
		"total":     len(pending),
	})
}

// decideRequest is the body of approve/reject calls. Approver defaults
// to "console" so a bare POST from curl still works.
type decideRequest struct {
	Approver string `json:"approver"`
	Reason   string `json:"reason"`
}

func readDecide(r *http.Request) decideRequest {
	var body decideRequest
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Approver == "" {
		body.Approver = "console"
	}
	return body
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	body := readDecide(r)

	if err := s.gate.Approve(id, body.Approver); err != nil {
		writeError(w, decideStatus(err), err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": approval.StatusApproved, "approver": body.Approver})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	body := readDecide(r)
	if body.Reason == "" {
		body.Reason = "rejected via console"
	}

	if err := s.gate.Reject(id, body.Approver, body.Reason); err != nil {
		writeError(w, decideStatus(err), err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": approval.StatusRejected, "approver": body.Approver})
}

// decideStatus maps gate errors onto HTTP statuses: unknown ids are
// 404, already-resolved or expired requests are 409.
func decideStatus(err error) int {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, approval.ErrNotPending), errors.Is(err, approval.ErrExpired):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// --- Status and decisions ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"pending_approvals": len(s.gate.Pending()),
		"killswitch":        s.kill.Status(),
	}

	if s.manager != nil {
		status["incidents"] = s.manager.Snapshots()
		status["active_incidents"] = s.manager.Len()
	}
	if s.led != nil {
		status["ledger"] = map[string]any{
			"entries":   s.led.Len(),
			"last_hash": s.led.LastHash(),
		}
	}
	if s.audit != nil {
		if stats, err := s.audit.GetSystemStats(); err == nil {
			status["stats"] = stats
		}
	}

	writeJSON(w, status)
}

func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "no policy engine attached")
		return
	}

	incidentID := r.URL.Query().Get("incident_id")
	limit := queryInt(r, "limit", 50)

	all := s.engine.Decisions()
	filtered := make([]policy.DecisionRecord, 0, len(all))
	for _, d := range all {
		if incidentID != "" && d.IncidentID != incidentID {
			continue
		}
		filtered = append(filtered, d)
	}
	// Newest last in the log; return the tail.
	if len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}

	writeJSON(w, map[string]any{
		"decisions": filtered,
		"total":     len(filtered),
	})
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "no audit store attached")
		return
	}

	incidents, err := s.audit.ListIncidents(queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"incidents": incidents})
}

// --- Kill switch ---

type killRequest struct {
	IncidentID string `json:"incident_id"`
	Reason     string `json:"reason"`
}

func (s *Server) handleKillTrigger(w http.ResponseWriter, r *http.Request) {
	var body killRequest
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "triggered via api"
	}

	if body.IncidentID != "" {
		s.kill.TriggerIncident(body.IncidentID, body.Reason, "api")
	} else {
		s.kill.TriggerGlobal(body.Reason, "api")
	}

	s.ledgerKill("trigger", body.IncidentID, body.Reason)
	writeJSON(w, s.kill.Status())
}

func (s *Server) handleKillReset(w http.ResponseWriter, r *http.Request) {
	incidentID := r.URL.Query().Get("incident_id")

	if incidentID != "" {
		s.kill.ResetIncident(incidentID)
	} else {
		s.kill.ResetGlobal()
	}

	s.ledgerKill("reset", incidentID, "")
	writeJSON(w, s.kill.Status())
}

// ledgerKill records kill-switch transitions when a ledger is attached.
func (s *Server) ledgerKill(action, incidentID, reason string) {
	if s.led == nil {
		return
	}
	resource := incidentID
	if resource == "" {
		resource = "global"
	}
	if _, err := s.led.Append(ledger.EntryKill, "api", action, resource, map[string]any{
		"reason": reason,
	}); err != nil {
		s.logger.Error("ledger append failed", "entry_type", "kill", "error", err)
	}
}

// --- Ledger ---

func (s *Server) handleLedgerVerify(w http.ResponseWriter, r *http.Request) {
	if s.led == nil {
		writeError(w, http.StatusServiceUnavailable, "no ledger attached")
		return
	}

	ok, broken, total, err := ledger.VerifyFile(s.led.Path())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	result := map[string]any{
		"ok":    ok,
		"total": total,
	}
	if !ok {
		result["broken_index"] = broken
	}
	writeJSON(w, result)
}

// --- System ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
