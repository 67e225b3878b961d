// Package safety defines the invariants that must hold on every loop
// step and the breach error raised when one does not. A breach is a bug
// in this system, not a recoverable condition: the loop aborts the
// incident and the process exits with an internal-error status rather
// than continue past it.
package safety

import (
	"errors"
	"fmt"
)

// Invariant names a condition the system guarantees.
type Invariant string

const (
	// InvariantNoBlacklistedAllow: an ALLOW decision never selects a
	// tool that is blacklisted in the incident's state.
	InvariantNoBlacklistedAllow Invariant = "no_blacklisted_allow"

	// InvariantProdGate: in a production environment an ALLOW decision
	// never selects a tool with prod_allowed=false.
	InvariantProdGate Invariant = "prod_gate"

	// InvariantConfidenceRange: every tool confidence stays within
	// [0.10, 1.00] after any update sequence.
	InvariantConfidenceRange Invariant = "confidence_range"

	// InvariantLedgerChain: every ledger entry's hash matches its
	// contents and links to its predecessor.
	InvariantLedgerChain Invariant = "ledger_chain"

	// InvariantEpisodeOrder: episode timestamps within one incident are
	// non-decreasing and episode ids unique.
	InvariantEpisodeOrder Invariant = "episode_order"
)

// BreachError reports a violated invariant. It carries the incident so
// operators can find the aborted run in the ledger.
type BreachError struct {
	Invariant  Invariant
	IncidentID string
	Detail     string
}

func (e *BreachError) Error() string {
	if e.IncidentID == "" {
		return fmt.Sprintf("invariant breach [%s]: %s", e.Invariant, e.Detail)
	}
	return fmt.Sprintf("invariant breach [%s] incident %s: %s", e.Invariant, e.IncidentID, e.Detail)
}

// Breach constructs a BreachError.
func Breach(inv Invariant, incidentID, format string, args ...any) *BreachError {
	return &BreachError{
		Invariant:  inv,
		IncidentID: incidentID,
		Detail:     fmt.Sprintf(format, args...),
	}
}

// IsBreach reports whether err is (or wraps) an invariant breach.
func IsBreach(err error) bool {
	var be *BreachError
	return errors.As(err, &be)
}
