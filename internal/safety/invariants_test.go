package safety

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestBreachErrorMessage(t *testing.T) {
	err := Breach(InvariantProdGate, "inc-9", "tool %s not allowed in production", "dangerous")

	msg := err.Error()
	if !strings.Contains(msg, "prod_gate") {
		t.Errorf("message missing invariant name: %q", msg)
	}
	if !strings.Contains(msg, "inc-9") {
		t.Errorf("message missing incident id: %q", msg)
	}
	if !strings.Contains(msg, "dangerous") {
		t.Errorf("message missing detail: %q", msg)
	}
}

func TestBreachErrorWithoutIncident(t *testing.T) {
	err := Breach(InvariantLedgerChain, "", "entry 4 hash mismatch")
	if strings.Contains(err.Error(), "incident") {
		t.Errorf("unexpected incident fragment: %q", err.Error())
	}
}

func TestIsBreach(t *testing.T) {
	breach := Breach(InvariantNoBlacklistedAllow, "inc-1", "tool x")

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"direct breach", breach, true},
		{"wrapped breach", fmt.Errorf("step failed: %w", breach), true},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsBreach(tt.err); got != tt.want {
				t.Errorf("IsBreach = %v, want %v", got, tt.want)
			}
		})
	}
}
