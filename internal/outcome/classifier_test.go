package outcome

import (
	"testing"
	"time"
)

func TestClassifyErrorStrings(t *testing.T) {
	tests := []struct {
		name        string
		errText     string
		wantType    FailureType
		recoverable bool
	}{
		{"deadline exceeded", "context deadline exceeded", FailureTimeout, true},
		{"timed out", "operation timed out after 30s", FailureTimeout, true},
		{"connection refused", "dial tcp 10.0.0.1:443: connection refused", FailureTransient, true},
		{"rate limited", "HTTP 429 Too Many Requests", FailureTransient, true},
		{"service unavailable", "503 Service Unavailable", FailureTransient, true},
		{"unauthorized", "401 Unauthorized: invalid token", FailurePermission, false},
		{"permission denied", "open /etc/shadow: permission denied", FailurePermission, false},
		{"not found", "pod checkout-7f9c not found", FailureResource, false},
		{"out of memory", "container killed: out of memory", FailureResource, false},
		{"bad request", "400 Bad Request: malformed body", FailureValidation, true},
		{"invalid argument", "invalid argument: replicas must be positive", FailureValidation, true},
		{"bad gateway", "502 Bad Gateway from upstream", FailureDependency, true},
		{"fatal", "fatal: repository corrupted", FailurePermanent, false},
		{"unmatched", "something odd happened", FailureUnknown, false},
		{"empty", "", FailureUnknown, false},
	}

	c := NewClassifier()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.errText)
			if got.Type != tt.wantType {
				t.Errorf("Classify(%q).Type = %s, want %s", tt.errText, got.Type, tt.wantType)
			}
			if got.Recoverable != tt.recoverable {
				t.Errorf("Classify(%q).Recoverable = %v, want %v", tt.errText, got.Recoverable, tt.recoverable)
			}
			if got.Confidence <= 0 || got.Confidence > 1 {
				t.Errorf("confidence %v out of range", got.Confidence)
			}
		})
	}
}

func TestClassifyCaseInsensitive(t *testing.T) {
	c := NewClassifier()
	if got := c.Classify("CONNECTION REFUSED by peer"); got.Type != FailureTransient {
		t.Errorf("Type = %s, want transient", got.Type)
	}
}

func TestClassifyTieBreakPrefersHigherConfidence(t *testing.T) {
	// "invalid token" matches permission (0.9); "invalid argument" would
	// also satisfy the validation pattern (0.8). Permission must win.
	c := NewClassifier()
	got := c.Classify("invalid token while calling invalid argument endpoint")
	if got.Type != FailurePermission {
		t.Errorf("Type = %s, want permission", got.Type)
	}
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name    string
		cls     Classification
		attempt int
		want    bool
	}{
		{"transient first attempt", Classification{Type: FailureTransient, Recoverable: true}, 1, true},
		{"transient second attempt", Classification{Type: FailureTransient, Recoverable: true}, 2, true},
		{"transient third attempt exhausted", Classification{Type: FailureTransient, Recoverable: true}, 3, false},
		{"timeout retries", Classification{Type: FailureTimeout, Recoverable: true}, 2, true},
		{"dependency only on first attempt", Classification{Type: FailureDependency, Recoverable: true}, 1, true},
		{"dependency not on second attempt", Classification{Type: FailureDependency, Recoverable: true}, 2, false},
		{"permission never", Classification{Type: FailurePermission, Recoverable: false}, 1, false},
		{"validation not plain-retried", Classification{Type: FailureValidation, Recoverable: true}, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldRetry(tt.cls, tt.attempt); got != tt.want {
				t.Errorf("ShouldRetry = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		t       FailureType
		attempt int
		want    time.Duration
	}{
		{FailureTransient, 1, 2 * time.Second},
		{FailureTransient, 2, 4 * time.Second},
		{FailureTimeout, 1, 5 * time.Second},
		{FailureTimeout, 3, 20 * time.Second},
		{FailureDependency, 1, 10 * time.Second},
		{FailurePermanent, 1, 0},
	}
	for _, tt := range tests {
		if got := RetryDelay(tt.t, tt.attempt); got != tt.want {
			t.Errorf("RetryDelay(%s, %d) = %v, want %v", tt.t, tt.attempt, got, tt.want)
		}
	}
}
