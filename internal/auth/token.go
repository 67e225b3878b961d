// Package auth issues short-lived bearer tokens for the approval
// console API. Tokens rotate on a TTL and may be bound to a source IP.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Role defines the access level for API tokens.
type Role string

const (
	RoleViewer   Role = "viewer"   // read status, approvals, ledger
	RoleApprover Role = "approver" // decide approvals, trigger the kill switch
	RoleAdmin    Role = "admin"    // full access including kill-switch reset
)

// Actions checked by HasPermission.
const (
	ActionStatusRead      = "status.read"
	ActionApprovalsRead   = "approvals.read"
	ActionApprovalsDecide = "approvals.decide"
	ActionKillTrigger     = "killswitch.trigger"
	ActionKillReset       = "killswitch.reset"
	ActionLedgerVerify    = "ledger.verify"
	ActionEventsSubscribe = "events.subscribe"
	ActionTokenCreate     = "token.create"
)

// Token is one issued credential.
type Token struct {
	ID        string    `json:"id"`
	Secret    string    `json:"-"` // never serialized
	Role      Role      `json:"role"`
	SourceIP  string    `json:"source_ip,omitempty"` // IP binding (optional)
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired returns whether the token has expired.
func (t Token) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// TokenManager handles token creation, validation, and rotation.
type TokenManager struct {
	mu     sync.RWMutex
	tokens map[string]Token // secret → token
	ttl    time.Duration
	logger *slog.Logger
}

// NewTokenManager creates a token manager. A non-positive ttl falls
// back to one hour.
func NewTokenManager(ttl time.Duration, logger *slog.Logger) *TokenManager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenManager{
		tokens: make(map[string]Token),
		ttl:    ttl,
		logger: logger.With("component", "auth.TokenManager"),
	}
}

// CreateToken generates a new token. A non-empty sourceIP binds the
// token to that address.
func (m *TokenManager) CreateToken(role Role, sourceIP string) (Token, error) {
	secret, err := generateSecret()
	if err != nil {
		return Token{}, fmt.Errorf("generate token: %w", err)
	}
	id, err := generateSecret()
	if err != nil {
		return Token{}, fmt.Errorf("generate token id: %w", err)
	}

	token := Token{
		ID:        id[:16],
		Secret:    secret,
		Role:      role,
		SourceIP:  sourceIP,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(m.ttl),
	}

	m.mu.Lock()
	m.tokens[secret] = token
	m.mu.Unlock()

	m.logger.Info("token created",
		"token_id", token.ID,
		"role", role,
		"expires_at", token.ExpiresAt,
	)
	return token, nil
}

// ValidateToken checks a secret and returns its token.
func (m *TokenManager) ValidateToken(secret, sourceIP string) (Token, error) {
	m.mu.RLock()
	token, ok := m.tokens[secret]
	m.mu.RUnlock()

	if !ok {
		return Token{}, fmt.Errorf("invalid token")
	}
	if token.IsExpired() {
		m.mu.Lock()
		delete(m.tokens, secret)
		m.mu.Unlock()
		return Token{}, fmt.Errorf("token expired")
	}
	if token.SourceIP != "" && token.SourceIP != sourceIP {
		m.logger.Warn("token used from wrong IP",
			"token_id", token.ID,
			"expected_ip", token.SourceIP,
			"actual_ip", sourceIP,
		)
		return Token{}, fmt.Errorf("token not valid from this IP")
	}
	return token, nil
}

// RevokeToken removes a token.
func (m *TokenManager) RevokeToken(secret string) {
	m.mu.Lock()
	if token, ok := m.tokens[secret]; ok {
		m.logger.Info("token revoked", "token_id", token.ID)
		delete(m.tokens, secret)
	}
	m.mu.Unlock()
}

// CleanExpired removes all expired tokens.
func (m *TokenManager) CleanExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for secret, token := range m.tokens {
		if token.IsExpired() {
			delete(m.tokens, secret)
			count++
		}
	}
	return count
}

// ActiveTokenCount returns the number of non-expired tokens.
func (m *TokenManager) ActiveTokenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, token := range m.tokens {
		if !token.IsExpired() {
			count++
		}
	}
	return count
}

// HasPermission checks whether a role may perform an action.
func HasPermission(role Role, action string) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleApprover:
		return action != ActionTokenCreate && action != ActionKillReset
	case RoleViewer:
		switch action {
		case ActionStatusRead, ActionApprovalsRead, ActionLedgerVerify, ActionEventsSubscribe:
			return true
		}
		return false
	default:
		return false
	}
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
