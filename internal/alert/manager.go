// Package alert delivers operator notifications for events that need a
// human: escalations, kill-switch trips, pending high-risk approvals and
// budget exhaustion.
package alert

import (
	"log/slog"
	"sync"
	"time"

	"github.com/aegisops/aegis/internal/config"
)

// Alert represents a notification to be sent.
type Alert struct {
	Type       string         `json:"type"`     // escalation, kill_switch, approval_required, budget_exhausted
	Severity   string         `json:"severity"` // info, warning, critical
	Title      string         `json:"title"`
	Message    string         `json:"message"`
	IncidentID string         `json:"incident_id,omitempty"`
	Tool       string         `json:"tool,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// fingerprint identifies an alert for deduplication. Repeats of the same
// event for the same incident and tool within the TTL are dropped.
func fingerprint(a Alert) string {
	return a.Type + "|" + a.IncidentID + "|" + a.Tool
}

// Sender is a delivery channel for alerts.
type Sender interface {
	Send(alert Alert) error
	Name() string
}

// Manager orchestrates alert delivery with deduplication.
type Manager struct {
	mu       sync.Mutex
	senders  []Sender
	dedup    map[string]time.Time // fingerprint → lastSent
	dedupTTL time.Duration
	logger   *slog.Logger
}

// NewManager creates a manager with the senders named in the config.
func NewManager(cfg config.AlertsConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		senders:  make([]Sender, 0),
		dedup:    make(map[string]time.Time),
		dedupTTL: 5 * time.Minute,
		logger:   logger.With("component", "alert"),
	}

	if cfg.Slack.WebhookURL != "" {
		m.senders = append(m.senders, NewSlackSender(cfg.Slack))
	}
	if cfg.Webhook.URL != "" {
		m.senders = append(m.senders, NewWebhookSender(cfg.Webhook))
	}

	return m
}

// Send dispatches an alert to all configured channels with deduplication.
// Delivery is asynchronous so callers on the incident path never block on
// a slow webhook.
func (m *Manager) Send(alert Alert) {
	alert.Timestamp = time.Now()

	key := fingerprint(alert)
	m.mu.Lock()
	if lastSent, ok := m.dedup[key]; ok && time.Since(lastSent) < m.dedupTTL {
		m.mu.Unlock()
		m.logger.Debug("alert deduplicated", "type", alert.Type, "fingerprint", key)
		return
	}
	m.dedup[key] = time.Now()
	m.mu.Unlock()

	for _, sender := range m.senders {
		go func(s Sender) {
			if err := s.Send(alert); err != nil {
				m.logger.Error("failed to send alert",
					"sender", s.Name(),
					"type", alert.Type,
					"error", err,
				)
			}
		}(sender)
	}
}

// PruneDedup removes old dedup entries. Call periodically.
func (m *Manager) PruneDedup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for key, ts := range m.dedup {
		if now.Sub(ts) > m.dedupTTL*2 {
			delete(m.dedup, key)
		}
	}
}

// HasSenders returns true if any alert channels are configured.
func (m *Manager) HasSenders() bool {
	return len(m.senders) > 0
}
