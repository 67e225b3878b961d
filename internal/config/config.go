package config

import (
	"github.com/aegisops/aegis/internal/registry"
)

// Config is the top-level Aegis configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Policy    PolicyConfig    `yaml:"policy"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Learning  LearningConfig  `yaml:"learning"`
	Budget    BudgetConfig    `yaml:"budget"`
	Providers ProvidersConfig `yaml:"providers"`
	Sanitize  SanitizeConfig  `yaml:"sanitize"`
	Shadow    ShadowConfig    `yaml:"shadow"`
	Distiller DistillerConfig `yaml:"distiller"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Tools     []registry.Tool `yaml:"tools"`

	// DataDir is the root for all on-disk state: data/, replay_buffer/,
	// approvals/. Everything the system persists lives under it.
	DataDir      string `yaml:"data_dir"`
	PlaybooksDir string `yaml:"playbooks_dir"`
}

// ServerConfig controls the local approval console API.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	LogLevel     string `yaml:"log_level"`
	TokenTTL     string `yaml:"token_ttl"` // duration string, e.g. "1h"
	MaxIncidents int    `yaml:"max_incidents"`
}

// PolicyConfig holds the deterministic rule thresholds plus any
// operator-authored CEL rules evaluated after the built-in chain.
type PolicyConfig struct {
	MaxActions                   int     `yaml:"max_actions"`
	Environment                  string  `yaml:"environment"`
	HighRiskRequiresApproval     bool    `yaml:"high_risk_requires_approval"`
	MediumRiskMinModelConfidence float64 `yaml:"medium_risk_min_model_confidence"` // 0..1, compared against model 0..100
	MediumRiskMinToolConfidence  float64 `yaml:"medium_risk_min_tool_confidence"`
	BlacklistFailureCount        int     `yaml:"blacklist_failure_count"`
	BlacklistMinConfidence       float64 `yaml:"blacklist_min_confidence"`
	DecayUnused                  float64 `yaml:"decay_unused"`
	DecayFailed                  float64 `yaml:"decay_failed"`
	SuccessBoost                 float64 `yaml:"success_boost"`
	MinConfidence                float64 `yaml:"min_confidence"`
	InitialConfidence            float64 `yaml:"initial_confidence"`

	CustomRules []CustomRule `yaml:"custom_rules"`
}

// CustomRule is a CEL guard evaluated after the built-in rules would
// allow. Custom rules can only tighten a decision, never loosen it.
type CustomRule struct {
	Name      string `yaml:"name"`
	Condition string `yaml:"condition"`
	Effect    string `yaml:"effect"` // block, escalate, wait_approval
	Message   string `yaml:"message"`
}

// ApprovalConfig controls the approval gate.
type ApprovalConfig struct {
	AutoApproveLow    bool     `yaml:"auto_approve_low"`
	AutoApproveMedium bool     `yaml:"auto_approve_medium"`
	TimeoutSeconds    int      `yaml:"timeout_seconds"`
	SensitivePaths    []string `yaml:"sensitive_paths"`
	TrustedSources    []string `yaml:"trusted_sources"`
}

// LearningConfig controls playbook confidence evolution and noise
// suppression.
type LearningConfig struct {
	MinConfidenceForAuto       float64 `yaml:"min_confidence_for_auto"`
	MinConfidenceForSuggestion float64 `yaml:"min_confidence_for_suggestion"`
	SuccessReward              float64 `yaml:"success_reward"`
	FailurePenalty             float64 `yaml:"failure_penalty"`
	RegressionPenalty          float64 `yaml:"regression_penalty"`
	NoiseValueThreshold        float64 `yaml:"noise_value_threshold"`
	LLMCallCostUSD             float64 `yaml:"llm_call_cost_usd"`
}

// BudgetConfig sets per-tenant spend ceilings. Tenants not listed fall
// back to the default limits.
type BudgetConfig struct {
	DailyLimitUSD   float64                 `yaml:"daily_limit_usd"`
	MonthlyLimitUSD float64                 `yaml:"monthly_limit_usd"`
	Tenants         map[string]BudgetLimits `yaml:"tenants"`
}

// BudgetLimits overrides the default ceilings for one tenant.
type BudgetLimits struct {
	DailyLimitUSD   float64 `yaml:"daily_limit_usd"`
	MonthlyLimitUSD float64 `yaml:"monthly_limit_usd"`
}

// ProvidersConfig names the external model endpoints by role.
type ProvidersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
	Gemini    ProviderConfig `yaml:"gemini"`
	Local     ProviderConfig `yaml:"local"`
}

// ProviderConfig holds one endpoint. APIKey supports ${ENV} substitution
// at load time; when empty the provider falls back to its conventional
// environment variable.
type ProviderConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// SanitizeConfig controls outbound redaction.
type SanitizeConfig struct {
	Strict          bool     `yaml:"strict"`
	AllowRestricted bool     `yaml:"allow_restricted"`
	MaxTextLen      int      `yaml:"max_text_len"`
	ExtraPatterns   []string `yaml:"extra_patterns"`
}

// ShadowConfig controls digital-twin validation.
type ShadowConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DistillerConfig controls the episodic → semantic batch job.
type DistillerConfig struct {
	WindowDays  int `yaml:"window_days"`
	MinSupport  int `yaml:"min_support"`
	Concurrency int `yaml:"concurrency"`
}

// AlertsConfig wires escalation notifications.
type AlertsConfig struct {
	Slack   SlackAlertConfig   `yaml:"slack"`
	Webhook WebhookAlertConfig `yaml:"webhook"`
}

type SlackAlertConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type WebhookAlertConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// LedgerConfig locates the audit trail.
type LedgerConfig struct {
	JSONLPath  string `yaml:"jsonl_path"`
	SQLitePath string `yaml:"sqlite_path"`
}

// DefaultConfig returns a config with sensible defaults for zero-config
// startup in a dev environment.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         7447,
			LogLevel:     "info",
			TokenTTL:     "1h",
			MaxIncidents: 8,
		},
		Policy: PolicyConfig{
			MaxActions:                   3,
			Environment:                  "dev",
			HighRiskRequiresApproval:     true,
			MediumRiskMinModelConfidence: 0.70,
			MediumRiskMinToolConfidence:  0.50,
			BlacklistFailureCount:        2,
			BlacklistMinConfidence:       0.20,
			DecayUnused:                  0.99,
			DecayFailed:                  0.95,
			SuccessBoost:                 1.05,
			MinConfidence:                0.10,
			InitialConfidence:            0.50,
		},
		Approval: ApprovalConfig{
			AutoApproveLow:    true,
			AutoApproveMedium: false,
			TimeoutSeconds:    3600,
			SensitivePaths:    []string{"/etc/", "/root/", ".ssh", ".env", "secrets"},
		},
		Learning: LearningConfig{
			MinConfidenceForAuto:       0.90,
			MinConfidenceForSuggestion: 0.70,
			SuccessReward:              0.02,
			FailurePenalty:             0.05,
			RegressionPenalty:          0.10,
			NoiseValueThreshold:        0.1,
			LLMCallCostUSD:             0.25,
		},
		Budget: BudgetConfig{
			DailyLimitUSD:   50,
			MonthlyLimitUSD: 1000,
		},
		Providers: ProvidersConfig{
			OpenAI: ProviderConfig{
				BaseURL:        "https://api.openai.com/v1",
				Model:          "gpt-4o",
				TimeoutSeconds: 120,
			},
			Anthropic: ProviderConfig{
				Model:          "claude-sonnet-4-6",
				TimeoutSeconds: 120,
			},
			Gemini: ProviderConfig{
				Model:          "gemini-2.0-flash",
				TimeoutSeconds: 120,
			},
			Local: ProviderConfig{
				BaseURL:        "http://localhost:11434/v1",
				Model:          "llama-3.1-70b",
				TimeoutSeconds: 300,
			},
		},
		Sanitize: SanitizeConfig{
			Strict:     false,
			MaxTextLen: 50000,
		},
		Shadow: ShadowConfig{
			Enabled: true,
		},
		Distiller: DistillerConfig{
			WindowDays:  7,
			MinSupport:  3,
			Concurrency: 4,
		},
		Ledger: LedgerConfig{
			JSONLPath:  "./ledger.jsonl",
			SQLitePath: "./aegis.db",
		},
		DataDir:      ".",
		PlaybooksDir: "./playbooks",
	}
}
