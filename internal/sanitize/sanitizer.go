// Package sanitize redacts sensitive material from text before it leaves
// the process boundary. Every prompt, trace, or exported fact passes through
// a Sanitizer; external models only ever see the sanitized form.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
)

// Sensitivity classifies how damaging a leak of the matched data would be.
type Sensitivity string

const (
	SensitivityPublic       Sensitivity = "public"
	SensitivityInternal     Sensitivity = "internal"
	SensitivityConfidential Sensitivity = "confidential"
	SensitivityRestricted   Sensitivity = "restricted"
)

// sensitivityRank orders sensitivities for max() comparisons.
var sensitivityRank = map[Sensitivity]int{
	SensitivityPublic:       0,
	SensitivityInternal:     1,
	SensitivityConfidential: 2,
	SensitivityRestricted:   3,
}

// AtLeast reports whether s is as sensitive as other or more.
func (s Sensitivity) AtLeast(other Sensitivity) bool {
	return sensitivityRank[s] >= sensitivityRank[other]
}

func maxSensitivity(a, b Sensitivity) Sensitivity {
	if sensitivityRank[b] > sensitivityRank[a] {
		return b
	}
	return a
}

// DataType identifies the kind of sensitive data a rule detects.
type DataType string

const (
	DataAPIKey      DataType = "api_key"
	DataPassword    DataType = "password"
	DataBearerToken DataType = "bearer_token"
	DataPEMBlock    DataType = "pem_block"
	DataAWSKey      DataType = "aws_access_key"
	DataEmail       DataType = "email"
	DataPhone       DataType = "phone"
	DataSSN         DataType = "ssn"
	DataCreditCard  DataType = "credit_card"
	DataIPAddress   DataType = "ip_address"
	DataConnString  DataType = "connection_string"
	DataInternalURL DataType = "internal_url"
	DataHomePath    DataType = "home_path"
	DataCustom      DataType = "custom"
)

// Rule is a single redaction rule. Rules either substitute a fixed marker
// or replace the match with a short hash reference that preserves identity
// without revealing content. Markers are constructed so that no built-in
// rule matches its own output.
type Rule struct {
	Name        string
	DataType    DataType
	Sensitivity Sensitivity
	Pattern     *regexp.Regexp
	Replacement string // fixed marker, empty when HashRef is set
	HashRef     string // marker prefix, e.g. "EMAIL" -> [EMAIL:<hash>]
}

// builtinRules is the ordered redaction table. Order matters: structured
// secrets are stripped before the broader patterns that could partially
// overlap them (connection strings carry credentials and hosts, URLs carry
// IPs).
var builtinRules = []Rule{
	{
		Name:        "api_key_assignment",
		DataType:    DataAPIKey,
		Sensitivity: SensitivityRestricted,
		Pattern:     regexp.MustCompile(`(?i)\b(api[_-]?key|apikey|secret[_-]?key|access[_-]?token|auth[_-]?token)["']?\s*[:=]\s*["']?[A-Za-z0-9\-._~+/]{8,}["']?`),
		Replacement: "[REDACTED:api_key]",
	},
	{
		Name:        "password_assignment",
		DataType:    DataPassword,
		Sensitivity: SensitivityRestricted,
		Pattern:     regexp.MustCompile(`(?i)\b(password|passwd|pwd)["']?\s*[:=]\s*["']?[^\s"']{4,}["']?`),
		Replacement: "[REDACTED:password]",
	},
	{
		Name:        "bearer_token",
		DataType:    DataBearerToken,
		Sensitivity: SensitivityRestricted,
		Pattern:     regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]{8,}=*`),
		Replacement: "[REDACTED:bearer_token]",
	},
	{
		Name:        "pem_block",
		DataType:    DataPEMBlock,
		Sensitivity: SensitivityRestricted,
		Pattern:     regexp.MustCompile(`(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`),
		Replacement: "[REDACTED:pem_block]",
	},
	{
		Name:        "aws_access_key",
		DataType:    DataAWSKey,
		Sensitivity: SensitivityRestricted,
		Pattern:     regexp.MustCompile(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`),
		Replacement: "[REDACTED:aws_access_key]",
	},
	{
		Name:        "email_address",
		DataType:    DataEmail,
		Sensitivity: SensitivityConfidential,
		Pattern:     regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
		HashRef:     "EMAIL",
	},
	{
		Name:        "phone_number",
		DataType:    DataPhone,
		Sensitivity: SensitivityConfidential,
		Pattern:     regexp.MustCompile(`\b\+?\d{1,2}[-.\s]?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]\d{4}\b`),
		Replacement: "[REDACTED:phone]",
	},
	{
		Name:        "ssn",
		DataType:    DataSSN,
		Sensitivity: SensitivityRestricted,
		Pattern:     regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		Replacement: "[REDACTED:ssn]",
	},
	{
		Name:        "credit_card",
		DataType:    DataCreditCard,
		Sensitivity: SensitivityRestricted,
		Pattern:     regexp.MustCompile(`\b\d{4}[ -]\d{4}[ -]\d{4}[ -]\d{1,4}\b|\b\d{15,16}\b`),
		Replacement: "[REDACTED:credit_card]",
	},
	{
		Name:        "connection_string",
		DataType:    DataConnString,
		Sensitivity: SensitivityRestricted,
		Pattern:     regexp.MustCompile(`(?i)\b(postgres|postgresql|mysql|mongodb|mongodb\+srv|redis|amqp|mssql)://[^\s"']+`),
		Replacement: "[REDACTED:connection_string]",
	},
	{
		Name:        "internal_url",
		DataType:    DataInternalURL,
		Sensitivity: SensitivityConfidential,
		Pattern:     regexp.MustCompile(`(?i)\bhttps?://(localhost|127\.0\.0\.1|10\.\d{1,3}\.\d{1,3}\.\d{1,3}|172\.(1[6-9]|2\d|3[01])\.\d{1,3}\.\d{1,3}|192\.168\.\d{1,3}\.\d{1,3})(:\d+)?[^\s"']*`),
		HashRef:     "URL",
	},
	{
		Name:        "ip_address",
		DataType:    DataIPAddress,
		Sensitivity: SensitivityInternal,
		Pattern:     regexp.MustCompile(`\b(\d{1,3}\.){3}\d{1,3}\b`),
		HashRef:     "IP",
	},
	{
		Name:        "home_path",
		DataType:    DataHomePath,
		Sensitivity: SensitivityInternal,
		Pattern:     regexp.MustCompile(`(/home/|/Users/)[A-Za-z0-9._-]+`),
		Replacement: "[REDACTED:home_path]",
	},
}

// Redaction records the effect of one rule on one input.
type Redaction struct {
	Rule        string      `json:"rule"`
	DataType    DataType    `json:"data_type"`
	Sensitivity Sensitivity `json:"sensitivity"`
	Count       int         `json:"count"`
}

// Result is the outcome of sanitizing one piece of text.
type Result struct {
	OriginalHash     string      `json:"original_hash"`
	Sanitized        string      `json:"sanitized"`
	Redactions       []Redaction `json:"redactions,omitempty"`
	MaxSensitivity   Sensitivity `json:"max_sensitivity"`
	RequiresApproval bool        `json:"requires_approval"`
	Truncated        bool        `json:"truncated"`
	Blocked          bool        `json:"blocked"`
}

// Config controls sanitizer behavior.
type Config struct {
	// StrictMode replaces text containing restricted data with a blocked
	// marker instead of redacting in place.
	StrictMode bool
	// AllowedTypes lists data types that may pass redacted (not blocked)
	// even in strict mode.
	AllowedTypes []DataType
	// MaxTextLen caps sanitized output length. Zero means DefaultMaxTextLen.
	MaxTextLen int
	// ExtraPatterns appends operator-defined regexes to the rule table.
	// Matches redact to a fixed marker at confidential sensitivity. Patterns
	// that fail to compile are skipped with a warning.
	ExtraPatterns []string
}

// DefaultMaxTextLen is the output cap applied when Config.MaxTextLen is zero.
const DefaultMaxTextLen = 50000

const truncationMarker = "\n[TRUNCATED]"

// Sanitizer applies the redaction table to text. It is stateless apart from
// configuration and safe for concurrent use.
type Sanitizer struct {
	rules      []Rule
	strict     bool
	allowed    map[DataType]bool
	maxTextLen int
	logger     *slog.Logger
}

// New builds a Sanitizer with the built-in rule table plus any extra
// patterns from cfg.
func New(cfg Config, logger *slog.Logger) *Sanitizer {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sanitizer")
	maxLen := cfg.MaxTextLen
	if maxLen <= 0 {
		maxLen = DefaultMaxTextLen
	}
	allowed := make(map[DataType]bool, len(cfg.AllowedTypes))
	for _, t := range cfg.AllowedTypes {
		allowed[t] = true
	}
	rules := builtinRules
	if len(cfg.ExtraPatterns) > 0 {
		rules = make([]Rule, len(builtinRules), len(builtinRules)+len(cfg.ExtraPatterns))
		copy(rules, builtinRules)
		for i, expr := range cfg.ExtraPatterns {
			re, err := regexp.Compile(expr)
			if err != nil {
				logger.Warn("skipping invalid extra pattern", "pattern", expr, "error", err)
				continue
			}
			rules = append(rules, Rule{
				Name:        fmt.Sprintf("extra_pattern_%d", i),
				DataType:    DataCustom,
				Sensitivity: SensitivityConfidential,
				Pattern:     re,
				Replacement: "[REDACTED:custom]",
			})
		}
	}
	return &Sanitizer{
		rules:      rules,
		strict:     cfg.StrictMode,
		allowed:    allowed,
		maxTextLen: maxLen,
		logger:     logger,
	}
}

// HashText returns the full SHA-256 hex digest of text.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// HashRef returns a short stable reference for a sensitive value: the first
// 12 hex characters of its SHA-256. Long enough to correlate, too short to
// invert usefully.
func HashRef(value string) string {
	return HashText(value)[:12]
}

// Sanitize redacts text and reports what was found. Sanitizing already
// sanitized text is a no-op: markers never match a rule, so the output is a
// fixed point.
func (s *Sanitizer) Sanitize(text string) Result {
	res := Result{
		OriginalHash:   HashText(text),
		MaxSensitivity: SensitivityPublic,
	}

	sanitized := text
	blockedType := DataType("")
	for _, rule := range s.rules {
		matches := rule.Pattern.FindAllString(sanitized, -1)
		if len(matches) == 0 {
			continue
		}
		res.Redactions = append(res.Redactions, Redaction{
			Rule:        rule.Name,
			DataType:    rule.DataType,
			Sensitivity: rule.Sensitivity,
			Count:       len(matches),
		})
		res.MaxSensitivity = maxSensitivity(res.MaxSensitivity, rule.Sensitivity)
		if rule.Sensitivity == SensitivityRestricted && !s.allowed[rule.DataType] && blockedType == "" {
			blockedType = rule.DataType
		}
		if rule.HashRef != "" {
			sanitized = rule.Pattern.ReplaceAllStringFunc(sanitized, func(m string) string {
				return fmt.Sprintf("[%s:%s]", rule.HashRef, HashRef(m))
			})
		} else {
			sanitized = rule.Pattern.ReplaceAllString(sanitized, rule.Replacement)
		}
	}

	if s.strict && blockedType != "" {
		res.Sanitized = fmt.Sprintf("[BLOCKED: hash=%s]", res.OriginalHash[:12])
		res.Blocked = true
		res.RequiresApproval = true
		s.logger.Warn("content blocked in strict mode",
			"data_type", blockedType,
			"hash", res.OriginalHash[:12])
		return res
	}

	if len(sanitized) > s.maxTextLen {
		sanitized = sanitized[:s.maxTextLen-len(truncationMarker)] + truncationMarker
		res.Truncated = true
	}

	res.Sanitized = sanitized
	res.RequiresApproval = res.MaxSensitivity == SensitivityRestricted
	if len(res.Redactions) > 0 {
		s.logger.Debug("text sanitized",
			"redactions", len(res.Redactions),
			"max_sensitivity", res.MaxSensitivity)
	}
	return res
}

// SanitizeMap sanitizes every string value of m, returning a new map. Values
// that block in strict mode are dropped entirely.
func (s *Sanitizer) SanitizeMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		r := s.Sanitize(v)
		if r.Blocked {
			continue
		}
		out[k] = r.Sanitized
	}
	return out
}

// Clean reports whether text triggers no redaction rule. Used as an export
// gate: nothing leaves the trust boundary unless Clean or sanitized.
func (s *Sanitizer) Clean(text string) bool {
	for _, rule := range s.rules {
		if rule.Pattern.MatchString(text) {
			return false
		}
	}
	return true
}

// RuleNames returns the names of the active rules in application order.
func (s *Sanitizer) RuleNames() []string {
	names := make([]string, 0, len(s.rules))
	for _, r := range s.rules {
		names = append(names, r.Name)
	}
	return names
}

// Summary condenses a redaction list for logging and ledger entries.
func Summary(redactions []Redaction) map[string]int {
	if len(redactions) == 0 {
		return nil
	}
	out := make(map[string]int, len(redactions))
	for _, r := range redactions {
		out[string(r.DataType)] += r.Count
	}
	return out
}

// DataTypes lists the distinct data types present in a redaction list,
// sorted for stable output.
func DataTypes(redactions []Redaction) []string {
	seen := make(map[string]bool, len(redactions))
	for _, r := range redactions {
		seen[string(r.DataType)] = true
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
