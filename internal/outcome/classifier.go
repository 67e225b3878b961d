package outcome

import (
	"regexp"
	"strings"
	"time"
)

// FailureType is the coarse cause of a failed execution.
type FailureType string

const (
	FailureTransient  FailureType = "transient"
	FailureTimeout    FailureType = "timeout"
	FailurePermission FailureType = "permission"
	FailureResource   FailureType = "resource"
	FailureValidation FailureType = "validation"
	FailureDependency FailureType = "dependency"
	FailurePermanent  FailureType = "permanent"
	FailureUnknown    FailureType = "unknown"
)

// Severity grades how bad a failure is for the incident.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Classification is the verdict for one error string.
type Classification struct {
	Type              FailureType `json:"type"`
	Severity          Severity    `json:"severity"`
	Recoverable       bool        `json:"recoverable"`
	RecommendedAction string      `json:"recommended_action"`
	Confidence        float64     `json:"confidence"`
	MatchedRule       string      `json:"matched_rule,omitempty"`
}

type classifierRule struct {
	name        string
	pattern     *regexp.Regexp
	failureType FailureType
	severity    Severity
	recoverable bool
	action      string
	confidence  float64
}

// classifierRules is scanned in order against the lowercased error text.
// When several rules match, the higher-confidence rule wins; equal
// confidence falls back to the longer (more specific) pattern, then to
// table order.
var classifierRules = []classifierRule{
	{
		name:        "timeout",
		pattern:     regexp.MustCompile(`timed? ?out|deadline exceeded`),
		failureType: FailureTimeout,
		severity:    SeverityMedium,
		recoverable: true,
		action:      "retry_with_backoff",
		confidence:  0.9,
	},
	{
		name:        "rate_limited",
		pattern:     regexp.MustCompile(`\b429\b|too many requests|rate limit`),
		failureType: FailureTransient,
		severity:    SeverityLow,
		recoverable: true,
		action:      "retry_with_backoff",
		confidence:  0.9,
	},
	{
		name:        "connection_failure",
		pattern:     regexp.MustCompile(`connection (refused|reset|closed)|broken pipe|no route to host`),
		failureType: FailureTransient,
		severity:    SeverityMedium,
		recoverable: true,
		action:      "retry",
		confidence:  0.85,
	},
	{
		name:        "service_unavailable",
		pattern:     regexp.MustCompile(`\b503\b|service unavailable|temporarily unavailable|try again later`),
		failureType: FailureTransient,
		severity:    SeverityMedium,
		recoverable: true,
		action:      "retry_with_backoff",
		confidence:  0.85,
	},
	{
		name:        "permission_denied",
		pattern:     regexp.MustCompile(`\b40[13]\b|unauthorized|forbidden|permission denied|access denied|invalid (credentials|token)`),
		failureType: FailurePermission,
		severity:    SeverityHigh,
		recoverable: false,
		action:      "check_credentials",
		confidence:  0.9,
	},
	{
		name:        "resource_exhausted",
		pattern:     regexp.MustCompile(`out of memory|\boom\b|disk full|no space left|resource exhausted|quota exceeded`),
		failureType: FailureResource,
		severity:    SeverityHigh,
		recoverable: false,
		action:      "free_resources",
		confidence:  0.85,
	},
	{
		name:        "resource_missing",
		pattern:     regexp.MustCompile(`\b404\b|not found|no such (file|host|process|container)`),
		failureType: FailureResource,
		severity:    SeverityMedium,
		recoverable: false,
		action:      "verify_target",
		confidence:  0.8,
	},
	{
		name:        "validation_error",
		pattern:     regexp.MustCompile(`\b400\b|\b422\b|bad request|invalid (argument|input|parameter|value|json|yaml)|validation|malformed|schema`),
		failureType: FailureValidation,
		severity:    SeverityMedium,
		recoverable: true,
		action:      "fix_input",
		confidence:  0.8,
	},
	{
		name:        "dependency_failure",
		pattern:     regexp.MustCompile(`\b502\b|bad gateway|upstream|circuit breaker|dependency (failed|unavailable)`),
		failureType: FailureDependency,
		severity:    SeverityMedium,
		recoverable: true,
		action:      "wait_for_dependency",
		confidence:  0.8,
	},
	{
		name:        "permanent_failure",
		pattern:     regexp.MustCompile(`fatal|unrecoverable|permanent|not (supported|implemented)`),
		failureType: FailurePermanent,
		severity:    SeverityHigh,
		recoverable: false,
		action:      "escalate",
		confidence:  0.9,
	},
}

// Classifier maps error strings to failure classifications.
type Classifier struct {
	rules []classifierRule
}

// NewClassifier builds a Classifier with the built-in rule table.
func NewClassifier() *Classifier {
	return &Classifier{rules: classifierRules}
}

// Classify evaluates an error string. Matching is case-insensitive; an
// empty or unmatched error yields the unknown type.
func (c *Classifier) Classify(errText string) Classification {
	text := strings.ToLower(errText)
	var best *classifierRule
	for i := range c.rules {
		rule := &c.rules[i]
		if !rule.pattern.MatchString(text) {
			continue
		}
		if best == nil {
			best = rule
			continue
		}
		switch {
		case rule.confidence > best.confidence:
			best = rule
		case rule.confidence == best.confidence &&
			len(rule.pattern.String()) > len(best.pattern.String()):
			best = rule
		}
	}
	if best == nil {
		return Classification{
			Type:              FailureUnknown,
			Severity:          SeverityMedium,
			Recoverable:       false,
			RecommendedAction: "investigate",
			Confidence:        0.3,
		}
	}
	return Classification{
		Type:              best.failureType,
		Severity:          best.severity,
		Recoverable:       best.recoverable,
		RecommendedAction: best.action,
		Confidence:        best.confidence,
		MatchedRule:       best.name,
	}
}

// maxRetryAttempts bounds how many times one action may be retried.
const maxRetryAttempts = 3

// ShouldRetry reports whether a failure with this classification warrants
// another attempt. attempt is 1-based and counts attempts already made.
func ShouldRetry(c Classification, attempt int) bool {
	if !c.Recoverable || attempt >= maxRetryAttempts {
		return false
	}
	switch c.Type {
	case FailureTransient, FailureTimeout:
		return true
	case FailureDependency:
		return attempt == 1
	default:
		return false
	}
}

// RetryDelay computes the backoff before retry number attempt+1:
// per-type base doubled for every attempt already made.
func RetryDelay(t FailureType, attempt int) time.Duration {
	var base time.Duration
	switch t {
	case FailureTransient:
		base = 2 * time.Second
	case FailureTimeout:
		base = 5 * time.Second
	case FailureDependency:
		base = 10 * time.Second
	default:
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}
