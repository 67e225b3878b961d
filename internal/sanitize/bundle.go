package sanitize

import (
	"fmt"
	"strings"
)

// Bundle is the only payload shape ever sent to an external model. Every
// field is either an identifier, an enumerated value, a hashed reference,
// or sanitizer-cleaned text. Raw code and raw paths never appear.
type Bundle struct {
	FindingID         string            `json:"finding_id"`
	FindingType       string            `json:"finding_type"`
	Severity          string            `json:"severity"`
	AffectedComponent string            `json:"affected_component"`
	PatternsDetected  []string          `json:"patterns_detected,omitempty"`
	PoliciesViolated  []string          `json:"policies_violated,omitempty"`
	Context           map[string]string `json:"context,omitempty"`
}

// BundleInput carries the raw material a bundle is distilled from.
type BundleInput struct {
	FindingID     string
	FindingType   string
	Severity      string
	ComponentPath string
	Patterns      []string
	Policies      []string
	Context       map[string]string
	CodeSnippet   string
}

// maxSummaryLen caps the sanitized code summary carried in bundle context.
const maxSummaryLen = 120

// BundleBuilder turns findings into sanitized bundles.
type BundleBuilder struct {
	sanitizer *Sanitizer
}

// NewBundleBuilder wires a builder to the sanitizer it must route all text
// through.
func NewBundleBuilder(s *Sanitizer) *BundleBuilder {
	return &BundleBuilder{sanitizer: s}
}

// Build assembles a Bundle from raw finding material. The component path is
// replaced by a hash reference, patterns and context values are sanitized
// individually, and the code snippet collapses to a single summary line.
func (b *BundleBuilder) Build(in BundleInput) (Bundle, error) {
	if in.FindingID == "" {
		return Bundle{}, fmt.Errorf("bundle: finding id required")
	}
	if in.FindingType == "" {
		return Bundle{}, fmt.Errorf("bundle: finding type required")
	}

	out := Bundle{
		FindingID:   in.FindingID,
		FindingType: in.FindingType,
		Severity:    in.Severity,
	}
	if in.ComponentPath != "" {
		out.AffectedComponent = "ref:" + HashRef(in.ComponentPath)
	}

	for _, p := range in.Patterns {
		r := b.sanitizer.Sanitize(p)
		if r.Blocked {
			continue
		}
		out.PatternsDetected = append(out.PatternsDetected, r.Sanitized)
	}
	out.PoliciesViolated = append(out.PoliciesViolated, in.Policies...)

	ctx := b.sanitizer.SanitizeMap(in.Context)
	if in.CodeSnippet != "" {
		if ctx == nil {
			ctx = make(map[string]string, 1)
		}
		ctx["code_summary"] = b.summarizeCode(in.CodeSnippet)
	}
	out.Context = ctx
	return out, nil
}

// summarizeCode reduces a snippet to its first non-empty line, sanitized and
// length-capped. The full snippet never leaves the process.
func (b *BundleBuilder) summarizeCode(snippet string) string {
	line := ""
	for _, l := range strings.Split(snippet, "\n") {
		if t := strings.TrimSpace(l); t != "" {
			line = t
			break
		}
	}
	if line == "" {
		return ""
	}
	r := b.sanitizer.Sanitize(line)
	if r.Blocked {
		return r.Sanitized
	}
	summary := r.Sanitized
	if len(summary) > maxSummaryLen {
		summary = summary[:maxSummaryLen] + "..."
	}
	return fmt.Sprintf("%s (lines=%d)", summary, strings.Count(snippet, "\n")+1)
}

// Verify re-checks a built bundle against the rule table. Returns an error
// naming the first field that still matches a redaction rule. Used as a
// final gate before the bundle is serialized for an external call.
func (b *BundleBuilder) Verify(bundle Bundle) error {
	check := func(field, text string) error {
		if !b.sanitizer.Clean(text) {
			return fmt.Errorf("bundle: field %s failed sanitizer check", field)
		}
		return nil
	}
	for i, p := range bundle.PatternsDetected {
		if err := check(fmt.Sprintf("patterns_detected[%d]", i), p); err != nil {
			return err
		}
	}
	for k, v := range bundle.Context {
		if err := check("context."+k, v); err != nil {
			return err
		}
	}
	return nil
}
