// Package registry holds the static tool catalog: what each tool is,
// how risky it is, whether it may touch production, and which inputs it
// requires. The registry is built once at startup and immutable after,
// so it can be shared freely across concurrent incidents.
package registry

import (
	"fmt"
	"sort"
)

// RiskLevel classifies the blast radius of a tool.
type RiskLevel string

const (
	RiskNone     RiskLevel = "none"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskRank = map[RiskLevel]int{
	RiskNone:     0,
	RiskLow:      1,
	RiskMedium:   2,
	RiskHigh:     3,
	RiskCritical: 4,
}

// ParseRisk converts a config string to a RiskLevel.
func ParseRisk(s string) (RiskLevel, error) {
	r := RiskLevel(s)
	if _, ok := riskRank[r]; !ok {
		return "", fmt.Errorf("unknown risk level %q", s)
	}
	return r, nil
}

// AtLeast reports whether r is at or above the given level.
func (r RiskLevel) AtLeast(min RiskLevel) bool {
	return riskRank[r] >= riskRank[min]
}

// Valid reports whether r is one of the five defined levels.
func (r RiskLevel) Valid() bool {
	_, ok := riskRank[r]
	return ok
}

// Tool is one registry entry.
type Tool struct {
	ID                string    `yaml:"id" json:"id"`
	Risk              RiskLevel `yaml:"risk" json:"risk"`
	ProdAllowed       bool      `yaml:"prod_allowed" json:"prod_allowed"`
	RequiredInputKeys []string  `yaml:"required_input_keys" json:"required_input_keys,omitempty"`
	Description       string    `yaml:"description" json:"description,omitempty"`
	ShadowBeforeProd  bool      `yaml:"shadow_before_prod" json:"shadow_before_prod,omitempty"`
	BaselineMS        int64     `yaml:"baseline_ms" json:"baseline_ms,omitempty"`
	CostUSD           float64   `yaml:"cost_usd" json:"cost_usd,omitempty"`
}

// Registry is an immutable tool catalog.
type Registry struct {
	tools map[string]Tool
}

// New builds a registry from tool declarations. Duplicate or invalid
// declarations fail construction; there is no way to add tools later.
func New(tools []Tool) (*Registry, error) {
	m := make(map[string]Tool, len(tools))
	for _, t := range tools {
		if t.ID == "" {
			return nil, fmt.Errorf("tool with empty id")
		}
		if !t.Risk.Valid() {
			return nil, fmt.Errorf("tool %s: unknown risk level %q", t.ID, t.Risk)
		}
		if _, dup := m[t.ID]; dup {
			return nil, fmt.Errorf("duplicate tool id %s", t.ID)
		}
		m[t.ID] = t
	}
	return &Registry{tools: m}, nil
}

// Get returns the tool with the given id.
func (r *Registry) Get(id string) (Tool, bool) {
	t, ok := r.tools[id]
	return t, ok
}

// Has reports whether the tool id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.tools[id]
	return ok
}

// IDs returns all tool ids in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All returns a copy of every tool declaration, sorted by id.
func (r *Registry) All() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, id := range r.IDs() {
		out = append(out, r.tools[id])
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.tools)
}
