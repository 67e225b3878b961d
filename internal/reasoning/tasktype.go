// Package reasoning routes model calls across provider roles, enforces
// the sanitize-before-send rule, and records a cognitive trace for every
// reasoning step.
package reasoning

import "github.com/aegisops/aegis/internal/provider"

// TaskType classifies a model call for routing.
type TaskType string

const (
	TaskReasoning        TaskType = "reasoning"
	TaskSearch           TaskType = "search"
	TaskCodeGeneration   TaskType = "code_generation"
	TaskCode             TaskType = "code"
	TaskTestGeneration   TaskType = "test_generation"
	TaskConfigGeneration TaskType = "config_generation"
	TaskRootCause        TaskType = "root_cause"
	TaskRiskAssessment   TaskType = "risk_assessment"
	TaskPrioritization   TaskType = "prioritization"
	TaskExplanation      TaskType = "explanation"
	TaskCVELookup        TaskType = "cve_lookup"
	TaskStandardsCheck   TaskType = "standards_check"
	TaskGeneral          TaskType = "general"
	TaskChat             TaskType = "chat"
)

type route struct {
	primary  string
	fallback string
}

var routes = map[TaskType]route{
	TaskReasoning:      {provider.RoleOpenAI, provider.RoleClaude},
	TaskRootCause:      {provider.RoleOpenAI, provider.RoleClaude},
	TaskRiskAssessment: {provider.RoleOpenAI, provider.RoleClaude},
	TaskPrioritization: {provider.RoleOpenAI, provider.RoleClaude},
	TaskExplanation:    {provider.RoleOpenAI, provider.RoleClaude},

	TaskCVELookup:      {provider.RoleGemini, provider.RoleOpenAI},
	TaskStandardsCheck: {provider.RoleGemini, provider.RoleOpenAI},
	TaskSearch:         {provider.RoleGemini, provider.RoleOpenAI},

	TaskCodeGeneration:   {provider.RoleClaude, provider.RoleOpenAI},
	TaskCode:             {provider.RoleClaude, provider.RoleOpenAI},
	TaskTestGeneration:   {provider.RoleClaude, provider.RoleOpenAI},
	TaskConfigGeneration: {provider.RoleClaude, provider.RoleOpenAI},

	TaskGeneral: {provider.RoleOpenAI, provider.RoleGemini},
	TaskChat:    {provider.RoleOpenAI, provider.RoleLocal},
}

// Route returns the (primary, fallback) provider roles for a task type.
// Unknown task types take the general route.
func Route(task TaskType) (string, string) {
	r, ok := routes[task]
	if !ok {
		r = routes[TaskGeneral]
	}
	return r.primary, r.fallback
}
