// Package workflow holds the approval workflow templates keyed by entity kind.
package workflow

import (
	"fmt"
	"sort"

	"innoflow/internal/domain"
)

// Step is one role-gated approval step.
type Step struct {
	Step  int           `json:"step" yaml:"step"`
	Role  domain.RoleID `json:"role" yaml:"role"`
	Label string        `json:"label" yaml:"label"`
}

// Template is the ordered approval chain for one kind.
type Template struct {
	Kind  domain.Kind `json:"kind"`
	Steps []Step      `json:"steps"`
}

// Step returns the template step numbered n.
func (t Template) Step(n int) (Step, bool) {
	if n < 1 || n > len(t.Steps) {
		return Step{}, false
	}
	return t.Steps[n-1], true
}

// Last is the number of the final step.
func (t Template) Last() int { return len(t.Steps) }

// Validate checks steps are numbered 1..N contiguously and every step names a known role.
func (t Template) Validate() error {
	if !t.Kind.Workflowable() {
		return fmt.Errorf("workflow for %q: kind has no approval chain", t.Kind)
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("workflow for %s: at least one step required", t.Kind)
	}
	for i, s := range t.Steps {
		if s.Step != i+1 {
			return fmt.Errorf("workflow for %s: step %d out of order (expected %d)", t.Kind, s.Step, i+1)
		}
		if s.Role == "" {
			return fmt.Errorf("workflow for %s: step %d has empty role", t.Kind, s.Step)
		}
		if _, err := domain.ParseRole(string(s.Role)); err != nil {
			return fmt.Errorf("workflow for %s: step %d: %w", t.Kind, s.Step, err)
		}
	}
	return nil
}

var defaults = map[domain.Kind][]Step{
	domain.KindChallenge: {
		{Step: 1, Role: domain.RoleMunicipalityLead, Label: "Municipality review"},
		{Step: 2, Role: domain.RoleInnovationDirector, Label: "Innovation director sign-off"},
	},
	domain.KindPilot: {
		{Step: 1, Role: domain.RoleProgramManager, Label: "Program manager review"},
		{Step: 2, Role: domain.RoleTechnicalReviewer, Label: "Technical feasibility"},
		{Step: 3, Role: domain.RoleInnovationDirector, Label: "Director approval"},
	},
	domain.KindProgram: {
		{Step: 1, Role: domain.RoleProgramManager, Label: "Program design review"},
		{Step: 2, Role: domain.RoleFinanceOfficer, Label: "Budget review"},
		{Step: 3, Role: domain.RoleExecutive, Label: "Executive approval"},
	},
	domain.KindRDProject: {
		{Step: 1, Role: domain.RoleResearchLead, Label: "Research lead review"},
		{Step: 2, Role: domain.RoleTechnicalReviewer, Label: "Technical review"},
		{Step: 3, Role: domain.RoleInnovationDirector, Label: "Director approval"},
	},
	domain.KindScalingPlan: {
		{Step: 1, Role: domain.RoleProgramManager, Label: "Rollout plan review"},
		{Step: 2, Role: domain.RoleExecutive, Label: "Executive approval"},
	},
	domain.KindPolicyRecommendation: {
		{Step: 1, Role: domain.RolePolicyAnalyst, Label: "Policy analysis"},
		{Step: 2, Role: domain.RoleLegalReviewer, Label: "Legal review"},
		{Step: 3, Role: domain.RoleExecutive, Label: "Executive endorsement"},
	},
}

// Defaults returns a copy of the built-in templates.
func Defaults() map[domain.Kind][]Step {
	out := make(map[domain.Kind][]Step, len(defaults))
	for k, steps := range defaults {
		out[k] = append([]Step(nil), steps...)
	}
	return out
}

// Registry resolves templates by kind. It is immutable after construction.
type Registry struct {
	templates map[domain.Kind]Template
}

// NewRegistry builds a registry from the defaults with per-kind overrides replacing whole chains.
// Every resulting template is validated; the first failure is returned.
func NewRegistry(overrides map[domain.Kind][]Step) (*Registry, error) {
	merged := Defaults()
	for k, steps := range overrides {
		merged[k] = append([]Step(nil), steps...)
	}
	r := &Registry{templates: make(map[domain.Kind]Template, len(merged))}
	kinds := make([]string, 0, len(merged))
	for k := range merged {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		t := Template{Kind: domain.Kind(k), Steps: merged[domain.Kind(k)]}
		if err := t.Validate(); err != nil {
			return nil, err
		}
		r.templates[t.Kind] = t
	}
	return r, nil
}

// MustDefault returns the registry of built-in templates. It panics only if the defaults are broken.
func MustDefault() *Registry {
	r, err := NewRegistry(nil)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Template(kind domain.Kind) (Template, bool) {
	t, ok := r.templates[kind]
	return t, ok
}

// Kinds lists kinds with a template, sorted.
func (r *Registry) Kinds() []domain.Kind {
	out := make([]domain.Kind, 0, len(r.templates))
	for k := range r.templates {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
