package domain

import (
	"fmt"
	"strings"
)

type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseActive    PhaseStatus = "active"
	PhaseCompleted PhaseStatus = "completed"
)

type Phase struct {
	PhaseNumber    int         `json:"phase_number"`
	TargetUnits    []string    `json:"target_units"`
	DurationMonths int         `json:"duration_months"`
	Status         PhaseStatus `json:"status"`
}

// Started reports whether the phase counts toward rollout progress.
func (p Phase) Started() bool {
	return p.Status == PhaseActive || p.Status == PhaseCompleted
}

type UnitStatus string

const (
	UnitPlanning   UnitStatus = "planning"
	UnitInProgress UnitStatus = "in_progress"
	UnitCompleted  UnitStatus = "completed"
	UnitOnHold     UnitStatus = "on_hold"
)

type KPIStatus string

const (
	KPIOnTrack  KPIStatus = "on_track"
	KPIAtRisk   KPIStatus = "at_risk"
	KPIOffTrack KPIStatus = "off_track"
)

func ParseKPIStatus(s string) (KPIStatus, error) {
	switch KPIStatus(s) {
	case KPIOnTrack, KPIAtRisk, KPIOffTrack:
		return KPIStatus(s), nil
	}
	return "", fmt.Errorf("unknown kpi status %q", s)
}

type UnitExecution struct {
	UnitID    string     `json:"unit_id"`
	Status    UnitStatus `json:"status"`
	Progress  float64    `json:"progress"`
	KPIStatus KPIStatus  `json:"kpi_status"`
	UpdatedAt string     `json:"updated_at" format:"date-time"`
}

type ScalingStage string

const (
	StagePlanning   ScalingStage = "planning"
	StageExecuting  ScalingStage = "executing"
	StageIntegrated ScalingStage = "integrated"
)

// GateDecision is one recorded decision at a scaling gate.
type GateDecision struct {
	Gate      string          `json:"gate"`
	Decision  Decision        `json:"decision"`
	Actor     string          `json:"actor"`
	Comments  string          `json:"comments,omitempty"`
	Checklist map[string]bool `json:"checklist,omitempty"`
	DecidedAt string          `json:"decided_at" format:"date-time"`
}

// IntegrationCriteria are the six national-integration checklist items, in display order.
var IntegrationCriteria = []string{
	"policy_alignment",
	"technical_standards",
	"sustainability_plan",
	"stakeholder_buy_in",
	"budget_secured",
	"kpis_met",
}

type ScalingPlanPayload struct {
	SourcePilotID       string          `json:"source_pilot_id,omitempty"`
	TargetUnits         []string        `json:"target_units"`
	Phases              []Phase         `json:"phases"`
	EstimatedBudget     float64         `json:"estimated_budget"`
	BudgetApproved      bool            `json:"budget_approved"`
	RolloutProgress     float64         `json:"rollout_progress"`
	IntegrationApproved bool            `json:"integration_approved"`
	Stage               ScalingStage    `json:"stage"`
	RevisionRequested   string          `json:"revision_requested,omitempty"`
	Units               []UnitExecution `json:"units,omitempty"`
	GateDecisions       []GateDecision  `json:"gate_decisions,omitempty"`
}

func (*ScalingPlanPayload) Kind() Kind { return KindScalingPlan }
func (*ScalingPlanPayload) payload()   {}

func (p *ScalingPlanPayload) Missing() []string {
	var out []string
	units := map[string]bool{}
	for _, u := range p.TargetUnits {
		if strings.TrimSpace(u) == "" {
			out = append(out, "target_units")
			continue
		}
		units[u] = true
	}
	if len(units) == 0 && len(out) == 0 {
		out = append(out, "target_units")
	}
	if len(p.Phases) == 0 {
		out = append(out, "phases")
	}
	for i, ph := range p.Phases {
		if ph.PhaseNumber != i+1 {
			out = append(out, fmt.Sprintf("phases[%d].phase_number", i))
		}
		if len(ph.TargetUnits) == 0 {
			out = append(out, fmt.Sprintf("phases[%d].target_units", i))
		}
		for _, u := range ph.TargetUnits {
			if !units[u] {
				out = append(out, fmt.Sprintf("phases[%d].target_units (%s not a plan target unit)", i, u))
			}
		}
	}
	if p.EstimatedBudget <= 0 {
		out = append(out, "estimated_budget")
	}
	return out
}

// Phase returns a pointer to the phase with the given number.
func (p *ScalingPlanPayload) Phase(number int) *Phase {
	for i := range p.Phases {
		if p.Phases[i].PhaseNumber == number {
			return &p.Phases[i]
		}
	}
	return nil
}

// ActivePhase returns the phase currently executing, if any.
func (p *ScalingPlanPayload) ActivePhase() *Phase {
	for i := range p.Phases {
		if p.Phases[i].Status == PhaseActive {
			return &p.Phases[i]
		}
	}
	return nil
}

// Unit returns the execution state for unitID, or nil.
func (p *ScalingPlanPayload) Unit(unitID string) *UnitExecution {
	for i := range p.Units {
		if p.Units[i].UnitID == unitID {
			return &p.Units[i]
		}
	}
	return nil
}

// UnitInStartedPhase reports whether unitID belongs to an active or completed phase.
func (p *ScalingPlanPayload) UnitInStartedPhase(unitID string) bool {
	for _, ph := range p.Phases {
		if !ph.Started() {
			continue
		}
		for _, u := range ph.TargetUnits {
			if u == unitID {
				return true
			}
		}
	}
	return false
}

// ComputeRolloutProgress is the mean progress over all target units of started phases.
// Units with no execution state count as zero.
func (p *ScalingPlanPayload) ComputeRolloutProgress() float64 {
	seen := map[string]bool{}
	var total float64
	n := 0
	for _, ph := range p.Phases {
		if !ph.Started() {
			continue
		}
		for _, u := range ph.TargetUnits {
			if seen[u] {
				continue
			}
			seen[u] = true
			n++
			if ex := p.Unit(u); ex != nil {
				total += ex.Progress
			}
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}
