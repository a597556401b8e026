package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Payload is the kind-specific part of a Record. The set of implementations is closed.
type Payload interface {
	Kind() Kind
	// Missing returns the names of required fields that are absent or invalid.
	Missing() []string
	payload()
}

type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "pending"
	MilestoneInProgress MilestoneStatus = "in_progress"
	MilestoneCompleted  MilestoneStatus = "completed"
	MilestoneDelayed    MilestoneStatus = "delayed"
)

func ParseMilestoneStatus(s string) (MilestoneStatus, error) {
	switch MilestoneStatus(s) {
	case MilestonePending, MilestoneInProgress, MilestoneCompleted, MilestoneDelayed:
		return MilestoneStatus(s), nil
	}
	return "", fmt.Errorf("unknown milestone status %q", s)
}

type Milestone struct {
	Name             string          `json:"name"`
	Description      string          `json:"description,omitempty"`
	DueDate          string          `json:"due_date,omitempty" format:"date"`
	Deliverables     []string        `json:"deliverables,omitempty"`
	Status           MilestoneStatus `json:"status"`
	RequiresApproval bool            `json:"requires_approval"`
	Evidence         []string        `json:"evidence,omitempty"`
	Notes            string          `json:"notes,omitempty"`
	ApprovedBy       string          `json:"approved_by,omitempty"`
	ApprovedAt       string          `json:"approved_at,omitempty" format:"date-time"`
}

type TRLAssessment struct {
	Level                  int    `json:"level"`
	EvidenceText           string `json:"evidence_text,omitempty"`
	Confidence             int    `json:"confidence"`
	AssessedBy             string `json:"assessed_by"`
	AssessedAt             string `json:"assessed_at" format:"date-time"`
	PilotReady             bool   `json:"pilot_ready"`
	CommercializationReady bool   `json:"commercialization_ready"`
	Regression             bool   `json:"regression,omitempty"`
}

const (
	PilotReadyTRL             = 6
	CommercializationReadyTRL = 7
)

// TRLState tracks readiness for kinds that carry a technology readiness level.
type TRLState struct {
	TRLCurrent             int             `json:"trl_current"`
	TRLTarget              int             `json:"trl_target,omitempty"`
	PilotReady             bool            `json:"pilot_ready"`
	CommercializationReady bool            `json:"commercialization_ready"`
	TRLAssessments         []TRLAssessment `json:"trl_assessments,omitempty"`
}

// Refresh recomputes the derived readiness flags from TRLCurrent.
func (s *TRLState) Refresh() {
	s.PilotReady = s.TRLCurrent >= PilotReadyTRL
	s.CommercializationReady = s.TRLCurrent >= CommercializationReadyTRL
}

func (s TRLState) missing() []string {
	var out []string
	if s.TRLCurrent < 0 || s.TRLCurrent > 9 {
		out = append(out, "trl_current")
	}
	if s.TRLTarget < 0 || s.TRLTarget > 9 {
		out = append(out, "trl_target")
	}
	return out
}

type ChallengePayload struct {
	ProblemStatement      string    `json:"problem_statement"`
	Sector                string    `json:"sector,omitempty"`
	Municipality          string    `json:"municipality,omitempty"`
	PolicyRecommendations []BackRef `json:"policy_recommendations,omitempty"`
}

func (*ChallengePayload) Kind() Kind { return KindChallenge }
func (*ChallengePayload) payload()   {}
func (p *ChallengePayload) Missing() []string {
	return requireText(nil, "problem_statement", p.ProblemStatement)
}

type ProgramPayload struct {
	Objective             string      `json:"objective"`
	Budget                float64     `json:"budget,omitempty"`
	Milestones            []Milestone `json:"milestones,omitempty"`
	PolicyRecommendations []BackRef   `json:"policy_recommendations,omitempty"`
}

func (*ProgramPayload) Kind() Kind { return KindProgram }
func (*ProgramPayload) payload()   {}
func (p *ProgramPayload) Missing() []string {
	out := requireText(nil, "objective", p.Objective)
	if p.Budget < 0 {
		out = append(out, "budget")
	}
	return append(out, milestonesMissing(p.Milestones)...)
}

type RDProjectPayload struct {
	ResearchQuestion string `json:"research_question"`
	Institution      string `json:"institution,omitempty"`
	TRLState
	Milestones            []Milestone `json:"milestones,omitempty"`
	PilotOpportunities    []BackRef   `json:"pilot_opportunities,omitempty"`
	Solutions             []BackRef   `json:"solutions,omitempty"`
	PolicyRecommendations []BackRef   `json:"policy_recommendations,omitempty"`
}

func (*RDProjectPayload) Kind() Kind { return KindRDProject }
func (*RDProjectPayload) payload()   {}
func (p *RDProjectPayload) Missing() []string {
	out := requireText(nil, "research_question", p.ResearchQuestion)
	out = append(out, p.TRLState.missing()...)
	return append(out, milestonesMissing(p.Milestones)...)
}

type PilotPayload struct {
	Objective       string   `json:"objective"`
	Sector          string   `json:"sector"`
	Municipality    string   `json:"municipality,omitempty"`
	DurationMonths  int      `json:"duration_months"`
	SuccessCriteria []string `json:"success_criteria,omitempty"`
	TRLState
	Milestones            []Milestone `json:"milestones,omitempty"`
	Solutions             []BackRef   `json:"solutions,omitempty"`
	PolicyRecommendations []BackRef   `json:"policy_recommendations,omitempty"`
	ScalingPlans          []BackRef   `json:"scaling_plans,omitempty"`
}

func (*PilotPayload) Kind() Kind { return KindPilot }
func (*PilotPayload) payload()   {}
func (p *PilotPayload) Missing() []string {
	out := requireText(nil, "objective", p.Objective)
	out = requireText(out, "sector", p.Sector)
	if p.DurationMonths <= 0 {
		out = append(out, "duration_months")
	}
	out = append(out, p.TRLState.missing()...)
	return append(out, milestonesMissing(p.Milestones)...)
}

type SolutionPayload struct {
	Provider    string `json:"provider"`
	Description string `json:"description"`
	Maturity    string `json:"maturity,omitempty"`
	TRL         int    `json:"trl,omitempty"`
}

func (*SolutionPayload) Kind() Kind { return KindSolution }
func (*SolutionPayload) payload()   {}
func (p *SolutionPayload) Missing() []string {
	out := requireText(nil, "provider", p.Provider)
	return requireText(out, "description", p.Description)
}

type PolicyRecommendationPayload struct {
	Recommendation string `json:"recommendation"`
	Rationale      string `json:"rationale"`
	PolicyArea     string `json:"policy_area"`
	Priority       string `json:"priority,omitempty"`
}

func (*PolicyRecommendationPayload) Kind() Kind { return KindPolicyRecommendation }
func (*PolicyRecommendationPayload) payload()   {}
func (p *PolicyRecommendationPayload) Missing() []string {
	out := requireText(nil, "recommendation", p.Recommendation)
	out = requireText(out, "rationale", p.Rationale)
	return requireText(out, "policy_area", p.PolicyArea)
}

// NewPayload returns an empty payload for the kind.
func NewPayload(kind Kind) (Payload, error) {
	switch kind {
	case KindChallenge:
		return &ChallengePayload{}, nil
	case KindProgram:
		return &ProgramPayload{}, nil
	case KindRDProject:
		return &RDProjectPayload{}, nil
	case KindPilot:
		return &PilotPayload{}, nil
	case KindScalingPlan:
		return &ScalingPlanPayload{}, nil
	case KindPolicyRecommendation:
		return &PolicyRecommendationPayload{}, nil
	case KindSolution:
		return &SolutionPayload{}, nil
	}
	return nil, fmt.Errorf("unknown entity kind %q", kind)
}

// DecodePayload decodes raw JSON into the payload type for kind. Empty input yields an empty payload.
func DecodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	p, err := NewPayload(kind)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return p, nil
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}

func requireText(out []string, name, value string) []string {
	if strings.TrimSpace(value) == "" {
		return append(out, name)
	}
	return out
}

func milestonesMissing(ms []Milestone) []string {
	var out []string
	seen := map[string]bool{}
	for i, m := range ms {
		name := strings.TrimSpace(m.Name)
		if name == "" {
			out = append(out, fmt.Sprintf("milestones[%d].name", i))
			continue
		}
		if seen[name] {
			out = append(out, fmt.Sprintf("milestones[%d].name (duplicate %q)", i, name))
		}
		seen[name] = true
		if m.Status != "" {
			if _, err := ParseMilestoneStatus(string(m.Status)); err != nil {
				out = append(out, fmt.Sprintf("milestones[%d].status", i))
			}
		}
	}
	return out
}
