package domain

import (
	"encoding/json"
	"fmt"
)

// Kind identifies an entity family. Each kind has its own payload shape.
type Kind string

const (
	KindChallenge            Kind = "challenge"
	KindPilot                Kind = "pilot"
	KindProgram              Kind = "program"
	KindRDProject            Kind = "rd_project"
	KindScalingPlan          Kind = "scaling_plan"
	KindPolicyRecommendation Kind = "policy_recommendation"
	// KindSolution is a conversion target only; it has no approval workflow.
	KindSolution Kind = "solution"
)

var allKinds = []Kind{
	KindChallenge, KindPilot, KindProgram, KindRDProject, KindScalingPlan, KindPolicyRecommendation, KindSolution,
}

// Kinds lists every storable kind.
func Kinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

func ParseKind(s string) (Kind, error) {
	for _, k := range allKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown entity kind %q", s)
}

// Workflowable reports whether entities of this kind go through an approval chain.
func (k Kind) Workflowable() bool {
	return k != KindSolution && k != ""
}

type Status string

const (
	StatusDraft           Status = "draft"
	StatusInReview        Status = "in_review"
	StatusApproved        Status = "approved"
	StatusRejected        Status = "rejected"
	StatusActive          Status = "active"
	StatusCompleted       Status = "completed"
	StatusScalingEligible Status = "scaling_eligible"
)

// Terminal reports whether the approval chain can no longer advance.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// RoleID is a typed actor role. Approval steps and gates name the role allowed to act.
type RoleID string

const (
	RoleMunicipalityLead   RoleID = "municipality_lead"
	RoleProgramManager     RoleID = "program_manager"
	RoleResearchLead       RoleID = "research_lead"
	RoleTechnicalReviewer  RoleID = "technical_reviewer"
	RoleInnovationDirector RoleID = "innovation_director"
	RoleFinanceOfficer     RoleID = "finance_officer"
	RolePolicyAnalyst      RoleID = "policy_analyst"
	RoleLegalReviewer      RoleID = "legal_reviewer"
	RoleExecutive          RoleID = "executive"
)

var allRoles = []RoleID{
	RoleMunicipalityLead, RoleProgramManager, RoleResearchLead, RoleTechnicalReviewer,
	RoleInnovationDirector, RoleFinanceOfficer, RolePolicyAnalyst, RoleLegalReviewer, RoleExecutive,
}

func Roles() []RoleID {
	out := make([]RoleID, len(allRoles))
	copy(out, allRoles)
	return out
}

func ParseRole(s string) (RoleID, error) {
	for _, r := range allRoles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

func ParseDecision(s string) (Decision, error) {
	switch Decision(s) {
	case DecisionApproved, DecisionRejected:
		return Decision(s), nil
	}
	return "", fmt.Errorf("decision must be approved or rejected, got %q", s)
}

// Ref points at a single stored entity.
type Ref struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

func (r Ref) String() string { return string(r.Kind) + "/" + r.ID }

type ApprovalRecord struct {
	EntityKind   Kind     `json:"entity_kind"`
	EntityID     string   `json:"entity_id"`
	Step         int      `json:"step"`
	ApproverRole RoleID   `json:"approver_role"`
	ApproverName string   `json:"approver_name"`
	Decision     Decision `json:"decision"`
	Comment      string   `json:"comment,omitempty"`
	DecidedAt    string   `json:"decided_at" format:"date-time"`
}

// Activity is a kind-agnostic audit line kept on the entity itself.
type Activity struct {
	Actor       string `json:"actor"`
	Timestamp   string `json:"timestamp" format:"date-time"`
	Description string `json:"description"`
}

type ConversionType string

const (
	ConversionToPilot       ConversionType = "to_pilot"
	ConversionToSolution    ConversionType = "to_solution"
	ConversionToPolicy      ConversionType = "to_policy"
	ConversionToScalingPlan ConversionType = "to_scaling_plan"
)

func ParseConversionType(s string) (ConversionType, error) {
	switch ConversionType(s) {
	case ConversionToPilot, ConversionToSolution, ConversionToPolicy, ConversionToScalingPlan:
		return ConversionType(s), nil
	}
	return "", fmt.Errorf("unknown conversion type %q", s)
}

// TargetKind is the kind of entity a conversion produces.
func (c ConversionType) TargetKind() Kind {
	switch c {
	case ConversionToPilot:
		return KindPilot
	case ConversionToSolution:
		return KindSolution
	case ConversionToPolicy:
		return KindPolicyRecommendation
	case ConversionToScalingPlan:
		return KindScalingPlan
	}
	return ""
}

// ConversionLink is the provenance record persisted with a converted entity.
type ConversionLink struct {
	SourceKind     Kind           `json:"source_kind"`
	SourceID       string         `json:"source_id"`
	TargetKind     Kind           `json:"target_kind"`
	TargetID       string         `json:"target_id"`
	ConversionType ConversionType `json:"conversion_type"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
}

// BackRef is the source-side pointer to an entity created from it.
type BackRef struct {
	Kind           Kind           `json:"kind"`
	ID             string         `json:"id"`
	ConversionType ConversionType `json:"conversion_type"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
}

// Record is the stored envelope shared by every kind. Kind-specific data lives in Payload.
type Record struct {
	ID         string           `json:"id"`
	Kind       Kind             `json:"kind"`
	Title      string           `json:"title"`
	Status     Status           `json:"status"`
	Version    int64            `json:"version"`
	Approvals  []ApprovalRecord `json:"approvals"`
	Activities []Activity       `json:"activities,omitempty"`
	Provenance *ConversionLink  `json:"provenance,omitempty"`
	CreatedAt  string           `json:"created_at" format:"date-time"`
	UpdatedAt  string           `json:"updated_at" format:"date-time"`
	Payload    Payload          `json:"-"`
}

func (r Record) Ref() Ref { return Ref{Kind: r.Kind, ID: r.ID} }

type recordAlias Record

func (r Record) MarshalJSON() ([]byte, error) {
	wire := struct {
		recordAlias
		Payload Payload `json:"payload,omitempty"`
	}{recordAlias: recordAlias(r), Payload: r.Payload}
	if wire.Approvals == nil {
		wire.Approvals = []ApprovalRecord{}
	}
	return json.Marshal(wire)
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var wire struct {
		recordAlias
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*r = Record(wire.recordAlias)
	p, err := DecodePayload(r.Kind, wire.Payload)
	if err != nil {
		return err
	}
	r.Payload = p
	return nil
}

// Clone returns a deep copy so callers can mutate without touching a shared snapshot.
func (r Record) Clone() (Record, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return Record{}, err
	}
	var out Record
	if err := json.Unmarshal(data, &out); err != nil {
		return Record{}, err
	}
	return out, nil
}

// MaxApprovedStep returns the highest step recorded on the entity, 0 when none.
func (r Record) MaxApprovedStep() int {
	max := 0
	for _, a := range r.Approvals {
		if a.Step > max {
			max = a.Step
		}
	}
	return max
}
