package server

import (
	"encoding/json"

	"innoflow/internal/domain"
	"innoflow/internal/engine"
	"innoflow/internal/events"
)

// Request payloads

type CreateEntityRequest struct {
	ID     string         `json:"id,omitempty"`
	Title  string         `json:"title"`
	Fields map[string]any `json:"fields,omitempty"`
}

type TransitionRequest struct {
	Status string `json:"status" enum:"draft,in_review,active,completed,scaling_eligible"`
}

type DecisionRequest struct {
	Decision string `json:"decision" enum:"approved,rejected"`
	Comment  string `json:"comment,omitempty"`
	// Step, when set, must match the step awaiting a decision.
	Step int `json:"step,omitempty"`
}

type MilestoneApprovalRequest struct {
	Milestone string   `json:"milestone"`
	Evidence  []string `json:"evidence,omitempty"`
	Notes     string   `json:"notes,omitempty"`
}

type MilestoneStatusRequest struct {
	Milestone string `json:"milestone"`
	Status    string `json:"status" enum:"pending,in_progress,completed,delayed"`
}

type TRLRequest struct {
	Level        int    `json:"level"`
	EvidenceText string `json:"evidence_text,omitempty"`
	Confidence   int    `json:"confidence,omitempty"`
}

type ConvertRequest struct {
	Type           string         `json:"conversion_type" enum:"to_pilot,to_solution,to_policy,to_scaling_plan"`
	Title          string         `json:"title,omitempty"`
	Fields         map[string]any `json:"fields,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

type UnitProgressRequest struct {
	UnitID    string  `json:"unit_id"`
	Progress  float64 `json:"progress"`
	KPIStatus string  `json:"kpi_status,omitempty" enum:"on_track,at_risk,off_track"`
	OnHold    bool    `json:"on_hold,omitempty"`
}

type GateDecisionRequest struct {
	Decision string `json:"decision" enum:"approved,rejected"`
	Comments string `json:"comments,omitempty"`
}

type ResubmitBudgetRequest struct {
	EstimatedBudget float64 `json:"estimated_budget"`
	Comments        string  `json:"comments,omitempty"`
}

type IntegrationDecisionRequest struct {
	Decision  string          `json:"decision" enum:"approved,rejected"`
	Checklist map[string]bool `json:"checklist,omitempty"`
	Notes     string          `json:"notes,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Role    string `json:"role,omitempty"`
}

// Responses

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID string        `json:"actor_id"`
	Name    string        `json:"name,omitempty"`
	Role    domain.RoleID `json:"role,omitempty"`
	Source  string        `json:"source"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type EventList struct {
	Items []EventResponse `json:"items"`
}

type LinkList struct {
	Items []domain.ConversionLink `json:"items"`
}

type entityOutput struct {
	Body domain.Record `json:"body"`
}

type decisionOutput struct {
	Body engine.DecisionResult `json:"body"`
}

func eventResponse(e events.Event) EventResponse {
	out := EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
	}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &out.Payload)
	}
	return out
}

func rawFields(fields map[string]any) (json.RawMessage, error) {
	if fields == nil {
		return nil, nil
	}
	return json.Marshal(fields)
}
