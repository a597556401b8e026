package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"innoflow/internal/domain"
	"innoflow/internal/notify"
	"innoflow/internal/store"
)

type CreateInput struct {
	Kind    domain.Kind
	ID      string
	Title   string
	Fields  json.RawMessage
	ActorID string
}

// CreateEntity stores a new draft entity after checking its required fields.
func (e Engine) CreateEntity(ctx context.Context, in CreateInput) (res domain.Record, err error) {
	start := e.now()
	defer func() { e.observe("create_entity", start, err) }()
	if _, err := domain.ParseKind(string(in.Kind)); err != nil {
		return domain.Record{}, ValidationError{Fields: []string{"kind"}, Message: err.Error()}
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Record{}, ValidationError{Fields: []string{"title"}, Message: "title is required"}
	}
	payload, err := domain.DecodePayload(in.Kind, in.Fields)
	if err != nil {
		return domain.Record{}, ValidationError{Fields: []string{"fields"}, Message: err.Error()}
	}
	resetGateState(payload)
	if ms, ok := domain.MilestonesOf(payload); ok {
		for i := range *ms {
			if (*ms)[i].Status == "" {
				(*ms)[i].Status = domain.MilestonePending
			}
		}
	}
	if missing := payload.Missing(); len(missing) > 0 {
		return domain.Record{}, ValidationError{Fields: missing, Message: fmt.Sprintf("missing required %s fields", in.Kind)}
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.timestamp()
	rec := domain.Record{
		ID:        id,
		Kind:      in.Kind,
		Title:     title,
		Status:    domain.StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
		Payload:   payload,
	}
	e.activity(&rec, actorOr(in.ActorID, "system"), "Created")
	created, err := e.Store.Create(ctx, rec, store.Change{Type: "entity.create", ActorID: in.ActorID})
	if err != nil {
		return domain.Record{}, err
	}
	e.notify(notify.Notification{
		Type:       notify.TypeEntityCreated,
		Priority:   notify.PriorityLow,
		Title:      fmt.Sprintf("New %s: %s", created.Kind, created.Title),
		EntityKind: string(created.Kind),
		EntityID:   created.ID,
	})
	return created, nil
}

// resetGateState clears payload state that only a gate decision may set.
func resetGateState(p domain.Payload) {
	if plan, ok := p.(*domain.ScalingPlanPayload); ok {
		plan.Stage = domain.StagePlanning
		plan.BudgetApproved = false
		plan.IntegrationApproved = false
		plan.RolloutProgress = 0
		plan.RevisionRequested = ""
		plan.Units = nil
		plan.GateDecisions = nil
		for i := range plan.Phases {
			plan.Phases[i].Status = domain.PhasePending
		}
	}
	if trl, ok := domain.TRLOf(p); ok {
		trl.TRLAssessments = nil
		trl.Refresh()
	}
	if ms, ok := domain.MilestonesOf(p); ok {
		for i := range *ms {
			m := &(*ms)[i]
			m.ApprovedBy = ""
			m.ApprovedAt = ""
			if m.RequiresApproval && m.Status == domain.MilestoneCompleted {
				m.Status = domain.MilestonePending
			}
		}
	}
}

type TransitionInput struct {
	Ref     domain.Ref
	To      domain.Status
	ActorID string
}

var lifecycleTransitions = map[domain.Kind]map[domain.Status][]domain.Status{
	domain.KindPilot: {
		domain.StatusApproved:  {domain.StatusActive},
		domain.StatusActive:    {domain.StatusCompleted},
		domain.StatusCompleted: {domain.StatusScalingEligible},
	},
	domain.KindProgram: {
		domain.StatusApproved: {domain.StatusActive},
		domain.StatusActive:   {domain.StatusCompleted},
	},
	domain.KindRDProject: {
		domain.StatusApproved: {domain.StatusActive},
		domain.StatusActive:   {domain.StatusCompleted},
	},
}

func ensureTransition(rec domain.Record, to domain.Status) error {
	ref := rec.Ref()
	if to == domain.StatusApproved || to == domain.StatusRejected {
		return InvalidStepError{Ref: ref, Reason: fmt.Sprintf("status %s is only reachable through approval decisions", to)}
	}
	if !rec.Kind.Workflowable() {
		return InvalidStepError{Ref: ref, Reason: fmt.Sprintf("kind %s has no lifecycle", rec.Kind)}
	}
	switch {
	case rec.Status == domain.StatusDraft && to == domain.StatusInReview:
		return nil
	case rec.Status == domain.StatusInReview && to == domain.StatusDraft && len(rec.Approvals) == 0:
		return nil
	}
	for _, next := range lifecycleTransitions[rec.Kind][rec.Status] {
		if next == to {
			return nil
		}
	}
	return InvalidStepError{Ref: ref, Reason: fmt.Sprintf("invalid transition %s -> %s", rec.Status, to)}
}

// TransitionStatus moves an entity along its post-approval lifecycle, or submits a draft for review.
func (e Engine) TransitionStatus(ctx context.Context, in TransitionInput) (res domain.Record, err error) {
	start := e.now()
	defer func() { e.observe("transition_status", start, err) }()
	rec, err := e.Get(ctx, in.Ref)
	if err != nil {
		return domain.Record{}, err
	}
	if err := ensureTransition(rec, in.To); err != nil {
		return domain.Record{}, err
	}
	from := rec.Status
	rec.Status = in.To
	e.activity(&rec, actorOr(in.ActorID, "system"), "Status %s -> %s", from, in.To)
	rec.UpdatedAt = e.timestamp()
	updated, err := e.Store.Update(ctx, rec, rec.Version, store.Change{
		Type:    "entity.transition",
		ActorID: in.ActorID,
		Payload: map[string]any{"from": from, "to": in.To},
	})
	if err != nil {
		return domain.Record{}, err
	}
	n := notify.Notification{
		Type:       notify.TypeStatusChanged,
		Priority:   notify.PriorityLow,
		Title:      fmt.Sprintf("%s is now %s", updated.Title, in.To),
		EntityKind: string(updated.Kind),
		EntityID:   updated.ID,
	}
	if in.To == domain.StatusInReview {
		if tmpl, ok := e.workflows().Template(updated.Kind); ok {
			if step, ok := tmpl.Step(ResolveCurrentStep(updated)); ok {
				n.Type = notify.TypeApprovalRequired
				n.Priority = notify.PriorityNormal
				n.Title = fmt.Sprintf("Approval required: %s", updated.Title)
				n.Body = fmt.Sprintf("Step %d (%s) awaits a decision.", step.Step, step.Label)
				n.Recipients = []string{string(step.Role)}
			}
		}
	}
	e.notify(n)
	return updated, nil
}
