package engine

import (
	"context"
	"fmt"
	"strings"

	"innoflow/internal/domain"
	"innoflow/internal/notify"
	"innoflow/internal/store"
)

type MilestoneApproval struct {
	Ref          domain.Ref
	Milestone    string
	ApproverID   string
	ApproverName string
	Evidence     []string
	Notes        string
}

func findMilestone(rec domain.Record, name string) (*domain.Milestone, error) {
	ms, ok := domain.MilestonesOf(rec.Payload)
	if !ok {
		return nil, ValidationError{Fields: []string{"milestone"}, Message: fmt.Sprintf("kind %s has no milestones", rec.Kind)}
	}
	for i := range *ms {
		if (*ms)[i].Name == name {
			return &(*ms)[i], nil
		}
	}
	return nil, ValidationError{Fields: []string{"milestone"}, Message: fmt.Sprintf("milestone %q not found on %s", name, rec.Ref())}
}

// ApproveMilestone completes an approval-gated milestone. Completion is gated on
// evidence and an approver identity; the deliverables list is not checked.
func (e Engine) ApproveMilestone(ctx context.Context, in MilestoneApproval) (res domain.Record, err error) {
	start := e.now()
	defer func() { e.observe("approve_milestone", start, err) }()
	rec, err := e.Get(ctx, in.Ref)
	if err != nil {
		return domain.Record{}, err
	}
	m, err := findMilestone(rec, in.Milestone)
	if err != nil {
		return domain.Record{}, err
	}
	if m.Status == domain.MilestoneCompleted {
		return domain.Record{}, AlreadyCompletedError{Ref: in.Ref, What: fmt.Sprintf("milestone %q", m.Name)}
	}
	if !m.RequiresApproval {
		return domain.Record{}, ValidationError{Fields: []string{"milestone"}, Message: fmt.Sprintf("milestone %q does not require approval; set its status instead", m.Name)}
	}
	var uris []string
	for _, u := range in.Evidence {
		if u = strings.TrimSpace(u); u != "" {
			uris = append(uris, u)
		}
	}
	if len(uris) == 0 {
		return domain.Record{}, ValidationError{Fields: []string{"evidence"}, Message: "at least one evidence artifact is required"}
	}
	approver := strings.TrimSpace(actorOr(in.ApproverName, in.ApproverID))
	if approver == "" {
		return domain.Record{}, ValidationError{Fields: []string{"approver"}, Message: "approver identity is required"}
	}
	if e.Evidence != nil {
		for i, u := range uris {
			if err := e.Evidence.Verify(ctx, u); err != nil {
				return domain.Record{}, ValidationError{Fields: []string{fmt.Sprintf("evidence[%d]", i)}, Message: err.Error()}
			}
		}
	}

	now := e.timestamp()
	m.Status = domain.MilestoneCompleted
	m.Evidence = uris
	m.Notes = in.Notes
	m.ApprovedBy = approver
	m.ApprovedAt = now
	name := m.Name
	e.activity(&rec, approver, "Milestone %q approved with %d evidence item(s)", name, len(uris))
	rec.UpdatedAt = now

	updated, err := e.Store.Update(ctx, rec, rec.Version, store.Change{
		Type:    "milestone.approve",
		ActorID: actorOr(in.ApproverID, approver),
		Payload: map[string]any{"milestone": name, "evidence": uris},
	})
	if err != nil {
		return domain.Record{}, err
	}
	e.notify(notify.Notification{
		Type:       notify.TypeMilestoneApproved,
		Title:      fmt.Sprintf("Milestone completed: %s", name),
		Body:       fmt.Sprintf("%s approved milestone %q on %s.", approver, name, updated.Title),
		EntityKind: string(updated.Kind),
		EntityID:   updated.ID,
	})
	return updated, nil
}

type MilestoneStatusInput struct {
	Ref       domain.Ref
	Milestone string
	Status    domain.MilestoneStatus
	ActorID   string
}

// SetMilestoneStatus moves a milestone between pending, in_progress and delayed.
// Only milestones without an approval gate may be marked completed here.
func (e Engine) SetMilestoneStatus(ctx context.Context, in MilestoneStatusInput) (res domain.Record, err error) {
	start := e.now()
	defer func() { e.observe("set_milestone_status", start, err) }()
	status, err := domain.ParseMilestoneStatus(string(in.Status))
	if err != nil {
		return domain.Record{}, ValidationError{Fields: []string{"status"}, Message: err.Error()}
	}
	rec, err := e.Get(ctx, in.Ref)
	if err != nil {
		return domain.Record{}, err
	}
	m, err := findMilestone(rec, in.Milestone)
	if err != nil {
		return domain.Record{}, err
	}
	if m.Status == domain.MilestoneCompleted {
		return domain.Record{}, AlreadyCompletedError{Ref: in.Ref, What: fmt.Sprintf("milestone %q", m.Name)}
	}
	if status == domain.MilestoneCompleted && m.RequiresApproval {
		return domain.Record{}, ValidationError{Fields: []string{"status"}, Message: fmt.Sprintf("milestone %q requires approval with evidence", m.Name)}
	}
	if m.Status == status {
		return rec, nil
	}
	from := m.Status
	m.Status = status
	name := m.Name
	e.activity(&rec, actorOr(in.ActorID, "system"), "Milestone %q moved from %s to %s", name, from, status)
	rec.UpdatedAt = e.timestamp()
	return e.Store.Update(ctx, rec, rec.Version, store.Change{
		Type:    "milestone.status",
		ActorID: in.ActorID,
		Payload: map[string]any{"milestone": name, "from": from, "to": status},
	})
}
