package engine

import (
	"context"
	"fmt"

	"innoflow/internal/domain"
	"innoflow/internal/notify"
	"innoflow/internal/store"
	"innoflow/internal/workflow"
)

// ResolveCurrentStep is the step awaiting a decision: one past the highest recorded step.
func ResolveCurrentStep(rec domain.Record) int {
	return rec.MaxApprovedStep() + 1
}

type DecisionInput struct {
	Ref       domain.Ref
	ActorID   string
	ActorName string
	// ActorRole is the caller's asserted role; when empty the role provider is asked.
	ActorRole domain.RoleID
	Decision  domain.Decision
	Comment   string
	// Step, when non-zero, must equal the current step.
	Step int
}

type DecisionResult struct {
	Entity   domain.Record         `json:"entity"`
	Approval domain.ApprovalRecord `json:"approval"`
}

// SubmitDecision records one approval decision against the freshly read entity.
func (e Engine) SubmitDecision(ctx context.Context, in DecisionInput) (res DecisionResult, err error) {
	start := e.now()
	defer func() { e.observe("submit_decision", start, err) }()
	rec, err := e.Get(ctx, in.Ref)
	if err != nil {
		return DecisionResult{}, err
	}
	return e.applyDecision(ctx, rec, in)
}

// applyDecision validates in against snapshot and writes with snapshot's version.
func (e Engine) applyDecision(ctx context.Context, snapshot domain.Record, in DecisionInput) (DecisionResult, error) {
	if _, err := domain.ParseDecision(string(in.Decision)); err != nil {
		return DecisionResult{}, ValidationError{Fields: []string{"decision"}, Message: err.Error()}
	}
	ref := snapshot.Ref()
	if snapshot.Status.Terminal() {
		return DecisionResult{}, InvalidStepError{Ref: ref, Reason: fmt.Sprintf("approval workflow is closed (status %s)", snapshot.Status)}
	}
	current := ResolveCurrentStep(snapshot)
	if in.Step != 0 && in.Step != current {
		return DecisionResult{}, InvalidStepError{Ref: ref, Step: in.Step, Reason: fmt.Sprintf("current step is %d", current)}
	}
	tmpl, ok := e.workflows().Template(snapshot.Kind)
	if !ok {
		return DecisionResult{}, InvalidStepError{Ref: ref, Reason: fmt.Sprintf("kind %s has no approval workflow", snapshot.Kind)}
	}
	step, ok := tmpl.Step(current)
	if !ok {
		return DecisionResult{}, InvalidStepError{Ref: ref, Step: current, Reason: fmt.Sprintf("workflow has %d steps", tmpl.Last())}
	}
	role, err := e.requireRole(ctx, "decide "+step.Label, in.ActorID, in.ActorRole, step.Role)
	if err != nil {
		return DecisionResult{}, err
	}
	for _, a := range snapshot.Approvals {
		if a.Step == current {
			return DecisionResult{}, InvalidStepError{Ref: ref, Step: current, Reason: "decision already recorded"}
		}
	}

	rec := snapshot
	approval := domain.ApprovalRecord{
		EntityKind:   rec.Kind,
		EntityID:     rec.ID,
		Step:         current,
		ApproverRole: role,
		ApproverName: actorOr(in.ActorName, in.ActorID),
		Decision:     in.Decision,
		Comment:      in.Comment,
		DecidedAt:    e.timestamp(),
	}
	rec.Approvals = append(append([]domain.ApprovalRecord(nil), snapshot.Approvals...), approval)
	rec.Activities = append([]domain.Activity(nil), snapshot.Activities...)
	switch {
	case in.Decision == domain.DecisionRejected:
		rec.Status = domain.StatusRejected
	case current == tmpl.Last():
		rec.Status = domain.StatusApproved
	}
	e.activity(&rec, approval.ApproverName, "%s step %d (%s)", in.Decision, current, step.Label)
	rec.UpdatedAt = approval.DecidedAt

	updated, err := e.Store.Update(ctx, rec, snapshot.Version, store.Change{
		Type:    "approval.decision",
		ActorID: actorOr(in.ActorID, approval.ApproverName),
		Payload: map[string]any{"step": current, "decision": in.Decision, "role": role},
	})
	if err != nil {
		return DecisionResult{}, err
	}
	e.notify(decisionNotification(updated, tmpl, approval))
	return DecisionResult{Entity: updated, Approval: approval}, nil
}

func decisionNotification(rec domain.Record, tmpl workflow.Template, a domain.ApprovalRecord) notify.Notification {
	n := notify.Notification{EntityKind: string(rec.Kind), EntityID: rec.ID}
	switch {
	case a.Decision == domain.DecisionRejected:
		n.Type = notify.TypeApprovalRejected
		n.Priority = notify.PriorityHigh
		n.Title = fmt.Sprintf("%s rejected", rec.Title)
		n.Body = fmt.Sprintf("Rejected at step %d by %s (%s). %s", a.Step, a.ApproverName, a.ApproverRole, a.Comment)
	case a.Step == tmpl.Last():
		n.Type = notify.TypeApprovalCompleted
		n.Title = fmt.Sprintf("%s fully approved", rec.Title)
		n.Body = fmt.Sprintf("All %d approval steps completed.", tmpl.Last())
	default:
		next, _ := tmpl.Step(a.Step + 1)
		n.Type = notify.TypeApprovalRequired
		n.Title = fmt.Sprintf("Approval required: %s", rec.Title)
		n.Body = fmt.Sprintf("Step %d (%s) awaits a decision.", next.Step, next.Label)
		n.Recipients = []string{string(next.Role)}
	}
	return n
}

// ApprovalView summarizes where an entity stands in its chain.
type ApprovalView struct {
	Entity      domain.Ref              `json:"entity"`
	Status      domain.Status           `json:"status"`
	Steps       []workflow.Step         `json:"steps"`
	CurrentStep int                     `json:"current_step"`
	NextRole    domain.RoleID           `json:"next_role,omitempty"`
	Approvals   []domain.ApprovalRecord `json:"approvals"`
}

func (e Engine) Approvals(ctx context.Context, ref domain.Ref) (ApprovalView, error) {
	rec, err := e.Get(ctx, ref)
	if err != nil {
		return ApprovalView{}, err
	}
	tmpl, ok := e.workflows().Template(rec.Kind)
	if !ok {
		return ApprovalView{}, InvalidStepError{Ref: ref, Reason: fmt.Sprintf("kind %s has no approval workflow", rec.Kind)}
	}
	view := ApprovalView{
		Entity:      ref,
		Status:      rec.Status,
		Steps:       tmpl.Steps,
		CurrentStep: ResolveCurrentStep(rec),
		Approvals:   rec.Approvals,
	}
	if view.Approvals == nil {
		view.Approvals = []domain.ApprovalRecord{}
	}
	if step, ok := tmpl.Step(view.CurrentStep); ok && !rec.Status.Terminal() {
		view.NextRole = step.Role
	}
	return view, nil
}
