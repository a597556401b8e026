package engine

import (
	"context"
	"fmt"
	"math"
	"strings"

	"innoflow/internal/domain"
	"innoflow/internal/notify"
	"innoflow/internal/store"
)

const (
	gateBudget      = "budget"
	gateIntegration = "national_integration"
)

func (e Engine) loadPlan(ctx context.Context, ref domain.Ref) (domain.Record, *domain.ScalingPlanPayload, error) {
	if ref.Kind != domain.KindScalingPlan {
		return domain.Record{}, nil, ValidationError{Fields: []string{"kind"}, Message: fmt.Sprintf("%s is not a scaling plan", ref)}
	}
	rec, err := e.Get(ctx, ref)
	if err != nil {
		return domain.Record{}, nil, err
	}
	plan, ok := rec.Payload.(*domain.ScalingPlanPayload)
	if !ok {
		return domain.Record{}, nil, fmt.Errorf("%s: unexpected payload %T", ref, rec.Payload)
	}
	return rec, plan, nil
}

func budgetGateError(ref domain.Ref) GateError {
	return GateError{
		Gate:      gateBudget,
		Threshold: "budget approved",
		Actual:    "budget not approved",
		Message:   fmt.Sprintf("%s: phase execution requires budget approval", ref),
	}
}

func roundProgress(p float64) float64 {
	return math.Round(p*100) / 100
}

type UnitProgressInput struct {
	Ref       domain.Ref
	UnitID    string
	Progress  float64
	KPIStatus domain.KPIStatus
	OnHold    bool
	ActorID   string
}

// RecordUnitProgress updates one unit's execution state and recomputes rollout progress.
func (e Engine) RecordUnitProgress(ctx context.Context, in UnitProgressInput) (res domain.Record, err error) {
	start := e.now()
	defer func() { e.observe("record_unit_progress", start, err) }()
	if in.Progress < 0 || in.Progress > 100 || math.IsNaN(in.Progress) {
		return domain.Record{}, ValidationError{Fields: []string{"progress (0..100)"}, Message: "invalid unit progress"}
	}
	kpi := in.KPIStatus
	if kpi == "" {
		kpi = domain.KPIOnTrack
	}
	if _, err := domain.ParseKPIStatus(string(kpi)); err != nil {
		return domain.Record{}, ValidationError{Fields: []string{"kpi_status"}, Message: err.Error()}
	}
	rec, plan, err := e.loadPlan(ctx, in.Ref)
	if err != nil {
		return domain.Record{}, err
	}
	if plan.IntegrationApproved {
		return domain.Record{}, AlreadyCompletedError{Ref: in.Ref, What: "national integration"}
	}
	if !plan.BudgetApproved {
		return domain.Record{}, budgetGateError(in.Ref)
	}
	if !plan.UnitInStartedPhase(in.UnitID) {
		return domain.Record{}, ValidationError{Fields: []string{"unit_id"}, Message: fmt.Sprintf("unit %q is not in an active or completed phase", in.UnitID)}
	}

	now := e.timestamp()
	u := plan.Unit(in.UnitID)
	if u == nil {
		plan.Units = append(plan.Units, domain.UnitExecution{UnitID: in.UnitID})
		u = &plan.Units[len(plan.Units)-1]
	}
	u.Progress = in.Progress
	u.KPIStatus = kpi
	u.UpdatedAt = now
	switch {
	case in.OnHold:
		u.Status = domain.UnitOnHold
	case in.Progress >= 100:
		u.Status = domain.UnitCompleted
	case in.Progress > 0:
		u.Status = domain.UnitInProgress
	default:
		u.Status = domain.UnitPlanning
	}
	before := plan.RolloutProgress
	raw := plan.ComputeRolloutProgress()
	plan.RolloutProgress = roundProgress(raw)
	e.activity(&rec, actorOr(in.ActorID, "system"), "Unit %s at %.0f%% (%s); rollout %.2f%%", in.UnitID, in.Progress, kpi, plan.RolloutProgress)
	rec.UpdatedAt = now

	updated, err := e.Store.Update(ctx, rec, rec.Version, store.Change{
		Type:    "scaling.unit_progress",
		ActorID: in.ActorID,
		Payload: map[string]any{"unit_id": in.UnitID, "progress": in.Progress, "kpi_status": kpi, "rollout_progress": plan.RolloutProgress},
	})
	if err != nil {
		return domain.Record{}, err
	}
	threshold := e.gates().IntegrationMinProgress
	if before < threshold && raw >= threshold {
		e.notify(notify.Notification{
			Type:       notify.TypeApprovalRequired,
			Title:      fmt.Sprintf("Ready for national integration: %s", updated.Title),
			Body:       fmt.Sprintf("Rollout progress reached %.2f%%.", plan.RolloutProgress),
			EntityKind: string(updated.Kind),
			EntityID:   updated.ID,
			Recipients: []string{string(e.gates().IntegrationRole)},
		})
	}
	return updated, nil
}

type PhaseInput struct {
	Ref     domain.Ref
	ActorID string
}

// AdvancePhase completes the active phase, which requires every unit in it at
// 100%, and activates the next pending phase.
func (e Engine) AdvancePhase(ctx context.Context, in PhaseInput) (res domain.Record, err error) {
	start := e.now()
	defer func() { e.observe("advance_phase", start, err) }()
	rec, plan, err := e.loadPlan(ctx, in.Ref)
	if err != nil {
		return domain.Record{}, err
	}
	if !plan.BudgetApproved {
		return domain.Record{}, budgetGateError(in.Ref)
	}
	completed := 0
	if active := plan.ActivePhase(); active != nil {
		var behind []string
		for _, id := range active.TargetUnits {
			var p float64
			if u := plan.Unit(id); u != nil {
				p = u.Progress
			}
			if p < 100 {
				behind = append(behind, fmt.Sprintf("%s at %.0f%%", id, p))
			}
		}
		if len(behind) > 0 {
			return domain.Record{}, GateError{
				Gate:      "phase_completion",
				Threshold: fmt.Sprintf("all units of phase %d at 100%%", active.PhaseNumber),
				Actual:    strings.Join(behind, ", "),
			}
		}
		active.Status = domain.PhaseCompleted
		completed = active.PhaseNumber
	}
	next := firstPending(plan)
	if next == nil && completed == 0 {
		return domain.Record{}, InvalidStepError{Ref: in.Ref, Reason: "all phases are completed"}
	}
	msg := fmt.Sprintf("Phase %d completed", completed)
	if next != nil {
		next.Status = domain.PhaseActive
		if completed == 0 {
			msg = fmt.Sprintf("Phase %d started", next.PhaseNumber)
		} else {
			msg += fmt.Sprintf("; phase %d started", next.PhaseNumber)
		}
	}
	plan.RolloutProgress = roundProgress(plan.ComputeRolloutProgress())
	e.activity(&rec, actorOr(in.ActorID, "system"), "%s", msg)
	rec.UpdatedAt = e.timestamp()
	updated, err := e.Store.Update(ctx, rec, rec.Version, store.Change{
		Type:    "scaling.phase_advance",
		ActorID: in.ActorID,
		Payload: map[string]any{"completed_phase": completed, "rollout_progress": plan.RolloutProgress},
	})
	if err != nil {
		return domain.Record{}, err
	}
	e.notify(notify.Notification{
		Type:       notify.TypePhaseAdvanced,
		Title:      fmt.Sprintf("%s: %s", updated.Title, msg),
		Body:       fmt.Sprintf("Rollout progress %.2f%%.", plan.RolloutProgress),
		EntityKind: string(updated.Kind),
		EntityID:   updated.ID,
	})
	return updated, nil
}

func firstPending(plan *domain.ScalingPlanPayload) *domain.Phase {
	for i := range plan.Phases {
		if plan.Phases[i].Status == domain.PhasePending || plan.Phases[i].Status == "" {
			return &plan.Phases[i]
		}
	}
	return nil
}

type BudgetDecisionInput struct {
	Ref       domain.Ref
	ActorID   string
	ActorRole domain.RoleID
	Decision  domain.Decision
	Comments  string
}

// DecideBudget records the budget gate decision. Approval unlocks execution and
// starts phase 1; rejection asks for a revised estimate and is not terminal.
func (e Engine) DecideBudget(ctx context.Context, in BudgetDecisionInput) (res domain.Record, err error) {
	start := e.now()
	defer func() { e.observe("decide_budget", start, err) }()
	if _, err := domain.ParseDecision(string(in.Decision)); err != nil {
		return domain.Record{}, ValidationError{Fields: []string{"decision"}, Message: err.Error()}
	}
	rec, plan, err := e.loadPlan(ctx, in.Ref)
	if err != nil {
		return domain.Record{}, err
	}
	if _, err := e.requireRole(ctx, "decide the budget gate", in.ActorID, in.ActorRole, e.gates().BudgetRole); err != nil {
		return domain.Record{}, err
	}
	if plan.BudgetApproved {
		return domain.Record{}, AlreadyCompletedError{Ref: in.Ref, What: "budget approval"}
	}
	if plan.RevisionRequested == gateBudget {
		return domain.Record{}, InvalidStepError{Ref: in.Ref, Reason: "budget revision requested; resubmit the estimate first"}
	}

	now := e.timestamp()
	plan.GateDecisions = append(plan.GateDecisions, domain.GateDecision{
		Gate: gateBudget, Decision: in.Decision, Actor: in.ActorID, Comments: in.Comments, DecidedAt: now,
	})
	body := fmt.Sprintf("Budget of %.2f rejected; a revised estimate is requested.", plan.EstimatedBudget)
	if in.Decision == domain.DecisionApproved {
		plan.BudgetApproved = true
		plan.Stage = domain.StageExecuting
		plan.RevisionRequested = ""
		if plan.ActivePhase() == nil {
			if first := firstPending(plan); first != nil {
				first.Status = domain.PhaseActive
			}
		}
		plan.RolloutProgress = roundProgress(plan.ComputeRolloutProgress())
		body = fmt.Sprintf("Budget of %.2f approved; phase execution unlocked.", plan.EstimatedBudget)
	} else {
		plan.Stage = domain.StagePlanning
		plan.RevisionRequested = gateBudget
	}
	e.activity(&rec, actorOr(in.ActorID, "system"), "Budget %s", in.Decision)
	rec.UpdatedAt = now
	updated, err := e.Store.Update(ctx, rec, rec.Version, store.Change{
		Type:    "scaling.budget_decision",
		ActorID: in.ActorID,
		Payload: map[string]any{"decision": in.Decision, "comments": in.Comments},
	})
	if err != nil {
		return domain.Record{}, err
	}
	e.notify(notify.Notification{
		Type:       notify.TypeBudgetDecided,
		Title:      fmt.Sprintf("Budget %s: %s", in.Decision, updated.Title),
		Body:       body,
		EntityKind: string(updated.Kind),
		EntityID:   updated.ID,
	})
	return updated, nil
}

type ResubmitBudgetInput struct {
	Ref             domain.Ref
	ActorID         string
	EstimatedBudget float64
	Comments        string
}

// ResubmitBudget answers a budget rejection with a revised estimate.
func (e Engine) ResubmitBudget(ctx context.Context, in ResubmitBudgetInput) (res domain.Record, err error) {
	start := e.now()
	defer func() { e.observe("resubmit_budget", start, err) }()
	if in.EstimatedBudget <= 0 {
		return domain.Record{}, ValidationError{Fields: []string{"estimated_budget"}, Message: "estimated budget must be positive"}
	}
	rec, plan, err := e.loadPlan(ctx, in.Ref)
	if err != nil {
		return domain.Record{}, err
	}
	if plan.RevisionRequested != gateBudget {
		return domain.Record{}, InvalidStepError{Ref: in.Ref, Reason: "no budget revision was requested"}
	}
	previous := plan.EstimatedBudget
	plan.EstimatedBudget = in.EstimatedBudget
	plan.RevisionRequested = ""
	e.activity(&rec, actorOr(in.ActorID, "system"), "Budget resubmitted: %.2f (was %.2f). %s", in.EstimatedBudget, previous, in.Comments)
	rec.UpdatedAt = e.timestamp()
	updated, err := e.Store.Update(ctx, rec, rec.Version, store.Change{
		Type:    "scaling.budget_resubmit",
		ActorID: in.ActorID,
		Payload: map[string]any{"estimated_budget": in.EstimatedBudget, "previous": previous},
	})
	if err != nil {
		return domain.Record{}, err
	}
	e.notify(notify.Notification{
		Type:       notify.TypeApprovalRequired,
		Title:      fmt.Sprintf("Budget resubmitted: %s", updated.Title),
		Body:       fmt.Sprintf("Revised estimate %.2f awaits a decision.", in.EstimatedBudget),
		EntityKind: string(updated.Kind),
		EntityID:   updated.ID,
		Recipients: []string{string(e.gates().BudgetRole)},
	})
	return updated, nil
}

type IntegrationDecisionInput struct {
	Ref       domain.Ref
	ActorID   string
	ActorRole domain.RoleID
	Decision  domain.Decision
	Checklist map[string]bool
	Notes     string
}

// DecideIntegration records the national integration gate decision. It is only
// open once rollout progress reaches the configured threshold, and approval
// requires every integration criterion.
func (e Engine) DecideIntegration(ctx context.Context, in IntegrationDecisionInput) (res domain.Record, err error) {
	start := e.now()
	defer func() { e.observe("decide_integration", start, err) }()
	if _, err := domain.ParseDecision(string(in.Decision)); err != nil {
		return domain.Record{}, ValidationError{Fields: []string{"decision"}, Message: err.Error()}
	}
	rec, plan, err := e.loadPlan(ctx, in.Ref)
	if err != nil {
		return domain.Record{}, err
	}
	g := e.gates()
	if _, err := e.requireRole(ctx, "decide the national integration gate", in.ActorID, in.ActorRole, g.IntegrationRole); err != nil {
		return domain.Record{}, err
	}
	if plan.IntegrationApproved {
		return domain.Record{}, AlreadyCompletedError{Ref: in.Ref, What: "national integration"}
	}
	if !plan.BudgetApproved {
		return domain.Record{}, budgetGateError(in.Ref)
	}
	raw := plan.ComputeRolloutProgress()
	progress := roundProgress(raw)
	if raw < g.IntegrationMinProgress {
		// Truncated so a value just below the threshold never displays as reaching it.
		shown := math.Floor(raw*100) / 100
		return domain.Record{}, GateError{
			Gate:      "rollout_progress",
			Threshold: fmt.Sprintf("rollout progress >= %g%%", g.IntegrationMinProgress),
			Actual:    fmt.Sprintf("%g%%", shown),
			Message:   fmt.Sprintf("national integration requires rollout progress >= %g%% (current %g%%)", g.IntegrationMinProgress, shown),
		}
	}
	known := map[string]bool{}
	for _, c := range domain.IntegrationCriteria {
		known[c] = true
	}
	var unknown []string
	for k := range in.Checklist {
		if !known[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		return domain.Record{}, ValidationError{Fields: unknown, Message: "unknown integration criteria"}
	}
	if in.Decision == domain.DecisionApproved {
		var unmet []string
		for _, c := range domain.IntegrationCriteria {
			if !in.Checklist[c] {
				unmet = append(unmet, c)
			}
		}
		if len(unmet) > 0 {
			return domain.Record{}, ValidationError{Fields: unmet, Message: "all integration criteria must be met"}
		}
	}

	now := e.timestamp()
	checklist := make(map[string]bool, len(domain.IntegrationCriteria))
	for _, c := range domain.IntegrationCriteria {
		checklist[c] = in.Checklist[c]
	}
	plan.GateDecisions = append(plan.GateDecisions, domain.GateDecision{
		Gate: gateIntegration, Decision: in.Decision, Actor: in.ActorID, Comments: in.Notes, Checklist: checklist, DecidedAt: now,
	})
	plan.RolloutProgress = progress
	n := notify.Notification{
		Type:       notify.TypeIntegrationDone,
		EntityKind: string(rec.Kind),
		EntityID:   rec.ID,
	}
	if in.Decision == domain.DecisionApproved {
		plan.IntegrationApproved = true
		plan.Stage = domain.StageIntegrated
		plan.RevisionRequested = ""
		n.Title = fmt.Sprintf("National integration approved: %s", rec.Title)
		n.Body = fmt.Sprintf("Integrated at %g%% rollout progress.", progress)
		n.Priority = notify.PriorityHigh
	} else {
		plan.RevisionRequested = "integration"
		n.Title = fmt.Sprintf("National integration revision requested: %s", rec.Title)
		n.Body = in.Notes
	}
	e.activity(&rec, actorOr(in.ActorID, "system"), "National integration %s", in.Decision)
	rec.UpdatedAt = now
	updated, err := e.Store.Update(ctx, rec, rec.Version, store.Change{
		Type:    "scaling.integration_decision",
		ActorID: in.ActorID,
		Payload: map[string]any{"decision": in.Decision, "rollout_progress": progress, "checklist": checklist},
	})
	if err != nil {
		return domain.Record{}, err
	}
	e.notify(n)
	return updated, nil
}
