package engine

import (
	"context"
	"fmt"
	"strings"

	"innoflow/internal/domain"
	"innoflow/internal/notify"
	"innoflow/internal/store"
)

type TRLInput struct {
	Ref          domain.Ref
	Level        int
	EvidenceText string
	Confidence   int
	AssessorID   string
}

type TRLResult struct {
	Entity     domain.Record        `json:"entity"`
	Assessment domain.TRLAssessment `json:"assessment"`
}

// AssessTRL records a readiness assessment and recomputes the readiness flags.
// It records rather than blocks: conversion is where TRL is enforced. A lower
// level than the current one is kept and marked as a regression unless
// gates.enforce_monotonic_trl is set.
func (e Engine) AssessTRL(ctx context.Context, in TRLInput) (res TRLResult, err error) {
	start := e.now()
	defer func() { e.observe("assess_trl", start, err) }()
	var invalid []string
	if in.Level < 1 || in.Level > 9 {
		invalid = append(invalid, "level (1..9)")
	}
	if in.Confidence < 0 || in.Confidence > 100 {
		invalid = append(invalid, "confidence (0..100)")
	}
	if strings.TrimSpace(in.AssessorID) == "" {
		invalid = append(invalid, "assessed_by")
	}
	if len(invalid) > 0 {
		return TRLResult{}, ValidationError{Fields: invalid, Message: "invalid TRL assessment"}
	}
	rec, err := e.Get(ctx, in.Ref)
	if err != nil {
		return TRLResult{}, err
	}
	trl, ok := domain.TRLOf(rec.Payload)
	if !ok {
		return TRLResult{}, ValidationError{Fields: []string{"kind"}, Message: fmt.Sprintf("kind %s does not track TRL", rec.Kind)}
	}
	previous := trl.TRLCurrent
	regression := previous > 0 && in.Level < previous
	if regression && e.gates().EnforceMonotonicTRL {
		return TRLResult{}, GateError{
			Gate:      "trl_monotonic",
			Threshold: fmt.Sprintf("TRL >= %d", previous),
			Actual:    fmt.Sprintf("TRL %d", in.Level),
			Message:   fmt.Sprintf("TRL may not decrease: assessment %d is below current TRL %d", in.Level, previous),
		}
	}

	now := e.timestamp()
	a := domain.TRLAssessment{
		Level:                  in.Level,
		EvidenceText:           in.EvidenceText,
		Confidence:             in.Confidence,
		AssessedBy:             in.AssessorID,
		AssessedAt:             now,
		PilotReady:             in.Level >= domain.PilotReadyTRL,
		CommercializationReady: in.Level >= domain.CommercializationReadyTRL,
		Regression:             regression,
	}
	trl.TRLAssessments = append(trl.TRLAssessments, a)
	trl.TRLCurrent = in.Level
	trl.Refresh()
	e.activity(&rec, in.AssessorID, "TRL assessed at %d (was %d, confidence %d%%)", in.Level, previous, in.Confidence)
	rec.UpdatedAt = now

	change := store.Change{
		Type:    "trl.assess",
		ActorID: in.AssessorID,
		Payload: map[string]any{"level": in.Level, "previous": previous},
	}
	if regression {
		change.Type = "trl.regressed"
		e.logger().Warn("trl regression recorded", "entity", in.Ref.String(), "previous", previous, "level", in.Level, "assessor", in.AssessorID)
	}
	updated, err := e.Store.Update(ctx, rec, rec.Version, change)
	if err != nil {
		return TRLResult{}, err
	}
	n := notify.Notification{
		Type:       notify.TypeTRLAssessed,
		Priority:   notify.PriorityLow,
		Title:      fmt.Sprintf("TRL %d recorded for %s", in.Level, updated.Title),
		Body:       fmt.Sprintf("Assessed by %s with %d%% confidence.", in.AssessorID, in.Confidence),
		EntityKind: string(updated.Kind),
		EntityID:   updated.ID,
	}
	if a.PilotReady && previous < domain.PilotReadyTRL {
		n.Priority = notify.PriorityNormal
		n.Body += " The entity is now pilot-ready."
	}
	e.notify(n)
	return TRLResult{Entity: updated, Assessment: a}, nil
}
