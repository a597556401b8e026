package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"innoflow/internal/domain"
	"innoflow/internal/notify"
	"innoflow/internal/store"
)

type ConvertRequest struct {
	Source domain.Ref
	Type   domain.ConversionType
	// Title defaults to the source title.
	Title string
	// Fields is the target payload as prepared by the operator or a drafting tool.
	Fields  json.RawMessage
	ActorID string
	// IdempotencyKey makes the target id deterministic so a retried conversion
	// finds the target it already created.
	IdempotencyKey string
}

type ConvertResult struct {
	Target   domain.Record         `json:"target"`
	Link     domain.ConversionLink `json:"link"`
	Warnings []string              `json:"warnings,omitempty"`
	// BackRefPending is set when the target exists but the source back-reference
	// could not be written. RepairBackReference completes it.
	BackRefPending bool `json:"back_ref_pending"`
	Replayed       bool `json:"replayed"`
}

// Convert creates a target entity from source in two steps. The target, carrying
// its provenance link, is created first and is the commit marker. The source
// back-reference is patched second; a failure there is logged and reported in
// the result, never rolled back and never retried here.
func (e Engine) Convert(ctx context.Context, req ConvertRequest) (res ConvertResult, err error) {
	start := e.now()
	defer func() { e.observe("convert", start, err) }()
	if _, err := domain.ParseConversionType(string(req.Type)); err != nil {
		return ConvertResult{}, ValidationError{Fields: []string{"conversion_type"}, Message: err.Error()}
	}
	source, err := e.Get(ctx, req.Source)
	if err != nil {
		return ConvertResult{}, err
	}
	if _, ok := domain.BackRefsOf(source.Payload, req.Type); !ok {
		return ConvertResult{}, ValidationError{
			Fields:  []string{"conversion_type"},
			Message: fmt.Sprintf("%s cannot be converted %s", source.Kind, strings.ReplaceAll(string(req.Type), "_", " ")),
		}
	}
	warnings, err := e.conversionGate(source, req.Type)
	if err != nil {
		return ConvertResult{}, err
	}
	targetKind := req.Type.TargetKind()
	payload, err := domain.DecodePayload(targetKind, req.Fields)
	if err != nil {
		return ConvertResult{}, ValidationError{Fields: []string{"fields"}, Message: err.Error()}
	}
	resetGateState(payload)
	seedTarget(payload, source)
	if missing := payload.Missing(); len(missing) > 0 {
		return ConvertResult{}, ValidationError{Fields: missing, Message: fmt.Sprintf("missing required %s fields", targetKind)}
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = source.Title
	}

	now := e.timestamp()
	link := domain.ConversionLink{
		SourceKind:     source.Kind,
		SourceID:       source.ID,
		TargetKind:     targetKind,
		TargetID:       conversionTargetID(source.Ref(), req.Type, req.IdempotencyKey),
		ConversionType: req.Type,
		CreatedAt:      now,
	}
	target := domain.Record{
		ID:         link.TargetID,
		Kind:       targetKind,
		Title:      title,
		Status:     domain.StatusDraft,
		Provenance: &link,
		CreatedAt:  now,
		UpdatedAt:  now,
		Payload:    payload,
	}
	e.activity(&target, actorOr(req.ActorID, "system"), "Created from %s via %s", source.Ref(), req.Type)

	res = ConvertResult{Warnings: warnings, Link: link}
	res.Target, err = e.Store.Create(ctx, target, store.Change{
		Type:    "conversion.create",
		ActorID: req.ActorID,
		Payload: map[string]any{"source_kind": source.Kind, "source_id": source.ID, "conversion_type": req.Type, "warnings": warnings},
	})
	if errors.Is(err, store.ErrAlreadyExists) && req.IdempotencyKey != "" {
		res.Target, err = e.replayedTarget(ctx, link)
		res.Replayed = true
	}
	if err != nil {
		return ConvertResult{}, err
	}
	res.Link = *res.Target.Provenance

	if _, err := e.appendBackRef(ctx, res.Link, req.ActorID); err != nil {
		e.logger().Error("conversion back-reference not written; retryable via repair",
			"source", source.Ref().String(), "target", res.Target.Ref().String(), "conversion_type", req.Type, "error", err)
		e.Metrics.BackRefPending()
		res.BackRefPending = true
	}
	for _, w := range warnings {
		e.logger().Warn("conversion soft gate", "source", source.Ref().String(), "conversion_type", req.Type, "warning", w)
	}
	if !res.Replayed {
		e.Metrics.Conversion(string(req.Type))
		e.notify(notify.Notification{
			Type:       notify.TypeEntityCreated,
			Title:      fmt.Sprintf("New %s created: %s", targetKind, res.Target.Title),
			Body:       fmt.Sprintf("Converted from %s %q.", source.Kind, source.Title),
			EntityKind: string(targetKind),
			EntityID:   res.Target.ID,
		})
	}
	return res, nil
}

// conversionGate applies the hard and soft preconditions for each conversion type.
func (e Engine) conversionGate(source domain.Record, c domain.ConversionType) ([]string, error) {
	g := e.gates()
	switch c {
	case domain.ConversionToPilot:
		level := currentTRL(source)
		if level < g.PilotMinTRL {
			return nil, GateError{
				Gate:      "trl",
				Threshold: fmt.Sprintf("TRL >= %d", g.PilotMinTRL),
				Actual:    fmt.Sprintf("TRL %d", level),
				Message:   fmt.Sprintf("conversion to pilot requires TRL >= %d; %s is at TRL %d", g.PilotMinTRL, source.Ref(), level),
			}
		}
	case domain.ConversionToSolution:
		if level := currentTRL(source); level < g.SolutionMinTRL {
			return []string{fmt.Sprintf("TRL %d is below the commercialization threshold of %d", level, g.SolutionMinTRL)}, nil
		}
	case domain.ConversionToScalingPlan:
		if source.Status != domain.StatusCompleted && source.Status != domain.StatusScalingEligible {
			return nil, GateError{
				Gate:      "pilot_status",
				Threshold: "status completed or scaling_eligible",
				Actual:    "status " + string(source.Status),
				Message:   fmt.Sprintf("conversion to scaling plan requires a completed or scaling-eligible pilot; %s is %s", source.Ref(), source.Status),
			}
		}
	}
	return nil, nil
}

func currentTRL(rec domain.Record) int {
	if trl, ok := domain.TRLOf(rec.Payload); ok {
		return trl.TRLCurrent
	}
	return 0
}

// seedTarget fills fields the target inherits from its source.
func seedTarget(p domain.Payload, source domain.Record) {
	srcTRL, hasTRL := domain.TRLOf(source.Payload)
	switch t := p.(type) {
	case *domain.PilotPayload:
		if hasTRL && t.TRLCurrent == 0 {
			t.TRLCurrent = srcTRL.TRLCurrent
			if t.TRLTarget == 0 {
				t.TRLTarget = srcTRL.TRLTarget
			}
		}
		t.Refresh()
	case *domain.SolutionPayload:
		if hasTRL && t.TRL == 0 {
			t.TRL = srcTRL.TRLCurrent
		}
	case *domain.ScalingPlanPayload:
		t.SourcePilotID = source.ID
	}
}

func conversionTargetID(source domain.Ref, c domain.ConversionType, key string) string {
	if key == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(source.String()+"|"+string(c)+"|"+key)).String()
}

// replayedTarget loads the target a previous attempt with the same idempotency key created.
func (e Engine) replayedTarget(ctx context.Context, link domain.ConversionLink) (domain.Record, error) {
	existing, err := e.Store.Get(ctx, link.TargetKind, link.TargetID)
	if err != nil {
		return domain.Record{}, err
	}
	p := existing.Provenance
	if p == nil || p.SourceKind != link.SourceKind || p.SourceID != link.SourceID || p.ConversionType != link.ConversionType {
		return domain.Record{}, fmt.Errorf("%s exists but was not created by this conversion: %w", existing.Ref(), store.ErrAlreadyExists)
	}
	return existing, nil
}

// appendBackRef writes the source-side reference for link unless it is already there.
func (e Engine) appendBackRef(ctx context.Context, link domain.ConversionLink, actorID string) (bool, error) {
	src, err := e.Get(ctx, domain.Ref{Kind: link.SourceKind, ID: link.SourceID})
	if err != nil {
		return false, err
	}
	refs, ok := domain.BackRefsOf(src.Payload, link.ConversionType)
	if !ok {
		return false, fmt.Errorf("%s has no back-reference collection for %s", src.Ref(), link.ConversionType)
	}
	if domain.HasBackRef(*refs, link.TargetID) {
		return false, nil
	}
	*refs = append(*refs, domain.BackRef{
		Kind:           link.TargetKind,
		ID:             link.TargetID,
		ConversionType: link.ConversionType,
		CreatedAt:      link.CreatedAt,
	})
	e.activity(&src, actorOr(actorID, "system"), "Converted to %s %s", link.TargetKind, link.TargetID)
	src.UpdatedAt = e.timestamp()
	if _, err := e.Store.Update(ctx, src, src.Version, store.Change{
		Type:    "conversion.backref",
		ActorID: actorID,
		Payload: map[string]any{"target_kind": link.TargetKind, "target_id": link.TargetID, "conversion_type": link.ConversionType},
	}); err != nil {
		return false, err
	}
	return true, nil
}

type RepairResult struct {
	Link     domain.ConversionLink `json:"link"`
	Repaired bool                  `json:"repaired"`
}

// RepairBackReference completes the source back-reference for a converted target.
// It is a no-op when the reference already exists.
func (e Engine) RepairBackReference(ctx context.Context, target domain.Ref, actorID string) (res RepairResult, err error) {
	start := e.now()
	defer func() { e.observe("repair_backref", start, err) }()
	rec, err := e.Get(ctx, target)
	if err != nil {
		return RepairResult{}, err
	}
	if rec.Provenance == nil {
		return RepairResult{}, ValidationError{Fields: []string{"provenance"}, Message: fmt.Sprintf("%s was not created by conversion", target)}
	}
	repaired, err := e.appendBackRef(ctx, *rec.Provenance, actorID)
	if err != nil {
		return RepairResult{}, err
	}
	if repaired {
		e.logger().Info("conversion back-reference repaired", "source", rec.Provenance.SourceKind, "source_id", rec.Provenance.SourceID, "target", target.String())
	}
	return RepairResult{Link: *rec.Provenance, Repaired: repaired}, nil
}
