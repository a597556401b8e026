package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"innoflow/internal/config"
	"innoflow/internal/db"
	"innoflow/internal/domain"
	"innoflow/internal/engine"
	"innoflow/internal/migrate"
	"innoflow/internal/notify"
	"innoflow/internal/repo"
	"innoflow/internal/store"
)

type recordingNotifier struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (r *recordingNotifier) Enqueue(n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

func (r *recordingNotifier) ofType(typ string) []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Notification
	for _, n := range r.got {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

type testEnv struct {
	Engine engine.Engine
	Repo   repo.Repo
	Notes  *recordingNotifier
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.New(conn)
	eng, err := engine.New(r, config.Default())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	eng.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	notes := &recordingNotifier{}
	eng.Notifier = notes
	return testEnv{Engine: eng, Repo: r, Notes: notes, Ctx: context.Background()}
}

func (env testEnv) create(t *testing.T, kind domain.Kind, title, fields string) domain.Record {
	t.Helper()
	rec, err := env.Engine.CreateEntity(env.Ctx, engine.CreateInput{Kind: kind, Title: title, Fields: json.RawMessage(fields), ActorID: "tester"})
	if err != nil {
		t.Fatalf("create %s: %v", kind, err)
	}
	return rec
}

func (env testEnv) get(t *testing.T, ref domain.Ref) domain.Record {
	t.Helper()
	rec, err := env.Engine.Get(env.Ctx, ref)
	if err != nil {
		t.Fatalf("get %s: %v", ref, err)
	}
	return rec
}

// approveAll walks the whole approval chain with the right role at each step.
func (env testEnv) approveAll(t *testing.T, ref domain.Ref) domain.Record {
	t.Helper()
	tmpl, _ := env.Engine.Workflows.Template(ref.Kind)
	var rec domain.Record
	for _, step := range tmpl.Steps {
		res, err := env.Engine.SubmitDecision(env.Ctx, engine.DecisionInput{
			Ref: ref, ActorID: "user-" + string(step.Role), ActorRole: step.Role, Decision: domain.DecisionApproved,
		})
		if err != nil {
			t.Fatalf("approve step %d: %v", step.Step, err)
		}
		rec = res.Entity
	}
	return rec
}

const rdFields = `{
	"research_question": "Can acoustic sensors locate pipe leaks?",
	"institution": "Tech University",
	"trl_current": 5,
	"trl_target": 7,
	"milestones": [
		{"name": "Lab prototype", "requires_approval": true, "deliverables": ["report", "demo video"]},
		{"name": "Kickoff"}
	]
}`

const pilotFields = `{"objective": "Validate leak detection in one district", "sector": "water", "municipality": "Riverside", "duration_months": 6}`

func rdPayload(t *testing.T, rec domain.Record) *domain.RDProjectPayload {
	t.Helper()
	p, ok := rec.Payload.(*domain.RDProjectPayload)
	if !ok {
		t.Fatalf("expected rd_project payload, got %T", rec.Payload)
	}
	return p
}

func planPayload(t *testing.T, rec domain.Record) *domain.ScalingPlanPayload {
	t.Helper()
	p, ok := rec.Payload.(*domain.ScalingPlanPayload)
	if !ok {
		t.Fatalf("expected scaling_plan payload, got %T", rec.Payload)
	}
	return p
}

func TestResolveCurrentStep(t *testing.T) {
	for _, kind := range []domain.Kind{domain.KindChallenge, domain.KindPilot, domain.KindProgram, domain.KindRDProject, domain.KindScalingPlan, domain.KindPolicyRecommendation} {
		rec := domain.Record{Kind: kind}
		if got := engine.ResolveCurrentStep(rec); got != 1 {
			t.Fatalf("%s: expected step 1 with no approvals, got %d", kind, got)
		}
		for k := 1; k <= 3; k++ {
			rec.Approvals = append(rec.Approvals, domain.ApprovalRecord{Step: k, Decision: domain.DecisionApproved})
			if got := engine.ResolveCurrentStep(rec); got != k+1 {
				t.Fatalf("%s: expected step %d after %d approvals, got %d", kind, k+1, k, got)
			}
		}
	}
}

func TestApprovalChainToFullyApproved(t *testing.T) {
	env := newTestEnv(t)
	rec := env.create(t, domain.KindRDProject, "Leak sensors", rdFields)
	ref := rec.Ref()

	res, err := env.Engine.SubmitDecision(env.Ctx, engine.DecisionInput{Ref: ref, ActorID: "rl", ActorName: "Rita Lead", ActorRole: domain.RoleResearchLead, Decision: domain.DecisionApproved, Comment: "solid"})
	if err != nil {
		t.Fatalf("step 1: %v", err)
	}
	if res.Entity.Status != domain.StatusDraft || res.Approval.Step != 1 || res.Approval.ApproverName != "Rita Lead" {
		t.Fatalf("unexpected step 1 result: %s %+v", res.Entity.Status, res.Approval)
	}
	required := env.Notes.ofType(notify.TypeApprovalRequired)
	if len(required) != 1 || required[0].Recipients[0] != string(domain.RoleTechnicalReviewer) {
		t.Fatalf("expected approval-required for technical_reviewer, got %+v", required)
	}

	_, err = env.Engine.SubmitDecision(env.Ctx, engine.DecisionInput{Ref: ref, ActorID: "tr", ActorRole: domain.RoleTechnicalReviewer, Decision: domain.DecisionApproved})
	if err != nil {
		t.Fatalf("step 2: %v", err)
	}
	before := env.Notes.count()
	res, err = env.Engine.SubmitDecision(env.Ctx, engine.DecisionInput{Ref: ref, ActorID: "dir", ActorRole: domain.RoleInnovationDirector, Decision: domain.DecisionApproved})
	if err != nil {
		t.Fatalf("step 3: %v", err)
	}
	if res.Entity.Status != domain.StatusApproved {
		t.Fatalf("expected approved, got %s", res.Entity.Status)
	}
	if env.Notes.count() != before+1 || len(env.Notes.ofType(notify.TypeApprovalCompleted)) != 1 {
		t.Fatalf("expected exactly one fully-approved notification")
	}
	if len(res.Entity.Approvals) != 3 {
		t.Fatalf("expected 3 approval records, got %d", len(res.Entity.Approvals))
	}

	_, err = env.Engine.SubmitDecision(env.Ctx, engine.DecisionInput{Ref: ref, ActorID: "dir", ActorRole: domain.RoleInnovationDirector, Decision: domain.DecisionApproved})
	var stepErr engine.InvalidStepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("expected InvalidStepError after final approval, got %v", err)
	}
	if env.get(t, ref).Version != res.Entity.Version {
		t.Fatalf("rejected resubmission must not write")
	}
}

func TestWrongRoleIsPermissionError(t *testing.T) {
	env := newTestEnv(t)
	rec := env.create(t, domain.KindChallenge, "Flooded underpasses", `{"problem_statement": "Underpasses flood"}`)
	_, err := env.Engine.SubmitDecision(env.Ctx, engine.DecisionInput{Ref: rec.Ref(), ActorID: "x", ActorRole: domain.RoleExecutive, Decision: domain.DecisionApproved})
	var perm engine.PermissionError
	if !errors.As(err, &perm) {
		t.Fatalf("expected PermissionError, got %v", err)
	}
	if perm.Required != domain.RoleMunicipalityLead || perm.Actual != domain.RoleExecutive {
		t.Fatalf("unexpected permission detail %+v", perm)
	}
	if !strings.Contains(err.Error(), "municipality_lead") {
		t.Fatalf("message should name the required role: %v", err)
	}
}

func TestStepMismatchIsInvalidStepForAnyRole(t *testing.T) {
	env := newTestEnv(t)
	rec := env.create(t, domain.KindPilot, "District pilot", pilotFields)
	for _, role := range domain.Roles() {
		for _, step := range []int{2, 3, 7} {
			_, err := env.Engine.SubmitDecision(env.Ctx, engine.DecisionInput{Ref: rec.Ref(), ActorID: "a", ActorRole: role, Decision: domain.DecisionApproved, Step: step})
			var stepErr engine.InvalidStepError
			if !errors.As(err, &stepErr) {
				t.Fatalf("role %s step %d: expected InvalidStepError, got %v", role, step, err)
			}
		}
	}
}

func TestRejectionIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	rec := env.create(t, domain.KindProgram, "Smart mobility", `{"objective": "Cut commute times", "budget": 100000}`)
	ref := rec.Ref()
	if _, err := env.Engine.SubmitDecision(env.Ctx, engine.DecisionInput{Ref: ref, ActorID: "pm", ActorRole: domain.RoleProgramManager, Decision: domain.DecisionApproved}); err != nil {
		t.Fatalf("step 1: %v", err)
	}
	res, err := env.Engine.SubmitDecision(env.Ctx, engine.DecisionInput{Ref: ref, ActorID: "fo", ActorRole: domain.RoleFinanceOfficer, Decision: domain.DecisionRejected, Comment: "over budget"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if res.Entity.Status != domain.StatusRejected {
		t.Fatalf("expected rejected, got %s", res.Entity.Status)
	}
	if len(env.Notes.ofType(notify.TypeApprovalRejected)) != 1 {
		t.Fatalf("expected one rejection notification")
	}
	for _, role := range []domain.RoleID{domain.RoleExecutive, domain.RoleFinanceOfficer, domain.RoleProgramManager} {
		_, err := env.Engine.SubmitDecision(env.Ctx, engine.DecisionInput{Ref: ref, ActorID: "any", ActorRole: role, Decision: domain.DecisionApproved})
		var stepErr engine.InvalidStepError
		if !errors.As(err, &stepErr) {
			t.Fatalf("role %s after rejection: expected InvalidStepError, got %v", role, err)
		}
	}
}

type staticRoles map[string]domain.RoleID

func (s staticRoles) ActorRole(_ context.Context, actorID string) (domain.RoleID, error) {
	return s[actorID], nil
}

func TestRoleResolvedFromProvider(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Roles = staticRoles{"maria": domain.RoleMunicipalityLead, "omar": domain.RoleExecutive}
	rec := env.create(t, domain.KindChallenge, "Noise", `{"problem_statement": "Night noise"}`)
	if _, err := env.Engine.SubmitDecision(env.Ctx, engine.DecisionInput{Ref: rec.Ref(), ActorID: "omar", Decision: domain.DecisionApproved}); err == nil {
		t.Fatalf("expected permission error for executive at step 1")
	}
	res, err := env.Engine.SubmitDecision(env.Ctx, engine.DecisionInput{Ref: rec.Ref(), ActorID: "maria", Decision: domain.DecisionApproved})
	if err != nil {
		t.Fatalf("provider-resolved role: %v", err)
	}
	if res.Approval.ApproverRole != domain.RoleMunicipalityLead || res.Approval.ApproverName != "maria" {
		t.Fatalf("unexpected approval %+v", res.Approval)
	}
}

func TestConcurrentDecisionsFromSameReadOneWins(t *testing.T) {
	env := newTestEnv(t)
	rec := env.create(t, domain.KindChallenge, "Potholes", `{"problem_statement": "Roads degrade"}`)
	snapshot := env.get(t, rec.Ref())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		snap, err := snapshot.Clone()
		if err != nil {
			t.Fatal(err)
		}
		wg.Add(1)
		go func(i int, snap domain.Record) {
			defer wg.Done()
			_, errs[i] = env.Engine.ApplyDecision(env.Ctx, snap, engine.DecisionInput{
				Ref: rec.Ref(), ActorID: "ml", ActorRole: domain.RoleMunicipalityLead, Decision: domain.DecisionApproved,
			})
		}(i, snap)
	}
	wg.Wait()

	var ok, stale int
	for _, err := range errs {
		var sv *store.StaleVersionError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &sv):
			stale++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 || stale != 1 {
		t.Fatalf("expected one success and one stale version, got ok=%d stale=%d", ok, stale)
	}
	if got := env.get(t, rec.Ref()); len(got.Approvals) != 1 {
		t.Fatalf("expected exactly one stored approval, got %d", len(got.Approvals))
	}
}

func TestApproveMilestone(t *testing.T) {
	env := newTestEnv(t)
	rec := env.create(t, domain.KindRDProject, "Leak sensors", rdFields)
	ref := rec.Ref()

	_, err := env.Engine.ApproveMilestone(env.Ctx, engine.MilestoneApproval{Ref: ref, Milestone: "Lab prototype", ApproverName: "Dr. Osei", Evidence: nil})
	var val engine.ValidationError
	if !errors.As(err, &val) || val.Fields[0] != "evidence" {
		t.Fatalf("expected evidence ValidationError, got %v", err)
	}
	_, err = env.Engine.ApproveMilestone(env.Ctx, engine.MilestoneApproval{Ref: ref, Milestone: "Lab prototype", ApproverName: "Dr. Osei", Evidence: []string{"  "}})
	if !errors.As(err, &val) {
		t.Fatalf("blank evidence should be rejected, got %v", err)
	}
	_, err = env.Engine.ApproveMilestone(env.Ctx, engine.MilestoneApproval{Ref: ref, Milestone: "Lab prototype", Evidence: []string{"https://docs.example.org/report.pdf"}})
	if !errors.As(err, &val) || val.Fields[0] != "approver" {
		t.Fatalf("expected approver ValidationError, got %v", err)
	}
	_, err = env.Engine.ApproveMilestone(env.Ctx, engine.MilestoneApproval{Ref: ref, Milestone: "Lab prototype", ApproverName: "Dr. Osei", Evidence: []string{"not a uri"}})
	if !errors.As(err, &val) {
		t.Fatalf("malformed evidence should be rejected, got %v", err)
	}

	// Deliverables are advisory: nothing about them is supplied here.
	updated, err := env.Engine.ApproveMilestone(env.Ctx, engine.MilestoneApproval{
		Ref: ref, Milestone: "Lab prototype", ApproverID: "osei", ApproverName: "Dr. Osei",
		Evidence: []string{"s3://evidence/rd/lab-report.pdf"}, Notes: "prototype demoed",
	})
	if err != nil {
		t.Fatalf("approve milestone: %v", err)
	}
	m := rdPayload(t, updated).Milestones[0]
	if m.Status != domain.MilestoneCompleted || m.ApprovedBy != "Dr. Osei" || len(m.Evidence) != 1 || m.Notes != "prototype demoed" {
		t.Fatalf("unexpected milestone %+v", m)
	}
	last := updated.Activities[len(updated.Activities)-1]
	if last.Actor != "Dr. Osei" || !strings.Contains(last.Description, "Lab prototype") {
		t.Fatalf("expected activity entry, got %+v", last)
	}
	if len(env.Notes.ofType(notify.TypeMilestoneApproved)) != 1 {
		t.Fatalf("expected milestone notification")
	}

	_, err = env.Engine.ApproveMilestone(env.Ctx, engine.MilestoneApproval{Ref: ref, Milestone: "Lab prototype", ApproverName: "Dr. Osei", Evidence: []string{"s3://evidence/rd/again.pdf"}})
	var done engine.AlreadyCompletedError
	if !errors.As(err, &done) {
		t.Fatalf("expected AlreadyCompletedError, got %v", err)
	}

	_, err = env.Engine.ApproveMilestone(env.Ctx, engine.MilestoneApproval{Ref: ref, Milestone: "Kickoff", ApproverName: "Dr. Osei", Evidence: []string{"s3://evidence/x.pdf"}})
	if !errors.As(err, &val) {
		t.Fatalf("milestone without approval gate should be a ValidationError, got %v", err)
	}
	_, err = env.Engine.ApproveMilestone(env.Ctx, engine.MilestoneApproval{Ref: ref, Milestone: "Nope", ApproverName: "Dr. Osei", Evidence: []string{"s3://evidence/x.pdf"}})
	if !errors.As(err, &val) {
		t.Fatalf("unknown milestone should be a ValidationError, got %v", err)
	}
}

func TestSetMilestoneStatus(t *testing.T) {
	env := newTestEnv(t)
	rec := env.create(t, domain.KindRDProject, "Leak sensors", rdFields)
	ref := rec.Ref()
	updated, err := env.Engine.SetMilestoneStatus(env.Ctx, engine.MilestoneStatusInput{Ref: ref, Milestone: "Kickoff", Status: domain.MilestoneInProgress, ActorID: "pm"})
	if err != nil {
		t.Fatalf("in_progress: %v", err)
	}
	if rdPayload(t, updated).Milestones[1].Status != domain.MilestoneInProgress {
		t.Fatalf("status not applied")
	}
	if _, err := env.Engine.SetMilestoneStatus(env.Ctx, engine.MilestoneStatusInput{Ref: ref, Milestone: "Kickoff", Status: domain.MilestoneCompleted}); err != nil {
		t.Fatalf("complete ungated milestone: %v", err)
	}
	_, err = env.Engine.SetMilestoneStatus(env.Ctx, engine.MilestoneStatusInput{Ref: ref, Milestone: "Lab prototype", Status: domain.MilestoneCompleted})
	var val engine.ValidationError
	if !errors.As(err, &val) {
		t.Fatalf("gated milestone cannot be completed by status, got %v", err)
	}
	if _, err := env.Engine.SetMilestoneStatus(env.Ctx, engine.MilestoneStatusInput{Ref: ref, Milestone: "Lab prototype", Status: domain.MilestoneDelayed}); err != nil {
		t.Fatalf("delay: %v", err)
	}
}

func TestAssessTRL(t *testing.T) {
	env := newTestEnv(t)
	rec := env.create(t, domain.KindRDProject, "Leak sensors", rdFields)
	ref := rec.Ref()

	for _, level := range []int{0, 10} {
		_, err := env.Engine.AssessTRL(env.Ctx, engine.TRLInput{Ref: ref, Level: level, Confidence: 50, AssessorID: "tr"})
		var val engine.ValidationError
		if !errors.As(err, &val) {
			t.Fatalf("level %d: expected ValidationError, got %v", level, err)
		}
	}

	res, err := env.Engine.AssessTRL(env.Ctx, engine.TRLInput{Ref: ref, Level: 7, EvidenceText: "field trial", Confidence: 80, AssessorID: "tr"})
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	p := rdPayload(t, res.Entity)
	if p.TRLCurrent != 7 || !p.PilotReady || !p.CommercializationReady || len(p.TRLAssessments) != 1 {
		t.Fatalf("unexpected trl state %+v", p.TRLState)
	}

	res, err = env.Engine.AssessTRL(env.Ctx, engine.TRLInput{Ref: ref, Level: 4, Confidence: 60, AssessorID: "tr"})
	if err != nil {
		t.Fatalf("regression should be recorded by default: %v", err)
	}
	p = rdPayload(t, res.Entity)
	if p.TRLCurrent != 4 || p.PilotReady || !res.Assessment.Regression {
		t.Fatalf("expected recorded regression, got %+v", p.TRLState)
	}
	evts, err := env.Repo.ListEvents(env.Ctx, domain.KindRDProject, ref.ID, 1)
	if err != nil || len(evts) != 1 || evts[0].Type != "trl.regressed" {
		t.Fatalf("expected trl.regressed event, got %+v (%v)", evts, err)
	}

	cfg := config.Default()
	cfg.Gates.EnforceMonotonicTRL = true
	env.Engine.Config = cfg
	_, err = env.Engine.AssessTRL(env.Ctx, engine.TRLInput{Ref: ref, Level: 3, Confidence: 60, AssessorID: "tr"})
	var gate engine.GateError
	if !errors.As(err, &gate) || !strings.Contains(err.Error(), "4") {
		t.Fatalf("expected monotonic GateError, got %v", err)
	}

	challenge := env.create(t, domain.KindChallenge, "Noise", `{"problem_statement": "Night noise"}`)
	_, err = env.Engine.AssessTRL(env.Ctx, engine.TRLInput{Ref: challenge.Ref(), Level: 3, AssessorID: "tr"})
	var val engine.ValidationError
	if !errors.As(err, &val) {
		t.Fatalf("challenge does not track TRL, got %v", err)
	}
}

func TestScenarioRDProjectToPilot(t *testing.T) {
	env := newTestEnv(t)
	project := env.create(t, domain.KindRDProject, "Leak sensors", rdFields)
	ref := project.Ref()

	_, err := env.Engine.Convert(env.Ctx, engine.ConvertRequest{Source: ref, Type: domain.ConversionToPilot, Fields: json.RawMessage(pilotFields), ActorID: "pm"})
	var gate engine.GateError
	if !errors.As(err, &gate) || !strings.Contains(err.Error(), ">= 6") {
		t.Fatalf("expected TRL gate error naming 6, got %v", err)
	}

	res, err := env.Engine.AssessTRL(env.Ctx, engine.TRLInput{Ref: ref, Level: 6, EvidenceText: "prototype in relevant environment", Confidence: 75, AssessorID: "tr"})
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if p := rdPayload(t, res.Entity); p.TRLCurrent != 6 || !p.PilotReady {
		t.Fatalf("expected trl 6 and pilot ready, got %+v", p.TRLState)
	}

	conv, err := env.Engine.Convert(env.Ctx, engine.ConvertRequest{Source: ref, Type: domain.ConversionToPilot, Title: "Riverside leak pilot", Fields: json.RawMessage(pilotFields), ActorID: "pm"})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if conv.BackRefPending || len(conv.Warnings) != 0 {
		t.Fatalf("unexpected result %+v", conv)
	}
	pilot := env.get(t, conv.Target.Ref())
	if pilot.Kind != domain.KindPilot || pilot.Status != domain.StatusDraft {
		t.Fatalf("unexpected pilot %s %s", pilot.Kind, pilot.Status)
	}
	if pilot.Provenance == nil || pilot.Provenance.SourceID != project.ID || pilot.Provenance.ConversionType != domain.ConversionToPilot {
		t.Fatalf("unexpected provenance %+v", pilot.Provenance)
	}
	if pp := pilot.Payload.(*domain.PilotPayload); pp.TRLCurrent != 6 || !pp.PilotReady {
		t.Fatalf("pilot should inherit TRL 6, got %+v", pp.TRLState)
	}
	src := rdPayload(t, env.get(t, ref))
	if len(src.PilotOpportunities) != 1 || src.PilotOpportunities[0].ID != pilot.ID {
		t.Fatalf("expected one back-reference, got %+v", src.PilotOpportunities)
	}
	links, err := env.Repo.ListConversionLinks(env.Ctx, ref)
	if err != nil || len(links) != 1 || links[0].TargetID != pilot.ID {
		t.Fatalf("expected persisted link, got %+v (%v)", links, err)
	}
	created := env.Notes.ofType(notify.TypeEntityCreated)
	if last := created[len(created)-1]; last.EntityKind != string(domain.KindPilot) || last.EntityID != pilot.ID {
		t.Fatalf("expected created notification scoped to pilot, got %+v", last)
	}
}

func TestConvertToSolutionSoftGate(t *testing.T) {
	env := newTestEnv(t)
	project := env.create(t, domain.KindRDProject, "Leak sensors", rdFields)
	res, err := env.Engine.Convert(env.Ctx, engine.ConvertRequest{
		Source: project.Ref(), Type: domain.ConversionToSolution,
		Fields: json.RawMessage(`{"provider": "AcuSense", "description": "Acoustic leak sensor kit"}`),
	})
	if err != nil {
		t.Fatalf("soft gate must not block: %v", err)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "7") {
		t.Fatalf("expected commercialization warning, got %v", res.Warnings)
	}
	if sp := res.Target.Payload.(*domain.SolutionPayload); sp.TRL != 5 {
		t.Fatalf("solution should carry source TRL, got %d", sp.TRL)
	}

	if _, err := env.Engine.AssessTRL(env.Ctx, engine.TRLInput{Ref: project.Ref(), Level: 7, Confidence: 90, AssessorID: "tr"}); err != nil {
		t.Fatal(err)
	}
	res, err = env.Engine.Convert(env.Ctx, engine.ConvertRequest{
		Source: project.Ref(), Type: domain.ConversionToSolution,
		Fields: json.RawMessage(`{"provider": "AcuSense", "description": "v2"}`),
	})
	if err != nil || len(res.Warnings) != 0 {
		t.Fatalf("expected no warning at TRL 7, got %v (%v)", res.Warnings, err)
	}
	if got := rdPayload(t, env.get(t, project.Ref())).Solutions; len(got) != 2 {
		t.Fatalf("expected two solution back-references, got %d", len(got))
	}
}

func TestConvertValidation(t *testing.T) {
	env := newTestEnv(t)
	project := env.create(t, domain.KindRDProject, "Leak sensors", rdFields)
	_, err := env.Engine.Convert(env.Ctx, engine.ConvertRequest{
		Source: project.Ref(), Type: domain.ConversionToPolicy,
		Fields: json.RawMessage(`{"recommendation": "Mandate sensors"}`),
	})
	var val engine.ValidationError
	if !errors.As(err, &val) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if strings.Join(val.Fields, ",") != "rationale,policy_area" {
		t.Fatalf("unexpected missing fields %v", val.Fields)
	}
	challenge := env.create(t, domain.KindChallenge, "Noise", `{"problem_statement": "Night noise"}`)
	_, err = env.Engine.Convert(env.Ctx, engine.ConvertRequest{Source: challenge.Ref(), Type: domain.ConversionToPilot, Fields: json.RawMessage(pilotFields)})
	if !errors.As(err, &val) {
		t.Fatalf("challenge cannot become a pilot, got %v", err)
	}
	if links, _ := env.Repo.ListConversionLinks(env.Ctx, project.Ref()); len(links) != 0 {
		t.Fatalf("failed conversions must not leave links")
	}
}

func TestConvertToScalingPlanRequiresCompletedPilot(t *testing.T) {
	env := newTestEnv(t)
	pilot := env.create(t, domain.KindPilot, "District pilot", pilotFields)
	ref := pilot.Ref()
	fields := json.RawMessage(`{
		"target_units": ["north", "south", "east"],
		"phases": [
			{"phase_number": 1, "target_units": ["north"], "duration_months": 3, "status": "active"},
			{"phase_number": 2, "target_units": ["south", "east"], "duration_months": 6}
		],
		"estimated_budget": 500000,
		"budget_approved": true
	}`)
	_, err := env.Engine.Convert(env.Ctx, engine.ConvertRequest{Source: ref, Type: domain.ConversionToScalingPlan, Fields: fields})
	var gate engine.GateError
	if !errors.As(err, &gate) || gate.Gate != "pilot_status" {
		t.Fatalf("expected pilot status gate, got %v", err)
	}

	env.approveAll(t, ref)
	for _, to := range []domain.Status{domain.StatusActive, domain.StatusCompleted} {
		if _, err := env.Engine.TransitionStatus(env.Ctx, engine.TransitionInput{Ref: ref, To: to, ActorID: "pm"}); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	res, err := env.Engine.Convert(env.Ctx, engine.ConvertRequest{Source: ref, Type: domain.ConversionToScalingPlan, Title: "National rollout", Fields: fields})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	plan := planPayload(t, res.Target)
	if plan.SourcePilotID != pilot.ID || plan.Stage != domain.StagePlanning || plan.BudgetApproved {
		t.Fatalf("plan must start in planning without budget, got %+v", plan)
	}
	for _, ph := range plan.Phases {
		if ph.Status != domain.PhasePending {
			t.Fatalf("phases must start pending, got %+v", ph)
		}
	}
	if sp := env.get(t, ref).Payload.(*domain.PilotPayload).ScalingPlans; len(sp) != 1 {
		t.Fatalf("expected scaling plan back-reference, got %d", len(sp))
	}
}

type flakySourceStore struct {
	store.Store
	kind domain.Kind
	fail bool
}

func (f *flakySourceStore) Update(ctx context.Context, rec domain.Record, expected int64, change store.Change) (domain.Record, error) {
	if f.fail && rec.Kind == f.kind {
		return domain.Record{}, errors.New("store unavailable")
	}
	return f.Store.Update(ctx, rec, expected, change)
}

func TestBackRefFailureKeepsTargetAndIsRepairable(t *testing.T) {
	env := newTestEnv(t)
	project := env.create(t, domain.KindRDProject, "Leak sensors", rdFields)
	flaky := &flakySourceStore{Store: env.Repo, kind: domain.KindRDProject, fail: true}
	eng := env.Engine
	eng.Store = flaky

	res, err := eng.Convert(env.Ctx, engine.ConvertRequest{
		Source: project.Ref(), Type: domain.ConversionToPolicy,
		Fields: json.RawMessage(`{"recommendation": "Open data", "rationale": "Transparency", "policy_area": "data"}`),
	})
	if err != nil {
		t.Fatalf("back-reference failure must not fail the conversion: %v", err)
	}
	if !res.BackRefPending {
		t.Fatalf("expected BackRefPending")
	}
	if _, err := env.Repo.Get(env.Ctx, domain.KindPolicyRecommendation, res.Target.ID); err != nil {
		t.Fatalf("target must persist: %v", err)
	}
	if refs := rdPayload(t, env.get(t, project.Ref())).PolicyRecommendations; len(refs) != 0 {
		t.Fatalf("expected no back-reference yet")
	}

	flaky.fail = false
	rep, err := eng.RepairBackReference(env.Ctx, res.Target.Ref(), "ops")
	if err != nil || !rep.Repaired {
		t.Fatalf("repair: %+v %v", rep, err)
	}
	if refs := rdPayload(t, env.get(t, project.Ref())).PolicyRecommendations; len(refs) != 1 || refs[0].ID != res.Target.ID {
		t.Fatalf("expected repaired back-reference, got %+v", refs)
	}
	rep, err = eng.RepairBackReference(env.Ctx, res.Target.Ref(), "ops")
	if err != nil || rep.Repaired {
		t.Fatalf("second repair should be a no-op: %+v %v", rep, err)
	}
	_, err = eng.RepairBackReference(env.Ctx, project.Ref(), "ops")
	var val engine.ValidationError
	if !errors.As(err, &val) {
		t.Fatalf("entity without provenance should fail validation, got %v", err)
	}
}

func TestConvertIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	challenge := env.create(t, domain.KindChallenge, "Noise", `{"problem_statement": "Night noise"}`)
	req := engine.ConvertRequest{
		Source: challenge.Ref(), Type: domain.ConversionToPolicy, IdempotencyKey: "req-42",
		Fields: json.RawMessage(`{"recommendation": "Quiet hours", "rationale": "Health", "policy_area": "environment"}`),
	}
	first, err := env.Engine.Convert(env.Ctx, req)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := env.Engine.Convert(env.Ctx, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Replayed || second.Target.ID != first.Target.ID {
		t.Fatalf("expected replay of %s, got %+v", first.Target.ID, second)
	}
	refs := env.get(t, challenge.Ref()).Payload.(*domain.ChallengePayload).PolicyRecommendations
	if len(refs) != 1 {
		t.Fatalf("replay must not duplicate back-references, got %d", len(refs))
	}
}

const planFields = `{
	"target_units": ["north", "south", "east"],
	"phases": [
		{"phase_number": 1, "target_units": ["north", "south"], "duration_months": 6},
		{"phase_number": 2, "target_units": ["east"], "duration_months": 6}
	],
	"estimated_budget": 250000
}`

var allCriteria = map[string]bool{
	"policy_alignment": true, "technical_standards": true, "sustainability_plan": true,
	"stakeholder_buy_in": true, "budget_secured": true, "kpis_met": true,
}

func TestScenarioScalingIntegrationGate(t *testing.T) {
	env := newTestEnv(t)
	plan := env.create(t, domain.KindScalingPlan, "National rollout", planFields)
	ref := plan.Ref()

	_, err := env.Engine.RecordUnitProgress(env.Ctx, engine.UnitProgressInput{Ref: ref, UnitID: "north", Progress: 10})
	var gate engine.GateError
	if !errors.As(err, &gate) || gate.Gate != "budget" {
		t.Fatalf("progress before budget approval should hit the budget gate, got %v", err)
	}

	budget, err := env.Engine.DecideBudget(env.Ctx, engine.BudgetDecisionInput{Ref: ref, ActorID: "fo", ActorRole: domain.RoleFinanceOfficer, Decision: domain.DecisionApproved})
	if err != nil {
		t.Fatalf("budget: %v", err)
	}
	bp := planPayload(t, budget)
	if !bp.BudgetApproved || bp.Stage != domain.StageExecuting || bp.Phases[0].Status != domain.PhaseActive {
		t.Fatalf("budget approval should unlock phase 1, got %+v", bp)
	}

	for _, unit := range []string{"north", "south"} {
		if _, err := env.Engine.RecordUnitProgress(env.Ctx, engine.UnitProgressInput{Ref: ref, UnitID: unit, Progress: 45, KPIStatus: domain.KPIAtRisk}); err != nil {
			t.Fatalf("progress %s: %v", unit, err)
		}
	}
	if p := planPayload(t, env.get(t, ref)); p.RolloutProgress != 45 {
		t.Fatalf("expected rollout 45, got %v", p.RolloutProgress)
	}
	_, err = env.Engine.RecordUnitProgress(env.Ctx, engine.UnitProgressInput{Ref: ref, UnitID: "east", Progress: 50})
	var val engine.ValidationError
	if !errors.As(err, &val) {
		t.Fatalf("unit in a pending phase should be rejected, got %v", err)
	}

	decide := engine.IntegrationDecisionInput{Ref: ref, ActorID: "dir", ActorRole: domain.RoleInnovationDirector, Decision: domain.DecisionApproved, Checklist: allCriteria}
	_, err = env.Engine.DecideIntegration(env.Ctx, decide)
	if !errors.As(err, &gate) || !strings.Contains(err.Error(), "80%") {
		t.Fatalf("expected GateError stating 80%%, got %v", err)
	}

	for _, unit := range []string{"north", "south"} {
		if _, err := env.Engine.RecordUnitProgress(env.Ctx, engine.UnitProgressInput{Ref: ref, UnitID: unit, Progress: 82}); err != nil {
			t.Fatalf("progress %s: %v", unit, err)
		}
	}
	if p := planPayload(t, env.get(t, ref)); p.RolloutProgress != 82 {
		t.Fatalf("expected rollout 82, got %v", p.RolloutProgress)
	}
	if len(env.Notes.ofType(notify.TypeApprovalRequired)) != 1 {
		t.Fatalf("crossing the integration threshold should notify once")
	}

	partial := map[string]bool{}
	for k, v := range allCriteria {
		partial[k] = v
	}
	partial["kpis_met"] = false
	_, err = env.Engine.DecideIntegration(env.Ctx, engine.IntegrationDecisionInput{Ref: ref, ActorID: "dir", ActorRole: domain.RoleInnovationDirector, Decision: domain.DecisionApproved, Checklist: partial})
	if !errors.As(err, &val) || len(val.Fields) != 1 || val.Fields[0] != "kpis_met" {
		t.Fatalf("expected unmet criterion kpis_met, got %v", err)
	}

	done, err := env.Engine.DecideIntegration(env.Ctx, decide)
	if err != nil {
		t.Fatalf("integration: %v", err)
	}
	dp := planPayload(t, done)
	if !dp.IntegrationApproved || dp.Stage != domain.StageIntegrated {
		t.Fatalf("expected integrated plan, got %+v", dp)
	}
	_, err = env.Engine.DecideIntegration(env.Ctx, decide)
	var already engine.AlreadyCompletedError
	if !errors.As(err, &already) {
		t.Fatalf("expected AlreadyCompletedError, got %v", err)
	}
}

func TestIntegrationGateComparesUnroundedProgress(t *testing.T) {
	env := newTestEnv(t)
	plan := env.create(t, domain.KindScalingPlan, "National rollout", planFields)
	ref := plan.Ref()
	if _, err := env.Engine.DecideBudget(env.Ctx, engine.BudgetDecisionInput{Ref: ref, ActorID: "fo", ActorRole: domain.RoleFinanceOfficer, Decision: domain.DecisionApproved}); err != nil {
		t.Fatal(err)
	}
	for unit, progress := range map[string]float64{"north": 80, "south": 79.99} {
		if _, err := env.Engine.RecordUnitProgress(env.Ctx, engine.UnitProgressInput{Ref: ref, UnitID: unit, Progress: progress}); err != nil {
			t.Fatalf("progress %s: %v", unit, err)
		}
	}
	if len(env.Notes.ofType(notify.TypeApprovalRequired)) != 0 {
		t.Fatalf("a mean of 79.995 must not announce integration readiness")
	}
	decide := engine.IntegrationDecisionInput{Ref: ref, ActorID: "dir", ActorRole: domain.RoleInnovationDirector, Decision: domain.DecisionApproved, Checklist: allCriteria}
	_, err := env.Engine.DecideIntegration(env.Ctx, decide)
	var gate engine.GateError
	if !errors.As(err, &gate) || gate.Gate != "rollout_progress" || !strings.Contains(err.Error(), "current 79.99%") {
		t.Fatalf("expected rollout gate just below 80%%, got %v", err)
	}
	if p := planPayload(t, env.get(t, ref)); p.IntegrationApproved || p.Stage != domain.StageExecuting {
		t.Fatalf("plan must stay executing, got %+v", p)
	}

	if _, err := env.Engine.RecordUnitProgress(env.Ctx, engine.UnitProgressInput{Ref: ref, UnitID: "south", Progress: 80}); err != nil {
		t.Fatal(err)
	}
	done, err := env.Engine.DecideIntegration(env.Ctx, decide)
	if err != nil {
		t.Fatalf("integration at exactly 80%%: %v", err)
	}
	if p := planPayload(t, done); !p.IntegrationApproved || p.RolloutProgress != 80 {
		t.Fatalf("expected integrated plan at 80, got %+v", p)
	}
}

func TestIntegrationRejectionReturnsToExecuting(t *testing.T) {
	env := newTestEnv(t)
	plan := env.create(t, domain.KindScalingPlan, "National rollout", planFields)
	ref := plan.Ref()
	if _, err := env.Engine.DecideBudget(env.Ctx, engine.BudgetDecisionInput{Ref: ref, ActorRole: domain.RoleFinanceOfficer, ActorID: "fo", Decision: domain.DecisionApproved}); err != nil {
		t.Fatal(err)
	}
	for _, unit := range []string{"north", "south"} {
		if _, err := env.Engine.RecordUnitProgress(env.Ctx, engine.UnitProgressInput{Ref: ref, UnitID: unit, Progress: 90}); err != nil {
			t.Fatal(err)
		}
	}
	_, err := env.Engine.DecideIntegration(env.Ctx, engine.IntegrationDecisionInput{Ref: ref, ActorID: "x", ActorRole: domain.RoleExecutive, Decision: domain.DecisionApproved, Checklist: allCriteria})
	var perm engine.PermissionError
	if !errors.As(err, &perm) {
		t.Fatalf("expected PermissionError, got %v", err)
	}
	rec, err := env.Engine.DecideIntegration(env.Ctx, engine.IntegrationDecisionInput{Ref: ref, ActorID: "dir", ActorRole: domain.RoleInnovationDirector, Decision: domain.DecisionRejected, Notes: "needs sustainability plan"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	p := planPayload(t, rec)
	if p.Stage != domain.StageExecuting || p.RevisionRequested != "integration" || p.IntegrationApproved {
		t.Fatalf("rejection should keep executing, got %+v", p)
	}
	if _, err := env.Engine.DecideIntegration(env.Ctx, engine.IntegrationDecisionInput{Ref: ref, ActorID: "dir", ActorRole: domain.RoleInnovationDirector, Decision: domain.DecisionApproved, Checklist: allCriteria}); err != nil {
		t.Fatalf("resubmitted integration should succeed: %v", err)
	}
}

func TestBudgetRejectionIsResubmittable(t *testing.T) {
	env := newTestEnv(t)
	plan := env.create(t, domain.KindScalingPlan, "National rollout", planFields)
	ref := plan.Ref()

	_, err := env.Engine.DecideBudget(env.Ctx, engine.BudgetDecisionInput{Ref: ref, ActorID: "pm", ActorRole: domain.RoleProgramManager, Decision: domain.DecisionApproved})
	var perm engine.PermissionError
	if !errors.As(err, &perm) {
		t.Fatalf("expected PermissionError, got %v", err)
	}
	rec, err := env.Engine.DecideBudget(env.Ctx, engine.BudgetDecisionInput{Ref: ref, ActorID: "fo", ActorRole: domain.RoleFinanceOfficer, Decision: domain.DecisionRejected, Comments: "too high"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if p := planPayload(t, rec); p.Stage != domain.StagePlanning || p.RevisionRequested != "budget" || p.BudgetApproved {
		t.Fatalf("unexpected plan after rejection %+v", p)
	}
	_, err = env.Engine.DecideBudget(env.Ctx, engine.BudgetDecisionInput{Ref: ref, ActorID: "fo", ActorRole: domain.RoleFinanceOfficer, Decision: domain.DecisionApproved})
	var stepErr engine.InvalidStepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("decision before resubmission should be InvalidStepError, got %v", err)
	}
	if _, err := env.Engine.ResubmitBudget(env.Ctx, engine.ResubmitBudgetInput{Ref: ref, ActorID: "pm", EstimatedBudget: 180000}); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	rec, err = env.Engine.DecideBudget(env.Ctx, engine.BudgetDecisionInput{Ref: ref, ActorID: "fo", ActorRole: domain.RoleFinanceOfficer, Decision: domain.DecisionApproved})
	if err != nil {
		t.Fatalf("approve after resubmission: %v", err)
	}
	p := planPayload(t, rec)
	if !p.BudgetApproved || p.EstimatedBudget != 180000 || len(p.GateDecisions) != 2 {
		t.Fatalf("unexpected plan %+v", p)
	}
	_, err = env.Engine.DecideBudget(env.Ctx, engine.BudgetDecisionInput{Ref: ref, ActorID: "fo", ActorRole: domain.RoleFinanceOfficer, Decision: domain.DecisionApproved})
	var already engine.AlreadyCompletedError
	if !errors.As(err, &already) {
		t.Fatalf("expected AlreadyCompletedError, got %v", err)
	}
}

func TestAdvancePhase(t *testing.T) {
	env := newTestEnv(t)
	plan := env.create(t, domain.KindScalingPlan, "National rollout", planFields)
	ref := plan.Ref()
	if _, err := env.Engine.DecideBudget(env.Ctx, engine.BudgetDecisionInput{Ref: ref, ActorID: "fo", ActorRole: domain.RoleFinanceOfficer, Decision: domain.DecisionApproved}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RecordUnitProgress(env.Ctx, engine.UnitProgressInput{Ref: ref, UnitID: "north", Progress: 100}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.AdvancePhase(env.Ctx, engine.PhaseInput{Ref: ref, ActorID: "pm"})
	var gate engine.GateError
	if !errors.As(err, &gate) || !strings.Contains(err.Error(), "south at 0%") {
		t.Fatalf("expected phase completion gate naming south, got %v", err)
	}
	if _, err := env.Engine.RecordUnitProgress(env.Ctx, engine.UnitProgressInput{Ref: ref, UnitID: "south", Progress: 100}); err != nil {
		t.Fatal(err)
	}
	rec, err := env.Engine.AdvancePhase(env.Ctx, engine.PhaseInput{Ref: ref, ActorID: "pm"})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	p := planPayload(t, rec)
	if p.Phases[0].Status != domain.PhaseCompleted || p.Phases[1].Status != domain.PhaseActive {
		t.Fatalf("unexpected phases %+v", p.Phases)
	}
	// east joins the denominator at 0.
	if p.RolloutProgress < 66.66 || p.RolloutProgress > 66.67 {
		t.Fatalf("expected rollout 66.67, got %v", p.RolloutProgress)
	}
	if _, err := env.Engine.RecordUnitProgress(env.Ctx, engine.UnitProgressInput{Ref: ref, UnitID: "east", Progress: 100}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AdvancePhase(env.Ctx, engine.PhaseInput{Ref: ref}); err != nil {
		t.Fatalf("complete last phase: %v", err)
	}
	_, err = env.Engine.AdvancePhase(env.Ctx, engine.PhaseInput{Ref: ref})
	var stepErr engine.InvalidStepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("expected InvalidStepError when all phases are done, got %v", err)
	}
}

func TestTransitionStatus(t *testing.T) {
	env := newTestEnv(t)
	pilot := env.create(t, domain.KindPilot, "District pilot", pilotFields)
	ref := pilot.Ref()
	rec, err := env.Engine.TransitionStatus(env.Ctx, engine.TransitionInput{Ref: ref, To: domain.StatusInReview, ActorID: "pm"})
	if err != nil || rec.Status != domain.StatusInReview {
		t.Fatalf("submit for review: %v", err)
	}
	if n := env.Notes.ofType(notify.TypeApprovalRequired); len(n) != 1 || n[0].Recipients[0] != string(domain.RoleProgramManager) {
		t.Fatalf("review submission should notify step 1 role, got %+v", n)
	}
	var stepErr engine.InvalidStepError
	for _, to := range []domain.Status{domain.StatusApproved, domain.StatusRejected, domain.StatusActive} {
		if _, err := env.Engine.TransitionStatus(env.Ctx, engine.TransitionInput{Ref: ref, To: to}); !errors.As(err, &stepErr) {
			t.Fatalf("transition to %s: expected InvalidStepError, got %v", to, err)
		}
	}
	env.approveAll(t, ref)
	for _, to := range []domain.Status{domain.StatusActive, domain.StatusCompleted, domain.StatusScalingEligible} {
		if _, err := env.Engine.TransitionStatus(env.Ctx, engine.TransitionInput{Ref: ref, To: to}); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	program := env.create(t, domain.KindProgram, "Smart mobility", `{"objective": "Cut commute times"}`)
	env.approveAll(t, program.Ref())
	if _, err := env.Engine.TransitionStatus(env.Ctx, engine.TransitionInput{Ref: program.Ref(), To: domain.StatusScalingEligible}); !errors.As(err, &stepErr) {
		t.Fatalf("program cannot become scaling eligible, got %v", err)
	}
}

func TestCreateEntityValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateEntity(env.Ctx, engine.CreateInput{Kind: domain.KindPilot, Title: "x", Fields: json.RawMessage(`{"objective": "o"}`)})
	var val engine.ValidationError
	if !errors.As(err, &val) || strings.Join(val.Fields, ",") != "sector,duration_months" {
		t.Fatalf("expected missing sector and duration, got %v", err)
	}
	_, err = env.Engine.CreateEntity(env.Ctx, engine.CreateInput{Kind: domain.Kind("idea"), Title: "x"})
	if !errors.As(err, &val) {
		t.Fatalf("unknown kind should be a ValidationError, got %v", err)
	}
	rec := env.create(t, domain.KindChallenge, "Noise", `{"problem_statement": "Night noise"}`)
	if rec.Version != 1 || rec.Status != domain.StatusDraft {
		t.Fatalf("unexpected new entity v%d %s", rec.Version, rec.Status)
	}
	_, err = env.Engine.CreateEntity(env.Ctx, engine.CreateInput{Kind: domain.KindChallenge, ID: rec.ID, Title: "dup", Fields: json.RawMessage(`{"problem_statement": "p"}`)})
	if !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestCreateEntityResetsGateState(t *testing.T) {
	env := newTestEnv(t)
	plan := env.create(t, domain.KindScalingPlan, "National rollout", `{
		"target_units": ["north", "south"],
		"phases": [{"phase_number": 1, "target_units": ["north", "south"], "duration_months": 6, "status": "completed"}],
		"estimated_budget": 250000,
		"budget_approved": true,
		"integration_approved": true,
		"stage": "integrated",
		"rollout_progress": 100,
		"units": [{"unit_id": "north", "progress": 100}],
		"gate_decisions": [{"gate": "budget", "decision": "approved", "actor": "someone"}]
	}`)
	p := planPayload(t, plan)
	if p.BudgetApproved || p.IntegrationApproved || p.Stage != domain.StagePlanning || p.RolloutProgress != 0 {
		t.Fatalf("gate state must not arrive through creation, got %+v", p)
	}
	if len(p.Units) != 0 || len(p.GateDecisions) != 0 || p.Phases[0].Status != domain.PhasePending {
		t.Fatalf("execution state must start empty, got %+v", p)
	}
	_, err := env.Engine.RecordUnitProgress(env.Ctx, engine.UnitProgressInput{Ref: plan.Ref(), UnitID: "north", Progress: 10})
	var gate engine.GateError
	if !errors.As(err, &gate) || gate.Gate != "budget" {
		t.Fatalf("expected budget gate, got %v", err)
	}
	_, err = env.Engine.DecideIntegration(env.Ctx, engine.IntegrationDecisionInput{Ref: plan.Ref(), ActorID: "dir", ActorRole: domain.RoleInnovationDirector, Decision: domain.DecisionApproved, Checklist: allCriteria})
	if !errors.As(err, &gate) || gate.Gate != "budget" {
		t.Fatalf("integration must stay behind the budget gate, got %v", err)
	}

	project := env.create(t, domain.KindRDProject, "Leak sensors", `{
		"research_question": "Can acoustic sensors locate pipe leaks?",
		"institution": "Tech University",
		"trl_current": 5,
		"pilot_ready": true,
		"trl_assessments": [{"level": 9, "confidence": 100, "assessed_by": "self"}],
		"milestones": [
			{"name": "Lab prototype", "requires_approval": true, "status": "completed", "approved_by": "nobody"},
			{"name": "Kickoff", "status": "completed"}
		]
	}`)
	rp := rdPayload(t, project)
	if rp.PilotReady || len(rp.TRLAssessments) != 0 {
		t.Fatalf("TRL history must start empty, got %+v", rp.TRLState)
	}
	if m := rp.Milestones[0]; m.Status != domain.MilestonePending || m.ApprovedBy != "" {
		t.Fatalf("approval-gated milestone must start pending, got %+v", m)
	}
	if m := rp.Milestones[1]; m.Status != domain.MilestoneCompleted {
		t.Fatalf("ungated milestone keeps its status, got %+v", m)
	}
	if _, err := env.Engine.ApproveMilestone(env.Ctx, engine.MilestoneApproval{
		Ref: project.Ref(), Milestone: "Lab prototype", ApproverName: "Dr. Osei", Evidence: []string{"s3://evidence/rd/lab-report.pdf"},
	}); err != nil {
		t.Fatalf("milestone should still be approvable: %v", err)
	}
}

func TestConvertResetsGateState(t *testing.T) {
	env := newTestEnv(t)
	project := env.create(t, domain.KindRDProject, "Leak sensors", rdFields)
	ref := project.Ref()
	if _, err := env.Engine.AssessTRL(env.Ctx, engine.TRLInput{Ref: ref, Level: 6, EvidenceText: "field trial", Confidence: 80, AssessorID: "tr"}); err != nil {
		t.Fatal(err)
	}
	fields := json.RawMessage(`{
		"objective": "Validate leak detection in one district",
		"sector": "water",
		"duration_months": 6,
		"trl_assessments": [{"level": 9, "confidence": 100, "assessed_by": "self"}],
		"milestones": [{"name": "Go live", "requires_approval": true, "status": "completed", "approved_by": "nobody", "approved_at": "2026-01-01T00:00:00Z"}]
	}`)
	res, err := env.Engine.Convert(env.Ctx, engine.ConvertRequest{Source: ref, Type: domain.ConversionToPilot, Fields: fields, ActorID: "pm"})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	pp := res.Target.Payload.(*domain.PilotPayload)
	if len(pp.TRLAssessments) != 0 || pp.TRLCurrent != 6 {
		t.Fatalf("pilot should inherit TRL 6 without injected history, got %+v", pp.TRLState)
	}
	if m := pp.Milestones[0]; m.Status != domain.MilestonePending || m.ApprovedBy != "" || m.ApprovedAt != "" {
		t.Fatalf("approval-gated milestone must start pending, got %+v", m)
	}
}

type failingSink struct{}

func (failingSink) Notify(context.Context, notify.Notification) error {
	return errors.New("mail relay down")
}

func TestNotificationFailureDoesNotAffectWrite(t *testing.T) {
	env := newTestEnv(t)
	d := notify.NewDispatcher(failingSink{}, 4, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	env.Engine.Notifier = d
	rec := env.create(t, domain.KindChallenge, "Noise", `{"problem_statement": "Night noise"}`)
	res, err := env.Engine.SubmitDecision(env.Ctx, engine.DecisionInput{Ref: rec.Ref(), ActorID: "ml", ActorRole: domain.RoleMunicipalityLead, Decision: domain.DecisionApproved})
	d.Close()
	if err != nil {
		t.Fatalf("decision must succeed despite sink failure: %v", err)
	}
	if got := env.get(t, rec.Ref()); got.Version != res.Entity.Version || len(got.Approvals) != 1 {
		t.Fatalf("write must persist, got v%d with %d approvals", got.Version, len(got.Approvals))
	}
}

func TestErrorCode(t *testing.T) {
	cases := map[string]error{
		"forbidden":         engine.PermissionError{},
		"invalid_step":      engine.InvalidStepError{},
		"already_completed": engine.AlreadyCompletedError{},
		"validation_failed": engine.ValidationError{},
		"gate_failed":       engine.GateError{},
		"stale_version":     &store.StaleVersionError{},
		"not_found":         store.ErrNotFound,
		"internal":          errors.New("boom"),
	}
	for want, err := range cases {
		if got := engine.ErrorCode(err); got != want {
			t.Fatalf("ErrorCode(%T) = %s, want %s", err, got, want)
		}
	}
}
