package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"roofline/internal/config"
	"roofline/internal/db"
	"roofline/internal/engine"
	"roofline/internal/migrate"
	"roofline/internal/repo"
	"roofline/internal/stage"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "test", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func createJob(t *testing.T, env testEnv) string {
	t.Helper()
	j, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{
		ProjectID:    "proj-1",
		Kind:         "roof_replacement",
		Title:        "14 Oak St re-roof",
		CustomerName: "Dana Whitfield",
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if j.Stage != string(stage.StageInProgress) {
		t.Fatalf("new job stage = %s", j.Stage)
	}
	return j.ID
}

func satisfyWorkStartedGate(t *testing.T, env testEnv, jobID string) {
	t.Helper()
	if _, err := env.Engine.AttachDocument(env.Ctx, jobID, "contract", "signed.pdf", "tester"); err != nil {
		t.Fatalf("attach contract: %v", err)
	}
	if _, err := env.Engine.AttachDocument(env.Ctx, jobID, "permit", "permit.pdf", "tester"); err != nil {
		t.Fatalf("attach permit: %v", err)
	}
	if _, err := env.Engine.AttachPhoto(env.Ctx, jobID, "pre_work", "before", "tester"); err != nil {
		t.Fatalf("attach photo: %v", err)
	}
	if _, err := env.Engine.SetChecklistItem(env.Ctx, jobID, "safety_briefing", true, "", "tester"); err != nil {
		t.Fatalf("set checklist: %v", err)
	}
}

func strPtr(s string) *string { return &s }

func TestAdvanceBlockedWhenRequirementsMissing(t *testing.T) {
	env := newTestEnv(t)
	jobID := createJob(t, env)

	// crew-2 has no roles at all, so no override capability
	_, err := env.Engine.AdvanceJob(env.Ctx, engine.AdvanceOptions{JobID: jobID, ActorID: "crew-2"})
	var blocked engine.GateBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected GateBlockedError, got %v", err)
	}
	if blocked.GateKey != stage.GatePreWork {
		t.Fatalf("gate key = %s", blocked.GateKey)
	}
	if len(blocked.Missing.Documents) != 2 || blocked.Missing.Documents[0] != "contract" || blocked.Missing.Documents[1] != "permit" {
		t.Fatalf("missing documents = %v", blocked.Missing.Documents)
	}
	if len(blocked.Missing.Photos) != 1 || len(blocked.Missing.Checklists) != 1 {
		t.Fatalf("missing = %+v", blocked.Missing)
	}

	j, err := env.Engine.Repo.GetJob(env.Ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if j.Stage != string(stage.StageInProgress) {
		t.Fatalf("blocked advance changed stage to %s", j.Stage)
	}
}

func TestAdvanceAllowedWhenRequirementsMet(t *testing.T) {
	env := newTestEnv(t)
	jobID := createJob(t, env)
	satisfyWorkStartedGate(t, env, jobID)

	res, err := env.Engine.AdvanceJob(env.Ctx, engine.AdvanceOptions{JobID: jobID, ActorID: "crew-2"})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if res.Outcome.Decision != stage.DecisionAllowed {
		t.Fatalf("decision = %s", res.Outcome.Decision)
	}
	if res.Job.Stage != string(stage.StageWorkStarted) {
		t.Fatalf("stage = %s", res.Job.Stage)
	}
	if res.Bypass != nil {
		t.Fatal("allowed advance must not record a bypass")
	}
	bypasses, err := env.Engine.Repo.ListGateBypasses(env.Ctx, repo.BypassFilters{JobID: jobID})
	if err != nil {
		t.Fatal(err)
	}
	if len(bypasses) != 0 {
		t.Fatalf("unexpected bypass records: %d", len(bypasses))
	}
}

func TestAdvanceBypassRequiresOverrideCapability(t *testing.T) {
	env := newTestEnv(t)
	jobID := createJob(t, env)

	// crew_lead lacks gate.override, so even a reason does not bypass
	if err := env.Engine.GrantRole(env.Ctx, "proj-1", "crew-2", "crew_lead", "tester"); err != nil {
		t.Fatalf("grant role: %v", err)
	}
	_, err := env.Engine.AdvanceJob(env.Ctx, engine.AdvanceOptions{JobID: jobID, ActorID: "crew-2", BypassReason: strPtr("customer waiting")})
	var blocked engine.GateBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected GateBlockedError, got %v", err)
	}
}

func TestAdvanceBypassWithReason(t *testing.T) {
	env := newTestEnv(t)
	jobID := createJob(t, env)
	if err := env.Engine.GrantRole(env.Ctx, "proj-1", "pm-1", "production_manager", "tester"); err != nil {
		t.Fatalf("grant role: %v", err)
	}

	res, err := env.Engine.AdvanceJob(env.Ctx, engine.AdvanceOptions{
		JobID:        jobID,
		ActorID:      "pm-1",
		BypassReason: strPtr("approved by owner per phone call"),
	})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if res.Outcome.Decision != stage.DecisionBypassed {
		t.Fatalf("decision = %s", res.Outcome.Decision)
	}
	if res.Job.Stage != string(stage.StageWorkStarted) {
		t.Fatalf("stage = %s", res.Job.Stage)
	}
	if res.Bypass == nil {
		t.Fatal("expected bypass audit record")
	}
	if res.Bypass.GateKey != string(stage.GatePreWork) || res.Bypass.Reason != "approved by owner per phone call" || res.Bypass.RecordedBy != "pm-1" {
		t.Fatalf("bypass record = %+v", res.Bypass)
	}
	if res.Bypass.RecordedAt != "2026-03-01T09:00:00Z" {
		t.Fatalf("recorded_at = %s", res.Bypass.RecordedAt)
	}

	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT count(*) FROM events WHERE type='gate.bypassed' AND entity_id=?`, jobID)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	var count int
	rows.Next()
	rows.Scan(&count)
	if count != 1 {
		t.Fatalf("expected one gate.bypassed event, got %d", count)
	}
}

func TestAdvanceBypassRejectsBlankReason(t *testing.T) {
	env := newTestEnv(t)
	jobID := createJob(t, env)

	// tester holds owner, which carries gate.override
	_, err := env.Engine.AdvanceJob(env.Ctx, engine.AdvanceOptions{JobID: jobID, ActorID: "tester", BypassReason: strPtr("   ")})
	if !errors.Is(err, stage.ErrEmptyBypassReason) {
		t.Fatalf("expected ErrEmptyBypassReason, got %v", err)
	}
	j, _ := env.Engine.Repo.GetJob(env.Ctx, jobID)
	if j.Stage != string(stage.StageInProgress) {
		t.Fatalf("rejected bypass changed stage to %s", j.Stage)
	}
}

func TestAdvanceStopsAtFinalStage(t *testing.T) {
	env := newTestEnv(t)
	jobID := createJob(t, env)

	for i := 0; i < len(stage.Pipeline)-1; i++ {
		if _, err := env.Engine.AdvanceJob(env.Ctx, engine.AdvanceOptions{
			JobID:        jobID,
			ActorID:      "tester",
			BypassReason: strPtr("inspection pipeline rehearsal"),
		}); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	j, _ := env.Engine.Repo.GetJob(env.Ctx, jobID)
	if j.Stage != string(stage.StageInvoiced) {
		t.Fatalf("stage = %s", j.Stage)
	}
	if _, err := env.Engine.AdvanceJob(env.Ctx, engine.AdvanceOptions{JobID: jobID, ActorID: "tester", BypassReason: strPtr("x")}); err == nil {
		t.Fatal("expected error advancing past final stage")
	}
}

func TestFailedBypassWriteLeavesStageUnchanged(t *testing.T) {
	env := newTestEnv(t)
	jobID := createJob(t, env)

	if _, err := env.Engine.DB.ExecContext(env.Ctx, `DROP TABLE gate_bypasses`); err != nil {
		t.Fatalf("drop table: %v", err)
	}
	_, err := env.Engine.AdvanceJob(env.Ctx, engine.AdvanceOptions{
		JobID:        jobID,
		ActorID:      "tester",
		BypassReason: strPtr("testing audit failure"),
	})
	if err == nil {
		t.Fatal("expected bypass write failure")
	}
	j, _ := env.Engine.Repo.GetJob(env.Ctx, jobID)
	if j.Stage != string(stage.StageInProgress) {
		t.Fatalf("stage moved despite failed audit write: %s", j.Stage)
	}
}

func TestGateStatusReflectsAttachedArtifacts(t *testing.T) {
	env := newTestEnv(t)
	jobID := createJob(t, env)

	st, err := env.Engine.GateStatus(env.Ctx, jobID)
	if err != nil {
		t.Fatalf("gate status: %v", err)
	}
	if st.TargetStage != stage.StageWorkStarted || st.GateKey != stage.GatePreWork {
		t.Fatalf("status = %+v", st)
	}
	if st.Satisfied {
		t.Fatal("gate should not be satisfied yet")
	}

	if _, err := env.Engine.AttachDocument(env.Ctx, jobID, "contract", "", "tester"); err != nil {
		t.Fatal(err)
	}
	st, err = env.Engine.GateStatus(env.Ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Missing.Documents) != 1 || st.Missing.Documents[0] != "permit" {
		t.Fatalf("missing documents = %v", st.Missing.Documents)
	}

	satisfyWorkStartedGate(t, env, jobID)
	st, err = env.Engine.GateStatus(env.Ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Satisfied {
		t.Fatalf("expected satisfied gate, missing %+v", st.Missing)
	}
}

func TestUncheckingChecklistReblocksGate(t *testing.T) {
	env := newTestEnv(t)
	jobID := createJob(t, env)
	satisfyWorkStartedGate(t, env, jobID)

	if _, err := env.Engine.SetChecklistItem(env.Ctx, jobID, "safety_briefing", false, "crew swapped", "tester"); err != nil {
		t.Fatal(err)
	}
	st, err := env.Engine.GateStatus(env.Ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Satisfied || len(st.Missing.Checklists) != 1 {
		t.Fatalf("expected checklist to block again, got %+v", st.Missing)
	}
}

func TestAttachRejectsUnknownArtifactKind(t *testing.T) {
	env := newTestEnv(t)
	jobID := createJob(t, env)
	if _, err := env.Engine.AttachDocument(env.Ctx, jobID, "blueprints", "", "tester"); err == nil {
		t.Fatal("expected error for unknown document kind")
	}
	if _, err := env.Engine.AttachPhoto(env.Ctx, jobID, "drone_flyover", "", "tester"); err == nil {
		t.Fatal("expected error for unknown photo kind")
	}
}

func TestApprovalProgressAndApprove(t *testing.T) {
	env := newTestEnv(t)
	jobID := createJob(t, env)

	st, err := env.Engine.ApprovalStatus(env.Ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Progress.Count != 0 || st.Progress.Total != 4 || st.Progress.AllComplete {
		t.Fatalf("initial progress = %+v", st.Progress)
	}

	if _, err := env.Engine.ApproveJob(env.Ctx, jobID, "tester"); err == nil {
		t.Fatal("expected approval to fail while checklist incomplete")
	}

	st, err = env.Engine.SetApprovalFlag(env.Ctx, jobID, "contract", true, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if st.Progress.Count != 1 || st.Progress.Percent != 25 {
		t.Fatalf("progress after one flag = %+v", st.Progress)
	}

	for _, name := range []string{"estimate", "materials", "labor"} {
		if st, err = env.Engine.SetApprovalFlag(env.Ctx, jobID, name, true, "tester"); err != nil {
			t.Fatal(err)
		}
	}
	if !st.Progress.AllComplete || st.Progress.Percent != 100 {
		t.Fatalf("final progress = %+v", st.Progress)
	}

	j, err := env.Engine.ApproveJob(env.Ctx, jobID, "tester")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !j.Approved || j.ApprovedBy == nil || *j.ApprovedBy != "tester" {
		t.Fatalf("job after approve = %+v", j)
	}

	if _, err := env.Engine.SetApprovalFlag(env.Ctx, jobID, "warranty", true, "tester"); err == nil {
		t.Fatal("expected error for unknown approval flag")
	}
}

func TestRBACGrantRevokeWhoAmI(t *testing.T) {
	env := newTestEnv(t)

	profile, err := env.Engine.WhoAmI(env.Ctx, "proj-1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(profile.Roles) != 1 || profile.Roles[0] != "owner" {
		t.Fatalf("roles = %v", profile.Roles)
	}
	hasOverride := false
	for _, p := range profile.Permissions {
		if p == config.PermGateOverride {
			hasOverride = true
		}
	}
	if !hasOverride {
		t.Fatalf("owner permissions missing gate.override: %v", profile.Permissions)
	}

	if err := env.Engine.GrantRole(env.Ctx, "proj-1", "crew-2", "crew_lead", "tester"); err != nil {
		t.Fatal(err)
	}
	profile, _ = env.Engine.WhoAmI(env.Ctx, "proj-1", "crew-2")
	if len(profile.Roles) != 1 {
		t.Fatalf("roles = %v", profile.Roles)
	}
	if err := env.Engine.RevokeRole(env.Ctx, "proj-1", "crew-2", "crew_lead", "tester"); err != nil {
		t.Fatal(err)
	}
	profile, _ = env.Engine.WhoAmI(env.Ctx, "proj-1", "crew-2")
	if len(profile.Roles) != 0 {
		t.Fatalf("roles after revoke = %v", profile.Roles)
	}

	if err := env.Engine.GrantRole(env.Ctx, "proj-1", "crew-2", "astronaut", "tester"); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	jobID := createJob(t, env)
	satisfyWorkStartedGate(t, env, jobID)
	if _, err := env.Engine.AdvanceJob(env.Ctx, engine.AdvanceOptions{JobID: jobID, ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, "proj-1", "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	types := map[string]bool{}
	for _, e := range evts {
		types[e.Type] = true
	}
	for _, want := range []string{"project.created", "job.created", "artifact.added", "checklist.set", "job.advanced"} {
		if !types[want] {
			t.Fatalf("missing event type %s in %v", want, types)
		}
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	key, raw, err := env.Engine.CreateAPIKey(env.Ctx, "tester", "laptop")
	if err != nil {
		t.Fatal(err)
	}
	if raw == "" || key.KeyHash != repo.HashAPIKey(raw) {
		t.Fatal("raw key does not hash to stored value")
	}
	got, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(raw))
	if err != nil {
		t.Fatal(err)
	}
	if got.ActorID != "tester" {
		t.Fatalf("actor = %s", got.ActorID)
	}
}

func TestFailedInspectionHoldsApproval(t *testing.T) {
	env := newTestEnv(t)
	jobID := createJob(t, env)
	for _, name := range []string{"contract", "estimate", "materials", "labor"} {
		if _, err := env.Engine.SetApprovalFlag(env.Ctx, jobID, name, true, "tester"); err != nil {
			t.Fatal(err)
		}
	}

	in, err := env.Engine.RecordInspection(env.Ctx, jobID, "final_walkthrough", "failed", "loose flashing on ridge", []string{"flashing"}, "", "inspector-1")
	if err != nil {
		t.Fatalf("record inspection: %v", err)
	}
	if _, err := env.Engine.ApproveJob(env.Ctx, jobID, "tester"); err == nil {
		t.Fatal("expected approval to fail with a failed inspection outstanding")
	}

	if _, err := env.Engine.UpdateInspection(env.Ctx, in.ID, "passed", "flashing re-secured", nil, "", "inspector-1"); err != nil {
		t.Fatalf("update inspection: %v", err)
	}
	j, err := env.Engine.ApproveJob(env.Ctx, jobID, "tester")
	if err != nil {
		t.Fatalf("approve after resolving inspection: %v", err)
	}
	if !j.Approved {
		t.Fatal("job not approved")
	}

	items, err := env.Engine.Repo.ListInspections(env.Ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Status != "passed" || len(items[0].Issues) != 1 {
		t.Fatalf("inspections = %+v", items)
	}
}

func TestRecordInspectionRejectsBadStatus(t *testing.T) {
	env := newTestEnv(t)
	jobID := createJob(t, env)
	if _, err := env.Engine.RecordInspection(env.Ctx, jobID, "midpoint", "pending", "", nil, "", "tester"); err == nil {
		t.Fatal("expected error for invalid status")
	}
}

func TestCrewProfileUpsertListDelete(t *testing.T) {
	env := newTestEnv(t)

	cp, err := env.Engine.SetCrewProfile(env.Ctx, "proj-1", "crew-9", "shingles", "555-0142", "tester")
	if err != nil {
		t.Fatalf("set crew profile: %v", err)
	}
	if cp.Specialty != "shingles" {
		t.Fatalf("specialty = %s", cp.Specialty)
	}

	cp, err = env.Engine.SetCrewProfile(env.Ctx, "proj-1", "crew-9", "flat roof", "555-0142", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if cp.Specialty != "flat roof" {
		t.Fatalf("specialty after upsert = %s", cp.Specialty)
	}

	items, err := env.Engine.Repo.ListCrewProfiles(env.Ctx, "proj-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ActorID != "crew-9" {
		t.Fatalf("crew = %+v", items)
	}

	if err := env.Engine.Repo.DeleteCrewProfile(env.Ctx, "proj-1", "crew-9"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.DeleteCrewProfile(env.Ctx, "proj-1", "crew-9"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
