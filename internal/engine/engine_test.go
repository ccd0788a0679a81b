package engine_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"steward/internal/config"
	"steward/internal/db"
	"steward/internal/domain"
	"steward/internal/engine"
	"steward/internal/migrate"
	"steward/internal/repo"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
	now    time.Time
}

// Monday morning, so weekday and time-of-day buckets stay predictable.
var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("acme")
	env := &testEnv{Ctx: context.Background(), now: baseTime}
	env.Engine = engine.New(conn, cfg)
	env.Engine.Now = func() time.Time { return env.now }

	org := domain.Organization{
		ID: "acme", Name: "Acme", Region: "emea", Sector: "finance",
		AccountableRole: "sector_manager",
		CreatedAt:       baseTime.Format(time.RFC3339),
	}
	if err := env.Engine.Repo.InsertOrg(env.Ctx, org); err != nil {
		t.Fatalf("seed org: %v", err)
	}
	if err := env.Engine.Repo.UpsertEngineConfig(env.Ctx, "acme", cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	return env
}

func (env *testEnv) advance(d time.Duration) { env.now = env.now.Add(d) }

func (env *testEnv) addUser(t *testing.T, id, role string) {
	t.Helper()
	env.addUserIn(t, id, role, "acme", "emea")
}

func (env *testEnv) addUserIn(t *testing.T, id, role, orgID, region string) {
	t.Helper()
	u := domain.User{
		ID: id, Name: id, Role: role, OrgID: orgID, Region: region,
		Experience: "mid", Active: true,
		CreatedAt: env.now.Format(time.RFC3339),
	}
	if err := env.Engine.Repo.InsertUser(env.Ctx, u); err != nil {
		t.Fatalf("seed user %s: %v", id, err)
	}
}

func (env *testEnv) createTask(t *testing.T, id, category string, roles ...string) domain.WorkItem {
	t.Helper()
	item, err := env.Engine.CreateWorkItem(env.Ctx, engine.WorkItemCreateOptions{
		ID: id, Kind: domain.KindTask, Category: category, OrgID: "acme",
		RequiredRoles: roles, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create task %s: %v", id, err)
	}
	return item
}

func (env *testEnv) seedAssignment(t *testing.T, itemID, userID string, role domain.AssignmentRole) {
	t.Helper()
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	ts := env.now.Format(time.RFC3339)
	err = env.Engine.Repo.InsertAssignment(env.Ctx, tx, domain.Assignment{
		ID: itemID + "/" + userID, ItemID: itemID, UserID: userID,
		Role: role, Status: "assigned", CreatedAt: ts, UpdatedAt: ts,
	})
	if err != nil {
		t.Fatalf("seed assignment: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestCreateWorkItemValidation(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.Engine.CreateWorkItem(env.Ctx, engine.WorkItemCreateOptions{
		Kind: "epic", Category: "audit", OrgID: "acme",
	}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if _, err := env.Engine.CreateWorkItem(env.Ctx, engine.WorkItemCreateOptions{
		Kind: domain.KindTask, OrgID: "acme",
	}); err == nil {
		t.Fatal("expected error for missing category")
	}
	if _, err := env.Engine.CreateWorkItem(env.Ctx, engine.WorkItemCreateOptions{
		Kind: domain.KindTask, Category: "audit", OrgID: "ghost",
	}); err == nil {
		t.Fatal("expected error for unknown org")
	}
	planID := "p-parent"
	if _, err := env.Engine.CreateWorkItem(env.Ctx, engine.WorkItemCreateOptions{
		Kind: domain.KindPlan, Category: "audit", OrgID: "acme", PlanID: &planID,
	}); err == nil {
		t.Fatal("expected error for plan with a parent plan")
	}
	missing := "nope"
	if _, err := env.Engine.CreateWorkItem(env.Ctx, engine.WorkItemCreateOptions{
		Kind: domain.KindTask, Category: "audit", OrgID: "acme", PlanID: &missing,
	}); err == nil {
		t.Fatal("expected error for missing parent plan")
	}
	badDue := "tomorrow"
	if _, err := env.Engine.CreateWorkItem(env.Ctx, engine.WorkItemCreateOptions{
		Kind: domain.KindTask, Category: "audit", OrgID: "acme", DueAt: &badDue,
	}); err == nil {
		t.Fatal("expected error for malformed due date")
	}

	item := env.createTask(t, "t-ok", "audit")
	if item.Status != "pending" || item.Priority != "medium" {
		t.Fatalf("unexpected defaults: %+v", item)
	}
}

func TestAutoAssignPlanAppliesRules(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "sm-1", "sector_manager")
	env.addUser(t, "ca-1", "compliance_auditor")
	env.addUserIn(t, "rm-1", "regional_manager", "acme", "emea")

	fw := "iso-27001"
	plan, err := env.Engine.CreateWorkItem(env.Ctx, engine.WorkItemCreateOptions{
		ID: "plan-1", Kind: domain.KindPlan, Category: "audit", OrgID: "acme",
		FrameworkID: &fw, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}

	res, err := env.Engine.AutoAssignPlan(env.Ctx, plan.ID, "tester")
	if err != nil {
		t.Fatalf("auto-assign plan: %v", err)
	}
	if res.Bottleneck != nil {
		t.Fatalf("unexpected bottleneck: %+v", res.Bottleneck)
	}
	if len(res.Assignments) != 3 {
		t.Fatalf("want 3 assignments, got %d (trace %v)", len(res.Assignments), res.Trace)
	}
	if res.Assignments[0].UserID != "sm-1" || res.Assignments[0].Role != domain.RolePrimary {
		t.Fatalf("sector manager should be primary, got %+v", res.Assignments[0])
	}
	if res.Assignments[0].ResponsibilityTag != engine.TagSectorManager {
		t.Fatalf("wrong tag: %q", res.Assignments[0].ResponsibilityTag)
	}
	for _, a := range res.Assignments[1:] {
		if a.Role != domain.RoleSecondary {
			t.Fatalf("non-primary pick should be secondary: %+v", a)
		}
	}
	if res.SLA == nil || res.SLA.TargetHours != 30*24 {
		t.Fatalf("plan SLA should run 720h, got %+v", res.SLA)
	}
	if res.SLA.Status != domain.SLAOnTrack || res.SLA.CompliancePct != 100 {
		t.Fatalf("fresh SLA should be on_track at 100%%, got %+v", res.SLA)
	}

	got, err := env.Engine.Repo.GetWorkItem(env.Ctx, plan.ID)
	if err != nil || got.Status != "assigned" {
		t.Fatalf("plan should be assigned: %v %+v", err, got)
	}
}

func TestAutoAssignPlanSkipsAuditorWithoutFramework(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "sm-1", "sector_manager")
	env.addUser(t, "ca-1", "compliance_auditor")

	plan, err := env.Engine.CreateWorkItem(env.Ctx, engine.WorkItemCreateOptions{
		Kind: domain.KindPlan, Category: "review", OrgID: "acme", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	res, err := env.Engine.AutoAssignPlan(env.Ctx, plan.ID, "tester")
	if err != nil {
		t.Fatalf("auto-assign: %v", err)
	}
	for _, a := range res.Assignments {
		if a.UserID == "ca-1" {
			t.Fatal("auditor must not be picked without a framework reference")
		}
	}
}

func TestAutoAssignTaskPrefersLeastLoaded(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "busy", "compliance_auditor")
	env.addUser(t, "idle", "compliance_auditor")

	for _, id := range []string{"w-1", "w-2"} {
		env.createTask(t, id, "audit")
		env.seedAssignment(t, id, "busy", domain.RolePrimary)
	}

	task := env.createTask(t, "t-1", "audit", "compliance_auditor")
	res, err := env.Engine.AutoAssignTask(env.Ctx, task.ID, "tester")
	if err != nil {
		t.Fatalf("auto-assign task: %v", err)
	}
	if len(res.Assignments) != 1 {
		t.Fatalf("want 1 assignment, got %d", len(res.Assignments))
	}
	a := res.Assignments[0]
	if a.UserID != "idle" || a.Role != domain.RolePrimary {
		t.Fatalf("least-loaded auditor should win primary, got %+v", a)
	}
	if a.EstimatedHours == nil || *a.EstimatedHours <= 0 {
		t.Fatalf("assignment should carry an estimate, got %+v", a)
	}
	if res.SLA == nil || res.SLA.TargetHours != 8 {
		t.Fatalf("task SLA should run 8h, got %+v", res.SLA)
	}
}

func TestAutoAssignTaskInheritsPlanPrimary(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "sm-1", "sector_manager")
	env.addUser(t, "ca-1", "compliance_auditor")

	plan, err := env.Engine.CreateWorkItem(env.Ctx, engine.WorkItemCreateOptions{
		ID: "plan-1", Kind: domain.KindPlan, Category: "audit", OrgID: "acme", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if _, err := env.Engine.AutoAssignPlan(env.Ctx, plan.ID, "tester"); err != nil {
		t.Fatalf("assign plan: %v", err)
	}

	task, err := env.Engine.CreateWorkItem(env.Ctx, engine.WorkItemCreateOptions{
		Kind: domain.KindTask, Category: "audit", OrgID: "acme",
		PlanID: &plan.ID, RequiredRoles: []string{"compliance_auditor"}, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	res, err := env.Engine.AutoAssignTask(env.Ctx, task.ID, "tester")
	if err != nil {
		t.Fatalf("assign task: %v", err)
	}
	if len(res.Assignments) != 2 {
		t.Fatalf("want inherited primary plus auditor, got %d (%v)", len(res.Assignments), res.Trace)
	}
	if res.Assignments[0].UserID != "sm-1" ||
		res.Assignments[0].Role != domain.RolePrimary ||
		res.Assignments[0].ResponsibilityTag != engine.TagInherited {
		t.Fatalf("plan primary should carry over: %+v", res.Assignments[0])
	}
	if res.Assignments[1].UserID != "ca-1" || res.Assignments[1].Role != domain.RoleSecondary {
		t.Fatalf("auditor should be secondary: %+v", res.Assignments[1])
	}
}

func TestAutoAssignTaskFallsBackToAccountableRole(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "sm-1", "sector_manager")

	task := env.createTask(t, "t-1", "remediation", "analyst")
	res, err := env.Engine.AutoAssignTask(env.Ctx, task.ID, "tester")
	if err != nil {
		t.Fatalf("assign task: %v", err)
	}
	if len(res.Assignments) != 1 || res.Assignments[0].UserID != "sm-1" {
		t.Fatalf("accountable role should catch the task, got %+v", res.Assignments)
	}
	if res.Assignments[0].ResponsibilityTag != engine.TagAccountableRole {
		t.Fatalf("wrong tag: %q", res.Assignments[0].ResponsibilityTag)
	}
}

func TestAutoAssignReportsBottleneck(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "t-1", "audit", "compliance_auditor")

	res, err := env.Engine.AutoAssignTask(env.Ctx, task.ID, "tester")
	if err != nil {
		t.Fatalf("assign task: %v", err)
	}
	if res.Bottleneck == nil {
		t.Fatal("expected a bottleneck report")
	}
	if len(res.Assignments) != 0 {
		t.Fatalf("no assignment should be written: %+v", res.Assignments)
	}
	got, err := env.Engine.Repo.GetWorkItem(env.Ctx, task.ID)
	if err != nil || got.Status != "pending" {
		t.Fatalf("item must stay pending: %v %+v", err, got)
	}
	open, err := env.Engine.Repo.OpenBottlenecks(env.Ctx)
	if err != nil || len(open) != 1 {
		t.Fatalf("one open bottleneck expected: %v %+v", err, open)
	}

	// A later successful assignment resolves the bottleneck.
	env.addUser(t, "ca-1", "compliance_auditor")
	if _, err := env.Engine.AutoAssignTask(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatalf("second assign: %v", err)
	}
	open, err = env.Engine.Repo.OpenBottlenecks(env.Ctx)
	if err != nil || len(open) != 0 {
		t.Fatalf("bottleneck should be resolved: %v %+v", err, open)
	}
}

func TestSLAStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "ca-1", "compliance_auditor")
	task := env.createTask(t, "t-1", "audit", "compliance_auditor")
	if _, err := env.Engine.AutoAssignTask(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	env.advance(7 * time.Hour)
	rec, err := env.Engine.UpdateSLATracking(env.Ctx, domain.KindTask, task.ID)
	if err != nil {
		t.Fatalf("update sla: %v", err)
	}
	if rec.Status != domain.SLAAtRisk {
		t.Fatalf("1h of 8h left should be at_risk, got %s", rec.Status)
	}
	if rec.CompliancePct != 12.5 {
		t.Fatalf("compliance should be 12.5, got %v", rec.CompliancePct)
	}

	env.advance(3 * time.Hour)
	rec, err = env.Engine.UpdateSLATracking(env.Ctx, domain.KindTask, task.ID)
	if err != nil {
		t.Fatalf("update sla: %v", err)
	}
	if rec.Status != domain.SLABreached || rec.CompliancePct != 0 {
		t.Fatalf("expected breached at 0%%, got %+v", rec)
	}
	if rec.HoursOverdue != 2 || rec.HoursRemaining != 0 {
		t.Fatalf("want 2h overdue, got %+v", rec)
	}

	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "", "sla.status.changed", "", "")
	if err != nil || len(events) != 2 {
		t.Fatalf("two transitions should be logged: %v %+v", err, events)
	}
}

func TestUpdateSLATrackingUnknownItem(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.UpdateSLATracking(env.Ctx, domain.KindTask, "ghost"); err != repo.ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestCompleteItemFreezesCompliance(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "ca-1", "compliance_auditor")
	task := env.createTask(t, "t-1", "audit", "compliance_auditor")
	if _, err := env.Engine.AutoAssignTask(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	env.advance(2 * time.Hour)
	item, err := env.Engine.CompleteItem(env.Ctx, task.ID, "ca-1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if item.Status != "completed" || item.CompletedAt == nil {
		t.Fatalf("item should be completed: %+v", item)
	}

	records, err := env.Engine.Repo.ListSLARecordsByItem(env.Ctx, domain.KindTask, task.ID)
	if err != nil || len(records) != 1 {
		t.Fatalf("one SLA record expected: %v %+v", err, records)
	}
	rec := records[0]
	if rec.Status != domain.SLACompleted || rec.CompliancePct != 100 {
		t.Fatalf("on-time completion scores 100, got %+v", rec)
	}
	assignments, err := env.Engine.Repo.ListAssignmentsByItem(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("list assignments: %v", err)
	}
	for _, a := range assignments {
		if a.Status != "completed" {
			t.Fatalf("assignment should close with the item: %+v", a)
		}
	}

	// Completing again is a no-op, and the closed record is out of the sweep.
	if _, err := env.Engine.CompleteItem(env.Ctx, task.ID, "ca-1"); err != nil {
		t.Fatalf("second complete: %v", err)
	}
	updated, err := env.Engine.RecomputeAllSLA(env.Ctx)
	if err != nil || updated != 0 {
		t.Fatalf("sweep should skip terminal records: %v %d", err, updated)
	}
}

func TestCompleteItemLateKeepsZeroCompliance(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "ca-1", "compliance_auditor")
	task := env.createTask(t, "t-1", "audit", "compliance_auditor")
	if _, err := env.Engine.AutoAssignTask(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	env.advance(12 * time.Hour)
	if _, err := env.Engine.CompleteItem(env.Ctx, task.ID, "ca-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	records, err := env.Engine.Repo.ListSLARecordsByItem(env.Ctx, domain.KindTask, task.ID)
	if err != nil || len(records) != 1 {
		t.Fatalf("one SLA record expected: %v %+v", err, records)
	}
	rec := records[0]
	if rec.Status != domain.SLACompleted || rec.CompliancePct != 0 || rec.HoursOverdue != 4 {
		t.Fatalf("late completion keeps the breach numbers, got %+v", rec)
	}
}

func TestCancelItem(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "ca-1", "compliance_auditor")
	task := env.createTask(t, "t-1", "audit", "compliance_auditor")
	if _, err := env.Engine.AutoAssignTask(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	item, err := env.Engine.CancelItem(env.Ctx, task.ID, "tester")
	if err != nil || item.Status != "cancelled" {
		t.Fatalf("cancel: %v %+v", err, item)
	}
	records, err := env.Engine.Repo.ListSLARecordsByItem(env.Ctx, domain.KindTask, task.ID)
	if err != nil || len(records) != 1 || records[0].Status != domain.SLACancelled {
		t.Fatalf("SLA should be cancelled, not breached: %v %+v", err, records)
	}
	if _, err := env.Engine.CompleteItem(env.Ctx, task.ID, "tester"); err == nil ||
		!strings.Contains(err.Error(), "cancelled") {
		t.Fatalf("completing a cancelled item must fail, got %v", err)
	}
}

func TestOptimizeScheduling(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "an-1", "analyst")

	env.createTask(t, "t-1", "remediation")
	env.createTask(t, "t-2", "reporting")
	env.createTask(t, "t-3", "audit", "approver")

	report, err := env.Engine.OptimizeScheduling(env.Ctx)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if report.Considered != 3 || report.Assigned != 2 || report.Bottlenecks != 1 || report.Failed != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}

	for _, id := range []string{"t-1", "t-2"} {
		item, err := env.Engine.Repo.GetWorkItem(env.Ctx, id)
		if err != nil || item.Status != "assigned" {
			t.Fatalf("%s should be assigned: %v %+v", id, err, item)
		}
		if _, err := env.Engine.Repo.GetOpenSLARecord(env.Ctx, nil, domain.KindTask, id); err != nil {
			t.Fatalf("%s should have an open SLA record: %v", id, err)
		}
	}
	item, err := env.Engine.Repo.GetWorkItem(env.Ctx, "t-3")
	if err != nil || item.Status != "pending" {
		t.Fatalf("unassignable item stays pending: %v %+v", err, item)
	}
	open, err := env.Engine.Repo.OpenBottlenecks(env.Ctx)
	if err != nil || len(open) != 1 || open[0].ItemID != "t-3" {
		t.Fatalf("bottleneck row expected for t-3: %v %+v", err, open)
	}

	// A rerun only sees the leftover item.
	report, err = env.Engine.OptimizeScheduling(env.Ctx)
	if err != nil {
		t.Fatalf("second optimize: %v", err)
	}
	if report.Considered != 1 || report.Assigned != 0 {
		t.Fatalf("rerun should only revisit the bottlenecked item: %+v", report)	}
}

func TestOptimizeSchedulingHoldsSingleLock(t *testing.T) {
	env := newTestEnv(t)
	claimed, err := env.Engine.Repo.ClaimJobLock(env.Ctx, "assignment-batch", "someone-else", 10*time.Minute, env.now)
	if err != nil || !claimed {
		t.Fatalf("pre-claim lock: %v %v", err, claimed)
	}
	if _, err := env.Engine.OptimizeScheduling(env.Ctx); err != engine.ErrBatchInProgress {
		t.Fatalf("want ErrBatchInProgress, got %v", err)
	}
	if err := env.Engine.Repo.ReleaseJobLock(env.Ctx, "assignment-batch", "someone-else"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := env.Engine.OptimizeScheduling(env.Ctx); err != nil {
		t.Fatalf("optimize after release: %v", err)
	}
}

func TestOptimizerSpreadsLoadAcrossUsers(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "an-1", "analyst")
	env.addUser(t, "an-2", "analyst")

	for _, id := range []string{"t-1", "t-2"} {
		env.createTask(t, id, "remediation")
	}
	report, err := env.Engine.OptimizeScheduling(env.Ctx)
	if err != nil || report.Assigned != 2 {
		t.Fatalf("optimize: %v %+v", err, report)
	}
	byUser := map[string]int{}
	for _, d := range report.Decisions {
		byUser[d.UserID]++
	}
	if byUser["an-1"] != 1 || byUser["an-2"] != 1 {
		t.Fatalf("workload penalty should spread items, got %+v", byUser)
	}
}

func TestOptimizerReassignsStaleItem(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "an-1", "analyst")
	task := env.createTask(t, "t-1", "remediation")

	report, err := env.Engine.OptimizeScheduling(env.Ctx)
	if err != nil || report.Assigned != 1 {
		t.Fatalf("first optimize: %v %+v", err, report)
	}

	// The holder goes dark and another analyst comes online.
	if err := env.Engine.Repo.SetUserActive(env.Ctx, "an-1", false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	env.addUser(t, "an-2", "analyst")
	env.advance(3 * time.Hour)

	report, err = env.Engine.OptimizeScheduling(env.Ctx)
	if err != nil {
		t.Fatalf("second optimize: %v", err)
	}
	if report.Considered != 1 || report.Assigned != 1 || report.Failed != 0 {
		t.Fatalf("stale item should be reassigned: %+v", report)
	}
	d := report.Decisions[0]
	if d.UserID != "an-2" || d.TransferredFrom != "an-1" {
		t.Fatalf("want handover an-1 to an-2, got %+v", d)
	}

	assignments, err := env.Engine.Repo.ListAssignmentsByItem(env.Ctx, task.ID)
	if err != nil || len(assignments) != 2 {
		t.Fatalf("two rows expected after handover: %v %+v", err, assignments)
	}
	byUser := map[string]domain.Assignment{}
	for _, a := range assignments {
		byUser[a.UserID] = a
	}
	if a := byUser["an-1"]; a.Status != "transferred" {
		t.Fatalf("old holder should be transferred, got %+v", a)
	}
	if a := byUser["an-2"]; a.Role != domain.RolePrimary || a.Status != "assigned" {
		t.Fatalf("new holder should be the live primary, got %+v", a)
	}

	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "", "assignment.transferred", "", "")
	if err != nil || len(events) != 1 {
		t.Fatalf("handover should be logged once: %v %+v", err, events)
	}
}

func TestOptimizerKeepsStaleHolderWhenStillBest(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "an-1", "analyst")
	task := env.createTask(t, "t-1", "remediation")

	if _, err := env.Engine.OptimizeScheduling(env.Ctx); err != nil {
		t.Fatalf("first optimize: %v", err)
	}

	env.advance(3 * time.Hour)
	report, err := env.Engine.OptimizeScheduling(env.Ctx)
	if err != nil {
		t.Fatalf("second optimize: %v", err)
	}
	if report.Considered != 1 || report.Assigned != 1 {
		t.Fatalf("stale item should be re-confirmed: %+v", report)
	}
	if d := report.Decisions[0]; d.UserID != "an-1" || d.TransferredFrom != "" {
		t.Fatalf("item must stay with an-1, got %+v", d)
	}
	assignments, err := env.Engine.Repo.ListAssignmentsByItem(env.Ctx, task.ID)
	if err != nil || len(assignments) != 1 || assignments[0].Status != "assigned" {
		t.Fatalf("single live row expected: %v %+v", err, assignments)
	}

	// Re-confirming restarts the grace clock, so an immediate rerun
	// leaves the item alone.
	env.advance(time.Minute)
	report, err = env.Engine.OptimizeScheduling(env.Ctx)
	if err != nil || report.Considered != 0 {
		t.Fatalf("re-confirmed item must leave the queue: %v %+v", err, report)
	}
}

func TestOptimizerDoesNotDuplicateBottlenecks(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, "t-1", "audit", "approver")

	for i := 0; i < 3; i++ {
		report, err := env.Engine.OptimizeScheduling(env.Ctx)
		if err != nil || report.Bottlenecks != 1 {
			t.Fatalf("run %d: %v %+v", i, err, report)
		}
	}
	open, err := env.Engine.Repo.OpenBottlenecks(env.Ctx)
	if err != nil || len(open) != 1 {
		t.Fatalf("repeat runs must not pile up reports: %v %+v", err, open)
	}
}

func TestAutoAssignEstimateSeesWorkload(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "ca-1", "compliance_auditor")
	for _, id := range []string{"t-busy-1", "t-busy-2"} {
		env.createTask(t, id, "audit")
		env.seedAssignment(t, id, "ca-1", domain.RolePrimary)
	}
	task := env.createTask(t, "t-1", "audit", "compliance_auditor")

	res, err := env.Engine.AutoAssignTask(env.Ctx, task.ID, "tester")
	if err != nil || len(res.Assignments) != 1 {
		t.Fatalf("assign: %v %+v", err, res)
	}
	// audit base 8h, two active items add 10% each.
	got := res.Assignments[0].EstimatedHours
	if got == nil || *got < 9.59 || *got > 9.61 {
		t.Fatalf("estimate should reflect workload, got %v", got)
	}
}

func TestRebuildProfilesAndPatterns(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "ca-1", "compliance_auditor")

	for _, spec := range []struct {
		id    string
		hours time.Duration
	}{
		{"t-1", 4 * time.Hour}, {"t-2", 6 * time.Hour}, {"t-3", 2 * time.Hour},
	} {
		task := env.createTask(t, spec.id, "audit", "compliance_auditor")
		if _, err := env.Engine.AutoAssignTask(env.Ctx, task.ID, "tester"); err != nil {
			t.Fatalf("assign %s: %v", spec.id, err)
		}
		env.advance(spec.hours)
		if _, err := env.Engine.CompleteItem(env.Ctx, task.ID, "ca-1"); err != nil {
			t.Fatalf("complete %s: %v", spec.id, err)
		}
	}

	n, err := env.Engine.RebuildProfiles(env.Ctx)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if n != 1 {
		t.Fatalf("one profiled user expected, got %d", n)
	}
	p := env.Engine.Profile("ca-1")
	if p == nil {
		t.Fatal("profile missing")
	}
	if p.TotalCompleted != 3 || p.TotalAssigned != 3 {
		t.Fatalf("counts off: %+v", p)
	}
	if p.Reliability != 1 {
		t.Fatalf("all assignments completed, reliability should be 1: %v", p.Reliability)
	}
	cs, ok := p.Categories["audit"]
	if !ok || cs.Count != 3 {
		t.Fatalf("audit category stats missing: %+v", p.Categories)
	}
	if cs.SuccessRate != 1 {
		t.Fatalf("every completion beat its 8h window: %+v", cs)
	}

	patterns := env.Engine.Patterns()
	if patterns.Samples != 3 {
		t.Fatalf("3 samples expected, got %d", patterns.Samples)
	}
	found := false
	for _, pat := range patterns.Patterns {
		if pat.Key.Category == "audit" {
			found = true
			if pat.Stats.Count != 3 || pat.Stats.Median != 4 {
				t.Fatalf("audit bucket stats off: %+v", pat.Stats)
			}
		}
	}
	if !found {
		t.Fatal("audit bucket missing from patterns")
	}

	if env.Engine.Profile("ghost") != nil {
		t.Fatal("unknown user must have no profile")
	}
}
