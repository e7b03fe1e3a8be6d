package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"regline/internal/agents"
	"regline/internal/audit"
	"regline/internal/config"
	"regline/internal/db"
	"regline/internal/domain"
	"regline/internal/engine"
	"regline/internal/migrate"
	"regline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

var tester = audit.Actor{ID: "tester", Type: domain.ActorHuman}

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
	cfg := config.Default("acme")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := eng.Repo.UpsertTenantConfig(ctx, "acme", cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func startCycle(t *testing.T, env testEnv) domain.Cycle {
	t.Helper()
	c, err := env.Engine.StartReportCycle(env.Ctx, engine.StartCycleOptions{
		ReportID:  "ffiec-031",
		PeriodEnd: "2026-03-31",
		Actor:     tester,
	})
	if err != nil {
		t.Fatalf("start cycle: %v", err)
	}
	return c
}

func completeRequiredSteps(t *testing.T, env testEnv, cycleID, phase string) {
	t.Helper()
	c, err := env.Engine.Repo.GetCycle(env.Ctx, cycleID)
	if err != nil {
		t.Fatalf("get cycle: %v", err)
	}
	for _, p := range c.Phases {
		if p.Name != phase {
			continue
		}
		for _, s := range p.Steps {
			if !s.IsRequired || s.Status == domain.StatusCompleted {
				continue
			}
			if _, err := env.Engine.CompleteStep(env.Ctx, engine.StepRef{CycleID: cycleID, Phase: phase, Position: s.Position}, "", tester); err != nil {
				t.Fatalf("complete step %s: %v", s.Name, err)
			}
		}
		return
	}
	t.Fatalf("phase %s not found", phase)
}

func TestStartCycleOpensFirstPhase(t *testing.T) {
	env := newTestEnv(t)
	c := startCycle(t, env)
	if c.Status != domain.CycleActive {
		t.Fatalf("expected active cycle, got %s", c.Status)
	}
	if c.CurrentPhase != "regulatory_intelligence" || c.CurrentStep != 0 {
		t.Fatalf("unexpected pointer %s/%d", c.CurrentPhase, c.CurrentStep)
	}
	if c.Phases[0].Status != domain.StatusInProgress {
		t.Fatalf("expected first phase in_progress, got %s", c.Phases[0].Status)
	}
	for _, p := range c.Phases[1:] {
		if p.Status != domain.StatusPending {
			t.Fatalf("expected phase %s pending, got %s", p.Name, p.Status)
		}
	}
}

func TestCompletePhaseRequiresRequiredSteps(t *testing.T) {
	env := newTestEnv(t)
	c := startCycle(t, env)
	_, err := env.Engine.CompletePhase(env.Ctx, c.ID, "regulatory_intelligence", tester)
	var incomplete *engine.IncompletePhaseError
	if !errors.As(err, &incomplete) {
		t.Fatalf("expected IncompletePhaseError, got %v", err)
	}
	if len(incomplete.MissingSteps) != 2 {
		t.Fatalf("expected 2 missing steps, got %v", incomplete.MissingSteps)
	}
	completeRequiredSteps(t, env, c.ID, "regulatory_intelligence")
	// the optional third step stays pending; completion must not need it
	c, err = env.Engine.CompletePhase(env.Ctx, c.ID, "regulatory_intelligence", tester)
	if err != nil {
		t.Fatalf("complete phase: %v", err)
	}
	if c.Phases[0].Status != domain.StatusCompleted {
		t.Fatalf("expected phase completed, got %s", c.Phases[0].Status)
	}
	if c.Phases[1].Status != domain.StatusInProgress {
		t.Fatalf("expected next phase opened, got %s", c.Phases[1].Status)
	}
	if c.CurrentPhase != "regulatory_intelligence" {
		t.Fatalf("phase pointer must not move on completion, got %s", c.CurrentPhase)
	}
}

func TestValidationErrorsBlockPhaseCompletion(t *testing.T) {
	env := newTestEnv(t)
	c := startCycle(t, env)
	errs := []string{"source feed unreachable"}
	if _, err := env.Engine.UpdateStep(env.Ctx, engine.StepRef{CycleID: c.ID, Phase: "regulatory_intelligence", Position: 0},
		engine.StepUpdateOptions{ValidationErrors: &errs}, tester); err != nil {
		t.Fatalf("update step: %v", err)
	}
	_, err := env.Engine.CompleteStep(env.Ctx, engine.StepRef{CycleID: c.ID, Phase: "regulatory_intelligence", Position: 0}, "", tester)
	if err == nil {
		t.Fatalf("expected completion refused while validation errors present")
	}
	_, err = env.Engine.CompletePhase(env.Ctx, c.ID, "regulatory_intelligence", tester)
	var incomplete *engine.IncompletePhaseError
	if !errors.As(err, &incomplete) || len(incomplete.ValidationErrors) == 0 {
		t.Fatalf("expected validation errors reported, got %v", err)
	}
	// clearing the errors unblocks the step
	empty := []string{}
	if _, err := env.Engine.UpdateStep(env.Ctx, engine.StepRef{CycleID: c.ID, Phase: "regulatory_intelligence", Position: 0},
		engine.StepUpdateOptions{ValidationErrors: &empty}, tester); err != nil {
		t.Fatalf("clear errors: %v", err)
	}
	if _, err := env.Engine.CompleteStep(env.Ctx, engine.StepRef{CycleID: c.ID, Phase: "regulatory_intelligence", Position: 0}, "", tester); err != nil {
		t.Fatalf("complete after clear: %v", err)
	}
}

func TestStepPointerAdvancesOnCurrentStep(t *testing.T) {
	env := newTestEnv(t)
	c := startCycle(t, env)
	c, err := env.Engine.CompleteStep(env.Ctx, engine.StepRef{CycleID: c.ID, Phase: "regulatory_intelligence", Position: 0}, `{"sources":3}`, tester)
	if err != nil {
		t.Fatalf("complete step: %v", err)
	}
	if c.CurrentStep != 1 {
		t.Fatalf("expected step pointer 1, got %d", c.CurrentStep)
	}
	// completing a step that is not the current one leaves the pointer alone
	c, err = env.Engine.CompleteStep(env.Ctx, engine.StepRef{CycleID: c.ID, Phase: "regulatory_intelligence", Position: 2}, "", tester)
	if err != nil {
		t.Fatalf("complete optional step: %v", err)
	}
	if c.CurrentStep != 1 {
		t.Fatalf("expected step pointer unchanged, got %d", c.CurrentStep)
	}
	_, err = env.Engine.CompleteStep(env.Ctx, engine.StepRef{CycleID: c.ID, Phase: "regulatory_intelligence", Position: 0}, "", tester)
	if err == nil {
		t.Fatalf("expected error completing an already completed step")
	}
}

func TestNavigation(t *testing.T) {
	env := newTestEnv(t)
	c := startCycle(t, env)
	completeRequiredSteps(t, env, c.ID, "regulatory_intelligence")
	if _, err := env.Engine.CompletePhase(env.Ctx, c.ID, "regulatory_intelligence", tester); err != nil {
		t.Fatalf("complete phase: %v", err)
	}
	// forward to the newly opened phase
	c, err := env.Engine.NavigateToPhase(env.Ctx, c.ID, "report_scoping", tester)
	if err != nil {
		t.Fatalf("navigate forward: %v", err)
	}
	if c.CurrentPhase != "report_scoping" || c.CurrentStep != 0 {
		t.Fatalf("unexpected pointer after navigation %s/%d", c.CurrentPhase, c.CurrentStep)
	}
	// back to the completed phase; its state is preserved
	c, err = env.Engine.NavigateToPhase(env.Ctx, c.ID, "regulatory_intelligence", tester)
	if err != nil {
		t.Fatalf("navigate back: %v", err)
	}
	if c.Phases[0].Status != domain.StatusCompleted {
		t.Fatalf("navigation must not change phase status, got %s", c.Phases[0].Status)
	}
	for _, s := range c.Phases[0].Steps {
		if s.IsRequired && s.Status != domain.StatusCompleted {
			t.Fatalf("navigation must preserve step state, %s is %s", s.Name, s.Status)
		}
	}
	// a pending phase is unreachable
	_, err = env.Engine.NavigateToPhase(env.Ctx, c.ID, "submission", tester)
	var denied *engine.NavigationDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected NavigationDeniedError, got %v", err)
	}
}

func TestCompletingAllPhasesCompletesCycle(t *testing.T) {
	env := newTestEnv(t)
	c := startCycle(t, env)
	for _, pt := range env.Engine.Config.Workflow.Phases {
		completeRequiredSteps(t, env, c.ID, pt.Name)
		var err error
		c, err = env.Engine.CompletePhase(env.Ctx, c.ID, pt.Name, tester)
		if err != nil {
			t.Fatalf("complete phase %s: %v", pt.Name, err)
		}
	}
	if c.Status != domain.CycleCompleted {
		t.Fatalf("expected completed cycle, got %s", c.Status)
	}
	if c.CompletedAt == nil {
		t.Fatalf("expected completion timestamp")
	}
	// Optional steps were left pending, so progress counts 17 of 20 steps.
	if got := engine.OverallProgress(c); got != 85 {
		t.Fatalf("expected 85%% progress, got %d", got)
	}
}

func TestOverallProgress(t *testing.T) {
	env := newTestEnv(t)
	c := startCycle(t, env)
	if got := engine.OverallProgress(c); got != 0 {
		t.Fatalf("expected zero progress, got %d", got)
	}
	completeRequiredSteps(t, env, c.ID, "regulatory_intelligence")
	c, err := env.Engine.CompletePhase(env.Ctx, c.ID, "regulatory_intelligence", tester)
	if err != nil {
		t.Fatalf("complete phase: %v", err)
	}
	// 2 of 20 steps completed rounds to 10 percent.
	if got := engine.OverallProgress(c); got != 10 {
		t.Fatalf("expected 10%% progress, got %d", got)
	}
	// Skipping the optional step shrinks the denominator to 19.
	c, err = env.Engine.UpdateStep(env.Ctx, engine.StepRef{CycleID: c.ID, Phase: "cde_identification", Position: 2}, engine.StepUpdateOptions{Skip: true}, tester)
	if err != nil {
		t.Fatalf("skip step: %v", err)
	}
	if got := engine.OverallProgress(c); got != 11 {
		t.Fatalf("expected 11%% progress, got %d", got)
	}
}

func TestCriticalIssuePausesImpactedCycles(t *testing.T) {
	env := newTestEnv(t)
	c := startCycle(t, env)
	other, err := env.Engine.StartReportCycle(env.Ctx, engine.StartCycleOptions{ReportID: "fr-y9c", PeriodEnd: "2026-03-31", Actor: tester})
	if err != nil {
		t.Fatalf("start second cycle: %v", err)
	}
	is, err := env.Engine.CreateIssueFromRuleFailure(env.Ctx, engine.RuleFailure{
		RuleName:        "balance_reconciliation",
		Detail:          "GL totals diverge from schedule RC",
		Severity:        domain.SeverityCritical,
		ImpactedReports: []string{"ffiec-031"},
	}, tester)
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}
	if !engine.IsBlocking(is) {
		t.Fatalf("expected new critical issue to block")
	}
	got, err := env.Engine.Repo.GetCycle(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.CyclePaused || got.PauseReason == "" || got.PausedAt == nil {
		t.Fatalf("expected impacted cycle paused with reason, got %s %q", got.Status, got.PauseReason)
	}
	untouched, err := env.Engine.Repo.GetCycle(env.Ctx, other.ID)
	if err != nil {
		t.Fatal(err)
	}
	if untouched.Status != domain.CycleActive {
		t.Fatalf("cycle for another report must stay active, got %s", untouched.Status)
	}
}

func TestNonCriticalIssueDoesNotPause(t *testing.T) {
	env := newTestEnv(t)
	c := startCycle(t, env)
	if _, err := env.Engine.CreateIssueFromRuleFailure(env.Ctx, engine.RuleFailure{
		RuleName:        "null_rate_threshold",
		Severity:        domain.SeverityHigh,
		ImpactedReports: []string{"ffiec-031"},
	}, tester); err != nil {
		t.Fatalf("create issue: %v", err)
	}
	got, err := env.Engine.Repo.GetCycle(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.CycleActive {
		t.Fatalf("expected cycle to stay active, got %s", got.Status)
	}
}

func TestCheckBlockingPausesLateCycle(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateIssueFromRuleFailure(env.Ctx, engine.RuleFailure{
		RuleName:        "balance_reconciliation",
		Severity:        domain.SeverityCritical,
		ImpactedReports: []string{"ffiec-031"},
	}, tester); err != nil {
		t.Fatal(err)
	}
	// a cycle started after the issue begins active; the check pauses it
	c := startCycle(t, env)
	if c.Status != domain.CycleActive {
		t.Fatalf("expected new cycle active, got %s", c.Status)
	}
	blocked, ids, err := env.Engine.CheckCriticalIssueBlocking(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("check blocking: %v", err)
	}
	if !blocked || len(ids) != 1 {
		t.Fatalf("expected blocked verdict naming one issue, got %v %v", blocked, ids)
	}
	got, err := env.Engine.Repo.GetCycle(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.CyclePaused || got.PauseReason == "" {
		t.Fatalf("expected check to pause the cycle, got %s %q", got.Status, got.PauseReason)
	}
	// a second check is idempotent on the already paused cycle
	blocked, _, err = env.Engine.CheckCriticalIssueBlocking(env.Ctx, c.ID)
	if err != nil || !blocked {
		t.Fatalf("repeat check: %v %v", blocked, err)
	}
}

func TestCheckBlockingLeavesClearCycleUntouched(t *testing.T) {
	env := newTestEnv(t)
	c := startCycle(t, env)
	blocked, ids, err := env.Engine.CheckCriticalIssueBlocking(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("check blocking: %v", err)
	}
	if blocked || ids != nil {
		t.Fatalf("expected clear verdict, got %v %v", blocked, ids)
	}
	got, err := env.Engine.Repo.GetCycle(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.CycleActive {
		t.Fatalf("clear check must not touch the cycle, got %s", got.Status)
	}
}

func TestAssigneeResolvedFromCDEOwner(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC().Format(time.RFC3339)
	if err := env.Engine.Repo.InsertCDE(env.Ctx, tester, domain.CDE{
		ID:        "cde-total-assets",
		TenantID:  "acme",
		Name:      "Total Assets",
		Owner:     "treasury-data-office",
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("insert cde: %v", err)
	}
	is, err := env.Engine.CreateIssueFromRuleFailure(env.Ctx, engine.RuleFailure{
		RuleName:     "null_rate_threshold",
		Severity:     domain.SeverityHigh,
		ImpactedCDEs: []string{"cde-total-assets"},
	}, tester)
	if err != nil {
		t.Fatal(err)
	}
	if is.Assignee != "treasury-data-office" {
		t.Fatalf("expected CDE owner as assignee, got %q", is.Assignee)
	}
	// unknown CDEs fall back to the configured default
	is, err = env.Engine.CreateIssueFromRuleFailure(env.Ctx, engine.RuleFailure{
		RuleName:     "format_check",
		Severity:     domain.SeverityLow,
		ImpactedCDEs: []string{"cde-missing"},
	}, tester)
	if err != nil {
		t.Fatal(err)
	}
	if is.Assignee != env.Engine.Config.Issues.DefaultAssignee {
		t.Fatalf("expected default assignee, got %q", is.Assignee)
	}
}

func TestResumeRechecksBlocking(t *testing.T) {
	env := newTestEnv(t)
	c := startCycle(t, env)
	is, err := env.Engine.CreateIssueFromRuleFailure(env.Ctx, engine.RuleFailure{
		RuleName:        "balance_reconciliation",
		Severity:        domain.SeverityCritical,
		ImpactedReports: []string{"ffiec-031"},
	}, tester)
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.ResumeCycle(env.Ctx, c.ID, tester)
	var blocked *engine.StillBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected StillBlockedError, got %v", err)
	}
	if len(blocked.IssueIDs) != 1 || blocked.IssueIDs[0] != is.ID {
		t.Fatalf("expected the blocking issue named, got %v", blocked.IssueIDs)
	}
	// a paused cycle refuses step work
	if _, err := env.Engine.CompleteStep(env.Ctx, engine.StepRef{CycleID: c.ID, Phase: "regulatory_intelligence", Position: 0}, "", tester); err == nil {
		t.Fatalf("expected paused cycle to refuse step completion")
	}
	// walk the issue to verified, then resume succeeds
	for _, status := range []string{domain.IssueTriaged, domain.IssueAnalyzing, domain.IssueResolving, domain.IssuePendingVerification, domain.IssueVerified} {
		if is, err = env.Engine.UpdateIssueStatus(env.Ctx, is.ID, status, tester); err != nil {
			t.Fatalf("issue to %s: %v", status, err)
		}
	}
	resumed, err := env.Engine.ResumeCycle(env.Ctx, c.ID, tester)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != domain.CycleActive || resumed.PauseReason != "" || resumed.PausedAt != nil {
		t.Fatalf("expected clean active cycle, got %+v", resumed)
	}
}

func TestEscalationUnblocks(t *testing.T) {
	env := newTestEnv(t)
	c := startCycle(t, env)
	is, err := env.Engine.CreateIssueFromRuleFailure(env.Ctx, engine.RuleFailure{
		RuleName: "lineage_gap",
		Severity: domain.SeverityCritical,
	}, tester)
	if err != nil {
		t.Fatal(err)
	}
	// critical creation escalates immediately but leaves the issue open
	if is.EscalationLevel != 1 || is.EscalatedAt == nil || is.Status != domain.IssueOpen {
		t.Fatalf("expected escalated-at-creation open issue, got %+v", is)
	}
	is, err = env.Engine.UpdateIssueStatus(env.Ctx, is.ID, domain.IssueEscalated, tester)
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if is.EscalationLevel != 2 || is.EscalatedAt == nil {
		t.Fatalf("expected escalation recorded, got %+v", is)
	}
	if engine.IsBlocking(is) {
		t.Fatalf("escalated issue must not block")
	}
	if _, err := env.Engine.ResumeCycle(env.Ctx, c.ID, tester); err != nil {
		t.Fatalf("resume after escalation: %v", err)
	}
}

func TestIssueTransitionGuard(t *testing.T) {
	env := newTestEnv(t)
	is, err := env.Engine.CreateIssueFromRuleFailure(env.Ctx, engine.RuleFailure{
		RuleName: "format_check",
		Severity: domain.SeverityLow,
	}, tester)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateIssueStatus(env.Ctx, is.ID, domain.IssueVerified, tester); err == nil {
		t.Fatalf("expected open -> verified refused")
	}
	for _, status := range []string{domain.IssueTriaged, domain.IssueAnalyzing, domain.IssueResolving, domain.IssuePendingVerification, domain.IssueVerified, domain.IssueClosed} {
		if is, err = env.Engine.UpdateIssueStatus(env.Ctx, is.ID, status, tester); err != nil {
			t.Fatalf("to %s: %v", status, err)
		}
	}
	if _, err := env.Engine.UpdateIssueStatus(env.Ctx, is.ID, domain.IssueEscalated, tester); err == nil {
		t.Fatalf("closed must be terminal")
	}
}

func TestAuditTrailCoversCycleMutations(t *testing.T) {
	env := newTestEnv(t)
	c := startCycle(t, env)
	completeRequiredSteps(t, env, c.ID, "regulatory_intelligence")
	if _, err := env.Engine.CompletePhase(env.Ctx, c.ID, "regulatory_intelligence", tester); err != nil {
		t.Fatal(err)
	}
	// create + 2 step completions + 2 pointer moves + 2 phase updates
	n, err := env.Engine.Audit.CountForEntity(env.Ctx, "acme", "cycle", c.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n < 7 {
		t.Fatalf("expected at least 7 audit entries, got %d", n)
	}
	entries, err := env.Engine.Audit.Query(env.Ctx, audit.Filters{TenantID: "acme", EntityType: "cycle", EntityID: c.ID})
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Seq <= entries[i-1].Seq {
			t.Fatalf("entries out of order at %d", i)
		}
	}
	if entries[0].Action != "create" || entries[0].PreviousState != nil {
		t.Fatalf("create entry must have no previous state")
	}
	// another tenant sees nothing
	foreign, err := env.Engine.Audit.Query(env.Ctx, audit.Filters{TenantID: "globex", EntityType: "cycle", EntityID: c.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(foreign) != 0 {
		t.Fatalf("expected tenant isolation, got %d entries", len(foreign))
	}
}

func TestCycleNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CompletePhase(env.Ctx, "missing", "regulatory_intelligence", tester)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTriggerAgentAudited(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.TriggerAgent(env.Ctx, engine.AgentRequest{
		AgentName: agents.CDEIdentification,
		SessionID: "sess-a1",
		Actor:     tester,
	}); err != nil {
		t.Fatalf("trigger agent: %v", err)
	}
	entries, err := env.Engine.Audit.Query(env.Ctx, audit.Filters{TenantID: "acme", EntityType: "agent_run"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one agent_run audit entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Action != "create" || entry.Actor != "tester" || entry.EntityID == "" {
		t.Fatalf("unexpected audit entry %+v", entry)
	}
	// the entry references the same dispatch the tool call log holds
	calls, err := env.Engine.ToolLog.BySession(env.Ctx, "acme", "sess-a1")
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 || calls[0].ID != entry.EntityID {
		t.Fatalf("expected audit entry to reference the logged call, got %+v vs %+v", entry.EntityID, calls)
	}
}
