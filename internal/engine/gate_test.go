package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"regline/internal/audit"
	"regline/internal/config"
	"regline/internal/domain"
	"regline/internal/engine"
)

const rationale = "verified against source data and prior period"

func TestCriticalToolParksBehindGate(t *testing.T) {
	env := newTestEnv(t)
	executed := false
	env.Engine.Exec = func(ctx context.Context, toolName, tenantID string, params map[string]any) (any, error) {
		executed = true
		return nil, nil
	}
	res, err := env.Engine.ExecuteTool(env.Ctx, engine.ToolRequest{
		ToolName:  "submit_report",
		Params:    map[string]any{"report_id": "ffiec-031", "period_end": "2026-03-31"},
		Actor:     tester,
		SessionID: "sess-1",
	})
	if err != nil {
		t.Fatalf("execute tool: %v", err)
	}
	if res.Status != engine.ResultPending || res.Code != engine.HumanApprovalRequired || res.ActionID == "" {
		t.Fatalf("expected pending approval result, got %+v", res)
	}
	if executed {
		t.Fatalf("critical tool must not execute before approval")
	}
	pending, err := env.Engine.ListPendingActions(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != res.ActionID {
		t.Fatalf("expected one pending action, got %v", pending)
	}
	calls, err := env.Engine.ToolLog.BySession(env.Ctx, "acme", "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 || calls[0].Status != engine.ResultPending || !calls[0].DisplayedToUser {
		t.Fatalf("expected one visible pending tool call, got %v", calls)
	}
}

func TestApprovalExecutesTool(t *testing.T) {
	env := newTestEnv(t)
	var gotParams map[string]any
	env.Engine.Exec = func(ctx context.Context, toolName, tenantID string, params map[string]any) (any, error) {
		gotParams = params
		return map[string]any{"receipt": "sub-42"}, nil
	}
	res, err := env.Engine.ExecuteTool(env.Ctx, engine.ToolRequest{
		ToolName: "submit_report",
		Params:   map[string]any{"report_id": "ffiec-031", "period_end": "2026-03-31"},
		Actor:    tester,
	})
	if err != nil {
		t.Fatal(err)
	}
	d, out, err := env.Engine.ProcessDecision(env.Ctx, engine.DecisionRequest{
		ActionID:  res.ActionID,
		Decision:  domain.DecisionApproved,
		Rationale: rationale,
		Actor:     tester,
	})
	if err != nil {
		t.Fatalf("process decision: %v", err)
	}
	if gotParams["report_id"] != "ffiec-031" {
		t.Fatalf("expected original params, got %v", gotParams)
	}
	if out.Status != engine.ResultCompleted || d.ResultJSON == nil {
		t.Fatalf("expected executed result, got %+v %+v", out, d)
	}
	ok, err := env.Engine.IsApproved(env.Ctx, res.ActionID)
	if err != nil || !ok {
		t.Fatalf("expected approved action: %v", err)
	}
	// second decision on a decided action fails
	if _, _, err := env.Engine.ProcessDecision(env.Ctx, engine.DecisionRequest{
		ActionID:  res.ActionID,
		Decision:  domain.DecisionRejected,
		Rationale: rationale,
		Actor:     tester,
	}); err == nil {
		t.Fatalf("expected immutability of decided action")
	}
}

func TestApprovalWithChangesMergesParams(t *testing.T) {
	env := newTestEnv(t)
	var gotParams map[string]any
	env.Engine.Exec = func(ctx context.Context, toolName, tenantID string, params map[string]any) (any, error) {
		gotParams = params
		return nil, nil
	}
	res, err := env.Engine.ExecuteTool(env.Ctx, engine.ToolRequest{
		ToolName: "send_regulator_communication",
		Params:   map[string]any{"recipient": "occ", "subject": "Q1 filing", "cc": "legal"},
		Actor:    tester,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.ProcessDecision(env.Ctx, engine.DecisionRequest{
		ActionID:      res.ActionID,
		Decision:      domain.DecisionApprovedWithChanges,
		Rationale:     rationale,
		ChangedParams: map[string]any{"subject": "Q1 filing (restated)"},
		Actor:         tester,
	}); err != nil {
		t.Fatalf("process decision: %v", err)
	}
	if gotParams["subject"] != "Q1 filing (restated)" {
		t.Fatalf("expected changed param applied, got %v", gotParams["subject"])
	}
	if gotParams["recipient"] != "occ" || gotParams["cc"] != "legal" {
		t.Fatalf("expected untouched params preserved, got %v", gotParams)
	}
}

func TestRejectionNeverExecutes(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Exec = func(ctx context.Context, toolName, tenantID string, params map[string]any) (any, error) {
		t.Fatalf("rejected tool must not run")
		return nil, nil
	}
	res, err := env.Engine.ExecuteTool(env.Ctx, engine.ToolRequest{
		ToolName: "close_critical_issue",
		Params:   map[string]any{"issue_id": "is-1"},
		Actor:    tester,
	})
	if err != nil {
		t.Fatal(err)
	}
	d, out, err := env.Engine.ProcessDecision(env.Ctx, engine.DecisionRequest{
		ActionID:  res.ActionID,
		Decision:  domain.DecisionRejected,
		Rationale: rationale,
		Actor:     tester,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != domain.GateRejected || d.ResultJSON != nil {
		t.Fatalf("expected rejection without result, got %+v %+v", out, d)
	}
	a, err := env.Engine.Repo.GetGateAction(env.Ctx, res.ActionID)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != domain.GateRejected || a.DecidedAt == nil {
		t.Fatalf("expected rejected action, got %+v", a)
	}
}

func TestRationaleMinimumLength(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.ExecuteTool(env.Ctx, engine.ToolRequest{
		ToolName: "submit_report",
		Params:   map[string]any{"report_id": "ffiec-031", "period_end": "2026-03-31"},
		Actor:    tester,
	})
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = env.Engine.ProcessDecision(env.Ctx, engine.DecisionRequest{
		ActionID:  res.ActionID,
		Decision:  domain.DecisionApproved,
		Rationale: "   ok    ",
		Actor:     tester,
	})
	var short *engine.InsufficientRationaleError
	if !errors.As(err, &short) {
		t.Fatalf("expected InsufficientRationaleError, got %v", err)
	}
	if short.Min != 10 || short.Got != 2 {
		t.Fatalf("expected trimmed length check, got %+v", short)
	}
	// the action stays pending and can still be decided
	pending, err := env.Engine.ListPendingActions(env.Ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected action still pending: %v %v", pending, err)
	}
}

func TestCancelPendingAction(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.ExecuteTool(env.Ctx, engine.ToolRequest{
		ToolName: "submit_report",
		Params:   map[string]any{"report_id": "ffiec-031", "period_end": "2026-03-31"},
		Actor:    tester,
	})
	if err != nil {
		t.Fatal(err)
	}
	a, err := env.Engine.CancelAction(env.Ctx, res.ActionID, "wrong reporting period selected", tester)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if a.Status != domain.GateCancelled {
		t.Fatalf("expected cancelled, got %s", a.Status)
	}
	// cancellation records a terminal rejection carrying the reason
	d, err := env.Engine.Repo.GetDecision(env.Ctx, res.ActionID)
	if err != nil {
		t.Fatalf("get decision: %v", err)
	}
	if d.Decision != domain.DecisionRejected || !strings.Contains(d.Rationale, "wrong reporting period selected") {
		t.Fatalf("expected rejection embedding the reason, got %+v", d)
	}
	if ok, err := env.Engine.IsApproved(env.Ctx, res.ActionID); err != nil || ok {
		t.Fatalf("cancelled action must not read as approved: %v %v", ok, err)
	}
	if _, _, err := env.Engine.ProcessDecision(env.Ctx, engine.DecisionRequest{
		ActionID:  res.ActionID,
		Decision:  domain.DecisionApproved,
		Rationale: rationale,
		Actor:     tester,
	}); err == nil {
		t.Fatalf("expected decision on cancelled action refused")
	}
}

func TestNonCriticalToolExecutesImmediately(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.ExecuteTool(env.Ctx, engine.ToolRequest{
		ToolName:  "run_quality_rules",
		Params:    map[string]any{"scope": "schedule-rc"},
		Actor:     tester,
		SessionID: "sess-2",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != engine.ResultCompleted || res.ActionID != "" {
		t.Fatalf("expected immediate completion, got %+v", res)
	}
	calls, err := env.Engine.ToolLog.BySession(env.Ctx, "acme", "sess-2")
	if err != nil || len(calls) != 1 {
		t.Fatalf("expected one logged call: %v %v", calls, err)
	}
	if calls[0].Status != engine.ResultCompleted {
		t.Fatalf("expected completed call, got %s", calls[0].Status)
	}
}

func TestUnknownToolRefused(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ExecuteTool(env.Ctx, engine.ToolRequest{ToolName: "drop_tables", Actor: tester}); err == nil {
		t.Fatalf("expected unknown tool refused")
	}
	if !env.Engine.RequiresApproval("drop_tables") {
		t.Fatalf("unknown tools must be treated as gated")
	}
}

func TestMissingRequiredParams(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ExecuteTool(env.Ctx, engine.ToolRequest{
		ToolName: "submit_report",
		Params:   map[string]any{"report_id": "ffiec-031"},
		Actor:    tester,
	})
	if err == nil {
		t.Fatalf("expected missing param error")
	}
}

func TestBlockedCycleRefusesToolCalls(t *testing.T) {
	env := newTestEnv(t)
	c := startCycle(t, env)
	if _, err := env.Engine.CreateIssueFromRuleFailure(env.Ctx, engine.RuleFailure{
		RuleName:        "balance_reconciliation",
		Severity:        domain.SeverityCritical,
		ImpactedReports: []string{"ffiec-031"},
	}, tester); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.ExecuteTool(env.Ctx, engine.ToolRequest{
		ToolName: "run_quality_rules",
		CycleID:  c.ID,
		Actor:    tester,
	})
	var blocked *engine.CriticalIssueBlockingError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected CriticalIssueBlockingError, got %v", err)
	}
	if len(blocked.IssueIDs) != 1 {
		t.Fatalf("expected blocking issue named, got %v", blocked.IssueIDs)
	}
}

func TestConfigToolOverride(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Gates.Tools = []config.ToolConfig{
		{Name: "run_quality_rules", Critical: true},
		{Name: "refresh_lineage_graph", Critical: false},
	}
	if !env.Engine.RequiresApproval("run_quality_rules") {
		t.Fatalf("config must be able to gate a built-in tool")
	}
	res, err := env.Engine.ExecuteTool(env.Ctx, engine.ToolRequest{ToolName: "refresh_lineage_graph", Actor: tester})
	if err != nil {
		t.Fatalf("config-registered tool: %v", err)
	}
	if res.Status != engine.ResultCompleted {
		t.Fatalf("expected immediate completion, got %+v", res)
	}
}

func TestAgentCannotDecideGate(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.ExecuteTool(env.Ctx, engine.ToolRequest{
		ToolName: "submit_report",
		Params:   map[string]any{"report_id": "ffiec-031", "period_end": "2026-03-31"},
		Actor:    tester,
	})
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = env.Engine.ProcessDecision(env.Ctx, engine.DecisionRequest{
		ActionID:  res.ActionID,
		Decision:  domain.DecisionApproved,
		Rationale: rationale,
		Actor:     audit.Actor{ID: "agent-7", Type: domain.ActorAgent},
	})
	var reviewer *engine.HumanReviewerRequiredError
	if !errors.As(err, &reviewer) {
		t.Fatalf("expected HumanReviewerRequiredError, got %v", err)
	}
	pending, err := env.Engine.ListPendingActions(env.Ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("action must stay pending after refused decision: %v %d", err, len(pending))
	}
}

func TestZeroMinRationaleDisablesCheck(t *testing.T) {
	env := newTestEnv(t)
	zero := 0
	env.Engine.Config.Gates.MinRationaleLength = &zero
	res, err := env.Engine.ExecuteTool(env.Ctx, engine.ToolRequest{
		ToolName: "close_critical_issue",
		Params:   map[string]any{"issue_id": "iss-9"},
		Actor:    tester,
	})
	if err != nil {
		t.Fatal(err)
	}
	d, _, err := env.Engine.ProcessDecision(env.Ctx, engine.DecisionRequest{
		ActionID:  res.ActionID,
		Decision:  domain.DecisionRejected,
		Rationale: "",
		Actor:     tester,
	})
	if err != nil {
		t.Fatalf("zero minimum must accept an empty rationale: %v", err)
	}
	if d.Decision != domain.DecisionRejected {
		t.Fatalf("decision = %q", d.Decision)
	}
}
