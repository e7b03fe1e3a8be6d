package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"regline/internal/audit"
	"regline/internal/domain"
)

// ToolSpec describes one tool in the closed registry. Critical tools
// never execute without an approved gate action.
type ToolSpec struct {
	Name           string
	Critical       bool
	RequiredParams []string
}

// The built-in tool registry. Tenant config may override criticality or
// required parameters and may register additional tools, but an unknown
// tool name is always refused.
var builtinTools = []ToolSpec{
	{Name: "submit_report", Critical: true, RequiredParams: []string{"report_id", "period_end"}},
	{Name: "send_regulator_communication", Critical: true, RequiredParams: []string{"recipient", "subject"}},
	{Name: "close_critical_issue", Critical: true, RequiredParams: []string{"issue_id"}},
	{Name: "update_cde_register", Critical: false, RequiredParams: []string{"cde_id"}},
	{Name: "run_quality_rules", Critical: false},
	{Name: "annotate_entity", Critical: false, RequiredParams: []string{"entity_type", "entity_id", "text"}},
}

// HumanApprovalRequired is the result code returned when a critical tool
// call is parked behind the gate.
const HumanApprovalRequired = "HUMAN_APPROVAL_REQUIRED"

// Tool result statuses.
const (
	ResultCompleted = "completed"
	ResultPending   = "pending"
	ResultFailed    = "failed"
)

func (e Engine) toolSpec(name string) (ToolSpec, bool) {
	if e.Config != nil {
		for _, t := range e.Config.Gates.Tools {
			if t.Name == name {
				return ToolSpec{Name: t.Name, Critical: t.Critical, RequiredParams: t.RequiredParams}, true
			}
		}
	}
	for _, t := range builtinTools {
		if t.Name == name {
			return t, true
		}
	}
	return ToolSpec{}, false
}

// RequiresApproval reports whether a tool is gated. Unknown tools are
// treated as gated so a registry gap can never skip review.
func (e Engine) RequiresApproval(name string) bool {
	spec, ok := e.toolSpec(name)
	if !ok {
		return true
	}
	return spec.Critical
}

// ToolExecutor runs an approved or non-critical tool and returns its
// output. Swapped out in tests.
type ToolExecutor func(ctx context.Context, toolName, tenantID string, params map[string]any) (any, error)

func defaultExecutor(ctx context.Context, toolName, tenantID string, params map[string]any) (any, error) {
	return map[string]any{"tool": toolName, "params": params, "executed": true}, nil
}

func (e Engine) executor() ToolExecutor {
	if e.Exec != nil {
		return e.Exec
	}
	return defaultExecutor
}

// ToolRequest is one tool invocation submitted by an agent or a user.
type ToolRequest struct {
	ToolName  string
	CycleID   string
	Params    map[string]any
	Actor     audit.Actor
	SessionID string
}

// ToolResult is the immediate outcome of a tool request. Pending results
// carry the gate action ID the caller must watch.
type ToolResult struct {
	Status   string `json:"status"`
	Code     string `json:"code,omitempty"`
	ActionID string `json:"action_id,omitempty"`
	Output   any    `json:"output,omitempty"`
}

// ExecuteTool runs a tool through the gate. Non-critical tools execute
// immediately. Critical tools produce a pending gate action and return
// without executing; ProcessDecision runs them later if approved. Every
// request lands in the tool call log either way.
func (e Engine) ExecuteTool(ctx context.Context, req ToolRequest) (ToolResult, error) {
	if e.Config == nil {
		return ToolResult{}, errors.New("config not loaded")
	}
	spec, ok := e.toolSpec(req.ToolName)
	if !ok {
		return ToolResult{}, fmt.Errorf("unknown tool %s", req.ToolName)
	}
	if err := checkRequiredParams(spec, req.Params); err != nil {
		return ToolResult{}, err
	}
	if req.CycleID != "" {
		blocked, ids, err := e.CheckCriticalIssueBlocking(ctx, req.CycleID)
		if err != nil {
			return ToolResult{}, err
		}
		if blocked {
			return ToolResult{}, &CriticalIssueBlockingError{CycleID: req.CycleID, IssueIDs: ids}
		}
		c, err := e.Repo.GetCycle(ctx, req.CycleID)
		if err != nil {
			return ToolResult{}, err
		}
		if c.Status == domain.CyclePaused {
			return ToolResult{}, fmt.Errorf("cycle %s is paused: %s", c.ID, c.PauseReason)
		}
	}
	paramsJSON, err := json.Marshal(req.Params)
	if err != nil {
		return ToolResult{}, err
	}
	if spec.Critical {
		return e.parkBehindGate(ctx, req, string(paramsJSON))
	}
	started := e.now()
	out, execErr := e.executor()(ctx, req.ToolName, e.tenantID(), req.Params)
	status := ResultCompleted
	if execErr != nil {
		status = ResultFailed
	}
	if _, err := e.ToolLog.Record(ctx, nil, domain.ToolCall{
		ToolName:   req.ToolName,
		ParamsJSON: string(paramsJSON),
		UserID:     req.Actor.ID,
		TenantID:   e.tenantID(),
		SessionID:  req.SessionID,
		Status:     status,
		DurationMS: e.now().Sub(started).Milliseconds(),
	}); err != nil {
		return ToolResult{}, err
	}
	if execErr != nil {
		return ToolResult{Status: ResultFailed}, execErr
	}
	return ToolResult{Status: ResultCompleted, Output: out}, nil
}

func (e Engine) parkBehindGate(ctx context.Context, req ToolRequest, paramsJSON string) (ToolResult, error) {
	a := domain.GateAction{
		ID:          uuid.New().String(),
		TenantID:    e.tenantID(),
		ToolName:    req.ToolName,
		ParamsJSON:  paramsJSON,
		Status:      domain.GatePending,
		RequestedBy: req.Actor.ID,
		SessionID:   req.SessionID,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ToolResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertGateAction(ctx, tx, req.Actor, a); err != nil {
		return ToolResult{}, err
	}
	if _, err := e.ToolLog.Record(ctx, tx, domain.ToolCall{
		ToolName:   req.ToolName,
		ParamsJSON: paramsJSON,
		UserID:     req.Actor.ID,
		TenantID:   a.TenantID,
		SessionID:  req.SessionID,
		Status:     ResultPending,
	}); err != nil {
		return ToolResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ToolResult{}, err
	}
	return ToolResult{Status: ResultPending, Code: HumanApprovalRequired, ActionID: a.ID}, nil
}

func checkRequiredParams(spec ToolSpec, params map[string]any) error {
	var missing []string
	for _, p := range spec.RequiredParams {
		v, ok := params[p]
		if !ok || v == nil || v == "" {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("tool %s missing required parameter(s): %s", spec.Name, strings.Join(missing, ", "))
	}
	return nil
}

// DecisionRequest is a reviewer's verdict on a pending gate action.
type DecisionRequest struct {
	ActionID      string
	Decision      string
	Rationale     string
	ChangedParams map[string]any
	Actor         audit.Actor
}

// ProcessDecision resolves a pending gate action. Approval executes the
// tool; approval with changes merges the reviewer's parameter overrides
// over the originals first. Rejected and deferred actions never execute.
// Decided actions are immutable; a second decision fails.
func (e Engine) ProcessDecision(ctx context.Context, req DecisionRequest) (domain.Decision, ToolResult, error) {
	if e.Config == nil {
		return domain.Decision{}, ToolResult{}, errors.New("config not loaded")
	}
	switch req.Decision {
	case domain.DecisionApproved, domain.DecisionApprovedWithChanges, domain.DecisionRejected, domain.DecisionDeferred:
	default:
		return domain.Decision{}, ToolResult{}, fmt.Errorf("unknown decision %s", req.Decision)
	}
	if req.Actor.Type != domain.ActorHuman {
		return domain.Decision{}, ToolResult{}, &HumanReviewerRequiredError{ActorID: req.Actor.ID, ActorType: req.Actor.Type}
	}
	rationale := strings.TrimSpace(req.Rationale)
	if min := e.Config.MinRationale(); len(rationale) < min {
		return domain.Decision{}, ToolResult{}, &InsufficientRationaleError{Min: min, Got: len(rationale)}
	}
	if req.Decision == domain.DecisionApprovedWithChanges && len(req.ChangedParams) == 0 {
		return domain.Decision{}, ToolResult{}, errors.New("approved_with_changes requires changed parameters")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Decision{}, ToolResult{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetGateActionTx(ctx, tx, req.ActionID)
	if err != nil {
		return domain.Decision{}, ToolResult{}, err
	}
	if a.Status != domain.GatePending {
		return domain.Decision{}, ToolResult{}, fmt.Errorf("gate action %s already decided (%s)", a.ID, a.Status)
	}
	params, err := mergeParams(a.ParamsJSON, req.ChangedParams)
	if err != nil {
		return domain.Decision{}, ToolResult{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	prev := a
	a.Status = decisionStatus(req.Decision)
	a.DecidedAt = &now
	d := domain.Decision{
		ActionID:  a.ID,
		Decision:  req.Decision,
		Rationale: rationale,
		DecidedBy: req.Actor.ID,
		DecidedAt: now,
	}
	if err := e.Repo.FinalizeGateAction(ctx, tx, req.Actor, prev, a, d); err != nil {
		return domain.Decision{}, ToolResult{}, err
	}

	result := ToolResult{Status: ResultCompleted}
	if a.Status == domain.GateApproved {
		mergedJSON, err := json.Marshal(params)
		if err != nil {
			return domain.Decision{}, ToolResult{}, err
		}
		started := e.now()
		out, execErr := e.executor()(ctx, a.ToolName, a.TenantID, params)
		status := ResultCompleted
		if execErr != nil {
			status = ResultFailed
		}
		if _, err := e.ToolLog.Record(ctx, tx, domain.ToolCall{
			ToolName:   a.ToolName,
			ParamsJSON: string(mergedJSON),
			UserID:     a.RequestedBy,
			TenantID:   a.TenantID,
			SessionID:  a.SessionID,
			Status:     status,
			DurationMS: e.now().Sub(started).Milliseconds(),
		}); err != nil {
			return domain.Decision{}, ToolResult{}, err
		}
		if execErr != nil {
			return domain.Decision{}, ToolResult{}, fmt.Errorf("tool %s: %w", a.ToolName, execErr)
		}
		resultJSON, err := json.Marshal(map[string]any{"params": params, "output": out})
		if err != nil {
			return domain.Decision{}, ToolResult{}, err
		}
		if err := e.Repo.AttachDecisionResult(ctx, tx, a.ID, string(resultJSON)); err != nil {
			return domain.Decision{}, ToolResult{}, err
		}
		s := string(resultJSON)
		d.ResultJSON = &s
		result.Output = out
	} else {
		result.Status = a.Status
	}
	if err := tx.Commit(); err != nil {
		return domain.Decision{}, ToolResult{}, err
	}
	return d, result, nil
}

func decisionStatus(decision string) string {
	switch decision {
	case domain.DecisionApproved, domain.DecisionApprovedWithChanges:
		return domain.GateApproved
	case domain.DecisionRejected:
		return domain.GateRejected
	default:
		return domain.GateDeferred
	}
}

func mergeParams(originalJSON string, changes map[string]any) (map[string]any, error) {
	params := map[string]any{}
	if originalJSON != "" {
		if err := json.Unmarshal([]byte(originalJSON), &params); err != nil {
			return nil, fmt.Errorf("gate action params: %w", err)
		}
	}
	for k, v := range changes {
		params[k] = v
	}
	return params, nil
}

// CancelAction withdraws a pending gate action. It behaves like a
// rejection: the gated tool never runs and a terminal decision is
// recorded with the cancellation reason as its rationale, so the audit
// trail shows who withdrew the request and why.
func (e Engine) CancelAction(ctx context.Context, actionID, reason string, actor audit.Actor) (domain.GateAction, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.GateAction{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetGateActionTx(ctx, tx, actionID)
	if err != nil {
		return a, err
	}
	if a.Status != domain.GatePending {
		return a, fmt.Errorf("gate action %s already decided (%s)", a.ID, a.Status)
	}
	prev := a
	now := e.now().UTC().Format(time.RFC3339)
	a.Status = domain.GateCancelled
	a.DecidedAt = &now
	rationale := "cancelled by requester"
	if reason = strings.TrimSpace(reason); reason != "" {
		rationale += ": " + reason
	}
	d := domain.Decision{
		ActionID:  a.ID,
		Decision:  domain.DecisionRejected,
		Rationale: rationale,
		DecidedBy: actor.ID,
		DecidedAt: now,
	}
	if err := e.Repo.FinalizeGateAction(ctx, tx, actor, prev, a, d); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// IsApproved reports whether an action has been approved.
func (e Engine) IsApproved(ctx context.Context, actionID string) (bool, error) {
	a, err := e.Repo.GetGateAction(ctx, actionID)
	if err != nil {
		return false, err
	}
	return a.Status == domain.GateApproved, nil
}

// ListPendingActions returns the tenant's pending gate actions, oldest
// first.
func (e Engine) ListPendingActions(ctx context.Context) ([]domain.GateAction, error) {
	return e.Repo.ListPendingGateActions(ctx, e.tenantID())
}
