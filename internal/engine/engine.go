package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"regline/internal/agents"
	"regline/internal/audit"
	"regline/internal/config"
	"regline/internal/domain"
	"regline/internal/repo"
	"regline/internal/toollog"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Audit   audit.Log
	ToolLog toollog.Log
	Agents  *agents.Registry
	Config  *config.Config
	Exec    ToolExecutor
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	auditLog := audit.Log{DB: db}
	r := repo.Repo{DB: db, Audit: auditLog}
	return Engine{
		DB:      db,
		Repo:    r,
		Audit:   auditLog,
		ToolLog: toollog.Log{DB: db},
		Agents:  agents.NewRegistry(r),
		Config:  cfg,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) tenantID() string {
	if e.Config == nil {
		return ""
	}
	return e.Config.Tenant.ID
}

// StartCycleOptions are parameters for starting a report cycle.
type StartCycleOptions struct {
	ID        string
	ReportID  string
	PeriodEnd string
	Actor     audit.Actor
}

// StartReportCycle creates a cycle with the configured phase plan. The
// first phase starts in progress; everything else is pending.
func (e Engine) StartReportCycle(ctx context.Context, opts StartCycleOptions) (domain.Cycle, error) {
	if e.Config == nil {
		return domain.Cycle{}, errors.New("config not loaded")
	}
	if opts.ReportID == "" {
		return domain.Cycle{}, errors.New("report is required")
	}
	if opts.PeriodEnd == "" {
		return domain.Cycle{}, errors.New("period-end is required")
	}
	if _, err := e.Repo.GetReport(ctx, opts.ReportID); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.Cycle{}, err
	}
	id := opts.ID
	now := e.now().UTC().Format(time.RFC3339)
	if id == "" {
		id = uuid.New().String()
	}
	c := domain.Cycle{
		ID:           id,
		TenantID:     e.tenantID(),
		ReportID:     opts.ReportID,
		PeriodEnd:    opts.PeriodEnd,
		Status:       domain.CycleActive,
		CurrentPhase: e.Config.Workflow.Phases[0].Name,
		CurrentStep:  0,
		StartedAt:    now,
	}
	for i, pt := range e.Config.Workflow.Phases {
		p := domain.Phase{
			ID:       uuid.New().String(),
			CycleID:  c.ID,
			Position: i,
			Name:     pt.Name,
			Status:   domain.StatusPending,
		}
		if i == 0 {
			p.Status = domain.StatusInProgress
		}
		for j, st := range pt.Steps {
			p.Steps = append(p.Steps, domain.Step{
				ID:         uuid.New().String(),
				PhaseID:    p.ID,
				Position:   j,
				Name:       st.Name,
				Status:     domain.StatusPending,
				IsRequired: st.Required,
			})
		}
		c.Phases = append(c.Phases, p)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Cycle{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertCycle(ctx, tx, opts.Actor, c); err != nil {
		return domain.Cycle{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Cycle{}, err
	}
	return c, nil
}

// AgentRequest asks a named agent to run on behalf of a session.
type AgentRequest struct {
	AgentName string
	CycleID   string
	ReportID  string
	Params    map[string]any
	Actor     audit.Actor
	SessionID string
}

// TriggerAgent dispatches to a registered agent. A paused cycle refuses
// agent work; the caller must resume first. Every dispatch is recorded in
// the tool call log and the audit trail regardless of outcome, in one
// transaction.
func (e Engine) TriggerAgent(ctx context.Context, req AgentRequest) (any, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	agent, err := e.Agents.Get(req.AgentName)
	if err != nil {
		return nil, err
	}
	reportID := req.ReportID
	if req.CycleID != "" {
		blocked, ids, err := e.CheckCriticalIssueBlocking(ctx, req.CycleID)
		if err != nil {
			return nil, err
		}
		if blocked {
			return nil, &CriticalIssueBlockingError{CycleID: req.CycleID, IssueIDs: ids}
		}
		c, err := e.Repo.GetCycle(ctx, req.CycleID)
		if err != nil {
			return nil, err
		}
		if c.Status == domain.CyclePaused {
			return nil, fmt.Errorf("cycle %s is paused: %s", c.ID, c.PauseReason)
		}
		if reportID == "" {
			reportID = c.ReportID
		}
	}
	paramsJSON, err := json.Marshal(req.Params)
	if err != nil {
		return nil, err
	}
	started := e.now()
	out, runErr := agent.Run(ctx, agents.Invocation{
		TenantID:  e.tenantID(),
		CycleID:   req.CycleID,
		ReportID:  reportID,
		SessionID: req.SessionID,
		ActorID:   req.Actor.ID,
		Params:    req.Params,
	})
	status := "completed"
	if runErr != nil {
		status = "failed"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	call, err := e.ToolLog.Record(ctx, tx, domain.ToolCall{
		ToolName:   req.AgentName,
		ParamsJSON: string(paramsJSON),
		UserID:     req.Actor.ID,
		TenantID:   e.tenantID(),
		SessionID:  req.SessionID,
		Status:     status,
		DurationMS: e.now().Sub(started).Milliseconds(),
	})
	if err != nil {
		return nil, err
	}
	if _, err := e.Audit.Record(ctx, tx, e.tenantID(), req.Actor, "create", "agent_run", call.ID, nil, map[string]any{
		"agent":      req.AgentName,
		"cycle_id":   req.CycleID,
		"report_id":  reportID,
		"session_id": req.SessionID,
		"status":     status,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if runErr != nil {
		return nil, fmt.Errorf("agent %s: %w", req.AgentName, runErr)
	}
	return out, nil
}
