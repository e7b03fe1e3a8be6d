package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"regline/internal/audit"
	"regline/internal/domain"
)

// IsBlocking reports whether an issue blocks report cycles: critical
// severity and not yet verified, closed, or escalated past the cycle.
func IsBlocking(is domain.Issue) bool {
	if is.Severity != domain.SeverityCritical {
		return false
	}
	switch is.Status {
	case domain.IssueVerified, domain.IssueClosed, domain.IssueEscalated:
		return false
	}
	return true
}

func issueImpactsReport(is domain.Issue, reportID string) bool {
	// An issue with no impacted reports blocks the whole tenant.
	if len(is.ImpactedReports) == 0 {
		return true
	}
	for _, rid := range is.ImpactedReports {
		if rid == reportID {
			return true
		}
	}
	return false
}

// BlockingIssues returns the issues currently blocking a report, or nil
// when the report is clear.
func (e Engine) BlockingIssues(ctx context.Context, reportID string) ([]domain.Issue, error) {
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return e.blockingIssuesTx(ctx, tx, reportID)
}

// CheckCriticalIssueBlocking reports whether blocking issues stand against
// a cycle's report. An active cycle found blocked is paused in the same
// call, with a reason naming the offending issues, so the blocked state is
// durable before any caller acts on the verdict. A clear cycle is left
// untouched.
func (e Engine) CheckCriticalIssueBlocking(ctx context.Context, cycleID string) (bool, []string, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCycleTx(ctx, tx, cycleID)
	if err != nil {
		return false, nil, err
	}
	blocking, err := e.blockingIssuesTx(ctx, tx, c.ReportID)
	if err != nil {
		return false, nil, err
	}
	if len(blocking) == 0 {
		return false, nil, nil
	}
	ids := make([]string, 0, len(blocking))
	for _, is := range blocking {
		ids = append(ids, is.ID)
	}
	if c.Status == domain.CycleActive {
		prev := c
		now := e.now().UTC().Format(time.RFC3339)
		c.Status = domain.CyclePaused
		c.PauseReason = fmt.Sprintf("blocked by critical issues: %s", strings.Join(ids, ", "))
		c.PausedAt = &now
		if err := e.Repo.UpdateCycle(ctx, tx, audit.System(), prev, c); err != nil {
			return false, nil, err
		}
		if err := tx.Commit(); err != nil {
			return false, nil, err
		}
	}
	return true, ids, nil
}

func (e Engine) blockingIssuesTx(ctx context.Context, tx *sql.Tx, reportID string) ([]domain.Issue, error) {
	critical, err := e.Repo.ListCriticalIssuesTx(ctx, tx, e.tenantID())
	if err != nil {
		return nil, err
	}
	var blocking []domain.Issue
	for _, is := range critical {
		if IsBlocking(is) && issueImpactsReport(is, reportID) {
			blocking = append(blocking, is)
		}
	}
	return blocking, nil
}

// RuleFailure describes one failed data quality rule.
type RuleFailure struct {
	RuleName        string
	Detail          string
	Severity        string
	ImpactedReports []string
	ImpactedCDEs    []string
}

// CreateIssueFromRuleFailure opens an issue for a failed quality rule.
// The assignee comes from the owner of the first impacted CDE that has
// one, falling back to the configured default. A critical failure is
// escalated immediately and also pauses every active cycle of the
// impacted reports in the same transaction, so a crash cannot leave the
// issue recorded but the cycles running.
func (e Engine) CreateIssueFromRuleFailure(ctx context.Context, f RuleFailure, actor audit.Actor) (domain.Issue, error) {
	if e.Config == nil {
		return domain.Issue{}, errors.New("config not loaded")
	}
	if f.RuleName == "" {
		return domain.Issue{}, errors.New("rule name is required")
	}
	switch f.Severity {
	case domain.SeverityCritical, domain.SeverityHigh, domain.SeverityMedium, domain.SeverityLow:
	default:
		return domain.Issue{}, fmt.Errorf("unknown severity %s", f.Severity)
	}
	now := e.now().UTC().Format(time.RFC3339)
	is := domain.Issue{
		ID:              uuid.New().String(),
		TenantID:        e.tenantID(),
		Title:           fmt.Sprintf("Quality rule failed: %s", f.RuleName),
		Description:     f.Detail,
		Source:          "quality_rule",
		Severity:        f.Severity,
		Status:          domain.IssueOpen,
		ImpactedReports: f.ImpactedReports,
		ImpactedCDEs:    f.ImpactedCDEs,
		Assignee:        e.resolveAssignee(ctx, f.ImpactedCDEs),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if is.Severity == domain.SeverityCritical {
		is.EscalationLevel = 1
		is.EscalatedAt = &now
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertIssue(ctx, tx, actor, is); err != nil {
		return domain.Issue{}, err
	}
	if is.Severity == domain.SeverityCritical {
		if err := e.pauseImpactedCycles(ctx, tx, is); err != nil {
			return domain.Issue{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	return is, nil
}

// resolveAssignee picks the owner of the first impacted CDE that has one.
// Unknown CDE ids are not an error here; ownership is best effort.
func (e Engine) resolveAssignee(ctx context.Context, cdeIDs []string) string {
	for _, id := range cdeIDs {
		cde, err := e.Repo.GetCDE(ctx, id)
		if err == nil && cde.Owner != "" {
			return cde.Owner
		}
	}
	return e.Config.Issues.DefaultAssignee
}

func (e Engine) pauseImpactedCycles(ctx context.Context, tx *sql.Tx, is domain.Issue) error {
	cycles, err := e.Repo.ListActiveCyclesTx(ctx, tx, is.TenantID)
	if err != nil {
		return err
	}
	reason := fmt.Sprintf("critical issue %s: %s", is.ID, is.Title)
	now := e.now().UTC().Format(time.RFC3339)
	for _, c := range cycles {
		if !issueImpactsReport(is, c.ReportID) {
			continue
		}
		prev := c
		c.Status = domain.CyclePaused
		c.PauseReason = reason
		c.PausedAt = &now
		if err := e.Repo.UpdateCycle(ctx, tx, audit.System(), prev, c); err != nil {
			return err
		}
	}
	return nil
}

// ensureIssueTransition guards the issue lifecycle. Escalation is allowed
// from any live status; closed is terminal.
func ensureIssueTransition(oldStatus, newStatus string) error {
	if newStatus == domain.IssueEscalated && oldStatus != domain.IssueClosed && oldStatus != domain.IssueEscalated {
		return nil
	}
	switch oldStatus {
	case domain.IssueOpen:
		if newStatus == domain.IssueTriaged {
			return nil
		}
	case domain.IssueTriaged:
		if newStatus == domain.IssueAnalyzing {
			return nil
		}
	case domain.IssueAnalyzing:
		if newStatus == domain.IssueResolving {
			return nil
		}
	case domain.IssueResolving:
		if newStatus == domain.IssuePendingVerification {
			return nil
		}
	case domain.IssuePendingVerification:
		if newStatus == domain.IssueVerified || newStatus == domain.IssueResolving {
			return nil
		}
	case domain.IssueVerified:
		if newStatus == domain.IssueClosed {
			return nil
		}
	case domain.IssueEscalated:
		if newStatus == domain.IssueResolving || newStatus == domain.IssueClosed {
			return nil
		}
	}
	return fmt.Errorf("invalid issue status transition %s -> %s", oldStatus, newStatus)
}

// UpdateIssueStatus moves an issue through its lifecycle. Resolving a
// blocking issue does not resume paused cycles; resumption is an explicit,
// separately audited operation.
func (e Engine) UpdateIssueStatus(ctx context.Context, issueID, newStatus string, actor audit.Actor) (domain.Issue, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	is, err := e.Repo.GetIssueTx(ctx, tx, issueID)
	if err != nil {
		return is, err
	}
	if err := ensureIssueTransition(is.Status, newStatus); err != nil {
		return is, err
	}
	prev := is
	now := e.now().UTC().Format(time.RFC3339)
	is.Status = newStatus
	is.UpdatedAt = now
	if newStatus == domain.IssueEscalated {
		is.EscalationLevel++
		is.EscalatedAt = &now
	}
	if err := e.Repo.UpdateIssue(ctx, tx, actor, prev, is); err != nil {
		return is, err
	}
	if err := tx.Commit(); err != nil {
		return is, err
	}
	return is, nil
}

// PauseCycle pauses an active cycle with a reason.
func (e Engine) PauseCycle(ctx context.Context, cycleID, reason string, actor audit.Actor) (domain.Cycle, error) {
	if reason == "" {
		return domain.Cycle{}, errors.New("pause reason is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Cycle{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCycleTx(ctx, tx, cycleID)
	if err != nil {
		return c, err
	}
	if c.Status != domain.CycleActive {
		return c, fmt.Errorf("cycle %s is %s and cannot be paused", c.ID, c.Status)
	}
	prev := c
	now := e.now().UTC().Format(time.RFC3339)
	c.Status = domain.CyclePaused
	c.PauseReason = reason
	c.PausedAt = &now
	if err := e.Repo.UpdateCycle(ctx, tx, actor, prev, c); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

// ResumeCycle reactivates a paused cycle. The blocking condition is
// re-checked inside the same transaction; if any critical issue still
// blocks the report the cycle stays paused and StillBlockedError names
// the offenders.
func (e Engine) ResumeCycle(ctx context.Context, cycleID string, actor audit.Actor) (domain.Cycle, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Cycle{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCycleTx(ctx, tx, cycleID)
	if err != nil {
		return c, err
	}
	if c.Status != domain.CyclePaused {
		return c, fmt.Errorf("cycle %s is %s and cannot be resumed", c.ID, c.Status)
	}
	blocking, err := e.blockingIssuesTx(ctx, tx, c.ReportID)
	if err != nil {
		return c, err
	}
	if len(blocking) > 0 {
		ids := make([]string, 0, len(blocking))
		for _, is := range blocking {
			ids = append(ids, is.ID)
		}
		return c, &StillBlockedError{CycleID: c.ID, IssueIDs: ids}
	}
	prev := c
	c.Status = domain.CycleActive
	c.PauseReason = ""
	c.PausedAt = nil
	if err := e.Repo.UpdateCycle(ctx, tx, actor, prev, c); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}
