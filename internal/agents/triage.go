package agents

import (
	"context"

	"regline/internal/domain"
	"regline/internal/repo"
)

// triageAgent summarizes the live issue queue so a workflow step can decide
// whether the cycle is safe to advance.
type triageAgent struct {
	repo repo.Repo
}

func (triageAgent) Name() string { return IssueManagement }

func (a triageAgent) Run(ctx context.Context, in Invocation) (any, error) {
	issues, err := a.repo.ListIssues(ctx, repo.IssueFilters{TenantID: in.TenantID})
	if err != nil {
		return nil, err
	}
	bySeverity := map[string]int{}
	var openCritical []string
	for _, is := range issues {
		if is.Status == domain.IssueClosed {
			continue
		}
		if in.ReportID != "" && !impactsReport(is, in.ReportID) {
			continue
		}
		bySeverity[is.Severity]++
		if is.Severity == domain.SeverityCritical && isUnmitigated(is.Status) {
			openCritical = append(openCritical, is.ID)
		}
	}
	return map[string]any{
		"open_by_severity":     bySeverity,
		"unmitigated_critical": openCritical,
		"clear_to_advance":     len(openCritical) == 0,
	}, nil
}

func impactsReport(is domain.Issue, reportID string) bool {
	for _, rid := range is.ImpactedReports {
		if rid == reportID {
			return true
		}
	}
	return false
}

func isUnmitigated(status string) bool {
	switch status {
	case domain.IssueVerified, domain.IssueClosed, domain.IssueEscalated:
		return false
	}
	return true
}
