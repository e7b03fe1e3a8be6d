package agents

import (
	"context"
	"fmt"
	"sort"
	"time"

	"regline/internal/repo"
)

// ChangeImpact describes what a change to one source system touches
// downstream.
type ChangeImpact struct {
	ChangedSource   string    `json:"changedSource"`
	ImpactedCDEs    []string  `json:"impactedCdes"`
	ImpactedReports []string  `json:"impactedReports"`
	AnalyzedAt      time.Time `json:"analyzedAt"`
}

// impactAgent walks the catalog's lineage edges (source system to element
// to report) and answers "what breaks if this source changes".
type impactAgent struct {
	repo repo.Repo
}

func (impactAgent) Name() string { return LineageMapping }

func (a impactAgent) Run(ctx context.Context, in Invocation) (any, error) {
	source, _ := in.Params["source_system"].(string)
	if source == "" {
		return nil, fmt.Errorf("source_system required")
	}
	return a.AnalyzeChangeImpact(ctx, in.TenantID, source)
}

// AnalyzeChangeImpact resolves every element sourced from the given system
// and the reports those elements feed. Results are deduplicated and sorted.
func (a impactAgent) AnalyzeChangeImpact(ctx context.Context, tenantID, source string) (ChangeImpact, error) {
	cdes, err := a.repo.ListCDEsBySource(ctx, tenantID, source)
	if err != nil {
		return ChangeImpact{}, err
	}
	cdeIDs := make([]string, 0, len(cdes))
	reportSet := map[string]struct{}{}
	for _, c := range cdes {
		cdeIDs = append(cdeIDs, c.ID)
		for _, rid := range c.ReportIDs {
			reportSet[rid] = struct{}{}
		}
	}
	reports := make([]string, 0, len(reportSet))
	for rid := range reportSet {
		reports = append(reports, rid)
	}
	sort.Strings(cdeIDs)
	sort.Strings(reports)
	return ChangeImpact{
		ChangedSource:   source,
		ImpactedCDEs:    cdeIDs,
		ImpactedReports: reports,
		AnalyzedAt:      time.Now().UTC(),
	}, nil
}
