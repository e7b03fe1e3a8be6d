package agents

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"regline/internal/domain"
	"regline/internal/repo"
)

// Scoring factor names. Each factor value lies in [0, 1].
const (
	FactorRegulatoryImpact = "regulatory_impact"
	FactorSensitivity      = "data_sensitivity"
	FactorQualityRisk      = "quality_risk"
	FactorStewardship      = "stewardship_gap"
)

var factorWeights = map[string]float64{
	FactorRegulatoryImpact: 0.35,
	FactorSensitivity:      0.25,
	FactorQualityRisk:      0.25,
	FactorStewardship:      0.15,
}

// ScoredElement is the criticality assessment of one data element.
type ScoredElement struct {
	ElementID    string             `json:"elementId"`
	Name         string             `json:"name"`
	OverallScore float64            `json:"overallScore"`
	Factors      map[string]float64 `json:"factors"`
	Rationale    string             `json:"rationale"`
}

// scoringAgent ranks candidate data elements by criticality. Scores are a
// pure function of the element's catalog record: the same input always
// produces the same factor values and overall score.
type scoringAgent struct {
	repo repo.Repo
}

func (scoringAgent) Name() string { return CDEIdentification }

func (a scoringAgent) Run(ctx context.Context, in Invocation) (any, error) {
	cdes, err := a.repo.ListCDEs(ctx, in.TenantID)
	if err != nil {
		return nil, err
	}
	scored := make([]ScoredElement, 0, len(cdes))
	for _, c := range cdes {
		if in.ReportID != "" && !feedsReport(c, in.ReportID) {
			continue
		}
		scored = append(scored, ScoreElement(c))
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].OverallScore != scored[j].OverallScore {
			return scored[i].OverallScore > scored[j].OverallScore
		}
		return scored[i].ElementID < scored[j].ElementID
	})
	return map[string]any{"elements": scored}, nil
}

// ScoreElement computes the criticality score for one element.
func ScoreElement(c domain.CDE) ScoredElement {
	factors := map[string]float64{
		FactorRegulatoryImpact: regulatoryImpact(len(c.ReportIDs)),
		FactorSensitivity:      sensitivityScore(c.Sensitivity),
		FactorQualityRisk:      qualityRisk(c.QualityScore),
		FactorStewardship:      stewardshipGap(c.Owner),
	}
	var overall float64
	for name, w := range factorWeights {
		overall += w * factors[name]
	}
	overall = round4(overall)
	return ScoredElement{
		ElementID:    c.ID,
		Name:         c.Name,
		OverallScore: overall,
		Factors:      factors,
		Rationale:    scoreRationale(c, factors),
	}
}

func feedsReport(c domain.CDE, reportID string) bool {
	for _, rid := range c.ReportIDs {
		if rid == reportID {
			return true
		}
	}
	return false
}

func regulatoryImpact(reportCount int) float64 {
	if reportCount >= 4 {
		return 1
	}
	return round4(float64(reportCount) / 4)
}

func sensitivityScore(level string) float64 {
	switch strings.ToLower(level) {
	case "public":
		return 0.1
	case "internal":
		return 0.4
	case "confidential":
		return 0.7
	case "restricted":
		return 1
	default:
		return 0.4
	}
}

func qualityRisk(score *float64) float64 {
	if score == nil {
		return 0.5
	}
	risk := 1 - *score
	if risk < 0 {
		risk = 0
	}
	if risk > 1 {
		risk = 1
	}
	return round4(risk)
}

func stewardshipGap(owner string) float64 {
	if strings.TrimSpace(owner) == "" {
		return 0.8
	}
	return 0.2
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func scoreRationale(c domain.CDE, factors map[string]float64) string {
	parts := []string{
		fmt.Sprintf("feeds %d report(s)", len(c.ReportIDs)),
		fmt.Sprintf("sensitivity %s (%.2f)", displaySensitivity(c.Sensitivity), factors[FactorSensitivity]),
	}
	if c.QualityScore != nil {
		parts = append(parts, fmt.Sprintf("quality score %.2f", *c.QualityScore))
	} else {
		parts = append(parts, "no quality score recorded")
	}
	if strings.TrimSpace(c.Owner) == "" {
		parts = append(parts, "no assigned owner")
	} else {
		parts = append(parts, fmt.Sprintf("owned by %s", c.Owner))
	}
	return strings.Join(parts, "; ")
}

func displaySensitivity(level string) string {
	if strings.TrimSpace(level) == "" {
		return "unspecified"
	}
	return strings.ToLower(level)
}
