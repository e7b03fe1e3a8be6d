package agents_test

import (
	"context"
	"reflect"
	"testing"

	"regline/internal/agents"
	"regline/internal/audit"
	"regline/internal/db"
	"regline/internal/domain"
	"regline/internal/migrate"
	"regline/internal/repo"
)

var tester = audit.Actor{ID: "tester", Type: domain.ActorHuman}

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn, Audit: audit.Log{DB: conn}}
}

func seedCDE(t *testing.T, r repo.Repo, c domain.CDE) {
	t.Helper()
	if c.CreatedAt == "" {
		c.CreatedAt = "2026-01-01T00:00:00Z"
		c.UpdatedAt = c.CreatedAt
	}
	if err := r.InsertCDE(context.Background(), tester, c); err != nil {
		t.Fatalf("seed cde %s: %v", c.ID, err)
	}
}

func TestScoringIsDeterministic(t *testing.T) {
	q := 0.72
	c := domain.CDE{
		ID:           "cde-1",
		TenantID:     "acme",
		Name:         "total_assets",
		Owner:        "finance-data",
		SourceSystem: "gl",
		ReportIDs:    []string{"ffiec-031", "fr-y9c"},
		Sensitivity:  "confidential",
		QualityScore: &q,
	}
	first := agents.ScoreElement(c)
	second := agents.ScoreElement(c)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("same input must produce the same score: %+v vs %+v", first, second)
	}
	if first.OverallScore <= 0 || first.OverallScore > 1 {
		t.Fatalf("overall score out of range: %f", first.OverallScore)
	}
	for name, v := range first.Factors {
		if v < 0 || v > 1 {
			t.Fatalf("factor %s out of range: %f", name, v)
		}
	}
	if first.Rationale == "" {
		t.Fatalf("expected a rationale")
	}
}

func TestScoringOrdersByRisk(t *testing.T) {
	high := agents.ScoreElement(domain.CDE{
		ID:          "cde-risky",
		ReportIDs:   []string{"a", "b", "c", "d"},
		Sensitivity: "restricted",
	})
	q := 0.95
	low := agents.ScoreElement(domain.CDE{
		ID:           "cde-safe",
		Owner:        "someone",
		ReportIDs:    []string{"a"},
		Sensitivity:  "public",
		QualityScore: &q,
	})
	if high.OverallScore <= low.OverallScore {
		t.Fatalf("expected unowned restricted multi-report element to outrank the safe one: %f vs %f",
			high.OverallScore, low.OverallScore)
	}
}

func TestCDEIdentificationAgentFiltersByReport(t *testing.T) {
	r := newTestRepo(t)
	seedCDE(t, r, domain.CDE{ID: "cde-1", TenantID: "acme", Name: "total_assets", ReportIDs: []string{"ffiec-031"}})
	seedCDE(t, r, domain.CDE{ID: "cde-2", TenantID: "acme", Name: "tier1_capital", ReportIDs: []string{"fr-y9c"}})
	reg := agents.NewRegistry(r)
	a, err := reg.Get(agents.CDEIdentification)
	if err != nil {
		t.Fatal(err)
	}
	out, err := a.Run(context.Background(), agents.Invocation{TenantID: "acme", ReportID: "ffiec-031"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	elements := out.(map[string]any)["elements"].([]agents.ScoredElement)
	if len(elements) != 1 || elements[0].ElementID != "cde-1" {
		t.Fatalf("expected only the report's elements, got %v", elements)
	}
}

func TestChangeImpactDeduplicates(t *testing.T) {
	r := newTestRepo(t)
	seedCDE(t, r, domain.CDE{ID: "cde-1", TenantID: "acme", Name: "a", SourceSystem: "gl", ReportIDs: []string{"ffiec-031", "fr-y9c"}})
	seedCDE(t, r, domain.CDE{ID: "cde-2", TenantID: "acme", Name: "b", SourceSystem: "gl", ReportIDs: []string{"ffiec-031"}})
	seedCDE(t, r, domain.CDE{ID: "cde-3", TenantID: "acme", Name: "c", SourceSystem: "crm", ReportIDs: []string{"call-report"}})
	seedCDE(t, r, domain.CDE{ID: "cde-4", TenantID: "globex", Name: "d", SourceSystem: "gl", ReportIDs: []string{"other"}})
	reg := agents.NewRegistry(r)
	a, err := reg.Get(agents.LineageMapping)
	if err != nil {
		t.Fatal(err)
	}
	out, err := a.Run(context.Background(), agents.Invocation{
		TenantID: "acme",
		Params:   map[string]any{"source_system": "gl"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	impact := out.(agents.ChangeImpact)
	if !reflect.DeepEqual(impact.ImpactedCDEs, []string{"cde-1", "cde-2"}) {
		t.Fatalf("unexpected cdes: %v", impact.ImpactedCDEs)
	}
	if !reflect.DeepEqual(impact.ImpactedReports, []string{"ffiec-031", "fr-y9c"}) {
		t.Fatalf("expected deduplicated sorted reports, got %v", impact.ImpactedReports)
	}
	if impact.AnalyzedAt.IsZero() {
		t.Fatalf("expected analysis timestamp")
	}
}

func TestImpactAgentRequiresSource(t *testing.T) {
	r := newTestRepo(t)
	reg := agents.NewRegistry(r)
	a, _ := reg.Get(agents.LineageMapping)
	if _, err := a.Run(context.Background(), agents.Invocation{TenantID: "acme"}); err == nil {
		t.Fatalf("expected missing source error")
	}
}

func TestUnknownAgent(t *testing.T) {
	reg := agents.NewRegistry(newTestRepo(t))
	if _, err := reg.Get("make_coffee"); err == nil {
		t.Fatalf("expected unknown agent error")
	}
	names := reg.Names()
	if len(names) != 5 {
		t.Fatalf("expected 5 registered agents, got %v", names)
	}
}
