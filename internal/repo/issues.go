package repo

import (
	"context"
	"database/sql"

	"regline/internal/audit"
	"regline/internal/domain"
)

// InsertIssue stores a new issue and its create audit entry.
func (r Repo) InsertIssue(ctx context.Context, tx *sql.Tx, actor audit.Actor, is domain.Issue) error {
	reports, err := marshalStringSlice(is.ImpactedReports)
	if err != nil {
		return err
	}
	cdes, err := marshalStringSlice(is.ImpactedCDEs)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO issues(id,tenant_id,title,description,source,severity,status,impacted_reports_json,impacted_cdes_json,escalation_level,assignee,created_at,updated_at,escalated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		is.ID, is.TenantID, is.Title, nullable(is.Description), nullable(is.Source), is.Severity, is.Status,
		nullableStringPtr(reports), nullableStringPtr(cdes), is.EscalationLevel, nullable(is.Assignee),
		is.CreatedAt, is.UpdatedAt, nullableStringPtr(is.EscalatedAt)); err != nil {
		return err
	}
	_, err = r.Audit.Record(ctx, tx, is.TenantID, actor, "create", "issue", is.ID, nil, is)
	return err
}

// UpdateIssue persists issue mutations. Issues are never deleted.
func (r Repo) UpdateIssue(ctx context.Context, tx *sql.Tx, actor audit.Actor, prev, next domain.Issue) error {
	reports, err := marshalStringSlice(next.ImpactedReports)
	if err != nil {
		return err
	}
	cdes, err := marshalStringSlice(next.ImpactedCDEs)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE issues SET title=?, description=?, source=?, severity=?, status=?, impacted_reports_json=?, impacted_cdes_json=?, escalation_level=?, assignee=?, updated_at=?, escalated_at=? WHERE id=?`,
		next.Title, nullable(next.Description), nullable(next.Source), next.Severity, next.Status,
		nullableStringPtr(reports), nullableStringPtr(cdes), next.EscalationLevel, nullable(next.Assignee),
		next.UpdatedAt, nullableStringPtr(next.EscalatedAt), next.ID); err != nil {
		return err
	}
	_, err = r.Audit.Record(ctx, tx, next.TenantID, actor, "update", "issue", next.ID, prev, next)
	return err
}

func scanIssue(scan func(dest ...any) error) (domain.Issue, error) {
	var is domain.Issue
	var desc, source, reports, cdes, assignee, escalatedAt sql.NullString
	err := scan(&is.ID, &is.TenantID, &is.Title, &desc, &source, &is.Severity, &is.Status, &reports, &cdes, &is.EscalationLevel, &assignee, &is.CreatedAt, &is.UpdatedAt, &escalatedAt)
	if err != nil {
		return is, err
	}
	if desc.Valid {
		is.Description = desc.String
	}
	if source.Valid {
		is.Source = source.String
	}
	if reports.Valid {
		is.ImpactedReports = decodeStringSlice(reports.String)
	}
	if cdes.Valid {
		is.ImpactedCDEs = decodeStringSlice(cdes.String)
	}
	if assignee.Valid {
		is.Assignee = assignee.String
	}
	if escalatedAt.Valid {
		is.EscalatedAt = &escalatedAt.String
	}
	return is, nil
}

const issueColumns = `id,tenant_id,title,description,source,severity,status,impacted_reports_json,impacted_cdes_json,escalation_level,assignee,created_at,updated_at,escalated_at`

func (r Repo) GetIssue(ctx context.Context, id string) (domain.Issue, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, id)
	is, err := scanIssue(row.Scan)
	if err == sql.ErrNoRows {
		return is, ErrNotFound
	}
	return is, err
}

func (r Repo) GetIssueTx(ctx context.Context, tx *sql.Tx, id string) (domain.Issue, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, id)
	is, err := scanIssue(row.Scan)
	if err == sql.ErrNoRows {
		return is, ErrNotFound
	}
	return is, err
}

// IssueFilters narrow ListIssues.
type IssueFilters struct {
	TenantID string
	Severity string
	Status   string
	Limit    int
}

func (r Repo) ListIssues(ctx context.Context, f IssueFilters) ([]domain.Issue, error) {
	clauses := []string{"tenant_id=?"}
	args := []any{f.TenantID}
	if f.Severity != "" {
		clauses = append(clauses, "severity=?")
		args = append(args, f.Severity)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + issueColumns + ` FROM issues WHERE ` + joinAnd(clauses) + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Issue
	for rows.Next() {
		is, err := scanIssue(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, is)
	}
	return res, rows.Err()
}

// ListCriticalIssuesTx returns a tenant's critical issues inside a
// transaction so blocking checks see a consistent snapshot. Callers filter
// by impacted report and terminal status.
func (r Repo) ListCriticalIssuesTx(ctx context.Context, tx *sql.Tx, tenantID string) ([]domain.Issue, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE tenant_id=? AND severity=? ORDER BY created_at ASC, id ASC`,
		tenantID, domain.SeverityCritical)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Issue
	for rows.Next() {
		is, err := scanIssue(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, is)
	}
	return res, rows.Err()
}
