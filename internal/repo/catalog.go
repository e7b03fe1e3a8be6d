package repo

import (
	"context"
	"database/sql"
	"time"

	"regline/internal/audit"
	"regline/internal/domain"
)

// Report catalog, CDE inventory and annotations. Each mutator opens its own
// transaction and writes the matching audit entry before committing.
// Inserts stamp missing timestamps themselves, the audit snapshot included.

func (r Repo) InsertReport(ctx context.Context, actor audit.Actor, rep domain.Report) error {
	now := time.Now().UTC().Format(time.RFC3339)
	if rep.CreatedAt == "" {
		rep.CreatedAt = now
	}
	if rep.UpdatedAt == "" {
		rep.UpdatedAt = now
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO reports(id,tenant_id,name,jurisdiction,frequency,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		rep.ID, rep.TenantID, rep.Name, nullable(rep.Jurisdiction), nullable(rep.Frequency), rep.CreatedAt, rep.UpdatedAt); err != nil {
		return err
	}
	if _, err := r.Audit.Record(ctx, tx, rep.TenantID, actor, "create", "report", rep.ID, nil, rep); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) UpdateReport(ctx context.Context, actor audit.Actor, prev, next domain.Report) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE reports SET name=?, jurisdiction=?, frequency=?, updated_at=? WHERE id=?`,
		next.Name, nullable(next.Jurisdiction), nullable(next.Frequency), next.UpdatedAt, next.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := r.Audit.Record(ctx, tx, next.TenantID, actor, "update", "report", next.ID, prev, next); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) GetReport(ctx context.Context, id string) (domain.Report, error) {
	var rep domain.Report
	var jurisdiction, frequency sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,tenant_id,name,jurisdiction,frequency,created_at,updated_at FROM reports WHERE id=?`, id).
		Scan(&rep.ID, &rep.TenantID, &rep.Name, &jurisdiction, &frequency, &rep.CreatedAt, &rep.UpdatedAt)
	if err == sql.ErrNoRows {
		return rep, ErrNotFound
	}
	if err != nil {
		return rep, err
	}
	if jurisdiction.Valid {
		rep.Jurisdiction = jurisdiction.String
	}
	if frequency.Valid {
		rep.Frequency = frequency.String
	}
	return rep, nil
}

func (r Repo) ListReports(ctx context.Context, tenantID string) ([]domain.Report, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,tenant_id,name,jurisdiction,frequency,created_at,updated_at FROM reports WHERE tenant_id=? ORDER BY name ASC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Report
	for rows.Next() {
		var rep domain.Report
		var jurisdiction, frequency sql.NullString
		if err := rows.Scan(&rep.ID, &rep.TenantID, &rep.Name, &jurisdiction, &frequency, &rep.CreatedAt, &rep.UpdatedAt); err != nil {
			return nil, err
		}
		if jurisdiction.Valid {
			rep.Jurisdiction = jurisdiction.String
		}
		if frequency.Valid {
			rep.Frequency = frequency.String
		}
		res = append(res, rep)
	}
	return res, rows.Err()
}

const cdeColumns = `id,tenant_id,name,owner,source_system,report_ids_json,sensitivity,quality_score,overall_score,created_at,updated_at`

func (r Repo) InsertCDE(ctx context.Context, actor audit.Actor, c domain.CDE) error {
	reports, err := marshalStringSlice(c.ReportIDs)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if c.CreatedAt == "" {
		c.CreatedAt = now
	}
	if c.UpdatedAt == "" {
		c.UpdatedAt = now
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO cdes(id,tenant_id,name,owner,source_system,report_ids_json,sensitivity,quality_score,overall_score,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.TenantID, c.Name, nullable(c.Owner), nullable(c.SourceSystem), nullableStringPtr(reports),
		nullable(c.Sensitivity), nullableFloatPtr(c.QualityScore), nullableFloatPtr(c.OverallScore), c.CreatedAt, c.UpdatedAt); err != nil {
		return err
	}
	if _, err := r.Audit.Record(ctx, tx, c.TenantID, actor, "create", "cde", c.ID, nil, c); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) UpdateCDE(ctx context.Context, actor audit.Actor, prev, next domain.CDE) error {
	reports, err := marshalStringSlice(next.ReportIDs)
	if err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE cdes SET name=?, owner=?, source_system=?, report_ids_json=?, sensitivity=?, quality_score=?, overall_score=?, updated_at=? WHERE id=?`,
		next.Name, nullable(next.Owner), nullable(next.SourceSystem), nullableStringPtr(reports),
		nullable(next.Sensitivity), nullableFloatPtr(next.QualityScore), nullableFloatPtr(next.OverallScore), next.UpdatedAt, next.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := r.Audit.Record(ctx, tx, next.TenantID, actor, "update", "cde", next.ID, prev, next); err != nil {
		return err
	}
	return tx.Commit()
}

func scanCDE(scan func(dest ...any) error) (domain.CDE, error) {
	var c domain.CDE
	var owner, source, reports, sensitivity sql.NullString
	var quality, overall sql.NullFloat64
	err := scan(&c.ID, &c.TenantID, &c.Name, &owner, &source, &reports, &sensitivity, &quality, &overall, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return c, err
	}
	if owner.Valid {
		c.Owner = owner.String
	}
	if source.Valid {
		c.SourceSystem = source.String
	}
	if reports.Valid {
		c.ReportIDs = decodeStringSlice(reports.String)
	}
	if sensitivity.Valid {
		c.Sensitivity = sensitivity.String
	}
	if quality.Valid {
		c.QualityScore = &quality.Float64
	}
	if overall.Valid {
		c.OverallScore = &overall.Float64
	}
	return c, nil
}

func (r Repo) GetCDE(ctx context.Context, id string) (domain.CDE, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+cdeColumns+` FROM cdes WHERE id=?`, id)
	c, err := scanCDE(row.Scan)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) ListCDEs(ctx context.Context, tenantID string) ([]domain.CDE, error) {
	return r.queryCDEs(ctx, `SELECT `+cdeColumns+` FROM cdes WHERE tenant_id=? ORDER BY name ASC`, tenantID)
}

// ListCDEsBySource returns the CDEs fed by one source system, used by
// change-impact analysis.
func (r Repo) ListCDEsBySource(ctx context.Context, tenantID, sourceSystem string) ([]domain.CDE, error) {
	return r.queryCDEs(ctx, `SELECT `+cdeColumns+` FROM cdes WHERE tenant_id=? AND source_system=? ORDER BY name ASC`, tenantID, sourceSystem)
}

func (r Repo) queryCDEs(ctx context.Context, query string, args ...any) ([]domain.CDE, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CDE
	for rows.Next() {
		c, err := scanCDE(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// InsertAnnotation stores a note and returns it with the stamped
// creation time.
func (r Repo) InsertAnnotation(ctx context.Context, actor audit.Actor, a domain.Annotation) (domain.Annotation, error) {
	if a.CreatedAt == "" {
		a.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO annotations(id,tenant_id,entity_type,entity_id,text,author,created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.TenantID, a.EntityType, a.EntityID, a.Text, a.Author, a.CreatedAt); err != nil {
		return a, err
	}
	if _, err := r.Audit.Record(ctx, tx, a.TenantID, actor, "create", "annotation", a.ID, nil, a); err != nil {
		return a, err
	}
	return a, tx.Commit()
}

func (r Repo) ListAnnotations(ctx context.Context, tenantID, entityType, entityID string) ([]domain.Annotation, error) {
	clauses := []string{"tenant_id=?"}
	args := []any{tenantID}
	if entityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, entityType)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,tenant_id,entity_type,entity_id,text,author,created_at FROM annotations WHERE `+joinAnd(clauses)+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Annotation
	for rows.Next() {
		var a domain.Annotation
		if err := rows.Scan(&a.ID, &a.TenantID, &a.EntityType, &a.EntityID, &a.Text, &a.Author, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
