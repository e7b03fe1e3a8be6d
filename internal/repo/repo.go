package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"regline/internal/audit"
	"regline/internal/config"
	"regline/internal/domain"
)

// Repo persists workflow entities. Every mutating method records its own
// audit entry in the same transaction as the mutation, so callers can never
// skip the trail.
type Repo struct {
	DB    *sql.DB
	Audit audit.Log
}

var ErrNotFound = errors.New("not found")

// --- cycles ---

// InsertCycle stores a cycle together with its phase/step tree and one
// create audit entry.
func (r Repo) InsertCycle(ctx context.Context, tx *sql.Tx, actor audit.Actor, c domain.Cycle) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO cycles(id,tenant_id,report_id,period_end,status,current_phase,current_step,pause_reason,started_at,completed_at,paused_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.TenantID, c.ReportID, c.PeriodEnd, c.Status, c.CurrentPhase, c.CurrentStep, nullable(c.PauseReason), c.StartedAt, nullableStringPtr(c.CompletedAt), nullableStringPtr(c.PausedAt)); err != nil {
		return fmt.Errorf("insert cycle: %w", err)
	}
	for _, p := range c.Phases {
		if _, err := tx.ExecContext(ctx, `INSERT INTO cycle_phases(id,cycle_id,position,name,status,blocking_reason,completed_at,completed_by) VALUES (?,?,?,?,?,?,?,?)`,
			p.ID, c.ID, p.Position, p.Name, p.Status, nullable(p.BlockingReason), nullableStringPtr(p.CompletedAt), nullableStringPtr(p.CompletedBy)); err != nil {
			return fmt.Errorf("insert phase %s: %w", p.Name, err)
		}
		for _, s := range p.Steps {
			errsJSON, err := marshalStringSlice(s.ValidationErrors)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO cycle_steps(id,phase_id,position,name,status,is_required,validation_errors_json,payload_json,completed_at,completed_by) VALUES (?,?,?,?,?,?,?,?,?,?)`,
				s.ID, p.ID, s.Position, s.Name, s.Status, boolToInt(s.IsRequired), nullableStringPtr(errsJSON), nullableStringPtr(s.PayloadJSON), nullableStringPtr(s.CompletedAt), nullableStringPtr(s.CompletedBy)); err != nil {
				return fmt.Errorf("insert step %s: %w", s.Name, err)
			}
		}
	}
	_, err := r.Audit.Record(ctx, tx, c.TenantID, actor, "create", "cycle", c.ID, nil, c)
	return err
}

// UpdateCycle persists cycle header fields and audits the change.
func (r Repo) UpdateCycle(ctx context.Context, tx *sql.Tx, actor audit.Actor, prev, next domain.Cycle) error {
	if _, err := tx.ExecContext(ctx, `UPDATE cycles SET status=?, current_phase=?, current_step=?, pause_reason=?, completed_at=?, paused_at=? WHERE id=?`,
		next.Status, next.CurrentPhase, next.CurrentStep, nullable(next.PauseReason), nullableStringPtr(next.CompletedAt), nullableStringPtr(next.PausedAt), next.ID); err != nil {
		return err
	}
	_, err := r.Audit.Record(ctx, tx, next.TenantID, actor, "update", "cycle", next.ID, cycleHeader(prev), cycleHeader(next))
	return err
}

// cycleHeader strips the phase tree so cycle audit snapshots stay small.
func cycleHeader(c domain.Cycle) domain.Cycle {
	c.Phases = nil
	return c
}

// UpdatePhase persists one phase row without touching its steps. The audit
// entry is attributed to the owning cycle so per-entity coverage counts
// mutations of the whole tree.
func (r Repo) UpdatePhase(ctx context.Context, tx *sql.Tx, actor audit.Actor, tenantID string, prev, next domain.Phase) error {
	if _, err := tx.ExecContext(ctx, `UPDATE cycle_phases SET status=?, blocking_reason=?, completed_at=?, completed_by=? WHERE id=?`,
		next.Status, nullable(next.BlockingReason), nullableStringPtr(next.CompletedAt), nullableStringPtr(next.CompletedBy), next.ID); err != nil {
		return err
	}
	prev.Steps, next.Steps = nil, nil
	_, err := r.Audit.Record(ctx, tx, tenantID, actor, "update", "cycle", next.CycleID, prev, next)
	return err
}

// UpdateStep persists one step row.
func (r Repo) UpdateStep(ctx context.Context, tx *sql.Tx, actor audit.Actor, tenantID, cycleID string, prev, next domain.Step) error {
	errsJSON, err := marshalStringSlice(next.ValidationErrors)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE cycle_steps SET status=?, validation_errors_json=?, payload_json=?, completed_at=?, completed_by=? WHERE id=?`,
		next.Status, nullableStringPtr(errsJSON), nullableStringPtr(next.PayloadJSON), nullableStringPtr(next.CompletedAt), nullableStringPtr(next.CompletedBy), next.ID); err != nil {
		return err
	}
	_, err = r.Audit.Record(ctx, tx, tenantID, actor, "update", "cycle", cycleID, prev, next)
	return err
}

// GetCycle loads a cycle with its full phase/step tree.
func (r Repo) GetCycle(ctx context.Context, id string) (domain.Cycle, error) {
	return r.getCycle(ctx, r.DB.QueryRowContext, r.DB.QueryContext, id)
}

// GetCycleTx is GetCycle inside a transaction, used where a consistent
// snapshot matters (resume, blocking checks).
func (r Repo) GetCycleTx(ctx context.Context, tx *sql.Tx, id string) (domain.Cycle, error) {
	return r.getCycle(ctx, tx.QueryRowContext, tx.QueryContext, id)
}

type queryRowFn func(ctx context.Context, query string, args ...any) *sql.Row
type queryFn func(ctx context.Context, query string, args ...any) (*sql.Rows, error)

func (r Repo) getCycle(ctx context.Context, queryRow queryRowFn, query queryFn, id string) (domain.Cycle, error) {
	var c domain.Cycle
	var pauseReason, completedAt, pausedAt sql.NullString
	err := queryRow(ctx, `SELECT id,tenant_id,report_id,period_end,status,current_phase,current_step,pause_reason,started_at,completed_at,paused_at FROM cycles WHERE id=?`, id).
		Scan(&c.ID, &c.TenantID, &c.ReportID, &c.PeriodEnd, &c.Status, &c.CurrentPhase, &c.CurrentStep, &pauseReason, &c.StartedAt, &completedAt, &pausedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if pauseReason.Valid {
		c.PauseReason = pauseReason.String
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.String
	}
	if pausedAt.Valid {
		c.PausedAt = &pausedAt.String
	}
	rows, err := query(ctx, `SELECT id,cycle_id,position,name,status,blocking_reason,completed_at,completed_by FROM cycle_phases WHERE cycle_id=? ORDER BY position ASC`, id)
	if err != nil {
		return c, err
	}
	defer rows.Close()
	for rows.Next() {
		var p domain.Phase
		var reason, pCompletedAt, pCompletedBy sql.NullString
		if err := rows.Scan(&p.ID, &p.CycleID, &p.Position, &p.Name, &p.Status, &reason, &pCompletedAt, &pCompletedBy); err != nil {
			return c, err
		}
		if reason.Valid {
			p.BlockingReason = reason.String
		}
		if pCompletedAt.Valid {
			p.CompletedAt = &pCompletedAt.String
		}
		if pCompletedBy.Valid {
			p.CompletedBy = &pCompletedBy.String
		}
		c.Phases = append(c.Phases, p)
	}
	if err := rows.Err(); err != nil {
		return c, err
	}
	for i := range c.Phases {
		steps, err := r.listSteps(ctx, query, c.Phases[i].ID)
		if err != nil {
			return c, err
		}
		c.Phases[i].Steps = steps
	}
	return c, nil
}

func (r Repo) listSteps(ctx context.Context, query queryFn, phaseID string) ([]domain.Step, error) {
	rows, err := query(ctx, `SELECT id,phase_id,position,name,status,is_required,validation_errors_json,payload_json,completed_at,completed_by FROM cycle_steps WHERE phase_id=? ORDER BY position ASC`, phaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Step
	for rows.Next() {
		var s domain.Step
		var required int
		var errsJSON, payload, completedAt, completedBy sql.NullString
		if err := rows.Scan(&s.ID, &s.PhaseID, &s.Position, &s.Name, &s.Status, &required, &errsJSON, &payload, &completedAt, &completedBy); err != nil {
			return nil, err
		}
		s.IsRequired = required != 0
		if errsJSON.Valid {
			s.ValidationErrors = decodeStringSlice(errsJSON.String)
		}
		if payload.Valid {
			s.PayloadJSON = &payload.String
		}
		if completedAt.Valid {
			s.CompletedAt = &completedAt.String
		}
		if completedBy.Valid {
			s.CompletedBy = &completedBy.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// CycleFilters narrow ListCycles.
type CycleFilters struct {
	TenantID string
	ReportID string
	Status   string
	Limit    int
}

// ListCycles returns cycle headers (no phase tree), newest first.
func (r Repo) ListCycles(ctx context.Context, f CycleFilters) ([]domain.Cycle, error) {
	clauses := []string{"tenant_id=?"}
	args := []any{f.TenantID}
	if f.ReportID != "" {
		clauses = append(clauses, "report_id=?")
		args = append(args, f.ReportID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT id,tenant_id,report_id,period_end,status,current_phase,current_step,pause_reason,started_at,completed_at,paused_at FROM cycles WHERE ` +
		joinAnd(clauses) + ` ORDER BY started_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Cycle
	for rows.Next() {
		var c domain.Cycle
		var pauseReason, completedAt, pausedAt sql.NullString
		if err := rows.Scan(&c.ID, &c.TenantID, &c.ReportID, &c.PeriodEnd, &c.Status, &c.CurrentPhase, &c.CurrentStep, &pauseReason, &c.StartedAt, &completedAt, &pausedAt); err != nil {
			return nil, err
		}
		if pauseReason.Valid {
			c.PauseReason = pauseReason.String
		}
		if completedAt.Valid {
			c.CompletedAt = &completedAt.String
		}
		if pausedAt.Valid {
			c.PausedAt = &pausedAt.String
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ListActiveCyclesTx returns a tenant's active cycle headers inside a
// transaction, so callers pausing them act on a consistent snapshot.
func (r Repo) ListActiveCyclesTx(ctx context.Context, tx *sql.Tx, tenantID string) ([]domain.Cycle, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id,tenant_id,report_id,period_end,status,current_phase,current_step,pause_reason,started_at,completed_at,paused_at FROM cycles WHERE tenant_id=? AND status=? ORDER BY started_at ASC, id ASC`,
		tenantID, domain.CycleActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Cycle
	for rows.Next() {
		var c domain.Cycle
		var pauseReason, completedAt, pausedAt sql.NullString
		if err := rows.Scan(&c.ID, &c.TenantID, &c.ReportID, &c.PeriodEnd, &c.Status, &c.CurrentPhase, &c.CurrentStep, &pauseReason, &c.StartedAt, &completedAt, &pausedAt); err != nil {
			return nil, err
		}
		if pauseReason.Valid {
			c.PauseReason = pauseReason.String
		}
		if completedAt.Valid {
			c.CompletedAt = &completedAt.String
		}
		if pausedAt.Valid {
			c.PausedAt = &pausedAt.String
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// --- tenant configs ---

func (r Repo) UpsertTenantConfig(ctx context.Context, tenantID string, cfg *config.Config) error {
	return upsertTenantConfig(ctx, r.DB, nil, tenantID, cfg)
}

func (r Repo) UpsertTenantConfigTx(ctx context.Context, tx *sql.Tx, tenantID string, cfg *config.Config) error {
	return upsertTenantConfig(ctx, nil, tx, tenantID, cfg)
}

func upsertTenantConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, tenantID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Tenant.ID = tenantID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO tenant_configs(tenant_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(tenant_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, tenantID, string(payload), now, now)
	return err
}

func (r Repo) GetTenantConfig(ctx context.Context, tenantID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM tenant_configs WHERE tenant_id=?`, tenantID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Tenant.ID == "" {
		cfg.Tenant.ID = tenantID
	}
	return &cfg, cfg.Validate()
}

// SingleTenantID returns the tenant when exactly one config row exists.
// The CLI uses it so single-tenant workspaces need no --tenant flag.
func (r Repo) SingleTenantID(ctx context.Context) (string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT tenant_id FROM tenant_configs ORDER BY tenant_id LIMIT 2`)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	switch len(ids) {
	case 0:
		return "", ErrNotFound
	case 1:
		return ids[0], nil
	default:
		return "", fmt.Errorf("multiple tenants configured; specify one")
	}
}

// --- helpers ---

func joinAnd(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += " AND " + c
	}
	return out
}

func marshalStringSlice(in []string) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func decodeStringSlice(raw string) []string {
	if raw == "" {
		return nil
	}
	var arr []string
	if err := json.Unmarshal([]byte(raw), &arr); err != nil {
		return nil
	}
	return arr
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
