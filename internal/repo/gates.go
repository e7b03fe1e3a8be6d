package repo

import (
	"context"
	"database/sql"

	"regline/internal/audit"
	"regline/internal/domain"
)

// InsertGateAction stores a pending gate action and its create audit entry.
func (r Repo) InsertGateAction(ctx context.Context, tx *sql.Tx, actor audit.Actor, a domain.GateAction) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO gate_actions(id,tenant_id,tool_name,params_json,status,requested_by,session_id,created_at,decided_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.TenantID, a.ToolName, a.ParamsJSON, a.Status, a.RequestedBy, nullable(a.SessionID), a.CreatedAt, nullableStringPtr(a.DecidedAt)); err != nil {
		return err
	}
	_, err := r.Audit.Record(ctx, tx, a.TenantID, actor, "create", "gate_action", a.ID, nil, a)
	return err
}

// FinalizeGateAction records the terminal decision and moves the action out
// of the pending set, in one transaction with one audit entry. Actions are
// never mutated after this.
func (r Repo) FinalizeGateAction(ctx context.Context, tx *sql.Tx, actor audit.Actor, prev, next domain.GateAction, d domain.Decision) error {
	res, err := tx.ExecContext(ctx, `UPDATE gate_actions SET status=?, decided_at=? WHERE id=? AND status=?`,
		next.Status, nullableStringPtr(next.DecidedAt), next.ID, domain.GatePending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO gate_decisions(action_id,decision,rationale,decided_by,decided_at,result_json) VALUES (?,?,?,?,?,?)`,
		d.ActionID, d.Decision, d.Rationale, d.DecidedBy, d.DecidedAt, nullableStringPtr(d.ResultJSON)); err != nil {
		return err
	}
	_, err = r.Audit.Record(ctx, tx, next.TenantID, actor, "update", "gate_action", next.ID, prev, next)
	return err
}

// AttachDecisionResult stores the executed tool result on an approved
// decision. The decision itself stays immutable apart from this one
// write-once column.
func (r Repo) AttachDecisionResult(ctx context.Context, tx *sql.Tx, actionID, resultJSON string) error {
	_, err := tx.ExecContext(ctx, `UPDATE gate_decisions SET result_json=? WHERE action_id=? AND result_json IS NULL`, resultJSON, actionID)
	return err
}

func scanGateAction(scan func(dest ...any) error) (domain.GateAction, error) {
	var a domain.GateAction
	var session, decidedAt sql.NullString
	err := scan(&a.ID, &a.TenantID, &a.ToolName, &a.ParamsJSON, &a.Status, &a.RequestedBy, &session, &a.CreatedAt, &decidedAt)
	if err != nil {
		return a, err
	}
	if session.Valid {
		a.SessionID = session.String
	}
	if decidedAt.Valid {
		a.DecidedAt = &decidedAt.String
	}
	return a, nil
}

const gateActionColumns = `id,tenant_id,tool_name,params_json,status,requested_by,session_id,created_at,decided_at`

func (r Repo) GetGateAction(ctx context.Context, id string) (domain.GateAction, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+gateActionColumns+` FROM gate_actions WHERE id=?`, id)
	a, err := scanGateAction(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) GetGateActionTx(ctx context.Context, tx *sql.Tx, id string) (domain.GateAction, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+gateActionColumns+` FROM gate_actions WHERE id=?`, id)
	a, err := scanGateAction(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// ListPendingGateActions returns one tenant's pending actions, oldest
// first. Isolation lives here, not in caller discipline: the tenant filter
// is part of the query.
func (r Repo) ListPendingGateActions(ctx context.Context, tenantID string) ([]domain.GateAction, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+gateActionColumns+` FROM gate_actions WHERE tenant_id=? AND status=? ORDER BY created_at ASC, id ASC`,
		tenantID, domain.GatePending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GateAction
	for rows.Next() {
		a, err := scanGateAction(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// GetDecision returns the terminal decision for an action, if any.
func (r Repo) GetDecision(ctx context.Context, actionID string) (domain.Decision, error) {
	var d domain.Decision
	var result sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT action_id,decision,rationale,decided_by,decided_at,result_json FROM gate_decisions WHERE action_id=?`, actionID).
		Scan(&d.ActionID, &d.Decision, &d.Rationale, &d.DecidedBy, &d.DecidedAt, &result)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if result.Valid {
		d.ResultJSON = &result.String
	}
	return d, nil
}
