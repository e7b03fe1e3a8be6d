package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"regline/internal/domain"
)

// Actor identifies who performed a mutation.
type Actor struct {
	ID   string
	Type string // agent, human, system
}

// System returns a system actor for internally triggered mutations.
func System() Actor {
	return Actor{ID: "regline", Type: domain.ActorSystem}
}

// Log appends immutable entries to the audit trail. Record must be called
// in the same transaction as the mutation it describes.
type Log struct {
	DB  *sql.DB
	Now func() time.Time
}

func (l Log) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Record writes one entry. prev and next are snapshotted as JSON; either
// may be nil (create has no previous state, delete has no new state).
func (l Log) Record(ctx context.Context, tx *sql.Tx, tenantID string, actor Actor, action, entityType, entityID string, prev, next any) (domain.AuditEntry, error) {
	if actor.ID == "" {
		return domain.AuditEntry{}, fmt.Errorf("audit: actor required")
	}
	if entityID == "" {
		return domain.AuditEntry{}, fmt.Errorf("audit: entity id required")
	}
	entry := domain.AuditEntry{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		TS:         l.now().UTC().Format(time.RFC3339Nano),
		Actor:      actor.ID,
		ActorType:  actor.Type,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
	}
	var err error
	if entry.PreviousState, err = snapshot(prev); err != nil {
		return domain.AuditEntry{}, fmt.Errorf("audit: marshal previous state: %w", err)
	}
	if entry.NewState, err = snapshot(next); err != nil {
		return domain.AuditEntry{}, fmt.Errorf("audit: marshal new state: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO audit_entries(id,tenant_id,ts,actor,actor_type,action,entity_type,entity_id,previous_state,new_state) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		entry.ID, entry.TenantID, entry.TS, entry.Actor, entry.ActorType, entry.Action, entry.EntityType, entry.EntityID,
		nullableStringPtr(entry.PreviousState), nullableStringPtr(entry.NewState))
	if err != nil {
		return domain.AuditEntry{}, err
	}
	entry.Seq, _ = res.LastInsertId()
	return entry, nil
}

// Filters narrow a Query. TenantID is mandatory; entries from other tenants
// are never returned.
type Filters struct {
	TenantID   string
	EntityType string
	EntityID   string
	AfterSeq   int64
	Limit      int
}

// Query returns entries oldest first. It never mutates the log.
func (l Log) Query(ctx context.Context, f Filters) ([]domain.AuditEntry, error) {
	if f.TenantID == "" {
		return nil, fmt.Errorf("audit: tenant required")
	}
	clauses := []string{"tenant_id=?"}
	args := []any{f.TenantID}
	if f.EntityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.AfterSeq > 0 {
		clauses = append(clauses, "seq>?")
		args = append(args, f.AfterSeq)
	}
	query := `SELECT seq,id,tenant_id,ts,actor,actor_type,action,entity_type,entity_id,previous_state,new_state FROM audit_entries WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY seq ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var prev, next sql.NullString
		if err := rows.Scan(&e.Seq, &e.ID, &e.TenantID, &e.TS, &e.Actor, &e.ActorType, &e.Action, &e.EntityType, &e.EntityID, &prev, &next); err != nil {
			return nil, err
		}
		if prev.Valid {
			e.PreviousState = &prev.String
		}
		if next.Valid {
			e.NewState = &next.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountForEntity returns the number of entries recorded against one entity.
func (l Log) CountForEntity(ctx context.Context, tenantID, entityType, entityID string) (int, error) {
	row := l.DB.QueryRowContext(ctx, `SELECT count(*) FROM audit_entries WHERE tenant_id=? AND entity_type=? AND entity_id=?`,
		tenantID, entityType, entityID)
	var n int
	err := row.Scan(&n)
	return n, err
}

// LatestSeq returns the most recent sequence number for a tenant.
func (l Log) LatestSeq(ctx context.Context, tenantID string) (int64, error) {
	row := l.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM audit_entries WHERE tenant_id=?`, tenantID)
	var seq int64
	err := row.Scan(&seq)
	return seq, err
}

func snapshot(v any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
