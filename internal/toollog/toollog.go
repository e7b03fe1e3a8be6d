package toollog

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"regline/internal/domain"
)

// Log records tool invocations for end-user transparency. Every invocation
// is recorded, whether or not it required approval.
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

// Record inserts one tool call. Duration must be non-negative; records are
// always displayed to the user.
func (l Log) Record(ctx context.Context, tx *sql.Tx, call domain.ToolCall) (domain.ToolCall, error) {
	if call.ToolName == "" {
		return call, errors.New("toollog: tool name required")
	}
	if call.TenantID == "" {
		return call, errors.New("toollog: tenant required")
	}
	if call.DurationMS < 0 {
		call.DurationMS = 0
	}
	if call.ID == "" {
		call.ID = uuid.New().String()
	}
	if call.CallID == "" {
		call.CallID = uuid.New().String()
	}
	if call.TS == "" {
		call.TS = l.now().UTC().Format(time.RFC3339Nano)
	}
	call.DisplayedToUser = true
	exec := l.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO tool_calls(id,call_id,tool_name,params_json,user_id,tenant_id,session_id,status,duration_ms,ts,displayed_to_user) VALUES (?,?,?,?,?,?,?,?,?,?,1)`,
		call.ID, call.CallID, call.ToolName, call.ParamsJSON, call.UserID, call.TenantID, call.SessionID, call.Status, call.DurationMS, call.TS)
	return call, err
}

// BySession returns a session's tool calls in call order.
func (l Log) BySession(ctx context.Context, tenantID, sessionID string) ([]domain.ToolCall, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT id,call_id,tool_name,params_json,user_id,tenant_id,session_id,status,duration_ms,ts,displayed_to_user FROM tool_calls WHERE tenant_id=? AND session_id=? ORDER BY ts ASC, id ASC`,
		tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ToolCall
	for rows.Next() {
		var c domain.ToolCall
		var displayed int
		if err := rows.Scan(&c.ID, &c.CallID, &c.ToolName, &c.ParamsJSON, &c.UserID, &c.TenantID, &c.SessionID, &c.Status, &c.DurationMS, &c.TS, &displayed); err != nil {
			return nil, err
		}
		c.DisplayedToUser = displayed != 0
		res = append(res, c)
	}
	return res, rows.Err()
}
