package domain

// Cycle is one execution instance of a report's end-to-end workflow.
type Cycle struct {
	ID           string  `json:"id"`
	TenantID     string  `json:"tenant_id"`
	ReportID     string  `json:"report_id"`
	PeriodEnd    string  `json:"period_end"`
	Status       string  `json:"status" enum:"active,paused,completed,failed"`
	CurrentPhase string  `json:"current_phase"`
	CurrentStep  int     `json:"current_step"`
	PauseReason  string  `json:"pause_reason,omitempty"`
	Phases       []Phase `json:"phases,omitempty"`
	StartedAt    string  `json:"started_at" format:"date-time"`
	CompletedAt  *string `json:"completed_at,omitempty" format:"date-time"`
	PausedAt     *string `json:"paused_at,omitempty" format:"date-time"`
}

// Phase is one of the fixed, ordered workflow phases of a cycle.
type Phase struct {
	ID             string  `json:"id"`
	CycleID        string  `json:"cycle_id"`
	Position       int     `json:"position"`
	Name           string  `json:"name"`
	Status         string  `json:"status" enum:"pending,in_progress,completed,blocked"`
	BlockingReason string  `json:"blocking_reason,omitempty"`
	Steps          []Step  `json:"steps,omitempty"`
	CompletedAt    *string `json:"completed_at,omitempty" format:"date-time"`
	CompletedBy    *string `json:"completed_by,omitempty"`
}

// Step is the smallest unit of work inside a phase.
type Step struct {
	ID               string   `json:"id"`
	PhaseID          string   `json:"phase_id"`
	Position         int      `json:"position"`
	Name             string   `json:"name"`
	Status           string   `json:"status" enum:"pending,in_progress,completed,skipped"`
	IsRequired       bool     `json:"is_required"`
	ValidationErrors []string `json:"validation_errors,omitempty"`
	PayloadJSON      *string  `json:"payload_json,omitempty"`
	CompletedAt      *string  `json:"completed_at,omitempty" format:"date-time"`
	CompletedBy      *string  `json:"completed_by,omitempty"`
}

// Issue is a defect record. Issues are never deleted, only status-transitioned.
type Issue struct {
	ID              string   `json:"id"`
	TenantID        string   `json:"tenant_id"`
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Source          string   `json:"source,omitempty"`
	Severity        string   `json:"severity" enum:"critical,high,medium,low"`
	Status          string   `json:"status" enum:"open,triaged,analyzing,resolving,pending_verification,verified,closed,escalated"`
	ImpactedReports []string `json:"impacted_reports,omitempty"`
	ImpactedCDEs    []string `json:"impacted_cdes,omitempty"`
	EscalationLevel int      `json:"escalation_level"`
	Assignee        string   `json:"assignee,omitempty"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
	EscalatedAt     *string  `json:"escalated_at,omitempty" format:"date-time"`
}

// GateAction is a request for human sign-off on a sensitive operation.
// Never mutated after a terminal decision is recorded.
type GateAction struct {
	ID          string  `json:"id"`
	TenantID    string  `json:"tenant_id"`
	ToolName    string  `json:"tool_name"`
	ParamsJSON  string  `json:"params_json"`
	Status      string  `json:"status" enum:"pending,approved,rejected,deferred,cancelled"`
	RequestedBy string  `json:"requested_by"`
	SessionID   string  `json:"session_id,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	DecidedAt   *string `json:"decided_at,omitempty" format:"date-time"`
}

// Decision is the immutable outcome of a gate action.
type Decision struct {
	ActionID   string  `json:"action_id"`
	Decision   string  `json:"decision" enum:"approved,approved_with_changes,rejected,deferred"`
	Rationale  string  `json:"rationale"`
	DecidedBy  string  `json:"decided_by"`
	DecidedAt  string  `json:"decided_at" format:"date-time"`
	ResultJSON *string `json:"result_json,omitempty"`
}

// AuditEntry is an immutable record of one state-changing operation.
type AuditEntry struct {
	Seq           int64   `json:"seq"`
	ID            string  `json:"id"`
	TenantID      string  `json:"tenant_id"`
	TS            string  `json:"ts" format:"date-time"`
	Actor         string  `json:"actor"`
	ActorType     string  `json:"actor_type" enum:"agent,human,system"`
	Action        string  `json:"action" enum:"create,update,delete"`
	EntityType    string  `json:"entity_type"`
	EntityID      string  `json:"entity_id"`
	PreviousState *string `json:"previous_state,omitempty"`
	NewState      *string `json:"new_state,omitempty"`
}

// ToolCall is one tool invocation record kept for end-user transparency.
// Separate from the audit log.
type ToolCall struct {
	ID              string `json:"id"`
	CallID          string `json:"call_id"`
	ToolName        string `json:"tool_name"`
	ParamsJSON      string `json:"params_json"`
	UserID          string `json:"user_id"`
	TenantID        string `json:"tenant_id"`
	SessionID       string `json:"session_id"`
	Status          string `json:"status" enum:"completed,pending,failed"`
	DurationMS      int64  `json:"duration_ms"`
	TS              string `json:"ts" format:"date-time"`
	DisplayedToUser bool   `json:"displayed_to_user"`
}

// Report is a regulatory report in the catalog.
type Report struct {
	ID           string `json:"id"`
	TenantID     string `json:"tenant_id"`
	Name         string `json:"name"`
	Jurisdiction string `json:"jurisdiction,omitempty"`
	Frequency    string `json:"frequency,omitempty" enum:"monthly,quarterly,annual"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

// CDE is a critical data element in the inventory.
type CDE struct {
	ID           string   `json:"id"`
	TenantID     string   `json:"tenant_id"`
	Name         string   `json:"name"`
	Owner        string   `json:"owner,omitempty"`
	SourceSystem string   `json:"source_system,omitempty"`
	ReportIDs    []string `json:"report_ids,omitempty"`
	Sensitivity  string   `json:"sensitivity,omitempty" enum:"public,internal,confidential,restricted"`
	QualityScore *float64 `json:"quality_score,omitempty"`
	OverallScore *float64 `json:"overall_score,omitempty"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
	UpdatedAt    string   `json:"updated_at" format:"date-time"`
}

// Annotation is a free-form note attached to a tracked entity.
type Annotation struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Text       string `json:"text"`
	Author     string `json:"author"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// APIKey authenticates a caller and binds it to a tenant.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	TenantID  string `json:"tenant_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Cycle statuses.
const (
	CycleActive    = "active"
	CyclePaused    = "paused"
	CycleCompleted = "completed"
	CycleFailed    = "failed"
)

// Phase and step statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusBlocked    = "blocked"
	StatusSkipped    = "skipped"
)

// Issue severities.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Issue statuses.
const (
	IssueOpen                = "open"
	IssueTriaged             = "triaged"
	IssueAnalyzing           = "analyzing"
	IssueResolving           = "resolving"
	IssuePendingVerification = "pending_verification"
	IssueVerified            = "verified"
	IssueClosed              = "closed"
	IssueEscalated           = "escalated"
)

// Gate action statuses and decision outcomes.
const (
	GatePending   = "pending"
	GateApproved  = "approved"
	GateRejected  = "rejected"
	GateDeferred  = "deferred"
	GateCancelled = "cancelled"

	DecisionApproved            = "approved"
	DecisionApprovedWithChanges = "approved_with_changes"
	DecisionRejected            = "rejected"
	DecisionDeferred            = "deferred"
)

// Actor types for audit entries.
const (
	ActorAgent  = "agent"
	ActorHuman  = "human"
	ActorSystem = "system"
)
