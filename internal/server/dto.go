package server

// Request payloads

type StartCycleRequest struct {
	ID        *string `json:"id,omitempty"`
	ReportID  string  `json:"report_id"`
	PeriodEnd string  `json:"period_end"`
}

type NavigateRequest struct {
	Phase string `json:"phase"`
}

type CompleteStepRequest struct {
	Payload map[string]any `json:"payload,omitempty"`
}

type UpdateStepRequest struct {
	ValidationErrors *[]string       `json:"validation_errors,omitempty"`
	Payload          *map[string]any `json:"payload,omitempty"`
	Skip             bool            `json:"skip,omitempty"`
}

type PauseCycleRequest struct {
	Reason string `json:"reason"`
}

type ReportRuleFailureRequest struct {
	RuleName        string   `json:"rule_name"`
	Detail          string   `json:"detail,omitempty"`
	Severity        string   `json:"severity" enum:"critical,high,medium,low"`
	ImpactedReports []string `json:"impacted_reports,omitempty"`
	ImpactedCDEs    []string `json:"impacted_cdes,omitempty"`
}

type UpdateIssueStatusRequest struct {
	Status string `json:"status" enum:"triaged,analyzing,resolving,pending_verification,verified,closed,escalated"`
}

type ExecuteToolRequest struct {
	ToolName  string         `json:"tool_name"`
	CycleID   string         `json:"cycle_id,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}

type GateDecisionRequest struct {
	Decision      string         `json:"decision" enum:"approved,approved_with_changes,rejected,deferred"`
	Rationale     string         `json:"rationale"`
	ChangedParams map[string]any `json:"changed_params,omitempty"`
}

type TriggerAgentRequest struct {
	CycleID   string         `json:"cycle_id,omitempty"`
	ReportID  string         `json:"report_id,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}

type CreateReportRequest struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Jurisdiction string `json:"jurisdiction,omitempty"`
	Frequency    string `json:"frequency,omitempty" enum:"monthly,quarterly,annual"`
}

type CreateCDERequest struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Owner        string   `json:"owner,omitempty"`
	SourceSystem string   `json:"source_system,omitempty"`
	ReportIDs    []string `json:"report_ids,omitempty"`
	Sensitivity  string   `json:"sensitivity,omitempty" enum:"public,internal,confidential,restricted"`
	QualityScore *float64 `json:"quality_score,omitempty"`
}

type CreateAnnotationRequest struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Text       string `json:"text"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads not covered by domain types

type ProgressResponse struct {
	CycleID      string `json:"cycle_id"`
	Status       string `json:"status"`
	CurrentPhase string `json:"current_phase"`
	CurrentStep  int    `json:"current_step"`
	Progress     int    `json:"progress" doc:"Completion percentage, 0-100"`
}

type DecisionResponse struct {
	Decision any `json:"decision"`
	Result   any `json:"result,omitempty"`
}

type AgentRunResponse struct {
	Agent  string `json:"agent"`
	Output any    `json:"output,omitempty"`
}

// TenantConfigDocument carries the tenant configuration as a YAML document,
// the same shape the CLI imports from disk.
type TenantConfigDocument struct {
	YAML string `json:"yaml"`
}

type CreatedAPIKeyResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	// Key is the plaintext credential, shown once at creation.
	Key string `json:"key"`
}

type StatusResponse struct {
	Tenant         string `json:"tenant"`
	ActiveCycles   int    `json:"active_cycles"`
	PausedCycles   int    `json:"paused_cycles"`
	PendingGates   int    `json:"pending_gates"`
	LatestAuditSeq int64  `json:"latest_audit_seq"`
}
