package reglinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Regline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Cycle represents the API cycle model (partial).
type Cycle struct {
	ID           string `json:"id"`
	ReportID     string `json:"report_id"`
	PeriodEnd    string `json:"period_end"`
	Status       string `json:"status"`
	CurrentPhase string `json:"current_phase"`
	CurrentStep  int    `json:"current_step"`
	PauseReason  string `json:"pause_reason,omitempty"`
}

// Issue represents a data quality issue.
type Issue struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Severity        string   `json:"severity"`
	Status          string   `json:"status"`
	ImpactedReports []string `json:"impacted_reports,omitempty"`
	EscalationLevel int      `json:"escalation_level"`
}

// ToolResult is the immediate outcome of a tool request. A pending result
// carries the gate action id a reviewer must decide.
type ToolResult struct {
	Status   string         `json:"status"`
	Code     string         `json:"code,omitempty"`
	ActionID string         `json:"action_id,omitempty"`
	Output   map[string]any `json:"output,omitempty"`
}

// GateAction is a tool call waiting for (or resolved by) a human decision.
type GateAction struct {
	ID          string `json:"id"`
	ToolName    string `json:"tool_name"`
	ParamsJSON  string `json:"params_json"`
	Status      string `json:"status"`
	RequestedBy string `json:"requested_by"`
	CreatedAt   string `json:"created_at"`
}

// AuditEntry is one line of the append-only trail.
type AuditEntry struct {
	Seq        int64  `json:"seq"`
	TS         string `json:"ts"`
	Actor      string `json:"actor"`
	ActorType  string `json:"actor_type"`
	Action     string `json:"action"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// StartCycle starts a report cycle.
func (c *Client) StartCycle(ctx context.Context, reportID, periodEnd string) (Cycle, error) {
	body := map[string]any{
		"report_id":  reportID,
		"period_end": periodEnd,
	}
	var resp Cycle
	err := c.do(ctx, http.MethodPost, "v1/cycles", body, &resp)
	return resp, err
}

// GetCycle fetches a cycle by id.
func (c *Client) GetCycle(ctx context.Context, id string) (Cycle, error) {
	var resp Cycle
	err := c.do(ctx, http.MethodGet, "v1/cycles/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CompleteStep completes a step of a cycle phase.
func (c *Client) CompleteStep(ctx context.Context, cycleID, phase string, position int, payload map[string]any) (Cycle, error) {
	body := map[string]any{}
	if payload != nil {
		body["payload"] = payload
	}
	endpoint := fmt.Sprintf("v1/cycles/%s/steps/%s/%d/complete", url.PathEscape(cycleID), url.PathEscape(phase), position)
	var resp Cycle
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CompletePhase completes a phase of a cycle.
func (c *Client) CompletePhase(ctx context.Context, cycleID, phase string) (Cycle, error) {
	endpoint := fmt.Sprintf("v1/cycles/%s/phases/%s/complete", url.PathEscape(cycleID), url.PathEscape(phase))
	var resp Cycle
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ExecuteTool runs a tool through the approval gate.
func (c *Client) ExecuteTool(ctx context.Context, toolName string, params map[string]any, sessionID string) (ToolResult, error) {
	body := map[string]any{
		"tool_name":  toolName,
		"params":     params,
		"session_id": sessionID,
	}
	var resp ToolResult
	err := c.do(ctx, http.MethodPost, "v1/tools/execute", body, &resp)
	return resp, err
}

// PendingActions lists gate actions awaiting a decision.
func (c *Client) PendingActions(ctx context.Context) ([]GateAction, error) {
	var resp []GateAction
	err := c.do(ctx, http.MethodGet, "v1/gates/pending", nil, &resp)
	return resp, err
}

// Decide resolves a pending gate action.
func (c *Client) Decide(ctx context.Context, actionID, decision, rationale string, changedParams map[string]any) (ToolResult, error) {
	body := map[string]any{
		"decision":  decision,
		"rationale": rationale,
	}
	if changedParams != nil {
		body["changed_params"] = changedParams
	}
	var resp struct {
		Result ToolResult `json:"result"`
	}
	endpoint := "v1/gates/" + url.PathEscape(actionID) + "/decision"
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp.Result, err
}

// BlockingIssues lists unmitigated critical issues impacting a report.
func (c *Client) BlockingIssues(ctx context.Context, reportID string) ([]Issue, error) {
	endpoint := "v1/issues/blocking"
	if reportID != "" {
		endpoint += "?report_id=" + url.QueryEscape(reportID)
	}
	var resp []Issue
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Audit returns audit entries after the given sequence number.
func (c *Client) Audit(ctx context.Context, afterSeq int64, limit int) ([]AuditEntry, error) {
	endpoint := fmt.Sprintf("v1/audit?after_seq=%d", afterSeq)
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	var resp []AuditEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
