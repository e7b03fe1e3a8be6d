package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"regline/internal/config"
	"regline/internal/db"
	"regline/internal/domain"
	"regline/internal/engine"
	"regline/internal/migrate"
	"regline/internal/repo"
	"regline/internal/server"
)

const testJWTSecret = "server-test-secret"

type testServer struct {
	BaseURL string
	Engine  engine.Engine
	Client  *http.Client
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("acme")
	eng := engine.New(conn, cfg)
	ctx := context.Background()
	if err := eng.Repo.UpsertTenantConfig(ctx, "acme", cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	handler, err := server.New(server.Config{
		Engine: eng,
		Auth:   server.AuthConfig{JWTSecret: testJWTSecret},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	return testServer{
		BaseURL: "http://" + ln.Addr().String() + "/v1",
		Engine:  eng,
		Client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func mintToken(t *testing.T, subject, tenant string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":    subject,
		"tenant": tenant,
		"exp":    time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func seedAPIKey(t *testing.T, ts testServer, actorID, tenantID string) string {
	t.Helper()
	plaintext := "rgl_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	err := ts.Engine.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID:       uuid.NewString(),
		ActorID:  actorID,
		TenantID: tenantID,
		KeyHash:  repo.HashAPIKey(plaintext),
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	return plaintext
}

// doJSON issues a request and decodes the JSON response into out when
// out is non-nil. Headers beyond Content-Type come from hdr.
func doJSON(t *testing.T, client *http.Client, method, url string, hdr map[string]string, in, out any) int {
	t.Helper()
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("decode response (%s): %v", string(raw), err)
		}
	}
	return res.StatusCode
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func TestHealthNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t)
	var body map[string]string
	status := doJSON(t, ts.Client, http.MethodGet, ts.BaseURL+"/health", nil, nil, &body)
	if status != http.StatusOK {
		t.Fatalf("health status = %d", status)
	}
	if body["status"] != "ok" {
		t.Fatalf("health body = %v", body)
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	ts := newTestServer(t)
	var envelope errorEnvelope
	status := doJSON(t, ts.Client, http.MethodGet, ts.BaseURL+"/cycles", nil, nil, &envelope)
	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", status)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}
}

func TestStartCycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	token := mintToken(t, "analyst-1", "acme")

	var c domain.Cycle
	status := doJSON(t, ts.Client, http.MethodPost, ts.BaseURL+"/cycles", bearer(token), map[string]any{
		"report_id":  "ffiec-031",
		"period_end": "2026-03-31",
	}, &c)
	if status != http.StatusCreated {
		t.Fatalf("status = %d, want 201", status)
	}
	if c.Status != domain.CycleActive {
		t.Fatalf("cycle status = %q", c.Status)
	}
	if c.CurrentPhase == "" || len(c.Phases) == 0 {
		t.Fatalf("cycle missing phase plan: %+v", c)
	}
	if c.Phases[0].Status != domain.StatusInProgress {
		t.Fatalf("first phase status = %q", c.Phases[0].Status)
	}

	var got domain.Cycle
	status = doJSON(t, ts.Client, http.MethodGet, ts.BaseURL+"/cycles/"+c.ID, bearer(token), nil, &got)
	if status != http.StatusOK {
		t.Fatalf("get cycle status = %d", status)
	}
	if got.ID != c.ID {
		t.Fatalf("got cycle %q, want %q", got.ID, c.ID)
	}

	var progress server.ProgressResponse
	status = doJSON(t, ts.Client, http.MethodGet, ts.BaseURL+"/cycles/"+c.ID+"/progress", bearer(token), nil, &progress)
	if status != http.StatusOK {
		t.Fatalf("progress status = %d", status)
	}
	if progress.Progress != 0 {
		t.Fatalf("fresh cycle progress = %v", progress.Progress)
	}
}

func TestIncompletePhaseRejectedWithDetails(t *testing.T) {
	ts := newTestServer(t)
	token := mintToken(t, "analyst-1", "acme")

	var c domain.Cycle
	doJSON(t, ts.Client, http.MethodPost, ts.BaseURL+"/cycles", bearer(token), map[string]any{
		"report_id":  "ffiec-031",
		"period_end": "2026-03-31",
	}, &c)

	var envelope errorEnvelope
	url := fmt.Sprintf("%s/cycles/%s/phases/%s/complete", ts.BaseURL, c.ID, c.CurrentPhase)
	status := doJSON(t, ts.Client, http.MethodPost, url, bearer(token), nil, &envelope)
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", status)
	}
	if envelope.Error.Code != "phase_incomplete" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}
	if envelope.Error.Details["missing_steps"] == nil {
		t.Fatalf("details = %v, want missing_steps", envelope.Error.Details)
	}
}

func TestCriticalToolGateOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	executed := false
	ts.Engine.Exec = func(ctx context.Context, toolName, tenantID string, params map[string]any) (any, error) {
		executed = true
		return map[string]any{"submitted": true}, nil
	}
	// Engine is copied into the handler at construction time, so rebuild
	// the server with the test executor in place.
	handler, err := server.New(server.Config{
		Engine: ts.Engine,
		Auth:   server.AuthConfig{JWTSecret: testJWTSecret},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	base := "http://" + ln.Addr().String() + "/v1"
	token := mintToken(t, "agent-7", "acme")

	var result engine.ToolResult
	status := doJSON(t, ts.Client, http.MethodPost, base+"/tools/execute", bearer(token), map[string]any{
		"tool_name":  "submit_report",
		"params":     map[string]any{"report_id": "ffiec-031", "period_end": "2026-03-31"},
		"session_id": "sess-http",
	}, &result)
	if status != http.StatusOK {
		t.Fatalf("execute status = %d", status)
	}
	if result.Status != engine.ResultPending {
		t.Fatalf("result status = %q, want pending", result.Status)
	}
	if result.Code != engine.HumanApprovalRequired {
		t.Fatalf("result code = %q", result.Code)
	}
	if result.ActionID == "" {
		t.Fatal("pending result missing action id")
	}
	if executed {
		t.Fatal("critical tool executed before approval")
	}

	var pending []domain.GateAction
	status = doJSON(t, ts.Client, http.MethodGet, base+"/gates/pending", bearer(token), nil, &pending)
	if status != http.StatusOK || len(pending) != 1 {
		t.Fatalf("pending status = %d, actions = %d", status, len(pending))
	}

	reviewer := mintToken(t, "reviewer-1", "acme")
	var decision server.DecisionResponse
	status = doJSON(t, ts.Client, http.MethodPost, base+"/gates/"+result.ActionID+"/decision", bearer(reviewer), map[string]any{
		"decision":  "approved",
		"rationale": "figures reconciled against the general ledger",
	}, &decision)
	if status != http.StatusOK {
		t.Fatalf("decision status = %d", status)
	}
	if !executed {
		t.Fatal("approved tool did not execute")
	}

	var action domain.GateAction
	status = doJSON(t, ts.Client, http.MethodGet, base+"/gates/"+result.ActionID, bearer(token), nil, &action)
	if status != http.StatusOK {
		t.Fatalf("get action status = %d", status)
	}
	if action.Status != domain.GateApproved {
		t.Fatalf("action status = %q", action.Status)
	}
}

func TestShortRationaleRejectedOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	token := mintToken(t, "agent-7", "acme")

	var result engine.ToolResult
	doJSON(t, ts.Client, http.MethodPost, ts.BaseURL+"/tools/execute", bearer(token), map[string]any{
		"tool_name": "close_critical_issue",
		"params":    map[string]any{"issue_id": "iss-1"},
	}, &result)
	if result.ActionID == "" {
		t.Fatalf("expected pending action, got %+v", result)
	}

	var envelope errorEnvelope
	status := doJSON(t, ts.Client, http.MethodPost, ts.BaseURL+"/gates/"+result.ActionID+"/decision", bearer(token), map[string]any{
		"decision":  "approved",
		"rationale": "ok",
	}, &envelope)
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", status)
	}
	if envelope.Error.Code != "insufficient_rationale" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}
}

func TestCancelActionOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	token := mintToken(t, "agent-7", "acme")

	var result engine.ToolResult
	doJSON(t, ts.Client, http.MethodPost, ts.BaseURL+"/tools/execute", bearer(token), map[string]any{
		"tool_name": "close_critical_issue",
		"params":    map[string]any{"issue_id": "iss-1"},
	}, &result)
	if result.ActionID == "" {
		t.Fatalf("expected pending action, got %+v", result)
	}

	var action domain.GateAction
	status := doJSON(t, ts.Client, http.MethodPost, ts.BaseURL+"/gates/"+result.ActionID+"/cancel?reason="+url.QueryEscape("duplicate request"), bearer(token), nil, &action)
	if status != http.StatusOK {
		t.Fatalf("cancel status = %d", status)
	}
	if action.Status != domain.GateCancelled {
		t.Fatalf("action status = %q", action.Status)
	}

	var d domain.Decision
	status = doJSON(t, ts.Client, http.MethodGet, ts.BaseURL+"/gates/"+result.ActionID+"/decision", bearer(token), nil, &d)
	if status != http.StatusOK {
		t.Fatalf("decision status = %d", status)
	}
	if d.Decision != domain.DecisionRejected || !strings.Contains(d.Rationale, "duplicate request") {
		t.Fatalf("expected rejection embedding the reason, got %+v", d)
	}
}

func TestAPIKeyBoundToTenant(t *testing.T) {
	ts := newTestServer(t)
	ownKey := seedAPIKey(t, ts, "agent-own", "acme")
	foreignKey := seedAPIKey(t, ts, "agent-foreign", "globex")

	var cycles []domain.Cycle
	status := doJSON(t, ts.Client, http.MethodGet, ts.BaseURL+"/cycles", map[string]string{"X-Api-Key": ownKey}, nil, &cycles)
	if status != http.StatusOK {
		t.Fatalf("own key status = %d", status)
	}

	var envelope errorEnvelope
	status = doJSON(t, ts.Client, http.MethodGet, ts.BaseURL+"/cycles", map[string]string{"X-Api-Key": foreignKey}, nil, &envelope)
	if status != http.StatusForbidden {
		t.Fatalf("foreign key status = %d, want 403", status)
	}
	if envelope.Error.Code != "forbidden" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}
}

func TestForeignTenantJWTRejected(t *testing.T) {
	ts := newTestServer(t)
	token := mintToken(t, "analyst-1", "globex")

	var envelope errorEnvelope
	status := doJSON(t, ts.Client, http.MethodGet, ts.BaseURL+"/status", bearer(token), nil, &envelope)
	if status != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", status)
	}
}

func TestUnknownCycleReturnsNotFound(t *testing.T) {
	ts := newTestServer(t)
	token := mintToken(t, "analyst-1", "acme")

	var envelope errorEnvelope
	status := doJSON(t, ts.Client, http.MethodGet, ts.BaseURL+"/cycles/nope", bearer(token), nil, &envelope)
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}
}

func TestRuleFailurePausesCycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	token := mintToken(t, "analyst-1", "acme")

	var c domain.Cycle
	doJSON(t, ts.Client, http.MethodPost, ts.BaseURL+"/cycles", bearer(token), map[string]any{
		"report_id":  "ffiec-031",
		"period_end": "2026-03-31",
	}, &c)

	var issue domain.Issue
	status := doJSON(t, ts.Client, http.MethodPost, ts.BaseURL+"/issues", bearer(token), map[string]any{
		"rule_name":        "balance_reconciliation",
		"severity":         "critical",
		"impacted_reports": []string{"ffiec-031"},
	}, &issue)
	if status != http.StatusCreated {
		t.Fatalf("issue status = %d", status)
	}
	if issue.Severity != domain.SeverityCritical {
		t.Fatalf("severity = %q", issue.Severity)
	}

	var got domain.Cycle
	doJSON(t, ts.Client, http.MethodGet, ts.BaseURL+"/cycles/"+c.ID, bearer(token), nil, &got)
	if got.Status != domain.CyclePaused {
		t.Fatalf("cycle status = %q, want paused", got.Status)
	}

	var blocking []domain.Issue
	status = doJSON(t, ts.Client, http.MethodGet, ts.BaseURL+"/issues/blocking?report_id=ffiec-031", bearer(token), nil, &blocking)
	if status != http.StatusOK || len(blocking) != 1 {
		t.Fatalf("blocking status = %d, issues = %d", status, len(blocking))
	}

	var envelope errorEnvelope
	status = doJSON(t, ts.Client, http.MethodPost, ts.BaseURL+"/cycles/"+c.ID+"/resume", bearer(token), nil, &envelope)
	if status != http.StatusConflict {
		t.Fatalf("resume status = %d, want 409", status)
	}
	if envelope.Error.Code != "still_blocked" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestServer(t)
	token := mintToken(t, "analyst-1", "acme")

	doJSON(t, ts.Client, http.MethodPost, ts.BaseURL+"/cycles", bearer(token), map[string]any{
		"report_id":  "ffiec-031",
		"period_end": "2026-03-31",
	}, nil)

	var st server.StatusResponse
	status := doJSON(t, ts.Client, http.MethodGet, ts.BaseURL+"/status", bearer(token), nil, &st)
	if status != http.StatusOK {
		t.Fatalf("status endpoint = %d", status)
	}
	if st.Tenant != "acme" || st.ActiveCycles != 1 {
		t.Fatalf("status = %+v", st)
	}
	if st.LatestAuditSeq == 0 {
		t.Fatal("expected audit entries after starting a cycle")
	}
}

func TestCreateAPIKeyOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	token := mintToken(t, "admin-1", "acme")

	var created server.CreatedAPIKeyResponse
	status := doJSON(t, ts.Client, http.MethodPost, ts.BaseURL+"/keys", bearer(token), map[string]any{
		"actor_id": "agent-9",
		"name":     "pipeline",
	}, &created)
	if status != http.StatusCreated {
		t.Fatalf("create key status = %d", status)
	}
	if created.Key == "" {
		t.Fatal("plaintext key missing from creation response")
	}

	var cycles []domain.Cycle
	status = doJSON(t, ts.Client, http.MethodGet, ts.BaseURL+"/cycles", map[string]string{"X-Api-Key": created.Key}, nil, &cycles)
	if status != http.StatusOK {
		t.Fatalf("new key status = %d", status)
	}

	var keys []domain.APIKey
	doJSON(t, ts.Client, http.MethodGet, ts.BaseURL+"/keys", bearer(token), nil, &keys)
	if len(keys) != 1 || keys[0].KeyHash != "" {
		t.Fatalf("keys = %+v, want one entry without hash", keys)
	}

	status = doJSON(t, ts.Client, http.MethodDelete, ts.BaseURL+"/keys/"+created.ID, bearer(token), nil, nil)
	if status != http.StatusNoContent && status != http.StatusOK {
		t.Fatalf("delete key status = %d", status)
	}
	status = doJSON(t, ts.Client, http.MethodGet, ts.BaseURL+"/cycles", map[string]string{"X-Api-Key": created.Key}, nil, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("deleted key status = %d, want 401", status)
	}
}

func TestSessionToolCallsOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	token := mintToken(t, "agent-7", "acme")

	var result engine.ToolResult
	status := doJSON(t, ts.Client, http.MethodPost, ts.BaseURL+"/tools/execute", bearer(token), map[string]any{
		"tool_name":  "run_quality_rules",
		"session_id": "sess-42",
	}, &result)
	if status != http.StatusOK || result.Status != engine.ResultCompleted {
		t.Fatalf("execute status = %d, result = %+v", status, result)
	}

	var calls []domain.ToolCall
	status = doJSON(t, ts.Client, http.MethodGet, ts.BaseURL+"/sessions/sess-42/tool-calls", bearer(token), nil, &calls)
	if status != http.StatusOK {
		t.Fatalf("tool calls status = %d", status)
	}
	if len(calls) != 1 || calls[0].ToolName != "run_quality_rules" {
		t.Fatalf("calls = %+v", calls)
	}
	if !calls[0].DisplayedToUser {
		t.Fatal("tool call not marked displayed")
	}
}

func TestCatalogCreatesStampTimestamps(t *testing.T) {
	ts := newTestServer(t)
	token := mintToken(t, "steward-1", "acme")

	var rep domain.Report
	status := doJSON(t, ts.Client, http.MethodPost, ts.BaseURL+"/reports", bearer(token), map[string]any{
		"id":   "ffiec-031",
		"name": "Consolidated Reports of Condition and Income",
	}, &rep)
	if status != http.StatusCreated {
		t.Fatalf("create report status = %d", status)
	}
	if rep.CreatedAt == "" || rep.UpdatedAt == "" {
		t.Fatalf("report stored with empty timestamps: %q %q", rep.CreatedAt, rep.UpdatedAt)
	}
	if _, err := time.Parse(time.RFC3339, rep.CreatedAt); err != nil {
		t.Fatalf("created_at not RFC3339: %v", err)
	}

	var cde domain.CDE
	status = doJSON(t, ts.Client, http.MethodPost, ts.BaseURL+"/cdes", bearer(token), map[string]any{
		"id":   "cde-total-assets",
		"name": "Total Assets",
	}, &cde)
	if status != http.StatusCreated {
		t.Fatalf("create cde status = %d", status)
	}
	if cde.CreatedAt == "" || cde.UpdatedAt == "" {
		t.Fatalf("cde stored with empty timestamps: %q %q", cde.CreatedAt, cde.UpdatedAt)
	}

	var note domain.Annotation
	status = doJSON(t, ts.Client, http.MethodPost, ts.BaseURL+"/annotations", bearer(token), map[string]any{
		"entity_type": "cde",
		"entity_id":   "cde-total-assets",
		"text":        "owner confirmed for Q1 filing",
	}, &note)
	if status != http.StatusCreated {
		t.Fatalf("create annotation status = %d", status)
	}
	if note.CreatedAt == "" {
		t.Fatalf("annotation stored with empty created_at")
	}
}

func TestDeleteUnknownAPIKeyReturnsNotFound(t *testing.T) {
	ts := newTestServer(t)
	token := mintToken(t, "admin-1", "acme")

	var envelope errorEnvelope
	status := doJSON(t, ts.Client, http.MethodDelete, ts.BaseURL+"/keys/"+uuid.NewString(), bearer(token), nil, &envelope)
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}
}
