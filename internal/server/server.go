package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"regline/internal/audit"
	"regline/internal/config"
	"regline/internal/domain"
	"regline/internal/engine"
	"regline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"critical_issue_blocking"`
	Message string         `json:"message" example:"cycle is paused by a critical issue"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"issue_ids\":[\"iss-1\"]}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Regline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema violations are the caller's fault, not a semantic conflict.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(raw))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, raw)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Regline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerCycles(group, cfg.Engine)
	registerIssues(group, cfg.Engine)
	registerTools(group, cfg.Engine)
	registerGates(group, cfg.Engine)
	registerAgents(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerToolCalls(group, cfg.Engine)
	registerCatalog(group, cfg.Engine)
	registerKeys(group, cfg.Engine)
	registerTenantConfig(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	if cfg.Engine.Config != nil && len(cfg.Engine.Config.Webhooks) > 0 {
		startWebhookDispatcher(cfg.Engine)
	}

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var incomplete *engine.IncompletePhaseError
	if errors.As(err, &incomplete) {
		return newAPIError(http.StatusUnprocessableEntity, "phase_incomplete", err.Error(), map[string]any{
			"phase":             incomplete.Phase,
			"missing_steps":     incomplete.MissingSteps,
			"validation_errors": incomplete.ValidationErrors,
		})
	}
	var denied *engine.NavigationDeniedError
	if errors.As(err, &denied) {
		return newAPIError(http.StatusConflict, "navigation_denied", err.Error(), map[string]any{
			"phase":  denied.Phase,
			"reason": denied.Reason,
		})
	}
	var blocking *engine.CriticalIssueBlockingError
	if errors.As(err, &blocking) {
		return newAPIError(http.StatusConflict, "critical_issue_blocking", err.Error(), map[string]any{
			"cycle_id":  blocking.CycleID,
			"issue_ids": blocking.IssueIDs,
		})
	}
	var stillBlocked *engine.StillBlockedError
	if errors.As(err, &stillBlocked) {
		return newAPIError(http.StatusConflict, "still_blocked", err.Error(), map[string]any{
			"cycle_id":  stillBlocked.CycleID,
			"issue_ids": stillBlocked.IssueIDs,
		})
	}
	var reviewer *engine.HumanReviewerRequiredError
	if errors.As(err, &reviewer) {
		return newAPIError(http.StatusForbidden, "human_reviewer_required", err.Error(), map[string]any{
			"actor_id":   reviewer.ActorID,
			"actor_type": reviewer.ActorType,
		})
	}
	var rationale *engine.InsufficientRationaleError
	if errors.As(err, &rationale) {
		return newAPIError(http.StatusUnprocessableEntity, "insufficient_rationale", err.Error(), map[string]any{
			"min": rationale.Min,
			"got": rationale.Got,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "transition"):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case strings.Contains(lowered, "already") || strings.Contains(lowered, "not pending"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "validation"):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	case strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "missing"),
		strings.Contains(lowered, "required"),
		strings.Contains(lowered, "unknown"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// authorize resolves the caller and checks its tenant binding against the
// tenant this server hosts.
func authorize(ctx context.Context, e engine.Engine) (audit.Actor, huma.StatusError) {
	tenantID := ""
	if e.Config != nil {
		tenantID = e.Config.Tenant.ID
	}
	if err := requireTenant(ctx, tenantID); err != nil {
		return audit.Actor{}, err
	}
	return actorFromContext(ctx)
}

func bodyBytes(ctx context.Context) []byte {
	raw, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return raw
}

func marshalParams(params map[string]any) (string, error) {
	if params == nil {
		return "", nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}
	return string(raw), nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Regline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Tenant status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, e); authErr != nil {
			return nil, authErr
		}
		tenantID := e.Config.Tenant.ID
		active, err := e.Repo.ListCycles(ctx, repo.CycleFilters{TenantID: tenantID, Status: domain.CycleActive})
		if err != nil {
			return nil, handleError(err)
		}
		paused, err := e.Repo.ListCycles(ctx, repo.CycleFilters{TenantID: tenantID, Status: domain.CyclePaused})
		if err != nil {
			return nil, handleError(err)
		}
		pending, err := e.Repo.ListPendingGateActions(ctx, tenantID)
		if err != nil {
			return nil, handleError(err)
		}
		seq, err := e.Audit.LatestSeq(ctx, tenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{
			Tenant:         tenantID,
			ActiveCycles:   len(active),
			PausedCycles:   len(paused),
			PendingGates:   len(pending),
			LatestAuditSeq: seq,
		}}, nil
	})
}

func registerCycles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-cycle",
		Method:        http.MethodPost,
		Path:          "/cycles",
		Summary:       "Start report cycle",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body StartCycleRequest `json:"body"`
	}) (*struct {
		Body domain.Cycle `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := authorize(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.StartCycleOptions{
			ReportID:  input.Body.ReportID,
			PeriodEnd: input.Body.PeriodEnd,
			Actor:     actor,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		c, err := e.StartReportCycle(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Cycle `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cycles",
		Method:      http.MethodGet,
		Path:        "/cycles",
		Summary:     "List cycles",
	}, func(ctx context.Context, input *struct {
		ReportID string `query:"report_id"`
		Status   string `query:"status"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body []domain.Cycle `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, e); authErr != nil {
			return nil, authErr
		}
		cycles, err := e.Repo.ListCycles(ctx, repo.CycleFilters{
			TenantID: e.Config.Tenant.ID,
			ReportID: input.ReportID,
			Status:   input.Status,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Cycle `json:"body"`
		}{Body: cycles}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-cycle",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}",
		Summary:     "Get cycle",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CycleID string `path:"cycle_id"`
	}) (*struct {
		Body domain.Cycle `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, e); authErr != nil {
			return nil, authErr
		}
		c, err := e.Repo.GetCycle(ctx, input.CycleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Cycle `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cycle-progress",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/progress",
		Summary:     "Cycle progress",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CycleID string `path:"cycle_id"`
	}) (*struct {
		Body ProgressResponse `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, e); authErr != nil {
			return nil, authErr
		}
		c, err := e.Repo.GetCycle(ctx, input.CycleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProgressResponse `json:"body"`
		}{Body: ProgressResponse{
			CycleID:      c.ID,
			Status:       c.Status,
			CurrentPhase: c.CurrentPhase,
			CurrentStep:  c.CurrentStep,
			Progress:     engine.OverallProgress(c),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-step",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/steps/{phase}/{position}/complete",
		Summary:     "Complete step",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		CycleID  string              `path:"cycle_id"`
		Phase    string              `path:"phase"`
		Position int                 `path:"position"`
		Body     CompleteStepRequest `json:"body"`
	}) (*struct {
		Body domain.Cycle `json:"body"`
	}, error) {
		actor, authErr := authorize(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		payloadJSON, err := marshalParams(input.Body.Payload)
		if err != nil {
			return nil, handleError(err)
		}
		ref := engine.StepRef{CycleID: input.CycleID, Phase: input.Phase, Position: input.Position}
		c, err := e.CompleteStep(ctx, ref, payloadJSON, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Cycle `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-step",
		Method:      http.MethodPatch,
		Path:        "/cycles/{cycle_id}/steps/{phase}/{position}",
		Summary:     "Update step",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CycleID  string            `path:"cycle_id"`
		Phase    string            `path:"phase"`
		Position int               `path:"position"`
		Body     UpdateStepRequest `json:"body"`
	}) (*struct {
		Body domain.Cycle `json:"body"`
	}, error) {
		actor, authErr := authorize(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.StepUpdateOptions{
			ValidationErrors: input.Body.ValidationErrors,
			Skip:             input.Body.Skip,
		}
		if input.Body.Payload != nil {
			payloadJSON, err := marshalParams(*input.Body.Payload)
			if err != nil {
				return nil, handleError(err)
			}
			opts.PayloadJSON = &payloadJSON
		}
		ref := engine.StepRef{CycleID: input.CycleID, Phase: input.Phase, Position: input.Position}
		c, err := e.UpdateStep(ctx, ref, opts, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Cycle `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-phase",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/phases/{phase}/complete",
		Summary:     "Complete phase",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		CycleID string `path:"cycle_id"`
		Phase   string `path:"phase"`
	}) (*struct {
		Body domain.Cycle `json:"body"`
	}, error) {
		actor, authErr := authorize(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CompletePhase(ctx, input.CycleID, input.Phase, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Cycle `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "navigate-cycle",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/navigate",
		Summary:     "Navigate to phase",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CycleID string          `path:"cycle_id"`
		Body    NavigateRequest `json:"body"`
	}) (*struct {
		Body domain.Cycle `json:"body"`
	}, error) {
		actor, authErr := authorize(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Phase == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "phase is required", nil)
		}
		c, err := e.NavigateToPhase(ctx, input.CycleID, input.Body.Phase, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Cycle `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pause-cycle",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/pause",
		Summary:     "Pause cycle",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CycleID string            `path:"cycle_id"`
		Body    PauseCycleRequest `json:"body"`
	}) (*struct {
		Body domain.Cycle `json:"body"`
	}, error) {
		actor, authErr := authorize(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.PauseCycle(ctx, input.CycleID, input.Body.Reason, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Cycle `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-cycle",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/resume",
		Summary:     "Resume cycle",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CycleID string `path:"cycle_id"`
	}) (*struct {
		Body domain.Cycle `json:"body"`
	}, error) {
		actor, authErr := authorize(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.ResumeCycle(ctx, input.CycleID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Cycle `json:"body"`
		}{Body: c}, nil
	})
}

func registerIssues(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "report-rule-failure",
		Method:        http.MethodPost,
		Path:          "/issues",
		Summary:       "Open issue from rule failure",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ReportRuleFailureRequest `json:"body"`
	}) (*struct {
		Body domain.Issue `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := authorize(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		is, err := e.CreateIssueFromRuleFailure(ctx, engine.RuleFailure{
			RuleName:        input.Body.RuleName,
			Detail:          input.Body.Detail,
			Severity:        input.Body.Severity,
			ImpactedReports: input.Body.ImpactedReports,
			ImpactedCDEs:    input.Body.ImpactedCDEs,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Issue `json:"body"`
		}{Body: is}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-issues",
		Method:      http.MethodGet,
		Path:        "/issues",
		Summary:     "List issues",
	}, func(ctx context.Context, input *struct {
		Severity string `query:"severity"`
		Status   string `query:"status"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body []domain.Issue `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, e); authErr != nil {
			return nil, authErr
		}
		issues, err := e.Repo.ListIssues(ctx, repo.IssueFilters{
			TenantID: e.Config.Tenant.ID,
			Severity: input.Severity,
			Status:   input.Status,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Issue `json:"body"`
		}{Body: issues}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "blocking-issues",
		Method:      http.MethodGet,
		Path:        "/issues/blocking",
		Summary:     "List blocking critical issues",
	}, func(ctx context.Context, input *struct {
		ReportID string `query:"report_id"`
	}) (*struct {
		Body []domain.Issue `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, e); authErr != nil {
			return nil, authErr
		}
		issues, err := e.BlockingIssues(ctx, input.ReportID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Issue `json:"body"`
		}{Body: issues}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-issue",
		Method:      http.MethodGet,
		Path:        "/issues/{issue_id}",
		Summary:     "Get issue",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IssueID string `path:"issue_id"`
	}) (*struct {
		Body domain.Issue `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, e); authErr != nil {
			return nil, authErr
		}
		is, err := e.Repo.GetIssue(ctx, input.IssueID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Issue `json:"body"`
		}{Body: is}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-issue-status",
		Method:      http.MethodPatch,
		Path:        "/issues/{issue_id}/status",
		Summary:     "Update issue status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		IssueID string                   `path:"issue_id"`
		Body    UpdateIssueStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Issue `json:"body"`
	}, error) {
		actor, authErr := authorize(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		is, err := e.UpdateIssueStatus(ctx, input.IssueID, input.Body.Status, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Issue `json:"body"`
		}{Body: is}, nil
	})
}

func registerTools(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "execute-tool",
		Method:      http.MethodPost,
		Path:        "/tools/execute",
		Summary:     "Execute tool through the approval gate",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ExecuteToolRequest `json:"body"`
	}) (*struct {
		Body engine.ToolResult `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ToolName == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "tool_name is required", nil)
		}
		actor, authErr := authorize(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		result, err := e.ExecuteTool(ctx, engine.ToolRequest{
			ToolName:  input.Body.ToolName,
			CycleID:   input.Body.CycleID,
			Params:    input.Body.Params,
			Actor:     actor,
			SessionID: input.Body.SessionID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ToolResult `json:"body"`
		}{Body: result}, nil
	})
}

func registerGates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "pending-gate-actions",
		Method:      http.MethodGet,
		Path:        "/gates/pending",
		Summary:     "List pending gate actions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.GateAction `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, e); authErr != nil {
			return nil, authErr
		}
		actions, err := e.ListPendingActions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.GateAction `json:"body"`
		}{Body: actions}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-gate-action",
		Method:      http.MethodGet,
		Path:        "/gates/{action_id}",
		Summary:     "Get gate action",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActionID string `path:"action_id"`
	}) (*struct {
		Body domain.GateAction `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, e); authErr != nil {
			return nil, authErr
		}
		a, err := e.Repo.GetGateAction(ctx, input.ActionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.GateAction `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-gate-action",
		Method:      http.MethodPost,
		Path:        "/gates/{action_id}/decision",
		Summary:     "Decide gate action",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ActionID string              `path:"action_id"`
		Body     GateDecisionRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		actor, authErr := authorize(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		d, result, err := e.ProcessDecision(ctx, engine.DecisionRequest{
			ActionID:      input.ActionID,
			Decision:      input.Body.Decision,
			Rationale:     input.Body.Rationale,
			ChangedParams: input.Body.ChangedParams,
			Actor:         actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: DecisionResponse{Decision: d, Result: result}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-gate-decision",
		Method:      http.MethodGet,
		Path:        "/gates/{action_id}/decision",
		Summary:     "Get gate decision",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActionID string `path:"action_id"`
	}) (*struct {
		Body domain.Decision `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, e); authErr != nil {
			return nil, authErr
		}
		d, err := e.Repo.GetDecision(ctx, input.ActionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Decision `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-gate-action",
		Method:      http.MethodPost,
		Path:        "/gates/{action_id}/cancel",
		Summary:     "Cancel pending gate action",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ActionID string `path:"action_id"`
		Reason   string `query:"reason"`
	}) (*struct {
		Body domain.GateAction `json:"body"`
	}, error) {
		actor, authErr := authorize(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.CancelAction(ctx, input.ActionID, input.Reason, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.GateAction `json:"body"`
		}{Body: a}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List registered agents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []string `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, e); authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: e.Agents.Names()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "trigger-agent",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_name}/trigger",
		Summary:     "Trigger agent",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		AgentName string              `path:"agent_name"`
		Body      TriggerAgentRequest `json:"body"`
	}) (*struct {
		Body AgentRunResponse `json:"body"`
	}, error) {
		actor, authErr := authorize(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.TriggerAgent(ctx, engine.AgentRequest{
			AgentName: input.AgentName,
			CycleID:   input.Body.CycleID,
			ReportID:  input.Body.ReportID,
			Params:    input.Body.Params,
			Actor:     actor,
			SessionID: input.Body.SessionID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentRunResponse `json:"body"`
		}{Body: AgentRunResponse{Agent: input.AgentName, Output: out}}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit-entries",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Query audit trail",
	}, func(ctx context.Context, input *struct {
		EntityType string `query:"entity_type"`
		EntityID   string `query:"entity_id"`
		AfterSeq   int64  `query:"after_seq"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []domain.AuditEntry `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, e); authErr != nil {
			return nil, authErr
		}
		entries, err := e.Audit.Query(ctx, audit.Filters{
			TenantID:   e.Config.Tenant.ID,
			EntityType: input.EntityType,
			EntityID:   input.EntityID,
			AfterSeq:   input.AfterSeq,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AuditEntry `json:"body"`
		}{Body: entries}, nil
	})
}

func registerToolCalls(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "session-tool-calls",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/tool-calls",
		Summary:     "List tool calls for a session",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body []domain.ToolCall `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, e); authErr != nil {
			return nil, authErr
		}
		calls, err := e.ToolLog.BySession(ctx, e.Config.Tenant.ID, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ToolCall `json:"body"`
		}{Body: calls}, nil
	})
}

func registerCatalog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-report",
		Method:        http.MethodPost,
		Path:          "/reports",
		Summary:       "Register report",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateReportRequest `json:"body"`
	}) (*struct {
		Body domain.Report `json:"body"`
	}, error) {
		actor, authErr := authorize(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		rep := domain.Report{
			ID:           input.Body.ID,
			TenantID:     e.Config.Tenant.ID,
			Name:         input.Body.Name,
			Jurisdiction: input.Body.Jurisdiction,
			Frequency:    input.Body.Frequency,
		}
		if err := e.Repo.InsertReport(ctx, actor, rep); err != nil {
			return nil, handleError(err)
		}
		created, err := e.Repo.GetReport(ctx, rep.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Report `json:"body"`
		}{Body: created}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reports",
		Method:      http.MethodGet,
		Path:        "/reports",
		Summary:     "List reports",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Report `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, e); authErr != nil {
			return nil, authErr
		}
		reports, err := e.Repo.ListReports(ctx, e.Config.Tenant.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Report `json:"body"`
		}{Body: reports}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-report",
		Method:      http.MethodGet,
		Path:        "/reports/{report_id}",
		Summary:     "Get report",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ReportID string `path:"report_id"`
	}) (*struct {
		Body domain.Report `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, e); authErr != nil {
			return nil, authErr
		}
		rep, err := e.Repo.GetReport(ctx, input.ReportID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Report `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-cde",
		Method:        http.MethodPost,
		Path:          "/cdes",
		Summary:       "Register critical data element",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateCDERequest `json:"body"`
	}) (*struct {
		Body domain.CDE `json:"body"`
	}, error) {
		actor, authErr := authorize(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		c := domain.CDE{
			ID:           input.Body.ID,
			TenantID:     e.Config.Tenant.ID,
			Name:         input.Body.Name,
			Owner:        input.Body.Owner,
			SourceSystem: input.Body.SourceSystem,
			ReportIDs:    input.Body.ReportIDs,
			Sensitivity:  input.Body.Sensitivity,
			QualityScore: input.Body.QualityScore,
		}
		if err := e.Repo.InsertCDE(ctx, actor, c); err != nil {
			return nil, handleError(err)
		}
		created, err := e.Repo.GetCDE(ctx, c.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CDE `json:"body"`
		}{Body: created}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cdes",
		Method:      http.MethodGet,
		Path:        "/cdes",
		Summary:     "List critical data elements",
	}, func(ctx context.Context, input *struct {
		SourceSystem string `query:"source_system"`
	}) (*struct {
		Body []domain.CDE `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, e); authErr != nil {
			return nil, authErr
		}
		tenantID := e.Config.Tenant.ID
		var (
			cdes []domain.CDE
			err  error
		)
		if input.SourceSystem != "" {
			cdes, err = e.Repo.ListCDEsBySource(ctx, tenantID, input.SourceSystem)
		} else {
			cdes, err = e.Repo.ListCDEs(ctx, tenantID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.CDE `json:"body"`
		}{Body: cdes}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-cde",
		Method:      http.MethodGet,
		Path:        "/cdes/{cde_id}",
		Summary:     "Get critical data element",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CDEID string `path:"cde_id"`
	}) (*struct {
		Body domain.CDE `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, e); authErr != nil {
			return nil, authErr
		}
		c, err := e.Repo.GetCDE(ctx, input.CDEID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CDE `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-annotation",
		Method:        http.MethodPost,
		Path:          "/annotations",
		Summary:       "Annotate entity",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAnnotationRequest `json:"body"`
	}) (*struct {
		Body domain.Annotation `json:"body"`
	}, error) {
		actor, authErr := authorize(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.EntityType == "" || input.Body.EntityID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "entity_type and entity_id are required", nil)
		}
		if strings.TrimSpace(input.Body.Text) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "text is required", nil)
		}
		a := domain.Annotation{
			ID:         uuid.NewString(),
			TenantID:   e.Config.Tenant.ID,
			EntityType: input.Body.EntityType,
			EntityID:   input.Body.EntityID,
			Text:       input.Body.Text,
			Author:     actor.ID,
		}
		created, err := e.Repo.InsertAnnotation(ctx, actor, a)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Annotation `json:"body"`
		}{Body: created}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-annotations",
		Method:      http.MethodGet,
		Path:        "/annotations",
		Summary:     "List annotations",
	}, func(ctx context.Context, input *struct {
		EntityType string `query:"entity_type"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []domain.Annotation `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, e); authErr != nil {
			return nil, authErr
		}
		annotations, err := e.Repo.ListAnnotations(ctx, e.Config.Tenant.ID, input.EntityType, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Annotation `json:"body"`
		}{Body: annotations}, nil
	})
}

func registerKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreatedAPIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, e); authErr != nil {
			return nil, authErr
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		plaintext := "rgl_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		key := domain.APIKey{
			ID:       uuid.NewString(),
			ActorID:  input.Body.ActorID,
			TenantID: e.Config.Tenant.ID,
			Name:     input.Body.Name,
			KeyHash:  repo.HashAPIKey(plaintext),
		}
		if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreatedAPIKeyResponse `json:"body"`
		}{Body: CreatedAPIKeyResponse{
			ID:      key.ID,
			ActorID: key.ActorID,
			Name:    key.Name,
			Key:     plaintext,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, e); authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, e.Config.Tenant.ID)
		if err != nil {
			return nil, handleError(err)
		}
		for i := range keys {
			keys[i].KeyHash = ""
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: keys}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/keys/{key_id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if _, authErr := authorize(ctx, e); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerTenantConfig(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-tenant-config",
		Method:      http.MethodGet,
		Path:        "/config",
		Summary:     "Get tenant config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TenantConfigDocument `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, e); authErr != nil {
			return nil, authErr
		}
		cfg, err := e.Repo.GetTenantConfig(ctx, e.Config.Tenant.ID)
		if err != nil {
			return nil, handleError(err)
		}
		raw, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TenantConfigDocument `json:"body"`
		}{Body: TenantConfigDocument{YAML: string(raw)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-tenant-config",
		Method:      http.MethodPut,
		Path:        "/config",
		Summary:     "Replace tenant config",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body TenantConfigDocument `json:"body"`
	}) (*struct {
		Body TenantConfigDocument `json:"body"`
	}, error) {
		if _, authErr := authorize(ctx, e); authErr != nil {
			return nil, authErr
		}
		cfg := &config.Config{}
		if err := yaml.Unmarshal([]byte(input.Body.YAML), cfg); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid config yaml: "+err.Error(), nil)
		}
		if cfg.Tenant.ID != "" && cfg.Tenant.ID != e.Config.Tenant.ID {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "config tenant does not match hosted tenant", nil)
		}
		cfg.Tenant.ID = e.Config.Tenant.ID
		if err := e.Repo.UpsertTenantConfig(ctx, e.Config.Tenant.ID, cfg); err != nil {
			return nil, handleError(err)
		}
		raw, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TenantConfigDocument `json:"body"`
		}{Body: TenantConfigDocument{YAML: string(raw)}}, nil
	})
}
