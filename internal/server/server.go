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

	"innoflow/internal/domain"
	"innoflow/internal/engine"
	"innoflow/internal/metrics"
	"innoflow/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Audit    store.Auditor
	Metrics  *metrics.Recorder
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"gate_failed"`
	Message string         `json:"message" example:"conversion to pilot requires TRL >= 6"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"gate\":\"trl\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the innoflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Engine.Store == nil {
		return nil, errors.New("server requires an engine with a store")
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
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
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}
	hcfg := huma.DefaultConfig("innoflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerEntities(group, cfg.Engine)
	registerApprovals(group, cfg.Engine)
	registerMilestones(group, cfg.Engine)
	registerTRL(group, cfg.Engine)
	registerConversions(group, cfg.Engine, cfg.Audit)
	registerScaling(group, cfg.Engine)
	registerEvents(group, cfg.Audit)
	registerMe(group, cfg.Engine)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

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

// handleError maps engine error classes onto HTTP statuses. The envelope code
// is the engine's error code so clients can branch without parsing messages.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	var details map[string]any
	var perm engine.PermissionError
	var val engine.ValidationError
	var gate engine.GateError
	var stale *store.StaleVersionError
	switch {
	case errors.As(err, &perm):
		details = map[string]any{"required_role": perm.Required, "actor_role": perm.Actual}
	case errors.As(err, &val):
		details = map[string]any{"fields": val.Fields}
	case errors.As(err, &gate):
		details = map[string]any{"gate": gate.Gate, "threshold": gate.Threshold, "actual": gate.Actual}
	case errors.As(err, &stale):
		details = map[string]any{"expected_version": stale.Expected, "actual_version": stale.Actual}
	}
	code := engine.ErrorCode(err)
	switch code {
	case "forbidden":
		return newAPIError(http.StatusForbidden, code, msg, details)
	case "validation_failed", "gate_failed":
		return newAPIError(http.StatusUnprocessableEntity, code, msg, details)
	case "invalid_step", "already_completed", "stale_version", "already_exists":
		return newAPIError(http.StatusConflict, code, msg, details)
	case "not_found":
		return newAPIError(http.StatusNotFound, code, msg, nil)
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
	oas.Components.SecuritySchemes["actorHeader"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Actor-Id",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"actorHeader": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>innoflow API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Actor-Id / X-Actor-Role.
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

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func parseRef(kind, id string) (domain.Ref, huma.StatusError) {
	k, err := domain.ParseKind(kind)
	if err != nil {
		return domain.Ref{}, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"kind": kind})
	}
	if strings.TrimSpace(id) == "" {
		return domain.Ref{}, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
	}
	return domain.Ref{Kind: k, ID: id}, nil
}

func parseDecision(s string) (domain.Decision, huma.StatusError) {
	d, err := domain.ParseDecision(s)
	if err != nil {
		return "", newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	return d, nil
}

func registerEntities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-entity",
		Method:        http.MethodPost,
		Path:          "/entities/{kind}",
		Summary:       "Create a draft entity",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Kind string              `path:"kind"`
		Body CreateEntityRequest `json:"body"`
	}) (*entityOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		kind, err := domain.ParseKind(input.Kind)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		fields, err := rawFields(input.Body.Fields)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		rec, err := e.CreateEntity(ctx, engine.CreateInput{
			Kind: kind, ID: input.Body.ID, Title: input.Body.Title, Fields: fields, ActorID: principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &entityOutput{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entity",
		Method:      http.MethodGet,
		Path:        "/entities/{kind}/{id}",
		Summary:     "Get entity",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Kind string `path:"kind"`
		ID   string `path:"id"`
	}) (*entityOutput, error) {
		ref, refErr := parseRef(input.Kind, input.ID)
		if refErr != nil {
			return nil, refErr
		}
		rec, err := e.Get(ctx, ref)
		if err != nil {
			return nil, handleError(err)
		}
		return &entityOutput{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-entity",
		Method:      http.MethodPost,
		Path:        "/entities/{kind}/{id}/transitions",
		Summary:     "Move an entity along its lifecycle",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Kind string            `path:"kind"`
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*entityOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ref, refErr := parseRef(input.Kind, input.ID)
		if refErr != nil {
			return nil, refErr
		}
		rec, err := e.TransitionStatus(ctx, engine.TransitionInput{Ref: ref, To: domain.Status(input.Body.Status), ActorID: principal.ActorID})
		if err != nil {
			return nil, handleError(err)
		}
		return &entityOutput{Body: rec}, nil
	})
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-approvals",
		Method:      http.MethodGet,
		Path:        "/entities/{kind}/{id}/approvals",
		Summary:     "Approval chain state",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Kind string `path:"kind"`
		ID   string `path:"id"`
	}) (*struct {
		Body engine.ApprovalView `json:"body"`
	}, error) {
		ref, refErr := parseRef(input.Kind, input.ID)
		if refErr != nil {
			return nil, refErr
		}
		view, err := e.Approvals(ctx, ref)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ApprovalView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-decision",
		Method:      http.MethodPost,
		Path:        "/entities/{kind}/{id}/approvals",
		Summary:     "Record a decision on the current approval step",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Kind string          `path:"kind"`
		ID   string          `path:"id"`
		Body DecisionRequest `json:"body"`
	}) (*decisionOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ref, refErr := parseRef(input.Kind, input.ID)
		if refErr != nil {
			return nil, refErr
		}
		decision, decErr := parseDecision(input.Body.Decision)
		if decErr != nil {
			return nil, decErr
		}
		res, err := e.SubmitDecision(ctx, engine.DecisionInput{
			Ref:       ref,
			ActorID:   principal.ActorID,
			ActorName: principal.Name,
			ActorRole: principal.Role,
			Decision:  decision,
			Comment:   input.Body.Comment,
			Step:      input.Body.Step,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &decisionOutput{Body: res}, nil
	})
}

func registerMilestones(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "approve-milestone",
		Method:      http.MethodPost,
		Path:        "/entities/{kind}/{id}/milestones/approve",
		Summary:     "Complete an approval-gated milestone with evidence",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Kind string                   `path:"kind"`
		ID   string                   `path:"id"`
		Body MilestoneApprovalRequest `json:"body"`
	}) (*entityOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ref, refErr := parseRef(input.Kind, input.ID)
		if refErr != nil {
			return nil, refErr
		}
		rec, err := e.ApproveMilestone(ctx, engine.MilestoneApproval{
			Ref:          ref,
			Milestone:    input.Body.Milestone,
			ApproverID:   principal.ActorID,
			ApproverName: principal.Name,
			Evidence:     input.Body.Evidence,
			Notes:        input.Body.Notes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &entityOutput{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-milestone-status",
		Method:      http.MethodPatch,
		Path:        "/entities/{kind}/{id}/milestones",
		Summary:     "Set a milestone status",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Kind string                 `path:"kind"`
		ID   string                 `path:"id"`
		Body MilestoneStatusRequest `json:"body"`
	}) (*entityOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ref, refErr := parseRef(input.Kind, input.ID)
		if refErr != nil {
			return nil, refErr
		}
		rec, err := e.SetMilestoneStatus(ctx, engine.MilestoneStatusInput{
			Ref: ref, Milestone: input.Body.Milestone, Status: domain.MilestoneStatus(input.Body.Status), ActorID: principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &entityOutput{Body: rec}, nil
	})
}

func registerTRL(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "assess-trl",
		Method:      http.MethodPost,
		Path:        "/entities/{kind}/{id}/trl",
		Summary:     "Record a technology readiness assessment",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Kind string     `path:"kind"`
		ID   string     `path:"id"`
		Body TRLRequest `json:"body"`
	}) (*struct {
		Body engine.TRLResult `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ref, refErr := parseRef(input.Kind, input.ID)
		if refErr != nil {
			return nil, refErr
		}
		res, err := e.AssessTRL(ctx, engine.TRLInput{
			Ref:          ref,
			Level:        input.Body.Level,
			EvidenceText: input.Body.EvidenceText,
			Confidence:   input.Body.Confidence,
			AssessorID:   principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TRLResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerConversions(api huma.API, e engine.Engine, audit store.Auditor) {
	huma.Register(api, huma.Operation{
		OperationID: "convert-entity",
		Method:      http.MethodPost,
		Path:        "/entities/{kind}/{id}/conversions",
		Summary:     "Convert an entity into a linked target entity",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Kind           string         `path:"kind"`
		ID             string         `path:"id"`
		IdempotencyKey string         `header:"Idempotency-Key"`
		Body           ConvertRequest `json:"body"`
	}) (*struct {
		Body engine.ConvertResult `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ref, refErr := parseRef(input.Kind, input.ID)
		if refErr != nil {
			return nil, refErr
		}
		fields, err := rawFields(input.Body.Fields)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		key := input.Body.IdempotencyKey
		if key == "" {
			key = input.IdempotencyKey
		}
		res, err := e.Convert(ctx, engine.ConvertRequest{
			Source:         ref,
			Type:           domain.ConversionType(input.Body.Type),
			Title:          input.Body.Title,
			Fields:         fields,
			ActorID:        principal.ActorID,
			IdempotencyKey: key,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ConvertResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-conversions",
		Method:      http.MethodGet,
		Path:        "/entities/{kind}/{id}/conversions",
		Summary:     "Entities created from this entity",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Kind string `path:"kind"`
		ID   string `path:"id"`
	}) (*struct {
		Body LinkList `json:"body"`
	}, error) {
		ref, refErr := parseRef(input.Kind, input.ID)
		if refErr != nil {
			return nil, refErr
		}
		if audit == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "conversion links are not available", nil)
		}
		links, err := audit.ListConversionLinks(ctx, ref)
		if err != nil {
			return nil, handleError(err)
		}
		resp := LinkList{Items: []domain.ConversionLink{}}
		resp.Items = append(resp.Items, links...)
		return &struct {
			Body LinkList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "repair-backref",
		Method:      http.MethodPost,
		Path:        "/entities/{kind}/{id}/repair-backref",
		Summary:     "Write the missing source back-reference for a converted entity",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Kind string `path:"kind"`
		ID   string `path:"id"`
	}) (*struct {
		Body engine.RepairResult `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ref, refErr := parseRef(input.Kind, input.ID)
		if refErr != nil {
			return nil, refErr
		}
		res, err := e.RepairBackReference(ctx, ref, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.RepairResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerScaling(api huma.API, e engine.Engine) {
	planRef := func(id string) domain.Ref {
		return domain.Ref{Kind: domain.KindScalingPlan, ID: id}
	}

	huma.Register(api, huma.Operation{
		OperationID: "record-unit-progress",
		Method:      http.MethodPost,
		Path:        "/scaling-plans/{id}/progress",
		Summary:     "Record execution progress for one unit",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body UnitProgressRequest `json:"body"`
	}) (*entityOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.RecordUnitProgress(ctx, engine.UnitProgressInput{
			Ref:       planRef(input.ID),
			UnitID:    input.Body.UnitID,
			Progress:  input.Body.Progress,
			KPIStatus: domain.KPIStatus(input.Body.KPIStatus),
			OnHold:    input.Body.OnHold,
			ActorID:   principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &entityOutput{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-phase",
		Method:      http.MethodPost,
		Path:        "/scaling-plans/{id}/phases/advance",
		Summary:     "Complete the active phase and start the next",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*entityOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.AdvancePhase(ctx, engine.PhaseInput{Ref: planRef(input.ID), ActorID: principal.ActorID})
		if err != nil {
			return nil, handleError(err)
		}
		return &entityOutput{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-budget",
		Method:      http.MethodPost,
		Path:        "/scaling-plans/{id}/budget",
		Summary:     "Decide the budget gate",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body GateDecisionRequest `json:"body"`
	}) (*entityOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		decision, decErr := parseDecision(input.Body.Decision)
		if decErr != nil {
			return nil, decErr
		}
		rec, err := e.DecideBudget(ctx, engine.BudgetDecisionInput{
			Ref: planRef(input.ID), ActorID: principal.ActorID, ActorRole: principal.Role, Decision: decision, Comments: input.Body.Comments,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &entityOutput{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resubmit-budget",
		Method:      http.MethodPost,
		Path:        "/scaling-plans/{id}/budget/resubmit",
		Summary:     "Resubmit a revised budget estimate",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body ResubmitBudgetRequest `json:"body"`
	}) (*entityOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.ResubmitBudget(ctx, engine.ResubmitBudgetInput{
			Ref: planRef(input.ID), ActorID: principal.ActorID, EstimatedBudget: input.Body.EstimatedBudget, Comments: input.Body.Comments,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &entityOutput{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-integration",
		Method:      http.MethodPost,
		Path:        "/scaling-plans/{id}/integration",
		Summary:     "Decide the national integration gate",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                     `path:"id"`
		Body IntegrationDecisionRequest `json:"body"`
	}) (*entityOutput, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		decision, decErr := parseDecision(input.Body.Decision)
		if decErr != nil {
			return nil, decErr
		}
		rec, err := e.DecideIntegration(ctx, engine.IntegrationDecisionInput{
			Ref:       planRef(input.ID),
			ActorID:   principal.ActorID,
			ActorRole: principal.Role,
			Decision:  decision,
			Checklist: input.Body.Checklist,
			Notes:     input.Body.Notes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &entityOutput{Body: rec}, nil
	})
}

func registerEvents(api huma.API, audit store.Auditor) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body EventList `json:"body"`
	}, error) {
		if audit == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "audit log is not available", nil)
		}
		var kind domain.Kind
		if input.EntityKind != "" {
			k, err := domain.ParseKind(input.EntityKind)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			kind = k
		}
		items, err := audit.ListEvents(ctx, kind, input.EntityID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventList{Items: []EventResponse{}}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body EventList `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		role := principal.Role
		if role == "" && e.Roles != nil {
			if stored, err := e.Roles.ActorRole(ctx, principal.ActorID); err == nil {
				role = stored
			}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: principal.ActorID,
			Name:    principal.Name,
			Role:    role,
			Source:  principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		var role domain.RoleID
		if input.Body.Role != "" {
			parsed, err := domain.ParseRole(input.Body.Role)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			role = parsed
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Name, role)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}
