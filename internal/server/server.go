package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"approvalq/internal/activity"
	"approvalq/internal/domain"
	"approvalq/internal/engine"
	"approvalq/internal/engine/auth"
	"approvalq/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *zerolog.Logger
}

func (c Config) logger() zerolog.Logger {
	if c.Logger != nil {
		return *c.Logger
	}
	return zerolog.Nop()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"stale_level"`
	Message string         `json:"message" example:"request is at level 2, not 1"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"current_level\":2}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the approval API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	log := cfg.logger()
	router := chi.NewRouter()
	router.Use(requestLogger(log))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("approvalq API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAuth(group, cfg.Engine, cfg.Auth)
	registerMe(group, cfg.Engine)
	registerDefinitions(group, cfg.Engine)
	registerRequests(group, cfg.Engine)
	registerPending(group, cfg.Engine)
	registerActivity(group, cfg.Engine)
	registerStreams(group, cfg.Engine, log)
	registerDirectory(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("elapsed", time.Since(start)).Msg("http request")
		})
	}
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var (
		fe         auth.ForbiddenError
		na         auth.NotApproverError
		unknown    engine.UnknownWorkflowTypeError
		notFound   engine.RequestNotFoundError
		notPending engine.RequestNotPendingError
		missing    engine.WorkflowDefinitionMissingError
		stale      engine.StaleLevelError
		inUse      engine.DefinitionInUseError
		mutation   engine.MutationExecutionError
		payload    domain.PayloadError
	)
	switch {
	case errors.As(err, &fe):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	case errors.As(err, &na):
		return newAPIError(http.StatusForbidden, "not_approver", err.Error(), map[string]any{"level": na.Level, "required_role": na.Required})
	case errors.As(err, &unknown):
		return newAPIError(http.StatusNotFound, "unknown_workflow_type", err.Error(), map[string]any{"request_type": unknown.RequestType})
	case errors.As(err, &notFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.As(err, &notPending):
		return newAPIError(http.StatusConflict, "request_not_pending", err.Error(), map[string]any{"status": notPending.Status})
	case errors.As(err, &stale):
		return newAPIError(http.StatusConflict, "stale_level", err.Error(), map[string]any{"expected_level": stale.Expected, "current_level": stale.Current})
	case errors.As(err, &missing):
		return newAPIError(http.StatusConflict, "workflow_definition_missing", err.Error(), map[string]any{"request_type": missing.RequestType})
	case errors.As(err, &inUse):
		return newAPIError(http.StatusConflict, "definition_in_use", err.Error(), nil)
	case errors.As(err, &mutation):
		return newAPIError(http.StatusUnprocessableEntity, "mutation_failed", err.Error(), map[string]any{"request_id": mutation.ID})
	case errors.As(err, &payload):
		return newAPIError(http.StatusBadRequest, "invalid_payload", err.Error(), map[string]any{"field": payload.Field, "reason": payload.Reason})
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") ||
		strings.Contains(lowered, "requires") || strings.Contains(lowered, "allowed"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
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

// requirePermission checks the caller's role grants module/action.
func requirePermission(ctx context.Context, e engine.Engine, module, action string) error {
	p, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return authErr
	}
	ap := auth.Principal{UserID: p.UserID, Email: p.Email, RoleID: p.RoleID}
	if p.RoleID != "" {
		role, err := e.Repo.GetRole(ctx, nil, p.RoleID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		ap.Role = role
	}
	return auth.Require(ap, module, action)
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
	public := map[string]bool{
		path.Join("/", basePath, "health"):     true,
		path.Join("/", basePath, "auth/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
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
    <title>approvalq API Docs</title>
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

func registerAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Exchange email and password for a token",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		email := strings.TrimSpace(input.Body.Email)
		if email == "" || input.Body.Password == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "email and password are required", nil)
		}
		u, err := e.Repo.GetUserByEmail(ctx, email)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
			}
			return nil, handleError(err)
		}
		if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(input.Body.Password)) != nil {
			return nil, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
		}
		token, exp, err := signToken(authCfg.JWTSecret, u, time.Now(), authCfg.ttl())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		if _, err := e.Activity.Record(ctx, activity.Login, u.ID, u.Email, "Logged in"); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LoginResponse `json:"body"`
		}{Body: LoginResponse{Token: token, ExpiresAt: exp.UTC().Format(time.RFC3339), User: userResponse(u)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "logout",
		Method:        http.MethodPost,
		Path:          "/auth/logout",
		Summary:       "Record a logout",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Activity.Record(ctx, activity.Logout, p.UserID, p.Email, "Logged out"); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		counts, err := e.RequestCounts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := WhoAmIResponse{UserID: p.UserID, Email: p.Email, RoleID: p.RoleID, Source: p.Source, RequestCounts: counts}
		if p.RoleID != "" {
			pending, err := e.PendingFor(ctx, p.RoleID)
			if err != nil {
				return nil, handleError(err)
			}
			resp.PendingForRole = len(pending)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerDefinitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-definitions",
		Method:      http.MethodGet,
		Path:        "/definitions",
		Summary:     "List workflow definitions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.WorkflowDefinition `json:"body"`
	}, error) {
		defs, err := e.ListDefinitions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkflowDefinition `json:"body"`
		}{Body: nonNilSlice(defs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-definition",
		Method:      http.MethodGet,
		Path:        "/definitions/{type}",
		Summary:     "Get a workflow definition",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Type string `path:"type"`
	}) (*struct {
		Body domain.WorkflowDefinition `json:"body"`
	}, error) {
		def, err := e.GetDefinition(ctx, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkflowDefinition `json:"body"`
		}{Body: def}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "save-definition",
		Method:      http.MethodPut,
		Path:        "/definitions/{type}",
		Summary:     "Create or replace a workflow definition",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type string                `path:"type"`
		Body SaveDefinitionRequest `json:"body"`
	}) (*struct {
		Body domain.WorkflowDefinition `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "Auth Lists", "Manage"); err != nil {
			return nil, handleError(err)
		}
		p, _ := principalFromRequest(ctx)
		def, err := e.SaveDefinition(ctx, input.Type, input.Body.Levels, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkflowDefinition `json:"body"`
		}{Body: def}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-definition",
		Method:        http.MethodDelete,
		Path:          "/definitions/{type}",
		Summary:       "Delete a workflow definition",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Type string `path:"type"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, e, "Auth Lists", "Manage"); err != nil {
			return nil, handleError(err)
		}
		p, _ := principalFromRequest(ctx)
		if err := e.DeleteDefinition(ctx, input.Type, p.UserID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Submit a change request",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body SubmitRequestBody `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		raw, err := json.Marshal(input.Body.Payload)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid payload", nil)
		}
		req, err := e.Submit(ctx, input.Body.Type, raw, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List requests, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" doc:"Pending, Approved or Declined"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedRequests `json:"body"`
	}, error) {
		resp, err := listRequests(ctx, e, repo.RequestFilters{Status: input.Status, Type: input.Type}, input.Limit, input.Cursor)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body paginatedRequests `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-history",
		Method:      http.MethodGet,
		Path:        "/history",
		Summary:     "List finished requests, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedRequests `json:"body"`
	}, error) {
		resp, err := listRequests(ctx, e, repo.RequestFilters{ExcludePending: true}, input.Limit, input.Cursor)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body paginatedRequests `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{id}",
		Summary:     "Get a request with its history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		req, err := e.GetRequest(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	type actionInput struct {
		ID   string         `path:"id"`
		Body *ActionRequest `required:"false"`
	}
	type actionOutput struct {
		Body ActionResponse `json:"body"`
	}
	act := func(do func(context.Context, engine.ActionOptions) (engine.ActionResult, error)) func(context.Context, *actionInput) (*actionOutput, error) {
		return func(ctx context.Context, input *actionInput) (*actionOutput, error) {
			p, authErr := principalFromRequest(ctx)
			if authErr != nil {
				return nil, authErr
			}
			req, err := e.Authorize(ctx, p.RoleID, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			expected := 0
			if input.Body != nil {
				expected = input.Body.ExpectedLevel
			}
			if expected == 0 {
				expected = req.CurrentLevel
			}
			res, err := do(ctx, engine.ActionOptions{RequestID: input.ID, ActorID: p.UserID, ExpectedLevel: expected})
			if err != nil {
				return nil, handleError(err)
			}
			out := ActionResponse{Request: requestResponse(res.Request), Completed: res.Completed}
			if res.Execution != nil {
				out.Executed = string(res.Execution.Kind)
			}
			return &actionOutput{Body: out}, nil
		}
	}
	actionErrors := []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity}

	huma.Register(api, huma.Operation{
		OperationID: "approve-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/approve",
		Summary:     "Approve the request at its current level",
		Errors:      actionErrors,
	}, act(e.Approve))

	huma.Register(api, huma.Operation{
		OperationID: "decline-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/decline",
		Summary:     "Decline the request",
		Errors:      actionErrors,
	}, act(e.Decline))
}

// listRequests pages with a "created_at|id" cursor.
func listRequests(ctx context.Context, e engine.Engine, f repo.RequestFilters, limit int, cursor string) (paginatedRequests, error) {
	limit = normalizeLimit(limit)
	if cursor != "" {
		createdAt, id, ok := strings.Cut(cursor, "|")
		if !ok || createdAt == "" || id == "" {
			return paginatedRequests{}, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": cursor})
		}
		f.CursorCreatedAt, f.CursorID = createdAt, id
	}
	f.Limit = limit + 1
	items, err := e.ListRequests(ctx, f)
	if err != nil {
		return paginatedRequests{}, handleError(err)
	}
	resp := paginatedRequests{Items: []RequestResponse{}}
	if len(items) > limit {
		last := items[limit-1]
		resp.NextCursor = last.CreatedAt + "|" + last.ID
		items = items[:limit]
	}
	resp.Items = requestResponses(items)
	return resp, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

func registerPending(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-pending",
		Method:      http.MethodGet,
		Path:        "/pending",
		Summary:     "Requests awaiting a role's approval",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Role string `query:"role" doc:"Defaults to the caller's role"`
	}) (*struct {
		Body PendingSnapshot `json:"body"`
	}, error) {
		role, err := roleParam(ctx, input.Role)
		if err != nil {
			return nil, err
		}
		reqs, perr := e.PendingFor(ctx, role)
		if perr != nil {
			return nil, handleError(perr)
		}
		return &struct {
			Body PendingSnapshot `json:"body"`
		}{Body: PendingSnapshot{Role: role, Items: requestResponses(reqs)}}, nil
	})
}

func roleParam(ctx context.Context, role string) (string, huma.StatusError) {
	if role = strings.TrimSpace(role); role != "" {
		return role, nil
	}
	p, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return "", authErr
	}
	if p.RoleID == "" {
		return "", newAPIError(http.StatusBadRequest, "bad_request", "role is required", nil)
	}
	return p.RoleID, nil
}

func registerActivity(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-activity",
		Method:      http.MethodGet,
		Path:        "/activity",
		Summary:     "Recent activity, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Action  string `query:"action"`
		ActorID string `query:"actor_id"`
		Target  string `query:"target"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedActivity `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Activity.Latest(ctx, repo.ActivityFilters{
			Action: input.Action, ActorID: input.ActorID, Target: input.Target, Limit: limit + 1, Cursor: cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedActivity{Items: []ActivityResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, it := range items {
			resp.Items = append(resp.Items, activityResponse(it))
		}
		return &struct {
			Body paginatedActivity `json:"body"`
		}{Body: resp}, nil
	})
}

func registerDirectory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []UserResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "Users", "View"); err != nil {
			return nil, handleError(err)
		}
		users, err := e.Repo.ListUsers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]UserResponse, 0, len(users))
		for _, u := range users {
			out = append(out, userResponse(u))
		}
		return &struct {
			Body []UserResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-roles",
		Method:      http.MethodGet,
		Path:        "/roles",
		Summary:     "List roles",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Role `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, "Roles", "View"); err != nil {
			return nil, handleError(err)
		}
		roles, err := e.Repo.ListRoles(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Role `json:"body"`
		}{Body: nonNilSlice(roles)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create an API key for the caller",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body *CreateAPIKeyRequest `required:"false"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		name := ""
		if input.Body != nil {
			name = input.Body.Name
		}
		key, created, err := e.CreateAPIKey(ctx, p.UserID, name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{ID: created.ID, UserID: created.UserID, Name: created.Name, Key: key, CreatedAt: created.CreatedAt}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List the caller's API keys",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.ListAPIKeys(ctx, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, APIKeyResponse{ID: k.ID, UserID: k.UserID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{id}",
		Summary:       "Revoke one of the caller's API keys",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeAPIKey(ctx, input.ID, p.UserID, p.UserID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
