package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"steward/internal/domain"
	"steward/internal/engine"
	"steward/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"work item not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Steward API.
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
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Steward API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerOrgs(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerItems(group, cfg.Engine)
	registerAutoAssign(group, cfg.Engine)
	registerRoleActions(group, cfg.Engine)
	registerSLA(group, cfg.Engine)
	registerScheduling(group, cfg.Engine)
	registerProfiles(group, cfg.Engine)
	registerAssignments(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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
	if errors.Is(err, engine.ErrBatchInProgress) {
		return newAPIError(http.StatusConflict, "batch_in_progress", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already exists"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "is not a plan"),
		strings.Contains(lowered, "is not a task"),
		strings.Contains(lowered, "is cancelled"),
		strings.Contains(lowered, "already completed"):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
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
    <title>Steward API Docs</title>
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

func registerOrgs(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-org",
		Method:        http.MethodPost,
		Path:          "/orgs",
		Summary:       "Create organization",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateOrgRequest `json:"body"`
	}) (*struct {
		Body domain.Organization `json:"body"`
	}, error) {
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		org := domain.Organization{
			ID:              input.Body.ID,
			Name:            input.Body.Name,
			Region:          input.Body.Region,
			Sector:          input.Body.Sector,
			AccountableRole: input.Body.AccountableRole,
			CreatedAt:       time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertOrg(ctx, org); err != nil {
			if repo.IsConflict(err) {
				return nil, newAPIError(http.StatusConflict, "conflict", "organization already exists", nil)
			}
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Organization `json:"body"`
		}{Body: org}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-orgs",
		Method:      http.MethodGet,
		Path:        "/orgs",
		Summary:     "List organizations",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Organization `json:"body"`
	}, error) {
		orgs, err := e.Repo.ListOrgs(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Organization `json:"body"`
		}{Body: orgs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-org",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}",
		Summary:     "Get organization",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body domain.Organization `json:"body"`
	}, error) {
		org, err := e.Repo.GetOrg(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Organization `json:"body"`
		}{Body: org}, nil
	})
}

func registerUsers(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Register user",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		if input.Body.Role == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "role is required", nil)
		}
		if input.Body.OrgID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "org_id is required", nil)
		}
		if _, err := e.Repo.GetOrg(ctx, input.Body.OrgID); err != nil {
			return nil, handleError(err)
		}
		exp := input.Body.Experience
		if exp == "" {
			exp = "mid"
		}
		u := domain.User{
			ID:         input.Body.ID,
			Name:       input.Body.Name,
			Role:       input.Body.Role,
			OrgID:      input.Body.OrgID,
			Region:     input.Body.Region,
			Sector:     input.Body.Sector,
			Experience: exp,
			Active:     true,
			CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertUser(ctx, u); err != nil {
			if repo.IsConflict(err) {
				return nil, newAPIError(http.StatusConflict, "conflict", "user already exists", nil)
			}
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
	}, func(ctx context.Context, input *struct {
		OrgID  string `query:"org_id"`
		Region string `query:"region"`
		Role   string `query:"role"`
	}) (*struct {
		Body []domain.User `json:"body"`
	}, error) {
		users, err := e.Repo.ListUsers(ctx, repo.UserFilters{
			OrgID:  input.OrgID,
			Region: input.Region,
			Role:   input.Role,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.User `json:"body"`
		}{Body: users}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-user",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}",
		Summary:     "Get user",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		u, err := e.Repo.GetUser(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-user-active",
		Method:      http.MethodPatch,
		Path:        "/users/{user_id}/active",
		Summary:     "Activate or deactivate user",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID string               `path:"user_id"`
		Body   SetUserActiveRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.SetUserActive(ctx, input.UserID, input.Body.Active); err != nil {
			return nil, handleError(err)
		}
		u, err := e.Repo.GetUser(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})
}

func registerItems(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/items",
		Summary:       "Create work item",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkItemRequest `json:"body"`
	}) (*struct {
		Body struct {
			Item   domain.WorkItem      `json:"item"`
			Assign *engine.AssignResult `json:"assign,omitempty"`
		} `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.WorkItemCreateOptions{
			Kind:          domain.ItemKind(input.Body.Kind),
			Category:      input.Body.Category,
			Priority:      domain.Priority(input.Body.Priority),
			OrgID:         input.Body.OrgID,
			PlanID:        input.Body.PlanID,
			FrameworkID:   input.Body.FrameworkID,
			RequiredRoles: input.Body.RequiredRoles,
			Title:         input.Body.Title,
			DueAt:         input.Body.DueAt,
			ActorID:       actorID,
		}
		opts.ID = stringOrEmpty(input.Body.ID)
		item, err := e.CreateWorkItem(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Item   domain.WorkItem      `json:"item"`
				Assign *engine.AssignResult `json:"assign,omitempty"`
			} `json:"body"`
		}{}
		out.Body.Item = item
		if input.Body.AutoAssign {
			var res *engine.AssignResult
			if item.Kind == domain.KindPlan {
				res, err = e.AutoAssignPlan(ctx, item.ID, actorID)
			} else {
				res, err = e.AutoAssignTask(ctx, item.ID, actorID)
			}
			if err != nil {
				return nil, handleError(err)
			}
			out.Body.Assign = res
			if refreshed, gerr := e.Repo.GetWorkItem(ctx, item.ID); gerr == nil {
				out.Body.Item = refreshed
			}
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/items",
		Summary:     "List work items",
	}, func(ctx context.Context, input *struct {
		Kind     string `query:"kind" enum:"plan,task,"`
		Status   string `query:"status"`
		OrgID    string `query:"org_id"`
		PlanID   string `query:"plan_id"`
		Category string `query:"category"`
	}) (*struct {
		Body []domain.WorkItem `json:"body"`
	}, error) {
		items, err := e.Repo.ListWorkItems(ctx, repo.WorkItemFilters{
			Kind:     input.Kind,
			Status:   input.Status,
			OrgID:    input.OrgID,
			PlanID:   input.PlanID,
			Category: input.Category,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkItem `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}",
		Summary:     "Get work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		item, err := e.Repo.GetWorkItem(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-item",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/complete",
		Summary:     "Mark work item completed",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := e.CompleteItem(ctx, input.ItemID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-item",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/cancel",
		Summary:     "Cancel work item",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := e.CancelItem(ctx, input.ItemID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: item}, nil
	})
}

func registerAutoAssign(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "auto-assign-plan",
		Method:      http.MethodPost,
		Path:        "/plans/{plan_id}/auto-assign",
		Summary:     "Auto-assign responsible persons to a plan",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
	}) (*struct {
		Body engine.AssignResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.AutoAssignPlan(ctx, input.PlanID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.AssignResult `json:"body"`
		}{Body: *res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "auto-assign-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/auto-assign",
		Summary:     "Auto-assign assignees to a task",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body engine.AssignResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.AutoAssignTask(ctx, input.TaskID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.AssignResult `json:"body"`
		}{Body: *res}, nil
	})
}

func registerRoleActions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-role-actions",
		Method:      http.MethodGet,
		Path:        "/role-actions",
		Summary:     "Look up actions a role may take",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Role   string `query:"role"`
		Sector string `query:"sector"`
		Region string `query:"region"`
	}) (*struct {
		Body []domain.RoleAction `json:"body"`
	}, error) {
		if input.Role == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "role is required", nil)
		}
		actions, err := e.Repo.RoleActions(ctx, input.Role, input.Sector, input.Region)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.RoleAction `json:"body"`
		}{Body: actions}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "upsert-role-action",
		Method:        http.MethodPut,
		Path:          "/role-actions",
		Summary:       "Create or update a role action",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body UpsertRoleActionRequest `json:"body"`
	}) (*struct {
		Body domain.RoleAction `json:"body"`
	}, error) {
		if input.Body.Role == "" || input.Body.Action == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "role and action are required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		a := domain.RoleAction{
			Role:     input.Body.Role,
			Action:   input.Body.Action,
			Sector:   input.Body.Sector,
			Region:   input.Body.Region,
			Priority: input.Body.Priority,
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.UpsertRoleAction(ctx, tx, a); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RoleAction `json:"body"`
		}{Body: a}, nil
	})
}

func registerSLA(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-sla",
		Method:      http.MethodGet,
		Path:        "/sla/{kind}/{item_id}",
		Summary:     "SLA records for a work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Kind   string `path:"kind" enum:"plan,task"`
		ItemID string `path:"item_id"`
	}) (*struct {
		Body SLAResponse `json:"body"`
	}, error) {
		records, err := e.Repo.ListSLARecordsByItem(ctx, domain.ItemKind(input.Kind), input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SLAResponse `json:"body"`
		}{Body: SLAResponse{Records: records}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recompute-sla",
		Method:      http.MethodPost,
		Path:        "/sla/{kind}/{item_id}/recompute",
		Summary:     "Recompute SLA status for one work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Kind   string `path:"kind" enum:"plan,task"`
		ItemID string `path:"item_id"`
	}) (*struct {
		Body domain.SLARecord `json:"body"`
	}, error) {
		rec, err := e.UpdateSLATracking(ctx, domain.ItemKind(input.Kind), input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SLARecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recompute-all-sla",
		Method:      http.MethodPost,
		Path:        "/sla/recompute",
		Summary:     "Recompute SLA status for all open records",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RecomputeResponse `json:"body"`
	}, error) {
		updated, err := e.RecomputeAllSLA(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecomputeResponse `json:"body"`
		}{Body: RecomputeResponse{Updated: updated}}, nil
	})
}

func registerScheduling(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "optimize-scheduling",
		Method:      http.MethodPost,
		Path:        "/scheduling/optimize",
		Summary:     "Run one assignment optimizer batch",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.OptimizeReport `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		report, err := e.OptimizeScheduling(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.OptimizeReport `json:"body"`
		}{Body: *report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-bottlenecks",
		Method:      http.MethodGet,
		Path:        "/scheduling/bottlenecks",
		Summary:     "Open assignment bottlenecks",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body BottleneckReport `json:"body"`
	}, error) {
		list, err := e.Repo.OpenBottlenecks(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BottleneckReport `json:"body"`
		}{Body: BottleneckReport{Bottlenecks: list}}, nil
	})
}

func registerProfiles(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-profiles",
		Method:      http.MethodGet,
		Path:        "/profiles",
		Summary:     "Cached user performance profiles",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProfilesResponse `json:"body"`
	}, error) {
		return &struct {
			Body ProfilesResponse `json:"body"`
		}{Body: ProfilesResponse{Profiles: e.Profiles()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-profile",
		Method:      http.MethodGet,
		Path:        "/profiles/{user_id}",
		Summary:     "Cached profile for one user",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
	}) (*struct {
		Body domain.UserProfile `json:"body"`
	}, error) {
		p := e.Profile(input.UserID)
		if p == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no profile for user", nil)
		}
		return &struct {
			Body domain.UserProfile `json:"body"`
		}{Body: *p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rebuild-profiles",
		Method:      http.MethodPost,
		Path:        "/profiles/rebuild",
		Summary:     "Rebuild all profiles from history",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProfilesResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.RebuildProfiles(ctx); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProfilesResponse `json:"body"`
		}{Body: ProfilesResponse{Profiles: e.Profiles(), Rebuilt: true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-patterns",
		Method:      http.MethodGet,
		Path:        "/patterns",
		Summary:     "Completion-time patterns",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.PatternSet `json:"body"`
	}, error) {
		return &struct {
			Body engine.PatternSet `json:"body"`
		}{Body: *e.Patterns()}, nil
	})
}

func registerAssignments(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-item-assignments",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}/assignments",
		Summary:     "Assignments for a work item",
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body []domain.Assignment `json:"body"`
	}, error) {
		list, err := e.Repo.ListAssignmentsByItem(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Assignment `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-user-assignments",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/assignments",
		Summary:     "Assignments for a user",
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
	}) (*struct {
		Body []domain.Assignment `json:"body"`
	}, error) {
		list, err := e.Repo.ListAssignmentsByUser(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Assignment `json:"body"`
		}{Body: list}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest events",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		events, err := e.Repo.LatestEvents(ctx, limit, e.Config.Org.ID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: events}, nil
	})
}

func registerAPIKeys(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-apikey",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreateAPIKeyResponse `json:"body"`
	}, error) {
		if input.Body.UserID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetUser(ctx, input.Body.UserID); err != nil {
			return nil, handleError(err)
		}
		secret, key, err := repo.NewAPIKey(input.Body.UserID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateAPIKeyResponse `json:"body"`
		}{Body: CreateAPIKeyResponse{
			ID:     key.ID,
			UserID: key.UserID,
			Name:   key.Name,
			Key:    secret,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-apikeys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		UserID string `query:"user_id"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		keys, err := e.Repo.ListAPIKeys(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: keys}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-apikey",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
