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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"shipline/internal/acceptance"
	"shipline/internal/check"
	"shipline/internal/checklist"
	"shipline/internal/config"
	"shipline/internal/deploy"
	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/gate"
	"shipline/internal/heal"
	"shipline/internal/notify"
	"shipline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	BasePath  string
	Auth      AuthConfig
	Workspace string

	// Executor runs gate checks. Defaults to the HTTP probe; tests
	// inject a static executor.
	Executor check.Executor
	Platform deploy.Platform
	Sender   notify.Sender
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"session not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Shipline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Workspace == "" {
		cfg.Workspace = "."
	}
	if cfg.Executor == nil {
		timeout := 0
		if cfg.Engine.Config != nil {
			timeout = cfg.Engine.Config.Delivery.ProbeTimeoutSeconds
		}
		cfg.Executor = check.NewProbeExecutor(time.Duration(timeout) * time.Second)
	}
	if cfg.Platform == nil {
		cfg.Platform = deploy.NewLocal(cfg.Workspace)
	}
	if cfg.Sender == nil {
		if cfg.Engine.Config != nil && len(cfg.Engine.Config.Webhooks) > 0 {
			cfg.Sender = notify.NewWebhookSender(cfg.Engine.Config.Webhooks)
		} else {
			cfg.Sender = notify.LogSender{}
		}
	}

	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
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
	hcfg := huma.DefaultConfig("Shipline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerStatus(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerDeliveries(group, cfg)
	registerGate(group, cfg)
	registerChecklist(group, cfg.Engine)
	registerAcceptance(group, cfg.Engine)
	registerIssues(group, cfg.Engine)
	registerChecks(group, cfg)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	notify.StartDispatcher(cfg.Engine.Repo, cfg.Engine.Config)

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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "cannot"),
		strings.Contains(lowered, "already"),
		strings.Contains(lowered, "exhausted"),
		strings.Contains(lowered, "not active"),
		strings.Contains(lowered, "not open"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
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

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

// projectConfig returns the stored config for a project, falling back
// to the engine's workspace config when the project matches it.
func projectConfig(ctx context.Context, e engine.Engine, projectID string) (*config.Config, error) {
	cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	if e.Config != nil && e.Config.Project.ID == projectID {
		return e.Config, nil
	}
	return config.Default(projectID), nil
}

// scopedEngine rebinds the engine to a project's config so sessions
// created through the API honor per-project settings.
func scopedEngine(e engine.Engine, cfg *config.Config) engine.Engine {
	e.Config = cfg
	return e
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
    <title>Shipline API Docs</title>
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
		OperationID: "project-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Project status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountSessionsByStatus(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		open, err := e.Repo.ListIssues(ctx, p.ID, domain.IssueOpen)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"project_id":     p.ID,
			"status":         p.Status,
			"session_counts": counts,
			"open_issues":    len(open),
		}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		p, err := e.InitProject(ctx, input.Body.ID, input.Body.Name, desc)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.UpsertProjectConfig(ctx, p.ID, config.Default(p.ID)); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project-config",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/config",
		Summary:     "Get project config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectConfigResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		cfg, err := projectConfig(ctx, e, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectConfigResponse `json:"body"`
		}{Body: ProjectConfigResponse{Config: cfg}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-project-config",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/config",
		Summary:     "Replace project config",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string        `path:"project_id"`
		Body      config.Config `json:"body"`
	}) (*struct {
		Body ProjectConfigResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		cfg := input.Body
		cfg.Project.ID = input.ProjectID
		if err := cfg.Validate(); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if err := e.Repo.UpsertProjectConfig(ctx, input.ProjectID, &cfg); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectConfigResponse `json:"body"`
		}{Body: ProjectConfigResponse{Config: &cfg}}, nil
	})
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/sessions",
		Summary:       "Create delivery session",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      CreateSessionRequest `json:"body"`
	}) (*struct {
		Body domain.DeliverySession `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		cfg, err := projectConfig(ctx, e, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		s, err := scopedEngine(e, cfg).CreateSession(ctx, engine.SessionCreateOptions{
			ProjectID:  input.ProjectID,
			ProductURL: input.Body.ProductURL,
			SkipStages: input.Body.SkipStages,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DeliverySession `json:"body"`
		}{Body: s}, nil
	})

	type paginatedSessions struct {
		Items      []domain.DeliverySession `json:"items"`
		NextCursor string                   `json:"next_cursor,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/sessions",
		Summary:     "List delivery sessions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedSessions `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListSessions(ctx, repo.SessionFilters{
			ProjectID:       input.ProjectID,
			Status:          input.Status,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedSessions{Items: []domain.DeliverySession{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		resp.Items = items
		return &struct {
			Body paginatedSessions `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/sessions/{id}",
		Summary:     "Get delivery session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body domain.DeliverySession `json:"body"`
	}, error) {
		s, err := e.Repo.GetSession(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if s.ProjectID != input.ProjectID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "session not found in project", nil)
		}
		return &struct {
			Body domain.DeliverySession `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-report",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/sessions/{id}/report",
		Summary:     "Delivery report",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body engine.DeliveryReport `json:"body"`
	}, error) {
		rep, err := e.Report(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if rep.Session.ProjectID != input.ProjectID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "session not found in project", nil)
		}
		return &struct {
			Body engine.DeliveryReport `json:"body"`
		}{Body: rep}, nil
	})

	// Stage and session transitions share one shape: look up the
	// session, apply the engine operation, return the updated session.
	type sessionPath struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}
	transition := func(opID, opPath, summary string, apply func(ctx context.Context, scoped engine.Engine, input *sessionPath) (domain.DeliverySession, error)) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        opPath,
			Summary:     summary,
			Errors: []int{
				http.StatusBadRequest,
				http.StatusNotFound,
				http.StatusConflict,
				http.StatusInternalServerError,
			},
		}, func(ctx context.Context, input *sessionPath) (*struct {
			Body domain.DeliverySession `json:"body"`
		}, error) {
			s, err := e.Repo.GetSession(ctx, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			if s.ProjectID != input.ProjectID {
				return nil, newAPIError(http.StatusNotFound, "not_found", "session not found in project", nil)
			}
			cfg, err := projectConfig(ctx, e, input.ProjectID)
			if err != nil {
				return nil, handleError(err)
			}
			s, err = apply(ctx, scopedEngine(e, cfg), input)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.DeliverySession `json:"body"`
			}{Body: s}, nil
		})
	}

	transition("skip-stage", "/projects/{project_id}/sessions/{id}/skip", "Skip current stage",
		func(ctx context.Context, scoped engine.Engine, input *sessionPath) (domain.DeliverySession, error) {
			return scoped.SkipStage(ctx, input.ID)
		})
	transition("retry-stage", "/projects/{project_id}/sessions/{id}/retry", "Retry failed stage",
		func(ctx context.Context, scoped engine.Engine, input *sessionPath) (domain.DeliverySession, error) {
			return scoped.RetryStage(ctx, input.ID)
		})
	transition("pause-session", "/projects/{project_id}/sessions/{id}/pause", "Pause session",
		func(ctx context.Context, scoped engine.Engine, input *sessionPath) (domain.DeliverySession, error) {
			return scoped.PauseSession(ctx, input.ID)
		})
	transition("resume-session", "/projects/{project_id}/sessions/{id}/resume", "Resume session",
		func(ctx context.Context, scoped engine.Engine, input *sessionPath) (domain.DeliverySession, error) {
			return scoped.ResumeSession(ctx, input.ID)
		})

	huma.Register(api, huma.Operation{
		OperationID: "complete-stage",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/sessions/{id}/complete",
		Summary:     "Complete current stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		ID        string               `path:"id"`
		Body      CompleteStageRequest `json:"body,omitempty"`
	}) (*struct {
		Body domain.DeliverySession `json:"body"`
	}, error) {
		s, err := sessionInProject(ctx, e, input.ProjectID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		cfg, err := projectConfig(ctx, e, s.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		s, err = scopedEngine(e, cfg).CompleteStage(ctx, input.ID, input.Body.Outputs)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DeliverySession `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-stage",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/sessions/{id}/fail",
		Summary:     "Fail current stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		ID        string           `path:"id"`
		Body      FailStageRequest `json:"body"`
	}) (*struct {
		Body domain.DeliverySession `json:"body"`
	}, error) {
		if input.Body.Error == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "error is required", nil)
		}
		s, err := sessionInProject(ctx, e, input.ProjectID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		cfg, err := projectConfig(ctx, e, s.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		s, err = scopedEngine(e, cfg).FailStage(ctx, input.ID, input.Body.Error)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DeliverySession `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rollback-stage",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/sessions/{id}/rollback",
		Summary:     "Roll back a completed stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		ID        string               `path:"id"`
		Body      RollbackStageRequest `json:"body"`
	}) (*struct {
		Body domain.DeliverySession `json:"body"`
	}, error) {
		if input.Body.Stage == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "stage is required", nil)
		}
		s, err := sessionInProject(ctx, e, input.ProjectID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		cfg, err := projectConfig(ctx, e, s.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		s, err = scopedEngine(e, cfg).RollbackStage(ctx, input.ID, input.Body.Stage)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DeliverySession `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-session",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/sessions/{id}/cancel",
		Summary:     "Cancel session",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		ID        string               `path:"id"`
		Body      CancelSessionRequest `json:"body,omitempty"`
	}) (*struct {
		Body domain.DeliverySession `json:"body"`
	}, error) {
		s, err := sessionInProject(ctx, e, input.ProjectID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		reason := input.Body.Reason
		if reason == "" {
			reason = "cancelled by operator"
		}
		cfg, err := projectConfig(ctx, e, s.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		s, err = scopedEngine(e, cfg).CancelSession(ctx, input.ID, reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DeliverySession `json:"body"`
		}{Body: s}, nil
	})
}

func sessionInProject(ctx context.Context, e engine.Engine, projectID, sessionID string) (domain.DeliverySession, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.DeliverySession{}, err
	}
	if s.ProjectID != projectID {
		return domain.DeliverySession{}, fmt.Errorf("session %s: %w", sessionID, repo.ErrNotFound)
	}
	return s, nil
}

func registerDeliveries(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID:   "run-delivery",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/deliveries",
		Summary:       "Run a full delivery",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		Body      DeliverRequest `json:"body,omitempty"`
	}) (*struct {
		Body DeliverResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		pcfg, err := projectConfig(ctx, e, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		o := engine.NewOrchestrator(scopedEngine(e, pcfg), cfg.Executor, cfg.Platform, cfg.Sender)
		rep, err := o.Run(ctx, engine.RunOptions{
			ProjectID:         input.ProjectID,
			ProductURL:        input.Body.ProductURL,
			SkipStages:        input.Body.SkipStages,
			ChecklistStatuses: input.Body.Checklist,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeliverResponse `json:"body"`
		}{Body: DeliverResponse{
			Checklist:    rep.Checklist,
			Gate:         rep.Gate,
			Session:      rep.Session,
			AcceptanceID: rep.AcceptanceID,
			Blocked:      rep.Blocked,
			BlockReason:  rep.BlockReason,
		}}, nil
	})
}

func registerGate(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "evaluate-gate",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/gate",
		Summary:     "Evaluate delivery gate",
		Errors: []int{
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      struct {
			ProductURL string `json:"product_url,omitempty"`
			Strict     *bool  `json:"strict,omitempty"`
		} `json:"body,omitempty"`
	}) (*struct {
		Body domain.GateResult `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		pcfg, err := projectConfig(ctx, e, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		strict := pcfg.Delivery.StrictGate
		if input.Body.Strict != nil {
			strict = *input.Body.Strict
		}
		ev := gate.New(cfg.Executor)
		ev.Now = e.Now
		result := ev.Evaluate(ctx, pcfg.GateChecks(input.Body.ProductURL), strict)
		return &struct {
			Body domain.GateResult `json:"body"`
		}{Body: result}, nil
	})
}

func registerChecklist(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "evaluate-checklist",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/checklist",
		Summary:     "Score readiness checklist",
		Errors: []int{
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		Body      ChecklistRequest `json:"body,omitempty"`
	}) (*struct {
		Body domain.DeliveryChecklist `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		pcfg, err := projectConfig(ctx, e, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]domain.ChecklistItem, 0, len(pcfg.Checklist.Items))
		for _, it := range pcfg.Checklist.Items {
			items = append(items, domain.ChecklistItem{
				Name:       it.Name,
				Category:   it.Category,
				Importance: it.Importance,
			})
		}
		result := checklist.Score(checklist.FromConfigItems(items, input.Body.Statuses))
		return &struct {
			Body domain.DeliveryChecklist `json:"body"`
		}{Body: result}, nil
	})
}

// acceptanceClock binds the acceptance state machine to a project's
// timeout settings.
func acceptanceClock(e engine.Engine, pcfg *config.Config) acceptance.Clock {
	c := acceptance.New(e.DB, domain.AcceptanceConfig{
		TimeoutMinutes:      pcfg.Acceptance.TimeoutMinutes,
		WarningMinutes:      pcfg.Acceptance.WarningMinutes,
		FinalWarningMinutes: pcfg.Acceptance.FinalWarningMinutes,
		AutoPassOnExpiry:    pcfg.Acceptance.AutoPassOnExpiry,
	})
	c.Now = e.Now
	return c
}

func registerAcceptance(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-acceptance",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/acceptance",
		Summary:     "List acceptance sessions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []domain.AcceptanceSession `json:"body"`
	}, error) {
		items, err := e.Repo.ListAcceptanceByProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AcceptanceSession `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-acceptance",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/acceptance/{id}",
		Summary:     "Get acceptance session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body domain.AcceptanceSession `json:"body"`
	}, error) {
		a, err := e.Repo.GetAcceptance(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if a.ProjectID != input.ProjectID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "acceptance session not found in project", nil)
		}
		return &struct {
			Body domain.AcceptanceSession `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sign-acceptance",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/acceptance/{id}/sign",
		Summary:     "Sign off an acceptance session",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		ID        string                `path:"id"`
		Body      SignAcceptanceRequest `json:"body"`
	}) (*struct {
		Body domain.AcceptanceSession `json:"body"`
	}, error) {
		if input.Body.SignedBy == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "signed_by is required", nil)
		}
		pcfg, err := acceptanceScope(ctx, e, input.ProjectID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := acceptanceClock(e, pcfg).Sign(ctx, input.ID, domain.AcceptanceSignature{
			SignedBy:          input.Body.SignedBy,
			SatisfactionScore: input.Body.SatisfactionScore,
			Comment:           input.Body.Comment,
		}, input.Body.CheckItems)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AcceptanceSession `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-acceptance",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/acceptance/{id}/reject",
		Summary:     "Reject an acceptance session",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string                  `path:"project_id"`
		ID        string                  `path:"id"`
		Body      RejectAcceptanceRequest `json:"body"`
	}) (*struct {
		Body domain.AcceptanceSession `json:"body"`
	}, error) {
		if input.Body.RejectedBy == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "rejected_by is required", nil)
		}
		pcfg, err := acceptanceScope(ctx, e, input.ProjectID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := acceptanceClock(e, pcfg).Reject(ctx, input.ID, input.Body.RejectedBy, input.Body.Issues)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AcceptanceSession `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "escalate-acceptance",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/acceptance/{id}/escalate",
		Summary:     "Escalate an acceptance session",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string                    `path:"project_id"`
		ID        string                    `path:"id"`
		Body      EscalateAcceptanceRequest `json:"body"`
	}) (*struct {
		Body domain.AcceptanceSession `json:"body"`
	}, error) {
		if input.Body.Reason == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reason is required", nil)
		}
		pcfg, err := acceptanceScope(ctx, e, input.ProjectID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := acceptanceClock(e, pcfg).Escalate(ctx, input.ID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AcceptanceSession `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-acceptance",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/acceptance/sweep",
		Summary:     "Advance due acceptance sessions",
		Errors: []int{
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body AcceptanceSweepResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		pcfg, err := projectConfig(ctx, e, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := acceptanceClock(e, pcfg).Sweep(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AcceptanceSweepResponse `json:"body"`
		}{Body: AcceptanceSweepResponse{
			Warned:      emptyIfNil(res.Warned),
			FinalWarned: emptyIfNil(res.FinalWarned),
			AutoPassed:  emptyIfNil(res.AutoPassed),
			Escalated:   emptyIfNil(res.Escalated),
		}}, nil
	})
}

func acceptanceScope(ctx context.Context, e engine.Engine, projectID, acceptanceID string) (*config.Config, error) {
	a, err := e.Repo.GetAcceptance(ctx, acceptanceID)
	if err != nil {
		return nil, err
	}
	if a.ProjectID != projectID {
		return nil, fmt.Errorf("acceptance %s: %w", acceptanceID, repo.ErrNotFound)
	}
	return projectConfig(ctx, e, projectID)
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func registerIssues(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-issues",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/issues",
		Summary:     "List health issues",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status"`
	}) (*struct {
		Body []domain.Issue `json:"body"`
	}, error) {
		items, err := e.Repo.ListIssues(ctx, input.ProjectID, domain.IssueStatus(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Issue{}
		}
		return &struct {
			Body []domain.Issue `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-fix-attempts",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/issues/{id}/attempts",
		Summary:     "List auto-fix attempts for an issue",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body []domain.AutoFixAttempt `json:"body"`
	}, error) {
		issue, err := e.Repo.GetIssue(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if issue.ProjectID != input.ProjectID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "issue not found in project", nil)
		}
		items, err := e.Repo.ListAttempts(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.AutoFixAttempt{}
		}
		return &struct {
			Body []domain.AutoFixAttempt `json:"body"`
		}{Body: items}, nil
	})
}

func registerChecks(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "sweep-checks",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/checks/sweep",
		Summary:     "Run health checks and self-heal",
		Errors: []int{
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      struct {
			ProductURL string `json:"product_url,omitempty"`
		} `json:"body,omitempty"`
	}) (*struct {
		Body CheckSweepResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		pcfg, err := projectConfig(ctx, e, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		healer := heal.New(e.DB, pcfg.Healing.Strategies, heal.BuiltinActions())
		healer.Now = e.Now
		resp := CheckSweepResponse{ProjectID: input.ProjectID, Results: []CheckSweepItem{}}
		for _, c := range pcfg.GateChecks(input.Body.ProductURL) {
			result, err := cfg.Executor.Execute(ctx, c)
			if err != nil {
				result = check.Result{Status: domain.CheckCritical, Observation: err.Error()}
			}
			attempt, err := healer.ReportCheck(ctx, input.ProjectID, c.Name, result)
			if err != nil {
				return nil, handleError(err)
			}
			item := CheckSweepItem{
				Check:       c.Name,
				Status:      result.Status,
				Observation: result.Observation,
			}
			if attempt != nil {
				item.Attempted = true
				item.FixSuccess = attempt.Success
			}
			resp.Results = append(resp.Results, item)
		}
		return &struct {
			Body CheckSweepResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	type paginatedEvents struct {
		Items      []domain.DeliveryEvent `json:"items"`
		NextCursor string                 `json:"next_cursor,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List delivery events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		SessionID string `query:"session_id"`
		Type      string `query:"type"`
		Level     string `query:"level"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			ProjectID: input.ProjectID,
			SessionID: input.SessionID,
			Type:      input.Type,
			Level:     input.Level,
			Limit:     limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.DeliveryEvent{}
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: paginatedEvents{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "purge-events",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/events/purge",
		Summary:     "Purge events past retention",
		Errors: []int{
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body PurgeEventsResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		pcfg, err := projectConfig(ctx, e, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		cutoff := e.Now().UTC().AddDate(0, 0, -pcfg.Events.RetentionDays)
		removed, err := e.Events.PurgeBefore(ctx, cutoff)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PurgeEventsResponse `json:"body"`
		}{Body: PurgeEventsResponse{
			Removed: removed,
			Cutoff:  cutoff.Format(time.RFC3339),
		}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
