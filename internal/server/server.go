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

	"relay/internal/domain"
	"relay/internal/engine"
	"relay/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"lock_conflict"`
	Message string         `json:"message" example:"lock held by another actor"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
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

// New returns an HTTP handler exposing the Relay API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Relay API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerIssues(group, cfg.Engine)
	registerNextStep(group, cfg.Engine)
	registerRuns(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMaintenance(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)
	startExpirySweeper(cfg.Engine)

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
	var conflict *engine.LockConflictError
	if errors.As(err, &conflict) {
		return newAPIError(http.StatusConflict, "lock_conflict", err.Error(), map[string]any{
			"lock_key": conflict.LockKey,
			"holder":   conflict.Holder,
			"expiry":   conflict.Expiry,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid transition"):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	open := map[string]bool{
		joinPath(basePath, "health"):         true,
		joinPath(basePath, "auth/dev/login"): true,
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

func joinPath(base, rest string) string {
	p := path.Join(base, rest)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Relay API Docs</title>
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

func registerIssues(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-issue",
		Method:        http.MethodPost,
		Path:          "/issues",
		Summary:       "Create issue",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateIssueRequest `json:"body"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.Title) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id := ""
		if input.Body.ID != nil {
			id = *input.Body.ID
		}
		issue, err := e.CreateIssue(ctx, id, input.Body.Title, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(issue)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-issues",
		Method:      http.MethodGet,
		Path:        "/issues",
		Summary:     "List issues",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []IssueResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListIssues(ctx, repo.IssueFilters{
			Status: input.Status,
			Limit:  normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []IssueResponse `json:"body"`
		}{Body: mapIssues(items)}, nil
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
		Body IssueResponse `json:"body"`
	}, error) {
		issue, err := e.Repo.GetIssue(ctx, input.IssueID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(issue)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "link-github-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{issue_id}/link",
		Summary:     "Link GitHub issue",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		IssueID string            `path:"issue_id"`
		Body    LinkGitHubRequest `json:"body"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		issue, err := e.LinkGitHub(ctx, input.IssueID, input.Body.Repo, input.Body.IssueNumber, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(issue)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "link-pull-request",
		Method:      http.MethodPost,
		Path:        "/issues/{issue_id}/pr",
		Summary:     "Link pull request",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		IssueID string        `path:"issue_id"`
		Body    LinkPRRequest `json:"body"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		issue, err := e.LinkPR(ctx, input.IssueID, input.Body.PRNumber, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(issue)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-draft",
		Method:      http.MethodPut,
		Path:        "/issues/{issue_id}/draft",
		Summary:     "Create or replace the spec draft",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		IssueID string          `path:"issue_id"`
		Body    PutDraftRequest `json:"body"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		draft, err := e.PutDraft(ctx, input.IssueID, input.Body.Validation, input.Body.ContentHash, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: draftResponse(draft)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "commit-draft",
		Method:      http.MethodPost,
		Path:        "/issues/{issue_id}/draft/commit",
		Summary:     "Commit the spec draft",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		IssueID string `path:"issue_id"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		draft, err := e.CommitDraft(ctx, input.IssueID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: draftResponse(draft)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "hold-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{issue_id}/hold",
		Summary:     "Park the issue in the held state",
		Errors: []int{
			http.StatusConflict,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		IssueID string      `path:"issue_id"`
		Body    HoldRequest `json:"body"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		issue, err := e.HoldIssue(ctx, input.IssueID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(issue)}, nil
	})
}

func registerNextStep(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-next-step",
		Method:      http.MethodPost,
		Path:        "/issues/{issue_id}/next-step",
		Summary:     "Resolve and execute the issue's next workflow step",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		IssueID string          `path:"issue_id"`
		Body    NextStepRequest `json:"body"`
	}) (*struct {
		Body engine.RunResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		resp, err := e.RunNextStep(ctx, engine.RunRequest{
			IssueID:   input.IssueID,
			Mode:      domain.Mode(input.Body.Mode),
			ActorID:   actorID,
			RequestID: input.Body.RequestID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.RunResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/issues/{issue_id}/runs",
		Summary:     "List runs for an issue",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IssueID string `path:"issue_id"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body []RunRecordResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetIssue(ctx, input.IssueID); err != nil {
			return nil, handleError(err)
		}
		runs, err := e.Repo.ListRuns(ctx, input.IssueID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RunRecordResponse `json:"body"`
		}{Body: mapRuns(runs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body RunRecordResponse `json:"body"`
	}, error) {
		run, err := e.Repo.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunRecordResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent timeline events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		IssueID string `query:"issue_id"`
		Type    string `query:"type"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), input.IssueID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func registerMaintenance(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "cleanup-expired",
		Method:      http.MethodPost,
		Path:        "/maintenance/cleanup",
		Summary:     "Remove expired locks and idempotency records",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CleanupResponse `json:"body"`
	}, error) {
		locks, records, err := e.CleanupExpired(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CleanupResponse `json:"body"`
		}{Body: CleanupResponse{LocksRemoved: locks, RecordsRemoved: records}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current actor identity",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok || principal.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{ActorID: principal.ActorID, Source: principal.Source}}, nil
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
		token, err := signDevToken(authCfg.JWTSecret, actor)
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

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
