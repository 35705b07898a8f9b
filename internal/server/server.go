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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"taskline/internal/directory"
	"taskline/internal/domain"
	"taskline/internal/events"
	"taskline/internal/orchestrator"
	"taskline/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Outbox       *events.Outbox
	BasePath     string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"epic has incomplete children"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Taskline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
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
	hcfg := huma.DefaultConfig("Taskline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	for _, kr := range kindRoutes {
		registerIssues(group, cfg.Orchestrator, cfg.Outbox, kr)
	}
	registerEventLog(group, cfg.Outbox)
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var pe *orchestrator.PartialError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusBadGateway, "partial_failure", err.Error(), map[string]any{
			"issue_id": pe.IssueID,
			"step":     pe.Step,
		})
	}
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, directory.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, orchestrator.ErrInvalidState):
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusGatewayTimeout, "timeout", err.Error(), nil)
	case errors.Is(err, directory.ErrUnavailable):
		return newAPIError(http.StatusBadGateway, "upstream_unavailable", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "unknown") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "invalid_state"
	case http.StatusBadGateway:
		return "upstream_unavailable"
	case http.StatusGatewayTimeout:
		return "timeout"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

type kindRoute struct {
	kind   domain.Kind
	plural string
	noun   string
}

var kindRoutes = []kindRoute{
	{domain.KindEpic, "epics", "epic"},
	{domain.KindStory, "stories", "story"},
	{domain.KindTask, "tasks", "task"},
	{domain.KindBug, "bugs", "bug"},
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Taskline API Docs</title>
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

func registerIssues(api huma.API, orc *orchestrator.Orchestrator, outbox *events.Outbox, kr kindRoute) {
	type issuePath struct {
		ID string `path:"id"`
	}

	// Fetch and verify the issue belongs to this resource family. A task
	// fetched through /epics/{id} is a 404, not a leaked cross-kind record.
	getOfKind := func(ctx context.Context, id string) (domain.Issue, error) {
		i, err := orc.GetByID(ctx, id)
		if err != nil {
			return domain.Issue{}, err
		}
		if i.Kind != kr.kind {
			return domain.Issue{}, fmt.Errorf("%s %s: %w", kr.noun, id, store.ErrNotFound)
		}
		return i, nil
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-" + kr.noun,
		Method:        http.MethodPost,
		Path:          "/" + kr.plural,
		Summary:       "Create " + kr.noun,
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusBadGateway,
			http.StatusGatewayTimeout,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateIssueRequest `json:"body"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		i, err := orc.Create(ctx, orchestrator.CreateInput{
			Kind:               kr.kind,
			Title:              input.Body.Title,
			Description:        input.Body.Description,
			ProjectID:          input.Body.ProjectID,
			Creator:            input.Body.Creator,
			Deadline:           input.Body.Deadline,
			Priority:           domain.Priority(input.Body.Priority),
			AcceptanceCriteria: input.Body.AcceptanceCriteria,
			EpicID:             input.Body.EpicID,
			StoryID:            input.Body.StoryID,
			ParentTaskID:       input.Body.ParentTaskID,
			IsBlocking:         input.Body.IsBlocking,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(i)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-" + kr.plural,
		Method:      http.MethodGet,
		Path:        "/" + kr.plural,
		Summary:     "List " + kr.plural,
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		All       bool   `query:"all" doc:"Include archived issues"`
	}) (*struct {
		Body []IssueResponse `json:"body"`
	}, error) {
		items, err := orc.List(ctx, kr.kind, input.ProjectID, input.All)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []IssueResponse `json:"body"`
		}{Body: mapIssues(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-" + kr.noun,
		Method:      http.MethodGet,
		Path:        "/" + kr.plural + "/{id}",
		Summary:     "Get " + kr.noun,
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *issuePath) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		i, err := getOfKind(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(i)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-" + kr.noun + "-status",
		Method:      http.MethodPut,
		Path:        "/" + kr.plural + "/{id}/status",
		Summary:     "Set " + kr.noun + " status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body SetStatusRequest `json:"body"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		if _, err := getOfKind(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		i, err := orc.UpdateStatus(ctx, input.ID, domain.Status(input.Body.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(i)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-" + kr.noun,
		Method:      http.MethodDelete,
		Path:        "/" + kr.plural + "/{id}",
		Summary:     "Archive " + kr.noun,
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *issuePath) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		if _, err := getOfKind(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		i, err := orc.Archive(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(i)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-" + kr.noun + "-member",
		Method:      http.MethodPost,
		Path:        "/" + kr.plural + "/{id}/assignees",
		Summary:     "Assign member to " + kr.noun,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusBadGateway,
			http.StatusGatewayTimeout,
		},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body AssignRequest `json:"body"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		if input.Body.MemberID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "member_id is required", nil)
		}
		if _, err := getOfKind(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		i, err := orc.AssignMember(ctx, input.ID, input.Body.MemberID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(i)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unassign-" + kr.noun + "-member",
		Method:      http.MethodDelete,
		Path:        "/" + kr.plural + "/{id}/assignees/{member_id}",
		Summary:     "Unassign member from " + kr.noun,
		Errors: []int{
			http.StatusNotFound,
			http.StatusBadGateway,
			http.StatusGatewayTimeout,
		},
	}, func(ctx context.Context, input *struct {
		ID       string `path:"id"`
		MemberID string `path:"member_id"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		if _, err := getOfKind(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		i, err := orc.UnassignMember(ctx, input.ID, input.MemberID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(i)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-" + kr.noun + "-members",
		Method:      http.MethodGet,
		Path:        "/" + kr.plural + "/{id}/assignees",
		Summary:     "List members assigned to " + kr.noun,
		Errors: []int{
			http.StatusNotFound,
			http.StatusBadGateway,
			http.StatusGatewayTimeout,
		},
	}, func(ctx context.Context, input *issuePath) (*struct {
		Body []MemberResponse `json:"body"`
	}, error) {
		if _, err := getOfKind(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		members, err := orc.GetAssignedMembers(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MemberResponse `json:"body"`
		}{Body: mapMembers(members)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-" + kr.noun + "-events",
		Method:      http.MethodGet,
		Path:        "/" + kr.plural + "/{id}/events",
		Summary:     "Event log for " + kr.noun,
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		After int64  `query:"after" doc:"Return records with id greater than this cursor"`
		Limit int    `query:"limit"`
	}) (*struct {
		Body []EventRecordResponse `json:"body"`
	}, error) {
		if _, err := getOfKind(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		recs, err := outbox.After(ctx, input.After, input.Limit, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventRecordResponse `json:"body"`
		}{Body: mapEventRecords(recs)}, nil
	})
}

func registerEventLog(api huma.API, outbox *events.Outbox) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Event log",
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after" doc:"Return records with id greater than this cursor"`
		Limit int   `query:"limit"`
	}) (*struct {
		Body []EventRecordResponse `json:"body"`
	}, error) {
		recs, err := outbox.After(ctx, input.After, input.Limit, "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventRecordResponse `json:"body"`
		}{Body: mapEventRecords(recs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "outbox-pending",
		Method:      http.MethodGet,
		Path:        "/events/pending",
		Summary:     "Count undelivered events",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		n, err := outbox.PendingCount(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"pending": n}}, nil
	})
}
