// Package server exposes the trackpilot HTTP API: natural-language
// instructions, direct ticket operations, and analytics reports. It is a
// presentation boundary only; every decision lives in the core packages.
package server

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"trackpilot/internal/agent"
	"trackpilot/internal/analytics"
	"trackpilot/internal/domain"
	"trackpilot/internal/events"
	"trackpilot/internal/tracker"
)

// Config for the HTTP API handler.
type Config struct {
	Agent    *agent.Agent
	Tracker  tracker.Client
	DB       *sql.DB
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"illegal_transition"`
	Message string         `json:"message" example:"illegal transition for DEMO-1: To Do -> In Review"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the trackpilot API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.DB))
	hcfg := huma.DefaultConfig("Trackpilot API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerInstructions(group, cfg.Agent)
	registerReports(group, cfg.Agent)
	registerTickets(group, cfg.Tracker)
	registerProjects(group, cfg.Tracker)
	registerEpics(group, cfg.Tracker)
	registerEvents(group, cfg.DB)
	registerAPIKeys(group, cfg.DB)

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

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return "internal_error"
	}
}

// handleError maps tracker failures to the error envelope. Raw driver or
// transport messages stay inside the details field.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ite *tracker.IllegalTransitionError
	if errors.As(err, &ite) {
		return newAPIError(http.StatusConflict, "illegal_transition", err.Error(), map[string]any{
			"from": ite.From, "to": ite.To, "allowed": ite.Allowed,
		})
	}
	switch {
	case errors.Is(err, tracker.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, tracker.ErrPermissionDenied):
		return newAPIError(http.StatusForbidden, "permission_denied", err.Error(), nil)
	case errors.Is(err, tracker.ErrUnavailable), tracker.IsTransient(err):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", "tracker unavailable", nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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

func registerInstructions(api huma.API, a *agent.Agent) {
	huma.Register(api, huma.Operation{
		OperationID: "post-instruction",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/instructions",
		Summary:     "Submit a natural-language instruction",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		Body      InstructionRequest
	}) (*struct {
		Body InstructionResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Text) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "text is required", nil)
		}
		session := a.Session(input.SessionID)
		reply, err := session.Handle(ctx, input.Body.Text)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstructionResponse `json:"body"`
		}{Body: InstructionResponse{
			SessionID: session.ID(),
			Kind:      reply.Kind,
			Text:      reply.Text,
			Result:    reply.Result,
		}}, nil
	})
}

func registerReports(api huma.API, a *agent.Agent) {
	huma.Register(api, huma.Operation{
		OperationID: "report-overview",
		Method:      http.MethodGet,
		Path:        "/reports/overview",
		Summary:     "Snapshot-wide rollup",
	}, func(ctx context.Context, input *struct {
		Project string `query:"project"`
	}) (*struct {
		Body OverviewResponse `json:"body"`
	}, error) {
		ov, err := a.Overview(ctx, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OverviewResponse `json:"body"`
		}{Body: OverviewResponse{Overview: ov}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-trends",
		Method:      http.MethodGet,
		Path:        "/reports/trends",
		Summary:     "Trend buckets by interval",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Project  string `query:"project"`
		Interval string `query:"interval" enum:"day,week,month" default:"week"`
		Field    string `query:"field" enum:"created,resolved" default:"created"`
	}) (*struct {
		Body TrendResponse `json:"body"`
	}, error) {
		trend, err := a.Trends(ctx, input.Project, analytics.Interval(input.Interval), analytics.TimeField(input.Field))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TrendResponse `json:"body"`
		}{Body: TrendResponse{Trend: trend}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-by-grouping",
		Method:      http.MethodGet,
		Path:        "/reports/{grouping}",
		Summary:     "Summary grouped by assignee, project, status or priority",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Grouping string `path:"grouping" enum:"assignee,project,status,priority"`
		Project  string `query:"project"`
	}) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		summary, err := a.Report(ctx, input.Project, analytics.Grouping(input.Grouping))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: ReportResponse{Summary: summary}}, nil
	})
}

func registerTickets(api huma.API, trk tracker.Client) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-ticket",
		Method:        http.MethodPost,
		Path:          "/projects/{project}/tickets",
		Summary:       "Create ticket",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
		Body    CreateTicketRequest
	}) (*struct {
		Body TicketRefResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Summary) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "summary is required", nil)
		}
		fields := tracker.TicketFields{
			Summary:     input.Body.Summary,
			Description: input.Body.Description,
			Type:        defaultStr(input.Body.Type, "Task"),
			Priority:    defaultStr(input.Body.Priority, "Medium"),
			Assignee:    input.Body.Assignee,
			EpicKey:     input.Body.Epic,
		}
		key, err := trk.CreateTicket(ctx, input.Project, fields)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TicketRefResponse `json:"body"`
		}{Body: TicketRefResponse{Key: key, URL: trk.TicketURL(key)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-ticket",
		Method:      http.MethodGet,
		Path:        "/tickets/{key}",
		Summary:     "Fetch one ticket",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key string `path:"key"`
	}) (*struct {
		Body domain.TicketRecord `json:"body"`
	}, error) {
		rec, err := trk.GetTicket(ctx, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TicketRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-ticket",
		Method:      http.MethodPatch,
		Path:        "/tickets/{key}",
		Summary:     "Edit ticket fields",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key  string `path:"key"`
		Body EditTicketRequest
	}) (*struct {
		Body TicketRefResponse `json:"body"`
	}, error) {
		if input.Body.Summary == "" && input.Body.Description == "" && input.Body.Priority == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "at least one of summary, description, priority is required", nil)
		}
		err := trk.EditTicket(ctx, input.Key, tracker.TicketFields{
			Summary:     input.Body.Summary,
			Description: input.Body.Description,
			Priority:    input.Body.Priority,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TicketRefResponse `json:"body"`
		}{Body: TicketRefResponse{Key: input.Key, URL: trk.TicketURL(input.Key)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-ticket",
		Method:      http.MethodPost,
		Path:        "/tickets/{key}/assign",
		Summary:     "Assign ticket",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key  string `path:"key"`
		Body AssignTicketRequest
	}) (*struct {
		Body TicketRefResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Assignee) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "assignee is required", nil)
		}
		if err := trk.Assign(ctx, input.Key, input.Body.Assignee); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TicketRefResponse `json:"body"`
		}{Body: TicketRefResponse{Key: input.Key, URL: trk.TicketURL(input.Key)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-ticket",
		Method:      http.MethodPost,
		Path:        "/tickets/{key}/transition",
		Summary:     "Move ticket to a target status",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key  string `path:"key"`
		Body TransitionRequest
	}) (*struct {
		Body TicketRefResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Status) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status is required", nil)
		}
		if err := trk.Transition(ctx, input.Key, input.Body.Status); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TicketRefResponse `json:"body"`
		}{Body: TicketRefResponse{Key: input.Key, URL: trk.TicketURL(input.Key)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "search-tickets",
		Method:      http.MethodGet,
		Path:        "/tickets",
		Summary:     "Search tickets",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Query string `query:"query"`
	}) (*struct {
		Body TicketListResponse `json:"body"`
	}, error) {
		items, err := trk.Search(ctx, input.Query)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TicketListResponse `json:"body"`
		}{Body: TicketListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "link-epic",
		Method:      http.MethodPost,
		Path:        "/tickets/{key}/epic",
		Summary:     "Link ticket to an epic",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key  string `path:"key"`
		Body LinkEpicRequest
	}) (*struct {
		Body TicketRefResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Epic) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "epic is required", nil)
		}
		if err := trk.LinkToEpic(ctx, input.Key, input.Body.Epic); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TicketRefResponse `json:"body"`
		}{Body: TicketRefResponse{Key: input.Key, URL: trk.TicketURL(input.Key)}}, nil
	})
}

func registerProjects(api huma.API, trk tracker.Client) {
	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProjectListResponse `json:"body"`
	}, error) {
		items, err := trk.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectListResponse `json:"body"`
		}{Body: ProjectListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/users",
		Summary:     "List users",
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
	}) (*struct {
		Body UserListResponse `json:"body"`
	}, error) {
		items, err := trk.ListUsers(ctx, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserListResponse `json:"body"`
		}{Body: UserListResponse{Items: items}}, nil
	})
}

func registerEpics(api huma.API, trk tracker.Client) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-epic",
		Method:        http.MethodPost,
		Path:          "/projects/{project}/epics",
		Summary:       "Create epic",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
		Body    CreateEpicRequest
	}) (*struct {
		Body TicketRefResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Summary) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "summary is required", nil)
		}
		key, err := trk.CreateEpic(ctx, input.Project, input.Body.Summary, input.Body.Description, input.Body.Assignee)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TicketRefResponse `json:"body"`
		}{Body: TicketRefResponse{Key: key, URL: trk.TicketURL(key)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-epics",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/epics",
		Summary:     "List epics",
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
	}) (*struct {
		Body EpicListResponse `json:"body"`
	}, error) {
		items, err := trk.ListEpics(ctx, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EpicListResponse `json:"body"`
		}{Body: EpicListResponse{Items: items}}, nil
	})
}

func registerEvents(api huma.API, db *sql.DB) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Recent audit events",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		items, err := events.Recent(ctx, db, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: EventListResponse{Items: items}}, nil
	})
}

func registerAPIKeys(api huma.API, db *sql.DB) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest
	}) (*struct {
		Body APIKeyCreatedResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Subject) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "subject is required", nil)
		}
		rec, raw, err := CreateAPIKey(ctx, db, input.Body.Subject, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyCreatedResponse `json:"body"`
		}{Body: APIKeyCreatedResponse{Key: rec, Raw: raw}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body APIKeyListResponse `json:"body"`
	}, error) {
		items, err := ListAPIKeys(ctx, db)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyListResponse `json:"body"`
		}{Body: APIKeyListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/api-keys/{id}",
		Summary:     "Delete API key",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := DeleteAPIKey(ctx, db, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func defaultStr(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
