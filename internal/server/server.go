// Package server exposes the Waveline engine over HTTP. The server holds no
// state of its own: every request goes through the same file-backed engine
// and locks the CLI uses, so running it is optional and coordination still
// flows through the filesystem.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"waveline/internal/engine"
	"waveline/internal/loop"
	"waveline/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine     engine.Engine
	Controller loop.Controller
	BasePath   string
	Auth       AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task t1 not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, message string) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message}}
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
	default:
		return "internal_error"
	}
}

// handleError maps engine error types onto the HTTP taxonomy.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var (
		ve *engine.ValidationError
		ce *engine.ConflictError
		be *engine.BlockedError
		te *engine.TransitionError
		oe *engine.OwnershipError
	)
	switch {
	case errors.As(err, &ve):
		return newAPIError(http.StatusBadRequest, "bad_request", ve.Error())
	case errors.Is(err, store.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error())
	case errors.As(err, &ce):
		return newAPIError(http.StatusConflict, "already_claimed", ce.Error())
	case errors.As(err, &be):
		return newAPIError(http.StatusConflict, "blocked", be.Error())
	case errors.As(err, &te):
		return newAPIError(http.StatusConflict, "invalid_transition", te.Error())
	case errors.As(err, &oe):
		return newAPIError(http.StatusConflict, "not_owner", oe.Error())
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", err.Error())
}

// New returns an HTTP handler exposing the Waveline API.
func New(cfg Config) http.Handler {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(cfg.Auth))
	hcfg := huma.DefaultConfig("Waveline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerWaves(group, cfg.Engine)
	registerVerification(group, cfg.Engine, cfg.Controller)
	registerEvents(group, cfg.Engine)
	registerWebhooks(group, cfg.Engine)

	return router
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Status string `json:"status" example:"ok"`
		}
	}, error) {
		resp := &struct {
			Body struct {
				Status string `json:"status" example:"ok"`
			}
		}{}
		resp.Body.Status = "ok"
		return resp, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if input.Body.Project == "" || input.Body.Team == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "project and team are required")
		}
		p, err := e.CreateProject(ctx, input.Body.Project, input.Body.Team, input.Body.Goal, workerIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: ProjectResponse{Project: p}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/{team}",
		Summary:     "Show project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
		Team    string `path:"team"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.GetProject(ctx, input.Project, input.Team)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: ProjectResponse{Project: p}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clean-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project}/{team}/clean",
		Summary:     "Clean project work artifacts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
		Team    string `path:"team"`
	}) (*struct {
		Body CleanResponse `json:"body"`
	}, error) {
		p, already, err := e.CleanProject(ctx, input.Project, input.Team, workerIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CleanResponse `json:"body"`
		}{Body: CleanResponse{Project: p, AlreadyCleaned: already}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project}/{team}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Project string            `path:"project"`
		Team    string            `path:"team"`
		Body    CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required")
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			Project:     input.Project,
			Team:        input.Team,
			ID:          input.Body.ID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Role:        input.Body.Role,
			BlockedBy:   input.Body.BlockedBy,
			ActorID:     workerIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: TaskResponse{Task: t}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/{team}/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
		Team    string `path:"team"`
		Status  string `query:"status"`
		Role    string `query:"role"`
	}) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		tasks, err := e.ListTasks(ctx, input.Project, input.Team, input.Status, input.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: TaskListResponse{Tasks: tasks}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/{team}/tasks/{task_id}",
		Summary:     "Show task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
		Team    string `path:"team"`
		TaskID  string `path:"task_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.GetTask(ctx, input.Project, input.Team, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: TaskResponse{Task: t}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project}/{team}/tasks/{task_id}/claim",
		Summary:     "Atomically claim a task",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Project string            `path:"project"`
		Team    string            `path:"team"`
		TaskID  string            `path:"task_id"`
		Body    *ClaimTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		var owner string
		if input.Body != nil {
			owner = input.Body.Owner
		}
		if owner == "" {
			owner = workerIDFromContext(ctx)
		}
		t, err := e.ClaimTask(ctx, input.Project, input.Team, input.TaskID, owner)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: TaskResponse{Task: t}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/projects/{project}/{team}/tasks/{task_id}",
		Summary:     "Update task status or append evidence",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Project string            `path:"project"`
		Team    string            `path:"team"`
		TaskID  string            `path:"task_id"`
		Body    UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.UpdateTask(ctx, engine.TaskUpdateOptions{
			Project:     input.Project,
			Team:        input.Team,
			ID:          input.TaskID,
			Status:      input.Body.Status,
			AddEvidence: input.Body.AddEvidence,
			Release:     input.Body.Release,
			ActorID:     workerIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: TaskResponse{Task: t}}, nil
	})
}

func registerWaves(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "calculate-waves",
		Method:      http.MethodPost,
		Path:        "/projects/{project}/{team}/waves/calculate",
		Summary:     "Compute execution waves from the dependency graph",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
		Team    string `path:"team"`
	}) (*struct {
		Body WavesResponse `json:"body"`
	}, error) {
		ws, err := e.CalculateWaves(ctx, input.Project, input.Team, workerIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WavesResponse `json:"body"`
		}{Body: WavesResponse{Waves: ws}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "wave-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/{team}/waves/status",
		Summary:     "Aggregate status of a wave",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
		Team    string `path:"team"`
		Wave    int    `query:"wave"`
	}) (*struct {
		Body WaveStatusResponse `json:"body"`
	}, error) {
		st, err := e.GetWaveStatus(ctx, input.Project, input.Team, input.Wave)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WaveStatusResponse `json:"body"`
		}{Body: WaveStatusResponse{WaveStatus: st}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-wave-status",
		Method:      http.MethodPatch,
		Path:        "/projects/{project}/{team}/waves/{wave_id}",
		Summary:     "Move a wave through its lifecycle",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Project string                  `path:"project"`
		Team    string                  `path:"team"`
		WaveID  int                     `path:"wave_id"`
		Body    UpdateWaveStatusRequest `json:"body"`
	}) (*struct {
		Body struct {
			Updated bool `json:"updated"`
		}
	}, error) {
		if err := e.UpdateWaveStatus(ctx, input.Project, input.Team, input.WaveID, input.Body.Status, workerIDFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Updated bool `json:"updated"`
			}
		}{}
		resp.Body.Updated = true
		return resp, nil
	})
}

func registerVerification(api huma.API, e engine.Engine, c loop.Controller) {
	huma.Register(api, huma.Operation{
		OperationID: "get-verification",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/{team}/verification",
		Summary:     "Fetch a verification record (wave=0 for final)",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
		Team    string `path:"team"`
		Wave    int    `query:"wave"`
	}) (*struct {
		Body VerificationResponse `json:"body"`
	}, error) {
		v, err := e.Store.ReadVerification(input.Project, input.Team, input.Wave)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VerificationResponse `json:"body"`
		}{Body: VerificationResponse{Verification: v}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance",
		Method:      http.MethodPost,
		Path:        "/projects/{project}/{team}/advance",
		Summary:     "Run one controller step (verify, recover, advance)",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
		Team    string `path:"team"`
	}) (*struct {
		Body AdvanceResponse `json:"body"`
	}, error) {
		res, err := c.Advance(ctx, input.Project, input.Team, workerIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AdvanceResponse `json:"body"`
		}{Body: AdvanceResponse{Result: res}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "tail-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/{team}/events",
		Summary:     "Tail the event log",
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
		Team    string `path:"team"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body struct {
			Events []eventDTO `json:"events"`
		}
	}, error) {
		evs, err := e.Events.Tail(input.Project, input.Team, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Events []eventDTO `json:"events"`
			}
		}{}
		for _, ev := range evs {
			resp.Body.Events = append(resp.Body.Events, eventDTO{
				TS:       ev.TS,
				Type:     ev.Type,
				EntityID: ev.EntityID,
				ActorID:  ev.ActorID,
			})
		}
		return resp, nil
	})
}

type eventDTO struct {
	TS       string `json:"ts"`
	Type     string `json:"type"`
	EntityID string `json:"entity_id,omitempty"`
	ActorID  string `json:"actor_id"`
}
