package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"launchdeck/internal/aggregate"
	"launchdeck/internal/domain"
	"launchdeck/internal/engine"
	"launchdeck/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine     engine.Engine
	Aggregator aggregate.Aggregator
	BasePath   string
	Auth       AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"story st-1: cannot move from completed to approved"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Launchdeck API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Launchdeck API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerProjects(group, cfg.Engine, cfg.Aggregator)
	registerStories(group, cfg.Engine)
	registerScans(group, cfg.Engine)

	// tracker webhook authenticates with its own HMAC signature, outside the
	// API auth middleware
	registerTrackerWebhook(router, cfg.Engine)

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
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	}
	return "internal_error"
}

// handleError maps domain errors onto the envelope. ConcurrencyConflict gets
// its own code so callers can retry-later instead of treating it as final.
func handleError(err error) huma.StatusError {
	var verr domain.ValidationError
	if errors.As(err, &verr) {
		return newAPIError(http.StatusBadRequest, "bad_request", verr.Error(), nil)
	}
	var nferr domain.NotFoundError
	if errors.As(err, &nferr) {
		return newAPIError(http.StatusNotFound, "not_found", nferr.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", "resource not found", nil)
	}
	var iterr domain.InvalidTransitionError
	if errors.As(err, &iterr) {
		return newAPIError(http.StatusConflict, "invalid_transition", iterr.Error(), map[string]any{
			"current_status": string(iterr.Current),
		})
	}
	var cerr domain.ConcurrencyConflictError
	if errors.As(err, &cerr) {
		return newAPIError(http.StatusConflict, "concurrency_conflict", cerr.Error(), map[string]any{
			"project_id": cerr.ProjectID,
		})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
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
		OperationID: "queue-status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Queue status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]map[string]int `json:"body"`
	}, error) {
		counts, err := e.Dispatcher.Counts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]map[string]int `json:"body"`
		}{Body: counts}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine, agg aggregate.Aggregator) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := e.InitProject(ctx, input.Body.ID, input.Body.WorkspaceID, input.Body.Name, input.Body.Domain)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		projects, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: projects}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-state",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/state",
		Summary:     "Aggregated launch-readiness state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.AggregatedProjectState `json:"body"`
	}, error) {
		state, err := agg.Aggregate(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AggregatedProjectState `json:"body"`
		}{Body: state}, nil
	})
}

func registerStories(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-story",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/stories",
		Summary:       "Create story",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		Body      CreateStoryRequest `json:"body"`
	}) (*struct {
		Body domain.Story `json:"body"`
	}, error) {
		s, err := e.CreateStory(ctx, engine.StoryCreateOptions{
			ProjectID:    input.ProjectID,
			Title:        input.Body.Title,
			Rationale:    input.Body.Rationale,
			Source:       sourceOrDefault(input.Body.Source),
			TrackerIssue: input.Body.TrackerIssue,
			Draft:        input.Body.Draft,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Story `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stories",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/stories",
		Summary:     "List stories, stack-ranked",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		All       bool   `query:"all" doc:"Include terminal stories"`
	}) (*struct {
		Body []domain.Story `json:"body"`
	}, error) {
		var stories []domain.Story
		var err error
		if input.All {
			stories, err = e.Repo.ListStories(ctx, input.ProjectID)
		} else {
			stories, err = e.Repo.RankedStories(ctx, input.ProjectID, repo.Timestamp(e.Now()))
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Story `json:"body"`
		}{Body: stories}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-story",
		Method:      http.MethodGet,
		Path:        "/stories/{story_id}",
		Summary:     "Get story with active priority signals",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StoryID string `path:"story_id"`
	}) (*struct {
		Body StoryDetailResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetStory(ctx, input.StoryID)
		if err != nil {
			return nil, handleError(err)
		}
		signals, err := e.Repo.ActiveSignals(ctx, s.ID, repo.Timestamp(e.Now()))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StoryDetailResponse `json:"body"`
		}{Body: StoryDetailResponse{Story: s, Signals: signals}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-story",
		Method:      http.MethodPost,
		Path:        "/stories/{story_id}/approve",
		Summary:     "Approve story for execution",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		StoryID string         `path:"story_id"`
		Body    ApproveRequest `json:"body"`
	}) (*struct {
		Body domain.Story `json:"body"`
	}, error) {
		opts := engine.ApproveOptions{
			StoryID: input.StoryID,
			Source:  sourceOrDefault(input.Body.Source),
		}
		if input.Body.PriorityOverride != nil {
			level := domain.PriorityLevel(*input.Body.PriorityOverride)
			if level.Rank() > 3 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "priority_override must be P0..P3", nil)
			}
			opts.PriorityOverride = &level
		}
		s, err := e.Approve(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Story `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-story",
		Method:      http.MethodPost,
		Path:        "/stories/{story_id}/reject",
		Summary:     "Reject story",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		StoryID string        `path:"story_id"`
		Body    RejectRequest `json:"body"`
	}) (*struct {
		Body domain.Story `json:"body"`
	}, error) {
		s, err := e.Reject(ctx, input.StoryID, sourceOrDefault(input.Body.Source), input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Story `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-story-changes",
		Method:      http.MethodPost,
		Path:        "/stories/{story_id}/request-changes",
		Summary:     "Send story back for changes",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StoryID string                `path:"story_id"`
		Body    RequestChangesRequest `json:"body"`
	}) (*struct {
		Body domain.Story `json:"body"`
	}, error) {
		s, err := e.RequestChanges(ctx, input.StoryID, sourceOrDefault(input.Body.Source), input.Body.Feedback)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Story `json:"body"`
		}{Body: s}, nil
	})
}

func registerScans(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "queue-scans",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/scans",
		Summary:       "Queue a full scan pass",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body QueueScansResponse `json:"body"`
	}, error) {
		handles, err := e.QueueScans(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := QueueScansResponse{}
		for _, h := range handles {
			if h.Duplicate {
				resp.Deduplicated++
			} else {
				resp.Queued++
			}
		}
		return &struct {
			Body QueueScansResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "ingest-scan-result",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/scans/results",
		Summary:       "Ingest a scan result",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      ScanResultRequest `json:"body"`
	}) (*struct {
		Body domain.Scan `json:"body"`
	}, error) {
		if input.Body.ScanType == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "scan_type is required", nil)
		}
		s, err := e.RecordScan(ctx, input.ProjectID, domain.ScanType(input.Body.ScanType), string(input.Body.Payload))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Scan `json:"body"`
		}{Body: s}, nil
	})
}

func sourceOrDefault(s string) domain.SignalSource {
	if s == "" {
		return domain.SourceDashboard
	}
	return domain.SignalSource(s)
}
