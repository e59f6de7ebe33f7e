// Package server exposes the simulator over HTTP with an OpenAPI schema.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"asphare/internal/auth"
	"asphare/internal/config"
	"asphare/internal/domain"
	"asphare/internal/engine"
	"asphare/internal/repo"
	"asphare/internal/synth"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Auth     *auth.Service
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"user user_999: not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the simulator API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", promhttp.Handler())

	hcfg := huma.DefaultConfig("Asphare Simulator API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerAuth(group, cfg.Auth)
	registerSetup(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerStats(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerReplay(group, cfg.Engine)
	registerSchedule(group, cfg.Engine)
	registerConfig(group, cfg.Engine)
	registerCleanup(group, cfg.Engine)

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
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, auth.ErrInvalidCode):
		return newAPIError(http.StatusUnauthorized, "invalid_credentials", err.Error(), nil)
	case errors.Is(err, engine.ErrNoHistoricalEvents):
		return newAPIError(http.StatusConflict, "no_historical_events", err.Error(), nil)
	case errors.Is(err, engine.ErrNoUsers):
		return newAPIError(http.StatusConflict, "no_users", err.Error(), nil)
	case errors.Is(err, engine.ErrNoReplayInProgress):
		return newAPIError(http.StatusConflict, "no_replay_in_progress", err.Error(), nil)
	case errors.Is(err, synth.ErrUnsupportedPlatform):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, config.ErrInvalidHistoryDays):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "out of range") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerAuth(api huma.API, svc *auth.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "auth-request-code",
		Method:      http.MethodPost,
		Path:        "/auth/code",
		Summary:     "Request a login code",
	}, func(ctx context.Context, input *struct {
		Body RequestCodeRequest `json:"body"`
	}) (*struct {
		Body RequestCodeResponse `json:"body"`
	}, error) {
		code, err := svc.IssueCode(input.Body.Username)
		if err != nil {
			return nil, handleError(err)
		}
		// Demo deployment: the code is returned in the response instead of
		// being delivered out of band.
		return &struct {
			Body RequestCodeResponse `json:"body"`
		}{Body: RequestCodeResponse{
			Username:  input.Body.Username,
			Code:      code,
			ExpiresIn: int(svc.CodeTTL.Seconds()),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "auth-verify-code",
		Method:      http.MethodPost,
		Path:        "/auth/verify",
		Summary:     "Exchange a login code for a token",
	}, func(ctx context.Context, input *struct {
		Body VerifyCodeRequest `json:"body"`
	}) (*struct {
		Body VerifyCodeResponse `json:"body"`
	}, error) {
		token, err := svc.VerifyCode(input.Body.Username, input.Body.Code)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VerifyCodeResponse `json:"body"`
		}{Body: VerifyCodeResponse{Token: token}}, nil
	})
}

func registerSetup(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "setup",
		Method:        http.MethodPost,
		Path:          "/setup",
		Summary:       "Reseed users and historical events",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body SetupRequest `json:"body"`
	}) (*struct {
		Body SetupResponse `json:"body"`
	}, error) {
		res, err := e.Setup(ctx, input.Body.UserCount, input.Body.HistoryDays)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SetupResponse `json:"body"`
		}{Body: SetupResponse(res)}, nil
	})
}

func registerUsers(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Users []domain.User `json:"users"`
			Count int           `json:"count"`
		} `json:"body"`
	}, error) {
		users, err := e.Repo.ListUsers()
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Users []domain.User `json:"users"`
				Count int           `json:"count"`
			} `json:"body"`
		}{}
		out.Body.Users = users
		out.Body.Count = len(users)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-user",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}",
		Summary:     "Get a user",
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		u, err := e.Repo.GetUser(input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})
}

func registerStats(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Simulator statistics",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Stats `json:"body"`
	}, error) {
		s, err := e.Stats()
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Stats `json:"body"`
		}{Body: s}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "pull-events",
		Method:      http.MethodPost,
		Path:        "/events/pull",
		Summary:     "Pull unconsumed events",
		Description: "Returns up to limit unconsumed events for one platform, oldest first, and marks them consumed in the same transaction.",
	}, func(ctx context.Context, input *struct {
		Body PullRequest `json:"body"`
	}) (*struct {
		Body PullResponse `json:"body"`
	}, error) {
		events, err := e.Pull(ctx, input.Body.Platform, input.Body.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := PullResponse{Count: len(events), Events: make([]EventResponse, 0, len(events))}
		for _, ev := range events {
			out.Events = append(out.Events, toEventResponse(ev))
		}
		return &struct {
			Body PullResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "simulate-events",
		Method:        http.MethodPost,
		Path:          "/events/simulate",
		Summary:       "Emit manual events on demand",
		Description:   "Emits count events for one platform. The event_type field is accepted for compatibility but types are always drawn from the platform's weighted distribution.",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body SimulateRequest `json:"body"`
	}) (*struct {
		Body SimulateResponse `json:"body"`
	}, error) {
		events, err := e.Simulate(ctx, input.Body.Platform, input.Body.UserID, input.Body.Count)
		if err != nil {
			return nil, handleError(err)
		}
		out := SimulateResponse{EventsCreated: len(events), Events: make([]EventResponse, 0, len(events))}
		for _, ev := range events {
			out.Events = append(out.Events, toEventResponse(ev))
		}
		return &struct {
			Body SimulateResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerReplay(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "replay-start",
		Method:      http.MethodPost,
		Path:        "/replay/start",
		Summary:     "Start replaying the historical backlog",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ReplayStatusResponse `json:"body"`
	}, error) {
		p, err := e.StartReplay(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReplayStatusResponse `json:"body"`
		}{Body: toReplayStatusResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replay-report-progress",
		Method:      http.MethodPost,
		Path:        "/replay/progress",
		Summary:     "Report processed replay events",
		Description: "Consumers call this after processing a pulled batch. The replay completes once the reported total reaches the backlog size.",
	}, func(ctx context.Context, input *struct {
		Body ReportProgressRequest `json:"body"`
	}) (*struct {
		Body ReplayStatusResponse `json:"body"`
	}, error) {
		p, err := e.ReportReplayProgress(ctx, input.Body.EventsProcessed)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReplayStatusResponse `json:"body"`
		}{Body: toReplayStatusResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replay-status",
		Method:      http.MethodGet,
		Path:        "/replay/status",
		Summary:     "Replay progress",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ReplayStatusResponse `json:"body"`
	}, error) {
		p, err := e.ReplayStatus()
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReplayStatusResponse `json:"body"`
		}{Body: toReplayStatusResponse(p)}, nil
	})
}

// parseScheduleTime accepts RFC 3339 timestamps and zone-less ISO 8601
// timestamps, the latter read as UTC.
func parseScheduleTime(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05", value)
}

func registerSchedule(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "schedule-event",
		Method:        http.MethodPost,
		Path:          "/schedule",
		Summary:       "Queue a one-shot event",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body ScheduleRequest `json:"body"`
	}) (*struct {
		Body domain.ScheduledEvent `json:"body"`
	}, error) {
		when, err := parseScheduleTime(input.Body.ScheduleTime)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "schedule_time must be an ISO 8601 timestamp", nil)
		}
		s, err := e.ScheduleEvent(ctx, when, input.Body.Platform, input.Body.EventType, input.Body.UserID, string(input.Body.Params))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ScheduledEvent `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-scheduled",
		Method:      http.MethodGet,
		Path:        "/schedule",
		Summary:     "List queued events",
	}, func(ctx context.Context, input *struct {
		IncludeExecuted bool `query:"include_executed"`
	}) (*struct {
		Body struct {
			Scheduled []domain.ScheduledEvent `json:"scheduled"`
			Count     int                     `json:"count"`
		} `json:"body"`
	}, error) {
		list, err := e.Repo.ListScheduledEvents(input.IncludeExecuted)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Scheduled []domain.ScheduledEvent `json:"scheduled"`
				Count     int                     `json:"count"`
			} `json:"body"`
		}{}
		out.Body.Scheduled = list
		out.Body.Count = len(list)
		return out, nil
	})
}

func registerConfig(api huma.API, e *engine.Engine) {
	readConfig := func() (ConfigResponse, error) {
		var out ConfigResponse
		var err error
		if out.UserCount, err = e.Cfg.UserCount(); err != nil {
			return out, err
		}
		if out.HistoryDays, err = e.Cfg.HistoryDays(); err != nil {
			return out, err
		}
		if out.RetentionDays, err = e.Cfg.RetentionDays(); err != nil {
			return out, err
		}
		if out.BatchSize, err = e.Cfg.BatchSize(); err != nil {
			return out, err
		}
		if out.Mode, err = e.Cfg.Mode(); err != nil {
			return out, err
		}
		if out.Platforms, err = e.Cfg.Platforms(); err != nil {
			return out, err
		}
		return out, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/config",
		Summary:     "Current runtime configuration",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ConfigResponse `json:"body"`
	}, error) {
		out, err := readConfig()
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConfigResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-config",
		Method:      http.MethodPut,
		Path:        "/config",
		Summary:     "Update runtime configuration",
	}, func(ctx context.Context, input *struct {
		Body UpdateConfigRequest `json:"body"`
	}) (*struct {
		Body ConfigResponse `json:"body"`
	}, error) {
		b := input.Body
		if b.UserCount != nil {
			if err := e.Cfg.SetUserCount(*b.UserCount); err != nil {
				return nil, handleError(err)
			}
		}
		if b.HistoryDays != nil {
			if err := e.Cfg.SetHistoryDays(*b.HistoryDays); err != nil {
				return nil, handleError(err)
			}
		}
		if b.RetentionDays != nil {
			if err := e.Cfg.Repo.SetConfig(config.KeyRetentionDays, strconv.Itoa(*b.RetentionDays), repo.FormatTime(e.Now())); err != nil {
				return nil, handleError(err)
			}
		}
		if b.BatchSize != nil {
			if err := e.Cfg.Repo.SetConfig(config.KeyBatchSize, strconv.Itoa(*b.BatchSize), repo.FormatTime(e.Now())); err != nil {
				return nil, handleError(err)
			}
		}
		if b.Mode != nil {
			if err := e.Cfg.SetMode(*b.Mode); err != nil {
				return nil, handleError(err)
			}
		}
		if b.Platforms != nil {
			if err := e.Cfg.SetPlatforms(b.Platforms); err != nil {
				return nil, handleError(err)
			}
		}
		out, err := readConfig()
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConfigResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerCleanup(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "cleanup",
		Method:      http.MethodPost,
		Path:        "/cleanup",
		Summary:     "Delete events past retention",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CleanupResponse `json:"body"`
	}, error) {
		deleted, err := e.Cleanup(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CleanupResponse `json:"body"`
		}{Body: CleanupResponse{Deleted: deleted}}, nil
	})
}
