// Package server exposes the run-orchestration API over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"runway/internal/cost"
	"runway/internal/domain"
	"runway/internal/executor"
	"runway/internal/orchestrator"
	"runway/internal/queue"
	"runway/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Repo     repo.Repo
	Orch     *orchestrator.Orchestrator
	Queue    *queue.Queue
	Tracker  cost.Tracker
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"run not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Runway API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo))
	hcfg := huma.DefaultConfig("Runway API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerTriggers(group, cfg)
	registerRuns(group, cfg)
	registerApprovals(group, cfg)
	registerDecisions(group, cfg)
	registerJobs(group, cfg)
	registerCost(group, cfg)

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
	case strings.Contains(lowered, "already") || strings.Contains(lowered, "not awaiting") || strings.Contains(lowered, "not dead-lettered"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "unknown") || strings.Contains(lowered, "required") || strings.Contains(lowered, "missing"):
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

func registerTriggers(api huma.API, cfg Config) {
	type triggerAction struct {
		Type        string `json:"type,omitempty" enum:"CREATE,UPDATE,TRANSITION"`
		IssueKey    string `json:"issue_key,omitempty"`
		TargetState string `json:"target_state,omitempty"`
	}
	type triggerBody struct {
		TriggerType string                  `json:"trigger_type" enum:"CHAT_EVENT,DOCUMENT_UPLOAD,MANUAL_REVIEW,SCHEDULED"`
		Text        string                  `json:"text" minLength:"1"`
		Citations   []domain.SourceCitation `json:"citations,omitempty"`
		Channel     string                  `json:"channel,omitempty" enum:"CHAT,DASHBOARD"`
		Action      *triggerAction          `json:"action,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "create-trigger",
		Method:        http.MethodPost,
		Path:          "/triggers",
		Summary:       "Start a run from a business event",
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *struct {
		Body triggerBody
	}) (*struct {
		Body domain.AgentRun `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p := orchestrator.TriggerPayload{
			TriggerType: domain.TriggerType(input.Body.TriggerType),
			Text:        input.Body.Text,
			Citations:   input.Body.Citations,
			RequesterID: actorID,
			Channel:     domain.ApprovalChannel(input.Body.Channel),
		}
		if a := input.Body.Action; a != nil {
			p.Action = executor.Action{
				Type:        domain.ApprovalType(a.Type),
				IssueKey:    a.IssueKey,
				TargetState: a.TargetState,
			}
		}
		run, err := cfg.Orch.StartRun(ctx, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentRun `json:"body"`
		}{Body: run}, nil
	})
}

func registerRuns(api huma.API, cfg Config) {
	type RunPath struct {
		RunID string `path:"run_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []domain.AgentRun `json:"body"`
	}, error) {
		runs, err := cfg.Repo.ListRuns(ctx, repo.RunListOptions{
			Status: domain.RunStatus(input.Status),
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AgentRun `json:"body"`
		}{Body: runs}, nil
	})

	type runDetail struct {
		Run   domain.AgentRun       `json:"run"`
		Draft *domain.CanonicalDraft `json:"draft,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Run detail with its draft",
	}, func(ctx context.Context, input *RunPath) (*struct {
		Body runDetail `json:"body"`
	}, error) {
		run, err := cfg.Repo.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		detail := runDetail{Run: run}
		if d, err := cfg.Repo.GetDraft(ctx, run.ID); err == nil {
			detail.Draft = &d
		} else if err != repo.ErrNotFound {
			return nil, handleError(err)
		}
		return &struct {
			Body runDetail `json:"body"`
		}{Body: detail}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run-events",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/events",
		Summary:     "Audit events for a run",
	}, func(ctx context.Context, input *struct {
		RunPath
		Limit int `query:"limit"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		evts, err := cfg.Repo.EventsForRun(ctx, input.RunID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: evts}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "decide-run",
		Method:        http.MethodPost,
		Path:          "/runs/{run_id}/decision",
		Summary:       "Submit a human decision for a suspended run",
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *struct {
		RunPath
		Body json.RawMessage
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		job, err := cfg.Orch.EnqueueDecision(ctx, input.RunID, actorID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/cancel",
		Summary:     "Abort a non-terminal run",
	}, func(ctx context.Context, input *RunPath) (*struct {
		Body domain.AgentRun `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := cfg.Orch.CancelRun(ctx, input.RunID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentRun `json:"body"`
		}{Body: run}, nil
	})
}

func registerApprovals(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List approvals",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:",PENDING,APPROVED,REJECTED,EXPIRED"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []domain.Approval `json:"body"`
	}, error) {
		approvals, err := cfg.Repo.ListApprovals(ctx, repo.ApprovalListOptions{
			Status: domain.ApprovalStatus(input.Status),
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Approval `json:"body"`
		}{Body: approvals}, nil
	})
}

func registerDecisions(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-decisions",
		Method:      http.MethodGet,
		Path:        "/decisions",
		Summary:     "List recorded decisions",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*struct {
		Body []domain.Decision `json:"body"`
	}, error) {
		decisions, err := cfg.Repo.ListDecisions(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Decision `json:"body"`
		}{Body: decisions}, nil
	})

	type decisionPath struct {
		DecisionID string `path:"decision_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-decision",
		Method:      http.MethodGet,
		Path:        "/decisions/{decision_id}",
		Summary:     "Decision detail",
	}, func(ctx context.Context, input *decisionPath) (*struct {
		Body domain.Decision `json:"body"`
	}, error) {
		d, err := cfg.Repo.GetDecision(ctx, input.DecisionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Decision `json:"body"`
		}{Body: d}, nil
	})
}

func registerJobs(api huma.API, cfg Config) {
	type jobPath struct {
		JobID string `path:"job_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs across queues",
	}, func(ctx context.Context, input *struct {
		Queue  string `query:"queue" enum:",inbound,outbound,dead_letter"`
		Status string `query:"status"`
		RunID  string `query:"run_id"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []domain.Job `json:"body"`
	}, error) {
		jobs, err := cfg.Repo.ListJobs(ctx, repo.JobListOptions{
			Queue:  input.Queue,
			Status: domain.JobStatus(input.Status),
			RunID:  input.RunID,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Job `json:"body"`
		}{Body: jobs}, nil
	})

	type jobDetail struct {
		Job      domain.Job          `json:"job"`
		Attempts []domain.JobAttempt `json:"attempts,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Job detail with attempt history",
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body jobDetail `json:"body"`
	}, error) {
		job, err := cfg.Repo.GetJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		attempts, err := cfg.Repo.ListJobAttempts(ctx, job.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body jobDetail `json:"body"`
		}{Body: jobDetail{Job: job, Attempts: attempts}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replay-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/replay",
		Summary:     "Re-queue a dead-lettered job",
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		job, err := cfg.Queue.Replay(ctx, input.JobID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/cancel",
		Summary:     "Cancel a queued job",
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ok, err := cfg.Queue.Cancel(ctx, input.JobID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, newAPIError(http.StatusConflict, "conflict", "job is not queued", nil)
		}
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: map[string]bool{"canceled": true}}, nil
	})
}

func registerCost(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "get-cost",
		Method:      http.MethodGet,
		Path:        "/cost",
		Summary:     "Accumulated drafting spend",
	}, func(ctx context.Context, input *struct {
		Since string `query:"since" format:"date-time"`
	}) (*struct {
		Body cost.Total `json:"body"`
	}, error) {
		var since time.Time
		if input.Since != "" {
			t, err := time.Parse(time.RFC3339, input.Since)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid since timestamp", nil)
			}
			since = t
		}
		total, err := cfg.Tracker.GetTotalCost(ctx, since)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body cost.Total `json:"body"`
		}{Body: total}, nil
	})
}
