// Package orchestrator drives agent runs through their lifecycle:
// CREATED -> DRAFTING_LOOP -> AWAITING_APPROVAL -> EXECUTING -> terminal.
// Every stage boundary is a durable checkpoint: the handler persists the
// run's next state and enqueues the next stage's job in one transaction,
// so a crashed worker never loses progress and a redelivered job finds
// the state it expects or skips.
package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"runway/internal/approval"
	"runway/internal/cost"
	"runway/internal/domain"
	"runway/internal/draft"
	"runway/internal/events"
	"runway/internal/executor"
	"runway/internal/guardrail"
	"runway/internal/notify"
	"runway/internal/queue"
	"runway/internal/repo"
	"runway/internal/tracker"
)

// GraphVersion tags runs with the orchestration graph that produced
// them, so stored runs stay interpretable across upgrades.
const GraphVersion = "v1"

// TriggerPayload is the body of a run.trigger job: the business event
// plus the action the run should perform once approved.
type TriggerPayload struct {
	TriggerType domain.TriggerType      `json:"trigger_type"`
	Text        string                  `json:"text"`
	Citations   []domain.SourceCitation `json:"citations,omitempty"`
	RequesterID string                  `json:"requester_id"`
	Channel     domain.ApprovalChannel  `json:"channel,omitempty"`
	Action      executor.Action         `json:"action"`
}

// ResumePayload is the body of a run.resume job: the raw human decision
// as received on the wire. Kept raw so malformed payloads are judged at
// resumption time, not at enqueue time.
type ResumePayload struct {
	DecidedBy string          `json:"decided_by"`
	Decision  json.RawMessage `json:"decision"`
}

// Orchestrator wires the stage components together and owns every run
// status transition.
type Orchestrator struct {
	Repo      repo.Repo
	Events    events.Writer
	Queue     *queue.Queue
	Gate      approval.Gate
	Loop      draft.Loop
	Tracker   cost.Tracker
	Evaluator guardrail.Evaluator
	Exec      executor.Executor
	Notify    notify.Notifier
	Log       zerolog.Logger
	Now       func() time.Time
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Register binds the orchestrator's handlers to their job kinds.
func (o *Orchestrator) Register() {
	o.Queue.Register(domain.JobRunTrigger, o.handleTrigger)
	o.Queue.Register(domain.JobRunResume, o.handleResume)
	o.Queue.Register(domain.JobActionExecute, o.handleExecute)
}

// StartRun creates a run in CREATED and enqueues its trigger job
// atomically. The run becomes visible only if the job does too.
func (o *Orchestrator) StartRun(ctx context.Context, p TriggerPayload) (domain.AgentRun, error) {
	if !domain.ValidTriggerType(p.TriggerType) {
		return domain.AgentRun{}, fmt.Errorf("unknown trigger type %q", p.TriggerType)
	}
	if p.Action.Type == "" {
		p.Action.Type = domain.ApprovalCreate
	}
	if _, err := json.Marshal(p.Action); err != nil {
		return domain.AgentRun{}, err
	}
	nowStr := o.now().UTC().Format(time.RFC3339)
	run := domain.AgentRun{
		ID:           uuid.New().String(),
		GraphVersion: GraphVersion,
		TriggerType:  p.TriggerType,
		Status:       domain.RunCreated,
		CreatedAt:    nowStr,
		UpdatedAt:    nowStr,
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return run, err
	}

	tx, err := o.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return run, err
	}
	defer tx.Rollback()
	if err := o.Repo.InsertRun(ctx, tx, run); err != nil {
		return run, err
	}
	if err := o.Events.Append(ctx, tx, "run.created", run.ID, "run", run.ID, p.RequesterID, events.EventPayload{
		"trigger_type": string(p.TriggerType),
		"action":       string(p.Action.Type),
	}); err != nil {
		return run, err
	}
	if _, err := o.Queue.EnqueueTx(ctx, tx, domain.JobRunTrigger, run.ID, p.TriggerType, string(payload)); err != nil {
		return run, err
	}
	if err := tx.Commit(); err != nil {
		return run, err
	}
	o.Log.Info().Str("run_id", run.ID).Str("trigger", string(p.TriggerType)).Msg("run created")
	return run, nil
}

// EnqueueDecision records a human decision for the run as a durable
// resume job. The decision is judged when the job is dispatched.
func (o *Orchestrator) EnqueueDecision(ctx context.Context, runID, decidedBy string, decision json.RawMessage) (domain.Job, error) {
	run, err := o.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.Job{}, err
	}
	if run.Status != domain.RunAwaitingApproval {
		return domain.Job{}, fmt.Errorf("run %s is %s, not awaiting approval", runID, run.Status)
	}
	payload, err := json.Marshal(ResumePayload{DecidedBy: decidedBy, Decision: decision})
	if err != nil {
		return domain.Job{}, err
	}
	return o.Queue.Enqueue(ctx, domain.JobRunResume, runID, run.TriggerType, string(payload))
}

// CancelRun aborts a non-terminal run. A pending approval is
// force-expired so a late decision lands as a no-op.
func (o *Orchestrator) CancelRun(ctx context.Context, runID, actorID string) (domain.AgentRun, error) {
	tx, err := o.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentRun{}, err
	}
	defer tx.Rollback()
	run, err := o.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return run, err
	}
	if run.Status.Terminal() {
		return run, fmt.Errorf("run %s already %s", runID, run.Status)
	}
	if run.Status == domain.RunAwaitingApproval {
		a, err := o.Repo.LatestApprovalForRunTx(ctx, tx, runID)
		if err != nil && err != repo.ErrNotFound {
			return run, err
		}
		if err == nil {
			if _, err := o.Gate.Cancel(ctx, tx, a, actorID); err != nil {
				return run, err
			}
		}
	}
	run.Error = "canceled by operator"
	if err := o.setStatus(ctx, tx, &run, domain.RunAborted, actorID); err != nil {
		return run, err
	}
	if err := tx.Commit(); err != nil {
		return run, err
	}
	o.send(notify.Notification{
		Title:   "Run canceled",
		Message: fmt.Sprintf("run %s canceled by %s", runID, actorID),
		Kind:    notify.KindWarning,
		RunID:   runID,
	})
	return run, nil
}

// handleTrigger runs the drafting loop and either suspends the run for
// approval or settles it. Guardrail outcomes are business results, not
// job failures: they settle the run and complete the job.
func (o *Orchestrator) handleTrigger(ctx context.Context, job domain.Job) error {
	var p TriggerPayload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return o.settleRunNoRetry(ctx, job.RunID, domain.RunFailed, fmt.Sprintf("malformed trigger payload: %v", err))
	}
	run, err := o.Repo.GetRun(ctx, job.RunID)
	if err != nil {
		return err
	}
	if run.Status != domain.RunCreated && run.Status != domain.RunDraftingLoop {
		o.Log.Info().Str("run_id", run.ID).Str("status", string(run.Status)).Msg("trigger skipped, run already past drafting")
		return nil
	}

	// Hard budget stop before any drafting spend.
	spent, err := o.Tracker.GetTotalCost(ctx, time.Time{})
	if err != nil {
		return err
	}
	if o.Tracker.ShouldBlock(spent.EstimatedCostUSD) {
		return o.abortRun(ctx, run, "cost.blocked", fmt.Sprintf("cost budget exceeded: %.4f USD spent", spent.EstimatedCostUSD))
	}

	if run.Status == domain.RunCreated {
		if err := o.transition(ctx, run.ID, domain.RunDraftingLoop, "queue"); err != nil {
			return err
		}
		run.Status = domain.RunDraftingLoop
	}

	res := o.Loop.Run(ctx, run.ID, draft.SourceMaterial{
		TriggerType: p.TriggerType,
		Text:        p.Text,
		Citations:   p.Citations,
	})
	run.Iterations = res.Iterations
	run.TokenUsage = &res.Usage
	run.Degraded = res.Draft.SummaryOnly

	switch res.Outcome {
	case draft.Aborted:
		run.Error = res.Err.Error()
		return o.settleRun(ctx, run, domain.RunAborted, "guardrail")
	case draft.Failed:
		// An exhausted retry budget is terminal for the run: the loop
		// already retried the drafting call, and a queue redispatch
		// would rerun the whole budget. Only dispatch-level errors
		// (store failures and the like) ride the queue's backoff; those
		// settle FAILED on the final attempt before dead-lettering.
		var de *draft.DraftingError
		if errors.As(res.Err, &de) {
			run.Error = res.Err.Error()
			return o.settleRun(ctx, run, domain.RunFailed, "guardrail")
		}
		if job.Attempt >= queue.MaxAttempts {
			run.Error = res.Err.Error()
			if err := o.settleRun(ctx, run, domain.RunFailed, "queue"); err != nil {
				return err
			}
		}
		return res.Err
	}

	return o.suspendForApproval(ctx, run, res.Draft, p)
}

// suspendForApproval persists the accepted draft, applies the citation
// and cost policies, and checkpoints the run as AWAITING_APPROVAL.
func (o *Orchestrator) suspendForApproval(ctx context.Context, run domain.AgentRun, d domain.CanonicalDraft, p TriggerPayload) error {
	switch o.Evaluator.CheckCitations(d) {
	case guardrail.CitationsBlocked:
		run.Error = "draft has no source citations"
		return o.settleRun(ctx, run, domain.RunAborted, "guardrail")
	case guardrail.CitationsDraftOnly:
		d.ApprovalDisabled = true
	}

	spent, err := o.Tracker.GetTotalCost(ctx, time.Time{})
	if err != nil {
		return err
	}
	if o.Tracker.ShouldBlock(spent.EstimatedCostUSD) {
		return o.abortRun(ctx, run, "cost.blocked", fmt.Sprintf("cost budget exceeded: %.4f USD spent", spent.EstimatedCostUSD))
	}

	actionJSON, err := json.Marshal(p.Action)
	if err != nil {
		return err
	}
	channel := p.Channel
	if channel == "" {
		channel = domain.ChannelDashboard
	}

	tx, err := o.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := o.Repo.UpsertDraft(ctx, tx, d); err != nil {
		return err
	}
	if err := o.Events.Append(ctx, tx, "draft.accepted", run.ID, "draft", run.ID, "drafter", events.EventPayload{
		"confidence":        d.Confidence,
		"summary_only":      d.SummaryOnly,
		"approval_disabled": d.ApprovalDisabled,
	}); err != nil {
		return err
	}

	if d.ApprovalDisabled {
		// Draft retained for a human to act on manually; the run is
		// done without execution.
		if err := o.setStatus(ctx, tx, &run, domain.RunSuccess, "guardrail"); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		o.send(notify.Notification{
			Title:   "Draft saved without approval",
			Message: fmt.Sprintf("run %s produced an uncited draft; approval disabled", run.ID),
			Kind:    notify.KindWarning,
			RunID:   run.ID,
		})
		return nil
	}

	a, err := o.Gate.Request(ctx, tx, run.ID, p.Action.Type, p.RequesterID, channel, string(actionJSON))
	if err != nil {
		return err
	}
	if err := o.setStatus(ctx, tx, &run, domain.RunAwaitingApproval, "queue"); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	o.send(notify.Notification{
		Title:   "Approval requested",
		Message: fmt.Sprintf("run %s awaits %s approval until %s", run.ID, a.Type, a.ExpiresAt),
		Kind:    notify.KindInfo,
		RunID:   run.ID,
	})
	return nil
}

// handleResume applies a human decision to a suspended run. Malformed
// decisions are treated as rejections; duplicate decisions become
// no-ops through the approval's single-settlement guard.
func (o *Orchestrator) handleResume(ctx context.Context, job domain.Job) error {
	var p ResumePayload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		o.Log.Warn().Str("run_id", job.RunID).Err(err).Msg("malformed resume payload, treating as rejection")
	}
	run, err := o.Repo.GetRun(ctx, job.RunID)
	if err != nil {
		return err
	}
	if run.Status != domain.RunAwaitingApproval {
		o.Log.Info().Str("run_id", run.ID).Str("status", string(run.Status)).Msg("resume skipped, run not awaiting approval")
		return nil
	}
	a, err := o.Repo.LatestApprovalForRun(ctx, run.ID)
	if err != nil {
		return err
	}

	dp, ok := approval.ParseDecision(p.Decision)
	if !ok {
		o.Log.Warn().Str("run_id", run.ID).Str("approval_id", a.ID).Msg("malformed decision payload, treating as rejection")
	}
	approved := ok && dp.Approved

	tx, err := o.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := o.Gate.Resolve(ctx, tx, a, approved, p.DecidedBy)
	if err != nil {
		return err
	}

	switch res {
	case approval.ResolutionNoop:
		o.Log.Info().Str("run_id", run.ID).Str("approval_id", a.ID).Msg("approval already settled, decision ignored")
		return tx.Commit()
	case approval.ResolutionExpired:
		run.Error = "approval expired before decision"
		if err := o.setStatus(ctx, tx, &run, domain.RunTimeout, p.DecidedBy); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		o.send(notify.Notification{
			Title:   "Approval expired",
			Message: fmt.Sprintf("run %s timed out awaiting approval", run.ID),
			Kind:    notify.KindWarning,
			RunID:   run.ID,
		})
		return nil
	case approval.ResolutionRejected:
		run.Error = "approval rejected"
		if err := o.setStatus(ctx, tx, &run, domain.RunAborted, p.DecidedBy); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		o.send(notify.Notification{
			Title:   "Approval rejected",
			Message: fmt.Sprintf("run %s rejected by %s", run.ID, p.DecidedBy),
			Kind:    notify.KindWarning,
			RunID:   run.ID,
		})
		return nil
	}

	// Approved: checkpoint EXECUTING and hand the action to the
	// outbound queue in the same transaction.
	if err := o.setStatus(ctx, tx, &run, domain.RunExecuting, p.DecidedBy); err != nil {
		return err
	}
	if _, err := o.Queue.EnqueueTx(ctx, tx, domain.JobActionExecute, run.ID, run.TriggerType, a.ActionJSON); err != nil {
		return err
	}
	return tx.Commit()
}

// handleExecute performs the approved external action. Permanent
// failures settle the run FAILED without burning retries; transient
// ones propagate so the queue's backoff governs recovery.
func (o *Orchestrator) handleExecute(ctx context.Context, job domain.Job) error {
	run, err := o.Repo.GetRun(ctx, job.RunID)
	if err != nil {
		return err
	}
	// RunFailed is admitted so an operator replay of a dead-lettered
	// job can finish the work it originally failed.
	if run.Status != domain.RunExecuting && run.Status != domain.RunFailed {
		o.Log.Info().Str("run_id", run.ID).Str("status", string(run.Status)).Msg("execute skipped")
		return nil
	}

	action, err := executor.ParseAction(job.Payload)
	if err != nil {
		run.Error = err.Error()
		return o.settleRun(ctx, run, domain.RunFailed, "executor")
	}
	d, err := o.Repo.GetDraft(ctx, run.ID)
	if err != nil {
		return err
	}

	res, err := o.Exec.Execute(ctx, run, d, action)
	if err != nil {
		if permanent(err) {
			run.Error = err.Error()
			if settleErr := o.settleRun(ctx, run, domain.RunFailed, "executor"); settleErr != nil {
				return settleErr
			}
			o.send(notify.Notification{
				Title:   "Action failed",
				Message: fmt.Sprintf("run %s: %v", run.ID, err),
				Kind:    notify.KindError,
				RunID:   run.ID,
			})
			return nil
		}
		if job.Attempt >= queue.MaxAttempts {
			run.Error = err.Error()
			if settleErr := o.settleRun(ctx, run, domain.RunFailed, "executor"); settleErr != nil {
				return settleErr
			}
			o.send(notify.Notification{
				Title:   "Action dead-lettered",
				Message: fmt.Sprintf("run %s exhausted retries: %v", run.ID, err),
				Kind:    notify.KindError,
				RunID:   run.ID,
			})
		}
		return err
	}

	run.Error = ""
	tx, err := o.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := o.setStatus(ctx, tx, &run, domain.RunSuccess, "executor"); err != nil {
		return err
	}
	if err := o.Events.Append(ctx, tx, "run.executed", run.ID, "issue", res.Issue.Key, "executor", events.EventPayload{
		"action":    string(action.Type),
		"issue_key": res.Issue.Key,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	o.send(notify.Notification{
		Title:   "Run succeeded",
		Message: fmt.Sprintf("run %s executed %s on %s", run.ID, action.Type, res.Issue.Key),
		Kind:    notify.KindSuccess,
		RunID:   run.ID,
	})
	return nil
}

// permanent reports whether an execution error cannot be fixed by
// retrying: unknown transition mappings and tracker 4xx responses.
func permanent(err error) bool {
	var tnf tracker.TransitionNotFoundError
	if errors.As(err, &tnf) {
		return true
	}
	var apiErr *tracker.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
	}
	return false
}

// --- status transitions ---

// setStatus mutates the run's status inside the caller's transaction
// and appends the transition event. Terminal runs are immutable except
// for the replay path admitted in handleExecute.
func (o *Orchestrator) setStatus(ctx context.Context, tx *sql.Tx, run *domain.AgentRun, to domain.RunStatus, actorID string) error {
	from := run.Status
	run.Status = to
	run.UpdatedAt = o.now().UTC().Format(time.RFC3339)
	if err := o.Repo.UpdateRun(ctx, tx, *run); err != nil {
		return err
	}
	payload := events.EventPayload{"from": string(from), "to": string(to)}
	if run.Error != "" {
		payload["error"] = run.Error
	}
	return o.Events.Append(ctx, tx, "run.status_changed", run.ID, "run", run.ID, actorID, payload)
}

// transition moves the run to a non-terminal status in its own
// transaction.
func (o *Orchestrator) transition(ctx context.Context, runID string, to domain.RunStatus, actorID string) error {
	tx, err := o.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	run, err := o.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return err
	}
	if err := o.setStatus(ctx, tx, &run, to, actorID); err != nil {
		return err
	}
	return tx.Commit()
}

// settleRun moves the run to a terminal status in its own transaction.
func (o *Orchestrator) settleRun(ctx context.Context, run domain.AgentRun, to domain.RunStatus, actorID string) error {
	tx, err := o.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := o.setStatus(ctx, tx, &run, to, actorID); err != nil {
		return err
	}
	return tx.Commit()
}

func (o *Orchestrator) settleRunNoRetry(ctx context.Context, runID string, to domain.RunStatus, errMsg string) error {
	run, err := o.Repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	run.Error = errMsg
	return o.settleRun(ctx, run, to, "queue")
}

func (o *Orchestrator) abortRun(ctx context.Context, run domain.AgentRun, reason, errMsg string) error {
	run.Error = errMsg
	if err := o.settleRun(ctx, run, domain.RunAborted, reason); err != nil {
		return err
	}
	o.send(notify.Notification{
		Title:   "Run aborted",
		Message: fmt.Sprintf("run %s: %s", run.ID, errMsg),
		Kind:    notify.KindWarning,
		RunID:   run.ID,
	})
	return nil
}

// send delivers a notification, logging but never propagating failure.
func (o *Orchestrator) send(n notify.Notification) {
	if o.Notify == nil {
		return
	}
	if err := o.Notify.Send(n); err != nil {
		o.Log.Warn().Err(err).Str("run_id", n.RunID).Msg("notification delivery failed")
	}
}
