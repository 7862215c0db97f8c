// Package queue provides durable, retrying work distribution across
// named queues backed by the sqlite store. Failed attempts reschedule
// with exponential backoff; exhausted jobs move to the dead-letter
// queue and are only ever replayed by an operator.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"runway/internal/domain"
	"runway/internal/events"
	"runway/internal/repo"
)

const (
	// MaxAttempts is the most times any job is executed before
	// dead-lettering.
	MaxAttempts = 3

	baseBackoff = 2000 * time.Millisecond

	// Settled jobs are retained up to these bounds for postmortem
	// inspection; the oldest beyond the bound are evicted.
	completedRetention  = 200
	deadLetterRetention = 200

	pollInterval = 250 * time.Millisecond
)

// Backoff returns the reschedule delay after a failure on the given
// attempt: 2000ms, 4000ms, 8000ms.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return baseBackoff << (attempt - 1)
}

// Handler executes one dispatched job. A non-nil error counts the
// attempt as failed.
type Handler func(ctx context.Context, job domain.Job) error

// Queue dispatches jobs from the durable store to registered handlers.
type Queue struct {
	Repo     repo.Repo
	Events   events.Writer
	Log      zerolog.Logger
	Now      func() time.Time
	handlers map[domain.JobKind]Handler
}

func New(r repo.Repo, w events.Writer, log zerolog.Logger) *Queue {
	return &Queue{
		Repo:     r,
		Events:   w,
		Log:      log,
		Now:      time.Now,
		handlers: map[domain.JobKind]Handler{},
	}
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

// Register binds a handler to a job kind. Must happen before workers
// start.
func (q *Queue) Register(kind domain.JobKind, h Handler) {
	q.handlers[kind] = h
}

// QueueForKind routes a job kind to its home queue.
func QueueForKind(kind domain.JobKind) string {
	if kind == domain.JobActionExecute {
		return domain.QueueOutbound
	}
	return domain.QueueInbound
}

// Enqueue inserts a queued job due immediately. The insert happens in
// its own transaction; use EnqueueTx when the job must commit atomically
// with a state transition.
func (q *Queue) Enqueue(ctx context.Context, kind domain.JobKind, runID string, trigger domain.TriggerType, payload string) (domain.Job, error) {
	tx, err := q.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()
	j, err := q.EnqueueTx(ctx, tx, kind, runID, trigger, payload)
	if err != nil {
		return domain.Job{}, err
	}
	return j, tx.Commit()
}

// EnqueueTx inserts a queued job inside the caller's transaction so the
// job becomes visible only if the caller's state transition commits.
func (q *Queue) EnqueueTx(ctx context.Context, tx *sql.Tx, kind domain.JobKind, runID string, trigger domain.TriggerType, payload string) (domain.Job, error) {
	now := q.now().UTC().Format(time.RFC3339)
	if payload == "" {
		payload = "{}"
	}
	j := domain.Job{
		ID:          uuid.New().String(),
		Queue:       QueueForKind(kind),
		Kind:        kind,
		RunID:       runID,
		TriggerType: trigger,
		Payload:     payload,
		Status:      domain.JobQueued,
		Attempt:     0,
		ScheduledAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.Repo.InsertJob(ctx, tx, j); err != nil {
		return j, err
	}
	return j, nil
}

// RunWorkers processes one named queue with n concurrent workers until
// the context is canceled. Per-run progression stays serialized because
// each handler persists the run's next state before enqueuing the next
// stage's job.
func (q *Queue) RunWorkers(ctx context.Context, queueName string, n int) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		worker := i
		g.Go(func() error {
			log := q.Log.With().Str("queue", queueName).Int("worker", worker).Logger()
			ticker := time.NewTicker(pollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
				for {
					if err := q.dispatchOne(ctx, queueName, log); err != nil {
						if err == repo.ErrNotFound {
							break // queue drained
						}
						log.Error().Err(err).Msg("dispatch failed")
						break
					}
				}
			}
		})
	}
	return g.Wait()
}

// DispatchOne claims and executes the next due job in the queue.
// Exported for tests and for single-shot draining.
func (q *Queue) DispatchOne(ctx context.Context, queueName string) error {
	return q.dispatchOne(ctx, queueName, q.Log)
}

func (q *Queue) dispatchOne(ctx context.Context, queueName string, log zerolog.Logger) error {
	nowStr := q.now().UTC().Format(time.RFC3339)
	job, err := q.Repo.ClaimNextJob(ctx, queueName, nowStr)
	if err != nil {
		return err
	}
	started := q.now().UTC()

	handler, ok := q.handlers[job.Kind]
	var handlerErr error
	if !ok {
		handlerErr = fmt.Errorf("no handler registered for kind %s", job.Kind)
	} else {
		handlerErr = handler(ctx, job)
	}

	if handlerErr == nil {
		return q.complete(ctx, job, started)
	}
	log.Warn().Str("job_id", job.ID).Str("kind", string(job.Kind)).Int("attempt", job.Attempt).
		Err(handlerErr).Msg("job attempt failed")
	return q.fail(ctx, job, started, handlerErr)
}

func (q *Queue) complete(ctx context.Context, job domain.Job, started time.Time) error {
	tx, err := q.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	nowStr := q.now().UTC().Format(time.RFC3339)
	if err := q.Repo.InsertJobAttempt(ctx, tx, domain.JobAttempt{
		JobID:      job.ID,
		Attempt:    job.Attempt,
		StartedAt:  started.Format(time.RFC3339),
		FinishedAt: nowStr,
	}); err != nil {
		return err
	}
	job.Status = domain.JobCompleted
	job.UpdatedAt = nowStr
	if err := q.Repo.UpdateJob(ctx, tx, job); err != nil {
		return err
	}
	if err := q.Repo.PruneSettledJobs(ctx, tx, domain.JobCompleted, completedRetention); err != nil {
		return err
	}
	return tx.Commit()
}

func (q *Queue) fail(ctx context.Context, job domain.Job, started time.Time, cause error) error {
	tx, err := q.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	nowStr := q.now().UTC().Format(time.RFC3339)
	if err := q.Repo.InsertJobAttempt(ctx, tx, domain.JobAttempt{
		JobID:      job.ID,
		Attempt:    job.Attempt,
		StartedAt:  started.Format(time.RFC3339),
		FinishedAt: nowStr,
		Error:      cause.Error(),
	}); err != nil {
		return err
	}
	job.LastError = cause.Error()
	job.UpdatedAt = nowStr

	if job.Attempt >= MaxAttempts {
		// Final attempt exhausted: move verbatim to the dead-letter
		// queue. Never automatically retried from there.
		job.Queue = domain.QueueDeadLetter
		job.Status = domain.JobDeadLettered
		if err := q.Repo.UpdateJob(ctx, tx, job); err != nil {
			return err
		}
		if err := q.Events.Append(ctx, tx, "job.dead_lettered", job.RunID, "job", job.ID, "queue", events.EventPayload{
			"kind":       string(job.Kind),
			"attempts":   job.Attempt,
			"last_error": job.LastError,
		}); err != nil {
			return err
		}
		// The dead-letter queue is bounded too: beyond the retention
		// window the oldest rows are evicted and lose replayability.
		if err := q.Repo.PruneSettledJobs(ctx, tx, domain.JobDeadLettered, deadLetterRetention); err != nil {
			return err
		}
		return tx.Commit()
	}

	job.Status = domain.JobQueued
	job.ScheduledAt = q.now().UTC().Add(Backoff(job.Attempt)).Format(time.RFC3339)
	if err := q.Repo.UpdateJob(ctx, tx, job); err != nil {
		return err
	}
	return tx.Commit()
}

// Replay re-queues a dead-lettered job with a fresh attempt budget.
// Explicit operator action; never automatic.
func (q *Queue) Replay(ctx context.Context, jobID, actorID string) (domain.Job, error) {
	job, err := q.Repo.GetJob(ctx, jobID)
	if err != nil {
		return job, err
	}
	if job.Status != domain.JobDeadLettered {
		return job, fmt.Errorf("job %s is not dead-lettered", jobID)
	}
	tx, err := q.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return job, err
	}
	defer tx.Rollback()
	nowStr := q.now().UTC().Format(time.RFC3339)
	job.Queue = QueueForKind(job.Kind)
	job.Status = domain.JobQueued
	job.Attempt = 0
	job.ScheduledAt = nowStr
	job.UpdatedAt = nowStr
	if err := q.Repo.UpdateJob(ctx, tx, job); err != nil {
		return job, err
	}
	if err := q.Events.Append(ctx, tx, "job.replayed", job.RunID, "job", job.ID, actorID, events.EventPayload{}); err != nil {
		return job, err
	}
	return job, tx.Commit()
}

// Cancel removes a queued-but-undispatched job from its queue.
func (q *Queue) Cancel(ctx context.Context, jobID, actorID string) (bool, error) {
	tx, err := q.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	nowStr := q.now().UTC().Format(time.RFC3339)
	ok, err := q.Repo.CancelJob(ctx, tx, jobID, nowStr)
	if err != nil {
		return false, err
	}
	if ok {
		job, err := q.Repo.GetJob(ctx, jobID)
		if err == nil {
			if err := q.Events.Append(ctx, tx, "job.canceled", job.RunID, "job", job.ID, actorID, events.EventPayload{}); err != nil {
				return false, err
			}
		}
	}
	return ok, tx.Commit()
}
