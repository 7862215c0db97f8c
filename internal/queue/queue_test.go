package queue_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runway/internal/db"
	"runway/internal/domain"
	"runway/internal/events"
	"runway/internal/migrate"
	"runway/internal/queue"
	"runway/internal/repo"
)

var baseTime = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

type queueEnv struct {
	Queue *queue.Queue
	Repo  repo.Repo
	Ctx   context.Context
	now   time.Time
}

func newQueueEnv(t *testing.T) *queueEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	env := &queueEnv{Repo: repo.Repo{DB: conn}, Ctx: context.Background(), now: baseTime}
	w := events.Writer{DB: conn, Now: func() time.Time { return env.now }}
	env.Queue = queue.New(env.Repo, w, zerolog.Nop())
	env.Queue.Now = func() time.Time { return env.now }
	return env
}

// drain dispatches until the queue reports empty.
func (e *queueEnv) drain(t *testing.T, queueName string) int {
	t.Helper()
	dispatched := 0
	for {
		err := e.Queue.DispatchOne(e.Ctx, queueName)
		if err == repo.ErrNotFound {
			return dispatched
		}
		require.NoError(t, err)
		dispatched++
	}
}

func TestBackoffSchedule(t *testing.T) {
	assert.Equal(t, 2000*time.Millisecond, queue.Backoff(1))
	assert.Equal(t, 4000*time.Millisecond, queue.Backoff(2))
	assert.Equal(t, 8000*time.Millisecond, queue.Backoff(3))
}

func TestQueueRouting(t *testing.T) {
	assert.Equal(t, domain.QueueInbound, queue.QueueForKind(domain.JobRunTrigger))
	assert.Equal(t, domain.QueueInbound, queue.QueueForKind(domain.JobRunResume))
	assert.Equal(t, domain.QueueOutbound, queue.QueueForKind(domain.JobActionExecute))
}

func TestCompleteRecordsAttempt(t *testing.T) {
	env := newQueueEnv(t)
	env.Queue.Register(domain.JobRunTrigger, func(ctx context.Context, job domain.Job) error {
		return nil
	})
	job, err := env.Queue.Enqueue(env.Ctx, domain.JobRunTrigger, "run-1", domain.TriggerChatEvent, `{}`)
	require.NoError(t, err)

	require.Equal(t, 1, env.drain(t, domain.QueueInbound))

	stored, err := env.Repo.GetJob(env.Ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, stored.Status)
	assert.Equal(t, 1, stored.Attempt)

	attempts, err := env.Repo.ListJobAttempts(env.Ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Empty(t, attempts[0].Error)
}

func TestFailureReschedulesWithBackoff(t *testing.T) {
	env := newQueueEnv(t)
	env.Queue.Register(domain.JobRunTrigger, func(ctx context.Context, job domain.Job) error {
		return errors.New("transient")
	})
	job, err := env.Queue.Enqueue(env.Ctx, domain.JobRunTrigger, "run-1", domain.TriggerChatEvent, `{}`)
	require.NoError(t, err)

	require.Equal(t, 1, env.drain(t, domain.QueueInbound))

	stored, err := env.Repo.GetJob(env.Ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, stored.Status)
	assert.Equal(t, baseTime.Add(2*time.Second).Format(time.RFC3339), stored.ScheduledAt)

	// Not due yet: one second before the backoff elapses.
	env.now = baseTime.Add(1 * time.Second)
	assert.Equal(t, 0, env.drain(t, domain.QueueInbound))

	env.now = baseTime.Add(2 * time.Second)
	assert.Equal(t, 1, env.drain(t, domain.QueueInbound))
	stored, _ = env.Repo.GetJob(env.Ctx, job.ID)
	assert.Equal(t, baseTime.Add(2*time.Second).Add(4*time.Second).Format(time.RFC3339), stored.ScheduledAt)
}

func TestDeadLetterAfterThreeAttempts(t *testing.T) {
	env := newQueueEnv(t)
	calls := 0
	env.Queue.Register(domain.JobRunTrigger, func(ctx context.Context, job domain.Job) error {
		calls++
		return errors.New("still broken")
	})
	job, err := env.Queue.Enqueue(env.Ctx, domain.JobRunTrigger, "run-1", domain.TriggerChatEvent, `{"k":"v"}`)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		env.now = env.now.Add(10 * time.Second)
		require.Equal(t, 1, env.drain(t, domain.QueueInbound))
	}
	assert.Equal(t, 3, calls)

	stored, err := env.Repo.GetJob(env.Ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobDeadLettered, stored.Status)
	assert.Equal(t, domain.QueueDeadLetter, stored.Queue)
	assert.Equal(t, `{"k":"v"}`, stored.Payload, "payload preserved verbatim")
	assert.Equal(t, "still broken", stored.LastError)

	attempts, err := env.Repo.ListJobAttempts(env.Ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 3, "full attempt history kept")
	for _, a := range attempts {
		assert.Equal(t, "still broken", a.Error)
	}

	// No fourth execution: the dead-letter queue is never dispatched.
	env.now = env.now.Add(time.Hour)
	assert.Equal(t, 0, env.drain(t, domain.QueueInbound))
	assert.Equal(t, 3, calls)
}

func TestDeadLetterRetentionBound(t *testing.T) {
	env := newQueueEnv(t)
	env.Queue.Register(domain.JobRunTrigger, func(ctx context.Context, job domain.Job) error {
		return errors.New("still broken")
	})

	// Seed a dead-letter backlog larger than the retention bound, with
	// ascending updated_at so eviction order is deterministic.
	tx, err := env.Repo.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	const seeded = 205
	for i := 0; i < seeded; i++ {
		ts := baseTime.Add(time.Duration(i-seeded) * time.Minute).UTC().Format(time.RFC3339)
		require.NoError(t, env.Repo.InsertJob(env.Ctx, tx, domain.Job{
			ID:          fmt.Sprintf("dead-%03d", i),
			Queue:       domain.QueueDeadLetter,
			Kind:        domain.JobRunTrigger,
			Payload:     `{}`,
			Status:      domain.JobDeadLettered,
			Attempt:     3,
			ScheduledAt: ts,
			CreatedAt:   ts,
			UpdatedAt:   ts,
		}))
	}
	require.NoError(t, tx.Commit())

	// Exhaust one fresh job; dead-lettering it triggers the prune.
	_, err = env.Queue.Enqueue(env.Ctx, domain.JobRunTrigger, "run-1", domain.TriggerChatEvent, `{}`)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		env.now = env.now.Add(10 * time.Second)
		env.drain(t, domain.QueueInbound)
	}

	dead, err := env.Repo.ListJobs(env.Ctx, repo.JobListOptions{Status: domain.JobDeadLettered})
	require.NoError(t, err)
	assert.Len(t, dead, 200, "dead-letter backlog held to the retention bound")

	// The oldest seeded rows were evicted, the newest survive.
	_, err = env.Repo.GetJob(env.Ctx, "dead-000")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Repo.GetJob(env.Ctx, "dead-204")
	assert.NoError(t, err)
}

func TestReplayResetsAttemptBudget(t *testing.T) {
	env := newQueueEnv(t)
	fail := true
	env.Queue.Register(domain.JobRunTrigger, func(ctx context.Context, job domain.Job) error {
		if fail {
			return errors.New("broken")
		}
		return nil
	})
	job, err := env.Queue.Enqueue(env.Ctx, domain.JobRunTrigger, "run-1", domain.TriggerChatEvent, `{}`)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		env.now = env.now.Add(10 * time.Second)
		env.drain(t, domain.QueueInbound)
	}

	// Replay of a non-dead-lettered job is refused.
	_, err = env.Queue.Replay(env.Ctx, "no-such-job", "operator")
	assert.Error(t, err)

	fail = false
	replayed, err := env.Queue.Replay(env.Ctx, job.ID, "operator")
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, replayed.Status)
	assert.Equal(t, 0, replayed.Attempt)
	assert.Equal(t, domain.QueueInbound, replayed.Queue)

	require.Equal(t, 1, env.drain(t, domain.QueueInbound))
	stored, _ := env.Repo.GetJob(env.Ctx, job.ID)
	assert.Equal(t, domain.JobCompleted, stored.Status)
}

func TestCancelQueuedJobOnly(t *testing.T) {
	env := newQueueEnv(t)
	env.Queue.Register(domain.JobRunTrigger, func(ctx context.Context, job domain.Job) error {
		return nil
	})
	job, err := env.Queue.Enqueue(env.Ctx, domain.JobRunTrigger, "run-1", domain.TriggerChatEvent, `{}`)
	require.NoError(t, err)

	ok, err := env.Queue.Cancel(env.Ctx, job.ID, "operator")
	require.NoError(t, err)
	assert.True(t, ok)

	stored, _ := env.Repo.GetJob(env.Ctx, job.ID)
	assert.Equal(t, domain.JobCanceled, stored.Status)
	assert.Equal(t, 0, env.drain(t, domain.QueueInbound))

	// A settled job cannot be canceled again.
	ok, err = env.Queue.Cancel(env.Ctx, job.ID, "operator")
	require.NoError(t, err)
	assert.False(t, ok)
}
