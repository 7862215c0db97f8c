// Package app composes the process: database, queues, orchestrator and
// scheduler built from workspace configuration.
package app

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"runway/internal/approval"
	"runway/internal/config"
	"runway/internal/cost"
	"runway/internal/db"
	"runway/internal/domain"
	"runway/internal/draft"
	"runway/internal/events"
	"runway/internal/executor"
	"runway/internal/guardrail"
	"runway/internal/migrate"
	"runway/internal/notify"
	"runway/internal/orchestrator"
	"runway/internal/queue"
	"runway/internal/repo"
	"runway/internal/schedule"
	"runway/internal/tracker"
)

// Options configure composition. Drafter defaults to the built-in
// template drafter when nil.
type Options struct {
	Workspace string
	Drafter   draft.Drafter
	Log       zerolog.Logger
}

// App holds the composed process graph.
type App struct {
	DB     *sql.DB
	Cfg    *config.Config
	Repo   repo.Repo
	Events events.Writer
	Queue  *queue.Queue
	Orch   *orchestrator.Orchestrator
	Sched  *schedule.Scheduler
	Log    zerolog.Logger
}

// New opens the workspace database, runs migrations and wires every
// component. The caller owns Close.
func New(opts Options) (*App, error) {
	cfg, err := config.Load(opts.Workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}

	r := repo.Repo{DB: conn}
	w := events.Writer{DB: conn, Now: time.Now}
	q := queue.New(r, w, opts.Log)
	evaluator := guardrail.New(cfg.Guardrails)
	tr := cost.New(r, cfg.Guardrails)
	gate := approval.NewGate(r, w, cfg.Guardrails)

	drafter := opts.Drafter
	if drafter == nil {
		drafter = draft.TemplateDrafter{ProjectKey: cfg.Tracker.ProjectKey}
	}
	loop := draft.NewLoop(drafter, evaluator, tr)

	client, err := tracker.NewHTTPClient(cfg.Tracker)
	if err != nil {
		conn.Close()
		return nil, err
	}
	transitions := tracker.NewTransitions(cfg.Tracker.Transitions)
	exec := executor.New(client, transitions, r, w)

	var notifier notify.Notifier = notify.NoopNotifier{}
	if cfg.Notify.SlackWebhookURL != "" {
		notifier = notify.NewSlackNotifier(cfg.Notify.SlackWebhookURL)
	}

	orch := &orchestrator.Orchestrator{
		Repo:      r,
		Events:    w,
		Queue:     q,
		Gate:      gate,
		Loop:      loop,
		Tracker:   tr,
		Evaluator: evaluator,
		Exec:      exec,
		Notify:    notifier,
		Log:       opts.Log,
		Now:       time.Now,
	}
	orch.Register()

	return &App{
		DB:     conn,
		Cfg:    cfg,
		Repo:   r,
		Events: w,
		Queue:  q,
		Orch:   orch,
		Sched:  schedule.New(orch, opts.Log),
		Log:    opts.Log,
	}, nil
}

// workerCount applies the 1-worker floor.
func workerCount(c config.QueueConfig) int {
	if c.Workers < 1 {
		return 1
	}
	return c.Workers
}

// StartWorkers runs both queue pools and the scheduler until the
// context is canceled.
func (a *App) StartWorkers(ctx context.Context) error {
	if err := a.Sched.Start(ctx, a.Cfg.Schedules); err != nil {
		return err
	}
	defer a.Sched.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Queue.RunWorkers(ctx, domain.QueueInbound, workerCount(a.Cfg.Queues.Inbound))
	})
	g.Go(func() error {
		return a.Queue.RunWorkers(ctx, domain.QueueOutbound, workerCount(a.Cfg.Queues.Outbound))
	})
	return g.Wait()
}

func (a *App) Close() error {
	return a.DB.Close()
}
