// Package schedule fires SCHEDULED triggers from cron expressions in
// the workspace configuration.
package schedule

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"runway/internal/config"
	"runway/internal/domain"
	"runway/internal/orchestrator"
)

// Scheduler owns one cron runner for all configured schedules.
type Scheduler struct {
	Orch *orchestrator.Orchestrator
	Log  zerolog.Logger
	cron *cron.Cron
}

func New(orch *orchestrator.Orchestrator, log zerolog.Logger) *Scheduler {
	return &Scheduler{Orch: orch, Log: log, cron: cron.New()}
}

// Start registers every schedule and begins firing. Returns an error
// for unparseable cron expressions; config validation should have
// caught those already.
func (s *Scheduler) Start(ctx context.Context, schedules []config.ScheduleConfig) error {
	for _, sc := range schedules {
		sc := sc
		_, err := s.cron.AddFunc(sc.Cron, func() {
			run, err := s.Orch.StartRun(ctx, orchestrator.TriggerPayload{
				TriggerType: domain.TriggerScheduled,
				Text:        fmt.Sprintf("scheduled review: %s", sc.Name),
				RequesterID: "scheduler",
				Channel:     domain.ChannelDashboard,
			})
			if err != nil {
				s.Log.Error().Err(err).Str("schedule", sc.Name).Msg("scheduled trigger failed")
				return
			}
			s.Log.Info().Str("schedule", sc.Name).Str("run_id", run.ID).Msg("scheduled run created")
		})
		if err != nil {
			return fmt.Errorf("schedule %s: %w", sc.Name, err)
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron runner, waiting for in-flight jobs.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}
