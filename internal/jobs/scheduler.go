// Package jobs runs the periodic maintenance of the economy on cron schedules.
package jobs

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/PancyStudios/DiggerBotGo/pkg/errors"
	"github.com/PancyStudios/DiggerBotGo/pkg/logger"
	"github.com/PancyStudios/DiggerBotGo/pkg/metrics"
	"github.com/robfig/cron/v3"
)

// Job names used in logs and metrics.
const (
	JobRebuild      = "rebuild"
	JobPromoCleanup = "promo_cleanup"
)

// Maintainer is the work the scheduler triggers.
type Maintainer interface {
	Rebuild(ctx context.Context) (int, error)
	PurgePromos(ctx context.Context) (int64, error)
}

// Schedules holds cron specs; an empty spec disables the job.
type Schedules struct {
	Rebuild      string
	PromoCleanup string
}

// Scheduler runs maintenance jobs in UTC.
type Scheduler struct {
	cron    *cron.Cron
	work    Maintainer
	timeout time.Duration
}

// NewScheduler registers the jobs of sched. Invalid specs are rejected.
func NewScheduler(work Maintainer, sched Schedules, timeout time.Duration) (*Scheduler, error) {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		work:    work,
		timeout: timeout,
	}

	jobs := []struct {
		name string
		spec string
		run  func(ctx context.Context) (string, error)
	}{
		{JobRebuild, sched.Rebuild, func(ctx context.Context) (string, error) {
			n, err := work.Rebuild(ctx)
			return fmt.Sprintf("%d usuarios en el ranking", n), err
		}},
		{JobPromoCleanup, sched.PromoCleanup, func(ctx context.Context) (string, error) {
			n, err := work.PurgePromos(ctx)
			return fmt.Sprintf("%d códigos eliminados", n), err
		}},
	}
	for _, j := range jobs {
		if j.spec == "" {
			logger.Warn(fmt.Sprintf("Tarea %s desactivada", j.name), "Jobs")
			continue
		}
		if _, err := s.cron.AddFunc(j.spec, s.wrap(j.name, j.run)); err != nil {
			return nil, fmt.Errorf("schedule %s (%q): %w", j.name, j.spec, err)
		}
	}
	return s, nil
}

// wrap bounds one run with the job timeout and recovers panics.
func (s *Scheduler) wrap(name string, run func(ctx context.Context) (string, error)) func() {
	return func() {
		defer apperrors.RecoverMiddleware()()

		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		start := time.Now()
		summary, err := run(ctx)
		if err != nil {
			metrics.JobRuns.WithLabelValues(name, "error").Inc()
			logger.Error(fmt.Sprintf("[CRON] %s falló: %v", name, err), "Jobs")
			return
		}
		metrics.JobRuns.WithLabelValues(name, "ok").Inc()
		logger.Info(fmt.Sprintf("[CRON] %s: %s (%s)", name, summary, time.Since(start).Round(time.Millisecond)), "Jobs")
	}
}

// Entries returns the number of scheduled jobs.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	logger.System(fmt.Sprintf("Planificador iniciado con %d tareas", s.Entries()), "Jobs")
}

// Stop waits for running jobs to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		logger.System("Planificador detenido", "Jobs")
	case <-ctx.Done():
		logger.Warn("Planificador detenido con tareas en curso", "Jobs")
	}
}
