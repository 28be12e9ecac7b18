// Package scheduler runs the Orchestrator's universe backfill on a cron
// schedule, skipping a tick outright when a run is already active instead
// of queuing a retry — the next scheduled tick will pick up whatever the
// in-flight run didn't finish.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/sentinel-analytics/batchcore/internal/orchestrator"
	"github.com/sentinel-analytics/batchcore/internal/runhistory"
	"github.com/sentinel-analytics/batchcore/internal/runtracker"
)

// Job is a named, cron-dispatched unit of work.
type Job interface {
	Run(ctx context.Context) error
	Name() string
}

// Scheduler manages background jobs on a standard five-field cron spec (no
// seconds field): the universe batch run is a daily-cadence job, not a
// sub-minute one.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// New creates a new Scheduler.
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(),
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("scheduler started")
}

// Stop stops the scheduler and waits for any running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("scheduler stopped")
}

// AddJob registers job against the given cron schedule. The job runs with a
// background context; a scheduled run whose process exits mid-run is left
// as status=running in run history until the next process start's
// ExpireStaleRunning call flips it to auto_expired.
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.log.Debug().Str("job", job.Name()).Msg("running job")

		if err := job.Run(context.Background()); err != nil {
			var already *runtracker.AlreadyRunningError
			if errors.As(err, &already) {
				s.log.Info().Str("job", job.Name()).Time("started_at", already.StartedAt).
					Msg("skipping tick: a run is already active")
				return
			}
			s.log.Error().Err(err).Str("job", job.Name()).Msg("job failed")
			return
		}
		s.log.Debug().Str("job", job.Name()).Msg("job completed")
	})
	if err != nil {
		return err
	}

	s.log.Info().Str("schedule", schedule).Str("job", job.Name()).Msg("job registered")
	return nil
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, job Job) error {
	s.log.Info().Str("job", job.Name()).Msg("running job immediately")
	return job.Run(ctx)
}

// UniverseBatchJob is the scheduled job that drives the nightly universe
// backfill: every active portfolio, every pending trading day.
type UniverseBatchJob struct {
	orch *orchestrator.Orchestrator
}

// NewUniverseBatchJob constructs the scheduled universe batch job.
func NewUniverseBatchJob(orch *orchestrator.Orchestrator) *UniverseBatchJob {
	return &UniverseBatchJob{orch: orch}
}

func (j *UniverseBatchJob) Name() string { return "universe_batch" }

func (j *UniverseBatchJob) Run(ctx context.Context) error {
	_, err := j.orch.RunBatch(ctx, orchestrator.Universe(), true, orchestrator.SourceScheduler)
	return err
}

// ArchiveJob rotates the Batch Run History: archives (if an uploader is
// configured) and deletes rows past the retention window.
type ArchiveJob struct {
	archive *runhistory.ArchiveService
	log     zerolog.Logger
}

// NewArchiveJob constructs the scheduled run-history rotation job.
func NewArchiveJob(archive *runhistory.ArchiveService, log zerolog.Logger) *ArchiveJob {
	return &ArchiveJob{archive: archive, log: log.With().Str("component", "archive_job").Logger()}
}

func (j *ArchiveJob) Name() string { return "run_history_archive" }

func (j *ArchiveJob) Run(ctx context.Context) error {
	archived, err := j.archive.ArchiveAndDelete(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	j.log.Info().Int("archived", archived).Msg("rotated run history past retention")
	return nil
}
