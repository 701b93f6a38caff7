// Package scheduler runs the background refresh and history jobs on cron
// schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/osucapital/market-engine/internal/refresh"
)

// Job is a scheduled unit of work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Scheduler manages background jobs. Specs take a leading seconds field.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
}

// New creates a scheduler. Each run is bounded by timeout when positive.
func New(logger *slog.Logger, timeout time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		// Overlapping runs of the same job are skipped, not queued.
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		logger:  logger.With("component", "scheduler"),
		ctx:     ctx,
		cancel:  cancel,
		timeout: timeout,
	}
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// AddJob registers job under a cron spec such as "0 */5 * * * *" or
// "@every 30s".
func (s *Scheduler) AddJob(spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		if err := s.RunNow(job); err != nil {
			s.logger.Error("job failed", "job", job.Name(), "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", job.Name(), err)
	}
	s.logger.Info("job registered", "job", job.Name(), "schedule", spec)
	return nil
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(job Job) error {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	s.logger.Debug("running job", "job", job.Name())
	if err := job.Run(ctx); err != nil {
		return err
	}
	s.logger.Debug("job completed", "job", job.Name(), "elapsed", time.Since(start))
	return nil
}

// Refresher is the refresh surface the jobs drive. *refresh.Service
// implements it.
type Refresher interface {
	RefreshStale(ctx context.Context, window time.Duration, limit int) (refresh.BatchReport, error)
	RecordHistory(ctx context.Context) (int64, error)
}

// StaleRefreshJob refreshes up to Limit stocks older than the batch window.
type StaleRefreshJob struct {
	Refresher Refresher
	Limit     int
	Logger    *slog.Logger
}

func (j StaleRefreshJob) Name() string { return "refresh_stale" }

func (j StaleRefreshJob) Run(ctx context.Context) error {
	rep, err := j.Refresher.RefreshStale(ctx, 0, j.Limit)
	if err != nil {
		return err
	}
	logger(j.Logger).Info("stale refresh finished",
		"refreshed", rep.Refreshed,
		"banned", rep.Banned,
		"failed", rep.Failed,
	)
	return nil
}

// HistoryJob records every listed stock's current price.
type HistoryJob struct {
	Refresher Refresher
}

func (j HistoryJob) Name() string { return "record_history" }

func (j HistoryJob) Run(ctx context.Context) error {
	_, err := j.Refresher.RecordHistory(ctx)
	return err
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
