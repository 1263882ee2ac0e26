package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/elonfeng/ridecast/internal/metrics"
	"github.com/elonfeng/ridecast/pkg/alert"
)

// Options configures a Scheduler.
type Options struct {
	// At is the local wall-clock time of the daily run, "15:04".
	At       string
	Location *time.Location
	Metrics  *metrics.Metrics
	// Textfile, when set, receives a metrics snapshot after every run.
	Textfile string
	Now      func() time.Time
}

// Scheduler runs a Job once a day and reports each outcome.
type Scheduler struct {
	cron     *gocron.Scheduler
	job      Job
	alertMgr *alert.Manager
	opts     Options
	log      *slog.Logger

	mu sync.Mutex // one run at a time
}

// New creates a scheduler. Call Start to begin.
func New(job Job, alertMgr *alert.Manager, opts Options) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.At == "" {
		opts.At = "06:00"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cron := gocron.NewScheduler(opts.Location)
	cron.SingletonModeAll()
	return &Scheduler{
		cron:     cron,
		job:      job,
		alertMgr: alertMgr,
		opts:     opts,
		log:      slog.Default().With("component", "scheduler"),
	}
}

// Start registers the daily job and starts the scheduler in the background.
// Jobs run with ctx; cancel it and call Stop to shut down.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.Every(1).Day().At(s.opts.At).Do(func() {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Error("daily run failed", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule daily run at %s: %w", s.opts.At, err)
	}
	s.cron.StartAsync()
	s.log.Info("scheduler started", "at", s.opts.At, "location", s.opts.Location.String())
	return nil
}

// NextRun reports when the daily job fires next.
func (s *Scheduler) NextRun() time.Time {
	_, next := s.cron.NextRun()
	return next
}

func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.log.Info("scheduler stopped")
}

// RunOnce executes the job immediately, broadcasts its notification and
// exports metrics. It returns the job error; alert and export failures are logged.
// Concurrent calls wait for the running one to finish.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.opts.Now()
	s.log.Info("daily run starting")

	n, err := s.job.Run(ctx, start)
	if n != nil && s.alertMgr.HasNotifiers() {
		if aerr := s.alertMgr.Broadcast(ctx, n); aerr != nil {
			s.log.Warn("alert delivery failed", "err", aerr)
		}
	}
	if s.opts.Textfile != "" {
		if merr := s.opts.Metrics.WriteTextfile(s.opts.Textfile); merr != nil {
			s.log.Warn("metrics textfile not written", "path", s.opts.Textfile, "err", merr)
		}
	}
	if err != nil {
		return err
	}
	s.log.Info("daily run complete", "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}
