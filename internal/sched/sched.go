// Package sched runs the background loops: the five-minute daily
// generation tick and the one-minute sweep for queued events and expired
// login codes.
package sched

import (
	"context"
	"log"
	"time"

	"asphare/internal/engine"
	"asphare/internal/metrics"
	"asphare/internal/repo"
)

const (
	DefaultTickInterval  = 5 * time.Minute
	DefaultSweepInterval = time.Minute
)

type Scheduler struct {
	Engine        *engine.Engine
	Log           *log.Logger
	TickInterval  time.Duration
	SweepInterval time.Duration
}

func New(e *engine.Engine, logger *log.Logger) *Scheduler {
	return &Scheduler{
		Engine:        e,
		Log:           logger,
		TickInterval:  DefaultTickInterval,
		SweepInterval: DefaultSweepInterval,
	}
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.Log != nil {
		s.Log.Printf(format, args...)
	}
}

// Run blocks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	tick := time.NewTicker(s.TickInterval)
	sweep := time.NewTicker(s.SweepInterval)
	defer tick.Stop()
	defer sweep.Stop()

	s.logf("scheduler started (tick %s, sweep %s)", s.TickInterval, s.SweepInterval)
	for {
		select {
		case <-ctx.Done():
			s.logf("scheduler stopped")
			return
		case <-tick.C:
			s.Tick(ctx)
		case <-sweep.C:
			s.Sweep(ctx)
		}
	}
}

// Tick runs one daily-generation pass.
func (s *Scheduler) Tick(ctx context.Context) {
	metrics.SchedulerTicks.WithLabelValues("daily").Inc()
	if _, err := s.Engine.DailyTick(ctx); err != nil {
		s.logf("daily tick: %v", err)
	}
}

// Sweep emits due scheduled events and clears expired login codes.
func (s *Scheduler) Sweep(ctx context.Context) {
	metrics.SchedulerTicks.WithLabelValues("sweep").Inc()
	if _, err := s.Engine.RunDueScheduled(ctx); err != nil {
		s.logf("scheduled sweep: %v", err)
	}
	now := repo.FormatTime(s.Engine.Now())
	if err := s.Engine.Repo.DeleteExpiredAuthCodes(now); err != nil {
		s.logf("auth code sweep: %v", err)
	}
}
