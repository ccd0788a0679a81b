// Package scheduler runs the engine's periodic jobs: the assignment
// optimizer batch and the SLA recomputation sweep.
package scheduler

import (
	"context"
	"errors"
	"log"
	"time"

	"steward/internal/engine"
)

type Scheduler struct {
	Engine *engine.Engine
}

// Run blocks until ctx is cancelled, firing the optimizer and SLA jobs
// on their configured intervals. Profiles are rebuilt once at startup so
// the first batch does not score on an empty cache.
func (s *Scheduler) Run(ctx context.Context) {
	cfg := s.Engine.Config
	optimizeEvery := time.Duration(cfg.Optimizer.IntervalMinutes) * time.Minute
	slaEvery := time.Duration(cfg.Optimizer.SLAIntervalMinutes) * time.Minute

	if n, err := s.Engine.RebuildProfiles(ctx); err != nil {
		log.Printf("scheduler: initial profile rebuild: %v", err)
	} else {
		log.Printf("scheduler: profiles ready (%d users)", n)
	}

	optimizeTick := time.NewTicker(optimizeEvery)
	defer optimizeTick.Stop()
	slaTick := time.NewTicker(slaEvery)
	defer slaTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-optimizeTick.C:
			s.runOptimizer(ctx)
		case <-slaTick.C:
			s.runSLASweep(ctx)
		}
	}
}

func (s *Scheduler) runOptimizer(ctx context.Context) {
	if _, err := s.Engine.RebuildProfiles(ctx); err != nil {
		log.Printf("scheduler: profile rebuild: %v", err)
	}
	report, err := s.Engine.OptimizeScheduling(ctx)
	if err != nil {
		if errors.Is(err, engine.ErrBatchInProgress) {
			log.Printf("scheduler: optimizer batch skipped, previous run still holds the lock")
			return
		}
		log.Printf("scheduler: optimizer batch: %v", err)
		return
	}
	if report.Considered > 0 {
		log.Printf("scheduler: optimizer considered=%d assigned=%d bottlenecks=%d failed=%d",
			report.Considered, report.Assigned, report.Bottlenecks, report.Failed)
	}
}

func (s *Scheduler) runSLASweep(ctx context.Context) {
	if _, err := s.Engine.RecomputeAllSLA(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("scheduler: sla sweep: %v", err)
	}
}
