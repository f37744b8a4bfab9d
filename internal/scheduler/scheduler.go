// Package scheduler is the background worker that wakes on a fixed tick
// (spec §6 scheduler_interval_ms), finds stream tables whose schedule is
// due (spec §4.6, internal/config.Schedule.Due), and fires their refresh
// cycles bounded by max_concurrent_refreshes. Concurrency is capped with
// golang.org/x/sync/semaphore and cycle errors are collected with
// golang.org/x/sync/errgroup, the pattern storj-storj's lifecycle.Group
// uses to run a bounded set of independent goroutines and fail loudly on
// the first unrecoverable error while still letting the others finish.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/grove/streamtable/internal/catalog"
	"github.com/grove/streamtable/internal/cdc"
	"github.com/grove/streamtable/internal/config"
	"github.com/grove/streamtable/internal/host"
	"github.com/grove/streamtable/internal/orchestrator"
	"github.com/grove/streamtable/internal/shm"
	"github.com/grove/streamtable/internal/sterr"
)

// Scheduler is the background worker (spec §4.6 "Scheduler loop").
type Scheduler struct {
	Engine       *host.Engine
	Catalog      *catalog.Store
	CDC          *cdc.Manager
	Orchestrator *orchestrator.Orchestrator
	Config       *config.Store
	Block        *shm.Block
	Logger       *slog.Logger

	// PlanFor resolves an ST to its compiled dvm.Compiled plan and delta
	// windows; kept as a function value so this package doesn't have to
	// import dvm, which needs the ST's parsed operator tree built from its
	// defining query — a concern orchestrator.RunCycle's caller owns.
	PlanFor func(ctx context.Context, st *catalog.StreamTable, deps []*catalog.Dependency) (*orchestrator.CyclePlan, error)

	lastPrunedDAGGen int64
}

// Run starts the tick loop and blocks until ctx is cancelled, the same
// shape as the teacher's watchConfig ticker loop but driving refresh
// cycles instead of a config poll.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := time.Duration(s.Config.Get().SchedulerIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Block.SetSchedulerAlive(true)
	defer s.Block.SetSchedulerAlive(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !s.Config.Get().SchedulerEnabled {
				continue
			}
			if err := s.Tick(ctx); err != nil {
				s.Logger.Error("scheduler tick failed", "error", err)
			}
			s.Block.SetSchedulerAlive(true) // stamps LastTick
		}
	}
}

// Tick runs one pass: list active stream tables, filter to those whose
// schedule is due, and fire their refresh cycles with at most
// max_concurrent_refreshes running at once (spec §6). Stream tables with
// a downstream-derived schedule are dispatched on every tick; whether any
// of their dependents is due is not checked.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.pruneHistoryOnDAGRebuild(ctx)

	sts, err := s.Catalog.ListActive(ctx, s.Engine)
	if err != nil {
		return fmt.Errorf("list active stream tables: %w", err)
	}

	opts := s.Config.Get()
	sem := semaphore.NewWeighted(int64(opts.MaxConcurrentRefreshes))
	g, gctx := errgroup.WithContext(ctx)

	now := time.Now()
	for _, st := range sts {
		st := st
		due, downstream, err := s.isDue(st, now)
		if err != nil {
			s.Logger.Warn("bad schedule, skipping", "stream_table", st.QualifiedName(), "error", err)
			continue
		}
		if !due && !downstream {
			continue
		}

		if err := sem.Acquire(gctx, 1); err != nil {
			break // context cancelled; stop launching new work
		}
		g.Go(func() error {
			defer sem.Release(1)
			return s.runOne(gctx, st)
		})
	}

	return g.Wait()
}

// pruneHistoryOnDAGRebuild invokes catalog.PruneHistory once per DAG
// generation bump (SPEC_FULL.md "Refresh-history retention": the
// scheduler invokes it "opportunistically once per DAG rebuild", mirroring
// the teacher's capped debug-log ring buffer). Best-effort: a failed
// prune must never block this tick's refreshes.
func (s *Scheduler) pruneHistoryOnDAGRebuild(ctx context.Context) {
	if s.Block == nil {
		return
	}
	gen := s.Block.DAGGeneration()
	if gen == s.lastPrunedDAGGen {
		return
	}
	s.lastPrunedDAGGen = gen
	retain := s.Config.Get().CleanupRetainCycles
	n, err := s.Catalog.PruneHistory(ctx, s.Engine, retain)
	if err != nil {
		s.Logger.Warn("prune refresh history failed", "error", err)
		return
	}
	if n > 0 {
		s.Logger.Info("pruned refresh history", "rows_deleted", n, "dag_generation", gen)
	}
}

// isDue evaluates an ST's schedule string. For a duration or cron
// schedule it reports whether the schedule is due; for a
// downstream-derived schedule (empty string, spec §6) it reports
// due=false and downstream=true and leaves the dispatch decision to Tick.
func (s *Scheduler) isDue(st *catalog.StreamTable, now time.Time) (due bool, downstream bool, err error) {
	sched, err := config.ParseSchedule(st.Schedule, s.Config.Get().MinScheduleSeconds)
	if err != nil {
		return false, false, err
	}
	if sched.Kind == config.ScheduleDownstream {
		return false, true, nil
	}
	due, err = sched.Due(st.DataTimestamp, now)
	return due, false, err
}

func (s *Scheduler) runOne(ctx context.Context, st *catalog.StreamTable) error {
	deps, err := s.Catalog.ListDependencies(ctx, s.Engine, st.ID)
	if err != nil {
		return fmt.Errorf("list dependencies for %s: %w", st.QualifiedName(), err)
	}

	s.maybeBeginTransitions(ctx, st, deps)

	cyclePlan, err := s.PlanFor(ctx, st, deps)
	if err != nil {
		return fmt.Errorf("plan refresh for %s: %w", st.QualifiedName(), err)
	}

	result, err := s.Orchestrator.RunCycle(ctx, st, deps, cyclePlan.Compiled, cyclePlan.Windows)
	if err != nil {
		return fmt.Errorf("run cycle for %s: %w", st.QualifiedName(), err)
	}
	if result == nil {
		s.Logger.Debug("skipped, lock held elsewhere", "stream_table", st.QualifiedName())
		return nil
	}
	if result.Err != nil {
		return s.handleCycleError(ctx, st, result.Err)
	}
	return nil
}

// maybeBeginTransitions starts the TRIGGER-to-WAL transition (spec §4.3)
// for any dependency still on trigger capture when config prefers WAL or
// auto-selected capture. A transition in flight is left alone; the
// scheduler does not call CDC.AwaitTransition, so it neither completes a
// transition nor reverts one on decoder lag timeout. Best-effort — a
// failed attempt to start one transition must never block this cycle's
// refresh.
func (s *Scheduler) maybeBeginTransitions(ctx context.Context, st *catalog.StreamTable, deps []*catalog.Dependency) {
	if s.CDC == nil {
		return
	}
	pref := s.Config.Get().CDCMode
	if pref == config.CDCModeTrigger {
		return
	}
	for _, dep := range deps {
		if dep.CDCMode != catalog.CDCTrigger {
			continue
		}
		slotName, err := s.CDC.BeginTransition(ctx, s.Engine, s.Catalog, st.ID, dep.SourceID)
		if err != nil {
			s.Logger.Warn("failed to start trigger-to-wal transition", "stream_table", st.QualifiedName(), "source_id", dep.SourceID, "error", err)
			continue
		}
		s.Logger.Info("started trigger-to-wal transition", "stream_table", st.QualifiedName(), "source_id", dep.SourceID, "slot", slotName)
	}
}

// handleCycleError records the failure and suspends the ST once
// max_consecutive_errors is reached (spec §4.6 "Error handling",
// spec §6 max_consecutive_errors). Only permanent errors count; an
// error that is a retryable *sterr.Error leaves the counter alone.
func (s *Scheduler) handleCycleError(ctx context.Context, st *catalog.StreamTable, cycleErr error) error {
	maxConsecutive := s.Config.Get().MaxConsecutiveErrors
	permanent := true
	var stErr *sterr.Error
	if errors.As(cycleErr, &stErr) && stErr.Retryable() {
		permanent = false
	}
	if recErr := s.Catalog.RecordErrorOutcome(ctx, s.Engine, st.ID, permanent, maxConsecutive); recErr != nil {
		return fmt.Errorf("record error outcome for %s: %w", st.QualifiedName(), recErr)
	}
	s.Logger.Error("refresh cycle failed", "stream_table", st.QualifiedName(), "error", cycleErr)
	return nil
}
