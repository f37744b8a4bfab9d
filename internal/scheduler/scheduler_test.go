package scheduler

import (
	"log/slog"
	"testing"
	"time"

	"github.com/grove/streamtable/internal/catalog"
	"github.com/grove/streamtable/internal/config"
)

func newTestScheduler() *Scheduler {
	return &Scheduler{
		Config: config.NewStore(config.Defaults()),
		Logger: slog.Default(),
	}
}

func TestIsDueDownstreamIsNeverDirectlyDue(t *testing.T) {
	s := newTestScheduler()
	st := &catalog.StreamTable{Schedule: "", DataTimestamp: time.Now()}
	due, downstream, err := s.isDue(st, time.Now())
	if err != nil {
		t.Fatalf("isDue: %v", err)
	}
	if due {
		t.Errorf("downstream schedule should never be directly due")
	}
	if !downstream {
		t.Errorf("expected downstream=true for empty schedule")
	}
}

func TestIsDueDurationSchedule(t *testing.T) {
	s := newTestScheduler()
	past := time.Now().Add(-2 * time.Minute)
	st := &catalog.StreamTable{Schedule: "60s", DataTimestamp: past}
	due, downstream, err := s.isDue(st, time.Now())
	if err != nil {
		t.Fatalf("isDue: %v", err)
	}
	if downstream {
		t.Errorf("duration schedule should not report downstream")
	}
	if !due {
		t.Errorf("expected ST due: last run %s + 60s interval should have elapsed", past)
	}
}

func TestIsDueRejectsInvalidSchedule(t *testing.T) {
	s := newTestScheduler()
	st := &catalog.StreamTable{Schedule: "not-a-schedule", DataTimestamp: time.Now()}
	if _, _, err := s.isDue(st, time.Now()); err == nil {
		t.Fatalf("expected error for malformed schedule string")
	}
}

func TestMaybeBeginTransitionsNoopWithoutCDCManager(t *testing.T) {
	s := newTestScheduler()
	st := &catalog.StreamTable{Schema: "public", Name: "orders_summary"}
	deps := []*catalog.Dependency{{STID: 1, SourceID: 2, CDCMode: catalog.CDCTrigger}}
	// s.CDC is nil; this must return without attempting any catalog/host call.
	s.maybeBeginTransitions(nil, st, deps)
}

func TestPruneHistoryOnDAGRebuildNoopWithoutBlock(t *testing.T) {
	s := newTestScheduler()
	// s.Block is nil; this must return without touching s.Catalog or s.Engine.
	s.pruneHistoryOnDAGRebuild(nil)
}

func TestMaybeBeginTransitionsSkipsWhenModeIsTrigger(t *testing.T) {
	s := newTestScheduler()
	opts := s.Config.Get()
	opts.CDCMode = config.CDCModeTrigger
	if err := s.Config.Set(opts); err != nil {
		t.Fatalf("Set: %v", err)
	}
	st := &catalog.StreamTable{Schema: "public", Name: "orders_summary"}
	deps := []*catalog.Dependency{{STID: 1, SourceID: 2, CDCMode: catalog.CDCTrigger}}
	// s.CDC is still nil here, but cdc_mode=trigger should return before it
	// would ever be dereferenced regardless.
	s.maybeBeginTransitions(nil, st, deps)
}
