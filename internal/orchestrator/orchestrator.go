// Package orchestrator runs one refresh cycle for one stream table (spec
// §4.6 "Refresh cycle"): it selects an action (NO_DATA / FULL /
// DIFFERENTIAL / REINITIALIZE / SKIP), acquires the advisory lock spec §5
// requires, plans the statement(s) via internal/dvm, applies them inside
// a transaction the way the dist-job-scheduler retrieval example's
// ClaimAndFire claims and fires in one transaction, and records the
// outcome in refresh_history.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/grove/streamtable/internal/catalog"
	"github.com/grove/streamtable/internal/cdc"
	"github.com/grove/streamtable/internal/config"
	"github.com/grove/streamtable/internal/dvm"
	"github.com/grove/streamtable/internal/frontier"
	"github.com/grove/streamtable/internal/host"
	"github.com/grove/streamtable/internal/sterr"
)

// lockKey derives the advisory-lock key from a stream table id, the same
// one-lock-per-ST-per-cycle discipline spec §5 invariant 4 requires.
func lockKey(stID int64) int64 { return stID }

// Orchestrator wires the catalog, frontier, CDC, and DVM packages
// together to run refresh cycles.
type Orchestrator struct {
	Engine  *host.Engine
	Catalog *catalog.Store
	CDC     *cdc.Manager
	Cache   *dvm.Cache
	Config  *config.Store
	logger  *slog.Logger
}

// New builds an Orchestrator from its collaborators.
func New(engine *host.Engine, cat *catalog.Store, cdcMgr *cdc.Manager, cache *dvm.Cache, cfg *config.Store, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		Engine:  engine,
		Catalog: cat,
		CDC:     cdcMgr,
		Cache:   cache,
		Config:  cfg,
		logger:  logger.With("component", "orchestrator"),
	}
}

// Decision is the outcome of action selection for one cycle (spec §4.6
// "Action selection").
type Decision struct {
	Action        catalog.RefreshAction
	NewFrontier   frontier.Map
	ChangedRows   int64
	Truncated     bool
	CurrentHostLSN host.LSN
}

// SelectAction inspects the ST's current state and its dependencies'
// pending change volume to choose this cycle's action (spec §4.6):
//   - SKIP if the ST is SUSPENDED.
//   - REINITIALIZE if NeedsReinit is set (a dependency's schema drifted,
//     spec §4.8).
//   - NO_DATA if every dependency's new frontier equals its current one.
//   - FULL if the ST has never populated, or Mode is FULL, or a TRUNCATE
//     marker falls in a pending window, or the pending change ratio
//     exceeds differential_max_change_ratio.
//   - DIFFERENTIAL otherwise.
func (o *Orchestrator) SelectAction(ctx context.Context, q host.Querier, st *catalog.StreamTable, deps []*catalog.Dependency) (Decision, error) {
	if st.Status == catalog.StatusSuspended {
		return Decision{Action: catalog.ActionSkip}, nil
	}
	if st.NeedsReinit {
		return Decision{Action: catalog.ActionReinitialize}, nil
	}

	currentLSN, err := o.Engine.CurrentLSN(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("current lsn: %w", err)
	}

	newFrontier, err := frontier.ComputeNew(ctx, q, o.Catalog, deps, currentLSN)
	if err != nil {
		return Decision{}, fmt.Errorf("compute frontier: %w", err)
	}

	advanced := false
	for srcID, newLSN := range newFrontier {
		if old, ok := st.Frontier[srcID]; !ok || newLSN > old {
			advanced = true
			break
		}
	}
	if !advanced {
		return Decision{Action: catalog.ActionNoData, NewFrontier: newFrontier, CurrentHostLSN: currentLSN}, nil
	}

	if !st.Populated || st.Mode == catalog.ModeFull {
		return Decision{Action: catalog.ActionFull, NewFrontier: newFrontier, CurrentHostLSN: currentLSN}, nil
	}

	var changed int64
	var anyTruncated bool
	for _, dep := range deps {
		low := st.Frontier[dep.SourceID]
		high := newFrontier[dep.SourceID]
		if high <= low {
			continue
		}
		n, truncated, err := o.CDC.ScanWindow(ctx, q, dep.SourceID, low, high)
		if err != nil {
			return Decision{}, fmt.Errorf("scan window for source %d: %w", dep.SourceID, err)
		}
		changed += n
		anyTruncated = anyTruncated || truncated
	}
	if anyTruncated {
		return Decision{Action: catalog.ActionFull, NewFrontier: newFrontier, ChangedRows: changed, Truncated: true, CurrentHostLSN: currentLSN}, nil
	}

	estimate, err := o.rowEstimate(ctx, q, st)
	if err != nil {
		return Decision{}, fmt.Errorf("row estimate: %w", err)
	}

	ratio := o.Config.Get().DifferentialMaxChangeRatio
	if dvm.CheckChangeRatio(changed, estimate, ratio) {
		return Decision{Action: catalog.ActionFull, NewFrontier: newFrontier, ChangedRows: changed, CurrentHostLSN: currentLSN}, nil
	}
	return Decision{Action: catalog.ActionDifferential, NewFrontier: newFrontier, ChangedRows: changed, CurrentHostLSN: currentLSN}, nil
}

// rowEstimate reads the backing table's planner-maintained row count
// (pg_class.reltuples) rather than running SELECT count(*) — the latter
// is an O(n) scan on every refresh decision, exactly the cost
// differential maintenance exists to avoid. reltuples is updated by
// autovacuum/analyze and may lag the true count after a burst of writes,
// but the change-ratio comparison only needs an order-of-magnitude
// cardinality signal, not an exact count.
func (o *Orchestrator) rowEstimate(ctx context.Context, q host.Querier, st *catalog.StreamTable) (int64, error) {
	var reltuples float64
	err := q.QueryRow(ctx, `SELECT reltuples FROM pg_class WHERE oid = $1::regclass`, st.QualifiedName()).Scan(&reltuples)
	if err != nil {
		return 0, err
	}
	if reltuples < 0 {
		return 0, nil
	}
	return int64(reltuples), nil
}

// CyclePlan bundles the compiled operator-tree plan with the per-source
// delta windows a single RunCycle invocation needs; the scheduler builds
// one of these per ST per tick since a dependency's change window moves
// between cycles even when the compiled tree itself is cache-stable.
type CyclePlan struct {
	Compiled *dvm.Compiled
	Windows  map[int64]dvm.Window
}

// Result is what one cycle produced, ready for refresh_history.
type Result struct {
	Action       catalog.RefreshAction
	RowsInserted int64
	RowsDeleted  int64
	Err          error
}

// RunCycle executes one full refresh cycle for st under its advisory
// lock: select an action, plan it via internal/dvm, apply inside a
// transaction, advance the frontier, and append history — all the steps
// spec §4.6 lists in order. Returns (nil, nil) when the lock could not
// be acquired (another backend is already refreshing this ST), which the
// scheduler treats as SKIP rather than an error.
func (o *Orchestrator) RunCycle(ctx context.Context, st *catalog.StreamTable, deps []*catalog.Dependency, plan *dvm.Compiled, windows map[int64]dvm.Window) (*Result, error) {
	ok, unlock, err := o.Engine.TryAdvisoryLock(ctx, lockKey(st.ID))
	if err != nil {
		return nil, fmt.Errorf("advisory lock for stream table %d: %w", st.ID, err)
	}
	if !ok {
		return nil, nil
	}
	defer unlock()

	decision, err := o.SelectAction(ctx, o.Engine, st, deps)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result := &Result{Action: decision.Action}
	o.logger.Info("refresh cycle selected action", "st_id", st.ID, "action", decision.Action)

	switch decision.Action {
	case catalog.ActionSkip, catalog.ActionNoData:
		result.Err = nil

	case catalog.ActionFull, catalog.ActionReinitialize:
		err = o.Engine.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
			if decision.Action == catalog.ActionReinitialize {
				drop, create := dvm.StorageTableDDL(plan.StorageTable, plan.RecomputeSQL)
				if _, execErr := tx.Exec(ctx, drop); execErr != nil {
					return fmt.Errorf("drop stale storage table: %w", execErr)
				}
				if _, execErr := tx.Exec(ctx, create); execErr != nil {
					return fmt.Errorf("recreate storage table: %w", execErr)
				}
			} else if _, execErr := tx.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s", plan.StorageTable)); execErr != nil {
				return fmt.Errorf("truncate before full recompute: %w", execErr)
			}
			insertSQL := fmt.Sprintf("INSERT INTO %s SELECT * FROM (%s) __recomputed", plan.StorageTable, plan.RecomputeSQL)
			tag, execErr := tx.Exec(ctx, insertSQL)
			if execErr != nil {
				return fmt.Errorf("full recompute insert: %w", execErr)
			}
			result.RowsInserted = tag.RowsAffected()

			if decision.Action == catalog.ActionReinitialize {
				return frontier.Reinitialize(ctx, tx, o.Catalog, st.ID, decision.NewFrontier, start)
			}
			return frontier.Advance(ctx, tx, o.Catalog, st.ID, decision.NewFrontier, start)
		})

	case catalog.ActionDifferential:
		withClause, buildErr := dvm.AssembleDelta(plan.Root, windows, plan.StorageTable)
		if buildErr != nil {
			return nil, buildErr
		}
		applyPlan := dvm.AssembleApply(plan.StorageTable, "__delta", plan.Columns, o.Config.Get().UserTriggers == config.UserTriggersOn)
		err = o.Engine.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
			if applyPlan.ApplyKind == dvm.ApplyDecomposed {
				for _, stmt := range []string{applyPlan.DeleteSQL, applyPlan.UpdateSQL, applyPlan.InsertSQL} {
					if _, execErr := tx.Exec(ctx, fmt.Sprintf("%s\n%s", withClause, stmt)); execErr != nil {
						return fmt.Errorf("apply delta: %w", execErr)
					}
				}
			} else if _, execErr := tx.Exec(ctx, fmt.Sprintf("%s\n%s", withClause, applyPlan.ApplySQL)); execErr != nil {
				return fmt.Errorf("apply delta: %w", execErr)
			}
			return frontier.Advance(ctx, tx, o.Catalog, st.ID, decision.NewFrontier, start)
		})

	default:
		err = sterr.New(sterr.CodeUnsupportedConstruct, fmt.Sprintf("unknown refresh action %q", decision.Action))
	}

	result.Err = err
	if err != nil {
		o.logger.Error("refresh cycle failed", "st_id", st.ID, "action", decision.Action, "error", err)
	}
	o.recordHistory(ctx, st.ID, start, decision.Action, result)
	return result, nil
}

func (o *Orchestrator) recordHistory(ctx context.Context, stID int64, start time.Time, action catalog.RefreshAction, result *Result) {
	end := time.Now()
	rec := &catalog.RefreshRecord{
		STID:         stID,
		DataTimestamp: end,
		Start:        start,
		End:          end,
		Action:       action,
		RowsInserted: result.RowsInserted,
		RowsDeleted:  result.RowsDeleted,
		DurationMS:   end.Sub(start).Milliseconds(),
		Status:       "ok",
		InitiatedBy:  catalog.InitiatorScheduler,
	}
	if result.Err != nil {
		rec.Status = "error"
		rec.ErrorMessage = result.Err.Error()
	}
	// Best-effort: a history-append failure must never fail the cycle that
	// already committed its data changes.
	_, _ = o.Catalog.AppendHistory(ctx, o.Engine, rec)
}
