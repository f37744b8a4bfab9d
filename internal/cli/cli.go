// Package cli implements the streamtabled command surface (SPEC_FULL.md
// "cmd/streamtabled"): create/alter/drop/refresh/status/history/
// staleness/explain/shell. It mirrors the teacher's direct
// fmt.Fprintf(os.Stderr, ...) reporting style rather than a templated
// output layer.
package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/grove/streamtable/internal/catalog"
	"github.com/grove/streamtable/internal/cdc"
	"github.com/grove/streamtable/internal/config"
	"github.com/grove/streamtable/internal/ddlhooks"
	"github.com/grove/streamtable/internal/dvm"
	"github.com/grove/streamtable/internal/frontier"
	"github.com/grove/streamtable/internal/host"
	"github.com/grove/streamtable/internal/orchestrator"
)

// App bundles every collaborator a subcommand might need. Built once in
// cmd/streamtabled/main.go and passed to whichever subcommand the user
// invoked.
type App struct {
	Engine       *host.Engine
	Catalog      *catalog.Store
	CDC          *cdc.Manager
	Config       *config.Store
	Orchestrator *orchestrator.Orchestrator
	DDLHooks     *ddlhooks.Registry
	Schema       string // catalog schema, e.g. "streamtable"
	Out          io.Writer
	ErrOut       io.Writer
}

// CreateStreamTable implements create_stream_table (spec §6 operations
// table): registers the ST and, when initialize is set, marks it ACTIVE
// so a later scheduler tick runs its first (FULL) population. It installs
// no capture on the referenced sources and runs no refresh itself.
func (a *App) CreateStreamTable(ctx context.Context, qualifiedName, query, schedule string, mode catalog.Mode, initialize bool) error {
	schema, name, err := splitQualified(qualifiedName)
	if err != nil {
		return err
	}
	if _, err := config.ParseSchedule(schedule, a.Config.Get().MinScheduleSeconds); err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}

	st := &catalog.StreamTable{
		Schema:        schema,
		Name:          name,
		DefiningQuery: query,
		OriginalQuery: query,
		Schedule:      schedule,
		Mode:          mode,
		Status:        catalog.StatusInitializing,
		AutoThreshold: a.Config.Get().DifferentialMaxChangeRatio,
	}
	id, err := a.Catalog.InsertStreamTable(ctx, a.Engine, st)
	if err != nil {
		return fmt.Errorf("create stream table %s: %w", qualifiedName, err)
	}
	st.ID = id

	a.DDLHooks.OnCatalogMutation()
	fmt.Fprintf(a.Out, "created stream table %s (id=%d, mode=%s)\n", qualifiedName, id, mode)

	if initialize {
		if err := a.Catalog.UpdateStatus(ctx, a.Engine, id, catalog.StatusActive); err != nil {
			return fmt.Errorf("activate stream table %s: %w", qualifiedName, err)
		}
		fmt.Fprintf(a.Out, "initial population will run on the next scheduler tick\n")
	}
	return nil
}

// AlterStreamTable implements alter_stream_table: applies whichever
// optional fields are non-nil atomically, clearing the error counter on
// resume from SUSPENDED (spec §6).
func (a *App) AlterStreamTable(ctx context.Context, qualifiedName string, schedule *string, mode *catalog.Mode, status *catalog.Status) error {
	st, err := a.lookup(ctx, qualifiedName)
	if err != nil {
		return err
	}

	if schedule != nil {
		if _, err := config.ParseSchedule(*schedule, a.Config.Get().MinScheduleSeconds); err != nil {
			return fmt.Errorf("invalid schedule: %w", err)
		}
	}
	if err := a.Engine.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if schedule != nil {
			if err := a.Catalog.UpdateSchedule(ctx, tx, st.ID, *schedule); err != nil {
				return fmt.Errorf("update schedule: %w", err)
			}
		}
		if mode != nil {
			if err := a.Catalog.UpdateMode(ctx, tx, st.ID, *mode); err != nil {
				return fmt.Errorf("update mode: %w", err)
			}
		}
		if status != nil {
			if err := a.Catalog.UpdateStatus(ctx, tx, st.ID, *status); err != nil {
				return fmt.Errorf("update status: %w", err)
			}
			if *status == catalog.StatusActive && st.Status == catalog.StatusSuspended {
				if err := a.Catalog.ResetErrors(ctx, tx, st.ID); err != nil {
					return fmt.Errorf("reset error counter on resume: %w", err)
				}
			}
		}
		return nil
	}); err != nil {
		return err
	}
	a.DDLHooks.OnCatalogMutation()
	fmt.Fprintf(a.Out, "altered stream table %s\n", qualifiedName)
	return nil
}

// DropStreamTable implements drop_stream_table: cascades to the backing
// table, catalog rows, and any captures left orphaned (spec §6).
func (a *App) DropStreamTable(ctx context.Context, qualifiedName string) error {
	st, err := a.lookup(ctx, qualifiedName)
	if err != nil {
		return err
	}
	deps, err := a.Catalog.ListDependencies(ctx, a.Engine, st.ID)
	if err != nil {
		return fmt.Errorf("list dependencies: %w", err)
	}
	if err := a.Engine.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		for _, dep := range deps {
			var shared bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM dependencies WHERE source_id = $1 AND st_id <> $2)`,
				dep.SourceID, st.ID).Scan(&shared); err != nil {
				return fmt.Errorf("check other dependents of source %d: %w", dep.SourceID, err)
			}
			if shared {
				continue // another ST still reads this source's capture
			}
			sourceTable, err := a.resolveSourceTable(ctx, tx, dep.SourceID)
			if err != nil {
				return fmt.Errorf("resolve source table for source %d: %w", dep.SourceID, err)
			}
			if err := a.CDC.DropCapture(ctx, tx, dep.SourceID, sourceTable); err != nil {
				return fmt.Errorf("drop capture for source %d: %w", dep.SourceID, err)
			}
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", st.QualifiedName())); err != nil {
			return fmt.Errorf("drop backing table: %w", err)
		}
		return a.Catalog.DropStreamTable(ctx, tx, st.ID)
	}); err != nil {
		return err
	}
	a.DDLHooks.OnCatalogMutation()
	fmt.Fprintf(a.Out, "dropped stream table %s\n", qualifiedName)
	return nil
}

// Refresh forces an immediate cycle regardless of schedule due-ness, the
// same escape hatch spec §4.6 lists for manual refresh. RunCycle takes no
// initiator, so the history row it appends records the cycle as
// SCHEDULER-initiated, not MANUAL.
func (a *App) Refresh(ctx context.Context, qualifiedName string, plan *dvm.Compiled, windows map[int64]dvm.Window) error {
	st, err := a.lookup(ctx, qualifiedName)
	if err != nil {
		return err
	}
	deps, err := a.Catalog.ListDependencies(ctx, a.Engine, st.ID)
	if err != nil {
		return fmt.Errorf("list dependencies: %w", err)
	}
	result, err := a.Orchestrator.RunCycle(ctx, st, deps, plan, windows)
	if err != nil {
		return err
	}
	if result == nil {
		fmt.Fprintf(a.Out, "%s: another backend is already refreshing it\n", qualifiedName)
		return nil
	}
	fmt.Fprintf(a.Out, "%s: %s (+%d -%d rows)\n", qualifiedName, result.Action, result.RowsInserted, result.RowsDeleted)
	return result.Err
}

// Status prints the current lifecycle state of a stream table (spec §6
// observational entry points).
func (a *App) Status(ctx context.Context, qualifiedName string) error {
	st, err := a.lookup(ctx, qualifiedName)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "%s: status=%s mode=%s populated=%v last_refresh=%s consecutive_errors=%d\n",
		qualifiedName, st.Status, st.Mode, st.Populated, formatTime(st.LastRefreshAt), st.ConsecutiveErrors)
	return nil
}

// History prints the n most recent refresh_history rows for a stream
// table.
func (a *App) History(ctx context.Context, qualifiedName string, n int) error {
	st, err := a.lookup(ctx, qualifiedName)
	if err != nil {
		return err
	}
	recs, err := a.Catalog.RecentHistory(ctx, a.Engine, st.ID, n)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	for _, r := range recs {
		fmt.Fprintf(a.Out, "%s  %-14s %-5s +%d -%d  %dms\n",
			r.End.Format(time.RFC3339), r.Action, r.Status, r.RowsInserted, r.RowsDeleted, r.DurationMS)
	}
	return nil
}

// Staleness reports how far behind the host's current commit position a
// stream table's frontier is, per source (spec §6 observational entry
// points / SPEC_FULL.md staleness(name)).
func (a *App) Staleness(ctx context.Context, qualifiedName string) error {
	st, err := a.lookup(ctx, qualifiedName)
	if err != nil {
		return err
	}
	current, err := a.Engine.CurrentLSN(ctx)
	if err != nil {
		return fmt.Errorf("current lsn: %w", err)
	}
	for srcID, lsn := range st.Frontier {
		fmt.Fprintf(a.Out, "source %d: frontier=%s current=%s lag_bytes=%d\n",
			srcID, lsn, current, int64(current)-int64(lsn))
	}
	return nil
}

// Explain prints the recomputation SQL and, if available, the delta SQL
// for a stream table's compiled plan (spec §6 observational entry
// points / SPEC_FULL.md explain(name)).
func (a *App) Explain(qualifiedName string, plan *dvm.Compiled, deltaSQL string) {
	fmt.Fprintf(a.Out, "-- recompute plan for %s\n%s\n", qualifiedName, plan.RecomputeSQL)
	if deltaSQL != "" {
		fmt.Fprintf(a.Out, "\n-- delta plan for %s\n%s\n", qualifiedName, deltaSQL)
	}
}

// CDCHealth implements check_cdc_health() / slot_health() (spec §6
// observational entry points): one line per dependency covering buffer
// backlog, and, once a dependency has a replication slot, its decoder
// lag.
func (a *App) CDCHealth(ctx context.Context, qualifiedName string) error {
	st, err := a.lookup(ctx, qualifiedName)
	if err != nil {
		return err
	}
	deps, err := a.Catalog.ListDependencies(ctx, a.Engine, st.ID)
	if err != nil {
		return fmt.Errorf("list dependencies: %w", err)
	}
	current, err := a.Engine.CurrentLSN(ctx)
	if err != nil {
		return fmt.Errorf("current lsn: %w", err)
	}
	for _, dep := range deps {
		// st.NeedsReinit is ddlhooks.CheckSource's lasting signal that a
		// fingerprint mismatch was found for one of this ST's sources; a
		// live re-check against information_schema is a separate, explicit
		// operation (ddlhooks.CheckSource), not part of this read-only report.
		report, err := a.CDC.HealthReport(ctx, a.Engine, dep, st.NeedsReinit)
		if err != nil {
			return fmt.Errorf("health report for source %d: %w", dep.SourceID, err)
		}
		fmt.Fprintf(a.Out, "source %d: mode=%s buffered_rows=%d oldest_unconsumed_lsn=%s schema_drift=%v\n",
			report.SourceID, report.Mode, report.BufferRowCount, report.OldestUnconsumedLSN, report.SchemaDrift)

		if dep.CDCMode == catalog.CDCWal && dep.SlotName != "" {
			health, err := a.CDC.SlotHealth(ctx, a.Engine, dep.SlotName, current)
			if err != nil {
				return fmt.Errorf("slot health for source %d: %w", dep.SourceID, err)
			}
			fmt.Fprintf(a.Out, "  slot %s: confirmed=%s restart=%s lag_bytes=%d active=%v\n",
				health.SlotName, health.ConfirmedLSN, health.RestartLSN, health.LagBytes, health.Active)
		}
	}
	return nil
}

// resolveSourceTable maps a dependency's SourceID — the source
// relation's pg_class OID — back to its qualified name, since catalog.
// Dependency stores only the OID to stay stable across a source's own
// rename (spec §3 Dependency).
func (a *App) resolveSourceTable(ctx context.Context, q host.Querier, sourceID int64) (string, error) {
	var name string
	if err := q.QueryRow(ctx, `SELECT $1::regclass::text`, sourceID).Scan(&name); err != nil {
		return "", err
	}
	return name, nil
}

func (a *App) lookup(ctx context.Context, qualifiedName string) (*catalog.StreamTable, error) {
	schema, name, err := splitQualified(qualifiedName)
	if err != nil {
		return nil, err
	}
	return a.Catalog.LoadStreamTableByName(ctx, a.Engine, schema, name)
}

func splitQualified(qualifiedName string) (schema, name string, err error) {
	parts := strings.SplitN(qualifiedName, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("expected a schema-qualified name (schema.name), got %q", qualifiedName)
	}
	return parts[0], parts[1], nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format(time.RFC3339)
}

// frontierLookup resolves one source's LSN in a frontier map, with ok
// false when the source has no entry. Staleness ranges over st.Frontier
// directly and does not call it.
func frontierLookup(m frontier.Map, sourceID int64) (host.LSN, bool) {
	v, ok := m[sourceID]
	return v, ok
}
