// Package catalog is CRUD over the engine's persistent metadata (spec
// §4.2, §6): the stream_tables registry, per-source dependency edges,
// the append-only refresh_history log, and per-source change-tracking
// progress. Every mutation runs through host.Querier inside the caller's
// transaction, the same SPI-in-caller's-transaction discipline the
// dist-job-scheduler retrieval example's ScheduleRepository follows
// against *pgxpool.Pool.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/grove/streamtable/internal/host"
	"github.com/grove/streamtable/internal/sterr"
)

// queryCtx is an alias kept for readability at call sites — every method
// below runs a single statement (or a short read sequence) against
// whatever host.Querier the caller passes, be it the pool or an
// in-flight transaction.
type queryCtx = context.Context

// Mode is a stream table's maintenance strategy (spec §3 StreamTable).
type Mode string

const (
	ModeFull         Mode = "FULL"
	ModeDifferential Mode = "DIFFERENTIAL"
)

// Status is a stream table's lifecycle state (spec §3 Lifecycles).
type Status string

const (
	StatusInitializing Status = "INITIALIZING"
	StatusActive       Status = "ACTIVE"
	StatusSuspended    Status = "SUSPENDED"
	StatusError        Status = "ERROR"
)

// SourceKind distinguishes what a Dependency points at (spec §3 Dependency).
type SourceKind string

const (
	SourceTable       SourceKind = "TABLE"
	SourceStreamTable SourceKind = "STREAM_TABLE"
	SourceView        SourceKind = "VIEW"
)

// CDCMode is a dependency's current capture mechanism (spec §4.3).
type CDCMode string

const (
	CDCTrigger       CDCMode = "TRIGGER"
	CDCTransitioning CDCMode = "TRANSITIONING"
	CDCWal           CDCMode = "WAL"
)

// StreamTable is the in-memory projection of a stream_tables row (spec §3).
type StreamTable struct {
	ID                int64
	Schema            string
	Name              string
	DefiningQuery     string // rewritten
	OriginalQuery     string
	Schedule          string
	Mode              Mode
	Status            Status
	Populated         bool
	DataTimestamp     time.Time
	Frontier          map[int64]host.LSN // source id -> last-consumed LSN
	LastRefreshAt     *time.Time
	ConsecutiveErrors int
	NeedsReinit       bool
	AutoThreshold     float64
	LastFullMS        int64
	UsedFunctions     []string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// QualifiedName returns "schema.name", the form used in error messages
// and SQL identifiers throughout the engine.
func (st *StreamTable) QualifiedName() string {
	return fmt.Sprintf("%s.%s", st.Schema, st.Name)
}

// Dependency is one (ST, source) edge (spec §3 Dependency).
type Dependency struct {
	STID                 int64
	SourceID             int64
	SourceKind           SourceKind
	ColumnsUsed          []string
	ColumnSnapshotJSON   string
	SchemaFingerprint    string
	CDCMode              CDCMode
	SlotName             string
	DecoderConfirmedLSN  host.LSN
	TransitionStartedAt  *time.Time
}

// RefreshAction is the strategy the orchestrator selected for a cycle
// (spec §4.6).
type RefreshAction string

const (
	ActionNoData       RefreshAction = "NO_DATA"
	ActionFull         RefreshAction = "FULL"
	ActionDifferential RefreshAction = "DIFFERENTIAL"
	ActionReinitialize RefreshAction = "REINITIALIZE"
	ActionSkip         RefreshAction = "SKIP"
)

// RefreshInitiator records who kicked off a cycle (spec §3 RefreshRecord).
type RefreshInitiator string

const (
	InitiatorScheduler RefreshInitiator = "SCHEDULER"
	InitiatorManual    RefreshInitiator = "MANUAL"
	InitiatorInitial   RefreshInitiator = "INITIAL"
)

// RefreshRecord is one append-only row of refresh_history (spec §3).
type RefreshRecord struct {
	RefreshID     int64
	STID          int64
	DataTimestamp time.Time
	Start         time.Time
	End           time.Time
	Action        RefreshAction
	RowsInserted  int64
	RowsDeleted   int64
	DurationMS    int64
	Status        string // "ok" | "error"
	InitiatedBy   RefreshInitiator
	ErrorMessage  string
}

// ChangeTracking is one change_tracking row: per-source capture progress
// (spec §6 catalog tables).
type ChangeTracking struct {
	SourceID        int64
	SlotName        string
	LastConsumedLSN host.LSN
	Dependents      []int64
}

// Store is the catalog's CRUD surface. It takes a host.Querier rather
// than a concrete pool so callers can pass either the engine's top-level
// pool or an in-flight pgx.Tx, matching host.Engine.WithTx's contract.
type Store struct {
	logger *slog.Logger
}

// NewStore returns a Store. It carries no connection state of its own —
// every method takes the Querier to run against, the same way the
// teacher's session.Manager takes *core.Engine per call rather than
// holding a connection open across requests — but it does hold a
// logger, so lifecycle transitions (suspend, reinit) are reported the
// same way every other long-lived component in this engine reports them.
func NewStore(logger *slog.Logger) *Store {
	return &Store{logger: logger.With("component", "catalog")}
}

// InsertStreamTable registers a new ST in INITIALIZING status (spec §4.2
// insert_stream_table). Returns sterr.CodeNameCollision on a duplicate
// (schema, name).
func (s *Store) InsertStreamTable(ctx queryCtx, q host.Querier, st *StreamTable) (int64, error) {
	frontierJSON, err := json.Marshal(frontierBlob(st.Frontier))
	if err != nil {
		return 0, fmt.Errorf("marshal frontier: %w", err)
	}

	var id int64
	err = q.QueryRow(ctx, `
		INSERT INTO stream_tables (
			schema, name, defining_query, original_query, schedule, mode,
			status, populated, frontier_blob, consecutive_errors,
			needs_reinit, auto_threshold, used_functions
		) VALUES ($1,$2,$3,$4,$5,$6,'INITIALIZING',false,$7,0,false,$8,$9)
		RETURNING id`,
		st.Schema, st.Name, st.DefiningQuery, st.OriginalQuery, st.Schedule, st.Mode,
		frontierJSON, defaultAutoThreshold, st.UsedFunctions,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, sterr.New(sterr.CodeNameCollision,
				fmt.Sprintf("stream table %s.%s already exists", st.Schema, st.Name))
		}
		return 0, sterr.Wrap(err, 0, 0, "insert_stream_table")
	}
	return id, nil
}

const defaultAutoThreshold = 0.15

// LoadStreamTableByID loads a single ST by id (spec §4.2 load_stream_table).
func (s *Store) LoadStreamTableByID(ctx queryCtx, q host.Querier, id int64) (*StreamTable, error) {
	row := q.QueryRow(ctx, streamTableSelect+` WHERE id = $1`, id)
	return scanStreamTable(row)
}

// LoadStreamTableByName loads a single ST by (schema, name).
func (s *Store) LoadStreamTableByName(ctx queryCtx, q host.Querier, schema, name string) (*StreamTable, error) {
	row := q.QueryRow(ctx, streamTableSelect+` WHERE schema = $1 AND name = $2`, schema, name)
	return scanStreamTable(row)
}

const streamTableSelect = `
	SELECT id, schema, name, defining_query, original_query, schedule, mode,
	       status, populated, data_timestamp, frontier_blob, last_refresh_at,
	       consecutive_errors, needs_reinit, auto_threshold, last_full_ms,
	       used_functions, created_at, updated_at
	FROM stream_tables`

func scanStreamTable(row pgx.Row) (*StreamTable, error) {
	var st StreamTable
	var frontierJSON []byte
	var dataTimestamp, createdAt, updatedAt time.Time
	var lastRefreshAt *time.Time

	err := row.Scan(
		&st.ID, &st.Schema, &st.Name, &st.DefiningQuery, &st.OriginalQuery, &st.Schedule, &st.Mode,
		&st.Status, &st.Populated, &dataTimestamp, &frontierJSON, &lastRefreshAt,
		&st.ConsecutiveErrors, &st.NeedsReinit, &st.AutoThreshold, &st.LastFullMS,
		&st.UsedFunctions, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sterr.New(sterr.CodeNotFound, "stream table not found")
		}
		return nil, sterr.Wrap(err, 0, 0, "load_stream_table")
	}

	blob := map[int64]string{}
	if len(frontierJSON) > 0 {
		if err := json.Unmarshal(frontierJSON, &blob); err != nil {
			return nil, fmt.Errorf("unmarshal frontier_blob for st %d: %w", st.ID, err)
		}
	}
	st.Frontier = make(map[int64]host.LSN, len(blob))
	for srcID, lsnText := range blob {
		lsn, err := host.ParseLSN(lsnText)
		if err != nil {
			return nil, fmt.Errorf("parse frontier lsn for st %d source %d: %w", st.ID, srcID, err)
		}
		st.Frontier[srcID] = lsn
	}

	st.DataTimestamp = dataTimestamp
	st.LastRefreshAt = lastRefreshAt
	st.CreatedAt = createdAt
	st.UpdatedAt = updatedAt
	return &st, nil
}

// ListActive returns every ST in ACTIVE status, the scheduler's input set
// for DAG construction (spec §4.7 step 1).
func (s *Store) ListActive(ctx queryCtx, q host.Querier) ([]*StreamTable, error) {
	rows, err := q.Query(ctx, streamTableSelect+` WHERE status = 'ACTIVE' ORDER BY id`)
	if err != nil {
		return nil, sterr.Wrap(err, 0, 0, "list_active")
	}
	defer rows.Close()

	var out []*StreamTable
	for rows.Next() {
		st, err := scanStreamTable(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// UpdateStatus sets an ST's status (spec §4.2 update_status).
func (s *Store) UpdateStatus(ctx queryCtx, q host.Querier, id int64, status Status) error {
	tag, err := q.Exec(ctx, `UPDATE stream_tables SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return sterr.Wrap(err, id, 0, "update_status")
	}
	if tag.RowsAffected() == 0 {
		return sterr.New(sterr.CodeNotFound, fmt.Sprintf("stream table %d not found", id))
	}
	return nil
}

// UpdateMode sets an ST's maintenance mode.
func (s *Store) UpdateMode(ctx queryCtx, q host.Querier, id int64, mode Mode) error {
	tag, err := q.Exec(ctx, `UPDATE stream_tables SET mode = $2, updated_at = now() WHERE id = $1`, id, mode)
	if err != nil {
		return sterr.Wrap(err, id, 0, "update_mode")
	}
	if tag.RowsAffected() == 0 {
		return sterr.New(sterr.CodeNotFound, fmt.Sprintf("stream table %d not found", id))
	}
	return nil
}

// UpdateSchedule sets an ST's schedule string.
func (s *Store) UpdateSchedule(ctx queryCtx, q host.Querier, id int64, schedule string) error {
	tag, err := q.Exec(ctx, `UPDATE stream_tables SET schedule = $2, updated_at = now() WHERE id = $1`, id, schedule)
	if err != nil {
		return sterr.Wrap(err, id, 0, "update_schedule")
	}
	if tag.RowsAffected() == 0 {
		return sterr.New(sterr.CodeNotFound, fmt.Sprintf("stream table %d not found", id))
	}
	return nil
}

// UpdateFrontier persists a new frontier map (spec §4.4 advance, called
// under the ST's advisory lock by the orchestrator after a successful
// apply). The monotonicity check lives in internal/frontier; this method
// is the unconditional write.
func (s *Store) UpdateFrontier(ctx queryCtx, q host.Querier, id int64, frontier map[int64]host.LSN, dataTimestamp time.Time) error {
	blob, err := json.Marshal(frontierBlob(frontier))
	if err != nil {
		return fmt.Errorf("marshal frontier: %w", err)
	}
	tag, err := q.Exec(ctx, `
		UPDATE stream_tables
		SET frontier_blob = $2, data_timestamp = $3, last_refresh_at = now(),
		    populated = true, updated_at = now()
		WHERE id = $1`, id, blob, dataTimestamp)
	if err != nil {
		return sterr.Wrap(err, id, 0, "update_frontier")
	}
	if tag.RowsAffected() == 0 {
		return sterr.New(sterr.CodeNotFound, fmt.Sprintf("stream table %d not found", id))
	}
	return nil
}

// RecordErrorOutcome increments the consecutive-error counter for a
// permanent error (spec §7 propagation policy) and suspends the ST once
// the counter reaches maxConsecutive; a retryable error leaves the
// counter untouched. Clearing the counter is ResetErrors' job.
func (s *Store) RecordErrorOutcome(ctx queryCtx, q host.Querier, id int64, permanent bool, maxConsecutive int) error {
	if !permanent {
		return nil // retryable errors never touch the counter
	}
	var count int
	err := q.QueryRow(ctx, `
		UPDATE stream_tables SET consecutive_errors = consecutive_errors + 1, updated_at = now()
		WHERE id = $1
		RETURNING consecutive_errors`, id).Scan(&count)
	if err != nil {
		return sterr.Wrap(err, id, 0, "record_error_outcome")
	}
	if count >= maxConsecutive {
		if err := s.UpdateStatus(ctx, q, id, StatusSuspended); err != nil {
			return err
		}
		s.logger.Warn("stream table suspended after consecutive errors", "st_id", id, "consecutive_errors", count)
	}
	return nil
}

// ResetErrors clears the consecutive-error counter and restores ACTIVE
// status (spec §3 Lifecycles "manual resume").
func (s *Store) ResetErrors(ctx queryCtx, q host.Querier, id int64) error {
	tag, err := q.Exec(ctx, `
		UPDATE stream_tables SET consecutive_errors = 0, status = 'ACTIVE', updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return sterr.Wrap(err, id, 0, "reset_errors")
	}
	if tag.RowsAffected() == 0 {
		return sterr.New(sterr.CodeNotFound, fmt.Sprintf("stream table %d not found", id))
	}
	return nil
}

// MarkNeedsReinit flips the needs_reinit flag (spec §4.8 DDL hooks).
func (s *Store) MarkNeedsReinit(ctx queryCtx, q host.Querier, id int64) error {
	tag, err := q.Exec(ctx, `UPDATE stream_tables SET needs_reinit = true, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return sterr.Wrap(err, id, 0, "mark_needs_reinit")
	}
	if tag.RowsAffected() == 0 {
		return sterr.New(sterr.CodeNotFound, fmt.Sprintf("stream table %d not found", id))
	}
	s.logger.Warn("stream table marked for reinitialization", "st_id", id)
	return nil
}

// ClearNeedsReinit is called after a successful REINITIALIZE.
func (s *Store) ClearNeedsReinit(ctx queryCtx, q host.Querier, id int64, lastFullMS int64) error {
	_, err := q.Exec(ctx, `
		UPDATE stream_tables SET needs_reinit = false, last_full_ms = $2, updated_at = now()
		WHERE id = $1`, id, lastFullMS)
	if err != nil {
		return sterr.Wrap(err, id, 0, "clear_needs_reinit")
	}
	return nil
}

// DropStreamTable removes an ST and cascades to its dependencies and
// history (spec §4.2 drop_stream_table, §6 drop_stream_table). Source
// captures are not touched here: the caller (cli.App.DropStreamTable)
// drops, in the same transaction and before calling this, the capture of
// each source no other ST references.
func (s *Store) DropStreamTable(ctx queryCtx, q host.Querier, id int64) error {
	tag, err := q.Exec(ctx, `DELETE FROM stream_tables WHERE id = $1`, id)
	if err != nil {
		return sterr.Wrap(err, id, 0, "drop_stream_table")
	}
	if tag.RowsAffected() == 0 {
		return sterr.New(sterr.CodeNotFound, fmt.Sprintf("stream table %d not found", id))
	}
	// dependencies and refresh_history cascade via FK ON DELETE CASCADE.
	return nil
}

// RegisterDependency inserts or updates one (ST, source) edge (spec §4.2
// register_dependency).
func (s *Store) RegisterDependency(ctx queryCtx, q host.Querier, dep *Dependency) error {
	_, err := q.Exec(ctx, `
		INSERT INTO dependencies (
			st_id, source_id, source_kind, columns_used, column_snapshot_json,
			schema_fingerprint, cdc_mode, slot_name, decoder_confirmed_lsn
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (st_id, source_id) DO UPDATE SET
			columns_used = EXCLUDED.columns_used,
			column_snapshot_json = EXCLUDED.column_snapshot_json,
			schema_fingerprint = EXCLUDED.schema_fingerprint,
			cdc_mode = EXCLUDED.cdc_mode,
			slot_name = EXCLUDED.slot_name,
			decoder_confirmed_lsn = EXCLUDED.decoder_confirmed_lsn`,
		dep.STID, dep.SourceID, dep.SourceKind, dep.ColumnsUsed, dep.ColumnSnapshotJSON,
		dep.SchemaFingerprint, dep.CDCMode, dep.SlotName, dep.DecoderConfirmedLSN.String(),
	)
	if err != nil {
		return sterr.Wrap(err, dep.STID, dep.SourceID, "register_dependency")
	}
	return nil
}

// ListDependencies returns every source edge for an ST, used by the DAG
// builder and the orchestrator's per-cycle window computation.
func (s *Store) ListDependencies(ctx queryCtx, q host.Querier, stID int64) ([]*Dependency, error) {
	rows, err := q.Query(ctx, `
		SELECT st_id, source_id, source_kind, columns_used, column_snapshot_json,
		       schema_fingerprint, cdc_mode, slot_name, decoder_confirmed_lsn, transition_started_at
		FROM dependencies WHERE st_id = $1`, stID)
	if err != nil {
		return nil, sterr.Wrap(err, stID, 0, "list_dependencies")
	}
	defer rows.Close()

	var out []*Dependency
	for rows.Next() {
		var d Dependency
		var lsnText string
		if err := rows.Scan(&d.STID, &d.SourceID, &d.SourceKind, &d.ColumnsUsed, &d.ColumnSnapshotJSON,
			&d.SchemaFingerprint, &d.CDCMode, &d.SlotName, &lsnText, &d.TransitionStartedAt); err != nil {
			return nil, sterr.Wrap(err, stID, 0, "list_dependencies")
		}
		lsn, err := host.ParseLSN(lsnText)
		if err != nil {
			return nil, fmt.Errorf("parse decoder_confirmed_lsn for st %d source %d: %w", stID, d.SourceID, err)
		}
		d.DecoderConfirmedLSN = lsn
		out = append(out, &d)
	}
	return out, rows.Err()
}

// AppendHistory writes one append-only refresh_history row (spec §4.2
// append_history).
func (s *Store) AppendHistory(ctx queryCtx, q host.Querier, rec *RefreshRecord) (int64, error) {
	var id int64
	err := q.QueryRow(ctx, `
		INSERT INTO refresh_history (
			st_id, data_timestamp, start, "end", action, rows_inserted,
			rows_deleted, duration_ms, status, initiated_by, error_message
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING refresh_id`,
		rec.STID, rec.DataTimestamp, rec.Start, rec.End, rec.Action, rec.RowsInserted,
		rec.RowsDeleted, rec.DurationMS, rec.Status, rec.InitiatedBy, rec.ErrorMessage,
	).Scan(&id)
	if err != nil {
		return 0, sterr.Wrap(err, rec.STID, 0, "append_history")
	}
	return id, nil
}

// RecentHistory returns the last n refresh_history rows for an ST, newest
// first (spec §6 get_refresh_history).
func (s *Store) RecentHistory(ctx queryCtx, q host.Querier, stID int64, n int) ([]*RefreshRecord, error) {
	rows, err := q.Query(ctx, `
		SELECT refresh_id, st_id, data_timestamp, start, "end", action,
		       rows_inserted, rows_deleted, duration_ms, status, initiated_by,
		       COALESCE(error_message, '')
		FROM refresh_history WHERE st_id = $1 ORDER BY refresh_id DESC LIMIT $2`, stID, n)
	if err != nil {
		return nil, sterr.Wrap(err, stID, 0, "get_refresh_history")
	}
	defer rows.Close()

	var out []*RefreshRecord
	for rows.Next() {
		var r RefreshRecord
		if err := rows.Scan(&r.RefreshID, &r.STID, &r.DataTimestamp, &r.Start, &r.End, &r.Action,
			&r.RowsInserted, &r.RowsDeleted, &r.DurationMS, &r.Status, &r.InitiatedBy, &r.ErrorMessage); err != nil {
			return nil, sterr.Wrap(err, stID, 0, "get_refresh_history")
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// PruneHistory deletes refresh_history rows beyond retainCycles per ST
// (SPEC_FULL.md "Refresh-history retention"), mirroring the teacher's
// capped debug-log ring buffer but expressed as a SQL window-function
// delete rather than an in-memory slice trim.
func (s *Store) PruneHistory(ctx queryCtx, q host.Querier, retainCycles int) (int64, error) {
	tag, err := q.Exec(ctx, `
		DELETE FROM refresh_history
		WHERE refresh_id IN (
			SELECT refresh_id FROM (
				SELECT refresh_id,
				       ROW_NUMBER() OVER (PARTITION BY st_id ORDER BY refresh_id DESC) AS rn
				FROM refresh_history
			) ranked WHERE rn > $1
		)`, retainCycles)
	if err != nil {
		return 0, sterr.Wrap(err, 0, 0, "prune_history")
	}
	return tag.RowsAffected(), nil
}

// UpsertChangeTracking creates or updates a source's change_tracking row
// (spec §6 change_tracking).
func (s *Store) UpsertChangeTracking(ctx queryCtx, q host.Querier, ct *ChangeTracking) error {
	_, err := q.Exec(ctx, `
		INSERT INTO change_tracking (source_id, slot_name, last_consumed_lsn, dependents)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (source_id) DO UPDATE SET
			slot_name = EXCLUDED.slot_name,
			last_consumed_lsn = EXCLUDED.last_consumed_lsn,
			dependents = EXCLUDED.dependents`,
		ct.SourceID, ct.SlotName, ct.LastConsumedLSN.String(), ct.Dependents,
	)
	if err != nil {
		return sterr.Wrap(err, 0, ct.SourceID, "upsert_change_tracking")
	}
	return nil
}

// LoadChangeTracking reads a source's change_tracking row.
func (s *Store) LoadChangeTracking(ctx queryCtx, q host.Querier, sourceID int64) (*ChangeTracking, error) {
	var ct ChangeTracking
	var lsnText string
	err := q.QueryRow(ctx, `
		SELECT source_id, slot_name, last_consumed_lsn, dependents
		FROM change_tracking WHERE source_id = $1`, sourceID).
		Scan(&ct.SourceID, &ct.SlotName, &lsnText, &ct.Dependents)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sterr.New(sterr.CodeNotFound, fmt.Sprintf("source %d not tracked", sourceID))
		}
		return nil, sterr.Wrap(err, 0, sourceID, "load_change_tracking")
	}
	lsn, err := host.ParseLSN(lsnText)
	if err != nil {
		return nil, fmt.Errorf("parse last_consumed_lsn for source %d: %w", sourceID, err)
	}
	ct.LastConsumedLSN = lsn
	return &ct, nil
}

func frontierBlob(frontier map[int64]host.LSN) map[int64]string {
	blob := make(map[int64]string, len(frontier))
	for srcID, lsn := range frontier {
		blob[srcID] = lsn.String()
	}
	return blob
}
