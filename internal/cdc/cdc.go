// Package cdc installs and manages per-source change capture (spec
// §4.3): trigger-mode by default, with an optional transition to
// logical-replication decoding. Both mechanisms write into the same
// uniform buffer schema keyed by LSN (spec §6 "Change buffer layout").
package cdc

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/grove/streamtable/internal/catalog"
	"github.com/grove/streamtable/internal/config"
	"github.com/grove/streamtable/internal/host"
	"github.com/grove/streamtable/internal/sterr"
)

// NewSlotName generates a unique logical replication slot name for a
// (stream table, source) pair transitioning to WAL mode (spec §4.3
// "transition"). Postgres slot names are process-wide and must never
// collide with a slot a previous, since-reverted transition left behind,
// so the suffix is a random id rather than a deterministic one (the same
// role github.com/google/uuid plays for the teacher's session and hook
// ids where no natural key exists).
func NewSlotName(stID, sourceID int64) string {
	return fmt.Sprintf("streamtable_%d_%d_%s", stID, sourceID, strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// Column describes one source column the buffer table must mirror, both
// under its "new_" and "old_" prefixes (spec §6 change buffer layout).
type Column struct {
	Name string
	Type string // host column type, copied verbatim into the buffer DDL
}

// Manager installs and tears down capture for sources, and drives the
// trigger<->decoder transition. It takes a *slog.Logger the way the
// dist-job-scheduler retrieval example's repositories do, tagged with
// its own component name.
type Manager struct {
	engine  *host.Engine
	catalog *catalog.Store
	cfg     *config.Store
	logger  *slog.Logger
}

// NewManager builds a cdc.Manager bound to a live engine.
func NewManager(engine *host.Engine, store *catalog.Store, cfg *config.Store, logger *slog.Logger) *Manager {
	return &Manager{engine: engine, catalog: store, cfg: cfg, logger: logger.With("component", "cdc")}
}

func bufferTableName(schema string, sourceID int64) string {
	return fmt.Sprintf("%s.changes_%d", schema, sourceID)
}

// BufferDDL renders the CREATE TABLE statement for one source's change
// buffer (spec §6 "Change buffer layout"): change_id, lsn, action,
// pk_hash, then new_<col>/old_<col> pairs for every tracked column.
func BufferDDL(changeSchema string, sourceID int64, cols []Column) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", bufferTableName(changeSchema, sourceID))
	b.WriteString("  change_id bigserial PRIMARY KEY,\n")
	b.WriteString("  lsn pg_lsn NOT NULL,\n")
	b.WriteString("  action char(1) NOT NULL CHECK (action IN ('I','U','D','T')),\n")
	b.WriteString("  pk_hash bigint,\n")
	for _, c := range cols {
		fmt.Fprintf(&b, "  new_%s %s,\n", c.Name, c.Type)
		fmt.Fprintf(&b, "  old_%s %s,\n", c.Name, c.Type)
	}
	b.WriteString("  CONSTRAINT changes_action_payload CHECK (\n")
	b.WriteString("    (action = 'I' AND pk_hash IS NOT NULL) OR\n")
	b.WriteString("    (action = 'U' AND pk_hash IS NOT NULL) OR\n")
	b.WriteString("    (action = 'D' AND pk_hash IS NOT NULL) OR\n")
	b.WriteString("    (action = 'T')\n")
	b.WriteString("  )\n")
	b.WriteString(");\n")
	fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS changes_%d_lsn_pk_idx ON %s (lsn, pk_hash, change_id) INCLUDE (action);\n",
		sourceID, bufferTableName(changeSchema, sourceID))
	return b.String()
}

// pkHashExpr builds the pk_hash computation: streamtable.hash_multi over
// the key columns for keyed sources, or over every column for keyless
// ones (spec §4.3 "for keyless sources an all-column content hash is
// used"). streamtable.hash_multi is the bootstrap SQL function (see
// catalog.Bootstrap), installed once per database, so that delta SQL
// generated by internal/dvm and trigger-computed pk_hash values always
// agree on row identity regardless of which capture mode wrote them.
func pkHashExpr(prefix string, keyColumns []string) string {
	if len(keyColumns) == 0 {
		return fmt.Sprintf("streamtable.hash_multi(ARRAY[%s::text])", prefix)
	}
	parts := make([]string, len(keyColumns))
	for i, c := range keyColumns {
		parts[i] = fmt.Sprintf("%s.%s::text", prefix, c)
	}
	return fmt.Sprintf("streamtable.hash_multi(ARRAY[%s])", strings.Join(parts, ", "))
}

// TriggerFunctionDDL renders the per-source trigger function (spec §4.3:
// "generated per source so column lists are static"). It handles all
// three row-level events and writes one change row each.
func TriggerFunctionDDL(changeSchema string, sourceID int64, sourceTable string, allColumns, keyColumns []string) string {
	funcName := fmt.Sprintf("%s.capture_%d()", changeSchema, sourceID)
	buf := bufferTableName(changeSchema, sourceID)

	newCols, newVals := columnLists("NEW", allColumns)
	oldCols, oldVals := columnLists("OLD", allColumns)

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE OR REPLACE FUNCTION %s RETURNS trigger AS $$\n", funcName)
	b.WriteString("BEGIN\n")
	b.WriteString("  IF TG_OP = 'INSERT' THEN\n")
	fmt.Fprintf(&b, "    INSERT INTO %s (lsn, action, pk_hash, %s) VALUES (pg_current_wal_lsn(), 'I', %s, %s);\n",
		buf, newCols, pkHashExpr("NEW", keyColumns), newVals)
	b.WriteString("    RETURN NEW;\n")
	b.WriteString("  ELSIF TG_OP = 'UPDATE' THEN\n")
	fmt.Fprintf(&b, "    INSERT INTO %s (lsn, action, pk_hash, %s, %s) VALUES (pg_current_wal_lsn(), 'U', %s, %s, %s);\n",
		buf, newCols, oldCols, pkHashExpr("NEW", keyColumns), newVals, oldVals)
	b.WriteString("    RETURN NEW;\n")
	b.WriteString("  ELSIF TG_OP = 'DELETE' THEN\n")
	fmt.Fprintf(&b, "    INSERT INTO %s (lsn, action, pk_hash, %s) VALUES (pg_current_wal_lsn(), 'D', %s, %s);\n",
		buf, oldCols, pkHashExpr("OLD", keyColumns), oldVals)
	b.WriteString("    RETURN OLD;\n")
	b.WriteString("  END IF;\n")
	b.WriteString("  RETURN NULL;\n")
	b.WriteString("END;\n")
	b.WriteString("$$ LANGUAGE plpgsql;\n")

	fmt.Fprintf(&b, "DROP TRIGGER IF EXISTS capture_%d_trg ON %s;\n", sourceID, sourceTable)
	fmt.Fprintf(&b, "CREATE TRIGGER capture_%d_trg AFTER INSERT OR UPDATE OR DELETE ON %s\n", sourceID, sourceTable)
	b.WriteString("  FOR EACH ROW EXECUTE FUNCTION " + funcName + ";\n")

	// Statement-level TRUNCATE trigger: a single 'T' marker row (spec §4.3).
	truncFunc := fmt.Sprintf("%s.capture_truncate_%d()", changeSchema, sourceID)
	fmt.Fprintf(&b, "CREATE OR REPLACE FUNCTION %s RETURNS trigger AS $$\n", truncFunc)
	b.WriteString("BEGIN\n")
	fmt.Fprintf(&b, "  INSERT INTO %s (lsn, action) VALUES (pg_current_wal_lsn(), 'T');\n", buf)
	b.WriteString("  RETURN NULL;\n")
	b.WriteString("END;\n")
	b.WriteString("$$ LANGUAGE plpgsql;\n")
	fmt.Fprintf(&b, "DROP TRIGGER IF EXISTS capture_truncate_%d_trg ON %s;\n", sourceID, sourceTable)
	fmt.Fprintf(&b, "CREATE TRIGGER capture_truncate_%d_trg AFTER TRUNCATE ON %s\n", sourceID, sourceTable)
	b.WriteString("  FOR EACH STATEMENT EXECUTE FUNCTION " + truncFunc + ";\n")

	return b.String()
}

func columnLists(prefix string, columns []string) (colList, valList string) {
	cols := make([]string, len(columns))
	vals := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = "new_" + c
		if prefix == "OLD" {
			cols[i] = "old_" + c
		}
		vals[i] = fmt.Sprintf("%s.%s", prefix, c)
	}
	return strings.Join(cols, ", "), strings.Join(vals, ", ")
}

// InstallTrigger creates the buffer table and trigger function/triggers
// for a source (spec §4.3 "Trigger mode (default)"). It writes no
// dependency row; a dependency's cdc_mode is TRIGGER by the catalog
// column default. Failure aborts ST registration (spec §4.3 "Failure
// modes").
func (m *Manager) InstallTrigger(ctx context.Context, tx host.Querier, sourceID int64, sourceTable string, allColumns, keyColumns []string) error {
	changeSchema := m.cfg.Get().ChangeBufferSchema
	cols := make([]Column, len(allColumns))
	for i, c := range allColumns {
		cols[i] = Column{Name: c, Type: "text"} // actual type comes from the host catalog at call time
	}

	ddl := BufferDDL(changeSchema, sourceID, cols) + TriggerFunctionDDL(changeSchema, sourceID, sourceTable, allColumns, keyColumns)
	if _, err := tx.Exec(ctx, ddl); err != nil {
		wrapped := sterr.Wrap(err, 0, sourceID, "install_trigger")
		wrapped.Code = sterr.CodeTriggerInstallFailed
		return wrapped
	}

	m.logger.Info("trigger capture installed", "source_id", sourceID, "source_table", sourceTable)
	return nil
}

// DropCapture tears down a source's trigger, trigger function, and
// buffer table — called when the last dependent ST is dropped (spec §3
// SourceCapture "torn down when last dependent drops").
func (m *Manager) DropCapture(ctx context.Context, tx host.Querier, sourceID int64, sourceTable string) error {
	changeSchema := m.cfg.Get().ChangeBufferSchema
	stmts := []string{
		fmt.Sprintf("DROP TRIGGER IF EXISTS capture_%d_trg ON %s", sourceID, sourceTable),
		fmt.Sprintf("DROP TRIGGER IF EXISTS capture_truncate_%d_trg ON %s", sourceID, sourceTable),
		fmt.Sprintf("DROP FUNCTION IF EXISTS %s.capture_%d()", changeSchema, sourceID),
		fmt.Sprintf("DROP FUNCTION IF EXISTS %s.capture_truncate_%d()", changeSchema, sourceID),
		fmt.Sprintf("DROP TABLE IF EXISTS %s", bufferTableName(changeSchema, sourceID)),
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return sterr.Wrap(err, 0, sourceID, "drop_capture")
		}
	}
	return nil
}

// PendingWindow describes the (low, high] LSN window a refresh should
// consume from one source's buffer.
type PendingWindow struct {
	SourceID int64
	Low      host.LSN
	High     host.LSN
	// Truncated is set when any 'T' marker falls within the window — the
	// orchestrator treats this as "fall back to full refresh" (spec §4.3).
	Truncated bool
}

// ScanWindow reports the buffer state for (low, high] on one source:
// whether a TRUNCATE marker appears, and how many change rows are
// pending, used by the orchestrator's adaptive-threshold estimate (spec
// §4.6 "estimate change ratio").
func (m *Manager) ScanWindow(ctx context.Context, q host.Querier, sourceID int64, low, high host.LSN) (rowCount int64, truncated bool, err error) {
	changeSchema := m.cfg.Get().ChangeBufferSchema
	buf := bufferTableName(changeSchema, sourceID)
	row := q.QueryRow(ctx, fmt.Sprintf(`
		SELECT count(*) FILTER (WHERE action <> 'T'), count(*) FILTER (WHERE action = 'T') > 0
		FROM %s WHERE lsn > $1 AND lsn <= $2`, buf), low.String(), high.String())
	if err := row.Scan(&rowCount, &truncated); err != nil {
		return 0, false, sterr.Wrap(err, 0, sourceID, "scan_window")
	}
	return rowCount, truncated, nil
}

// Cleanup removes consumed change rows after a successful refresh (spec
// §4.3 "Buffer cleanup"). When useTruncate is set and no other
// dependent retains a lower frontier, TRUNCATE replaces DELETE.
func (m *Manager) Cleanup(ctx context.Context, q host.Querier, sourceID int64, high host.LSN, wholeTableConsumed, useTruncate bool) error {
	changeSchema := m.cfg.Get().ChangeBufferSchema
	buf := bufferTableName(changeSchema, sourceID)
	if wholeTableConsumed && useTruncate {
		_, err := q.Exec(ctx, fmt.Sprintf("TRUNCATE %s", buf))
		if err != nil {
			return sterr.Wrap(err, 0, sourceID, "cleanup_truncate")
		}
		return nil
	}
	_, err := q.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE lsn <= $1", buf), high.String())
	if err != nil {
		return sterr.Wrap(err, 0, sourceID, "cleanup_delete")
	}
	return nil
}

// SlotHealth is the slot_health() observational payload for one WAL-mode
// dependency (spec §6 observational entry points). Modeled on the
// checksum/staleness snapshot idiom in the richcatalog retrieval example
// (DBCatalog.snap / Checksum), retargeted from "catalog cache staleness"
// to "replication slot lag."
type SlotHealth struct {
	SlotName     string
	ConfirmedLSN host.LSN
	RestartLSN   host.LSN
	LagBytes     int64
	Active       bool
}

// CDCHealthReport is the check_cdc_health() observational payload for one
// dependency, covering both capture modes (spec §6 observational entry
// points).
type CDCHealthReport struct {
	SourceID            int64
	Mode                catalog.CDCMode
	BufferRowCount      int64
	OldestUnconsumedLSN host.LSN
	SchemaDrift         bool
}

// SlotHealth reports a WAL-mode dependency's current replication slot
// lag. current is the host's present LSN, used to compute LagBytes
// against the slot's confirmed_flush_lsn.
func (m *Manager) SlotHealth(ctx context.Context, q host.Querier, slotName string, current host.LSN) (SlotHealth, error) {
	var confirmed, restart string
	var active bool
	err := q.QueryRow(ctx, `
		SELECT confirmed_flush_lsn::text, restart_lsn::text, active
		FROM pg_replication_slots WHERE slot_name = $1`, slotName).Scan(&confirmed, &restart, &active)
	if err != nil {
		return SlotHealth{}, sterr.Wrap(err, 0, 0, "slot_health")
	}
	confirmedLSN, err := host.ParseLSN(confirmed)
	if err != nil {
		return SlotHealth{}, sterr.Wrap(err, 0, 0, "slot_health_parse_confirmed")
	}
	restartLSN, err := host.ParseLSN(restart)
	if err != nil {
		return SlotHealth{}, sterr.Wrap(err, 0, 0, "slot_health_parse_restart")
	}
	return SlotHealth{
		SlotName:     slotName,
		ConfirmedLSN: confirmedLSN,
		RestartLSN:   restartLSN,
		LagBytes:     int64(current) - int64(confirmedLSN),
		Active:       active,
	}, nil
}

// HealthReport builds check_cdc_health()'s per-dependency payload,
// covering trigger-mode buffer backlog and, once a slot exists, WAL-mode
// decoder lag. schemaDrift is supplied by the caller (ddlhooks owns
// fingerprint comparison, not cdc).
func (m *Manager) HealthReport(ctx context.Context, q host.Querier, dep *catalog.Dependency, schemaDrift bool) (CDCHealthReport, error) {
	changeSchema := m.cfg.Get().ChangeBufferSchema
	buf := bufferTableName(changeSchema, dep.SourceID)
	var rowCount int64
	var oldest *string
	err := q.QueryRow(ctx, fmt.Sprintf(`SELECT count(*), min(lsn)::text FROM %s`, buf)).Scan(&rowCount, &oldest)
	if err != nil {
		return CDCHealthReport{}, sterr.Wrap(err, 0, dep.SourceID, "cdc_health_buffer")
	}
	var oldestLSN host.LSN
	if oldest != nil {
		oldestLSN, err = host.ParseLSN(*oldest)
		if err != nil {
			return CDCHealthReport{}, sterr.Wrap(err, 0, dep.SourceID, "cdc_health_parse_oldest")
		}
	}
	return CDCHealthReport{
		SourceID:            dep.SourceID,
		Mode:                dep.CDCMode,
		BufferRowCount:      rowCount,
		OldestUnconsumedLSN: oldestLSN,
		SchemaDrift:         schemaDrift,
	}, nil
}

// ---- Decoder-mode transition (spec §4.3 "Decoder mode (optional)") ----

// DecoderProcess describes a logical-replication consumer subprocess the
// way the teacher's git.Manager describes git subcommands: the client
// binary, the slot it reads, and the connection string. It holds no
// output buffers or working directory; execCapture captures a tool's
// output when one is run.
type DecoderProcess struct {
	binary   string // e.g. "pg_recvlogical"
	slotName string
	dsn      string
}

// NewDecoderProcess points at the host's logical-decoding client binary.
func NewDecoderProcess(binary, slotName, dsn string) *DecoderProcess {
	return &DecoderProcess{binary: binary, slotName: slotName, dsn: dsn}
}

// ConfirmedLSN polls the subprocess's reported confirmed_flush_lsn by
// querying pg_replication_slots directly rather than parsing subprocess
// output, since the slot's confirmed LSN is host-tracked state.
func (m *Manager) ConfirmedLSN(ctx context.Context, q host.Querier, slotName string) (host.LSN, error) {
	var s string
	err := q.QueryRow(ctx, `SELECT confirmed_flush_lsn::text FROM pg_replication_slots WHERE slot_name = $1`, slotName).Scan(&s)
	if err != nil {
		return 0, sterr.Wrap(err, 0, 0, "confirmed_lsn")
	}
	return host.ParseLSN(s)
}

// BeginTransition mints a fresh slot name and starts the TRIGGER-to-WAL
// transition for one dependency (spec §4.3 transition step 1-2). It is
// the entry point the scheduler uses when config.CDCModePreference
// allows a dependency to move off trigger-based capture; callers that
// already hold a slot name from a prior, interrupted attempt should call
// StartTransition directly instead of minting a new one.
func (m *Manager) BeginTransition(ctx context.Context, q host.Querier, store *catalog.Store, stID, sourceID int64) (slotName string, err error) {
	slotName = NewSlotName(stID, sourceID)
	if err := m.StartTransition(ctx, q, store, stID, sourceID, slotName); err != nil {
		return "", err
	}
	return slotName, nil
}

// StartTransition creates a replication slot and marks the dependency
// TRANSITIONING (spec §4.3 transition step 1-2).
func (m *Manager) StartTransition(ctx context.Context, q host.Querier, store *catalog.Store, stID, sourceID int64, slotName string) error {
	_, err := q.Exec(ctx, `SELECT pg_create_logical_replication_slot($1, 'pgoutput')`, slotName)
	if err != nil {
		return sterr.Wrap(err, stID, sourceID, "start_transition")
	}
	now := time.Now()
	dep := &catalog.Dependency{STID: stID, SourceID: sourceID, CDCMode: catalog.CDCTransitioning,
		SlotName: slotName, TransitionStartedAt: &now}
	return store.RegisterDependency(ctx, q, dep)
}

// AwaitTransition polls until the decoder's confirmed LSN reaches
// installLSN or the configured timeout elapses (spec §4.3 step: "wait
// until decoder's confirmed LSN >= slot installation LSN, within a
// timeout"). On timeout it reverts to trigger mode and returns a
// CodeDecoderLagTimeout error; the caller emits cdc_transition_failed.
func (m *Manager) AwaitTransition(ctx context.Context, q host.Querier, store *catalog.Store, stID, sourceID int64, slotName string, installLSN host.LSN, pollEvery time.Duration) error {
	deadline := time.Now().Add(time.Duration(m.cfg.Get().WALTransitionTimeoutS) * time.Second)
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			confirmed, err := m.ConfirmedLSN(ctx, q, slotName)
			if err != nil {
				return err
			}
			if confirmed >= installLSN {
				return nil
			}
			if time.Now().After(deadline) {
				m.logger.Warn("decoder lag timeout, reverting to trigger", "source_id", sourceID, "slot", slotName)
				if _, err := q.Exec(ctx, `
					UPDATE dependencies SET cdc_mode = 'TRIGGER', slot_name = '', transition_started_at = NULL
					WHERE st_id = $1 AND source_id = $2`, stID, sourceID); err != nil {
					return sterr.Wrap(err, stID, sourceID, "revert_transition")
				}
				return sterr.New(sterr.CodeDecoderLagTimeout,
					fmt.Sprintf("decoder for source %d did not catch up to %s within timeout", sourceID, installLSN))
			}
		}
	}
}

// execCapture runs a decoder-adjacent CLI tool and captures its output
// the way the teacher's git.Manager.exec does, for diagnostics only —
// the engine never parses subprocess stdout for correctness, only the
// host's own catalog views (pg_replication_slots).
func execCapture(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%s: %s", strings.Join(append([]string{name}, args...), " "), msg)
	}
	return stdout.String(), nil
}
