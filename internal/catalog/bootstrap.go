package catalog

import (
	"context"
	"fmt"

	"github.com/grove/streamtable/internal/host"
)

// Bootstrap creates the engine's catalog schema (spec §6 "Catalog tables
// (schema summary)") and the streamtable.hash_multi SQL function that
// internal/cdc's generated triggers and internal/dvm's generated delta
// SQL both call to compute row-identity hashes (spec §4.1: "a fixed-seed
// 64-bit non-cryptographic hash"). hash_multi is the single, authoritative
// implementation of that hash: trigger-captured changes call it from the
// trigger body (internal/cdc.TriggerFunctionDDL), and WAL-captured changes
// call it from the decoder's generated buffer INSERT, so row identity
// agrees across capture modes without either one recomputing it
// in-process — Postgres's own hashtextextended is exactly the class of
// hash spec §4.1 calls for, with a fixed seed and no collation/encoding
// ambiguity across call sites.
func Bootstrap(ctx context.Context, q host.Querier, schema string) error {
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schema),
		fmt.Sprintf(`
			CREATE OR REPLACE FUNCTION %s.hash_multi(values text[]) RETURNS bigint AS $$
				SELECT hashtextextended(array_to_string(values, chr(30), chr(0)), 0)
			$$ LANGUAGE sql IMMUTABLE PARALLEL SAFE`, schema),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s.stream_tables (
				id bigserial PRIMARY KEY,
				schema text NOT NULL,
				name text NOT NULL,
				defining_query text NOT NULL,
				original_query text NOT NULL,
				schedule text NOT NULL DEFAULT '',
				mode text NOT NULL,
				status text NOT NULL DEFAULT 'INITIALIZING',
				populated boolean NOT NULL DEFAULT false,
				data_timestamp timestamptz NOT NULL DEFAULT 'epoch',
				frontier_blob jsonb NOT NULL DEFAULT '{}',
				last_refresh_at timestamptz,
				consecutive_errors int NOT NULL DEFAULT 0,
				needs_reinit boolean NOT NULL DEFAULT false,
				auto_threshold double precision NOT NULL DEFAULT 0.15,
				last_full_ms bigint NOT NULL DEFAULT 0,
				used_functions text[] NOT NULL DEFAULT '{}',
				created_at timestamptz NOT NULL DEFAULT now(),
				updated_at timestamptz NOT NULL DEFAULT now(),
				UNIQUE (schema, name)
			)`, schema),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s.dependencies (
				st_id bigint NOT NULL REFERENCES %s.stream_tables(id) ON DELETE CASCADE,
				source_id bigint NOT NULL,
				source_kind text NOT NULL,
				columns_used text[] NOT NULL DEFAULT '{}',
				column_snapshot_json jsonb NOT NULL DEFAULT '{}',
				schema_fingerprint text NOT NULL DEFAULT '',
				cdc_mode text NOT NULL DEFAULT 'TRIGGER',
				slot_name text NOT NULL DEFAULT '',
				decoder_confirmed_lsn text NOT NULL DEFAULT '0/0',
				transition_started_at timestamptz,
				PRIMARY KEY (st_id, source_id)
			)`, schema, schema),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s.refresh_history (
				refresh_id bigserial PRIMARY KEY,
				st_id bigint NOT NULL REFERENCES %s.stream_tables(id) ON DELETE CASCADE,
				data_timestamp timestamptz NOT NULL,
				start timestamptz NOT NULL,
				"end" timestamptz NOT NULL,
				action text NOT NULL,
				rows_inserted bigint NOT NULL DEFAULT 0,
				rows_deleted bigint NOT NULL DEFAULT 0,
				duration_ms bigint NOT NULL DEFAULT 0,
				status text NOT NULL,
				initiated_by text NOT NULL,
				error_message text
			)`, schema, schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS refresh_history_st_id_idx ON %s.refresh_history (st_id, refresh_id DESC)`, schema),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s.change_tracking (
				source_id bigint PRIMARY KEY,
				slot_name text NOT NULL DEFAULT '',
				last_consumed_lsn text NOT NULL DEFAULT '0/0',
				dependents bigint[] NOT NULL DEFAULT '{}'
			)`, schema),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s.config (
				key text PRIMARY KEY,
				value text NOT NULL,
				version bigint NOT NULL DEFAULT 1,
				updated_at timestamptz NOT NULL DEFAULT now()
			)`, schema),
	}

	for _, stmt := range stmts {
		if _, err := q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap catalog schema: %w", err)
		}
	}
	return nil
}
