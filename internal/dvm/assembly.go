package dvm

import (
	"fmt"
	"strings"
)

// Plan is the compiled output of one refresh cycle's planning step: the
// delta statement to run against the source/buffer tables, and the
// apply statement(s) that land its rows into the stream table (spec
// §4.5 "Delta SQL assembly").
type Plan struct {
	DeltaSQL   string
	ApplySQL   string
	ApplyKind  ApplyKind
	DeleteSQL  string
	UpdateSQL  string
	InsertSQL  string
}

// ApplyKind distinguishes the single MERGE-shaped apply statement from
// the explicit DELETE/UPDATE/INSERT decomposition spec §4.5 requires
// when user_triggers is enabled (so user-defined row triggers on the
// stream table observe ordinary DML instead of a MERGE).
type ApplyKind int

const (
	ApplyMerge ApplyKind = iota
	ApplyDecomposed
)

// AssembleDelta composes every operator's delta CTE into a WITH clause,
// ending in a __delta CTE that projects (action, row_id, columns…) from
// the root's own CTE (spec §4.5 "Delta SQL assembly"). The clause is
// deliberately left without a trailing SELECT: AssembleApply's
// statement(s) are appended after it by the caller so the whole cycle
// runs as one statement with __delta as a sibling CTE, not nested
// inside one of the apply statement's own CTEs.
func AssembleDelta(root *Node, windows map[int64]Window, storageTable string) (string, error) {
	ctes, rootName, err := BuildDelta(root, windows, storageTable)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(ctes)+1)
	for _, c := range ctes {
		parts = append(parts, fmt.Sprintf("%s AS (\n%s\n)", c.Name, c.SQL))
	}
	parts = append(parts, fmt.Sprintf("__delta AS (\n\tSELECT action, row_id, * FROM %s\n)", rootName))
	return fmt.Sprintf("WITH\n%s", strings.Join(parts, ",\n")), nil
}

// AssembleApply builds the statement(s) that materialize a delta result
// set into the stream table's storage relation. With userTriggers off it
// emits a single MERGE keyed on row_id (spec §4.5): D rows delete, I or
// U rows for an existing row_id update, I or U rows for a new row_id
// insert (the join and aggregate delta rules tag updated rows U).
// With userTriggers on it decomposes into three explicit statements so
// user-defined triggers fire per spec §6's user_triggers option.
func AssembleApply(storageTable, deltaCTE string, columns []string, userTriggers bool) Plan {
	colList := strings.Join(columns, ", ")
	setList := make([]string, len(columns))
	for i, c := range columns {
		setList[i] = fmt.Sprintf("%s = src.%s", c, c)
	}

	if !userTriggers {
		merge := fmt.Sprintf(`
			MERGE INTO %s AS tgt
			USING %s AS src
			ON tgt.row_id = src.row_id
			WHEN MATCHED AND src.action = 'D' THEN DELETE
			WHEN MATCHED AND src.action IN ('I', 'U') THEN UPDATE SET %s
			WHEN NOT MATCHED AND src.action IN ('I', 'U') THEN INSERT (row_id, %s) VALUES (src.row_id, %s)`,
			storageTable, deltaCTE, strings.Join(setList, ", "), colList, colList)
		return Plan{ApplyKind: ApplyMerge, ApplySQL: merge}
	}

	del := fmt.Sprintf("DELETE FROM %s WHERE row_id IN (SELECT row_id FROM %s WHERE action = 'D')",
		storageTable, deltaCTE)
	upd := fmt.Sprintf(`
		UPDATE %s AS tgt SET %s
		FROM %s AS src
		WHERE tgt.row_id = src.row_id AND src.action IN ('I', 'U')`,
		storageTable, strings.Join(setList, ", "), deltaCTE)
	ins := fmt.Sprintf(`
		INSERT INTO %s (row_id, %s)
		SELECT src.row_id, %s FROM %s AS src
		WHERE src.action IN ('I', 'U') AND NOT EXISTS (SELECT 1 FROM %s tgt WHERE tgt.row_id = src.row_id)`,
		storageTable, colList, colList, deltaCTE, storageTable)

	return Plan{
		ApplyKind: ApplyDecomposed,
		DeleteSQL: del,
		UpdateSQL: upd,
		InsertSQL: ins,
	}
}

// StorageTableDDL returns the DROP and CREATE statements that recreate a
// stream table's backing relation around whatever columns the current
// recompute query yields. REINITIALIZE uses this instead of a plain
// TRUNCATE because the reason it was triggered is often a dependency's
// schema drifting out from under it (spec §4.3 S6) — truncating leaves
// stale columns behind, while recreating the table from the recompute
// query's own shape picks up the new one.
func StorageTableDDL(storageTable, recomputeSQL string) (drop, create string) {
	drop = fmt.Sprintf("DROP TABLE IF EXISTS %s", storageTable)
	create = fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM (%s) __recomputed WITH NO DATA", storageTable, recomputeSQL)
	return drop, create
}

// CheckChangeRatio reports whether the number of changed rows relative
// to the stream table's current size exceeds differential_max_change_ratio,
// the signal the orchestrator uses to prefer a FULL refresh over a
// DIFFERENTIAL one this cycle (spec §4.6, spec §6
// differential_max_change_ratio).
func CheckChangeRatio(changedRows, currentRows int64, maxRatio float64) bool {
	if currentRows <= 0 {
		return changedRows > 0
	}
	return float64(changedRows)/float64(currentRows) > maxRatio
}
