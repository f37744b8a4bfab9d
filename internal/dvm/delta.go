package dvm

import (
	"fmt"
	"strings"
)

// Window is the (low, high] LSN range, as host-side text tokens, that a
// Scan delta reads from its source's change buffer (spec §4.5 Scan row;
// spec GLOSSARY "Change window").
type Window struct {
	ChangeSchema string
	SourceID     int64
	Low          string // pg_lsn text
	High         string // pg_lsn text
}

func (w Window) bufferTable() string {
	return fmt.Sprintf("%s.changes_%d", w.ChangeSchema, w.SourceID)
}

// CTE is one named common-table-expression contributed by a single
// operator's delta rule. The final statement concatenates every CTE and
// projects the root's output (spec §4.5 "Delta SQL assembly").
type CTE struct {
	Name string
	SQL  string
}

// BuildDelta walks the tree bottom-up and returns the ordered list of
// CTEs needed to express the root's delta, plus the name of the CTE
// holding the root's own delta rows. windows maps each Scan's SourceID
// to its consumed window. storageTable is the stream table's own
// backing relation — the rules that classify a changed row as an
// update-vs-insert-vs-delete by diffing a recompute against the prior
// image read it directly, rather than inventing a relation no CTE in
// the list defines.
func BuildDelta(root *Node, windows map[int64]Window, storageTable string) ([]CTE, string, error) {
	var ctes []CTE
	seen := map[int]bool{}

	var walk func(*Node) error
	walk = func(n *Node) error {
		if n == nil || seen[n.ID] {
			return nil
		}
		for _, c := range n.Children {
			if err := walk(c); err != nil {
				return err
			}
		}
		if n.BaseCase != nil {
			if err := walk(n.BaseCase); err != nil {
				return err
			}
		}
		if n.RecursiveCase != nil {
			if err := walk(n.RecursiveCase); err != nil {
				return err
			}
		}
		cte, err := deltaRuleFor(n, windows, storageTable)
		if err != nil {
			return err
		}
		ctes = append(ctes, cte)
		seen[n.ID] = true
		return nil
	}
	if err := walk(root); err != nil {
		return nil, "", err
	}
	return ctes, deltaCTEName(root), nil
}

// deltaRuleFor dispatches to the operator's delta rule (spec §4.5
// "Operator catalogue and delta rules"). This is the total function over
// the closed Kind enumeration that spec §9 calls for.
func deltaRuleFor(n *Node, windows map[int64]Window, storageTable string) (CTE, error) {
	name := deltaCTEName(n)
	switch n.Kind {
	case KindScan:
		return CTE{Name: name, SQL: scanDelta(n, windows)}, nil

	case KindFilter:
		child := deltaCTEName(n.Children[0])
		return CTE{Name: name, SQL: fmt.Sprintf(
			"SELECT * FROM %s WHERE %s", child, n.Predicate)}, nil

	case KindProject:
		child := deltaCTEName(n.Children[0])
		return CTE{Name: name, SQL: fmt.Sprintf(
			"SELECT action, row_id, %s FROM %s", projectList(n.Attrs), child)}, nil

	case KindInnerJoin:
		return CTE{Name: name, SQL: innerJoinDelta(n)}, nil

	case KindLeftJoin:
		return CTE{Name: name, SQL: leftJoinDelta(n, storageTable)}, nil

	case KindFullJoin:
		return CTE{Name: name, SQL: fullJoinDelta(n, storageTable)}, nil

	case KindAggregate:
		return CTE{Name: name, SQL: aggregateDelta(n, storageTable)}, nil

	case KindDistinct:
		return CTE{Name: name, SQL: distinctDelta(n)}, nil

	case KindUnionAll:
		parts := make([]string, len(n.Children))
		for i, c := range n.Children {
			parts[i] = fmt.Sprintf("SELECT * FROM %s", deltaCTEName(c))
		}
		return CTE{Name: name, SQL: strings.Join(parts, "\nUNION ALL\n")}, nil

	case KindIntersect:
		return CTE{Name: name, SQL: setOpDelta(n, "LEAST")}, nil

	case KindExcept:
		return CTE{Name: name, SQL: setOpDelta(n, "GREATEST_ZERO")}, nil

	case KindSemiJoin:
		return CTE{Name: name, SQL: semiAntiJoinDelta(n, storageTable, true)}, nil

	case KindAntiJoin:
		return CTE{Name: name, SQL: semiAntiJoinDelta(n, storageTable, false)}, nil

	case KindScalarSubquery:
		return CTE{Name: name, SQL: scalarSubqueryDelta(n, storageTable)}, nil

	case KindWindow:
		return CTE{Name: name, SQL: windowDelta(n)}, nil

	case KindLateralFunction, KindLateralSubquery:
		return CTE{Name: name, SQL: lateralDelta(n)}, nil

	case KindSubquery:
		child := deltaCTEName(n.Children[0])
		return CTE{Name: name, SQL: fmt.Sprintf("SELECT * FROM %s", child)}, nil

	case KindCteScan:
		return CTE{Name: name, SQL: fmt.Sprintf("SELECT * FROM %s", n.Alias)}, nil

	case KindRecursiveCte:
		return CTE{Name: name, SQL: recursiveCteDelta(n)}, nil

	default:
		return CTE{}, fmt.Errorf("dvm: no delta rule registered for %s", n.Kind)
	}
}

// rowIDExpr is the same row-identity hash cdc.pkHashExpr computes
// server-side for trigger- and WAL-captured changes, so a recomputed
// row and its change-buffer counterpart agree on row_id regardless of
// which path produced it. prefix is the relation alias the key columns
// (or, for a keyless source, the whole row) are read through.
func rowIDExpr(prefix string, keyColumns []string) string {
	if len(keyColumns) == 0 {
		return fmt.Sprintf("streamtable.hash_multi(ARRAY[%s::text])", prefix)
	}
	parts := make([]string, len(keyColumns))
	for i, c := range keyColumns {
		parts[i] = fmt.Sprintf("%s.%s::text", prefix, c)
	}
	return fmt.Sprintf("streamtable.hash_multi(ARRAY[%s])", strings.Join(parts, ", "))
}

// recomputeRows wraps a from-scratch recompute of n with a row_id
// column, so it can be correlated against the node's own delta CTE and
// against storageTable by identity rather than by position.
func recomputeRows(n *Node) string {
	return fmt.Sprintf("SELECT %s AS row_id, __cur.* FROM (\n%s\n) __cur",
		rowIDExpr("__cur", n.KeyColumns), EmitRecompute(n))
}

// scanDelta reads the (low, high] window from the source's change
// buffer and collapses per-PK sequences to their net effect (spec §4.5
// Scan row): an I followed by a D cancels, a run ending in U becomes an
// I of the final image, a run ending in D becomes a D. The payload
// columns are read individually rather than through a wildcard, since
// Postgres has no COALESCE(new_*, old_*) row-wildcard form — new_<col>
// holds the post-image and old_<col> the pre-image, and a delete row
// carries only the latter.
func scanDelta(n *Node, windows map[int64]Window) string {
	w := windows[n.SourceID]
	cols := n.Schema
	if len(cols) == 0 {
		cols = n.KeyColumns
	}
	payload := ""
	if len(cols) > 0 {
		parts := make([]string, len(cols))
		for i, c := range cols {
			parts[i] = fmt.Sprintf("COALESCE(new_%s, old_%s) AS %s", c, c, c)
		}
		payload = ",\n\t\t       " + strings.Join(parts, ",\n\t\t       ")
	}
	outer := "action, row_id"
	if len(cols) > 0 {
		outer += ", " + strings.Join(cols, ", ")
	}
	return fmt.Sprintf(`
		SELECT %s FROM (
		SELECT DISTINCT ON (pk_hash)
		       CASE WHEN action = 'D' THEN 'D' ELSE 'I' END AS action,
		       pk_hash AS row_id%s,
		       first_value(action) OVER (PARTITION BY pk_hash ORDER BY change_id) AS __first_action,
		       action AS __last_action
		FROM %s
		WHERE lsn > %s AND lsn <= %s AND action <> 'T'
		ORDER BY pk_hash, change_id DESC
		) __net
		WHERE NOT (__first_action = 'I' AND __last_action = 'D')`,
		outer, payload, w.bufferTable(), quoteLSN(w.Low), quoteLSN(w.High))
}

func quoteLSN(s string) string {
	if s == "" {
		return "'0/0'"
	}
	return "'" + s + "'"
}

// innerJoinDelta implements (ΔL ⋈ R') ⊎ (L' ⋈ ΔR) with a
// not-in-the-other-delta guard on the second branch to avoid
// double-counting rows that changed on both sides within the same
// window (spec §4.5 InnerJoin row). Both branches join against a fresh
// recompute of the other side — not the other side's own delta CTE —
// aliased l/r to match JoinCondition's literal column references, which
// is EmitRecompute's own join-aliasing convention (see recompute.go).
func innerJoinDelta(n *Node) string {
	l, r := deltaCTEName(n.Children[0]), deltaCTEName(n.Children[1])
	rCur, lCur := EmitRecompute(n.Children[1]), EmitRecompute(n.Children[0])
	return fmt.Sprintf(`
		SELECT l.action, l.row_id, l.* FROM %s l JOIN (%s) r ON %s
		UNION ALL
		SELECT r.action, r.row_id, r.* FROM %s r JOIN (%s) l ON %s
		  WHERE NOT EXISTS (SELECT 1 FROM %s dl2 WHERE dl2.row_id = r.row_id)`,
		l, rCur, n.JoinCondition,
		r, lCur, n.JoinCondition,
		l)
}

// leftJoinDelta recomputes the keys on the left side touched either by
// ΔL directly or by a ΔR row that correlates through JoinCondition,
// then diffs the fresh join output for those keys against storageTable
// to classify each affected output row as inserted, updated, or deleted
// (spec §4.5 LeftJoin row) — the DRed-style approach spec §9 calls the
// general mechanism for joins where a simple insert/remove union isn't
// enough to cover null-padding transitions.
func leftJoinDelta(n *Node, storageTable string) string {
	left, right := n.Children[0], n.Children[1]
	leftCTE, rightCTE := deltaCTEName(left), deltaCTEName(right)
	leftKeyHash := rowIDExpr("l", left.KeyColumns)
	newRowID := rowIDExpr("__new", left.KeyColumns)
	return fmt.Sprintf(`
		WITH __affected_left_keys AS (
			SELECT row_id AS key FROM %s
			UNION
			SELECT %s AS key FROM (%s) l JOIN %s r ON %s
		),
		__new_rows AS (
			SELECT %s AS row_id, __new.*
			FROM (%s) __new
			WHERE %s IN (SELECT key FROM __affected_left_keys)
		)
		SELECT 'D' AS action, tgt.row_id, tgt.*
		FROM %s tgt
		WHERE tgt.row_id IN (SELECT key FROM __affected_left_keys)
		  AND tgt.row_id NOT IN (SELECT row_id FROM __new_rows)
		UNION ALL
		SELECT
			CASE WHEN EXISTS (SELECT 1 FROM %s tgt WHERE tgt.row_id = nr.row_id)
			     THEN 'U' ELSE 'I' END AS action,
			nr.*
		FROM __new_rows nr`,
		leftCTE,
		leftKeyHash, EmitRecompute(left), rightCTE, n.JoinCondition,
		newRowID, EmitRecompute(n), newRowID,
		storageTable,
		storageTable)
}

// fullJoinDelta is leftJoinDelta's affected-key-recompute-and-diff
// pattern made symmetric: affected row identities come from ΔL, ΔR, and
// both correlation directions between one side's delta and the other's
// current snapshot, and the recomputed rows are diffed against
// storageTable the same way (spec §4.5 FullJoin row).
func fullJoinDelta(n *Node, storageTable string) string {
	left, right := n.Children[0], n.Children[1]
	leftCTE, rightCTE := deltaCTEName(left), deltaCTEName(right)
	leftKeyHash := rowIDExpr("l", left.KeyColumns)
	rightKeyHash := rowIDExpr("r", right.KeyColumns)
	combinedKeys := append(append([]string{}, left.KeyColumns...), right.KeyColumns...)
	newRowID := rowIDExpr("__new", combinedKeys)
	return fmt.Sprintf(`
		WITH __affected_keys AS (
			SELECT row_id AS key FROM %s
			UNION
			SELECT row_id AS key FROM %s
			UNION
			SELECT %s AS key FROM (%s) l JOIN %s r ON %s
			UNION
			SELECT %s AS key FROM (%s) r JOIN %s l ON %s
		),
		__new_rows AS (
			SELECT %s AS row_id, __new.*
			FROM (%s) __new
			WHERE %s IN (SELECT key FROM __affected_keys)
		)
		SELECT 'D' AS action, tgt.row_id, tgt.*
		FROM %s tgt
		WHERE tgt.row_id IN (SELECT key FROM __affected_keys)
		  AND tgt.row_id NOT IN (SELECT row_id FROM __new_rows)
		UNION ALL
		SELECT
			CASE WHEN EXISTS (SELECT 1 FROM %s tgt WHERE tgt.row_id = nr.row_id)
			     THEN 'U' ELSE 'I' END AS action,
			nr.*
		FROM __new_rows nr`,
		leftCTE,
		rightCTE,
		leftKeyHash, EmitRecompute(left), rightCTE, n.JoinCondition,
		rightKeyHash, EmitRecompute(right), leftCTE, n.JoinCondition,
		newRowID, EmitRecompute(n), newRowID,
		storageTable,
		storageTable)
}

// aggregateDelta identifies affected groups from the union of keys in
// the child delta, recomputes only those groups from a fresh scan of
// the source, and classifies each recomputed group as inserted,
// updated, or vanished by diffing against storageTable — group-rescan
// aggregates (e.g. string_agg) have no incremental shortcut, so every
// affected group is fully recomputed regardless of aggregate class
// (spec §4.5 Aggregate row; spec §9 "Reference counting in
// aggregates").
func aggregateDelta(n *Node, storageTable string) string {
	child := deltaCTEName(n.Children[0])
	groupKeyHash := "streamtable.hash_multi(ARRAY[" + hashArgs(n.GroupBy) + "])"

	return fmt.Sprintf(`
		WITH affected_groups AS (
			SELECT DISTINCT %s AS group_key FROM %s
		),
		__source_rows AS (
			%s
		),
		group_recompute AS (
			SELECT %s AS group_key, %s
			FROM __source_rows
			WHERE %s IN (SELECT group_key FROM affected_groups)
			GROUP BY %s
		)
		SELECT
			CASE WHEN EXISTS (SELECT 1 FROM %s __prior WHERE __prior.row_id = group_recompute.group_key)
			     THEN 'U' ELSE 'I' END AS action,
			group_key AS row_id,
			group_recompute.*
		FROM group_recompute
		UNION ALL
		SELECT 'D' AS action, __prior.row_id, __prior.*
		FROM %s __prior
		WHERE __prior.row_id IN (SELECT group_key FROM affected_groups)
		  AND __prior.row_id NOT IN (SELECT group_key FROM group_recompute)`,
		groupKeyHash, child,
		EmitRecompute(n.Children[0]),
		groupKeyHash, aggregateList(n.Aggregates),
		groupKeyHash, groupKeyHash,
		storageTable,
		storageTable)
}

func hashArgs(cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = c + "::text"
	}
	return strings.Join(parts, ", ")
}

// distinctDelta maintains a hidden per-row multiplicity counter, firing
// '+' on 0→≥1 and '−' on ≥1→0 (spec §4.5 Distinct row).
func distinctDelta(n *Node) string {
	child := deltaCTEName(n.Children[0])
	return fmt.Sprintf(`
		SELECT
			CASE WHEN new_mult = 0 THEN 'D' WHEN old_mult = 0 THEN 'I' ELSE NULL END AS action,
			row_id, cols
		FROM (
			SELECT row_id, cols,
			       sum(CASE WHEN action = 'D' THEN -1 ELSE 1 END) OVER (PARTITION BY row_id) AS new_mult,
			       0 AS old_mult
			FROM %s
		) __multiplicities
		WHERE new_mult = 0 OR old_mult = 0`, child)
}

// setOpDelta implements Intersect/Except via hidden per-branch
// multiplicities and boundary crossings of min(cL,cR) (intersect) or
// max(0, cL-cR) (except) (spec §4.5 Intersect/Except row).
func setOpDelta(n *Node, mode string) string {
	l, r := deltaCTEName(n.Children[0]), deltaCTEName(n.Children[1])
	combine := "LEAST(cl, cr)"
	if mode == "GREATEST_ZERO" {
		combine = "GREATEST(0, cl - cr)"
	}
	return fmt.Sprintf(`
		SELECT row_id,
		       CASE WHEN new_effective = 0 THEN 'D' WHEN old_effective = 0 THEN 'I' ELSE NULL END AS action
		FROM (
			SELECT row_id,
			       %s AS new_effective,
			       0 AS old_effective
			FROM (SELECT row_id, count(*) AS cl FROM %s GROUP BY row_id) l
			FULL JOIN (SELECT row_id, count(*) AS cr FROM %s GROUP BY row_id) r USING (row_id)
		) __boundary
		WHERE new_effective = 0 OR old_effective = 0`, combine, l, r)
}

// semiAntiJoinDelta has two parts (spec §4.5 SemiJoin/AntiJoin row): (a)
// changed outer rows filtered by existence against a fresh inner
// recompute, and (b) existing outer rows — recomputed fresh, since an
// outer row's own columns may be unchanged while its existence
// predicate flips — whose existence against the inner side now
// disagrees with the row storageTable already holds for them.
func semiAntiJoinDelta(n *Node, storageTable string, semi bool) string {
	outer, inner := n.Children[0], n.Children[1]
	outerDelta := deltaCTEName(outer)
	innerRecompute := EmitRecompute(inner)
	exists, notExists := "EXISTS", "NOT EXISTS"
	if !semi {
		exists, notExists = notExists, exists
	}
	return fmt.Sprintf(`
		WITH __outer_current AS (
			%s
		)
		SELECT d.* FROM %s d
		WHERE %s (SELECT 1 FROM (%s) r WHERE %s)
		UNION ALL
		SELECT
			CASE WHEN %s (SELECT 1 FROM (%s) r WHERE %s) THEN 'I' ELSE 'D' END AS action,
			o.*
		FROM __outer_current o
		WHERE o.row_id NOT IN (SELECT row_id FROM %s)
		  AND (EXISTS (SELECT 1 FROM (%s) r WHERE %s)
		       <> EXISTS (SELECT 1 FROM %s __prior WHERE __prior.row_id = o.row_id))`,
		recomputeRows(outer),
		outerDelta, exists, innerRecompute, n.JoinCondition,
		exists, innerRecompute, n.JoinCondition,
		outerDelta,
		innerRecompute, n.JoinCondition, storageTable)
}

// scalarSubqueryDelta has two parts (spec §4.5 ScalarSubquery row): the
// outer delta carrying the current scalar value, and a full
// delete-then-insert re-emit of any row whose scalar value changed even
// though the row itself didn't appear in the outer delta. __current
// recomputes the outer side fresh so the 'D' row can still report the
// (now-stale) scalar value storageTable held for it.
func scalarSubqueryDelta(n *Node, storageTable string) string {
	child := deltaCTEName(n.Children[0])
	return fmt.Sprintf(`
		WITH __current AS (
			%s
		),
		__scalar_changed AS (
			SELECT c.row_id, __prior.__scalar AS __old_scalar
			FROM __current c
			JOIN %s __prior ON __prior.row_id = c.row_id
			WHERE __prior.__scalar IS DISTINCT FROM (%s)
		)
		SELECT d.*, (%s) AS __scalar FROM %s d
		UNION ALL
		SELECT 'D' AS action, c.*, sc.__old_scalar AS __scalar
		FROM __scalar_changed sc JOIN __current c ON c.row_id = sc.row_id
		UNION ALL
		SELECT 'I' AS action, c.*, (%s) AS __scalar
		FROM __scalar_changed sc JOIN __current c ON c.row_id = sc.row_id`,
		recomputeRows(n.Children[0]),
		storageTable, n.ScalarExpr,
		n.ScalarExpr, child,
		n.ScalarExpr)
}

// windowDelta identifies affected partitions from the child delta and
// recomputes every row in those partitions end-to-end, since a window
// function's value over one row can depend on any other row sharing its
// partition (spec §4.5 Window row).
func windowDelta(n *Node) string {
	child := deltaCTEName(n.Children[0])
	return fmt.Sprintf(`
		WITH affected_partitions AS (
			SELECT DISTINCT %s AS partition_key FROM %s
		),
		__source_rows AS (
			%s
		)
		SELECT 'I' AS action, %s AS row_id, __source_rows.*, %s AS __window_value
		FROM __source_rows
		WHERE %s IN (SELECT partition_key FROM affected_partitions)`,
		joinCols(n.PartitionBy), child,
		EmitRecompute(n.Children[0]),
		rowIDExpr("__source_rows", n.Children[0].KeyColumns), n.WindowExpr,
		joinCols(n.PartitionBy))
}

// lateralDelta deletes old expansion rows derived from each changed
// outer row and re-executes the lateral expansion for it (spec §4.5
// LateralFunction/LateralSubquery row).
func lateralDelta(n *Node) string {
	child := deltaCTEName(n.Children[0])
	return fmt.Sprintf(`
		WITH __changed_outer AS (
			SELECT row_id FROM %s
		),
		__new_expansion AS (
			SELECT __c.row_id AS outer_row_id, __l.*
			FROM %s __c, LATERAL (%s) __l
			WHERE __c.row_id IN (SELECT row_id FROM __changed_outer)
		)
		SELECT 'D' AS action, row_id FROM __changed_outer
		UNION ALL
		SELECT 'I' AS action, * FROM __new_expansion`,
		child, child, n.LateralExpr)
}

// recursiveCteDelta expresses the semi-naive fixpoint over the base
// case's delta (spec §4.5 RecursiveCte row; GLOSSARY "Semi-naive
// evaluation"). It is the only strategy emitted: no Delete-and-Rederive
// or full-recomputation-diff variant is chosen for mixed-sign deltas or
// for output columns that differ from storage columns.
func recursiveCteDelta(n *Node) string {
	base := deltaCTEName(n.BaseCase)
	return fmt.Sprintf(`
		-- semi-naive fixpoint over the base case's delta
		WITH RECURSIVE %s_delta AS (
			SELECT * FROM %s
			UNION ALL
			SELECT r.* FROM %s_delta d, LATERAL (%s) r
		)
		SELECT * FROM %s_delta`, n.CteName, base, n.CteName, EmitRecompute(n.RecursiveCase), n.CteName)
}
