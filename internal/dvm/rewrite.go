package dvm

import (
	"fmt"

	"github.com/grove/streamtable/internal/sterr"
)

// RewriteOptions bounds the configurable rewrite passes (spec §4.5
// "Rewrite passes"): view-inlining depth and the GROUPING SETS branch
// cap.
type RewriteOptions struct {
	MaxViewInlineDepth int // default 10
	MaxGroupingBranches int // default 64
}

// DefaultRewriteOptions matches the defaults spec §4.5 names inline.
func DefaultRewriteOptions() RewriteOptions {
	return RewriteOptions{MaxViewInlineDepth: 10, MaxGroupingBranches: 64}
}

// ViewDefLookup resolves a view's qualified name to its defining SQL
// text and whether it is materialized or a foreign table — the host
// catalog facts the view-inlining pass needs (spec §4.5 rewrite 1).
type ViewDefLookup func(qualifiedName string) (defSQL string, isMaterialized bool, isForeign bool, found bool)

// InlineViews textually expands every referenced regular view to a fixed
// point, rejecting materialized views and foreign tables in
// differential mode (spec §4.5 rewrite pass 1). It operates on raw SQL
// text because view inlining happens before the host re-parses the
// expanded query into the tree this package builds its Node graph from.
func InlineViews(query string, lookup ViewDefLookup, differential bool, opts RewriteOptions, refs []string) (string, error) {
	expanded := query
	for depth := 0; depth < opts.MaxViewInlineDepth; depth++ {
		before := expanded
		for _, ref := range refs {
			def, isMat, isForeign, found := lookup(ref)
			if !found {
				continue
			}
			if differential && isMat {
				return "", sterr.New(sterr.CodeUnsupportedConstruct,
					fmt.Sprintf("materialized view %q cannot be inlined in differential mode", ref))
			}
			if differential && isForeign {
				return "", sterr.New(sterr.CodeUnsupportedConstruct,
					fmt.Sprintf("foreign table %q cannot be referenced in differential mode", ref))
			}
			if def != "" {
				expanded = replaceRef(expanded, ref, def)
			}
		}
		if expanded == before {
			return expanded, nil
		}
	}
	return "", sterr.New(sterr.CodeUnsupportedConstruct,
		fmt.Sprintf("view inlining did not reach a fixed point within %d levels", opts.MaxViewInlineDepth))
}

// replaceRef is a placeholder textual substitution; the host's parser
// service performs the structurally-correct rewrite, this package only
// needs to hand it candidate text with the reference's definition
// substituted in so re-parsing validates the result.
func replaceRef(query, ref, def string) string {
	needle := ref
	replacement := "(" + def + ") AS " + lastIdentPart(ref)
	return substituteAll(query, needle, replacement)
}

func lastIdentPart(qualified string) string {
	for i := len(qualified) - 1; i >= 0; i-- {
		if qualified[i] == '.' {
			return qualified[i+1:]
		}
	}
	return qualified
}

func substituteAll(s, old, new string) string {
	if old == "" {
		return s
	}
	var out []byte
	for {
		idx := indexOfSubstring(s, old)
		if idx < 0 {
			out = append(out, s...)
			break
		}
		out = append(out, s[:idx]...)
		out = append(out, new...)
		s = s[idx+len(old):]
	}
	return string(out)
}

func indexOfSubstring(s, sub string) int {
	n, m := len(s), len(sub)
	if m == 0 || m > n {
		return -1
	}
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == sub {
			return i
		}
	}
	return -1
}

// DistinctOnToRowNumber rewrites `DISTINCT ON (partition) ... ORDER BY
// order` into `ROW_NUMBER() OVER (PARTITION BY partition ORDER BY order)
// = 1` (spec §4.5 rewrite 2), producing the Filter+Window shape the
// operator tree already knows how to differentiate instead of adding a
// dedicated DISTINCT ON operator.
func DistinctOnToRowNumber(partitionBy, orderBy []string) *Node {
	win := &Node{
		Kind:        KindWindow,
		PartitionBy: partitionBy,
		OrderBy:     orderBy,
		WindowExpr:  "row_number() OVER (PARTITION BY " + joinCols(partitionBy) + " ORDER BY " + joinCols(orderBy) + ")",
		Schema:      append(append([]string{}, partitionBy...), "__rn"),
	}
	return &Node{
		Kind:      KindFilter,
		Children:  []*Node{win},
		Predicate: "__rn = 1",
		Schema:    win.Schema,
	}
}

func joinCols(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

// GroupingBranch is one arm of a GROUPING SETS / CUBE / ROLLUP expansion
// (spec §4.5 rewrite 3): its own GROUP BY column list.
type GroupingBranch struct {
	GroupBy []string
}

// ExpandGroupingSets turns a GROUPING SETS/CUBE/ROLLUP aggregate into a
// UNION ALL of plain GROUP BY branches, rejecting expansions past the
// configured branch cap.
func ExpandGroupingSets(branches []GroupingBranch, aggregates []AggregateExpr, child *Node, opts RewriteOptions) (*Node, error) {
	if len(branches) > opts.MaxGroupingBranches {
		return nil, sterr.New(sterr.CodeUnsupportedConstruct,
			fmt.Sprintf("grouping sets expansion has %d branches, exceeding the cap of %d", len(branches), opts.MaxGroupingBranches))
	}
	if len(branches) == 0 {
		return nil, sterr.New(sterr.CodeUnsupportedConstruct, "grouping sets expansion produced zero branches")
	}
	nodes := make([]*Node, len(branches))
	for i, b := range branches {
		nodes[i] = &Node{Kind: KindAggregate, Children: []*Node{child}, GroupBy: b.GroupBy, Aggregates: aggregates}
	}
	if len(nodes) == 1 {
		return nodes[0], nil
	}
	return &Node{Kind: KindUnionAll, Children: nodes, Schema: nodes[0].Schema}, nil
}

// UncorrelatedScalarSubqueryToCrossJoin rewrites an uncorrelated scalar
// subquery appearing in a WHERE clause into a CROSS JOIN with a
// single-row derived table (spec §4.5 rewrite 4). Correlated scalar
// subqueries are left alone for the ScalarSubquery operator.
func UncorrelatedScalarSubqueryToCrossJoin(outer *Node, subquery *Node, alias string) *Node {
	subquery.Alias = alias
	return &Node{
		Kind:     KindInnerJoin,
		Children: []*Node{outer, subquery},
		JoinCondition: "true",
		Schema:   append(append([]string{}, outer.Schema...), subquery.Schema...),
	}
}

// SplitSublinkUnderOr splits `a OR b IN (subquery)`-shaped predicates
// into a UNION of branches, one per OR arm (spec §4.5 rewrite 5).
func SplitSublinkUnderOr(base *Node, branchPredicates []string) *Node {
	branches := make([]*Node, len(branchPredicates))
	for i, p := range branchPredicates {
		branches[i] = &Node{Kind: KindFilter, Children: []*Node{base}, Predicate: p, Schema: base.Schema}
	}
	return &Node{Kind: KindUnionAll, Children: branches, Schema: base.Schema}
}

// SplitMultiWindowPartitions splits a query with multiple distinct
// PARTITION BY window specifications into one joined subquery per
// partitioning (spec §4.5 rewrite 6), joined back together on the
// original row identity.
func SplitMultiWindowPartitions(base *Node, partitionings [][]string, joinKey string) *Node {
	if len(partitionings) == 0 {
		return base
	}
	cur := &Node{Kind: KindWindow, Children: []*Node{base}, PartitionBy: partitionings[0], Schema: base.Schema}
	for _, part := range partitionings[1:] {
		next := &Node{Kind: KindWindow, Children: []*Node{base}, PartitionBy: part, Schema: base.Schema}
		cur = &Node{
			Kind:          KindInnerJoin,
			Children:      []*Node{cur, next},
			JoinCondition: fmt.Sprintf("%s.%s = %s.%s", "l", joinKey, "r", joinKey),
			Schema:        append(append([]string{}, cur.Schema...), next.Schema...),
		}
	}
	return cur
}
