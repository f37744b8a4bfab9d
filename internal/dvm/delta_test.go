package dvm

import (
	"strings"
	"testing"
)

func TestBuildDeltaScanOnly(t *testing.T) {
	root := &Node{Kind: KindScan, SourceID: 1, SourceTable: "public.orders"}
	AssignIDs(root)
	windows := map[int64]Window{1: {ChangeSchema: "streamtable", SourceID: 1, Low: "0/10", High: "0/20"}}

	ctes, rootName, err := BuildDelta(root, windows, "public.st_example")
	if err != nil {
		t.Fatalf("BuildDelta: %v", err)
	}
	if len(ctes) != 1 {
		t.Fatalf("expected 1 CTE, got %d", len(ctes))
	}
	if rootName != deltaCTEName(root) {
		t.Errorf("rootName = %s, want %s", rootName, deltaCTEName(root))
	}
	if !strings.Contains(ctes[0].SQL, "streamtable.changes_1") {
		t.Errorf("scan delta missing buffer table: %s", ctes[0].SQL)
	}
	if !strings.Contains(ctes[0].SQL, "'0/10'") || !strings.Contains(ctes[0].SQL, "'0/20'") {
		t.Errorf("scan delta missing window bounds: %s", ctes[0].SQL)
	}
}

func TestBuildDeltaFilterProjectOverScan(t *testing.T) {
	scan := &Node{Kind: KindScan, SourceID: 2, SourceTable: "public.items"}
	filter := &Node{Kind: KindFilter, Children: []*Node{scan}, Predicate: "price > 0"}
	project := &Node{Kind: KindProject, Children: []*Node{filter}, Attrs: []Attr{{Name: "id", Expr: "id"}}}
	AssignIDs(project)

	windows := map[int64]Window{2: {ChangeSchema: "streamtable", SourceID: 2, Low: "", High: "0/5"}}
	ctes, rootName, err := BuildDelta(project, windows, "public.st_example")
	if err != nil {
		t.Fatalf("BuildDelta: %v", err)
	}
	if len(ctes) != 3 {
		t.Fatalf("expected 3 CTEs (scan, filter, project), got %d", len(ctes))
	}
	if rootName != deltaCTEName(project) {
		t.Errorf("rootName mismatch")
	}
	last := ctes[len(ctes)-1]
	if !strings.Contains(last.SQL, deltaCTEName(filter)) {
		t.Errorf("project delta should reference filter's CTE, got: %s", last.SQL)
	}
}

func TestDeltaRuleCoversEveryKind(t *testing.T) {
	leaf := func() *Node { return &Node{Kind: KindScan, SourceID: 9, SourceTable: "t"} }
	agg := AggregateExpr{OutputName: "cnt", Func: "count", Arg: "*", Class: AggAlgebraic}

	nodes := []*Node{
		{Kind: KindScan, SourceID: 9, SourceTable: "t"},
		{Kind: KindFilter, Children: []*Node{leaf()}, Predicate: "x > 1"},
		{Kind: KindProject, Children: []*Node{leaf()}, Attrs: []Attr{{Name: "a", Expr: "a"}}},
		{Kind: KindInnerJoin, Children: []*Node{leaf(), leaf()}, JoinCondition: "l.id = r.id"},
		{Kind: KindLeftJoin, Children: []*Node{leaf(), leaf()}, JoinCondition: "l.id = r.id"},
		{Kind: KindFullJoin, Children: []*Node{leaf(), leaf()}, JoinCondition: "l.id = r.id"},
		{Kind: KindAggregate, Children: []*Node{leaf()}, GroupBy: []string{"g"}, Aggregates: []AggregateExpr{agg}},
		{Kind: KindDistinct, Children: []*Node{leaf()}},
		{Kind: KindUnionAll, Children: []*Node{leaf(), leaf()}},
		{Kind: KindIntersect, Children: []*Node{leaf(), leaf()}},
		{Kind: KindExcept, Children: []*Node{leaf(), leaf()}},
		{Kind: KindSemiJoin, Children: []*Node{leaf(), leaf()}, JoinCondition: "l.id = r.id"},
		{Kind: KindAntiJoin, Children: []*Node{leaf(), leaf()}, JoinCondition: "l.id = r.id"},
		{Kind: KindScalarSubquery, Children: []*Node{leaf()}, ScalarExpr: "SELECT 1"},
		{Kind: KindWindow, Children: []*Node{leaf()}, PartitionBy: []string{"g"}, WindowExpr: "row_number() OVER ()"},
		{Kind: KindLateralFunction, Children: []*Node{leaf()}, LateralExpr: "SELECT unnest(arr)"},
		{Kind: KindLateralSubquery, Children: []*Node{leaf()}, LateralExpr: "SELECT 1"},
		{Kind: KindSubquery, Children: []*Node{leaf()}, Alias: "sub"},
		{Kind: KindCteScan, Alias: "my_cte"},
		{Kind: KindRecursiveCte, CteName: "rc", BaseCase: leaf(), RecursiveCase: leaf(), OutputColumns: []string{"id"}},
	}

	for _, n := range nodes {
		AssignIDs(n)
		windows := map[int64]Window{9: {ChangeSchema: "streamtable", SourceID: 9, High: "0/1"}}
		cte, err := deltaRuleFor(n, windows, "public.st_example")
		if err != nil {
			t.Errorf("%s: unexpected error: %v", n.Kind, err)
			continue
		}
		if cte.SQL == "" {
			t.Errorf("%s: empty SQL", n.Kind)
		}
	}
}

func TestScanDeltaDefaultsLowBoundToZero(t *testing.T) {
	n := &Node{Kind: KindScan, SourceID: 3, SourceTable: "t"}
	AssignIDs(n)
	sql := scanDelta(n, map[int64]Window{3: {High: "0/99"}})
	if !strings.Contains(sql, "'0/0'") {
		t.Errorf("expected default low bound '0/0', got: %s", sql)
	}
}
