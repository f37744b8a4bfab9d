package dvm

import (
	"strings"
	"testing"
)

func TestEmitRecomputeCoversEveryKind(t *testing.T) {
	leaf := func() *Node { return &Node{Kind: KindScan, SourceID: 9, SourceTable: "public.t"} }
	agg := AggregateExpr{OutputName: "cnt", Func: "count", Arg: "*", Class: AggAlgebraic}

	nodes := []*Node{
		{Kind: KindScan, SourceID: 9, SourceTable: "public.t"},
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
		sql := EmitRecompute(n)
		if sql == "" {
			t.Errorf("%s: empty SQL", n.Kind)
		}
		if strings.Contains(sql, "unhandled recompute") {
			t.Errorf("%s: fell through to default case: %s", n.Kind, sql)
		}
	}
}

func TestEmitRecomputeScan(t *testing.T) {
	n := &Node{Kind: KindScan, SourceID: 1, SourceTable: "public.orders"}
	got := EmitRecompute(n)
	want := "SELECT * FROM public.orders"
	if got != want {
		t.Errorf("EmitRecompute(Scan) = %q, want %q", got, want)
	}
}

func TestEmitRecomputeFilterWrapsChild(t *testing.T) {
	scan := &Node{Kind: KindScan, SourceID: 1, SourceTable: "public.orders"}
	filter := &Node{Kind: KindFilter, Children: []*Node{scan}, Predicate: "amount > 0"}
	got := EmitRecompute(filter)
	if !strings.Contains(got, "WHERE amount > 0") {
		t.Errorf("filter recompute missing predicate: %s", got)
	}
	if !strings.Contains(got, EmitRecompute(scan)) {
		t.Errorf("filter recompute should embed scan's recompute SQL, got: %s", got)
	}
}

func TestEmitRecomputeProjectAliasesAttrs(t *testing.T) {
	scan := &Node{Kind: KindScan, SourceID: 1, SourceTable: "public.orders"}
	project := &Node{Kind: KindProject, Children: []*Node{scan}, Attrs: []Attr{
		{Name: "order_id", Expr: "id"},
		{Name: "total", Expr: "amount * qty"},
	}}
	got := EmitRecompute(project)
	if !strings.Contains(got, "id AS order_id") || !strings.Contains(got, "amount * qty AS total") {
		t.Errorf("project recompute missing aliased attrs: %s", got)
	}
}

func TestEmitRecomputeAggregateGroupsAndAggregates(t *testing.T) {
	scan := &Node{Kind: KindScan, SourceID: 1, SourceTable: "public.orders"}
	aggNode := &Node{
		Kind:     KindAggregate,
		Children: []*Node{scan},
		GroupBy:  []string{"customer_id"},
		Aggregates: []AggregateExpr{
			NewAggregateExpr("order_count", "count", "*"),
			NewAggregateExpr("total_spent", "sum", "amount"),
		},
	}
	got := EmitRecompute(aggNode)
	for _, want := range []string{
		"GROUP BY customer_id",
		"count(*) AS order_count",
		"sum(amount) AS total_spent",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("aggregate recompute missing %q, got: %s", want, got)
		}
	}
}

func TestEmitRecomputeJoinFamilyUsesCorrectKeyword(t *testing.T) {
	l := &Node{Kind: KindScan, SourceID: 1, SourceTable: "public.a"}
	r := &Node{Kind: KindScan, SourceID: 2, SourceTable: "public.b"}

	cases := []struct {
		kind    Kind
		keyword string
	}{
		{KindInnerJoin, " JOIN "},
		{KindLeftJoin, "LEFT JOIN"},
		{KindFullJoin, "FULL JOIN"},
	}
	for _, c := range cases {
		n := &Node{Kind: c.kind, Children: []*Node{l, r}, JoinCondition: "a.id = b.id"}
		got := EmitRecompute(n)
		if !strings.Contains(got, c.keyword) {
			t.Errorf("%s recompute missing keyword %q, got: %s", c.kind, c.keyword, got)
		}
		if !strings.Contains(got, "ON a.id = b.id") {
			t.Errorf("%s recompute missing join condition, got: %s", c.kind, got)
		}
	}
}

func TestEmitRecomputeSemiAndAntiJoinUseExists(t *testing.T) {
	l := &Node{Kind: KindScan, SourceID: 1, SourceTable: "public.a"}
	r := &Node{Kind: KindScan, SourceID: 2, SourceTable: "public.b"}

	semi := &Node{Kind: KindSemiJoin, Children: []*Node{l, r}, JoinCondition: "a.id = b.id"}
	if got := EmitRecompute(semi); !strings.Contains(got, "WHERE EXISTS") {
		t.Errorf("semi join recompute should use WHERE EXISTS, got: %s", got)
	}

	anti := &Node{Kind: KindAntiJoin, Children: []*Node{l, r}, JoinCondition: "a.id = b.id"}
	if got := EmitRecompute(anti); !strings.Contains(got, "WHERE NOT EXISTS") {
		t.Errorf("anti join recompute should use WHERE NOT EXISTS, got: %s", got)
	}
}

func TestEmitRecomputeSetOps(t *testing.T) {
	l := &Node{Kind: KindScan, SourceID: 1, SourceTable: "public.a"}
	r := &Node{Kind: KindScan, SourceID: 2, SourceTable: "public.b"}

	cases := []struct {
		kind  Kind
		marks []string
	}{
		{KindUnionAll, []string{"UNION ALL"}},
		{KindIntersect, []string{"INTERSECT ALL"}},
		{KindExcept, []string{"EXCEPT ALL"}},
	}
	for _, c := range cases {
		n := &Node{Kind: c.kind, Children: []*Node{l, r}}
		got := EmitRecompute(n)
		for _, m := range c.marks {
			if !strings.Contains(got, m) {
				t.Errorf("%s recompute missing %q, got: %s", c.kind, m, got)
			}
		}
	}
}

func TestEmitRecomputeWindowAppendsExpr(t *testing.T) {
	scan := &Node{Kind: KindScan, SourceID: 1, SourceTable: "public.orders"}
	n := &Node{Kind: KindWindow, Children: []*Node{scan}, WindowExpr: "rank() OVER (PARTITION BY customer_id ORDER BY created_at)"}
	got := EmitRecompute(n)
	if !strings.Contains(got, "rank() OVER (PARTITION BY customer_id ORDER BY created_at)") {
		t.Errorf("window recompute missing window expr: %s", got)
	}
}

func TestEmitRecomputeLateralUsesLateralKeyword(t *testing.T) {
	scan := &Node{Kind: KindScan, SourceID: 1, SourceTable: "public.orders"}
	fn := &Node{Kind: KindLateralFunction, Children: []*Node{scan}, LateralExpr: "SELECT unnest(tags)"}
	got := EmitRecompute(fn)
	if !strings.Contains(got, "LATERAL (SELECT unnest(tags))") {
		t.Errorf("lateral function recompute malformed: %s", got)
	}

	sub := &Node{Kind: KindLateralSubquery, Children: []*Node{scan}, LateralExpr: "SELECT max(amount)"}
	got = EmitRecompute(sub)
	if !strings.Contains(got, "LATERAL (SELECT max(amount))") {
		t.Errorf("lateral subquery recompute malformed: %s", got)
	}
}

func TestEmitRecomputeSubqueryAppliesAlias(t *testing.T) {
	scan := &Node{Kind: KindScan, SourceID: 1, SourceTable: "public.orders"}
	n := &Node{Kind: KindSubquery, Children: []*Node{scan}, Alias: "o"}
	got := EmitRecompute(n)
	if !strings.HasSuffix(got, ") o") {
		t.Errorf("subquery recompute should end with its alias, got: %s", got)
	}
}

func TestEmitRecomputeCteScanSelectsFromAlias(t *testing.T) {
	n := &Node{Kind: KindCteScan, Alias: "recent_orders"}
	got := EmitRecompute(n)
	want := "SELECT * FROM recent_orders"
	if got != want {
		t.Errorf("EmitRecompute(CteScan) = %q, want %q", got, want)
	}
}

func TestEmitRecomputeRecursiveCteBuildsWithRecursive(t *testing.T) {
	base := &Node{Kind: KindScan, SourceID: 1, SourceTable: "public.org_roots"}
	recur := &Node{Kind: KindScan, SourceID: 1, SourceTable: "public.org_edges"}
	n := &Node{
		Kind:          KindRecursiveCte,
		CteName:       "org_tree",
		BaseCase:      base,
		RecursiveCase: recur,
		OutputColumns: []string{"id", "parent_id"},
	}
	got := EmitRecompute(n)
	for _, want := range []string{
		"WITH RECURSIVE org_tree AS (",
		"UNION ALL",
		"SELECT id, parent_id FROM org_tree",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("recursive cte recompute missing %q, got: %s", want, got)
		}
	}
}

func TestEmitRecomputeScalarSubqueryAddsScalarColumn(t *testing.T) {
	scan := &Node{Kind: KindScan, SourceID: 1, SourceTable: "public.orders"}
	n := &Node{Kind: KindScalarSubquery, Children: []*Node{scan}, ScalarExpr: "SELECT max(amount) FROM public.orders"}
	got := EmitRecompute(n)
	if !strings.Contains(got, "AS __scalar") {
		t.Errorf("scalar subquery recompute missing __scalar alias: %s", got)
	}
}

func TestProjectListFormatsAliasedExprs(t *testing.T) {
	got := projectList([]Attr{{Name: "id", Expr: "o.id"}, {Name: "total", Expr: "o.amount * o.qty"}})
	want := "o.id AS id, o.amount * o.qty AS total"
	if got != want {
		t.Errorf("projectList = %q, want %q", got, want)
	}
}

func TestProjectListEmpty(t *testing.T) {
	if got := projectList(nil); got != "" {
		t.Errorf("projectList(nil) = %q, want empty string", got)
	}
}

func TestAggregateListFormatsFuncCalls(t *testing.T) {
	got := aggregateList([]AggregateExpr{
		NewAggregateExpr("n", "count", "*"),
		NewAggregateExpr("hi", "max", "amount"),
	})
	want := "count(*) AS n, max(amount) AS hi"
	if got != want {
		t.Errorf("aggregateList = %q, want %q", got, want)
	}
}
