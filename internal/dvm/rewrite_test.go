package dvm

import (
	"errors"
	"strings"
	"testing"

	"github.com/grove/streamtable/internal/sterr"
)

func TestInlineViewsExpandsReferenceToFixedPoint(t *testing.T) {
	lookup := func(name string) (string, bool, bool, bool) {
		if name == "public.recent_orders" {
			return "SELECT * FROM public.orders WHERE created_at > now() - interval '1 day'", false, false, true
		}
		return "", false, false, false
	}
	got, err := InlineViews("SELECT * FROM public.recent_orders", lookup, true, DefaultRewriteOptions(), []string{"public.recent_orders"})
	if err != nil {
		t.Fatalf("InlineViews: %v", err)
	}
	if !strings.Contains(got, "FROM public.orders") {
		t.Errorf("expected view body inlined, got: %s", got)
	}
	if strings.Contains(got, "public.recent_orders") {
		t.Errorf("reference should have been fully substituted, got: %s", got)
	}
}

func TestInlineViewsNoRefsIsNoop(t *testing.T) {
	lookup := func(name string) (string, bool, bool, bool) { return "", false, false, false }
	query := "SELECT * FROM public.orders"
	got, err := InlineViews(query, lookup, true, DefaultRewriteOptions(), nil)
	if err != nil {
		t.Fatalf("InlineViews: %v", err)
	}
	if got != query {
		t.Errorf("InlineViews with no refs = %q, want unchanged %q", got, query)
	}
}

func TestInlineViewsRejectsMaterializedViewInDifferentialMode(t *testing.T) {
	lookup := func(name string) (string, bool, bool, bool) {
		return "SELECT 1", true, false, true
	}
	_, err := InlineViews("SELECT * FROM public.mv", lookup, true, DefaultRewriteOptions(), []string{"public.mv"})
	if err == nil {
		t.Fatalf("expected error for materialized view in differential mode")
	}
	var stErr *sterr.Error
	if !errors.As(err, &stErr) || stErr.Code != sterr.CodeUnsupportedConstruct {
		t.Errorf("expected CodeUnsupportedConstruct, got: %v", err)
	}
}

func TestInlineViewsAllowsMaterializedViewInFullMode(t *testing.T) {
	lookup := func(name string) (string, bool, bool, bool) {
		return "SELECT 1", true, false, true
	}
	got, err := InlineViews("SELECT * FROM public.mv", lookup, false, DefaultRewriteOptions(), []string{"public.mv"})
	if err != nil {
		t.Fatalf("InlineViews: %v", err)
	}
	if !strings.Contains(got, "SELECT 1") {
		t.Errorf("expected materialized view body inlined in full mode, got: %s", got)
	}
}

func TestInlineViewsRejectsForeignTableInDifferentialMode(t *testing.T) {
	lookup := func(name string) (string, bool, bool, bool) {
		return "SELECT 1", false, true, true
	}
	_, err := InlineViews("SELECT * FROM public.ft", lookup, true, DefaultRewriteOptions(), []string{"public.ft"})
	if err == nil {
		t.Fatalf("expected error for foreign table in differential mode")
	}
	var stErr *sterr.Error
	if !errors.As(err, &stErr) || stErr.Code != sterr.CodeUnsupportedConstruct {
		t.Errorf("expected CodeUnsupportedConstruct, got: %v", err)
	}
}

func TestInlineViewsFailsWhenFixedPointUnreachable(t *testing.T) {
	opts := RewriteOptions{MaxViewInlineDepth: 2, MaxGroupingBranches: 64}
	// The view's own body still contains its reference, so expansion
	// never converges to a fixed point within the depth bound.
	lookup := func(name string) (string, bool, bool, bool) {
		return "SELECT * FROM public.self_ref", false, false, true
	}
	_, err := InlineViews("SELECT * FROM public.self_ref", lookup, false, opts, []string{"public.self_ref"})
	if err == nil {
		t.Fatalf("expected fixed-point error")
	}
}

func TestDistinctOnToRowNumberShape(t *testing.T) {
	n := DistinctOnToRowNumber([]string{"customer_id"}, []string{"created_at DESC"})
	if n.Kind != KindFilter {
		t.Fatalf("expected root Kind Filter, got %s", n.Kind)
	}
	if n.Predicate != "__rn = 1" {
		t.Errorf("expected predicate __rn = 1, got %q", n.Predicate)
	}
	if len(n.Children) != 1 || n.Children[0].Kind != KindWindow {
		t.Fatalf("expected single Window child")
	}
	win := n.Children[0]
	if !strings.Contains(win.WindowExpr, "PARTITION BY customer_id") || !strings.Contains(win.WindowExpr, "ORDER BY created_at DESC") {
		t.Errorf("window expr missing partition/order clauses: %s", win.WindowExpr)
	}
	if win.Schema[len(win.Schema)-1] != "__rn" {
		t.Errorf("window schema should end with __rn marker, got %v", win.Schema)
	}
}

func TestJoinColsFormatsCommaList(t *testing.T) {
	if got := joinCols([]string{"a", "b", "c"}); got != "a, b, c" {
		t.Errorf("joinCols = %q, want %q", got, "a, b, c")
	}
	if got := joinCols(nil); got != "" {
		t.Errorf("joinCols(nil) = %q, want empty", got)
	}
}

func TestExpandGroupingSetsProducesUnionOfBranches(t *testing.T) {
	child := &Node{Kind: KindScan, SourceID: 1, SourceTable: "public.sales"}
	aggs := []AggregateExpr{NewAggregateExpr("total", "sum", "amount")}
	branches := []GroupingBranch{
		{GroupBy: []string{"region"}},
		{GroupBy: []string{"region", "product"}},
		{GroupBy: []string{}},
	}
	got, err := ExpandGroupingSets(branches, aggs, child, DefaultRewriteOptions())
	if err != nil {
		t.Fatalf("ExpandGroupingSets: %v", err)
	}
	if got.Kind != KindUnionAll {
		t.Fatalf("expected UnionAll root, got %s", got.Kind)
	}
	if len(got.Children) != 3 {
		t.Fatalf("expected 3 branches, got %d", len(got.Children))
	}
	for i, c := range got.Children {
		if c.Kind != KindAggregate {
			t.Errorf("branch %d: expected Aggregate, got %s", i, c.Kind)
		}
	}
}

func TestExpandGroupingSetsSingleBranchSkipsUnion(t *testing.T) {
	child := &Node{Kind: KindScan, SourceID: 1, SourceTable: "public.sales"}
	aggs := []AggregateExpr{NewAggregateExpr("total", "sum", "amount")}
	got, err := ExpandGroupingSets([]GroupingBranch{{GroupBy: []string{"region"}}}, aggs, child, DefaultRewriteOptions())
	if err != nil {
		t.Fatalf("ExpandGroupingSets: %v", err)
	}
	if got.Kind != KindAggregate {
		t.Errorf("single branch should return a bare Aggregate, got %s", got.Kind)
	}
}

func TestExpandGroupingSetsRejectsTooManyBranches(t *testing.T) {
	child := &Node{Kind: KindScan, SourceID: 1, SourceTable: "public.sales"}
	opts := RewriteOptions{MaxViewInlineDepth: 10, MaxGroupingBranches: 1}
	branches := []GroupingBranch{{GroupBy: []string{"a"}}, {GroupBy: []string{"b"}}}
	_, err := ExpandGroupingSets(branches, nil, child, opts)
	if err == nil {
		t.Fatalf("expected error for branch count exceeding cap")
	}
	var stErr *sterr.Error
	if !errors.As(err, &stErr) || stErr.Code != sterr.CodeUnsupportedConstruct {
		t.Errorf("expected CodeUnsupportedConstruct, got: %v", err)
	}
}

func TestExpandGroupingSetsRejectsZeroBranches(t *testing.T) {
	child := &Node{Kind: KindScan, SourceID: 1, SourceTable: "public.sales"}
	_, err := ExpandGroupingSets(nil, nil, child, DefaultRewriteOptions())
	if err == nil {
		t.Fatalf("expected error for zero branches")
	}
}

func TestUncorrelatedScalarSubqueryToCrossJoin(t *testing.T) {
	outer := &Node{Kind: KindScan, SourceID: 1, SourceTable: "public.orders", Schema: []string{"id", "amount"}}
	sub := &Node{Kind: KindAggregate, Schema: []string{"avg_amount"}}
	got := UncorrelatedScalarSubqueryToCrossJoin(outer, sub, "avg_tbl")
	if got.Kind != KindInnerJoin {
		t.Fatalf("expected InnerJoin root, got %s", got.Kind)
	}
	if got.JoinCondition != "true" {
		t.Errorf("expected unconditional join condition, got %q", got.JoinCondition)
	}
	if sub.Alias != "avg_tbl" {
		t.Errorf("expected subquery alias set to avg_tbl, got %q", sub.Alias)
	}
	wantSchema := []string{"id", "amount", "avg_amount"}
	if len(got.Schema) != len(wantSchema) {
		t.Fatalf("schema = %v, want %v", got.Schema, wantSchema)
	}
}

func TestSplitSublinkUnderOrOneBranchPerPredicate(t *testing.T) {
	base := &Node{Kind: KindScan, SourceID: 1, SourceTable: "public.orders", Schema: []string{"id"}}
	got := SplitSublinkUnderOr(base, []string{"status = 'open'", "id IN (SELECT order_id FROM public.flags)"})
	if got.Kind != KindUnionAll {
		t.Fatalf("expected UnionAll root, got %s", got.Kind)
	}
	if len(got.Children) != 2 {
		t.Fatalf("expected 2 branches, got %d", len(got.Children))
	}
	for i, c := range got.Children {
		if c.Kind != KindFilter {
			t.Errorf("branch %d: expected Filter, got %s", i, c.Kind)
		}
		if len(c.Children) != 1 || c.Children[0] != base {
			t.Errorf("branch %d: expected base as sole child", i)
		}
	}
}

func TestSplitMultiWindowPartitionsJoinsEachPartitioning(t *testing.T) {
	base := &Node{Kind: KindScan, SourceID: 1, SourceTable: "public.events", Schema: []string{"id", "user_id", "session_id"}}
	got := SplitMultiWindowPartitions(base, [][]string{{"user_id"}, {"session_id"}}, "id")
	if got.Kind != KindInnerJoin {
		t.Fatalf("expected InnerJoin root for 2 partitionings, got %s", got.Kind)
	}
	if !strings.Contains(got.JoinCondition, "l.id") || !strings.Contains(got.JoinCondition, "r.id") {
		t.Errorf("join condition should reference join key on both sides, got %q", got.JoinCondition)
	}
}

func TestSplitMultiWindowPartitionsSinglePartitioningSkipsJoin(t *testing.T) {
	base := &Node{Kind: KindScan, SourceID: 1, SourceTable: "public.events", Schema: []string{"id"}}
	got := SplitMultiWindowPartitions(base, [][]string{{"user_id"}}, "id")
	if got.Kind != KindWindow {
		t.Errorf("single partitioning should return a bare Window, got %s", got.Kind)
	}
}

func TestSplitMultiWindowPartitionsNoPartitioningsReturnsBase(t *testing.T) {
	base := &Node{Kind: KindScan, SourceID: 1, SourceTable: "public.events"}
	got := SplitMultiWindowPartitions(base, nil, "id")
	if got != base {
		t.Errorf("expected base returned unchanged when no partitionings given")
	}
}
