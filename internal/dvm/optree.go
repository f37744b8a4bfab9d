// Package dvm is the differential view maintenance engine (spec §4.5):
// it takes a parsed defining query from the host's parse-tree service,
// rewrites unsupported constructs into supported ones, builds a closed
// operator tree, and emits both a recomputation query and a delta query
// for each refresh cycle. Per spec §9 "Operator tree polymorphism", the
// tree is a closed set of tagged variants rather than an open subtype
// hierarchy: delta derivation is a total switch on Kind, not a virtual
// method per type.
package dvm

import (
	"fmt"
)

// Kind enumerates the operator catalogue (spec §4.5 "Operator catalogue
// and delta rules", §9). The set is closed: adding an operator means
// adding a case to every switch in this package, not a new type.
type Kind int

const (
	KindScan Kind = iota
	KindFilter
	KindProject
	KindInnerJoin
	KindLeftJoin
	KindFullJoin
	KindAggregate
	KindDistinct
	KindUnionAll
	KindIntersect
	KindExcept
	KindSemiJoin
	KindAntiJoin
	KindScalarSubquery
	KindWindow
	KindLateralFunction
	KindLateralSubquery
	KindSubquery
	KindCteScan
	KindRecursiveCte
)

func (k Kind) String() string {
	switch k {
	case KindScan:
		return "Scan"
	case KindFilter:
		return "Filter"
	case KindProject:
		return "Project"
	case KindInnerJoin:
		return "InnerJoin"
	case KindLeftJoin:
		return "LeftJoin"
	case KindFullJoin:
		return "FullJoin"
	case KindAggregate:
		return "Aggregate"
	case KindDistinct:
		return "Distinct"
	case KindUnionAll:
		return "UnionAll"
	case KindIntersect:
		return "Intersect"
	case KindExcept:
		return "Except"
	case KindSemiJoin:
		return "SemiJoin"
	case KindAntiJoin:
		return "AntiJoin"
	case KindScalarSubquery:
		return "ScalarSubquery"
	case KindWindow:
		return "Window"
	case KindLateralFunction:
		return "LateralFunction"
	case KindLateralSubquery:
		return "LateralSubquery"
	case KindSubquery:
		return "Subquery"
	case KindCteScan:
		return "CteScan"
	case KindRecursiveCte:
		return "RecursiveCte"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// AggClass partitions aggregate functions into algebraic (count, sum,
// avg), semi-algebraic (min, max) and group-rescan (everything else)
// classes (spec §4.5 Aggregate row). The class is recorded on each
// AggregateExpr; aggregateDelta does not consult it and recomputes every
// affected group in full whatever the class.
type AggClass int

const (
	AggAlgebraic AggClass = iota
	AggSemiAlgebraic
	AggGroupRescan
)

// ClassifyAggregate maps a SQL aggregate function name to its
// maintenance class (spec §4.5).
func ClassifyAggregate(fn string) AggClass {
	switch fn {
	case "count", "sum", "avg":
		return AggAlgebraic
	case "min", "max":
		return AggSemiAlgebraic
	default:
		return AggGroupRescan
	}
}

// Attr is one output column: its name and the SQL expression that
// computes it from the operator's input schema.
type Attr struct {
	Name string
	Expr string
}

// Node is one operator-tree node. Every field beyond Kind and Children is
// interpreted according to Kind; see the per-Kind comments in delta.go
// and recompute.go for which fields a given Kind reads.
type Node struct {
	ID       int // assigned by AssignIDs; used to name this node's delta CTE
	Kind     Kind
	Children []*Node

	// Scan
	SourceID    int64
	SourceTable string // qualified name
	KeyColumns  []string

	// Filter
	Predicate string

	// Project
	Attrs []Attr

	// Join family (InnerJoin, LeftJoin, FullJoin, SemiJoin, AntiJoin)
	JoinCondition string

	// Aggregate
	GroupBy    []string
	Aggregates []AggregateExpr

	// Distinct / Intersect / Except share a hidden-multiplicity column name.
	MultiplicityCol string

	// ScalarSubquery
	ScalarExpr string

	// Window
	PartitionBy []string
	OrderBy     []string
	WindowExpr  string

	// LateralFunction / LateralSubquery
	LateralExpr string

	// Subquery / CteScan
	Alias string

	// RecursiveCte
	CteName        string
	BaseCase       *Node
	RecursiveCase  *Node
	OutputColumns  []string

	// Schema is this node's output column list, used by parents to
	// reference attributes without re-deriving them.
	Schema []string
}

// AggregateExpr is one SELECT-list aggregate (spec §4.5 "Aggregate(G, agg…)").
type AggregateExpr struct {
	OutputName string
	Func       string // "count", "sum", "min", "max", "avg", or other
	Arg        string // the expression the aggregate is applied to, "*" for count(*)
	Class      AggClass
}

// NewAggregateExpr fills Class via ClassifyAggregate so callers never
// have to remember to classify manually.
func NewAggregateExpr(outputName, fn, arg string) AggregateExpr {
	return AggregateExpr{OutputName: outputName, Func: fn, Arg: arg, Class: ClassifyAggregate(fn)}
}

// AssignIDs numbers every node in post-order so each one has a stable,
// deterministic name for its delta CTE (deltaCTEName). Call this once
// after the rewrite passes have produced the final tree shape and before
// building delta SQL.
func AssignIDs(root *Node) {
	next := 0
	var walk func(*Node)
	walk = func(n *Node) {
		if n == nil {
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
		if n.BaseCase != nil {
			walk(n.BaseCase)
		}
		if n.RecursiveCase != nil {
			walk(n.RecursiveCase)
		}
		n.ID = next
		next++
	}
	walk(root)
}

func deltaCTEName(n *Node) string {
	return fmt.Sprintf("delta_%d", n.ID)
}
