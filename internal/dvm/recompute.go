package dvm

import (
	"fmt"
	"strings"
)

// EmitRecompute renders the SQL that recomputes an operator's output
// from scratch (spec §4.5 "Recomputation" column), recursing into
// children. It is used for the FULL strategy (spec §4.6) and as the
// fallback half of several delta rules (e.g. RecursiveCte's
// recomputation-diff mode).
func EmitRecompute(n *Node) string {
	switch n.Kind {
	case KindScan:
		return fmt.Sprintf("SELECT * FROM %s", n.SourceTable)

	case KindFilter:
		return fmt.Sprintf("SELECT * FROM (%s) __c WHERE %s", EmitRecompute(n.Children[0]), n.Predicate)

	case KindProject:
		return fmt.Sprintf("SELECT %s FROM (%s) __c", projectList(n.Attrs), EmitRecompute(n.Children[0]))

	case KindInnerJoin:
		return fmt.Sprintf("SELECT * FROM (%s) l JOIN (%s) r ON %s",
			EmitRecompute(n.Children[0]), EmitRecompute(n.Children[1]), n.JoinCondition)

	case KindLeftJoin:
		return fmt.Sprintf("SELECT * FROM (%s) l LEFT JOIN (%s) r ON %s",
			EmitRecompute(n.Children[0]), EmitRecompute(n.Children[1]), n.JoinCondition)

	case KindFullJoin:
		return fmt.Sprintf("SELECT * FROM (%s) l FULL JOIN (%s) r ON %s",
			EmitRecompute(n.Children[0]), EmitRecompute(n.Children[1]), n.JoinCondition)

	case KindAggregate:
		return fmt.Sprintf("SELECT %s, %s FROM (%s) __c GROUP BY %s",
			joinCols(n.GroupBy), aggregateList(n.Aggregates), EmitRecompute(n.Children[0]), joinCols(n.GroupBy))

	case KindDistinct:
		return fmt.Sprintf("SELECT DISTINCT * FROM (%s) __c", EmitRecompute(n.Children[0]))

	case KindUnionAll:
		parts := make([]string, len(n.Children))
		for i, c := range n.Children {
			parts[i] = EmitRecompute(c)
		}
		return strings.Join(parts, "\nUNION ALL\n")

	case KindIntersect:
		return fmt.Sprintf("(%s)\nINTERSECT ALL\n(%s)", EmitRecompute(n.Children[0]), EmitRecompute(n.Children[1]))

	case KindExcept:
		return fmt.Sprintf("(%s)\nEXCEPT ALL\n(%s)", EmitRecompute(n.Children[0]), EmitRecompute(n.Children[1]))

	case KindSemiJoin:
		return fmt.Sprintf("SELECT * FROM (%s) l WHERE EXISTS (SELECT 1 FROM (%s) r WHERE %s)",
			EmitRecompute(n.Children[0]), EmitRecompute(n.Children[1]), n.JoinCondition)

	case KindAntiJoin:
		return fmt.Sprintf("SELECT * FROM (%s) l WHERE NOT EXISTS (SELECT 1 FROM (%s) r WHERE %s)",
			EmitRecompute(n.Children[0]), EmitRecompute(n.Children[1]), n.JoinCondition)

	case KindScalarSubquery:
		return fmt.Sprintf("SELECT *, (%s) AS __scalar FROM (%s) __c", n.ScalarExpr, EmitRecompute(n.Children[0]))

	case KindWindow:
		return fmt.Sprintf("SELECT *, %s FROM (%s) __c", n.WindowExpr, EmitRecompute(n.Children[0]))

	case KindLateralFunction, KindLateralSubquery:
		return fmt.Sprintf("SELECT __c.*, __l.* FROM (%s) __c, LATERAL (%s) __l", EmitRecompute(n.Children[0]), n.LateralExpr)

	case KindSubquery:
		return fmt.Sprintf("SELECT * FROM (%s) %s", EmitRecompute(n.Children[0]), n.Alias)

	case KindCteScan:
		return fmt.Sprintf("SELECT * FROM %s", n.Alias)

	case KindRecursiveCte:
		return fmt.Sprintf(
			"WITH RECURSIVE %s AS (\n%s\nUNION ALL\n%s\n)\nSELECT %s FROM %s",
			n.CteName, EmitRecompute(n.BaseCase), EmitRecompute(n.RecursiveCase), joinCols(n.OutputColumns), n.CteName)

	default:
		return fmt.Sprintf("/* unhandled recompute for %s */", n.Kind)
	}
}

func projectList(attrs []Attr) string {
	parts := make([]string, len(attrs))
	for i, a := range attrs {
		parts[i] = fmt.Sprintf("%s AS %s", a.Expr, a.Name)
	}
	return strings.Join(parts, ", ")
}

func aggregateList(aggs []AggregateExpr) string {
	parts := make([]string, len(aggs))
	for i, a := range aggs {
		parts[i] = fmt.Sprintf("%s(%s) AS %s", a.Func, a.Arg, a.OutputName)
	}
	return strings.Join(parts, ", ")
}
