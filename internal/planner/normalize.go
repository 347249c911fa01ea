package planner

import (
	"slices"
	"strings"

	"github.com/hupe1980/tiersearch/query"
)

// Normalize rewrites expr into canonical form:
//   - nested And/Or are flattened,
//   - Not is pushed down with De Morgan until it only wraps Term or Range,
//   - double negations are removed,
//   - structurally duplicate children are dropped,
//   - commutative children are sorted by canonical key,
//   - single-child And/Or collapse to the child.
//
// Normalize is idempotent.
func Normalize(expr query.Expr) query.Expr {
	switch n := expr.(type) {
	case query.Not:
		return negate(n.Expr)
	case query.And:
		return rebuild(n.Exprs, true)
	case query.Or:
		return rebuild(n.Exprs, false)
	default:
		return expr
	}
}

func negate(e query.Expr) query.Expr {
	switch n := e.(type) {
	case query.Not:
		return Normalize(n.Expr)
	case query.And:
		neg := make([]query.Expr, len(n.Exprs))
		for i, c := range n.Exprs {
			neg[i] = query.Not{Expr: c}
		}
		return rebuild(neg, false)
	case query.Or:
		neg := make([]query.Expr, len(n.Exprs))
		for i, c := range n.Exprs {
			neg[i] = query.Not{Expr: c}
		}
		return rebuild(neg, true)
	default:
		return query.Not{Expr: e}
	}
}

func rebuild(children []query.Expr, and bool) query.Expr {
	flat := make([]query.Expr, 0, len(children))
	var add func(e query.Expr)
	add = func(e query.Expr) {
		e = Normalize(e)
		switch n := e.(type) {
		case query.And:
			if and {
				flat = append(flat, n.Exprs...)
				return
			}
		case query.Or:
			if !and {
				flat = append(flat, n.Exprs...)
				return
			}
		}
		flat = append(flat, e)
	}
	for _, c := range children {
		add(c)
	}

	keys := make(map[string]struct{}, len(flat))
	uniq := flat[:0]
	for _, e := range flat {
		k := e.Key()
		if _, dup := keys[k]; dup {
			continue
		}
		keys[k] = struct{}{}
		uniq = append(uniq, e)
	}
	slices.SortFunc(uniq, func(a, b query.Expr) int {
		return strings.Compare(a.Key(), b.Key())
	})

	if len(uniq) == 1 {
		return uniq[0]
	}
	if and {
		return query.And{Exprs: uniq}
	}
	return query.Or{Exprs: uniq}
}
