package planner

import (
	"github.com/hupe1980/tiersearch/query"
)

// ScoringMode tells the executor which text fields the scoring clause touches.
type ScoringMode uint8

const (
	ModeName ScoringMode = iota
	ModeContent
	ModeHybrid
)

func (m ScoringMode) String() string {
	switch m {
	case ModeContent:
		return "content"
	case ModeHybrid:
		return "hybrid"
	default:
		return "name"
	}
}

// Fixed field boosts of hybrid scoring.
const (
	NameBoost    float32 = 2.0
	ContentBoost float32 = 1.0
)

// FilterClause is a subtree over fast fields only. It yields a candidate set
// and contributes no score.
type FilterClause struct {
	Expr query.Expr
}

// Key returns the canonical key of the clause.
func (f FilterClause) Key() string { return f.Expr.Key() }

// ScoringClause is the part of a query that is matched against text fields
// and ranked by BM25.
type ScoringClause struct {
	Expr         query.Expr
	Mode         ScoringMode
	NameBoost    float32
	ContentBoost float32
}

// Classify splits a normalized expression into filter clauses and a single
// scoring clause. Scoring is nil when the whole query is filter-eligible.
func Classify(expr query.Expr) ([]FilterClause, *ScoringClause) {
	var children []query.Expr
	if and, ok := expr.(query.And); ok {
		children = and.Exprs
	} else {
		children = []query.Expr{expr}
	}

	var (
		filters []FilterClause
		rest    []query.Expr
	)
	for _, c := range children {
		if IsFilterEligible(c) {
			filters = append(filters, FilterClause{Expr: c})
		} else {
			rest = append(rest, c)
		}
	}

	switch len(rest) {
	case 0:
		return filters, nil
	case 1:
		return filters, newScoring(rest[0])
	default:
		return filters, newScoring(query.And{Exprs: rest})
	}
}

// IsFilterEligible reports whether e references only fast fields without
// phrase or fuzzy modifiers. Path terms qualify only as prefix matches.
func IsFilterEligible(e query.Expr) bool {
	switch n := e.(type) {
	case query.Range:
		return n.Field.Numeric()
	case query.Term:
		switch n.Field {
		case query.FieldExt:
			return n.Modifier.Kind == query.ModTerm || n.Modifier.Kind == query.ModPrefix
		case query.FieldPath:
			return n.Modifier.Kind == query.ModPrefix
		}
		return false
	case query.Not:
		return IsFilterEligible(n.Expr)
	case query.And:
		for _, c := range n.Exprs {
			if !IsFilterEligible(c) {
				return false
			}
		}
		return len(n.Exprs) > 0
	case query.Or:
		for _, c := range n.Exprs {
			if !IsFilterEligible(c) {
				return false
			}
		}
		return len(n.Exprs) > 0
	}
	return false
}

func newScoring(e query.Expr) *ScoringClause {
	var name, content bool
	query.Walk(e, func(n query.Expr) bool {
		t, ok := n.(query.Term)
		if !ok {
			return true
		}
		switch t.Field {
		case query.FieldName, query.FieldPath:
			name = true
		case query.FieldContent:
			content = true
		case query.FieldDefault:
			name, content = true, true
		}
		return true
	})

	sc := &ScoringClause{Expr: e, NameBoost: NameBoost, ContentBoost: ContentBoost}
	switch {
	case name && content:
		sc.Mode = ModeHybrid
	case content:
		sc.Mode = ModeContent
	default:
		sc.Mode = ModeName
	}
	return sc
}
