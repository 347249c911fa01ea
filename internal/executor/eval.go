package executor

import (
	"strings"

	"github.com/hupe1980/tiersearch/internal/planner"
	"github.com/hupe1980/tiersearch/model"
	"github.com/hupe1980/tiersearch/query"
)

// MatchFilters reports whether m satisfies every filter clause.
func MatchFilters(filters []planner.FilterClause, m *model.FileMeta) bool {
	for _, f := range filters {
		if !MatchMeta(f.Expr, m) {
			return false
		}
	}
	return true
}

// MatchMeta evaluates a filter-eligible expression against a metadata record.
// Text terms on name, path, content or the default field are not metadata
// predicates and never match here.
func MatchMeta(e query.Expr, m *model.FileMeta) bool {
	if m == nil {
		return false
	}
	switch n := e.(type) {
	case query.Range:
		return matchRange(n, m)
	case query.Term:
		return matchTerm(n, m)
	case query.Not:
		return !MatchMeta(n.Expr, m)
	case query.And:
		for _, c := range n.Exprs {
			if !MatchMeta(c, m) {
				return false
			}
		}
		return true
	case query.Or:
		for _, c := range n.Exprs {
			if MatchMeta(c, m) {
				return true
			}
		}
		return false
	}
	return false
}

func matchRange(r query.Range, m *model.FileMeta) bool {
	switch r.Field {
	case query.FieldSize:
		return r.Contains(int64(m.Size))
	case query.FieldModified:
		return r.Contains(m.Modified.UnixMilli())
	case query.FieldCreated:
		return r.Contains(m.Created.UnixMilli())
	case query.FieldVolume:
		return r.Contains(int64(m.Volume))
	case query.FieldFlags:
		// Equality on flags means all requested bits are set.
		if r.Op == query.OpEq {
			return m.Flags.Has(model.Flags(r.Lo))
		}
		return r.Contains(int64(m.Flags))
	}
	return false
}

func matchTerm(t query.Term, m *model.FileMeta) bool {
	switch t.Field {
	case query.FieldExt:
		ext := NormalizeExt(m.Ext)
		if t.Modifier.Kind == query.ModPrefix {
			return strings.HasPrefix(ext, t.Value)
		}
		return ext == t.Value
	case query.FieldPath:
		if t.Modifier.Kind == query.ModPrefix {
			return strings.HasPrefix(strings.ToLower(m.Path), strings.ToLower(t.Value))
		}
	}
	return false
}

// NormalizeExt lowercases an extension and strips the leading dot.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
