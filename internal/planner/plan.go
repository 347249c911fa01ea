package planner

import (
	"slices"
	"strings"
	"time"

	"github.com/hupe1980/tiersearch/model"
	"github.com/hupe1980/tiersearch/query"
)

const dayMillis = int64(24 * time.Hour / time.Millisecond)

// DateRange restricts results by modification time. A zero bound is open.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Config holds the tier boundaries the planner reasons about.
type Config struct {
	HotDays    int
	WarmDays   int
	EnableCold bool
	// Unhealthy disk tiers are never selected.
	Unhealthy []model.Tier
}

// PlanInput carries per-query knobs. Now is supplied by the caller so plan
// construction stays deterministic.
type PlanInput struct {
	DateRange *DateRange
	Archive   bool
	Limit     int
	Now       time.Time
}

// Plan is the executable form of a query.
type Plan struct {
	Filters   []FilterClause
	Scoring   *ScoringClause
	Signature uint64
	Limit     int
	Now       time.Time

	IncludeDelta bool
	IncludeHot   bool
	IncludeWarm  bool
	IncludeCold  bool

	// WarmMandated and ColdMandated tiers are visited even when the limit is
	// already satisfied.
	WarmMandated bool
	ColdMandated bool

	// Excluded lists unhealthy tiers the plan would otherwise have selected.
	Excluded []model.Tier
}

// Tiers returns the selected tiers in execution order.
func (p *Plan) Tiers() []model.Tier {
	tiers := make([]model.Tier, 0, 4)
	if p.IncludeDelta {
		tiers = append(tiers, model.TierDelta)
	}
	if p.IncludeHot {
		tiers = append(tiers, model.TierHot)
	}
	if p.IncludeWarm {
		tiers = append(tiers, model.TierWarm)
	}
	if p.IncludeCold {
		tiers = append(tiers, model.TierCold)
	}
	return tiers
}

// Mandated reports whether t must be visited regardless of early stop.
func (p *Plan) Mandated(t model.Tier) bool {
	switch t {
	case model.TierDelta, model.TierHot:
		return true
	case model.TierWarm:
		return p.WarmMandated
	case model.TierCold:
		return p.ColdMandated
	}
	return false
}

// Build normalizes and classifies expr and then builds its plan.
func Build(expr query.Expr, in PlanInput, cfg Config) *Plan {
	filters, scoring := Classify(Normalize(expr))
	return BuildPlan(filters, scoring, in, cfg)
}

// BuildPlan selects tiers for a classified query. It has no side effects.
func BuildPlan(filters []FilterClause, scoring *ScoringClause, in PlanInput, cfg Config) *Plan {
	fs := slices.Clone(filters)
	if r, ok := dateFilter(in.DateRange); ok {
		fs = append(fs, FilterClause{Expr: r})
	}
	slices.SortFunc(fs, func(a, b FilterClause) int { return strings.Compare(a.Key(), b.Key()) })
	fs = slices.CompactFunc(fs, func(a, b FilterClause) bool { return a.Key() == b.Key() })

	p := &Plan{
		Filters:      fs,
		Scoring:      scoring,
		Signature:    Signature(fs),
		Limit:        in.Limit,
		Now:          in.Now,
		IncludeDelta: true,
		IncludeHot:   true,
		IncludeWarm:  true,
	}

	now := in.Now.UnixMilli()
	hotCut := now - int64(cfg.HotDays)*dayMillis
	warmCut := now - int64(cfg.WarmDays)*dayMillis

	if dr := in.DateRange; dr != nil {
		lo, hi := bounds(dr)
		// Warm holds modified in [warmCut, hotCut).
		if lo < hotCut && hi >= warmCut {
			p.WarmMandated = true
		}
		if lo < warmCut {
			p.ColdMandated = true
		}
	}
	if in.Archive {
		p.ColdMandated = true
	}

	if !cfg.EnableCold {
		// Records past the warm boundary stay in warm when cold is disabled.
		if p.ColdMandated {
			p.WarmMandated = true
		}
		p.ColdMandated = false
	}
	p.IncludeCold = p.ColdMandated

	for _, t := range cfg.Unhealthy {
		var include *bool
		switch t {
		case model.TierHot:
			include = &p.IncludeHot
		case model.TierWarm:
			include = &p.IncludeWarm
		case model.TierCold:
			include = &p.IncludeCold
		default:
			continue
		}
		if *include && !slices.Contains(p.Excluded, t) {
			*include = false
			p.Excluded = append(p.Excluded, t)
		}
	}
	return p
}

func bounds(dr *DateRange) (int64, int64) {
	lo, hi := int64(-1<<63), int64(1<<63-1)
	if !dr.From.IsZero() {
		lo = dr.From.UnixMilli()
	}
	if !dr.To.IsZero() {
		hi = dr.To.UnixMilli()
	}
	return lo, hi
}

func dateFilter(dr *DateRange) (query.Expr, bool) {
	if dr == nil || (dr.From.IsZero() && dr.To.IsZero()) {
		return nil, false
	}
	switch {
	case dr.From.IsZero():
		return query.Compare(query.FieldModified, query.OpLe, dr.To.UnixMilli()), true
	case dr.To.IsZero():
		return query.Compare(query.FieldModified, query.OpGe, dr.From.UnixMilli()), true
	default:
		return query.Between(query.FieldModified, dr.From.UnixMilli(), dr.To.UnixMilli()), true
	}
}
