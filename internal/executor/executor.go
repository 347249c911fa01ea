package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/tiersearch/internal/cache"
	"github.com/hupe1980/tiersearch/internal/delta"
	"github.com/hupe1980/tiersearch/internal/planner"
	"github.com/hupe1980/tiersearch/internal/tier"
	"github.com/hupe1980/tiersearch/model"
	"github.com/hupe1980/tiersearch/query"
)

// reader is the read contract shared by the delta and the disk tiers.
type reader interface {
	Tier() model.Tier
	Generation() uint64
	Meta(key model.DocKey) (*model.StoredMeta, error)
	Content(key model.DocKey) (*model.StoredContent, error)
	ScanMeta(ctx context.Context, from model.DocKey, fn func(*model.StoredMeta) bool) error
	AllKeys(ctx context.Context, kind model.IndexKind) (*roaring64.Bitmap, error)
	Search(ctx context.Context, field query.Field, token string, mod query.Modifier) (map[model.DocKey]float32, error)
	Release()
}

var (
	_ reader = (*tier.Reader)(nil)
	_ reader = (*delta.Reader)(nil)
)

// Result is the outcome of executing a plan.
type Result struct {
	Hits []model.Hit
	// Partial is set when a tier was skipped or excluded as unhealthy, or the
	// context ended before every selected tier was visited.
	Partial      bool
	SkippedTiers []model.Tier
	// UnhealthyTiers were left out of the plan.
	UnhealthyTiers []model.Tier
	VisitedTiers []model.Tier
	// Total counts the matches gathered before the limit was applied. Matches
	// a tier cut locally are counted without deduplication across tiers.
	Total int
	// Truncated is set when Total exceeds the returned hits.
	Truncated bool
	Took      time.Duration
}

// Executor runs plans across the delta and the disk tiers.
type Executor struct {
	store  *tier.Store
	delta  *delta.Index
	cache  *cache.FilterCache
	logger *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithFilterCache enables candidate-set caching for disk tiers.
func WithFilterCache(c *cache.FilterCache) Option {
	return func(e *Executor) { e.cache = c }
}

// New creates an executor over store and the delta index.
func New(store *tier.Store, d *delta.Index, opts ...Option) *Executor {
	e := &Executor{
		store:  store,
		delta:  d,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Execute runs p. Tier failures never fail the query: the tier is skipped
// and the result is marked partial. Context cancellation stops escalation
// and returns what was gathered so far.
func (e *Executor) Execute(ctx context.Context, p *planner.Plan) (*Result, error) {
	if p == nil {
		return nil, errors.New("nil plan")
	}
	r := newRun(e, p)
	defer r.release()
	return r.execute(ctx), nil
}

func (r *run) execute(ctx context.Context) *Result {
	e, p := r.ex, r.plan
	start := time.Now()
	res := &Result{
		UnhealthyTiers: p.Excluded,
		Partial:        len(p.Excluded) > 0,
	}

	merged := make(map[model.DocKey]model.Hit)
	for i, t := range p.Tiers() {
		if ctx.Err() != nil {
			res.Partial = true
			break
		}
		// Early stop: skip tiers the plan does not mandate once the limit is met.
		if i > 0 && p.Limit > 0 && len(merged) >= p.Limit && !p.Mandated(t) {
			continue
		}

		hits, err := r.executeTier(ctx, t)
		if err != nil {
			if ctx.Err() != nil {
				res.Partial = true
				break
			}
			e.tierFailed(t, err)
			res.Partial = true
			res.SkippedTiers = append(res.SkippedTiers, t)
			continue
		}
		res.VisitedTiers = append(res.VisitedTiers, t)
		if dup := Merge(merged, hits); dup > 0 {
			e.logger.Debug("duplicate hits resolved by precedence", "tier", t, "duplicates", dup)
		}
	}

	res.Hits = Rank(merged, p.Limit)
	res.Total = len(merged) + r.cut
	res.Truncated = res.Total > len(res.Hits)
	r.attachContent(res.Hits)
	res.Took = time.Since(start)
	return res
}

func (e *Executor) tierFailed(t model.Tier, err error) {
	if errors.Is(err, tier.ErrCorrupt) {
		if h, herr := e.store.Tier(t); herr == nil {
			h.MarkCorrupt(err)
		}
		if e.cache != nil {
			e.cache.InvalidateTier(t)
		}
	}
	e.logger.Warn("tier skipped", "tier", t, "error", err)
}

// run holds the readers of one plan execution.
type run struct {
	ex      *Executor
	plan    *planner.Plan
	delta   *delta.Reader
	readers map[model.Tier]reader
	failed  map[model.Tier]error

	scores  map[scoreKey]map[model.DocKey]float32
	// Matches dropped by per-tier top-k before merging.
	cut int

	// Keys buffered in the delta snapshot; their disk copies are superseded.
	shadowMeta    *roaring64.Bitmap
	shadowContent *roaring64.Bitmap
}

// newRun snapshots the delta before any disk reader is opened, so an entry
// flushed and dropped meanwhile is still found in the snapshot or on disk.
func newRun(e *Executor, p *planner.Plan) *run {
	dr := e.delta.Reader()
	return &run{
		ex:            e,
		plan:          p,
		delta:         dr,
		readers:       map[model.Tier]reader{model.TierDelta: dr},
		failed:        make(map[model.Tier]error),
		scores:        make(map[scoreKey]map[model.DocKey]float32),
		shadowMeta:    dr.Shadow(model.KindMeta),
		shadowContent: dr.Shadow(model.KindContent),
	}
}

func (r *run) release() {
	for _, rd := range r.readers {
		rd.Release()
	}
}

func (r *run) reader(t model.Tier) (reader, error) {
	if rd, ok := r.readers[t]; ok {
		return rd, nil
	}
	if err, ok := r.failed[t]; ok {
		return nil, err
	}
	h, err := r.ex.store.Tier(t)
	if err == nil && !h.Healthy() {
		err = &tier.Error{Tier: t, Err: tier.ErrTierUnavailable}
	}
	var rd *tier.Reader
	if err == nil {
		rd, err = h.Reader()
	}
	if err != nil {
		r.failed[t] = err
		return nil, err
	}
	r.readers[t] = rd
	return rd, nil
}

func (r *run) executeTier(ctx context.Context, t model.Tier) ([]model.Hit, error) {
	rd, err := r.reader(t)
	if err != nil {
		return nil, err
	}

	var cands *roaring64.Bitmap
	if len(r.plan.Filters) > 0 {
		if cands, err = r.candidates(ctx, rd); err != nil {
			return nil, err
		}
	}
	if r.plan.Scoring == nil {
		return r.filterOnly(ctx, rd, cands)
	}
	return r.score(ctx, rd, cands)
}

// candidates returns the doc keys of rd's metadata keyspace that satisfy the
// plan filters. Disk results are cached under the reader generation. The
// returned bitmap must not be modified.
func (r *run) candidates(ctx context.Context, rd reader) (*roaring64.Bitmap, error) {
	t, gen := rd.Tier(), rd.Generation()
	c := r.ex.cache
	if t != model.TierDelta && c != nil {
		if set, ok := c.Get(r.plan.Signature, t, gen); ok {
			return set, nil
		}
	}
	set := roaring64.New()
	err := rd.ScanMeta(ctx, 0, func(m *model.StoredMeta) bool {
		if MatchFilters(r.plan.Filters, &m.FileMeta) {
			set.Add(uint64(m.Key))
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if t != model.TierDelta && c != nil {
		c.Put(r.plan.Signature, t, gen, set)
	}
	return set, nil
}

func (r *run) shadowed(t model.Tier, kind model.IndexKind, k model.DocKey) bool {
	if t == model.TierDelta {
		return false
	}
	if kind == model.KindMeta {
		return r.shadowMeta.Contains(uint64(k))
	}
	return r.shadowContent.Contains(uint64(k))
}

// filterOnly returns the metadata records of the tier matching the filters,
// unscored. Without filters every record matches.
func (r *run) filterOnly(ctx context.Context, rd reader, cands *roaring64.Bitmap) ([]model.Hit, error) {
	t := rd.Tier()
	top := newTopK(r.plan.Limit)

	add := func(m *model.StoredMeta) {
		if r.shadowed(t, model.KindMeta, m.Key) {
			return
		}
		top.push(hitFromMeta(t, m, 0))
	}

	if cands == nil {
		err := rd.ScanMeta(ctx, 0, func(m *model.StoredMeta) bool {
			add(m)
			return true
		})
		return r.collect(top), err
	}

	it := cands.Iterator()
	for n := 0; it.HasNext(); n++ {
		if n%256 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m, err := rd.Meta(model.DocKey(it.Next()))
		if err != nil {
			return nil, err
		}
		if m != nil {
			add(m)
		}
	}
	return r.collect(top), nil
}

func (r *run) collect(top *topK) []model.Hit {
	hits := top.hits()
	r.cut += top.seen - len(hits)
	return hits
}

// score evaluates the scoring clause over the tier.
func (r *run) score(ctx context.Context, rd reader, cands *roaring64.Bitmap) ([]model.Hit, error) {
	t := rd.Tier()
	sc := r.plan.Scoring

	s := &scorer{run: r, rd: rd, mode: sc.Mode, nameBoost: sc.NameBoost, contentBoost: sc.ContentBoost}
	if err := s.prepare(ctx, sc.Expr); err != nil {
		return nil, err
	}

	docs, err := s.matchedKeys(ctx)
	if err != nil {
		return nil, err
	}
	if needsUniverse(sc.Expr) {
		if cands != nil {
			docs.Or(cands)
		} else {
			for _, kind := range []model.IndexKind{model.KindMeta, model.KindContent} {
				keys, err := rd.AllKeys(ctx, kind)
				if err != nil {
					return nil, err
				}
				docs.Or(keys)
			}
		}
	}

	top := newTopK(r.plan.Limit)
	it := docs.Iterator()
	for n := 0; it.HasNext(); n++ {
		if n%256 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		k := model.DocKey(it.Next())

		m, mt, ok, err := r.metaFor(ctx, rd, k)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Deleted in the delta.
			continue
		}
		local := m != nil && mt == t
		if len(r.plan.Filters) > 0 {
			switch {
			case m == nil:
				continue
			case local:
				if !cands.Contains(uint64(k)) {
					continue
				}
			default:
				if !MatchFilters(r.plan.Filters, &m.FileMeta) {
					continue
				}
			}
		}

		d := &doc{key: k, meta: m, metaTier: mt}
		matched, score, err := s.eval(ctx, sc.Expr, d)
		if err != nil {
			return nil, err
		}
		if !matched {
			continue
		}

		if local {
			top.push(hitFromMeta(t, m, score))
			continue
		}
		// Content-only hit: its metadata lives in another tier, if anywhere.
		c, err := rd.Content(k)
		if err != nil {
			return nil, err
		}
		if c == nil || r.shadowed(t, model.KindContent, k) {
			continue
		}
		h := model.Hit{Key: k, Score: score, Tier: t, Content: &c.ContentDoc, CommitStamp: c.CommitStamp}
		if m != nil {
			h.Meta = &m.FileMeta
		}
		top.push(h)
	}
	return r.collect(top), nil
}

// metaFor resolves the metadata of k as seen from tier rd and the tier
// holding it. A record in rd itself is preferred. ok is false when the delta
// holds a metadata tombstone for k.
func (r *run) metaFor(ctx context.Context, rd reader, k model.DocKey) (m *model.StoredMeta, mt model.Tier, ok bool, err error) {
	t := rd.Tier()
	if !r.shadowed(t, model.KindMeta, k) {
		if m, err = rd.Meta(k); err != nil {
			return nil, 0, false, err
		}
		if m != nil {
			return m, t, true, nil
		}
	}
	if r.delta.MetaDeleted(k) {
		return nil, 0, false, nil
	}
	m, mt = r.visibleMeta(ctx, k)
	return m, mt, true, ctx.Err()
}

// visibleMeta returns the metadata instance of k that wins precedence and
// its tier, or nil. A key buffered in the delta resolves to the delta.
// Tiers that cannot be read are ignored.
func (r *run) visibleMeta(ctx context.Context, k model.DocKey) (*model.StoredMeta, model.Tier) {
	if r.shadowMeta.Contains(uint64(k)) {
		m, _ := r.delta.Meta(k)
		return m, model.TierDelta
	}
	var (
		best *model.StoredMeta
		bt   model.Tier
	)
	for _, t := range model.DiskTiers {
		if ctx.Err() != nil {
			break
		}
		rd, err := r.reader(t)
		if err != nil {
			continue
		}
		m, err := rd.Meta(k)
		if err != nil {
			r.ex.logger.Debug("metadata lookup failed", "tier", t, "key", k, "error", err)
			continue
		}
		if m != nil && (best == nil || Precedes(model.Hit{CommitStamp: m.CommitStamp, Tier: t}, model.Hit{CommitStamp: best.CommitStamp, Tier: bt})) {
			best, bt = m, t
		}
	}
	return best, bt
}

// visibleContent is visibleMeta for the content keyspace.
func (r *run) visibleContent(ctx context.Context, k model.DocKey) (*model.StoredContent, model.Tier) {
	if r.shadowContent.Contains(uint64(k)) {
		c, _ := r.delta.Content(k)
		return c, model.TierDelta
	}
	var (
		best *model.StoredContent
		bt   model.Tier
	)
	for _, t := range model.DiskTiers {
		if ctx.Err() != nil {
			break
		}
		rd, err := r.reader(t)
		if err != nil {
			continue
		}
		c, err := rd.Content(k)
		if err != nil {
			r.ex.logger.Debug("content lookup failed", "tier", t, "key", k, "error", err)
			continue
		}
		if c != nil && (best == nil || Precedes(model.Hit{CommitStamp: c.CommitStamp, Tier: t}, model.Hit{CommitStamp: best.CommitStamp, Tier: bt})) {
			best, bt = c, t
		}
	}
	return best, bt
}

// attachContent fills in the content record of hits whose tier holds one.
func (r *run) attachContent(hits []model.Hit) {
	for i := range hits {
		h := &hits[i]
		if h.Content != nil || r.shadowed(h.Tier, model.KindContent, h.Key) {
			continue
		}
		rd, ok := r.readers[h.Tier]
		if !ok {
			continue
		}
		if c, err := rd.Content(h.Key); err == nil && c != nil {
			h.Content = &c.ContentDoc
		}
	}
}

func hitFromMeta(t model.Tier, m *model.StoredMeta, score float32) model.Hit {
	return model.Hit{Key: m.Key, Score: score, Tier: t, Meta: &m.FileMeta, CommitStamp: m.CommitStamp}
}
