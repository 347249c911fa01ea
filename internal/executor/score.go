package executor

import (
	"context"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/tiersearch/internal/planner"
	"github.com/hupe1980/tiersearch/lexical"
	"github.com/hupe1980/tiersearch/model"
	"github.com/hupe1980/tiersearch/query"
)

// isTextTerm reports whether t is answered from an inverted index. Path
// prefixes are string predicates on the full path instead.
func isTextTerm(t query.Term) bool {
	if t.Field == query.FieldPath && t.Modifier.Kind == query.ModPrefix {
		return false
	}
	return t.Field.Textual()
}

// needsUniverse reports whether e can match documents that contain none of
// its positive text terms, e.g. a negation or a metadata predicate in an Or.
func needsUniverse(e query.Expr) bool {
	switch n := e.(type) {
	case query.Term:
		return !isTextTerm(n)
	case query.Range:
		return true
	case query.Not:
		return true
	case query.And:
		for _, c := range n.Exprs {
			if !needsUniverse(c) {
				return false
			}
		}
		return true
	case query.Or:
		for _, c := range n.Exprs {
			if needsUniverse(c) {
				return true
			}
		}
		return false
	}
	return true
}

// doc is the document under evaluation with its visible records and the
// tiers holding them.
type doc struct {
	key      model.DocKey
	meta     *model.StoredMeta
	metaTier model.Tier

	content       *model.StoredContent
	contentTier   model.Tier
	contentLoaded bool
}

// scorer evaluates a scoring clause against one tier. A text term is scored
// from the postings of the tier holding the document's record for the term's
// field, so metadata and content living in different tiers still combine.
type scorer struct {
	run          *run
	rd           reader
	mode         planner.ScoringMode
	nameBoost    float32
	contentBoost float32

	positive []query.Term
}

// prepare runs the index lookups of every text term in e against the tier.
func (s *scorer) prepare(ctx context.Context, e query.Expr) error {
	return s.collect(ctx, e, false)
}

func (s *scorer) collect(ctx context.Context, e query.Expr, negated bool) error {
	switch n := e.(type) {
	case query.Term:
		if !isTextTerm(n) {
			return nil
		}
		for _, f := range termFields(n.Field) {
			if _, err := s.run.fieldScores(ctx, s.rd.Tier(), n, f); err != nil {
				return err
			}
		}
		if !negated {
			s.positive = append(s.positive, n)
		}
	case query.Not:
		return s.collect(ctx, n.Expr, !negated)
	case query.And:
		for _, c := range n.Exprs {
			if err := s.collect(ctx, c, negated); err != nil {
				return err
			}
		}
	case query.Or:
		for _, c := range n.Exprs {
			if err := s.collect(ctx, c, negated); err != nil {
				return err
			}
		}
	}
	return nil
}

// matchedKeys returns the documents of the tier matching any positive text
// term in one of its fields.
func (s *scorer) matchedKeys(ctx context.Context) (*roaring64.Bitmap, error) {
	out := roaring64.New()
	for _, t := range s.positive {
		for _, f := range termFields(t.Field) {
			scores, err := s.run.fieldScores(ctx, s.rd.Tier(), t, f)
			if err != nil {
				return nil, err
			}
			for k := range scores {
				out.Add(uint64(k))
			}
		}
	}
	return out, nil
}

func (s *scorer) weight(f query.Field) float32 {
	if s.mode != planner.ModeHybrid {
		return 1
	}
	if f == query.FieldContent {
		return s.contentBoost
	}
	return s.nameBoost
}

func termFields(f query.Field) []query.Field {
	if f == query.FieldDefault {
		return []query.Field{query.FieldName, query.FieldContent}
	}
	return []query.Field{f}
}

// fieldScores returns the unweighted BM25 scores of a text term on one field
// of tier t. Multi-token values must match every token; the per-token scores
// are summed. Keys whose record in t is superseded by the delta are left out.
// Results are cached for the run.
func (r *run) fieldScores(ctx context.Context, t model.Tier, term query.Term, f query.Field) (map[model.DocKey]float32, error) {
	key := scoreKey{tier: t, field: f, term: term.Key()}
	if scores, ok := r.scores[key]; ok {
		return scores, nil
	}
	rd, err := r.reader(t)
	if err != nil {
		return nil, err
	}

	out := make(map[model.DocKey]float32)
	tokens := lexical.Tokenize(model.AnalyzerStandard, term.Value)
	for i, tok := range tokens {
		scores, err := rd.Search(ctx, f, tok, term.Modifier)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			out = scores
			continue
		}
		for k, v := range out {
			if sv, ok := scores[k]; ok {
				out[k] = v + sv
			} else {
				delete(out, k)
			}
		}
	}

	kind := model.KindMeta
	if f == query.FieldContent {
		kind = model.KindContent
	}
	for k := range out {
		if r.shadowed(t, kind, k) {
			delete(out, k)
		}
	}
	r.scores[key] = out
	return out, nil
}

type scoreKey struct {
	tier  model.Tier
	field query.Field
	term  string
}

// termScore scores a text term for d. Each field is looked up in the visited
// tier first and otherwise in the tier holding d's record for that field.
func (s *scorer) termScore(ctx context.Context, t query.Term, d *doc) (bool, float32, error) {
	var (
		total   float32
		matched bool
	)
	visited := s.rd.Tier()
	for _, f := range termFields(t.Field) {
		scores, err := s.run.fieldScores(ctx, visited, t, f)
		if err != nil {
			return false, 0, err
		}
		v, ok := scores[d.key]
		if !ok {
			src, found := s.source(ctx, f, d)
			if !found || src == visited {
				continue
			}
			remote, err := s.run.fieldScores(ctx, src, t, f)
			if err != nil {
				s.run.ex.logger.Debug("term lookup failed", "tier", src, "key", d.key, "error", err)
				continue
			}
			if v, ok = remote[d.key]; !ok {
				continue
			}
		}
		total += v * s.weight(f)
		matched = true
	}
	if matched && t.Modifier.Kind == query.ModPhrase {
		if !s.phrase(ctx, t, d) {
			return false, 0, nil
		}
	}
	return matched, total, nil
}

// source returns the tier holding d's record for field f.
func (s *scorer) source(ctx context.Context, f query.Field, d *doc) (model.Tier, bool) {
	if f == query.FieldContent {
		c := s.content(ctx, d)
		return d.contentTier, c != nil
	}
	return d.metaTier, d.meta != nil
}

func (s *scorer) content(ctx context.Context, d *doc) *model.StoredContent {
	if !d.contentLoaded {
		d.content, d.contentTier = s.run.visibleContent(ctx, d.key)
		d.contentLoaded = true
	}
	return d.content
}

// eval evaluates e for document d.
func (s *scorer) eval(ctx context.Context, e query.Expr, d *doc) (bool, float32, error) {
	switch n := e.(type) {
	case query.Term:
		if !isTextTerm(n) {
			return d.meta != nil && MatchMeta(n, &d.meta.FileMeta), 0, nil
		}
		return s.termScore(ctx, n, d)
	case query.Range:
		return d.meta != nil && MatchMeta(n, &d.meta.FileMeta), 0, nil
	case query.Not:
		matched, _, err := s.eval(ctx, n.Expr, d)
		return !matched, 0, err
	case query.And:
		var total float32
		for _, c := range n.Exprs {
			matched, score, err := s.eval(ctx, c, d)
			if err != nil || !matched {
				return false, 0, err
			}
			total += score
		}
		return true, total, nil
	case query.Or:
		var (
			total float32
			hit   bool
		)
		for _, c := range n.Exprs {
			matched, score, err := s.eval(ctx, c, d)
			if err != nil {
				return false, 0, err
			}
			if matched {
				hit = true
				total += score
			}
		}
		return hit, total, nil
	}
	return false, 0, nil
}

// phrase verifies that the term's tokens occur consecutively in one of the
// term's fields.
func (s *scorer) phrase(ctx context.Context, t query.Term, d *doc) bool {
	want := lexical.Tokenize(model.AnalyzerStandard, t.Value)
	for _, f := range termFields(t.Field) {
		var text string
		switch f {
		case query.FieldName, query.FieldPath:
			if d.meta == nil {
				continue
			}
			text = d.meta.Name
			if f == query.FieldPath {
				text = d.meta.Path
			}
		case query.FieldContent:
			c := s.content(ctx, d)
			if c == nil {
				continue
			}
			text = c.Text
		}
		if lexical.ContainsPhrase(lexical.Tokenize(model.AnalyzerStandard, text), want) {
			return true
		}
	}
	return false
}
