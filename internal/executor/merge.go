package executor

import (
	"cmp"
	"slices"
	"time"

	"github.com/hupe1980/tiersearch/model"
)

// Merge folds hits of one tier into merged. A key seen before keeps the
// instance with the greater commit stamp; on equal stamps the younger tier
// wins. Scores are never combined across tiers. Merge returns the number of
// duplicate keys it resolved.
func Merge(merged map[model.DocKey]model.Hit, hits []model.Hit) int {
	dup := 0
	for _, h := range hits {
		cur, ok := merged[h.Key]
		if !ok {
			merged[h.Key] = h
			continue
		}
		dup++
		if Precedes(h, cur) {
			merged[h.Key] = h
		}
	}
	return dup
}

// Precedes reports whether a supersedes b as the instance of the same doc key.
func Precedes(a, b model.Hit) bool {
	if a.CommitStamp != b.CommitStamp {
		return a.CommitStamp > b.CommitStamp
	}
	return a.Tier < b.Tier
}

// Rank orders hits by score descending, modified descending and doc key
// ascending, and truncates them to limit (no limit if <= 0).
func Rank(merged map[model.DocKey]model.Hit, limit int) []model.Hit {
	hits := make([]model.Hit, 0, len(merged))
	for _, h := range merged {
		hits = append(hits, h)
	}
	slices.SortFunc(hits, compareHits)
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func compareHits(a, b model.Hit) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	if c := modified(b).Compare(modified(a)); c != 0 {
		return c
	}
	return cmp.Compare(a.Key, b.Key)
}

func modified(h model.Hit) time.Time {
	switch {
	case h.Meta != nil:
		return h.Meta.Modified
	case h.Content != nil:
		return h.Content.Modified
	}
	return time.Time{}
}

// topK keeps the best hits of one tier in bounded memory.
type topK struct {
	limit int
	seen  int
	buf   []model.Hit
}

func newTopK(limit int) *topK {
	return &topK{limit: limit}
}

func (t *topK) push(h model.Hit) {
	t.seen++
	t.buf = append(t.buf, h)
	if t.limit > 0 && len(t.buf) >= 2*t.limit+64 {
		t.trim()
	}
}

func (t *topK) trim() {
	slices.SortFunc(t.buf, compareHits)
	if t.limit > 0 && len(t.buf) > t.limit {
		t.buf = t.buf[:t.limit]
	}
}

func (t *topK) hits() []model.Hit {
	t.trim()
	return t.buf
}
