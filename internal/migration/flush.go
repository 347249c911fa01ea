package migration

import (
	"context"
	"log/slog"
	"time"

	"github.com/hupe1980/tiersearch/internal/delta"
	"github.com/hupe1980/tiersearch/internal/resource"
	"github.com/hupe1980/tiersearch/internal/tier"
	"github.com/hupe1980/tiersearch/model"
)

// FlushStats summarizes one flush.
type FlushStats struct {
	Meta    int
	Content int
	Deleted int
	Bytes   int64
	// PerTier counts the records written to each disk tier.
	PerTier map[model.Tier]int
	// Remaining is the number of frozen entries left for the next flush.
	Remaining int
}

// Files returns the number of flushed entries.
func (s FlushStats) Files() int { return s.Meta + s.Content + s.Deleted }

// flusher moves frozen delta buffers into the disk tiers.
type flusher struct {
	store  *tier.Store
	delta  *delta.Index
	route  tier.RouteConfig
	policy PolicyFunc
	rc     *resource.Controller
	logger *slog.Logger
	now    func() time.Time
}

// flush freezes the active buffer and writes frozen buffers, oldest first,
// until the budget is spent. Entries are dropped from the delta only after
// every tier they touched has committed.
func (f *flusher) flush(ctx context.Context, b Budget) (FlushStats, error) {
	stats := FlushStats{PerTier: make(map[model.Tier]int)}
	bufs := f.delta.Freeze()
	if len(bufs) == 0 {
		f.delta.MarkFlushed()
		return stats, nil
	}

	trimmed := false
	for _, buf := range bufs {
		metas, contents := f.delta.Entries(buf)
		total := len(metas) + len(contents)
		if trimmed {
			stats.Remaining += total
			continue
		}

		metas, contents = f.limit(b, &stats, metas, contents)
		kept := len(metas) + len(contents)
		if kept > 0 {
			if err := f.write(ctx, &stats, metas, contents); err != nil {
				return stats, err
			}
			metaKeys := make([]model.DocKey, len(metas))
			for n, e := range metas {
				metaKeys[n] = e.Key
			}
			contentKeys := make([]model.DocKey, len(contents))
			for n, e := range contents {
				contentKeys[n] = e.Key
			}
			f.delta.Drop(buf, metaKeys, contentKeys)
		}
		// Newer buffers wait until this one is drained so an older
		// version never becomes visible again.
		if kept < total {
			trimmed = true
			stats.Remaining += total - kept
		}
	}
	if stats.Remaining > 0 {
		return stats, ErrBudgetExceeded
	}
	return stats, nil
}

// limit trims a buffer's entries to what is left of the budget. Only the
// first upsert of a flush may exceed MaxBytes on its own.
func (f *flusher) limit(b Budget, stats *FlushStats, metas []delta.MetaEntry, contents []delta.ContentEntry) ([]delta.MetaEntry, []delta.ContentEntry) {
	files := stats.Files()
	bytes := stats.Bytes
	fits := func(size int64) bool {
		if b.MaxFiles > 0 && files >= b.MaxFiles {
			return false
		}
		if b.MaxBytes > 0 && bytes > 0 && bytes+size > b.MaxBytes {
			return false
		}
		files++
		bytes += size
		return true
	}

	n := 0
	for ; n < len(metas); n++ {
		var size int64
		if rec := metas[n].Rec; rec != nil {
			size = int64(len(tier.EncodeMeta(rec)))
		}
		if !fits(size) {
			break
		}
	}
	metas = metas[:n]

	n = 0
	for ; n < len(contents); n++ {
		var size int64
		if rec := contents[n].Rec; rec != nil {
			size = int64(len(rec.Text) + contentOverhead)
		}
		if !fits(size) {
			break
		}
	}
	return metas, contents[:n]
}

// write stages the entries in the writers of every disk tier and commits
// them in tier order. An upsert goes to its routed tier and removes older
// copies elsewhere; a tombstone removes the record from every tier.
func (f *flusher) write(ctx context.Context, stats *FlushStats, metas []delta.MetaEntry, contents []delta.ContentEntry) error {
	if len(metas) == 0 && len(contents) == 0 {
		return nil
	}
	ids := make([]model.Tier, 0, len(model.DiskTiers))
	for _, t := range f.store.Tiers() {
		if t.Healthy() {
			ids = append(ids, t.ID())
		}
	}
	ws, err := f.store.Writers(ctx, ids...)
	if err != nil {
		return err
	}
	defer func() {
		for _, w := range ws {
			w.Discard()
		}
	}()

	now := f.now()
	var bytes int64
	perTier := make(map[model.Tier]int)

	removeElsewhere := func(kind model.IndexKind, key model.DocKey, keep model.Tier) error {
		for id, w := range ws {
			if id == keep {
				continue
			}
			if err := w.Delete(kind, key); err != nil {
				return err
			}
		}
		return nil
	}

	var deleted, metaN, contentN int
	for _, e := range metas {
		if e.Deleted() {
			deleted++
			if err := removeElsewhere(model.KindMeta, e.Key, model.TierDelta); err != nil {
				return err
			}
			continue
		}
		rec := *e.Rec
		rec.CommitStamp = e.Stamp
		dst, err := available(ws, tier.RouteTier(f.route, rec.Modified, rec.Size, f.policy(rec.Volume), false, now))
		if err != nil {
			return err
		}
		if err := ws[dst].PutMeta(&rec); err != nil {
			return err
		}
		if err := removeElsewhere(model.KindMeta, e.Key, dst); err != nil {
			return err
		}
		perTier[dst]++
		metaN++
		bytes += int64(len(tier.EncodeMeta(&rec)))
	}
	for _, e := range contents {
		if e.Deleted() {
			deleted++
			if err := removeElsewhere(model.KindContent, e.Key, model.TierDelta); err != nil {
				return err
			}
			continue
		}
		rec := *e.Rec
		rec.CommitStamp = e.Stamp
		dst, err := available(ws, tier.RouteTier(f.route, rec.Modified, rec.Size, f.policy(rec.Volume), true, now))
		if err != nil {
			return err
		}
		if err := ws[dst].PutContent(&rec); err != nil {
			return err
		}
		if err := removeElsewhere(model.KindContent, e.Key, dst); err != nil {
			return err
		}
		perTier[dst]++
		contentN++
		bytes += int64(len(rec.Text) + contentOverhead)
	}

	if err := f.rc.AcquireIO(ctx, bytes); err != nil {
		return err
	}
	for _, id := range model.DiskTiers {
		w, ok := ws[id]
		if !ok {
			continue
		}
		if err := w.Commit(); err != nil {
			return err
		}
	}

	stats.Meta += metaN
	stats.Content += contentN
	stats.Deleted += deleted
	stats.Bytes += bytes
	for t, n := range perTier {
		stats.PerTier[t] += n
	}
	return nil
}

// available maps a routed tier to a writable one. Cold falls back to warm
// when the cold tier is not open.
func available(ws map[model.Tier]*tier.Writer, t model.Tier) (model.Tier, error) {
	if _, ok := ws[t]; ok {
		return t, nil
	}
	if _, ok := ws[model.TierWarm]; ok && t == model.TierCold {
		return model.TierWarm, nil
	}
	return 0, &tier.Error{Tier: t, Err: tier.ErrTierUnavailable}
}
