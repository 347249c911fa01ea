package executor

import (
	"context"

	"github.com/hupe1980/tiersearch/model"
)

// Lookup returns the visible instance of key with its content attached, or
// nil when neither keyspace holds it. Buffered delta entries, tombstones
// included, supersede every disk copy; among disk copies the usual
// precedence applies. Unreadable tiers are skipped.
func (e *Executor) Lookup(ctx context.Context, key model.DocKey) (*model.Hit, error) {
	r := newRun(e, nil)
	defer r.release()

	var (
		hit   model.Hit
		found bool
	)
	if m, t := r.visibleMeta(ctx, key); m != nil {
		hit, found = hitFromMeta(t, m, 0), true
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c, t := r.visibleContent(ctx, key); c != nil {
		if !found {
			hit = model.Hit{Key: key, Tier: t, CommitStamp: c.CommitStamp}
			found = true
		}
		hit.Content = &c.ContentDoc
	}
	if !found {
		return nil, ctx.Err()
	}
	return &hit, nil
}
