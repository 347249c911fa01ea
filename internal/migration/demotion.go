package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hupe1980/tiersearch/internal/resource"
	"github.com/hupe1980/tiersearch/internal/tier"
	"github.com/hupe1980/tiersearch/model"
)

// ErrBudgetExceeded reports that a job stopped at its budget. The job keeps
// its cursor and resumes on the next tick.
var ErrBudgetExceeded = errors.New("migration budget exceeded")

// PolicyFunc returns the routing policy of a volume.
type PolicyFunc func(model.VolumeID) tier.VolumePolicy

func defaultPolicy(model.VolumeID) tier.VolumePolicy { return tier.PolicyDefault }

// Progress is the work done by one job run.
type Progress struct {
	Files int
	Bytes int64
	// Done is set when the run completed a pass over the source tier.
	Done bool
}

// record is one meta or content record selected for demotion.
type record struct {
	key   model.DocKey
	stamp int64
	size  int64
	meta  *model.StoredMeta
	cont  *model.StoredContent
}

const contentOverhead = 64

func metaRecord(m *model.StoredMeta) record {
	return record{key: m.Key, stamp: m.CommitStamp, size: int64(len(tier.EncodeMeta(m))), meta: m}
}

func contentRecord(c *model.StoredContent) record {
	return record{key: c.Key, stamp: c.CommitStamp, size: int64(len(c.Text) + contentOverhead), cont: c}
}

// demoter moves aged records from one disk tier to a colder one.
type demoter struct {
	store     *tier.Store
	route     tier.RouteConfig
	policy    PolicyFunc
	rc        *resource.Controller
	logger    *slog.Logger
	now       func() time.Time
	batchSize int

	// afterCopy runs after the destination commit of a batch. Tests use it
	// to interrupt a job between its two commits.
	afterCopy func(*Job) error
}

// eligible reports whether a record of j.Source has aged out of it.
func (d *demoter) eligible(j *Job, r record, now time.Time) bool {
	var dst model.Tier
	if r.meta != nil {
		dst = tier.RouteTier(d.route, r.meta.Modified, r.meta.Size, d.policy(r.meta.Volume), false, now)
	} else {
		dst = tier.RouteTier(d.route, r.cont.Modified, r.cont.Size, d.policy(r.cont.Volume), true, now)
	}
	return dst > j.Source
}

// run advances j within budget b. spent is what the tick already used of
// its byte budget; a single record larger than the budget is only moved by
// a tick that has spent nothing yet. save persists the job after every state
// change. It returns ErrBudgetExceeded when the budget ran out first.
func (d *demoter) run(ctx context.Context, j *Job, b Budget, spent int64, save func(*Job) error) (Progress, error) {
	var p Progress
	if j.State != StateCopying && j.State != StateDeleting {
		j.State = StateCopying
	}
	now := d.now()

	for {
		if err := ctx.Err(); err != nil {
			return p, err
		}
		limit := d.batchSize
		if b.MaxFiles > 0 {
			remaining := b.MaxFiles - p.Files
			if remaining <= 0 {
				return p, ErrBudgetExceeded
			}
			limit = min(limit, remaining)
		}
		var maxBytes int64
		if b.MaxBytes > 0 {
			maxBytes = b.MaxBytes - p.Bytes
			if maxBytes <= 0 {
				return p, ErrBudgetExceeded
			}
		}

		oversize := spent+p.Bytes == 0
		moved, bytes, end, err := d.batch(ctx, j, limit, maxBytes, oversize, now, save)
		p.Files += moved
		p.Bytes += bytes
		if err != nil {
			return p, err
		}
		if moved == 0 && !end {
			// The next eligible record does not fit what is left.
			return p, ErrBudgetExceeded
		}
		if end {
			j.Cursor = 0
			j.State = StateDone
			j.Pending = 0
			p.Done = true
			return p, save(j)
		}
	}
}

// batch moves up to limit eligible records starting at the job cursor. Both
// tier writers are held for the whole batch so no flush interleaves with it.
func (d *demoter) batch(ctx context.Context, j *Job, limit int, maxBytes int64, oversize bool, now time.Time, save func(*Job) error) (int, int64, bool, error) {
	ws, err := d.store.Writers(ctx, j.Source, j.Dest)
	if err != nil {
		return 0, 0, false, err
	}
	src, dst := ws[j.Source], ws[j.Dest]
	defer src.Discard()
	defer dst.Discard()

	srcTier, err := d.store.Tier(j.Source)
	if err != nil {
		return 0, 0, false, err
	}
	rd, err := srcTier.Reader()
	if err != nil {
		return 0, 0, false, err
	}
	recs, next, end, err := d.collect(ctx, rd, j, limit, maxBytes, oversize, now)
	rd.Release()
	if err != nil {
		return 0, 0, false, err
	}

	var bytes int64
	for _, r := range recs {
		bytes += r.size
	}
	if len(recs) > 0 {
		if err := d.rc.AcquireIO(ctx, bytes); err != nil {
			return 0, 0, false, err
		}
		for _, r := range recs {
			if r.meta != nil {
				err = dst.PutMeta(r.meta)
			} else {
				err = dst.PutContent(r.cont)
			}
			if err != nil {
				return 0, 0, false, err
			}
		}
		if err := dst.Commit(); err != nil {
			return 0, 0, false, err
		}

		j.State = StateDeleting
		j.Pending = len(recs)
		if err := save(j); err != nil {
			return 0, 0, false, err
		}
		if d.afterCopy != nil {
			if err := d.afterCopy(j); err != nil {
				return 0, 0, false, err
			}
		}

		for _, r := range recs {
			removed, err := src.DeleteIfStamp(j.Kind, r.key, r.stamp)
			if err != nil {
				return 0, 0, false, err
			}
			if !removed {
				d.logger.Debug("migration duplicate resolved by precedence",
					"job", j.ID(), "key", r.key.String())
			}
		}
		if err := src.Commit(); err != nil {
			return 0, 0, false, err
		}
	}

	j.State = StateCopying
	j.Pending = 0
	if !end {
		j.Cursor = next
		if err := save(j); err != nil {
			return len(recs), bytes, false, err
		}
	}
	return len(recs), bytes, end, nil
}

// collect scans the source from the job cursor. It returns the selected
// records, the first key not examined, and whether the scan reached the end
// of the keyspace. Selected records stay within maxBytes; with oversize set
// the first one may exceed it on its own.
func (d *demoter) collect(ctx context.Context, rd *tier.Reader, j *Job, limit int, maxBytes int64, oversize bool, now time.Time) ([]record, model.DocKey, bool, error) {
	var (
		recs  []record
		bytes int64
		next  model.DocKey
		full  bool
	)
	visit := func(r record) bool {
		if len(recs) >= limit {
			next, full = r.key, true
			return false
		}
		if !d.eligible(j, r, now) {
			return true
		}
		if maxBytes > 0 && bytes+r.size > maxBytes && (len(recs) > 0 || !oversize) {
			next, full = r.key, true
			return false
		}
		recs = append(recs, r)
		bytes += r.size
		return true
	}

	var err error
	switch j.Kind {
	case model.KindContent:
		err = rd.ScanContent(ctx, j.Cursor, func(c *model.StoredContent) bool { return visit(contentRecord(c)) })
	default:
		err = rd.ScanMeta(ctx, j.Cursor, func(m *model.StoredMeta) bool { return visit(metaRecord(m)) })
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("scan %s: %w", j.ID(), err)
	}
	return recs, next, !full, nil
}
