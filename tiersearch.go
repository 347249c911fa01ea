package tiersearch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/tiersearch/internal/cache"
	"github.com/hupe1980/tiersearch/internal/delta"
	"github.com/hupe1980/tiersearch/internal/executor"
	"github.com/hupe1980/tiersearch/internal/migration"
	"github.com/hupe1980/tiersearch/internal/planner"
	"github.com/hupe1980/tiersearch/internal/resource"
	"github.com/hupe1980/tiersearch/internal/tier"
	"github.com/hupe1980/tiersearch/model"
	"github.com/hupe1980/tiersearch/query"
)

// Hit is one search result attributed to the tier that served it.
type Hit = model.Hit

// DateRange restricts results by modification time. A zero bound is open.
type DateRange = planner.DateRange

// SearchOptions are per-query knobs.
type SearchOptions struct {
	// Limit caps the number of hits. 0 uses Config.Search.DefaultLimit.
	Limit int
	// Archive includes the cold tier even when the limit is reached earlier.
	Archive bool
	// DateRange filters by modification time and selects the tiers it overlaps.
	DateRange *DateRange
	// Timeout bounds the search. When it expires the hits found so far are
	// returned with Partial set. 0 uses Config.Search.Timeout.
	Timeout time.Duration
}

// SearchResponse is the result of one search.
type SearchResponse struct {
	// ID identifies the request in logs.
	ID   string
	Hits []Hit
	// Total is the number of matches found before Hits was cut to the limit.
	Total int
	// Truncated is set when matches beyond the limit were left out.
	Truncated bool
	// Partial is set when a tier was skipped or excluded, or the search
	// timed out.
	Partial      bool
	SkippedTiers []model.Tier
	// UnhealthyTiers are corrupt tiers left out until RebuildTier.
	UnhealthyTiers []model.Tier
	Took           time.Duration
}

// TierCounts are the live documents of one tier per keyspace.
type TierCounts struct {
	Meta    int
	Content int
}

// JobStatus is the persisted progress of a demotion job.
type JobStatus struct {
	ID        string
	Source    model.Tier
	Dest      model.Tier
	Kind      model.IndexKind
	State     string
	Cursor    model.DocKey
	Pending   int
	Attempts  int
	LastError string
	UpdatedAt time.Time
}

// Status is a snapshot of the engine state. ActiveMigrations counts the
// demotion jobs holding a background worker slot.
type Status struct {
	PerTierDocCounts    map[model.Tier]TierCounts
	DeltaSize           TierCounts
	DeltaContentBytes   int64
	LastFlushTime       time.Time
	MigrationQueueDepth int
	ActiveMigrations    int64
	UnhealthyTiers      []model.Tier
	Jobs                []JobStatus
	Cache               CacheStats
}

// JobReport is the outcome of one demotion job in a tick.
type JobReport struct {
	ID    string
	Files int
	Bytes int64
	Done  bool
	Err   error
}

// TickReport is the outcome of one coordinator tick.
type TickReport struct {
	Flushed     bool
	FlushedDocs int
	// Remaining delta entries that did not fit the flush budget.
	Remaining int
	FlushErr  error
	Jobs      []JobReport
}

// DB is a tiered search index.
type DB struct {
	cfg     Config
	logger  *Logger
	metrics MetricsObserver
	now     func() time.Time

	store *tier.Store
	delta *delta.Index
	cache *cache.FilterCache
	rc    *resource.Controller
	exec  *executor.Executor
	state *migration.StateStore
	coord *migration.Coordinator
	gov   migration.Governor

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates the index in dir. Tiers live in dir/hot, dir/warm
// and dir/cold; migration progress in dir/state.
func Open(dir string, optFns ...Option) (*DB, error) {
	o := applyOptions(optFns)
	cfg := o.config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dir == "" && !o.inMemory {
		return nil, fmt.Errorf("%w: empty directory", ErrInvalidArgument)
	}
	comp, _ := cfg.compression()
	policies, _ := cfg.policies()

	db := &DB{
		cfg:     cfg,
		logger:  o.logger,
		metrics: o.metrics,
		now:     o.clock,
	}
	slogger := o.logger.Logger

	merge := make(map[model.Tier]tier.MergePolicy, len(model.DiskTiers))
	for _, t := range model.DiskTiers {
		merge[t] = tier.MergePolicy{MemTableBytes: cfg.Resources.MemTableBytes}
	}
	store, err := tier.Open(context.Background(), tier.Config{
		Dir:           dir,
		InMemory:      o.inMemory,
		EnableCold:    cfg.EnableCold,
		Compression:   comp,
		MergePolicies: merge,
	}, slogger.With("component", "tier"))
	if err != nil {
		return nil, translateError(err)
	}
	db.store = store

	state, err := migration.OpenStateStore(filepath.Join(dir, stateName), o.inMemory, slogger)
	if err != nil {
		_ = store.Close()
		return nil, translateError(err)
	}
	db.state = state

	db.rc = resource.NewController(resource.Config{
		MemoryLimitBytes:     cfg.Resources.MemoryLimitBytes,
		MaxBackgroundWorkers: cfg.Resources.MaxBackgroundWorkers,
		IOLimitBytesPerSec:   cfg.Resources.IOLimitBytesPerSec,
	})
	db.cache = cache.New(cache.Config{
		MaxEntries: cfg.Cache.MaxEntries,
		MaxBytes:   cfg.Cache.MaxBytes,
	}, db.rc)
	db.delta = delta.New(delta.Config{
		MaxDocsMeta:          cfg.Delta.MaxDocsMeta,
		MaxDocsContent:       cfg.Delta.MaxDocsContent,
		MaxTotalBytesContent: cfg.Delta.MaxTotalBytesContent,
		FlushInterval:        cfg.Delta.FlushInterval,
	},
		delta.WithLogger(slogger.With("component", "delta")),
		delta.WithFlushSignal(db.signalFlush),
		delta.WithClock(db.now),
	)
	db.exec = executor.New(store, db.delta,
		executor.WithLogger(slogger.With("component", "executor")),
		executor.WithFilterCache(db.cache),
	)

	db.gov = o.governor
	if db.gov == nil {
		var g migration.Governor = migration.StaticGovernor{Default: migration.Budget{
			MaxFiles:             cfg.Migration.MaxFiles,
			MaxBytes:             cfg.Migration.MaxBytes,
			MaxConcurrentWorkers: cfg.Migration.MaxConcurrentWorkers,
		}}
		if !cfg.Migration.Static {
			g = migration.NewAdaptiveGovernor(g)
		}
		db.gov = g
	}

	coord, err := migration.New(store, db.delta, state, migration.Config{
		Route:        cfg.routeConfig(),
		Policies:     policies,
		TickInterval: cfg.Migration.TickInterval,
		MaxAttempts:  cfg.Migration.MaxAttempts,
		BatchSize:    cfg.Migration.BatchSize,
	},
		migration.WithLogger(slogger.With("component", "migration")),
		migration.WithGovernor(db.gov),
		migration.WithObserver(db.metrics),
		migration.WithResourceController(db.rc),
		migration.WithClock(db.now),
	)
	if err != nil {
		_ = state.Close()
		_ = store.Close()
		return nil, translateError(err)
	}
	db.coord = coord

	db.logger.Info("index opened",
		"dir", dir, "in_memory", o.inMemory, "cold", cfg.EnableCold,
		"hot_days", cfg.HotDays, "warm_days", cfg.WarmDays)
	return db, nil
}

func (db *DB) signalFlush() {
	if c := db.coord; c != nil {
		c.Signal()
	}
}

func (db *DB) checkOpen() error {
	if db.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Search runs expr across the tiers and returns the ranked hits.
func (db *DB) Search(ctx context.Context, expr query.Expr, opts SearchOptions) (*SearchResponse, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	if expr == nil {
		return nil, fmt.Errorf("%w: nil query", ErrInvalidArgument)
	}
	if opts.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit", ErrInvalidArgument)
	}
	limit := opts.Limit
	if limit == 0 {
		limit = db.cfg.Search.DefaultLimit
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = db.cfg.Search.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	id := uuid.NewString()
	p := planner.Build(expr, planner.PlanInput{
		DateRange: opts.DateRange,
		Archive:   opts.Archive,
		Limit:     limit,
		Now:       db.now(),
	}, planner.Config{
		HotDays:    db.cfg.HotDays,
		WarmDays:   db.cfg.WarmDays,
		EnableCold: db.cfg.EnableCold,
		Unhealthy:  db.store.Unhealthy(),
	})

	res, err := db.exec.Execute(ctx, p)
	if err != nil {
		err = translateError(err)
		db.metrics.OnSearch(0, 0, false, err)
		db.logger.LogSearch(ctx, id, 0, false, 0, err)
		return nil, err
	}

	resp := &SearchResponse{
		ID:           id,
		Hits:           res.Hits,
		Total:          res.Total,
		Truncated:      res.Truncated,
		Partial:        res.Partial,
		SkippedTiers:   res.SkippedTiers,
		UnhealthyTiers: res.UnhealthyTiers,
		Took:           res.Took,
	}
	db.metrics.OnSearch(resp.Took, len(resp.Hits), resp.Partial, nil)
	db.metrics.OnCacheStats(db.cacheStats())
	db.logger.LogSearch(ctx, id, len(resp.Hits), resp.Partial, resp.Took, nil)
	return resp, nil
}

// SearchString parses q and runs it.
func (db *DB) SearchString(ctx context.Context, q string, opts SearchOptions) (*SearchResponse, error) {
	expr, err := query.Parse(q)
	if err != nil {
		return nil, translateError(err)
	}
	return db.Search(ctx, expr, opts)
}

// Get returns the visible instance of key with its content, or ErrNotFound.
func (db *DB) Get(ctx context.Context, key model.DocKey) (*Hit, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	h, err := db.exec.Lookup(ctx, key)
	if err != nil {
		return nil, translateError(err)
	}
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return h, nil
}

// Apply feeds one change notification into the delta tier.
func (db *DB) Apply(ctx context.Context, ev model.ChangeEvent) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	switch ev.Kind {
	case model.ChangeDelete:
		db.delta.Delete(ev.Key)
		return nil
	case model.ChangeUpsert:
		if ev.Meta == nil && ev.Content == nil {
			return fmt.Errorf("%w: upsert of %s without meta or content", ErrInvalidArgument, ev.Key)
		}
		if (ev.Meta != nil && ev.Meta.Key != ev.Key) || (ev.Content != nil && ev.Content.Key != ev.Key) {
			return fmt.Errorf("%w: record key does not match event key %s", ErrInvalidArgument, ev.Key)
		}
		if ev.Meta != nil {
			db.delta.UpsertMeta(*ev.Meta)
		}
		if ev.Content != nil {
			db.delta.UpsertContent(*ev.Content)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown change kind %d", ErrInvalidArgument, ev.Kind)
}

// UpsertMeta buffers a metadata record.
func (db *DB) UpsertMeta(ctx context.Context, m model.FileMeta) error {
	return db.Apply(ctx, model.ChangeEvent{Key: m.Key, Kind: model.ChangeUpsert, Meta: &m})
}

// UpsertContent buffers a content record.
func (db *DB) UpsertContent(ctx context.Context, c model.ContentDoc) error {
	return db.Apply(ctx, model.ChangeEvent{Key: c.Key, Kind: model.ChangeUpsert, Content: &c})
}

// Delete removes a document from both keyspaces.
func (db *DB) Delete(ctx context.Context, key model.DocKey) error {
	return db.Apply(ctx, model.ChangeEvent{Key: key, Kind: model.ChangeDelete})
}

func (db *DB) cacheStats() CacheStats {
	s := db.cache.Stats()
	return CacheStats{
		Hits:      s.Hits,
		Misses:    s.Misses,
		Evictions: s.Evictions,
		Entries:   s.Entries,
		Bytes:     s.Bytes,
	}
}

// Status returns a snapshot of the engine state. Tier counts are gathered
// in parallel; unreadable tiers are listed in UnhealthyTiers.
func (db *DB) Status(ctx context.Context) (*Status, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	tiers := db.store.Tiers()
	counts := make([]TierCounts, len(tiers))
	g, ctx := errgroup.WithContext(ctx)
	for i, t := range tiers {
		if !t.Healthy() {
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rd, err := t.Reader()
			if err != nil {
				return err
			}
			defer rd.Release()
			if counts[i].Meta, err = rd.Count(model.KindMeta); err != nil {
				return err
			}
			counts[i].Content, err = rd.Count(model.KindContent)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, translateError(err)
	}

	ds := db.delta.Size()
	st := &Status{
		PerTierDocCounts:    make(map[model.Tier]TierCounts, len(tiers)),
		DeltaSize:           TierCounts{Meta: ds.Meta, Content: ds.Content},
		DeltaContentBytes:   ds.ContentBytes,
		LastFlushTime:       db.delta.LastFlush(),
		MigrationQueueDepth: db.coord.QueueDepth(),
		ActiveMigrations:    db.rc.BackgroundActive(),
		UnhealthyTiers:      db.store.Unhealthy(),
		Cache:               db.cacheStats(),
	}
	for i, t := range tiers {
		st.PerTierDocCounts[t.ID()] = counts[i]
	}
	for _, j := range db.coord.Jobs() {
		st.Jobs = append(st.Jobs, JobStatus{
			ID:        j.ID(),
			Source:    j.Source,
			Dest:      j.Dest,
			Kind:      j.Kind,
			State:     j.State.String(),
			Cursor:    j.Cursor,
			Pending:   j.Pending,
			Attempts:  j.Attempts,
			LastError: j.LastError,
			UpdatedAt: j.UpdatedAt,
		})
	}
	return st, nil
}

// ReportLoad passes a machine load sample to the migration budget. It has
// no effect when a fixed budget is configured.
func (db *DB) ReportLoad(cpuPercent float64, diskBusy bool) {
	if g, ok := db.gov.(*migration.AdaptiveGovernor); ok {
		g.Observe(migration.Load{
			QueueDepth: db.coord.QueueDepth(),
			CPUPercent: cpuPercent,
			DiskBusy:   diskBusy,
		})
	}
}

// Tick runs one coordinator round synchronously: a flush when the delta is
// due, then every demotion job within its budget.
func (db *DB) Tick(ctx context.Context) (*TickReport, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	r, err := db.coord.Tick(ctx)
	if r == nil {
		return nil, translateError(err)
	}
	out := &TickReport{
		Flushed:     r.Flushed,
		FlushedDocs: r.Flush.Files(),
		Remaining:   r.Flush.Remaining,
		FlushErr:    translateError(r.FlushErr),
	}
	if r.Flushed {
		db.logger.LogFlush(ctx, out.FlushedDocs, out.Remaining, out.FlushErr)
	}
	for _, j := range r.Jobs {
		jr := JobReport{ID: j.ID, Files: j.Files, Bytes: j.Bytes, Done: j.Done, Err: translateError(j.Err)}
		db.logger.LogDemotion(ctx, jr.ID, jr.Files, jr.Bytes, jr.Done, jr.Err)
		out.Jobs = append(out.Jobs, jr)
	}
	return out, translateError(err)
}

// Flush writes the delta to the disk tiers now. It returns ErrBudgetExceeded
// when entries remain for a later flush.
func (db *DB) Flush(ctx context.Context) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	stats, err := db.coord.Flush(ctx)
	err = translateError(err)
	db.logger.LogFlush(ctx, stats.Files(), stats.Remaining, ignoreBudget(err))
	return err
}

func ignoreBudget(err error) error {
	if errors.Is(err, ErrBudgetExceeded) {
		return nil
	}
	return err
}

// Start runs flushes and demotions in the background until Stop or Close.
func (db *DB) Start(ctx context.Context) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	db.coord.Start(ctx)
	return nil
}

// Stop stops the background loop.
func (db *DB) Stop() {
	db.coord.Stop()
}

// RebuildTier clears tier t and returns it to service. Documents it held
// are gone until they are re-ingested.
func (db *DB) RebuildTier(ctx context.Context, t model.Tier) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	h, err := db.store.Tier(t)
	if err != nil {
		return translateError(err)
	}
	if err := h.Rebuild(ctx); err != nil {
		return translateError(err)
	}
	db.cache.InvalidateTier(t)
	if err := db.coord.ResetJobs(t); err != nil {
		return translateError(err)
	}
	db.logger.Warn("tier rebuilt", "tier", t.String())
	return nil
}

// Close flushes the delta, stops background work and closes the tiers.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		db.closed.Store(true)
		db.coord.Stop()

		if err := db.drain(context.Background()); err != nil {
			db.logger.Error("final flush failed", "error", err)
			db.closeErr = err
		}

		db.coord.Close()
		db.closeErr = errors.Join(db.closeErr, db.state.Close(), db.store.Close())
		db.logger.Info("index closed")
	})
	return db.closeErr
}
