package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/hupe1980/tiersearch/internal/delta"
	"github.com/hupe1980/tiersearch/internal/resource"
	"github.com/hupe1980/tiersearch/internal/tier"
	"github.com/hupe1980/tiersearch/model"
)

// Config configures the coordinator. Zero values select the defaults.
type Config struct {
	Route    tier.RouteConfig
	Policies map[model.VolumeID]tier.VolumePolicy

	// TickInterval between background ticks. Default 30s.
	TickInterval time.Duration
	// MaxAttempts per job and tick before the job is marked failed. Default 3.
	MaxAttempts int
	// BaseBackoff is the first retry delay; it doubles per attempt. Default 100ms.
	BaseBackoff time.Duration
	// BatchSize is the number of records moved per demotion commit. Default 256.
	BatchSize int
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 100 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 256
	}
}

// Observer receives migration events.
type Observer interface {
	OnFlush(duration time.Duration, docs int, err error)
	OnDemotion(src, dst model.Tier, kind model.IndexKind, docs int, bytes int64, err error)
	OnQueueDepth(name string, depth int)
}

type noopObserver struct{}

func (noopObserver) OnFlush(time.Duration, int, error)                                      {}
func (noopObserver) OnDemotion(model.Tier, model.Tier, model.IndexKind, int, int64, error) {}
func (noopObserver) OnQueueDepth(string, int)                                               {}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithGovernor sets the budget source. Default is an AdaptiveGovernor over
// DefaultBudget.
func WithGovernor(g Governor) Option {
	return func(c *Coordinator) {
		if g != nil {
			c.gov = g
		}
	}
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) {
		if o != nil {
			c.obs = o
		}
	}
}

// WithResourceController limits background workers and IO.
func WithResourceController(rc *resource.Controller) Option {
	return func(c *Coordinator) { c.rc = rc }
}

// WithClock sets the time source used for routing.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// JobReport is the outcome of one job in a tick.
type JobReport struct {
	ID       string
	Files    int
	Bytes    int64
	Done     bool
	Attempts int
	Err      error
}

// TickReport is the outcome of one tick.
type TickReport struct {
	Flushed  bool
	Flush    FlushStats
	FlushErr error
	Jobs     []JobReport
}

// Coordinator runs flush and demotion jobs.
type Coordinator struct {
	cfg    Config
	store  *tier.Store
	delta  *delta.Index
	state  *StateStore
	gov    Governor
	rc     *resource.Controller
	obs    Observer
	logger *slog.Logger
	now    func() time.Time

	flusher *flusher
	demoter *demoter
	pool    *ants.Pool

	// tickMu serializes ticks and flushes.
	tickMu sync.Mutex

	jobsMu sync.Mutex
	jobs   map[string]*Job

	signal    chan struct{}
	closeOnce sync.Once
	loopMu    sync.Mutex
	cancel    context.CancelFunc
	loopDone  chan struct{}
}

// New creates a coordinator and loads the persisted jobs. Jobs stopped in
// the middle of a pass resume from their cursor on the next tick.
func New(store *tier.Store, d *delta.Index, state *StateStore, cfg Config, opts ...Option) (*Coordinator, error) {
	cfg.applyDefaults()
	c := &Coordinator{
		cfg:    cfg,
		store:  store,
		delta:  d,
		state:  state,
		obs:    noopObserver{},
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
		jobs:   make(map[string]*Job),
		signal: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.gov == nil {
		c.gov = NewAdaptiveGovernor(nil)
	}

	policy := defaultPolicy
	if len(cfg.Policies) > 0 {
		policy = func(v model.VolumeID) tier.VolumePolicy { return cfg.Policies[v] }
	}
	c.flusher = &flusher{
		store:  store,
		delta:  d,
		route:  cfg.Route,
		policy: policy,
		rc:     c.rc,
		logger: c.logger,
		now:    c.now,
	}
	c.demoter = &demoter{
		store:     store,
		route:     cfg.Route,
		policy:    policy,
		rc:        c.rc,
		logger:    c.logger,
		now:       c.now,
		batchSize: cfg.BatchSize,
	}

	pool, err := ants.NewPool(DefaultBudget().MaxConcurrentWorkers)
	if err != nil {
		return nil, err
	}
	c.pool = pool

	if err := c.loadJobs(); err != nil {
		pool.Release()
		return nil, err
	}
	return c, nil
}

// demotions lists the demotion routes of the open tiers.
func (c *Coordinator) demotions() [][2]model.Tier {
	routes := [][2]model.Tier{{model.TierHot, model.TierWarm}}
	if _, err := c.store.Tier(model.TierCold); err == nil {
		routes = append(routes, [2]model.Tier{model.TierWarm, model.TierCold})
	}
	return routes
}

func (c *Coordinator) loadJobs() error {
	for _, r := range c.demotions() {
		for _, kind := range []model.IndexKind{model.KindMeta, model.KindContent} {
			id := JobID(r[0], r[1], kind)
			j, err := c.state.Load(id)
			if err != nil {
				return fmt.Errorf("load job %s: %w", id, err)
			}
			if j == nil {
				j = &Job{Source: r[0], Dest: r[1], Kind: kind, State: StatePending}
				if err := c.state.Save(j); err != nil {
					return fmt.Errorf("save job %s: %w", id, err)
				}
			} else if j.Active() {
				c.logger.Info("resuming migration job",
					"job", id, "state", j.State.String(), "cursor", uint64(j.Cursor))
			}
			c.jobs[id] = j
		}
	}
	return nil
}

func (c *Coordinator) save(j *Job) error {
	if err := c.state.Save(j); err != nil {
		return fmt.Errorf("save job %s: %w", j.ID(), err)
	}
	return nil
}

// Jobs returns a snapshot of every job ordered by id.
func (c *Coordinator) Jobs() []Job {
	c.jobsMu.Lock()
	defer c.jobsMu.Unlock()
	out := make([]Job, 0, len(c.jobs))
	for _, j := range c.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID() < out[b].ID() })
	return out
}

// QueueDepth is the number of delta entries waiting for a flush plus the
// records of interrupted demotion batches.
func (c *Coordinator) QueueDepth() int {
	s := c.delta.Size()
	depth := s.Meta + s.Content
	c.jobsMu.Lock()
	for _, j := range c.jobs {
		depth += j.Pending
	}
	c.jobsMu.Unlock()
	return depth
}

// ResetJobs restarts every job touching t from the beginning of its keyspace.
func (c *Coordinator) ResetJobs(t model.Tier) error {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	c.jobsMu.Lock()
	defer c.jobsMu.Unlock()
	for _, j := range c.jobs {
		if j.Source != t && j.Dest != t {
			continue
		}
		j.Cursor, j.Pending, j.State, j.Attempts, j.LastError = 0, 0, StatePending, 0, ""
		if err := c.save(j); err != nil {
			return err
		}
	}
	return nil
}

// Signal requests a flush from the background loop. It never blocks.
func (c *Coordinator) Signal() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// Flush writes the frozen and active delta buffers to disk within the
// delta budget, retrying failures with backoff.
func (c *Coordinator) Flush(ctx context.Context) (FlushStats, error) {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	return c.flush(ctx)
}

func (c *Coordinator) flush(ctx context.Context) (FlushStats, error) {
	b := c.gov.Budget(model.TierDelta, model.KindMeta)
	start := time.Now()

	var (
		stats FlushStats
		err   error
	)
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if werr := c.backoff(ctx, attempt); werr != nil {
				err = werr
				break
			}
		}
		stats, err = c.flusher.flush(ctx, b)
		if err == nil || errors.Is(err, ErrBudgetExceeded) || ctx.Err() != nil {
			break
		}
		c.logger.Warn("flush failed", "attempt", attempt+1, "error", err)
	}

	c.obs.OnFlush(time.Since(start), stats.Files(), ignoreBudget(err))
	c.obs.OnQueueDepth("delta", stats.Remaining)
	if stats.Files() > 0 {
		c.logger.Info("delta flushed",
			"meta", stats.Meta, "content", stats.Content, "deleted", stats.Deleted,
			"bytes", stats.Bytes, "remaining", stats.Remaining, "duration", time.Since(start))
	}
	return stats, err
}

func ignoreBudget(err error) error {
	if errors.Is(err, ErrBudgetExceeded) {
		return nil
	}
	return err
}

func (c *Coordinator) backoff(ctx context.Context, attempt int) error {
	t := time.NewTimer(c.cfg.BaseBackoff << (attempt - 1))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Tick runs one round: a flush when the delta is due, then every demotion
// job within its budget. Jobs run concurrently on the worker pool.
func (c *Coordinator) Tick(ctx context.Context) (*TickReport, error) {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	report := &TickReport{}
	if c.delta.FlushDue() {
		report.Flushed = true
		report.Flush, report.FlushErr = c.flush(ctx)
		report.FlushErr = ignoreBudget(report.FlushErr)
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	jobs := c.Jobs()

	workers := 1
	budgets := make([]Budget, len(jobs))
	for i, j := range jobs {
		budgets[i] = c.gov.Budget(j.Source, j.Kind)
		workers = max(workers, budgets[i].workers())
	}
	c.pool.Tune(workers)

	reports := make([]JobReport, len(jobs))
	var wg sync.WaitGroup
	for i, j := range jobs {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			reports[i] = c.runJob(ctx, j, budgets[i])
		}
		if err := c.pool.Submit(task); err != nil {
			wg.Done()
			reports[i] = JobReport{ID: j.ID(), Err: err}
		}
	}
	wg.Wait()

	report.Jobs = reports
	c.obs.OnQueueDepth("migration", c.QueueDepth())
	if g, ok := c.gov.(*AdaptiveGovernor); ok {
		g.SetQueueDepth(c.QueueDepth())
	}
	return report, nil
}

// runJob runs one job with retries on a working copy of j. Failures keep
// the cursor; the job is marked failed after MaxAttempts and picked up again
// on the next tick.
func (c *Coordinator) runJob(ctx context.Context, j Job, b Budget) JobReport {
	rep := JobReport{ID: j.ID()}
	if err := c.rc.AcquireBackground(ctx); err != nil {
		rep.Err = err
		return rep
	}
	defer c.rc.ReleaseBackground()

	start := time.Now()
	j.Attempts = 0
	save := func(w *Job) error {
		c.jobsMu.Lock()
		defer c.jobsMu.Unlock()
		if err := c.save(w); err != nil {
			return err
		}
		*c.jobs[w.ID()] = *w
		return nil
	}

	for {
		remaining := b
		if b.MaxFiles > 0 {
			remaining.MaxFiles = b.MaxFiles - rep.Files
		}
		if b.MaxBytes > 0 {
			remaining.MaxBytes = b.MaxBytes - rep.Bytes
		}
		if (b.MaxFiles > 0 && remaining.MaxFiles <= 0) || (b.MaxBytes > 0 && remaining.MaxBytes <= 0) {
			break
		}

		p, err := c.demoter.run(ctx, &j, remaining, rep.Bytes, save)
		rep.Files += p.Files
		rep.Bytes += p.Bytes
		rep.Done = p.Done
		if err == nil || errors.Is(err, ErrBudgetExceeded) {
			break
		}
		if ctx.Err() != nil {
			rep.Err = ctx.Err()
			break
		}

		j.Attempts++
		j.LastError = err.Error()
		if j.Attempts >= c.cfg.MaxAttempts {
			j.State = StateFailed
		}
		if serr := save(&j); serr != nil {
			c.logger.Error("persist job", "job", rep.ID, "error", serr)
		}
		if j.State == StateFailed {
			rep.Err = err
			c.logger.Warn("migration job failed",
				"job", rep.ID, "attempts", j.Attempts, "cursor", uint64(j.Cursor), "error", err)
			break
		}
		c.logger.Debug("retrying migration job", "job", rep.ID, "attempt", j.Attempts, "error", err)
		if werr := c.backoff(ctx, j.Attempts); werr != nil {
			rep.Err = werr
			break
		}
	}

	rep.Attempts = j.Attempts
	if rep.Err == nil && j.LastError != "" {
		j.LastError = ""
		if err := save(&j); err != nil {
			c.logger.Error("persist job", "job", rep.ID, "error", err)
		}
	}

	c.obs.OnDemotion(j.Source, j.Dest, j.Kind, rep.Files, rep.Bytes, rep.Err)
	if rep.Files > 0 || rep.Err != nil {
		c.logger.Info("demotion",
			"job", rep.ID, "files", rep.Files, "bytes", rep.Bytes, "done", rep.Done,
			"duration", time.Since(start), "error", rep.Err)
	}
	return rep
}

// Start runs the background loop until Stop or until ctx is canceled. Ticks
// run every TickInterval; flush signals trigger an immediate flush.
func (c *Coordinator) Start(ctx context.Context) {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.loopDone = make(chan struct{})
	go c.loop(ctx, c.loopDone)
}

func (c *Coordinator) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Tick(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("tick failed", "error", err)
			}
		case <-c.signal:
			if _, err := c.Flush(ctx); ignoreBudget(err) != nil && ctx.Err() == nil {
				c.logger.Warn("flush failed", "error", err)
			}
		}
	}
}

// Stop stops the background loop and waits for the running tick.
func (c *Coordinator) Stop() {
	c.loopMu.Lock()
	cancel, done := c.cancel, c.loopDone
	c.cancel, c.loopDone = nil, nil
	c.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close stops the loop and releases the worker pool.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.Stop()
		c.pool.Release()
	})
}
