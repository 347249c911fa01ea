package migration

import (
	"sync"

	"github.com/hupe1980/tiersearch/model"
)

// Budget limits the work one job may do in a single tick.
// Zero MaxBytes or MaxFiles means unlimited.
type Budget struct {
	MaxBytes             int64
	MaxFiles             int
	MaxConcurrentWorkers int
}

// DefaultBudget returns the budget used when no governor is configured.
func DefaultBudget() Budget {
	return Budget{
		MaxBytes:             64 << 20,
		MaxFiles:             10_000,
		MaxConcurrentWorkers: 2,
	}
}

func (b Budget) workers() int {
	if b.MaxConcurrentWorkers <= 0 {
		return 1
	}
	return b.MaxConcurrentWorkers
}

// Governor hands out per-tick budgets. The source tier of a job is passed as
// t; flush jobs ask for model.TierDelta.
type Governor interface {
	Budget(t model.Tier, kind model.IndexKind) Budget
}

// StaticGovernor returns fixed budgets.
type StaticGovernor struct {
	Default Budget
	PerTier map[model.Tier]Budget
}

// Budget implements Governor.
func (g StaticGovernor) Budget(t model.Tier, _ model.IndexKind) Budget {
	if b, ok := g.PerTier[t]; ok {
		return b
	}
	return g.Default
}

// Load is a sample of the machine state supplied by the scheduler.
type Load struct {
	QueueDepth int
	CPUPercent float64
	DiskBusy   bool
}

const (
	backlogDepth    = 1000
	idleDepth       = 100
	backlogCPULimit = 80.0
	busyDiskFiles   = 10
)

// Adapt tunes b for the given load. A large backlog on a machine that is not
// saturated relaxes the limits by half; an idle queue runs a single worker;
// a busy disk throttles to a small batch.
func Adapt(b Budget, l Load) Budget {
	switch {
	case l.QueueDepth > backlogDepth:
		if l.CPUPercent < backlogCPULimit {
			b.MaxFiles = b.MaxFiles * 3 / 2
			b.MaxBytes = b.MaxBytes * 3 / 2
			b.MaxConcurrentWorkers = b.workers() + 1
		}
	case l.QueueDepth < idleDepth:
		b.MaxConcurrentWorkers = 1
	}
	if l.DiskBusy {
		b.MaxFiles = busyDiskFiles
		b.MaxConcurrentWorkers = 1
	}
	return b
}

// AdaptiveGovernor applies Adapt to the budgets of a base governor using the
// latest load sample.
type AdaptiveGovernor struct {
	base Governor

	mu   sync.Mutex
	load Load
}

// NewAdaptiveGovernor wraps base. A nil base uses DefaultBudget.
func NewAdaptiveGovernor(base Governor) *AdaptiveGovernor {
	if base == nil {
		base = StaticGovernor{Default: DefaultBudget()}
	}
	return &AdaptiveGovernor{base: base}
}

// Observe records a load sample.
func (g *AdaptiveGovernor) Observe(l Load) {
	g.mu.Lock()
	g.load = l
	g.mu.Unlock()
}

// SetQueueDepth updates the queue depth of the current sample.
func (g *AdaptiveGovernor) SetQueueDepth(depth int) {
	g.mu.Lock()
	g.load.QueueDepth = depth
	g.mu.Unlock()
}

// Budget implements Governor.
func (g *AdaptiveGovernor) Budget(t model.Tier, kind model.IndexKind) Budget {
	g.mu.Lock()
	l := g.load
	g.mu.Unlock()
	return Adapt(g.base.Budget(t, kind), l)
}
