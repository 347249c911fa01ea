package tier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/tiersearch/model"
)

// MergePolicy tunes the on-disk layout of one tier.
type MergePolicy struct {
	// TargetSegmentBytes is the target table size (badger BaseTableSize).
	TargetSegmentBytes int64
	// MaxSegmentBytes caps value log files (badger ValueLogFileSize).
	MaxSegmentBytes int64
	// MaxSegmentCount is the number of level-zero tables before compaction
	// (badger NumLevelZeroTables).
	MaxSegmentCount int
	// MemTableBytes is the memtable size (badger MemTableSize). It also
	// bounds a single write transaction to 15% of it.
	MemTableBytes int64
}

// Tier is one disk tier backed by its own badger DB.
type Tier struct {
	id          model.Tier
	dir         string
	inMemory    bool
	policy      MergePolicy
	compression Compression
	logger      *slog.Logger

	// mu guards db against Rebuild and Close; readers and writers hold it shared.
	mu      sync.RWMutex
	db      *badger.DB
	closed  bool
	readers sync.WaitGroup

	writeSem *semaphore.Weighted
	gen      atomic.Uint64
	current  atomic.Pointer[Reader]
	corrupt  atomic.Bool
}

// badgerLoggerAdapter adapts slog.Logger to badger.Logger interface.
type badgerLoggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Infof(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

// OpenBadger opens a badger DB at dir, or an in-memory one when inMemory is set.
// Badger output is routed to logger.
func OpenBadger(dir string, inMemory bool, policy MergePolicy, logger *slog.Logger) (*badger.DB, error) {
	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		opts = badger.DefaultOptions(dir)
	}
	opts.Logger = &badgerLoggerAdapter{logger: logger}
	// Content payloads carry their own compression.
	opts.Compression = options.None
	if policy.TargetSegmentBytes > 0 {
		opts.BaseTableSize = policy.TargetSegmentBytes
	}
	if policy.MaxSegmentBytes > 0 {
		opts.ValueLogFileSize = policy.MaxSegmentBytes
	}
	if policy.MaxSegmentCount > 0 {
		opts.NumLevelZeroTables = policy.MaxSegmentCount
		opts.NumLevelZeroTablesStall = max(opts.NumLevelZeroTablesStall, 2*policy.MaxSegmentCount)
	}
	if policy.MemTableBytes > 0 {
		opts.MemTableSize = policy.MemTableBytes
		// Inline values must fit in one batch.
		opts.ValueThreshold = min(opts.ValueThreshold, policy.MemTableBytes*15/100/4)
	}
	return badger.Open(opts)
}

func openTier(id model.Tier, dir string, inMemory bool, policy MergePolicy, comp Compression, logger *slog.Logger) (*Tier, error) {
	t := &Tier{
		id:          id,
		dir:         dir,
		inMemory:    inMemory,
		policy:      policy,
		compression: comp,
		logger:      logger.With("tier", id.String()),
		writeSem:    semaphore.NewWeighted(1),
	}
	db, err := OpenBadger(dir, inMemory, policy, t.logger)
	if err != nil {
		return nil, wrap(id, fmt.Errorf("open %s: %w", dir, err))
	}
	t.db = db
	t.gen.Store(1)
	t.current.Store(t.newReaderLocked())
	return t, nil
}

// ID returns the tier identifier.
func (t *Tier) ID() model.Tier { return t.id }

// Generation returns the current generation. It increases on every commit.
func (t *Tier) Generation() uint64 { return t.gen.Load() }

// Healthy reports whether the tier may serve queries.
func (t *Tier) Healthy() bool { return !t.corrupt.Load() }

// MarkCorrupt excludes the tier from plans until Rebuild.
func (t *Tier) MarkCorrupt(cause error) {
	if t.corrupt.CompareAndSwap(false, true) {
		t.logger.Error("tier marked corrupt", "error", cause)
	}
}

func (t *Tier) newReaderLocked() *Reader {
	t.readers.Add(1)
	return newReader(t.id, t.gen.Load(), t.db.NewTransaction(false), t.readers.Done)
}

// Reader returns the current reader with a reference taken.
// The caller must Release it.
func (t *Tier) Reader() (*Reader, error) {
	for {
		r := t.current.Load()
		if r == nil {
			return nil, wrap(t.id, ErrClosed)
		}
		if r.TryIncRef() {
			return r, nil
		}
	}
}

// publish replaces the current reader after a commit.
func (t *Tier) publish() {
	t.gen.Add(1)
	next := t.newReaderLocked()
	if old := t.current.Swap(next); old != nil {
		old.Release()
	}
}

// Writer acquires the tier writer, blocking until it is free or ctx is done.
func (t *Tier) Writer(ctx context.Context) (*Writer, error) {
	if err := t.writeSem.Acquire(ctx, 1); err != nil {
		return nil, wrap(t.id, err)
	}
	return t.writerLocked()
}

// TryWriter acquires the tier writer without blocking.
func (t *Tier) TryWriter() (*Writer, error) {
	if !t.writeSem.TryAcquire(1) {
		return nil, wrap(t.id, ErrWriterBusy)
	}
	return t.writerLocked()
}

func (t *Tier) writerLocked() (*Writer, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		t.writeSem.Release(1)
		return nil, wrap(t.id, ErrClosed)
	}
	return newWriter(t, t.db), nil
}

// Compact runs value log garbage collection followed by a flatten of the LSM tree.
func (t *Tier) Compact(ctx context.Context) error {
	if err := t.writeSem.Acquire(ctx, 1); err != nil {
		return wrap(t.id, err)
	}
	defer t.writeSem.Release(1)

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return wrap(t.id, ErrClosed)
	}
	if !t.inMemory {
		for ctx.Err() == nil {
			err := t.db.RunValueLogGC(0.5)
			if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
				break
			}
			if err != nil {
				return wrap(t.id, err)
			}
		}
	}
	if err := t.db.Flatten(1); err != nil {
		return wrap(t.id, err)
	}
	return wrap(t.id, ctx.Err())
}

// Backup streams a full backup of the tier to w. The backup is a consistent
// read snapshot; commits made while it runs are not included.
func (t *Tier) Backup(ctx context.Context, w io.Writer) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return wrap(t.id, ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return wrap(t.id, err)
	}
	if _, err := t.db.Backup(w, 0); err != nil {
		return wrap(t.id, fmt.Errorf("backup: %w", err))
	}
	return nil
}

// LoadBadger creates a badger DB at dir and loads a backup stream into it.
// dir must not hold a database already.
func LoadBadger(dir string, r io.Reader, logger *slog.Logger) error {
	if entries, err := os.ReadDir(dir); err == nil && len(entries) > 0 {
		return fmt.Errorf("load %s: %w", dir, os.ErrExist)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	db, err := OpenBadger(dir, false, MergePolicy{}, logger)
	if err != nil {
		return fmt.Errorf("load %s: %w", dir, err)
	}
	if err := db.Load(r, 256); err != nil {
		_ = db.Close()
		return fmt.Errorf("load %s: %w", dir, err)
	}
	return db.Close()
}

// Rebuild drops all data of the tier and reopens it empty. It waits for
// outstanding readers and clears the corrupt mark.
func (t *Tier) Rebuild(ctx context.Context) error {
	if err := t.writeSem.Acquire(ctx, 1); err != nil {
		return wrap(t.id, err)
	}
	defer t.writeSem.Release(1)

	if err := t.shutdown(ctx); err != nil {
		return err
	}
	if !t.inMemory {
		if err := os.RemoveAll(t.dir); err != nil {
			return wrap(t.id, err)
		}
	}
	db, err := OpenBadger(t.dir, t.inMemory, t.policy, t.logger)
	if err != nil {
		return wrap(t.id, fmt.Errorf("reopen %s: %w", t.dir, err))
	}

	t.mu.Lock()
	t.db = db
	t.closed = false
	t.gen.Add(1)
	t.current.Store(t.newReaderLocked())
	t.mu.Unlock()

	t.corrupt.Store(false)
	t.logger.Info("tier rebuilt")
	return nil
}

// shutdown retires the current reader, waits for all readers and closes the DB.
func (t *Tier) shutdown(ctx context.Context) error {
	if old := t.current.Swap(nil); old != nil {
		old.Release()
	}

	done := make(chan struct{})
	go func() {
		t.readers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return wrap(t.id, ctx.Err())
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return wrap(t.id, t.db.Close())
}

// Close closes the tier. An active writer and outstanding readers are waited for.
func (t *Tier) Close() error {
	ctx := context.Background()
	if err := t.writeSem.Acquire(ctx, 1); err != nil {
		return wrap(t.id, err)
	}
	defer t.writeSem.Release(1)
	return t.shutdown(ctx)
}
