package tiersearch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/tiersearch/blobstore"
	"github.com/hupe1980/tiersearch/internal/migration"
	"github.com/hupe1980/tiersearch/internal/snapshot"
	"github.com/hupe1980/tiersearch/internal/tier"
	"github.com/hupe1980/tiersearch/model"
)

// stateName is the snapshot part and directory holding migration progress.
const stateName = "state"

// Snapshot describes a snapshot in a blob store.
type Snapshot struct {
	ID        string
	CreatedAt time.Time
	// Parts names the tiers and state the snapshot holds.
	Parts []string
	// Bytes is the uncompressed size of all parts.
	Bytes int64
}

func snapshotInfo(m *snapshot.Manifest) *Snapshot {
	s := &Snapshot{ID: m.ID, CreatedAt: m.CreatedAt, Bytes: m.Bytes()}
	for _, p := range m.Parts {
		s.Parts = append(s.Parts, p.Name)
	}
	return s
}

// Backup flushes the delta tier and writes a snapshot of every disk tier and
// the migration state to store. Migrations are held off while the tiers are
// read so the snapshot is consistent across tiers.
func (db *DB) Backup(ctx context.Context, store blobstore.Store) (*Snapshot, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	if err := db.drain(ctx); err != nil {
		return nil, err
	}

	ids := make([]model.Tier, 0, len(model.DiskTiers))
	for _, t := range db.store.Tiers() {
		ids = append(ids, t.ID())
	}
	writers, err := db.store.Writers(ctx, ids...)
	if err != nil {
		return nil, translateError(err)
	}
	defer func() {
		for _, w := range writers {
			w.Discard()
		}
	}()

	start := time.Now()
	var sources []snapshot.Source
	for _, t := range db.store.Tiers() {
		sources = append(sources, snapshot.Source{Name: t.ID().String(), WriteTo: t.Backup})
	}
	sources = append(sources, snapshot.Source{
		Name:    stateName,
		WriteTo: func(_ context.Context, w io.Writer) error { return db.state.Backup(w) },
	})

	created := db.now().UTC()
	id := created.Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
	m, err := snapshot.Write(ctx, store, id, created, sources, db.logger.With("component", "snapshot"))
	if err != nil {
		db.logger.Error("backup failed", "id", id, "error", err)
		return nil, translateError(err)
	}
	db.logger.Info("backup written", "id", id, "bytes", m.Bytes(), "duration", time.Since(start))
	return snapshotInfo(m), nil
}

// drain flushes until the delta is empty or a flush fails.
func (db *DB) drain(ctx context.Context) error {
	for {
		stats, err := db.coord.Flush(ctx)
		if errors.Is(err, migration.ErrBudgetExceeded) && stats.Files() > 0 {
			continue
		}
		return ignoreBudget(translateError(err))
	}
}

// ListSnapshots returns the snapshot ids in store.
func ListSnapshots(ctx context.Context, store blobstore.Store) ([]string, error) {
	return snapshot.List(ctx, store)
}

// Restore recreates an index in dir from snapshot id in store, or from the
// current snapshot when id is empty. dir must not hold an index. The
// restored index is opened with Open as usual.
func Restore(ctx context.Context, store blobstore.Store, dir, id string, optFns ...Option) (*Snapshot, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: empty directory", ErrInvalidArgument)
	}
	o := applyOptions(optFns)
	m, err := snapshot.Open(ctx, store, id)
	if err != nil {
		return nil, translateError(err)
	}
	for _, p := range m.Parts {
		if p.Name != stateName {
			if t, err := model.ParseTier(p.Name); err != nil || t == model.TierDelta {
				return nil, fmt.Errorf("%w: snapshot part %q", ErrCorrupt, p.Name)
			}
		}
		if entries, err := os.ReadDir(filepath.Join(dir, p.Name)); err == nil && len(entries) > 0 {
			return nil, fmt.Errorf("%w: %s already holds an index", ErrInvalidArgument, dir)
		}
	}

	slogger := o.logger.With("component", "restore")
	for i, p := range m.Parts {
		if err := restorePart(ctx, store, filepath.Join(dir, p.Name), p, slogger); err != nil {
			for _, done := range m.Parts[:i+1] {
				_ = os.RemoveAll(filepath.Join(dir, done.Name))
			}
			o.logger.Error("restore failed", "id", m.ID, "part", p.Name, "error", err)
			return nil, translateError(err)
		}
	}
	o.logger.Info("snapshot restored", "id", m.ID, "dir", dir, "bytes", m.Bytes())
	return snapshotInfo(m), nil
}

func restorePart(ctx context.Context, store blobstore.Store, dir string, p snapshot.Part, logger *slog.Logger) error {
	r, err := snapshot.OpenPart(ctx, store, p)
	if err != nil {
		return err
	}
	defer r.Close()
	return tier.LoadBadger(dir, r, logger)
}
