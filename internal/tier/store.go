package tier

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/tiersearch/model"
)

// Config configures the disk tiers.
type Config struct {
	// Dir is the root directory; tiers live in Dir/hot, Dir/warm, Dir/cold.
	Dir string
	// InMemory keeps every tier in memory (tests).
	InMemory bool
	// EnableCold opens the optional cold tier.
	EnableCold bool
	// Compression per tier. Missing entries default to LZ4 for hot and warm
	// and ZSTD for cold.
	Compression map[model.Tier]Compression
	// MergePolicies per tier. Missing entries use badger defaults.
	MergePolicies map[model.Tier]MergePolicy
}

func (c Config) compression(t model.Tier) Compression {
	if comp, ok := c.Compression[t]; ok {
		return comp
	}
	if t == model.TierCold {
		return CompressionZSTD
	}
	return CompressionLZ4
}

// Store owns the disk tiers.
type Store struct {
	cfg    Config
	logger *slog.Logger
	tiers  map[model.Tier]*Tier

	closeOnce sync.Once
}

// Open opens all configured tiers in parallel.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ids := []model.Tier{model.TierHot, model.TierWarm}
	if cfg.EnableCold {
		ids = append(ids, model.TierCold)
	}

	opened := make([]*Tier, len(ids))
	g, _ := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			t, err := openTier(id, filepath.Join(cfg.Dir, id.String()), cfg.InMemory,
				cfg.MergePolicies[id], cfg.compression(id), logger)
			if err != nil {
				return err
			}
			opened[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, t := range opened {
			if t != nil {
				_ = t.Close()
			}
		}
		return nil, err
	}

	s := &Store{cfg: cfg, logger: logger, tiers: make(map[model.Tier]*Tier, len(ids))}
	for _, t := range opened {
		s.tiers[t.id] = t
	}
	return s, nil
}

// Tier returns the handle of a disk tier.
func (s *Store) Tier(id model.Tier) (*Tier, error) {
	t, ok := s.tiers[id]
	if !ok {
		return nil, wrap(id, ErrTierUnavailable)
	}
	return t, nil
}

// Tiers returns the open tiers in priority order.
func (s *Store) Tiers() []*Tier {
	out := make([]*Tier, 0, len(s.tiers))
	for _, id := range model.DiskTiers {
		if t, ok := s.tiers[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Unhealthy lists the tiers currently marked corrupt.
func (s *Store) Unhealthy() []model.Tier {
	var out []model.Tier
	for _, t := range s.Tiers() {
		if !t.Healthy() {
			out = append(out, t.id)
		}
	}
	return out
}

// Writers acquires the writers of the given tiers in priority order
// (hot, warm, cold) so concurrent multi-tier jobs cannot deadlock.
// On failure every writer acquired so far is discarded.
func (s *Store) Writers(ctx context.Context, ids ...model.Tier) (map[model.Tier]*Writer, error) {
	want := make(map[model.Tier]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	ws := make(map[model.Tier]*Writer, len(want))
	for _, id := range model.DiskTiers {
		if !want[id] {
			continue
		}
		t, err := s.Tier(id)
		if err == nil {
			var w *Writer
			if w, err = t.Writer(ctx); err == nil {
				ws[id] = w
				continue
			}
		}
		for _, w := range ws {
			w.Discard()
		}
		return nil, err
	}
	return ws, nil
}

// Close closes every tier.
func (s *Store) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		for _, t := range s.Tiers() {
			if err := t.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
