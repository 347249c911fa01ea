package tier

import (
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/tiersearch/model"
)

// VolumePolicy restricts where content of a volume may live.
type VolumePolicy uint8

const (
	// PolicyDefault routes by age and size only.
	PolicyDefault VolumePolicy = iota
	// PolicyRestricted keeps content out of the hot tier.
	PolicyRestricted
	// PolicyArchive sends content straight to the cold tier.
	PolicyArchive
)

func (p VolumePolicy) String() string {
	switch p {
	case PolicyRestricted:
		return "restricted"
	case PolicyArchive:
		return "archive"
	default:
		return "default"
	}
}

// ParseVolumePolicy parses "default", "restricted" or "archive".
func ParseVolumePolicy(s string) (VolumePolicy, error) {
	switch strings.ToLower(s) {
	case "", "default":
		return PolicyDefault, nil
	case "restricted":
		return PolicyRestricted, nil
	case "archive":
		return PolicyArchive, nil
	}
	return 0, fmt.Errorf("unknown volume policy %q", s)
}

// RouteConfig holds the tier boundaries used for routing.
type RouteConfig struct {
	HotDays            int
	WarmDays           int
	EnableCold         bool
	MaxHotContentBytes uint64
}

const dayMillis = int64(24 * time.Hour / time.Millisecond)

// RouteTier picks the disk tier a record belongs to.
//
// Age in whole days is (now - modified) / 86_400_000 ms. Records up to
// HotDays old go to hot, up to WarmDays to warm, older ones to cold (warm
// when cold is disabled). Content larger than MaxHotContentBytes, or on a
// restricted volume, goes at least to warm; archive volumes go to cold.
func RouteTier(cfg RouteConfig, modified time.Time, size uint64, policy VolumePolicy, isContent bool, now time.Time) model.Tier {
	age := (now.UnixMilli() - modified.UnixMilli()) / dayMillis

	t := model.TierCold
	switch {
	case age <= int64(cfg.HotDays):
		t = model.TierHot
	case age <= int64(cfg.WarmDays):
		t = model.TierWarm
	}

	if isContent {
		if t == model.TierHot && (policy != PolicyDefault || (cfg.MaxHotContentBytes > 0 && size > cfg.MaxHotContentBytes)) {
			t = model.TierWarm
		}
		if policy == PolicyArchive {
			t = model.TierCold
		}
	}

	if t == model.TierCold && !cfg.EnableCold {
		t = model.TierWarm
	}
	return t
}

// Threshold returns the modification time below which records no longer
// belong to tier t.
func (cfg RouteConfig) Threshold(t model.Tier, now time.Time) time.Time {
	days := cfg.WarmDays
	if t == model.TierHot {
		days = cfg.HotDays
	}
	// age > days  <=>  modified < now - (days+1)*day + 1ms
	return time.UnixMilli(now.UnixMilli() - int64(days+1)*dayMillis + 1)
}
