package model

import (
	"fmt"
	"time"
)

// VolumeID identifies a mounted volume.
type VolumeID uint16

// FileID is the volume-local file reference number (48 bits are significant).
type FileID uint64

const fileIDMask = 0x0000_FFFF_FFFF_FFFF

// DocKey is the stable, corpus-wide identifier of one file.
// The upper 16 bits hold the volume, the lower 48 bits the file reference number.
type DocKey uint64

// NewDocKey packs a volume and a file reference into a DocKey.
func NewDocKey(volume VolumeID, file FileID) DocKey {
	return DocKey(uint64(volume)<<48 | uint64(file)&fileIDMask)
}

// Parts splits the key back into volume and file reference.
func (k DocKey) Parts() (VolumeID, FileID) {
	return VolumeID(uint64(k) >> 48), FileID(uint64(k) & fileIDMask)
}

// Volume returns the volume part of the key.
func (k DocKey) Volume() VolumeID {
	return VolumeID(uint64(k) >> 48)
}

// String returns a string representation of the DocKey.
func (k DocKey) String() string {
	v, f := k.Parts()
	return fmt.Sprintf("Doc(%d:%d)", v, f)
}

// Tier identifies where a record lives. Lower values are younger and are
// queried first.
type Tier uint8

const (
	TierDelta Tier = iota
	TierHot
	TierWarm
	TierCold
)

// DiskTiers lists the disk-resident tiers in priority order.
var DiskTiers = []Tier{TierHot, TierWarm, TierCold}

// AllTiers lists every tier in priority order.
var AllTiers = []Tier{TierDelta, TierHot, TierWarm, TierCold}

func (t Tier) String() string {
	switch t {
	case TierDelta:
		return "delta"
	case TierHot:
		return "hot"
	case TierWarm:
		return "warm"
	case TierCold:
		return "cold"
	default:
		return fmt.Sprintf("tier(%d)", uint8(t))
	}
}

// ParseTier parses the string form of a tier.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "delta":
		return TierDelta, nil
	case "hot":
		return TierHot, nil
	case "warm":
		return TierWarm, nil
	case "cold":
		return TierCold, nil
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}

// IndexKind separates the metadata index from the content index.
// Both share the DocKey space but are routed and stored independently.
type IndexKind uint8

const (
	KindMeta IndexKind = iota
	KindContent
)

func (k IndexKind) String() string {
	if k == KindContent {
		return "content"
	}
	return "meta"
}

// Flags are file attribute bits.
type Flags uint32

const (
	FlagIsDir Flags = 1 << iota
	FlagHidden
	FlagSystem
	FlagArchive
	FlagReparse
	FlagOffline
	FlagTemporary
)

// Has reports whether all bits of f2 are set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// FileMeta is the metadata record of one file.
type FileMeta struct {
	Key      DocKey
	Parent   DocKey
	Name     string
	Path     string
	Ext      string
	Size     uint64
	Modified time.Time
	Created  time.Time
	Volume   VolumeID
	Flags    Flags
}

// DocKind is the content classification supplied by extraction.
type DocKind uint8

const (
	DocText DocKind = iota
	DocCode
	DocLog
)

func (k DocKind) String() string {
	switch k {
	case DocCode:
		return "code"
	case DocLog:
		return "log"
	default:
		return "text"
	}
}

// Analyzer selects how content text is tokenized.
type Analyzer uint8

const (
	AnalyzerStandard Analyzer = iota
	AnalyzerCode
	AnalyzerLog
)

// DefaultAnalyzer returns the analyzer used for a kind when none is set.
func (k DocKind) DefaultAnalyzer() Analyzer {
	switch k {
	case DocCode:
		return AnalyzerCode
	case DocLog:
		return AnalyzerLog
	default:
		return AnalyzerStandard
	}
}

// ContentDoc is the extracted content of one file.
// Modified, Size and Volume are copied from the file so the content record
// can be routed and aged without its metadata counterpart.
type ContentDoc struct {
	Key      DocKey
	Kind     DocKind
	Analyzer Analyzer
	Text     string
	Modified time.Time
	Size     uint64
	Volume   VolumeID
}

// ChangeKind classifies a change notification.
type ChangeKind uint8

const (
	ChangeUpsert ChangeKind = iota
	ChangeDelete
)

// ChangeEvent is one change notification from the change-tracking collaborator.
type ChangeEvent struct {
	Key     DocKey
	Kind    ChangeKind
	Meta    *FileMeta
	Content *ContentDoc
}

// StoredMeta is a metadata record together with the stamp of the commit that wrote it.
type StoredMeta struct {
	FileMeta
	CommitStamp int64
}

// StoredContent is a content record together with the stamp of the commit that wrote it.
type StoredContent struct {
	ContentDoc
	CommitStamp int64
}

// Hit is one search result.
type Hit struct {
	Key     DocKey
	Score   float32
	Tier    Tier
	Meta    *FileMeta
	Content *ContentDoc
	// CommitStamp of the winning instance; used for duplicate precedence.
	CommitStamp int64
}
