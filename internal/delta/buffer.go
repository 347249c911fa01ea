package delta

import (
	"cmp"
	"maps"
	"slices"

	"github.com/hupe1980/tiersearch/model"
)

// MetaEntry is a buffered metadata change. Rec is nil for a tombstone.
type MetaEntry struct {
	Key   model.DocKey
	Rec   *model.StoredMeta
	Stamp int64
}

// Deleted reports whether the entry is a tombstone.
func (e MetaEntry) Deleted() bool { return e.Rec == nil }

// ContentEntry is a buffered content change. Rec is nil for a tombstone.
type ContentEntry struct {
	Key   model.DocKey
	Rec   *model.StoredContent
	Stamp int64
}

// Deleted reports whether the entry is a tombstone.
func (e ContentEntry) Deleted() bool { return e.Rec == nil }

// Buffer is one generation of buffered writes. The active buffer takes new
// writes; frozen buffers are immutable and wait to be flushed. A buffer that
// a reader may hold is never modified; it is cloned and replaced instead.
type Buffer struct {
	id           uint64
	meta         map[model.DocKey]MetaEntry
	content      map[model.DocKey]ContentEntry
	contentBytes int64
}

func newBuffer(id uint64) *Buffer {
	return &Buffer{
		id:      id,
		meta:    make(map[model.DocKey]MetaEntry),
		content: make(map[model.DocKey]ContentEntry),
	}
}

func (b *Buffer) clone() *Buffer {
	return &Buffer{
		id:           b.id,
		meta:         maps.Clone(b.meta),
		content:      maps.Clone(b.content),
		contentBytes: b.contentBytes,
	}
}

// ID returns the buffer sequence number. Older buffers have smaller ids.
func (b *Buffer) ID() uint64 { return b.id }

func (b *Buffer) empty() bool {
	return len(b.meta) == 0 && len(b.content) == 0
}

func (b *Buffer) putMeta(e MetaEntry) {
	b.meta[e.Key] = e
}

func (b *Buffer) putContent(e ContentEntry) {
	if old, ok := b.content[e.Key]; ok && old.Rec != nil {
		b.contentBytes -= int64(len(old.Rec.Text))
	}
	if e.Rec != nil {
		b.contentBytes += int64(len(e.Rec.Text))
	}
	b.content[e.Key] = e
}

func (b *Buffer) dropMeta(key model.DocKey) {
	delete(b.meta, key)
}

func (b *Buffer) dropContent(key model.DocKey) {
	if old, ok := b.content[key]; ok {
		if old.Rec != nil {
			b.contentBytes -= int64(len(old.Rec.Text))
		}
		delete(b.content, key)
	}
}

func sortedKeys[V any](m map[model.DocKey]V) []model.DocKey {
	keys := make([]model.DocKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, cmp.Compare)
	return keys
}
