package delta

import (
	"context"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/tiersearch/lexical/bm25"
	"github.com/hupe1980/tiersearch/model"
	"github.com/hupe1980/tiersearch/query"
)

// Reader is a snapshot of the delta tier with the same read operations as a
// disk tier reader. Every method observes the buffers and inverted indexes
// as they were when the reader was taken.
type Reader struct {
	v   *view
	gen uint64
}

// Tier returns model.TierDelta.
func (r *Reader) Tier() model.Tier { return model.TierDelta }

// Generation returns the delta generation of the snapshot.
func (r *Reader) Generation() uint64 { return r.gen }

// Release is a no-op; delta readers hold no resources.
func (r *Reader) Release() {}

// Meta returns the buffered metadata record of key. It returns nil for keys
// that are not buffered or are tombstoned; use MetaDeleted to tell them apart.
func (r *Reader) Meta(key model.DocKey) (*model.StoredMeta, error) {
	if e, ok := r.v.visibleMeta(key); ok && !e.Deleted() {
		return e.Rec, nil
	}
	return nil, nil
}

// Content returns the buffered content record of key, or nil.
func (r *Reader) Content(key model.DocKey) (*model.StoredContent, error) {
	if e, ok := r.v.visibleContent(key); ok && !e.Deleted() {
		return e.Rec, nil
	}
	return nil, nil
}

// MetaDeleted reports whether key carries a metadata tombstone.
func (r *Reader) MetaDeleted(key model.DocKey) bool {
	e, ok := r.v.visibleMeta(key)
	return ok && e.Deleted()
}

// Tombstones returns the doc keys deleted in the delta for a keyspace.
func (r *Reader) Tombstones(kind model.IndexKind) *roaring64.Bitmap {
	out := roaring64.New()
	if kind == model.KindMeta {
		for k, e := range r.v.visibleMetaMap() {
			if e.Deleted() {
				out.Add(uint64(k))
			}
		}
		return out
	}
	for k, e := range r.v.visibleContentMap() {
		if e.Deleted() {
			out.Add(uint64(k))
		}
	}
	return out
}

// ScanMeta calls fn for each live metadata record with key >= from, in
// doc-key order, until fn returns false.
func (r *Reader) ScanMeta(ctx context.Context, from model.DocKey, fn func(*model.StoredMeta) bool) error {
	visible := r.v.visibleMetaMap()
	for _, k := range sortedKeys(visible) {
		if k < from {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if e := visible[k]; !e.Deleted() && !fn(e.Rec) {
			return nil
		}
	}
	return nil
}

// ScanContent calls fn for each live content record with key >= from, in
// doc-key order, until fn returns false.
func (r *Reader) ScanContent(ctx context.Context, from model.DocKey, fn func(*model.StoredContent) bool) error {
	visible := r.v.visibleContentMap()
	for _, k := range sortedKeys(visible) {
		if k < from {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if e := visible[k]; !e.Deleted() && !fn(e.Rec) {
			return nil
		}
	}
	return nil
}

// AllKeys returns the live doc keys of a keyspace.
func (r *Reader) AllKeys(ctx context.Context, kind model.IndexKind) (*roaring64.Bitmap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := roaring64.New()
	if kind == model.KindMeta {
		for k, e := range r.v.visibleMetaMap() {
			if !e.Deleted() {
				out.Add(uint64(k))
			}
		}
		return out, nil
	}
	for k, e := range r.v.visibleContentMap() {
		if !e.Deleted() {
			out.Add(uint64(k))
		}
	}
	return out, nil
}

// Count returns the number of live documents in a keyspace.
func (r *Reader) Count(kind model.IndexKind) (int, error) {
	keys, err := r.AllKeys(context.Background(), kind)
	if err != nil {
		return 0, err
	}
	return int(keys.GetCardinality()), nil
}

// Search scores the live documents whose field contains token under mod.
func (r *Reader) Search(ctx context.Context, field query.Field, token string, mod query.Modifier) (map[model.DocKey]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var idx *bm25.MemoryIndex
	switch field {
	case query.FieldName:
		idx = r.v.name
	case query.FieldPath:
		idx = r.v.path
	case query.FieldContent:
		idx = r.v.content
	default:
		return map[model.DocKey]float32{}, nil
	}
	return idx.Search(token, mod), nil
}

// Shadow returns every key buffered in a keyspace, tombstones included.
// Disk copies of these keys are superseded by the delta.
func (r *Reader) Shadow(kind model.IndexKind) *roaring64.Bitmap {
	out := roaring64.New()
	for _, b := range r.v.buffers() {
		if kind == model.KindMeta {
			for k := range b.meta {
				out.Add(uint64(k))
			}
			continue
		}
		for k := range b.content {
			out.Add(uint64(k))
		}
	}
	return out
}

func (v *view) visibleMetaMap() map[model.DocKey]MetaEntry {
	out := make(map[model.DocKey]MetaEntry)
	for _, b := range v.buffers() {
		for k, e := range b.meta {
			if _, seen := out[k]; !seen {
				out[k] = e
			}
		}
	}
	return out
}

func (v *view) visibleContentMap() map[model.DocKey]ContentEntry {
	out := make(map[model.DocKey]ContentEntry)
	for _, b := range v.buffers() {
		for k, e := range b.content {
			if _, seen := out[k]; !seen {
				out[k] = e
			}
		}
	}
	return out
}
