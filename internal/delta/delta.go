package delta

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hupe1980/tiersearch/lexical"
	"github.com/hupe1980/tiersearch/lexical/bm25"
	"github.com/hupe1980/tiersearch/model"
	"github.com/hupe1980/tiersearch/query"
)

// Config bounds the delta tier.
type Config struct {
	MaxDocsMeta          int
	MaxDocsContent       int
	MaxTotalBytesContent int64
	FlushInterval        time.Duration
}

// DefaultConfig returns the default delta bounds.
func DefaultConfig() Config {
	return Config{
		MaxDocsMeta:          50_000,
		MaxDocsContent:       5_000,
		MaxTotalBytesContent: 64 << 20,
		FlushInterval:        30 * time.Second,
	}
}

// Index is the bounded in-memory tier. It holds one active buffer and a list
// of frozen buffers waiting for flush; queries see all of them, newest first.
//
// The buffers and inverted indexes form a view. Once a reader holds the view
// it is never modified: the next write copies it first.
type Index struct {
	mu      sync.RWMutex
	cfg     Config
	logger  *slog.Logger
	signal  func()
	now     func() time.Time
	v       *view
	shared  bool
	nextID  uint64
	gen     uint64
	stamp   int64
	flushed time.Time
}

type view struct {
	active *Buffer
	frozen []*Buffer // oldest first

	// Inverted indexes over the visible version of every key.
	name    *bm25.MemoryIndex
	path    *bm25.MemoryIndex
	content *bm25.MemoryIndex
}

// buffers returns all buffers, newest first.
func (v *view) buffers() []*Buffer {
	out := make([]*Buffer, 0, len(v.frozen)+1)
	out = append(out, v.active)
	for i := len(v.frozen) - 1; i >= 0; i-- {
		out = append(out, v.frozen[i])
	}
	return out
}

func (v *view) visibleMeta(k model.DocKey) (MetaEntry, bool) {
	for _, b := range v.buffers() {
		if e, ok := b.meta[k]; ok {
			return e, true
		}
	}
	return MetaEntry{}, false
}

func (v *view) visibleContent(k model.DocKey) (ContentEntry, bool) {
	for _, b := range v.buffers() {
		if e, ok := b.content[k]; ok {
			return e, true
		}
	}
	return ContentEntry{}, false
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(idx *Index) { idx.logger = l }
}

// WithFlushSignal sets the callback invoked when a bound is crossed. It must
// not block; it is called with the index lock held.
func WithFlushSignal(fn func()) Option {
	return func(idx *Index) { idx.signal = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(idx *Index) { idx.now = now }
}

// New creates an empty delta index.
func New(cfg Config, opts ...Option) *Index {
	idx := &Index{
		cfg:    cfg,
		logger: slog.New(slog.DiscardHandler),
		signal: func() {},
		now:    time.Now,
	}
	for _, o := range opts {
		o(idx)
	}
	idx.nextID = 1
	idx.v = &view{
		active:  newBuffer(idx.nextID),
		name:    bm25.New(),
		path:    bm25.New(),
		content: bm25.New(),
	}
	idx.gen = 1
	idx.flushed = idx.now()
	return idx
}

// ownLocked makes the view private to the writer, copying it when a reader
// holds it.
func (idx *Index) ownLocked() *view {
	if idx.shared {
		v := idx.v
		idx.v = &view{
			active:  v.active.clone(),
			frozen:  slices.Clone(v.frozen),
			name:    v.name.Clone(),
			path:    v.path.Clone(),
			content: v.content.Clone(),
		}
		idx.shared = false
	}
	return idx.v
}

// nextStamp returns a strictly increasing insert stamp.
func (idx *Index) nextStamp() int64 {
	s := idx.now().UnixNano()
	if s <= idx.stamp {
		s = idx.stamp + 1
	}
	idx.stamp = s
	return s
}

// UpsertMeta buffers a metadata record and returns its commit stamp.
func (idx *Index) UpsertMeta(m model.FileMeta) int64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	m.Modified = m.Modified.UTC()
	m.Created = m.Created.UTC()
	v := idx.ownLocked()
	rec := &model.StoredMeta{FileMeta: m, CommitStamp: idx.nextStamp()}
	v.active.putMeta(MetaEntry{Key: m.Key, Rec: rec, Stamp: rec.CommitStamp})
	v.name.Add(m.Key, lexical.TokenizeField(query.FieldName, model.AnalyzerStandard, m.Name))
	v.path.Add(m.Key, lexical.TokenizeField(query.FieldPath, model.AnalyzerStandard, m.Path))
	idx.changedLocked()
	return rec.CommitStamp
}

// UpsertContent buffers a content record and returns its commit stamp.
func (idx *Index) UpsertContent(c model.ContentDoc) int64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	c.Modified = c.Modified.UTC()
	v := idx.ownLocked()
	rec := &model.StoredContent{ContentDoc: c, CommitStamp: idx.nextStamp()}
	v.active.putContent(ContentEntry{Key: c.Key, Rec: rec, Stamp: rec.CommitStamp})
	v.content.Add(c.Key, lexical.TokenizeField(query.FieldContent, c.Analyzer, c.Text))
	idx.changedLocked()
	return rec.CommitStamp
}

// Delete buffers tombstones for both keyspaces of key. The tombstones hide
// older disk copies until a flush turns them into disk deletes.
func (idx *Index) Delete(key model.DocKey) int64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	v := idx.ownLocked()
	stamp := idx.nextStamp()
	v.active.putMeta(MetaEntry{Key: key, Stamp: stamp})
	v.active.putContent(ContentEntry{Key: key, Stamp: stamp})
	v.name.Delete(key)
	v.path.Delete(key)
	v.content.Delete(key)
	idx.changedLocked()
	return stamp
}

func (idx *Index) changedLocked() {
	idx.gen++
	if idx.overLimitLocked() {
		idx.signal()
	}
}

func (idx *Index) overLimitLocked() bool {
	metaN, contentN, contentBytes := idx.sizeLocked()
	return (idx.cfg.MaxDocsMeta > 0 && metaN > idx.cfg.MaxDocsMeta) ||
		(idx.cfg.MaxDocsContent > 0 && contentN > idx.cfg.MaxDocsContent) ||
		(idx.cfg.MaxTotalBytesContent > 0 && contentBytes > idx.cfg.MaxTotalBytesContent)
}

// Size reports buffered entries (tombstones included) across all buffers.
type Size struct {
	Meta         int
	Content      int
	ContentBytes int64
	Frozen       int
}

// Size returns the current delta size.
func (idx *Index) Size() Size {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	m, c, b := idx.sizeLocked()
	return Size{Meta: m, Content: c, ContentBytes: b, Frozen: len(idx.v.frozen)}
}

func (idx *Index) sizeLocked() (metaN, contentN int, contentBytes int64) {
	for _, b := range idx.v.buffers() {
		metaN += len(b.meta)
		contentN += len(b.content)
		contentBytes += b.contentBytes
	}
	return metaN, contentN, contentBytes
}

// Generation increases on every change.
func (idx *Index) Generation() uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.gen
}

// FlushDue reports whether the delta holds data and the flush interval elapsed
// or a bound is crossed.
func (idx *Index) FlushDue() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	v := idx.v
	if v.active.empty() && len(v.frozen) == 0 {
		return false
	}
	if idx.overLimitLocked() || len(v.frozen) > 0 {
		return true
	}
	return idx.cfg.FlushInterval > 0 && idx.now().Sub(idx.flushed) >= idx.cfg.FlushInterval
}

// LastFlush returns the time of the last completed flush.
func (idx *Index) LastFlush() time.Time {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.flushed
}

// Freeze moves the active buffer to the frozen list and starts a new active
// buffer. It returns the frozen buffers, oldest first, including buffers left
// over from earlier failed or partial flushes.
func (idx *Index) Freeze() []*Buffer {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if !idx.v.active.empty() {
		v := idx.ownLocked()
		v.frozen = append(v.frozen, v.active)
		idx.nextID++
		v.active = newBuffer(idx.nextID)
	}
	return slices.Clone(idx.v.frozen)
}

// Entries returns the entries of a frozen buffer in doc-key order, as left by
// earlier Drop calls.
func (idx *Index) Entries(b *Buffer) ([]MetaEntry, []ContentEntry) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if cur, _ := idx.frozenLocked(b.id); cur != nil {
		b = cur
	}
	meta := make([]MetaEntry, 0, len(b.meta))
	for _, k := range sortedKeys(b.meta) {
		meta = append(meta, b.meta[k])
	}
	content := make([]ContentEntry, 0, len(b.content))
	for _, k := range sortedKeys(b.content) {
		content = append(content, b.content[k])
	}
	return meta, content
}

func (idx *Index) frozenLocked(id uint64) (*Buffer, int) {
	for i, f := range idx.v.frozen {
		if f.id == id {
			return f, i
		}
	}
	return nil, -1
}

// Drop removes flushed entries from a frozen buffer. It must only be called
// after the entries were committed to disk. The buffer is replaced by a
// pruned copy; empty buffers leave the frozen list.
func (idx *Index) Drop(b *Buffer, metaKeys, contentKeys []model.DocKey) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	cur, i := idx.frozenLocked(b.id)
	if cur == nil {
		return
	}
	v := idx.ownLocked()
	pruned := cur.clone()
	for _, k := range metaKeys {
		pruned.dropMeta(k)
	}
	for _, k := range contentKeys {
		pruned.dropContent(k)
	}
	if pruned.empty() {
		v.frozen = slices.Delete(v.frozen, i, i+1)
	} else {
		v.frozen[i] = pruned
	}
	for _, k := range metaKeys {
		idx.reindexMetaLocked(k)
	}
	for _, k := range contentKeys {
		idx.reindexContentLocked(k)
	}
	if len(v.frozen) == 0 {
		idx.flushed = idx.now()
	}
	idx.gen++
	idx.logger.Debug("delta entries dropped",
		"buffer", b.id, "meta", len(metaKeys), "content", len(contentKeys), "frozen", len(v.frozen))
}

// MarkFlushed records a flush pass that found nothing to do.
func (idx *Index) MarkFlushed() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.flushed = idx.now()
}

func (idx *Index) reindexMetaLocked(k model.DocKey) {
	v := idx.v
	e, ok := v.visibleMeta(k)
	if !ok || e.Deleted() {
		v.name.Delete(k)
		v.path.Delete(k)
		return
	}
	v.name.Add(k, lexical.TokenizeField(query.FieldName, model.AnalyzerStandard, e.Rec.Name))
	v.path.Add(k, lexical.TokenizeField(query.FieldPath, model.AnalyzerStandard, e.Rec.Path))
}

func (idx *Index) reindexContentLocked(k model.DocKey) {
	v := idx.v
	e, ok := v.visibleContent(k)
	if !ok || e.Deleted() {
		v.content.Delete(k)
		return
	}
	v.content.Add(k, lexical.TokenizeField(query.FieldContent, e.Rec.Analyzer, e.Rec.Text))
}

// Reader returns a point-in-time snapshot of the delta implementing the tier
// reader contract. Later writes, flushes and drops are not visible through it.
func (idx *Index) Reader() *Reader {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.shared = true
	return &Reader{v: idx.v, gen: idx.gen}
}
