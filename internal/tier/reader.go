package tier

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/dgraph-io/badger/v4"

	"github.com/hupe1980/tiersearch/lexical"
	"github.com/hupe1980/tiersearch/lexical/bm25"
	"github.com/hupe1980/tiersearch/model"
	"github.com/hupe1980/tiersearch/query"
)

// checkEvery is how many iterator steps pass between context checks.
const checkEvery = 256

// Reader is a ref-counted point-in-time view of one tier.
//
// It pins a read-only badger transaction; read-only transactions may be
// shared by concurrent goroutines. The generation is fixed for the lifetime
// of the reader, so anything derived from it can be cached under
// (tier, generation).
type Reader struct {
	tier      model.Tier
	gen       uint64
	txn       *badger.Txn
	refs      int64
	onRelease func()
}

func newReader(t model.Tier, gen uint64, txn *badger.Txn, onRelease func()) *Reader {
	return &Reader{tier: t, gen: gen, txn: txn, refs: 1, onRelease: onRelease}
}

// Tier returns the tier this reader belongs to.
func (r *Reader) Tier() model.Tier { return r.tier }

// Generation returns the tier generation the reader observes.
func (r *Reader) Generation() uint64 { return r.gen }

// TryIncRef attempts to take a reference.
// Returns false if the reader is already released (refs == 0).
func (r *Reader) TryIncRef() bool {
	for {
		refs := atomic.LoadInt64(&r.refs)
		if refs <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(&r.refs, refs, refs+1) {
			return true
		}
	}
}

// Release drops a reference. The last release discards the transaction.
func (r *Reader) Release() {
	if atomic.AddInt64(&r.refs, -1) == 0 {
		r.txn.Discard()
		if r.onRelease != nil {
			r.onRelease()
		}
	}
}

// Meta returns the metadata record of key, or nil if the tier has none.
func (r *Reader) Meta(key model.DocKey) (*model.StoredMeta, error) {
	var m *model.StoredMeta
	err := r.get(docKey(model.KindMeta, key), func(val []byte) error {
		var err error
		m, err = DecodeMeta(val)
		return err
	})
	return m, wrap(r.tier, err)
}

// Content returns the content record of key, or nil if the tier has none.
func (r *Reader) Content(key model.DocKey) (*model.StoredContent, error) {
	var c *model.StoredContent
	err := r.get(docKey(model.KindContent, key), func(val []byte) error {
		var err error
		c, err = DecodeContent(val)
		return err
	})
	return c, wrap(r.tier, err)
}

func (r *Reader) get(k []byte, fn func(val []byte) error) error {
	item, err := r.txn.Get(k)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	}
	return item.Value(fn)
}

// ScanMeta calls fn for each metadata record with key >= from, in doc-key
// order, until fn returns false.
func (r *Reader) ScanMeta(ctx context.Context, from model.DocKey, fn func(*model.StoredMeta) bool) error {
	return wrap(r.tier, r.scan(ctx, model.KindMeta, from, func(val []byte) (bool, error) {
		m, err := DecodeMeta(val)
		if err != nil {
			return false, err
		}
		return fn(m), nil
	}))
}

// ScanContent calls fn for each content record with key >= from, in doc-key
// order, until fn returns false.
func (r *Reader) ScanContent(ctx context.Context, from model.DocKey, fn func(*model.StoredContent) bool) error {
	return wrap(r.tier, r.scan(ctx, model.KindContent, from, func(val []byte) (bool, error) {
		c, err := DecodeContent(val)
		if err != nil {
			return false, err
		}
		return fn(c), nil
	}))
}

func (r *Reader) scan(ctx context.Context, kind model.IndexKind, from model.DocKey, fn func(val []byte) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = docPrefix(kind)
	it := r.txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Seek(docKey(kind, from)); it.Valid(); it.Next() {
		if n++; n%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		var cont bool
		err := it.Item().Value(func(val []byte) error {
			var err error
			cont, err = fn(val)
			return err
		})
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// AllKeys returns the set of doc keys stored in a keyspace.
func (r *Reader) AllKeys(ctx context.Context, kind model.IndexKind) (*roaring64.Bitmap, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = docPrefix(kind)
	opts.PrefetchValues = false
	it := r.txn.NewIterator(opts)
	defer it.Close()

	keys := roaring64.New()
	n := 0
	for it.Rewind(); it.Valid(); it.Next() {
		if n++; n%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, wrap(r.tier, err)
			}
		}
		keys.Add(uint64(parseDocKey(it.Item().Key())))
	}
	return keys, nil
}

// Count returns the number of documents in a keyspace.
func (r *Reader) Count(kind model.IndexKind) (int, error) {
	st, err := r.stats(indexedFields(kind)[0])
	if err != nil {
		return 0, wrap(r.tier, err)
	}
	return int(st.Docs), nil
}

func (r *Reader) stats(f query.Field) (fieldStats, error) {
	var st fieldStats
	err := r.get(statsKey(f), func(val []byte) error {
		var ok bool
		if st, ok = decodeFieldStats(val); !ok {
			return errCorruptStats
		}
		return nil
	})
	return st, err
}

var errCorruptStats = errors.Join(ErrCorrupt, errors.New("undecodable field statistics"))

// Search scores the documents whose field contains token under mod using
// BM25. Phrase matching is resolved by the caller; a phrase modifier is
// treated as an exact token match here.
func (r *Reader) Search(ctx context.Context, field query.Field, token string, mod query.Modifier) (map[model.DocKey]float32, error) {
	scores := make(map[model.DocKey]float32)
	st, err := r.stats(field)
	if err != nil {
		return nil, wrap(r.tier, err)
	}
	if st.Docs <= 0 {
		return scores, nil
	}
	avgDL := float64(st.Tokens) / float64(st.Docs)

	var prefix []byte
	switch mod.Kind {
	case query.ModTerm, query.ModPhrase:
		prefix = postingPrefix(field, token, true)
	case query.ModPrefix:
		prefix = postingPrefix(field, token, false)
	default:
		prefix = postingPrefix(field, "", false)
	}

	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := r.txn.NewIterator(opts)
	defer it.Close()

	type posting struct {
		key        model.DocKey
		tf, docLen int
	}
	var (
		curTerm  string
		started  bool
		matched  bool
		postings []posting
	)
	flush := func() {
		if len(postings) == 0 {
			return
		}
		idf := bm25.IDF(int(st.Docs), len(postings))
		for _, p := range postings {
			if s := bm25.Score(idf, p.tf, p.docLen, avgDL); s > scores[p.key] {
				scores[p.key] = s
			}
		}
		postings = postings[:0]
	}

	n := 0
	for it.Rewind(); it.Valid(); it.Next() {
		if n++; n%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, wrap(r.tier, err)
			}
		}
		item := it.Item()
		term, key, ok := parsePostingKey(item.Key())
		if !ok {
			return nil, wrap(r.tier, errors.Join(ErrCorrupt, errors.New("undecodable posting key")))
		}
		if !started || curTerm != term {
			flush()
			started, curTerm = true, term
			matched = lexical.MatchToken(term, token, mod)
		}
		if !matched {
			continue
		}
		var tf, docLen int
		err := item.Value(func(val []byte) error {
			var ok bool
			if tf, docLen, ok = decodePosting(val); !ok {
				return errors.Join(ErrCorrupt, errors.New("undecodable posting"))
			}
			return nil
		})
		if err != nil {
			return nil, wrap(r.tier, err)
		}
		postings = append(postings, posting{key: key, tf: tf, docLen: docLen})
	}
	flush()
	return scores, nil
}
