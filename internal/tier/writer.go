package tier

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/hupe1980/tiersearch/lexical"
	"github.com/hupe1980/tiersearch/model"
	"github.com/hupe1980/tiersearch/query"
)

// Writer stages changes to one tier in badger transactions.
//
// A tier has at most one writer at a time. Commit applies the staged
// changes, bumps the tier generation and refreshes the tier reader. Discard
// aborts. Either call releases the writer.
//
// Changes that do not fit into one badger transaction are committed in
// chunks while they are staged, so readers may observe a prefix of a large
// batch and Discard only drops the last chunk. Callers keep such prefixes
// invisible or harmless: flushed keys stay shadowed by the delta until the
// whole flush committed, and demotion copies lose to the source by stamp.
type Writer struct {
	t     *Tier
	db    *badger.DB
	txn   *badger.Txn
	stamp int64
	stats map[query.Field]fieldStats
	count int
	bytes int
	done  bool

	// Limits and usage of the current transaction.
	maxOps  int64
	maxSize int64
	txnOps  int64
	txnSize int64
	chunks  int
}

// entryOverhead over-approximates badger's per-entry accounting.
const entryOverhead = 32

func newWriter(t *Tier, db *badger.DB) *Writer {
	return &Writer{
		t:       t,
		db:      db,
		txn:     db.NewTransaction(true),
		stamp:   time.Now().UnixNano(),
		stats:   make(map[query.Field]fieldStats),
		maxOps:  db.MaxBatchCount() * 9 / 10,
		maxSize: db.MaxBatchSize() * 9 / 10,
	}
}

// Tier returns the tier being written.
func (w *Writer) Tier() model.Tier { return w.t.id }

// Pending returns the number of staged record writes and deletes.
func (w *Writer) Pending() int { return w.count }

// Bytes returns the encoded size of the staged records.
func (w *Writer) Bytes() int { return w.bytes }

// Chunks returns the number of transactions committed early because the
// staged changes outgrew one transaction.
func (w *Writer) Chunks() int { return w.chunks }

func (w *Writer) set(key, val []byte) error {
	n := int64(len(key)+len(val)) + entryOverhead
	if err := w.reserve(n); err != nil {
		return err
	}
	err := w.txn.Set(key, val)
	if errors.Is(err, badger.ErrTxnTooBig) {
		if err = w.rollover(); err == nil {
			err = w.txn.Set(key, val)
		}
	}
	if err != nil {
		return err
	}
	w.txnOps++
	w.txnSize += n
	return nil
}

func (w *Writer) del(key []byte) error {
	n := int64(len(key)) + entryOverhead
	if err := w.reserve(n); err != nil {
		return err
	}
	err := w.txn.Delete(key)
	if errors.Is(err, badger.ErrTxnTooBig) {
		if err = w.rollover(); err == nil {
			err = w.txn.Delete(key)
		}
	}
	if err != nil {
		return err
	}
	w.txnOps++
	w.txnSize += n
	return nil
}

// reserve starts a new transaction when n more bytes would not fit into the
// current one. The headroom left covers the field statistics written on
// commit.
func (w *Writer) reserve(n int64) error {
	if w.txnOps == 0 {
		return nil
	}
	if w.txnOps+1 < w.maxOps && w.txnSize+n < w.maxSize {
		return nil
	}
	return w.rollover()
}

// rollover commits the current transaction and continues in a new one.
func (w *Writer) rollover() error {
	if err := w.commitTxn(); err != nil {
		return err
	}
	w.txn.Discard()
	w.txn = w.db.NewTransaction(true)
	w.txnOps, w.txnSize = 0, 0
	w.chunks++
	w.t.logger.Debug("write batch split", "chunk", w.chunks, "records", w.count)
	return nil
}

// PutMeta stages a metadata record. A zero CommitStamp is replaced by the
// writer's stamp. An existing record with a newer stamp is kept.
func (w *Writer) PutMeta(m *model.StoredMeta) error {
	if w.done {
		return ErrClosed
	}
	rec := *m
	if rec.CommitStamp == 0 {
		rec.CommitStamp = w.stamp
	}
	old, err := w.oldMeta(rec.Key)
	if err != nil {
		return wrap(w.t.id, err)
	}
	if old != nil {
		if old.CommitStamp > rec.CommitStamp {
			return nil
		}
		if err := w.unindexMeta(old); err != nil {
			return wrap(w.t.id, err)
		}
	}
	val := EncodeMeta(&rec)
	if err := w.set(docKey(model.KindMeta, rec.Key), val); err != nil {
		return wrap(w.t.id, err)
	}
	if err := w.index(query.FieldName, rec.Key, lexical.TokenizeField(query.FieldName, model.AnalyzerStandard, rec.Name)); err != nil {
		return wrap(w.t.id, err)
	}
	if err := w.index(query.FieldPath, rec.Key, lexical.TokenizeField(query.FieldPath, model.AnalyzerStandard, rec.Path)); err != nil {
		return wrap(w.t.id, err)
	}
	w.count++
	w.bytes += len(val)
	return nil
}

// PutContent stages a content record. A zero CommitStamp is replaced by the
// writer's stamp. An existing record with a newer stamp is kept.
func (w *Writer) PutContent(c *model.StoredContent) error {
	if w.done {
		return ErrClosed
	}
	rec := *c
	if rec.CommitStamp == 0 {
		rec.CommitStamp = w.stamp
	}
	old, err := w.oldContent(rec.Key)
	if err != nil {
		return wrap(w.t.id, err)
	}
	if old != nil {
		if old.CommitStamp > rec.CommitStamp {
			return nil
		}
		if err := w.unindexContent(old); err != nil {
			return wrap(w.t.id, err)
		}
	}
	val, err := EncodeContent(&rec, w.t.compression)
	if err != nil {
		return wrap(w.t.id, err)
	}
	if err := w.set(docKey(model.KindContent, rec.Key), val); err != nil {
		return wrap(w.t.id, err)
	}
	tokens := lexical.TokenizeField(query.FieldContent, rec.Analyzer, rec.Text)
	if err := w.index(query.FieldContent, rec.Key, tokens); err != nil {
		return wrap(w.t.id, err)
	}
	w.count++
	w.bytes += len(val)
	return nil
}

// Delete stages the removal of a record. Missing records are ignored.
func (w *Writer) Delete(kind model.IndexKind, key model.DocKey) error {
	_, err := w.DeleteIfStamp(kind, key, 0)
	return err
}

// DeleteIfStamp stages the removal of a record only if its commit stamp
// equals stamp. A zero stamp matches any record. It reports whether a
// record was removed.
func (w *Writer) DeleteIfStamp(kind model.IndexKind, key model.DocKey, stamp int64) (bool, error) {
	if w.done {
		return false, ErrClosed
	}
	var (
		oldStamp int64
		found    bool
		unindex  func() error
	)
	switch kind {
	case model.KindContent:
		old, err := w.oldContent(key)
		if err != nil {
			return false, wrap(w.t.id, err)
		}
		if old != nil {
			found, oldStamp = true, old.CommitStamp
			unindex = func() error { return w.unindexContent(old) }
		}
	default:
		old, err := w.oldMeta(key)
		if err != nil {
			return false, wrap(w.t.id, err)
		}
		if old != nil {
			found, oldStamp = true, old.CommitStamp
			unindex = func() error { return w.unindexMeta(old) }
		}
	}
	if !found || (stamp != 0 && oldStamp != stamp) {
		return false, nil
	}
	if err := unindex(); err != nil {
		return false, wrap(w.t.id, err)
	}
	if err := w.del(docKey(kind, key)); err != nil {
		return false, wrap(w.t.id, err)
	}
	w.count++
	return true, nil
}

func (w *Writer) oldMeta(key model.DocKey) (*model.StoredMeta, error) {
	item, err := w.txn.Get(docKey(model.KindMeta, key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var m *model.StoredMeta
	err = item.Value(func(val []byte) error {
		m, err = DecodeMeta(val)
		return err
	})
	return m, err
}

func (w *Writer) oldContent(key model.DocKey) (*model.StoredContent, error) {
	item, err := w.txn.Get(docKey(model.KindContent, key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var c *model.StoredContent
	err = item.Value(func(val []byte) error {
		c, err = DecodeContent(val)
		return err
	})
	return c, err
}

func termFreqs(tokens []string) map[string]int {
	tf := make(map[string]int, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}
	return tf
}

func (w *Writer) index(f query.Field, key model.DocKey, tokens []string) error {
	for term, n := range termFreqs(tokens) {
		if err := w.set(postingKey(f, term, key), encodePosting(n, len(tokens))); err != nil {
			return err
		}
	}
	st := w.stats[f]
	st.Docs++
	st.Tokens += int64(len(tokens))
	w.stats[f] = st
	return nil
}

func (w *Writer) unindex(f query.Field, key model.DocKey, tokens []string) error {
	for term := range termFreqs(tokens) {
		if err := w.del(postingKey(f, term, key)); err != nil {
			return err
		}
	}
	st := w.stats[f]
	st.Docs--
	st.Tokens -= int64(len(tokens))
	w.stats[f] = st
	return nil
}

func (w *Writer) unindexMeta(m *model.StoredMeta) error {
	if err := w.unindex(query.FieldName, m.Key, lexical.TokenizeField(query.FieldName, model.AnalyzerStandard, m.Name)); err != nil {
		return err
	}
	return w.unindex(query.FieldPath, m.Key, lexical.TokenizeField(query.FieldPath, model.AnalyzerStandard, m.Path))
}

func (w *Writer) unindexContent(c *model.StoredContent) error {
	return w.unindex(query.FieldContent, c.Key, lexical.TokenizeField(query.FieldContent, c.Analyzer, c.Text))
}

// Commit applies the staged changes and publishes a new reader.
func (w *Writer) Commit() error {
	if w.done {
		return ErrClosed
	}
	defer w.finish()
	return w.commitTxn()
}

// commitTxn folds the field statistics into the current transaction and
// commits it.
func (w *Writer) commitTxn() error {
	for f, delta := range w.stats {
		var cur fieldStats
		item, err := w.txn.Get(statsKey(f))
		switch {
		case err == nil:
			err = item.Value(func(val []byte) error {
				var ok bool
				if cur, ok = decodeFieldStats(val); !ok {
					return errCorruptStats
				}
				return nil
			})
			if err != nil {
				return wrap(w.t.id, err)
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return wrap(w.t.id, err)
		}
		cur.Docs += delta.Docs
		cur.Tokens += delta.Tokens
		if err := w.txn.Set(statsKey(f), cur.encode()); err != nil {
			return wrap(w.t.id, err)
		}
	}
	if err := w.txn.Commit(); err != nil {
		return wrap(w.t.id, fmt.Errorf("commit: %w", err))
	}
	clear(w.stats)
	w.t.publish()
	return nil
}

// Discard aborts the staged changes. It is safe to call after Commit.
func (w *Writer) Discard() {
	if w.done {
		return
	}
	w.finish()
}

func (w *Writer) finish() {
	w.done = true
	w.txn.Discard()
	w.t.writeSem.Release(1)
}
