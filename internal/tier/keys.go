package tier

import (
	"encoding/binary"

	"github.com/hupe1980/tiersearch/model"
	"github.com/hupe1980/tiersearch/query"
)

// Key layout (one badger DB per tier):
//
//	<kind>d<dockey BE>                  stored document
//	<kind>p<field><term>\x00<dockey BE> posting, value = uvarint tf | uvarint doclen
//	<kind>s<field>                      field statistics, value = uvarint docs | uvarint tokens
//
// <kind> is 'm' for metadata and 'c' for content. Big-endian doc keys keep
// document scans in doc-key order.
const (
	prefixMeta    = 'm'
	prefixContent = 'c'

	subDoc     = 'd'
	subPosting = 'p'
	subStats   = 's'
)

func kindPrefix(k model.IndexKind) byte {
	if k == model.KindContent {
		return prefixContent
	}
	return prefixMeta
}

// fieldKind returns the keyspace a text field is indexed in.
func fieldKind(f query.Field) model.IndexKind {
	if f == query.FieldContent {
		return model.KindContent
	}
	return model.KindMeta
}

// indexedFields lists the text fields maintained per keyspace.
func indexedFields(k model.IndexKind) []query.Field {
	if k == model.KindContent {
		return []query.Field{query.FieldContent}
	}
	return []query.Field{query.FieldName, query.FieldPath}
}

func docPrefix(k model.IndexKind) []byte {
	return []byte{kindPrefix(k), subDoc}
}

func docKey(k model.IndexKind, key model.DocKey) []byte {
	buf := make([]byte, 2, 10)
	buf[0], buf[1] = kindPrefix(k), subDoc
	return binary.BigEndian.AppendUint64(buf, uint64(key))
}

func parseDocKey(b []byte) model.DocKey {
	return model.DocKey(binary.BigEndian.Uint64(b[len(b)-8:]))
}

// postingPrefix returns the prefix of all postings of term. With exact set,
// the terminator is included so longer terms do not match.
func postingPrefix(f query.Field, term string, exact bool) []byte {
	buf := make([]byte, 0, 4+len(term))
	buf = append(buf, kindPrefix(fieldKind(f)), subPosting, byte(f))
	buf = append(buf, term...)
	if exact {
		buf = append(buf, 0)
	}
	return buf
}

func postingKey(f query.Field, term string, key model.DocKey) []byte {
	return binary.BigEndian.AppendUint64(postingPrefix(f, term, true), uint64(key))
}

// parsePostingKey splits a posting key into term and doc key.
func parsePostingKey(b []byte) (string, model.DocKey, bool) {
	if len(b) < 3+1+8 {
		return "", 0, false
	}
	term := b[3 : len(b)-9]
	if b[len(b)-9] != 0 {
		return "", 0, false
	}
	return string(term), parseDocKey(b), true
}

func statsKey(f query.Field) []byte {
	return []byte{kindPrefix(fieldKind(f)), subStats, byte(f)}
}

type fieldStats struct {
	Docs   int64
	Tokens int64
}

func (s fieldStats) encode() []byte {
	buf := binary.AppendVarint(nil, s.Docs)
	return binary.AppendVarint(buf, s.Tokens)
}

func decodeFieldStats(b []byte) (fieldStats, bool) {
	docs, n := binary.Varint(b)
	if n <= 0 {
		return fieldStats{}, false
	}
	tokens, m := binary.Varint(b[n:])
	if m <= 0 {
		return fieldStats{}, false
	}
	return fieldStats{Docs: docs, Tokens: tokens}, true
}

func encodePosting(tf, docLen int) []byte {
	buf := binary.AppendUvarint(nil, uint64(tf))
	return binary.AppendUvarint(buf, uint64(docLen))
}

func decodePosting(b []byte) (tf, docLen int, ok bool) {
	t, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, 0, false
	}
	l, m := binary.Uvarint(b[n:])
	if m <= 0 {
		return 0, 0, false
	}
	return int(t), int(l), true
}
