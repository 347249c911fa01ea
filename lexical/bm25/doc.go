// Package bm25 provides BM25 scoring and an in-memory lexical index.
//
// # Parameters
//
// Uses standard BM25 parameters: k1=1.2, b=0.75
//
// For prefix and fuzzy lookups a document matching several expanded terms
// keeps its best single-term score.
//
// # Thread Safety
//
// The index is safe for concurrent reads and writes.
package bm25
