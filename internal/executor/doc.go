// Package executor runs query plans across the delta and the disk tiers.
//
// Tiers are visited youngest first. For each tier the filter clauses produce
// a candidate set (cached per tier generation), the scoring clause ranks the
// candidates with BM25, and the per-tier hits are merged by doc key. When a
// key appears in more than one tier the instance with the greatest commit
// stamp wins, the younger tier on ties. A failing tier is skipped and the
// result marked partial.
package executor
