// Package tier implements the disk tiers (hot, warm and optional cold).
//
// Each tier is a badger DB holding two independent keyspaces, one for file
// metadata and one for extracted content. Both keep stored records, term
// postings per text field and BM25 field statistics.
//
// # Concurrency
//
//   - Reader: ref-counted snapshot (read-only transaction + generation),
//     replaced after every commit. Any number may be active.
//   - Writer: exclusive per tier, held for one job. Commit is atomic and
//     bumps the generation.
//
// Multi-tier jobs take writers through Store.Writers, which acquires them in
// tier order.
//
// # Records
//
// Records are sealed in a checksummed envelope. Content text is compressed
// per tier (LZ4 for hot and warm, ZSTD for cold by default). A checksum
// failure surfaces ErrCorrupt and the tier should be marked corrupt.
package tier
