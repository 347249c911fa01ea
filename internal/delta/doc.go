// Package delta implements the bounded in-memory tier that absorbs writes
// before they are flushed to the disk tiers.
//
// Writes go to an active buffer. A flush freezes it, stages the frozen
// entries into disk writers and, once the disk commit succeeded, drops them.
// Until then queries keep seeing frozen entries, so a failed flush loses
// nothing and can be retried. Deletes are kept as tombstones that hide older
// disk copies of the same key.
package delta
