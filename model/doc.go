// Package model defines core types used throughout tiersearch.
//
// # Identity Types
//
//   - DocKey: corpus-wide file identifier (volume << 48 | file reference)
//   - Tier: delta (memory), hot, warm, cold (disk)
//   - IndexKind: metadata or content keyspace
//
// # Data Types
//
//   - FileMeta: file metadata (name, path, size, timestamps, flags)
//   - ContentDoc: extracted content with its DocKind and Analyzer
//   - ChangeEvent: ingestion input
//   - Hit: search result attributed to the tier that served it
package model
