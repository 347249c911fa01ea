// Package resource implements the process-wide resource controller.
//
// The Controller governs three resources shared by the query path and the
// background migration jobs:
//
//   - Memory: bytes held by cached filter candidate sets (non-blocking, fail-fast)
//   - Concurrency: background worker slots for flush and demotion jobs
//   - IO: a token bucket smoothing the bytes moved between tiers
//
// All methods handle a nil Controller gracefully; they become no-ops.
// This allows optional resource limiting without nil checks everywhere.
package resource
