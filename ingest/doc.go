// Package ingest turns file metadata into change events for the index.
//
// Content extraction and index-time transforms are pluggable capabilities.
// An Extractor reads a file and returns its text plus a JSON metadata
// document; a Transformer rewrites that metadata document. The Pipeline
// bounds every call in time and text size, runs calls on a fixed worker
// pool, and disables a capability after repeated consecutive failures.
//
// The index never calls capabilities itself. It only consumes the typed
// model.ContentDoc the pipeline produces.
package ingest
