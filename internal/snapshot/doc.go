// Package snapshot writes and reads index snapshots in a blobstore.Store.
//
// A snapshot is a set of parts, each a zstd-compressed stream checksummed
// with CRC32C over its uncompressed bytes, plus a JSON manifest:
//
//	snapshots/<id>/<part>.zst
//	snapshots/<id>/MANIFEST
//	CURRENT
//
// Parts are uploaded first, then the manifest, then CURRENT is pointed at
// the new id. A crash before CURRENT is written leaves the previous snapshot
// current and the new objects unreferenced.
package snapshot
