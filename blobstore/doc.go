// Package blobstore provides the object storage abstraction used for index
// snapshots.
//
// Store is the interface for reading and writing whole blobs (snapshot parts,
// manifests and the CURRENT pointer). Implementations must be safe for
// concurrent use.
//
// # Built-in Implementations
//
//   - LocalStore: local filesystem, atomic via rename
//   - MemoryStore: in-memory, for tests
//   - s3.Store: Amazon S3 with multipart streaming uploads
//   - s3.DDBCommitStore: S3 plus a DynamoDB conditional write for CURRENT
//   - minio.Store: MinIO and other S3-compatible services
//
// # Custom Implementations
//
//	type Store interface {
//	    Put(ctx, name, r) error
//	    Get(ctx, name) (io.ReadCloser, error)
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	}
package blobstore
