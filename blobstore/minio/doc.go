// Package minio provides a blobstore.Store implementation using the MinIO client.
//
// MinIO is an S3-compatible object storage system. This package uses the
// official MinIO Go client library, so it also works against Ceph,
// SeaweedFS, Garage and similar services.
//
// # Basic Usage
//
//	client, err := minio.New("localhost:9000", &minio.Options{
//	    Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
//	    Secure: false,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	store := minioblob.NewStore(client, "backups", "tiersearch/")
//	snap, err := db.Backup(ctx, store)
//
// Uploads are streamed with unknown length, so snapshot parts are never
// buffered whole in memory.
package minio
