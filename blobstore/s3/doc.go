// Package s3 provides an Amazon S3 implementation of blobstore.Store.
//
// # Usage
//
//	cfg, err := config.LoadDefaultConfig(ctx)
//	if err != nil {
//		log.Fatal(err)
//	}
//	store := s3.NewStore(awss3.NewFromConfig(cfg), "my-bucket", "tiersearch/")
//	snap, err := db.Backup(ctx, store)
//
// Snapshots taken concurrently from several hosts should commit through
// DDBCommitStore, which turns the CURRENT pointer into a DynamoDB
// conditional write.
//
// # Features
//
//   - Multipart streaming uploads of unknown length
//   - Automatic pagination for listing
//   - Configurable prefix for multi-tenant isolation
package s3
