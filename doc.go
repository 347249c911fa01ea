// Package tiersearch provides an embedded, tiered file search index.
//
// Documents are file metadata records and extracted file contents keyed by
// (volume, file). They live in one of four tiers by age: an in-memory delta
// tier that absorbs change notifications, and hot, warm and optional cold
// tiers on disk. A background coordinator flushes the delta and demotes
// records as they age, within a per-tick budget.
//
// # Quick Start
//
//	db, err := tiersearch.Open("./index", tiersearch.WithConfig(tiersearch.Config{
//		HotDays:    30,
//		WarmDays:   365,
//		EnableCold: true,
//	}))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	_ = db.UpsertMeta(ctx, model.FileMeta{Key: key, Name: "report.pdf", Modified: time.Now()})
//
//	res, err := db.SearchString(ctx, `report ext:pdf modified:>2024-01-01`, tiersearch.SearchOptions{Limit: 20})
//
// # Tiers and precedence
//
// A search visits tiers youngest first and stops early once enough hits are
// found, unless the date range or the archive option asks for older tiers.
// When the same document appears in more than one tier the instance with the
// newest commit stamp wins; on equal stamps the younger tier wins.
//
// # Background work
//
// Call Start to run flushes and demotions in the background, or Tick to run
// one round synchronously. Migration progress is persisted, so an interrupted
// demotion resumes at its cursor after a restart.
//
// # Snapshots
//
// Backup writes every disk tier and the migration state to a blobstore.Store
// (a local directory, S3 or MinIO). Restore recreates an index directory from
// a snapshot before it is opened:
//
//	snap, err := db.Backup(ctx, blobstore.NewLocalStore("/backups/index"))
//
//	_, err = tiersearch.Restore(ctx, store, "./index-copy", snap.ID)
//
// # Configuration
//
// Config can be filled in code or read from a TOML file with LoadConfig:
//
//	hot_days = 30
//	warm_days = 365
//	enable_cold = true
//
//	[delta]
//	max_docs_meta = 50000
//
//	[migration]
//	max_files = 10000
//	max_concurrent_workers = 2
//
//	[compression]
//	cold = "zstd"
//
// # Observability
//
// Logging uses log/slog through Logger. Metrics are reported to a
// MetricsObserver; NewPrometheusObserver exports them as Prometheus
// collectors.
package tiersearch
