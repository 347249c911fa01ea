package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/urfave/cli/v2"

	"github.com/hupe1980/tiersearch/blobstore"
	"github.com/hupe1980/tiersearch/blobstore/minio"
	"github.com/hupe1980/tiersearch/blobstore/s3"
)

func storeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "store",
			Usage:    "Snapshot location: a directory, s3://bucket/prefix or minio://host:port/bucket/prefix",
			EnvVars:  []string{"TIERSEARCH_STORE"},
			Required: true,
		},
		&cli.StringFlag{
			Name:    "ddb-table",
			Usage:   "DynamoDB table committing CURRENT for s3:// stores",
			EnvVars: []string{"TIERSEARCH_DDB_TABLE"},
		},
		&cli.BoolFlag{
			Name:  "insecure",
			Usage: "Use plain HTTP for minio:// stores",
		},
	}
}

// openStore resolves the --store location. MinIO credentials are read from
// MINIO_ROOT_USER/MINIO_ROOT_PASSWORD or MINIO_ACCESS_KEY/MINIO_SECRET_KEY.
func openStore(c *cli.Context) (blobstore.Store, error) {
	loc := c.String("store")
	u, err := url.Parse(loc)
	if err != nil || u.Scheme == "" || u.Scheme == "file" {
		if err == nil && u.Scheme == "file" {
			loc = u.Path
		}
		return blobstore.NewLocalStore(loc), nil
	}

	switch u.Scheme {
	case "s3":
		cfg, err := config.LoadDefaultConfig(c.Context)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		store := s3.NewStore(awss3.NewFromConfig(cfg), u.Host, strings.TrimPrefix(u.Path, "/"))
		if table := c.String("ddb-table"); table != "" {
			return s3.NewDDBCommitStore(store, dynamodb.NewFromConfig(cfg), table, loc), nil
		}
		return store, nil
	case "minio":
		bucket, prefix, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
		if bucket == "" {
			return nil, fmt.Errorf("minio store %q: missing bucket", loc)
		}
		client, err := miniogo.New(u.Host, &miniogo.Options{
			Creds:  credentials.NewEnvMinio(),
			Secure: !c.Bool("insecure"),
		})
		if err != nil {
			return nil, fmt.Errorf("minio client: %w", err)
		}
		return minio.NewStore(client, bucket, prefix), nil
	default:
		return nil, fmt.Errorf("unsupported store scheme %q", u.Scheme)
	}
}
