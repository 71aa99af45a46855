// Package datasource checks upstream data availability against the
// public NOAA Himawari archive. A full-disk slot is complete when all
// its segment files have landed; the generator compares the count
// returned here against its configured threshold.
package datasource

import (
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	defaultEndpoint = "s3.amazonaws.com"
	defaultBucket   = "noaa-himawari9"
	defaultPrefix   = "AHI-L1b-FLDK"
)

// Config locates the upstream archive. Zero values fall back to the
// public NOAA Himawari-9 bucket.
type Config struct {
	Endpoint string
	Bucket   string
	Prefix   string
}

// Archive lists the upstream source bucket anonymously.
type Archive struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewArchive connects to the upstream archive described by cfg.
func NewArchive(cfg Config) (*Archive, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4("", "", ""),
		Secure: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect archive %s: %w", endpoint, err)
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = defaultBucket
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Archive{client: client, bucket: bucket, prefix: prefix}, nil
}

// SlotPath returns the archive prefix of a slot's source files:
// {prefix}/{Y/m/d/HM}/
func SlotPath(prefix string, ts time.Time) string {
	return fmt.Sprintf("%s/%s/", prefix, ts.UTC().Format("2006/01/02/1504"))
}

// CountReady returns the number of source files present for the slot.
func (a *Archive) CountReady(ctx context.Context, ts time.Time) (int, error) {
	count := 0
	opts := minio.ListObjectsOptions{Prefix: SlotPath(a.prefix, ts), Recursive: true}
	for obj := range a.client.ListObjects(ctx, a.bucket, opts) {
		if obj.Err != nil {
			return 0, fmt.Errorf("list %s: %w", a.bucket, obj.Err)
		}
		count++
	}
	return count, nil
}
