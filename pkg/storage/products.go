// Package storage wraps the MinIO object store holding produced
// composite rasters. The scheduler uses it for existence checks on the
// on-demand backfill path and to hand out time-limited download URLs.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config locates the product bucket.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// ProductStore reads produced composites from object storage.
type ProductStore struct {
	client *minio.Client
	bucket string
}

// NewProductStore connects to the object store described by cfg.
func NewProductStore(cfg Config) (*ProductStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store %s: %w", cfg.Endpoint, err)
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "himawari"
	}
	return &ProductStore{client: client, bucket: bucket}, nil
}

// ObjectName returns the bucket key of a composite product:
// {composite}/{Y/m/d}/himawari_{composite}_{Ymd_HM}.tif
func ObjectName(composite string, ts time.Time) string {
	ts = ts.UTC()
	filename := fmt.Sprintf("himawari_%s_%s.tif", composite, ts.Format("20060102_1504"))
	return fmt.Sprintf("%s/%s/%s", composite, ts.Format("2006/01/02"), filename)
}

// Exists reports whether the product for (composite, ts) has been
// produced.
func (s *ProductStore) Exists(ctx context.Context, composite string, ts time.Time) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, ObjectName(composite, ts), minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.StatusCode == 404 {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", ObjectName(composite, ts), err)
	}
	return true, nil
}

// PresignedURL returns a time-limited download URL for the product.
// A non-positive expiry defaults to 24 hours.
func (s *ProductStore) PresignedURL(ctx context.Context, composite string, ts time.Time, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, ObjectName(composite, ts), expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", ObjectName(composite, ts), err)
	}
	return u.String(), nil
}
