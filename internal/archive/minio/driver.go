// Package minio provides a MinIO implementation of archive.Store.
//
// Usage:
//
//	store, err := minio.New(ctx, archive.Config{
//	    Endpoint:  "localhost:9000",
//	    AccessKey: "minioadmin",
//	    SecretKey: "minioadmin",
//	    Bucket:    "shop-archives",
//	})
//	if err != nil { ... }
//
//	err = store.Upload(ctx, archive.Key("t1", time.Now()), "/data/shop_t1.db")
package minio

import (
	"context"
	"sort"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/koustreak/shopdb/internal/archive"
	"github.com/koustreak/shopdb/internal/errs"
)

const sqliteContentType = "application/vnd.sqlite3"

// Driver is a MinIO implementation of archive.Store.
// It is safe for concurrent use by multiple goroutines.
type Driver struct {
	client *miniogo.Client
	bucket string
}

var _ archive.Store = (*Driver)(nil)

// New connects to MinIO, creates the bucket if it does not exist, and
// returns a Driver.
func New(ctx context.Context, cfg archive.Config) (*Driver, error) {
	if cfg.Bucket == "" {
		return nil, errs.New(errs.ErrKindInvalidConfig, "archive bucket is required")
	}

	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindInvalidConfig, "failed to create minio client", err)
	}

	d := &Driver{client: client, bucket: cfg.Bucket}
	if err := d.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}
	return d, nil
}

// Bucket returns the bucket archives are written to.
func (d *Driver) Bucket() string { return d.bucket }

// --- archive.Store implementation ---

// Ping verifies the server is reachable and the bucket exists.
func (d *Driver) Ping(ctx context.Context) error {
	ok, err := d.client.BucketExists(ctx, d.bucket)
	if err != nil {
		return mapError(err, "ping failed")
	}
	if !ok {
		return errs.Newf(errs.ErrKindNotFound, "archive bucket %s does not exist", d.bucket)
	}
	return nil
}

// Upload streams the file at path to key.
func (d *Driver) Upload(ctx context.Context, key, path string) error {
	_, err := d.client.FPutObject(ctx, d.bucket, key, path, miniogo.PutObjectOptions{
		ContentType: sqliteContentType,
	})
	if err != nil {
		return mapError(err, "failed to upload "+key)
	}
	return nil
}

// List returns the objects under prefix, oldest first.
func (d *Driver) List(ctx context.Context, prefix string) ([]archive.ObjectInfo, error) {
	opts := miniogo.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}

	var results []archive.ObjectInfo
	for obj := range d.client.ListObjects(ctx, d.bucket, opts) {
		if obj.Err != nil {
			return nil, mapError(obj.Err, "failed to list archives")
		}
		results = append(results, archive.ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Key < results[j].Key })
	return results, nil
}

func (d *Driver) ensureBucket(ctx context.Context, region string) error {
	ok, err := d.client.BucketExists(ctx, d.bucket)
	if err != nil {
		return mapError(err, "failed to check archive bucket")
	}
	if ok {
		return nil
	}
	if err := d.client.MakeBucket(ctx, d.bucket, miniogo.MakeBucketOptions{Region: region}); err != nil {
		return mapError(err, "failed to create archive bucket "+d.bucket)
	}
	return nil
}
