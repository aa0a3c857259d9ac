// Package archive defines where shop databases are copied before they are
// deleted. Callers depend only on this package, never on a provider package.
//
// Usage:
//
//	store, err := minio.New(ctx, archive.Config{Endpoint: "localhost:9000", Bucket: "shop-archives"})
//	key := archive.Key("t1", time.Now())
//	err = store.Upload(ctx, key, "/data/shop_t1.db")
package archive

import (
	"context"
	"path"
	"time"
)

// keyTimeFormat sorts lexically in time order.
const keyTimeFormat = "20060102T150405Z"

// Config holds the settings needed to reach an object store.
type Config struct {
	// Endpoint is the host:port of the storage server, e.g. "localhost:9000".
	Endpoint string

	AccessKey string
	SecretKey string

	// Bucket receives the archives. It is created if missing.
	Bucket string

	UseSSL bool

	// Region is used by region-aware backends. Leave empty for MinIO.
	Region string
}

// ObjectInfo describes one archived database.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is implemented by every archive backend.
type Store interface {
	// Ping verifies the backend and bucket are reachable.
	Ping(ctx context.Context) error

	// Upload copies the local file at path to key.
	Upload(ctx context.Context, key, path string) error

	// List returns the archives whose key starts with prefix, oldest first.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// Key returns the object key for an archive of shopID taken at t:
// shops/<id>/<UTC timestamp>.db.
func Key(shopID string, t time.Time) string {
	return path.Join(ShopPrefix(shopID), t.UTC().Format(keyTimeFormat)+".db")
}

// ShopPrefix returns the key prefix shared by all of shopID's archives.
func ShopPrefix(shopID string) string {
	return "shops/" + shopID + "/"
}
