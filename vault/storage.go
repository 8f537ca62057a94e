package vault

import (
	"context"
	"fmt"
)

// Storage defines the interface for storing opaque encrypted blobs, used as
// the backend for both the token store and the spool directory.
// Implementations include local file storage and cloud storage (S3, etc.).
type Storage interface {
	// Put stores raw bytes at the given key
	Put(ctx context.Context, key string, data []byte) error

	// Get retrieves the object at the given key
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object at the given key (optional, can return nil if not implemented)
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix (optional, can return empty if not implemented)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Ensure S3Client implements Storage interface
var _ Storage = (*S3Client)(nil)
var _ Storage = (*LocalStorage)(nil)

// New selects a Storage backend by name: "local" roots everything under
// localDir, "s3" talks to the given region/bucket and ignores localDir. The
// Token Store and the Spool each call this with their own directory, which
// separates them on local disk; on S3 both use the bucket's root keyspace.
func New(backend, localDir, region, bucket string) (Storage, error) {
	switch backend {
	case "", "local":
		return NewLocalStorage(localDir)
	case "s3":
		return NewS3Client(region, bucket)
	default:
		return nil, fmt.Errorf("vault: unknown storage backend %q", backend)
	}
}
