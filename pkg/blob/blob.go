// Package blob stores rendered evidence artifacts under tenant-scoped
// keys. Three backends: local filesystem for development, S3-compatible
// object storage, and GCS (behind the gcp build tag).
package blob

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("blob: not found")

// ErrPresignNotSupported is returned by backends without presigned URLs;
// callers fall back to streaming through the API.
var ErrPresignNotSupported = errors.New("blob: presigned urls not supported")

// Store is the artifact storage contract.
type Store interface {
	// Put writes data at key, overwriting any existing object.
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get reads the object at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Presign returns a time-limited direct download URL for key, or
	// ErrPresignNotSupported.
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
	// BucketExists verifies the backing bucket or directory is reachable.
	// Used by the readiness probe.
	BucketExists(ctx context.Context) error
}
