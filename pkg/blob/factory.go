package blob

import (
	"context"
	"fmt"

	"github.com/originhq/origin/pkg/config"
)

// New builds the store named by cfg.BlobProvider. GCS support requires
// the gcp build tag.
func New(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.BlobProvider {
	case config.BlobFS:
		return NewFSStore(cfg.BlobFSDir)
	case config.BlobS3:
		return NewS3Store(ctx, S3Config{
			Bucket:    cfg.BlobBucket,
			Region:    cfg.BlobRegion,
			Endpoint:  cfg.BlobEndpoint,
			AccessKey: cfg.BlobAccessKey,
			SecretKey: cfg.BlobSecretKey,
		})
	case config.BlobGCS:
		return newGCSFromConfig(ctx, cfg)
	default:
		return nil, fmt.Errorf("blob: unknown provider %q", cfg.BlobProvider)
	}
}
