//go:build gcp

package blob

import (
	"context"

	"github.com/originhq/origin/pkg/config"
)

func newGCSFromConfig(ctx context.Context, cfg *config.Config) (Store, error) {
	return NewGCSStore(ctx, cfg.BlobBucket)
}
