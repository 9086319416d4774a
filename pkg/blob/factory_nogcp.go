//go:build !gcp

package blob

import (
	"context"
	"errors"

	"github.com/originhq/origin/pkg/config"
)

func newGCSFromConfig(ctx context.Context, cfg *config.Config) (Store, error) {
	return nil, errors.New("blob: gcs support requires building with -tags gcp")
}
