//go:build gcp

package artifacts

import "context"

func newGCSStore(ctx context.Context, s GCSSettings) (Store, error) {
	return NewGCSStore(ctx, GCSConfig(s))
}
