package api

import (
	"context"
	"fmt"
	"math"

	"github.com/fleetforge/preload/lib/logger"
	"github.com/fleetforge/preload/lib/sectors"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// ContainerSize returns the total compressed size of the image's layers,
// summed from the registry manifest.
func ContainerSize(ctx context.Context, imageRef string) (int64, error) {
	log := logger.FromContext(ctx)
	log.InfoContext(ctx, "fetching container size", "image", imageRef)

	ref, err := name.ParseReference(imageRef)
	if err != nil {
		return 0, fmt.Errorf("parse image reference %q: %w", imageRef, err)
	}

	img, err := remote.Image(ref,
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(authn.DefaultKeychain))
	if err != nil {
		return 0, fmt.Errorf("fetch manifest for %s: %w", imageRef, err)
	}

	manifest, err := img.Manifest()
	if err != nil {
		return 0, fmt.Errorf("read manifest for %s: %w", imageRef, err)
	}

	var size int64
	for _, layer := range manifest.Layers {
		size += layer.Size
	}

	log.InfoContext(ctx, "container size", "image", imageRef, "size", sectors.Bytes(size))
	return size, nil
}

// AdditionalSpace converts a compressed container size into the growth
// budget for the data partition: 110% of it, rounded up to a whole number
// of sectors.
func AdditionalSpace(containerSize int64) int64 {
	return sectors.RoundUp(int64(math.Ceil(float64(containerSize) * 1.1)))
}
