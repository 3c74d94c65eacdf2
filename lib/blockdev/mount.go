package blockdev

import (
	"context"
	"fmt"
	"os"

	"github.com/fleetforge/preload/lib/logger"
	"github.com/fleetforge/preload/lib/system"
)

// Mount is one partition of an image file mounted on a private temporary
// directory.
type Mount struct {
	Dir string

	runner system.Runner
}

// MountPartition mounts the given partition of the image on a fresh
// temporary directory using an offset+sizelimit loop mount. extraOptions
// are appended to the mount option string when non-empty.
func MountPartition(ctx context.Context, r system.Runner, image string, partIndex int, extraOptions string) (*Mount, error) {
	offset, size, err := partitionExtent(ctx, r, image, partIndex)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "preload-mnt-")
	if err != nil {
		return nil, fmt.Errorf("create mountpoint: %w", err)
	}

	options := fmt.Sprintf("offset=%d,sizelimit=%d", offset, size)
	if extraOptions != "" {
		options += "," + extraOptions
	}

	if _, err := r.Run(ctx, "mount", "-o", options, image, dir); err != nil {
		os.Remove(dir)
		return nil, fmt.Errorf("mount partition %d of %s: %w", partIndex, image, err)
	}

	log := logger.FromContext(ctx)
	log.InfoContext(ctx, "mounted partition", "image", image, "partition", partIndex, "mountpoint", dir)

	return &Mount{Dir: dir, runner: r}, nil
}

// Unmount unmounts the partition and removes the temporary mountpoint.
func (m *Mount) Unmount(ctx context.Context) error {
	if _, err := m.runner.Run(ctx, "umount", m.Dir); err != nil {
		return fmt.Errorf("unmount %s: %w", m.Dir, err)
	}
	if err := os.Remove(m.Dir); err != nil {
		return fmt.Errorf("remove mountpoint %s: %w", m.Dir, err)
	}
	return nil
}
