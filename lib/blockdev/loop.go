// Package blockdev exposes single partitions of a raw image file as scoped
// resources: loop devices for offline filesystem work and mounts for online
// work. Every Attach/Mount has a matching release that the holder must run
// on all exit paths, error paths included.
package blockdev

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/fleetforge/preload/lib/logger"
	"github.com/fleetforge/preload/lib/partition"
	"github.com/fleetforge/preload/lib/system"
)

// LoopDevice is a loop node bound to one partition extent of an image file.
type LoopDevice struct {
	Path string

	runner system.Runner
}

// AttachLoop binds the next free loop device to the extent of the given
// partition, looked up fresh from the image.
func AttachLoop(ctx context.Context, r system.Runner, image string, partIndex int) (*LoopDevice, error) {
	offset, size, err := partitionExtent(ctx, r, image, partIndex)
	if err != nil {
		return nil, err
	}

	output, err := r.Run(ctx, "losetup", "-f")
	if err != nil {
		return nil, fmt.Errorf("find free loop device: %w", err)
	}
	device := strings.TrimSpace(string(output))

	_, err = r.Run(ctx, "losetup",
		"-o", strconv.FormatInt(offset, 10),
		"--sizelimit", strconv.FormatInt(size, 10),
		device, image)
	if err != nil {
		return nil, fmt.Errorf("bind %s to %s: %w", device, image, err)
	}

	log := logger.FromContext(ctx)
	log.InfoContext(ctx, "attached loop device", "device", device, "image", image, "partition", partIndex)

	return &LoopDevice{Path: device, runner: r}, nil
}

// Detach unbinds the loop device.
func (d *LoopDevice) Detach(ctx context.Context) error {
	if _, err := d.runner.Run(ctx, "losetup", "-d", d.Path); err != nil {
		return fmt.Errorf("detach %s: %w", d.Path, err)
	}
	return nil
}

// partitionExtent returns a partition's extent in bytes, derived fresh so a
// mutated image is never described from a stale table.
func partitionExtent(ctx context.Context, r system.Runner, image string, partIndex int) (offset, size int64, err error) {
	table, err := partition.Describe(ctx, r, image, partition.UnitBytes)
	if err != nil {
		return 0, 0, err
	}
	return table.Extent(partIndex)
}
