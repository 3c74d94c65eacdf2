// Package fsresize grows a filesystem to fill its (already enlarged)
// partition. Two kinds exist: journaled-block filesystems (ext4) are checked
// and resized offline against a loop device, copy-on-write filesystems
// (btrfs) are resized online against their mountpoint. The kind is selected
// once per run from the image's OS version and never changes mid-run.
package fsresize

import (
	"context"
	"fmt"

	"github.com/fleetforge/preload/lib/blockdev"
	"github.com/fleetforge/preload/lib/logger"
	"github.com/fleetforge/preload/lib/system"
)

// Kind names a resizable filesystem flavor.
type Kind string

const (
	KindExt4  Kind = "ext4"
	KindBtrfs Kind = "btrfs"
)

// ext4MinVersion is the first OS release that ships ext4 data partitions;
// everything older uses btrfs.
var ext4MinVersion = ParseVersion("2.0.0")

// KindForVersion selects the filesystem kind for a detected OS version.
func KindForVersion(v Version) Kind {
	if v.AtLeast(ext4MinVersion) {
		return KindExt4
	}
	return KindBtrfs
}

// Resizer is the per-kind resize behavior plus the container-runtime
// parameters that follow from the kind.
type Resizer interface {
	Kind() Kind

	// Driver is the storage driver the container runtime daemon must run
	// with on this filesystem.
	Driver() string

	// ExtraMountOptions are appended to the data partition's mount options.
	ExtraMountOptions() string

	// ResizeOffline grows the filesystem while unmounted, via a loop device
	// bound to the partition. No-op for kinds that resize online.
	ResizeOffline(ctx context.Context, image string, partIndex int) error

	// ResizeOnline grows the mounted filesystem to its maximum size. No-op
	// for kinds that resize offline.
	ResizeOnline(ctx context.Context, mountpoint string) error
}

// New returns the Resizer for the given kind.
func New(r system.Runner, kind Kind) Resizer {
	if kind == KindBtrfs {
		return &btrfsResizer{runner: r}
	}
	return &ext4Resizer{runner: r}
}

type ext4Resizer struct {
	runner system.Runner
}

func (e *ext4Resizer) Kind() Kind { return KindExt4 }
func (e *ext4Resizer) Driver() string { return "overlay2" }
func (e *ext4Resizer) ExtraMountOptions() string { return "" }

func (e *ext4Resizer) ResizeOffline(ctx context.Context, image string, partIndex int) error {
	log := logger.FromContext(ctx)

	dev, err := blockdev.AttachLoop(ctx, e.runner, image, partIndex)
	if err != nil {
		return err
	}
	defer func() {
		if err := dev.Detach(ctx); err != nil {
			log.WarnContext(ctx, "failed to detach loop device", "device", dev.Path, "error", err)
		}
	}()

	// e2fsck exit codes: 0 clean, 1 errors corrected, 2 errors corrected
	// and reboot advised. Anything else is unrecoverable and aborts the
	// whole preload.
	code, output, err := e.runner.RunStatus(ctx, "e2fsck", "-p", "-f", dev.Path)
	if err != nil {
		return fmt.Errorf("run e2fsck: %w", err)
	}
	switch code {
	case 0:
		log.InfoContext(ctx, "e2fsck: filesystem clean", "device", dev.Path)
	case 1, 2:
		log.WarnContext(ctx, "e2fsck: filesystem errors corrected", "device", dev.Path, "exit_code", code)
	default:
		return fmt.Errorf("%w: e2fsck exit code %d, output: %s", ErrUnrecoverable, code, output)
	}

	log.InfoContext(ctx, "resizing ext4 filesystem", "device", dev.Path)
	if _, err := e.runner.Run(ctx, "resize2fs", "-f", dev.Path); err != nil {
		return fmt.Errorf("resize2fs: %w", err)
	}
	return nil
}

func (e *ext4Resizer) ResizeOnline(ctx context.Context, mountpoint string) error {
	return nil
}

type btrfsResizer struct {
	runner system.Runner
}

func (b *btrfsResizer) Kind() Kind { return KindBtrfs }
func (b *btrfsResizer) Driver() string { return "btrfs" }
func (b *btrfsResizer) ExtraMountOptions() string { return "nospace_cache,rw" }

func (b *btrfsResizer) ResizeOffline(ctx context.Context, image string, partIndex int) error {
	return nil
}

func (b *btrfsResizer) ResizeOnline(ctx context.Context, mountpoint string) error {
	log := logger.FromContext(ctx)
	log.InfoContext(ctx, "resizing btrfs filesystem", "mountpoint", mountpoint)

	if _, err := b.runner.Run(ctx, "btrfs", "filesystem", "resize", "max", mountpoint); err != nil {
		return fmt.Errorf("btrfs resize: %w", err)
	}
	return nil
}
