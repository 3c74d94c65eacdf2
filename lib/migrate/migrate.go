// Package migrate rebuilds a disk image with a grown partition: a larger
// image is created next to the original, the rewritten layout is applied to
// it, and every partition's contents are copied to their new offsets. The
// original file is only replaced once the whole migration has succeeded.
package migrate

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fleetforge/preload/lib/logger"
	"github.com/fleetforge/preload/lib/partition"
	"github.com/fleetforge/preload/lib/sectors"
	"github.com/fleetforge/preload/lib/system"
)

// Run grows the partition named by plan inside image, shifting every later
// partition, and atomically replaces image with the result.
func Run(ctx context.Context, r system.Runner, image string, plan partition.ResizePlan) error {
	log := logger.FromContext(ctx)

	info, err := os.Stat(image)
	if err != nil {
		return fmt.Errorf("stat %s: %w", image, err)
	}
	newSize := info.Size() + plan.AdditionalSectors*sectors.Size
	log.InfoContext(ctx, "migrating image to grown layout",
		"image", image,
		"grow_partition", plan.GrowIndex,
		"new_size", sectors.Bytes(newSize))

	// The pre-rewrite table, in sectors. Copies always use these original
	// extent sizes; the grown partition's extra space stays zero-filled for
	// the filesystem resize to claim.
	table, err := partition.Describe(ctx, r, image, partition.UnitSectors)
	if err != nil {
		return err
	}
	if _, _, err := table.Extent(plan.GrowIndex); err != nil {
		return err
	}

	script, err := partition.DumpLayout(ctx, r, image)
	if err != nil {
		return err
	}
	rewritten, err := partition.RewriteLayout(script, plan)
	if err != nil {
		return err
	}

	// Same directory as the original so the final rename stays on one
	// filesystem.
	tmp, err := os.CreateTemp(filepath.Dir(image), ".migrate-*.img")
	if err != nil {
		return fmt.Errorf("create migration image: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		tmp.Close()
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Truncate(newSize); err != nil {
		return fmt.Errorf("truncate migration image: %w", err)
	}
	if err := tmp.Chmod(info.Mode()); err != nil {
		return fmt.Errorf("chmod migration image: %w", err)
	}

	if err := partition.ApplyLayout(ctx, r, tmpPath, rewritten); err != nil {
		return err
	}

	src, err := os.Open(image)
	if err != nil {
		return fmt.Errorf("open %s: %w", image, err)
	}
	defer src.Close()

	for _, entry := range table {
		dstStart := entry.Start
		if entry.Index > plan.GrowIndex {
			dstStart += plan.AdditionalSectors
		}
		if err := copyExtent(tmp, src, entry.Start, dstStart, entry.Size); err != nil {
			return fmt.Errorf("copy partition %d: %w", entry.Index, err)
		}
		log.InfoContext(ctx, "copied partition",
			"index", entry.Index,
			"size", sectors.Bytes(entry.Size*sectors.Size),
			"shifted", dstStart != entry.Start)
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync migration image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close migration image: %w", err)
	}

	if err := os.Rename(tmpPath, image); err != nil {
		return fmt.Errorf("replace %s: %w", image, err)
	}
	committed = true
	return nil
}

// copyExtent copies size sectors from srcStart in src to dstStart in dst.
func copyExtent(dst *os.File, src *os.File, srcStart, dstStart, size int64) error {
	reader := io.NewSectionReader(src, srcStart*sectors.Size, size*sectors.Size)
	writer := io.NewOffsetWriter(dst, dstStart*sectors.Size)
	if _, err := io.Copy(writer, reader); err != nil {
		return err
	}
	return nil
}
