package fsresize

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fleetforge/preload/lib/blockdev"
	"github.com/fleetforge/preload/lib/logger"
	"github.com/fleetforge/preload/lib/system"
)

// DetectVersion mounts the given partition of the original image and reads
// the VERSION field of its os-release file. The result selects the
// filesystem kind for the whole run.
func DetectVersion(ctx context.Context, r system.Runner, image string, partIndex int) (Version, error) {
	log := logger.FromContext(ctx)

	m, err := blockdev.MountPartition(ctx, r, image, partIndex, "")
	if err != nil {
		return Version{}, err
	}
	defer func() {
		if err := m.Unmount(ctx); err != nil {
			log.WarnContext(ctx, "failed to unmount os-release partition", "mountpoint", m.Dir, "error", err)
		}
	}()

	version, err := readOSReleaseVersion(filepath.Join(m.Dir, "etc", "os-release"))
	if err != nil {
		return Version{}, err
	}

	log.InfoContext(ctx, "detected os version", "version", version.String())
	return version, nil
}

func readOSReleaseVersion(path string) (Version, error) {
	f, err := os.Open(path)
	if err != nil {
		return Version{}, fmt.Errorf("open os-release: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, found := strings.Cut(scanner.Text(), "=")
		if !found || key != "VERSION" {
			continue
		}
		return ParseVersion(strings.Trim(value, `"`)), nil
	}
	if err := scanner.Err(); err != nil {
		return Version{}, fmt.Errorf("read os-release: %w", err)
	}
	return Version{}, fmt.Errorf("%w in %s", ErrVersionNotFound, path)
}
