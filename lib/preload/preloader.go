// Package preload sequences one preload run: grow the disk image, grow the
// partitions around the container-storage partition, resize its filesystem,
// boot a throwaway container runtime against it, pull the application image
// into it and record the application metadata on the filesystem.
//
// Every step is strictly sequential and each step's postcondition is the
// next step's precondition. Any failure aborts the whole run; a failed run
// must restart from a pristine input image.
package preload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fleetforge/preload/cmd/preload/config"
	"github.com/fleetforge/preload/lib/api"
	"github.com/fleetforge/preload/lib/blockdev"
	"github.com/fleetforge/preload/lib/dockerd"
	"github.com/fleetforge/preload/lib/fsresize"
	"github.com/fleetforge/preload/lib/logger"
	"github.com/fleetforge/preload/lib/migrate"
	"github.com/fleetforge/preload/lib/partition"
	"github.com/fleetforge/preload/lib/sectors"
	"github.com/fleetforge/preload/lib/system"
)

// The fixed two-tier device image layout.
const (
	// bootPartition carries device-type.json and the splash image.
	bootPartition = 1
	// rootPartition carries the OS (os-release selects the filesystem
	// kind). On flasher images it also carries the inner image under opt/.
	rootPartition = 2
	// extendedPartition wraps the logical partitions, dataPartition among
	// them; both must grow when the image grows.
	extendedPartition = 4
	// dataPartition holds the container runtime's storage.
	dataPartition = 6
)

// splashFileName is the name the boot splash looks up on the boot
// partition; a replacement image must be installed under exactly this name.
const splashFileName = "fleet-logo.png"

// Preloader drives preload runs. One Preloader owns its disk image
// exclusively for the duration of a run; concurrent runs against the same
// image are not supported.
type Preloader struct {
	runner system.Runner
	config *config.Config
	client *api.Client
}

// New creates a Preloader using the given command runner.
func New(r system.Runner, cfg *config.Config) *Preloader {
	return &Preloader{
		runner: r,
		config: cfg,
		client: api.NewClient(cfg.APIHost, cfg.RegistryHost, cfg.APIToken, cfg.APIKey),
	}
}

// Run executes one full preload against the configured image.
func (p *Preloader) Run(ctx context.Context) error {
	log := logger.FromContext(ctx)
	image := p.config.ImagePath

	app, err := p.client.GetAppData(ctx, p.config.AppID, p.config.Commit)
	if err != nil {
		return err
	}
	log.InfoContext(ctx, "application resolved",
		"app", app.Name,
		"commit", app.Commit,
		"registry", p.client.RegistryHost())

	if err := p.replaceSplashImage(ctx, image); err != nil {
		return err
	}

	containerSize, err := api.ContainerSize(ctx, app.ImageID)
	if err != nil {
		return err
	}
	additionalBytes := api.AdditionalSpace(containerSize)
	log.InfoContext(ctx, "space budget computed",
		"container_size", sectors.Bytes(containerSize),
		"additional_space", sectors.Bytes(additionalBytes))

	artifact, err := p.deployArtifact(ctx, image)
	if err != nil {
		return err
	}

	isFlasher := strings.Contains(artifact, "-flasher-")
	switch {
	case isFlasher && !p.config.DetectFlasherImages:
		log.WarnContext(ctx, "image looks like a flasher image but flasher detection is disabled, preloading it as a regular image")
		fallthrough
	case !isFlasher || !p.config.DetectFlasherImages:
		if err := p.preload(ctx, image, additionalBytes, app); err != nil {
			return err
		}
	default:
		inner := strings.Replace(artifact, "flasher-", "", 1)
		log.InfoContext(ctx, "flasher image detected", "inner_image", inner)
		if err := p.preloadFlasher(ctx, image, additionalBytes, app, inner); err != nil {
			return err
		}
	}

	log.InfoContext(ctx, "preload complete", "image", image, "app", app.Name)
	return nil
}

// preload grows the image in place and pulls the application image into its
// data partition.
func (p *Preloader) preload(ctx context.Context, image string, additionalBytes int64, app *api.AppData) error {
	if err := p.expandImage(ctx, image, additionalBytes); err != nil {
		return err
	}

	// The image file is already its final size, so both the extended
	// partition and the logical data partition inside it grow to "fill the
	// disk" rather than by an exact delta.
	if err := partition.ResizeToFill(ctx, p.runner, image, extendedPartition, dataPartition); err != nil {
		return err
	}

	return p.resizeFilesystemAndPull(ctx, image, app)
}

// resizeFilesystemAndPull detects the filesystem kind from the OS version,
// grows the filesystem to fill the enlarged data partition and runs the
// container runtime session against it.
func (p *Preloader) resizeFilesystemAndPull(ctx context.Context, image string, app *api.AppData) error {
	log := logger.FromContext(ctx)

	version, err := fsresize.DetectVersion(ctx, p.runner, image, rootPartition)
	if err != nil {
		return err
	}
	resizer := fsresize.New(p.runner, fsresize.KindForVersion(version))
	log.InfoContext(ctx, "filesystem kind selected",
		"kind", resizer.Kind(),
		"storage_driver", resizer.Driver())

	// Journaled-block filesystems resize offline, before mounting.
	if err := resizer.ResizeOffline(ctx, image, dataPartition); err != nil {
		return err
	}

	mount, err := blockdev.MountPartition(ctx, p.runner, image, dataPartition, resizer.ExtraMountOptions())
	if err != nil {
		return err
	}
	defer func() {
		if err := mount.Unmount(ctx); err != nil {
			log.WarnContext(ctx, "failed to unmount data partition", "mountpoint", mount.Dir, "error", err)
		}
	}()

	// Copy-on-write filesystems resize online, against the mountpoint.
	if err := resizer.ResizeOnline(ctx, mount.Dir); err != nil {
		return err
	}

	session, err := dockerd.Start(ctx, p.runner, resizer.Driver(), mount.Dir)
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Stop(ctx); err != nil {
			log.WarnContext(ctx, "failed to stop container runtime daemon", "error", err)
		}
	}()

	if err := writeAppsJSON(filepath.Join(mount.Dir, "apps.json"), app); err != nil {
		return err
	}

	return session.Pull(ctx, app.ImageID)
}

// preloadFlasher handles outer images that carry an inner image file: the
// outer root partition is grown via full layout migration, then the inner
// image found under opt/ is preloaded recursively.
func (p *Preloader) preloadFlasher(ctx context.Context, image string, additionalBytes int64, app *api.AppData, innerName string) error {
	log := logger.FromContext(ctx)

	additionalSectors, err := sectors.ToSectors(additionalBytes)
	if err != nil {
		return err
	}

	plan := partition.ResizePlan{GrowIndex: rootPartition, AdditionalSectors: additionalSectors}
	if err := migrate.Run(ctx, p.runner, image, plan); err != nil {
		return err
	}

	// The outer root filesystem is always journaled-block; grow it into the
	// migrated partition before mounting.
	if err := fsresize.New(p.runner, fsresize.KindExt4).ResizeOffline(ctx, image, rootPartition); err != nil {
		return err
	}

	mount, err := blockdev.MountPartition(ctx, p.runner, image, rootPartition, "")
	if err != nil {
		return err
	}
	defer func() {
		if err := mount.Unmount(ctx); err != nil {
			log.WarnContext(ctx, "failed to unmount flasher root", "mountpoint", mount.Dir, "error", err)
		}
	}()

	inner := filepath.Join(mount.Dir, "opt", innerName)
	if _, err := os.Stat(inner); err != nil {
		return fmt.Errorf("inner image %s: %w", inner, err)
	}

	log.InfoContext(ctx, "preloading inner image", "path", inner)
	return p.preload(ctx, inner, additionalBytes, app)
}

// expandImage appends zero bytes to the image so the partitions can grow
// into them.
func (p *Preloader) expandImage(ctx context.Context, image string, additionalBytes int64) error {
	log := logger.FromContext(ctx)

	info, err := os.Stat(image)
	if err != nil {
		return fmt.Errorf("stat %s: %w", image, err)
	}

	log.InfoContext(ctx, "expanding image",
		"image", image,
		"additional_space", sectors.Bytes(additionalBytes),
		"new_size", sectors.Bytes(info.Size()+additionalBytes))
	if err := os.Truncate(image, info.Size()+additionalBytes); err != nil {
		return fmt.Errorf("grow %s: %w", image, err)
	}
	return nil
}

// deployArtifact reads the deploy artifact name from the boot partition's
// device-type description.
func (p *Preloader) deployArtifact(ctx context.Context, image string) (string, error) {
	log := logger.FromContext(ctx)

	mount, err := blockdev.MountPartition(ctx, p.runner, image, bootPartition, "")
	if err != nil {
		return "", err
	}
	defer func() {
		if err := mount.Unmount(ctx); err != nil {
			log.WarnContext(ctx, "failed to unmount boot partition", "mountpoint", mount.Dir, "error", err)
		}
	}()

	f, err := os.Open(filepath.Join(mount.Dir, "device-type.json"))
	if err != nil {
		return "", fmt.Errorf("open device-type.json: %w", err)
	}
	defer f.Close()

	var deviceType struct {
		Yocto struct {
			DeployArtifact string `json:"deployArtifact"`
		} `json:"yocto"`
	}
	if err := json.NewDecoder(f).Decode(&deviceType); err != nil {
		return "", fmt.Errorf("decode device-type.json: %w", err)
	}
	return deviceType.Yocto.DeployArtifact, nil
}

// replaceSplashImage copies a branding splash image onto the boot
// partition when one is configured and present; otherwise the stock splash
// stays.
func (p *Preloader) replaceSplashImage(ctx context.Context, image string) error {
	log := logger.FromContext(ctx)

	src := p.config.SplashImagePath
	if src == "" {
		return nil
	}
	if _, err := os.Stat(src); err != nil {
		log.InfoContext(ctx, "no splash image to install", "path", src)
		return nil
	}

	mount, err := blockdev.MountPartition(ctx, p.runner, image, bootPartition, "")
	if err != nil {
		return err
	}
	defer func() {
		if err := mount.Unmount(ctx); err != nil {
			log.WarnContext(ctx, "failed to unmount boot partition", "mountpoint", mount.Dir, "error", err)
		}
	}()

	log.InfoContext(ctx, "replacing splash image", "source", src)
	return copyFile(src, filepath.Join(mount.Dir, "splash", splashFileName))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
