package preload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetforge/preload/cmd/preload/config"
	"github.com/fleetforge/preload/lib/system"
)

// imageRunner scripts every external tool a full run touches. Mounts are
// simulated by populating the target directory with the files the run
// reads; unmounts capture what the run wrote before emptying the directory
// so the mountpoint can be removed like a real unmounted one.
type imageRunner struct {
	artifact   string
	innerImage string

	calls    []string
	applied  []string
	appsJSON []byte
	splash   []string
}

var _ system.Runner = (*imageRunner)(nil)

const runPartedBytes = `BYT;
/dev/loop0:309329920B:loopback:512:512:msdos:Loopback device:;
1:4194304B:45088767B:40894464B:fat16::boot, lba;
2:45088768B:254803967B:209715200B:ext4::;
3:254803968B:258998271B:4194304B:ext4::;
4:258998272B:309329919B:50331648B:::lba;
5:259047424B:263241727B:4194304B:ext4::;
6:263290880B:309329919B:46039040B:ext4::;
`

const runPartedSectors = `BYT;
/dev/loop0:64s:loopback:512:512:msdos:Loopback device:;
1:8s:15s:8s:fat16::boot;
2:16s:47s:32s:ext4::;
`

const runLayoutScript = `label: dos
label-id: 0xf1e2d3c4
device: outer.img
unit: sectors

outer.img1 : start=8, size=8, type=c
outer.img2 : start=16, size=32, type=83
`

func (f *imageRunner) record(name string, args []string) string {
	call := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, call)
	return call
}

func (f *imageRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	call := f.record(name, args)
	switch name {
	case "parted":
		if strings.Contains(call, " -m ") {
			if args[len(args)-2] == "s" {
				return []byte(runPartedSectors), nil
			}
			return []byte(runPartedBytes), nil
		}
		return nil, nil
	case "sfdisk":
		return []byte(runLayoutScript), nil
	case "losetup":
		if len(args) == 1 && args[0] == "-f" {
			return []byte("/dev/loop3\n"), nil
		}
		return nil, nil
	case "resize2fs", "btrfs":
		return nil, nil
	case "mount":
		return nil, f.populate(args[len(args)-1])
	case "umount":
		return nil, f.clear(args[len(args)-1])
	}
	return nil, fmt.Errorf("unexpected command: %s", call)
}

func (f *imageRunner) RunStatus(ctx context.Context, name string, args ...string) (int, []byte, error) {
	f.record(name, args)
	switch name {
	case "e2fsck":
		return 0, nil, nil
	case "docker":
		return 0, []byte("Client: ...\nServer: ..."), nil
	}
	return 0, nil, fmt.Errorf("unexpected command: %s", name)
}

func (f *imageRunner) RunInput(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error) {
	f.record(name, args)
	script, err := io.ReadAll(stdin)
	if err != nil {
		return nil, err
	}
	f.applied = append(f.applied, string(script))
	return nil, nil
}

func (f *imageRunner) RunForeground(ctx context.Context, name string, args ...string) error {
	f.record(name, args)
	return nil
}

func (f *imageRunner) Start(ctx context.Context, name string, args ...string) (system.Process, error) {
	f.record(name, args)
	for _, arg := range args {
		if path, ok := strings.CutPrefix(arg, "unix://"); ok {
			if err := os.WriteFile(path, nil, 0o644); err != nil {
				return nil, err
			}
		}
	}
	return daemonProcess{}, nil
}

type daemonProcess struct{}

func (daemonProcess) Pid() int               { return 4321 }
func (daemonProcess) Signal(os.Signal) error { return nil }
func (daemonProcess) Wait() error            { return nil }

// populate lays out the files the run expects to find on a freshly mounted
// partition.
func (f *imageRunner) populate(dir string) error {
	deviceType := fmt.Sprintf(`{"yocto": {"deployArtifact": %q}}`, f.artifact)
	if err := os.WriteFile(filepath.Join(dir, "device-type.json"), []byte(deviceType), 0o644); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(dir, "etc"), 0o755); err != nil {
		return err
	}
	osRelease := "ID=fleetos\nVERSION=\"2.3.0+rev1\"\n"
	if err := os.WriteFile(filepath.Join(dir, "etc", "os-release"), []byte(osRelease), 0o644); err != nil {
		return err
	}
	if err := os.Mkdir(filepath.Join(dir, "splash"), 0o755); err != nil {
		return err
	}
	if f.innerImage != "" {
		if err := os.Mkdir(filepath.Join(dir, "opt"), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, "opt", f.innerImage), make([]byte, 64*512), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (f *imageRunner) clear(dir string) error {
	if data, err := os.ReadFile(filepath.Join(dir, "apps.json")); err == nil {
		f.appsJSON = data
	}
	if names, err := filepath.Glob(filepath.Join(dir, "splash", "*")); err == nil {
		for _, name := range names {
			f.splash = append(f.splash, filepath.Base(name))
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (f *imageRunner) callIndex(t *testing.T, substr string) int {
	t.Helper()
	for i, call := range f.calls {
		if strings.Contains(call, substr) {
			return i
		}
	}
	t.Fatalf("no call matching %q in %v", substr, f.calls)
	return -1
}

func (f *imageRunner) callCount(substr string) int {
	count := 0
	for _, call := range f.calls {
		if strings.Contains(call, substr) {
			count++
		}
	}
	return count
}

// testConfig wires the config at fake API and registry servers. The
// registry serves a two-layer manifest totalling 10240 bytes, so the space
// budget of every run is 11264 bytes (22 sectors).
func testConfig(t *testing.T, image string, detectFlashers bool) *config.Config {
	t.Helper()

	registry := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v2/":
			w.WriteHeader(http.StatusOK)
		case strings.HasSuffix(r.URL.Path, "/manifests/latest"):
			w.Header().Set("Content-Type", "application/vnd.docker.distribution.manifest.v2+json")
			fmt.Fprintf(w, `{
				"schemaVersion": 2,
				"mediaType": "application/vnd.docker.distribution.manifest.v2+json",
				"config": {"mediaType": "application/vnd.docker.container.image.v1+json", "size": 100, "digest": "sha256:%s"},
				"layers": [
					{"mediaType": "application/vnd.docker.image.rootfs.diff.tar.gzip", "size": 4096, "digest": "sha256:%s"},
					{"mediaType": "application/vnd.docker.image.rootfs.diff.tar.gzip", "size": 6144, "digest": "sha256:%s"}
				]
			}`, strings.Repeat("a", 64), strings.Repeat("b", 64), strings.Repeat("c", 64))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(registry.Close)

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"d":[{"id": 42, "app_name": "myapp", "commit": "abc123"}]}`))
	}))
	t.Cleanup(api.Close)

	return &config.Config{
		ImagePath:           image,
		AppID:               "42",
		APIHost:             api.URL,
		RegistryHost:        strings.TrimPrefix(registry.URL, "http://"),
		APIToken:            "tok",
		DetectFlasherImages: detectFlashers,
	}
}

func writeTestImage(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, make([]byte, 64*512), 0o644))
	return path
}

func TestRunRegularImage(t *testing.T) {
	image := writeTestImage(t, "fleet.img")
	splashSrc := filepath.Join(filepath.Dir(image), "brand.png")
	require.NoError(t, os.WriteFile(splashSrc, []byte("png"), 0o644))

	runner := &imageRunner{artifact: "fleet-image-intel-nuc"}
	cfg := testConfig(t, image, true)
	cfg.SplashImagePath = splashSrc

	require.NoError(t, New(runner, cfg).Run(context.Background()))

	// Grown in place by the sector-rounded space budget, never migrated.
	info, err := os.Stat(image)
	require.NoError(t, err)
	require.Equal(t, int64(64*512+11264), info.Size())
	require.Empty(t, runner.applied)

	// The splash copy landed under its fixed name.
	require.Contains(t, runner.splash, "fleet-logo.png")

	// Partition growth, filesystem check and resize, data mount, daemon,
	// pull: strictly in that order.
	require.Less(t, runner.callIndex(t, "resizepart 4 100% resizepart 6 100%"), runner.callIndex(t, "e2fsck"))
	require.Less(t, runner.callIndex(t, "e2fsck"), runner.callIndex(t, "resize2fs"))
	require.Less(t, runner.callIndex(t, "resize2fs"), runner.callIndex(t, "mount -o offset=263290880"))
	require.Less(t, runner.callIndex(t, "mount -o offset=263290880"), runner.callIndex(t, "dockerd -s overlay2"))
	require.Less(t, runner.callIndex(t, "dockerd -s overlay2"), runner.callIndex(t, " pull "))

	// The metadata left on the data partition points at the public registry.
	var entries []map[string]any
	require.NoError(t, json.Unmarshal(runner.appsJSON, &entries))
	require.Len(t, entries, 1)
	require.Equal(t, "registry2.fleetforge.io/myapp/abc123", entries[0]["imageId"])
}

func TestRunFlasherImage(t *testing.T) {
	image := writeTestImage(t, "flasher.img")
	runner := &imageRunner{
		artifact:   "fleet-image-flasher-intel-nuc",
		innerImage: "fleet-image-intel-nuc",
	}

	require.NoError(t, New(runner, testConfig(t, image, true)).Run(context.Background()))

	// The outer image was migrated: root partition grown by 22 sectors in
	// the applied layout, file grown by the same 11264 bytes.
	require.Len(t, runner.applied, 1)
	require.Regexp(t, `size=\s*54,`, runner.applied[0])
	info, err := os.Stat(image)
	require.NoError(t, err)
	require.Equal(t, int64(64*512+11264), info.Size())

	// Outer root and inner data filesystems both got checked, and only the
	// inner image's partition pair was grown to fill.
	require.Equal(t, 2, runner.callCount("e2fsck"))
	require.Equal(t, 1, runner.callCount("resizepart 4"))
	require.Equal(t, 1, runner.callCount(" pull "))
}

func TestRunFlasherDetectionDisabled(t *testing.T) {
	image := writeTestImage(t, "flasher.img")
	runner := &imageRunner{artifact: "fleet-image-flasher-intel-nuc"}

	require.NoError(t, New(runner, testConfig(t, image, false)).Run(context.Background()))

	// Preloaded as a regular image: grown in place, never migrated, still
	// pulled.
	require.Empty(t, runner.applied)
	info, err := os.Stat(image)
	require.NoError(t, err)
	require.Equal(t, int64(64*512+11264), info.Size())
	require.Equal(t, 1, runner.callCount(" pull "))
}
