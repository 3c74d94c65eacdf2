package preload

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetforge/preload/cmd/preload/config"
	"github.com/fleetforge/preload/lib/api"
)

func TestPublicImageID(t *testing.T) {
	tests := []struct {
		ref      string
		expected string
	}{
		{"registry.fleetforge.io/myapp/abcdef012345", "registry2.fleetforge.io/myapp/abcdef012345"},
		{"registry.staging.fleetforge.io/myapp/abcdef012345", "registry2.fleetforge.io/myapp/abcdef012345"},
		{"myapp/abcdef012345", "registry2.fleetforge.io/myapp/abcdef012345"},
		{"registry.fleetforge.io/myapp/main:v2", "registry2.fleetforge.io/myapp/main:v2"},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			id, err := publicImageID(tt.ref)
			require.NoError(t, err)
			require.Equal(t, tt.expected, id)
		})
	}
}

func TestPublicImageIDInvalid(t *testing.T) {
	_, err := publicImageID("UPPER case is not a reference")
	require.Error(t, err)
}

func TestWriteAppsJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "apps.json")

	app := &api.AppData{
		AppID:   42,
		Name:    "MyApp",
		Commit:  "abcdef012345",
		ImageID: "registry.fleetforge.io/myapp/abcdef012345",
		Env:     map[string]string{"FOO": "bar"},
		Config:  map[string]string{"FLEET_SUPERVISOR_DELTA": "1"},
	}
	require.NoError(t, writeAppsJSON(path, app))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entries []map[string]any
	require.NoError(t, json.Unmarshal(data, &entries))
	require.Len(t, entries, 1)

	entry := entries[0]
	require.Equal(t, float64(42), entry["appId"])
	require.Equal(t, "MyApp", entry["name"])
	require.Equal(t, "abcdef012345", entry["commit"])
	require.Equal(t, "registry2.fleetforge.io/myapp/abcdef012345", entry["imageId"])
	require.Equal(t, map[string]any{"FOO": "bar"}, entry["env"])

	// No temp file left behind.
	names, err := filepath.Glob(filepath.Join(dir, ".apps-*"))
	require.NoError(t, err)
	require.Empty(t, names)

	// The caller's copy keeps the pull-side reference.
	require.Equal(t, "registry.fleetforge.io/myapp/abcdef012345", app.ImageID)
}

func TestExpandImage(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "fleet.img")
	require.NoError(t, os.WriteFile(image, make([]byte, 4096), 0o644))

	p := New(nil, &config.Config{})
	require.NoError(t, p.expandImage(context.Background(), image, 8192))

	info, err := os.Stat(image)
	require.NoError(t, err)
	require.Equal(t, int64(4096+8192), info.Size())
}

func TestExpandImageMissing(t *testing.T) {
	p := New(nil, &config.Config{})
	err := p.expandImage(context.Background(), filepath.Join(t.TempDir(), "absent.img"), 512)
	require.Error(t, err)
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "logo.png")
	require.NoError(t, os.WriteFile(src, []byte("png bytes"), 0o644))

	dst := filepath.Join(dir, "splash.png")
	require.NoError(t, copyFile(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, []byte("png bytes"), data)
}
