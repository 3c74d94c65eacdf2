package preload

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/distribution/reference"

	"github.com/fleetforge/preload/lib/api"
)

// publicRegistryHost is what devices in the field resolve images against.
// Preload runs may pull through a staging or mirror registry, but the
// metadata left on the device must always point at the public one.
const publicRegistryHost = "registry2.fleetforge.io"

// writeAppsJSON records the application metadata on the data partition as a
// single-element JSON array, the shape the on-device supervisor expects.
// The write is atomic: temp file in the target directory, then rename.
func writeAppsJSON(path string, app *api.AppData) error {
	imageID, err := publicImageID(app.ImageID)
	if err != nil {
		return err
	}

	entry := *app
	entry.ImageID = imageID

	data, err := json.MarshalIndent([]api.AppData{entry}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal apps.json: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".apps-*.json")
	if err != nil {
		return fmt.Errorf("create temp apps.json: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write apps.json: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close apps.json: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod apps.json: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename apps.json: %w", err)
	}
	return nil
}

// publicImageID rewrites an image reference onto the public registry host,
// keeping its repository path and tag.
func publicImageID(imageRef string) (string, error) {
	named, err := reference.ParseNormalizedNamed(imageRef)
	if err != nil {
		return "", fmt.Errorf("parse image reference %q: %w", imageRef, err)
	}

	id := publicRegistryHost + "/" + reference.Path(named)
	if tagged, ok := named.(reference.Tagged); ok {
		id += ":" + tagged.Tag()
	}
	return id, nil
}
