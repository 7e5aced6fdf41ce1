package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DataMarkerName is the version marker at the root of a data volume.
	DataMarkerName = "vhd-data.version"
	// AppMarkerName is the version marker in the install root.
	AppMarkerName = "app.version"
)

// ReadMarker returns the marker stored at path, or nil when none exists.
func ReadMarker(path string) (*string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("could not read version marker: %w", err)
	}
	version := strings.TrimSpace(string(data))
	return &version, nil
}

// WriteMarker persists version at path. The marker is written to a sibling
// file and renamed so a crash never leaves a partial version string.
func WriteMarker(path, version string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("could not create marker directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".marker-*")
	if err != nil {
		return fmt.Errorf("could not create marker: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(version); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("could not write marker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("could not install marker: %w", err)
	}
	return nil
}
