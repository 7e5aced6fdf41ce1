package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ruteri/vhd-provisioner/interfaces"
	"github.com/ruteri/vhd-provisioner/manifest"
)

// FetchPackage downloads a complete update package into stagingDir:
// manifest.json, manifest.sig and every file the manifest lists. Nothing is
// verified here; the staged package goes through the manifest trust gate
// before it is applied.
func FetchPackage(ctx context.Context, src interfaces.UpdateSource, stagingDir string) (*interfaces.Manifest, error) {
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create staging dir: %w", err)
	}

	raw, err := src.Fetch(ctx, manifest.FileName)
	if err != nil {
		return nil, fmt.Errorf("could not fetch %s: %w", manifest.FileName, err)
	}
	m, err := manifest.Parse(raw)
	if err != nil {
		return nil, err
	}
	sig, err := src.Fetch(ctx, manifest.SignatureFileName)
	if err != nil {
		return nil, fmt.Errorf("could not fetch %s: %w", manifest.SignatureFileName, err)
	}

	// Destinations are resolved before anything is written.
	dests := make([]string, len(m.Files))
	for i, f := range m.Files {
		dest, err := manifest.SourcePath(stagingDir, f)
		if err != nil {
			return nil, err
		}
		dests[i] = dest
	}

	for i, f := range m.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := src.Fetch(ctx, f.Path)
		if err != nil {
			return nil, fmt.Errorf("could not fetch %s: %w", f.Path, err)
		}
		if err := writeFile(dests[i], data); err != nil {
			return nil, err
		}
	}

	if err := writeFile(filepath.Join(stagingDir, manifest.FileName), raw); err != nil {
		return nil, err
	}
	if err := writeFile(filepath.Join(stagingDir, manifest.SignatureFileName), sig); err != nil {
		return nil, err
	}
	return m, nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func contained(baseDir, name string) (string, error) {
	rel := filepath.FromSlash(strings.ReplaceAll(name, "\\", "/"))
	if filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", fmt.Errorf("%w: absolute artifact name %q", interfaces.ErrInvalidLocationURI, name)
	}
	return manifest.SourcePath(baseDir, interfaces.ManifestFile{Path: name})
}
