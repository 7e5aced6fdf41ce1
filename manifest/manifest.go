package manifest

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ruteri/vhd-provisioner/cryptoutils"
	"github.com/ruteri/vhd-provisioner/interfaces"
)

const (
	// FileName is the manifest file name inside a package directory.
	FileName = "manifest.json"
	// SignatureFileName is the detached base64 signature next to the manifest.
	SignatureFileName = "manifest.sig"
)

// Parse decodes manifest JSON and validates the file entries.
func Parse(data []byte) (*interfaces.Manifest, error) {
	var m interfaces.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrManifestMalformed, err)
	}
	for i, f := range m.Files {
		if f.Path == "" {
			return nil, fmt.Errorf("%w: file %d has no path", interfaces.ErrManifestMalformed, i)
		}
		if len(f.SHA256) != 64 {
			return nil, fmt.Errorf("%w: file %s has a %d-char digest", interfaces.ErrManifestMalformed, f.Path, len(f.SHA256))
		}
		if _, err := hex.DecodeString(f.SHA256); err != nil {
			return nil, fmt.Errorf("%w: file %s digest is not hex", interfaces.ErrManifestMalformed, f.Path)
		}
	}
	return &m, nil
}

// Exists reports whether dir carries a manifest.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, FileName))
	return err == nil
}

// Verifier loads manifests and gates them on signature, type and expiry.
// Manifests and the trust bundle are read fresh on every call.
type Verifier struct {
	// TrustBundlePath is the PEM bundle of trusted public keys.
	TrustBundlePath string
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
	Log *slog.Logger
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Load reads manifestPath and its sibling signature and returns the manifest
// once it is trusted, of the expected type, and not expired. The checks run
// in this order so callers can map the first failure to a stable code.
func (v *Verifier) Load(manifestPath string, expected interfaces.ManifestType) (*interfaces.Manifest, error) {
	bundle, err := cryptoutils.LoadTrustBundle(v.TrustBundlePath, v.Log)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("could not read manifest: %w", err)
	}

	sigPath := filepath.Join(filepath.Dir(manifestPath), SignatureFileName)
	sig, err := os.ReadFile(sigPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNoSignature, sigPath)
	} else if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrNoSignature, err)
	}

	if err := cryptoutils.VerifyDetached(data, sig, bundle); err != nil {
		return nil, err
	}

	m, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if m.Type != expected {
		return nil, fmt.Errorf("%w: got %q, want %q", interfaces.ErrWrongManifestType, m.Type, expected)
	}

	if err := CheckExpiry(m, v.now()); err != nil {
		return nil, err
	}

	if v.Log != nil {
		v.Log.Info("Manifest verified",
			slog.String("path", manifestPath),
			slog.String("version", m.Version),
			slog.String("minVersion", m.MinVersion),
			slog.String("signer", m.Signer),
			slog.Int("files", len(m.Files)))
	}
	return m, nil
}

// LoadDir is Load for the manifest inside dir.
func (v *Verifier) LoadDir(dir string, expected interfaces.ManifestType) (*interfaces.Manifest, error) {
	return v.Load(filepath.Join(dir, FileName), expected)
}

// SourcePath resolves a manifest entry's source path against the package dir.
// Entries escaping the package dir are refused.
func SourcePath(dir string, f interfaces.ManifestFile) (string, error) {
	return containedPath(dir, f.Path)
}

// TargetPath resolves a manifest entry's target against root. Absolute
// targets are used as is.
func TargetPath(root string, f interfaces.ManifestFile) (string, error) {
	target := f.Target
	if target == "" {
		target = f.Path
	}
	if filepath.IsAbs(target) || filepath.VolumeName(target) != "" {
		return filepath.Clean(target), nil
	}
	return containedPath(root, target)
}

func containedPath(root, rel string) (string, error) {
	rel = filepath.FromSlash(strings.ReplaceAll(rel, "\\", "/"))
	joined := filepath.Join(root, rel)
	back, err := filepath.Rel(root, joined)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q escapes %s", interfaces.ErrManifestMalformed, rel, root)
	}
	return joined, nil
}
