package manifest

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ruteri/vhd-provisioner/cryptoutils"
	"github.com/ruteri/vhd-provisioner/interfaces"
)

// BuildOptions describe the manifest Build produces.
type BuildOptions struct {
	Type       interfaces.ManifestType
	Version    string
	MinVersion string
	Signer     string
	// ExpiresIn sets expiresAt relative to now. Zero leaves it unset.
	ExpiresIn time.Duration
	Now       func() time.Time
}

// Build hashes every regular file under dir, except an existing manifest and
// signature, into a manifest. App-update entries target their own relative
// path under the install root; data entries carry no target.
func Build(dir string, opts BuildOptions) (*interfaces.Manifest, error) {
	if !opts.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", interfaces.ErrWrongManifestType, opts.Type)
	}
	if opts.Version == "" || opts.MinVersion == "" {
		return nil, fmt.Errorf("%w: version and minVersion are required", interfaces.ErrManifestMalformed)
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	var files []interfaces.ManifestFile
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == FileName || rel == SignatureFileName {
			return nil
		}
		digest, size, err := cryptoutils.HashFileProgress(path, nil)
		if err != nil {
			return err
		}
		entry := interfaces.ManifestFile{
			Path:   filepath.ToSlash(rel),
			Size:   uint64(size),
			SHA256: digest,
		}
		if opts.Type == interfaces.AppUpdate {
			entry.Target = entry.Path
		}
		files = append(files, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not hash package files: %w", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	created := now().UTC()
	m := &interfaces.Manifest{
		Version:    opts.Version,
		MinVersion: opts.MinVersion,
		Type:       opts.Type,
		Signer:     opts.Signer,
		CreatedAt:  created.Format(time.RFC3339),
		Files:      files,
	}
	if opts.ExpiresIn > 0 {
		m.ExpiresAt = created.Add(opts.ExpiresIn).Format(time.RFC3339)
	}
	return m, nil
}

// Write signs m with key and writes manifest.json and manifest.sig into dir.
func Write(dir string, m *interfaces.Manifest, key *rsa.PrivateKey) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	sig, err := cryptoutils.SignDetached(key, data)
	if err != nil {
		return fmt.Errorf("could not sign manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), data, 0644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, SignatureFileName), sig, 0644)
}
