// Package manifesttest builds signed package directories for tests.
package manifesttest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ruteri/vhd-provisioner/cryptoutils"
	"github.com/ruteri/vhd-provisioner/interfaces"
	"github.com/stretchr/testify/require"
)

// Signer holds a signing key and the trust bundle that accepts it.
type Signer struct {
	Key        *rsa.PrivateKey
	BundlePath string
}

// NewSigner generates a key and writes its trust bundle into a temp dir.
func NewSigner(t testing.TB) *Signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pubPEM, err := cryptoutils.MarshalPublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)
	bundlePath := filepath.Join(t.TempDir(), "trust.pem")
	require.NoError(t, os.WriteFile(bundlePath, pubPEM, 0644))
	return &Signer{Key: key, BundlePath: bundlePath}
}

// Entry describes a file for the manifest, with the digest of content.
func Entry(path, target string, content []byte) interfaces.ManifestFile {
	sum := sha256.Sum256(content)
	return interfaces.ManifestFile{
		Path:   path,
		Target: target,
		Size:   uint64(len(content)),
		SHA256: hex.EncodeToString(sum[:]),
	}
}

// New returns a manifest created now with the given type and versions.
func New(typ interfaces.ManifestType, version, minVersion string, files ...interfaces.ManifestFile) *interfaces.Manifest {
	return &interfaces.Manifest{
		Version:    version,
		MinVersion: minVersion,
		Type:       typ,
		Signer:     "test",
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		Files:      files,
	}
}

// Write serializes m into dir as manifest.json and signs it into manifest.sig.
// It returns the manifest bytes exactly as signed.
func (s *Signer) Write(t testing.TB, dir string, m *interfaces.Manifest) []byte {
	t.Helper()
	data, err := json.MarshalIndent(m, "", "  ")
	require.NoError(t, err)
	sig, err := cryptoutils.SignDetached(s.Key, data)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.sig"), sig, 0644))
	return data
}
