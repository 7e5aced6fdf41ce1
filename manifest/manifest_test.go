package manifest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ruteri/vhd-provisioner/common"
	"github.com/ruteri/vhd-provisioner/interfaces"
	"github.com/ruteri/vhd-provisioner/manifest/manifesttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifierLoad(t *testing.T) {
	signer := manifesttest.NewSigner(t)
	dir := t.TempDir()
	m := manifesttest.New(interfaces.VHDData, "2.0", "1.0",
		manifesttest.Entry("GAME_20250101.vhd", "", []byte("image")))
	signer.Write(t, dir, m)

	v := &Verifier{TrustBundlePath: signer.BundlePath, Log: common.DiscardLogger()}

	loaded, err := v.LoadDir(dir, interfaces.VHDData)
	require.NoError(t, err)
	assert.Equal(t, "2.0", loaded.Version)
	assert.Equal(t, "1.0", loaded.MinVersion)
	require.Len(t, loaded.Files, 1)

	_, err = v.LoadDir(dir, interfaces.AppUpdate)
	assert.ErrorIs(t, err, interfaces.ErrWrongManifestType)
}

func TestVerifierLoadFailures(t *testing.T) {
	signer := manifesttest.NewSigner(t)
	other := manifesttest.NewSigner(t)

	t.Run("missing bundle", func(t *testing.T) {
		dir := t.TempDir()
		signer.Write(t, dir, manifesttest.New(interfaces.VHDData, "1", "1"))
		v := &Verifier{TrustBundlePath: filepath.Join(dir, "absent.pem")}
		_, err := v.LoadDir(dir, interfaces.VHDData)
		assert.ErrorIs(t, err, interfaces.ErrNoTrustBundle)
	})

	t.Run("missing signature", func(t *testing.T) {
		dir := t.TempDir()
		signer.Write(t, dir, manifesttest.New(interfaces.VHDData, "1", "1"))
		require.NoError(t, os.Remove(filepath.Join(dir, SignatureFileName)))
		v := &Verifier{TrustBundlePath: signer.BundlePath}
		_, err := v.LoadDir(dir, interfaces.VHDData)
		assert.ErrorIs(t, err, interfaces.ErrNoSignature)
	})

	t.Run("untrusted signer", func(t *testing.T) {
		dir := t.TempDir()
		other.Write(t, dir, manifesttest.New(interfaces.VHDData, "1", "1"))
		v := &Verifier{TrustBundlePath: signer.BundlePath}
		_, err := v.LoadDir(dir, interfaces.VHDData)
		assert.ErrorIs(t, err, interfaces.ErrSignatureInvalid)
	})

	t.Run("tampered manifest", func(t *testing.T) {
		dir := t.TempDir()
		data := signer.Write(t, dir, manifesttest.New(interfaces.VHDData, "1", "1"))
		data[len(data)-2] ^= 0x01
		require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), data, 0644))
		v := &Verifier{TrustBundlePath: signer.BundlePath}
		_, err := v.LoadDir(dir, interfaces.VHDData)
		assert.ErrorIs(t, err, interfaces.ErrSignatureInvalid)
	})

	t.Run("bad timestamp", func(t *testing.T) {
		dir := t.TempDir()
		m := manifesttest.New(interfaces.VHDData, "1", "1")
		m.CreatedAt = "yesterday"
		signer.Write(t, dir, m)
		v := &Verifier{TrustBundlePath: signer.BundlePath}
		_, err := v.LoadDir(dir, interfaces.VHDData)
		assert.ErrorIs(t, err, interfaces.ErrBadTimestamp)
	})

	t.Run("expired", func(t *testing.T) {
		dir := t.TempDir()
		m := manifesttest.New(interfaces.VHDData, "1", "1")
		m.CreatedAt = time.Now().Add(-96 * time.Hour).UTC().Format(time.RFC3339)
		signer.Write(t, dir, m)
		v := &Verifier{TrustBundlePath: signer.BundlePath}
		_, err := v.LoadDir(dir, interfaces.VHDData)
		assert.ErrorIs(t, err, interfaces.ErrManifestExpired)
	})

	t.Run("malformed digest", func(t *testing.T) {
		dir := t.TempDir()
		m := manifesttest.New(interfaces.VHDData, "1", "1", interfaces.ManifestFile{Path: "a.vhd", SHA256: "abc"})
		signer.Write(t, dir, m)
		v := &Verifier{TrustBundlePath: signer.BundlePath}
		_, err := v.LoadDir(dir, interfaces.VHDData)
		assert.ErrorIs(t, err, interfaces.ErrManifestMalformed)
	})
}

func TestTargetPath(t *testing.T) {
	root := t.TempDir()

	p, err := TargetPath(root, interfaces.ManifestFile{Path: "bin/app.exe"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "bin", "app.exe"), p)

	p, err = TargetPath(root, interfaces.ManifestFile{Path: "x", Target: "lib\\y.dll"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "lib", "y.dll"), p)

	_, err = TargetPath(root, interfaces.ManifestFile{Path: "x", Target: "../../etc/passwd"})
	assert.ErrorIs(t, err, interfaces.ErrManifestMalformed)

	_, err = SourcePath(root, interfaces.ManifestFile{Path: "../outside"})
	assert.ErrorIs(t, err, interfaces.ErrManifestMalformed)
}
