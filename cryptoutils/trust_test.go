package cryptoutils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/vhd-provisioner/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrustBundle_VerifyAnyKey(t *testing.T) {
	signer, signerPEM := newTestKey(t)
	_, otherPEM := newTestKey(t)

	manifest := []byte(`{"version":"2025.1","minVersion":"1.0","type":"vhd-data"}`)
	sig, err := SignDetached(signer, manifest)
	require.NoError(t, err)

	testCases := []struct {
		name   string
		bundle []byte
		valid  bool
	}{
		{name: "signer only", bundle: signerPEM, valid: true},
		{name: "signer second", bundle: append(append([]byte{}, otherPEM...), signerPEM...), valid: true},
		{name: "other key only", bundle: otherPEM, valid: false},
		{
			name:   "malformed key before signer",
			bundle: append([]byte("-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n"), signerPEM...),
			valid:  true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			bundle := ParseTrustBundle(tc.bundle, nil)
			err := VerifyDetached(manifest, sig, bundle)
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, interfaces.ErrSignatureInvalid)
			}
		})
	}
}

func TestTrustBundle_SingleByteMutation(t *testing.T) {
	signer, signerPEM := newTestKey(t)
	bundle := ParseTrustBundle(signerPEM, nil)

	manifest := []byte(`{"version":"1.2","files":[]}`)
	sig, err := SignDetached(signer, manifest)
	require.NoError(t, err)
	require.NoError(t, VerifyDetached(manifest, sig, bundle))

	for i := range manifest {
		mutated := append([]byte{}, manifest...)
		mutated[i] ^= 0x01
		assert.Error(t, VerifyDetached(mutated, sig, bundle), "mutation at %d accepted", i)
	}
}

func TestLoadTrustBundle_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadTrustBundle(filepath.Join(dir, "missing.pem"), nil)
	assert.ErrorIs(t, err, interfaces.ErrNoTrustBundle)

	empty := filepath.Join(dir, "empty.pem")
	require.NoError(t, os.WriteFile(empty, []byte("not a key"), 0644))
	_, err = LoadTrustBundle(empty, nil)
	assert.ErrorIs(t, err, interfaces.ErrNoTrustBundle)
}

func TestVerifyDetached_BadBase64(t *testing.T) {
	_, pubPEM := newTestKey(t)
	err := VerifyDetached([]byte("x"), []byte("%%%"), ParseTrustBundle(pubPEM, nil))
	assert.ErrorIs(t, err, interfaces.ErrSignatureInvalid)
}
