package cryptoutils

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/vhd-provisioner/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashFile_StreamsInChunks(t *testing.T) {
	data := bytes.Repeat([]byte("vhd"), HashChunkSize) // 3 chunks
	path := filepath.Join(t.TempDir(), "image.vhd")
	require.NoError(t, os.WriteFile(path, data, 0644))

	var calls int
	var last int64
	digest, n, err := HashFileProgress(path, func(done int64) {
		calls++
		last = done
	})
	require.NoError(t, err)

	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), digest)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, int64(len(data)), last)
	assert.GreaterOrEqual(t, calls, 3)
}

func TestVerifyFile(t *testing.T) {
	data := []byte("disk image content")
	path := filepath.Join(t.TempDir(), "GAME.vhd")
	require.NoError(t, os.WriteFile(path, data, 0644))
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	testCases := []struct {
		name  string
		entry interfaces.ManifestFile
		ok    bool
	}{
		{name: "digest and size", entry: interfaces.ManifestFile{SHA256: digest, Size: uint64(len(data))}, ok: true},
		{name: "size zero skips size check", entry: interfaces.ManifestFile{SHA256: digest}, ok: true},
		{name: "uppercase digest", entry: interfaces.ManifestFile{SHA256: hexUpper(digest), Size: uint64(len(data))}, ok: true},
		{name: "size only", entry: interfaces.ManifestFile{SHA256: hex.EncodeToString(make([]byte, 32)), Size: uint64(len(data))}, ok: false},
		{name: "hash only", entry: interfaces.ManifestFile{SHA256: digest, Size: uint64(len(data) + 1)}, ok: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := VerifyFile(path, tc.entry, nil)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, interfaces.ErrContentMismatch)
			}
		})
	}
}

func hexUpper(s string) string {
	return string(bytes.ToUpper([]byte(s)))
}
