package cryptoutils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ruteri/vhd-provisioner/interfaces"
)

// HashChunkSize is the read size used when streaming files through the digest.
// Disk images are multi-gigabyte, so files are never read whole.
const HashChunkSize = 1 << 20

// HashReader streams r through SHA-256 in HashChunkSize chunks. progress, when
// non-nil, receives the running byte count after every chunk.
func HashReader(r io.Reader, progress func(done int64)) (digest string, n int64, err error) {
	h := sha256.New()
	buf := make([]byte, HashChunkSize)
	for {
		read, rerr := r.Read(buf)
		if read > 0 {
			h.Write(buf[:read])
			n += int64(read)
			if progress != nil {
				progress(n)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", n, rerr
		}
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// HashFile returns the lowercase hex SHA-256 of the file at path.
func HashFile(path string) (string, error) {
	digest, _, err := HashFileProgress(path, nil)
	return digest, err
}

// HashFileProgress is HashFile with a progress callback and the byte count read.
func HashFileProgress(path string, progress func(done int64)) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return HashReader(f, progress)
}

// VerifyFile checks the file against a manifest entry. Both the digest and,
// when declared nonzero, the size must match.
func VerifyFile(path string, entry interfaces.ManifestFile, progress func(done int64)) error {
	digest, n, err := HashFileProgress(path, progress)
	if err != nil {
		return fmt.Errorf("could not hash %s: %w", path, err)
	}
	if !strings.EqualFold(digest, entry.SHA256) {
		return fmt.Errorf("%w: %s digest %s, expected %s", interfaces.ErrContentMismatch, path, digest, entry.SHA256)
	}
	if entry.Size != 0 && uint64(n) != entry.Size {
		return fmt.Errorf("%w: %s size %d, expected %d", interfaces.ErrContentMismatch, path, n, entry.Size)
	}
	return nil
}
