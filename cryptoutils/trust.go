package cryptoutils

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"

	"github.com/ruteri/vhd-provisioner/interfaces"
)

// pssOptions is shared by signer and verifier. Salt length must equal the
// digest length on both sides or verification fails.
var pssOptions = &rsa.PSSOptions{
	SaltLength: rsa.PSSSaltLengthEqualsHash,
	Hash:       crypto.SHA256,
}

// TrustBundle is an ordered set of public keys. A signature is trusted when
// any single key validates it.
type TrustBundle struct {
	Keys []*rsa.PublicKey
}

// ParseTrustBundle reads every "PUBLIC KEY" PEM block from data. Blocks that
// fail to parse, or hold non-RSA keys, are skipped so one malformed entry
// does not block validation by the others.
func ParseTrustBundle(data []byte, log *slog.Logger) *TrustBundle {
	bundle := &TrustBundle{}
	rest := data
	for idx := 0; ; idx++ {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "PUBLIC KEY" {
			continue
		}
		key, err := parseRSAPublicKey(block.Bytes)
		if err != nil {
			if log != nil {
				log.Warn("Skipping unusable trust bundle key", "index", idx, "err", err)
			}
			continue
		}
		bundle.Keys = append(bundle.Keys, key)
	}
	return bundle
}

func parseRSAPublicKey(der []byte) (key *rsa.PublicKey, err error) {
	defer func() {
		if r := recover(); r != nil {
			key, err = nil, fmt.Errorf("malformed key: %v", r)
		}
	}()
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key (%T)", pub)
	}
	return rsaKey, nil
}

// LoadTrustBundle reads a bundle from disk. It is read on every verification;
// trust reflects the bundle on disk at that moment.
func LoadTrustBundle(path string, log *slog.Logger) (*TrustBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrNoTrustBundle, err)
	}
	bundle := ParseTrustBundle(data, log)
	if len(bundle.Keys) == 0 {
		return nil, fmt.Errorf("%w: no usable keys in %s", interfaces.ErrNoTrustBundle, path)
	}
	return bundle, nil
}

// Verify reports whether any key in the bundle validates sig over message.
func (b *TrustBundle) Verify(message, sig []byte) bool {
	if b == nil {
		return false
	}
	digest := sha256.Sum256(message)
	for _, key := range b.Keys {
		if rsa.VerifyPSS(key, crypto.SHA256, digest[:], sig, pssOptions) == nil {
			return true
		}
	}
	return false
}

// VerifyDetached checks a base64 detached signature (as stored in
// manifest.sig) over manifestBytes.
func VerifyDetached(manifestBytes, sigText []byte, bundle *TrustBundle) error {
	sig, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(sigText)))
	if err != nil {
		return fmt.Errorf("%w: signature is not base64: %v", interfaces.ErrSignatureInvalid, err)
	}
	if !bundle.Verify(manifestBytes, sig) {
		return interfaces.ErrSignatureInvalid
	}
	return nil
}

// SignDetached produces a base64 detached signature in the format
// VerifyDetached expects.
func SignDetached(key *rsa.PrivateKey, message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], pssOptions)
	if err != nil {
		return nil, err
	}
	return []byte(base64.StdEncoding.EncodeToString(sig)), nil
}
