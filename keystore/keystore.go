package keystore

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// KeyStore holds the machine's envelope key. The private half may live in
// hardware and never be exported.
type KeyStore interface {
	// PublicKeyPEM returns the PKIX "PUBLIC KEY" PEM of the key.
	PublicKeyPEM() ([]byte, error)
	// Decrypt opens an RSA-OAEP(SHA-256) ciphertext.
	Decrypt(ciphertext []byte) ([]byte, error)
	// KeyType names the key kind for registration, e.g. "tpm-rsa-2048".
	KeyType() string
}

const (
	KeyTypeTPM      = "tpm-rsa-2048"
	KeyTypeSoftware = "software-rsa-2048"
)

var keyIDNamespace = uuid.MustParse("8a6f1f4e-3c1d-5b8e-9b7a-2f64d7e0c9a1")

// KeyID is a stable identifier derived from the public key.
func KeyID(ks KeyStore) (string, error) {
	pubPEM, err := ks.PublicKeyPEM()
	if err != nil {
		return "", err
	}
	block, _ := pem.Decode(pubPEM)
	if block == nil {
		return "", errors.New("public key is not PEM")
	}
	if _, err := x509.ParsePKIXPublicKey(block.Bytes); err != nil {
		return "", fmt.Errorf("public key is not PKIX: %w", err)
	}
	return uuid.NewSHA1(keyIDNamespace, block.Bytes).String(), nil
}

// Options selects the key store.
type Options struct {
	// KeyName of the persisted hardware key.
	KeyName string
	// SoftwareKeyPath is the PEM file used when no hardware key is available.
	SoftwareKeyPath string
	// AllowSoftware permits falling back to SoftwareKeyPath.
	AllowSoftware bool
}

// Open returns the hardware key store when the platform has one, otherwise
// the software store if allowed.
func Open(opts Options, log *slog.Logger) (KeyStore, error) {
	ks, err := openHardware(opts.KeyName)
	if err == nil {
		return ks, nil
	}
	if !opts.AllowSoftware {
		return nil, fmt.Errorf("hardware key store unavailable: %w", err)
	}
	if log != nil {
		log.Warn("Hardware key store unavailable, using software key", "err", err, "path", opts.SoftwareKeyPath)
	}
	return OpenSoftware(opts.SoftwareKeyPath)
}
