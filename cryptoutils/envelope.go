package cryptoutils

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// EncryptEnvelope encrypts secret for the holder of the RSA private key
// matching publicKeyPEM. The result is base64 of RSA-OAEP(SHA-256).
func EncryptEnvelope(publicKeyPEM []byte, secret []byte) (string, error) {
	pub, err := ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return "", err
	}
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, secret, nil)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecodeEnvelope returns the raw ciphertext of a base64 envelope.
func DecodeEnvelope(ciphertextB64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertextB64))
	if err != nil {
		return nil, fmt.Errorf("envelope is not base64: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("empty envelope")
	}
	return raw, nil
}

// DecryptOAEP decrypts a raw envelope ciphertext with a software RSA key.
func DecryptOAEP(key *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	plaintext, err := rsa.DecryptOAEP(sha256.New(), nil, key, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt envelope: %w", err)
	}
	return plaintext, nil
}

// ParsePublicKeyPEM parses a PKIX "PUBLIC KEY" block holding an RSA key.
func ParsePublicKeyPEM(publicKeyPEM []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode public key PEM")
	}
	return parseRSAPublicKey(block.Bytes)
}

// MarshalPublicKeyPEM encodes an RSA public key as a PKIX PEM block.
func MarshalPublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// MarshalPrivateKeyPEM encodes an RSA private key as a PKCS#8 PEM block.
func MarshalPrivateKeyPEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ParsePrivateKeyPEM parses a PKCS#8 or PKCS#1 RSA private key.
func ParsePrivateKeyPEM(privateKeyPEM []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode private key PEM")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an RSA private key")
	}
	return key, nil
}

// DecryptEnvelope decodes and decrypts a base64 envelope with a software key.
func DecryptEnvelope(key *rsa.PrivateKey, ciphertextB64 string) ([]byte, error) {
	raw, err := DecodeEnvelope(ciphertextB64)
	if err != nil {
		return nil, err
	}
	return DecryptOAEP(key, raw)
}
