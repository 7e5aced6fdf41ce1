package keystore

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ruteri/vhd-provisioner/cryptoutils"
)

// SoftwareKeyStore keeps an RSA key in a PEM file.
type SoftwareKeyStore struct {
	key *rsa.PrivateKey
}

// OpenSoftware loads the key at path, generating and persisting one if absent.
func OpenSoftware(path string) (*SoftwareKeyStore, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		key, err := cryptoutils.ParsePrivateKeyPEM(data)
		if err != nil {
			return nil, fmt.Errorf("could not parse key %s: %w", path, err)
		}
		return &SoftwareKeyStore{key: key}, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	pemBytes, err := cryptoutils.MarshalPrivateKeyPEM(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, pemBytes, 0600); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, err
	}
	return &SoftwareKeyStore{key: key}, nil
}

// NewSoftware wraps an in-memory key.
func NewSoftware(key *rsa.PrivateKey) *SoftwareKeyStore {
	return &SoftwareKeyStore{key: key}
}

func (s *SoftwareKeyStore) PublicKeyPEM() ([]byte, error) {
	return cryptoutils.MarshalPublicKeyPEM(&s.key.PublicKey)
}

func (s *SoftwareKeyStore) Decrypt(ciphertext []byte) ([]byte, error) {
	return cryptoutils.DecryptOAEP(s.key, ciphertext)
}

func (s *SoftwareKeyStore) KeyType() string {
	return KeyTypeSoftware
}
