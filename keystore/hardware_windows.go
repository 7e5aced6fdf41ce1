//go:build windows

package keystore

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/ruteri/vhd-provisioner/cryptoutils"
	"golang.org/x/sys/windows"
)

const (
	platformProvider = "Microsoft Platform Crypto Provider"

	ncryptMachineKeyFlag = 0x00000020
	ncryptPadOAEPFlag    = 0x00000004
	nteBadKeyset         = 0x80090016
	nteNoKey             = 0x8009000D
	nteNotFound          = 0x80090011
)

var (
	ncrypt                        = windows.NewLazySystemDLL("ncrypt.dll")
	procNCryptOpenStorageProvider = ncrypt.NewProc("NCryptOpenStorageProvider")
	procNCryptOpenKey             = ncrypt.NewProc("NCryptOpenKey")
	procNCryptCreatePersistedKey  = ncrypt.NewProc("NCryptCreatePersistedKey")
	procNCryptSetProperty         = ncrypt.NewProc("NCryptSetProperty")
	procNCryptFinalizeKey         = ncrypt.NewProc("NCryptFinalizeKey")
	procNCryptExportKey           = ncrypt.NewProc("NCryptExportKey")
	procNCryptDecrypt             = ncrypt.NewProc("NCryptDecrypt")
	procNCryptFreeObject          = ncrypt.NewProc("NCryptFreeObject")
)

type ncryptHandle uintptr

// bcryptOAEPPaddingInfo mirrors BCRYPT_OAEP_PADDING_INFO.
type bcryptOAEPPaddingInfo struct {
	algID   *uint16
	label   *byte
	labelSz uint32
}

// HardwareKeyStore is an RSA-2048 key persisted in the TPM.
type HardwareKeyStore struct {
	mu  sync.Mutex
	key ncryptHandle
	pub []byte
}

// ncryptError carries the SECURITY_STATUS of a failed call.
type ncryptError struct {
	proc   string
	status uint32
}

func (e *ncryptError) Error() string {
	return fmt.Sprintf("%s: status %#x", e.proc, e.status)
}

func call(proc *windows.LazyProc, args ...uintptr) error {
	r, _, _ := proc.Call(args...)
	if r != 0 {
		return &ncryptError{proc: proc.Name, status: uint32(r)}
	}
	return nil
}

func status(err error) uint32 {
	var ne *ncryptError
	if errors.As(err, &ne) {
		return ne.status
	}
	return 0
}

func openHardware(keyName string) (KeyStore, error) {
	if err := ncrypt.Load(); err != nil {
		return nil, err
	}

	providerName, err := windows.UTF16PtrFromString(platformProvider)
	if err != nil {
		return nil, err
	}
	var provider ncryptHandle
	if err := call(procNCryptOpenStorageProvider, uintptr(unsafe.Pointer(&provider)), uintptr(unsafe.Pointer(providerName)), 0); err != nil {
		return nil, err
	}
	defer procNCryptFreeObject.Call(uintptr(provider))

	name, err := windows.UTF16PtrFromString(keyName)
	if err != nil {
		return nil, err
	}

	var key ncryptHandle
	err = call(procNCryptOpenKey, uintptr(provider), uintptr(unsafe.Pointer(&key)), uintptr(unsafe.Pointer(name)), 0, ncryptMachineKeyFlag)
	if err != nil {
		switch status(err) {
		case nteBadKeyset, nteNoKey, nteNotFound:
		default:
			return nil, err
		}
		if key, err = createKey(provider, name); err != nil {
			return nil, err
		}
	}

	ks := &HardwareKeyStore{key: key}
	if _, err := ks.PublicKeyPEM(); err != nil {
		procNCryptFreeObject.Call(uintptr(key))
		return nil, err
	}
	return ks, nil
}

func createKey(provider ncryptHandle, name *uint16) (ncryptHandle, error) {
	alg, _ := windows.UTF16PtrFromString("RSA")
	var key ncryptHandle
	if err := call(procNCryptCreatePersistedKey, uintptr(provider), uintptr(unsafe.Pointer(&key)),
		uintptr(unsafe.Pointer(alg)), uintptr(unsafe.Pointer(name)), 0, ncryptMachineKeyFlag); err != nil {
		return 0, err
	}

	lengthProp, _ := windows.UTF16PtrFromString("Length")
	length := uint32(2048)
	if err := call(procNCryptSetProperty, uintptr(key), uintptr(unsafe.Pointer(lengthProp)),
		uintptr(unsafe.Pointer(&length)), unsafe.Sizeof(length), 0); err != nil {
		procNCryptFreeObject.Call(uintptr(key))
		return 0, err
	}
	if err := call(procNCryptFinalizeKey, uintptr(key), 0); err != nil {
		procNCryptFreeObject.Call(uintptr(key))
		return 0, err
	}
	return key, nil
}

func (h *HardwareKeyStore) PublicKeyPEM() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pub != nil {
		return h.pub, nil
	}

	blobType, _ := windows.UTF16PtrFromString("RSAPUBLICBLOB")
	var size uint32
	if err := call(procNCryptExportKey, uintptr(h.key), 0, uintptr(unsafe.Pointer(blobType)), 0, 0, 0, uintptr(unsafe.Pointer(&size)), 0); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, errors.New("empty public key blob")
	}
	blob := make([]byte, size)
	if err := call(procNCryptExportKey, uintptr(h.key), 0, uintptr(unsafe.Pointer(blobType)), 0,
		uintptr(unsafe.Pointer(&blob[0])), uintptr(size), uintptr(unsafe.Pointer(&size)), 0); err != nil {
		return nil, err
	}

	pub, err := ParseRSAPublicBlob(blob[:size])
	if err != nil {
		return nil, err
	}
	pemBytes, err := cryptoutils.MarshalPublicKeyPEM(pub)
	if err != nil {
		return nil, err
	}
	h.pub = pemBytes
	return pemBytes, nil
}

func (h *HardwareKeyStore) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, errors.New("empty ciphertext")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	alg, _ := windows.UTF16PtrFromString("SHA256")
	padding := bcryptOAEPPaddingInfo{algID: alg}

	out := make([]byte, len(ciphertext))
	var n uint32
	if err := call(procNCryptDecrypt, uintptr(h.key),
		uintptr(unsafe.Pointer(&ciphertext[0])), uintptr(len(ciphertext)),
		uintptr(unsafe.Pointer(&padding)),
		uintptr(unsafe.Pointer(&out[0])), uintptr(len(out)), uintptr(unsafe.Pointer(&n)),
		ncryptPadOAEPFlag); err != nil {
		return nil, err
	}
	return out[:n], nil
}

func (h *HardwareKeyStore) KeyType() string {
	return KeyTypeTPM
}
