package keystore

import (
	"crypto/rsa"
	"encoding/binary"
	"fmt"
	"math/big"
)

// BCRYPT_RSAKEY_BLOB header, six little endian DWORDs, followed by the
// big endian public exponent and modulus.
const (
	rsaPublicMagic = 0x31415352 // "RSA1"
	blobHeaderSize = 24
)

// ParseRSAPublicBlob decodes a BCRYPT_RSAPUBLIC_BLOB.
func ParseRSAPublicBlob(blob []byte) (*rsa.PublicKey, error) {
	if len(blob) < blobHeaderSize {
		return nil, fmt.Errorf("rsa blob too short: %d bytes", len(blob))
	}
	magic := binary.LittleEndian.Uint32(blob[0:])
	bitLength := binary.LittleEndian.Uint32(blob[4:])
	expLen := int(binary.LittleEndian.Uint32(blob[8:]))
	modLen := int(binary.LittleEndian.Uint32(blob[12:]))

	if magic != rsaPublicMagic {
		return nil, fmt.Errorf("unexpected rsa blob magic %#x", magic)
	}
	if expLen == 0 || expLen > 8 {
		return nil, fmt.Errorf("unsupported public exponent length %d", expLen)
	}
	if modLen == 0 || modLen > 2048 {
		return nil, fmt.Errorf("unsupported modulus length %d", modLen)
	}
	if len(blob) < blobHeaderSize+expLen+modLen {
		return nil, fmt.Errorf("rsa blob truncated: %d bytes, need %d", len(blob), blobHeaderSize+expLen+modLen)
	}

	exp := new(big.Int).SetBytes(blob[blobHeaderSize : blobHeaderSize+expLen])
	mod := new(big.Int).SetBytes(blob[blobHeaderSize+expLen : blobHeaderSize+expLen+modLen])
	if !exp.IsInt64() || exp.Int64() < 3 || exp.Int64() > 1<<31-1 {
		return nil, fmt.Errorf("unsupported public exponent %s", exp)
	}
	if mod.BitLen() != int(bitLength) {
		return nil, fmt.Errorf("modulus is %d bits, blob declares %d", mod.BitLen(), bitLength)
	}
	return &rsa.PublicKey{N: mod, E: int(exp.Int64())}, nil
}

// MarshalRSAPublicBlob is the inverse of ParseRSAPublicBlob.
func MarshalRSAPublicBlob(pub *rsa.PublicKey) []byte {
	exp := big.NewInt(int64(pub.E)).Bytes()
	mod := pub.N.Bytes()
	blob := make([]byte, blobHeaderSize+len(exp)+len(mod))
	binary.LittleEndian.PutUint32(blob[0:], rsaPublicMagic)
	binary.LittleEndian.PutUint32(blob[4:], uint32(pub.N.BitLen()))
	binary.LittleEndian.PutUint32(blob[8:], uint32(len(exp)))
	binary.LittleEndian.PutUint32(blob[12:], uint32(len(mod)))
	copy(blob[blobHeaderSize:], exp)
	copy(blob[blobHeaderSize+len(exp):], mod)
	return blob
}
