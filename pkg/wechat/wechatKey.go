package wechat

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	KeySize     = 32
	SaltSize    = 16
	defaultIter = 64000
	macIter     = 2
	macSaltMask = 0x3a
)

// RawKey is the 32 byte database key obtained from the running client.
type RawKey [KeySize]byte

// NewRawKey copies b into a RawKey. b must be exactly KeySize bytes.
func NewRawKey(b []byte) (RawKey, error) {
	var k RawKey
	if len(b) != KeySize {
		return k, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// String prints a short fingerprint, used wherever the key is logged.
func (k RawKey) String() string {
	return hex.EncodeToString(k[:4]) + "..."
}

// Hex returns the full key in lowercase hex.
func (k RawKey) Hex() string {
	return hex.EncodeToString(k[:])
}

// KeyMaterial is the per-file working key set derived from a RawKey and the
// file salt. It lives only as long as the decryption of one file.
type KeyMaterial struct {
	CipherKey [KeySize]byte
	MacKey    [KeySize]byte
	Salt      [SaltSize]byte
	MacSalt   [SaltSize]byte
}

// DeriveKeyMaterial runs PBKDF2-HMAC-SHA1 twice: 64000 rounds over the raw
// key and salt for the cipher key, then 2 rounds over the cipher key and the
// masked salt for the mac key.
func DeriveKeyMaterial(key RawKey, salt []byte) (*KeyMaterial, error) {
	if len(salt) != SaltSize {
		return nil, &KeyDerivationError{Err: fmt.Errorf("salt must be %d bytes, got %d", SaltSize, len(salt))}
	}

	km := &KeyMaterial{}
	copy(km.Salt[:], salt)
	copy(km.MacSalt[:], xorBytes(salt, macSaltMask))

	cipherKey := pbkdf2.Key(key[:], km.Salt[:], defaultIter, KeySize, sha1.New)
	if len(cipherKey) != KeySize {
		return nil, &KeyDerivationError{Err: fmt.Errorf("cipher key length %d", len(cipherKey))}
	}
	copy(km.CipherKey[:], cipherKey)

	macKey := pbkdf2.Key(km.CipherKey[:], km.MacSalt[:], macIter, KeySize, sha1.New)
	if len(macKey) != KeySize {
		return nil, &KeyDerivationError{Err: fmt.Errorf("mac key length %d", len(macKey))}
	}
	copy(km.MacKey[:], macKey)

	return km, nil
}

func xorBytes(a []byte, b byte) []byte {
	result := make([]byte, len(a))
	for i := range a {
		result[i] = a[i] ^ b
	}
	return result
}
