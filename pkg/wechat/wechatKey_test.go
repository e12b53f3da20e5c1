package wechat

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKeyMaterial_KnownAnswer(t *testing.T) {
	km := testMaterial(t)

	assert.Equal(t, "948d2b65f23c8d96202d5792373edf09f2c1e0562a35dbc9578e7bcfd80aed3d", hex.EncodeToString(km.CipherKey[:]))
	assert.Equal(t, "3355267ef3080c9aa00ff7507c1ea153c004cdd9ba427f29547d42844804898b", hex.EncodeToString(km.MacKey[:]))
	assert.Equal(t, fixtureSalt, km.Salt[:])
	for i := range km.MacSalt {
		assert.Equal(t, fixtureSalt[i]^0x3a, km.MacSalt[i])
	}
}

func TestDeriveKeyMaterial_BadSalt(t *testing.T) {
	_, err := DeriveKeyMaterial(fixtureKey, make([]byte, 15))
	require.Error(t, err)

	var kdErr *KeyDerivationError
	assert.True(t, errors.As(err, &kdErr))
}

func TestNewRawKey(t *testing.T) {
	_, err := NewRawKey(make([]byte, 31))
	assert.Error(t, err)

	key, err := NewRawKey(fixtureKey[:])
	require.NoError(t, err)
	assert.Equal(t, fixtureKey, key)
	assert.Equal(t, "00010203...", key.String())
	assert.Equal(t, hex.EncodeToString(fixtureKey[:]), key.Hex())
}

func TestInvalidKeyError_NamesKeyAndPath(t *testing.T) {
	err := error(&InvalidKeyError{Key: fixtureKey, Path: "MSG0.db"})

	assert.True(t, errors.Is(err, ErrInvalidKey))
	assert.Equal(t, "key "+hex.EncodeToString(fixtureKey[:])+" does not match MSG0.db", err.Error())
}
