package wechat

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageCodec_AuthenticateBindsPageNumber(t *testing.T) {
	km := testMaterial(t)
	codec, err := NewPageCodec(km)
	require.NoError(t, err)

	page := sealRegion(t, km, plainPage(2, defaultPageSize-reserveSize), 2)
	require.Len(t, page, defaultPageSize)

	assert.True(t, codec.Authenticate(page, 2))
	assert.False(t, codec.Authenticate(page, 1))
	assert.False(t, codec.Authenticate(page, 3))
}

func TestPageCodec_Decrypt(t *testing.T) {
	km := testMaterial(t)
	codec, err := NewPageCodec(km)
	require.NoError(t, err)

	body := plainPage(5, defaultPageSize-reserveSize)
	page := sealRegion(t, km, body, 5)

	out, err := codec.Decrypt(page, 5, true)
	require.NoError(t, err)
	assert.Equal(t, body, out[:len(body)])
	assert.Equal(t, page[len(body):], out[len(body):], "reserve region is carried through")

	_, err = codec.Decrypt(page, 6, true)
	assert.ErrorIs(t, err, ErrPageAuth)

	out, err = codec.Decrypt(page, 6, false)
	require.NoError(t, err)
	assert.Equal(t, body, out[:len(body)])

	_, err = codec.Decrypt(page[:reserveSize-1], 5, false)
	assert.Error(t, err)

	_, err = codec.Decrypt(page[:reserveSize+8], 5, false)
	assert.Error(t, err, "body must be block aligned")
}

func TestDecryptDataBase_RoundTrip(t *testing.T) {
	km := testMaterial(t)
	enc, want := fixtureDB(t, km, 4)

	dir := t.TempDir()
	src := filepath.Join(dir, "MicroMsg.db")
	dst := filepath.Join(dir, "out", "MicroMsg.db")
	writeFile(t, src, enc)
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0755))

	res, err := DecryptDataBase(context.Background(), src, fixtureKey, dst)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Pages)
	assert.Equal(t, int64(len(want)), res.Bytes)
	assert.Equal(t, km.CipherKey, res.Material.CipherKey)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Len(t, got, len(enc))
	assert.True(t, bytes.Equal(want, got))
	assert.Equal(t, "SQLite format 3\x00", string(got[:16]))

	entries, err := os.ReadDir(filepath.Dir(dst))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")
}

func TestDecryptDataBase_HeaderRegardlessOfContent(t *testing.T) {
	km := testMaterial(t)
	codec, err := NewPageCodec(km)
	require.NoError(t, err)

	for _, fill := range []byte{0x00, 0xff, 0x53} {
		body := bytes.Repeat([]byte{fill}, defaultPageSize-SaltSize-reserveSize)
		raw := append(append([]byte(nil), km.Salt[:]...), sealRegion(t, km, body, 1)...)

		out, err := codec.DecryptPage(raw, 1, true)
		require.NoError(t, err)
		assert.Len(t, out, defaultPageSize)
		assert.Equal(t, sqliteFileHeader, out[:16])
	}
}

func TestDecryptDataBase_KeySensitivity(t *testing.T) {
	km := testMaterial(t)
	enc, _ := fixtureDB(t, km, 2)

	dir := t.TempDir()
	src := filepath.Join(dir, "MSG0.db")
	writeFile(t, src, enc)

	bits := KeySize * 8
	step := 1
	if testing.Short() {
		step = 37
	}
	for bit := 0; bit < bits; bit += step {
		key := fixtureKey
		key[bit/8] ^= 1 << (bit % 8)

		dst := filepath.Join(dir, "out.db")
		_, err := DecryptDataBase(context.Background(), src, key, dst)
		require.Error(t, err, "bit %d", bit)

		var ikErr *InvalidKeyError
		require.True(t, errors.As(err, &ikErr), "bit %d: %v", bit, err)
		assert.Equal(t, key, ikErr.Key)
		assert.Equal(t, src, ikErr.Path)
		assert.NoFileExists(t, dst)
	}
}

func TestDecryptDataBase_LaterPageTampered(t *testing.T) {
	km := testMaterial(t)
	enc, _ := fixtureDB(t, km, 3)
	enc[2*defaultPageSize+100] ^= 0x01

	dir := t.TempDir()
	src := filepath.Join(dir, "MSG1.db")
	dst := filepath.Join(dir, "plain.db")
	writeFile(t, src, enc)

	_, err := DecryptDataBase(context.Background(), src, fixtureKey, dst)
	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.NoFileExists(t, dst)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDecryptDataBase_BadSize(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		size int
	}{
		{name: "empty", size: 0},
		{name: "shorter than a page", size: 100},
		{name: "not page aligned", size: defaultPageSize + 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := filepath.Join(dir, tt.name+".db")
			writeFile(t, src, make([]byte, tt.size))

			_, err := DecryptDataBase(context.Background(), src, fixtureKey, filepath.Join(dir, "out.db"))
			assert.ErrorIs(t, err, ErrFormat)
		})
	}
}

func TestDecryptDataBase_Missing(t *testing.T) {
	_, err := DecryptDataBase(context.Background(), filepath.Join(t.TempDir(), "absent.db"), fixtureKey, "out.db")
	var ioError *IOError
	assert.True(t, errors.As(err, &ioError))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDecryptDataBase_Cancelled(t *testing.T) {
	km := testMaterial(t)
	enc, _ := fixtureDB(t, km, 2)

	dir := t.TempDir()
	src := filepath.Join(dir, "MSG2.db")
	dst := filepath.Join(dir, "out.db")
	writeFile(t, src, enc)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := DecryptDataBase(ctx, src, fixtureKey, dst)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, dst)
}

func TestCheckDataBaseKey(t *testing.T) {
	km := testMaterial(t)
	enc, _ := fixtureDB(t, km, 1)

	src := filepath.Join(t.TempDir(), "Misc.db")
	writeFile(t, src, enc)

	ok, err := CheckDataBaseKey(src, fixtureKey)
	require.NoError(t, err)
	assert.True(t, ok)

	wrong := fixtureKey
	wrong[31] ^= 0x80
	ok, err = CheckDataBaseKey(src, wrong)
	require.NoError(t, err)
	assert.False(t, ok)
}
