package wechat

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func xorAll(b []byte, key byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[i] ^ key
	}
	return out
}

func TestFindDecodeByte(t *testing.T) {
	png := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00, 0x00}
	jpg := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 0x4A, 0x46, 0x49, 0x46}

	b, ext, err := findDecodeByte(xorAll(png, 0x5c))
	require.NoError(t, err)
	assert.Equal(t, byte(0x5c), b)
	assert.Equal(t, ".png", ext)

	b, ext, err = findDecodeByte(xorAll(jpg, 0xa1))
	require.NoError(t, err)
	assert.Equal(t, byte(0xa1), b)
	assert.Equal(t, ".jpg", ext)

	_, _, err = findDecodeByte([]byte{0x01, 0x02, 0x03, 0x04})
	assert.ErrorIs(t, err, ErrUnknownDat)
}

func TestDecryptDat(t *testing.T) {
	dir := t.TempDir()
	image := append([]byte{0xFF, 0xD8, 0xFF, 0xE1}, make([]byte, 70000)...)
	for i := 4; i < len(image); i++ {
		image[i] = byte(i)
	}
	src := filepath.Join(dir, "a.dat")
	writeFile(t, src, xorAll(image, 0x3f))

	out, err := DecryptDat(src, filepath.Join(dir, "a"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "a.jpg"), out)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, image, got)
}

func TestDecryptDat_Unknown(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "empty.dat")
	writeFile(t, src, nil)

	_, err := DecryptDat(src, filepath.Join(dir, "empty"))
	assert.ErrorIs(t, err, ErrUnknownDat)
}

func TestDecryptDatByDir(t *testing.T) {
	in := t.TempDir()
	out := filepath.Join(t.TempDir(), "images")

	gif := []byte("GIF89a....payload")
	writeFile(t, filepath.Join(in, "2024-05", "Image", "x.dat"), xorAll(gif, 0x22))
	writeFile(t, filepath.Join(in, "2024-05", "Image", "junk.dat"), []byte{0x01, 0x02, 0x03})
	writeFile(t, filepath.Join(in, "notes.txt"), []byte("skip"))

	logger, _ := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	res, err := DecryptDatByDir(context.Background(), in, out, 2, logger)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Decoded)
	assert.Equal(t, int64(1), res.Skipped)
	assert.Zero(t, res.Failed)

	got, err := os.ReadFile(filepath.Join(out, "2024-05", "Image", "x.gif"))
	require.NoError(t, err)
	assert.Equal(t, gif, got)
	assert.NoFileExists(t, filepath.Join(out, "notes.txt"))
}

func TestDecryptDatByDir_OutputIsFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "file")
	writeFile(t, out, []byte("x"))

	_, err := DecryptDatByDir(context.Background(), t.TempDir(), out, 1, nil)
	assert.Error(t, err)
}
