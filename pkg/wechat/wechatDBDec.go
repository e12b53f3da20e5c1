package wechat

import (
	"bufio"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	defaultPageSize = 4096
	reserveSize     = 48
	ivSize          = 16
	macSize         = 20
	// the hmac starts this many bytes before the end of a page
	hmacOffset = reserveSize - ivSize
)

var sqliteFileHeader = []byte("SQLite format 3\x00")

var errShortPage = errors.New("page shorter than reserve region")

// PageCodec authenticates and decrypts single pages with one file's key
// material.
type PageCodec struct {
	km    *KeyMaterial
	block cipher.Block
}

func NewPageCodec(km *KeyMaterial) (*PageCodec, error) {
	block, err := aes.NewCipher(km.CipherKey[:])
	if err != nil {
		return nil, err
	}
	return &PageCodec{km: km, block: block}, nil
}

// Authenticate checks the HMAC-SHA1 tag of a page's cryptographic region.
// pageNo is 1-based; for WAL frames it is the frame's embedded page number.
func (c *PageCodec) Authenticate(page []byte, pageNo uint32) bool {
	if len(page) < reserveSize {
		return false
	}
	var index [4]byte
	binary.LittleEndian.PutUint32(index[:], pageNo)

	hashMac := hmac.New(sha1.New, c.km.MacKey[:])
	hashMac.Write(page[:len(page)-hmacOffset])
	hashMac.Write(index[:])

	tag := page[len(page)-hmacOffset : len(page)-hmacOffset+macSize]
	return hmac.Equal(hashMac.Sum(nil), tag)
}

// Decrypt returns the AES-256-CBC plaintext of page followed by its reserve
// region copied through unchanged. With checkHMAC set it returns ErrPageAuth
// when Authenticate fails.
func (c *PageCodec) Decrypt(page []byte, pageNo uint32, checkHMAC bool) ([]byte, error) {
	if len(page) < reserveSize {
		return nil, errShortPage
	}
	body := len(page) - reserveSize
	if body%aes.BlockSize != 0 {
		return nil, fmt.Errorf("page body of %d bytes is not block aligned", body)
	}
	if checkHMAC && !c.Authenticate(page, pageNo) {
		return nil, ErrPageAuth
	}

	out := make([]byte, len(page))
	iv := page[body : body+ivSize]
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(out[:body], page[:body])
	copy(out[body:], page[body:])
	return out, nil
}

// DecryptPage decrypts one full on-disk page. Page 1 keeps its salt out of
// the cryptographic region and gets the SQLite header in its place, so the
// result is always as long as raw.
func (c *PageCodec) DecryptPage(raw []byte, pageNo uint32, checkHMAC bool) ([]byte, error) {
	if pageNo != 1 {
		return c.Decrypt(raw, pageNo, checkHMAC)
	}
	if len(raw) < SaltSize+reserveSize {
		return nil, errShortPage
	}
	dec, err := c.Decrypt(raw[SaltSize:], pageNo, checkHMAC)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(raw))
	out = append(out, sqliteFileHeader...)
	return append(out, dec...), nil
}

// DataBaseResult describes one decrypted main database file.
type DataBaseResult struct {
	Material *KeyMaterial
	Pages    int
	Bytes    int64
}

func checkDataBaseSize(path string) (int64, error) {
	fileInfo, err := os.Stat(path)
	if err != nil {
		return 0, ioErr("stat", path, err)
	}
	size := fileInfo.Size()
	if size < defaultPageSize {
		return size, formatErr(path, "file of %d bytes is shorter than one page", size)
	}
	if size%defaultPageSize != 0 {
		return size, formatErr(path, "file size %d is not a multiple of %d", size, defaultPageSize)
	}
	return size, nil
}

// DecryptDataBase decrypts the database at path into expPath. Every page is
// authenticated; a single failure aborts the file with an *InvalidKeyError
// and leaves no output behind.
func DecryptDataBase(ctx context.Context, path string, key RawKey, expPath string) (*DataBaseResult, error) {
	if _, err := checkDataBaseSize(path); err != nil {
		return nil, err
	}

	fp, err := os.Open(path)
	if err != nil {
		return nil, ioErr("open", path, err)
	}
	defer fp.Close()

	fpReader := bufio.NewReaderSize(fp, defaultPageSize*100)
	buffer := make([]byte, defaultPageSize)
	if _, err := io.ReadFull(fpReader, buffer); err != nil {
		return nil, ioErr("read", path, err)
	}

	km, err := DeriveKeyMaterial(key, buffer[:SaltSize])
	if err != nil {
		return nil, err
	}
	codec, err := NewPageCodec(km)
	if err != nil {
		return nil, &KeyDerivationError{Err: err}
	}

	// fail before touching the output when the key is wrong
	if !codec.Authenticate(buffer[SaltSize:], 1) {
		return nil, &InvalidKeyError{Key: key, Path: path}
	}

	outFile, err := createAtomic(expPath)
	if err != nil {
		return nil, err
	}
	defer outFile.Abort()
	writer := bufio.NewWriterSize(outFile, defaultPageSize*16)

	result := &DataBaseResult{Material: km}
	for pageNo := uint32(1); ; pageNo++ {
		if pageNo > 1 {
			_, err := io.ReadFull(fpReader, buffer)
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, ioErr("read", path, err)
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		decrypted, err := codec.DecryptPage(buffer, pageNo, true)
		if errors.Is(err, ErrPageAuth) {
			return nil, &InvalidKeyError{Key: key, Path: path}
		}
		if err != nil {
			return nil, formatErr(path, "page %d: %v", pageNo, err)
		}
		if _, err := writer.Write(decrypted); err != nil {
			return nil, ioErr("write", expPath, err)
		}
		result.Pages++
		result.Bytes += int64(len(decrypted))
	}

	if err := writer.Flush(); err != nil {
		return nil, ioErr("write", expPath, err)
	}
	if err := outFile.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

// CheckDataBaseKey reports whether key authenticates page 1 of the database
// at path. It does not decrypt anything.
func CheckDataBaseKey(path string, key RawKey) (bool, error) {
	if _, err := checkDataBaseSize(path); err != nil {
		return false, err
	}

	fp, err := os.Open(path)
	if err != nil {
		return false, ioErr("open", path, err)
	}
	defer fp.Close()

	buffer := make([]byte, defaultPageSize)
	if _, err := io.ReadFull(fp, buffer); err != nil {
		return false, ioErr("read", path, err)
	}

	km, err := DeriveKeyMaterial(key, buffer[:SaltSize])
	if err != nil {
		return false, err
	}
	codec, err := NewPageCodec(km)
	if err != nil {
		return false, &KeyDerivationError{Err: err}
	}
	return codec.Authenticate(buffer[SaltSize:], 1), nil
}
