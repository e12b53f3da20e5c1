package wechat

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	fixtureKey  = RawKey{}
	fixtureSalt = make([]byte, SaltSize)

	fixtureOnce sync.Once
	fixtureKM   *KeyMaterial
)

func init() {
	for i := range fixtureKey {
		fixtureKey[i] = byte(i)
	}
	for i := range fixtureSalt {
		fixtureSalt[i] = byte(0x10 + i)
	}
}

// testMaterial derives the fixture key material once per test binary.
func testMaterial(t testing.TB) *KeyMaterial {
	t.Helper()
	fixtureOnce.Do(func() {
		km, err := DeriveKeyMaterial(fixtureKey, fixtureSalt)
		if err != nil {
			panic(err)
		}
		fixtureKM = km
	})
	return fixtureKM
}

// sealRegion is the inverse of PageCodec.Decrypt: plain is the cleartext body
// (len(region)-48 bytes) and the result is body ciphertext, IV, HMAC and
// twelve bytes of filler.
func sealRegion(t testing.TB, km *KeyMaterial, plain []byte, pageNo uint32) []byte {
	t.Helper()
	require.Zero(t, len(plain)%aes.BlockSize)

	block, err := aes.NewCipher(km.CipherKey[:])
	require.NoError(t, err)

	region := make([]byte, len(plain)+reserveSize)
	iv := region[len(plain) : len(plain)+ivSize]
	for i := range iv {
		iv[i] = byte(pageNo*7 + uint32(i))
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(region[:len(plain)], plain)

	var index [4]byte
	binary.LittleEndian.PutUint32(index[:], pageNo)
	mac := hmac.New(sha1.New, km.MacKey[:])
	mac.Write(region[:len(region)-hmacOffset])
	mac.Write(index[:])
	copy(region[len(region)-hmacOffset:], mac.Sum(nil))
	for i := len(region) - hmacOffset + macSize; i < len(region); i++ {
		region[i] = 0xA5
	}
	return region
}

// plainPage builds recognisable cleartext for one page body.
func plainPage(pageNo uint32, size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(int(pageNo)*31 + i*7)
	}
	return b
}

// fixtureDB encrypts pages page bodies into a database image. It returns the
// on-disk bytes and the expected plaintext output.
func fixtureDB(t testing.TB, km *KeyMaterial, pages int) (enc []byte, want []byte) {
	t.Helper()
	for pageNo := uint32(1); pageNo <= uint32(pages); pageNo++ {
		if pageNo == 1 {
			body := plainPage(pageNo, defaultPageSize-SaltSize-reserveSize)
			region := sealRegion(t, km, body, pageNo)
			enc = append(enc, km.Salt[:]...)
			enc = append(enc, region...)
			want = append(want, sqliteFileHeader...)
			want = append(want, body...)
			want = append(want, region[len(region)-reserveSize:]...)
			continue
		}
		body := plainPage(pageNo, defaultPageSize-reserveSize)
		region := sealRegion(t, km, body, pageNo)
		enc = append(enc, region...)
		want = append(want, body...)
		want = append(want, region[len(region)-reserveSize:]...)
	}
	return enc, want
}

// walFrameDef describes one frame for fixtureWAL.
type walFrameDef struct {
	pageNo uint32
	// corruptChecksum stores a checksum that does not match the chain
	corruptChecksum bool
	// corruptHMAC flips one byte of the stored tag
	corruptHMAC bool
}

type walFixture struct {
	enc      []byte
	plain    [][]byte // decrypted payload per frame
	frameHdr [][]byte // on-disk 24 byte frame header per frame
}

func refChecksum(order binary.ByteOrder, s1, s2 uint32, b []byte) (uint32, uint32) {
	for i := 0; i+8 <= len(b); i += 8 {
		s1 += order.Uint32(b[i:]) + s2
		s2 += order.Uint32(b[i+4:]) + s1
	}
	return s1, s2
}

func walOrder(bo WalByteOrder) binary.ByteOrder {
	if bo == WalBigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// fixtureWAL builds an encrypted WAL whose frame checksums chain over the
// encrypted content the way the client writes them.
func fixtureWAL(t testing.TB, km *KeyMaterial, bo WalByteOrder, frames []walFrameDef) *walFixture {
	t.Helper()
	order := walOrder(bo)

	hdr := make([]byte, walHeaderSize)
	binary.BigEndian.PutUint32(hdr[0:], 0x377f0600|uint32(bo))
	binary.BigEndian.PutUint32(hdr[4:], 3007000)
	binary.BigEndian.PutUint32(hdr[8:], defaultPageSize)
	binary.BigEndian.PutUint32(hdr[12:], 1)
	binary.BigEndian.PutUint32(hdr[16:], 0x11223344)
	binary.BigEndian.PutUint32(hdr[20:], 0x55667788)
	s1, s2 := refChecksum(order, 0, 0, hdr[:walSeedSize])
	binary.BigEndian.PutUint32(hdr[24:], s1)
	binary.BigEndian.PutUint32(hdr[28:], s2)

	fx := &walFixture{enc: append([]byte(nil), hdr...)}
	for i, f := range frames {
		var payload, plain []byte
		if f.pageNo == 1 {
			body := plainPage(100+uint32(i), defaultPageSize-SaltSize-reserveSize)
			region := sealRegion(t, km, body, 1)
			payload = append(append([]byte(nil), km.Salt[:]...), region...)
			plain = append(append(append([]byte(nil), sqliteFileHeader...), body...), region[len(region)-reserveSize:]...)
		} else {
			body := plainPage(100+uint32(i), defaultPageSize-reserveSize)
			payload = sealRegion(t, km, body, f.pageNo)
			plain = append(append([]byte(nil), body...), payload[len(payload)-reserveSize:]...)
		}
		if f.corruptHMAC {
			payload[len(payload)-hmacOffset] ^= 0xff
			plain[len(plain)-hmacOffset] ^= 0xff
		}

		fh := make([]byte, walFrameHeaderSize)
		binary.BigEndian.PutUint32(fh[0:], f.pageNo)
		if i == len(frames)-1 {
			binary.BigEndian.PutUint32(fh[4:], f.pageNo)
		}
		copy(fh[8:16], hdr[16:24])
		s1, s2 = refChecksum(order, s1, s2, fh[:8])
		s1, s2 = refChecksum(order, s1, s2, payload)
		if f.corruptChecksum {
			binary.BigEndian.PutUint32(fh[16:], s1^0xdeadbeef)
			binary.BigEndian.PutUint32(fh[20:], s2)
		} else {
			binary.BigEndian.PutUint32(fh[16:], s1)
			binary.BigEndian.PutUint32(fh[20:], s2)
		}

		fx.enc = append(fx.enc, fh...)
		fx.enc = append(fx.enc, payload...)
		fx.plain = append(fx.plain, plain)
		fx.frameHdr = append(fx.frameHdr, fh)
	}
	return fx
}

func writeFile(t testing.TB, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
}
