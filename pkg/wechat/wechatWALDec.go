package wechat

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	walHeaderSize      = 32
	walSeedSize        = 24
	walFrameHeaderSize = 24
	walFrameSize       = walFrameHeaderSize + defaultPageSize
)

// WalByteOrder is the word order of every checksum in a WAL file, taken from
// byte 3 of the WAL header.
type WalByteOrder byte

const (
	WalLittleEndian WalByteOrder = 0x82
	WalBigEndian    WalByteOrder = 0x83
)

// ParseWalByteOrder resolves the marker byte. Any value other than 0x82 or
// 0x83 is rejected.
func ParseWalByteOrder(marker byte) (WalByteOrder, error) {
	switch o := WalByteOrder(marker); o {
	case WalLittleEndian, WalBigEndian:
		return o, nil
	default:
		return 0, fmt.Errorf("bad wal byte order marker 0x%02x", marker)
	}
}

func (o WalByteOrder) byteOrder() binary.ByteOrder {
	if o == WalLittleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

func (o WalByteOrder) String() string {
	switch o {
	case WalLittleEndian:
		return "little-endian"
	case WalBigEndian:
		return "big-endian"
	default:
		return fmt.Sprintf("WalByteOrder(0x%02x)", byte(o))
	}
}

// ChecksumState is the running WAL checksum pair. It must be folded over
// frames in file order.
type ChecksumState struct {
	S1, S2 uint32
}

// Update folds b into the state. len(b) must be a multiple of 8.
func (s ChecksumState) Update(bo WalByteOrder, b []byte) (ChecksumState, error) {
	if len(b)%8 != 0 {
		return s, ErrChecksumMisaligned
	}
	order := bo.byteOrder()
	for i := 0; i < len(b); i += 8 {
		s.S1 += order.Uint32(b[i:]) + s.S2
		s.S2 += order.Uint32(b[i+4:]) + s.S1
	}
	return s, nil
}

// SeedChecksum computes the state over the first 24 bytes of a WAL header.
func SeedChecksum(hdr []byte, bo WalByteOrder) (ChecksumState, error) {
	if len(hdr) < walSeedSize {
		return ChecksumState{}, fmt.Errorf("wal header of %d bytes is too short", len(hdr))
	}
	return ChecksumState{}.Update(bo, hdr[:walSeedSize])
}

// WALResult describes one decrypted WAL file.
type WALResult struct {
	ByteOrder WalByteOrder
	Frames    int
	// Rewritten frames had a valid encrypted checksum and now carry one
	// recomputed over the plaintext; Kept frames keep their original header.
	Rewritten    int
	Kept         int
	HMACFailures int
	Bytes        int64
}

// DecryptWAL decrypts the WAL at path with the key material of its main
// database and writes it to expPath. A missing or empty WAL returns a nil
// result and no error. With checkHMAC set, frames that fail authentication
// are still decrypted and counted in HMACFailures.
func DecryptWAL(ctx context.Context, path string, km *KeyMaterial, expPath string, checkHMAC bool) (*WALResult, error) {
	fileInfo, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, ioErr("stat", path, err)
	}
	size := fileInfo.Size()
	if size == 0 {
		return nil, nil
	}
	if size < walHeaderSize {
		return nil, formatErr(path, "wal header truncated at %d bytes", size)
	}
	if (size-walHeaderSize)%walFrameSize != 0 {
		return nil, formatErr(path, "wal body of %d bytes is not a whole number of %d byte frames", size-walHeaderSize, walFrameSize)
	}

	codec, err := NewPageCodec(km)
	if err != nil {
		return nil, &KeyDerivationError{Err: err}
	}

	fp, err := os.Open(path)
	if err != nil {
		return nil, ioErr("open", path, err)
	}
	defer fp.Close()
	fpReader := bufio.NewReaderSize(fp, walFrameSize*16)

	hdr := make([]byte, walHeaderSize)
	if _, err := io.ReadFull(fpReader, hdr); err != nil {
		return nil, ioErr("read", path, err)
	}
	bo, err := ParseWalByteOrder(hdr[3])
	if err != nil {
		return nil, formatErr(path, "%v", err)
	}
	encryptedSum, err := SeedChecksum(hdr, bo)
	if err != nil {
		return nil, formatErr(path, "%v", err)
	}
	decryptedSum := encryptedSum

	outFile, err := createAtomic(expPath)
	if err != nil {
		return nil, err
	}
	defer outFile.Abort()
	writer := bufio.NewWriterSize(outFile, walFrameSize*16)

	if _, err := writer.Write(hdr); err != nil {
		return nil, ioErr("write", expPath, err)
	}

	result := &WALResult{ByteOrder: bo, Bytes: walHeaderSize}
	frame := make([]byte, walFrameSize)
	var sums [8]byte
	for {
		_, err := io.ReadFull(fpReader, frame)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, ioErr("read", path, err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pageNo := binary.BigEndian.Uint32(frame[0:])
		frameSum := ChecksumState{
			S1: binary.BigEndian.Uint32(frame[16:]),
			S2: binary.BigEndian.Uint32(frame[20:]),
		}
		payload := frame[walFrameHeaderSize:]

		if encryptedSum, err = encryptedSum.Update(bo, frame[:8]); err != nil {
			return nil, err
		}
		if encryptedSum, err = encryptedSum.Update(bo, payload); err != nil {
			return nil, err
		}

		decrypted, err := codec.DecryptPage(payload, pageNo, checkHMAC)
		if errors.Is(err, ErrPageAuth) {
			result.HMACFailures++
			decrypted, err = codec.DecryptPage(payload, pageNo, false)
		}
		if err != nil {
			return nil, formatErr(path, "frame %d (page %d): %v", result.Frames+1, pageNo, err)
		}

		if decryptedSum, err = decryptedSum.Update(bo, frame[:8]); err != nil {
			return nil, err
		}
		if decryptedSum, err = decryptedSum.Update(bo, decrypted); err != nil {
			return nil, err
		}

		if encryptedSum == frameSum {
			binary.BigEndian.PutUint32(sums[0:], decryptedSum.S1)
			binary.BigEndian.PutUint32(sums[4:], decryptedSum.S2)
			if _, err := writer.Write(frame[:16]); err != nil {
				return nil, ioErr("write", expPath, err)
			}
			if _, err := writer.Write(sums[:]); err != nil {
				return nil, ioErr("write", expPath, err)
			}
			result.Rewritten++
		} else {
			if _, err := writer.Write(frame[:walFrameHeaderSize]); err != nil {
				return nil, ioErr("write", expPath, err)
			}
			result.Kept++
		}
		if _, err := writer.Write(decrypted); err != nil {
			return nil, ioErr("write", expPath, err)
		}
		result.Frames++
		result.Bytes += walFrameSize
	}

	if err := writer.Flush(); err != nil {
		return nil, ioErr("write", expPath, err)
	}
	if err := outFile.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}
