package wechat

import (
	"bufio"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ErrUnknownDat is returned for attachment files whose first bytes match no
// known image header under any single-byte XOR.
var ErrUnknownDat = errors.New("unknown dat header")

type imagePrefix struct {
	ext    string
	prefix []byte
}

// longer prefixes first so a two byte header never shadows a longer match
var imagePrefixes = []imagePrefix{
	{".png", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}},
	{".ico", []byte{0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x20, 0x20}},
	{".cur", []byte{0x00, 0x00, 0x02, 0x00, 0x01, 0x00, 0x20, 0x20}},
	{".gif", []byte{0x47, 0x49, 0x46, 0x38, 0x39, 0x61}},
	{".tga", []byte{0x00, 0x00, 0x02, 0x00, 0x00}},
	{".pcx", []byte{0x0A, 0x05, 0x01, 0x08}},
	{".tif", []byte{0x49, 0x49, 0x2A, 0x00}},
	{".tiff", []byte{0x4D, 0x4D, 0x00, 0x2A}},
	{".iff", []byte{0x46, 0x4F, 0x52, 0x4D}},
	{".ani", []byte{0x52, 0x49, 0x46, 0x46}},
	{".jpg", []byte{0xFF, 0xD8, 0xFF}},
	{".bmp", []byte{0x42, 0x4D}},
}

const datProbeSize = 10

// DatResult counts the outcome of DecryptDatByDir.
type DatResult struct {
	Decoded int64
	Skipped int64
	Failed  int64
}

// DecryptDatByDir decodes every .dat file below inDir into the mirrored path
// under outDir using workers goroutines.
func DecryptDatByDir(ctx context.Context, inDir, outDir string, workers int, logger logrus.FieldLogger) (*DatResult, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if stat, err := os.Stat(outDir); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(outDir, 0755); err != nil {
			return nil, ioErr("mkdir", outDir, err)
		}
	} else if err != nil {
		return nil, ioErr("stat", outDir, err)
	} else if !stat.IsDir() {
		return nil, errors.New(outDir + " is file")
	}
	if workers < 1 {
		workers = 1
	}

	result := &DatResult{}
	taskChan := make(chan [2]string, 100)
	var walkErr error
	go func() {
		defer close(taskChan)
		walkErr = filepath.WalkDir(inDir, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				if path == inDir {
					return ioErr("walk", path, err)
				}
				logger.WithError(err).WithField("path", path).Warn("filepath.WalkDir")
				return nil
			}
			if entry.IsDir() || !strings.EqualFold(filepath.Ext(path), ".dat") {
				return nil
			}
			rel, err := filepath.Rel(inDir, path)
			if err != nil {
				return err
			}
			select {
			case taskChan <- [2]string{path, filepath.Join(outDir, strings.TrimSuffix(rel, filepath.Ext(rel)))}:
				return nil
			case <-ctx.Done():
				return fs.SkipAll
			}
		})
	}()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskChan {
				if ctx.Err() != nil {
					continue
				}
				if err := os.MkdirAll(filepath.Dir(task[1]), 0755); err != nil {
					logger.WithError(err).Error("mkdir")
					atomic.AddInt64(&result.Failed, 1)
					continue
				}
				_, err := DecryptDat(task[0], task[1])
				switch {
				case errors.Is(err, ErrUnknownDat):
					logger.WithField("file", task[0]).Debug("skip unknown dat")
					atomic.AddInt64(&result.Skipped, 1)
				case err != nil:
					logger.WithError(err).WithField("file", task[0]).Error("DecryptDat")
					atomic.AddInt64(&result.Failed, 1)
				default:
					atomic.AddInt64(&result.Decoded, 1)
				}
			}
		}()
	}
	wg.Wait()

	if walkErr != nil {
		return result, walkErr
	}
	return result, ctx.Err()
}

// DecryptDat decodes one XOR-obfuscated attachment. outBase gets the image
// extension appended; the full output path is returned.
func DecryptDat(inFile string, outBase string) (string, error) {
	sourceFile, err := os.Open(inFile)
	if err != nil {
		return "", ioErr("open", inFile, err)
	}
	defer sourceFile.Close()

	preTenBts := make([]byte, datProbeSize)
	n, err := io.ReadFull(sourceFile, preTenBts)
	if err != nil && err != io.ErrUnexpectedEOF {
		if err == io.EOF {
			return "", ErrUnknownDat
		}
		return "", ioErr("read", inFile, err)
	}
	decodeByte, ext, err := findDecodeByte(preTenBts[:n])
	if err != nil {
		return "", err
	}
	if _, err := sourceFile.Seek(0, io.SeekStart); err != nil {
		return "", ioErr("seek", inFile, err)
	}

	outFile := outBase + ext
	distFile, err := createAtomic(outFile)
	if err != nil {
		return "", err
	}
	defer distFile.Abort()

	writer := bufio.NewWriter(distFile)
	reader := bufio.NewReader(sourceFile)
	rBts := make([]byte, 32*1024)
	for {
		n, err := reader.Read(rBts)
		for i := 0; i < n; i++ {
			rBts[i] ^= decodeByte
		}
		if _, werr := writer.Write(rBts[:n]); werr != nil {
			return "", ioErr("write", outFile, werr)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", ioErr("read", inFile, err)
		}
	}
	if err := writer.Flush(); err != nil {
		return "", ioErr("write", outFile, err)
	}
	return outFile, distFile.Commit()
}

func findDecodeByte(bts []byte) (byte, string, error) {
	for _, p := range imagePrefixes {
		if deCodeByte, ok := testPrefix(p.prefix, bts); ok {
			return deCodeByte, p.ext, nil
		}
	}
	return 0, "", ErrUnknownDat
}

func testPrefix(prefixBytes []byte, bts []byte) (byte, bool) {
	if len(bts) < len(prefixBytes) {
		return 0, false
	}
	initDecodeByte := prefixBytes[0] ^ bts[0]
	for i, prefixByte := range prefixBytes {
		if prefixByte^bts[i] != initDecodeByte {
			return 0, false
		}
	}
	return initDecodeByte, true
}
