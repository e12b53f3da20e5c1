package wechat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"wechatDataDecrypt/pkg/metrics"
)

const (
	walSuffix = "-wal"
	shmSuffix = "-shm"
	multiDir  = "Multi"
)

var tracer = otel.Tracer("wechatDataDecrypt/pkg/wechat")

type FileStatus string

const (
	FileDecrypted FileStatus = "decrypted"
	FileCopied    FileStatus = "copied"
	FileFailed    FileStatus = "failed"
)

// FileResult is the outcome of one database file and its siblings.
type FileResult struct {
	Path      string
	Status    FileStatus
	Pages     int
	Bytes     int64
	WAL       *WALResult
	SHMCopied bool
	Duration  time.Duration
	Err       error
}

// ProgressEvent mirrors the status messages sent while a tree is processed.
type ProgressEvent struct {
	Status   string `json:"status"`
	Result   string `json:"result"`
	Progress int    `json:"progress"`
}

// Decryptor walks SourcePath for *.db files and writes their plaintext,
// together with decrypted -wal and copied -shm siblings, under OutputPath.
type Decryptor struct {
	SourcePath    string
	OutputPath    string
	Key           RawKey
	NeedCheckHMAC bool
	// Workers is the number of files processed at once; values below 1 mean 1.
	Workers int
	// FailFast stops the walk on the first failed file. Otherwise every file
	// is attempted and the failures are joined.
	FailFast bool
	// PlainFiles are base names copied verbatim instead of decrypted.
	PlainFiles []string
	// Verify, when set, is run on every decrypted main file.
	Verify func(path string) error

	Logger   logrus.FieldLogger
	Metrics  *metrics.Metrics
	Progress chan<- ProgressEvent
}

func (d *Decryptor) logger() logrus.FieldLogger {
	if d.Logger == nil {
		return logrus.StandardLogger()
	}
	return d.Logger
}

func (d *Decryptor) report(ctx context.Context, ev ProgressEvent) {
	if d.Progress == nil {
		return
	}
	select {
	case d.Progress <- ev:
	case <-ctx.Done():
	}
}

func (d *Decryptor) prepareOutput() error {
	fileInfo, err := os.Stat(d.OutputPath)
	switch {
	case err == nil && !fileInfo.IsDir():
		return fmt.Errorf("output path %s exists and is not a directory", d.OutputPath)
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return ioErr("stat", d.OutputPath, err)
	}
	if err := os.MkdirAll(filepath.Join(d.OutputPath, multiDir), 0755); err != nil {
		return ioErr("mkdir", d.OutputPath, err)
	}
	return nil
}

// Decrypt processes the whole tree. Results are sorted by relative path and
// cover every file that was started; the error is the first failure when
// FailFast is set and all failures joined otherwise.
func (d *Decryptor) Decrypt(parent context.Context) ([]FileResult, error) {
	log := d.logger()
	if fileInfo, err := os.Stat(d.SourcePath); err != nil {
		return nil, ioErr("stat", d.SourcePath, err)
	} else if !fileInfo.IsDir() {
		return nil, fmt.Errorf("source path %s is not a directory", d.SourcePath)
	}
	if err := d.prepareOutput(); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"source": d.SourcePath,
		"output": d.OutputPath,
	}).Info("decrypt start")

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	d.report(ctx, ProgressEvent{Status: "processing", Result: "decrypt WeChat DataBase start", Progress: 0})

	fileNumber := getPathFileNumber(d.SourcePath, d.OutputPath, ".db")
	handleNumber := int64(0)

	var (
		mu       sync.Mutex
		results  []FileResult
		firstErr error
		walkErr  error
	)

	workers := d.Workers
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	taskChan := make(chan string, workers*2)
	go func() {
		defer close(taskChan)
		walkErr = d.walk(ctx, func(rel string) bool {
			select {
			case taskChan <- rel:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rel := range taskChan {
				if ctx.Err() != nil {
					continue
				}
				res := d.DecryptFile(ctx, rel)
				done := atomic.AddInt64(&handleNumber, 1)

				mu.Lock()
				results = append(results, res)
				if res.Err != nil && firstErr == nil {
					firstErr = res.Err
					if d.FailFast {
						cancel()
					}
				}
				mu.Unlock()

				percent := 100
				if fileNumber > 0 {
					percent = int(done * 100 / fileNumber)
				}
				d.report(ctx, ProgressEvent{
					Status:   "processing",
					Result:   fmt.Sprintf("%s %s", res.Status, rel),
					Progress: percent,
				})
			}
		}()
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Path < results[j].Path })

	var err error
	if d.FailFast {
		err = firstErr
	} else {
		var errs []error
		for _, res := range results {
			if res.Err != nil {
				errs = append(errs, res.Err)
			}
		}
		err = errors.Join(errs...)
	}
	if err == nil && walkErr != nil {
		err = walkErr
	}
	if err == nil {
		err = parent.Err()
	}

	if err != nil {
		d.report(parent, ProgressEvent{Status: "error", Result: err.Error(), Progress: 100})
		log.WithField("files", len(results)).Error("decrypt finished with errors")
	} else {
		d.report(parent, ProgressEvent{Status: "processing", Result: "decrypt WeChat DataBase end", Progress: 100})
		log.WithField("files", len(results)).Info("decrypt finished")
	}
	return results, err
}

func (d *Decryptor) isPlainFile(name string) bool {
	for _, plain := range d.PlainFiles {
		if strings.EqualFold(plain, name) {
			return true
		}
	}
	return false
}

// walk calls send with the source-relative path of every *.db file until
// send returns false. Unreadable entries below the root are logged and
// skipped.
func (d *Decryptor) walk(ctx context.Context, send func(rel string) bool) error {
	log := d.logger()
	outputAbs, _ := filepath.Abs(d.OutputPath)
	return filepath.WalkDir(d.SourcePath, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == d.SourcePath {
				return ioErr("walk", path, err)
			}
			log.WithError(err).WithField("path", path).Warn("filepath.WalkDir")
			if entry != nil && entry.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return fs.SkipAll
		}
		if entry.IsDir() {
			if abs, _ := filepath.Abs(path); abs == outputAbs && path != d.SourcePath {
				return fs.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".db" {
			return nil
		}
		rel, err := filepath.Rel(d.SourcePath, path)
		if err != nil {
			return err
		}
		if !send(rel) {
			return fs.SkipAll
		}
		return nil
	})
}

// DecryptFile handles one database file given relative to SourcePath. The
// -wal and -shm siblings are only touched once the main file succeeded.
func (d *Decryptor) DecryptFile(ctx context.Context, rel string) (res FileResult) {
	start := time.Now()
	src := filepath.Join(d.SourcePath, rel)
	dst := filepath.Join(d.OutputPath, rel)
	log := d.logger().WithField("file", rel)

	ctx, span := tracer.Start(ctx, "wechat.DecryptFile", trace.WithAttributes(attribute.String("wechat.file", rel)))
	defer span.End()

	res.Path = rel
	defer func() {
		res.Duration = time.Since(start)
		if res.Err != nil {
			res.Status = FileFailed
			logErr := res.Err
			var keyErr *InvalidKeyError
			if errors.As(res.Err, &keyErr) {
				logErr = fmt.Errorf("key %s does not match", keyErr.Key)
			}
			span.RecordError(logErr)
			span.SetStatus(codes.Error, logErr.Error())
			log.WithError(logErr).Error("decrypt failed")
		} else {
			log.WithFields(logrus.Fields{
				"status":   res.Status,
				"pages":    res.Pages,
				"duration": res.Duration,
			}).Info("decrypt done")
		}
		d.Metrics.RecordFile(string(res.Status), res.Duration)
		d.Metrics.RecordBytes(res.Bytes)
	}()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		res.Err = ioErr("mkdir", filepath.Dir(dst), err)
		return
	}

	if d.isPlainFile(filepath.Base(rel)) {
		n, err := copyFile(src, dst)
		if err != nil {
			res.Err = err
			return
		}
		res.Status = FileCopied
		res.Bytes = n
		for _, suffix := range []string{walSuffix, shmSuffix} {
			n, err := copyFileIfExists(src+suffix, dst+suffix)
			if err != nil {
				res.Err = err
				return
			}
			if n > 0 {
				res.Bytes += n
			}
		}
		return
	}

	log.Debug("decrypting")
	dbRes, err := DecryptDataBase(ctx, src, d.Key, dst)
	if err != nil {
		if errors.Is(err, ErrInvalidKey) {
			d.Metrics.RecordHMACFailures("main", 1)
		}
		res.Err = err
		return
	}
	res.Status = FileDecrypted
	res.Pages = dbRes.Pages
	res.Bytes = dbRes.Bytes
	d.Metrics.RecordPages(dbRes.Pages)
	span.SetAttributes(attribute.Int("wechat.pages", dbRes.Pages))

	if d.Verify != nil {
		if err := d.Verify(dst); err != nil {
			res.Err = fmt.Errorf("verify %s: %w", dst, err)
			return
		}
	}

	walRes, err := DecryptWAL(ctx, src+walSuffix, dbRes.Material, dst+walSuffix, d.NeedCheckHMAC)
	if err != nil {
		res.Err = err
		return
	}
	if walRes != nil {
		res.WAL = walRes
		res.Bytes += walRes.Bytes
		d.Metrics.RecordWALFrames(walRes.Rewritten, walRes.Kept)
		d.Metrics.RecordHMACFailures("wal", walRes.HMACFailures)
		span.SetAttributes(attribute.Int("wechat.wal_frames", walRes.Frames))
		walLog := log.WithFields(logrus.Fields{
			"frames":     walRes.Frames,
			"rewritten":  walRes.Rewritten,
			"kept":       walRes.Kept,
			"byte_order": walRes.ByteOrder.String(),
		})
		if walRes.HMACFailures > 0 {
			walLog.WithField("hmac_failures", walRes.HMACFailures).Warn("wal frames failed authentication, decrypted unchecked")
		} else {
			walLog.Debug("wal decrypted")
		}
	}

	n, err := copyFileIfExists(src+shmSuffix, dst+shmSuffix)
	if err != nil {
		res.Err = err
		return
	}
	if n >= 0 {
		res.SHMCopied = true
		res.Bytes += n
	}
	return
}

// copyFileIfExists copies src when it exists and returns -1 otherwise.
func copyFileIfExists(src, dst string) (int64, error) {
	if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
		return -1, nil
	}
	return copyFile(src, dst)
}

func copyFile(src, dst string) (int64, error) {
	sourceFile, err := os.Open(src)
	if err != nil {
		return 0, ioErr("open", src, err)
	}
	defer sourceFile.Close()

	destFile, err := createAtomic(dst)
	if err != nil {
		return 0, err
	}
	defer destFile.Abort()

	bytesWritten, err := io.Copy(destFile, sourceFile)
	if err != nil {
		return bytesWritten, ioErr("copy", src, err)
	}
	return bytesWritten, destFile.Commit()
}

// atomicFile is written under a temporary name next to path and renamed into
// place by Commit. Abort after Commit is a no-op.
type atomicFile struct {
	*os.File
	path string
	done bool
}

func createAtomic(path string) (*atomicFile, error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, ioErr("create", path, err)
	}
	return &atomicFile{File: f, path: path}, nil
}

func (f *atomicFile) Commit() error {
	if err := f.File.Chmod(0644); err != nil {
		return ioErr("chmod", f.Name(), err)
	}
	if err := f.File.Close(); err != nil {
		return ioErr("close", f.Name(), err)
	}
	if err := os.Rename(f.Name(), f.path); err != nil {
		os.Remove(f.Name())
		return ioErr("rename", f.path, err)
	}
	f.done = true
	return nil
}

func (f *atomicFile) Abort() {
	if f.done {
		return
	}
	f.done = true
	f.File.Close()
	os.Remove(f.Name())
}

// getPathFileNumber counts the files below targetPath ending in fileSuffix,
// leaving out skipPath the same way walk does.
func getPathFileNumber(targetPath, skipPath string, fileSuffix string) int64 {
	number := int64(0)
	skipAbs, _ := filepath.Abs(skipPath)
	filepath.WalkDir(targetPath, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if entry.IsDir() {
			if abs, _ := filepath.Abs(path); abs == skipAbs && path != targetPath {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(path, fileSuffix) {
			number += 1
		}
		return nil
	})
	return number
}
