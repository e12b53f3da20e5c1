package utils

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/pkg/browser"
	"github.com/shirou/gopsutil/v3/cpu"
	log "github.com/sirupsen/logrus"

	"wechatDataDecrypt/pkg/wechat"
)

// DecodeKey turns the textual key into a RawKey. encoding is hex, base64 or
// string; the decoded value must hold at least 32 bytes and only the first 32
// are used.
func DecodeKey(text, encoding string) (wechat.RawKey, error) {
	var (
		buf []byte
		err error
	)
	switch strings.ToLower(encoding) {
	case "hex":
		buf, err = hex.DecodeString(strings.TrimSpace(text))
	case "base64":
		buf, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(text), "="))
	case "string":
		buf = []byte(text)
	default:
		return wechat.RawKey{}, fmt.Errorf("unsupported key encoding %q", encoding)
	}
	if err != nil {
		return wechat.RawKey{}, fmt.Errorf("decode %s key: %w", encoding, err)
	}
	if len(buf) < wechat.KeySize {
		return wechat.RawKey{}, fmt.Errorf("key too short: %d bytes, need %d", len(buf), wechat.KeySize)
	}
	return wechat.NewRawKey(buf[:wechat.KeySize])
}

// DefaultWorkers returns the number of logical CPUs, used when the worker
// count is left at zero.
func DefaultWorkers() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		log.WithError(err).Debug("cpu.Counts failed, using runtime.NumCPU")
		return runtime.NumCPU()
	}
	return n
}

// OpenFileOrExplorer shows filePath to the user. Directories and explorer
// requests on Windows select the entry in Explorer; everything else goes
// through the desktop default handler.
func OpenFileOrExplorer(filePath string, explorer bool) error {
	fileInfo, err := os.Stat(filePath)
	if err != nil {
		log.WithError(err).WithField("path", filePath).Error("open file")
		return err
	}

	if runtime.GOOS != "windows" || (!explorer && !fileInfo.IsDir()) {
		return browser.OpenFile(filePath)
	}

	commandArgs := []string{"/select,", filePath}
	log.WithField("args", commandArgs).Debug("cmd: explorer")
	cmd := exec.Command("explorer", commandArgs...)
	// explorer exits non-zero even when it succeeds
	if err := cmd.Run(); err != nil {
		log.WithError(err).Debug("explorer")
	}
	return nil
}
