package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"wechatDataDecrypt/pkg/config"
	"wechatDataDecrypt/pkg/metrics"
	"wechatDataDecrypt/pkg/report"
	"wechatDataDecrypt/pkg/tracing"
	"wechatDataDecrypt/pkg/utils"
	"wechatDataDecrypt/pkg/wechat"
)

const (
	appName    = "wechatDataDecrypt"
	appVersion = "v1.0.0"
)

// App runs the commands against one loaded configuration.
type App struct {
	cfg     *config.Config
	log     *logrus.Logger
	metrics *metrics.Metrics
}

func NewApp(cfg *config.Config, logger *logrus.Logger) *App {
	logger.WithField("version", appVersion).Debug("App version")
	return &App{
		cfg:     cfg,
		log:     logger,
		metrics: metrics.NewMetrics(),
	}
}

func (a *App) workers() int {
	if a.cfg.Workers > 0 {
		return a.cfg.Workers
	}
	return utils.DefaultWorkers()
}

// Decrypt decrypts the configured source tree into the output root, then
// writes the report and metrics file and optionally opens the output.
func (a *App) Decrypt(ctx context.Context) error {
	if err := a.cfg.ValidateDecrypt(); err != nil {
		return err
	}
	key, err := utils.DecodeKey(a.cfg.Key, a.cfg.KeyEncoding)
	if err != nil {
		return err
	}

	shutdown, err := tracing.Setup(a.cfg.Tracing.Enabled || a.cfg.Tracing.File != "", a.cfg.Tracing.File, appName, appVersion)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			a.log.WithError(err).Warn("tracing shutdown")
		}
	}()

	progress := make(chan wechat.ProgressEvent)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for p := range progress {
			pStr, _ := json.Marshal(p)
			a.log.Debug(string(pStr))
		}
	}()

	d := &wechat.Decryptor{
		SourcePath:    a.cfg.Source,
		OutputPath:    a.cfg.Output,
		Key:           key,
		NeedCheckHMAC: a.cfg.CheckHMAC,
		Workers:       a.workers(),
		FailFast:      a.cfg.FailFast,
		PlainFiles:    a.cfg.PlainFiles,
		Logger:        a.log,
		Metrics:       a.metrics,
		Progress:      progress,
	}
	if a.cfg.VerifyOutput {
		d.Verify = wechat.VerifyDecryptedDB
	}

	started := time.Now()
	results, decErr := d.Decrypt(ctx)
	close(progress)
	<-drained

	if a.cfg.Report.Enabled && isDir(a.cfg.Output) {
		m := report.New(a.cfg.Source, a.cfg.Output, started, time.Now(), results)
		if path, err := report.Write(a.cfg.Output, a.cfg.Report.Format, m); err != nil {
			a.log.WithError(err).Error("write report")
		} else {
			a.log.WithField("path", path).Info("report written")
		}
	}
	if a.cfg.MetricsFile != "" {
		if err := a.metrics.WriteToTextfile(a.cfg.MetricsFile); err != nil {
			a.log.WithError(err).Error("write metrics")
		}
	}
	if decErr == nil && a.cfg.OpenOutput {
		if err := utils.OpenFileOrExplorer(a.cfg.Output, true); err != nil {
			a.log.WithError(err).Warn("open output")
		}
	}
	return decErr
}

// Verify checks the key against one database or every *.db below a
// directory without writing anything. Any mismatch is an error.
func (a *App) Verify(ctx context.Context) error {
	if a.cfg.Source == "" {
		return fmt.Errorf("source is required")
	}
	if err := a.cfg.ValidateKey(); err != nil {
		return err
	}
	key, err := utils.DecodeKey(a.cfg.Key, a.cfg.KeyEncoding)
	if err != nil {
		return err
	}

	var files []string
	if isDir(a.cfg.Source) {
		err = filepath.WalkDir(a.cfg.Source, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !entry.IsDir() && filepath.Ext(path) == ".db" && !a.isPlainFile(entry.Name()) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return err
		}
	} else {
		files = []string{a.cfg.Source}
	}

	var errs []error
	for _, path := range files {
		ok, err := wechat.CheckDataBaseKey(path, key)
		switch {
		case err != nil:
			errs = append(errs, err)
		case !ok:
			errs = append(errs, &wechat.InvalidKeyError{Key: key, Path: path})
		default:
			a.log.WithField("file", path).Info("key ok")
		}
	}
	return errors.Join(errs...)
}

// Inspect lists the tables of a decrypted database and runs quick_check.
func (a *App) Inspect(path string) error {
	db, err := wechat.OpenDecryptedDB(path)
	if err != nil {
		return err
	}
	defer db.Close()

	tables, err := wechat.ListTables(db)
	if err != nil {
		return err
	}
	for _, name := range tables {
		fmt.Println(name)
	}
	if err := wechat.QuickCheck(db); err != nil {
		return err
	}
	a.log.WithFields(logrus.Fields{"file": path, "tables": len(tables)}).Info("quick_check ok")
	return nil
}

// DecryptDat decodes the .dat attachments below dat.source into dat.output.
func (a *App) DecryptDat(ctx context.Context) error {
	if a.cfg.Dat.Source == "" || a.cfg.Dat.Output == "" {
		return fmt.Errorf("dat.source and dat.output are required")
	}
	res, err := wechat.DecryptDatByDir(ctx, a.cfg.Dat.Source, a.cfg.Dat.Output, a.workers(), a.log)
	if res != nil {
		a.log.WithFields(logrus.Fields{
			"decoded": res.Decoded,
			"skipped": res.Skipped,
			"failed":  res.Failed,
		}).Info("dat finished")
	}
	if err != nil {
		return err
	}
	if a.cfg.OpenOutput {
		if err := utils.OpenFileOrExplorer(a.cfg.Dat.Output, true); err != nil {
			a.log.WithError(err).Warn("open output")
		}
	}
	return nil
}

func (a *App) isPlainFile(name string) bool {
	for _, plain := range a.cfg.PlainFiles {
		if strings.EqualFold(plain, name) {
			return true
		}
	}
	return false
}

func isDir(path string) bool {
	fileInfo, err := os.Stat(path)
	return err == nil && fileInfo.IsDir()
}
