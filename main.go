package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	"wechatDataDecrypt/pkg/config"
)

const usage = `usage: wechatDataDecrypt <command> [flags]

commands:
  decrypt   decrypt every *.db below --source into --output
  verify    check --key against a database file or directory
  inspect   list tables of a decrypted database and run quick_check
  dat       decode .dat image attachments
`

func newFlagSet(cmd string) (*pflag.FlagSet, *string) {
	flags := pflag.NewFlagSet(cmd, pflag.ContinueOnError)
	configFile := flags.String("config", "", "config file (default ./config.json)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-file", "./wechatDataDecrypt.log", "log file, empty to log to stderr only")

	switch cmd {
	case "decrypt":
		flags.StringP("source", "s", "", "WeChat data directory")
		flags.StringP("output", "o", "", "output directory")
		flags.StringP("key", "k", "", "database key")
		flags.StringP("encode", "d", "hex", "key encoding: hex, base64, string")
		flags.Bool("check-hmac", true, "authenticate WAL frames")
		flags.IntP("workers", "j", 0, "files decrypted at once, 0 for one per CPU")
		flags.Bool("fail-fast", true, "stop at the first failed file")
		flags.StringSlice("plain", []string{"xInfo.db"}, "file names copied without decryption")
		flags.Bool("verify", false, "run quick_check on every decrypted file")
		flags.Bool("open", false, "open the output directory when done")
		flags.String("metrics-file", "", "write prometheus metrics to this file")
		flags.Bool("report", true, "write decrypt-report into the output directory")
		flags.String("report-format", "yaml", "report format: yaml or xml")
		flags.String("trace-file", "", "write spans to this file")
	case "verify":
		flags.StringP("source", "s", "", "database file or directory")
		flags.StringP("key", "k", "", "database key")
		flags.StringP("encode", "d", "hex", "key encoding: hex, base64, string")
		flags.StringSlice("plain", []string{"xInfo.db"}, "file names skipped as unencrypted")
	case "dat":
		flags.String("dat-source", "", "directory holding .dat files")
		flags.String("dat-output", "", "output directory")
		flags.IntP("workers", "j", 0, "files decoded at once, 0 for one per CPU")
		flags.Bool("open", false, "open the output directory when done")
	}
	return flags, configFile
}

// setupLogger builds the process logger. The returned lumberjack logger is
// nil when logging goes to stderr only.
func setupLogger(cfg config.LogConfig) (*logrus.Logger, *lumberjack.Logger) {
	logger := logrus.New()
	var logJack *lumberjack.Logger
	if cfg.File != "" {
		logJack = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   false,
		}
		logger.SetOutput(io.MultiWriter(logJack, os.Stderr))
	} else {
		logger.SetOutput(os.Stderr)
	}

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	return logger, logJack
}

func run(args []string) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	cmd := args[0]
	switch cmd {
	case "decrypt", "verify", "inspect", "dat":
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		return 2
	}

	flags, configFile := newFlagSet(cmd)
	if err := flags.Parse(args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	cfg, err := config.Load(*configFile, flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger, logJack := setupLogger(cfg.Log)
	if logJack != nil {
		defer logJack.Close()
	}
	logger.Infof("====================== %s %s ======================", appName, cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	app := NewApp(cfg, logger)
	switch cmd {
	case "decrypt":
		err = app.Decrypt(ctx)
	case "verify":
		err = app.Verify(ctx)
	case "inspect":
		if flags.NArg() != 1 {
			err = fmt.Errorf("inspect takes exactly one database path")
		} else {
			err = app.Inspect(flags.Arg(0))
		}
	case "dat":
		err = app.DecryptDat(ctx)
	}
	if err != nil {
		for _, line := range strings.Split(err.Error(), "\n") {
			logger.Error(line)
		}
		return 1
	}
	return 0
}

func main() {
	os.Exit(run(os.Args[1:]))
}
