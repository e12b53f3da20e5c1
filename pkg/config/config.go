package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	defaultConfig = "config"
	envPrefix     = "WXDEC"
)

// Config holds the complete application configuration.
type Config struct {
	Source       string        `mapstructure:"source"`
	Output       string        `mapstructure:"output"`
	Key          string        `mapstructure:"key"`
	KeyEncoding  string        `mapstructure:"key_encoding"`
	CheckHMAC    bool          `mapstructure:"check_hmac"`
	Workers      int           `mapstructure:"workers"`
	FailFast     bool          `mapstructure:"fail_fast"`
	PlainFiles   []string      `mapstructure:"plain_files"`
	VerifyOutput bool          `mapstructure:"verify_output"`
	OpenOutput   bool          `mapstructure:"open_output"`
	MetricsFile  string        `mapstructure:"metrics_file"`
	Log          LogConfig     `mapstructure:"log"`
	Report       ReportConfig  `mapstructure:"report"`
	Tracing      TracingConfig `mapstructure:"tracing"`
	Dat          DatConfig     `mapstructure:"dat"`
}

// LogConfig configures logrus and the lumberjack log file.
type LogConfig struct {
	File       string `mapstructure:"file"`
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// ReportConfig controls the run manifest written into the output root.
type ReportConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Format  string `mapstructure:"format"`
}

// TracingConfig controls span export; spans go to File as JSON.
type TracingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	File    string `mapstructure:"file"`
}

// DatConfig holds the attachment decoder paths.
type DatConfig struct {
	Source string `mapstructure:"source"`
	Output string `mapstructure:"output"`
}

// flag name -> config key
var flagKeys = map[string]string{
	"source":        "source",
	"output":        "output",
	"key":           "key",
	"encode":        "key_encoding",
	"check-hmac":    "check_hmac",
	"workers":       "workers",
	"fail-fast":     "fail_fast",
	"plain":         "plain_files",
	"verify":        "verify_output",
	"open":          "open_output",
	"metrics-file":  "metrics_file",
	"log-level":     "log.level",
	"log-file":      "log.file",
	"report":        "report.enabled",
	"report-format": "report.format",
	"trace-file":    "tracing.file",
	"dat-source":    "dat.source",
	"dat-output":    "dat.output",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source", "")
	v.SetDefault("output", "")
	v.SetDefault("key", "")
	v.SetDefault("key_encoding", "hex")
	v.SetDefault("check_hmac", true)
	v.SetDefault("workers", 0)
	v.SetDefault("fail_fast", true)
	v.SetDefault("plain_files", []string{"xInfo.db"})
	v.SetDefault("verify_output", false)
	v.SetDefault("open_output", false)
	v.SetDefault("metrics_file", "")
	v.SetDefault("log.file", "./wechatDataDecrypt.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.max_size", 5)
	v.SetDefault("log.max_backups", 1)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("report.enabled", true)
	v.SetDefault("report.format", "yaml")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.file", "")
	v.SetDefault("dat.source", "")
	v.SetDefault("dat.output", "")
}

// Load reads configuration from defaults, the config file, WXDEC_*
// environment variables and flags, later sources winning. configFile may be
// empty, in which case an optional ./config.json is used.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName(defaultConfig)
		v.SetConfigType("json")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings shared by every command.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log.format: %s (must be text or json)", c.Log.Format)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative")
	}
	if c.Report.Enabled {
		switch c.Report.Format {
		case "yaml", "xml":
		default:
			return fmt.Errorf("invalid report.format: %s (must be yaml or xml)", c.Report.Format)
		}
	}
	if c.Tracing.Enabled && c.Tracing.File == "" {
		return fmt.Errorf("tracing.file is required when tracing is enabled")
	}
	return nil
}

// ValidateKey checks the key settings used by decrypt and verify.
func (c *Config) ValidateKey() error {
	if c.Key == "" {
		return fmt.Errorf("key is required")
	}
	switch strings.ToLower(c.KeyEncoding) {
	case "hex", "base64", "string":
	default:
		return fmt.Errorf("invalid key_encoding: %s (must be hex, base64, or string)", c.KeyEncoding)
	}
	return nil
}

// ValidateDecrypt checks the settings the decrypt command needs.
func (c *Config) ValidateDecrypt() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Source == "" {
		return fmt.Errorf("source is required")
	}
	if c.Output == "" {
		return fmt.Errorf("output is required")
	}
	return c.ValidateKey()
}
